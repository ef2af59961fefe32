package httpapi

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"contestkit.org/internal/audit"
	"contestkit.org/internal/auth"
	"contestkit.org/internal/ratelimit"
)

// MethodRule is the admission policy for one gRPC method.
type MethodRule struct {
	Public bool
	// Admin authenticates through the admin path, which accepts the legacy secret.
	Admin bool
	Guard auth.Guard
	// RateLimitKey, when set, is checked against the limiter defaults.
	RateLimitKey string
}

// AuthInterceptor admits unary calls by rule. Methods without a rule require
// an authenticated user; health checks are always public.
func AuthInterceptor(guard *auth.CredentialGuard, limiter *ratelimit.Limiter, rules map[string]MethodRule) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		rule, ok := rules[info.FullMethod]
		if !ok && strings.HasPrefix(info.FullMethod, "/"+healthpb.Health_ServiceDesc.ServiceName+"/") {
			rule = MethodRule{Public: true}
		}
		if rule.Public {
			return handler(ctx, req)
		}

		token, err := bearerFromMetadata(ctx)
		if err != nil {
			return nil, grpcError(ctx, err)
		}
		var principal auth.Principal
		if rule.Admin {
			principal, err = guard.AuthenticateAdmin(ctx, token)
		} else {
			principal, err = guard.Authenticate(ctx, token)
		}
		if err != nil {
			return nil, grpcError(ctx, err)
		}
		ctx = auth.ContextWithPrincipal(ctx, principal)
		if principal.Legacy {
			_ = audit.LogEvent(ctx, audit.EventLegacyAdminUsed, map[string]any{"method": info.FullMethod})
		}
		if rule.Guard != nil {
			if err := rule.Guard(principal); err != nil {
				_ = audit.LogEvent(ctx, audit.EventDenied, map[string]any{"method": info.FullMethod, "reason": err.Error()})
				return nil, grpcError(ctx, err)
			}
		}
		if rule.RateLimitKey != "" && limiter != nil {
			if err := limiter.Check(ctx, rule.RateLimitKey, 0, 0); err != nil {
				_ = audit.LogEvent(ctx, audit.EventRateLimited, map[string]any{"key": rule.RateLimitKey})
				return nil, grpcError(ctx, err)
			}
		}
		return handler(ctx, req)
	}
}

// NewGRPCServer builds a server with the auth interceptor and the standard
// health service. The returned health server is SERVING until the caller
// changes it.
func NewGRPCServer(interceptor grpc.UnaryServerInterceptor, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(interceptor)}, opts...)
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

func bearerFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return auth.ExtractBearer("")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return auth.ExtractBearer("")
	}
	return auth.ExtractBearer(values[0])
}

func grpcError(ctx context.Context, err error) error {
	var (
		perr *auth.PermissionError
		lerr *ratelimit.LimitedError
	)
	switch {
	case errors.Is(err, auth.ErrInvalidCredential):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.As(err, &perr):
		return status.Error(codes.PermissionDenied, perr.Error())
	case errors.As(err, &lerr):
		_ = grpc.SetHeader(ctx, metadata.Pairs("retry-after", strconv.Itoa(lerr.RetryAfterSeconds())))
		return status.Error(codes.ResourceExhausted, lerr.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
