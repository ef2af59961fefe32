package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"contestkit.org/internal/auth"
	"contestkit.org/internal/ratelimit"
	"contestkit.org/internal/store/mem"
)

const bufSize = 1024 * 1024

type grpcFixture struct {
	tokens  *auth.TokenService
	guard   *auth.CredentialGuard
	limiter *ratelimit.Limiter
	users   *mem.Store
}

func newGRPCFixture(t *testing.T) grpcFixture {
	t.Helper()
	tokens, err := auth.NewTokenService("grpc-secret")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	users := mem.New()
	resolver, err := auth.NewAccessResolver(users, 10)
	if err != nil {
		t.Fatalf("NewAccessResolver: %v", err)
	}
	guard, err := auth.NewCredentialGuard(tokens, resolver, testLegacySecret)
	if err != nil {
		t.Fatalf("NewCredentialGuard: %v", err)
	}
	limiter, err := ratelimit.New(context.Background(), ratelimit.BackendMemory, ratelimit.WithDefaults(1, time.Minute))
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	return grpcFixture{tokens: tokens, guard: guard, limiter: limiter, users: users}
}

func (f grpcFixture) bearer(t *testing.T, sub string, role auth.Role) context.Context {
	t.Helper()
	tok, err := f.tokens.Issue(sub, "", role, auth.KindAccess, nil, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+tok))
}

func startBufGRPC(t *testing.T, srv *grpc.Server) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	t.Cleanup(func() {
		srv.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return conn
}

func TestGRPCHealthIsPublic(t *testing.T) {
	f := newGRPCFixture(t)
	srv, hs := NewGRPCServer(AuthInterceptor(f.guard, f.limiter, nil))
	conn := startBufGRPC(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}

	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %s", resp.GetStatus())
	}
}

func invoke(ctx context.Context, interceptor grpc.UnaryServerInterceptor, method string) (bool, error) {
	called := false
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: method}, func(ctx context.Context, _ any) (any, error) {
		called = true
		if _, ok := auth.PrincipalFromContext(ctx); !ok && method != "/contestkit.v1.Public/Ping" {
			return nil, errors.New("principal missing from handler context")
		}
		return "ok", nil
	})
	return called, err
}

func TestAuthInterceptorRules(t *testing.T) {
	f := newGRPCFixture(t)
	user, err := f.users.CreateUser(context.Background(), "+15550100", auth.RoleUser, true)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	userSub := auth.PrincipalFromUser(user).Subject

	rules := map[string]MethodRule{
		"/contestkit.v1.Public/Ping":       {Public: true},
		"/contestkit.v1.Admin/Permissions": {Admin: true, Guard: auth.AdminOnly},
		"/contestkit.v1.Admin/SendSMS":     {Admin: true, Guard: auth.SensitiveAdmin, RateLimitKey: "grpc_sms"},
	}
	interceptor := AuthInterceptor(f.guard, f.limiter, rules)
	legacyCtx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+testLegacySecret))

	tests := []struct {
		name   string
		ctx    context.Context
		method string
		code   codes.Code
	}{
		{"public without credentials", context.Background(), "/contestkit.v1.Public/Ping", codes.OK},
		{"unlisted needs credentials", context.Background(), "/contestkit.v1.Profile/Get", codes.Unauthenticated},
		{"unlisted with user token", f.bearer(t, userSub, auth.RoleUser), "/contestkit.v1.Profile/Get", codes.OK},
		{"unlisted with unknown user", f.bearer(t, "999", auth.RoleUser), "/contestkit.v1.Profile/Get", codes.Unauthenticated},
		{"admin with user token", f.bearer(t, userSub, auth.RoleUser), "/contestkit.v1.Admin/Permissions", codes.PermissionDenied},
		{"admin with legacy secret", legacyCtx, "/contestkit.v1.Admin/Permissions", codes.OK},
		{"sensitive with legacy secret", legacyCtx, "/contestkit.v1.Admin/SendSMS", codes.PermissionDenied},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			called, err := invoke(tc.ctx, interceptor, tc.method)
			if got := status.Code(err); got != tc.code {
				t.Fatalf("expected %s, got %s (%v)", tc.code, got, err)
			}
			if called != (tc.code == codes.OK) {
				t.Fatalf("handler called=%v for code %s", called, tc.code)
			}
		})
	}
}

func TestAuthInterceptorRateLimits(t *testing.T) {
	f := newGRPCFixture(t)
	rules := map[string]MethodRule{
		"/contestkit.v1.Admin/SendSMS": {Admin: true, Guard: auth.SensitiveAdmin, RateLimitKey: "grpc_sms"},
	}
	interceptor := AuthInterceptor(f.guard, f.limiter, rules)
	ctx := f.bearer(t, "1", auth.RoleAdmin)

	if _, err := invoke(ctx, interceptor, "/contestkit.v1.Admin/SendSMS"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := invoke(ctx, interceptor, "/contestkit.v1.Admin/SendSMS")
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}

func TestGRPCErrorHidesInternalDetail(t *testing.T) {
	err := grpcError(context.Background(), errors.New("db password leaked"))
	if status.Code(err) != codes.Internal || status.Convert(err).Message() != "internal error" {
		t.Fatalf("unexpected mapping: %v", err)
	}
}
