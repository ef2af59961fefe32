package remote

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"contestkit.org/internal/auth"
	"contestkit.org/internal/ratelimit"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "unauthenticated",
			err:  status.Error(codes.Unauthenticated, "auth: invalid credential: user not found"),
			want: auth.ErrInvalidCredential,
		},
		{
			name: "permission denied",
			err:  status.Error(codes.PermissionDenied, "auth: insufficient permission: admin access required"),
			want: auth.ErrInsufficientPermission,
		},
		{
			name: "resource exhausted",
			err:  status.Error(codes.ResourceExhausted, "rate limited"),
			want: ratelimit.ErrLimited,
		},
		{
			name: "pass through",
			err:  status.Error(codes.Internal, "internal"),
			want: status.Error(codes.Internal, "internal"),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := MapError(tc.err)
			if !errors.Is(got, tc.want) {
				t.Fatalf("MapError() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMapErrorKeepsReasonAndRetryAfter(t *testing.T) {
	var cerr *auth.CredentialError
	if !errors.As(MapError(status.Error(codes.Unauthenticated, "auth: invalid credential: user disabled")), &cerr) || cerr.Reason != "user disabled" {
		t.Fatalf("unexpected credential error: %+v", cerr)
	}

	var lerr *ratelimit.LimitedError
	err := MapError(status.Error(codes.ResourceExhausted, "slow down"), metadata.Pairs("retry-after", "42"))
	if !errors.As(err, &lerr) || lerr.RetryAfter != 42*time.Second {
		t.Fatalf("unexpected limited error: %v", err)
	}
	err = MapError(status.Error(codes.ResourceExhausted, "slow down"))
	if !errors.As(err, &lerr) || lerr.RetryAfter != ratelimit.DefaultRetryAfter {
		t.Fatalf("expected default retry, got %v", err)
	}
	if MapError(nil) != nil {
		t.Fatal("nil must map to nil")
	}
}

func TestWithBearer(t *testing.T) {
	ctx := WithBearer(context.Background(), "tok")
	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok || len(md.Get("authorization")) != 1 || md.Get("authorization")[0] != "Bearer tok" {
		t.Fatalf("unexpected metadata: %v", md)
	}
	if _, ok := metadata.FromOutgoingContext(WithBearer(context.Background(), "")); ok {
		t.Fatal("empty token must not add metadata")
	}
}

func TestCheckOverBufconn(t *testing.T) {
	listener := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("contestkit-api", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(listener) }()
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := client.Check(ctx, "contestkit-api")
	if err != nil || st != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("Check = %v, %v", st, err)
	}
	if _, err := client.Check(ctx, "unknown"); status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound for unknown service, got %v", err)
	}
}
