package remote

import (
	"context"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"contestkit.org/internal/auth"
	"contestkit.org/internal/ratelimit"
)

// Client talks to the contestkit gRPC edge.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial creates a client. Without options the transport is insecure.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Conn exposes the connection for service clients registered elsewhere.
func (c *Client) Conn() *grpc.ClientConn { return c.conn }

// Check returns the serving status of service ("" is the whole server).
func (c *Client) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, MapError(err)
	}
	return resp.GetStatus(), nil
}

// WithBearer attaches token as the authorization metadata of outgoing calls.
func WithBearer(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

// MapError turns edge status codes back into the auth and ratelimit error
// types. Pass header metadata to recover the retry-after hint of a
// ResourceExhausted reply.
func MapError(err error, header ...metadata.MD) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return &auth.CredentialError{Reason: trimPrefix(st.Message(), auth.ErrInvalidCredential)}
	case codes.PermissionDenied:
		return &auth.PermissionError{Reason: trimPrefix(st.Message(), auth.ErrInsufficientPermission)}
	case codes.ResourceExhausted:
		retry := ratelimit.DefaultRetryAfter
		for _, md := range header {
			if v := md.Get("retry-after"); len(v) > 0 {
				if secs, err := strconv.Atoi(v[0]); err == nil && secs > 0 {
					retry = time.Duration(secs) * time.Second
				}
			}
		}
		return &ratelimit.LimitedError{RetryAfter: retry}
	}
	return err
}

func trimPrefix(msg string, sentinel error) string {
	msg = strings.TrimPrefix(msg, sentinel.Error())
	return strings.TrimPrefix(msg, ": ")
}

// IsUnavailable reports whether err means the server could not be reached.
func IsUnavailable(err error) bool {
	return status.Code(err) == codes.Unavailable
}

// WithTimeout returns a context with a default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
