// Command smoke checks a running contestkit deployment: HTTP liveness and
// readiness, gRPC health, and optionally an admin round trip.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"contestkit.org/internal/remote"
)

func main() {
	log.SetFlags(0)
	httpBase := envOr("CONTESTKIT_SMOKE_HTTP", "http://localhost:8080")
	grpcAddr := envOr("CONTESTKIT_SMOKE_GRPC", "localhost:9090")
	adminToken := os.Getenv("CONTESTKIT_SMOKE_ADMIN_TOKEN")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hc := &http.Client{Timeout: 5 * time.Second}

	for _, path := range []string{"/healthz", "/readyz"} {
		if _, err := getJSON(ctx, hc, httpBase+path, ""); err != nil {
			log.Fatalf("%s: %v", path, err)
		}
	}

	client, err := remote.Dial(grpcAddr)
	if err != nil {
		log.Fatalf("dial %s: %v", grpcAddr, err)
	}
	defer client.Close()
	st, err := client.Check(ctx, "contestkit-api")
	if err != nil {
		log.Fatalf("grpc health: %v", err)
	}
	if st != healthpb.HealthCheckResponse_SERVING {
		log.Fatalf("grpc health status %s", st)
	}

	if adminToken != "" {
		body, err := getJSON(ctx, hc, httpBase+"/v1/admin/permissions/admin", adminToken)
		if err != nil {
			log.Fatalf("admin permissions: %v", err)
		}
		if perms, _ := body["permissions"].([]any); len(perms) == 0 {
			log.Fatalf("admin permissions: empty set")
		}
	}

	fmt.Printf("smoke test passed: http=%s grpc=%s\n", httpBase, grpcAddr)
}

func getJSON(ctx context.Context, hc *http.Client, url, bearer string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
