// ABOUTME: Tests for Gateway orchestrator lifecycle
// ABOUTME: Covers construction, run/shutdown, health endpoints and the gRPC health service

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-delivery/internal/config"
)

// freeAddr returns a loopback address with an available port.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testConfig creates a finalized config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Server.GRPCAddr = freeAddr(t)
	require.NoError(t, cfg.Finalize())
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

// runGateway starts gw and waits until its HTTP listener answers.
func runGateway(t *testing.T, gw *Gateway) (cancel context.CancelFunc, done <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Run(ctx) }()
	t.Cleanup(cancel)

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + gw.config.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	return cancel, errCh
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)
	gw := newTestGateway(t, cfg)

	assert.Same(t, cfg, gw.config)
	assert.NotNil(t, gw.Manager())
	assert.NotNil(t, gw.dedupe)
	assert.Nil(t, gw.verifier, "no secret configured")
	assert.Equal(t, cfg.Delivery.RecoveryQueueSize, gw.Manager().Queue().MaxPerUser())
}

func TestGatewayNew_WithAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "gateway-test-secret-with-32-bytes"

	gw := newTestGateway(t, cfg)
	assert.NotNil(t, gw.verifier)
}

func TestGatewayNew_DedupeDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Delivery.DedupeTTL = 0

	gw := newTestGateway(t, cfg)
	assert.Nil(t, gw.dedupe)
}

func TestGatewayRunAndShutdown(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	cancel, done := runGateway(t, gw)

	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}
	assert.False(t, gw.ready.Load())
}

func TestGatewayRun_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = ln.Addr().String()
	gw := newTestGateway(t, cfg)

	err = gw.Run(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}

func TestHealthEndpoints(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	base := "http://" + gw.config.Server.HTTPAddr

	runGateway(t, gw)

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(base + "/health/ready")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready (0 connections, 0 users)", string(body))
}

func TestReadyEndpoint_NotRunning(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	rec := doRequest(t, gw, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGRPCHealthService(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	runGateway(t, gw)

	conn, err := grpc.NewClient(gw.config.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestMetricsEndpoint(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))

	rec := doRequest(t, gw, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "coven_delivery_active_connections")
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	gw := newTestGateway(t, cfg)

	rec := doRequest(t, gw, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
