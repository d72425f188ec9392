// ABOUTME: Gateway orchestrator that coordinates the HTTP and gRPC health servers
// ABOUTME: Wires config into the delivery manager, janitor, transports and metrics lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/coven-delivery/internal/auth"
	"github.com/2389/coven-delivery/internal/config"
	"github.com/2389/coven-delivery/internal/dedupe"
	"github.com/2389/coven-delivery/internal/delivery"
	"github.com/2389/coven-delivery/internal/errstats"
	"github.com/2389/coven-delivery/internal/metrics"
	"github.com/2389/coven-delivery/internal/recovery"
	"github.com/2389/coven-delivery/internal/threads"
	"github.com/2389/coven-delivery/internal/transport"
)

// HealthService is the service name reported by the gRPC health server.
const HealthService = "coven.delivery"

// Gateway orchestrates the coven-delivery server components.
type Gateway struct {
	config   *config.Config
	manager  *delivery.Manager
	janitor  *delivery.Janitor
	dedupe   *dedupe.Window
	verifier *auth.JWTVerifier // nil when auth is disabled

	registry *prometheus.Registry
	upgrader websocket.Upgrader
	wsOpts   transport.WebSocketOptions

	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server

	// ready is set once listeners are up and cleared when shutdown begins
	ready atomic.Bool

	logger *slog.Logger
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	gw := &Gateway{
		config:   cfg,
		registry: prometheus.NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Any origin; identity comes from the token.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		wsOpts: transport.WebSocketOptions{
			WriteTimeout: cfg.Transport.WriteTimeout,
			PongWait:     cfg.Transport.PongWait,
		},
		logger: logger.With("component", "gateway"),
	}

	if cfg.Auth.Enabled() {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = verifier
	}

	gw.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(gw.registry)

	if cfg.Delivery.DedupeTTL > 0 && cfg.Delivery.DedupeSize > 0 {
		gw.dedupe = dedupe.New(cfg.Delivery.DedupeTTL, cfg.Delivery.DedupeSize)
	}

	gw.manager = delivery.NewManager(delivery.Options{
		Registry:        delivery.NewRegistry(logger, m),
		Threads:         threads.NewRouter(),
		Queue:           recovery.NewQueue(cfg.Delivery.RecoveryQueueSize, logger),
		Errors:          errstats.NewTracker(),
		Dedupe:          gw.dedupe,
		Metrics:         m,
		SendTimeout:     cfg.Delivery.SendTimeout,
		DisableRecovery: !cfg.Delivery.ErrorRecoveryEnabled,
		Logger:          logger,
	})

	gw.janitor = delivery.NewJanitor(gw.manager, delivery.JanitorConfig{
		CleanupInterval: cfg.Maintenance.CleanupInterval,
		ErrorRetention:  cfg.Maintenance.ErrorRetention,
		SweepInterval:   cfg.Maintenance.SweepInterval,
		IdleTimeout:     cfg.Maintenance.HeartbeatTimeout,
	}, logger)

	gw.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	gw.health = health.NewServer()
	healthpb.RegisterHealthServer(gw.grpcServer, gw.health)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Manager returns the delivery manager, for embedding producers in-process.
func (g *Gateway) Manager() *delivery.Manager {
	return g.manager
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupListeners creates TCP listeners for HTTP and, if configured, gRPC.
func (g *Gateway) setupListeners() (httpLn, grpcLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr == "" {
		return httpLn, nil, nil
	}

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return httpLn, grpcLn, nil
}

// startServers starts HTTP and gRPC servers in goroutines, returning error channel.
func (g *Gateway) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and the janitor and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	httpListener, grpcListener, err := g.setupListeners()
	if err != nil {
		return err
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go g.janitor.Run(janitorCtx)

	errCh := g.startServers(httpListener, grpcListener)
	g.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	g.ready.Store(true)

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	stopJanitor()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeConnections releases every registered transport so streaming handlers return.
// Hijacked WebSocket connections are not tracked by http.Server.Shutdown.
func (g *Gateway) closeConnections() {
	reg := g.manager.Registry()
	for _, info := range reg.List() {
		if conn, ok := reg.Get(info.ID); ok {
			g.manager.Release(conn)
		}
	}
}

// Shutdown gracefully stops all servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.ready.Store(false)
	g.health.Shutdown()

	g.closeConnections()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.dedupe != nil {
		g.dedupe.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the servers are listening and until shutdown begins.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	reg := g.manager.Registry()
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections, %d users)", reg.TotalConnections(), reg.UserCount())
}
