// ABOUTME: HTTP route table for the gateway
// ABOUTME: Applies token auth and role gates when a JWT secret is configured

package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-delivery/internal/auth"
)

// routes builds the HTTP mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))
	}

	streams := map[string]http.HandlerFunc{
		"GET /ws":     g.handleWebSocket,
		"GET /events": g.handleEvents,
	}
	producer := map[string]http.HandlerFunc{
		"POST /api/send":    g.handleSend,
		"POST /api/threads": g.handleBindThread,
	}
	admin := map[string]http.HandlerFunc{
		"POST /api/recovery/{user_id}": g.handleRecovery,
		"GET /api/stats/errors":        g.handleErrorStats,
		"POST /api/cleanup":            g.handleCleanup,
		"GET /api/connections":         g.handleConnections,
	}

	if g.verifier == nil {
		g.logger.Warn("auth disabled - no jwt_secret configured; identities come from the user_id parameter")
		for _, group := range []map[string]http.HandlerFunc{streams, producer, admin} {
			for pattern, h := range group {
				mux.Handle(pattern, h)
			}
		}
		return mux
	}

	authMiddleware := auth.HTTPAuthMiddleware(g.verifier)
	requireProducer := auth.RequireRoleHTTP(auth.RoleProducer)
	requireAdmin := auth.RequireRoleHTTP(auth.RoleAdmin)

	for pattern, h := range streams {
		mux.Handle(pattern, authMiddleware(h))
	}
	for pattern, h := range producer {
		mux.Handle(pattern, authMiddleware(requireProducer(h)))
	}
	for pattern, h := range admin {
		mux.Handle(pattern, authMiddleware(requireAdmin(h)))
	}
	g.logger.Info("HTTP auth middleware enabled")
	return mux
}
