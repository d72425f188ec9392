// ABOUTME: WebSocket and SSE endpoints that register client connections with the delivery core
// ABOUTME: Resolves the caller's identity, greets the client, then holds the connection open

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-delivery/internal/auth"
	"github.com/2389/coven-delivery/internal/delivery"
	"github.com/2389/coven-delivery/internal/event"
	"github.com/2389/coven-delivery/internal/transport"
)

// greetTimeout bounds the connection_established write.
const greetTimeout = 5 * time.Second

// streamUser resolves the user a stream belongs to. With auth enabled this is the
// token subject; otherwise the user_id query parameter. Writes the error response
// and returns false when no user can be determined.
func (g *Gateway) streamUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	if authCtx := auth.FromContext(r.Context()); authCtx != nil {
		return authCtx.UserID, true
	}
	if g.verifier != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "not authenticated")
		return "", false
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "user_id is required")
		return "", false
	}
	return userID, true
}

func connectionMetadata(r *http.Request, kind string) map[string]string {
	md := map[string]string{
		"transport":   kind,
		"remote_addr": r.RemoteAddr,
	}
	if ua := r.UserAgent(); ua != "" {
		md["user_agent"] = ua
	}
	return md
}

func greeting(conn *delivery.Connection) *event.Event {
	return event.New(event.TypeConnectionEstablished, conn.UserID, "", map[string]any{
		"connection_id": conn.ID,
		"transport":     conn.Metadata["transport"],
	})
}

// handleWebSocket upgrades the request and keeps the socket registered until it drops.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := g.streamUser(w, r)
	if !ok {
		return
	}

	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.logger.Debug("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	ws := transport.NewWebSocket(wsConn, g.wsOpts, g.logger)
	conn := delivery.NewConnection(uuid.NewString(), userID, ws, connectionMetadata(r, "websocket"))

	// Greet before registering so the greeting precedes any replayed events.
	greetCtx, cancel := context.WithTimeout(r.Context(), greetTimeout)
	err = ws.Send(greetCtx, greeting(conn))
	cancel()
	if err != nil {
		g.logger.Debug("websocket greeting failed", "user_id", userID, "error", err)
		_ = ws.Close()
		return
	}

	if err := g.manager.Registry().AddConnection(r.Context(), conn); err != nil {
		g.logger.Error("registering websocket failed", "user_id", userID, "error", err)
		_ = ws.Close()
		return
	}

	readErr := ws.ReadLoop(conn.Touch)

	g.manager.Release(conn)
	g.logger.Debug("websocket closed",
		"connection_id", conn.ID,
		"user_id", userID,
		"reason", readErr)
}

// handleEvents serves a Server-Sent Events stream for the caller.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := g.streamUser(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	stream := transport.NewStream(g.config.Transport.StreamBuffer)
	conn := delivery.NewConnection(uuid.NewString(), userID, stream, connectionMetadata(r, "sse"))

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	hello := greeting(conn)
	if err := transport.WriteSSE(w, string(hello.Type), hello); err != nil {
		return
	}
	flusher.Flush()

	// Start writing before registering; replay on connect waits on buffer space.
	keepAlive := g.config.Transport.PongWait / 3
	served := make(chan error, 1)
	go func() {
		served <- stream.Serve(r.Context(), w, flusher, keepAlive, conn.Touch)
	}()

	if err := g.manager.Registry().AddConnection(r.Context(), conn); err != nil {
		g.logger.Error("registering event stream failed", "user_id", userID, "error", err)
		_ = stream.Close()
		<-served
		return
	}

	// Anything still buffered goes back to the recovery queue.
	err := <-served
	g.manager.Release(conn)
	g.logger.Debug("event stream closed",
		"connection_id", conn.ID,
		"user_id", userID,
		"reason", err)
}
