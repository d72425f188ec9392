// ABOUTME: HTTP API handlers that let producers push events and operators inspect delivery
// ABOUTME: Covers send, thread binding, recovery replay, error statistics and cleanup

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/coven-delivery/internal/delivery"
	"github.com/2389/coven-delivery/internal/event"
	"github.com/2389/coven-delivery/internal/threads"
)

// maxBodyBytes bounds API request bodies.
const maxBodyBytes = 1 << 20

// maxWait caps SendRequest.WaitForConnection.
const maxWait = 30 * time.Second

// EventPayload is the event part of a SendRequest.
type EventPayload struct {
	Type      event.Type     `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
}

// SendRequest is the body of POST /api/send. Exactly one of UserID, ThreadID and
// Broadcast selects the target.
type SendRequest struct {
	UserID    string       `json:"user_id,omitempty"`
	ThreadID  string       `json:"thread_id,omitempty"`
	Broadcast bool         `json:"broadcast,omitempty"`
	Event     EventPayload `json:"event"`

	// WaitForConnection, if set, waits up to this long for the user to connect before
	// sending. Ignored for broadcasts.
	WaitForConnection string `json:"wait_for_connection,omitempty"`
}

// SendResponse is returned by POST /api/send.
type SendResponse struct {
	MessageID   string `json:"message_id"`
	Delivered   bool   `json:"delivered"`
	Connections int    `json:"connections"`
}

// BindThreadRequest is the body of POST /api/threads.
type BindThreadRequest struct {
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
}

// parseSendRequest decodes and validates a SendRequest.
func parseSendRequest(r io.Reader) (*SendRequest, time.Duration, error) {
	var req SendRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, 0, errors.New("invalid JSON body")
	}

	targets := 0
	for _, set := range []bool{req.UserID != "", req.ThreadID != "", req.Broadcast} {
		if set {
			targets++
		}
	}
	if targets != 1 {
		return nil, 0, errors.New("exactly one of user_id, thread_id or broadcast is required")
	}
	if !req.Event.Type.Valid() {
		return nil, 0, fmt.Errorf("unknown event type %q", req.Event.Type)
	}

	var wait time.Duration
	if req.WaitForConnection != "" {
		d, err := time.ParseDuration(req.WaitForConnection)
		if err != nil || d < 0 {
			return nil, 0, fmt.Errorf("invalid wait_for_connection %q", req.WaitForConnection)
		}
		wait = min(d, maxWait)
	}
	return &req, wait, nil
}

// handleSend routes one event to a user, a thread owner or everyone.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	req, wait, err := parseSendRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev := event.New(req.Event.Type, req.UserID, req.ThreadID, req.Event.Data)
	if req.Event.MessageID != "" {
		ev.MessageID = req.Event.MessageID
	}

	ctx := r.Context()
	resp := SendResponse{MessageID: ev.MessageID}

	switch {
	case req.Broadcast:
		resp.Connections = g.manager.Broadcast(ctx, ev)
		resp.Delivered = resp.Connections > 0

	case req.ThreadID != "":
		if wait > 0 {
			if owner, ok := g.manager.Threads().Resolve(req.ThreadID); ok {
				g.manager.WaitForConnection(ctx, owner, wait)
			}
		}
		resp.Delivered, err = g.manager.SendToThread(ctx, req.ThreadID, ev)
		if owner, ok := g.manager.Threads().Resolve(req.ThreadID); ok {
			resp.Connections = g.manager.Registry().ConnectionCount(owner)
		}

	default:
		if wait > 0 {
			g.manager.WaitForConnection(ctx, req.UserID, wait)
		}
		resp.Delivered, err = g.manager.SendToUser(ctx, req.UserID, ev)
		resp.Connections = g.manager.Registry().ConnectionCount(req.UserID)
	}

	if err != nil {
		if errors.Is(err, delivery.ErrInvalidArgument) {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		g.logger.Error("send failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, resp)
}

// handleBindThread records thread ownership. Rebinding to another user is a conflict.
func (g *Gateway) handleBindThread(w http.ResponseWriter, r *http.Request) {
	var req BindThreadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := g.manager.BindThread(req.ThreadID, req.UserID)

	var conflict *threads.OwnershipConflictError
	switch {
	case err == nil:
		g.sendJSON(w, http.StatusOK, req)
	case errors.As(err, &conflict):
		g.sendJSON(w, http.StatusConflict, map[string]string{
			"error":     "thread already bound to another user",
			"thread_id": conflict.ThreadID,
			"owner":     conflict.Owner,
		})
	case errors.Is(err, threads.ErrInvalidBinding):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("bind thread failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleRecovery replays a user's recovery queue now.
func (g *Gateway) handleRecovery(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	replayed, err := g.manager.AttemptMessageRecovery(r.Context(), userID)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{
		"user_id":   userID,
		"replayed":  replayed,
		"remaining": g.manager.Queue().Len(userID),
	})
}

// handleErrorStats returns the manager's error statistics.
func (g *Gateway) handleErrorStats(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, g.manager.ErrorStatistics())
}

// handleCleanup prunes error data older than the older_than query parameter,
// defaulting to the configured retention.
func (g *Gateway) handleCleanup(w http.ResponseWriter, r *http.Request) {
	olderThan := g.config.Maintenance.ErrorRetention
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid older_than %q", raw))
			return
		}
		olderThan = d
	}
	g.sendJSON(w, http.StatusOK, g.manager.CleanupErrorData(olderThan))
}

// handleConnections lists live connections.
func (g *Gateway) handleConnections(w http.ResponseWriter, r *http.Request) {
	reg := g.manager.Registry()
	g.sendJSON(w, http.StatusOK, map[string]any{
		"total_connections": reg.TotalConnections(),
		"total_users":       reg.UserCount(),
		"connections":       reg.List(),
	})
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing JSON response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
