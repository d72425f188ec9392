// ABOUTME: WebSocket transport built on gorilla/websocket
// ABOUTME: Serializes writes, bounds them by deadline, and turns client frames into heartbeats

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-delivery/internal/delivery"
	"github.com/2389/coven-delivery/internal/event"
)

// Defaults for WebSocketOptions.
const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultPongWait     = 45 * time.Second

	maxFrameBytes = 64 << 10
	closeGrace    = 100 * time.Millisecond
)

// WebSocketOptions tunes a WebSocket transport. Zero values use the defaults.
type WebSocketOptions struct {
	// WriteTimeout bounds a single frame write when the caller's ctx has no earlier deadline.
	WriteTimeout time.Duration
	// PongWait is how long the peer may stay silent before the read side gives up.
	// Pings go out at nine tenths of this interval.
	PongWait time.Duration
}

func (o WebSocketOptions) withDefaults() WebSocketOptions {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	return o
}

// clientFrame is the only thing clients send: {"type":"heartbeat"}.
type clientFrame struct {
	Type event.Type `json:"type"`
}

// WebSocket delivers events as JSON text frames over a gorilla connection.
type WebSocket struct {
	conn *websocket.Conn
	opts WebSocketOptions

	writeMu   sync.Mutex
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	logger *slog.Logger
}

// NewWebSocket wraps an upgraded connection. Pass nil logger for default.
func NewWebSocket(conn *websocket.Conn, opts WebSocketOptions, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		conn:   conn,
		opts:   opts.withDefaults(),
		done:   make(chan struct{}),
		logger: logger.With("component", "websocket"),
	}
}

// Send writes ev as one text frame. The write deadline is the earlier of the ctx
// deadline and WriteTimeout.
func (w *WebSocket) Send(ctx context.Context, ev *event.Event) error {
	if w.closed.Load() {
		return fmt.Errorf("websocket send: %w", delivery.ErrConnectionClosed)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(w.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if w.closed.Load() || isClosedErr(err) {
			return fmt.Errorf("websocket write: %w: %v", delivery.ErrConnectionClosed, err)
		}
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close sends a close frame and tears down the socket. Safe to call more than once.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.done)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		err = w.conn.Close()
	})
	return err
}

// Done is closed once Close has been called.
func (w *WebSocket) Done() <-chan struct{} {
	return w.done
}

// ReadLoop consumes client frames until the connection fails or is closed, calling
// onActivity for every pong and heartbeat frame. It also keeps the peer pinged.
// Returns the read error that ended the loop.
func (w *WebSocket) ReadLoop(onActivity func()) error {
	if onActivity == nil {
		onActivity = func() {}
	}

	w.conn.SetReadLimit(maxFrameBytes)
	_ = w.conn.SetReadDeadline(time.Now().Add(w.opts.PongWait))
	w.conn.SetPongHandler(func(string) error {
		onActivity()
		return w.conn.SetReadDeadline(time.Now().Add(w.opts.PongWait))
	})

	go w.pingLoop()

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			w.logger.Debug("ignoring malformed client frame", "error", err)
			continue
		}
		if frame.Type == event.TypeHeartbeat {
			onActivity()
			_ = w.conn.SetReadDeadline(time.Now().Add(w.opts.PongWait))
		}
	}
}

func (w *WebSocket) pingLoop() {
	ticker := time.NewTicker(w.opts.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.opts.WriteTimeout)); err != nil {
				w.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func isClosedErr(err error) bool {
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}
