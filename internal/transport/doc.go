// Package transport adapts network connections to the delivery.Transport capability.
//
// Two transports are provided:
//
//   - WebSocket wraps a gorilla/websocket connection. Events are written as JSON text
//     frames; the client keeps the connection alive with pong replies or heartbeat frames.
//   - Stream is a buffered channel drained by an HTTP handler as Server-Sent Events.
//
// Both report a gone peer with an error wrapping delivery.ErrConnectionClosed so the
// delivery manager can tell a closed connection from a failed write.
package transport
