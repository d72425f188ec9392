// Package gateway orchestrates the coven-delivery server components.
//
// # Overview
//
// The gateway owns the delivery manager and exposes it over HTTP. Clients hold a
// WebSocket or SSE stream open to receive their events; producers push events through
// the JSON API; operators inspect and maintain delivery state.
//
// # HTTP
//
//   - GET /ws - WebSocket stream. Clients may send {"type":"heartbeat"} frames.
//   - GET /events - Server-Sent Events stream.
//   - POST /api/send - Route one event to a user, a thread owner, or everyone.
//   - POST /api/threads - Bind a thread to its owner (409 on conflicting rebind).
//   - POST /api/recovery/{user_id} - Replay a user's recovery queue now.
//   - GET /api/stats/errors - Error statistics.
//   - POST /api/cleanup?older_than=1h - Prune stale error data.
//   - GET /api/connections - Live connections.
//   - GET /health, GET /health/ready - Liveness and readiness.
//   - GET /metrics - Prometheus metrics, when enabled.
//
// Every stream begins with a connection_established event carrying the connection ID,
// followed by any events replayed from the user's recovery queue.
//
// # Authentication
//
// With auth.jwt_secret set, streams require a token (bearer header or token query
// parameter) and are registered under its subject. /api/send and /api/threads need the
// producer role, the rest of /api needs admin. Without a secret the gateway runs in
// development mode: streams name their user with ?user_id= and the API is open.
//
// # gRPC
//
// When server.grpc_addr is set, the standard grpc.health.v1 service is served there,
// reporting SERVING for "coven.delivery" while the gateway runs.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is cancelled, then shuts down
//
// Run also starts the janitor that prunes stale error data and evicts idle connections.
package gateway
