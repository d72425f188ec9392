// Package auth authenticates the clients and producers of coven-delivery.
//
// # Tokens
//
// Every caller presents an HS256 JWT signed with the configured jwt_secret:
//
//   - sub: the user ID. A WebSocket or SSE connection is registered under this user,
//     so a client can only ever receive its own events.
//   - roles: optional. "producer" may push events and bind threads through the API;
//     "admin" may additionally trigger recovery and cleanup.
//
// Issuing and checking a token:
//
//	v, err := auth.NewJWTVerifier(secret)
//	token, err := v.Generate("u1", 24*time.Hour)
//	id, err := v.Verify(token) // id.UserID == "u1"
//
// # HTTP
//
// HTTPAuthMiddleware reads the token from the Authorization header or, for browser
// WebSocket and EventSource clients, the token query parameter. RequireRoleHTTP gates
// API routes on a role.
package auth
