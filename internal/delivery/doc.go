// Package delivery routes agent events to the live connections of the users they
// belong to.
//
// # Overview
//
// The package owns the connection registry and the manager that producers call.
// Transports (WebSocket, SSE) register connections; the agent pipeline calls the
// manager; the manager resolves the target, fans the event out and keeps failed
// events for later replay.
//
//	reg := delivery.NewRegistry(logger, m)
//	mgr := delivery.NewManager(delivery.Options{Registry: reg, Logger: logger})
//	ok, err := mgr.SendToUser(ctx, "u1", event.New(event.TypeAgentStarted, "u1", "", nil))
//
// # Registry
//
// Registry tracks connection -> user and user -> connections:
//
//   - AddConnection(ctx, conn): register and replay the user's recovery queue
//   - RemoveConnection(id): unregister by ID, no-op when unknown
//   - Detach(conn): unregister only if conn is still the registered entry
//   - WaitForConnection(ctx, user, timeout): block until the user is reachable
//   - ConnectionCount(user), TotalConnections(), Users(), Connections(user)
//
// Re-adding a connection ID for the same user replaces the old entry and closes the
// displaced transport. A connection ID can never move to a different user.
//
// # Manager
//
//   - SendToUser(ctx, user, ev): fan out to every connection of one user
//   - SendToThread(ctx, thread, ev): resolve the thread owner, then SendToUser
//   - Broadcast(ctx, ev): every connection of every user
//   - AttemptMessageRecovery(ctx, user): replay the user's queue now
//   - Release(conn): unregister and close a departed connection, requeueing whatever
//     its transport accepted but never wrote
//   - ErrorStatistics(), CleanupErrorData(olderThan)
//
// Delivery failures never surface as errors. An offline user's events go to the
// recovery queue; a connection whose send fails is evicted and the others still
// receive the event. Only malformed requests return ErrInvalidArgument.
//
// # Locking
//
// Every compound operation on one user (send plus eviction, add plus replay, cleanup)
// runs under that user's lock, so the recovery drain never races a concurrent removal.
// Unrelated users never contend. The registry's index lock is held only for map
// updates. The per-user lock is not reentrant.
//
// # Janitor
//
// Janitor runs CleanupErrorData on an interval and evicts connections whose last
// heartbeat is older than the idle timeout.
package delivery
