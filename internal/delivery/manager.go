// ABOUTME: Delivery manager, the single entry point producers use to reach users
// ABOUTME: Composes registry, thread router, recovery queue, error stats and dedupe window

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-delivery/internal/dedupe"
	"github.com/2389/coven-delivery/internal/errstats"
	"github.com/2389/coven-delivery/internal/event"
	"github.com/2389/coven-delivery/internal/metrics"
	"github.com/2389/coven-delivery/internal/recovery"
	"github.com/2389/coven-delivery/internal/threads"
)

// ErrInvalidArgument indicates a malformed delivery request.
var ErrInvalidArgument = errors.New("invalid argument")

// Delivery target kinds, used as metric labels.
const (
	targetUser      = "user"
	targetThread    = "thread"
	targetBroadcast = "broadcast"
)

// Options configures a Manager. Nil components are created with defaults.
type Options struct {
	Registry *Registry
	Threads  *threads.Router
	Queue    *recovery.Queue
	Errors   *errstats.Tracker

	// Dedupe suppresses repeat deliveries of the same message ID. Nil disables it.
	Dedupe *dedupe.Window

	Metrics *metrics.Metrics

	// SendTimeout bounds each connection send. Zero means only the caller's ctx applies.
	SendTimeout time.Duration

	// DisableRecovery turns off queueing and replay. Failures are still recorded.
	DisableRecovery bool

	Logger *slog.Logger
}

// Manager routes events to users' connections.
//
// Delivery problems (offline user, broken connection) are reported through return
// values and statistics, never as errors. Errors are reserved for malformed requests.
type Manager struct {
	registry  *Registry
	threads   *threads.Router
	queue     *recovery.Queue
	errors    *errstats.Tracker
	delivered *dedupe.Window
	metrics   *metrics.Metrics

	sendTimeout     time.Duration
	recoveryEnabled bool

	now    func() time.Time
	logger *slog.Logger
}

// NewManager wires the delivery components together. The registry's connect hook is
// pointed at this manager so new connections trigger recovery replay.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		registry:        opts.Registry,
		threads:         opts.Threads,
		queue:           opts.Queue,
		errors:          opts.Errors,
		delivered:       opts.Dedupe,
		metrics:         opts.Metrics,
		sendTimeout:     opts.SendTimeout,
		recoveryEnabled: !opts.DisableRecovery,
		now:             time.Now,
		logger:          logger.With("component", "delivery"),
	}
	if m.registry == nil {
		m.registry = NewRegistry(logger, opts.Metrics)
	}
	if m.threads == nil {
		m.threads = threads.NewRouter()
	}
	if m.queue == nil {
		m.queue = recovery.NewQueue(recovery.DefaultMaxPerUser, logger)
	}
	if m.errors == nil {
		m.errors = errstats.NewTracker()
	}

	m.registry.onConnect = m.replayOnConnect
	m.queue.OnOverflow(func(string) { m.metrics.Overflow() })
	return m
}

// Registry returns the connection registry used by transports.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Threads returns the thread ownership router.
func (m *Manager) Threads() *threads.Router {
	return m.threads
}

// Queue returns the recovery queue.
func (m *Manager) Queue() *recovery.Queue {
	return m.queue
}

// BindThread records that threadID belongs to userID. See threads.Router.Bind.
func (m *Manager) BindThread(threadID, userID string) error {
	return m.threads.Bind(threadID, userID)
}

// WaitForConnection blocks until userID is reachable or the timeout elapses.
func (m *Manager) WaitForConnection(ctx context.Context, userID string, timeout time.Duration) bool {
	return m.registry.WaitForConnection(ctx, userID, timeout)
}

// SendToUser delivers ev to every connection userID owns.
//
// Returns true if at least one connection accepted the event. With no connections the
// event is queued for recovery and false is returned. Connections whose send fails are
// evicted and recorded; delivery continues to the rest. The returned error is non-nil
// only for invalid arguments.
func (m *Manager) SendToUser(ctx context.Context, userID string, ev *event.Event) (bool, error) {
	if err := validateTarget(userID, ev); err != nil {
		return false, err
	}
	ev.Normalize()
	return m.sendToUser(ctx, userID, ev, targetUser), nil
}

// SendToThread delivers ev to the user that owns threadID. An unknown thread returns
// false with no side effects.
func (m *Manager) SendToThread(ctx context.Context, threadID string, ev *event.Event) (bool, error) {
	if threadID == "" {
		return false, fmt.Errorf("%w: thread_id is required", ErrInvalidArgument)
	}
	userID, ok := m.threads.Resolve(threadID)
	if !ok {
		m.logger.Debug("thread not bound, dropping event",
			"thread_id", threadID)
		return false, nil
	}
	if err := validateTarget(userID, ev); err != nil {
		return false, err
	}
	ev.Normalize()
	return m.sendToUser(ctx, userID, ev, targetThread), nil
}

// Broadcast delivers ev to every connection of every connected user and returns the
// number of connections that accepted it. Failures are handled as in SendToUser.
func (m *Manager) Broadcast(ctx context.Context, ev *event.Event) int {
	if ev == nil {
		return 0
	}
	ev.Normalize()

	var total atomic.Int64
	var wg sync.WaitGroup
	for _, userID := range m.registry.Users() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			total.Add(int64(m.broadcastToUser(ctx, userID, ev)))
		}()
	}
	wg.Wait()

	n := int(total.Load())
	if n > 0 {
		m.metrics.Delivery(targetBroadcast, metrics.OutcomeDelivered)
	} else {
		m.metrics.Delivery(targetBroadcast, metrics.OutcomeFailed)
	}
	m.logger.Debug("broadcast complete",
		"message_id", ev.MessageID,
		"type", ev.Type,
		"connections", n)
	return n
}

// AttemptMessageRecovery replays userID's recovery queue against its live connections
// and returns how many events were delivered.
func (m *Manager) AttemptMessageRecovery(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user_id is required", ErrInvalidArgument)
	}

	unlock := m.registry.locks.lock(userID)
	defer unlock()
	return m.replayLocked(ctx, userID), nil
}

// Release unregisters conn if it is still the registered entry for its ID, closes it,
// and queues any events its transport accepted but never wrote. Transports call this
// when the peer goes away. Returns whether conn was registered.
func (m *Manager) Release(conn *Connection) bool {
	if conn == nil {
		return false
	}

	unlock := m.registry.locks.lock(conn.UserID)
	defer unlock()

	removed := m.registry.removeLocked(conn.UserID, conn.ID, conn)
	if err := conn.Close(); err != nil {
		m.logger.Debug("closing released connection failed",
			"connection_id", conn.ID,
			"error", err)
	}
	m.requeueLocked(conn.UserID, conn.unsent())
	return removed
}

func validateTarget(userID string, ev *event.Event) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidArgument)
	}
	if ev == nil {
		return fmt.Errorf("%w: event is required", ErrInvalidArgument)
	}
	if !ev.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidArgument, ev.Type)
	}
	if ev.UserID != "" && ev.UserID != userID {
		return fmt.Errorf("%w: event addressed to %q cannot be sent to %q", ErrInvalidArgument, ev.UserID, userID)
	}
	return nil
}

func (m *Manager) sendToUser(ctx context.Context, userID string, ev *event.Event, target string) bool {
	unlock := m.registry.locks.lock(userID)
	defer unlock()

	if m.delivered != nil && m.delivered.Delivered(userID, ev.MessageID) {
		m.logger.Debug("event already delivered, skipping",
			"user_id", userID,
			"message_id", ev.MessageID)
		m.metrics.Delivery(target, metrics.OutcomeDuplicate)
		return true
	}

	conns := m.registry.Connections(userID)
	if len(conns) == 0 {
		m.errors.RecordError(userID, recovery.ReasonNoConnection)
		queued := m.enqueueLocked(userID, ev, recovery.ReasonNoConnection)
		m.logger.Debug("user has no connections",
			"user_id", userID,
			"message_id", ev.MessageID,
			"type", ev.Type,
			"queued", queued)
		m.recordOutcome(target, false, queued)
		return false
	}

	delivered, reason, unsent := m.fanOutLocked(ctx, userID, conns, ev)
	m.requeueLocked(userID, unsent)
	if delivered > 0 {
		m.markDelivered(userID, ev)
		m.recordOutcome(target, true, false)
		return true
	}

	queued := m.enqueueLocked(userID, ev, reason)
	m.logger.Warn("delivery failed on every connection",
		"user_id", userID,
		"message_id", ev.MessageID,
		"connections", len(conns),
		"queued", queued)
	m.recordOutcome(target, false, queued)
	return false
}

func (m *Manager) broadcastToUser(ctx context.Context, userID string, ev *event.Event) int {
	unlock := m.registry.locks.lock(userID)
	defer unlock()

	conns := m.registry.Connections(userID)
	if len(conns) == 0 {
		// Disconnected between listing users and taking the lock.
		return 0
	}

	delivered, reason, unsent := m.fanOutLocked(ctx, userID, conns, ev)
	m.requeueLocked(userID, unsent)
	if delivered > 0 {
		m.markDelivered(userID, ev)
		return delivered
	}
	m.enqueueLocked(userID, ev, reason)
	return 0
}

// fanOutLocked sends ev to conns concurrently and evicts every connection that fails.
// The caller must hold userID's lock. Returns the number of successful sends, the
// reason of the last failure, and events the evicted transports accepted but never wrote.
func (m *Manager) fanOutLocked(ctx context.Context, userID string, conns []*Connection, ev *event.Event) (int, recovery.Reason, []*event.Event) {
	errs := make([]error, len(conns))

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.sendOne(ctx, conn, ev)
		}()
	}
	wg.Wait()

	delivered := 0
	reason := recovery.ReasonSendError
	var unsent []*event.Event
	for i, err := range errs {
		if err == nil {
			delivered++
			continue
		}
		reason = classifyFailure(err)
		unsent = append(unsent, m.evictLocked(userID, conns[i], reason, err)...)
	}
	return delivered, reason, unsent
}

// sendOne performs a single bounded send, converting a transport panic into an error.
func (m *Manager) sendOne(ctx context.Context, conn *Connection, ev *event.Event) (err error) {
	if m.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.sendTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in transport send",
				"connection_id", conn.ID,
				"panic", r)
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()

	start := time.Now()
	err = conn.Send(ctx, ev)
	m.metrics.ObserveSend(time.Since(start).Seconds())
	return err
}

// evictLocked removes a failed connection, records the failure and closes the transport.
// Returns the events the transport had accepted but not yet written.
func (m *Manager) evictLocked(userID string, conn *Connection, reason recovery.Reason, cause error) []*event.Event {
	m.registry.removeLocked(userID, conn.ID, conn)
	m.errors.RecordError(userID, reason)
	m.metrics.SendFailure(string(reason))

	m.logger.Warn("send failed, connection evicted",
		"user_id", userID,
		"connection_id", conn.ID,
		"reason", reason,
		"error", cause)

	if err := conn.Close(); err != nil {
		m.logger.Debug("closing evicted connection failed",
			"connection_id", conn.ID,
			"error", err)
	}
	return conn.unsent()
}

func classifyFailure(err error) recovery.Reason {
	if errors.Is(err, ErrConnectionClosed) {
		return recovery.ReasonConnectionClosed
	}
	return recovery.ReasonSendError
}

// enqueueLocked stores ev for later replay. Returns false when recovery is disabled.
func (m *Manager) enqueueLocked(userID string, ev *event.Event, reason recovery.Reason) bool {
	if !m.recoveryEnabled {
		return false
	}
	m.queue.Enqueue(userID, ev, reason)
	m.metrics.Queued(string(reason))
	return true
}

// requeueLocked puts events stranded in a closed transport back at the front of the
// user's queue. They no longer count as delivered.
func (m *Manager) requeueLocked(userID string, evs []*event.Event) {
	if len(evs) == 0 {
		return
	}
	if !m.recoveryEnabled {
		m.logger.Warn("dropping unsent events, recovery disabled",
			"user_id", userID,
			"events", len(evs))
		return
	}

	if m.delivered != nil {
		for _, ev := range evs {
			m.delivered.Forget(userID, ev.MessageID)
		}
	}
	m.queue.Requeue(userID, evs, recovery.ReasonConnectionClosed)
	for range evs {
		m.metrics.Queued(string(recovery.ReasonConnectionClosed))
	}
	m.logger.Info("requeued unsent events",
		"user_id", userID,
		"events", len(evs))
}

func (m *Manager) markDelivered(userID string, ev *event.Event) {
	if m.delivered != nil {
		m.delivered.MarkDelivered(userID, ev.MessageID)
	}
}

func (m *Manager) recordOutcome(target string, delivered, queued bool) {
	switch {
	case delivered:
		m.metrics.Delivery(target, metrics.OutcomeDelivered)
	case queued:
		m.metrics.Delivery(target, metrics.OutcomeQueued)
	default:
		m.metrics.Delivery(target, metrics.OutcomeFailed)
	}
}

// replayOnConnect is the registry's connect hook. It runs with userID's lock held.
func (m *Manager) replayOnConnect(ctx context.Context, userID string) {
	if !m.recoveryEnabled {
		return
	}
	m.replayLocked(ctx, userID)
}

// replayLocked drains userID's recovery queue in order, stopping at the first event
// no connection accepts. The caller must hold userID's lock.
func (m *Manager) replayLocked(ctx context.Context, userID string) int {
	if m.queue.Len(userID) == 0 {
		return 0
	}

	var unsent []*event.Event
	skipped := 0
	drained := m.queue.Drain(userID, func(ev *event.Event) bool {
		if m.delivered != nil && m.delivered.Delivered(userID, ev.MessageID) {
			skipped++
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		conns := m.registry.Connections(userID)
		if len(conns) == 0 {
			return false
		}
		delivered, _, lost := m.fanOutLocked(ctx, userID, conns, ev)
		unsent = append(unsent, lost...)
		if delivered == 0 {
			return false
		}
		m.markDelivered(userID, ev)
		return true
	})
	// Stranded events predate whatever stopped the drain, so they go in front of it.
	m.requeueLocked(userID, unsent)

	replayed := drained - skipped
	if skipped > 0 {
		m.logger.Debug("skipped already delivered events during replay",
			"user_id", userID,
			"skipped", skipped)
	}

	m.metrics.Replayed(replayed)
	if replayed > 0 {
		m.logger.Info("replayed queued events",
			"user_id", userID,
			"replayed", replayed,
			"remaining", m.queue.Len(userID))
	}
	return replayed
}
