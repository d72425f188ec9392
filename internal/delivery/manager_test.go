// ABOUTME: Tests for the delivery manager
// ABOUTME: Covers fan-out, thread routing, failure eviction, recovery replay, dedupe and broadcast

package delivery

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-delivery/internal/dedupe"
	"github.com/2389/coven-delivery/internal/event"
	"github.com/2389/coven-delivery/internal/metrics"
	"github.com/2389/coven-delivery/internal/recovery"
)

// addConn registers a fresh fake connection and returns its transport.
func addConn(t *testing.T, m *Manager, id, userID string) *fakeTransport {
	t.Helper()
	conn, ft := newConn(id, userID)
	require.NoError(t, m.Registry().AddConnection(t.Context(), conn))
	return ft
}

func TestManager_SendToUserFansOutToOwnerOnly(t *testing.T) {
	m := NewManager(Options{})
	c1 := addConn(t, m, "c1", "u1")
	c2 := addConn(t, m, "c2", "u1")
	c3 := addConn(t, m, "c3", "u2")

	ok, err := m.SendToUser(t.Context(), "u1", testEvent(event.TypeAgentStarted, "m1"))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{"m1"}, c1.messageIDs())
	assert.Equal(t, []string{"m1"}, c2.messageIDs())
	assert.Empty(t, c3.events())
}

func TestManager_SendToOfflineUserQueues(t *testing.T) {
	m := NewManager(Options{})

	ok, err := m.SendToUser(t.Context(), "u3", testEvent(event.TypeAgentCompleted, "m1"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, m.Queue().Len("u3"))

	entries := m.Queue().Entries("u3")
	require.Len(t, entries, 1)
	assert.Equal(t, recovery.ReasonNoConnection, entries[0].Reason)
}

func TestManager_SendToThread(t *testing.T) {
	m := NewManager(Options{})
	c1 := addConn(t, m, "c1", "u1")
	c2 := addConn(t, m, "c2", "u1")
	c3 := addConn(t, m, "c3", "u2")

	require.NoError(t, m.BindThread("thread_t1", "u1"))

	ok, err := m.SendToThread(t.Context(), "thread_t1", testEvent(event.TypeToolExecuting, "m1"))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Len(t, c1.events(), 1)
	assert.Len(t, c2.events(), 1)
	assert.Empty(t, c3.events())
}

func TestManager_SendToUnknownThread(t *testing.T) {
	m := NewManager(Options{})
	addConn(t, m, "c1", "u1")

	ok, err := m.SendToThread(t.Context(), "nope", testEvent(event.TypeAgentStarted, "m1"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Queue().Total(), "unknown thread must not queue anything")
	assert.Empty(t, m.ErrorStatistics().ErrorDetails)

	_, err = m.SendToThread(t.Context(), "", testEvent(event.TypeAgentStarted, "m2"))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestManager_FailingConnectionIsEvicted(t *testing.T) {
	m := NewManager(Options{})
	c1 := addConn(t, m, "c1", "u1")
	c2 := addConn(t, m, "c2", "u1")
	c1.panicMsg = "socket exploded"

	ok, err := m.SendToUser(t.Context(), "u1", testEvent(event.TypeAgentThinking, "m1"))
	require.NoError(t, err)
	assert.True(t, ok)

	_, present := m.Registry().Get("c1")
	assert.False(t, present)
	assert.Equal(t, 1, m.Registry().ConnectionCount("u1"))
	assert.True(t, c1.isClosed())
	assert.Equal(t, []string{"m1"}, c2.messageIDs())

	stats := m.ErrorStatistics()
	require.Contains(t, stats.ErrorDetails, "u1")
	assert.Equal(t, 1, stats.ErrorDetails["u1"].ErrorCount)
	assert.Equal(t, 0, m.Queue().Len("u1"), "delivered to the survivor, nothing to queue")
}

func TestManager_FailureIsolationAcrossManyConnections(t *testing.T) {
	m := NewManager(Options{})

	var healthy []*fakeTransport
	for i := range 5 {
		ft := addConn(t, m, fmt.Sprintf("c%d", i), "u1")
		if i == 2 {
			ft.setErr(errors.New("broken pipe"))
			continue
		}
		healthy = append(healthy, ft)
	}

	ok, err := m.SendToUser(t.Context(), "u1", testEvent(event.TypeToolCompleted, "m1"))
	require.NoError(t, err)
	assert.True(t, ok)

	for _, ft := range healthy {
		assert.Len(t, ft.events(), 1)
	}
	assert.Equal(t, 4, m.Registry().ConnectionCount("u1"))
	_, present := m.Registry().Get("c2")
	assert.False(t, present)
}

func TestManager_AllConnectionsFailQueues(t *testing.T) {
	m := NewManager(Options{})
	c1 := addConn(t, m, "c1", "u1")
	c1.setErr(fmt.Errorf("write frame: %w", ErrConnectionClosed))

	ok, err := m.SendToUser(t.Context(), "u1", testEvent(event.TypeAgentStarted, "m1"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 0, m.Registry().ConnectionCount("u1"))
	entries := m.Queue().Entries("u1")
	require.Len(t, entries, 1)
	assert.Equal(t, recovery.ReasonConnectionClosed, entries[0].Reason)

	rec, found := m.errors.Get("u1")
	require.True(t, found)
	assert.Equal(t, 1, rec.ByReason[recovery.ReasonConnectionClosed])
}

func TestManager_SendTimeoutEvictsSlowConnection(t *testing.T) {
	m := NewManager(Options{SendTimeout: 50 * time.Millisecond})
	slow := addConn(t, m, "slow", "u1")
	slow.block = make(chan struct{})
	fast := addConn(t, m, "fast", "u1")

	start := time.Now()
	ok, err := m.SendToUser(t.Context(), "u1", testEvent(event.TypeAgentStarted, "m1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Len(t, fast.events(), 1)
	_, present := m.Registry().Get("slow")
	assert.False(t, present)
}

func TestManager_BoundedQueueKeepsNewest(t *testing.T) {
	m := NewManager(Options{Queue: recovery.NewQueue(2, nil)})

	for i := 1; i <= 3; i++ {
		_, err := m.SendToUser(t.Context(), "u4", testEvent(event.TypeAgentThinking, fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	entries := m.Queue().Entries("u4")
	require.Len(t, entries, 2)
	assert.Equal(t, "m2", entries[0].Event.MessageID)
	assert.Equal(t, "m3", entries[1].Event.MessageID)
	assert.Equal(t, uint64(1), m.ErrorStatistics().RecoveryQueueOverflows)
}

func TestManager_ReplayOnConnect(t *testing.T) {
	m := NewManager(Options{})

	ok, err := m.SendToUser(t.Context(), "u3", testEvent(event.TypeAgentCompleted, "m1"))
	require.NoError(t, err)
	require.False(t, ok)

	c1 := addConn(t, m, "c1", "u3")

	assert.Equal(t, []string{"m1"}, c1.messageIDs())
	stats := m.ErrorStatistics()
	assert.Equal(t, 0, stats.ErrorDetails["u3"].QueuedMessages)
	assert.Equal(t, 1, stats.ErrorDetails["u3"].ErrorCount)
}

func TestManager_ReplayPreservesOrder(t *testing.T) {
	m := NewManager(Options{})
	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := m.SendToUser(t.Context(), "u1", testEvent(event.TypeAgentThinking, id))
		require.NoError(t, err)
	}

	c1 := addConn(t, m, "c1", "u1")
	assert.Equal(t, []string{"e1", "e2", "e3"}, c1.messageIDs())
	assert.Equal(t, 0, m.Queue().Len("u1"))
}

func TestManager_ReplayStopsAtFirstFailure(t *testing.T) {
	m := NewManager(Options{})
	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := m.SendToUser(t.Context(), "u1", testEvent(event.TypeAgentThinking, id))
		require.NoError(t, err)
	}

	broken, ft := newConn("c1", "u1")
	ft.setErr(errors.New("handshake reset"))
	require.NoError(t, m.Registry().AddConnection(t.Context(), broken))

	assert.Equal(t, 0, m.Registry().ConnectionCount("u1"), "broken connection evicted during replay")
	entries := m.Queue().Entries("u1")
	require.Len(t, entries, 3)
	assert.Equal(t, "e1", entries[0].Event.MessageID)

	good := addConn(t, m, "c2", "u1")
	assert.Equal(t, []string{"e1", "e2", "e3"}, good.messageIDs())
}

func TestManager_AttemptMessageRecovery(t *testing.T) {
	m := NewManager(Options{})
	c1 := addConn(t, m, "c1", "u1")

	m.Queue().Enqueue("u1", testEvent(event.TypeAgentStarted, "q1"), recovery.ReasonSendError)
	m.Queue().Enqueue("u1", testEvent(event.TypeAgentCompleted, "q2"), recovery.ReasonSendError)

	n, err := m.AttemptMessageRecovery(t.Context(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"q1", "q2"}, c1.messageIDs())

	n, err = m.AttemptMessageRecovery(t.Context(), "offline")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = m.AttemptMessageRecovery(t.Context(), "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestManager_DisableRecovery(t *testing.T) {
	m := NewManager(Options{DisableRecovery: true})

	ok, err := m.SendToUser(t.Context(), "u1", testEvent(event.TypeAgentStarted, "m1"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Queue().Total())

	stats := m.ErrorStatistics()
	assert.False(t, stats.ErrorRecoveryEnabled)
	assert.Equal(t, 1, stats.TotalErrorCount)
}

func TestManager_Validation(t *testing.T) {
	m := NewManager(Options{})
	ctx := t.Context()

	mismatched := event.New(event.TypeAgentStarted, "u2", "", nil)

	tests := []struct {
		name   string
		userID string
		ev     *event.Event
	}{
		{"empty user", "", testEvent(event.TypeAgentStarted, "m1")},
		{"nil event", "u1", nil},
		{"unknown type", "u1", testEvent(event.Type("bogus"), "m1")},
		{"addressed elsewhere", "u1", mismatched},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := m.SendToUser(ctx, tt.userID, tt.ev)
			assert.ErrorIs(t, err, ErrInvalidArgument)
			assert.False(t, ok)
		})
	}
	assert.Equal(t, 0, m.Queue().Total())
}

func TestManager_DedupeSuppressesRepeat(t *testing.T) {
	window := dedupe.New(time.Minute, 100)
	t.Cleanup(window.Close)

	m := NewManager(Options{Dedupe: window})
	c1 := addConn(t, m, "c1", "u1")

	ev := testEvent(event.TypeAgentCompleted, "m1")
	ok, err := m.SendToUser(t.Context(), "u1", ev)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SendToUser(t.Context(), "u1", ev)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, c1.events(), 1)

	// Same message to a different user is not a duplicate.
	c2 := addConn(t, m, "c2", "u2")
	_, err = m.SendToUser(t.Context(), "u2", ev)
	require.NoError(t, err)
	assert.Len(t, c2.events(), 1)
}

func TestManager_Broadcast(t *testing.T) {
	m := NewManager(Options{})
	c1 := addConn(t, m, "c1", "u1")
	c2 := addConn(t, m, "c2", "u1")
	c3 := addConn(t, m, "c3", "u2")
	broken := addConn(t, m, "c4", "u3")
	broken.setErr(errors.New("reset"))

	n := m.Broadcast(t.Context(), testEvent(event.TypeHeartbeat, "b1"))
	assert.Equal(t, 3, n)

	for _, ft := range []*fakeTransport{c1, c2, c3} {
		assert.Equal(t, []string{"b1"}, ft.messageIDs())
	}
	assert.Equal(t, 0, m.Registry().ConnectionCount("u3"))
	assert.Equal(t, 1, m.Queue().Len("u3"), "user whose connections all failed gets the event queued")

	assert.Equal(t, 0, m.Broadcast(t.Context(), nil))
}

func TestManager_IsolationUnderRandomInterleavings(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	m := NewManager(Options{})
	users := []string{"alice", "bob", "carol", "dave", "erin"}

	owners := make(map[*fakeTransport]string)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := range 40 {
		userID := users[rng.IntN(len(users))]
		ft := addConn(t, m, fmt.Sprintf("conn-%d", i), userID)
		owners[ft] = userID
	}

	for i := range 200 {
		userID := users[rng.IntN(len(users))]
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := event.New(event.TypeAgentThinking, userID, "", map[string]any{"seq": i})
			_, err := m.SendToUser(t.Context(), userID, ev)
			assert.NoError(t, err)
		}()
		if i%25 == 0 {
			// Churn a connection mid-stream.
			wg.Add(1)
			go func() {
				defer wg.Done()
				conn, ft := newConn(fmt.Sprintf("late-%d", i), userID)
				assert.NoError(t, m.Registry().AddConnection(t.Context(), conn))
				mu.Lock()
				owners[ft] = userID
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for ft, owner := range owners {
		for _, ev := range ft.events() {
			assert.Equal(t, owner, ev.UserID, "event for %s reached a connection of %s", ev.UserID, owner)
		}
	}
}

func TestManager_ConcurrentSendAndChurnSameUser(t *testing.T) {
	m := NewManager(Options{SendTimeout: time.Second})

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			conn, _ := newConn(fmt.Sprintf("c%d", i), "u1")
			assert.NoError(t, m.Registry().AddConnection(t.Context(), conn))
			m.Registry().Detach(conn)
		}()
		go func() {
			defer wg.Done()
			_, err := m.SendToUser(t.Context(), "u1", testEvent(event.TypeAgentThinking, fmt.Sprintf("m%d", i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, m.Registry().ConnectionCount("u1"))
	assert.Equal(t, 0, m.Registry().locks.size())
}

func TestManager_Metrics(t *testing.T) {
	met := metrics.New(prometheus.NewRegistry())
	m := NewManager(Options{Metrics: met, Registry: NewRegistry(nil, met)})

	c1 := addConn(t, m, "c1", "u1")
	addConn(t, m, "c2", "u2")
	c1.setErr(errors.New("boom"))

	_, err := m.SendToUser(t.Context(), "u2", testEvent(event.TypeAgentStarted, "m1"))
	require.NoError(t, err)
	_, err = m.SendToUser(t.Context(), "u1", testEvent(event.TypeAgentStarted, "m2"))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(met.Deliveries.WithLabelValues(targetUser, metrics.OutcomeDelivered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.Deliveries.WithLabelValues(targetUser, metrics.OutcomeQueued)))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.SendFailures.WithLabelValues(string(recovery.ReasonSendError))))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.ActiveConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.ConnectedUsers))
}

func TestManager_ReleaseRequeuesUnsentEvents(t *testing.T) {
	window := dedupe.New(time.Minute, 100)
	t.Cleanup(window.Close)
	m := NewManager(Options{Dedupe: window})

	bt := &bufferedTransport{}
	stream := NewConnection("s1", "u1", bt, nil)
	require.NoError(t, m.Registry().AddConnection(t.Context(), stream))

	for _, id := range []string{"m1", "m2"} {
		ok, err := m.SendToUser(t.Context(), "u1", testEvent(event.TypeToolExecuting, id))
		require.NoError(t, err)
		require.True(t, ok)
	}

	assert.True(t, m.Release(stream))
	assert.True(t, bt.closed)
	assert.False(t, m.Release(stream), "already released")

	assert.Equal(t, []string{"m1", "m2"}, queuedIDs(m, "u1"))
	for _, e := range m.Queue().Entries("u1") {
		assert.Equal(t, recovery.ReasonConnectionClosed, e.Reason)
	}

	// The stranded events are no longer treated as delivered.
	ft := addConn(t, m, "c2", "u1")
	assert.Equal(t, []string{"m1", "m2"}, ft.messageIDs())
	assert.Equal(t, 0, m.Queue().Len("u1"))
}

func TestManager_EvictionRequeuesUnsentAheadOfFailedEvent(t *testing.T) {
	m := NewManager(Options{})

	bt := &bufferedTransport{}
	require.NoError(t, m.Registry().AddConnection(t.Context(), NewConnection("s1", "u1", bt, nil)))

	ok, err := m.SendToUser(t.Context(), "u1", testEvent(event.TypeAgentStarted, "m1"))
	require.NoError(t, err)
	require.True(t, ok)

	bt.setErr(errors.New("stalled"))
	ok, err = m.SendToUser(t.Context(), "u1", testEvent(event.TypeAgentThinking, "m2"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 0, m.Registry().ConnectionCount("u1"))
	assert.Equal(t, []string{"m1", "m2"}, queuedIDs(m, "u1"))
}

func TestManager_ReplayEvictionKeepsOrder(t *testing.T) {
	m := NewManager(Options{})
	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := m.SendToUser(t.Context(), "u1", testEvent(event.TypeToolCompleted, id))
		require.NoError(t, err)
	}

	// Accepts m1 and m2 into its buffer, then fails on m3 and is evicted.
	bt := &failAfterTransport{bufferedTransport: &bufferedTransport{}, limit: 2}
	require.NoError(t, m.Registry().AddConnection(t.Context(), NewConnection("s1", "u1", bt, nil)))

	assert.Equal(t, 0, m.Registry().ConnectionCount("u1"))
	assert.Equal(t, []string{"m1", "m2", "m3"}, queuedIDs(m, "u1"))

	ft := addConn(t, m, "c2", "u1")
	assert.Equal(t, []string{"m1", "m2", "m3"}, ft.messageIDs())
}

func TestManager_ReplaySkipsAlreadyDelivered(t *testing.T) {
	window := dedupe.New(time.Minute, 100)
	t.Cleanup(window.Close)
	m := NewManager(Options{Dedupe: window})

	// A producer retries the same message while the user is offline.
	for range 2 {
		ok, err := m.SendToUser(t.Context(), "u1", testEvent(event.TypeAgentCompleted, "m1"))
		require.NoError(t, err)
		require.False(t, ok)
	}
	_, err := m.SendToUser(t.Context(), "u1", testEvent(event.TypeAgentCompleted, "m2"))
	require.NoError(t, err)
	require.Equal(t, 3, m.Queue().Len("u1"))

	ft := addConn(t, m, "c1", "u1")
	assert.Equal(t, []string{"m1", "m2"}, ft.messageIDs())
	assert.Equal(t, 0, m.Queue().Len("u1"))

	n, err := m.AttemptMessageRecovery(t.Context(), "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
