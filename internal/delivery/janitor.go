// ABOUTME: Background maintenance for the delivery core
// ABOUTME: Periodically prunes stale error data and evicts connections that stopped heartbeating

package delivery

import (
	"context"
	"log/slog"
	"time"
)

// JanitorConfig controls maintenance intervals. A zero interval disables that task.
type JanitorConfig struct {
	// CleanupInterval is how often CleanupErrorData runs.
	CleanupInterval time.Duration
	// ErrorRetention is the olderThan passed to CleanupErrorData.
	ErrorRetention time.Duration

	// SweepInterval is how often idle connections are looked for.
	SweepInterval time.Duration
	// IdleTimeout is how long a connection may go without activity.
	IdleTimeout time.Duration
}

// Janitor runs periodic maintenance against a Manager.
type Janitor struct {
	manager *Manager
	cfg     JanitorConfig
	now     func() time.Time
	logger  *slog.Logger
}

// NewJanitor creates a Janitor. Pass nil logger for default.
func NewJanitor(m *Manager, cfg JanitorConfig, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		manager: m,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With("component", "janitor"),
	}
}

// Run blocks until ctx is cancelled, running each enabled task on its interval.
func (j *Janitor) Run(ctx context.Context) {
	var cleanupC, sweepC <-chan time.Time

	if j.cfg.CleanupInterval > 0 {
		ticker := time.NewTicker(j.cfg.CleanupInterval)
		defer ticker.Stop()
		cleanupC = ticker.C
	}
	if j.cfg.SweepInterval > 0 && j.cfg.IdleTimeout > 0 {
		ticker := time.NewTicker(j.cfg.SweepInterval)
		defer ticker.Stop()
		sweepC = ticker.C
	}

	j.logger.Info("janitor started",
		"cleanup_interval", j.cfg.CleanupInterval,
		"error_retention", j.cfg.ErrorRetention,
		"sweep_interval", j.cfg.SweepInterval,
		"idle_timeout", j.cfg.IdleTimeout)

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanupC:
			j.Cleanup()
		case <-sweepC:
			j.SweepIdle()
		}
	}
}

// Cleanup prunes error records and queued events older than the retention period.
func (j *Janitor) Cleanup() CleanupResult {
	return j.manager.CleanupErrorData(j.cfg.ErrorRetention)
}

// SweepIdle evicts and closes connections idle for longer than IdleTimeout.
// Returns the number of connections evicted.
func (j *Janitor) SweepIdle() int {
	if j.cfg.IdleTimeout <= 0 {
		return 0
	}

	cutoff := j.now().Add(-j.cfg.IdleTimeout)
	evicted := 0
	for _, conn := range j.manager.registry.IdleConnections(cutoff) {
		if !j.manager.Release(conn) {
			continue
		}
		evicted++
		j.logger.Info("evicted idle connection",
			"connection_id", conn.ID,
			"user_id", conn.UserID,
			"last_activity", conn.LastActivity())
	}
	return evicted
}
