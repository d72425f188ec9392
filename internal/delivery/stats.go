// ABOUTME: Error statistics reporting and age-based cleanup for the delivery manager
// ABOUTME: Joins per-user error records with recovery queue depth; prunes stale state

package delivery

import (
	"time"
)

// UserErrorDetail is one user's entry in Statistics.ErrorDetails.
type UserErrorDetail struct {
	ErrorCount     int       `json:"error_count"`
	QueuedMessages int       `json:"queued_messages"`
	LastErrorAt    time.Time `json:"last_error_at,omitzero"`
}

// Statistics summarizes delivery failures and pending recovery work.
type Statistics struct {
	TotalUsersWithErrors   int                        `json:"total_users_with_errors"`
	TotalErrorCount        int                        `json:"total_error_count"`
	ErrorRecoveryEnabled   bool                       `json:"error_recovery_enabled"`
	QueuedMessages         int                        `json:"queued_messages"`
	RecoveryQueueOverflows uint64                     `json:"recovery_queue_overflows"`
	ErrorDetails           map[string]UserErrorDetail `json:"error_details"`
}

// CleanupResult reports what CleanupErrorData removed.
type CleanupResult struct {
	CleanedErrorUsers int `json:"cleaned_error_users"`
	CleanedQueueUsers int `json:"cleaned_queue_users"`
}

// ErrorStatistics returns a snapshot of error records and queue depths.
// Users with queued events but no error record are listed with a zero error count.
func (m *Manager) ErrorStatistics() Statistics {
	records := m.errors.Snapshot()

	stats := Statistics{
		TotalUsersWithErrors:   len(records),
		ErrorRecoveryEnabled:   m.recoveryEnabled,
		RecoveryQueueOverflows: m.queue.Overflows(),
		ErrorDetails:           make(map[string]UserErrorDetail, len(records)),
	}

	for userID, rec := range records {
		stats.TotalErrorCount += rec.ErrorCount
		stats.ErrorDetails[userID] = UserErrorDetail{
			ErrorCount:     rec.ErrorCount,
			QueuedMessages: m.queue.Len(userID),
			LastErrorAt:    rec.LastErrorAt,
		}
	}

	for _, userID := range m.queue.Users() {
		depth := m.queue.Len(userID)
		stats.QueuedMessages += depth
		if _, ok := stats.ErrorDetails[userID]; !ok {
			stats.ErrorDetails[userID] = UserErrorDetail{QueuedMessages: depth}
		}
	}
	return stats
}

// CleanupErrorData removes error records whose last error, and queued events whose
// enqueue time, is more than olderThan ago. Each user is cleaned under its own lock,
// so this is safe alongside live deliveries. Repeating a call is a no-op.
func (m *Manager) CleanupErrorData(olderThan time.Duration) CleanupResult {
	if olderThan < 0 {
		olderThan = 0
	}
	cutoff := m.now().Add(-olderThan)

	users := make(map[string]struct{})
	for _, userID := range m.errors.Users() {
		users[userID] = struct{}{}
	}
	for _, userID := range m.queue.Users() {
		users[userID] = struct{}{}
	}

	var result CleanupResult
	for userID := range users {
		unlock := m.registry.locks.lock(userID)
		if m.errors.PruneBefore(userID, cutoff) {
			result.CleanedErrorUsers++
		}
		if m.queue.Prune(userID, cutoff) > 0 {
			result.CleanedQueueUsers++
		}
		unlock()
	}

	if result.CleanedErrorUsers > 0 || result.CleanedQueueUsers > 0 {
		m.logger.Info("cleaned stale error data",
			"older_than", olderThan,
			"cleaned_error_users", result.CleanedErrorUsers,
			"cleaned_queue_users", result.CleanedQueueUsers)
	}
	return result
}
