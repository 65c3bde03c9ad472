package matchmaking

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// PenalizedError rejects a queue join while a penalty is active. No queue
// entry is created; Remaining is reported back to the client.
type PenalizedError struct {
	Remaining time.Duration
}

func (e *PenalizedError) Error() string {
	return fmt.Sprintf("queue join rejected, penalty active for %s", e.Remaining.Round(time.Second))
}

// PenaltyRecord tracks an account's recent declines.
type PenaltyRecord struct {
	AccountID     int64
	DeclineCount  int
	LastDeclineAt time.Time
	PenaltyUntil  time.Time
}

// PenaltyTable applies escalating queue lockouts to accounts that decline or
// fail to confirm found matches. The decline count resets after a quiet
// period; within it, the penalty duration grows geometrically with each
// consecutive decline. Process-local: queue membership is pinned to one
// process by the connection, so the table follows it.
type PenaltyTable struct {
	base       time.Duration
	multiplier float64
	reset      time.Duration

	mu      sync.Mutex
	records map[int64]*PenaltyRecord
}

// NewPenaltyTable creates a table with the given base duration, growth
// multiplier and quiet-period reset.
func NewPenaltyTable(base time.Duration, multiplier float64, reset time.Duration) *PenaltyTable {
	return &PenaltyTable{
		base:       base,
		multiplier: multiplier,
		reset:      reset,
		records:    make(map[int64]*PenaltyRecord),
	}
}

// Remaining returns how much penalty time is left for an account, or zero.
func (t *PenaltyTable) Remaining(accountID int64) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[accountID]
	if !ok {
		return 0
	}
	if remaining := time.Until(rec.PenaltyUntil); remaining > 0 {
		return remaining
	}
	return 0
}

// RecordDecline registers a decline (or confirmation timeout, or disconnect
// during confirmation) and returns the resulting penalty duration.
func (t *PenaltyTable) RecordDecline(accountID int64) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	rec, ok := t.records[accountID]
	if !ok || now.Sub(rec.LastDeclineAt) > t.reset {
		rec = &PenaltyRecord{AccountID: accountID}
		t.records[accountID] = rec
	}
	rec.DeclineCount++
	rec.LastDeclineAt = now

	duration := time.Duration(float64(t.base) * math.Pow(t.multiplier, float64(rec.DeclineCount-1)))
	rec.PenaltyUntil = now.Add(duration)
	return duration
}
