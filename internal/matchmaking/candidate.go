package matchmaking

import (
	"time"

	"github.com/google/uuid"

	"github.com/blockduel/backend/internal/store"
)

// CandidateMatch is a paired-but-unconfirmed match. Both players must accept
// within the confirmation window or the candidate dissolves. Destroyed on
// confirm-complete (promoted to a stored Match) or on decline/timeout/
// disconnect.
type CandidateMatch struct {
	ID           string
	PlayerA      *QueueEntry
	PlayerB      *QueueEntry
	Mode         store.Mode
	BestOf       int
	WinsRequired int
	Confirmed    map[string]bool // keyed by connection id
	CreatedAt    time.Time

	timer *time.Timer
}

func newCandidate(a, b *QueueEntry, mode store.Mode, bestOf int) *CandidateMatch {
	return &CandidateMatch{
		ID:           uuid.NewString(),
		PlayerA:      a,
		PlayerB:      b,
		Mode:         mode,
		BestOf:       bestOf,
		WinsRequired: bestOf/2 + 1,
		Confirmed:    make(map[string]bool),
		CreatedAt:    time.Now(),
	}
}

// entries returns both queue entries.
func (c *CandidateMatch) entries() [2]*QueueEntry {
	return [2]*QueueEntry{c.PlayerA, c.PlayerB}
}

// cancelTimer stops the confirmation timer if armed.
func (c *CandidateMatch) cancelTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
