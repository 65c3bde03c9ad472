package matchmaking

import (
	"sort"
	"time"

	"github.com/blockduel/backend/internal/store"
)

// QueueEntry is a player waiting to be paired. Ephemeral and in-process;
// created on join, removed on pairing, cancel, or disconnect. At most one
// entry per connection id exists across both queues at any time.
type QueueEntry struct {
	ConnectionID string
	AccountID    int64
	DisplayName  string
	Mode         store.Mode
	Rating       int
	EnqueuedAt   time.Time
}

// pair is two queue entries the tick decided to match.
type pair struct {
	a, b *QueueEntry
}

// pairCasual drains the FIFO queue two-at-a-time, oldest first, and returns
// the formed pairs plus the remaining queue.
func pairCasual(queue []*QueueEntry) ([]pair, []*QueueEntry) {
	var pairs []pair
	for len(queue) >= 2 {
		pairs = append(pairs, pair{queue[0], queue[1]})
		queue = queue[2:]
	}
	return pairs, queue
}

// ratingWindow is the acceptable rating distance for an entry, widening with
// elapsed search time so lone entries eventually match someone.
func ratingWindow(e *QueueEntry, base, growthPer10s int, now time.Time) int {
	waited := int(now.Sub(e.EnqueuedAt) / (10 * time.Second))
	return base + growthPer10s*waited
}

// pairRanked scans the ranked queue sorted by rating and pairs each entry
// with the nearest neighbor inside its window. Entries that find nobody stay
// queued for the next tick, by which time their window has grown.
func pairRanked(queue []*QueueEntry, base, growthPer10s int, now time.Time) ([]pair, []*QueueEntry) {
	sorted := make([]*QueueEntry, len(queue))
	copy(sorted, queue)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rating < sorted[j].Rating })

	matched := make(map[*QueueEntry]bool)
	var pairs []pair
	for i, e := range sorted {
		if matched[e] {
			continue
		}
		window := ratingWindow(e, base, growthPer10s, now)

		// Nearest unmatched neighbor in sorted order is one of the two
		// adjacent candidates.
		var best *QueueEntry
		bestDiff := 0
		for j := i + 1; j < len(sorted); j++ {
			if !matched[sorted[j]] {
				best = sorted[j]
				bestDiff = sorted[j].Rating - e.Rating
				break
			}
		}
		for j := i - 1; j >= 0; j-- {
			if !matched[sorted[j]] {
				if diff := e.Rating - sorted[j].Rating; best == nil || diff < bestDiff {
					best = sorted[j]
					bestDiff = diff
				}
				break
			}
		}
		if best == nil || bestDiff > window {
			continue
		}

		matched[e] = true
		matched[best] = true
		pairs = append(pairs, pair{e, best})
	}

	var remaining []*QueueEntry
	for _, e := range queue {
		if !matched[e] {
			remaining = append(remaining, e)
		}
	}
	return pairs, remaining
}

// removeByConnection drops any entry for the given connection from a queue,
// returning the filtered queue and whether anything was removed.
func removeByConnection(queue []*QueueEntry, connectionID string) ([]*QueueEntry, bool) {
	removed := false
	out := queue[:0]
	for _, e := range queue {
		if e.ConnectionID == connectionID {
			removed = true
			continue
		}
		out = append(out, e)
	}
	return out, removed
}
