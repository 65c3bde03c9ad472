package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	indexKey = "matches:index"

	// maxTxRetries bounds optimistic-transaction retries before giving up
	// with ErrConflict.
	maxTxRetries = 16
)

// RedisRepository stores match documents as JSON values in Redis, one key per
// match, mutated through WATCH transactions so concurrent instances get
// compare-and-set semantics per match key. A TTL on every write acts as a
// backstop against documents the janitor never reaches.
type RedisRepository struct {
	rdb            *redis.Client
	ttl            time.Duration
	staleThreshold time.Duration
}

// NewRedisRepository creates a repository. ttl is the per-document backstop
// expiry refreshed on every write; staleThreshold is the inactivity age after
// which CleanupStaleMatches removes a document.
func NewRedisRepository(rdb *redis.Client, ttl, staleThreshold time.Duration) *RedisRepository {
	return &RedisRepository{rdb: rdb, ttl: ttl, staleThreshold: staleThreshold}
}

func matchKey(matchID string) string {
	return "match:" + matchID + ":state"
}

func (r *RedisRepository) CreateMatch(ctx context.Context, m *Match) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ok, err := r.rdb.SetNX(ctx, matchKey(m.ID), data, r.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}
	return r.rdb.SAdd(ctx, indexKey, m.ID).Err()
}

func (r *RedisRepository) Get(ctx context.Context, matchID string) (*Match, error) {
	data, err := r.rdb.Get(ctx, matchKey(matchID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m := &Match{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// update runs fn against the current document inside a WATCH transaction and
// writes the result back. fn returns true to delete the document instead of
// rewriting it. The whole read-modify-write retries on concurrent
// modification.
func (r *RedisRepository) update(ctx context.Context, matchID string, fn func(m *Match) (del bool, err error)) (*Match, error) {
	key := matchKey(matchID)
	var result *Match

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		m := &Match{}
		if err := json.Unmarshal(data, m); err != nil {
			return err
		}

		del, err := fn(m)
		if err != nil {
			return err
		}
		m.LastActivity = time.Now()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if del {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, indexKey, matchID)
				result = nil
				return nil
			}
			buf, merr := json.Marshal(m)
			if merr != nil {
				return merr
			}
			pipe.Set(ctx, key, buf, r.ttl)
			result = m
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, ErrConflict
}

func (r *RedisRepository) AddPlayer(ctx context.Context, matchID string, p PlayerState) (*Match, error) {
	return r.update(ctx, matchID, func(m *Match) (bool, error) {
		if existing := m.PlayerByConnection(p.ConnectionID); existing != nil {
			// Re-add for the same connection is behaviorally a no-op;
			// never duplicate the roster entry.
			existing.Alive = true
			existing.DisconnectedAt = nil
			return false, nil
		}
		if len(m.Players) >= m.MaxPlayers {
			return false, ErrMatchFull
		}
		p.Alive = true
		m.Players = append(m.Players, &p)
		return false, nil
	})
}

func (r *RedisRepository) RemovePlayer(ctx context.Context, matchID, playerID string) (*Match, error) {
	return r.update(ctx, matchID, func(m *Match) (bool, error) {
		removed := m.Player(playerID)
		if removed == nil {
			return false, nil
		}
		players := m.Players[:0]
		for _, p := range m.Players {
			if p.PlayerID != playerID {
				players = append(players, p)
			}
		}
		m.Players = players
		if len(m.Players) == 0 {
			return true, nil
		}
		if removed.ConnectionID == m.HostConnectionID {
			m.HostConnectionID = m.Players[0].ConnectionID
		}
		return false, nil
	})
}

func (r *RedisRepository) SetPlayerReady(ctx context.Context, matchID, playerID string, ready bool) (*Match, bool, error) {
	statusChanged := false
	m, err := r.update(ctx, matchID, func(m *Match) (bool, error) {
		p := m.Player(playerID)
		if p == nil {
			return false, ErrNotFound
		}
		p.Ready = ready
		if m.Status == StatusWaiting && m.allReady() {
			m.Status = StatusInProgress
			statusChanged = true
		}
		return false, nil
	})
	return m, statusChanged, err
}

func (r *RedisRepository) ResolveTopout(ctx context.Context, matchID, loserConnectionID string) (*TopoutResult, error) {
	var result *TopoutResult
	_, err := r.update(ctx, matchID, func(m *Match) (bool, error) {
		loser := m.PlayerByConnection(loserConnectionID)
		if loser == nil {
			return false, nil
		}
		winner := m.Opponent(loser.PlayerID)
		if winner == nil {
			return false, nil
		}
		result = &TopoutResult{WinnerID: winner.PlayerID, LoserID: loser.PlayerID}
		return false, nil
	})
	if err == ErrNotFound {
		return nil, nil
	}
	return result, err
}

func (r *RedisRepository) MarkDisconnected(ctx context.Context, matchID, playerID string) (*Match, error) {
	return r.update(ctx, matchID, func(m *Match) (bool, error) {
		p := m.Player(playerID)
		if p == nil {
			return false, ErrNotFound
		}
		now := time.Now()
		p.Alive = false
		p.DisconnectedAt = &now
		return false, nil
	})
}

// statusRank orders match statuses so transitions only ever move forward.
func statusRank(s MatchStatus) int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted:
		return 2
	}
	return -1
}

func (r *RedisRepository) SetStatus(ctx context.Context, matchID string, status MatchStatus) (*Match, error) {
	return r.update(ctx, matchID, func(m *Match) (bool, error) {
		if statusRank(status) <= statusRank(m.Status) {
			// Backward or repeated transitions are expected races;
			// drop them silently.
			log.WithField("match_id", matchID).Debugf("ignoring status transition %s -> %s", m.Status, status)
			return false, nil
		}
		m.Status = status
		return false, nil
	})
}

func (r *RedisRepository) UpdatePlayerCounters(ctx context.Context, matchID, playerID string, combo, b2b, pendingGarbage int) (*Match, error) {
	return r.update(ctx, matchID, func(m *Match) (bool, error) {
		p := m.Player(playerID)
		if p == nil {
			return false, ErrNotFound
		}
		p.Combo = combo
		p.BackToBack = b2b
		p.PendingGarbage = pendingGarbage
		return false, nil
	})
}

func (r *RedisRepository) FindByConnection(ctx context.Context, connectionID string) (*Match, error) {
	ids, err := r.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		m, err := r.Get(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if m.PlayerByConnection(connectionID) != nil {
			return m, nil
		}
	}
	return nil, ErrNotFound
}

func (r *RedisRepository) Delete(ctx context.Context, matchID string) error {
	if err := r.rdb.Del(ctx, matchKey(matchID)).Err(); err != nil {
		return err
	}
	return r.rdb.SRem(ctx, indexKey, matchID).Err()
}

// CleanupStaleMatches removes match documents with no activity beyond the
// staleness threshold, and prunes index entries whose document already
// expired via TTL.
func (r *RedisRepository) CleanupStaleMatches(ctx context.Context) (int, error) {
	ids, err := r.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	cutoff := time.Now().Add(-r.staleThreshold)
	for _, id := range ids {
		m, err := r.Get(ctx, id)
		if err == ErrNotFound {
			// Document expired under the index entry.
			r.rdb.SRem(ctx, indexKey, id)
			continue
		}
		if err != nil {
			return removed, err
		}
		if m.LastActivity.Before(cutoff) {
			if err := r.Delete(ctx, id); err != nil {
				log.WithField("match_id", id).Errorf("janitor: failed to delete stale match: %v", err)
				continue
			}
			log.WithField("match_id", id).Infof("janitor: removed stale match (idle since %s)", m.LastActivity.Format(time.RFC3339))
			removed++
		}
	}
	return removed, nil
}

// List returns every live match document. The disconnect sweeper uses this
// for its bounded per-tick scan; index entries whose document expired are
// skipped.
func (r *RedisRepository) List(ctx context.Context) ([]*Match, error) {
	ids, err := r.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	matches := make([]*Match, 0, len(ids))
	for _, id := range ids {
		m, err := r.Get(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, nil
}
