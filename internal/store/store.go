package store

import (
	"context"
	"errors"
)

// Errors
var (
	ErrAlreadyExists = errors.New("match already exists")
	ErrNotFound      = errors.New("match not found")
	ErrMatchFull     = errors.New("match is full")
	ErrConflict      = errors.New("match modified concurrently, retries exhausted")
)

// Repository is the shared match store: a key-value store of match documents
// with atomic per-key read-modify-write, the sole point of cross-process
// coordination. Implementations must guarantee that two concurrent calls for
// the same match id never interleave their read and write phases.
type Repository interface {
	// CreateMatch stores a new match document. Fails with ErrAlreadyExists
	// if the id is taken.
	CreateMatch(ctx context.Context, m *Match) error

	// Get loads a match document. ErrNotFound if missing.
	Get(ctx context.Context, matchID string) (*Match, error)

	// AddPlayer appends a player to the roster, preserving existing
	// entries. Re-adding the same connection is a no-op. ErrMatchFull when
	// the roster is at MaxPlayers.
	AddPlayer(ctx context.Context, matchID string, p PlayerState) (*Match, error)

	// RemovePlayer removes a player from the roster. Returns (nil, nil)
	// when the removal empties the roster and the match is deleted.
	// Promotes a new host from the remaining roster if the removed player
	// was hosting.
	RemovePlayer(ctx context.Context, matchID, playerID string) (*Match, error)

	// SetPlayerReady flips a player's ready flag. statusChanged is true
	// only on the transition where the last player becomes ready and the
	// match moves waiting -> in_progress.
	SetPlayerReady(ctx context.Context, matchID, playerID string, ready bool) (m *Match, statusChanged bool, err error)

	// ResolveTopout records a topout by the given connection and returns
	// the opposing winner. Returns (nil, nil) when the match or player does
	// not exist (the match typically already resolved).
	ResolveTopout(ctx context.Context, matchID, loserConnectionID string) (*TopoutResult, error)

	// MarkDisconnected sets alive=false for a player without removing it,
	// opening the disconnect grace window.
	MarkDisconnected(ctx context.Context, matchID, playerID string) (*Match, error)

	// SetStatus advances the match status. Transitions only move forward;
	// a backward transition is rejected silently (current doc returned).
	SetStatus(ctx context.Context, matchID string, status MatchStatus) (*Match, error)

	// UpdatePlayerCounters stores a player's relayed in-game counters
	// (combo, back-to-back, pending garbage).
	UpdatePlayerCounters(ctx context.Context, matchID, playerID string, combo, b2b, pendingGarbage int) (*Match, error)

	// FindByConnection returns the match referencing the given connection,
	// or ErrNotFound.
	FindByConnection(ctx context.Context, connectionID string) (*Match, error)

	// List returns every live match document.
	List(ctx context.Context) ([]*Match, error)

	// Delete removes a match document unconditionally.
	Delete(ctx context.Context, matchID string) error

	// CleanupStaleMatches removes matches idle beyond the staleness
	// threshold and returns how many were removed.
	CleanupStaleMatches(ctx context.Context) (int, error)
}
