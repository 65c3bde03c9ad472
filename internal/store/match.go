package store

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// MatchStatus represents the current state of a match document.
type MatchStatus string

const (
	StatusWaiting    MatchStatus = "WAITING"
	StatusInProgress MatchStatus = "IN_PROGRESS"
	StatusCompleted  MatchStatus = "COMPLETED"
)

// Mode is the queue a match was formed from.
type Mode string

const (
	ModeCasual Mode = "casual"
	ModeRanked Mode = "ranked"
)

// PlayerState is the per-player slice of a match document.
type PlayerState struct {
	PlayerID       string     `json:"player_id"`
	ConnectionID   string     `json:"connection_id"`
	AccountID      int64      `json:"account_id"`
	DisplayName    string     `json:"display_name"`
	Ready          bool       `json:"ready"`
	Alive          bool       `json:"alive"`
	Combo          int        `json:"combo"`
	BackToBack     int        `json:"b2b"`
	PendingGarbage int        `json:"pending_garbage"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// Match is the shared match document. All mutation goes through the
// Repository so concurrent backend instances never race on the same match.
// Seed is fixed at creation and never changes for the life of the match;
// both players derive their piece stream from it.
type Match struct {
	ID               string         `json:"id"`
	RoomID           string         `json:"room_id"`
	HostConnectionID string         `json:"host_connection_id"`
	Mode             Mode           `json:"mode"`
	MaxPlayers       int            `json:"max_players"`
	Seed             uint32         `json:"seed"`
	Status           MatchStatus    `json:"status"`
	Players          []*PlayerState `json:"players"`
	CreatedAt        time.Time      `json:"created_at"`
	LastActivity     time.Time      `json:"last_activity"`
}

// TopoutResult identifies the loser of a game and the opposing winner.
type TopoutResult struct {
	WinnerID string
	LoserID  string
}

// NewMatch builds a match document with a fresh id, room and seed, hosted by
// the given player.
func NewMatch(host PlayerState, mode Mode, maxPlayers int) *Match {
	now := time.Now()
	host.Alive = true
	id := uuid.NewString()
	return &Match{
		ID:               id,
		RoomID:           "room_" + id,
		HostConnectionID: host.ConnectionID,
		Mode:             mode,
		MaxPlayers:       maxPlayers,
		Seed:             newSeed(),
		Status:           StatusWaiting,
		Players:          []*PlayerState{&host},
		CreatedAt:        now,
		LastActivity:     now,
	}
}

// newSeed draws a random uint32 for the shared piece stream.
func newSeed() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// Player returns the roster entry with the given player id, or nil.
func (m *Match) Player(playerID string) *PlayerState {
	for _, p := range m.Players {
		if p.PlayerID == playerID {
			return p
		}
	}
	return nil
}

// PlayerByConnection returns the roster entry bound to the given connection,
// or nil.
func (m *Match) PlayerByConnection(connectionID string) *PlayerState {
	for _, p := range m.Players {
		if p.ConnectionID == connectionID {
			return p
		}
	}
	return nil
}

// Opponent returns the first roster entry that is not the given player, or
// nil. Matches are two-player, so "the other one" is well defined.
func (m *Match) Opponent(playerID string) *PlayerState {
	for _, p := range m.Players {
		if p.PlayerID != playerID {
			return p
		}
	}
	return nil
}

// allReady reports whether the roster is full and every player is ready.
func (m *Match) allReady() bool {
	if len(m.Players) < m.MaxPlayers {
		return false
	}
	for _, p := range m.Players {
		if !p.Ready {
			return false
		}
	}
	return true
}

// AliveCount returns the number of roster entries still marked alive.
func (m *Match) AliveCount() int {
	n := 0
	for _, p := range m.Players {
		if p.Alive {
			n++
		}
	}
	return n
}
