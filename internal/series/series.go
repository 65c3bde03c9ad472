package series

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle of a series.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

// Participant is one side of a series.
type Participant struct {
	PlayerID     string `json:"player_id"`
	ConnectionID string `json:"connection_id"`
	AccountID    int64  `json:"account_id"`
	DisplayName  string `json:"display_name"`
}

// GameResult is one line of the series ledger. Immutable once appended.
type GameResult struct {
	GameNumber   int             `json:"game_number"`
	Winner       string          `json:"winner"`
	Player1Stats json.RawMessage `json:"player1_stats,omitempty"`
	Player2Stats json.RawMessage `json:"player2_stats,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// SeriesMatch tracks per-game results and the aggregate score of a best-of-N
// match. RoundActive gates game-finished processing: while false, any
// further signal for the current game number is a duplicate and is dropped.
type SeriesMatch struct {
	MatchID           string
	RoomID            string
	Player1           Participant
	Player2           Participant
	Mode              string
	BestOf            int
	WinsRequired      int
	CurrentGameNumber int
	P1Wins            int
	P2Wins            int
	Games             []GameResult
	Status            Status
	RoundActive       bool
	Forfeit           bool
	CreatedAt         time.Time

	nextGameTimer *time.Timer
	cleanupTimer  *time.Timer
}

// winsFor returns the win counter for the given player id.
func (s *SeriesMatch) winsFor(playerID string) int {
	if playerID == s.Player1.PlayerID {
		return s.P1Wins
	}
	return s.P2Wins
}

// addWin increments the win counter for the given player id.
func (s *SeriesMatch) addWin(playerID string) {
	if playerID == s.Player1.PlayerID {
		s.P1Wins++
	} else {
		s.P2Wins++
	}
}

// participant returns the series participant with the given player id.
func (s *SeriesMatch) participant(playerID string) Participant {
	if playerID == s.Player1.PlayerID {
		return s.Player1
	}
	return s.Player2
}

// opponentOf returns the other participant.
func (s *SeriesMatch) opponentOf(playerID string) Participant {
	if playerID == s.Player1.PlayerID {
		return s.Player2
	}
	return s.Player1
}

// decided reports whether either side has reached the required wins or the
// game budget is exhausted.
func (s *SeriesMatch) decided() bool {
	return s.P1Wins >= s.WinsRequired || s.P2Wins >= s.WinsRequired || len(s.Games) >= s.BestOf
}

// leader returns the player id currently ahead. Ties cannot decide a series
// with an odd BestOf, so this is only called once decided() holds.
func (s *SeriesMatch) leader() string {
	if s.P1Wins >= s.P2Wins {
		return s.Player1.PlayerID
	}
	return s.Player2.PlayerID
}
