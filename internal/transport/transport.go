// Package transport defines the narrow contract the coordinator uses to
// reach clients, plus the typed payloads for every event crossing it. The
// concrete implementation lives in internal/ws; tests substitute a stub.
package transport

import "encoding/json"

// Channel is the outbound side of the bidirectional event channel. Delivery
// is in-order per connection; there is no cross-connection ordering.
type Channel interface {
	// Send delivers an event to a single connection. Best effort: sending
	// to a gone connection is a no-op.
	Send(connectionID, event string, payload interface{})

	// Broadcast delivers an event to every connection in a room.
	Broadcast(roomID, event string, payload interface{})

	// Join adds a connection to a room.
	Join(connectionID, roomID string)

	// Leave removes a connection from a room.
	Leave(connectionID, roomID string)
}

// Outbound event names.
const (
	EventQueueJoined          = "queue.joined"
	EventQueueMatchFound      = "queue.matchFound"
	EventQueueWaiting         = "queue.waitingForOpponent"
	EventQueueOpponentDecline = "queue.opponentDeclined"
	EventQueuePenalty         = "queue.penalty"
	EventMatchStarting        = "match.starting"
	EventMatchOpponentLost    = "match.opponentDisconnected"
	EventMatchForceEnd        = "match.forceEnd"
	EventSeriesGameResult     = "series.gameResult"
	EventSeriesMatchEnd       = "series.matchEnd"
	EventSeriesNextGame       = "series.nextGame"
	EventGarbage              = "game.garbage"
	EventBoardState           = "game.boardState"
	EventError                = "error"
)

// QueueJoined acknowledges a successful queue entry.
type QueueJoined struct {
	Mode     string `json:"mode"`
	Position int    `json:"position"`
}

// MatchFound tells a client a candidate opponent was located and the
// confirmation window is running.
type MatchFound struct {
	MatchID        string `json:"match_id"`
	Opponent       string `json:"opponent"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	BestOf         int    `json:"best_of"`
	Mode           string `json:"mode"`
}

// WaitingForOpponent is sent to a client that accepted while the other side
// has not yet responded.
type WaitingForOpponent struct {
	MatchID string `json:"match_id"`
}

// OpponentDeclined tells the innocent side the candidate dissolved; the
// client is already back in the queue if Requeued is set.
type OpponentDeclined struct {
	MatchID  string `json:"match_id"`
	Requeued bool   `json:"requeued"`
}

// Penalty reports a queue-join lockout.
type Penalty struct {
	DurationSeconds int `json:"duration_seconds"`
}

// MatchStarting carries everything a client needs to begin play: the room,
// the shared seed, and a preview of the first pieces of the stream.
type MatchStarting struct {
	MatchID       string   `json:"match_id"`
	RoomID        string   `json:"room_id"`
	Seed          uint32   `json:"seed"`
	BestOf        int      `json:"best_of"`
	InitialPieces []string `json:"initial_pieces"`
}

// GameResult reports the outcome of a single game inside a series.
type GameResult struct {
	GameNumber int    `json:"game_number"`
	Winner     string `json:"winner"`
	Score      string `json:"score"`
	NextGame   int    `json:"next_game,omitempty"`
}

// NextGame signals the start of the next game after the inter-game delay.
type NextGame struct {
	GameNumber int `json:"game_number"`
}

// SeriesEnd reports the final outcome of the series.
type SeriesEnd struct {
	Winner     string       `json:"winner"`
	FinalScore string       `json:"final_score"`
	Games      []GameRecord `json:"games"`
}

// GameRecord is one line of the series ledger as sent to clients.
type GameRecord struct {
	GameNumber int    `json:"game_number"`
	Winner     string `json:"winner"`
}

// OpponentDisconnected warns the remaining player that the peer dropped and
// a grace window is running.
type OpponentDisconnected struct {
	MatchID      string `json:"match_id"`
	GraceSeconds int    `json:"grace_seconds"`
}

// ForceEnd terminates a match outside normal series resolution.
type ForceEnd struct {
	MatchID string `json:"match_id"`
	Reason  string `json:"reason"`
}

// Garbage relays attack lines between peers; the coordinator treats the
// contents as opaque.
type Garbage struct {
	From  string `json:"from"`
	Lines int    `json:"lines"`
}

// BoardState relays a board snapshot plus public counters to the opponent.
type BoardState struct {
	From       string          `json:"from"`
	Board      json.RawMessage `json:"board"`
	Combo      int             `json:"combo"`
	BackToBack int             `json:"b2b"`
}

// Error is the generic failure payload.
type Error struct {
	Message string `json:"message"`
}
