// Package persist is the persistence collaborator for completed series.
// A failed write only affects historical reporting, never live state; the
// series coordinator logs and swallows errors from here.
package persist

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
)

// SeriesSummary is the final record of a completed series.
type SeriesSummary struct {
	MatchID         string
	RoomID          string
	Mode            string
	BestOf          int
	WinnerAccountID int64
	LoserAccountID  int64
	FinalScore      string
	Forfeit         bool
	StartedAt       time.Time
	CompletedAt     time.Time
}

// GameStat is the per-game ledger line accompanying a summary.
type GameStat struct {
	GameNumber      int
	WinnerAccountID int64
	Player1Stats    json.RawMessage
	Player2Stats    json.RawMessage
	FinishedAt      time.Time
}

// ResultStore saves the outcome of a completed series exactly once.
type ResultStore interface {
	SaveSeriesResult(ctx context.Context, summary SeriesSummary, games []GameStat) (int64, error)
}

// SQLResultStore writes series outcomes to Postgres.
type SQLResultStore struct {
	db *sqlx.DB
}

// NewSQLResultStore creates a store backed by the given database.
func NewSQLResultStore(db *sqlx.DB) *SQLResultStore {
	return &SQLResultStore{db: db}
}

// SaveSeriesResult inserts the summary row and its per-game rows in one
// transaction and returns the new record id.
func (s *SQLResultStore) SaveSeriesResult(ctx context.Context, summary SeriesSummary, games []GameStat) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var recordID int64
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO series_results
			(match_id, room_id, mode, best_of, winner_account_id, loser_account_id, final_score, forfeit, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, summary.MatchID, summary.RoomID, summary.Mode, summary.BestOf,
		summary.WinnerAccountID, summary.LoserAccountID, summary.FinalScore,
		summary.Forfeit, summary.StartedAt, summary.CompletedAt).Scan(&recordID)
	if err != nil {
		return 0, err
	}

	for _, g := range games {
		p1 := g.Player1Stats
		if p1 == nil {
			p1 = json.RawMessage(`{}`)
		}
		p2 := g.Player2Stats
		if p2 == nil {
			p2 = json.RawMessage(`{}`)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO series_games
				(series_result_id, game_number, winner_account_id, player1_stats, player2_stats, finished_at)
			VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6)
		`, recordID, g.GameNumber, g.WinnerAccountID, string(p1), string(p2), g.FinishedAt)
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return recordID, nil
}
