// Package rating supplies the opaque numeric rating ranked matchmaking sorts
// and windows on. Rating changes are computed elsewhere; this package only
// reads.
package rating

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// DefaultRating is assumed for accounts with no rating row yet.
const DefaultRating = 1200

// Provider returns the current rating for an account.
type Provider interface {
	Rating(accountID int64) (int, error)
}

// SQLProvider reads ratings from the player_ratings table.
type SQLProvider struct {
	db *sqlx.DB
}

// NewSQLProvider creates a provider backed by the given database.
func NewSQLProvider(db *sqlx.DB) *SQLProvider {
	return &SQLProvider{db: db}
}

// Rating returns the account's rating, or DefaultRating when the account has
// never played ranked.
func (p *SQLProvider) Rating(accountID int64) (int, error) {
	var r int
	err := p.db.Get(&r, `SELECT rating FROM player_ratings WHERE account_id = $1`, accountID)
	if err == sql.ErrNoRows {
		return DefaultRating, nil
	}
	if err != nil {
		return 0, err
	}
	return r, nil
}

// StaticProvider serves a fixed rating table. Used in tests and as a
// fallback when ranked play is disabled.
type StaticProvider map[int64]int

func (p StaticProvider) Rating(accountID int64) (int, error) {
	if r, ok := p[accountID]; ok {
		return r, nil
	}
	return DefaultRating, nil
}
