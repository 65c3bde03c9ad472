package series

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/blockduel/backend/internal/persist"
	"github.com/blockduel/backend/internal/store"
	"github.com/blockduel/backend/internal/transport"
)

// Errors
var (
	ErrNotFound      = errors.New("series not found")
	ErrInvalidBestOf = errors.New("best-of must be odd and at least 1")
	ErrUnknownWinner = errors.New("winner is not a series participant")
)

// Manager owns every live series in this process. It is an explicit owned
// collection behind a constructor, not a package singleton, so tests can run
// isolated managers side by side.
type Manager struct {
	channel        transport.Channel
	results        persist.ResultStore
	repo           store.Repository
	interGameDelay time.Duration
	retention      time.Duration

	mu     sync.RWMutex
	series map[string]*SeriesMatch // keyed by roomID
	byConn map[string]string       // connectionID -> roomID
}

// NewManager creates a series manager. interGameDelay is the pause between
// games; retention is how long completed Match and SeriesMatch records stay
// around before deferred cleanup.
func NewManager(channel transport.Channel, results persist.ResultStore, repo store.Repository, interGameDelay, retention time.Duration) *Manager {
	return &Manager{
		channel:        channel,
		results:        results,
		repo:           repo,
		interGameDelay: interGameDelay,
		retention:      retention,
		series:         make(map[string]*SeriesMatch),
		byConn:         make(map[string]string),
	}
}

// Create starts a series for a freshly started match. Called alongside
// successful match start; the roster must hold both players.
func (m *Manager) Create(match *store.Match, bestOf int) (*SeriesMatch, error) {
	if bestOf < 1 || bestOf%2 == 0 {
		return nil, ErrInvalidBestOf
	}
	if len(match.Players) != 2 {
		return nil, fmt.Errorf("series requires exactly 2 players, got %d", len(match.Players))
	}

	s := &SeriesMatch{
		MatchID:           match.ID,
		RoomID:            match.RoomID,
		Player1:           participantFrom(match.Players[0]),
		Player2:           participantFrom(match.Players[1]),
		Mode:              string(match.Mode),
		BestOf:            bestOf,
		WinsRequired:      bestOf/2 + 1,
		CurrentGameNumber: 1,
		Status:            StatusInProgress,
		RoundActive:       true,
		CreatedAt:         time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.series[s.RoomID]; exists {
		return nil, fmt.Errorf("series already exists for room %s", s.RoomID)
	}
	m.series[s.RoomID] = s
	m.byConn[s.Player1.ConnectionID] = s.RoomID
	m.byConn[s.Player2.ConnectionID] = s.RoomID

	log.WithField("match_id", s.MatchID).Infof("series created: best_of=%d wins_required=%d", s.BestOf, s.WinsRequired)
	return s, nil
}

func participantFrom(p *store.PlayerState) Participant {
	return Participant{
		PlayerID:     p.PlayerID,
		ConnectionID: p.ConnectionID,
		AccountID:    p.AccountID,
		DisplayName:  p.DisplayName,
	}
}

// Get returns the series for a room.
func (m *Manager) Get(roomID string) (*SeriesMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.series[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// RoomForConnection returns the room of the series referencing a connection,
// or "" if none does.
func (m *Manager) RoomForConnection(connectionID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byConn[connectionID]
}

// ReportGameFinished processes a game-finished signal for a room. Duplicate
// signals for the same game number arrive whenever both a stats report and a
// topout event fire, or both players report the same outcome; the
// RoundActive guard makes the second one a no-op. The winner id comes from
// client traffic and is rejected unless it names one of the two
// participants.
func (m *Manager) ReportGameFinished(roomID, winnerPlayerID string, p1Stats, p2Stats json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.series[roomID]
	if !ok {
		return ErrNotFound
	}
	if winnerPlayerID != s.Player1.PlayerID && winnerPlayerID != s.Player2.PlayerID {
		return ErrUnknownWinner
	}
	if s.Status != StatusInProgress || !s.RoundActive {
		log.WithField("match_id", s.MatchID).Debugf("dropping duplicate game-finished for game %d", s.CurrentGameNumber)
		return nil
	}

	s.RoundActive = false
	s.Games = append(s.Games, GameResult{
		GameNumber:   s.CurrentGameNumber,
		Winner:       winnerPlayerID,
		Player1Stats: p1Stats,
		Player2Stats: p2Stats,
		Timestamp:    time.Now(),
	})
	s.addWin(winnerPlayerID)

	log.WithField("match_id", s.MatchID).Infof("game %d finished: winner=%s score=%d-%d",
		s.CurrentGameNumber, winnerPlayerID, s.P1Wins, s.P2Wins)

	if s.decided() {
		m.completeLocked(s)
		return nil
	}

	finished := s.CurrentGameNumber
	if s.CurrentGameNumber < s.BestOf {
		s.CurrentGameNumber++
	}
	m.channel.Broadcast(s.RoomID, transport.EventSeriesGameResult, transport.GameResult{
		GameNumber: finished,
		Winner:     winnerPlayerID,
		Score:      fmt.Sprintf("%d-%d", s.P1Wins, s.P2Wins),
		NextGame:   s.CurrentGameNumber,
	})

	// Arm the next-game timer; it re-validates the series before acting so
	// a forfeit during the pause cannot resurrect the round.
	next := s.CurrentGameNumber
	s.nextGameTimer = time.AfterFunc(m.interGameDelay, func() {
		m.startNextGame(roomID, next)
	})
	return nil
}

// startNextGame re-opens the round after the inter-game delay.
func (m *Manager) startNextGame(roomID string, gameNumber int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.series[roomID]
	if !ok || s.Status != StatusInProgress || s.CurrentGameNumber != gameNumber {
		// Series resolved or advanced while the timer was pending.
		return
	}
	s.RoundActive = true
	m.channel.Broadcast(s.RoomID, transport.EventSeriesNextGame, transport.NextGame{GameNumber: gameNumber})
	log.WithField("match_id", s.MatchID).Infof("game %d started", gameNumber)
}

// ResolveForfeit ends a series immediately in favor of the remaining player:
// the winner is credited winsRequired wins against zero, bypassing normal
// per-game scoring. Used for disconnects and explicit forfeits.
func (m *Manager) ResolveForfeit(roomID, leaverConnectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.series[roomID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusInProgress {
		return nil
	}

	var leaver Participant
	switch leaverConnectionID {
	case s.Player1.ConnectionID:
		leaver = s.Player1
	case s.Player2.ConnectionID:
		leaver = s.Player2
	default:
		return ErrNotFound
	}
	winner := s.opponentOf(leaver.PlayerID)

	s.RoundActive = false
	s.Forfeit = true
	if winner.PlayerID == s.Player1.PlayerID {
		s.P1Wins, s.P2Wins = s.WinsRequired, 0
	} else {
		s.P1Wins, s.P2Wins = 0, s.WinsRequired
	}

	log.WithField("match_id", s.MatchID).Infof("forfeit by %s, series awarded to %s", leaver.PlayerID, winner.PlayerID)
	m.completeLocked(s)
	return nil
}

// completeLocked finalizes a decided series: broadcasts the result, hands the
// outcome to the persistence collaborator, marks the shared match completed,
// and schedules deferred cleanup. Caller holds m.mu.
func (m *Manager) completeLocked(s *SeriesMatch) {
	s.Status = StatusCompleted
	if s.nextGameTimer != nil {
		s.nextGameTimer.Stop()
		s.nextGameTimer = nil
	}

	winnerID := s.leader()
	winner := s.participant(winnerID)
	loser := s.opponentOf(winnerID)
	finalScore := fmt.Sprintf("%d-%d", s.winsFor(winnerID), s.winsFor(loser.PlayerID))

	records := make([]transport.GameRecord, 0, len(s.Games))
	for _, g := range s.Games {
		records = append(records, transport.GameRecord{GameNumber: g.GameNumber, Winner: g.Winner})
	}
	m.channel.Broadcast(s.RoomID, transport.EventSeriesMatchEnd, transport.SeriesEnd{
		Winner:     winnerID,
		FinalScore: finalScore,
		Games:      records,
	})

	log.WithField("match_id", s.MatchID).Infof("series completed: winner=%s final=%s forfeit=%t", winnerID, finalScore, s.Forfeit)

	// Persistence is best effort: a failed write affects reporting only,
	// the completed outcome stands and was already broadcast.
	summary := persist.SeriesSummary{
		MatchID:         s.MatchID,
		RoomID:          s.RoomID,
		Mode:            s.Mode,
		BestOf:          s.BestOf,
		WinnerAccountID: winner.AccountID,
		LoserAccountID:  loser.AccountID,
		FinalScore:      finalScore,
		Forfeit:         s.Forfeit,
		StartedAt:       s.CreatedAt,
		CompletedAt:     time.Now(),
	}
	games := make([]persist.GameStat, 0, len(s.Games))
	for _, g := range s.Games {
		games = append(games, persist.GameStat{
			GameNumber:      g.GameNumber,
			WinnerAccountID: s.participant(g.Winner).AccountID,
			Player1Stats:    g.Player1Stats,
			Player2Stats:    g.Player2Stats,
			FinishedAt:      g.Timestamp,
		})
	}
	if _, err := m.results.SaveSeriesResult(context.Background(), summary, games); err != nil {
		log.WithField("match_id", summary.MatchID).Errorf("failed to persist series result: %v", err)
	}

	matchID, roomID := s.MatchID, s.RoomID
	if _, err := m.repo.SetStatus(context.Background(), matchID, store.StatusCompleted); err != nil && err != store.ErrNotFound {
		log.WithField("match_id", matchID).Errorf("failed to mark match completed: %v", err)
	}

	s.cleanupTimer = time.AfterFunc(m.retention, func() {
		m.cleanup(roomID, matchID)
	})
}

// cleanup removes the series and its match document after the retention
// window.
func (m *Manager) cleanup(roomID, matchID string) {
	m.mu.Lock()
	if s, ok := m.series[roomID]; ok {
		delete(m.byConn, s.Player1.ConnectionID)
		delete(m.byConn, s.Player2.ConnectionID)
		delete(m.series, roomID)
	}
	m.mu.Unlock()

	if err := m.repo.Delete(context.Background(), matchID); err != nil {
		log.WithField("match_id", matchID).Errorf("failed to delete completed match: %v", err)
	}
	log.WithField("match_id", matchID).Info("series records cleaned up")
}

// Count returns the number of live series in this process.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.series)
}
