package series

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockduel/backend/internal/persist"
	"github.com/blockduel/backend/internal/store"
)

// stubChannel records every outbound event.
type stubChannel struct {
	mu     sync.Mutex
	events []stubEvent
}

type stubEvent struct {
	Target  string
	Name    string
	Payload interface{}
}

func (c *stubChannel) Send(connectionID, event string, payload interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, stubEvent{connectionID, event, payload})
}

func (c *stubChannel) Broadcast(roomID, event string, payload interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, stubEvent{roomID, event, payload})
}

func (c *stubChannel) Join(connectionID, roomID string)  {}
func (c *stubChannel) Leave(connectionID, roomID string) {}

func (c *stubChannel) named(name string) []stubEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []stubEvent
	for _, e := range c.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// stubResults counts persistence calls.
type stubResults struct {
	mu        sync.Mutex
	calls     int
	summaries []persist.SeriesSummary
}

func (r *stubResults) SaveSeriesResult(ctx context.Context, summary persist.SeriesSummary, games []persist.GameStat) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.summaries = append(r.summaries, summary)
	return int64(r.calls), nil
}

func newTestManager(t *testing.T) (*Manager, *stubChannel, *stubResults, store.Repository) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	repo := store.NewRedisRepository(rdb, time.Hour, 30*time.Minute)
	ch := &stubChannel{}
	res := &stubResults{}
	// Zero inter-game delay and long retention keep timers out of the way.
	return NewManager(ch, res, repo, 0, time.Hour), ch, res, repo
}

func startedMatch(t *testing.T, repo store.Repository) *store.Match {
	t.Helper()
	ctx := context.Background()
	m := store.NewMatch(store.PlayerState{
		PlayerID: "p1", ConnectionID: "conn1", AccountID: 11, DisplayName: "Alice",
	}, store.ModeCasual, 2)
	require.NoError(t, repo.CreateMatch(ctx, m))
	m, err := repo.AddPlayer(ctx, m.ID, store.PlayerState{
		PlayerID: "p2", ConnectionID: "conn2", AccountID: 22, DisplayName: "Bob",
	})
	require.NoError(t, err)
	return m
}

// waitRound blocks until the inter-game timer has re-opened the round.
func waitRound(t *testing.T, mgr *Manager, s *SeriesMatch) {
	t.Helper()
	require.Eventually(t, func() bool {
		mgr.mu.RLock()
		defer mgr.mu.RUnlock()
		return s.RoundActive
	}, time.Second, time.Millisecond)
}

func TestCreateRejectsEvenBestOf(t *testing.T) {
	mgr, _, _, repo := newTestManager(t)
	m := startedMatch(t, repo)

	_, err := mgr.Create(m, 4)
	assert.ErrorIs(t, err, ErrInvalidBestOf)
}

func TestSweepCompletesAfterTwoGames(t *testing.T) {
	mgr, ch, res, repo := newTestManager(t)
	m := startedMatch(t, repo)

	s, err := mgr.Create(m, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, s.WinsRequired)

	require.NoError(t, mgr.ReportGameFinished(m.RoomID, "p1", nil, nil))
	waitRound(t, mgr, s)
	require.NoError(t, mgr.ReportGameFinished(m.RoomID, "p1", nil, nil))

	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, 2, s.P1Wins)
	assert.Equal(t, 0, s.P2Wins)
	assert.Len(t, s.Games, 2)

	ends := ch.named("series.matchEnd")
	require.Len(t, ends, 1)
	assert.Equal(t, 1, res.calls, "persistence must be called exactly once")
	assert.Equal(t, "2-0", res.summaries[0].FinalScore)
	assert.Equal(t, int64(11), res.summaries[0].WinnerAccountID)
}

func TestFullSeriesCompletesAfterThreeGames(t *testing.T) {
	mgr, _, res, repo := newTestManager(t)
	m := startedMatch(t, repo)

	s, err := mgr.Create(m, 3)
	require.NoError(t, err)

	require.NoError(t, mgr.ReportGameFinished(m.RoomID, "p1", nil, nil))
	assert.Equal(t, StatusInProgress, s.Status)
	waitRound(t, mgr, s)

	require.NoError(t, mgr.ReportGameFinished(m.RoomID, "p2", nil, nil))
	assert.Equal(t, StatusInProgress, s.Status)
	waitRound(t, mgr, s)

	require.NoError(t, mgr.ReportGameFinished(m.RoomID, "p1", nil, nil))
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, "2-1", res.summaries[0].FinalScore)
	assert.Len(t, s.Games, 3)
}

func TestDuplicateGameFinishedIsDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	repo := store.NewRedisRepository(rdb, time.Hour, 30*time.Minute)
	// A long inter-game delay keeps the round closed while the duplicate
	// arrives.
	mgr := NewManager(&stubChannel{}, &stubResults{}, repo, time.Hour, time.Hour)
	m := startedMatch(t, repo)

	s, err := mgr.Create(m, 5)
	require.NoError(t, err)

	require.NoError(t, mgr.ReportGameFinished(m.RoomID, "p1", nil, nil))
	games, p1 := len(s.Games), s.P1Wins

	require.NoError(t, mgr.ReportGameFinished(m.RoomID, "p2", nil, nil))
	assert.Equal(t, games, len(s.Games), "duplicate must not append a result")
	assert.Equal(t, p1, s.P1Wins, "duplicate must not change the score")
}

func TestUnknownWinnerIsRejected(t *testing.T) {
	mgr, ch, _, repo := newTestManager(t)
	m := startedMatch(t, repo)

	s, err := mgr.Create(m, 3)
	require.NoError(t, err)

	// A winner id naming neither participant must not close the round,
	// score a win, or reach the ledger.
	err = mgr.ReportGameFinished(m.RoomID, "p999", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownWinner)

	assert.True(t, s.RoundActive)
	assert.Empty(t, s.Games)
	assert.Equal(t, 0, s.P1Wins)
	assert.Equal(t, 0, s.P2Wins)
	assert.Empty(t, ch.named("series.gameResult"))

	// The round is still open for the legitimate result.
	require.NoError(t, mgr.ReportGameFinished(m.RoomID, "p1", nil, nil))
	assert.Equal(t, 1, s.P1Wins)
}

func TestNextGameReopensRound(t *testing.T) {
	mgr, ch, _, repo := newTestManager(t)
	m := startedMatch(t, repo)

	s, err := mgr.Create(m, 3)
	require.NoError(t, err)

	require.NoError(t, mgr.ReportGameFinished(m.RoomID, "p2", nil, nil))
	assert.Equal(t, 2, s.CurrentGameNumber)

	// Delay is zero; the timer fires almost immediately.
	require.Eventually(t, func() bool {
		mgr.mu.RLock()
		defer mgr.mu.RUnlock()
		return s.RoundActive
	}, time.Second, 5*time.Millisecond)

	assert.NotEmpty(t, ch.named("series.nextGame"))
}

func TestForfeitAwardsWinsRequiredToZero(t *testing.T) {
	mgr, ch, res, repo := newTestManager(t)
	m := startedMatch(t, repo)

	s, err := mgr.Create(m, 3)
	require.NoError(t, err)

	// Player1 leads 1-0, then player2 disconnects: the final score must
	// reflect winsRequired for player1, not the partial 1-0.
	require.NoError(t, mgr.ReportGameFinished(m.RoomID, "p1", nil, nil))
	require.NoError(t, mgr.ResolveForfeit(m.RoomID, "conn2"))

	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, 2, s.P1Wins)
	assert.Equal(t, 0, s.P2Wins)
	require.Len(t, res.summaries, 1)
	assert.Equal(t, "2-0", res.summaries[0].FinalScore)
	assert.True(t, res.summaries[0].Forfeit)
	require.Len(t, ch.named("series.matchEnd"), 1)
}

func TestForfeitAfterCompletionIsNoOp(t *testing.T) {
	mgr, _, res, repo := newTestManager(t)
	m := startedMatch(t, repo)

	s, err := mgr.Create(m, 3)
	require.NoError(t, err)

	require.NoError(t, mgr.ReportGameFinished(m.RoomID, "p1", nil, nil))
	waitRound(t, mgr, s)
	require.NoError(t, mgr.ReportGameFinished(m.RoomID, "p1", nil, nil))
	require.NoError(t, mgr.ResolveForfeit(m.RoomID, "conn2"))

	assert.Equal(t, 1, res.calls, "a late forfeit must not persist twice")
}

func TestCompletionMarksMatchCompleted(t *testing.T) {
	mgr, _, _, repo := newTestManager(t)
	m := startedMatch(t, repo)

	_, err := mgr.Create(m, 1)
	require.NoError(t, err)
	require.NoError(t, mgr.ReportGameFinished(m.RoomID, "p2", nil, nil))

	got, err := repo.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
}

func TestRetentionCleanupRemovesRecords(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	repo := store.NewRedisRepository(rdb, time.Hour, 30*time.Minute)
	mgr := NewManager(&stubChannel{}, &stubResults{}, repo, 0, 10*time.Millisecond)

	m := startedMatch(t, repo)
	_, err := mgr.Create(m, 1)
	require.NoError(t, err)
	require.NoError(t, mgr.ReportGameFinished(m.RoomID, "p1", nil, nil))

	require.Eventually(t, func() bool {
		if mgr.Count() != 0 {
			return false
		}
		_, err := repo.Get(context.Background(), m.ID)
		return err == store.ErrNotFound
	}, time.Second, 10*time.Millisecond)

	assert.Empty(t, mgr.RoomForConnection("conn1"))
}

func TestRoomForConnection(t *testing.T) {
	mgr, _, _, repo := newTestManager(t)
	m := startedMatch(t, repo)

	_, err := mgr.Create(m, 3)
	require.NoError(t, err)

	assert.Equal(t, m.RoomID, mgr.RoomForConnection("conn1"))
	assert.Equal(t, m.RoomID, mgr.RoomForConnection("conn2"))
	assert.Empty(t, mgr.RoomForConnection("stranger"))
}
