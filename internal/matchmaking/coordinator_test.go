package matchmaking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockduel/backend/internal/identity"
	"github.com/blockduel/backend/internal/persist"
	"github.com/blockduel/backend/internal/rating"
	"github.com/blockduel/backend/internal/series"
	"github.com/blockduel/backend/internal/store"
	"github.com/blockduel/backend/internal/transport"
)

// recordChannel records every outbound event for assertions.
type recordChannel struct {
	mu     sync.Mutex
	events []recordedEvent
	rooms  map[string]map[string]bool
}

type recordedEvent struct {
	Target  string
	Name    string
	Payload interface{}
}

func newRecordChannel() *recordChannel {
	return &recordChannel{rooms: make(map[string]map[string]bool)}
}

func (c *recordChannel) Send(connectionID, event string, payload interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, recordedEvent{connectionID, event, payload})
}

func (c *recordChannel) Broadcast(roomID, event string, payload interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, recordedEvent{roomID, event, payload})
}

func (c *recordChannel) Join(connectionID, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rooms[roomID] == nil {
		c.rooms[roomID] = make(map[string]bool)
	}
	c.rooms[roomID][connectionID] = true
}

func (c *recordChannel) Leave(connectionID, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms[roomID], connectionID)
}

func (c *recordChannel) sentTo(target, name string) []recordedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []recordedEvent
	for _, e := range c.events {
		if e.Target == target && e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (c *recordChannel) named(name string) []recordedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []recordedEvent
	for _, e := range c.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// stubResolver resolves fixed identities per connection.
type stubResolver map[string]*identity.Identity

func (r stubResolver) Resolve(connectionID string) (*identity.Identity, error) {
	if id, ok := r[connectionID]; ok {
		return id, nil
	}
	return nil, identity.ErrNotAuthenticated
}

// countingResults counts persistence calls.
type countingResults struct {
	mu    sync.Mutex
	calls int
}

func (r *countingResults) SaveSeriesResult(ctx context.Context, summary persist.SeriesSummary, games []persist.GameStat) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return int64(r.calls), nil
}

type fixture struct {
	coord   *Coordinator
	channel *recordChannel
	repo    store.Repository
	series  *series.Manager
	results *countingResults
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	repo := store.NewRedisRepository(rdb, time.Hour, 30*time.Minute)
	ch := newRecordChannel()
	results := &countingResults{}
	seriesMgr := series.NewManager(ch, results, repo, 5*time.Millisecond, time.Hour)

	ids := stubResolver{
		"conn1": {AccountID: 11, Username: "Alice"},
		"conn2": {AccountID: 22, Username: "Bob"},
		"conn3": {AccountID: 33, Username: "Cara"},
	}
	ratings := rating.StaticProvider{11: 1500, 22: 1540, 33: 2100}
	penalties := NewPenaltyTable(30*time.Second, 2.0, 24*time.Hour)

	cfg := Config{
		TickInterval:       time.Second,
		ConfirmWindow:      time.Hour, // tests trigger timeouts explicitly
		RankedBaseWindow:   100,
		RankedWindowGrowth: 50,
		BestOf:             3,
		PiecePreview:       5,
		DisconnectGrace:    time.Minute,
	}
	coord := NewCoordinator(cfg, ch, repo, ids, ratings, seriesMgr, penalties)
	coord.OnConnect("conn1")
	coord.OnConnect("conn2")
	coord.OnConnect("conn3")
	return &fixture{coord: coord, channel: ch, repo: repo, series: seriesMgr, results: results}
}

func TestJoinQueueRequiresIdentity(t *testing.T) {
	f := newFixture(t)

	err := f.coord.JoinQueue(context.Background(), "ghost", store.ModeCasual)
	assert.ErrorIs(t, err, identity.ErrNotAuthenticated)
	assert.Equal(t, 0, f.coord.QueueCounts()["casual"])
}

func TestJoinQueueRapidRejoinKeepsOneEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.JoinQueue(ctx, "conn1", store.ModeCasual))
	require.NoError(t, f.coord.JoinQueue(ctx, "conn1", store.ModeRanked))

	counts := f.coord.QueueCounts()
	assert.Equal(t, 0, counts["casual"])
	assert.Equal(t, 1, counts["ranked"])
}

func TestCasualTickFormsCandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.JoinQueue(ctx, "conn1", store.ModeCasual))
	require.NoError(t, f.coord.JoinQueue(ctx, "conn2", store.ModeCasual))
	f.coord.Tick(ctx)

	assert.Len(t, f.channel.sentTo("conn1", transport.EventQueueMatchFound), 1)
	assert.Len(t, f.channel.sentTo("conn2", transport.EventQueueMatchFound), 1)

	// Queue exclusivity: paired entries left the queues.
	counts := f.coord.QueueCounts()
	assert.Equal(t, 0, counts["casual"]+counts["ranked"])

	// Opponent names are role-tagged.
	found := f.channel.sentTo("conn1", transport.EventQueueMatchFound)[0].Payload.(transport.MatchFound)
	assert.Equal(t, "Bob", found.Opponent)
}

func TestAcceptBothStartsMatchAndSeries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.JoinQueue(ctx, "conn1", store.ModeCasual))
	require.NoError(t, f.coord.JoinQueue(ctx, "conn2", store.ModeCasual))
	f.coord.Tick(ctx)

	require.NoError(t, f.coord.Accept(ctx, "conn1"))
	assert.Len(t, f.channel.sentTo("conn1", transport.EventQueueWaiting), 1)

	require.NoError(t, f.coord.Accept(ctx, "conn2"))

	starting := f.channel.named(transport.EventMatchStarting)
	require.Len(t, starting, 1)
	payload := starting[0].Payload.(transport.MatchStarting)
	assert.Len(t, payload.InitialPieces, 5)

	m, err := f.repo.Get(ctx, payload.MatchID)
	require.NoError(t, err)
	assert.Len(t, m.Players, 2)
	assert.Equal(t, store.StatusWaiting, m.Status)

	// Series exists for the room and both connections are in it.
	assert.Equal(t, payload.RoomID, f.series.RoomForConnection("conn1"))
	assert.Equal(t, payload.RoomID, f.series.RoomForConnection("conn2"))
	assert.Equal(t, 1, f.series.Count())
}

func TestDeclinePenalizesAndRequeuesOpponent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.JoinQueue(ctx, "conn1", store.ModeCasual))
	require.NoError(t, f.coord.JoinQueue(ctx, "conn2", store.ModeCasual))
	f.coord.Tick(ctx)

	f.coord.Decline("conn2")

	assert.Len(t, f.channel.sentTo("conn2", transport.EventQueuePenalty), 1)
	declined := f.channel.sentTo("conn1", transport.EventQueueOpponentDecline)
	require.Len(t, declined, 1)
	assert.True(t, declined[0].Payload.(transport.OpponentDeclined).Requeued)

	// The innocent party is back in the queue, the decliner is not.
	assert.Equal(t, 1, f.coord.QueueCounts()["casual"])

	// The decliner cannot re-join while the penalty runs.
	err := f.coord.JoinQueue(ctx, "conn2", store.ModeCasual)
	var pe *PenalizedError
	require.ErrorAs(t, err, &pe)
	assert.Greater(t, pe.Remaining, time.Duration(0))
}

func TestConfirmTimeoutPenalizesNonConfirmers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.JoinQueue(ctx, "conn1", store.ModeCasual))
	require.NoError(t, f.coord.JoinQueue(ctx, "conn2", store.ModeCasual))
	f.coord.Tick(ctx)

	// conn1 accepted, conn2 never answered.
	require.NoError(t, f.coord.Accept(ctx, "conn1"))

	f.coord.mu.Lock()
	var candID string
	for id := range f.coord.candidates {
		candID = id
	}
	f.coord.mu.Unlock()
	require.NotEmpty(t, candID)

	f.coord.confirmTimeout(candID)

	assert.Len(t, f.channel.sentTo("conn2", transport.EventQueuePenalty), 1)
	assert.Empty(t, f.channel.sentTo("conn1", transport.EventQueuePenalty))
	assert.Equal(t, 1, f.coord.QueueCounts()["casual"], "confirmer re-queued")

	// A stale timer firing again against the dissolved candidate is a
	// no-op.
	f.coord.confirmTimeout(candID)
	assert.Len(t, f.channel.sentTo("conn2", transport.EventQueuePenalty), 1)
}

func TestLeaveQueueInsideCandidateIsImplicitDecline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.JoinQueue(ctx, "conn1", store.ModeCasual))
	require.NoError(t, f.coord.JoinQueue(ctx, "conn2", store.ModeCasual))
	f.coord.Tick(ctx)

	f.coord.LeaveQueue("conn1")

	assert.Len(t, f.channel.sentTo("conn1", transport.EventQueuePenalty), 1)
	assert.Len(t, f.channel.sentTo("conn2", transport.EventQueueOpponentDecline), 1)
}

func TestDisconnectDuringConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.JoinQueue(ctx, "conn1", store.ModeCasual))
	require.NoError(t, f.coord.JoinQueue(ctx, "conn2", store.ModeCasual))
	f.coord.Tick(ctx)

	f.coord.HandleDisconnect(ctx, "conn2")

	// Penalized like a decline but unreachable: no penalty event is sent.
	assert.Empty(t, f.channel.sentTo("conn2", transport.EventQueuePenalty))
	assert.Greater(t, f.coord.penalties.Remaining(22), time.Duration(0))

	// The innocent party is notified and re-queued.
	assert.Len(t, f.channel.sentTo("conn1", transport.EventQueueOpponentDecline), 1)
	assert.Equal(t, 1, f.coord.QueueCounts()["casual"])
}

// faultyRepo fails AddPlayer while delegating everything else.
type faultyRepo struct {
	store.Repository
}

func (r *faultyRepo) AddPlayer(ctx context.Context, matchID string, p store.PlayerState) (*store.Match, error) {
	return nil, errors.New("store unavailable")
}

func TestFailedStartTearsDownPartialMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.coord.repo = &faultyRepo{Repository: f.repo}
	require.NoError(t, f.coord.JoinQueue(ctx, "conn1", store.ModeCasual))
	require.NoError(t, f.coord.JoinQueue(ctx, "conn2", store.ModeCasual))
	f.coord.Tick(ctx)

	require.NoError(t, f.coord.Accept(ctx, "conn1"))
	require.Error(t, f.coord.Accept(ctx, "conn2"))

	// The half-built document must not survive the failure.
	matches, err := f.repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Both players are told and re-queued; nobody is stranded.
	assert.Len(t, f.channel.sentTo("conn1", transport.EventError), 1)
	assert.Len(t, f.channel.sentTo("conn2", transport.EventError), 1)
	assert.Equal(t, 2, f.coord.QueueCounts()["casual"])
	assert.Equal(t, 0, f.series.Count())
}

func TestRankedEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Ratings 1500 and 1540 sit inside the base window of 100.
	require.NoError(t, f.coord.JoinQueue(ctx, "conn1", store.ModeRanked))
	require.NoError(t, f.coord.JoinQueue(ctx, "conn2", store.ModeRanked))
	f.coord.Tick(ctx)

	require.NoError(t, f.coord.Accept(ctx, "conn1"))
	require.NoError(t, f.coord.Accept(ctx, "conn2"))

	starting := f.channel.named(transport.EventMatchStarting)
	require.Len(t, starting, 1)
	payload := starting[0].Payload.(transport.MatchStarting)
	assert.Equal(t, 3, payload.BestOf)

	s, err := f.series.Get(payload.RoomID)
	require.NoError(t, err)

	// Account 11 wins two straight games.
	winner := s.Player1.PlayerID
	if s.Player1.AccountID != 11 {
		winner = s.Player2.PlayerID
	}
	require.NoError(t, f.series.ReportGameFinished(payload.RoomID, winner, json.RawMessage(`{"lines":40}`), nil))
	require.Eventually(t, func() bool {
		return len(f.channel.named(transport.EventSeriesNextGame)) == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, f.series.ReportGameFinished(payload.RoomID, winner, nil, nil))

	assert.Equal(t, series.StatusCompleted, s.Status)
	ends := f.channel.named(transport.EventSeriesMatchEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "2-0", ends[0].Payload.(transport.SeriesEnd).FinalScore)
	assert.Equal(t, 1, f.results.calls, "persistence must be invoked exactly once")
}

func TestRankedFarApartNotPairedUntilWindowGrows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 1540 vs 2100: 560 apart, base window 100.
	require.NoError(t, f.coord.JoinQueue(ctx, "conn2", store.ModeRanked))
	require.NoError(t, f.coord.JoinQueue(ctx, "conn3", store.ModeRanked))
	f.coord.Tick(ctx)
	assert.Empty(t, f.channel.named(transport.EventQueueMatchFound))

	// Age conn2's search so its window covers the gap:
	// 100 + 50 * (100s/10s) = 600.
	f.coord.mu.Lock()
	f.coord.ranked[0].EnqueuedAt = time.Now().Add(-100 * time.Second)
	f.coord.mu.Unlock()

	f.coord.Tick(ctx)
	assert.Len(t, f.channel.named(transport.EventQueueMatchFound), 2)
}

func TestDisconnectForfeitsRunningSeries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.JoinQueue(ctx, "conn1", store.ModeCasual))
	require.NoError(t, f.coord.JoinQueue(ctx, "conn2", store.ModeCasual))
	f.coord.Tick(ctx)
	require.NoError(t, f.coord.Accept(ctx, "conn1"))
	require.NoError(t, f.coord.Accept(ctx, "conn2"))

	roomID := f.series.RoomForConnection("conn2")
	require.NotEmpty(t, roomID)
	s, err := f.series.Get(roomID)
	require.NoError(t, err)

	f.coord.HandleDisconnect(ctx, "conn2")

	assert.Equal(t, series.StatusCompleted, s.Status)
	ends := f.channel.named(transport.EventSeriesMatchEnd)
	require.Len(t, ends, 1)
	end := ends[0].Payload.(transport.SeriesEnd)
	assert.Equal(t, s.Player1.PlayerID, end.Winner)
	assert.Equal(t, "2-0", end.FinalScore)
}

func TestDisconnectFromWaitingMatchOpensGraceWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A waiting match not driven by the confirmation flow (invite-style
	// room): conn1 hosts, conn2 joined.
	m := store.NewMatch(store.PlayerState{
		PlayerID: "p1", ConnectionID: "conn1", AccountID: 11,
	}, store.ModeCasual, 2)
	require.NoError(t, f.repo.CreateMatch(ctx, m))
	_, err := f.repo.AddPlayer(ctx, m.ID, store.PlayerState{
		PlayerID: "p2", ConnectionID: "conn2", AccountID: 22,
	})
	require.NoError(t, err)

	f.coord.HandleDisconnect(ctx, "conn2")

	got, err := f.repo.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, got.Player("p2").Alive)
	lost := f.channel.sentTo("conn1", transport.EventMatchOpponentLost)
	require.Len(t, lost, 1)
	assert.Equal(t, 60, lost[0].Payload.(transport.OpponentDisconnected).GraceSeconds)
}

func TestGraceSweeperForceEndsExpiredMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := store.NewMatch(store.PlayerState{
		PlayerID: "p1", ConnectionID: "conn1", AccountID: 11,
	}, store.ModeCasual, 2)
	require.NoError(t, f.repo.CreateMatch(ctx, m))
	_, err := f.repo.AddPlayer(ctx, m.ID, store.PlayerState{
		PlayerID: "p2", ConnectionID: "conn2", AccountID: 22,
	})
	require.NoError(t, err)
	_, err = f.repo.MarkDisconnected(ctx, m.ID, "p2")
	require.NoError(t, err)

	// Not yet expired: sweep does nothing.
	f.coord.sweepDisconnected(ctx)
	_, err = f.repo.Get(ctx, m.ID)
	require.NoError(t, err)

	// Age the disconnect past the grace window.
	past := time.Now().Add(-2 * time.Minute)
	got, err := f.repo.Get(ctx, m.ID)
	require.NoError(t, err)
	got.Player("p2").DisconnectedAt = &past
	require.NoError(t, f.repo.Delete(ctx, m.ID))
	require.NoError(t, f.repo.CreateMatch(ctx, got))

	f.coord.sweepDisconnected(ctx)

	_, err = f.repo.Get(ctx, m.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, f.channel.sentTo("conn1", transport.EventMatchForceEnd), 1)
}
