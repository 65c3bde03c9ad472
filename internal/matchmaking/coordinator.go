package matchmaking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/blockduel/backend/internal/identity"
	"github.com/blockduel/backend/internal/pieces"
	"github.com/blockduel/backend/internal/rating"
	"github.com/blockduel/backend/internal/series"
	"github.com/blockduel/backend/internal/store"
	"github.com/blockduel/backend/internal/transport"
)

// Errors
var (
	ErrAwaitingConfirmation = errors.New("player has a match awaiting confirmation")
	ErrNoCandidate          = errors.New("no candidate match for connection")
)

// Config holds the matchmaking knobs.
type Config struct {
	TickInterval       time.Duration
	ConfirmWindow      time.Duration
	RankedBaseWindow   int
	RankedWindowGrowth int // rating points added per 10 seconds waited
	BestOf             int
	PiecePreview       int
	DisconnectGrace    time.Duration
}

// Coordinator owns the process-local matchmaking state: both queues, the
// candidate matches in confirmation, the penalty table and connection
// presence. All dependencies are constructor-injected so tests can run
// isolated coordinators.
type Coordinator struct {
	cfg       Config
	channel   transport.Channel
	repo      store.Repository
	ids       identity.Resolver
	ratings   rating.Provider
	series    *series.Manager
	penalties *PenaltyTable

	mu         sync.Mutex
	casual     []*QueueEntry
	ranked     []*QueueEntry
	candidates map[string]*CandidateMatch
	byConn     map[string]string // connectionID -> candidate id
	presence   map[string]bool
}

// NewCoordinator wires a coordinator from its collaborators.
func NewCoordinator(cfg Config, channel transport.Channel, repo store.Repository, ids identity.Resolver, ratings rating.Provider, seriesMgr *series.Manager, penalties *PenaltyTable) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		channel:    channel,
		repo:       repo,
		ids:        ids,
		ratings:    ratings,
		series:     seriesMgr,
		penalties:  penalties,
		candidates: make(map[string]*CandidateMatch),
		byConn:     make(map[string]string),
		presence:   make(map[string]bool),
	}
}

// OnConnect records that a connection is live.
func (c *Coordinator) OnConnect(connectionID string) {
	c.mu.Lock()
	c.presence[connectionID] = true
	c.mu.Unlock()
}

// JoinQueue enters a connection into the requested queue. An entry already
// present for the same connection is removed first, so a rapid re-join never
// duplicates. Rejected while a penalty is active or while the connection has
// a candidate awaiting confirmation.
func (c *Coordinator) JoinQueue(ctx context.Context, connectionID string, mode store.Mode) error {
	id, err := c.ids.Resolve(connectionID)
	if err != nil {
		return err
	}

	if remaining := c.penalties.Remaining(id.AccountID); remaining > 0 {
		c.channel.Send(connectionID, transport.EventQueuePenalty, transport.Penalty{
			DurationSeconds: int(remaining.Seconds()) + 1,
		})
		return &PenalizedError{Remaining: remaining}
	}

	var playerRating int
	if mode == store.ModeRanked {
		playerRating, err = c.ratings.Rating(id.AccountID)
		if err != nil {
			log.WithField("account_id", id.AccountID).Errorf("rating lookup failed, using default: %v", err)
			playerRating = rating.DefaultRating
		}
	}

	c.mu.Lock()
	if _, inCandidate := c.byConn[connectionID]; inCandidate {
		c.mu.Unlock()
		return ErrAwaitingConfirmation
	}
	c.casual, _ = removeByConnection(c.casual, connectionID)
	c.ranked, _ = removeByConnection(c.ranked, connectionID)

	entry := &QueueEntry{
		ConnectionID: connectionID,
		AccountID:    id.AccountID,
		DisplayName:  id.Username,
		Mode:         mode,
		Rating:       playerRating,
		EnqueuedAt:   time.Now(),
	}
	var position int
	if mode == store.ModeRanked {
		c.ranked = append(c.ranked, entry)
		position = len(c.ranked)
	} else {
		c.casual = append(c.casual, entry)
		position = len(c.casual)
	}
	c.mu.Unlock()

	log.WithField("connection_id", connectionID).Infof("queued: mode=%s position=%d", mode, position)
	c.channel.Send(connectionID, transport.EventQueueJoined, transport.QueueJoined{
		Mode:     string(mode),
		Position: position,
	})
	return nil
}

// LeaveQueue removes a connection from whichever queue holds it. A cancel
// from a player already inside a candidate match is an implicit decline.
func (c *Coordinator) LeaveQueue(connectionID string) {
	c.mu.Lock()
	if _, inCandidate := c.byConn[connectionID]; inCandidate {
		c.mu.Unlock()
		c.Decline(connectionID)
		return
	}
	var removed bool
	c.casual, removed = removeByConnection(c.casual, connectionID)
	if !removed {
		c.ranked, _ = removeByConnection(c.ranked, connectionID)
	}
	c.mu.Unlock()
}

// Tick re-evaluates both queues. Runs on a fixed interval so lone ranked
// entries are re-tested against their widening window even with no queue
// traffic.
func (c *Coordinator) Tick(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	casualPairs, casualRest := pairCasual(c.casual)
	c.casual = casualRest
	rankedPairs, rankedRest := pairRanked(c.ranked, c.cfg.RankedBaseWindow, c.cfg.RankedWindowGrowth, now)
	c.ranked = rankedRest

	var created []*CandidateMatch
	for _, p := range casualPairs {
		created = append(created, c.createCandidateLocked(p, store.ModeCasual))
	}
	for _, p := range rankedPairs {
		created = append(created, c.createCandidateLocked(p, store.ModeRanked))
	}
	c.mu.Unlock()

	for _, cand := range created {
		c.notifyFound(cand)
	}
}

// createCandidateLocked registers a candidate for a pair and arms its
// confirmation timer. Caller holds c.mu.
func (c *Coordinator) createCandidateLocked(p pair, mode store.Mode) *CandidateMatch {
	cand := newCandidate(p.a, p.b, mode, c.cfg.BestOf)
	c.candidates[cand.ID] = cand
	c.byConn[p.a.ConnectionID] = cand.ID
	c.byConn[p.b.ConnectionID] = cand.ID

	candID := cand.ID
	cand.timer = time.AfterFunc(c.cfg.ConfirmWindow, func() {
		c.confirmTimeout(candID)
	})

	log.WithField("candidate_id", cand.ID).Infof("candidate formed: mode=%s %s vs %s", mode, p.a.ConnectionID, p.b.ConnectionID)
	return cand
}

// notifyFound sends role-tagged matchFound payloads to both sides.
func (c *Coordinator) notifyFound(cand *CandidateMatch) {
	timeout := int(c.cfg.ConfirmWindow.Seconds())
	c.channel.Send(cand.PlayerA.ConnectionID, transport.EventQueueMatchFound, transport.MatchFound{
		MatchID:        cand.ID,
		Opponent:       cand.PlayerB.DisplayName,
		TimeoutSeconds: timeout,
		BestOf:         cand.BestOf,
		Mode:           string(cand.Mode),
	})
	c.channel.Send(cand.PlayerB.ConnectionID, transport.EventQueueMatchFound, transport.MatchFound{
		MatchID:        cand.ID,
		Opponent:       cand.PlayerA.DisplayName,
		TimeoutSeconds: timeout,
		BestOf:         cand.BestOf,
		Mode:           string(cand.Mode),
	})
}

// Accept records a confirmation. When both sides have accepted, the match
// starts: room join, shared-store match creation, series creation.
func (c *Coordinator) Accept(ctx context.Context, connectionID string) error {
	c.mu.Lock()
	candID, ok := c.byConn[connectionID]
	if !ok {
		c.mu.Unlock()
		// The candidate already dissolved; benign race.
		return ErrNoCandidate
	}
	cand := c.candidates[candID]
	cand.Confirmed[connectionID] = true
	if len(cand.Confirmed) < 2 {
		c.mu.Unlock()
		c.channel.Send(connectionID, transport.EventQueueWaiting, transport.WaitingForOpponent{MatchID: cand.ID})
		return nil
	}

	cand.cancelTimer()
	delete(c.candidates, cand.ID)
	delete(c.byConn, cand.PlayerA.ConnectionID)
	delete(c.byConn, cand.PlayerB.ConnectionID)
	c.mu.Unlock()

	return c.startMatch(ctx, cand)
}

// Decline dissolves the caller's candidate: the decliner is penalized, the
// other side is notified and re-queued with a fresh search start.
func (c *Coordinator) Decline(connectionID string) {
	c.mu.Lock()
	candID, ok := c.byConn[connectionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	cand := c.candidates[candID]
	c.removeCandidateLocked(cand)
	c.mu.Unlock()

	c.dissolve(cand, map[string]bool{connectionID: true}, "")
}

// confirmTimeout fires when the confirmation window closes. The candidate
// may already be gone (accepted or declined) by the time the timer runs;
// re-validate before acting.
func (c *Coordinator) confirmTimeout(candID string) {
	c.mu.Lock()
	cand, ok := c.candidates[candID]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.removeCandidateLocked(cand)
	c.mu.Unlock()

	guilty := make(map[string]bool)
	for _, e := range cand.entries() {
		if !cand.Confirmed[e.ConnectionID] {
			guilty[e.ConnectionID] = true
		}
	}
	log.WithField("candidate_id", candID).Info("confirmation window expired")
	c.dissolve(cand, guilty, "")
}

// removeCandidateLocked unregisters a candidate and stops its timer. Caller
// holds c.mu.
func (c *Coordinator) removeCandidateLocked(cand *CandidateMatch) {
	cand.cancelTimer()
	delete(c.candidates, cand.ID)
	delete(c.byConn, cand.PlayerA.ConnectionID)
	delete(c.byConn, cand.PlayerB.ConnectionID)
}

// dissolve applies penalties to the guilty side(s) and re-queues innocents
// that are still connected. disconnectedConn marks a guilty party that
// dropped its connection: penalized the same, but unreachable and never
// re-queued.
func (c *Coordinator) dissolve(cand *CandidateMatch, guilty map[string]bool, disconnectedConn string) {
	for _, e := range cand.entries() {
		if guilty[e.ConnectionID] {
			duration := c.penalties.RecordDecline(e.AccountID)
			log.WithField("account_id", e.AccountID).Infof("decline penalty applied: %s", duration.Round(time.Second))
			if e.ConnectionID != disconnectedConn {
				c.channel.Send(e.ConnectionID, transport.EventQueuePenalty, transport.Penalty{
					DurationSeconds: int(duration.Seconds()),
				})
			}
			continue
		}

		c.mu.Lock()
		connected := c.presence[e.ConnectionID]
		if connected {
			requeued := &QueueEntry{
				ConnectionID: e.ConnectionID,
				AccountID:    e.AccountID,
				DisplayName:  e.DisplayName,
				Mode:         e.Mode,
				Rating:       e.Rating,
				EnqueuedAt:   time.Now(), // fresh search start
			}
			if e.Mode == store.ModeRanked {
				c.ranked = append(c.ranked, requeued)
			} else {
				c.casual = append(c.casual, requeued)
			}
		}
		c.mu.Unlock()
		c.channel.Send(e.ConnectionID, transport.EventQueueOpponentDecline, transport.OpponentDeclined{
			MatchID:  cand.ID,
			Requeued: connected,
		})
	}
}

// startMatch promotes a fully confirmed candidate: creates the shared match
// document, joins both connections to its room, creates the series, and
// announces the seed and piece preview.
func (c *Coordinator) startMatch(ctx context.Context, cand *CandidateMatch) error {
	m := store.NewMatch(playerStateFrom(cand.PlayerA), cand.Mode, 2)
	if err := c.repo.CreateMatch(ctx, m); err != nil {
		return c.failStart(ctx, cand, nil, err)
	}
	updated, err := c.repo.AddPlayer(ctx, m.ID, playerStateFrom(cand.PlayerB))
	if err != nil {
		return c.failStart(ctx, cand, m, err)
	}
	m = updated

	c.channel.Join(cand.PlayerA.ConnectionID, m.RoomID)
	c.channel.Join(cand.PlayerB.ConnectionID, m.RoomID)

	if _, err := c.series.Create(m, cand.BestOf); err != nil {
		return c.failStart(ctx, cand, m, err)
	}

	preview := make([]string, 0, c.cfg.PiecePreview)
	for _, p := range pieces.NewGenerator(m.Seed).Take(c.cfg.PiecePreview) {
		preview = append(preview, string(p))
	}
	c.channel.Broadcast(m.RoomID, transport.EventMatchStarting, transport.MatchStarting{
		MatchID:       m.ID,
		RoomID:        m.RoomID,
		Seed:          m.Seed,
		BestOf:        cand.BestOf,
		InitialPieces: preview,
	})

	log.WithField("match_id", m.ID).Infof("match started: room=%s mode=%s seed=%d", m.RoomID, m.Mode, m.Seed)
	return nil
}

// failStart reports a store failure to both confirmed players and re-queues
// them; a broken start must not strand anyone. A partially created match
// document is torn down so later roster lookups cannot land on it.
func (c *Coordinator) failStart(ctx context.Context, cand *CandidateMatch, m *store.Match, err error) error {
	log.WithField("candidate_id", cand.ID).Errorf("match start failed: %v", err)
	if m != nil {
		c.channel.Leave(cand.PlayerA.ConnectionID, m.RoomID)
		c.channel.Leave(cand.PlayerB.ConnectionID, m.RoomID)
		if derr := c.repo.Delete(ctx, m.ID); derr != nil {
			log.WithField("match_id", m.ID).Errorf("failed to delete partial match: %v", derr)
		}
	}
	for _, e := range cand.entries() {
		c.channel.Send(e.ConnectionID, transport.EventError, transport.Error{Message: "failed to start match, please retry"})
	}
	c.dissolve(cand, map[string]bool{}, "")
	return err
}

func playerStateFrom(e *QueueEntry) store.PlayerState {
	return store.PlayerState{
		PlayerID:     "player_" + uuid.NewString()[:8],
		ConnectionID: e.ConnectionID,
		AccountID:    e.AccountID,
		DisplayName:  e.DisplayName,
	}
}

// HandleDisconnect reacts to transport-level loss of a connection: clears
// presence and queue membership unconditionally, treats an in-confirmation
// disconnect as a decline, forfeits any running series immediately, and opens
// the grace window for waiting matches.
func (c *Coordinator) HandleDisconnect(ctx context.Context, connectionID string) {
	c.mu.Lock()
	delete(c.presence, connectionID)
	c.casual, _ = removeByConnection(c.casual, connectionID)
	c.ranked, _ = removeByConnection(c.ranked, connectionID)

	var cand *CandidateMatch
	if candID, ok := c.byConn[connectionID]; ok {
		cand = c.candidates[candID]
		c.removeCandidateLocked(cand)
	}
	c.mu.Unlock()

	if cand != nil {
		log.WithField("candidate_id", cand.ID).Infof("connection %s lost during confirmation", connectionID)
		c.dissolve(cand, map[string]bool{connectionID: true}, connectionID)
	}

	// A running series has no reconnection grace: immediate forfeit.
	if roomID := c.series.RoomForConnection(connectionID); roomID != "" {
		if err := c.series.ResolveForfeit(roomID, connectionID); err != nil && err != series.ErrNotFound {
			log.WithField("room_id", roomID).Errorf("forfeit on disconnect failed: %v", err)
		}
		c.channel.Leave(connectionID, roomID)
		return
	}

	// Waiting matches keep the player marked disconnected for the grace
	// window; the sweeper force-ends if nobody comes back.
	m, err := c.repo.FindByConnection(ctx, connectionID)
	if err != nil {
		if err != store.ErrNotFound {
			log.WithField("connection_id", connectionID).Errorf("disconnect match lookup failed: %v", err)
		}
		return
	}
	if m.Status != store.StatusWaiting {
		return
	}
	p := m.PlayerByConnection(connectionID)
	if _, err := c.repo.MarkDisconnected(ctx, m.ID, p.PlayerID); err != nil && err != store.ErrNotFound {
		log.WithField("match_id", m.ID).Errorf("mark disconnected failed: %v", err)
		return
	}
	if opp := m.Opponent(p.PlayerID); opp != nil {
		c.channel.Send(opp.ConnectionID, transport.EventMatchOpponentLost, transport.OpponentDisconnected{
			MatchID:      m.ID,
			GraceSeconds: int(c.cfg.DisconnectGrace.Seconds()),
		})
	}
	log.WithField("match_id", m.ID).Infof("player %s disconnected, grace window armed", p.PlayerID)
}

// QueueCounts returns how many entries each queue holds.
func (c *Coordinator) QueueCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]int{
		string(store.ModeCasual): len(c.casual),
		string(store.ModeRanked): len(c.ranked),
	}
}

// StartTickWorker re-evaluates the queues on a fixed interval until the
// context is canceled.
func (c *Coordinator) StartTickWorker(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	log.Infof("matchmaking tick worker started (every %v)", c.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			log.Info("matchmaking tick worker stopped")
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// StartGraceSweeper force-ends waiting matches whose disconnected player
// never returned inside the grace window.
func (c *Coordinator) StartGraceSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepDisconnected(ctx)
		}
	}
}

// sweepDisconnected scans waiting matches for players whose grace window
// expired and ends the match for whoever stayed.
func (c *Coordinator) sweepDisconnected(ctx context.Context) {
	matches, err := c.repo.List(ctx)
	if err != nil {
		log.Errorf("grace sweep: list failed: %v", err)
		return
	}

	now := time.Now()
	for _, m := range matches {
		if m.Status != store.StatusWaiting {
			continue
		}
		expired := false
		for _, p := range m.Players {
			if !p.Alive && p.DisconnectedAt != nil && now.Sub(*p.DisconnectedAt) > c.cfg.DisconnectGrace {
				expired = true
				break
			}
		}
		if !expired || m.AliveCount() != 1 {
			continue
		}

		log.WithField("match_id", m.ID).Info("grace window expired, force-ending match")
		for _, p := range m.Players {
			if p.Alive {
				c.channel.Send(p.ConnectionID, transport.EventMatchForceEnd, transport.ForceEnd{
					MatchID: m.ID,
					Reason:  "opponent did not return",
				})
				c.channel.Leave(p.ConnectionID, m.RoomID)
			}
		}
		if err := c.repo.Delete(ctx, m.ID); err != nil {
			log.WithField("match_id", m.ID).Errorf("grace sweep: delete failed: %v", err)
		}
	}
}
