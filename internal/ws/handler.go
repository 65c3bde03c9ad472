package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/blockduel/backend/internal/identity"
	"github.com/blockduel/backend/internal/matchmaking"
	"github.com/blockduel/backend/internal/series"
	"github.com/blockduel/backend/internal/store"
	"github.com/blockduel/backend/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy enforced by the edge proxy
	},
}

// Inbound message data types.
type joinQueueData struct {
	Mode string `json:"mode"`
}

type readyData struct {
	Ready bool `json:"ready"`
}

type gameFinishedData struct {
	WinnerPlayerID string          `json:"winner_player_id"`
	Player1Stats   json.RawMessage `json:"player1_stats"`
	Player2Stats   json.RawMessage `json:"player2_stats"`
}

type garbageData struct {
	Lines int `json:"lines"`
}

type boardData struct {
	Board          json.RawMessage `json:"board"`
	Combo          int             `json:"combo"`
	BackToBack     int             `json:"b2b"`
	PendingGarbage int             `json:"pending_garbage"`
}

// Handler wires websocket traffic into the coordinator, the series manager
// and the shared store.
type Handler struct {
	hub    *Hub
	coord  *matchmaking.Coordinator
	series *series.Manager
	repo   store.Repository
	ids    *identity.Registry
}

// NewHandler wires the handler onto an existing hub; the hub's lifecycle
// hooks route through the coordinator from here on. Run the hub with
// hub.Run() on its own goroutine before serving connections.
func NewHandler(hub *Hub, coord *matchmaking.Coordinator, seriesMgr *series.Manager, repo store.Repository, ids *identity.Registry) *Handler {
	h := &Handler{
		hub:    hub,
		coord:  coord,
		series: seriesMgr,
		repo:   repo,
		ids:    ids,
	}
	hub.setLifecycleHooks(h.onRegister, h.onUnregister)
	return h
}

// Hub exposes the hub as the outbound channel and for running its loop.
func (h *Handler) Hub() *Hub {
	return h.hub
}

// HandleWebSocket authenticates and upgrades a connection. The connection id
// is derived from the account, so a second socket for the same account
// replaces the first instead of acting as a separate player.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
		return
	}
	id, err := h.ids.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	connectionID := fmt.Sprintf("conn_%d", id.AccountID)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("ws: upgrade failed: %v", err)
		return
	}
	h.ids.Attach(connectionID, id)

	client := &Client{
		hub:          h.hub,
		handler:      h,
		conn:         conn,
		connectionID: connectionID,
		accountID:    id.AccountID,
		username:     id.Username,
		send:         make(chan []byte, sendBufferSize),
	}
	h.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// onRegister runs when a connection is established or replaced. A
// reconnecting player still on a match roster is revived there and rejoined
// to the room.
func (h *Handler) onRegister(connectionID string, reconnect bool) {
	h.coord.OnConnect(connectionID)
	if !reconnect {
		return
	}

	ctx := context.Background()
	if roomID := h.series.RoomForConnection(connectionID); roomID != "" {
		h.hub.Join(connectionID, roomID)
	}
	m, err := h.repo.FindByConnection(ctx, connectionID)
	if err != nil {
		return
	}
	p := m.PlayerByConnection(connectionID)
	if p == nil || p.Alive {
		return
	}
	if _, err := h.repo.AddPlayer(ctx, m.ID, *p); err != nil {
		log.WithField("match_id", m.ID).Errorf("revive on reconnect failed: %v", err)
		return
	}
	h.hub.Join(connectionID, m.RoomID)
	log.WithField("match_id", m.ID).Infof("player %s reconnected inside grace window", p.PlayerID)
}

// onUnregister runs when a connection is definitively lost.
func (h *Handler) onUnregister(connectionID string) {
	h.coord.HandleDisconnect(context.Background(), connectionID)
	h.ids.Clear(connectionID)
}

// handleMessage dispatches one inbound message.
func (h *Handler) handleMessage(c *Client, msg clientMessage) {
	ctx := context.Background()

	switch msg.Type {
	case "queue.join":
		var data joinQueueData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError("invalid queue.join data")
			return
		}
		mode := store.Mode(data.Mode)
		if mode != store.ModeCasual && mode != store.ModeRanked {
			c.sendError("unknown queue mode")
			return
		}
		if err := h.coord.JoinQueue(ctx, c.connectionID, mode); err != nil {
			var pe *matchmaking.PenalizedError
			if errors.As(err, &pe) {
				// queue.penalty was already sent.
				return
			}
			c.sendError(err.Error())
		}

	case "queue.leave":
		h.coord.LeaveQueue(c.connectionID)

	case "match.accept":
		if err := h.coord.Accept(ctx, c.connectionID); err != nil && err != matchmaking.ErrNoCandidate {
			c.sendError(err.Error())
		}

	case "match.decline":
		h.coord.Decline(c.connectionID)

	case "match.ready":
		var data readyData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError("invalid match.ready data")
			return
		}
		h.handleReady(ctx, c, data.Ready)

	case "match.forfeit":
		roomID := h.series.RoomForConnection(c.connectionID)
		if roomID == "" {
			c.sendError("no active match")
			return
		}
		if err := h.series.ResolveForfeit(roomID, c.connectionID); err != nil {
			c.sendError(err.Error())
		}

	case "game.topout":
		h.handleTopout(ctx, c)

	case "game.finished":
		var data gameFinishedData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError("invalid game.finished data")
			return
		}
		roomID := h.series.RoomForConnection(c.connectionID)
		if roomID == "" {
			c.sendError("no active match")
			return
		}
		if err := h.series.ReportGameFinished(roomID, data.WinnerPlayerID, data.Player1Stats, data.Player2Stats); err != nil {
			c.sendError(err.Error())
		}

	case "game.garbage":
		var data garbageData
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.Lines <= 0 {
			c.sendError("invalid game.garbage data")
			return
		}
		h.relayGarbage(c, data.Lines)

	case "game.board":
		var data boardData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError("invalid game.board data")
			return
		}
		h.relayBoard(ctx, c, data)

	default:
		c.sendError("unknown message type")
	}
}

// handleReady flips the caller's ready flag; when the flip completes the
// roster the match moves to in-progress and the room is told to start.
func (h *Handler) handleReady(ctx context.Context, c *Client, ready bool) {
	m, err := h.repo.FindByConnection(ctx, c.connectionID)
	if err != nil {
		c.sendError("no active match")
		return
	}
	p := m.PlayerByConnection(c.connectionID)
	m, statusChanged, err := h.repo.SetPlayerReady(ctx, m.ID, p.PlayerID, ready)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if statusChanged {
		h.hub.Broadcast(m.RoomID, transport.EventSeriesNextGame, transport.NextGame{GameNumber: 1})
		log.WithField("match_id", m.ID).Info("all players ready, match in progress")
	}
}

// handleTopout resolves a topout report against the shared store and feeds
// the outcome to the series. Both players reporting the same topout is fine;
// the series drops the duplicate.
func (h *Handler) handleTopout(ctx context.Context, c *Client) {
	roomID := h.series.RoomForConnection(c.connectionID)
	if roomID == "" {
		c.sendError("no active match")
		return
	}
	s, err := h.series.Get(roomID)
	if err != nil {
		c.sendError("no active match")
		return
	}
	result, err := h.repo.ResolveTopout(ctx, s.MatchID, c.connectionID)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if result == nil {
		return
	}
	if err := h.series.ReportGameFinished(roomID, result.WinnerID, nil, nil); err != nil {
		c.sendError(err.Error())
	}
}

// relayGarbage forwards attack lines to the opponent.
func (h *Handler) relayGarbage(c *Client, lines int) {
	me, opp, ok := h.sides(c.connectionID)
	if !ok {
		c.sendError("no active match")
		return
	}
	h.hub.Send(opp.ConnectionID, transport.EventGarbage, transport.Garbage{
		From:  me.PlayerID,
		Lines: lines,
	})
}

// relayBoard updates the caller's public counters and mirrors the board to
// the opponent.
func (h *Handler) relayBoard(ctx context.Context, c *Client, data boardData) {
	me, opp, ok := h.sides(c.connectionID)
	if !ok {
		c.sendError("no active match")
		return
	}
	s, err := h.series.Get(h.series.RoomForConnection(c.connectionID))
	if err != nil {
		c.sendError("no active match")
		return
	}
	if _, err := h.repo.UpdatePlayerCounters(ctx, s.MatchID, me.PlayerID, data.Combo, data.BackToBack, data.PendingGarbage); err != nil && err != store.ErrNotFound {
		log.WithField("match_id", s.MatchID).Errorf("counter update failed: %v", err)
	}
	h.hub.Send(opp.ConnectionID, transport.EventBoardState, transport.BoardState{
		From:       me.PlayerID,
		Board:      data.Board,
		Combo:      data.Combo,
		BackToBack: data.BackToBack,
	})
}

// sides returns the caller's and the opponent's series participants.
func (h *Handler) sides(connectionID string) (me, opp series.Participant, ok bool) {
	roomID := h.series.RoomForConnection(connectionID)
	if roomID == "" {
		return me, opp, false
	}
	s, err := h.series.Get(roomID)
	if err != nil {
		return me, opp, false
	}
	if s.Player1.ConnectionID == connectionID {
		return s.Player1, s.Player2, true
	}
	return s.Player2, s.Player1, true
}
