package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"duo-service/internal/service/queue"
	"duo-service/internal/service/relay"
	pkgAuth "duo-service/pkg/auth"
	appErr "duo-service/pkg/errors"
	"duo-service/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Handler struct {
	queueSvc *queue.Service
	relaySvc *relay.Service
}

func NewHandler(queueSvc *queue.Service, relaySvc *relay.Service) *Handler {
	return &Handler{queueSvc: queueSvc, relaySvc: relaySvc}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for dev
	},
}

// HandleLobbyWS attaches a lobby member to the signaling room for their
// match. Events read from the socket are relayed to the peer; events
// the peer publishes are written back out.
func (h *Handler) HandleLobbyWS(c *gin.Context) {
	matchIDStr := c.Param("matchId")
	matchID, err := strconv.ParseInt(matchIDStr, 10, 64)
	if err != nil || matchID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid match id"})
		return
	}

	token, err := getTokenFromRequest(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	claims, err := pkgAuth.ParseToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	userID := claims.UserID

	if err := h.queueSvc.ValidateLobbyAccess(c.Request.Context(), userID, matchID); err != nil {
		switch {
		case errors.Is(err, appErr.ErrUnauthorized):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		case errors.Is(err, appErr.ErrMatchNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "match not found"})
		case errors.Is(err, appErr.ErrLobbyAccessDenied):
			c.JSON(http.StatusForbidden, gin.H{"error": "lobby access denied"})
		case errors.Is(err, appErr.ErrLobbyClosed):
			c.JSON(http.StatusGone, gin.H{"error": "lobby closed"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to validate lobby access"})
		}
		return
	}

	events, err := h.relaySvc.Join(matchID, userID)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "lobby is full"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.relaySvc.Leave(matchID, userID)
		logger.Log.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	logger.Log.Info("New lobby WebSocket connection",
		zap.Int64("matchID", matchID),
		zap.Int64("userID", userID),
	)

	member := newMember(conn, userID, matchID, h.relaySvc, events)
	member.run()
}

func getTokenFromRequest(c *gin.Context) (string, error) {
	token := strings.TrimSpace(c.Query("token"))
	if token != "" {
		return token, nil
	}
	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			token = strings.TrimSpace(parts[1])
			if token != "" {
				return token, nil
			}
		}
	}
	return "", errors.New("missing token")
}

type member struct {
	conn      *websocket.Conn
	userID    int64
	matchID   int64
	relaySvc  *relay.Service
	inbound   <-chan relay.Event
	outbound  chan relay.Event
	done      chan struct{}
	pingEvery time.Duration
}

func newMember(conn *websocket.Conn, userID, matchID int64, relaySvc *relay.Service, inbound <-chan relay.Event) *member {
	conn.SetReadLimit(1 << 16)
	conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})
	return &member{
		conn:      conn,
		userID:    userID,
		matchID:   matchID,
		relaySvc:  relaySvc,
		inbound:   inbound,
		outbound:  make(chan relay.Event, 4),
		done:      make(chan struct{}),
		pingEvery: 25 * time.Second,
	}
}

func (m *member) run() {
	go m.writePump()
	m.readPump()
}

func (m *member) readPump() {
	defer func() {
		close(m.done)
		m.relaySvc.Leave(m.matchID, m.userID)
		m.conn.Close()
	}()

	for {
		mt, message, err := m.conn.ReadMessage()
		if err != nil {
			logger.Log.Info("lobby WS read error",
				zap.Error(err),
				zap.Int64("userID", m.userID),
				zap.Int64("matchID", m.matchID),
			)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		var event relay.Event
		if err := json.Unmarshal(message, &event); err != nil {
			m.safeWrite(relay.Event{Type: "error", Text: "invalid payload"})
			continue
		}

		switch event.Type {
		case relay.EventReady, relay.EventMessage, relay.EventCancel, relay.EventLaunch:
			if err := m.relaySvc.Publish(context.Background(), m.matchID, m.userID, event); err != nil {
				m.safeWrite(relay.Event{Type: "error", Text: "relay failed"})
			}
		case "ping":
			m.safeWrite(relay.Event{Type: "pong"})
		default:
			// Unknown event types are dropped, not relayed.
		}
	}
}

func (m *member) writePump() {
	ticker := time.NewTicker(m.pingEvery)
	defer func() {
		ticker.Stop()
		m.conn.Close()
	}()

	for {
		select {
		case event, ok := <-m.inbound:
			if !ok {
				return
			}
			if !m.writeEvent(event) {
				return
			}
		case event := <-m.outbound:
			if !m.writeEvent(event) {
				return
			}
		case <-ticker.C:
			if err := m.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-m.done:
			return
		}
	}
}

func (m *member) writeEvent(event relay.Event) bool {
	if err := m.conn.WriteJSON(event); err != nil {
		logger.Log.Info("lobby WS write error",
			zap.Error(err),
			zap.Int64("userID", m.userID),
			zap.Int64("matchID", m.matchID),
		)
		return false
	}
	return true
}

// safeWrite hands an event to the write pump; the socket has a single
// writer. A full buffer drops the event.
func (m *member) safeWrite(event relay.Event) {
	select {
	case m.outbound <- event:
	default:
	}
}
