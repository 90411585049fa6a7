package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/focuscall/backend/internal/analysis"
	"github.com/focuscall/backend/internal/auth"
	"github.com/focuscall/backend/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	// maxFrameMessage bounds inbound messages; frames arrive base64 encoded.
	maxFrameMessage = 1 << 21
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// UserSource resolves the account behind a validated token.
type UserSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Client represents a single WebSocket connection.
type Client struct {
	ID   string
	User models.UserPublic

	registry *Registry
	rooms    *RoomManager
	conn     *websocket.Conn
	send     chan WSMessage
	logger   *zap.Logger

	frameSeq atomic.Int64

	bridgeMu sync.Mutex
	bridge   AnalysisSession
}

// ServeWs authenticates the token query parameter, upgrades the connection
// and runs the client loop. Invalid tokens are refused before the upgrade.
func ServeWs(registry *Registry, rooms *RoomManager, jwtService *auth.JWTService, users UserSource, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		user, err := users.GetByID(c.Request.Context(), claims.UserID)
		if err != nil || user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:       uuid.New().String(),
			User:     user.ToPublic(),
			registry: registry,
			rooms:    rooms,
			conn:     conn,
			send:     make(chan WSMessage, 256),
			logger:   logger,
		}
		registry.Admit(client)
		go client.writePump()
		client.readPump()
	}
}

// Send queues an event for delivery. Slow consumers lose messages instead of
// blocking the sender.
func (c *Client) Send(event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return
		}
	}
	select {
	case c.send <- WSMessage{Event: event, Data: data}:
	default:
		// buffer full, skip
	}
}

func (c *Client) sendError(code, message string) {
	c.Send(EventError, ErrorEvent{Code: code, Message: message})
}

func (c *Client) readPump() {
	defer func() {
		c.closeBridge()
		c.rooms.Leave(c)
		c.registry.Remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg WSMessage) {
	switch msg.Event {
	case EventJoin:
		var req JoinRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.RoomID == "" {
			c.sendError("invalid_payload", "join requires a room_id")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		err := c.rooms.Join(ctx, c, req.RoomID)
		cancel()
		if err == ErrRoomFull {
			c.sendError("room_full", "room has reached its member limit")
		}
	case EventLeave:
		c.closeBridge()
		c.rooms.Leave(c)
	case EventOffer, EventAnswer, EventCandidate:
		var req SignalRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.Target == "" {
			return
		}
		c.rooms.Relay(c, msg.Event, req)
	case EventSubmitFrame:
		var req FrameRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return
		}
		c.submitFrame(req)
	case EventToggleAnalysis:
		var req ToggleAnalysisRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return
		}
		if err := c.rooms.ToggleAnalysis(context.Background(), c, req.Enabled); err != nil {
			c.sendError("not_in_room", "join a room before toggling analysis")
		}
	case EventEndSession:
		if err := c.rooms.EndSession(c); err != nil {
			c.sendError("not_in_room", "join a room before ending a session")
		}
	default:
		// ignore
	}
}

// submitFrame decodes one frame and hands it to the analysis session. Frames
// arriving while analysis is off, or when no engine is configured, are
// dropped silently.
func (c *Client) submitFrame(req FrameRequest) {
	roomID, ok := c.rooms.RoomOf(c.ID)
	if !ok || !c.rooms.AnalysisEnabled(roomID) {
		return
	}

	raw := req.ImageData
	if i := strings.IndexByte(raw, ','); i >= 0 && strings.HasPrefix(raw, "data:") {
		raw = raw[i+1:]
	}
	image, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(image) == 0 {
		return
	}

	c.bridgeMu.Lock()
	bridge := c.bridge
	c.bridgeMu.Unlock()
	if bridge == nil || bridge.Closed() {
		// engine may have dropped the connection; reopen lazily
		c.openBridge(context.Background(), c.rooms, roomID)
		c.bridgeMu.Lock()
		bridge = c.bridge
		c.bridgeMu.Unlock()
		if bridge == nil {
			return
		}
	}

	format := req.Format
	if format == "" {
		format = "jpeg"
	}
	bridge.SubmitFrame(analysis.FrameMeta{
		SessionID:     roomID,
		ParticipantID: c.ID,
		Name:          c.User.FullName,
		Seq:           c.frameSeq.Add(1),
		TimestampMS:   time.Now().UnixMilli(),
		Width:         req.Width,
		Height:        req.Height,
		Format:        format,
	}, image)
}

func (c *Client) openBridge(ctx context.Context, m *RoomManager, roomID string) {
	if m.engine == nil || !m.engine.Enabled() {
		return
	}
	c.bridgeMu.Lock()
	defer c.bridgeMu.Unlock()
	if c.bridge != nil && !c.bridge.Closed() {
		return
	}
	sess, err := m.engine.Open(ctx, func(res analysis.ScoreResult) {
		m.HandleScore(c, res)
	})
	if err != nil {
		c.logger.Warn("analysis engine unavailable",
			zap.String("room_id", roomID),
			zap.String("conn_id", c.ID),
			zap.Error(err))
		c.sendError("analysis_unavailable", "analysis engine is unreachable")
		return
	}
	c.bridge = sess
}

func (c *Client) closeBridge() {
	c.bridgeMu.Lock()
	bridge := c.bridge
	c.bridge = nil
	c.bridgeMu.Unlock()
	if bridge != nil {
		bridge.Close()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
