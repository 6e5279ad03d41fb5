package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/san-kum/liftform/server/middleware"
	"github.com/san-kum/liftform/server/models"
	"github.com/san-kum/liftform/server/processor"
)

const (
	MessageFrame      = "frame"
	MessageNewSet     = "new_set"
	MessageReset      = "reset"
	MessagePing       = "ping"
	MessageEndSession = "end_session"

	MessageSession   = "session"
	MessageAnalysis  = "analysis"
	MessageRep       = "rep"
	MessageSetClosed = "set_closed"
	MessageInference = "inference"
	MessageSummary   = "summary"
	MessagePong      = "pong"
	MessageError     = "error"
)

const (
	readLimit    = 1 << 20
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeTimeout = 10 * time.Second
)

type WebSocketHandler struct {
	registry *processor.Registry
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

type ClientMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type RepMessage struct {
	Set        int   `json:"set"`
	Rep        int   `json:"rep"`
	TotalReps  int   `json:"total_reps"`
	Score      int   `json:"score"`
	DurationMs int64 `json:"duration_ms"`
}

type SetClosedMessage struct {
	Closed  bool `json:"closed"`
	Set     int  `json:"set"`
	Reps    int  `json:"reps"`
	Manual  bool `json:"manual"`
	NextSet int  `json:"next_set"`
}

type SessionMessage struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Reset     bool      `json:"reset,omitempty"`
}

// client serializes writes; gorilla connections allow one concurrent writer.
type client struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	sessionID string
	startedAt time.Time
	ended     bool
}

func (cl *client) send(messageType string, data any) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	_ = cl.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return cl.conn.WriteJSON(ServerMessage{Type: messageType, Data: data})
}

func (cl *client) ping() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	return cl.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func NewWebSocketHandler(registry *processor.Registry, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return middleware.OriginAllowed(allowedOrigins, r.Header.Get("Origin"))
			},
		},
	}
}

// HandleWebSocket opens one training session per connection. A session_id
// query parameter picks the id, otherwise one is generated.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	cl := &client{conn: conn}

	info, err := h.registry.Create(ctx, c.Query("session_id"))
	if err != nil {
		h.sendError(cl, "could not start session: "+err.Error())
		return
	}
	cl.sessionID = info.ID
	cl.startedAt = info.StartedAt

	log := h.logger.With(zap.String("session_id", cl.sessionID), zap.String("client_ip", c.ClientIP()))
	log.Info("WebSocket client connected")

	defer func() {
		if !cl.ended {
			if _, err := h.registry.End(ctx, cl.sessionID); err != nil && !errors.Is(err, processor.ErrSessionNotFound) {
				log.Warn("Failed to end session on disconnect", zap.Error(err))
			}
		}
		log.Info("WebSocket client disconnected")
	}()

	stopWatch, err := h.registry.Watch(cl.sessionID, func(a processor.Annotation) {
		if err := cl.send(MessageInference, a); err != nil {
			log.Debug("Failed to push inference annotation", zap.Error(err))
		}
	})
	if err == nil {
		defer stopWatch()
	}

	if err := cl.send(MessageSession, SessionMessage{ID: info.ID, StartedAt: info.StartedAt}); err != nil {
		log.Error("Failed to send session message", zap.Error(err))
		return
	}

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingRoutine(cl, done, log)

	for {
		var message ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if !h.handleMessage(c, cl, &message, log) {
			return
		}
	}
}

// handleMessage returns false once the connection should close.
func (h *WebSocketHandler) handleMessage(c *gin.Context, cl *client, message *ClientMessage, log *zap.Logger) bool {
	ctx := c.Request.Context()

	switch message.Type {
	case MessageFrame:
		h.processFrame(c, cl, message, log)

	case MessageNewSet:
		ev, err := h.registry.NewSet(ctx, cl.sessionID)
		if err != nil {
			h.sendError(cl, "new set failed")
			return true
		}
		next := ev.ClosedSet + 1
		if !ev.SetClosed {
			if summary, err := h.registry.Summary(cl.sessionID); err == nil {
				next = len(summary.SetsDetail) + 1
			}
		}
		h.send(cl, log, MessageSetClosed, SetClosedMessage{
			Closed:  ev.SetClosed,
			Set:     ev.ClosedSet,
			Reps:    ev.ClosedReps,
			Manual:  true,
			NextSet: next,
		})

	case MessageReset:
		if err := h.registry.Reset(ctx, cl.sessionID); err != nil {
			h.sendError(cl, "reset failed")
			return true
		}
		h.send(cl, log, MessageSession, SessionMessage{ID: cl.sessionID, StartedAt: cl.startedAt, Reset: true})

	case MessagePing:
		h.send(cl, log, MessagePong, map[string]any{"timestamp": time.Now().UnixMilli()})

	case MessageEndSession:
		ended, err := h.registry.End(ctx, cl.sessionID)
		if err != nil {
			h.sendError(cl, "end session failed")
			return false
		}
		cl.ended = true
		h.send(cl, log, MessageSummary, ended)
		return false

	default:
		log.Warn("Unknown message type received", zap.String("type", message.Type))
		h.sendError(cl, "Unknown message type: "+message.Type)
	}

	return true
}

// processFrame runs synchronously in the read loop so frames of one
// connection are analysed in arrival order.
func (h *WebSocketHandler) processFrame(c *gin.Context, cl *client, message *ClientMessage, log *zap.Logger) {
	var request models.FrameRequest
	if err := json.Unmarshal(message.Data, &request); err != nil {
		h.sendError(cl, "invalid frame payload")
		return
	}

	ts := request.Timestamp
	if ts <= 0 {
		ts = message.Timestamp
	}

	result, err := h.registry.Process(c.Request.Context(), cl.sessionID, request.Landmarks, captureTime(ts))
	if err != nil {
		log.Error("Frame processing failed", zap.Error(err))
		h.sendError(cl, "Frame processing failed")
		return
	}

	h.send(cl, log, MessageAnalysis, result)

	ev := result.Event
	if ev.SetClosed {
		h.send(cl, log, MessageSetClosed, SetClosedMessage{
			Closed:  true,
			Set:     ev.ClosedSet,
			Reps:    ev.ClosedReps,
			NextSet: ev.ClosedSet + 1,
		})
	}
	if ev.RepCounted && result.LastFinalizedScore != nil {
		h.send(cl, log, MessageRep, RepMessage{
			Set:        result.Phase.SetIndex,
			Rep:        result.Phase.RepCountInSet,
			TotalReps:  result.Phase.TotalReps,
			Score:      *result.LastFinalizedScore,
			DurationMs: ev.RepDuration.Milliseconds(),
		})
	}
}

func (h *WebSocketHandler) send(cl *client, log *zap.Logger, messageType string, data any) {
	if err := cl.send(messageType, data); err != nil {
		log.Error("Failed to send WebSocket message", zap.String("type", messageType), zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(cl *client, errorMsg string) {
	if err := cl.send(MessageError, map[string]any{
		"message":   errorMsg,
		"timestamp": time.Now().UnixMilli(),
	}); err != nil {
		h.logger.Debug("Failed to send WebSocket error", zap.Error(err))
	}
}

func (h *WebSocketHandler) pingRoutine(cl *client, done <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := cl.ping(); err != nil {
				log.Debug("Failed to send ping", zap.Error(err))
				_ = cl.conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}
