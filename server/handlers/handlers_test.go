package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/san-kum/liftform/server/cache"
	"github.com/san-kum/liftform/server/history"
	"github.com/san-kum/liftform/server/metrics"
	"github.com/san-kum/liftform/server/models"
	"github.com/san-kum/liftform/server/posetest"
	"github.com/san-kum/liftform/server/processor"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router   *gin.Engine
	registry *processor.Registry
	store    *history.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	m, err := metrics.NewWithMeter(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	annotations := cache.NewMemoryCache[processor.Annotation](100, time.Minute, zap.NewNop())
	t.Cleanup(func() { _ = annotations.Close() })

	store := history.NewMemoryStore()
	registry := processor.NewRegistry(processor.DefaultConfig(), store, annotations, m, zap.NewNop())
	t.Cleanup(func() { _ = registry.Shutdown(context.Background(), time.Second) })

	router := gin.New()
	api := router.Group("/api/v1")
	NewSessionHandler(registry, zap.NewNop()).Register(api)
	NewHistoryHandler(store, 50, zap.NewNop()).Register(api.Group("/admin"))
	router.GET("/ws", NewWebSocketHandler(registry, nil, zap.NewNop()).HandleWebSocket)

	return &testServer{router: router, registry: registry, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var payload *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = strings.NewReader(string(raw))
	} else {
		payload = strings.NewReader("")
	}

	req := httptest.NewRequest(method, path, payload)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func ramp(from, to float64, steps int) []float64 {
	out := make([]float64, 0, steps)
	for i := 1; i <= steps; i++ {
		out = append(out, from+(to-from)*float64(i)/float64(steps))
	}
	return out
}

func hold(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func cycle() []float64 {
	var seq []float64
	seq = append(seq, 178)
	seq = append(seq, ramp(178, 150, 3)...)
	seq = append(seq, hold(150, 5)...)
	seq = append(seq, ramp(150, 115, 4)...)
	seq = append(seq, hold(115, 5)...)
	seq = append(seq, ramp(115, 150, 4)...)
	seq = append(seq, hold(150, 5)...)
	seq = append(seq, ramp(150, 178, 3)...)
	seq = append(seq, hold(178, 5)...)
	return seq
}

var epochMs = time.Date(2026, 3, 2, 18, 30, 0, 0, time.UTC).UnixMilli()

func TestSessionRoutes_Lifecycle(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"session_id": "rest-1"})
	require.Equal(t, http.StatusCreated, w.Code)

	var info processor.SessionInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "rest-1", info.ID)

	w = s.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"session_id": "rest-1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	var reps int
	for i, hip := range cycle() {
		w = s.do(t, http.MethodPost, "/api/v1/sessions/rest-1/frames", models.FrameRequest{
			Landmarks: posetest.At(hip, 5),
			Timestamp: epochMs + int64(i)*100,
		})
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Analysis processor.FrameResult `json:"analysis"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.True(t, body.Analysis.Detected)
		if body.Analysis.Event.RepCounted {
			reps++
		}
	}
	assert.Equal(t, 1, reps)

	w = s.do(t, http.MethodGet, "/api/v1/sessions/rest-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary models.SessionSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.TotalReps)

	w = s.do(t, http.MethodPost, "/api/v1/sessions/rest-1/sets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"set_closed":true`)

	w = s.do(t, http.MethodDelete, "/api/v1/sessions/rest-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ended processor.Ended
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ended))
	assert.Equal(t, []int{1}, ended.Record.SetsDetail)
	assert.Equal(t, 100, ended.Record.FormScore)

	w = s.do(t, http.MethodDelete, "/api/v1/sessions/rest-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionRoutes_GeneratedID(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var info processor.SessionInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Len(t, info.ID, 36)
}

func TestSessionRoutes_Errors(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/sessions/nope/frames", models.FrameRequest{Landmarks: posetest.Standing()})
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/sessions/nope/reset", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/sessions/nope/sets", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/sessions/nope", nil).Code)

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"session_id": "bad"}).Code)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/bad/frames", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionRoutes_MissingSubject(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"session_id": "empty"}).Code)

	w := s.do(t, http.MethodPost, "/api/v1/sessions/empty/frames", models.FrameRequest{Landmarks: posetest.Standing()[:10]})
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Analysis processor.FrameResult `json:"analysis"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Analysis.Detected)
	assert.Equal(t, []string{"no person detected"}, body.Analysis.Position.Issues)
}

func TestStatsRoute(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/sessions", nil).Code)

	w := s.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Processor   processor.ProcessorStats `json:"processor"`
		Annotations *cache.CacheStats        `json:"annotations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Processor.ActiveSessions)
	assert.NotNil(t, body.Annotations)
}

func TestHistoryRoutes(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	start := time.Date(2026, 2, 14, 7, 15, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.store.Save(ctx, history.Record{
			StartedAt:  start.Add(time.Duration(i) * time.Hour),
			SessionID:  "h",
			SetsDetail: []int{i},
			TotalReps:  i,
		}))
	}

	w := s.do(t, http.MethodGet, "/api/v1/admin/history?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Success bool             `json:"success"`
		Data    []history.Record `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.True(t, list.Success)
	require.Len(t, list.Data, 2)
	assert.Equal(t, 2, list.Data[0].TotalReps)

	w = s.do(t, http.MethodGet, "/api/v1/admin/history/"+start.Format(time.RFC3339Nano), nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/admin/history/"+start.Add(time.Minute).Format(time.RFC3339Nano), nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/admin/history/yesterday", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/admin/history?limit=-1", nil).Code)
}

func readMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var raw struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&raw))
	return ServerMessage{Type: raw.Type, Data: raw.Data}
}

func sendMessage(t *testing.T, conn *websocket.Conn, messageType string, data any, ts int64) {
	t.Helper()

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(t, err)
		raw = b
	}
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: messageType, Data: raw, Timestamp: ts}))
}

func TestWebSocket_Session(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?session_id=ws-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := readMessage(t, conn)
	require.Equal(t, MessageSession, msg.Type)
	var session SessionMessage
	require.NoError(t, json.Unmarshal(msg.Data.(json.RawMessage), &session))
	assert.Equal(t, "ws-1", session.ID)

	sendMessage(t, conn, MessagePing, nil, 0)
	assert.Equal(t, MessagePong, readMessage(t, conn).Type)

	var rep *RepMessage
	for i, hip := range cycle() {
		sendMessage(t, conn, MessageFrame, models.FrameRequest{Landmarks: posetest.At(hip, 5)}, epochMs+int64(i)*100)

		msg := readMessage(t, conn)
		require.Equal(t, MessageAnalysis, msg.Type)

		var result processor.FrameResult
		require.NoError(t, json.Unmarshal(msg.Data.(json.RawMessage), &result))
		if result.Event.RepCounted {
			msg = readMessage(t, conn)
			require.Equal(t, MessageRep, msg.Type)
			rep = &RepMessage{}
			require.NoError(t, json.Unmarshal(msg.Data.(json.RawMessage), rep))
		}
	}
	require.NotNil(t, rep)
	assert.Equal(t, 1, rep.Rep)
	assert.Equal(t, 1, rep.Set)
	assert.Equal(t, 100, rep.Score)

	sendMessage(t, conn, MessageNewSet, nil, 0)
	msg = readMessage(t, conn)
	require.Equal(t, MessageSetClosed, msg.Type)
	var closed SetClosedMessage
	require.NoError(t, json.Unmarshal(msg.Data.(json.RawMessage), &closed))
	assert.True(t, closed.Closed)
	assert.True(t, closed.Manual)
	assert.Equal(t, 1, closed.Reps)
	assert.Equal(t, 2, closed.NextSet)

	sendMessage(t, conn, "dance", nil, 0)
	assert.Equal(t, MessageError, readMessage(t, conn).Type)

	sendMessage(t, conn, MessageEndSession, nil, 0)
	msg = readMessage(t, conn)
	require.Equal(t, MessageSummary, msg.Type)
	var ended processor.Ended
	require.NoError(t, json.Unmarshal(msg.Data.(json.RawMessage), &ended))
	assert.Equal(t, 1, ended.Summary.TotalReps)
	assert.Equal(t, []int{1}, ended.Summary.SetsDetail)
}

func TestWebSocket_DisconnectEndsSession(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?session_id=ws-drop"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, MessageSession, readMessage(t, conn).Type)
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		_, err := s.registry.Summary("ws-drop")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}
