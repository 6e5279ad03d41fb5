package ml

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/san-kum/liftform/server/models"
	"github.com/san-kum/liftform/server/posetest"
)

func testClientConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.BreakerFailures = 3
	return cfg
}

func TestClient_Predict(t *testing.T) {
	var got PredictRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/predict", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"A": ["rounded_back", "hips_rise_early"],
			"D": true,
			"E": null,
			"spine": {"raw_angle": 33.5, "smoothed_angle": 31.2, "status": "danger",
				"confirmed_status": "danger", "warning_frame_count": 14, "danger_frame_count": 11},
			"hip_angle": 128.4,
			"is_lifting": true
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testClientConfig(), zap.NewNop())
	frame := posetest.Standing()

	resp, err := c.Predict(context.Background(), &PredictRequest{SessionID: "abc", Landmarks: frame})
	require.NoError(t, err)

	assert.Equal(t, "abc", got.SessionID)
	assert.Len(t, got.Landmarks, models.LandmarkCount)
	assert.Equal(t, frame[models.Nose], got.Landmarks[models.Nose])

	assert.True(t, resp.OK)
	assert.False(t, resp.Pending())
	assert.Equal(t, []string{"rounded_back", "hips_rise_early"}, resp.Labels)
	require.NotNil(t, resp.HipAngle)
	assert.InDelta(t, 128.4, *resp.HipAngle, 1e-9)
	require.NotNil(t, resp.IsLifting)
	assert.True(t, *resp.IsLifting)

	st, ok := resp.SpineState()
	require.True(t, ok)
	assert.Equal(t, models.SpineDanger, st.ConfirmedStatus)
	assert.Equal(t, 11, st.DangerFrameCount)
	assert.InDelta(t, 31.2, st.SmoothedAngle, 1e-9)
}

func TestClient_PredictPendingWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"A": [], "D": true, "E": "InsufficientFrames"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testClientConfig(), zap.NewNop())
	resp, err := c.Predict(context.Background(), &PredictRequest{SessionID: "abc"})
	require.NoError(t, err)

	assert.True(t, resp.Pending())
	_, ok := resp.SpineState()
	assert.False(t, ok)
}

func TestClient_PredictUnknownStatusKeepsLabels(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"A": ["bar_drift"], "D": true, "E": null, "spine": {"status": "bent", "confirmed_status": "safe"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testClientConfig(), zap.NewNop())
	for i := 0; i < 5; i++ {
		resp, err := c.Predict(context.Background(), &PredictRequest{SessionID: "abc"})
		require.NoError(t, err)
		assert.Equal(t, []string{"bar_drift"}, resp.Labels)

		_, ok := resp.SpineState()
		assert.False(t, ok)
	}

	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, "closed", c.BreakerState())
}

func TestClient_MalformedBodyDoesNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"A": [`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testClientConfig(), zap.NewNop())
	for i := 0; i < 5; i++ {
		_, err := c.Predict(context.Background(), &PredictRequest{SessionID: "abc"})
		assert.ErrorContains(t, err, "decode")
	}

	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, "closed", c.BreakerState())
}

func TestClient_PredictMonitoringIsNotConfirmable(t *testing.T) {
	resp := &PredictResponse{OK: true, Spine: &RemoteSpine{
		Status:          models.SpineMonitoring,
		ConfirmedStatus: models.SpineMonitoring,
	}}

	_, ok := resp.SpineState()
	assert.False(t, ok)
}

func TestClient_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"A": [], "D": true, "E": null}`))
	}))
	defer srv.Close()

	cfg := testClientConfig()
	cfg.MaxRetries = 2
	c := NewClient(srv.URL, cfg, zap.NewNop())

	resp, err := c.Predict(context.Background(), &PredictRequest{SessionID: "abc"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_BreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testClientConfig(), zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := c.Predict(context.Background(), &PredictRequest{SessionID: "abc"})
		assert.Error(t, err)
	}

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "open", c.BreakerState())
	assert.False(t, c.Healthy())
}

func TestClient_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ping", r.URL.Path)
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))

	c := NewClient(srv.URL, testClientConfig(), zap.NewNop())
	assert.False(t, c.Healthy())

	require.NoError(t, c.HealthCheck(context.Background()))
	assert.True(t, c.Healthy())

	srv.Close()
	assert.Error(t, c.HealthCheck(context.Background()))
	assert.False(t, c.Healthy())
}
