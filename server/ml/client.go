package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/san-kum/liftform/server/models"
	"github.com/san-kum/liftform/server/spine"
)

// CodeInsufficientFrames is reported while the remote model is still filling
// its per-session window and has no prediction yet.
const CodeInsufficientFrames = "InsufficientFrames"

const maxResponseSize = 1 << 20

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	config     ClientConfig
	breaker    *gobreaker.CircuitBreaker
	tracer     trace.Tracer
	healthy    atomic.Bool
}

type ClientConfig struct {
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
	BreakerFailures     uint32
	BreakerTimeout      time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             2 * time.Second,
		RetryDelay:          50 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
		BreakerFailures:     5,
		BreakerTimeout:      30 * time.Second,
	}
}

type PredictRequest struct {
	SessionID string            `json:"session_id"`
	Landmarks []models.Landmark `json:"landmarks"`
}

// PredictResponse mirrors the inference service's payload: A holds the issue
// labels, D whether the call succeeded and E an optional error code.
type PredictResponse struct {
	Labels    []string     `json:"A"`
	OK        bool         `json:"D"`
	Error     *string      `json:"E"`
	Spine     *RemoteSpine `json:"spine,omitempty"`
	HipAngle  *float64     `json:"hip_angle,omitempty"`
	IsLifting *bool        `json:"is_lifting,omitempty"`
}

type RemoteSpine struct {
	RawAngle          float64            `json:"raw_angle"`
	SmoothedAngle     float64            `json:"smoothed_angle"`
	Status            models.SpineStatus `json:"status"`
	ConfirmedStatus   models.SpineStatus `json:"confirmed_status"`
	WarningFrameCount int                `json:"warning_frame_count"`
	DangerFrameCount  int                `json:"danger_frame_count"`
}

// UnmarshalJSON accepts any status strings. SpineState rejects the ones it
// cannot use.
func (r *RemoteSpine) UnmarshalJSON(data []byte) error {
	var wire struct {
		RawAngle          float64 `json:"raw_angle"`
		SmoothedAngle     float64 `json:"smoothed_angle"`
		Status            string  `json:"status"`
		ConfirmedStatus   string  `json:"confirmed_status"`
		WarningFrameCount int     `json:"warning_frame_count"`
		DangerFrameCount  int     `json:"danger_frame_count"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*r = RemoteSpine{
		RawAngle:          wire.RawAngle,
		SmoothedAngle:     wire.SmoothedAngle,
		Status:            models.SpineStatus(wire.Status),
		ConfirmedStatus:   models.SpineStatus(wire.ConfirmedStatus),
		WarningFrameCount: wire.WarningFrameCount,
		DangerFrameCount:  wire.DangerFrameCount,
	}
	return nil
}

// Pending reports whether the service accepted the frame but has no
// prediction yet.
func (r *PredictResponse) Pending() bool {
	return r.OK && r.Error != nil && *r.Error == CodeInsufficientFrames
}

// SpineState converts the remote spine object, if any, into the local type.
func (r *PredictResponse) SpineState() (spine.State, bool) {
	if r.Spine == nil || !r.Spine.Status.Valid() || !r.Spine.ConfirmedStatus.Confirmable() {
		return spine.State{}, false
	}
	return spine.State{
		RawAngle:          r.Spine.RawAngle,
		SmoothedAngle:     r.Spine.SmoothedAngle,
		Status:            r.Spine.Status,
		ConfirmedStatus:   r.Spine.ConfirmedStatus,
		WarningFrameCount: r.Spine.WarningFrameCount,
		DangerFrameCount:  r.Spine.DangerFrameCount,
	}, true
}

func NewClient(baseURL string, config ClientConfig, logger *zap.Logger) *Client {
	settings := gobreaker.Settings{
		Name:        "ml-inference",
		MaxRequests: 1,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Client{
		baseURL: baseURL,
		logger:  logger,
		config:  config,
		breaker: gobreaker.NewCircuitBreaker(settings),
		tracer:  otel.Tracer("liftform/ml"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

func (c *Client) Predict(ctx context.Context, request *PredictRequest) (*PredictResponse, error) {
	ctx, span := c.tracer.Start(ctx, "ml.predict")
	defer span.End()

	span.SetAttributes(attribute.String("session_id", request.SessionID))

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("Retrying prediction request",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				return nil, ctx.Err()
			}
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.executePredict(ctx, request)
		})
		if err == nil {
			var resp PredictResponse
			if err := json.Unmarshal(result.([]byte), &resp); err != nil {
				span.RecordError(err)
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
			span.SetAttributes(
				attribute.Bool("ok", resp.OK),
				attribute.Int("labels", len(resp.Labels)),
			)
			return &resp, nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
	}

	span.RecordError(lastErr)
	return nil, fmt.Errorf("prediction failed: %w", lastErr)
}

// executePredict returns the raw response body. Decoding happens outside the
// breaker so only transport and HTTP status failures count against it.
func (c *Client) executePredict(ctx context.Context, request *PredictRequest) ([]byte, error) {
	requestData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/predict", c.baseURL)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "liftform/1.0")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpRequest.Header))

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return nil, fmt.Errorf("ML service error (status %d): %s",
			response.StatusCode, string(bodyBytes))
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "ml.health_check")
	defer span.End()

	url := fmt.Sprintf("%s/api/ping", c.baseURL)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.healthy.Store(false)
		span.RecordError(err)
		return fmt.Errorf("health check failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		c.healthy.Store(false)
		return fmt.Errorf("ML service unhealthy (status %d)", response.StatusCode)
	}

	c.healthy.Store(true)
	span.SetAttributes(attribute.Bool("healthy", true))
	return nil
}

// Healthy reports the result of the last health check and whether the
// circuit breaker currently lets requests through.
func (c *Client) Healthy() bool {
	return c.healthy.Load() && c.breaker.State() != gobreaker.StateOpen
}

func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// StartHealthChecker polls the service until ctx is cancelled.
func (c *Client) StartHealthChecker(ctx context.Context) {
	if err := c.HealthCheck(ctx); err != nil {
		c.logger.Warn("ML service not available at startup", zap.Error(err))
	}

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.HealthCheck(ctx); err != nil {
				c.logger.Error("ML service health check failed", zap.Error(err))
			} else {
				c.logger.Debug("ML service health check passed")
			}
		case <-ctx.Done():
			return
		}
	}
}
