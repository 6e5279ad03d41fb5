package ml

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/liftform/server/models"
)

var (
	// ErrBusy means a request for the session is still in flight.
	ErrBusy = errors.New("inference request already in flight")

	// ErrThrottled means the previous request started less than MinInterval ago.
	ErrThrottled = errors.New("inference request rate limited")

	ErrClosed = errors.New("inference gateway closed")
)

type Predictor interface {
	Predict(ctx context.Context, request *PredictRequest) (*PredictResponse, error)
}

type PredictorFunc func(ctx context.Context, request *PredictRequest) (*PredictResponse, error)

func (f PredictorFunc) Predict(ctx context.Context, request *PredictRequest) (*PredictResponse, error) {
	return f(ctx, request)
}

type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomePending Outcome = "pending"
	OutcomeError   Outcome = "error"
	OutcomeDropped Outcome = "dropped"
)

// Result is delivered to the gateway's handler once a request finishes.
type Result struct {
	SessionID  string
	Response   *PredictResponse
	Err        error
	Outcome    Outcome
	Latency    time.Duration
	ReceivedAt time.Time
}

type GatewayConfig struct {
	MinInterval time.Duration
	Timeout     time.Duration
}

type GatewayOption func(*Gateway)

// WithOutcomeRecorder observes every submission outcome, drops included.
func WithOutcomeRecorder(fn func(Outcome, time.Duration)) GatewayOption {
	return func(g *Gateway) { g.record = fn }
}

func withClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// Gateway forwards frames to the remote model without ever blocking the
// caller. Each session has at most one request in flight and requests start
// at least MinInterval apart; anything else is dropped, never queued.
type Gateway struct {
	predictor Predictor
	config    GatewayConfig
	logger    *zap.Logger
	handle    func(Result)
	record    func(Outcome, time.Duration)
	now       func() time.Time

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type slot struct {
	inFlight  bool
	forgotten bool
	lastSent  time.Time
}

func NewGateway(predictor Predictor, config GatewayConfig, logger *zap.Logger, handle func(Result), opts ...GatewayOption) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		predictor: predictor,
		config:    config,
		logger:    logger,
		handle:    handle,
		now:       time.Now,
		slots:     make(map[string]*slot),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TrySubmit starts a request for the frame if the session's slot is free.
// It returns ErrBusy or ErrThrottled when the frame is dropped.
func (g *Gateway) TrySubmit(sessionID string, frame models.Frame) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}

	s, ok := g.slots[sessionID]
	if !ok {
		s = &slot{}
		g.slots[sessionID] = s
	}
	s.forgotten = false

	now := g.now()
	var err error
	switch {
	case s.inFlight:
		err = ErrBusy
	case !s.lastSent.IsZero() && now.Sub(s.lastSent) < g.config.MinInterval:
		err = ErrThrottled
	}
	if err != nil {
		g.mu.Unlock()
		g.observe(OutcomeDropped, 0)
		return err
	}

	s.inFlight = true
	s.lastSent = now
	g.wg.Add(1)
	g.mu.Unlock()

	request := &PredictRequest{SessionID: sessionID, Landmarks: slices.Clone(frame)}
	go g.run(request, now)

	return nil
}

func (g *Gateway) run(request *PredictRequest, started time.Time) {
	defer g.wg.Done()

	ctx := g.ctx
	if g.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.Timeout)
		defer cancel()
	}

	resp, err := g.predictor.Predict(ctx, request)

	defer func() {
		g.mu.Lock()
		if s, ok := g.slots[request.SessionID]; ok {
			s.inFlight = false
			if s.forgotten {
				delete(g.slots, request.SessionID)
			}
		}
		g.mu.Unlock()
	}()

	res := Result{
		SessionID:  request.SessionID,
		Response:   resp,
		Err:        err,
		ReceivedAt: g.now(),
	}
	res.Latency = res.ReceivedAt.Sub(started)

	switch {
	case err != nil:
		res.Outcome = OutcomeError
		g.logger.Debug("Inference request failed",
			zap.String("session_id", request.SessionID),
			zap.Error(err))
	case resp.Pending():
		res.Outcome = OutcomePending
	case !resp.OK:
		res.Outcome = OutcomeError
		code := ""
		if resp.Error != nil {
			code = *resp.Error
		}
		g.logger.Debug("Inference service rejected frame",
			zap.String("session_id", request.SessionID),
			zap.String("code", code))
	default:
		res.Outcome = OutcomeOK
	}

	g.observe(res.Outcome, res.Latency)
	if g.handle != nil {
		g.handle(res)
	}
}

func (g *Gateway) observe(outcome Outcome, latency time.Duration) {
	if g.record != nil {
		g.record(outcome, latency)
	}
}

// Forget drops the session's rate limit slot. A request still in flight
// completes and is delivered normally, and its slot is dropped afterwards.
func (g *Gateway) Forget(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.slots[sessionID]
	if !ok {
		return
	}
	if s.inFlight {
		s.forgotten = true
		return
	}
	delete(g.slots, sessionID)
}

func (g *Gateway) sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}

// Wait blocks until every request started so far has been delivered.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

// Close cancels in-flight requests and waits for their results to be
// delivered.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
}
