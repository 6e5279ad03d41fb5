// Package processor owns the live training sessions: it serializes frames per
// session, overlays remote inference annotations, feeds the inference
// gateway and hands finished sessions to the history store.
package processor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/san-kum/liftform/server/analyzer"
	"github.com/san-kum/liftform/server/cache"
	"github.com/san-kum/liftform/server/history"
	"github.com/san-kum/liftform/server/metrics"
	"github.com/san-kum/liftform/server/ml"
	"github.com/san-kum/liftform/server/models"
	"github.com/san-kum/liftform/server/reps"
	"github.com/san-kum/liftform/server/spine"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
)

// Annotation is the latest remote inference result for a session. It
// overwrites the previous one and expires with the annotation cache TTL.
type Annotation struct {
	Labels     []string     `json:"labels"`
	Spine      *spine.State `json:"spine,omitempty"`
	HipAngle   *float64     `json:"hip_angle,omitempty"`
	IsLifting  *bool        `json:"is_lifting,omitempty"`
	ReceivedAt time.Time    `json:"received_at"`
}

// InferenceSubmitter is the part of ml.Gateway the registry needs.
type InferenceSubmitter interface {
	TrySubmit(sessionID string, frame models.Frame) error
	Forget(sessionID string)
}

type Config struct {
	Analysis         analyzer.Config
	IdleTTL          time.Duration
	ReapInterval     time.Duration
	PersistQueueSize int
	PersistWorkers   int
	PersistTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Analysis:         analyzer.DefaultConfig(),
		IdleTTL:          30 * time.Minute,
		ReapInterval:     time.Minute,
		PersistQueueSize: 64,
		PersistWorkers:   2,
		PersistTimeout:   5 * time.Second,
	}
}

// FrameResult is an analyzer result plus the coaching cues derived from it.
type FrameResult struct {
	SessionID string `json:"session_id"`
	analyzer.Result
	Feedback []models.Feedback `json:"feedback"`
}

type SessionInfo struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

// Ended is returned when a session is closed.
type Ended struct {
	Summary models.SessionSummary `json:"summary"`
	Record  history.Record        `json:"record"`
}

type ProcessorStats struct {
	StartTime      time.Time  `json:"start_time"`
	ActiveSessions int        `json:"active_sessions"`
	TotalFrames    int64      `json:"total_frames"`
	DetectedFrames int64      `json:"detected_frames"`
	TotalReps      int64      `json:"total_reps"`
	RejectedReps   int64      `json:"rejected_reps"`
	SpineAlerts    int64      `json:"spine_alerts"`
	Annotations    int64      `json:"annotations"`
	EndedSessions  int64      `json:"ended_sessions"`
	AverageLatency float64    `json:"average_latency_ms"`
	Persist        QueueStats `json:"persist"`
}

type entry struct {
	mu         sync.Mutex
	session    *analyzer.Session
	lastSeen   time.Time
	lastLabels []string
	confirmed  models.SpineStatus
	resetAt    time.Time
	closed     bool
}

type Registry struct {
	config      Config
	logger      *zap.Logger
	annotations cache.Cache[Annotation]
	metrics     *metrics.Metrics
	persist     *PersistQueue
	inference   InferenceSubmitter
	now         func() time.Time

	mutex     sync.RWMutex
	sessions  map[string]*entry
	listeners map[string]func(Annotation)

	statsMutex sync.Mutex
	stats      ProcessorStats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(config Config, store history.Store, annotations cache.Cache[Annotation], m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		config:      config,
		logger:      logger,
		annotations: annotations,
		metrics:     m,
		persist:     NewPersistQueue(store, config.PersistQueueSize, config.PersistWorkers, config.PersistTimeout, logger),
		now:         time.Now,
		sessions:    make(map[string]*entry),
		listeners:   make(map[string]func(Annotation)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.stats.StartTime = r.now()
	return r
}

// AttachInference connects the gateway that receives detected frames. The
// gateway's result handler should call HandleInference.
func (r *Registry) AttachInference(sub InferenceSubmitter) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.inference = sub
}

// Create opens a session. An empty id gets a fresh UUID.
func (r *Registry) Create(ctx context.Context, id string) (SessionInfo, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := r.now()

	r.mutex.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mutex.Unlock()
		return SessionInfo{}, fmt.Errorf("create %s: %w", id, ErrSessionExists)
	}
	r.sessions[id] = &entry{
		session:   analyzer.NewSession(id, r.config.Analysis, now),
		lastSeen:  now,
		confirmed: models.SpineSafe,
	}
	r.mutex.Unlock()

	r.metrics.SessionOpened(ctx)
	r.logger.Info("Session started", zap.String("session_id", id))

	return SessionInfo{ID: id, StartedAt: now}, nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return e, nil
}

// Process analyses one frame captured at capturedAt. Frames for the same
// session are serialized.
func (r *Registry) Process(ctx context.Context, id string, frame models.Frame, capturedAt time.Time) (FrameResult, error) {
	e, err := r.lookup(id)
	if err != nil {
		return FrameResult{}, err
	}

	start := time.Now()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return FrameResult{}, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	res := e.session.Process(frame, capturedAt)
	e.lastSeen = r.now()

	var transition models.SpineStatus
	if confirmed := e.session.Spine().ConfirmedStatus; confirmed != e.confirmed {
		transition = confirmed
		e.confirmed = confirmed
	}
	e.mu.Unlock()

	if res.Detected {
		if ann, err := r.annotations.Get(ctx, id); err == nil {
			if ann.Spine != nil {
				res.Spine = *ann.Spine
				res.SpineSource = analyzer.SpineSourceRemote
			}
			res.MLIssues = slices.Clone(ann.Labels)
		}
		r.submit(id, frame)
	}

	r.observe(ctx, id, res, transition, time.Since(start))

	return FrameResult{
		SessionID: id,
		Result:    res,
		Feedback:  generateFeedback(res),
	}, nil
}

func (r *Registry) submit(id string, frame models.Frame) {
	r.mutex.RLock()
	sub := r.inference
	r.mutex.RUnlock()
	if sub == nil {
		return
	}

	if err := sub.TrySubmit(id, frame); err != nil && !errors.Is(err, ml.ErrBusy) && !errors.Is(err, ml.ErrThrottled) {
		r.logger.Debug("Inference submission refused", zap.String("session_id", id), zap.Error(err))
	}
}

// observe records metrics and logs for one processed frame. transition is the
// new local confirmed spine status, or empty when it did not change.
func (r *Registry) observe(ctx context.Context, id string, res analyzer.Result, transition models.SpineStatus, elapsed time.Duration) {
	onset := transition.Alerting()

	r.metrics.RecordFrame(ctx, res.Detected, elapsed)

	r.statsMutex.Lock()
	r.stats.TotalFrames++
	if res.Detected {
		r.stats.DetectedFrames++
	}
	if res.Event.RepCounted {
		r.stats.TotalReps++
	}
	if res.Event.RepRejected {
		r.stats.RejectedReps++
	}
	if onset {
		r.stats.SpineAlerts++
	}
	r.updateLatencyStats(elapsed)
	r.statsMutex.Unlock()

	ev := res.Event
	if ev.RepCounted && res.LastFinalizedScore != nil {
		r.metrics.RecordRep(ctx, *res.LastFinalizedScore)
		r.logger.Info("Rep counted",
			zap.String("session_id", id),
			zap.Int("set", res.Phase.SetIndex),
			zap.Int("rep", res.Phase.RepCountInSet),
			zap.Int("score", *res.LastFinalizedScore),
			zap.Duration("duration", ev.RepDuration))
	}
	if ev.RepRejected {
		r.metrics.RecordRejectedRep(ctx)
		r.logger.Debug("Rep rejected", zap.String("session_id", id))
	}
	if ev.SetClosed {
		r.metrics.RecordSetClosed(ctx, false)
		r.logger.Info("Set closed after inactivity",
			zap.String("session_id", id),
			zap.Int("set", ev.ClosedSet),
			zap.Int("reps", ev.ClosedReps))
	}
	switch {
	case onset:
		r.metrics.RecordSpineAlert(ctx, string(transition))
		r.logger.Warn("Spine alert",
			zap.String("session_id", id),
			zap.String("status", string(transition)),
			zap.Float64("angle", res.Spine.SmoothedAngle))
	case transition != "":
		r.logger.Debug("Spine status changed",
			zap.String("session_id", id),
			zap.String("status", string(transition)))
	}
}

func (r *Registry) updateLatencyStats(latency time.Duration) {
	current := float64(latency.Microseconds()) / 1000

	if r.stats.AverageLatency == 0 {
		r.stats.AverageLatency = current
	} else {
		alpha := 0.1
		r.stats.AverageLatency = alpha*current + (1-alpha)*r.stats.AverageLatency
	}
}

// NewSet closes the session's current set if it has any reps.
func (r *Registry) NewSet(ctx context.Context, id string) (reps.Event, error) {
	e, err := r.lookup(id)
	if err != nil {
		return reps.Event{}, err
	}

	e.mu.Lock()
	ev := e.session.NewSet()
	state := e.session.Reps()
	e.lastSeen = r.now()
	e.mu.Unlock()

	if ev.SetClosed {
		r.metrics.RecordSetClosed(ctx, true)
		r.logger.Info("Set closed",
			zap.String("session_id", id),
			zap.Int("set", ev.ClosedSet),
			zap.Int("reps", ev.ClosedReps),
			zap.Int("next_set", state.SetIndex))
	}
	return ev, nil
}

// Reset clears all counters, scores and warnings of the session and drops
// its pending annotation.
func (r *Registry) Reset(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.session.Reset()
	e.lastLabels = nil
	e.confirmed = models.SpineSafe
	e.lastSeen = r.now()
	e.resetAt = e.lastSeen
	err = r.annotations.Delete(ctx, id)
	e.mu.Unlock()

	if err != nil {
		r.logger.Warn("Failed to drop annotation", zap.String("session_id", id), zap.Error(err))
	}
	r.logger.Info("Session reset", zap.String("session_id", id))
	return nil
}

// Summary reports the session so far without closing it.
func (r *Registry) Summary(id string) (models.SessionSummary, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.SessionSummary{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Summary(r.now()), nil
}

// End closes the session and queues its history record for persistence.
func (r *Registry) End(ctx context.Context, id string) (Ended, error) {
	r.mutex.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		delete(r.listeners, id)
	}
	sub := r.inference
	r.mutex.Unlock()
	if !ok {
		return Ended{}, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}

	e.mu.Lock()
	e.closed = true
	summary := e.session.Summary(r.now())
	e.mu.Unlock()

	record := history.NewRecord(summary)
	if err := r.persist.Enqueue(record); err != nil {
		r.logger.Error("Failed to queue training history",
			zap.String("session_id", id),
			zap.Error(err))
	}

	if err := r.annotations.Delete(ctx, id); err != nil {
		r.logger.Warn("Failed to drop annotation", zap.String("session_id", id), zap.Error(err))
	}
	if sub != nil {
		sub.Forget(id)
	}

	r.metrics.SessionClosed(ctx)
	r.statsMutex.Lock()
	r.stats.EndedSessions++
	r.statsMutex.Unlock()

	r.logger.Info("Session ended",
		zap.String("session_id", id),
		zap.Int("total_reps", summary.TotalReps),
		zap.Ints("sets", summary.SetsDetail),
		zap.Int("form_score", record.FormScore))

	return Ended{Summary: summary, Record: record}, nil
}

// Watch registers fn to receive every annotation stored for the session.
// The returned function unregisters it.
func (r *Registry) Watch(id string, fn func(Annotation)) (func(), error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	r.listeners[id] = fn

	return func() {
		r.mutex.Lock()
		defer r.mutex.Unlock()
		delete(r.listeners, id)
	}, nil
}

// HandleInference stores a successful remote result as the session's
// annotation. Results for sessions that have ended, and results for requests
// started before the session was last reset, are discarded.
func (r *Registry) HandleInference(res ml.Result) {
	if res.Outcome != ml.OutcomeOK || res.Response == nil {
		return
	}

	e, err := r.lookup(res.SessionID)
	if err != nil {
		r.logger.Debug("Discarding inference for unknown session", zap.String("session_id", res.SessionID))
		return
	}

	ann := Annotation{
		Labels:     slices.Clone(res.Response.Labels),
		HipAngle:   res.Response.HipAngle,
		IsLifting:  res.Response.IsLifting,
		ReceivedAt: res.ReceivedAt,
	}
	if ann.Labels == nil {
		ann.Labels = []string{}
	}
	if st, ok := res.Response.SpineState(); ok {
		ann.Spine = &st
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if started := res.ReceivedAt.Add(-res.Latency); !e.resetAt.IsZero() && started.Before(e.resetAt) {
		e.mu.Unlock()
		r.logger.Debug("Discarding inference started before reset", zap.String("session_id", res.SessionID))
		return
	}
	fresh := 0
	for _, label := range ann.Labels {
		if !slices.Contains(e.lastLabels, label) {
			fresh++
		}
	}
	e.session.RecordRemoteIssues(fresh)
	e.lastLabels = ann.Labels
	err = r.annotations.Set(context.Background(), res.SessionID, ann)
	e.mu.Unlock()

	if err != nil {
		r.logger.Warn("Failed to store annotation", zap.String("session_id", res.SessionID), zap.Error(err))
		return
	}

	r.statsMutex.Lock()
	r.stats.Annotations++
	r.statsMutex.Unlock()

	r.mutex.RLock()
	fn := r.listeners[res.SessionID]
	r.mutex.RUnlock()
	if fn != nil {
		fn(ann)
	}
}

func (r *Registry) Stats() ProcessorStats {
	r.mutex.RLock()
	active := len(r.sessions)
	r.mutex.RUnlock()

	r.statsMutex.Lock()
	stats := r.stats
	r.statsMutex.Unlock()

	stats.ActiveSessions = active
	stats.Persist = r.persist.Stats()
	return stats
}

func (r *Registry) AnnotationStats(ctx context.Context) (*cache.CacheStats, error) {
	return r.annotations.GetStats(ctx)
}

// StartReaper ends sessions that have seen no activity for IdleTTL.
func (r *Registry) StartReaper(ctx context.Context) {
	if r.config.IdleTTL <= 0 || r.config.ReapInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.config.ReapInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.reapIdle(ctx)
			}
		}
	}()
}

func (r *Registry) reapIdle(ctx context.Context) int {
	cutoff := r.now().Add(-r.config.IdleTTL)

	var idle []string
	r.mutex.RLock()
	for id, e := range r.sessions {
		e.mu.Lock()
		if e.lastSeen.Before(cutoff) {
			idle = append(idle, id)
		}
		e.mu.Unlock()
	}
	r.mutex.RUnlock()

	for _, id := range idle {
		if _, err := r.End(ctx, id); err == nil {
			r.logger.Info("Idle session ended", zap.String("session_id", id))
		}
	}
	return len(idle)
}

// Shutdown ends every open session and waits for their records to be
// written.
func (r *Registry) Shutdown(ctx context.Context, timeout time.Duration) error {
	r.logger.Info("Shutting down session registry...")

	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	r.mutex.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mutex.RUnlock()

	for _, id := range ids {
		if _, err := r.End(ctx, id); err != nil {
			r.logger.Warn("Failed to end session", zap.String("session_id", id), zap.Error(err))
		}
	}

	if err := r.persist.Shutdown(timeout); err != nil {
		r.logger.Error("Failed to drain persist queue", zap.Error(err))
		return err
	}

	r.logger.Info("Session registry shutdown complete")
	return nil
}
