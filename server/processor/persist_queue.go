package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/liftform/server/history"
)

var ErrQueueFull = errors.New("persist queue full")

// PersistQueue writes finished session records to the history store on a
// small worker pool so that ending a session never waits on the database.
type PersistQueue struct {
	items     chan history.Record
	store     history.Store
	logger    *zap.Logger
	timeout   time.Duration
	wg        sync.WaitGroup
	mutex     sync.RWMutex
	isRunning bool

	saved  int64
	failed int64
}

type QueueStats struct {
	CurrentSize int   `json:"current_size"`
	MaxCapacity int   `json:"max_capacity"`
	Saved       int64 `json:"saved"`
	Failed      int64 `json:"failed"`
	IsRunning   bool  `json:"is_running"`
}

func NewPersistQueue(store history.Store, queueSize, workers int, timeout time.Duration, logger *zap.Logger) *PersistQueue {
	q := &PersistQueue{
		items:     make(chan history.Record, queueSize),
		store:     store,
		logger:    logger,
		timeout:   timeout,
		isRunning: true,
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	return q
}

func (q *PersistQueue) worker() {
	defer q.wg.Done()

	for record := range q.items {
		q.save(record)
	}
}

func (q *PersistQueue) save(record history.Record) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Persist worker panic",
				zap.String("session_id", record.SessionID),
				zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	err := q.store.Save(ctx, record)

	q.mutex.Lock()
	if err != nil {
		q.failed++
	} else {
		q.saved++
	}
	q.mutex.Unlock()

	if err != nil {
		q.logger.Error("Failed to persist training history",
			zap.String("session_id", record.SessionID),
			zap.Error(err))
		return
	}
	q.logger.Debug("Persisted training history", zap.String("session_id", record.SessionID))
}

// Enqueue hands the record to a worker without blocking.
func (q *PersistQueue) Enqueue(record history.Record) error {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	if !q.isRunning {
		return fmt.Errorf("persist queue stopped")
	}

	select {
	case q.items <- record:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting records and waits for pending ones to be written.
func (q *PersistQueue) Shutdown(timeout time.Duration) error {
	q.mutex.Lock()
	if !q.isRunning {
		q.mutex.Unlock()
		return nil
	}
	q.isRunning = false
	close(q.items)
	q.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (q *PersistQueue) Stats() QueueStats {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	return QueueStats{
		CurrentSize: len(q.items),
		MaxCapacity: cap(q.items),
		Saved:       q.saved,
		Failed:      q.failed,
		IsRunning:   q.isRunning,
	}
}
