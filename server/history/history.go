// Package history stores one record per finished training session.
package history

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/san-kum/liftform/server/models"
)

var ErrNotFound = errors.New("history record not found")

// Record is keyed by the session start time.
type Record struct {
	StartedAt   time.Time       `json:"started_at"`
	SessionID   string          `json:"session_id"`
	Date        string          `json:"date"`
	DurationSec int             `json:"duration_sec"`
	TotalReps   int             `json:"total_reps"`
	SetsDetail  []int           `json:"sets_detail"`
	Warnings    models.Warnings `json:"warnings"`
	FormScore   int             `json:"form_score"`
	AvgRepScore int             `json:"avg_rep_score"`
}

type Store interface {
	Save(ctx context.Context, record Record) error
	List(ctx context.Context, limit int) ([]Record, error)
	Get(ctx context.Context, startedAt time.Time) (Record, error)
	Close()
}

// FormScore rates a whole session from its warning tally. Rounded back
// warnings weigh 5 points, every other warning 2.
func FormScore(w models.Warnings) int {
	return max(0, 100-5*w.RoundedBack-2*w.Other)
}

func NewRecord(sum models.SessionSummary) Record {
	sets := slices.Clone(sum.SetsDetail)
	if sets == nil {
		sets = []int{}
	}
	return Record{
		StartedAt:   sum.StartedAt,
		SessionID:   sum.SessionID,
		Date:        sum.StartedAt.Format(time.DateOnly),
		DurationSec: int(sum.EndedAt.Sub(sum.StartedAt).Round(time.Second) / time.Second),
		TotalReps:   sum.TotalReps,
		SetsDetail:  sets,
		Warnings:    sum.Warnings,
		FormScore:   FormScore(sum.Warnings),
		AvgRepScore: sum.AvgRepScore,
	}
}
