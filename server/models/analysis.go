package models

import "time"

type PositionStatus struct {
	IsReady            bool     `json:"is_ready"`
	Issues             []string `json:"issues"`
	Suggestion         *string  `json:"suggestion"`
	BodyHeightRatio    float64  `json:"body_height_ratio"`
	ShoulderWidthRatio float64  `json:"shoulder_width_ratio"`
}

type Angles struct {
	Knee           float64 `json:"knee"`
	Hip            float64 `json:"hip"`
	SpineCurvature float64 `json:"spine_curvature"`
}

type Feedback struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Score    int    `json:"score"`
	Category string `json:"category"`
	Priority int    `json:"priority"`
}

type Warnings struct {
	RoundedBack int `json:"rounded_back"`
	Other       int `json:"other"`
}

type SessionSummary struct {
	SessionID   string    `json:"session_id"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	TotalFrames int       `json:"total_frames"`
	TotalReps   int       `json:"total_reps"`
	SetsDetail  []int     `json:"sets_detail"`
	BestSet     int       `json:"best_set"`
	RepScores   []int     `json:"rep_scores"`
	AvgRepScore int       `json:"avg_rep_score"`
	Warnings    Warnings  `json:"warnings"`
}

type APIResponse struct {
	Success bool          `json:"success"`
	Data    any           `json:"data"`
	Error   *APIError     `json:"error"`
	Meta    *ResponseMeta `json:"meta"`
}

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

type ResponseMeta struct {
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	ProcessingTime float64   `json:"processing_time"`
	Version        string    `json:"version"`
}
