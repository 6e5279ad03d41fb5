package models

import (
	"encoding/json"
	"fmt"
)

// SpineStatus classifies spine rounding risk. Monitoring is advisory only and
// never appears as a confirmed status.
type SpineStatus string

const (
	SpineSafe       SpineStatus = "safe"
	SpineMonitoring SpineStatus = "monitoring"
	SpineWarning    SpineStatus = "warning"
	SpineDanger     SpineStatus = "danger"
	SpineCritical   SpineStatus = "critical"
)

func (s SpineStatus) Valid() bool {
	switch s {
	case SpineSafe, SpineMonitoring, SpineWarning, SpineDanger, SpineCritical:
		return true
	}
	return false
}

// Confirmable reports whether s may be used as a confirmed status.
func (s SpineStatus) Confirmable() bool {
	return s.Valid() && s != SpineMonitoring
}

// Alerting reports whether s should raise a user-facing alert.
func (s SpineStatus) Alerting() bool {
	return s == SpineDanger || s == SpineCritical
}

func (s *SpineStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v := SpineStatus(raw)
	if !v.Valid() {
		return fmt.Errorf("unknown spine status %q", raw)
	}
	*s = v
	return nil
}

// Phase is one step of the lift cycle STANDING → DESCENDING → BOTTOM → ASCENDING.
type Phase string

const (
	PhaseStanding   Phase = "STANDING"
	PhaseDescending Phase = "DESCENDING"
	PhaseBottom     Phase = "BOTTOM"
	PhaseAscending  Phase = "ASCENDING"
)
