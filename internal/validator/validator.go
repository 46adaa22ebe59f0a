package validator

import (
	"fmt"
	"time"
)

// Anomaly reasons recorded on invalid pours
const (
	ReasonZeroTicks      = "zero ticks"
	ReasonExceedsMax     = "exceeds maximum single pour"
	ReasonNegativeTicks  = "negative ticks"
	ReasonEndBeforeStart = "end time before start time"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid       bool
	AnomalyReason string
}

// PourData represents a finalized flow awaiting validation
type PourData struct {
	Ticks     int64
	StartTime time.Time
	EndTime   time.Time
}

// Validator handles pour validation with configurable parameters
type Validator struct {
	maxTicks int64
}

// NewValidator creates a new validator with the specified maximum single-pour tick count
func NewValidator(maxTicks int64) *Validator {
	return &Validator{
		maxTicks: maxTicks,
	}
}

// MaxTicks returns the maximum single-pour tick count
func (v *Validator) MaxTicks() int64 {
	return v.maxTicks
}

// ValidatePour checks a finalized flow. Invalid pours are still persisted
// for audit but excluded from volume aggregates.
func (v *Validator) ValidatePour(pour PourData) ValidationResult {
	result := ValidationResult{IsValid: true}

	switch {
	case pour.Ticks < 0:
		result.IsValid = false
		result.AnomalyReason = ReasonNegativeTicks
	case pour.Ticks == 0:
		result.IsValid = false
		result.AnomalyReason = ReasonZeroTicks
	case pour.Ticks > v.maxTicks:
		result.IsValid = false
		result.AnomalyReason = fmt.Sprintf("%s: %d ticks > %d", ReasonExceedsMax, pour.Ticks, v.maxTicks)
	case pour.EndTime.Before(pour.StartTime):
		result.IsValid = false
		result.AnomalyReason = ReasonEndBeforeStart
	}

	return result
}
