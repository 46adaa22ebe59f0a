// Package recorder validates finalized flows and commits them as pours.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/septivank/tapflow-worker/internal/db"
	"github.com/septivank/tapflow-worker/internal/validator"
)

var (
	// ErrUnknownTap rejects flows from taps with no configuration
	ErrUnknownTap = errors.New("unknown tap")
	// ErrNoActiveKeg rejects flows from taps with no keg mounted
	ErrNoActiveKeg = errors.New("no active keg on tap")
)

// Request is one finalized dispense awaiting recording
type Request struct {
	TapID     string
	Ticks     int64
	StartTime time.Time
	EndTime   time.Time
	UserID    string
	// VolumeMl overrides the calibrated volume when set
	VolumeMl *float64
}

// PourWriter persists pours
type PourWriter interface {
	InsertPour(ctx context.Context, pour *db.Pour) error
}

// Recorder turns requests into pours
type Recorder struct {
	validator        *validator.Validator
	node             *snowflake.Node
	defaultMlPerTick float64
}

// New creates a recorder. defaultMlPerTick applies to taps without a calibration factor.
func New(v *validator.Validator, node *snowflake.Node, defaultMlPerTick float64) *Recorder {
	return &Recorder{validator: v, node: node, defaultMlPerTick: defaultMlPerTick}
}

// Build validates req against the tap's current configuration and returns
// the pour to persist. tap is nil when the tap is not configured.
func (r *Recorder) Build(tap *db.Tap, req Request) (*db.Pour, error) {
	if tap == nil {
		return nil, fmt.Errorf("tap %q: %w", req.TapID, ErrUnknownTap)
	}
	if tap.KegID == nil {
		return nil, fmt.Errorf("tap %q: %w", req.TapID, ErrNoActiveKeg)
	}

	mlPerTick := tap.MlPerTick
	if mlPerTick <= 0 {
		mlPerTick = r.defaultMlPerTick
	}
	volume := float64(req.Ticks) * mlPerTick
	if req.VolumeMl != nil {
		volume = *req.VolumeMl
	}

	result := r.validator.ValidatePour(validator.PourData{
		Ticks:     req.Ticks,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	})

	// Postgres keeps microseconds; the in-memory pour must order the same
	// way as the stored one.
	pour := &db.Pour{
		ID:        r.node.Generate(),
		TapID:     req.TapID,
		Ticks:     req.Ticks,
		VolumeMl:  volume,
		StartTime: req.StartTime.UTC().Truncate(time.Microsecond),
		EndTime:   req.EndTime.UTC().Truncate(time.Microsecond),
		KegID:     *tap.KegID,
		IsValid:   result.IsValid,
	}
	if req.UserID != "" {
		user := req.UserID
		pour.UserID = &user
	}
	if !result.IsValid {
		reason := result.AnomalyReason
		pour.InvalidReason = &reason
	}
	return pour, nil
}

// Record builds the pour and persists it through w
func (r *Recorder) Record(ctx context.Context, w PourWriter, tap *db.Tap, req Request) (*db.Pour, error) {
	pour, err := r.Build(tap, req)
	if err != nil {
		return nil, err
	}
	if err := w.InsertPour(ctx, pour); err != nil {
		return nil, fmt.Errorf("failed to record pour: %w", err)
	}
	return pour, nil
}

// IsRejection reports whether err is a configuration rejection rather than a failure
func IsRejection(err error) bool {
	return errors.Is(err, ErrUnknownTap) || errors.Is(err, ErrNoActiveKeg)
}
