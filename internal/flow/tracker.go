// Package flow turns per-tap absolute meter readings into one relative tick
// count per physical pour.
package flow

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// Kind is the type of an ingress notification
type Kind string

const (
	KindFlowStart   Kind = "flow_start"
	KindMeterUpdate Kind = "meter_update"
	KindFlowStop    Kind = "flow_stop"
)

// Status of a tracked flow
type Status string

const (
	StatusActive    Status = "active"
	StatusIdle      Status = "idle"
	StatusCompleted Status = "completed"
)

// MeterEvent is one inbound tap notification
type MeterEvent struct {
	TapID         string
	Kind          Kind
	AbsoluteTicks int64
	Timestamp     time.Time
	UserID        string
}

// Result is a finalized flow handed to the pour recorder
type Result struct {
	TapID     string
	Ticks     int64
	StartTime time.Time
	EndTime   time.Time
	UserID    string
}

// FlowStatus is the read-only view returned by status queries. Tracking is
// false, with Status idle, when the tap has no flow.
type FlowStatus struct {
	TapID        string    `json:"tap_id"`
	Tracking     bool      `json:"tracking"`
	Status       Status    `json:"status"`
	Ticks        int64     `json:"ticks"`
	StartTime    time.Time `json:"start_time,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// Session is the in-memory state of an active pour on one tap
type Session struct {
	TapID        string
	UserID       string
	StartTime    time.Time
	LastActivity time.Time
	Status       Status

	// seen is the tracker clock reading of the last applied event. Idle
	// detection uses it instead of event timestamps, which may lag.
	seen        time.Time
	baseline    int64
	hasBaseline bool
	last        int64
	// carried holds ticks attributed before a counter reset
	carried int64
}

// Ticks returns the relative tick count so far
func (s *Session) Ticks() int64 {
	if !s.hasBaseline {
		return s.carried
	}
	return s.carried + s.last - s.baseline
}

func (s *Session) touch(ts, seen time.Time) {
	if ts.After(s.LastActivity) {
		s.LastActivity = ts
	}
	s.seen = seen
	s.Status = StatusActive
}

// Tracker owns every flow session. It is not safe for concurrent use; the
// Worker gives it a single writer.
type Tracker struct {
	sessions      map[string]*Session
	idleTimeout   time.Duration
	idleMarkAfter time.Duration
	now           func() time.Time
	logger        *zap.Logger
}

// NewTracker creates a tracker. Flows quiet for idleMarkAfter are reported
// idle and flows quiet for idleTimeout are finalized by the sweep.
func NewTracker(idleTimeout, idleMarkAfter time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		sessions:      make(map[string]*Session),
		idleTimeout:   idleTimeout,
		idleMarkAfter: idleMarkAfter,
		now:           time.Now,
		logger:        logger,
	}
}

// SetClock replaces the clock stamping event arrival. OnIdleSweep must be
// given readings of the same clock.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Handle dispatches one notification
func (t *Tracker) Handle(ev MeterEvent) (Result, bool) {
	switch ev.Kind {
	case KindFlowStart:
		t.OnFlowStart(ev.TapID, ev.UserID, ev.Timestamp)
	case KindMeterUpdate:
		t.OnMeterUpdate(ev.TapID, ev.AbsoluteTicks, ev.Timestamp)
	case KindFlowStop:
		return t.OnFlowStop(ev.TapID, ev.Timestamp)
	default:
		t.logger.Warn("unknown meter event kind",
			zap.String("tap_id", ev.TapID),
			zap.String("kind", string(ev.Kind)),
		)
	}
	return Result{}, false
}

// OnFlowStart opens a flow on tapID. A start on a tap that already has a
// flow only refreshes its activity time.
func (t *Tracker) OnFlowStart(tapID, userID string, ts time.Time) {
	if s, ok := t.sessions[tapID]; ok {
		s.touch(ts, t.now())
		if s.UserID == "" {
			s.UserID = userID
		}
		t.logger.Debug("duplicate flow start", zap.String("tap_id", tapID))
		return
	}

	t.sessions[tapID] = &Session{
		TapID:        tapID,
		UserID:       userID,
		StartTime:    ts,
		LastActivity: ts,
		Status:       StatusActive,
		seen:         t.now(),
	}
	t.logger.Debug("flow started", zap.String("tap_id", tapID))
}

// OnMeterUpdate records an absolute reading. The first reading of a flow
// becomes its baseline; a reading below the last one re-anchors the
// baseline, keeping the ticks attributed so far.
func (t *Tracker) OnMeterUpdate(tapID string, absolute int64, ts time.Time) {
	if absolute < 0 {
		t.logger.Warn("negative meter reading ignored",
			zap.String("tap_id", tapID),
			zap.Int64("absolute_ticks", absolute),
		)
		return
	}

	s, ok := t.sessions[tapID]
	if !ok {
		s = &Session{TapID: tapID, StartTime: ts, LastActivity: ts}
		t.sessions[tapID] = s
		t.logger.Debug("flow started by meter update", zap.String("tap_id", tapID))
	}

	switch {
	case !s.hasBaseline:
		s.baseline = absolute
		s.hasBaseline = true
	case absolute < s.last:
		s.carried += s.last - s.baseline
		s.baseline = absolute
		t.logger.Info("meter counter reset",
			zap.String("tap_id", tapID),
			zap.Int64("previous_ticks", s.last),
			zap.Int64("absolute_ticks", absolute),
		)
	}
	s.last = absolute
	s.touch(ts, t.now())
}

// OnFlowStop finalizes the flow on tapID. It reports false when the tap has
// no flow or the flow dispensed nothing.
func (t *Tracker) OnFlowStop(tapID string, ts time.Time) (Result, bool) {
	s, ok := t.sessions[tapID]
	if !ok {
		t.logger.Debug("flow stop without active flow", zap.String("tap_id", tapID))
		return Result{}, false
	}
	return t.finalize(s, ts)
}

// OnIdleSweep marks quiet flows idle and finalizes those past the idle
// timeout, ending them at their last activity. Quiet time is measured on
// the tracker clock since the last applied event, so events carrying old
// timestamps do not expire a live flow. Results are ordered by tap.
func (t *Tracker) OnIdleSweep(now time.Time) []Result {
	var expired []*Session
	for _, s := range t.sessions {
		quiet := now.Sub(s.seen)
		switch {
		case quiet >= t.idleTimeout:
			expired = append(expired, s)
		case quiet >= t.idleMarkAfter:
			s.Status = StatusIdle
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].TapID < expired[j].TapID })

	var results []Result
	for _, s := range expired {
		t.logger.Info("flow idle timeout",
			zap.String("tap_id", s.TapID),
			zap.Duration("quiet", now.Sub(s.seen)),
		)
		if r, ok := t.finalize(s, s.LastActivity); ok {
			results = append(results, r)
		}
	}
	return results
}

// Drain finalizes every tracked flow at its last activity.
func (t *Tracker) Drain() []Result {
	taps := make([]string, 0, len(t.sessions))
	for tapID := range t.sessions {
		taps = append(taps, tapID)
	}
	sort.Strings(taps)

	var results []Result
	for _, tapID := range taps {
		s := t.sessions[tapID]
		if r, ok := t.finalize(s, s.LastActivity); ok {
			results = append(results, r)
		}
	}
	return results
}

// Status returns the current state of the flow on tapID
func (t *Tracker) Status(tapID string) FlowStatus {
	s, ok := t.sessions[tapID]
	if !ok {
		return FlowStatus{TapID: tapID, Status: StatusIdle}
	}
	return FlowStatus{
		TapID:        tapID,
		Tracking:     true,
		Status:       s.Status,
		Ticks:        s.Ticks(),
		StartTime:    s.StartTime,
		LastActivity: s.LastActivity,
	}
}

// Len returns the number of tracked flows
func (t *Tracker) Len() int {
	return len(t.sessions)
}

func (t *Tracker) finalize(s *Session, end time.Time) (Result, bool) {
	s.Status = StatusCompleted
	delete(t.sessions, s.TapID)

	ticks := s.Ticks()
	if ticks <= 0 {
		t.logger.Info("flow finished with zero ticks, no pour",
			zap.String("tap_id", s.TapID),
		)
		return Result{}, false
	}

	t.logger.Debug("flow completed",
		zap.String("tap_id", s.TapID),
		zap.Int64("ticks", ticks),
	)
	return Result{
		TapID:     s.TapID,
		Ticks:     ticks,
		StartTime: s.StartTime,
		EndTime:   end,
		UserID:    s.UserID,
	}, true
}
