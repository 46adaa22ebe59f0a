package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/septivank/tapflow-worker/internal/db"
	"github.com/septivank/tapflow-worker/internal/lock"
	"github.com/septivank/tapflow-worker/internal/metrics"
	"github.com/septivank/tapflow-worker/internal/mq"
	"github.com/septivank/tapflow-worker/internal/recorder"
	"github.com/septivank/tapflow-worker/internal/repository"
	"github.com/septivank/tapflow-worker/internal/session"
	"github.com/septivank/tapflow-worker/internal/stats"
	"go.uber.org/zap"
)

// PourPublisher receives pour-recorded facts after commit
type PourPublisher interface {
	PublishPourRecorded(ctx context.Context, event mq.PourRecordedEvent) error
}

// Committer records pours and keeps their session and stats consistent.
// A pour, its session assignment and the stat mappings of its subjects are
// written in one transaction.
type Committer struct {
	store     repository.Store
	recorder  *recorder.Recorder
	grouper   *session.Grouper
	engine    *stats.Engine
	locker    lock.Locker
	publisher PourPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// CommitterDeps groups the collaborators of a Committer. Publisher and
// Metrics are optional.
type CommitterDeps struct {
	Store     repository.Store
	Recorder  *recorder.Recorder
	Grouper   *session.Grouper
	Engine    *stats.Engine
	Locker    lock.Locker
	Publisher PourPublisher
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// NewCommitter creates a Committer
func NewCommitter(deps CommitterDeps) *Committer {
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Committer{
		store:     deps.Store,
		recorder:  deps.Recorder,
		grouper:   deps.Grouper,
		engine:    deps.Engine,
		locker:    locker,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}
}

// downstream is what applyDownstream changed, reported once committed
type downstream struct {
	// sessionCreated is nil when the pour already had a session
	sessionCreated *bool
	outcomes       map[db.SubjectKind]stats.Outcome
}

// Commit records req as a pour. Configuration rejections (unknown tap, no
// keg) are returned as errors matching recorder.IsRejection and create
// nothing. When session or stats work fails the pour is still persisted,
// flagged for the repair pass.
func (c *Committer) Commit(ctx context.Context, req recorder.Request) (*db.Pour, error) {
	started := time.Now()
	logger := c.logger.With(zap.String("tap_id", req.TapID))

	tap, err := c.store.GetTap(ctx, req.TapID)
	if errors.Is(err, repository.ErrNotFound) {
		tap, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tap: %w", err)
	}

	pour, err := c.recorder.Build(tap, req)
	if err != nil {
		if recorder.IsRejection(err) {
			logger.Warn("flow rejected, no pour recorded",
				zap.Int64("ticks", req.Ticks),
				zap.Error(err),
			)
			c.metrics.PourRejected(rejectionReason(err))
		}
		return nil, err
	}
	logger = logger.With(zap.String("pour_id", pour.ID.String()))

	unlock, err := c.locker.Lock(ctx, c.lockKeys(pour)...)
	if err != nil {
		return nil, fmt.Errorf("failed to lock pour subjects: %w", err)
	}
	defer unlock()

	committed, ds, err := c.commitUnit(ctx, pour)
	if err != nil {
		logger.Error("pour commit failed, persisting pour for repair", zap.Error(err))
		if committed, err = c.commitBare(ctx, pour); err != nil {
			logger.Error("failed to persist pour", zap.Error(err))
			return nil, err
		}
		c.metrics.CommitFallback()
	} else {
		c.report(ds)
	}

	c.metrics.PourRecorded(committed.IsValid, committed.VolumeMl)
	c.metrics.CommitDone(started)

	fields := []zap.Field{
		zap.Int64("ticks", committed.Ticks),
		zap.Float64("volume_ml", committed.VolumeMl),
		zap.Bool("is_valid", committed.IsValid),
		zap.Bool("stats_applied", committed.StatsApplied),
	}
	if committed.SessionID != nil {
		fields = append(fields, zap.String("session_id", committed.SessionID.String()))
	}
	logger.Info("pour recorded", fields...)

	c.publish(ctx, committed, logger)
	return committed, nil
}

func (c *Committer) commitUnit(ctx context.Context, pour *db.Pour) (*db.Pour, downstream, error) {
	p := *pour
	p.SessionID = nil
	p.StatsApplied = false

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return nil, downstream{}, err
	}
	defer tx.Rollback(ctx)

	if err := tx.InsertPour(ctx, &p); err != nil {
		return nil, downstream{}, err
	}
	ds, err := c.applyDownstream(ctx, tx, &p)
	if err != nil {
		return nil, downstream{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, downstream{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &p, ds, nil
}

func (c *Committer) commitBare(ctx context.Context, pour *db.Pour) (*db.Pour, error) {
	p := *pour
	p.SessionID = nil
	p.StatsApplied = false

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := tx.InsertPour(ctx, &p); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &p, nil
}

// applyDownstream assigns p to a session when it has none, then folds it
// into the stat mapping of every subject. Safe to repeat for the same pour.
func (c *Committer) applyDownstream(ctx context.Context, tx repository.Tx, p *db.Pour) (downstream, error) {
	ds := downstream{outcomes: make(map[db.SubjectKind]stats.Outcome, 3)}

	if p.SessionID == nil {
		a, err := c.grouper.Assign(ctx, tx, p)
		if err != nil {
			return ds, fmt.Errorf("failed to assign session: %w", err)
		}
		ds.sessionCreated = &a.Created
		if err := c.refreshRegrouped(ctx, tx, a); err != nil {
			return ds, err
		}
	}

	for _, subject := range p.Subjects() {
		outcome, err := c.engine.Apply(ctx, tx, subject, p)
		if err != nil {
			return ds, err
		}
		ds.outcomes[subject.Kind] = outcome
	}

	if err := tx.SetStatsApplied(ctx, p.ID, true); err != nil {
		return ds, err
	}
	p.StatsApplied = true
	return ds, nil
}

// refreshRegrouped drops the mappings of sessions a regroup removed and
// rebuilds every regrouped session other than the pour's own, which the
// caller applies.
func (c *Committer) refreshRegrouped(ctx context.Context, tx repository.Tx, a session.Assignment) error {
	for _, id := range a.Dropped {
		subject := db.Subject{Kind: db.SubjectSession, ID: id.String()}
		if err := tx.DeleteSubjectStats(ctx, subject); err != nil {
			return err
		}
	}
	for _, id := range a.Regrouped {
		if id == a.Session.ID {
			continue
		}
		subject := db.Subject{Kind: db.SubjectSession, ID: id.String()}
		if err := c.engine.Rebuild(ctx, tx, subject); err != nil {
			return err
		}
	}
	if len(a.Dropped) > 0 {
		c.logger.Info("out of order pour regrouped its scope",
			zap.String("scope", a.Session.Scope),
			zap.Int("dropped", len(a.Dropped)),
			zap.Int("regrouped", len(a.Regrouped)),
		)
	}
	return nil
}

func (c *Committer) report(ds downstream) {
	if ds.sessionCreated != nil {
		c.metrics.SessionAssigned(*ds.sessionCreated)
	}
	for kind, outcome := range ds.outcomes {
		c.metrics.StatsUpdated(string(kind), string(outcome))
	}
}

func (c *Committer) publish(ctx context.Context, p *db.Pour, logger *zap.Logger) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishPourRecorded(ctx, pourRecordedEvent(p)); err != nil {
		// Subscribers are fire-and-forget; the pour is already committed
		c.metrics.PublishFailed()
		logger.Error("failed to publish pour recorded event", zap.Error(err))
	}
}

// lockKeys covers the session scope and the user and keg subjects of p.
// Session subjects are reached only through their scope.
func (c *Committer) lockKeys(p *db.Pour) []string {
	keys := []string{scopeLockKey(c.grouper.ScopeKey(p))}
	for _, subject := range p.Subjects() {
		if subject.Kind != db.SubjectSession {
			keys = append(keys, subject.String())
		}
	}
	return keys
}

func scopeLockKey(scope string) string {
	return "scope:" + scope
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, recorder.ErrNoActiveKeg):
		return "no_active_keg"
	case errors.Is(err, recorder.ErrUnknownTap):
		return "unknown_tap"
	default:
		return "other"
	}
}

func pourRecordedEvent(p *db.Pour) mq.PourRecordedEvent {
	event := mq.PourRecordedEvent{
		PourID:       p.ID.String(),
		TapID:        p.TapID,
		KegID:        p.KegID,
		Ticks:        p.Ticks,
		VolumeMl:     p.VolumeMl,
		StartTime:    p.StartTime.Format(time.RFC3339Nano),
		EndTime:      p.EndTime.Format(time.RFC3339Nano),
		IsValid:      p.IsValid,
		StatsApplied: p.StatsApplied,
	}
	if p.UserID != nil {
		event.UserID = *p.UserID
	}
	if p.SessionID != nil {
		event.SessionID = p.SessionID.String()
	}
	if p.InvalidReason != nil {
		event.InvalidReason = *p.InvalidReason
	}
	return event
}

// Stats returns the current stat mapping of subject, or nil when it has none
func (c *Committer) Stats(ctx context.Context, subject db.Subject) (*stats.Mapping, error) {
	b, ok := c.engine.Builder(subject.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown subject kind %q", subject.Kind)
	}

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rec, err := tx.GetStats(ctx, subject)
	if err != nil || rec == nil {
		return nil, err
	}
	m, err := b.Decode(rec.Revision, rec.Stats)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SessionPours returns the pours grouped into session, ordered by end time.
// It returns repository.ErrNotFound when the session has no pours.
func (c *Committer) SessionPours(ctx context.Context, sessionID snowflake.ID) ([]db.Pour, error) {
	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	pours, err := tx.SessionPours(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pours of session %s: %w", sessionID, err)
	}
	if len(pours) == 0 {
		return nil, repository.ErrNotFound
	}
	return pours, nil
}
