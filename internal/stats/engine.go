package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/septivank/tapflow-worker/internal/db"
	"go.uber.org/zap"
)

// Store is the persistence the engine needs. GetStats returns a nil record
// when the subject has no mapping yet.
type Store interface {
	GetStats(ctx context.Context, subject db.Subject) (*db.StatRecord, error)
	PutStats(ctx context.Context, rec *db.StatRecord) error
	SubjectPours(ctx context.Context, subject db.Subject) ([]db.Pour, error)
}

// Outcome describes how Apply brought a subject mapping up to date.
type Outcome string

const (
	OutcomeExtended  Outcome = "extended"
	OutcomeRebuilt   Outcome = "rebuilt"
	OutcomeUnchanged Outcome = "unchanged"
)

// Engine applies pours to the stat mappings of their subjects.
type Engine struct {
	builders map[db.SubjectKind]*Builder
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates an engine over the drinker, keg and session builders.
func NewEngine(logger *zap.Logger) *Engine {
	return NewEngineWithBuilders(logger, DrinkerBuilder, KegBuilder, SessionBuilder)
}

// NewEngineWithBuilders creates an engine over custom builders.
func NewEngineWithBuilders(logger *zap.Logger, builders ...*Builder) *Engine {
	e := &Engine{
		builders: make(map[db.SubjectKind]*Builder, len(builders)),
		logger:   logger,
		now:      time.Now,
	}
	for _, b := range builders {
		e.builders[b.Kind] = b
	}
	return e
}

// Builder returns the builder for a subject kind.
func (e *Engine) Builder(kind db.SubjectKind) (*Builder, bool) {
	b, ok := e.builders[kind]
	return b, ok
}

// Revisions maps each subject kind to its current builder revision.
func (e *Engine) Revisions() map[db.SubjectKind]int {
	revs := make(map[db.SubjectKind]int, len(e.builders))
	for kind, b := range e.builders {
		revs[kind] = b.Revision
	}
	return revs
}

// FactFromPour converts a persisted pour into a statistics fact.
func FactFromPour(p *db.Pour) Fact {
	return Fact{
		ID:     int64(p.ID),
		Volume: p.VolumeMl,
		Valid:  p.IsValid,
		Start:  p.StartTime.UTC(),
	}
}

// Apply folds pour into the mapping of subject. The cached mapping is
// extended when the pour is chronologically after the last fact it covers;
// a pour already covered is a no-op; anything else (no cache, stale
// revision, undecodable cache, out-of-order pour) rebuilds the subject from
// its full pour history. Callers serialize Apply per subject.
func (e *Engine) Apply(ctx context.Context, store Store, subject db.Subject, pour *db.Pour) (Outcome, error) {
	b, ok := e.builders[subject.Kind]
	if !ok {
		return "", fmt.Errorf("no stats builder for subject kind %q", subject.Kind)
	}
	fact := FactFromPour(pour)

	rec, err := store.GetStats(ctx, subject)
	if err != nil {
		return "", fmt.Errorf("failed to load stats for %s: %w", subject, err)
	}

	if rec != nil {
		switch {
		case rec.Revision != b.Revision:
			e.logger.Info("stats revision mismatch, rebuilding",
				zap.String("subject", subject.String()),
				zap.Int("stored_revision", rec.Revision),
				zap.Int("revision", b.Revision),
			)
		default:
			cached, err := b.Decode(rec.Revision, rec.Stats)
			if err != nil {
				e.logger.Warn("cached stats undecodable, rebuilding",
					zap.String("subject", subject.String()),
					zap.Error(err),
				)
				break
			}
			if b.Contains(cached, fact.ID) {
				return OutcomeUnchanged, nil
			}
			if follows(fact, rec.LastPourTime, int64(rec.LastPourID)) {
				next := b.Extend(cached, fact)
				if err := e.put(ctx, store, b, subject, next, fact); err != nil {
					return "", err
				}
				return OutcomeExtended, nil
			}
			e.logger.Debug("pour precedes cached stats, rebuilding",
				zap.String("subject", subject.String()),
				zap.Int64("pour_id", fact.ID),
			)
		}
	}

	if err := e.rebuild(ctx, store, b, subject, pour); err != nil {
		return "", err
	}
	return OutcomeRebuilt, nil
}

// Rebuild recomputes the mapping of subject from its full pour history.
func (e *Engine) Rebuild(ctx context.Context, store Store, subject db.Subject) error {
	b, ok := e.builders[subject.Kind]
	if !ok {
		return fmt.Errorf("no stats builder for subject kind %q", subject.Kind)
	}
	return e.rebuild(ctx, store, b, subject, nil)
}

func (e *Engine) rebuild(ctx context.Context, store Store, b *Builder, subject db.Subject, pour *db.Pour) error {
	pours, err := store.SubjectPours(ctx, subject)
	if err != nil {
		return fmt.Errorf("failed to load pour history for %s: %w", subject, err)
	}
	if pour != nil && !containsPour(pours, pour.ID) {
		pours = append(pours, *pour)
	}
	if len(pours) == 0 {
		return nil
	}

	facts := make([]Fact, len(pours))
	for i := range pours {
		facts[i] = FactFromPour(&pours[i])
	}
	sort.SliceStable(facts, func(i, j int) bool {
		return precedes(facts[i], facts[j])
	})

	last := len(facts) - 1
	m := b.Build(facts[last], nil, facts[:last])
	return e.put(ctx, store, b, subject, m, facts[last])
}

func (e *Engine) put(ctx context.Context, store Store, b *Builder, subject db.Subject, m Mapping, last Fact) error {
	data, err := b.Encode(m)
	if err != nil {
		return err
	}
	rec := &db.StatRecord{
		Subject:      subject,
		Revision:     b.Revision,
		LastPourID:   snowflake.ID(last.ID),
		LastPourTime: last.Start,
		Stats:        data,
		UpdatedAt:    e.now().UTC(),
	}
	if err := store.PutStats(ctx, rec); err != nil {
		return fmt.Errorf("failed to store stats for %s: %w", subject, err)
	}
	return nil
}

// precedes orders facts by start time, then id.
func precedes(a, b Fact) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.Before(b.Start)
	}
	return a.ID < b.ID
}

func follows(f Fact, lastTime time.Time, lastID int64) bool {
	return precedes(Fact{ID: lastID, Start: lastTime}, f)
}

func containsPour(pours []db.Pour, id snowflake.ID) bool {
	for i := range pours {
		if pours[i].ID == id {
			return true
		}
	}
	return false
}
