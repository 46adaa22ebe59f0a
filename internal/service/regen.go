package service

import (
	"context"
	"fmt"

	"github.com/septivank/tapflow-worker/internal/db"
	"github.com/septivank/tapflow-worker/internal/lock"
	"github.com/septivank/tapflow-worker/internal/session"
	"go.uber.org/zap"
)

// RegenReport summarizes an administrative regeneration
type RegenReport struct {
	Sessions int `json:"sessions"`
	Subjects int `json:"subjects"`
}

// RegenerateSessions discards every drinking session and rebuilds them by
// replaying all pours in end time order. Session stats are rebuilt too since
// session identities change. Runs as one transaction while holding the lock
// keys of every stored pour, so concurrent commits wait.
func (c *Committer) RegenerateSessions(ctx context.Context) (RegenReport, error) {
	var report RegenReport

	unlock, err := c.lockHistory(ctx)
	if err != nil {
		return report, err
	}
	defer unlock()

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return report, err
	}
	defer tx.Rollback(ctx)

	created, err := c.grouper.Regenerate(ctx, tx)
	if err != nil {
		return report, fmt.Errorf("failed to regenerate sessions: %w", err)
	}
	report.Sessions = created

	rebuilt, err := c.rebuildKind(ctx, tx, db.SubjectSession)
	if err != nil {
		return report, err
	}
	report.Subjects = rebuilt

	if err := tx.Commit(ctx); err != nil {
		return report, fmt.Errorf("failed to commit transaction: %w", err)
	}
	c.logger.Info("sessions regenerated",
		zap.Int("sessions", report.Sessions),
		zap.Int("subjects", report.Subjects),
	)
	return report, nil
}

// RegenerateStats discards the stat mappings of kind, or of every kind when
// kind is empty, and rebuilds them from the full pour history. Holds the same
// locks as RegenerateSessions.
func (c *Committer) RegenerateStats(ctx context.Context, kind db.SubjectKind) (RegenReport, error) {
	var report RegenReport

	unlock, err := c.lockHistory(ctx)
	if err != nil {
		return report, err
	}
	defer unlock()

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return report, err
	}
	defer tx.Rollback(ctx)

	rebuilt, err := c.rebuildKind(ctx, tx, kind)
	if err != nil {
		return report, err
	}
	report.Subjects = rebuilt

	if err := tx.Commit(ctx); err != nil {
		return report, fmt.Errorf("failed to commit transaction: %w", err)
	}
	c.logger.Info("stats regenerated",
		zap.String("kind", string(kind)),
		zap.Int("subjects", report.Subjects),
	)
	return report, nil
}

// lockHistory acquires the scope, user and keg keys of every stored pour. A
// pour committed between listing and locking may add keys, so the listing
// repeats until the held set covers it.
func (c *Committer) lockHistory(ctx context.Context) (func(), error) {
	var (
		unlock func()
		held   map[string]struct{}
	)
	for {
		keys, err := c.historyKeys(ctx)
		if err != nil {
			if unlock != nil {
				unlock()
			}
			return nil, err
		}
		if unlock != nil && covers(held, keys) {
			return unlock, nil
		}
		if unlock != nil {
			unlock()
		}

		unlock, err = c.locker.Lock(ctx, keys...)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire regeneration locks: %w", err)
		}
		held = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			held[k] = struct{}{}
		}
	}
}

func (c *Committer) historyKeys(ctx context.Context) ([]string, error) {
	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	pours, err := tx.AllPours(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pours: %w", err)
	}
	keys := []string{scopeLockKey(string(session.ScopeGlobal))}
	for i := range pours {
		keys = append(keys, c.lockKeys(&pours[i])...)
	}
	return lock.Keys(keys), nil
}

func covers(held map[string]struct{}, keys []string) bool {
	for _, k := range keys {
		if _, ok := held[k]; !ok {
			return false
		}
	}
	return true
}

type regenTx interface {
	DeleteStats(ctx context.Context, kind db.SubjectKind) error
	Subjects(ctx context.Context) ([]db.Subject, error)
	GetStats(ctx context.Context, subject db.Subject) (*db.StatRecord, error)
	PutStats(ctx context.Context, rec *db.StatRecord) error
	SubjectPours(ctx context.Context, subject db.Subject) ([]db.Pour, error)
}

func (c *Committer) rebuildKind(ctx context.Context, tx regenTx, kind db.SubjectKind) (int, error) {
	if err := tx.DeleteStats(ctx, kind); err != nil {
		return 0, fmt.Errorf("failed to delete stats: %w", err)
	}
	subjects, err := tx.Subjects(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list subjects: %w", err)
	}

	rebuilt := 0
	for _, subject := range subjects {
		if kind != "" && subject.Kind != kind {
			continue
		}
		if err := c.engine.Rebuild(ctx, tx, subject); err != nil {
			return rebuilt, err
		}
		rebuilt++
	}
	return rebuilt, nil
}
