package service

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/tapflow-worker/internal/db"
	"github.com/septivank/tapflow-worker/internal/metrics"
	"go.uber.org/zap"
)

// RepairReport summarizes one repair pass
type RepairReport struct {
	Pours    int `json:"pours"`
	Subjects int `json:"subjects"`
	Failed   int `json:"failed"`
}

// Repair finishes pours committed without a session or stats and rebuilds
// stat mappings written by an older builder revision. Each item commits on
// its own; a failed item is logged and retried by the next pass.
func (c *Committer) Repair(ctx context.Context, limit int) (RepairReport, error) {
	var report RepairReport

	pours, err := c.pendingPours(ctx, limit)
	if err != nil {
		return report, err
	}
	for i := range pours {
		if err := c.repairPour(ctx, &pours[i]); err != nil {
			report.Failed++
			c.metrics.Repair(metrics.RepairFailed)
			c.logger.Error("failed to repair pour",
				zap.String("pour_id", pours[i].ID.String()),
				zap.Error(err),
			)
			continue
		}
		report.Pours++
		c.metrics.Repair(metrics.RepairFixed)
	}

	subjects, err := c.staleSubjects(ctx)
	if err != nil {
		return report, err
	}
	for _, subject := range subjects {
		if err := c.rebuildSubject(ctx, subject); err != nil {
			report.Failed++
			c.metrics.Repair(metrics.RepairFailed)
			c.logger.Error("failed to rebuild stats",
				zap.String("subject", subject.String()),
				zap.Error(err),
			)
			continue
		}
		report.Subjects++
		c.metrics.Repair(metrics.RepairFixed)
	}

	if report.Pours+report.Subjects+report.Failed > 0 {
		c.logger.Info("repair pass finished",
			zap.Int("pours", report.Pours),
			zap.Int("subjects", report.Subjects),
			zap.Int("failed", report.Failed),
		)
	}
	return report, nil
}

// RunRepairLoop runs Repair every interval until ctx is done
func (c *Committer) RunRepairLoop(ctx context.Context, interval time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := c.Repair(ctx, limit); err != nil && ctx.Err() == nil {
			c.logger.Error("repair pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Committer) pendingPours(ctx context.Context, limit int) ([]db.Pour, error) {
	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	pours, err := tx.PoursNeedingRepair(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pours needing repair: %w", err)
	}
	return pours, nil
}

func (c *Committer) staleSubjects(ctx context.Context) ([]db.Subject, error) {
	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	subjects, err := tx.StaleStats(ctx, c.engine.Revisions())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale stats: %w", err)
	}
	return subjects, nil
}

func (c *Committer) repairPour(ctx context.Context, pending *db.Pour) error {
	unlock, err := c.locker.Lock(ctx, c.lockKeys(pending)...)
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Re-read under the lock: a concurrent pass may have finished it
	p, err := tx.GetPour(ctx, pending.ID)
	if err != nil {
		return err
	}
	if p.SessionID != nil && p.StatsApplied {
		return nil
	}

	ds, err := c.applyDownstream(ctx, tx, p)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	c.report(ds)
	return nil
}

func (c *Committer) rebuildSubject(ctx context.Context, subject db.Subject) error {
	keys, err := c.subjectLockKeys(ctx, subject)
	if err != nil {
		return err
	}
	unlock, err := c.locker.Lock(ctx, keys...)
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := c.engine.Rebuild(ctx, tx, subject); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	c.metrics.StatsUpdated(string(subject.Kind), "rebuilt")
	return nil
}

// subjectLockKeys maps a subject to the keys commits hold while touching it.
// Session subjects are guarded by the scope of their pours.
func (c *Committer) subjectLockKeys(ctx context.Context, subject db.Subject) ([]string, error) {
	if subject.Kind != db.SubjectSession {
		return []string{subject.String()}, nil
	}

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	pours, err := tx.SubjectPours(ctx, subject)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, 1)
	for i := range pours {
		keys = append(keys, scopeLockKey(c.grouper.ScopeKey(&pours[i])))
	}
	return keys, nil
}
