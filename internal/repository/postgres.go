package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/tapflow-worker/internal/db"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore handles database operations on PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// GetTap retrieves a tap's current configuration
func (s *PostgresStore) GetTap(ctx context.Context, tapID string) (*db.Tap, error) {
	return getTap(ctx, s.pool, tapID)
}

// PutTap creates or updates a tap's configuration
func (s *PostgresStore) PutTap(ctx context.Context, tap *db.Tap) error {
	query := `
		INSERT INTO taps (id, name, keg_id, ml_per_tick)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, keg_id = EXCLUDED.keg_id, ml_per_tick = EXCLUDED.ml_per_tick
	`
	if _, err := s.pool.Exec(ctx, query, tap.ID, tap.Name, tap.KegID, tap.MlPerTick); err != nil {
		return fmt.Errorf("failed to upsert tap: %w", err)
	}
	return nil
}

// BeginTx starts a new transaction
func (s *PostgresStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func (t *pgTx) GetTap(ctx context.Context, tapID string) (*db.Tap, error) {
	return getTap(ctx, t.tx, tapID)
}

func getTap(ctx context.Context, q querier, tapID string) (*db.Tap, error) {
	query := `
		SELECT id, name, keg_id, ml_per_tick
		FROM taps
		WHERE id = $1
	`
	var tap db.Tap
	err := q.QueryRow(ctx, query, tapID).Scan(&tap.ID, &tap.Name, &tap.KegID, &tap.MlPerTick)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tap: %w", err)
	}
	return &tap, nil
}

const pourColumns = `id, tap_id, ticks, volume_ml, start_time, end_time, user_id, keg_id,
	session_id, is_valid, invalid_reason, stats_applied`

func scanPour(row pgx.Row) (db.Pour, error) {
	var (
		p         db.Pour
		id        int64
		sessionID *int64
	)
	err := row.Scan(&id, &p.TapID, &p.Ticks, &p.VolumeMl, &p.StartTime, &p.EndTime, &p.UserID,
		&p.KegID, &sessionID, &p.IsValid, &p.InvalidReason, &p.StatsApplied)
	if err != nil {
		return db.Pour{}, err
	}
	p.ID = snowflake.ID(id)
	if sessionID != nil {
		sid := snowflake.ID(*sessionID)
		p.SessionID = &sid
	}
	p.StartTime = p.StartTime.UTC()
	p.EndTime = p.EndTime.UTC()
	return p, nil
}

func (t *pgTx) queryPours(ctx context.Context, query string, args ...any) ([]db.Pour, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pours: %w", err)
	}
	defer rows.Close()

	var pours []db.Pour
	for rows.Next() {
		p, err := scanPour(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pour: %w", err)
		}
		pours = append(pours, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return pours, nil
}

func sessionIDArg(id *snowflake.ID) *int64 {
	if id == nil {
		return nil
	}
	v := id.Int64()
	return &v
}

func (t *pgTx) InsertPour(ctx context.Context, p *db.Pour) error {
	query := `
		INSERT INTO pours (` + pourColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := t.tx.Exec(ctx, query,
		p.ID.Int64(), p.TapID, p.Ticks, p.VolumeMl, p.StartTime, p.EndTime, p.UserID,
		p.KegID, sessionIDArg(p.SessionID), p.IsValid, p.InvalidReason, p.StatsApplied,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pour: %w", err)
	}
	return nil
}

func (t *pgTx) GetPour(ctx context.Context, id snowflake.ID) (*db.Pour, error) {
	query := `SELECT ` + pourColumns + ` FROM pours WHERE id = $1`
	p, err := scanPour(t.tx.QueryRow(ctx, query, id.Int64()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pour: %w", err)
	}
	return &p, nil
}

func (t *pgTx) SetPourSession(ctx context.Context, pourID snowflake.ID, sessionID *snowflake.ID) error {
	_, err := t.tx.Exec(ctx, `UPDATE pours SET session_id = $1 WHERE id = $2`, sessionIDArg(sessionID), pourID.Int64())
	if err != nil {
		return fmt.Errorf("failed to update pour session: %w", err)
	}
	return nil
}

func (t *pgTx) SetStatsApplied(ctx context.Context, pourID snowflake.ID, applied bool) error {
	_, err := t.tx.Exec(ctx, `UPDATE pours SET stats_applied = $1 WHERE id = $2`, applied, pourID.Int64())
	if err != nil {
		return fmt.Errorf("failed to update pour stats flag: %w", err)
	}
	return nil
}

func (t *pgTx) AllPours(ctx context.Context) ([]db.Pour, error) {
	return t.queryPours(ctx, `SELECT `+pourColumns+` FROM pours ORDER BY end_time, id`)
}

func (t *pgTx) PoursNeedingRepair(ctx context.Context, limit int) ([]db.Pour, error) {
	query := `
		SELECT ` + pourColumns + `
		FROM pours
		WHERE session_id IS NULL OR NOT stats_applied
		ORDER BY end_time, id
		LIMIT $1
	`
	return t.queryPours(ctx, query, limit)
}

const sessionColumns = `id, scope, start_time, end_time, total_volume_ml`

func (t *pgTx) LatestSession(ctx context.Context, scope string) (*db.DrinkingSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM drinking_sessions
		WHERE scope = $1
		ORDER BY end_time DESC, id DESC
		LIMIT 1
	`
	var (
		s  db.DrinkingSession
		id int64
	)
	err := t.tx.QueryRow(ctx, query, scope).Scan(&id, &s.Scope, &s.StartTime, &s.EndTime, &s.TotalVolumeMl)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest session: %w", err)
	}
	s.ID = snowflake.ID(id)
	s.StartTime = s.StartTime.UTC()
	s.EndTime = s.EndTime.UTC()
	return &s, nil
}

func (t *pgTx) InsertSession(ctx context.Context, s *db.DrinkingSession) error {
	query := `
		INSERT INTO drinking_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := t.tx.Exec(ctx, query, s.ID.Int64(), s.Scope, s.StartTime, s.EndTime, s.TotalVolumeMl); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateSession(ctx context.Context, s *db.DrinkingSession) error {
	query := `
		UPDATE drinking_sessions
		SET start_time = $1, end_time = $2, total_volume_ml = $3
		WHERE id = $4
	`
	if _, err := t.tx.Exec(ctx, query, s.StartTime, s.EndTime, s.TotalVolumeMl, s.ID.Int64()); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func (t *pgTx) SessionPours(ctx context.Context, sessionID snowflake.ID) ([]db.Pour, error) {
	query := `SELECT ` + pourColumns + ` FROM pours WHERE session_id = $1 ORDER BY end_time, id`
	return t.queryPours(ctx, query, sessionID.Int64())
}

func (t *pgTx) ClearSessions(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, `UPDATE pours SET session_id = NULL WHERE session_id IS NOT NULL`); err != nil {
		return fmt.Errorf("failed to detach pours from sessions: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM drinking_sessions`); err != nil {
		return fmt.Errorf("failed to delete sessions: %w", err)
	}
	return nil
}

func (t *pgTx) ClearScopeSessions(ctx context.Context, scope string) ([]snowflake.ID, error) {
	query := `
		UPDATE pours SET session_id = NULL
		WHERE session_id IN (SELECT id FROM drinking_sessions WHERE scope = $1)
	`
	if _, err := t.tx.Exec(ctx, query, scope); err != nil {
		return nil, fmt.Errorf("failed to detach pours from scope %s: %w", scope, err)
	}
	rows, err := t.tx.Query(ctx, `DELETE FROM drinking_sessions WHERE scope = $1 RETURNING id`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to delete sessions of scope %s: %w", scope, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan deleted sessions: %w", err)
	}
	dropped := make([]snowflake.ID, len(ids))
	for i, id := range ids {
		dropped[i] = snowflake.ID(id)
	}
	return dropped, nil
}

func (t *pgTx) GetStats(ctx context.Context, subject db.Subject) (*db.StatRecord, error) {
	query := `
		SELECT revision, last_pour_id, last_pour_time, stats, updated_at
		FROM stat_mappings
		WHERE subject_kind = $1 AND subject_id = $2
	`
	rec := db.StatRecord{Subject: subject}
	var lastPourID int64
	err := t.tx.QueryRow(ctx, query, string(subject.Kind), subject.ID).Scan(
		&rec.Revision, &lastPourID, &rec.LastPourTime, &rec.Stats, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	rec.LastPourID = snowflake.ID(lastPourID)
	rec.LastPourTime = rec.LastPourTime.UTC()
	return &rec, nil
}

func (t *pgTx) PutStats(ctx context.Context, rec *db.StatRecord) error {
	query := `
		INSERT INTO stat_mappings (subject_kind, subject_id, revision, last_pour_id, last_pour_time, stats, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject_kind, subject_id) DO UPDATE
		SET revision = EXCLUDED.revision,
			last_pour_id = EXCLUDED.last_pour_id,
			last_pour_time = EXCLUDED.last_pour_time,
			stats = EXCLUDED.stats,
			updated_at = EXCLUDED.updated_at
	`
	_, err := t.tx.Exec(ctx, query,
		string(rec.Subject.Kind), rec.Subject.ID, rec.Revision, rec.LastPourID.Int64(),
		rec.LastPourTime, rec.Stats, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert stats: %w", err)
	}
	return nil
}

func (t *pgTx) SubjectPours(ctx context.Context, subject db.Subject) ([]db.Pour, error) {
	var column string
	var arg any
	switch subject.Kind {
	case db.SubjectUser:
		column, arg = "user_id", subject.ID
	case db.SubjectKeg, db.SubjectSession:
		id, err := strconv.ParseInt(subject.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s id %q: %w", subject.Kind, subject.ID, err)
		}
		column, arg = "keg_id", id
		if subject.Kind == db.SubjectSession {
			column = "session_id"
		}
	default:
		return nil, fmt.Errorf("unknown subject kind %q", subject.Kind)
	}
	query := `SELECT ` + pourColumns + ` FROM pours WHERE ` + column + ` = $1 ORDER BY start_time, id`
	return t.queryPours(ctx, query, arg)
}

func (t *pgTx) DeleteStats(ctx context.Context, kind db.SubjectKind) error {
	var err error
	if kind == "" {
		_, err = t.tx.Exec(ctx, `DELETE FROM stat_mappings`)
	} else {
		_, err = t.tx.Exec(ctx, `DELETE FROM stat_mappings WHERE subject_kind = $1`, string(kind))
	}
	if err != nil {
		return fmt.Errorf("failed to delete stats: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteSubjectStats(ctx context.Context, subject db.Subject) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM stat_mappings WHERE subject_kind = $1 AND subject_id = $2`,
		string(subject.Kind), subject.ID)
	if err != nil {
		return fmt.Errorf("failed to delete stats for %s: %w", subject, err)
	}
	return nil
}

func (t *pgTx) StaleStats(ctx context.Context, revisions map[db.SubjectKind]int) ([]db.Subject, error) {
	var subjects []db.Subject
	for kind, revision := range revisions {
		rows, err := t.tx.Query(ctx,
			`SELECT subject_id FROM stat_mappings WHERE subject_kind = $1 AND revision <> $2`,
			string(kind), revision)
		if err != nil {
			return nil, fmt.Errorf("failed to query stale stats: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale stats: %w", err)
		}
		for _, id := range ids {
			subjects = append(subjects, db.Subject{Kind: kind, ID: id})
		}
	}
	return subjects, nil
}

func (t *pgTx) Subjects(ctx context.Context) ([]db.Subject, error) {
	query := `
		SELECT 'user', user_id FROM pours WHERE user_id IS NOT NULL AND user_id <> '' GROUP BY user_id
		UNION ALL
		SELECT 'keg', keg_id::text FROM pours GROUP BY keg_id
		UNION ALL
		SELECT 'session', session_id::text FROM pours WHERE session_id IS NOT NULL GROUP BY session_id
	`
	rows, err := t.tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query subjects: %w", err)
	}
	defer rows.Close()

	var subjects []db.Subject
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		subjects = append(subjects, db.Subject{Kind: db.SubjectKind(kind), ID: id})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return subjects, nil
}
