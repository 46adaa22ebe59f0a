package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/septivank/tapflow-worker/internal/db"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// Store is the persistence used by the pour pipeline and operator tooling
type Store interface {
	GetTap(ctx context.Context, tapID string) (*db.Tap, error)
	PutTap(ctx context.Context, tap *db.Tap) error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is one logical unit of work. Everything a pour commit touches goes
// through a single Tx so readers never see a pour without its session and
// stats.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	GetTap(ctx context.Context, tapID string) (*db.Tap, error)

	InsertPour(ctx context.Context, pour *db.Pour) error
	GetPour(ctx context.Context, id snowflake.ID) (*db.Pour, error)
	SetPourSession(ctx context.Context, pourID snowflake.ID, sessionID *snowflake.ID) error
	SetStatsApplied(ctx context.Context, pourID snowflake.ID, applied bool) error
	// AllPours returns every pour ordered by end time, then id
	AllPours(ctx context.Context) ([]db.Pour, error)
	// PoursNeedingRepair returns pours lacking a session or applied stats, oldest first
	PoursNeedingRepair(ctx context.Context, limit int) ([]db.Pour, error)

	// LatestSession returns the most recently ended session of scope, or nil
	LatestSession(ctx context.Context, scope string) (*db.DrinkingSession, error)
	InsertSession(ctx context.Context, s *db.DrinkingSession) error
	UpdateSession(ctx context.Context, s *db.DrinkingSession) error
	SessionPours(ctx context.Context, sessionID snowflake.ID) ([]db.Pour, error)
	// ClearSessions detaches every pour and deletes all sessions
	ClearSessions(ctx context.Context) error
	// ClearScopeSessions detaches the pours of every session of scope, deletes
	// those sessions and returns their ids
	ClearScopeSessions(ctx context.Context, scope string) ([]snowflake.ID, error)

	// GetStats returns the subject mapping, or nil when there is none
	GetStats(ctx context.Context, subject db.Subject) (*db.StatRecord, error)
	PutStats(ctx context.Context, rec *db.StatRecord) error
	// SubjectPours returns the pours of subject ordered by start time, then id
	SubjectPours(ctx context.Context, subject db.Subject) ([]db.Pour, error)
	// DeleteStats removes the mappings of kind, or all mappings when kind is empty
	DeleteStats(ctx context.Context, kind db.SubjectKind) error
	DeleteSubjectStats(ctx context.Context, subject db.Subject) error
	// StaleStats lists subjects whose mapping revision differs from revisions
	StaleStats(ctx context.Context, revisions map[db.SubjectKind]int) ([]db.Subject, error)
	// Subjects lists every subject referenced by at least one pour
	Subjects(ctx context.Context) ([]db.Subject, error)
}
