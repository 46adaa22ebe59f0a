package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/septivank/tapflow-worker/internal/db"
	"github.com/septivank/tapflow-worker/internal/mq"
	"github.com/septivank/tapflow-worker/internal/recorder"
	"github.com/septivank/tapflow-worker/internal/repository"
	"github.com/septivank/tapflow-worker/internal/service"
	"github.com/septivank/tapflow-worker/internal/session"
	"github.com/septivank/tapflow-worker/internal/stats"
	"github.com/septivank/tapflow-worker/internal/validator"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testMaxTicks  = 10000
	testMlPerTick = 0.5
	testGap       = 2 * time.Hour
)

var base = time.Date(2025, 12, 26, 18, 0, 0, 0, time.UTC)

type fakePublisher struct {
	mu     sync.Mutex
	events []mq.PourRecordedEvent
	err    error
}

func (p *fakePublisher) PublishPourRecorded(_ context.Context, event mq.PourRecordedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) all() []mq.PourRecordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]mq.PourRecordedEvent(nil), p.events...)
}

// flakyStore fails stat writes while failStats is set
type flakyStore struct {
	*repository.MemoryStore
	mu        sync.Mutex
	failStats bool
}

func (s *flakyStore) setFailStats(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStats = v
}

func (s *flakyStore) failing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failStats
}

func (s *flakyStore) BeginTx(ctx context.Context) (repository.Tx, error) {
	tx, err := s.MemoryStore.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyTx{Tx: tx, store: s}, nil
}

type flakyTx struct {
	repository.Tx
	store *flakyStore
}

func (t *flakyTx) PutStats(ctx context.Context, rec *db.StatRecord) error {
	if t.store.failing() {
		return errors.New("stats storage unavailable")
	}
	return t.Tx.PutStats(ctx, rec)
}

func newNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func newCommitter(t *testing.T, store repository.Store, pub service.PourPublisher) *service.Committer {
	t.Helper()
	node := newNode(t)
	return service.NewCommitter(service.CommitterDeps{
		Store:     store,
		Recorder:  recorder.New(validator.NewValidator(testMaxTicks), node, testMlPerTick),
		Grouper:   session.NewGrouper(testGap, session.ScopeGlobal, node),
		Engine:    stats.NewEngine(zap.NewNop()),
		Publisher: pub,
		Logger:    zap.NewNop(),
	})
}

func putTap(t *testing.T, store repository.Store, tapID string, kegID int64) {
	t.Helper()
	keg := kegID
	require.NoError(t, store.PutTap(context.Background(), &db.Tap{ID: tapID, Name: tapID, KegID: &keg, MlPerTick: testMlPerTick}))
}

func request(tapID, user string, ticks int64, start time.Time) recorder.Request {
	return recorder.Request{
		TapID:     tapID,
		Ticks:     ticks,
		StartTime: start,
		EndTime:   start.Add(20 * time.Second),
		UserID:    user,
	}
}

func decodeStats(t *testing.T, store *repository.MemoryStore, subject db.Subject) stats.Mapping {
	t.Helper()
	rec := store.Stats(subject)
	require.NotNil(t, rec, "no stats for %s", subject)

	engine := stats.NewEngine(zap.NewNop())
	b, ok := engine.Builder(subject.Kind)
	require.True(t, ok)
	m, err := b.Decode(rec.Revision, rec.Stats)
	require.NoError(t, err)
	return m
}

func keg(id string) db.Subject  { return db.Subject{Kind: db.SubjectKeg, ID: id} }
func user(id string) db.Subject { return db.Subject{Kind: db.SubjectUser, ID: id} }
