package service_test

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/septivank/tapflow-worker/internal/db"
	"github.com/septivank/tapflow-worker/internal/recorder"
	"github.com/septivank/tapflow-worker/internal/repository"
	"github.com/septivank/tapflow-worker/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommit_PourSessionAndStats(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	putTap(t, store, "tap-1", 7)
	pub := &fakePublisher{}
	c := newCommitter(t, store, pub)

	first, err := c.Commit(ctx, request("tap-1", "alice", 600, base))
	require.NoError(t, err)
	second, err := c.Commit(ctx, request("tap-1", "alice", 400, base.Add(10*time.Minute)))
	require.NoError(t, err)

	assert.True(t, first.StatsApplied)
	require.NotNil(t, first.SessionID)
	require.NotNil(t, second.SessionID)
	assert.Equal(t, *first.SessionID, *second.SessionID)

	sessions := store.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, base, sessions[0].StartTime)
	assert.Equal(t, second.EndTime, sessions[0].EndTime)
	assert.InDelta(t, 500.0, sessions[0].TotalVolumeMl, 1e-9)

	userStats := decodeStats(t, store, user("alice"))
	assert.InDelta(t, 500.0, userStats.Values[stats.TotalVolume].(float64), 1e-9)
	assert.Equal(t, int64(2), userStats.Values[stats.TotalCount])
	assert.Equal(t, []int64{int64(first.ID), int64(second.ID)}, userStats.Values[stats.IDs])

	kegStats := decodeStats(t, store, keg("7"))
	assert.Equal(t, int64(2), kegStats.Values[stats.TotalCount])

	sessionStats := decodeStats(t, store, db.Subject{Kind: db.SubjectSession, ID: first.SessionID.String()})
	assert.InDelta(t, 500.0, sessionStats.Values[stats.TotalVolume].(float64), 1e-9)

	events := pub.all()
	require.Len(t, events, 2)
	assert.Equal(t, first.ID.String(), events[0].PourID)
	assert.Equal(t, "alice", events[0].UserID)
	assert.Equal(t, first.SessionID.String(), events[0].SessionID)
}

func TestCommit_GapStartsNewSession(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	putTap(t, store, "tap-1", 7)
	c := newCommitter(t, store, nil)

	_, err := c.Commit(ctx, request("tap-1", "", 100, base))
	require.NoError(t, err)
	_, err = c.Commit(ctx, request("tap-1", "", 100, base.Add(3*time.Hour)))
	require.NoError(t, err)

	assert.Len(t, store.Sessions(), 2)
}

func TestCommit_Rejections(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	require.NoError(t, store.PutTap(ctx, &db.Tap{ID: "tap-dry", Name: "dry"}))
	c := newCommitter(t, store, nil)

	_, err := c.Commit(ctx, request("tap-dry", "", 100, base))
	assert.ErrorIs(t, err, recorder.ErrNoActiveKeg)

	_, err = c.Commit(ctx, request("tap-missing", "", 100, base))
	assert.ErrorIs(t, err, recorder.ErrUnknownTap)
	assert.True(t, recorder.IsRejection(err))

	assert.Empty(t, store.Pours())
	assert.Empty(t, store.Sessions())
}

func TestCommit_InvalidPourExcludedFromVolume(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	putTap(t, store, "tap-1", 7)
	c := newCommitter(t, store, nil)

	p, err := c.Commit(ctx, request("tap-1", "", testMaxTicks+1, base))
	require.NoError(t, err)
	assert.False(t, p.IsValid)
	require.NotNil(t, p.InvalidReason)

	m := decodeStats(t, store, keg("7"))
	assert.Equal(t, int64(1), m.Values[stats.TotalCount])
	_, hasVolume := m.Values[stats.TotalVolume]
	assert.False(t, hasVolume)
	_, hasMax := m.Values[stats.VolumeMax]
	assert.False(t, hasMax)

	require.Len(t, store.Sessions(), 1)
	assert.Zero(t, store.Sessions()[0].TotalVolumeMl)
}

func TestCommit_FallbackThenRepair(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: repository.NewMemoryStore()}
	putTap(t, store, "tap-1", 7)
	c := newCommitter(t, store, nil)

	store.setFailStats(true)
	p, err := c.Commit(ctx, request("tap-1", "bob", 300, base))
	require.NoError(t, err)
	assert.False(t, p.StatsApplied)
	assert.Nil(t, p.SessionID)

	pours := store.Pours()
	require.Len(t, pours, 1)
	assert.Nil(t, pours[0].SessionID)
	assert.Empty(t, store.Sessions(), "session work is rolled back with the stats")
	assert.Nil(t, store.Stats(keg("7")))

	report, err := c.Repair(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	store.setFailStats(false)
	report, err = c.Repair(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pours)
	assert.Zero(t, report.Failed)

	pours = store.Pours()
	require.NotNil(t, pours[0].SessionID)
	assert.True(t, pours[0].StatsApplied)
	m := decodeStats(t, store.MemoryStore, user("bob"))
	assert.InDelta(t, 150.0, m.Values[stats.TotalVolume].(float64), 1e-9)

	report, err = c.Repair(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Pours+report.Subjects+report.Failed)
}

func TestCommit_PublishFailureKeepsPour(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	putTap(t, store, "tap-1", 7)
	c := newCommitter(t, store, &fakePublisher{err: errors.New("broker down")})

	p, err := c.Commit(ctx, request("tap-1", "", 100, base))
	require.NoError(t, err)
	assert.True(t, p.StatsApplied)
	assert.Len(t, store.Pours(), 1)
}

func TestCommit_OutOfOrderPourRebuildsStats(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	putTap(t, store, "tap-1", 7)
	c := newCommitter(t, store, nil)

	late, err := c.Commit(ctx, request("tap-1", "dave", 200, base.Add(time.Hour)))
	require.NoError(t, err)
	early, err := c.Commit(ctx, request("tap-1", "dave", 100, base))
	require.NoError(t, err)

	m := decodeStats(t, store, user("dave"))
	assert.Equal(t, []int64{int64(early.ID), int64(late.ID)}, m.Values[stats.IDs])
	first := m.Values[stats.DateFirst].(*stats.Moment)
	assert.Equal(t, int64(early.ID), first.PourID)

	rec := store.Stats(user("dave"))
	assert.Equal(t, late.ID, rec.LastPourID)
}

func TestRepair_RebuildsStaleRevision(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	putTap(t, store, "tap-1", 7)
	c := newCommitter(t, store, nil)

	_, err := c.Commit(ctx, request("tap-1", "erin", 100, base))
	require.NoError(t, err)

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	rec, err := tx.GetStats(ctx, keg("7"))
	require.NoError(t, err)
	rec.Revision = 0
	rec.Stats = []byte(`{"total-volume":"garbage"}`)
	require.NoError(t, tx.PutStats(ctx, rec))
	require.NoError(t, tx.Commit(ctx))

	report, err := c.Repair(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Subjects)

	m := decodeStats(t, store, keg("7"))
	assert.Equal(t, 1, store.Stats(keg("7")).Revision)
	assert.InDelta(t, 50.0, m.Values[stats.TotalVolume].(float64), 1e-9)
}

type sessionShape struct {
	start, end time.Time
	volume     float64
	members    string
}

func sessionShapes(t *testing.T, store *repository.MemoryStore) []sessionShape {
	t.Helper()
	members := map[string][]string{}
	for _, p := range store.Pours() {
		require.NotNil(t, p.SessionID)
		members[p.SessionID.String()] = append(members[p.SessionID.String()], p.ID.String())
	}

	var shapes []sessionShape
	for _, s := range store.Sessions() {
		ids := members[s.ID.String()]
		sort.Strings(ids)
		joined := ""
		for _, id := range ids {
			joined += id + ","
		}
		shapes = append(shapes, sessionShape{start: s.StartTime, end: s.EndTime, volume: s.TotalVolumeMl, members: joined})
	}
	return shapes
}

func TestRegenerateSessions_MatchesIncremental(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	putTap(t, store, "tap-1", 7)
	putTap(t, store, "tap-2", 8)
	c := newCommitter(t, store, nil)

	offsets := []time.Duration{0, 30 * time.Minute, 90 * time.Minute, 5 * time.Hour, 5*time.Hour + time.Minute, 9 * time.Hour}
	for i, off := range offsets {
		tapID := "tap-1"
		if i%2 == 1 {
			tapID = "tap-2"
		}
		_, err := c.Commit(ctx, request(tapID, "frank", int64(100*(i+1)), base.Add(off)))
		require.NoError(t, err)
	}

	incremental := sessionShapes(t, store)
	require.Len(t, incremental, 3)
	sessionStatsBefore := len(incremental)

	report, err := c.RegenerateSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Sessions)
	assert.Equal(t, sessionStatsBefore, report.Subjects)

	assert.Equal(t, incremental, sessionShapes(t, store))

	for _, s := range store.Sessions() {
		m := decodeStats(t, store, db.Subject{Kind: db.SubjectSession, ID: s.ID.String()})
		assert.InDelta(t, s.TotalVolumeMl, m.Values[stats.TotalVolume].(float64), 1e-9)
	}
}

func TestCommit_LatePourMatchesRegeneratedSessions(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	putTap(t, store, "tap-1", 7)
	c := newCommitter(t, store, nil)

	first, err := c.Commit(ctx, request("tap-1", "hana", 400, base.Add(5*24*time.Hour)))
	require.NoError(t, err)
	require.NotNil(t, first.SessionID)
	replaced := db.Subject{Kind: db.SubjectSession, ID: first.SessionID.String()}
	require.NotNil(t, store.Stats(replaced))

	late, err := c.Commit(ctx, request("tap-1", "hana", 200, base))
	require.NoError(t, err)

	incremental := sessionShapes(t, store)
	require.Len(t, incremental, 2)
	assert.Equal(t, base, incremental[0].start)
	assert.Equal(t, late.EndTime, incremental[0].end)
	assert.InDelta(t, 100.0, incremental[0].volume, 1e-9)

	for _, s := range store.Sessions() {
		m := decodeStats(t, store, db.Subject{Kind: db.SubjectSession, ID: s.ID.String()})
		assert.InDelta(t, s.TotalVolumeMl, m.Values[stats.TotalVolume].(float64), 1e-9)
	}
	assert.Nil(t, store.Stats(replaced), "mappings of replaced sessions are dropped")

	_, err = c.RegenerateSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, incremental, sessionShapes(t, store))
}

func TestRegenerateStats_MatchesIncremental(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	putTap(t, store, "tap-1", 7)
	c := newCommitter(t, store, nil)

	volumes := []int64{300, 0, 700, testMaxTicks + 5, 700, 120}
	for i, ticks := range volumes {
		_, err := c.Commit(ctx, request("tap-1", "gina", ticks, base.Add(time.Duration(i)*26*time.Hour)))
		require.NoError(t, err)
	}

	before := decodeStats(t, store, user("gina"))
	kegBefore := decodeStats(t, store, keg("7"))

	report, err := c.RegenerateStats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2+len(store.Sessions()), report.Subjects)

	assert.Equal(t, before.Values, decodeStats(t, store, user("gina")).Values)
	assert.Equal(t, kegBefore.Values, decodeStats(t, store, keg("7")).Values)

	assert.Equal(t, int64(len(volumes)), before.Values[stats.TotalCount])
	largest := before.Values[stats.VolumeMax].(*stats.Extremum)
	assert.InDelta(t, 350.0, largest.Volume, 1e-9)
}
