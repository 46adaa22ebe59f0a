package recorder_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/septivank/tapflow-worker/internal/db"
	"github.com/septivank/tapflow-worker/internal/recorder"
	"github.com/septivank/tapflow-worker/internal/repository"
	"github.com/septivank/tapflow-worker/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 12, 29, 20, 30, 0, 0, time.UTC)

func newRecorder(t *testing.T) *recorder.Recorder {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return recorder.New(validator.NewValidator(10000), node, 0.5)
}

func tap(kegID int64, mlPerTick float64) *db.Tap {
	return &db.Tap{ID: "tap-1", Name: "Left", KegID: &kegID, MlPerTick: mlPerTick}
}

func request(ticks int64) recorder.Request {
	return recorder.Request{
		TapID:     "tap-1",
		Ticks:     ticks,
		StartTime: start,
		EndTime:   start.Add(15 * time.Second),
		UserID:    "alice",
	}
}

func TestBuild_ValidPour(t *testing.T) {
	pour, err := newRecorder(t).Build(tap(4, 0.25), request(2200))
	require.NoError(t, err)

	assert.NotZero(t, pour.ID)
	assert.Equal(t, "tap-1", pour.TapID)
	assert.Equal(t, int64(2200), pour.Ticks)
	assert.InDelta(t, 550.0, pour.VolumeMl, 1e-9)
	assert.Equal(t, int64(4), pour.KegID)
	require.NotNil(t, pour.UserID)
	assert.Equal(t, "alice", *pour.UserID)
	assert.True(t, pour.IsValid)
	assert.Nil(t, pour.InvalidReason)
	assert.Nil(t, pour.SessionID)
	assert.False(t, pour.StatsApplied)
}

func TestBuild_TruncatesToStoredPrecision(t *testing.T) {
	req := request(2200)
	local := time.FixedZone("CET", 3600)
	req.StartTime = start.Add(1500 * time.Nanosecond).In(local)
	req.EndTime = start.Add(15*time.Second + 999*time.Nanosecond).In(local)

	pour, err := newRecorder(t).Build(tap(4, 0.25), req)
	require.NoError(t, err)

	assert.Equal(t, start.Add(time.Microsecond), pour.StartTime)
	assert.Equal(t, start.Add(15*time.Second), pour.EndTime)
	assert.Equal(t, time.UTC, pour.StartTime.Location())
}

func TestBuild_DefaultCalibration(t *testing.T) {
	pour, err := newRecorder(t).Build(tap(4, 0), request(2200))
	require.NoError(t, err)
	assert.InDelta(t, 1100.0, pour.VolumeMl, 1e-9)
}

func TestBuild_VolumeOverride(t *testing.T) {
	req := request(2200)
	volume := 473.0
	req.VolumeMl = &volume

	pour, err := newRecorder(t).Build(tap(4, 0.25), req)
	require.NoError(t, err)
	assert.Equal(t, 473.0, pour.VolumeMl)
}

func TestBuild_AnonymousPour(t *testing.T) {
	req := request(100)
	req.UserID = ""

	pour, err := newRecorder(t).Build(tap(4, 0.25), req)
	require.NoError(t, err)
	assert.Nil(t, pour.UserID)
}

func TestBuild_InvalidPourKeepsReason(t *testing.T) {
	pour, err := newRecorder(t).Build(tap(4, 0.25), request(20000))
	require.NoError(t, err)

	assert.False(t, pour.IsValid)
	require.NotNil(t, pour.InvalidReason)
	assert.Contains(t, *pour.InvalidReason, validator.ReasonExceedsMax)
}

func TestBuild_Rejections(t *testing.T) {
	r := newRecorder(t)

	_, err := r.Build(nil, request(100))
	assert.ErrorIs(t, err, recorder.ErrUnknownTap)
	assert.True(t, recorder.IsRejection(err))

	_, err = r.Build(&db.Tap{ID: "tap-1"}, request(100))
	assert.ErrorIs(t, err, recorder.ErrNoActiveKeg)
	assert.True(t, recorder.IsRejection(err))

	assert.False(t, recorder.IsRejection(errors.New("connection reset")))
}

func TestRecord_PersistsPour(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)

	pour, err := newRecorder(t).Record(ctx, tx, tap(4, 0.5), request(600))
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	pours := store.Pours()
	require.Len(t, pours, 1)
	assert.Equal(t, pour.ID, pours[0].ID)
	assert.InDelta(t, 300.0, pours[0].VolumeMl, 1e-9)
}

func TestRecord_RejectionWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)

	_, err = newRecorder(t).Record(ctx, tx, nil, request(600))
	require.ErrorIs(t, err, recorder.ErrUnknownTap)
	require.NoError(t, tx.Commit(ctx))

	assert.Empty(t, store.Pours())
}
