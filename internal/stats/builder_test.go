package stats_test

import (
	"testing"
	"time"

	"github.com/septivank/tapflow-worker/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Monday
var monday = time.Date(2025, 12, 29, 20, 0, 0, 0, time.UTC)

func fact(id int64, volume float64, start time.Time) stats.Fact {
	return stats.Fact{ID: id, Volume: volume, Valid: true, Start: start}
}

func invalid(f stats.Fact) stats.Fact {
	f.Valid = false
	return f
}

func TestReplay_ReferenceStats(t *testing.T) {
	b := stats.DrinkerBuilder
	facts := []stats.Fact{
		fact(1, 100, monday),
		invalid(fact(2, 9000, monday.Add(time.Hour))),
		fact(3, 200, monday.Add(25*time.Hour)),
	}

	m := b.Replay(facts)

	assert.Equal(t, b.Revision, m.Revision)
	assert.Equal(t, 300.0, m.Values[stats.TotalVolume])
	assert.Equal(t, int64(3), m.Values[stats.TotalCount])
	assert.Equal(t, stats.Average{Count: 2, Mean: 150}, m.Values[stats.VolumeAvg])
	assert.Equal(t, &stats.Extremum{Volume: 200, PourID: 3}, m.Values[stats.VolumeMax])
	assert.Equal(t, &stats.Extremum{Volume: 100, PourID: 1}, m.Values[stats.VolumeMin])
	assert.Equal(t, &stats.Moment{Time: monday, PourID: 1}, m.Values[stats.DateFirst])
	assert.Equal(t, &stats.Moment{Time: monday.Add(25 * time.Hour), PourID: 3}, m.Values[stats.DateLast])
	assert.Equal(t, []int64{1, 2, 3}, m.Values[stats.IDs])

	weekdays, ok := m.Values[stats.VolumeByWeekday].(map[int]float64)
	require.True(t, ok)
	assert.Equal(t, 100.0, weekdays[0])
	assert.Equal(t, 200.0, weekdays[1])
	assert.Len(t, weekdays, 7)
}

func TestReplay_Empty(t *testing.T) {
	m := stats.KegBuilder.Replay(nil)
	assert.Empty(t, m.Values)
	assert.Equal(t, stats.KegBuilder.Revision, m.Revision)
}

func TestExtend_OptedOutStatsStayAbsentUntilFirstValue(t *testing.T) {
	b := stats.SessionBuilder

	m := b.Extend(b.Empty(), invalid(fact(1, 50, monday)))

	_, hasVolume := m.Get(stats.TotalVolume)
	_, hasMax := m.Get(stats.VolumeMax)
	assert.False(t, hasVolume)
	assert.False(t, hasMax)
	assert.Equal(t, int64(1), m.Values[stats.TotalCount])
	assert.Equal(t, []int64{1}, m.Values[stats.IDs])
}

func TestExtend_OptedOutStatsCarryPreviousValue(t *testing.T) {
	b := stats.SessionBuilder

	m := b.Extend(b.Empty(), fact(1, 50, monday))
	m = b.Extend(m, invalid(fact(2, 5000, monday.Add(time.Minute))))

	assert.Equal(t, 50.0, m.Values[stats.TotalVolume])
	assert.Equal(t, &stats.Extremum{Volume: 50, PourID: 1}, m.Values[stats.VolumeMax])
	assert.Equal(t, &stats.Moment{Time: monday.Add(time.Minute), PourID: 2}, m.Values[stats.DateLast])
}

func TestExtend_AccumulatorsNeverRegress(t *testing.T) {
	facts := []stats.Fact{
		invalid(fact(1, 40, monday)),
		fact(2, 300, monday.Add(time.Minute)),
		fact(3, 120, monday.Add(time.Hour)),
		invalid(fact(4, 9000, monday.Add(2*time.Hour))),
		fact(5, 0.5, monday.Add(26*time.Hour)),
		fact(6, 450, monday.Add(50*time.Hour)),
		invalid(fact(7, 10, monday.Add(51*time.Hour))),
	}

	for _, b := range []*stats.Builder{stats.DrinkerBuilder, stats.KegBuilder, stats.SessionBuilder} {
		m := b.Empty()
		var (
			volume  float64
			count   int64
			top     *stats.Extremum
			last    *stats.Moment
			sawMax  bool
			sawLast bool
		)
		for _, f := range facts {
			m = b.Extend(m, f)

			if v, ok := m.Get(stats.TotalVolume); ok {
				assert.GreaterOrEqual(t, v.(float64), volume, "%s total volume after pour %d", b.Kind, f.ID)
				volume = v.(float64)
			}
			if v, ok := m.Get(stats.TotalCount); ok {
				assert.Greater(t, v.(int64), count, "%s total count after pour %d", b.Kind, f.ID)
				count = v.(int64)
			}
			if v, ok := m.Get(stats.VolumeMax); ok {
				cur := v.(*stats.Extremum)
				if sawMax {
					assert.GreaterOrEqual(t, cur.Volume, top.Volume, "%s max volume after pour %d", b.Kind, f.ID)
				}
				top, sawMax = cur, true
			} else {
				assert.False(t, sawMax, "max volume disappeared after pour %d", f.ID)
			}
			if v, ok := m.Get(stats.DateLast); ok {
				cur := v.(*stats.Moment)
				if sawLast {
					assert.False(t, cur.Time.Before(last.Time), "%s last date after pour %d", b.Kind, f.ID)
				}
				last, sawLast = cur, true
			}
		}
	}
}

func TestExtend_DoesNotMutateStart(t *testing.T) {
	b := stats.DrinkerBuilder
	start := b.Replay([]stats.Fact{fact(1, 100, monday)})

	_ = b.Extend(start, fact(2, 300, monday.Add(time.Hour)))

	assert.Equal(t, []int64{1}, start.Values[stats.IDs])
	assert.Equal(t, 100.0, start.Values[stats.TotalVolume])
	weekdays := start.Values[stats.VolumeByWeekday].(map[int]float64)
	assert.Equal(t, 100.0, weekdays[0])
}

func TestExtend_TiesKeepFirstSeen(t *testing.T) {
	b := stats.DrinkerBuilder

	m := b.Replay([]stats.Fact{
		fact(1, 250, monday),
		fact(2, 250, monday),
	})

	assert.Equal(t, &stats.Extremum{Volume: 250, PourID: 1}, m.Values[stats.VolumeMax])
	assert.Equal(t, &stats.Extremum{Volume: 250, PourID: 1}, m.Values[stats.VolumeMin])
	assert.Equal(t, &stats.Moment{Time: monday, PourID: 1}, m.Values[stats.DateFirst])
	assert.Equal(t, &stats.Moment{Time: monday, PourID: 1}, m.Values[stats.DateLast])
}

func TestIncrementalMatchesRebuild(t *testing.T) {
	b := stats.KegBuilder
	facts := []stats.Fact{
		fact(1, 120, monday),
		fact(2, 330, monday.Add(2*time.Hour)),
		invalid(fact(3, 0, monday.Add(3*time.Hour))),
		fact(4, 75.5, monday.Add(50*time.Hour)),
		fact(5, 410, monday.Add(6*24*time.Hour)),
	}

	cached := b.Empty()
	for _, f := range facts {
		data, err := b.Encode(cached)
		require.NoError(t, err)
		decoded, err := b.Decode(b.Revision, data)
		require.NoError(t, err)
		cached = b.Extend(decoded, f)
	}

	incremental, err := b.Encode(cached)
	require.NoError(t, err)
	rebuilt, err := b.Encode(b.Replay(facts))
	require.NoError(t, err)

	got, err := b.Decode(b.Revision, incremental)
	require.NoError(t, err)
	want, err := b.Decode(b.Revision, rebuilt)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestBuild_StalePrevRevisionRebuilds(t *testing.T) {
	b := stats.DrinkerBuilder
	history := []stats.Fact{fact(1, 100, monday)}
	stale := stats.Mapping{Revision: b.Revision + 1, Values: map[string]any{stats.TotalVolume: 99999.0}}

	m := b.Build(fact(2, 50, monday.Add(time.Hour)), &stale, history)

	assert.Equal(t, 150.0, m.Values[stats.TotalVolume])
}

func TestContains(t *testing.T) {
	b := stats.DrinkerBuilder
	m := b.Replay([]stats.Fact{fact(1, 100, monday), fact(7, 100, monday)})

	assert.True(t, b.Contains(m, 7))
	assert.False(t, b.Contains(m, 8))
	assert.False(t, b.Contains(b.Empty(), 1))
}

func TestDecode_DropsUnknownStats(t *testing.T) {
	b := stats.DrinkerBuilder

	m, err := b.Decode(b.Revision, []byte(`{"total-count":4,"retired-stat":true}`))
	require.NoError(t, err)

	assert.Equal(t, int64(4), m.Values[stats.TotalCount])
	_, ok := m.Get("retired-stat")
	assert.False(t, ok)
}

func TestDecode_Garbage(t *testing.T) {
	_, err := stats.DrinkerBuilder.Decode(1, []byte(`not json`))
	assert.Error(t, err)

	_, err = stats.DrinkerBuilder.Decode(1, []byte(`{"total-count":"many"}`))
	assert.Error(t, err)
}

func TestDefine_CustomStat(t *testing.T) {
	longest := stats.Define("longest-gap", time.Duration(0), func(prev time.Duration, f stats.Fact) (time.Duration, bool) {
		return prev + time.Second, true
	})
	b := stats.NewBuilder("custom", 3, longest)

	m := b.Replay([]stats.Fact{fact(1, 1, monday), fact(2, 1, monday)})

	assert.Equal(t, []string{"longest-gap"}, b.Names())
	assert.Equal(t, 2*time.Second, m.Values["longest-gap"])
}

func TestWeekday(t *testing.T) {
	assert.Equal(t, 0, stats.Weekday(monday))
	assert.Equal(t, 5, stats.Weekday(monday.AddDate(0, 0, 5)))
	assert.Equal(t, 6, stats.Weekday(monday.AddDate(0, 0, 6)))
}
