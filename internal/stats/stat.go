// Package stats maintains per-subject aggregate statistics that are extended
// one pour at a time instead of being recomputed from the full history.
//
// A statistic is a named fold (previous accumulator, new fact) -> next
// accumulator with a declared default. A Builder is a fixed, revisioned table
// of statistics for one subject kind.
package stats

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Fact is one pour as seen by a statistic.
type Fact struct {
	ID     int64
	Volume float64
	Valid  bool
	Start  time.Time
}

// Stat is one named, independent fold.
type Stat interface {
	Name() string
	step(prev any, present bool, f Fact) (any, bool)
	decode(raw json.RawMessage) (any, error)
}

type statFunc[T any] struct {
	name string
	def  T
	fold func(prev T, f Fact) (T, bool)
}

// Define declares a statistic. fold receives the previous accumulator (or def
// when the statistic has no value yet) and returns ok=false to opt out of a
// fact; an opted-out statistic keeps its previous accumulator unchanged and a
// statistic that never produced a value stays absent from the mapping.
//
// fold must not mutate prev: cached mappings are shared between builds.
func Define[T any](name string, def T, fold func(prev T, f Fact) (T, bool)) Stat {
	return statFunc[T]{name: name, def: def, fold: fold}
}

func (s statFunc[T]) Name() string { return s.name }

func (s statFunc[T]) step(prev any, present bool, f Fact) (any, bool) {
	acc := s.def
	if present {
		if v, ok := prev.(T); ok {
			acc = v
		}
	}
	next, ok := s.fold(acc, f)
	if !ok {
		if present {
			return prev, true
		}
		return nil, false
	}
	return next, true
}

func (s statFunc[T]) decode(raw json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode stat %s: %w", s.name, err)
	}
	return v, nil
}

// Average is the running (count, mean) pair of volume-avg.
type Average struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
}

// Extremum is a running volume extreme and the pour that set it.
type Extremum struct {
	Volume float64 `json:"volume"`
	PourID int64   `json:"pour_id"`
}

// Moment is a running extremal timestamp and the pour that set it.
type Moment struct {
	Time   time.Time `json:"time"`
	PourID int64     `json:"pour_id"`
}

// Statistic names
const (
	TotalVolume     = "total-volume"
	TotalCount      = "total-count"
	VolumeAvg       = "volume-avg"
	VolumeMax       = "volume-max"
	VolumeMin       = "volume-min"
	DateFirst       = "date-first"
	DateLast        = "date-last"
	VolumeByWeekday = "volume-by-weekday"
	IDs             = "ids"
)

// Reference returns the statistic set shared by every builder. Volume
// statistics skip invalid pours; counts, dates and ids include them.
func Reference() []Stat {
	return []Stat{
		Define(TotalVolume, 0.0, func(prev float64, f Fact) (float64, bool) {
			if !f.Valid {
				return prev, false
			}
			return prev + f.Volume, true
		}),
		Define(TotalCount, int64(0), func(prev int64, f Fact) (int64, bool) {
			return prev + 1, true
		}),
		Define(VolumeAvg, Average{}, func(prev Average, f Fact) (Average, bool) {
			if !f.Valid {
				return prev, false
			}
			count := prev.Count + 1
			mean := (prev.Mean*float64(prev.Count) + f.Volume) / float64(count)
			return Average{Count: count, Mean: mean}, true
		}),
		Define(VolumeMax, (*Extremum)(nil), func(prev *Extremum, f Fact) (*Extremum, bool) {
			if !f.Valid {
				return prev, false
			}
			if prev != nil && prev.Volume >= f.Volume {
				return prev, true
			}
			return &Extremum{Volume: f.Volume, PourID: f.ID}, true
		}),
		Define(VolumeMin, (*Extremum)(nil), func(prev *Extremum, f Fact) (*Extremum, bool) {
			if !f.Valid {
				return prev, false
			}
			if prev != nil && prev.Volume <= f.Volume {
				return prev, true
			}
			return &Extremum{Volume: f.Volume, PourID: f.ID}, true
		}),
		Define(DateFirst, (*Moment)(nil), func(prev *Moment, f Fact) (*Moment, bool) {
			if prev != nil && !prev.Time.After(f.Start) {
				return prev, true
			}
			return &Moment{Time: f.Start, PourID: f.ID}, true
		}),
		Define(DateLast, (*Moment)(nil), func(prev *Moment, f Fact) (*Moment, bool) {
			if prev != nil && !prev.Time.Before(f.Start) {
				return prev, true
			}
			return &Moment{Time: f.Start, PourID: f.ID}, true
		}),
		Define(VolumeByWeekday, map[int]float64(nil), func(prev map[int]float64, f Fact) (map[int]float64, bool) {
			if !f.Valid {
				return prev, false
			}
			next := make(map[int]float64, 7)
			for i := 0; i < 7; i++ {
				next[i] = prev[i]
			}
			next[Weekday(f.Start)] += f.Volume
			return next, true
		}),
		Define(IDs, []int64(nil), func(prev []int64, f Fact) ([]int64, bool) {
			for _, id := range prev {
				if id == f.ID {
					return prev, true
				}
			}
			next := make([]int64, len(prev), len(prev)+1)
			copy(next, prev)
			return append(next, f.ID), true
		}),
	}
}

// Weekday indexes days from Monday (0) to Sunday (6).
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}
