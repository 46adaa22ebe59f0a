package stats

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/septivank/tapflow-worker/internal/db"
)

// Mapping is the accumulator set of one subject, tagged with the revision of
// the builder that produced it.
type Mapping struct {
	Revision int
	Values   map[string]any
}

// Get returns the accumulator stored under name.
func (m Mapping) Get(name string) (any, bool) {
	v, ok := m.Values[name]
	return v, ok
}

// Builder is a fixed, versioned set of statistics for one subject kind.
// Bump Revision whenever an accumulator shape changes; stored mappings with a
// different revision are discarded and rebuilt.
type Builder struct {
	Kind     db.SubjectKind
	Revision int
	stats    []Stat
	byName   map[string]Stat
}

// NewBuilder creates a builder over the given statistics.
func NewBuilder(kind db.SubjectKind, revision int, stats ...Stat) *Builder {
	byName := make(map[string]Stat, len(stats))
	for _, s := range stats {
		byName[s.Name()] = s
	}
	return &Builder{Kind: kind, Revision: revision, stats: stats, byName: byName}
}

// Builders for each subject dimension
var (
	DrinkerBuilder = NewBuilder(db.SubjectUser, 1, Reference()...)
	KegBuilder     = NewBuilder(db.SubjectKeg, 1, Reference()...)
	SessionBuilder = NewBuilder(db.SubjectSession, 1, Reference()...)
)

// Names lists the statistics in declaration order.
func (b *Builder) Names() []string {
	names := make([]string, len(b.stats))
	for i, s := range b.stats {
		names[i] = s.Name()
	}
	return names
}

// Empty returns the mapping every subject starts from.
func (b *Builder) Empty() Mapping {
	return Mapping{Revision: b.Revision, Values: map[string]any{}}
}

// Extend folds one fact into start and returns the next mapping. start is not
// modified.
func (b *Builder) Extend(start Mapping, f Fact) Mapping {
	next := Mapping{Revision: b.Revision, Values: make(map[string]any, len(b.stats))}
	for _, s := range b.stats {
		prev, present := start.Values[s.Name()]
		if v, ok := s.step(prev, present, f); ok {
			next.Values[s.Name()] = v
		}
	}
	return next
}

// Build computes the mapping after fact f. When prev is a mapping of the
// current revision for the fact immediately preceding f, it is extended
// directly. Otherwise every position of history is rebuilt from empty, each
// fact starting from the accumulators of the facts before it.
func (b *Builder) Build(f Fact, prev *Mapping, history []Fact) Mapping {
	if prev == nil || prev.Revision != b.Revision {
		start := b.Empty()
		for i := range history {
			start = b.Build(history[i], &start, history[:i])
		}
		prev = &start
	}
	return b.Extend(*prev, f)
}

// Replay folds facts in order from the empty mapping.
func (b *Builder) Replay(facts []Fact) Mapping {
	if len(facts) == 0 {
		return b.Empty()
	}
	last := len(facts) - 1
	return b.Build(facts[last], nil, facts[:last])
}

// Contains reports whether the fact id already contributed to m.
func (b *Builder) Contains(m Mapping, id int64) bool {
	ids, ok := m.Values[IDs].([]int64)
	if !ok {
		return false
	}
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Encode serializes the accumulators of m.
func (b *Builder) Encode(m Mapping) ([]byte, error) {
	data, err := json.Marshal(m.Values)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s stats: %w", b.Kind, err)
	}
	return data, nil
}

// Decode restores a mapping persisted by Encode. Unknown statistic names are
// dropped.
func (b *Builder) Decode(revision int, data []byte) (Mapping, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Mapping{}, fmt.Errorf("failed to decode %s stats: %w", b.Kind, err)
	}
	m := Mapping{Revision: revision, Values: make(map[string]any, len(raw))}
	for name, msg := range raw {
		s, ok := b.byName[name]
		if !ok {
			continue
		}
		v, err := s.decode(msg)
		if err != nil {
			return Mapping{}, err
		}
		m.Values[name] = v
	}
	return m, nil
}
