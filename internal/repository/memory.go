package repository

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/septivank/tapflow-worker/internal/db"
)

var errTxDone = errors.New("transaction already committed or rolled back")

// MemoryStore is an in-process Store. Transactions are serialized: BeginTx
// blocks until the previous transaction finishes, and Rollback restores the
// state captured at BeginTx.
type MemoryStore struct {
	txMu sync.Mutex // held for the lifetime of a transaction
	mu   sync.RWMutex
	data memoryData
}

type memoryData struct {
	taps     map[string]db.Tap
	pours    map[snowflake.ID]db.Pour
	sessions map[snowflake.ID]db.DrinkingSession
	stats    map[db.Subject]db.StatRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: memoryData{
		taps:     map[string]db.Tap{},
		pours:    map[snowflake.ID]db.Pour{},
		sessions: map[snowflake.ID]db.DrinkingSession{},
		stats:    map[db.Subject]db.StatRecord{},
	}}
}

func (d memoryData) clone() memoryData {
	c := memoryData{
		taps:     make(map[string]db.Tap, len(d.taps)),
		pours:    make(map[snowflake.ID]db.Pour, len(d.pours)),
		sessions: make(map[snowflake.ID]db.DrinkingSession, len(d.sessions)),
		stats:    make(map[db.Subject]db.StatRecord, len(d.stats)),
	}
	for k, v := range d.taps {
		c.taps[k] = v
	}
	for k, v := range d.pours {
		c.pours[k] = v
	}
	for k, v := range d.sessions {
		c.sessions[k] = v
	}
	for k, v := range d.stats {
		c.stats[k] = v
	}
	return c
}

// GetTap retrieves a tap's current configuration
func (s *MemoryStore) GetTap(_ context.Context, tapID string) (*db.Tap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tap, ok := s.data.taps[tapID]
	if !ok {
		return nil, ErrNotFound
	}
	return &tap, nil
}

// PutTap creates or updates a tap's configuration
func (s *MemoryStore) PutTap(_ context.Context, tap *db.Tap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.taps[tap.ID] = *tap
	return nil
}

// BeginTx starts a new transaction
func (s *MemoryStore) BeginTx(ctx context.Context) (Tx, error) {
	locked := make(chan struct{})
	go func() {
		s.txMu.Lock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-ctx.Done():
		go func() {
			<-locked
			s.txMu.Unlock()
		}()
		return nil, ctx.Err()
	}

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()
	return &memoryTx{store: s, snapshot: snapshot}, nil
}

// Pours returns a copy of every stored pour ordered by end time
func (s *MemoryStore) Pours() []db.Pour {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedPours(s.data.pours, byEndTime)
}

// Sessions returns a copy of every stored session ordered by start time
func (s *MemoryStore) Sessions() []db.DrinkingSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]db.DrinkingSession, 0, len(s.data.sessions))
	for _, sess := range s.data.sessions {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].StartTime.Equal(sessions[j].StartTime) {
			return sessions[i].StartTime.Before(sessions[j].StartTime)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

// Stats returns the stored mapping of subject, or nil
func (s *MemoryStore) Stats(subject db.Subject) *db.StatRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data.stats[subject]
	if !ok {
		return nil
	}
	return &rec
}

type memoryTx struct {
	store    *MemoryStore
	snapshot memoryData
	done     bool
}

func (t *memoryTx) finish() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.store.txMu.Unlock()
	return nil
}

func (t *memoryTx) Commit(context.Context) error {
	if t.done {
		return errTxDone
	}
	return t.finish()
}

func (t *memoryTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.store.mu.Lock()
	t.store.data = t.snapshot
	t.store.mu.Unlock()
	return t.finish()
}

// write runs fn under the data lock. Reads inside a transaction see the
// transaction's own writes because the store is the working copy.
func (t *memoryTx) write(fn func(d *memoryData) error) error {
	if t.done {
		return errTxDone
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return fn(&t.store.data)
}

func (t *memoryTx) read(fn func(d *memoryData) error) error {
	if t.done {
		return errTxDone
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return fn(&t.store.data)
}

func (t *memoryTx) GetTap(_ context.Context, tapID string) (*db.Tap, error) {
	var tap *db.Tap
	err := t.read(func(d *memoryData) error {
		v, ok := d.taps[tapID]
		if !ok {
			return ErrNotFound
		}
		tap = &v
		return nil
	})
	return tap, err
}

func (t *memoryTx) InsertPour(_ context.Context, p *db.Pour) error {
	return t.write(func(d *memoryData) error {
		if _, exists := d.pours[p.ID]; exists {
			return errors.New("failed to insert pour: duplicate id")
		}
		d.pours[p.ID] = clonePour(*p)
		return nil
	})
}

func (t *memoryTx) GetPour(_ context.Context, id snowflake.ID) (*db.Pour, error) {
	var pour *db.Pour
	err := t.read(func(d *memoryData) error {
		p, ok := d.pours[id]
		if !ok {
			return ErrNotFound
		}
		c := clonePour(p)
		pour = &c
		return nil
	})
	return pour, err
}

func (t *memoryTx) SetPourSession(_ context.Context, pourID snowflake.ID, sessionID *snowflake.ID) error {
	return t.write(func(d *memoryData) error {
		p, ok := d.pours[pourID]
		if !ok {
			return ErrNotFound
		}
		if sessionID == nil {
			p.SessionID = nil
		} else {
			sid := *sessionID
			p.SessionID = &sid
		}
		d.pours[pourID] = p
		return nil
	})
}

func (t *memoryTx) SetStatsApplied(_ context.Context, pourID snowflake.ID, applied bool) error {
	return t.write(func(d *memoryData) error {
		p, ok := d.pours[pourID]
		if !ok {
			return ErrNotFound
		}
		p.StatsApplied = applied
		d.pours[pourID] = p
		return nil
	})
}

func (t *memoryTx) AllPours(context.Context) ([]db.Pour, error) {
	var pours []db.Pour
	err := t.read(func(d *memoryData) error {
		pours = sortedPours(d.pours, byEndTime)
		return nil
	})
	return pours, err
}

func (t *memoryTx) PoursNeedingRepair(_ context.Context, limit int) ([]db.Pour, error) {
	var pours []db.Pour
	err := t.read(func(d *memoryData) error {
		for _, p := range sortedPours(d.pours, byEndTime) {
			if len(pours) >= limit {
				break
			}
			if p.SessionID == nil || !p.StatsApplied {
				pours = append(pours, p)
			}
		}
		return nil
	})
	return pours, err
}

func (t *memoryTx) LatestSession(_ context.Context, scope string) (*db.DrinkingSession, error) {
	var latest *db.DrinkingSession
	err := t.read(func(d *memoryData) error {
		for _, s := range d.sessions {
			if s.Scope != scope {
				continue
			}
			if latest == nil || s.EndTime.After(latest.EndTime) ||
				(s.EndTime.Equal(latest.EndTime) && s.ID > latest.ID) {
				c := s
				latest = &c
			}
		}
		return nil
	})
	return latest, err
}

func (t *memoryTx) InsertSession(_ context.Context, s *db.DrinkingSession) error {
	return t.write(func(d *memoryData) error {
		if _, exists := d.sessions[s.ID]; exists {
			return errors.New("failed to insert session: duplicate id")
		}
		d.sessions[s.ID] = *s
		return nil
	})
}

func (t *memoryTx) UpdateSession(_ context.Context, s *db.DrinkingSession) error {
	return t.write(func(d *memoryData) error {
		if _, exists := d.sessions[s.ID]; !exists {
			return ErrNotFound
		}
		d.sessions[s.ID] = *s
		return nil
	})
}

func (t *memoryTx) SessionPours(_ context.Context, sessionID snowflake.ID) ([]db.Pour, error) {
	var pours []db.Pour
	err := t.read(func(d *memoryData) error {
		for _, p := range sortedPours(d.pours, byEndTime) {
			if p.SessionID != nil && *p.SessionID == sessionID {
				pours = append(pours, p)
			}
		}
		return nil
	})
	return pours, err
}

func (t *memoryTx) ClearSessions(context.Context) error {
	return t.write(func(d *memoryData) error {
		for id, p := range d.pours {
			p.SessionID = nil
			d.pours[id] = p
		}
		d.sessions = map[snowflake.ID]db.DrinkingSession{}
		return nil
	})
}

func (t *memoryTx) ClearScopeSessions(_ context.Context, scope string) ([]snowflake.ID, error) {
	var dropped []snowflake.ID
	err := t.write(func(d *memoryData) error {
		gone := map[snowflake.ID]struct{}{}
		for id, s := range d.sessions {
			if s.Scope == scope {
				gone[id] = struct{}{}
				dropped = append(dropped, id)
				delete(d.sessions, id)
			}
		}
		for id, p := range d.pours {
			if p.SessionID == nil {
				continue
			}
			if _, ok := gone[*p.SessionID]; ok {
				p.SessionID = nil
				d.pours[id] = p
			}
		}
		sort.Slice(dropped, func(i, j int) bool { return dropped[i] < dropped[j] })
		return nil
	})
	return dropped, err
}

func (t *memoryTx) GetStats(_ context.Context, subject db.Subject) (*db.StatRecord, error) {
	var rec *db.StatRecord
	err := t.read(func(d *memoryData) error {
		if r, ok := d.stats[subject]; ok {
			c := r
			c.Stats = append([]byte(nil), r.Stats...)
			rec = &c
		}
		return nil
	})
	return rec, err
}

func (t *memoryTx) PutStats(_ context.Context, rec *db.StatRecord) error {
	return t.write(func(d *memoryData) error {
		c := *rec
		c.Stats = append([]byte(nil), rec.Stats...)
		d.stats[rec.Subject] = c
		return nil
	})
}

func (t *memoryTx) SubjectPours(_ context.Context, subject db.Subject) ([]db.Pour, error) {
	var pours []db.Pour
	err := t.read(func(d *memoryData) error {
		for _, p := range sortedPours(d.pours, byStartTime) {
			if pourHasSubject(&p, subject) {
				pours = append(pours, p)
			}
		}
		return nil
	})
	return pours, err
}

func (t *memoryTx) DeleteStats(_ context.Context, kind db.SubjectKind) error {
	return t.write(func(d *memoryData) error {
		for subject := range d.stats {
			if kind == "" || subject.Kind == kind {
				delete(d.stats, subject)
			}
		}
		return nil
	})
}

func (t *memoryTx) DeleteSubjectStats(_ context.Context, subject db.Subject) error {
	return t.write(func(d *memoryData) error {
		delete(d.stats, subject)
		return nil
	})
}

func (t *memoryTx) StaleStats(_ context.Context, revisions map[db.SubjectKind]int) ([]db.Subject, error) {
	var subjects []db.Subject
	err := t.read(func(d *memoryData) error {
		for subject, rec := range d.stats {
			if rev, ok := revisions[subject.Kind]; ok && rec.Revision != rev {
				subjects = append(subjects, subject)
			}
		}
		return nil
	})
	sortSubjects(subjects)
	return subjects, err
}

func (t *memoryTx) Subjects(context.Context) ([]db.Subject, error) {
	seen := map[db.Subject]struct{}{}
	var subjects []db.Subject
	err := t.read(func(d *memoryData) error {
		for _, p := range d.pours {
			for _, s := range p.Subjects() {
				if _, ok := seen[s]; !ok {
					seen[s] = struct{}{}
					subjects = append(subjects, s)
				}
			}
		}
		return nil
	})
	sortSubjects(subjects)
	return subjects, err
}

func pourHasSubject(p *db.Pour, subject db.Subject) bool {
	switch subject.Kind {
	case db.SubjectUser:
		return p.UserID != nil && *p.UserID == subject.ID
	case db.SubjectKeg:
		return strconv.FormatInt(p.KegID, 10) == subject.ID
	case db.SubjectSession:
		return p.SessionID != nil && p.SessionID.String() == subject.ID
	}
	return false
}

type pourOrder func(a, b *db.Pour) bool

func byEndTime(a, b *db.Pour) bool {
	if !a.EndTime.Equal(b.EndTime) {
		return a.EndTime.Before(b.EndTime)
	}
	return a.ID < b.ID
}

func byStartTime(a, b *db.Pour) bool {
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.Before(b.StartTime)
	}
	return a.ID < b.ID
}

func sortedPours(m map[snowflake.ID]db.Pour, less pourOrder) []db.Pour {
	pours := make([]db.Pour, 0, len(m))
	for _, p := range m {
		pours = append(pours, clonePour(p))
	}
	sort.Slice(pours, func(i, j int) bool { return less(&pours[i], &pours[j]) })
	return pours
}

func clonePour(p db.Pour) db.Pour {
	if p.SessionID != nil {
		sid := *p.SessionID
		p.SessionID = &sid
	}
	return p
}

func sortSubjects(subjects []db.Subject) {
	sort.Slice(subjects, func(i, j int) bool {
		return subjects[i].String() < subjects[j].String()
	})
}
