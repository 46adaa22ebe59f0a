// Package session clusters pours into drinking sessions.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/septivank/tapflow-worker/internal/db"
)

// Scope selects which pours share session affinity
type Scope string

const (
	// ScopeGlobal groups pours from every tap of the install
	ScopeGlobal Scope = "global"
	// ScopeTap groups pours per tap
	ScopeTap Scope = "tap"
)

// Store is the persistence the grouper needs
type Store interface {
	LatestSession(ctx context.Context, scope string) (*db.DrinkingSession, error)
	InsertSession(ctx context.Context, s *db.DrinkingSession) error
	UpdateSession(ctx context.Context, s *db.DrinkingSession) error
	SetPourSession(ctx context.Context, pourID snowflake.ID, sessionID *snowflake.ID) error
	AllPours(ctx context.Context) ([]db.Pour, error)
	ClearScopeSessions(ctx context.Context, scope string) ([]snowflake.ID, error)
}

// RegenStore adds the batch operations regeneration needs
type RegenStore interface {
	Store
	ClearSessions(ctx context.Context) error
}

// Assignment is the outcome of placing one pour
type Assignment struct {
	Session db.DrinkingSession
	Created bool
	// Dropped and Regrouped are set when the pour arrived out of order and
	// its whole scope was grouped again. Dropped sessions no longer exist;
	// Regrouped lists every session of the scope after the replay.
	Dropped   []snowflake.ID
	Regrouped []snowflake.ID
}

// Grouper assigns pours to drinking sessions
type Grouper struct {
	gap   time.Duration
	scope Scope
	node  *snowflake.Node
}

// NewGrouper creates a grouper. A pour joins the latest session of its scope
// when it starts no later than gap after that session ended.
func NewGrouper(gap time.Duration, scope Scope, node *snowflake.Node) *Grouper {
	return &Grouper{gap: gap, scope: scope, node: node}
}

// ScopeKey returns the affinity key of a pour
func (g *Grouper) ScopeKey(p *db.Pour) string {
	if g.scope == ScopeTap {
		return "tap:" + p.TapID
	}
	return string(ScopeGlobal)
}

// Place decides the session p belongs to given the latest session of its
// scope. p must end after every pour already in latest. It returns the new
// or extended session and whether it was created. latest is not modified.
func (g *Grouper) Place(latest *db.DrinkingSession, p *db.Pour) (db.DrinkingSession, bool) {
	volume := 0.0
	if p.IsValid {
		volume = p.VolumeMl
	}

	if latest != nil && !p.StartTime.After(latest.EndTime.Add(g.gap)) {
		s := *latest
		if p.EndTime.After(s.EndTime) {
			s.EndTime = p.EndTime
		}
		if p.StartTime.Before(s.StartTime) {
			s.StartTime = p.StartTime
		}
		s.TotalVolumeMl += volume
		return s, false
	}

	return db.DrinkingSession{
		ID:            g.node.Generate(),
		Scope:         g.ScopeKey(p),
		StartTime:     p.StartTime,
		EndTime:       p.EndTime,
		TotalVolumeMl: volume,
	}, true
}

// Assign places p in a session, persists the session and links the pour.
// p.SessionID is set on return. A pour that does not end after the latest
// session of its scope regroups the scope from its full pour history, so
// the result matches what Regenerate would produce.
func (g *Grouper) Assign(ctx context.Context, st Store, p *db.Pour) (Assignment, error) {
	scope := g.ScopeKey(p)
	latest, err := st.LatestSession(ctx, scope)
	if err != nil {
		return Assignment{}, fmt.Errorf("failed to find latest session: %w", err)
	}
	if latest != nil && !p.EndTime.After(latest.EndTime) {
		return g.regroup(ctx, st, scope, p)
	}

	s, created := g.Place(latest, p)
	if created {
		err = st.InsertSession(ctx, &s)
	} else {
		err = st.UpdateSession(ctx, &s)
	}
	if err != nil {
		return Assignment{}, err
	}

	if err := st.SetPourSession(ctx, p.ID, &s.ID); err != nil {
		return Assignment{}, err
	}
	sid := s.ID
	p.SessionID = &sid
	return Assignment{Session: s, Created: created}, nil
}

func (g *Grouper) regroup(ctx context.Context, st Store, scope string, p *db.Pour) (Assignment, error) {
	dropped, err := st.ClearScopeSessions(ctx, scope)
	if err != nil {
		return Assignment{}, err
	}
	all, err := st.AllPours(ctx)
	if err != nil {
		return Assignment{}, err
	}
	pours := all[:0]
	for _, q := range all {
		if g.ScopeKey(&q) == scope {
			pours = append(pours, q)
		}
	}

	sessions, placed, err := g.replay(ctx, st, pours)
	if err != nil {
		return Assignment{}, err
	}
	i, ok := placed[p.ID]
	if !ok {
		return Assignment{}, fmt.Errorf("pour %s missing from scope %s", p.ID, scope)
	}

	a := Assignment{
		Session:   sessions[i],
		Created:   len(sessions) > len(dropped),
		Dropped:   dropped,
		Regrouped: make([]snowflake.ID, len(sessions)),
	}
	for j := range sessions {
		a.Regrouped[j] = sessions[j].ID
	}
	sid := sessions[i].ID
	p.SessionID = &sid
	return a, nil
}

// replay groups pours, ordered by end time then id, into fresh sessions and
// persists them. It returns the sessions and the index of each pour's session.
func (g *Grouper) replay(ctx context.Context, st Store, pours []db.Pour) ([]db.DrinkingSession, map[snowflake.ID]int, error) {
	var sessions []db.DrinkingSession
	placed := make(map[snowflake.ID]int, len(pours))
	latest := map[string]int{}

	for i := range pours {
		p := &pours[i]
		scope := g.ScopeKey(p)
		var cur *db.DrinkingSession
		if j, ok := latest[scope]; ok {
			cur = &sessions[j]
		}
		s, created := g.Place(cur, p)
		if created {
			sessions = append(sessions, s)
			latest[scope] = len(sessions) - 1
		} else {
			*cur = s
		}
		placed[p.ID] = latest[scope]
	}

	for i := range sessions {
		if err := st.InsertSession(ctx, &sessions[i]); err != nil {
			return nil, nil, err
		}
	}
	for i := range pours {
		sid := sessions[placed[pours[i].ID]].ID
		if err := st.SetPourSession(ctx, pours[i].ID, &sid); err != nil {
			return nil, nil, err
		}
	}
	return sessions, placed, nil
}

// Regenerate discards every session and replays all pours, ordered by end
// time, through the same placement Assign uses. It returns the number of
// sessions created.
func (g *Grouper) Regenerate(ctx context.Context, st RegenStore) (int, error) {
	if err := st.ClearSessions(ctx); err != nil {
		return 0, err
	}
	pours, err := st.AllPours(ctx)
	if err != nil {
		return 0, err
	}

	sessions, _, err := g.replay(ctx, st, pours)
	if err != nil {
		return 0, fmt.Errorf("failed to regroup pours: %w", err)
	}
	return len(sessions), nil
}
