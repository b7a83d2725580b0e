package entity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Loader fetches stored entities (with their owned subtrees) by id. The
// patch engine uses it to re-parent existing rows named by bare id.
type Loader interface {
	LoadEntities(ctx context.Context, kind Kind, ids []string) ([]*Entity, error)
}

// RemovalMode says what a store does with a detached entity.
type RemovalMode int

const (
	Destroy RemovalMode = iota
	Orphan
)

func (m RemovalMode) String() string {
	if m == Orphan {
		return "orphan"
	}
	return "destroy"
}

// Removal is one detached entity to be written back by a store.
type Removal struct {
	Entity *Entity
	Mode   RemovalMode
}

// Session is the unit of work for one request. It carries the actor,
// clock and id source and collects removals for the store. A Session is
// not safe for concurrent use.
type Session struct {
	ctx    context.Context
	reg    *Registry
	actor  string
	now    func() time.Time
	newID  func() string
	loader Loader
	log    zerolog.Logger

	removals []Removal
	orphaned map[*Entity]bool
	appended map[Kind]int
}

type SessionOption func(*Session)

func WithActor(actor string) SessionOption { return func(s *Session) { s.actor = actor } }

func WithClock(now func() time.Time) SessionOption { return func(s *Session) { s.now = now } }

func WithIDs(newID func() string) SessionOption { return func(s *Session) { s.newID = newID } }

func WithLoader(l Loader) SessionOption { return func(s *Session) { s.loader = l } }

func WithLogger(l zerolog.Logger) SessionOption { return func(s *Session) { s.log = l } }

// NewSession starts a unit of work.
func (r *Registry) NewSession(ctx context.Context, opts ...SessionOption) *Session {
	s := &Session{
		ctx:      ctx,
		reg:      r,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		log:      zerolog.Nop(),
		orphaned: make(map[*Entity]bool),
		appended: make(map[Kind]int),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) Actor() string { return s.actor }

func (s *Session) Now() time.Time { return s.now().UTC() }

func (s *Session) Registry() *Registry { return s.reg }

// Removals returns entities detached during the session, in order.
func (s *Session) Removals() []Removal { return append([]Removal(nil), s.removals...) }

// Appended reports how many entities of each kind were created.
func (s *Session) Appended() map[Kind]int {
	out := make(map[Kind]int, len(s.appended))
	for k, v := range s.appended {
		out[k] = v
	}
	return out
}

// Orphan marks e, which is being detached, to be kept with no owner.
// Only meaningful from a delete hook.
func (s *Session) Orphan(e *Entity) { s.orphaned[e] = true }

// Touch stamps a modification.
func (s *Session) Touch(e *Entity) {
	e.Modified = s.Now()
	e.ModifiedBy = s.actor
	e.dirty = true
}

func (s *Session) stamp(e *Entity) {
	now := s.Now()
	e.Created, e.Modified = now, now
	e.CreatedBy, e.ModifiedBy = s.actor, s.actor
	e.dirty = true
	s.appended[e.Kind]++
}

// remove records a detached entity. Destroyed subtrees are scanned for
// kinds that survive their owner; those are orphaned first.
func (s *Session) remove(e *Entity) {
	if s.orphaned[e] {
		s.removals = append(s.removals, Removal{Entity: e, Mode: Orphan})
		return
	}
	var survivors []*Entity
	for _, f := range e.schema.Fields {
		if f.Link != "" {
			continue
		}
		switch f.Kind {
		case ToOne:
			if c := e.one[f.Name]; c != nil {
				survivors = append(survivors, collectSurvivors(c)...)
			}
		case ToMany:
			for _, c := range e.many[f.Name] {
				survivors = append(survivors, collectSurvivors(c)...)
			}
		}
	}
	for _, c := range survivors {
		if c.parent != nil {
			c.parent.detach(c.parentField, c)
		}
		s.removals = append(s.removals, Removal{Entity: c, Mode: Orphan})
	}
	s.removals = append(s.removals, Removal{Entity: e, Mode: Destroy})
}

func collectSurvivors(e *Entity) []*Entity {
	if e.schema.Survives {
		return []*Entity{e}
	}
	var out []*Entity
	for _, f := range e.schema.Fields {
		if f.Link != "" {
			continue
		}
		switch f.Kind {
		case ToOne:
			if c := e.one[f.Name]; c != nil {
				out = append(out, collectSurvivors(c)...)
			}
		case ToMany:
			for _, c := range e.many[f.Name] {
				out = append(out, collectSurvivors(c)...)
			}
		}
	}
	return out
}
