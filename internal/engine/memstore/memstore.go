// Package memstore keeps engine state in process memory. Each box has its own
// lock; Update works on a copy of the box state and swaps it in on success.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/aula-app/aula-engine/internal/engine"
)

var errReadOnly = errors.New("memstore: write in read-only transaction")

type boxState struct {
	box         engine.Box
	ideas       map[string]engine.Idea
	delegations map[string]engine.Delegation        // from -> edge
	ballots     map[string]map[string]engine.Ballot // idea -> voter -> ballot
	evaluation  *engine.Evaluation
}

func (st *boxState) clone() *boxState {
	c := &boxState{
		box:         st.box,
		ideas:       make(map[string]engine.Idea, len(st.ideas)),
		delegations: make(map[string]engine.Delegation, len(st.delegations)),
		ballots:     make(map[string]map[string]engine.Ballot, len(st.ballots)),
		evaluation:  st.evaluation,
	}
	c.box.Durations = cloneDurations(st.box.Durations)
	for k, v := range st.ideas {
		c.ideas[k] = v
	}
	for k, v := range st.delegations {
		c.delegations[k] = v
	}
	for idea, voters := range st.ballots {
		m := make(map[string]engine.Ballot, len(voters))
		for k, v := range voters {
			m[k] = v
		}
		c.ballots[idea] = m
	}
	return c
}

type boxEntry struct {
	mu    sync.RWMutex
	state *boxState
}

// Store is an in-memory engine.Store.
type Store struct {
	mu        sync.RWMutex
	boxes     map[string]*boxEntry
	ideaBoxes map[string]string

	dirMu   sync.RWMutex
	users   map[string]engine.User
	members map[string]map[string]struct{}
	quorum  engine.Quorum
	dirVer  uint64
}

// New returns an empty store with the given initial quorum.
func New(q engine.Quorum) *Store {
	return &Store{
		boxes:     make(map[string]*boxEntry),
		ideaBoxes: make(map[string]string),
		users:     make(map[string]engine.User),
		members:   make(map[string]map[string]struct{}),
		quorum:    q,
	}
}

func (s *Store) entry(boxID string) (*boxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.boxes[boxID]
	if !ok {
		return nil, engine.NotFoundf("box %s not found", boxID)
	}
	return e, nil
}

// Update implements engine.Store.
func (s *Store) Update(ctx context.Context, boxID string, fn func(engine.Tx) error) error {
	e, err := s.entry(boxID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{store: s, st: e.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	e.state = tx.st
	if len(tx.newIdeas) > 0 {
		s.mu.Lock()
		for _, id := range tx.newIdeas {
			s.ideaBoxes[id] = boxID
		}
		s.mu.Unlock()
	}
	return nil
}

// View implements engine.Store.
func (s *Store) View(ctx context.Context, boxID string, fn func(engine.Tx) error) error {
	e, err := s.entry(boxID)
	if err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&memTx{store: s, st: e.state, readOnly: true})
}

// CreateBox implements engine.Store.
func (s *Store) CreateBox(_ context.Context, box engine.Box) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.boxes[box.ID]; ok {
		return engine.InvalidInputf("box %s already exists", box.ID)
	}
	box.Durations = cloneDurations(box.Durations)
	s.boxes[box.ID] = &boxEntry{state: &boxState{
		box:         box,
		ideas:       map[string]engine.Idea{},
		delegations: map[string]engine.Delegation{},
		ballots:     map[string]map[string]engine.Ballot{},
	}}
	return nil
}

// IdeaBox implements engine.Store.
func (s *Store) IdeaBox(_ context.Context, ideaID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	boxID, ok := s.ideaBoxes[ideaID]
	if !ok {
		return "", engine.NotFoundf("idea %s not found", ideaID)
	}
	return boxID, nil
}

// User implements engine.Store.
func (s *Store) User(_ context.Context, id string) (engine.User, error) {
	return s.user(id)
}

func (s *Store) user(id string) (engine.User, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return engine.User{}, engine.NotFoundf("user %s not found", id)
	}
	return u, nil
}

// UpsertUser implements engine.Store.
func (s *Store) UpsertUser(_ context.Context, u engine.User) (engine.User, error) {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	now := time.Now().UTC()
	if prev, ok := s.users[u.ID]; ok {
		u.CreatedAt = prev.CreatedAt
	} else {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	s.users[u.ID] = u
	s.dirVer++
	return u, nil
}

// AddMember implements engine.Store.
func (s *Store) AddMember(_ context.Context, roomID, userID string) error {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return engine.NotFoundf("user %s not found", userID)
	}
	room, ok := s.members[roomID]
	if !ok {
		room = make(map[string]struct{})
		s.members[roomID] = room
	}
	room[userID] = struct{}{}
	s.dirVer++
	return nil
}

// RemoveMember implements engine.Store. Removing a non-member is a no-op.
func (s *Store) RemoveMember(_ context.Context, roomID, userID string) error {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	if _, ok := s.members[roomID][userID]; !ok {
		return nil
	}
	delete(s.members[roomID], userID)
	s.dirVer++
	return nil
}

// Quorum implements engine.Store.
func (s *Store) Quorum(context.Context) (engine.Quorum, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	return s.quorum, nil
}

// SetQuorum implements engine.Store.
func (s *Store) SetQuorum(_ context.Context, q engine.Quorum) error {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	s.quorum = q
	return nil
}

func (s *Store) directoryVersion() uint64 {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	return s.dirVer
}

func (s *Store) isMember(roomID, userID string) bool {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	_, ok := s.members[roomID][userID]
	return ok
}

func (s *Store) roomMembers(roomID string) []engine.User {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	out := make([]engine.User, 0, len(s.members[roomID]))
	for id := range s.members[roomID] {
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneDurations(in map[engine.Phase]int) map[engine.Phase]int {
	if in == nil {
		return nil
	}
	out := make(map[engine.Phase]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
