package engine

import (
	"context"
	"sort"
	"strings"

	"github.com/aula-app/aula-engine/internal/events"
	"github.com/aula-app/aula-engine/internal/obs"
)

// DelegationChange is the payload of events.DelegationChanged. Edges are only
// visible to the users on them, so the event carries the new box version alone.
type DelegationChange struct {
	Version uint64 `json:"version"`
}

// Delegate hands the session user's voting right in boxID to the user to,
// replacing any earlier delegation. Delegation is single-hop: to must not
// delegate onward and the caller must not hold delegations of their own.
func (s *Service) Delegate(ctx context.Context, sess Session, boxID, to string) (Delegation, error) {
	ctx, span := s.start(ctx, "Delegate", boxID)
	to = strings.TrimSpace(to)
	var (
		out     Delegation
		version uint64
	)
	err := s.update(ctx, boxID, func(tx Tx) error {
		box := tx.Box()
		if err := requirePhase(box, ActionDelegate); err != nil {
			return err
		}
		from, err := actor(tx, sess)
		if err != nil {
			return err
		}
		if to == "" {
			return InvalidInputf("delegate user is required")
		}
		if to == from.ID {
			return ErrSelfDelegation
		}
		if ok, err := eligible(tx, from); err != nil {
			return err
		} else if !ok {
			return newError(CodeNotEligible, "user %s is not a voter in box %s", from.ID, box.ID)
		}
		target, err := tx.User(to)
		if err != nil {
			if isNotFound(err) {
				return newError(CodeNotEligible, "user %s is not a voter in box %s", to, box.ID)
			}
			return err
		}
		if ok, err := eligible(tx, target); err != nil {
			return err
		} else if !ok {
			return newError(CodeNotEligible, "user %s is not a voter in box %s", to, box.ID)
		}
		if _, has, err := tx.Outgoing(to); err != nil {
			return err
		} else if has {
			return newError(CodeAlreadyDelegate, "user %s has delegated their own vote", to)
		}
		incoming, err := tx.Incoming(from.ID)
		if err != nil {
			return err
		}
		if len(incoming) > 0 {
			return newError(CodeAlreadyDelegate, "user %s holds %d delegation(s) and cannot delegate onward", from.ID, len(incoming))
		}
		out = Delegation{BoxID: box.ID, From: from.ID, To: to, CreatedAt: s.now()}
		if err := tx.PutDelegation(out); err != nil {
			return err
		}
		if err := tx.Touch(s.now()); err != nil {
			return err
		}
		version = tx.Box().Version
		return nil
	})
	if err != nil {
		return Delegation{}, s.finish(span, err)
	}
	obs.Delegations.WithLabelValues("delegate").Inc()
	s.publish(events.DelegationChanged, boxID, "", DelegationChange{Version: version})
	return out, s.finish(span, nil)
}

// Undelegate revokes the session user's outgoing delegation. It reports whether
// an edge existed; revoking nothing is not an error. Weight the delegate held
// for the caller stops counting immediately.
func (s *Service) Undelegate(ctx context.Context, sess Session, boxID string) (bool, error) {
	ctx, span := s.start(ctx, "Undelegate", boxID)
	var (
		removed bool
		version uint64
	)
	err := s.update(ctx, boxID, func(tx Tx) error {
		if err := requirePhase(tx.Box(), ActionUndelegate); err != nil {
			return err
		}
		from, err := actor(tx, sess)
		if err != nil {
			return err
		}
		if removed, err = tx.DeleteDelegation(from.ID); err != nil || !removed {
			return err
		}
		if err := tx.Touch(s.now()); err != nil {
			return err
		}
		version = tx.Box().Version
		return nil
	})
	if err != nil {
		return false, s.finish(span, err)
	}
	if removed {
		obs.Delegations.WithLabelValues("undelegate").Inc()
		s.publish(events.DelegationChanged, boxID, "", DelegationChange{Version: version})
	}
	return removed, s.finish(span, nil)
}

// OutgoingDelegation returns the session user's current delegation, if any.
func (s *Service) OutgoingDelegation(ctx context.Context, sess Session, boxID string) (Delegation, bool, error) {
	ctx, span := s.start(ctx, "OutgoingDelegation", boxID)
	var (
		out Delegation
		ok  bool
	)
	err := s.view(ctx, boxID, func(tx Tx) error {
		u, err := actor(tx, sess)
		if err != nil {
			return err
		}
		out, ok, err = tx.Outgoing(u.ID)
		return err
	})
	return out, ok, s.finish(span, err)
}

// Delegators lists the delegations the session user has received from
// delegators who are still eligible.
func (s *Service) Delegators(ctx context.Context, sess Session, boxID string) ([]Delegation, error) {
	ctx, span := s.start(ctx, "Delegators", boxID)
	var out []Delegation
	err := s.view(ctx, boxID, func(tx Tx) error {
		u, err := actor(tx, sess)
		if err != nil {
			return err
		}
		out, err = liveIncoming(tx, u.ID)
		return err
	})
	return out, s.finish(span, err)
}

// HasIncomingDelegation reports whether user currently holds a delegation that
// adds weight in boxID: user is in the pool and at least one eligible member
// delegates to them.
func (s *Service) HasIncomingDelegation(ctx context.Context, sess Session, boxID, user string) (bool, error) {
	ctx, span := s.start(ctx, "HasIncomingDelegation", boxID)
	var has bool
	err := s.view(ctx, boxID, func(tx Tx) error {
		if _, err := actor(tx, sess); err != nil {
			return err
		}
		g, err := loadGraph(tx)
		if err != nil {
			return err
		}
		user = strings.TrimSpace(user)
		has = g.pool[user] && len(g.incoming[user]) > 0
		return nil
	})
	return has, s.finish(span, err)
}

// liveIncoming returns the edges to user whose delegator is in the pool.
func liveIncoming(tx Tx, user string) ([]Delegation, error) {
	in, err := tx.Incoming(user)
	if err != nil || len(in) == 0 {
		return in, err
	}
	g, err := loadGraph(tx)
	if err != nil {
		return nil, err
	}
	out := in[:0:0]
	for _, d := range in {
		if g.pool[d.From] {
			out = append(out, d)
		}
	}
	return out, nil
}

// EffectiveVoters returns every pool member without an outgoing delegation
// together with the eligible delegators they represent. With a non-empty
// ideaID, delegators who cast their own ballot on that idea are excluded.
func (s *Service) EffectiveVoters(ctx context.Context, sess Session, boxID, ideaID string) ([]EffectiveVoter, error) {
	ctx, span := s.start(ctx, "EffectiveVoters", boxID)
	var out []EffectiveVoter
	err := s.view(ctx, boxID, func(tx Tx) error {
		if _, err := actor(tx, sess); err != nil {
			return err
		}
		g, err := loadGraph(tx)
		if err != nil {
			return err
		}
		voted := map[string]bool{}
		if ideaID != "" {
			if _, err := tx.Idea(ideaID); err != nil {
				return err
			}
			ballots, err := tx.Ballots(ideaID)
			if err != nil {
				return err
			}
			for _, b := range ballots {
				voted[b.VoterID] = true
			}
		}
		out = g.effectiveVoters(voted)
		return nil
	})
	return out, s.finish(span, err)
}

// graph is an in-memory view of a box's pool and delegation edges.
type graph struct {
	pool     map[string]bool     // eligible voters
	outgoing map[string]string   // delegator -> delegate
	incoming map[string][]string // delegate -> sorted delegators
}

func loadGraph(tx Tx) (*graph, error) {
	members, err := tx.Members()
	if err != nil {
		return nil, err
	}
	g := &graph{
		pool:     make(map[string]bool, len(members)),
		outgoing: map[string]string{},
		incoming: map[string][]string{},
	}
	for _, m := range members {
		if m.Active() && m.Role >= RoleUser {
			g.pool[m.ID] = true
		}
	}
	ds, err := tx.Delegations()
	if err != nil {
		return nil, err
	}
	for _, d := range ds {
		if !g.pool[d.From] {
			continue
		}
		g.outgoing[d.From] = d.To
		g.incoming[d.To] = append(g.incoming[d.To], d.From)
	}
	for _, from := range g.incoming {
		sort.Strings(from)
	}
	return g, nil
}

// represented returns the eligible delegators of voter who have not voted
// themselves according to voted.
func (g *graph) represented(voter string, voted map[string]bool) []string {
	var out []string
	for _, from := range g.incoming[voter] {
		if !voted[from] {
			out = append(out, from)
		}
	}
	return out
}

func (g *graph) effectiveVoters(voted map[string]bool) []EffectiveVoter {
	ids := make([]string, 0, len(g.pool))
	for id := range g.pool {
		if _, delegated := g.outgoing[id]; !delegated {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]EffectiveVoter, 0, len(ids))
	for _, id := range ids {
		rep := g.represented(id, voted)
		if rep == nil {
			rep = []string{}
		}
		out = append(out, EffectiveVoter{UserID: id, Represents: rep, Weight: 1 + len(rep)})
	}
	return out
}

func isNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}
