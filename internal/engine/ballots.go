package engine

import (
	"context"
	"strings"

	"github.com/aula-app/aula-engine/internal/events"
	"github.com/aula-app/aula-engine/internal/obs"
)

// VoteChange is the payload of events.VoteCast, published for casts and
// revocations alike. It names neither the voter nor the value; subscribers
// re-read the tally.
type VoteChange struct {
	IdeaID  string `json:"idea_id"`
	Version uint64 `json:"version"`
}

// CastVote records the session user's ballot on an approved idea, overwriting
// any earlier ballot. The ballot counts once for the caller plus once for every
// eligible delegator of the caller who has not voted on the idea themselves.
//
// With OnBehalfOf set the call also asserts that OnBehalfOf currently delegates
// to the caller and has not voted directly; otherwise it fails with NOT_ELIGIBLE
// and nothing is written.
func (s *Service) CastVote(ctx context.Context, sess Session, req CastRequest) (CastResult, error) {
	ctx, span := s.start(ctx, "CastVote", req.BoxID)
	if !req.Value.Valid() {
		return CastResult{}, s.finish(span, InvalidInputf("vote value must be -1, 0 or 1"))
	}
	behalf := strings.TrimSpace(req.OnBehalfOf)
	var (
		out     CastResult
		version uint64
	)
	err := s.update(ctx, req.BoxID, func(tx Tx) error {
		box := tx.Box()
		if err := requirePhase(box, ActionVote); err != nil {
			return err
		}
		idea, err := tx.Idea(req.IdeaID)
		if err != nil {
			return err
		}
		if idea.Approval != ApprovalApproved {
			return newError(CodeIdeaNotApproved, "idea %s is not approved", idea.ID)
		}
		voter, err := actor(tx, sess)
		if err != nil {
			return err
		}
		if ok, err := eligible(tx, voter); err != nil {
			return err
		} else if !ok {
			return newError(CodeNotEligible, "user %s is not a voter in box %s", voter.ID, box.ID)
		}
		if behalf != "" && behalf != voter.ID {
			if err := checkBehalf(tx, idea.ID, voter.ID, behalf); err != nil {
				return err
			}
		}
		ballot := Ballot{BoxID: box.ID, IdeaID: idea.ID, VoterID: voter.ID, Value: req.Value, CastAt: s.now()}
		if err := tx.PutBallot(ballot); err != nil {
			return err
		}
		if err := tx.Touch(s.now()); err != nil {
			return err
		}
		version = tx.Box().Version
		g, err := loadGraph(tx)
		if err != nil {
			return err
		}
		voted, err := votersOn(tx, idea.ID)
		if err != nil {
			return err
		}
		rep := g.represented(voter.ID, voted)
		if rep == nil {
			rep = []string{}
		}
		out = CastResult{Ballot: ballot, Weight: 1 + len(rep), Represented: rep}
		return nil
	})
	if err != nil {
		return CastResult{}, s.finish(span, err)
	}
	obs.VotesCast.WithLabelValues(req.Value.String()).Inc()
	s.publish(events.VoteCast, req.BoxID, "", VoteChange{IdeaID: out.Ballot.IdeaID, Version: version})
	return out, s.finish(span, nil)
}

func checkBehalf(tx Tx, ideaID, delegate, delegator string) error {
	d, ok, err := tx.Outgoing(delegator)
	if err != nil {
		return err
	}
	if !ok || d.To != delegate {
		return newError(CodeNotEligible, "user %s has no active delegation to %s", delegator, delegate)
	}
	u, err := tx.User(delegator)
	if err != nil {
		if isNotFound(err) {
			return newError(CodeNotEligible, "user %s is not a voter", delegator)
		}
		return err
	}
	if ok, err := eligible(tx, u); err != nil {
		return err
	} else if !ok {
		return newError(CodeNotEligible, "user %s is not a voter", delegator)
	}
	if _, voted, err := tx.Ballot(ideaID, delegator); err != nil {
		return err
	} else if voted {
		return newError(CodeNotEligible, "user %s voted on idea %s directly", delegator, ideaID)
	}
	return nil
}

func votersOn(tx Tx, ideaID string) (map[string]bool, error) {
	ballots, err := tx.Ballots(ideaID)
	if err != nil {
		return nil, err
	}
	voted := make(map[string]bool, len(ballots))
	for _, b := range ballots {
		voted[b.VoterID] = true
	}
	return voted, nil
}

// RevokeVote removes the session user's own ballot on an idea. It reports
// whether a ballot existed.
func (s *Service) RevokeVote(ctx context.Context, sess Session, boxID, ideaID string) (bool, error) {
	ctx, span := s.start(ctx, "RevokeVote", boxID)
	var (
		removed bool
		version uint64
	)
	err := s.update(ctx, boxID, func(tx Tx) error {
		if err := requirePhase(tx.Box(), ActionVote); err != nil {
			return err
		}
		if _, err := tx.Idea(ideaID); err != nil {
			return err
		}
		voter, err := actor(tx, sess)
		if err != nil {
			return err
		}
		if removed, err = tx.DeleteBallot(ideaID, voter.ID); err != nil || !removed {
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
		s.publish(events.VoteCast, boxID, "", VoteChange{IdeaID: ideaID, Version: version})
	}
	return removed, s.finish(span, nil)
}

// GetVote returns the session user's own ballot on an idea.
func (s *Service) GetVote(ctx context.Context, sess Session, boxID, ideaID string) (Ballot, bool, error) {
	ctx, span := s.start(ctx, "GetVote", boxID)
	var (
		out Ballot
		ok  bool
	)
	err := s.view(ctx, boxID, func(tx Tx) error {
		if _, err := tx.Idea(ideaID); err != nil {
			return err
		}
		u, err := actor(tx, sess)
		if err != nil {
			return err
		}
		out, ok, err = tx.Ballot(ideaID, u.ID)
		return err
	})
	return out, ok, s.finish(span, err)
}

// Tally aggregates the ballots on an idea as of the current box version.
func (s *Service) Tally(ctx context.Context, sess Session, boxID, ideaID string) (Tally, error) {
	ctx, span := s.start(ctx, "Tally", boxID)
	var out Tally
	err := s.view(ctx, boxID, func(tx Tx) error {
		if _, err := actor(tx, sess); err != nil {
			return err
		}
		if _, err := tx.Idea(ideaID); err != nil {
			return err
		}
		box := tx.Box()
		// The directory version is read before the graph so a concurrent
		// directory change can only make the stored key obsolete, never wrong.
		dir, err := tx.DirectoryVersion()
		if err != nil {
			return err
		}
		key := TallyKey{BoxID: box.ID, Version: box.Version, Directory: dir, IdeaID: ideaID}
		if s.cache != nil {
			if t, ok := s.cache.Get(ctx, key); ok {
				out = t
				return nil
			}
		}
		g, err := loadGraph(tx)
		if err != nil {
			return err
		}
		ballots, err := tx.Ballots(ideaID)
		if err != nil {
			return err
		}
		out = tallyIdea(ideaID, ballots, g)
		if s.cache != nil {
			s.cache.Put(ctx, key, out)
		}
		return nil
	})
	return out, s.finish(span, err)
}

// BoxOfIdea resolves the box an idea belongs to.
func (s *Service) BoxOfIdea(ctx context.Context, ideaID string) (string, error) {
	boxID, err := s.store.IdeaBox(ctx, strings.TrimSpace(ideaID))
	return boxID, asEngineError("resolve idea", err)
}
