package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/aula-app/aula-engine/internal/events"
	"github.com/aula-app/aula-engine/internal/obs"
)

// tallyIdea sums ballots on one idea. Ballots from users outside the pool are
// ignored; each counted ballot carries the weight of the delegators it represents.
func tallyIdea(ideaID string, ballots []Ballot, g *graph) Tally {
	t := Tally{IdeaID: ideaID}
	voted := make(map[string]bool, len(ballots))
	for _, b := range ballots {
		voted[b.VoterID] = true
	}
	for _, b := range ballots {
		if !g.pool[b.VoterID] {
			continue
		}
		w := 1 + len(g.represented(b.VoterID, voted))
		switch b.Value {
		case ValueFor:
			t.For += w
		case ValueAgainst:
			t.Against += w
		default:
			t.Neutral += w
		}
		t.Ballots++
	}
	return t
}

// requiredVoters is ceil(pool * pct / 100).
func requiredVoters(pool, pct int) int {
	return (pool*pct + 99) / 100
}

func outcomeOf(t Tally, required int) Result {
	switch {
	case t.Voters() < required:
		return ResultNoQuorum
	case t.For > t.Against:
		return ResultWinner
	default:
		return ResultLoser
	}
}

// Evaluate computes the outcome of every approved idea in a box that is in the
// results phase and persists the snapshot. Ballots are not modified. When the
// inputs are unchanged since the stored snapshot, the stored snapshot is returned.
func (s *Service) Evaluate(ctx context.Context, boxID string) (Evaluation, error) {
	ctx, span := s.start(ctx, "Evaluate", boxID)
	q, err := s.store.Quorum(ctx)
	if err != nil {
		return Evaluation{}, s.finish(span, asEngineError("load quorum", err))
	}
	var (
		out   Evaluation
		fresh bool
	)
	err = s.update(ctx, boxID, func(tx Tx) error {
		box := tx.Box()
		if err := requirePhase(box, ActionViewResults); err != nil {
			return err
		}
		ev, err := s.evaluate(tx, box, q)
		if err != nil {
			return err
		}
		prev, ok, err := tx.Evaluation()
		if err != nil {
			return err
		}
		if ok && prev.InputsHash == ev.InputsHash {
			out = prev
			return nil
		}
		fresh = true
		out = ev
		return tx.SaveEvaluation(ev)
	})
	if err != nil {
		return Evaluation{}, s.finish(span, err)
	}
	if fresh {
		obs.Evaluations.Inc()
		s.publish(events.Evaluated, boxID, "", EvaluationSummary{InputsHash: out.InputsHash, Participants: out.Participants, Required: out.Required})
	}
	return out, s.finish(span, nil)
}

// EvaluationSummary is the payload of events.Evaluated.
type EvaluationSummary struct {
	InputsHash   string `json:"inputs_hash"`
	Participants int    `json:"participants"`
	Required     int    `json:"required"`
}

// EvaluateAs runs Evaluate on behalf of a user allowed to close voting.
func (s *Service) EvaluateAs(ctx context.Context, sess Session, boxID string) (Evaluation, error) {
	u, err := s.directoryActor(ctx, sess)
	if err != nil {
		return Evaluation{}, err
	}
	if need := s.workflow.Threshold(PhaseVoting, PhaseResults); u.Role < need {
		return Evaluation{}, newError(CodePermissionDenied, "evaluating results requires role %d", int(need))
	}
	return s.Evaluate(ctx, boxID)
}

func (s *Service) evaluate(tx Tx, box Box, q Quorum) (Evaluation, error) {
	g, err := loadGraph(tx)
	if err != nil {
		return Evaluation{}, err
	}
	ideas, err := tx.Ideas()
	if err != nil {
		return Evaluation{}, err
	}
	all, err := tx.Ballots("")
	if err != nil {
		return Evaluation{}, err
	}
	byIdea := map[string][]Ballot{}
	for _, b := range all {
		byIdea[b.IdeaID] = append(byIdea[b.IdeaID], b)
	}

	pool := len(g.pool)
	required := requiredVoters(pool, q.Votes)
	participants := map[string]bool{}
	var approved []string
	outcomes := []Outcome{}
	for _, idea := range ideas {
		if idea.Approval != ApprovalApproved {
			continue
		}
		approved = append(approved, idea.ID)
		ballots := byIdea[idea.ID]
		t := tallyIdea(idea.ID, ballots, g)
		voted := map[string]bool{}
		for _, b := range ballots {
			voted[b.VoterID] = true
		}
		for _, b := range ballots {
			if !g.pool[b.VoterID] {
				continue
			}
			participants[b.VoterID] = true
			for _, d := range g.represented(b.VoterID, voted) {
				participants[d] = true
			}
		}
		outcomes = append(outcomes, Outcome{Tally: t, Result: outcomeOf(t, required)})
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].IdeaID < outcomes[j].IdeaID })

	return Evaluation{
		BoxID:        box.ID,
		Outcomes:     outcomes,
		Pool:         pool,
		Participants: len(participants),
		Required:     required,
		Quorum:       q,
		InputsHash:   inputsHash(box.ID, q, g, approved, all),
		ComputedAt:   s.now(),
	}, nil
}

// inputsHash fingerprints everything an evaluation depends on.
func inputsHash(boxID string, q Quorum, g *graph, approved []string, ballots []Ballot) string {
	h := sha256.New()
	fmt.Fprintf(h, "box=%s;quorum=%d/%d\n", boxID, q.Votes, q.WildIdeas)

	pool := make([]string, 0, len(g.pool))
	for id := range g.pool {
		pool = append(pool, id)
	}
	sort.Strings(pool)
	for _, id := range pool {
		fmt.Fprintf(h, "p:%s\n", id)
		if to, ok := g.outgoing[id]; ok {
			fmt.Fprintf(h, "d:%s>%s\n", id, to)
		}
	}

	sort.Strings(approved)
	for _, id := range approved {
		fmt.Fprintf(h, "i:%s\n", id)
	}

	sorted := append([]Ballot(nil), ballots...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].IdeaID != sorted[j].IdeaID {
			return sorted[i].IdeaID < sorted[j].IdeaID
		}
		return sorted[i].VoterID < sorted[j].VoterID
	})
	for _, b := range sorted {
		fmt.Fprintf(h, "b:%s:%s:%d\n", b.IdeaID, b.VoterID, b.Value)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// LatestEvaluation returns the persisted snapshot of a box in the results
// phase, evaluating it first when no snapshot exists yet.
func (s *Service) LatestEvaluation(ctx context.Context, sess Session, boxID string) (Evaluation, error) {
	ctx, span := s.start(ctx, "LatestEvaluation", boxID)
	var (
		out     Evaluation
		missing bool
	)
	err := s.view(ctx, boxID, func(tx Tx) error {
		if _, err := actor(tx, sess); err != nil {
			return err
		}
		if err := requirePhase(tx.Box(), ActionViewResults); err != nil {
			return err
		}
		ev, ok, err := tx.Evaluation()
		if err != nil {
			return err
		}
		out, missing = ev, !ok
		return nil
	})
	if err == nil && missing {
		// The results worker has not caught up with this box yet.
		out, err = s.Evaluate(ctx, boxID)
	}
	return out, s.finish(span, err)
}
