package memstore

import (
	"sort"
	"time"

	"github.com/aula-app/aula-engine/internal/engine"
)

type memTx struct {
	store    *Store
	st       *boxState
	readOnly bool
	newIdeas []string
}

func (t *memTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *memTx) Box() engine.Box {
	b := t.st.box
	b.Durations = cloneDurations(b.Durations)
	return b
}

func (t *memTx) DirectoryVersion() (uint64, error) { return t.store.directoryVersion(), nil }

func (t *memTx) Touch(now time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.box.Version++
	t.st.box.UpdatedAt = now
	return nil
}

func (t *memTx) SetPhase(p engine.Phase, now time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.box.Phase = p
	return t.Touch(now)
}

func (t *memTx) User(id string) (engine.User, error) { return t.store.user(id) }

func (t *memTx) IsMember(userID string) (bool, error) {
	return t.store.isMember(t.st.box.RoomID, userID), nil
}

func (t *memTx) Members() ([]engine.User, error) {
	return t.store.roomMembers(t.st.box.RoomID), nil
}

func (t *memTx) Idea(id string) (engine.Idea, error) {
	idea, ok := t.st.ideas[id]
	if !ok {
		return engine.Idea{}, engine.NotFoundf("idea %s not found in box %s", id, t.st.box.ID)
	}
	return idea, nil
}

func (t *memTx) Ideas() ([]engine.Idea, error) {
	out := make([]engine.Idea, 0, len(t.st.ideas))
	for _, idea := range t.st.ideas {
		out = append(out, idea)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) PutIdea(idea engine.Idea) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.ideas[idea.ID]; !ok {
		t.newIdeas = append(t.newIdeas, idea.ID)
	}
	t.st.ideas[idea.ID] = idea
	return nil
}

func (t *memTx) Outgoing(from string) (engine.Delegation, bool, error) {
	d, ok := t.st.delegations[from]
	return d, ok, nil
}

func (t *memTx) Incoming(to string) ([]engine.Delegation, error) {
	var out []engine.Delegation
	for _, d := range t.st.delegations {
		if d.To == to {
			out = append(out, d)
		}
	}
	sortDelegations(out)
	return out, nil
}

func (t *memTx) Delegations() ([]engine.Delegation, error) {
	out := make([]engine.Delegation, 0, len(t.st.delegations))
	for _, d := range t.st.delegations {
		out = append(out, d)
	}
	sortDelegations(out)
	return out, nil
}

func (t *memTx) PutDelegation(d engine.Delegation) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.delegations[d.From] = d
	return nil
}

func (t *memTx) DeleteDelegation(from string) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	_, ok := t.st.delegations[from]
	delete(t.st.delegations, from)
	return ok, nil
}

func (t *memTx) Ballot(ideaID, voterID string) (engine.Ballot, bool, error) {
	b, ok := t.st.ballots[ideaID][voterID]
	return b, ok, nil
}

func (t *memTx) Ballots(ideaID string) ([]engine.Ballot, error) {
	var out []engine.Ballot
	for idea, voters := range t.st.ballots {
		if ideaID != "" && idea != ideaID {
			continue
		}
		for _, b := range voters {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IdeaID != out[j].IdeaID {
			return out[i].IdeaID < out[j].IdeaID
		}
		return out[i].VoterID < out[j].VoterID
	})
	return out, nil
}

func (t *memTx) PutBallot(b engine.Ballot) error {
	if err := t.writable(); err != nil {
		return err
	}
	voters, ok := t.st.ballots[b.IdeaID]
	if !ok {
		voters = make(map[string]engine.Ballot)
		t.st.ballots[b.IdeaID] = voters
	}
	voters[b.VoterID] = b
	return nil
}

func (t *memTx) DeleteBallot(ideaID, voterID string) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	_, ok := t.st.ballots[ideaID][voterID]
	delete(t.st.ballots[ideaID], voterID)
	return ok, nil
}

func (t *memTx) Evaluation() (engine.Evaluation, bool, error) {
	if t.st.evaluation == nil {
		return engine.Evaluation{}, false, nil
	}
	return *t.st.evaluation, true, nil
}

func (t *memTx) SaveEvaluation(ev engine.Evaluation) error {
	if err := t.writable(); err != nil {
		return err
	}
	ev.Outcomes = append([]engine.Outcome(nil), ev.Outcomes...)
	t.st.evaluation = &ev
	return nil
}

func sortDelegations(ds []engine.Delegation) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].From < ds[j].From })
}
