package engine

import (
	"context"
	"time"

	"github.com/aula-app/aula-engine/internal/events"
)

// Store persists engine state.
//
// Update runs fn with exclusive access to one box: every mutation of the box's
// delegation graph and ballots goes through it, so authorization reads made in
// fn are linearizable with respect to concurrent writers. If fn returns an
// error nothing it wrote is kept. View runs fn against a consistent read-only
// snapshot. Both fail with a NOT_FOUND error when the box does not exist.
type Store interface {
	Update(ctx context.Context, boxID string, fn func(Tx) error) error
	View(ctx context.Context, boxID string, fn func(Tx) error) error

	CreateBox(ctx context.Context, box Box) error
	IdeaBox(ctx context.Context, ideaID string) (string, error)

	User(ctx context.Context, id string) (User, error)
	UpsertUser(ctx context.Context, u User) (User, error)
	AddMember(ctx context.Context, roomID, userID string) error
	RemoveMember(ctx context.Context, roomID, userID string) error

	Quorum(ctx context.Context) (Quorum, error)
	SetQuorum(ctx context.Context, q Quorum) error
}

// Tx is the per-box unit of work handed to Store.Update and Store.View.
// Write methods fail on a View transaction.
type Tx interface {
	Box() Box
	// DirectoryVersion changes whenever a user or room membership changes.
	DirectoryVersion() (uint64, error)
	// Touch bumps the box version; called once per mutation affecting tallies.
	Touch(now time.Time) error
	SetPhase(p Phase, now time.Time) error

	User(id string) (User, error)
	IsMember(userID string) (bool, error)
	// Members returns the users of the box's room ordered by ID.
	Members() ([]User, error)

	Idea(id string) (Idea, error)
	Ideas() ([]Idea, error)
	PutIdea(idea Idea) error

	Outgoing(from string) (Delegation, bool, error)
	Incoming(to string) ([]Delegation, error)
	Delegations() ([]Delegation, error)
	// PutDelegation replaces any outgoing delegation of d.From.
	PutDelegation(d Delegation) error
	DeleteDelegation(from string) (bool, error)

	Ballot(ideaID, voterID string) (Ballot, bool, error)
	// Ballots returns the ballots on ideaID, or on every idea of the box when
	// ideaID is empty, ordered by idea and voter.
	Ballots(ideaID string) ([]Ballot, error)
	PutBallot(b Ballot) error
	DeleteBallot(ideaID, voterID string) (bool, error)

	Evaluation() (Evaluation, bool, error)
	SaveEvaluation(ev Evaluation) error
}

// TallyKey identifies the inputs of one tally: the box state and the directory
// state that decides the voter pool.
type TallyKey struct {
	BoxID     string
	Version   uint64
	Directory uint64
	IdeaID    string
}

// TallyCache is an advisory cache of idea tallies.
type TallyCache interface {
	Get(ctx context.Context, k TallyKey) (Tally, bool)
	Put(ctx context.Context, k TallyKey, t Tally)
}

// Publisher receives engine events after the mutation committed.
type Publisher interface {
	Publish(evt events.Event)
}
