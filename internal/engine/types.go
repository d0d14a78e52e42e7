package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Phase is the lifecycle stage of a box. Values are ordinal and persisted as-is.
type Phase int

const (
	PhaseWild       Phase = 0
	PhaseDiscussion Phase = 10
	PhaseApproval   Phase = 20
	PhaseVoting     Phase = 30
	PhaseResults    Phase = 40
)

var phaseNames = map[Phase]string{
	PhaseWild:       "wild",
	PhaseDiscussion: "discussion",
	PhaseApproval:   "approval",
	PhaseVoting:     "voting",
	PhaseResults:    "results",
}

// Phases lists every phase in workflow order.
var Phases = []Phase{PhaseWild, PhaseDiscussion, PhaseApproval, PhaseVoting, PhaseResults}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "phase(" + strconv.Itoa(int(p)) + ")"
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	_, ok := phaseNames[p]
	return ok
}

// ParsePhase accepts a phase name ("voting") or its ordinal ("30").
func ParsePhase(s string) (Phase, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Phase(n).Valid() {
		return Phase(n), nil
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// Role is an ordinal permission tier; higher values include lower ones.
type Role int

const (
	RoleGuest          Role = 10
	RoleUser           Role = 20
	RoleModerator      Role = 30
	RoleSuperModerator Role = 40
	RolePrincipal      Role = 44
	RoleAdmin          Role = 50
	RoleTechAdmin      Role = 60
)

// Valid reports whether r lies within the known tiers.
func (r Role) Valid() bool { return r >= RoleGuest && r <= RoleTechAdmin }

// UserStatus is the soft lifecycle state of an account.
type UserStatus int

const (
	StatusInactive  UserStatus = 0
	StatusActive    UserStatus = 1
	StatusSuspended UserStatus = 2
	StatusArchived  UserStatus = 3
)

func (s UserStatus) Valid() bool { return s >= StatusInactive && s <= StatusArchived }

type User struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Role        Role       `json:"role"`
	Status      UserStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Active reports whether the user may act at all.
func (u User) Active() bool { return u.Status == StatusActive }

// Box is a themed voting container. Its room's members form the voter pool.
type Box struct {
	ID        string        `json:"id"`
	RoomID    string        `json:"room_id"`
	Name      string        `json:"name"`
	Phase     Phase         `json:"phase"`
	Durations map[Phase]int `json:"phase_durations,omitempty"`
	Version   uint64        `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Approval is the moderation status of an idea.
type Approval int

const (
	ApprovalRejected Approval = -1
	ApprovalPending  Approval = 0
	ApprovalApproved Approval = 1
)

func (a Approval) Valid() bool { return a >= ApprovalRejected && a <= ApprovalApproved }

type Idea struct {
	ID        string    `json:"id"`
	BoxID     string    `json:"box_id"`
	AuthorID  string    `json:"author_id"`
	Title     string    `json:"title"`
	Approval  Approval  `json:"approval"`
	CreatedAt time.Time `json:"created_at"`
}

// Delegation is the directed edge From -> To scoped to one box.
type Delegation struct {
	BoxID     string    `json:"box_id"`
	From      string    `json:"from_user"`
	To        string    `json:"to_user"`
	CreatedAt time.Time `json:"created_at"`
}

// Value is a ballot choice.
type Value int

const (
	ValueAgainst Value = -1
	ValueNeutral Value = 0
	ValueFor     Value = 1
)

func (v Value) Valid() bool { return v >= ValueAgainst && v <= ValueFor }

func (v Value) String() string {
	switch v {
	case ValueFor:
		return "for"
	case ValueAgainst:
		return "against"
	case ValueNeutral:
		return "neutral"
	}
	return "invalid"
}

// Ballot is the stored vote of one natural person on one idea.
type Ballot struct {
	BoxID   string    `json:"box_id"`
	IdeaID  string    `json:"idea_id"`
	VoterID string    `json:"voter_id"`
	Value   Value     `json:"value"`
	CastAt  time.Time `json:"cast_at"`
}

// Tally aggregates an idea's ballots. For, Against and Neutral count represented
// identities; Ballots counts stored rows.
type Tally struct {
	IdeaID  string `json:"idea_id"`
	For     int    `json:"votes_positive"`
	Against int    `json:"votes_negative"`
	Neutral int    `json:"votes_neutral"`
	Ballots int    `json:"ballots"`
}

// Voters is the number of identities represented in the tally.
func (t Tally) Voters() int { return t.For + t.Against + t.Neutral }

// EffectiveVoter is a user without an outgoing delegation together with the
// delegators whose right they currently hold.
type EffectiveVoter struct {
	UserID     string   `json:"user_id"`
	Represents []string `json:"represents"`
	Weight     int      `json:"weight"`
}

// Quorum thresholds are percentages of a box's voter pool.
type Quorum struct {
	Votes     int `json:"quorum_votes"`
	WildIdeas int `json:"quorum_wild_ideas"`
}

func (q Quorum) Validate() error {
	if q.Votes < 0 || q.Votes > 100 || q.WildIdeas < 0 || q.WildIdeas > 100 {
		return newError(CodeInvalidInput, "quorum values must be between 0 and 100")
	}
	return nil
}

type Result string

const (
	ResultWinner   Result = "winner"
	ResultLoser    Result = "loser"
	ResultNoQuorum Result = "no_quorum"
)

type Outcome struct {
	Tally
	Result Result `json:"result"`
}

// Evaluation is the persisted result snapshot of a box.
type Evaluation struct {
	BoxID        string    `json:"box_id"`
	Outcomes     []Outcome `json:"outcomes"`
	Pool         int       `json:"pool"`
	Participants int       `json:"participants"`
	Required     int       `json:"required"`
	Quorum       Quorum    `json:"quorum"`
	InputsHash   string    `json:"inputs_hash"`
	ComputedAt   time.Time `json:"computed_at"`
}

// Session identifies the authenticated caller. Roles are never taken from it;
// they are looked up in the directory on each call.
type Session struct {
	UserID string
}

type TransitionRequest struct {
	BoxID string `json:"-"`
	From  Phase  `json:"from"`
	To    Phase  `json:"to"`
	Force bool   `json:"force"`
}

type CastRequest struct {
	BoxID      string `json:"-"`
	IdeaID     string `json:"-"`
	Value      Value  `json:"value"`
	OnBehalfOf string `json:"on_behalf_of,omitempty"`
}

type CastResult struct {
	Ballot      Ballot   `json:"ballot"`
	Weight      int      `json:"weight"`
	Represented []string `json:"represented"`
}
