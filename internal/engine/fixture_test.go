package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aula-app/aula-engine/internal/engine"
	"github.com/aula-app/aula-engine/internal/engine/memstore"
	"github.com/aula-app/aula-engine/internal/events"
)

const room = "room-1"

type fixture struct {
	t     *testing.T
	store *memstore.Store
	svc   *engine.Service
	bus   *events.Bus
	box   engine.Box
	// idea and idea2 get approved, idea3 rejected.
	idea, idea2, idea3 engine.Idea
}

func sess(id string) engine.Session { return engine.Session{UserID: id} }

func newFixture(t *testing.T, opts ...engine.ServiceOption) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New(engine.Quorum{Votes: 50, WildIdeas: 10})
	bus := events.New(64)
	svc, err := engine.NewService(store, append([]engine.ServiceOption{engine.WithPublisher(bus)}, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	users := []engine.User{
		{ID: "admin", Role: engine.RoleAdmin, Status: engine.StatusActive},
		{ID: "mod", Role: engine.RoleSuperModerator, Status: engine.StatusActive},
		{ID: "alice", Role: engine.RoleUser, Status: engine.StatusActive},
		{ID: "bob", Role: engine.RoleUser, Status: engine.StatusActive},
		{ID: "carol", Role: engine.RoleUser, Status: engine.StatusActive},
		{ID: "dave", Role: engine.RoleUser, Status: engine.StatusActive},
		{ID: "mallory", Role: engine.RoleUser, Status: engine.StatusActive},
		{ID: "rainer", Role: engine.RoleUser, Status: engine.StatusActive},
		{ID: "guest", Role: engine.RoleGuest, Status: engine.StatusActive},
		{ID: "suspended", Role: engine.RoleUser, Status: engine.StatusSuspended},
		{ID: "outsider", Role: engine.RoleUser, Status: engine.StatusActive},
	}
	for _, u := range users {
		if _, err := store.UpsertUser(ctx, u); err != nil {
			t.Fatalf("upsert %s: %v", u.ID, err)
		}
		if u.ID == "outsider" {
			continue
		}
		if err := store.AddMember(ctx, room, u.ID); err != nil {
			t.Fatalf("add member %s: %v", u.ID, err)
		}
	}

	box, err := svc.CreateBox(ctx, sess("admin"), engine.Box{RoomID: room, Name: "Schulhof"})
	if err != nil {
		t.Fatalf("create box: %v", err)
	}
	f := &fixture{t: t, store: store, svc: svc, bus: bus, box: box}
	f.idea = f.addIdea("alice", "Mehr Bänke")
	f.idea2 = f.addIdea("bob", "Trinkbrunnen")
	f.idea3 = f.addIdea("carol", "Längere Pausen")
	return f
}

func (f *fixture) addIdea(author, title string) engine.Idea {
	f.t.Helper()
	idea, err := f.svc.AddIdea(context.Background(), sess(author), f.box.ID, title)
	if err != nil {
		f.t.Fatalf("add idea: %v", err)
	}
	return idea
}

func (f *fixture) phase() engine.Phase {
	f.t.Helper()
	box, err := f.svc.GetBox(context.Background(), sess("admin"), f.box.ID)
	if err != nil {
		f.t.Fatalf("get box: %v", err)
	}
	return box.Phase
}

// moveTo advances the box step by step as admin.
func (f *fixture) moveTo(p engine.Phase) {
	f.t.Helper()
	cur := f.phase()
	for cur < p {
		next, _ := engine.NextPhase(cur)
		if _, err := f.svc.Transition(context.Background(), sess("admin"), engine.TransitionRequest{BoxID: f.box.ID, From: cur, To: next}); err != nil {
			f.t.Fatalf("transition %s -> %s: %v", cur, next, err)
		}
		cur = next
	}
}

// force jumps straight to p as admin.
func (f *fixture) force(p engine.Phase) {
	f.t.Helper()
	cur := f.phase()
	if cur == p {
		return
	}
	if _, err := f.svc.Transition(context.Background(), sess("admin"), engine.TransitionRequest{BoxID: f.box.ID, From: cur, To: p, Force: true}); err != nil {
		f.t.Fatalf("force %s -> %s: %v", cur, p, err)
	}
}

func (f *fixture) toVoting() {
	f.t.Helper()
	ctx := context.Background()
	f.moveTo(engine.PhaseApproval)
	for idea, status := range map[string]engine.Approval{
		f.idea.ID:  engine.ApprovalApproved,
		f.idea2.ID: engine.ApprovalApproved,
		f.idea3.ID: engine.ApprovalRejected,
	} {
		if _, err := f.svc.ApproveIdea(ctx, sess("mod"), f.box.ID, idea, status); err != nil {
			f.t.Fatalf("approve %s: %v", idea, err)
		}
	}
	f.moveTo(engine.PhaseVoting)
}

func (f *fixture) vote(user, ideaID string, v engine.Value) engine.CastResult {
	f.t.Helper()
	res, err := f.svc.CastVote(context.Background(), sess(user), engine.CastRequest{BoxID: f.box.ID, IdeaID: ideaID, Value: v})
	if err != nil {
		f.t.Fatalf("%s votes %d on %s: %v", user, v, ideaID, err)
	}
	return res
}

func (f *fixture) delegate(from, to string) {
	f.t.Helper()
	if _, err := f.svc.Delegate(context.Background(), sess(from), f.box.ID, to); err != nil {
		f.t.Fatalf("%s delegates to %s: %v", from, to, err)
	}
}

func (f *fixture) tally(ideaID string) engine.Tally {
	f.t.Helper()
	tl, err := f.svc.Tally(context.Background(), sess("admin"), f.box.ID, ideaID)
	if err != nil {
		f.t.Fatalf("tally %s: %v", ideaID, err)
	}
	return tl
}

func (f *fixture) hasIncoming(user string) bool {
	f.t.Helper()
	has, err := f.svc.HasIncomingDelegation(context.Background(), sess("admin"), f.box.ID, user)
	if err != nil {
		f.t.Fatalf("has incoming %s: %v", user, err)
	}
	return has
}

func (f *fixture) delegations() []engine.Delegation {
	f.t.Helper()
	var out []engine.Delegation
	err := f.store.View(context.Background(), f.box.ID, func(tx engine.Tx) error {
		var err error
		out, err = tx.Delegations()
		return err
	})
	if err != nil {
		f.t.Fatalf("list delegations: %v", err)
	}
	return out
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
