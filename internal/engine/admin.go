package engine

import (
	"context"
	"strings"

	"github.com/aula-app/aula-engine/internal/ids"
)

// CreateBox opens a new box in the wild phase unless another start phase is given.
func (s *Service) CreateBox(ctx context.Context, sess Session, box Box) (Box, error) {
	ctx, span := s.start(ctx, "CreateBox", "")
	u, err := s.directoryActor(ctx, sess)
	if err != nil {
		return Box{}, s.finish(span, err)
	}
	if u.Role < s.workflow.CreateBoxRole {
		return Box{}, s.finish(span, newError(CodePermissionDenied, "creating boxes requires role %d", int(s.workflow.CreateBoxRole)))
	}
	box.RoomID = strings.TrimSpace(box.RoomID)
	box.Name = strings.TrimSpace(box.Name)
	if box.RoomID == "" || box.Name == "" {
		return Box{}, s.finish(span, InvalidInputf("room_id and name are required"))
	}
	if !box.Phase.Valid() {
		return Box{}, s.finish(span, InvalidInputf("unknown phase %d", int(box.Phase)))
	}
	for p, days := range box.Durations {
		if !p.Valid() || days < 0 {
			return Box{}, s.finish(span, InvalidInputf("invalid duration for phase %d", int(p)))
		}
	}
	now := s.now()
	box.ID = ids.NewAt(now)
	box.Version = 0
	box.CreatedAt = now
	box.UpdatedAt = now
	if err := s.store.CreateBox(ctx, box); err != nil {
		return Box{}, s.finish(span, asEngineError("create box", err))
	}
	return box, s.finish(span, nil)
}

// AddIdea files an idea into a box during the wild or discussion phase.
func (s *Service) AddIdea(ctx context.Context, sess Session, boxID, title string) (Idea, error) {
	ctx, span := s.start(ctx, "AddIdea", boxID)
	title = strings.TrimSpace(title)
	var out Idea
	err := s.update(ctx, boxID, func(tx Tx) error {
		box := tx.Box()
		if err := requirePhase(box, ActionCreateIdea); err != nil {
			return err
		}
		author, err := actor(tx, sess)
		if err != nil {
			return err
		}
		if ok, err := eligible(tx, author); err != nil {
			return err
		} else if !ok {
			return newError(CodeNotEligible, "user %s is not a member of room %s", author.ID, box.RoomID)
		}
		if title == "" {
			return InvalidInputf("title is required")
		}
		now := s.now()
		out = Idea{ID: ids.NewAt(now), BoxID: box.ID, AuthorID: author.ID, Title: title, Approval: ApprovalPending, CreatedAt: now}
		return tx.PutIdea(out)
	})
	if err != nil {
		return Idea{}, s.finish(span, err)
	}
	return out, s.finish(span, nil)
}

// ApproveIdea sets the moderation status of an idea during the approval phase.
func (s *Service) ApproveIdea(ctx context.Context, sess Session, boxID, ideaID string, status Approval) (Idea, error) {
	ctx, span := s.start(ctx, "ApproveIdea", boxID)
	var out Idea
	err := s.update(ctx, boxID, func(tx Tx) error {
		if err := requirePhase(tx.Box(), ActionApprove); err != nil {
			return err
		}
		u, err := actor(tx, sess)
		if err != nil {
			return err
		}
		if u.Role < s.workflow.ApproveRole {
			return newError(CodePermissionDenied, "approving ideas requires role %d", int(s.workflow.ApproveRole))
		}
		if !status.Valid() {
			return InvalidInputf("approval must be -1, 0 or 1")
		}
		idea, err := tx.Idea(ideaID)
		if err != nil {
			return err
		}
		idea.Approval = status
		if err := tx.PutIdea(idea); err != nil {
			return err
		}
		out = idea
		return tx.Touch(s.now())
	})
	if err != nil {
		return Idea{}, s.finish(span, err)
	}
	return out, s.finish(span, nil)
}

// LookupUser returns a directory entry without authorization; used when issuing tokens.
func (s *Service) LookupUser(ctx context.Context, id string) (User, error) {
	u, err := s.store.User(ctx, strings.TrimSpace(id))
	return u, asEngineError("load user", err)
}

// UpsertUser creates or updates a directory entry. Admins cannot grant a role above their own.
func (s *Service) UpsertUser(ctx context.Context, sess Session, u User) (User, error) {
	ctx, span := s.start(ctx, "UpsertUser", "")
	admin, err := s.directoryActor(ctx, sess)
	if err != nil {
		return User{}, s.finish(span, err)
	}
	if admin.Role < RoleAdmin {
		return User{}, s.finish(span, newError(CodePermissionDenied, "managing users requires role %d", int(RoleAdmin)))
	}
	u.ID = strings.TrimSpace(u.ID)
	switch {
	case u.ID == "":
		err = InvalidInputf("user id is required")
	case !u.Role.Valid():
		err = InvalidInputf("invalid role %d", int(u.Role))
	case !u.Status.Valid():
		err = InvalidInputf("invalid status %d", int(u.Status))
	case u.Role > admin.Role:
		err = newError(CodePermissionDenied, "cannot grant role %d above own role %d", int(u.Role), int(admin.Role))
	}
	if err != nil {
		return User{}, s.finish(span, err)
	}
	out, err := s.store.UpsertUser(ctx, u)
	return out, s.finish(span, asEngineError("upsert user", err))
}

// AddMember puts a user into a room's voter pool.
func (s *Service) AddMember(ctx context.Context, sess Session, roomID, userID string) error {
	ctx, span := s.start(ctx, "AddMember", "")
	admin, err := s.directoryActor(ctx, sess)
	if err != nil {
		return s.finish(span, err)
	}
	if admin.Role < RoleAdmin {
		return s.finish(span, newError(CodePermissionDenied, "managing rooms requires role %d", int(RoleAdmin)))
	}
	roomID, userID = strings.TrimSpace(roomID), strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return s.finish(span, InvalidInputf("room and user are required"))
	}
	return s.finish(span, asEngineError("add member", s.store.AddMember(ctx, roomID, userID)))
}

// RemoveMember takes a user out of a room's voter pool. Ballots and
// delegations stay stored but stop counting while the user is not a member.
func (s *Service) RemoveMember(ctx context.Context, sess Session, roomID, userID string) error {
	ctx, span := s.start(ctx, "RemoveMember", "")
	admin, err := s.directoryActor(ctx, sess)
	if err != nil {
		return s.finish(span, err)
	}
	if admin.Role < RoleAdmin {
		return s.finish(span, newError(CodePermissionDenied, "managing rooms requires role %d", int(RoleAdmin)))
	}
	roomID, userID = strings.TrimSpace(roomID), strings.TrimSpace(userID)
	if roomID == "" || userID == "" {
		return s.finish(span, InvalidInputf("room and user are required"))
	}
	return s.finish(span, asEngineError("remove member", s.store.RemoveMember(ctx, roomID, userID)))
}

// AuthorizeEvents decides whether sess may follow the event stream of boxID:
// members of the box's voter pool and moderators may.
func (s *Service) AuthorizeEvents(ctx context.Context, sess Session, boxID string) error {
	return s.view(ctx, boxID, func(tx Tx) error {
		u, err := actor(tx, sess)
		if err != nil {
			return err
		}
		if u.Role >= RoleModerator {
			return nil
		}
		ok, err := eligible(tx, u)
		if err != nil {
			return err
		}
		if !ok {
			return newError(CodePermissionDenied, "user %s may not follow box %s", u.ID, tx.Box().ID)
		}
		return nil
	})
}

// GetQuorum returns the configured thresholds to any active user.
func (s *Service) GetQuorum(ctx context.Context, sess Session) (Quorum, error) {
	if _, err := s.directoryActor(ctx, sess); err != nil {
		return Quorum{}, err
	}
	q, err := s.store.Quorum(ctx)
	return q, asEngineError("load quorum", err)
}

// SetQuorum replaces the thresholds. Requires the admin role.
func (s *Service) SetQuorum(ctx context.Context, sess Session, q Quorum) (Quorum, error) {
	ctx, span := s.start(ctx, "SetQuorum", "")
	admin, err := s.directoryActor(ctx, sess)
	if err != nil {
		return Quorum{}, s.finish(span, err)
	}
	if admin.Role < RoleAdmin {
		return Quorum{}, s.finish(span, newError(CodePermissionDenied, "changing the quorum requires role %d", int(RoleAdmin)))
	}
	if err := q.Validate(); err != nil {
		return Quorum{}, s.finish(span, err)
	}
	return q, s.finish(span, asEngineError("save quorum", s.store.SetQuorum(ctx, q)))
}
