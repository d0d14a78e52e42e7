package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aula-app/aula-engine/internal/events"
	"github.com/aula-app/aula-engine/internal/obs"
)

// Service implements the box workflow: phase transitions, the delegation graph,
// the vote ledger and result evaluation. All state lives in the Store.
type Service struct {
	store    Store
	workflow Workflow
	bus      Publisher
	cache    TallyCache
	now      func() time.Time
	tracer   trace.Tracer
}

// ServiceOption configures a Service.
type ServiceOption func(*Service) error

// WithWorkflow overrides the default phase thresholds.
func WithWorkflow(w Workflow) ServiceOption {
	return func(s *Service) error {
		if err := w.Validate(); err != nil {
			return err
		}
		s.workflow = w
		return nil
	}
}

// WithPublisher sets the sink for committed events.
func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) error {
		s.bus = p
		return nil
	}
}

// WithTallyCache enables tally caching.
func WithTallyCache(c TallyCache) ServiceOption {
	return func(s *Service) error {
		s.cache = c
		return nil
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) error {
		if now == nil {
			return errors.New("clock is nil")
		}
		s.now = now
		return nil
	}
}

// NewService wires a Service over store.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("engine: store is required")
	}
	s := &Service{
		store:    store,
		workflow: DefaultWorkflow(),
		now:      func() time.Time { return time.Now().UTC() },
		tracer:   obs.Tracer(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Workflow returns the active thresholds.
func (s *Service) Workflow() Workflow { return s.workflow }

func (s *Service) start(ctx context.Context, op, boxID string) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "engine."+op)
	if boxID != "" {
		span.SetAttributes(attribute.String("aula.box_id", boxID))
	}
	return ctx, span
}

// finish records err on the span and in metrics and returns it unchanged.
func (s *Service) finish(span trace.Span, err error) error {
	defer span.End()
	if err == nil {
		return nil
	}
	code := CodeOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(code))
	obs.EngineErrors.WithLabelValues(string(code)).Inc()
	return err
}

func (s *Service) publish(t events.Type, boxID, actor string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: t, BoxID: boxID, ActorID: actor, Data: data, Timestamp: s.now()})
}

func (s *Service) update(ctx context.Context, boxID string, fn func(Tx) error) error {
	return asEngineError("update box", s.store.Update(ctx, boxID, fn))
}

func (s *Service) view(ctx context.Context, boxID string, fn func(Tx) error) error {
	return asEngineError("read box", s.store.View(ctx, boxID, fn))
}

// actor resolves the session user inside a box transaction.
func actor(tx Tx, sess Session) (User, error) {
	return resolveActor(sess, tx.User)
}

func (s *Service) directoryActor(ctx context.Context, sess Session) (User, error) {
	u, err := resolveActor(sess, func(id string) (User, error) { return s.store.User(ctx, id) })
	return u, asEngineError("load user", err)
}

func resolveActor(sess Session, lookup func(string) (User, error)) (User, error) {
	id := strings.TrimSpace(sess.UserID)
	if id == "" {
		return User{}, newError(CodePermissionDenied, "authentication required")
	}
	u, err := lookup(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, newError(CodePermissionDenied, "unknown user %s", id)
		}
		return User{}, err
	}
	if !u.Active() {
		return User{}, newError(CodePermissionDenied, "user %s is not active", id)
	}
	return u, nil
}

// eligible reports whether u belongs to the voter pool of the transaction's box.
func eligible(tx Tx, u User) (bool, error) {
	if !u.Active() || u.Role < RoleUser {
		return false, nil
	}
	return tx.IsMember(u.ID)
}

// Transition moves a box to req.To. req.From must match the stored phase.
func (s *Service) Transition(ctx context.Context, sess Session, req TransitionRequest) (Box, error) {
	ctx, span := s.start(ctx, "Transition", req.BoxID)
	var (
		out  Box
		user User
	)
	err := s.update(ctx, req.BoxID, func(tx Tx) error {
		box := tx.Box()
		var err error
		if user, err = actor(tx, sess); err != nil {
			return err
		}
		if box.Phase != req.From {
			return newError(CodeInvalidTransition, "box %s is in phase %s, not %s", box.ID, box.Phase, req.From)
		}
		if err := s.workflow.Check(box.Phase, req.To, user.Role, req.Force); err != nil {
			return err
		}
		if err := tx.SetPhase(req.To, s.now()); err != nil {
			return err
		}
		out = tx.Box()
		return nil
	})
	if err != nil {
		return Box{}, s.finish(span, err)
	}
	obs.PhaseTransitions.WithLabelValues(req.To.String()).Inc()
	s.publish(events.PhaseChanged, out.ID, user.ID, PhaseChange{From: req.From, To: req.To, Forced: req.Force})
	return out, s.finish(span, nil)
}

// PhaseChange is the payload of events.PhaseChanged.
type PhaseChange struct {
	From   Phase `json:"from"`
	To     Phase `json:"to"`
	Forced bool  `json:"forced,omitempty"`
}

// GetBox returns a box to any active user.
func (s *Service) GetBox(ctx context.Context, sess Session, boxID string) (Box, error) {
	ctx, span := s.start(ctx, "GetBox", boxID)
	var out Box
	err := s.view(ctx, boxID, func(tx Tx) error {
		if _, err := actor(tx, sess); err != nil {
			return err
		}
		out = tx.Box()
		return nil
	})
	return out, s.finish(span, err)
}

// CanPerform evaluates the phase predicate for a stored box.
func (s *Service) CanPerform(ctx context.Context, boxID string, action Action) (bool, error) {
	var ok bool
	err := s.view(ctx, boxID, func(tx Tx) error {
		ok = CanPerform(tx.Box().Phase, action)
		return nil
	})
	return ok, err
}
