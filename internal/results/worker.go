// Package results evaluates boxes as they enter the results phase.
package results

import (
	"context"
	"time"

	"github.com/aula-app/aula-engine/internal/engine"
	"github.com/aula-app/aula-engine/internal/events"
	"github.com/aula-app/aula-engine/internal/obs"
)

// Evaluator is the part of engine.Service the worker drives.
type Evaluator interface {
	Evaluate(ctx context.Context, boxID string) (engine.Evaluation, error)
}

// Worker listens for phase changes and persists evaluations.
type Worker struct {
	eval    Evaluator
	bus     *events.Bus
	timeout time.Duration
}

// NewWorker returns a worker evaluating through eval; each evaluation is
// bounded by timeout.
func NewWorker(eval Evaluator, bus *events.Bus, timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Worker{eval: eval, bus: bus, timeout: timeout}
}

// Start subscribes before returning, so no event published afterwards is
// missed. The subscription queues every entry into the results phase, so a
// slow evaluation never loses a later box. The returned channel closes once
// ctx ends and the loop exits.
func (w *Worker) Start(ctx context.Context) <-chan struct{} {
	ch := w.bus.SubscribeQueue(ctx, func(evt events.Event) bool {
		_, ok := enteredResults(evt)
		return ok
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range ch {
			w.handle(ctx, evt)
		}
	}()
	return done
}

func enteredResults(evt events.Event) (engine.PhaseChange, bool) {
	if evt.Type != events.PhaseChanged {
		return engine.PhaseChange{}, false
	}
	change, ok := evt.Data.(engine.PhaseChange)
	return change, ok && change.To == engine.PhaseResults
}

func (w *Worker) handle(ctx context.Context, evt events.Event) {
	if _, ok := enteredResults(evt); !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	log := obs.Logger()
	ev, err := w.eval.Evaluate(ctx, evt.BoxID)
	if err != nil {
		log.Error().Err(err).Str("box_id", evt.BoxID).Str("code", string(engine.CodeOf(err))).Msg("evaluation failed")
		return
	}
	log.Info().
		Str("box_id", evt.BoxID).
		Str("inputs_hash", ev.InputsHash).
		Int("participants", ev.Participants).
		Int("required", ev.Required).
		Msg("box evaluated")
}
