package shellcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/discochess/shellcache/internal/snapshot"
)

// ErrUnknownTrigger is returned for an event with no registered handler.
var ErrUnknownTrigger = errors.New("shellcache: unknown trigger")

// Trigger names an event the host delivers to a worker.
type Trigger string

const (
	TriggerInstall  Trigger = "install"
	TriggerActivate Trigger = "activate"
	TriggerFetch    Trigger = "fetch"
	TriggerMessage  Trigger = "message"
)

// Event is one delivery to a worker.
type Event struct {
	Trigger Trigger
	// Request is set for fetch events.
	Request *http.Request
	// Payload is set for message events.
	Payload any
}

// Outcome is the eventual result of an event. Response is set for fetch
// events that succeeded.
type Outcome struct {
	Response *snapshot.Response
	Err      error
}

func (w *Worker) dispatchTable() map[Trigger]func(context.Context, Event) Outcome {
	return map[Trigger]func(context.Context, Event) Outcome{
		TriggerInstall: func(ctx context.Context, _ Event) Outcome {
			return Outcome{Err: w.Install(ctx)}
		},
		TriggerActivate: func(ctx context.Context, _ Event) Outcome {
			return Outcome{Err: w.Activate(ctx)}
		},
		TriggerFetch: func(ctx context.Context, ev Event) Outcome {
			if ev.Request == nil {
				return Outcome{Err: errors.New("shellcache: fetch event without request")}
			}
			resp, err := w.Fetch(ctx, ev.Request)
			return Outcome{Response: resp, Err: err}
		},
		TriggerMessage: func(ctx context.Context, ev Event) Outcome {
			w.Message(ctx, ev.Payload)
			return Outcome{}
		},
	}
}

// Dispatch runs the handler registered for ev.Trigger and returns its
// outcome.
func (w *Worker) Dispatch(ctx context.Context, ev Event) Outcome {
	fn, ok := w.triggers[ev.Trigger]
	if !ok {
		return Outcome{Err: fmt.Errorf("%w: %q", ErrUnknownTrigger, ev.Trigger)}
	}
	return fn(ctx, ev)
}

// Pending is an outcome that is not known yet.
type Pending struct {
	done    chan struct{}
	outcome Outcome
}

// Submit dispatches ev on its own goroutine.
func (w *Worker) Submit(ctx context.Context, ev Event) *Pending {
	p := &Pending{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.outcome = w.Dispatch(ctx, ev)
	}()
	return p
}

// Done is closed once the outcome is known.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the outcome is known or ctx is done.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
