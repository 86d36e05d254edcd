package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odonto/odonto/internal/platform/apierr"
)

// Fake is an in-memory processor used in development mode and in tests. It
// honors the Client idempotency contract: repeated Confirm calls on the same
// intent return the first outcome unchanged.
type Fake struct {
	mu       sync.Mutex
	intents  map[string]IntentRequest
	outcomes map[string]*Outcome

	// FailNext makes the next CreateIntent or Confirm return a gateway
	// error, simulating a processor outage.
	FailNext bool
	// DeclineNext makes the next Confirm produce a failed outcome.
	DeclineNext bool
}

func NewFake() *Fake {
	return &Fake{
		intents:  make(map[string]IntentRequest),
		outcomes: make(map[string]*Outcome),
	}
}

func (f *Fake) CreateIntent(_ context.Context, req IntentRequest) (*IntentRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailNext {
		f.FailNext = false
		return nil, apierr.Gateway(errUnavailable)
	}

	id := "pi_" + uuid.NewString()
	f.intents[id] = req
	return &IntentRef{ID: id, Status: "requires_confirmation", CreatedAt: time.Now().UTC()}, nil
}

func (f *Fake) Confirm(_ context.Context, intentID string) (*Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailNext {
		f.FailNext = false
		return nil, apierr.Gateway(errUnavailable)
	}

	if out, ok := f.outcomes[intentID]; ok {
		return out, nil
	}
	if _, ok := f.intents[intentID]; !ok {
		return nil, apierr.NotFound("payment intent")
	}

	out := &Outcome{
		IntentID:    intentID,
		Succeeded:   true,
		ProcessorID: "ch_" + uuid.NewString(),
		ConfirmedAt: time.Now().UTC(),
	}
	if f.DeclineNext {
		f.DeclineNext = false
		out.Succeeded = false
		out.ProcessorID = ""
		out.FailureCode = "card_declined"
	}
	f.outcomes[intentID] = out
	return out, nil
}

var errUnavailable = errors.New("processor unavailable")
