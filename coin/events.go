/*
events.go - Domain events emitted after committed ledger changes

PURPOSE:
  After a successful commit the engine hands an immutable event record
  to the Emitter for external consumers (notifications, analytics).

CONTRACT:
  Fire-and-forget, at-least-once at best. Emitter failures are logged
  and dropped; they must never roll back or fail the committed ledger
  operation. Events carry a process-local monotonically increasing
  sequence number so consumers can order them.
*/
package coin

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies what happened to an allocation.
type EventType string

const (
	EventAllocationCreated  EventType = "allocation.created"
	EventAllocationMoved    EventType = "allocation.moved"
	EventAllocationExpired  EventType = "allocation.expired"
	EventAllocationRecycled EventType = "allocation.recycled"
	EventGrantIssued        EventType = "grant.issued"
)

// Event is an immutable record of a committed coin movement.
type Event struct {
	ID         string
	Seq        uint64
	Type       EventType
	UserID     UserID
	CampaignID CampaignID
	IdeaID     IdeaID

	// SourceIdeaID is set only on allocation.moved events.
	SourceIdeaID IdeaID

	Amount int64
	At     time.Time
}

// Emitter receives events after commit. Implementations may deliver to
// a queue, a webhook, or a log; a returned error is logged by the
// engine and otherwise ignored.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, ev Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) error { return nil }

// LogEmitter writes events to a structured log. Useful as a default
// sink and for local development.
type LogEmitter struct {
	Log zerolog.Logger
}

func (l LogEmitter) Emit(_ context.Context, ev Event) error {
	l.Log.Info().
		Str("event", string(ev.Type)).
		Uint64("seq", ev.Seq).
		Str("user", string(ev.UserID)).
		Str("campaign", string(ev.CampaignID)).
		Str("idea", string(ev.IdeaID)).
		Int64("amount", ev.Amount).
		Msg("coin event")
	return nil
}
