package coin_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/warp/coin-engine/coin"
	"github.com/warp/coin-engine/coin/store"
)

func collectEvents(t *testing.T, ch <-chan coin.Event, n int) []coin.Event {
	t.Helper()
	out := make([]coin.Event, 0, n)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestEvents_EmittedAfterCommit(t *testing.T) {
	// GIVEN: an engine wired to a channel emitter
	// WHEN:  a grant and an allocation commit
	// THEN:  both events arrive with identity, sequence, and amount set

	ctx := context.Background()
	ch := make(chan coin.Event, 16)
	emit := coin.EmitterFunc(func(_ context.Context, ev coin.Event) error {
		ch <- ev
		return nil
	})

	mem := store.NewMemory()
	eng := coin.NewEngine(mem, coin.NewResolver(mem), mem, mem, coin.WithEmitter(emit))
	seedCampaign(t, mem, "c1", true, standardPolicy("c1"))
	seedIdea(t, mem, "idea-1", "c1", coin.IdeaCompeting)

	if _, err := eng.GrantInitial(ctx, "alice", "c1"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := eng.Allocate(ctx, "alice", "idea-1", "c1", 30); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	got := collectEvents(t, ch, 2)
	byType := make(map[coin.EventType]coin.Event, len(got))
	for _, ev := range got {
		byType[ev.Type] = ev
		if ev.ID == "" || ev.Seq == 0 || ev.At.IsZero() {
			t.Errorf("event %s missing identity: %+v", ev.Type, ev)
		}
	}

	grant, ok := byType[coin.EventGrantIssued]
	if !ok || grant.Amount != 100 || grant.UserID != "alice" {
		t.Errorf("grant event = %+v", grant)
	}
	alloc, ok := byType[coin.EventAllocationCreated]
	if !ok || alloc.Amount != 30 || alloc.IdeaID != "idea-1" {
		t.Errorf("allocation event = %+v", alloc)
	}
}

func TestEvents_SequenceNumbersIncrease(t *testing.T) {
	ctx := context.Background()
	ch := make(chan coin.Event, 16)
	emit := coin.EmitterFunc(func(_ context.Context, ev coin.Event) error {
		ch <- ev
		return nil
	})

	mem := store.NewMemory()
	eng := coin.NewEngine(mem, coin.NewResolver(mem), mem, mem, coin.WithEmitter(emit))
	seedCampaign(t, mem, "c1", true, standardPolicy("c1"))

	for _, user := range []coin.UserID{"a", "b", "c"} {
		if _, err := eng.GrantInitial(ctx, user, "c1"); err != nil {
			t.Fatalf("grant %s: %v", user, err)
		}
	}

	seen := make(map[uint64]bool)
	for _, ev := range collectEvents(t, ch, 3) {
		if seen[ev.Seq] {
			t.Errorf("duplicate sequence number %d", ev.Seq)
		}
		seen[ev.Seq] = true
	}
}

func TestEvents_EmitterFailureDoesNotFailOperation(t *testing.T) {
	// GIVEN: an emitter that always errors
	// WHEN:  an allocation commits
	// THEN:  the operation succeeds and the ledger reflects it

	ctx := context.Background()
	emit := coin.EmitterFunc(func(context.Context, coin.Event) error {
		return errors.New("sink unavailable")
	})

	mem := store.NewMemory()
	eng := coin.NewEngine(mem, coin.NewResolver(mem), mem, mem, coin.WithEmitter(emit))
	seedCampaign(t, mem, "c1", true, standardPolicy("c1"))
	seedIdea(t, mem, "idea-1", "c1", coin.IdeaCompeting)

	if _, err := eng.GrantInitial(ctx, "alice", "c1"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	bal, err := eng.Allocate(ctx, "alice", "idea-1", "c1", 30)
	if err != nil {
		t.Fatalf("allocate despite failing emitter: %v", err)
	}
	assertBuckets(t, bal, 70, 30, 0)
}

func TestEvents_RejectedOperationEmitsNothing(t *testing.T) {
	ctx := context.Background()
	ch := make(chan coin.Event, 16)
	emit := coin.EmitterFunc(func(_ context.Context, ev coin.Event) error {
		ch <- ev
		return nil
	})

	mem := store.NewMemory()
	eng := coin.NewEngine(mem, coin.NewResolver(mem), mem, mem, coin.WithEmitter(emit))
	seedCampaign(t, mem, "c1", true, standardPolicy("c1"))
	seedIdea(t, mem, "idea-1", "c1", coin.IdeaCompeting)

	if _, err := eng.Allocate(ctx, "alice", "idea-1", "c1", 30); err == nil {
		t.Fatal("allocation with no coins should fail")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v for a rejected operation", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
