package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/perpdex/perpindexer/internal/domain"
)

type fakeLocks struct {
	held     bool
	acquired int
}

func (l *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.held {
		return nil, domain.ErrLockHeld
	}
	l.held = true
	l.acquired++
	return func() { l.held = false }, nil
}

func tradeFor(id uint32) domain.Trade {
	return domain.Trade{
		Owner: "0xdd", AssetID: 1, Lots: 1, LeverageX: 2,
		EntryX6: 100_000_000, Flags: 1, State: 1,
	}
}

// Holes below dbMax and the tail up to nextId-1 are discovered and created.
func TestBackfillClosesHolesAndTail(t *testing.T) {
	reader := &fakeReader{
		next:   8, // chain max 7
		states: map[uint32]uint8{},
		trades: map[uint32]domain.Trade{},
	}
	for id := uint32(1); id <= 7; id++ {
		reader.states[id] = 1
		reader.trades[id] = tradeFor(id)
	}
	rec, store, m := newFixture(t, reader)

	// Present: 1, 2, 4. Missing: hole 3, tail 5..7.
	for _, id := range []uint32{1, 2, 4} {
		openPosition(t, m, id, 0, 0)
	}

	locks := &fakeLocks{}
	b := NewBackfill(reader, store, rec, locks, nil, 2, 2, testLogger())
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if locks.acquired != 1 || locks.held {
		t.Fatalf("lock acquired=%d held=%v", locks.acquired, locks.held)
	}

	for _, id := range []uint32{3, 5, 6, 7} {
		if _, err := store.GetPosition(context.Background(), id); err != nil {
			t.Errorf("id %d not created: %v", id, err)
		}
	}
	max, _ := store.MaxID(context.Background())
	if max != 7 {
		t.Fatalf("max id = %d, want 7", max)
	}
}

func TestBackfillNoGaps(t *testing.T) {
	reader := &fakeReader{next: 3, states: map[uint32]uint8{1: 1, 2: 1},
		trades: map[uint32]domain.Trade{1: tradeFor(1), 2: tradeFor(2)}}
	rec, store, m := newFixture(t, reader)
	openPosition(t, m, 1, 0, 0)
	openPosition(t, m, 2, 0, 0)

	b := NewBackfill(reader, store, rec, nil, nil, 0, 0, testLogger())
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestBackfillEmptyChain(t *testing.T) {
	reader := &fakeReader{next: 0}
	rec, store, _ := newFixture(t, reader)

	b := NewBackfill(reader, store, rec, nil, nil, 0, 0, testLogger())
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestBackfillLockContention(t *testing.T) {
	reader := &fakeReader{next: 2, states: map[uint32]uint8{}, trades: map[uint32]domain.Trade{}}
	rec, store, _ := newFixture(t, reader)

	locks := &fakeLocks{held: true}
	b := NewBackfill(reader, store, rec, locks, nil, 0, 0, testLogger())
	if err := b.Run(context.Background()); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}
}

func TestFillRangeWindow(t *testing.T) {
	reader := &fakeReader{
		states: map[uint32]uint8{},
		trades: map[uint32]domain.Trade{},
	}
	for id := uint32(31); id <= 40; id++ {
		reader.states[id] = 1
		reader.trades[id] = tradeFor(id)
	}
	rec, store, _ := newFixture(t, reader)

	b := NewBackfill(reader, store, rec, nil, nil, 0, 0, testLogger())
	if err := b.FillRange(context.Background(), 31, 40); err != nil {
		t.Fatalf("FillRange: %v", err)
	}
	ids, _ := store.ListIDs(context.Background(), 0, 0)
	if len(ids) != 10 {
		t.Fatalf("created = %d ids, want 10", len(ids))
	}

	// Inverted and zero-containing windows are harmless.
	if err := b.FillRange(context.Background(), 5, 4); err != nil {
		t.Fatalf("inverted window: %v", err)
	}
}
