package reconcile

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/perpdex/perpindexer/internal/domain"
	"github.com/perpdex/perpindexer/internal/projection"
	"github.com/perpdex/perpindexer/internal/storetest"
)

type fakeReader struct {
	states map[uint32]uint8
	trades map[uint32]domain.Trade
	next   uint32
	err    error
}

func (r *fakeReader) StateOf(_ context.Context, id uint32) (uint8, error) {
	if r.err != nil {
		return 0, r.err
	}
	return r.states[id], nil
}

func (r *fakeReader) GetTrade(_ context.Context, id uint32) (domain.Trade, error) {
	if r.err != nil {
		return domain.Trade{}, r.err
	}
	return r.trades[id], nil
}

func (r *fakeReader) NextID(context.Context) (uint32, error) {
	if r.err != nil {
		return 0, r.err
	}
	return r.next, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, reader *fakeReader) (*Reconciler, *storetest.MemStore, *projection.Machine) {
	t.Helper()
	store := storetest.NewMemStore()
	store.Assets[1] = domain.Asset{
		AssetID: 1, Symbol: "BTC-PERP", TickX6: 10_000,
		LotNum: big.NewInt(1), LotDen: big.NewInt(1),
	}
	machine := projection.NewMachine(store, projection.NewAssetCache(store), testLogger())
	rec := New(reader, store, machine, nil, 4, 4, testLogger())
	return rec, store, machine
}

func openPosition(t *testing.T, m *projection.Machine, id uint32, sl, tp int64) {
	t.Helper()
	ev := domain.Opened{
		ID: id, State: domain.StateOpen, AssetID: 1, LongSide: true,
		Lots: 2, LeverageX: 5, EntryOrTargetX6: 100_000_000,
		SLX6: sl, TPX6: tp, Trader: "0xaa",
	}
	if err := m.ApplyOpened(context.Background(), ev, domain.EventMeta{}); err != nil {
		t.Fatalf("seed position %d: %v", id, err)
	}
}

func restingOrder(t *testing.T, m *projection.Machine, id uint32) {
	t.Helper()
	ev := domain.Opened{
		ID: id, State: domain.StateOrder, AssetID: 1, LongSide: true,
		Lots: 2, LeverageX: 5, EntryOrTargetX6: 100_000_000,
		SLX6: 99_000_000, Trader: "0xaa",
	}
	if err := m.ApplyOpened(context.Background(), ev, domain.EventMeta{}); err != nil {
		t.Fatalf("seed order %d: %v", id, err)
	}
}

// DB OPEN, chain CANCELLED: the run injects a removal.
func TestStateOnlyRemovesCancelled(t *testing.T) {
	reader := &fakeReader{states: map[uint32]uint8{99: 3}}
	rec, store, m := newFixture(t, reader)
	openPosition(t, m, 99, 50, 0)

	summary, err := rec.Run(context.Background(), []uint32{99}, StateOnly)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := Summary{Scanned: 1, Removed: 1}
	if summary != want {
		t.Fatalf("summary = %+v, want %+v", summary, want)
	}

	p, _ := store.GetPosition(context.Background(), 99)
	if p.State != domain.StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", p.State)
	}
	stops, _ := store.GetStopBuckets(context.Background(), 99)
	if len(stops) != 0 {
		t.Fatalf("stop rows = %d, want 0", len(stops))
	}
}

// DB ORDER, chain OPEN: an Executed is injected at the stored target, then
// the stored stops are materialized.
func TestStateOnlyExecutesFilledOrder(t *testing.T) {
	reader := &fakeReader{states: map[uint32]uint8{5: 1}}
	rec, store, m := newFixture(t, reader)
	restingOrder(t, m, 5)

	summary, err := rec.Run(context.Background(), []uint32{5}, StateOnly)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Executed != 1 || summary.Stops != 1 {
		t.Fatalf("summary = %+v, want executed=1 stops=1", summary)
	}

	p, _ := store.GetPosition(context.Background(), 5)
	if p.State != domain.StateOpen || p.EntryX6 != 100_000_000 {
		t.Fatalf("position = %+v", p)
	}
	orders, _ := store.GetOrderBuckets(context.Background(), 5)
	if len(orders) != 0 {
		t.Fatalf("order rows = %d, want 0", len(orders))
	}
}

// Equal states: a damaged stop index is rebuilt from the row.
func TestStateOnlyRepairsStopIndex(t *testing.T) {
	reader := &fakeReader{states: map[uint32]uint8{6: 1}}
	rec, store, m := newFixture(t, reader)
	openPosition(t, m, 6, 99_000_000, 101_000_000)

	// Damage the index behind the store's back.
	for k := range store.Stops {
		delete(store.Stops, k)
	}

	summary, err := rec.Run(context.Background(), []uint32{6}, StateOnly)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.StatePatched != 1 {
		t.Fatalf("summary = %+v, want statePatched=1", summary)
	}
	stops, _ := store.GetStopBuckets(context.Background(), 6)
	if len(stops) != 2 {
		t.Fatalf("stop rows = %d, want 2", len(stops))
	}
}

// A lost LIQ row is restored by the index repair and the run converges: the
// pass after the rebuild reports zero corrections.
func TestStateOnlyRepairsLiqIndex(t *testing.T) {
	reader := &fakeReader{states: map[uint32]uint8{9: 1}}
	rec, store, m := newFixture(t, reader)
	ev := domain.Opened{
		ID: 9, State: domain.StateOpen, AssetID: 1, LongSide: true,
		Lots: 2, LeverageX: 5, EntryOrTargetX6: 100_000_000,
		SLX6: 99_000_000, LiqX6: 98_500_000, Trader: "0xaa",
	}
	if err := m.ApplyOpened(context.Background(), ev, domain.EventMeta{}); err != nil {
		t.Fatalf("seed position 9: %v", err)
	}

	// Drop only the LIQ row; SL survives.
	for k, s := range store.Stops {
		if s.StopType == domain.StopLiq {
			delete(store.Stops, k)
		}
	}

	summary, err := rec.Run(context.Background(), []uint32{9}, StateOnly)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.StatePatched != 1 {
		t.Fatalf("summary = %+v, want statePatched=1", summary)
	}
	stops, _ := store.GetStopBuckets(context.Background(), 9)
	var liq int
	for _, s := range stops {
		if s.StopType == domain.StopLiq {
			liq++
		}
	}
	if liq != 1 {
		t.Fatalf("liq rows = %d, want 1", liq)
	}

	summary, err = rec.Run(context.Background(), []uint32{9}, StateOnly)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if summary.Corrections() != 0 {
		t.Fatalf("second pass corrections = %d, want 0", summary.Corrections())
	}
}

// Equal, clean states produce zero corrections (convergence fixed point).
func TestStateOnlyFixedPoint(t *testing.T) {
	reader := &fakeReader{states: map[uint32]uint8{7: 1}}
	rec, _, m := newFixture(t, reader)
	openPosition(t, m, 7, 99_000_000, 0)

	for pass := 0; pass < 2; pass++ {
		summary, err := rec.Run(context.Background(), []uint32{7}, StateOnly)
		if err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
		if summary.Corrections() != 0 {
			t.Fatalf("pass %d corrections = %d, want 0", pass, summary.Corrections())
		}
	}
}

func TestStateOnlyMissingDB(t *testing.T) {
	reader := &fakeReader{states: map[uint32]uint8{8: 1}}
	rec, _, _ := newFixture(t, reader)

	summary, err := rec.Run(context.Background(), []uint32{8}, StateOnly)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.MissingDB != 1 || summary.Corrections() != 0 {
		t.Fatalf("summary = %+v, want missingDb=1", summary)
	}
}

func TestFullCreatesMissingPosition(t *testing.T) {
	reader := &fakeReader{
		states: map[uint32]uint8{21: 0},
		trades: map[uint32]domain.Trade{21: {
			Owner: "0xbb", AssetID: 1, Lots: 3, LeverageX: 10,
			TargetX6: 108_910_010_000, Flags: 1, State: 0,
		}},
	}
	rec, store, _ := newFixture(t, reader)

	summary, err := rec.Run(context.Background(), []uint32{21}, Full)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Created != 1 {
		t.Fatalf("summary = %+v, want created=1", summary)
	}

	p, err := store.GetPosition(context.Background(), 21)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if p.State != domain.StateOrder || !p.LongSide || p.TargetX6 != 108_910_010_000 {
		t.Fatalf("position = %+v", p)
	}
	if p.TargetBucket == nil || *p.TargetBucket != 10_891_001 {
		t.Fatalf("target bucket = %v", p.TargetBucket)
	}
}

// A terminal chain state for an id never seen locally is reproduced by an
// insert followed by a removal.
func TestFullCreatesTerminalPosition(t *testing.T) {
	reader := &fakeReader{
		states: map[uint32]uint8{22: 3},
		trades: map[uint32]domain.Trade{22: {
			Owner: "0xcc", AssetID: 1, Lots: 1, LeverageX: 2,
			TargetX6: 50_000_000, State: 3,
		}},
	}
	rec, store, _ := newFixture(t, reader)

	summary, err := rec.Run(context.Background(), []uint32{22}, Full)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Created != 1 || summary.Removed != 1 {
		t.Fatalf("summary = %+v, want created=1 removed=1", summary)
	}
	p, _ := store.GetPosition(context.Background(), 22)
	if p.State != domain.StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", p.State)
	}
}

func TestFullSkipsEmptyTrade(t *testing.T) {
	reader := &fakeReader{states: map[uint32]uint8{}, trades: map[uint32]domain.Trade{}}
	rec, _, _ := newFixture(t, reader)

	summary, err := rec.Run(context.Background(), []uint32{30}, Full)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Skipped != 1 || summary.Corrections() != 0 {
		t.Fatalf("summary = %+v, want skipped=1", summary)
	}
}

func TestFullRepairsStopDrift(t *testing.T) {
	reader := &fakeReader{
		states: map[uint32]uint8{31: 1},
		trades: map[uint32]domain.Trade{31: {
			Owner: "0xaa", AssetID: 1, Lots: 2, LeverageX: 5,
			EntryX6: 100_000_000, SLX6: 98_000_000, TPX6: 0, Flags: 1, State: 1,
		}},
	}
	rec, store, m := newFixture(t, reader)
	openPosition(t, m, 31, 99_000_000, 101_000_000)

	summary, err := rec.Run(context.Background(), []uint32{31}, Full)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Stops != 1 {
		t.Fatalf("summary = %+v, want stops=1", summary)
	}
	p, _ := store.GetPosition(context.Background(), 31)
	if p.SLX6 != 98_000_000 || p.TPX6 != 0 {
		t.Fatalf("stops = sl %d tp %d", p.SLX6, p.TPX6)
	}
}

func TestRunCountsRPCFailures(t *testing.T) {
	reader := &fakeReader{err: &domain.ChainError{Transient: true, Err: context.DeadlineExceeded}}
	rec, _, _ := newFixture(t, reader)

	summary, err := rec.Run(context.Background(), []uint32{1, 2, 3}, StateOnly)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Scanned != 3 || summary.RPCFailed != 3 {
		t.Fatalf("summary = %+v, want rpcFailed=3", summary)
	}
}
