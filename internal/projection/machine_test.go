package projection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/perpdex/perpindexer/internal/domain"
	"github.com/perpdex/perpindexer/internal/storetest"
)

func newTestMachine(t *testing.T) (*Machine, *storetest.MemStore) {
	t.Helper()
	store := storetest.NewMemStore()
	store.Assets[1] = domain.Asset{
		AssetID: 1,
		Symbol:  "BTC-PERP",
		TickX6:  10_000, // tick 0.01
		LotNum:  big.NewInt(1),
		LotDen:  big.NewInt(1),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMachine(store, NewAssetCache(store), logger), store
}

func TestApplyOpenedOrder(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	ev := domain.Opened{
		ID:              7,
		State:           domain.StateOrder,
		AssetID:         1,
		LongSide:        true,
		Lots:            3,
		LeverageX:       10,
		EntryOrTargetX6: 108_910_010_000, // 108910.01
		Trader:          "0xAbCd",
	}
	if err := m.ApplyOpened(ctx, ev, domain.EventMeta{Block: 100, TxHash: "0x01"}); err != nil {
		t.Fatalf("ApplyOpened: %v", err)
	}

	p, err := store.GetPosition(ctx, 7)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if p.State != domain.StateOrder {
		t.Fatalf("state = %s, want ORDER", p.State)
	}
	if p.TargetBucket == nil || *p.TargetBucket != 10_891_001 {
		t.Fatalf("target bucket = %v, want 10891001", p.TargetBucket)
	}

	orders, _ := store.GetOrderBuckets(ctx, 7)
	if len(orders) != 1 {
		t.Fatalf("order rows = %d, want 1", len(orders))
	}
	if orders[0].BucketID != 10_891_001 || !orders[0].Side || orders[0].Lots != 3 {
		t.Fatalf("order row = %+v", orders[0])
	}

	// An ORDER has no materialized stops.
	stops, _ := store.GetStopBuckets(ctx, 7)
	if len(stops) != 0 {
		t.Fatalf("stop rows = %d, want 0", len(stops))
	}
}

func TestApplyOpenedOpen(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	ev := domain.Opened{
		ID:              8,
		State:           domain.StateOpen,
		AssetID:         1,
		LongSide:        true,
		Lots:            2,
		LeverageX:       5,
		EntryOrTargetX6: 100_000_000, // 100.00
		SLX6:            99_000_000,
		TPX6:            101_000_000,
		LiqX6:           98_500_000,
		Trader:          "0xAbCd",
	}
	if err := m.ApplyOpened(ctx, ev, domain.EventMeta{Block: 101, TxHash: "0x02"}); err != nil {
		t.Fatalf("ApplyOpened: %v", err)
	}

	p, err := store.GetPosition(ctx, 8)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if p.NotionalUSD6 != 200_000_000 {
		t.Fatalf("notional = %d, want 200000000", p.NotionalUSD6)
	}
	if p.MarginUSD6 != 40_000_000 {
		t.Fatalf("margin = %d, want 40000000", p.MarginUSD6)
	}

	stops, _ := store.GetStopBuckets(ctx, 8)
	if len(stops) != 3 {
		t.Fatalf("stop rows = %d, want 3", len(stops))
	}
	want := map[domain.StopType]int64{
		domain.StopSL:  9_900,
		domain.StopTP:  10_100,
		domain.StopLiq: 9_850,
	}
	for _, s := range stops {
		if want[s.StopType] != s.BucketID {
			t.Errorf("stop %d bucket = %d, want %d", s.StopType, s.BucketID, want[s.StopType])
		}
		if s.Side { // antagonistic to a long
			t.Errorf("stop %d side = long, want short", s.StopType)
		}
	}

	exps := store.Exposure
	if len(exps) != 1 {
		t.Fatalf("exposure rows = %d, want 1", len(exps))
	}
	for _, e := range exps {
		if e.SumLots != 2 || e.PositionsCount != 1 {
			t.Fatalf("exposure = %+v", e)
		}
		if got := e.AvgEntryX6(); got != 100_000_000 {
			t.Fatalf("avg entry = %d, want 100000000", got)
		}
	}
}

func TestApplyExecuted(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	opened := domain.Opened{
		ID:              9,
		State:           domain.StateOrder,
		AssetID:         1,
		LongSide:        false,
		Lots:            1,
		LeverageX:       4,
		EntryOrTargetX6: 50_000_000,
		SLX6:            51_000_000,
		TPX6:            49_000_000,
		Trader:          "0xEf",
	}
	if err := m.ApplyOpened(ctx, opened, domain.EventMeta{Block: 1, TxHash: "0x03"}); err != nil {
		t.Fatalf("ApplyOpened: %v", err)
	}
	if err := m.ApplyExecuted(ctx, domain.Executed{ID: 9, EntryX6: 50_010_000},
		domain.EventMeta{Block: 2, TxHash: "0x04"}); err != nil {
		t.Fatalf("ApplyExecuted: %v", err)
	}

	p, _ := store.GetPosition(ctx, 9)
	if p.State != domain.StateOpen {
		t.Fatalf("state = %s, want OPEN", p.State)
	}
	if p.EntryX6 != 50_010_000 || p.TargetX6 != 0 || p.TargetBucket != nil {
		t.Fatalf("fill not recorded: %+v", p)
	}
	if p.NotionalUSD6 != 50_010_000 {
		t.Fatalf("notional = %d, want 50010000", p.NotionalUSD6)
	}

	orders, _ := store.GetOrderBuckets(ctx, 9)
	if len(orders) != 0 {
		t.Fatalf("order rows = %d, want 0 after fill", len(orders))
	}
	stops, _ := store.GetStopBuckets(ctx, 9)
	if len(stops) != 2 {
		t.Fatalf("stop rows = %d, want 2", len(stops))
	}
	for _, s := range stops {
		if !s.Side { // antagonistic to a short
			t.Errorf("stop %d side = short, want long", s.StopType)
		}
	}
}

func TestApplyOpenedBadTick(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	store.Assets[2] = domain.Asset{AssetID: 2, Symbol: "BAD", TickX6: 0,
		LotNum: big.NewInt(1), LotDen: big.NewInt(1)}

	ev := domain.Opened{
		ID: 10, State: domain.StateOrder, AssetID: 2,
		Lots: 1, LeverageX: 1, EntryOrTargetX6: 1_000_000, Trader: "0x00",
	}
	err := m.ApplyOpened(ctx, ev, domain.EventMeta{})
	if !errors.Is(err, domain.ErrBadTick) {
		t.Fatalf("err = %v, want ErrBadTick", err)
	}
}

func TestApplyStopsUpdated(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	opened := domain.Opened{
		ID: 11, State: domain.StateOpen, AssetID: 1, LongSide: true,
		Lots: 1, LeverageX: 2, EntryOrTargetX6: 100_000_000,
		SLX6: 99_000_000, TPX6: 101_000_000, LiqX6: 98_500_000, Trader: "0xAa",
	}
	if err := m.ApplyOpened(ctx, opened, domain.EventMeta{}); err != nil {
		t.Fatalf("ApplyOpened: %v", err)
	}
	if err := m.ApplyStopsUpdated(ctx,
		domain.StopsUpdated{ID: 11, SLX6: 98_000_000, TPX6: 0},
		domain.EventMeta{}); err != nil {
		t.Fatalf("ApplyStopsUpdated: %v", err)
	}

	p, _ := store.GetPosition(ctx, 11)
	if p.SLX6 != 98_000_000 || p.TPX6 != 0 {
		t.Fatalf("stops not updated: sl=%d tp=%d", p.SLX6, p.TPX6)
	}
	if p.LiqX6 != 98_500_000 {
		t.Fatalf("liq touched: %d", p.LiqX6)
	}

	stops, _ := store.GetStopBuckets(ctx, 11)
	got := map[domain.StopType]int64{}
	for _, s := range stops {
		got[s.StopType] = s.BucketID
	}
	if got[domain.StopSL] != 9_800 {
		t.Errorf("sl bucket = %d, want 9800", got[domain.StopSL])
	}
	if _, ok := got[domain.StopTP]; ok {
		t.Error("tp row survived clearing the tp price")
	}
	if got[domain.StopLiq] != 9_850 {
		t.Errorf("liq bucket = %d, want 9850", got[domain.StopLiq])
	}
}

func TestApplyRemoved(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	opened := domain.Opened{
		ID: 12, State: domain.StateOpen, AssetID: 1, LongSide: true,
		Lots: 2, LeverageX: 5, EntryOrTargetX6: 100_000_000,
		SLX6: 99_000_000, Trader: "0xBb",
	}
	if err := m.ApplyOpened(ctx, opened, domain.EventMeta{}); err != nil {
		t.Fatalf("ApplyOpened: %v", err)
	}
	if err := m.ApplyRemoved(ctx,
		domain.Removed{ID: 12, Reason: domain.ReasonTP, ExecX6: 101_000_000, PnlUSD6: big.NewInt(2_000_000)},
		domain.EventMeta{}); err != nil {
		t.Fatalf("ApplyRemoved: %v", err)
	}

	p, _ := store.GetPosition(ctx, 12)
	if p.State != domain.StateClosed {
		t.Fatalf("state = %s, want CLOSED", p.State)
	}
	if p.CloseReason == nil || *p.CloseReason != domain.ReasonTP {
		t.Fatalf("reason = %v, want TP", p.CloseReason)
	}
	if p.PnlUSD6 == nil || p.PnlUSD6.Int64() != 2_000_000 {
		t.Fatalf("pnl = %v", p.PnlUSD6)
	}

	stops, _ := store.GetStopBuckets(ctx, 12)
	if len(stops) != 0 {
		t.Fatalf("stop rows = %d, want 0", len(stops))
	}
	for _, e := range store.Exposure {
		if e.SumLots != 0 || e.PositionsCount != 0 {
			t.Fatalf("exposure not unwound: %+v", e)
		}
	}
}

// A stale Opened replayed after the fill must not regress OPEN back to ORDER.
func TestApplyOpenedStaleAfterExecuted(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	opened := domain.Opened{
		ID: 13, State: domain.StateOrder, AssetID: 1, LongSide: true,
		Lots: 1, LeverageX: 2, EntryOrTargetX6: 100_000_000,
		SLX6: 99_000_000, Trader: "0xCc",
	}
	if err := m.ApplyOpened(ctx, opened, domain.EventMeta{}); err != nil {
		t.Fatalf("ApplyOpened: %v", err)
	}
	if err := m.ApplyExecuted(ctx, domain.Executed{ID: 13, EntryX6: 100_000_000},
		domain.EventMeta{}); err != nil {
		t.Fatalf("ApplyExecuted: %v", err)
	}
	if err := m.ApplyOpened(ctx, opened, domain.EventMeta{}); err != nil {
		t.Fatalf("replayed ApplyOpened: %v", err)
	}

	p, _ := store.GetPosition(ctx, 13)
	if p.State != domain.StateOpen {
		t.Fatalf("state = %s, want OPEN after stale replay", p.State)
	}
	orders, _ := store.GetOrderBuckets(ctx, 13)
	if len(orders) != 0 {
		t.Fatalf("stale replay resurrected %d order rows", len(orders))
	}
	stops, _ := store.GetStopBuckets(ctx, 13)
	if len(stops) != 1 {
		t.Fatalf("stop rows = %d, want 1", len(stops))
	}
}

func TestApplyDispatch(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()

	events := []domain.Event{
		domain.Opened{ID: 14, State: domain.StateOrder, AssetID: 1, LongSide: true,
			Lots: 1, LeverageX: 2, EntryOrTargetX6: 100_000_000, Trader: "0xDd"},
		domain.Executed{ID: 14, EntryX6: 100_000_000},
		domain.StopsUpdated{ID: 14, SLX6: 99_000_000},
		domain.Removed{ID: 14, Reason: domain.ReasonCancelled},
	}
	for i, ev := range events {
		if err := m.Apply(ctx, ev, domain.EventMeta{Block: uint64(i)}); err != nil {
			t.Fatalf("Apply #%d: %v", i, err)
		}
	}

	p, _ := store.GetPosition(ctx, 14)
	if p.State != domain.StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", p.State)
	}
}
