package projection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/perpdex/perpindexer/internal/domain"
	"github.com/perpdex/perpindexer/internal/fixed"
)

// Machine applies lifecycle events to the projection store. Each Apply method
// maps to exactly one store transaction; re-applying any event is a no-op.
// Both the on-stream consumers and the reconciler drive the same methods, so
// on-demand repair and live ingestion share one code path.
type Machine struct {
	store  domain.ProjectionStore
	assets *AssetCache
	logger *slog.Logger
}

// NewMachine creates a Machine writing through store and resolving asset
// metadata through assets.
func NewMachine(store domain.ProjectionStore, assets *AssetCache, logger *slog.Logger) *Machine {
	return &Machine{
		store:  store,
		assets: assets,
		logger: logger.With(slog.String("component", "machine")),
	}
}

// bucketOf quantizes a price, returning nil for the zero price (absent stop
// or target).
func bucketOf(priceX6, tickX6 int64) (*int64, error) {
	if priceX6 == 0 {
		return nil, nil
	}
	b, err := fixed.Bucket(priceX6, tickX6)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ApplyOpened creates or re-asserts a position from an Opened event. An ORDER
// rests in order_buckets at its target bucket; an OPEN position gets its
// derived notional/margin and stop_buckets rows.
func (m *Machine) ApplyOpened(ctx context.Context, ev domain.Opened, meta domain.EventMeta) error {
	asset, err := m.assets.Resolve(ctx, ev.AssetID)
	if err != nil {
		return err
	}

	p := domain.Position{
		ID:           ev.ID,
		OwnerAddr:    ev.Trader,
		AssetID:      ev.AssetID,
		State:        ev.State,
		LongSide:     ev.LongSide,
		Lots:         ev.Lots,
		LeverageX:    ev.LeverageX,
		SLX6:         ev.SLX6,
		TPX6:         ev.TPX6,
		LiqX6:        ev.LiqX6,
		LastTxHash:   meta.TxHash,
		LastBlockNum: int64(meta.Block),
	}

	switch ev.State {
	case domain.StateOrder:
		p.TargetX6 = ev.EntryOrTargetX6
		if p.TargetBucket, err = bucketOf(p.TargetX6, asset.TickX6); err != nil {
			return fmt.Errorf("projection: opened %d target: %w", ev.ID, err)
		}
	case domain.StateOpen:
		p.EntryX6 = ev.EntryOrTargetX6
		p.NotionalUSD6 = fixed.Notional(p.EntryX6, p.Lots, asset.LotNum, asset.LotDen)
		p.MarginUSD6 = fixed.Margin(p.NotionalUSD6, p.LeverageX)
	default:
		return fmt.Errorf("projection: opened %d with state %s", ev.ID, ev.State)
	}

	// Stop buckets are stored on the row even while the position is ORDER so
	// a later Executed can materialize stop_buckets without re-resolving.
	if p.SLBucket, err = bucketOf(ev.SLX6, asset.TickX6); err != nil {
		return fmt.Errorf("projection: opened %d sl: %w", ev.ID, err)
	}
	if p.TPBucket, err = bucketOf(ev.TPX6, asset.TickX6); err != nil {
		return fmt.Errorf("projection: opened %d tp: %w", ev.ID, err)
	}
	if p.LiqBucket, err = bucketOf(ev.LiqX6, asset.TickX6); err != nil {
		return fmt.Errorf("projection: opened %d liq: %w", ev.ID, err)
	}

	return m.store.IngestOpened(ctx, p)
}

// ApplyExecuted transitions ORDER -> OPEN at the fill price. The store
// recomputes notional/margin and swaps order_buckets for stop_buckets in one
// transaction.
func (m *Machine) ApplyExecuted(ctx context.Context, ev domain.Executed, meta domain.EventMeta) error {
	return m.store.IngestExecuted(ctx, ev.ID, ev.EntryX6, ingestMeta(meta))
}

// ApplyStopsUpdated replaces the SL/TP prices and their bucket rows. LIQ is
// carried on a different path and is never touched here.
func (m *Machine) ApplyStopsUpdated(ctx context.Context, ev domain.StopsUpdated, meta domain.EventMeta) error {
	p, err := m.store.GetPosition(ctx, ev.ID)
	if err != nil {
		return err
	}
	asset, err := m.assets.Resolve(ctx, p.AssetID)
	if err != nil {
		return err
	}

	slBucket, err := bucketOf(ev.SLX6, asset.TickX6)
	if err != nil {
		return fmt.Errorf("projection: stops %d sl: %w", ev.ID, err)
	}
	tpBucket, err := bucketOf(ev.TPX6, asset.TickX6)
	if err != nil {
		return fmt.Errorf("projection: stops %d tp: %w", ev.ID, err)
	}

	return m.store.IngestStopsUpdated(ctx, ev.ID, ev.SLX6, ev.TPX6, slBucket, tpBucket, ingestMeta(meta))
}

// ApplyRemoved transitions to the terminal state implied by the reason and
// clears every bucket row.
func (m *Machine) ApplyRemoved(ctx context.Context, ev domain.Removed, meta domain.EventMeta) error {
	return m.store.IngestRemoved(ctx, ev.ID, ev.Reason, ev.ExecX6, ev.PnlUSD6, ingestMeta(meta))
}

// Apply dispatches a decoded event to its transition.
func (m *Machine) Apply(ctx context.Context, ev domain.Event, meta domain.EventMeta) error {
	switch e := ev.(type) {
	case domain.Opened:
		return m.ApplyOpened(ctx, e, meta)
	case domain.Executed:
		return m.ApplyExecuted(ctx, e, meta)
	case domain.StopsUpdated:
		return m.ApplyStopsUpdated(ctx, e, meta)
	case domain.Removed:
		return m.ApplyRemoved(ctx, e, meta)
	default:
		return fmt.Errorf("projection: unknown event %T", ev)
	}
}

func ingestMeta(meta domain.EventMeta) domain.IngestMeta {
	return domain.IngestMeta{TxHash: meta.TxHash, BlockNum: int64(meta.Block)}
}
