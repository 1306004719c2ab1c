// Package reconcile converges the projection to authoritative on-chain state:
// per-id reconciliation in state-only or full mode, and the backfill
// controller that discovers id gaps and dispatches them in chunks.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/perpdex/perpindexer/internal/domain"
	"github.com/perpdex/perpindexer/internal/projection"
)

// Mode selects how much chain state a run reads per id.
type Mode string

const (
	// StateOnly reads stateOf(id) only and repairs state drift and index
	// invariants from the fields already stored.
	StateOnly Mode = "state"
	// Full reads stateOf(id) and getTrade(id) and repairs every field,
	// creating missing rows from the chain record.
	Full Mode = "full"
)

const (
	defaultRPCConc = 100
	defaultDBConc  = 500
)

// Summary is the outcome of one run, one counter per repair category.
type Summary struct {
	Scanned      int64 `json:"scanned"`
	Created      int64 `json:"created"`
	Executed     int64 `json:"executed"`
	Stops        int64 `json:"stops"`
	Removed      int64 `json:"removed"`
	StatePatched int64 `json:"statePatched"`
	Skipped      int64 `json:"skipped"`
	MissingDB    int64 `json:"missingDb"`
	RPCFailed    int64 `json:"rpcFailed"`
	StoreFailed  int64 `json:"storeFailed"`
}

// Corrections returns the number of store repairs the run applied.
func (s Summary) Corrections() int64 {
	return s.Created + s.Executed + s.Stops + s.Removed + s.StatePatched
}

// Add accumulates other into s.
func (s *Summary) Add(other Summary) {
	s.Scanned += other.Scanned
	s.Created += other.Created
	s.Executed += other.Executed
	s.Stops += other.Stops
	s.Removed += other.Removed
	s.StatePatched += other.StatePatched
	s.Skipped += other.Skipped
	s.MissingDB += other.MissingDB
	s.RPCFailed += other.RPCFailed
	s.StoreFailed += other.StoreFailed
}

type counters struct {
	scanned, created, executed, stops, removed,
	statePatched, skipped, missingDB, rpcFailed, storeFailed atomic.Int64
}

func (c *counters) snapshot() Summary {
	return Summary{
		Scanned:      c.scanned.Load(),
		Created:      c.created.Load(),
		Executed:     c.executed.Load(),
		Stops:        c.stops.Load(),
		Removed:      c.removed.Load(),
		StatePatched: c.statePatched.Load(),
		Skipped:      c.skipped.Load(),
		MissingDB:    c.missingDB.Load(),
		RPCFailed:    c.rpcFailed.Load(),
		StoreFailed:  c.storeFailed.Load(),
	}
}

// Reconciler compares the projection against the chain for sets of ids and
// applies the minimal store operations to converge them. Chain reads and
// store writes are bounded by a semaphore pair; an independent worker pool
// consumes the id list.
type Reconciler struct {
	reader  domain.ChainReader
	store   domain.ProjectionStore
	machine *projection.Machine
	audit   domain.AuditStore

	rpcSem *semaphore.Weighted
	dbSem  *semaphore.Weighted
	dbConc int
	logger *slog.Logger
}

// New creates a Reconciler. Non-positive concurrency caps fall back to
// 100 chain reads / 500 store operations. audit may be nil.
func New(reader domain.ChainReader, store domain.ProjectionStore, machine *projection.Machine,
	audit domain.AuditStore, rpcConc, dbConc int, logger *slog.Logger) *Reconciler {
	if rpcConc <= 0 {
		rpcConc = defaultRPCConc
	}
	if dbConc <= 0 {
		dbConc = defaultDBConc
	}
	return &Reconciler{
		reader:  reader,
		store:   store,
		machine: machine,
		audit:   audit,
		rpcSem:  semaphore.NewWeighted(int64(rpcConc)),
		dbSem:   semaphore.NewWeighted(int64(dbConc)),
		dbConc:  dbConc,
		logger:  logger.With(slog.String("component", "reconciler")),
	}
}

// Run reconciles ids in the given mode and returns the run summary. Each id
// is independent; a failure on one id is counted, not propagated. The only
// returned error is ctx cancellation.
func (r *Reconciler) Run(ctx context.Context, ids []uint32, mode Mode) (Summary, error) {
	runID := uuid.NewString()
	started := time.Now()
	tally := &counters{}

	workers := r.dbConc
	if len(ids) < workers {
		workers = len(ids)
	}
	if workers < 1 {
		workers = 1
	}

	feed := make(chan uint32)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for id := range feed {
				r.reconcileOne(gctx, id, mode, tally)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(feed)
		for _, id := range ids {
			select {
			case feed <- id:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	err := g.Wait()

	summary := tally.snapshot()
	r.logger.Info("run finished",
		slog.String("run_id", runID),
		slog.String("mode", string(mode)),
		slog.Int("ids", len(ids)),
		slog.Int64("corrections", summary.Corrections()),
		slog.Int64("rpc_failed", summary.RPCFailed),
		slog.Int64("store_failed", summary.StoreFailed),
		slog.Duration("elapsed", time.Since(started)),
	)
	if r.audit != nil {
		detail := map[string]any{
			"run_id":  runID,
			"mode":    string(mode),
			"ids":     len(ids),
			"summary": summary,
		}
		if auditErr := r.audit.Log(ctx, "reconcile_run", detail); auditErr != nil {
			r.logger.Warn("audit log failed", slog.String("error", auditErr.Error()))
		}
	}
	return summary, err
}

// withRPC runs f under the chain-read semaphore.
func (r *Reconciler) withRPC(ctx context.Context, f func() error) error {
	if err := r.rpcSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.rpcSem.Release(1)
	return f()
}

// withDB runs f under the store semaphore.
func (r *Reconciler) withDB(ctx context.Context, f func() error) error {
	if err := r.dbSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.dbSem.Release(1)
	return f()
}

func (r *Reconciler) reconcileOne(ctx context.Context, id uint32, mode Mode, tally *counters) {
	tally.scanned.Add(1)

	var err error
	switch mode {
	case Full:
		err = r.reconcileFull(ctx, id, tally)
	default:
		err = r.reconcileState(ctx, id, tally)
	}
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		tally.rpcFailed.Add(1)
	case isChainErr(err):
		tally.rpcFailed.Add(1)
		r.logger.Warn("chain read failed",
			slog.Uint64("position_id", uint64(id)), slog.String("error", err.Error()))
	default:
		tally.storeFailed.Add(1)
		r.logger.Warn("store operation failed",
			slog.Uint64("position_id", uint64(id)), slog.String("error", err.Error()))
	}
}

func isChainErr(err error) bool {
	var ce *domain.ChainError
	return errors.As(err, &ce)
}

// reconcileState repairs state drift and index invariants using only
// stateOf(id) and the fields already stored.
func (r *Reconciler) reconcileState(ctx context.Context, id uint32, tally *counters) error {
	var stateNum uint8
	if err := r.withRPC(ctx, func() (err error) {
		stateNum, err = r.reader.StateOf(ctx, id)
		return err
	}); err != nil {
		return err
	}
	chainState, ok := domain.StateFromChain(stateNum)
	if !ok {
		tally.skipped.Add(1)
		return nil
	}

	var row domain.Position
	err := r.withDB(ctx, func() (err error) {
		row, err = r.store.GetPosition(ctx, id)
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		tally.missingDB.Add(1)
		return nil
	}
	if err != nil {
		return err
	}

	if row.State == chainState {
		return r.assertIndexes(ctx, row, tally)
	}

	switch {
	case row.State == domain.StateOrder && chainState == domain.StateOpen:
		entry := row.EntryX6
		if entry == 0 {
			entry = row.TargetX6
		}
		if err := r.withDB(ctx, func() error {
			return r.machine.ApplyExecuted(ctx, domain.Executed{ID: id, EntryX6: entry}, domain.EventMeta{})
		}); err != nil {
			return err
		}
		tally.executed.Add(1)
		if row.SLX6 != 0 || row.TPX6 != 0 {
			if err := r.withDB(ctx, func() error {
				return r.machine.ApplyStopsUpdated(ctx,
					domain.StopsUpdated{ID: id, SLX6: row.SLX6, TPX6: row.TPX6}, domain.EventMeta{})
			}); err != nil {
				return err
			}
			tally.stops.Add(1)
		}
		return nil

	case !row.State.Terminal() && chainState.Terminal():
		reason := domain.ReasonMarket
		if chainState == domain.StateCancelled {
			reason = domain.ReasonCancelled
		}
		if err := r.withDB(ctx, func() error {
			return r.machine.ApplyRemoved(ctx,
				domain.Removed{ID: id, Reason: reason}, domain.EventMeta{})
		}); err != nil {
			return err
		}
		tally.removed.Add(1)
		return nil

	default:
		if err := r.withDB(ctx, func() error {
			return r.store.PatchState(ctx, id, chainState)
		}); err != nil {
			return err
		}
		tally.statePatched.Add(1)
		return nil
	}
}

// assertIndexes verifies the bucket tables agree with the row's state and
// repairs via the state machine when they do not.
func (r *Reconciler) assertIndexes(ctx context.Context, row domain.Position, tally *counters) error {
	var (
		orders []domain.OrderBucketEntry
		stops  []domain.StopBucketEntry
	)
	if err := r.withDB(ctx, func() (err error) {
		if orders, err = r.store.GetOrderBuckets(ctx, row.ID); err != nil {
			return err
		}
		stops, err = r.store.GetStopBuckets(ctx, row.ID)
		return err
	}); err != nil {
		return err
	}

	switch row.State {
	case domain.StateOrder:
		ok := len(stops) == 0 && len(orders) == 1 &&
			orders[0].Lots == row.Lots && orders[0].Side == row.LongSide &&
			row.TargetBucket != nil && orders[0].BucketID == *row.TargetBucket
		if ok {
			return nil
		}
		if err := r.withDB(ctx, func() error {
			return r.store.IngestOpened(ctx, row)
		}); err != nil {
			return err
		}
		tally.statePatched.Add(1)

	case domain.StateOpen:
		if len(orders) == 0 && stopsMatch(row, stops) {
			return nil
		}
		// Full rebuild from the row. ApplyStopsUpdated would leave a damaged
		// LIQ row in place, so the same drift would be re-counted every pass.
		if err := r.withDB(ctx, func() error {
			return r.store.IngestOpened(ctx, row)
		}); err != nil {
			return err
		}
		tally.statePatched.Add(1)

	default: // terminal
		if len(orders) == 0 && len(stops) == 0 {
			return nil
		}
		if err := r.withDB(ctx, func() error {
			return r.store.PatchState(ctx, row.ID, row.State)
		}); err != nil {
			return err
		}
		tally.removed.Add(1)
	}
	return nil
}

// stopsMatch reports whether the stop_buckets rows are exactly one row per
// non-zero stop with the antagonistic side.
func stopsMatch(row domain.Position, stops []domain.StopBucketEntry) bool {
	want := map[domain.StopType]int64{}
	if row.SLX6 != 0 && row.SLBucket != nil {
		want[domain.StopSL] = *row.SLBucket
	}
	if row.TPX6 != 0 && row.TPBucket != nil {
		want[domain.StopTP] = *row.TPBucket
	}
	if row.LiqX6 != 0 && row.LiqBucket != nil {
		want[domain.StopLiq] = *row.LiqBucket
	}
	if len(stops) != len(want) {
		return false
	}
	for _, s := range stops {
		bucket, ok := want[s.StopType]
		if !ok || s.BucketID != bucket || s.Side == row.LongSide || s.Lots != row.Lots {
			return false
		}
	}
	return true
}

// reconcileFull repairs every field from getTrade(id), creating missing rows
// from the chain record.
func (r *Reconciler) reconcileFull(ctx context.Context, id uint32, tally *counters) error {
	var (
		stateNum uint8
		trade    domain.Trade
	)
	if err := r.withRPC(ctx, func() (err error) {
		if stateNum, err = r.reader.StateOf(ctx, id); err != nil {
			return err
		}
		trade, err = r.reader.GetTrade(ctx, id)
		return err
	}); err != nil {
		return err
	}

	if trade.Empty() {
		tally.skipped.Add(1)
		return nil
	}
	chainState, ok := domain.StateFromChain(stateNum)
	if !ok {
		tally.skipped.Add(1)
		return nil
	}

	var row domain.Position
	err := r.withDB(ctx, func() (err error) {
		row, err = r.store.GetPosition(ctx, id)
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		return r.createFromTrade(ctx, id, trade, chainState, tally)
	}
	if err != nil {
		return err
	}

	if row.State != chainState {
		return r.repairStateFromTrade(ctx, row, trade, chainState, tally)
	}

	if coreDrift(row, trade, chainState) {
		if err := r.withDB(ctx, func() error {
			return r.machine.ApplyOpened(ctx, openedFromTrade(id, trade, liveState(chainState)), domain.EventMeta{})
		}); err != nil {
			return err
		}
		tally.statePatched.Add(1)
		return nil
	}
	if !chainState.Terminal() && (row.SLX6 != trade.SLX6 || row.TPX6 != trade.TPX6) {
		if err := r.withDB(ctx, func() error {
			return r.machine.ApplyStopsUpdated(ctx,
				domain.StopsUpdated{ID: id, SLX6: trade.SLX6, TPX6: trade.TPX6}, domain.EventMeta{})
		}); err != nil {
			return err
		}
		tally.stops.Add(1)
		return nil
	}
	return r.assertIndexes(ctx, row, tally)
}

// createFromTrade inserts a position the projection has never seen. Terminal
// chain states are reproduced by an insert followed by a removal.
func (r *Reconciler) createFromTrade(ctx context.Context, id uint32, trade domain.Trade,
	chainState domain.PositionState, tally *counters) error {
	if err := r.withDB(ctx, func() error {
		return r.machine.ApplyOpened(ctx, openedFromTrade(id, trade, liveState(chainState)), domain.EventMeta{})
	}); err != nil {
		return err
	}
	tally.created.Add(1)

	if !chainState.Terminal() {
		return nil
	}
	reason := domain.ReasonMarket
	if chainState == domain.StateCancelled {
		reason = domain.ReasonCancelled
	}
	if err := r.withDB(ctx, func() error {
		return r.machine.ApplyRemoved(ctx, domain.Removed{ID: id, Reason: reason}, domain.EventMeta{})
	}); err != nil {
		return err
	}
	tally.removed.Add(1)
	return nil
}

func (r *Reconciler) repairStateFromTrade(ctx context.Context, row domain.Position,
	trade domain.Trade, chainState domain.PositionState, tally *counters) error {
	switch {
	case row.State == domain.StateOrder && chainState == domain.StateOpen:
		entry := trade.EntryX6
		if entry == 0 {
			entry = trade.TargetX6
		}
		if err := r.withDB(ctx, func() error {
			return r.machine.ApplyExecuted(ctx,
				domain.Executed{ID: row.ID, EntryX6: entry}, domain.EventMeta{})
		}); err != nil {
			return err
		}
		tally.executed.Add(1)
		return nil

	case !row.State.Terminal() && chainState.Terminal():
		reason := domain.ReasonMarket
		if chainState == domain.StateCancelled {
			reason = domain.ReasonCancelled
		}
		if err := r.withDB(ctx, func() error {
			return r.machine.ApplyRemoved(ctx,
				domain.Removed{ID: row.ID, Reason: reason}, domain.EventMeta{})
		}); err != nil {
			return err
		}
		tally.removed.Add(1)
		return nil

	default:
		if err := r.withDB(ctx, func() error {
			return r.store.PatchState(ctx, row.ID, chainState)
		}); err != nil {
			return err
		}
		tally.statePatched.Add(1)
		return nil
	}
}

// liveState maps a chain state to the non-terminal state a row must pass
// through when reconstructed from scratch.
func liveState(chainState domain.PositionState) domain.PositionState {
	if chainState == domain.StateOrder {
		return domain.StateOrder
	}
	return domain.StateOpen
}

// coreDrift reports whether identity or sizing fields disagree with the
// chain record. Stop prices are handled separately on live positions.
func coreDrift(row domain.Position, trade domain.Trade, chainState domain.PositionState) bool {
	if chainState.Terminal() {
		return false
	}
	if row.OwnerAddr != trade.Owner || row.AssetID != trade.AssetID ||
		row.LongSide != trade.LongSide() || row.Lots != trade.Lots ||
		row.LeverageX != trade.LeverageX || row.LiqX6 != trade.LiqX6 {
		return true
	}
	if chainState == domain.StateOrder && row.TargetX6 != trade.TargetX6 {
		return true
	}
	if chainState == domain.StateOpen && trade.EntryX6 != 0 && row.EntryX6 != trade.EntryX6 {
		return true
	}
	return false
}

// openedFromTrade rebuilds the Opened payload implied by a chain record.
// long_side comes from flags bit 0.
func openedFromTrade(id uint32, trade domain.Trade, state domain.PositionState) domain.Opened {
	entryOrTarget := trade.EntryX6
	if state == domain.StateOrder {
		entryOrTarget = trade.TargetX6
	}
	if entryOrTarget == 0 {
		entryOrTarget = trade.TargetX6
	}
	return domain.Opened{
		ID:              id,
		State:           state,
		AssetID:         trade.AssetID,
		LongSide:        trade.LongSide(),
		Lots:            trade.Lots,
		LeverageX:       trade.LeverageX,
		EntryOrTargetX6: entryOrTarget,
		SLX6:            trade.SLX6,
		TPX6:            trade.TPX6,
		LiqX6:           trade.LiqX6,
		Trader:          trade.Owner,
	}
}
