package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/perpdex/perpindexer/internal/domain"
)

const (
	defaultPageSize  = 10_000
	defaultChunkSize = 400

	backfillLockKey = "backfill"
	backfillLockTTL = 10 * time.Minute
)

// ErrBackfillIncomplete reports that at least one chunk failed; the
// remaining chunks still ran.
var ErrBackfillIncomplete = errors.New("backfill incomplete")

// Backfill finds ids the projection is missing (holes below the highest
// indexed id, plus the tail up to the chain's highest assigned id) and
// dispatches them to full reconciliation in bounded chunks.
type Backfill struct {
	reader domain.ChainReader
	store  domain.ProjectionStore
	rec    *Reconciler
	locks  domain.LockManager
	audit  domain.AuditStore

	pageSize  int
	chunkSize int
	logger    *slog.Logger
}

// NewBackfill creates a Backfill. locks and audit may be nil; non-positive
// sizes fall back to pages of 10 000 and chunks of 400.
func NewBackfill(reader domain.ChainReader, store domain.ProjectionStore, rec *Reconciler,
	locks domain.LockManager, audit domain.AuditStore, pageSize, chunkSize int, logger *slog.Logger) *Backfill {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Backfill{
		reader:    reader,
		store:     store,
		rec:       rec,
		locks:     locks,
		audit:     audit,
		pageSize:  pageSize,
		chunkSize: chunkSize,
		logger:    logger.With(slog.String("component", "backfill")),
	}
}

// Run executes one full gap-discovery and repair pass. At most one Run is
// active per deployment when a lock manager is configured. Chunk failures
// are logged and skipped; if any chunk failed the run returns
// ErrBackfillIncomplete.
func (b *Backfill) Run(ctx context.Context) error {
	if b.locks != nil {
		release, err := b.locks.Acquire(ctx, backfillLockKey, backfillLockTTL)
		if err != nil {
			return fmt.Errorf("backfill: acquire lock: %w", err)
		}
		defer release()
	}

	missing, chainMax, err := b.discover(ctx)
	if err != nil {
		return err
	}
	b.logger.Info("gap discovery finished",
		slog.Uint64("chain_max", uint64(chainMax)),
		slog.Int("missing", len(missing)),
	)
	if len(missing) == 0 {
		return nil
	}

	var (
		total  Summary
		failed int
	)
	for start := 0; start < len(missing); start += b.chunkSize {
		end := start + b.chunkSize
		if end > len(missing) {
			end = len(missing)
		}
		chunk := missing[start:end]

		summary, err := b.rec.Run(ctx, chunk, Full)
		total.Add(summary)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			b.logger.Error("chunk failed",
				slog.Uint64("from", uint64(chunk[0])),
				slog.Uint64("to", uint64(chunk[len(chunk)-1])),
				slog.String("error", err.Error()),
			)
		}
	}

	b.logger.Info("backfill finished",
		slog.Int("ids", len(missing)),
		slog.Int64("created", total.Created),
		slog.Int64("corrections", total.Corrections()),
		slog.Int("failed_chunks", failed),
	)
	if b.audit != nil {
		detail := map[string]any{
			"chain_max":     chainMax,
			"missing":       len(missing),
			"failed_chunks": failed,
			"summary":       total,
		}
		if err := b.audit.Log(ctx, "backfill_run", detail); err != nil {
			b.logger.Warn("audit log failed", slog.String("error", err.Error()))
		}
	}
	if failed > 0 {
		return fmt.Errorf("backfill: %d chunks failed: %w", failed, ErrBackfillIncomplete)
	}
	return nil
}

// FillRange reconciles the inclusive id window [from, to] in full mode. Used
// by the Opened consumer's sliding-window trigger.
func (b *Backfill) FillRange(ctx context.Context, from, to uint32) error {
	if to < from {
		return nil
	}
	ids := make([]uint32, 0, int(uint64(to)-uint64(from))+1)
	for id := uint64(from); id <= uint64(to); id++ {
		if id == 0 {
			continue
		}
		ids = append(ids, uint32(id))
	}
	_, err := b.rec.Run(ctx, ids, Full)
	return err
}

// discover computes the missing id set: holes in [1, dbMax] plus the tail
// (dbMax, chainMax]. Id 0 is never assigned and is excluded.
func (b *Backfill) discover(ctx context.Context) ([]uint32, uint32, error) {
	nextID, err := b.reader.NextID(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("backfill: nextId: %w", err)
	}
	if nextID <= 1 {
		return nil, 0, nil
	}
	chainMax := nextID - 1

	dbMax, err := b.store.MaxID(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("backfill: max id: %w", err)
	}

	present := make(map[uint32]struct{})
	for offset := 0; ; offset += b.pageSize {
		page, err := b.store.ListIDs(ctx, b.pageSize, offset)
		if err != nil {
			return nil, 0, fmt.Errorf("backfill: list ids: %w", err)
		}
		for _, id := range page {
			present[id] = struct{}{}
		}
		if len(page) < b.pageSize {
			break
		}
	}

	var missing []uint32
	for id := uint64(1); id <= uint64(dbMax); id++ {
		if _, ok := present[uint32(id)]; !ok {
			missing = append(missing, uint32(id))
		}
	}
	for id := uint64(dbMax) + 1; id <= uint64(chainMax); id++ {
		if id == 0 {
			continue
		}
		missing = append(missing, uint32(id))
	}
	return missing, chainMax, nil
}
