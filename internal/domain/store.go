package domain

import (
	"context"
	"math/big"
	"time"
)

// IngestMeta carries the chain coordinates recorded on the position row for
// audit (last_tx_hash / last_block_num). Zero values are permitted for writes
// originating from the reconciler rather than from a log.
type IngestMeta struct {
	TxHash   string
	BlockNum int64
}

// ProjectionStore is the transactional write/read surface over the positions
// projection. Every Ingest* operation runs in a single store transaction and
// maintains the positions row, both bucket indexes, and (via trigger) the
// exposure aggregates atomically. All operations are idempotent.
type ProjectionStore interface {
	// IngestOpened upserts the position keyed on id, replaces any bucket rows
	// for the id, and inserts order_buckets iff the position is ORDER and
	// stop_buckets (antagonistic side) iff it is OPEN.
	IngestOpened(ctx context.Context, p Position) error

	// IngestExecuted transitions ORDER -> OPEN: sets entry_x6, recomputes
	// notional/margin from asset lot metadata, deletes order_buckets rows and
	// inserts stop_buckets rows from the position's current stops. A no-op if
	// the position is already OPEN with the same entry or is terminal.
	IngestExecuted(ctx context.Context, id uint32, entryX6 int64, meta IngestMeta) error

	// IngestStopsUpdated replaces the SL/TP prices and their bucket rows. LIQ
	// rows are never touched. A no-op on terminal positions.
	IngestStopsUpdated(ctx context.Context, id uint32, slX6, tpX6 int64, slBucket, tpBucket *int64, meta IngestMeta) error

	// IngestRemoved transitions to CANCELLED (reason CANCELLED) or CLOSED
	// (any other reason) and deletes all bucket rows for the id.
	IngestRemoved(ctx context.Context, id uint32, reason CloseReason, execX6 int64, pnlUSD6 *big.Int, meta IngestMeta) error

	// PatchState forces the state column without replaying an event. When the
	// target state is terminal, all bucket rows for the id are deleted in the
	// same transaction.
	PatchState(ctx context.Context, id uint32, state PositionState) error

	GetPosition(ctx context.Context, id uint32) (Position, error)
	GetOrderBuckets(ctx context.Context, id uint32) ([]OrderBucketEntry, error)
	GetStopBuckets(ctx context.Context, id uint32) ([]StopBucketEntry, error)

	// ListIDs returns present position ids in ascending order, paginated.
	ListIDs(ctx context.Context, limit, offset int) ([]uint32, error)
	// MaxID returns the highest indexed position id, or 0 when empty.
	MaxID(ctx context.Context) (uint32, error)

	// ListByOwner returns all positions for an owner, matched
	// case-insensitively on the address.
	ListByOwner(ctx context.Context, addr string) ([]Position, error)

	// ListTerminalBefore returns CLOSED/CANCELLED, not yet archived positions
	// whose terminal timestamp is strictly before the cutoff.
	ListTerminalBefore(ctx context.Context, before time.Time) ([]Position, error)
	// MarkArchived stamps archived_at on the given ids.
	MarkArchived(ctx context.Context, ids []uint32, at time.Time) error
}

// AssetStore persists static asset metadata.
type AssetStore interface {
	Get(ctx context.Context, assetID uint32) (Asset, error)
	List(ctx context.Context) ([]Asset, error)
	Upsert(ctx context.Context, a Asset) error
}

// BucketSort selects the ordering column for bucket queries.
type BucketSort string

const (
	SortByLots     BucketSort = "lots"
	SortByPosition BucketSort = "position_id"
)

// BucketQuery selects bucket rows at a single price level. Side filters by
// the recorded side when non-nil.
type BucketQuery struct {
	AssetID  uint32
	BucketID int64
	Side     *bool
	Sort     BucketSort
	Desc     bool
}

// BucketRangeQuery selects bucket rows across an inclusive bucket range.
type BucketRangeQuery struct {
	AssetID uint32
	From    int64
	To      int64
	Side    *bool
}

// BucketStore serves the read API's price-level lookups.
type BucketStore interface {
	OrdersAt(ctx context.Context, q BucketQuery) ([]OrderBucketEntry, error)
	StopsAt(ctx context.Context, q BucketQuery) ([]StopBucketEntry, error)
	OrdersRange(ctx context.Context, q BucketRangeQuery) ([]OrderBucketEntry, error)
	StopsRange(ctx context.Context, q BucketRangeQuery) ([]StopBucketEntry, error)
}

// ExposureStore serves the per-asset per-side aggregate views.
type ExposureStore interface {
	List(ctx context.Context) ([]Exposure, error)
	ListByAsset(ctx context.Context, assetID uint32) ([]Exposure, error)
}

// AuditStore persists an append-only audit log (reconciliation runs, backfill
// outcomes, archival).
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// LockManager provides distributed mutual exclusion (one backfill run at a
// time across processes).
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// SignalBus publishes position lifecycle updates to live API subscribers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BlobWriter uploads archive objects to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
}
