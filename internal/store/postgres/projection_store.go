package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perpdex/perpindexer/internal/domain"
)

// ProjectionStore implements domain.ProjectionStore. Every ingest operation
// is a single transaction over positions + order_buckets + stop_buckets; the
// exposure trigger fires inside the same transaction.
type ProjectionStore struct {
	pool *pgxpool.Pool
}

// NewProjectionStore creates a ProjectionStore backed by the given pool.
func NewProjectionStore(pool *pgxpool.Pool) *ProjectionStore {
	return &ProjectionStore{pool: pool}
}

func (s *ProjectionStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Bucket maintenance fragments. Each reads the positions row inside the same
// transaction, so reinsertion is correct regardless of whether the preceding
// upsert applied or was suppressed by the one-way transition guard.
// ---------------------------------------------------------------------------

const (
	deleteOrderRows = `DELETE FROM order_buckets WHERE position_id = $1`
	deleteStopRows  = `DELETE FROM stop_buckets WHERE position_id = $1`
	deleteSLTPRows  = `DELETE FROM stop_buckets WHERE position_id = $1 AND stop_type IN (1, 2)`

	insertOrderRow = `
		INSERT INTO order_buckets (asset_id, bucket_id, position_id, lots, side)
		SELECT p.asset_id, p.target_bucket, p.id, p.lots, p.long_side
		FROM positions p
		WHERE p.id = $1 AND p.state = 'ORDER'
		  AND p.target_x6 <> 0 AND p.target_bucket IS NOT NULL
		ON CONFLICT (asset_id, bucket_id, position_id)
		DO UPDATE SET lots = EXCLUDED.lots, side = EXCLUDED.side`

	// Stops are indexed on the antagonistic side: the side that would trade
	// into the stop.
	insertStopRows = `
		INSERT INTO stop_buckets (asset_id, bucket_id, position_id, stop_type, lots, side)
		SELECT p.asset_id, b.bucket, p.id, b.stop_type, p.lots, NOT p.long_side
		FROM positions p
		CROSS JOIN LATERAL (VALUES
			(p.sl_bucket,  1::SMALLINT, p.sl_x6),
			(p.tp_bucket,  2::SMALLINT, p.tp_x6),
			(p.liq_bucket, 3::SMALLINT, p.liq_x6)
		) AS b(bucket, stop_type, price)
		WHERE p.id = $1 AND p.state = 'OPEN'
		  AND b.price <> 0 AND b.bucket IS NOT NULL
		ON CONFLICT (asset_id, bucket_id, position_id, stop_type)
		DO UPDATE SET lots = EXCLUDED.lots, side = EXCLUDED.side`

	insertSLTPRows = `
		INSERT INTO stop_buckets (asset_id, bucket_id, position_id, stop_type, lots, side)
		SELECT p.asset_id, b.bucket, p.id, b.stop_type, p.lots, NOT p.long_side
		FROM positions p
		CROSS JOIN LATERAL (VALUES
			(p.sl_bucket, 1::SMALLINT, p.sl_x6),
			(p.tp_bucket, 2::SMALLINT, p.tp_x6)
		) AS b(bucket, stop_type, price)
		WHERE p.id = $1 AND p.state = 'OPEN'
		  AND b.price <> 0 AND b.bucket IS NOT NULL
		ON CONFLICT (asset_id, bucket_id, position_id, stop_type)
		DO UPDATE SET lots = EXCLUDED.lots, side = EXCLUDED.side`
)

// IngestOpened upserts the position and rebuilds its bucket rows. The upsert
// never regresses a later state: ORDER cannot overwrite OPEN, and terminal
// rows are left untouched.
func (s *ProjectionStore) IngestOpened(ctx context.Context, p domain.Position) error {
	const upsert = `
		INSERT INTO positions (
			id, owner_addr, asset_id, state, long_side, lots, leverage_x,
			entry_x6, target_x6, sl_x6, tp_x6, liq_x6,
			notional_usd6, margin_usd6,
			target_bucket, sl_bucket, tp_bucket, liq_bucket,
			executed_at, last_tx_hash, last_block_num
		) VALUES (
			$1, $2, $3, $4::position_state, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14,
			$15, $16, $17, $18,
			CASE WHEN $4::position_state = 'OPEN' THEN NOW() ELSE NULL END, $19, $20
		)
		ON CONFLICT (id) DO UPDATE SET
			owner_addr     = EXCLUDED.owner_addr,
			asset_id       = EXCLUDED.asset_id,
			state          = EXCLUDED.state,
			long_side      = EXCLUDED.long_side,
			lots           = EXCLUDED.lots,
			leverage_x     = EXCLUDED.leverage_x,
			entry_x6       = EXCLUDED.entry_x6,
			target_x6      = EXCLUDED.target_x6,
			sl_x6          = EXCLUDED.sl_x6,
			tp_x6          = EXCLUDED.tp_x6,
			liq_x6         = EXCLUDED.liq_x6,
			notional_usd6  = EXCLUDED.notional_usd6,
			margin_usd6    = EXCLUDED.margin_usd6,
			target_bucket  = EXCLUDED.target_bucket,
			sl_bucket      = EXCLUDED.sl_bucket,
			tp_bucket      = EXCLUDED.tp_bucket,
			liq_bucket     = EXCLUDED.liq_bucket,
			executed_at    = COALESCE(positions.executed_at, EXCLUDED.executed_at),
			last_tx_hash   = COALESCE(EXCLUDED.last_tx_hash, positions.last_tx_hash),
			last_block_num = COALESCE(EXCLUDED.last_block_num, positions.last_block_num)
		WHERE positions.state NOT IN ('CLOSED', 'CANCELLED')
		  AND NOT (positions.state = 'OPEN' AND EXCLUDED.state = 'ORDER')`

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, upsert,
			int64(p.ID), p.OwnerAddr, int32(p.AssetID), string(p.State),
			p.LongSide, int16(p.Lots), int16(p.LeverageX),
			p.EntryX6, p.TargetX6, p.SLX6, p.TPX6, p.LiqX6,
			p.NotionalUSD6, p.MarginUSD6,
			p.TargetBucket, p.SLBucket, p.TPBucket, p.LiqBucket,
			nullIfEmpty(p.LastTxHash), nullIfZero(p.LastBlockNum),
		)
		if err != nil {
			return fmt.Errorf("postgres: upsert position %d: %w", p.ID, err)
		}
		return s.rebuildBuckets(ctx, tx, p.ID)
	})
	return err
}

// rebuildBuckets replaces all bucket rows for id from the current positions
// row: order_buckets iff ORDER, stop_buckets iff OPEN, nothing when terminal.
func (s *ProjectionStore) rebuildBuckets(ctx context.Context, tx pgx.Tx, id uint32) error {
	for _, q := range []string{deleteOrderRows, deleteStopRows, insertOrderRow, insertStopRows} {
		if _, err := tx.Exec(ctx, q, int64(id)); err != nil {
			return fmt.Errorf("postgres: rebuild buckets %d: %w", id, err)
		}
	}
	return nil
}

// requireExists distinguishes "row missing" from "transition suppressed" when
// a guarded update touched zero rows.
func requireExists(ctx context.Context, tx pgx.Tx, id uint32) error {
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)`, int64(id),
	).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check position %d: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return nil
}

// IngestExecuted transitions ORDER -> OPEN at entryX6 and recomputes the
// derived notional and margin from the asset's lot metadata, truncating
// toward zero. Terminal rows are untouched; bucket rows are reasserted either
// way.
func (s *ProjectionStore) IngestExecuted(ctx context.Context, id uint32, entryX6 int64, meta domain.IngestMeta) error {
	const exec = `
		UPDATE positions p SET
			state          = 'OPEN',
			entry_x6       = $2,
			target_x6      = 0,
			target_bucket  = NULL,
			executed_at    = COALESCE(p.executed_at, NOW()),
			notional_usd6  = TRUNC($2::NUMERIC * p.lots * a.lot_num / a.lot_den)::BIGINT,
			margin_usd6    = COALESCE(TRUNC(
				TRUNC($2::NUMERIC * p.lots * a.lot_num / a.lot_den) / NULLIF(p.leverage_x, 0)
			)::BIGINT, 0),
			last_tx_hash   = COALESCE($3, p.last_tx_hash),
			last_block_num = COALESCE($4, p.last_block_num)
		FROM assets a
		WHERE a.asset_id = p.asset_id AND p.id = $1 AND p.state IN ('ORDER', 'OPEN')`

	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, exec,
			int64(id), entryX6, nullIfEmpty(meta.TxHash), nullIfZero(meta.BlockNum))
		if err != nil {
			return fmt.Errorf("postgres: ingest executed %d: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			if err := requireExists(ctx, tx, id); err != nil {
				return err
			}
			// Terminal row: the event is stale, reassert index cleanliness.
		}
		for _, q := range []string{deleteOrderRows, deleteStopRows, insertStopRows} {
			if _, err := tx.Exec(ctx, q, int64(id)); err != nil {
				return fmt.Errorf("postgres: executed buckets %d: %w", id, err)
			}
		}
		return nil
	})
}

// IngestStopsUpdated replaces the SL/TP prices and their stop_buckets rows.
// LIQ rows are never touched.
func (s *ProjectionStore) IngestStopsUpdated(ctx context.Context, id uint32, slX6, tpX6 int64, slBucket, tpBucket *int64, meta domain.IngestMeta) error {
	const update = `
		UPDATE positions SET
			sl_x6          = $2,
			tp_x6          = $3,
			sl_bucket      = $4,
			tp_bucket      = $5,
			last_tx_hash   = COALESCE($6, last_tx_hash),
			last_block_num = COALESCE($7, last_block_num)
		WHERE id = $1 AND state IN ('ORDER', 'OPEN')`

	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, update,
			int64(id), slX6, tpX6, slBucket, tpBucket,
			nullIfEmpty(meta.TxHash), nullIfZero(meta.BlockNum))
		if err != nil {
			return fmt.Errorf("postgres: ingest stops %d: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			if err := requireExists(ctx, tx, id); err != nil {
				return err
			}
		}
		for _, q := range []string{deleteSLTPRows, insertSLTPRows} {
			if _, err := tx.Exec(ctx, q, int64(id)); err != nil {
				return fmt.Errorf("postgres: stops buckets %d: %w", id, err)
			}
		}
		return nil
	})
}

// IngestRemoved transitions to CANCELLED (reason CANCELLED) or CLOSED (any
// other reason) and clears every bucket row for the id. Re-application on an
// already-terminal row only reasserts that no bucket rows remain.
func (s *ProjectionStore) IngestRemoved(ctx context.Context, id uint32, reason domain.CloseReason, execX6 int64, pnlUSD6 *big.Int, meta domain.IngestMeta) error {
	const remove = `
		UPDATE positions SET
			state = CASE WHEN $2::close_reason = 'CANCELLED'
				THEN 'CANCELLED'::position_state ELSE 'CLOSED'::position_state END,
			close_reason   = $2::close_reason,
			exec_x6        = $3,
			pnl_usd6       = COALESCE($4::NUMERIC, pnl_usd6),
			closed_at = CASE WHEN $2::close_reason = 'CANCELLED'
				THEN closed_at ELSE COALESCE(closed_at, NOW()) END,
			cancelled_at = CASE WHEN $2::close_reason = 'CANCELLED'
				THEN COALESCE(cancelled_at, NOW()) ELSE cancelled_at END,
			last_tx_hash   = COALESCE($5, last_tx_hash),
			last_block_num = COALESCE($6, last_block_num)
		WHERE id = $1 AND state IN ('ORDER', 'OPEN')`

	var pnl *string
	if pnlUSD6 != nil {
		s := pnlUSD6.String()
		pnl = &s
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, remove,
			int64(id), string(reason), execX6, pnl,
			nullIfEmpty(meta.TxHash), nullIfZero(meta.BlockNum))
		if err != nil {
			return fmt.Errorf("postgres: ingest removed %d: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			if err := requireExists(ctx, tx, id); err != nil {
				return err
			}
		}
		for _, q := range []string{deleteOrderRows, deleteStopRows} {
			if _, err := tx.Exec(ctx, q, int64(id)); err != nil {
				return fmt.Errorf("postgres: removed buckets %d: %w", id, err)
			}
		}
		return nil
	})
}

// PatchState forces the state column directly (reconciler repair path). A
// terminal target additionally clears all bucket rows for the id.
func (s *ProjectionStore) PatchState(ctx context.Context, id uint32, state domain.PositionState) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE positions SET state = $2::position_state WHERE id = $1`,
			int64(id), string(state))
		if err != nil {
			return fmt.Errorf("postgres: patch state %d: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		if state.Terminal() {
			for _, q := range []string{deleteOrderRows, deleteStopRows} {
				if _, err := tx.Exec(ctx, q, int64(id)); err != nil {
					return fmt.Errorf("postgres: patch buckets %d: %w", id, err)
				}
			}
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

const positionSelectCols = `id, owner_addr, asset_id, state, long_side, lots, leverage_x,
	entry_x6, target_x6, sl_x6, tp_x6, liq_x6, notional_usd6, margin_usd6,
	exec_x6, pnl_usd6::TEXT, close_reason,
	opened_at, executed_at, closed_at, cancelled_at, archived_at,
	target_bucket, sl_bucket, tp_bucket, liq_bucket,
	COALESCE(last_tx_hash, ''), COALESCE(last_block_num, 0)`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var (
		p           domain.Position
		id          int64
		assetID     int32
		state       string
		lots, lever int16
		pnl         *string
		reason      *string
	)
	err := row.Scan(
		&id, &p.OwnerAddr, &assetID, &state, &p.LongSide, &lots, &lever,
		&p.EntryX6, &p.TargetX6, &p.SLX6, &p.TPX6, &p.LiqX6,
		&p.NotionalUSD6, &p.MarginUSD6,
		&p.ExecX6, &pnl, &reason,
		&p.OpenedAt, &p.ExecutedAt, &p.ClosedAt, &p.CancelledAt, &p.ArchivedAt,
		&p.TargetBucket, &p.SLBucket, &p.TPBucket, &p.LiqBucket,
		&p.LastTxHash, &p.LastBlockNum,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.ID = uint32(id)
	p.AssetID = uint32(assetID)
	p.State = domain.PositionState(state)
	p.Lots = uint16(lots)
	p.LeverageX = uint16(lever)
	if pnl != nil {
		v, ok := new(big.Int).SetString(*pnl, 10)
		if !ok {
			return domain.Position{}, fmt.Errorf("postgres: parse pnl %q", *pnl)
		}
		p.PnlUSD6 = v
	}
	if reason != nil {
		r := domain.CloseReason(*reason)
		p.CloseReason = &r
	}
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPosition retrieves a single position by id.
func (s *ProjectionStore) GetPosition(ctx context.Context, id uint32) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, int64(id))
	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %d: %w", id, err)
	}
	return p, nil
}

// GetOrderBuckets returns the order_buckets rows for a position id.
func (s *ProjectionStore) GetOrderBuckets(ctx context.Context, id uint32) ([]domain.OrderBucketEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset_id, bucket_id, position_id, lots, side
		 FROM order_buckets WHERE position_id = $1`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("postgres: get order buckets %d: %w", id, err)
	}
	return scanOrderBucketRows(rows)
}

// GetStopBuckets returns the stop_buckets rows for a position id.
func (s *ProjectionStore) GetStopBuckets(ctx context.Context, id uint32) ([]domain.StopBucketEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset_id, bucket_id, position_id, stop_type, lots, side
		 FROM stop_buckets WHERE position_id = $1 ORDER BY stop_type`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("postgres: get stop buckets %d: %w", id, err)
	}
	return scanStopBucketRows(rows)
}

// ListIDs returns present position ids in ascending order, paginated.
func (s *ProjectionStore) ListIDs(ctx context.Context, limit, offset int) ([]uint32, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM positions ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ids: %w", err)
	}
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan id: %w", err)
		}
		ids = append(ids, uint32(id))
	}
	return ids, rows.Err()
}

// MaxID returns the highest indexed position id, or 0 when the table is
// empty.
func (s *ProjectionStore) MaxID(ctx context.Context) (uint32, error) {
	var max int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM positions`).Scan(&max); err != nil {
		return 0, fmt.Errorf("postgres: max id: %w", err)
	}
	return uint32(max), nil
}

// ListByOwner returns all positions owned by addr, matched case-
// insensitively via the generated lowercase column.
func (s *ProjectionStore) ListByOwner(ctx context.Context, addr string) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE owner_addr_lc = LOWER($1) ORDER BY id`, addr)
	if err != nil {
		return nil, fmt.Errorf("postgres: list by owner: %w", err)
	}
	out, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan by owner: %w", err)
	}
	return out, nil
}

// ListTerminalBefore returns unarchived terminal positions whose terminal
// timestamp is strictly before the cutoff.
func (s *ProjectionStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE state IN ('CLOSED', 'CANCELLED')
		   AND archived_at IS NULL
		   AND COALESCE(closed_at, cancelled_at) < $1
		 ORDER BY id`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal: %w", err)
	}
	out, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal: %w", err)
	}
	return out, nil
}

// MarkArchived stamps archived_at on the given ids.
func (s *ProjectionStore) MarkArchived(ctx context.Context, ids []uint32, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	arg := make([]int64, len(ids))
	for i, id := range ids {
		arg[i] = int64(id)
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE positions SET archived_at = $2 WHERE id = ANY($1)`, arg, at); err != nil {
		return fmt.Errorf("postgres: mark archived: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullIfZero(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
