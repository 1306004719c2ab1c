package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perpdex/perpindexer/internal/domain"
)

// BucketStore implements domain.BucketStore: the read API's price-level
// lookups over order_buckets and stop_buckets.
type BucketStore struct {
	pool *pgxpool.Pool
}

// NewBucketStore creates a BucketStore backed by the given connection pool.
func NewBucketStore(pool *pgxpool.Pool) *BucketStore {
	return &BucketStore{pool: pool}
}

func scanOrderBucketRows(rows pgx.Rows) ([]domain.OrderBucketEntry, error) {
	defer rows.Close()
	var out []domain.OrderBucketEntry
	for rows.Next() {
		var (
			e       domain.OrderBucketEntry
			assetID int32
			posID   int64
			lots    int16
		)
		if err := rows.Scan(&assetID, &e.BucketID, &posID, &lots, &e.Side); err != nil {
			return nil, fmt.Errorf("postgres: scan order bucket: %w", err)
		}
		e.AssetID = uint32(assetID)
		e.PositionID = uint32(posID)
		e.Lots = uint16(lots)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanStopBucketRows(rows pgx.Rows) ([]domain.StopBucketEntry, error) {
	defer rows.Close()
	var out []domain.StopBucketEntry
	for rows.Next() {
		var (
			e        domain.StopBucketEntry
			assetID  int32
			posID    int64
			stopType int16
			lots     int16
		)
		if err := rows.Scan(&assetID, &e.BucketID, &posID, &stopType, &lots, &e.Side); err != nil {
			return nil, fmt.Errorf("postgres: scan stop bucket: %w", err)
		}
		e.AssetID = uint32(assetID)
		e.PositionID = uint32(posID)
		e.StopType = domain.StopType(stopType)
		e.Lots = uint16(lots)
		out = append(out, e)
	}
	return out, rows.Err()
}

// orderClause validates the sort selection and renders the ORDER BY suffix.
// Sort columns come from a fixed whitelist, never from user input directly.
func orderClause(sort domain.BucketSort, desc bool) string {
	col := "position_id"
	if sort == domain.SortByLots {
		col = "lots"
	}
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s, position_id ASC", col, dir)
}

// OrdersAt returns the resting orders at one price bucket.
func (s *BucketStore) OrdersAt(ctx context.Context, q domain.BucketQuery) ([]domain.OrderBucketEntry, error) {
	query := `SELECT asset_id, bucket_id, position_id, lots, side
		FROM order_buckets WHERE asset_id = $1 AND bucket_id = $2`
	args := []any{int32(q.AssetID), q.BucketID}
	if q.Side != nil {
		query += ` AND side = $3`
		args = append(args, *q.Side)
	}
	query += orderClause(q.Sort, q.Desc)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: orders at bucket: %w", err)
	}
	return scanOrderBucketRows(rows)
}

// StopsAt returns the stops at one price bucket.
func (s *BucketStore) StopsAt(ctx context.Context, q domain.BucketQuery) ([]domain.StopBucketEntry, error) {
	query := `SELECT asset_id, bucket_id, position_id, stop_type, lots, side
		FROM stop_buckets WHERE asset_id = $1 AND bucket_id = $2`
	args := []any{int32(q.AssetID), q.BucketID}
	if q.Side != nil {
		query += ` AND side = $3`
		args = append(args, *q.Side)
	}
	query += orderClause(q.Sort, q.Desc)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: stops at bucket: %w", err)
	}
	return scanStopBucketRows(rows)
}

// OrdersRange returns resting orders across an inclusive bucket range,
// ordered by bucket then position id.
func (s *BucketStore) OrdersRange(ctx context.Context, q domain.BucketRangeQuery) ([]domain.OrderBucketEntry, error) {
	query := `SELECT asset_id, bucket_id, position_id, lots, side
		FROM order_buckets WHERE asset_id = $1 AND bucket_id BETWEEN $2 AND $3`
	args := []any{int32(q.AssetID), q.From, q.To}
	if q.Side != nil {
		query += ` AND side = $4`
		args = append(args, *q.Side)
	}
	query += ` ORDER BY bucket_id, position_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: orders range: %w", err)
	}
	return scanOrderBucketRows(rows)
}

// StopsRange returns stops across an inclusive bucket range, ordered by
// bucket then position id.
func (s *BucketStore) StopsRange(ctx context.Context, q domain.BucketRangeQuery) ([]domain.StopBucketEntry, error) {
	query := `SELECT asset_id, bucket_id, position_id, stop_type, lots, side
		FROM stop_buckets WHERE asset_id = $1 AND bucket_id BETWEEN $2 AND $3`
	args := []any{int32(q.AssetID), q.From, q.To}
	if q.Side != nil {
		query += ` AND side = $4`
		args = append(args, *q.Side)
	}
	query += ` ORDER BY bucket_id, position_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: stops range: %w", err)
	}
	return scanStopBucketRows(rows)
}
