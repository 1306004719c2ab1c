package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perpdex/perpindexer/internal/domain"
)

// ExposureStore implements domain.ExposureStore over the trigger-maintained
// exposure_agg table.
type ExposureStore struct {
	pool *pgxpool.Pool
}

// NewExposureStore creates an ExposureStore backed by the given pool.
func NewExposureStore(pool *pgxpool.Pool) *ExposureStore {
	return &ExposureStore{pool: pool}
}

const exposureSelectCols = `asset_id, side, sum_lots, sum_entry_x6_lots::TEXT,
	sum_leverage_lots, sum_liq_x6_lots::TEXT, sum_liq_lots, positions_count`

func scanExposureRows(rows pgx.Rows) ([]domain.Exposure, error) {
	defer rows.Close()
	var out []domain.Exposure
	for rows.Next() {
		var (
			e        domain.Exposure
			assetID  int32
			sumEntry string
			sumLiq   string
		)
		if err := rows.Scan(&assetID, &e.Side, &e.SumLots, &sumEntry,
			&e.SumLeverageLots, &sumLiq, &e.SumLiqLots, &e.PositionsCount); err != nil {
			return nil, fmt.Errorf("postgres: scan exposure: %w", err)
		}
		e.AssetID = uint32(assetID)

		var ok bool
		if e.SumEntryX6Lots, ok = new(big.Int).SetString(sumEntry, 10); !ok {
			return nil, fmt.Errorf("postgres: parse sum_entry_x6_lots %q", sumEntry)
		}
		if e.SumLiqX6Lots, ok = new(big.Int).SetString(sumLiq, 10); !ok {
			return nil, fmt.Errorf("postgres: parse sum_liq_x6_lots %q", sumLiq)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// List returns every (asset, side) aggregate.
func (s *ExposureStore) List(ctx context.Context) ([]domain.Exposure, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+exposureSelectCols+` FROM exposure_agg ORDER BY asset_id, side`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list exposure: %w", err)
	}
	return scanExposureRows(rows)
}

// ListByAsset returns the aggregates for one asset (at most two rows).
func (s *ExposureStore) ListByAsset(ctx context.Context, assetID uint32) ([]domain.Exposure, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+exposureSelectCols+` FROM exposure_agg
		 WHERE asset_id = $1 ORDER BY side`, int32(assetID))
	if err != nil {
		return nil, fmt.Errorf("postgres: exposure by asset: %w", err)
	}
	return scanExposureRows(rows)
}
