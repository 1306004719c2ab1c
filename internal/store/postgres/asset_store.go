package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/perpdex/perpindexer/internal/domain"
)

// AssetStore implements domain.AssetStore using PostgreSQL.
type AssetStore struct {
	pool *pgxpool.Pool
}

// NewAssetStore creates an AssetStore backed by the given connection pool.
func NewAssetStore(pool *pgxpool.Pool) *AssetStore {
	return &AssetStore{pool: pool}
}

const assetSelectCols = `asset_id, symbol, tick_x6, lot_num::TEXT, lot_den::TEXT`

func scanAssetRow(row pgx.Row) (domain.Asset, error) {
	var (
		a       domain.Asset
		assetID int32
		num     string
		den     string
	)
	if err := row.Scan(&assetID, &a.Symbol, &a.TickX6, &num, &den); err != nil {
		return domain.Asset{}, err
	}
	a.AssetID = uint32(assetID)

	var ok bool
	if a.LotNum, ok = new(big.Int).SetString(num, 10); !ok {
		return domain.Asset{}, fmt.Errorf("parse lot_num %q", num)
	}
	if a.LotDen, ok = new(big.Int).SetString(den, 10); !ok {
		return domain.Asset{}, fmt.Errorf("parse lot_den %q", den)
	}
	return a, nil
}

// Get retrieves one asset by id.
func (s *AssetStore) Get(ctx context.Context, assetID uint32) (domain.Asset, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+assetSelectCols+` FROM assets WHERE asset_id = $1`, int32(assetID))
	a, err := scanAssetRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Asset{}, domain.ErrNotFound
		}
		return domain.Asset{}, fmt.Errorf("postgres: get asset %d: %w", assetID, err)
	}
	return a, nil
}

// List returns all assets ordered by id.
func (s *AssetStore) List(ctx context.Context) ([]domain.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assetSelectCols+` FROM assets ORDER BY asset_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list assets: %w", err)
	}
	defer rows.Close()

	var out []domain.Asset
	for rows.Next() {
		a, err := scanAssetRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan asset: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Upsert inserts or replaces an asset row.
func (s *AssetStore) Upsert(ctx context.Context, a domain.Asset) error {
	const query = `
		INSERT INTO assets (asset_id, symbol, tick_x6, lot_num, lot_den)
		VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC)
		ON CONFLICT (asset_id) DO UPDATE SET
			symbol  = EXCLUDED.symbol,
			tick_x6 = EXCLUDED.tick_x6,
			lot_num = EXCLUDED.lot_num,
			lot_den = EXCLUDED.lot_den`

	_, err := s.pool.Exec(ctx, query,
		int32(a.AssetID), a.Symbol, a.TickX6, a.LotNum.String(), a.LotDen.String())
	if err != nil {
		return fmt.Errorf("postgres: upsert asset %d: %w", a.AssetID, err)
	}
	return nil
}
