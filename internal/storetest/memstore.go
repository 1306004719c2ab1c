// Package storetest provides an in-memory ProjectionStore/AssetStore/
// BucketStore with the same transition and index semantics as the Postgres
// implementation, including trigger-equivalent exposure maintenance. It backs
// the projection, reconciler, archiver, and server tests.
package storetest

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/perpdex/perpindexer/internal/domain"
	"github.com/perpdex/perpindexer/internal/fixed"
)

type orderKey struct {
	AssetID    uint32
	BucketID   int64
	PositionID uint32
}

type stopKey struct {
	AssetID    uint32
	BucketID   int64
	PositionID uint32
	StopType   domain.StopType
}

type expKey struct {
	AssetID uint32
	Side    bool
}

// MemStore is a lock-protected in-memory projection.
type MemStore struct {
	mu        sync.Mutex
	Positions map[uint32]domain.Position
	Orders    map[orderKey]domain.OrderBucketEntry
	Stops     map[stopKey]domain.StopBucketEntry
	Exposure  map[expKey]domain.Exposure
	Assets    map[uint32]domain.Asset
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		Positions: make(map[uint32]domain.Position),
		Orders:    make(map[orderKey]domain.OrderBucketEntry),
		Stops:     make(map[stopKey]domain.StopBucketEntry),
		Exposure:  make(map[expKey]domain.Exposure),
		Assets:    make(map[uint32]domain.Asset),
	}
}

// ---------------------------------------------------------------------------
// AssetStore
// ---------------------------------------------------------------------------

func (s *MemStore) Get(_ context.Context, assetID uint32) (domain.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.Assets[assetID]
	if !ok {
		return domain.Asset{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *MemStore) List(_ context.Context) ([]domain.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Asset, 0, len(s.Assets))
	for _, a := range s.Assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

func (s *MemStore) Upsert(_ context.Context, a domain.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Assets[a.AssetID] = a
	return nil
}

// ---------------------------------------------------------------------------
// exposure trigger equivalent
// ---------------------------------------------------------------------------

func (s *MemStore) exposureDelta(p domain.Position, sign int64) {
	if p.State != domain.StateOpen {
		return
	}
	k := expKey{AssetID: p.AssetID, Side: p.LongSide}
	e, ok := s.Exposure[k]
	if !ok {
		e = domain.Exposure{
			AssetID:        p.AssetID,
			Side:           p.LongSide,
			SumEntryX6Lots: new(big.Int),
			SumLiqX6Lots:   new(big.Int),
		}
	}
	lots := int64(p.Lots)
	e.SumLots += sign * lots
	e.SumEntryX6Lots = new(big.Int).Add(e.SumEntryX6Lots,
		new(big.Int).Mul(big.NewInt(sign*p.EntryX6), big.NewInt(lots)))
	e.SumLeverageLots += sign * int64(p.LeverageX) * lots
	if p.LiqX6 > 0 {
		e.SumLiqX6Lots = new(big.Int).Add(e.SumLiqX6Lots,
			new(big.Int).Mul(big.NewInt(sign*p.LiqX6), big.NewInt(lots)))
		e.SumLiqLots += sign * lots
	}
	e.PositionsCount += sign
	s.Exposure[k] = e
}

func (s *MemStore) putPosition(p domain.Position) {
	if old, ok := s.Positions[p.ID]; ok {
		s.exposureDelta(old, -1)
	}
	s.exposureDelta(p, +1)
	s.Positions[p.ID] = p
}

// ---------------------------------------------------------------------------
// bucket maintenance
// ---------------------------------------------------------------------------

func (s *MemStore) deleteOrderRows(id uint32) {
	for k := range s.Orders {
		if k.PositionID == id {
			delete(s.Orders, k)
		}
	}
}

func (s *MemStore) deleteStopRows(id uint32, types ...domain.StopType) {
	for k := range s.Stops {
		if k.PositionID != id {
			continue
		}
		if len(types) == 0 {
			delete(s.Stops, k)
			continue
		}
		for _, t := range types {
			if k.StopType == t {
				delete(s.Stops, k)
			}
		}
	}
}

func (s *MemStore) insertOrderRow(p domain.Position) {
	if p.State != domain.StateOrder || p.TargetX6 == 0 || p.TargetBucket == nil {
		return
	}
	k := orderKey{AssetID: p.AssetID, BucketID: *p.TargetBucket, PositionID: p.ID}
	s.Orders[k] = domain.OrderBucketEntry{
		AssetID: p.AssetID, BucketID: *p.TargetBucket,
		PositionID: p.ID, Lots: p.Lots, Side: p.LongSide,
	}
}

func (s *MemStore) insertStopRows(p domain.Position, types ...domain.StopType) {
	if p.State != domain.StateOpen {
		return
	}
	all := []struct {
		t      domain.StopType
		price  int64
		bucket *int64
	}{
		{domain.StopSL, p.SLX6, p.SLBucket},
		{domain.StopTP, p.TPX6, p.TPBucket},
		{domain.StopLiq, p.LiqX6, p.LiqBucket},
	}
	want := func(t domain.StopType) bool {
		if len(types) == 0 {
			return true
		}
		for _, w := range types {
			if w == t {
				return true
			}
		}
		return false
	}
	for _, st := range all {
		if !want(st.t) || st.price == 0 || st.bucket == nil {
			continue
		}
		k := stopKey{AssetID: p.AssetID, BucketID: *st.bucket, PositionID: p.ID, StopType: st.t}
		s.Stops[k] = domain.StopBucketEntry{
			AssetID: p.AssetID, BucketID: *st.bucket, PositionID: p.ID,
			StopType: st.t, Lots: p.Lots, Side: !p.LongSide,
		}
	}
}

// ---------------------------------------------------------------------------
// ProjectionStore
// ---------------------------------------------------------------------------

func (s *MemStore) IngestOpened(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.Positions[p.ID]
	apply := true
	if exists {
		if cur.State.Terminal() {
			apply = false
		}
		if cur.State == domain.StateOpen && p.State == domain.StateOrder {
			apply = false
		}
	}
	if apply {
		if p.State == domain.StateOpen && p.ExecutedAt == nil {
			now := time.Now()
			p.ExecutedAt = &now
		}
		if exists && cur.ExecutedAt != nil {
			p.ExecutedAt = cur.ExecutedAt
		}
		if exists {
			p.OpenedAt = cur.OpenedAt
		} else {
			p.OpenedAt = time.Now()
		}
		s.putPosition(p)
	}

	row := s.Positions[p.ID]
	s.deleteOrderRows(p.ID)
	s.deleteStopRows(p.ID)
	s.insertOrderRow(row)
	s.insertStopRows(row)
	return nil
}

func (s *MemStore) IngestExecuted(_ context.Context, id uint32, entryX6 int64, meta domain.IngestMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.Positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !p.State.Terminal() {
		asset, ok := s.Assets[p.AssetID]
		if !ok {
			return domain.ErrNotFound
		}
		p.State = domain.StateOpen
		p.EntryX6 = entryX6
		p.TargetX6 = 0
		p.TargetBucket = nil
		if p.ExecutedAt == nil {
			now := time.Now()
			p.ExecutedAt = &now
		}
		p.NotionalUSD6 = fixed.Notional(entryX6, p.Lots, asset.LotNum, asset.LotDen)
		p.MarginUSD6 = fixed.Margin(p.NotionalUSD6, p.LeverageX)
		applyMeta(&p, meta)
		s.putPosition(p)
	}

	row := s.Positions[id]
	s.deleteOrderRows(id)
	s.deleteStopRows(id)
	s.insertStopRows(row)
	return nil
}

func (s *MemStore) IngestStopsUpdated(_ context.Context, id uint32, slX6, tpX6 int64, slBucket, tpBucket *int64, meta domain.IngestMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.Positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !p.State.Terminal() {
		p.SLX6, p.TPX6 = slX6, tpX6
		p.SLBucket, p.TPBucket = slBucket, tpBucket
		applyMeta(&p, meta)
		s.putPosition(p)
	}

	row := s.Positions[id]
	s.deleteStopRows(id, domain.StopSL, domain.StopTP)
	s.insertStopRows(row, domain.StopSL, domain.StopTP)
	return nil
}

func (s *MemStore) IngestRemoved(_ context.Context, id uint32, reason domain.CloseReason, execX6 int64, pnlUSD6 *big.Int, meta domain.IngestMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.Positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !p.State.Terminal() {
		now := time.Now()
		if reason == domain.ReasonCancelled {
			p.State = domain.StateCancelled
			if p.CancelledAt == nil {
				p.CancelledAt = &now
			}
		} else {
			p.State = domain.StateClosed
			if p.ClosedAt == nil {
				p.ClosedAt = &now
			}
		}
		r := reason
		p.CloseReason = &r
		p.ExecX6 = execX6
		if pnlUSD6 != nil {
			p.PnlUSD6 = new(big.Int).Set(pnlUSD6)
		}
		applyMeta(&p, meta)
		s.putPosition(p)
	}

	s.deleteOrderRows(id)
	s.deleteStopRows(id)
	return nil
}

func (s *MemStore) PatchState(_ context.Context, id uint32, state domain.PositionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.Positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.State = state
	s.putPosition(p)
	if state.Terminal() {
		s.deleteOrderRows(id)
		s.deleteStopRows(id)
	}
	return nil
}

func (s *MemStore) GetPosition(_ context.Context, id uint32) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *MemStore) GetOrderBuckets(_ context.Context, id uint32) ([]domain.OrderBucketEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderBucketEntry
	for _, e := range s.Orders {
		if e.PositionID == id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketID < out[j].BucketID })
	return out, nil
}

func (s *MemStore) GetStopBuckets(_ context.Context, id uint32) ([]domain.StopBucketEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StopBucketEntry
	for _, e := range s.Stops {
		if e.PositionID == id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StopType < out[j].StopType })
	return out, nil
}

func (s *MemStore) ListIDs(_ context.Context, limit, offset int) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint32, 0, len(s.Positions))
	for id := range s.Positions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *MemStore) MaxID(_ context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max uint32
	for id := range s.Positions {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (s *MemStore) ListByOwner(_ context.Context, addr string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.Positions {
		if strings.EqualFold(p.OwnerAddr, addr) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) ListTerminalBefore(_ context.Context, before time.Time) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.Positions {
		if !p.State.Terminal() || p.ArchivedAt != nil {
			continue
		}
		ts := p.ClosedAt
		if ts == nil {
			ts = p.CancelledAt
		}
		if ts != nil && ts.Before(before) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) MarkArchived(_ context.Context, ids []uint32, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if p, ok := s.Positions[id]; ok {
			t := at
			p.ArchivedAt = &t
			s.Positions[id] = p
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// BucketStore
// ---------------------------------------------------------------------------

func (s *MemStore) OrdersAt(_ context.Context, q domain.BucketQuery) ([]domain.OrderBucketEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderBucketEntry
	for _, e := range s.Orders {
		if e.AssetID != q.AssetID || e.BucketID != q.BucketID {
			continue
		}
		if q.Side != nil && e.Side != *q.Side {
			continue
		}
		out = append(out, e)
	}
	sortOrders(out, q.Sort, q.Desc)
	return out, nil
}

func (s *MemStore) StopsAt(_ context.Context, q domain.BucketQuery) ([]domain.StopBucketEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StopBucketEntry
	for _, e := range s.Stops {
		if e.AssetID != q.AssetID || e.BucketID != q.BucketID {
			continue
		}
		if q.Side != nil && e.Side != *q.Side {
			continue
		}
		out = append(out, e)
	}
	sortStops(out, q.Sort, q.Desc)
	return out, nil
}

func (s *MemStore) OrdersRange(_ context.Context, q domain.BucketRangeQuery) ([]domain.OrderBucketEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderBucketEntry
	for _, e := range s.Orders {
		if e.AssetID != q.AssetID || e.BucketID < q.From || e.BucketID > q.To {
			continue
		}
		if q.Side != nil && e.Side != *q.Side {
			continue
		}
		out = append(out, e)
	}
	sortOrders(out, domain.SortByPosition, false)
	return out, nil
}

func (s *MemStore) StopsRange(_ context.Context, q domain.BucketRangeQuery) ([]domain.StopBucketEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StopBucketEntry
	for _, e := range s.Stops {
		if e.AssetID != q.AssetID || e.BucketID < q.From || e.BucketID > q.To {
			continue
		}
		if q.Side != nil && e.Side != *q.Side {
			continue
		}
		out = append(out, e)
	}
	sortStops(out, domain.SortByPosition, false)
	return out, nil
}

func sortOrders(out []domain.OrderBucketEntry, by domain.BucketSort, desc bool) {
	sort.Slice(out, func(i, j int) bool {
		var less bool
		if by == domain.SortByLots && out[i].Lots != out[j].Lots {
			less = out[i].Lots < out[j].Lots
		} else {
			less = out[i].PositionID < out[j].PositionID
		}
		if desc {
			return !less
		}
		return less
	})
}

func sortStops(out []domain.StopBucketEntry, by domain.BucketSort, desc bool) {
	sort.Slice(out, func(i, j int) bool {
		var less bool
		if by == domain.SortByLots && out[i].Lots != out[j].Lots {
			less = out[i].Lots < out[j].Lots
		} else if out[i].PositionID != out[j].PositionID {
			less = out[i].PositionID < out[j].PositionID
		} else {
			less = out[i].StopType < out[j].StopType
		}
		if desc {
			return !less
		}
		return less
	})
}

func applyMeta(p *domain.Position, meta domain.IngestMeta) {
	if meta.TxHash != "" {
		p.LastTxHash = meta.TxHash
	}
	if meta.BlockNum != 0 {
		p.LastBlockNum = meta.BlockNum
	}
}
