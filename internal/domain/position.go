// Package domain defines the core entities of the perp order-book projection
// (assets, positions, price buckets, exposure) together with the store and
// chain interfaces implemented by the infrastructure packages.
package domain

import (
	"math/big"
	"time"
)

// PositionState is the lifecycle state of a position. Transitions are one-way:
// ORDER -> OPEN, {ORDER, OPEN} -> {CLOSED, CANCELLED}.
type PositionState string

const (
	StateOrder     PositionState = "ORDER"
	StateOpen      PositionState = "OPEN"
	StateClosed    PositionState = "CLOSED"
	StateCancelled PositionState = "CANCELLED"
)

// Terminal reports whether the state admits no further transitions.
func (s PositionState) Terminal() bool {
	return s == StateClosed || s == StateCancelled
}

// StateFromChain maps the contract's stateOf() numeric encoding to a
// PositionState. The chain encodes 0=ORDER, 1=OPEN, 2=CLOSED, 3=CANCELLED.
func StateFromChain(v uint8) (PositionState, bool) {
	switch v {
	case 0:
		return StateOrder, true
	case 1:
		return StateOpen, true
	case 2:
		return StateClosed, true
	case 3:
		return StateCancelled, true
	default:
		return "", false
	}
}

// CloseReason records why a position reached a terminal state.
type CloseReason string

const (
	ReasonCancelled CloseReason = "CANCELLED"
	ReasonMarket    CloseReason = "MARKET"
	ReasonSL        CloseReason = "SL"
	ReasonTP        CloseReason = "TP"
	ReasonLiq       CloseReason = "LIQ"
)

// ReasonFromChain maps the Removed event's numeric reason (0..4) to a
// CloseReason. Unknown values are rejected rather than defaulted.
func ReasonFromChain(v uint8) (CloseReason, bool) {
	switch v {
	case 0:
		return ReasonCancelled, true
	case 1:
		return ReasonMarket, true
	case 2:
		return ReasonSL, true
	case 3:
		return ReasonTP, true
	case 4:
		return ReasonLiq, true
	default:
		return "", false
	}
}

// StopType identifies which stop a stop_buckets row indexes.
type StopType int16

const (
	StopSL  StopType = 1
	StopTP  StopType = 2
	StopLiq StopType = 3
)

// Asset is the static metadata of a tradeable perp market. TickX6 is the
// minimal price increment as a x10^6 integer and must be positive; LotNum and
// LotDen express the notional value of one lot as a rational.
type Asset struct {
	AssetID uint32
	Symbol  string
	TickX6  int64
	LotNum  *big.Int
	LotDen  *big.Int
}

// Position is the relational materialization of one trade lifecycle on the
// chain. All prices and money amounts are x10^6 fixed-point integers.
type Position struct {
	ID        uint32
	OwnerAddr string // lowercased hex
	AssetID   uint32
	State     PositionState
	LongSide  bool
	Lots      uint16
	LeverageX uint16

	EntryX6  int64
	TargetX6 int64
	SLX6     int64
	TPX6     int64
	LiqX6    int64

	// Derived, defined only while OPEN.
	NotionalUSD6 int64
	MarginUSD6   int64

	// Set on removal.
	CloseReason *CloseReason
	ExecX6      int64
	PnlUSD6     *big.Int // i256 on the wire, NUMERIC in the store

	OpenedAt    time.Time
	ExecutedAt  *time.Time
	ClosedAt    *time.Time
	CancelledAt *time.Time
	ArchivedAt  *time.Time

	// Quantized price keys, recomputed on every price write.
	TargetBucket *int64
	SLBucket     *int64
	TPBucket     *int64
	LiqBucket    *int64

	// Last observed chain coordinates, for audit only.
	LastTxHash   string
	LastBlockNum int64
}

// OrderBucketEntry is one resting order in the price-indexed order book.
// Side is the order's own side. Present iff the position is in state ORDER.
type OrderBucketEntry struct {
	AssetID    uint32
	BucketID   int64
	PositionID uint32
	Lots       uint16
	Side       bool
}

// StopBucketEntry is one stop (SL/TP/LIQ) in the price-indexed stop book.
// Side is the antagonistic side (NOT long_side): the side whose price
// crossing would trade into this stop. Present iff the position is OPEN and
// the corresponding price is non-zero.
type StopBucketEntry struct {
	AssetID    uint32
	BucketID   int64
	PositionID uint32
	StopType   StopType
	Lots       uint16
	Side       bool
}

// Exposure is the per-(asset, side) aggregate over OPEN positions, maintained
// by a store trigger atomically with every positions write.
type Exposure struct {
	AssetID         uint32
	Side            bool
	SumLots         int64
	SumEntryX6Lots  *big.Int
	SumLeverageLots int64
	SumLiqX6Lots    *big.Int
	SumLiqLots      int64
	PositionsCount  int64
}

// AvgEntryX6 returns the lot-weighted average entry price, or 0 when flat.
func (e Exposure) AvgEntryX6() int64 {
	if e.SumLots == 0 || e.SumEntryX6Lots == nil {
		return 0
	}
	return new(big.Int).Quo(e.SumEntryX6Lots, big.NewInt(e.SumLots)).Int64()
}

// AvgLeverageX returns the lot-weighted average leverage, or 0 when flat.
func (e Exposure) AvgLeverageX() int64 {
	if e.SumLots == 0 {
		return 0
	}
	return e.SumLeverageLots / e.SumLots
}

// AvgLiqX6 returns the lot-weighted average liquidation price across
// positions that carry a non-zero liq price, or 0 when none do.
func (e Exposure) AvgLiqX6() int64 {
	if e.SumLiqLots == 0 || e.SumLiqX6Lots == nil {
		return 0
	}
	return new(big.Int).Quo(e.SumLiqX6Lots, big.NewInt(e.SumLiqLots)).Int64()
}
