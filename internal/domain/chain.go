package domain

import (
	"context"
	"strings"
)

// zeroAddress is the empty-trade sentinel owner returned by getTrade for ids
// the contract has never assigned.
const zeroAddress = "0x0000000000000000000000000000000000000000"

// Trade is the authoritative on-chain record returned by getTrade(id).
// Prices are signed x10^6 integers; Flags bit 0 encodes the long side.
type Trade struct {
	Owner     string
	AssetID   uint32
	Lots      uint16
	LeverageX uint16
	EntryX6   int64
	TargetX6  int64
	SLX6      int64
	TPX6      int64
	LiqX6     int64
	Flags     uint8
	State     uint8
}

// Empty reports whether the trade is the contract's "no such position"
// sentinel (zero owner, all numeric fields zero).
func (t Trade) Empty() bool {
	return t.Owner == "" || strings.EqualFold(t.Owner, zeroAddress)
}

// LongSide decodes the position direction from flags bit 0.
func (t Trade) LongSide() bool {
	return t.Flags&1 == 1
}

// ChainReader is the request/response client over the contract's read
// surface. Implementations bound concurrency internally and classify
// transport failures via ChainError.
type ChainReader interface {
	GetTrade(ctx context.Context, id uint32) (Trade, error)
	StateOf(ctx context.Context, id uint32) (uint8, error)
	NextID(ctx context.Context) (uint32, error)
}
