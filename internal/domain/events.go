package domain

import (
	"fmt"
	"math/big"
)

// EventMeta carries the chain coordinates of a decoded log. The triple
// (Block, TxHash, LogIndex) is the idempotency key for duplicate suppression.
type EventMeta struct {
	Block    uint64
	TxHash   string
	LogIndex uint
}

// DedupKey returns the canonical duplicate-suppression key for this log.
func (m EventMeta) DedupKey() string {
	return fmt.Sprintf("%d:%s:%d", m.Block, m.TxHash, m.LogIndex)
}

// Event is implemented by the four decoded contract events.
type Event interface {
	PositionID() uint32
}

// Opened announces a new position, either as a resting order (ORDER, with
// EntryOrTargetX6 holding the target price) or directly executed (OPEN, with
// EntryOrTargetX6 holding the entry price).
type Opened struct {
	ID              uint32
	State           PositionState // StateOrder or StateOpen only
	AssetID         uint32
	LongSide        bool
	Lots            uint16
	LeverageX       uint16
	EntryOrTargetX6 int64
	SLX6            int64
	TPX6            int64
	LiqX6           int64
	Trader          string
}

func (e Opened) PositionID() uint32 { return e.ID }

// Executed announces that a resting order was filled at EntryX6.
type Executed struct {
	ID      uint32
	EntryX6 int64
}

func (e Executed) PositionID() uint32 { return e.ID }

// StopsUpdated announces a change to a position's SL and/or TP price. The
// liquidation price is never carried on this event and must not be touched.
type StopsUpdated struct {
	ID   uint32
	SLX6 int64
	TPX6 int64
}

func (e StopsUpdated) PositionID() uint32 { return e.ID }

// Removed announces a terminal transition. Reason CANCELLED maps to state
// CANCELLED; every other reason maps to CLOSED.
type Removed struct {
	ID      uint32
	Reason  CloseReason
	ExecX6  int64
	PnlUSD6 *big.Int
}

func (e Removed) PositionID() uint32 { return e.ID }
