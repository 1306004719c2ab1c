package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/perpdex/perpindexer/internal/domain"
)

// defaultWatchdog is the silence interval after which a stream is considered
// stuck and terminated so the supervisor restarts it.
const defaultWatchdog = 15 * time.Second

// Envelope is one decoded event together with its chain coordinates.
type Envelope struct {
	Event domain.Event
	Meta  domain.EventMeta
}

// Gateway opens one websocket log subscription per topic against the
// order-book contract and decodes logs into typed events. Gap-filling after a
// restart is the backfill controller's job, not the gateway's; consumers must
// treat every stream as at-least-once.
type Gateway struct {
	wsURL    string
	contract common.Address
	watchdog time.Duration
	logger   *slog.Logger
}

// NewGateway creates a Gateway for the contract at addr reachable over the
// given websocket endpoint. A non-positive watchdog falls back to 15 s.
func NewGateway(wsURL string, addr common.Address, watchdog time.Duration, logger *slog.Logger) *Gateway {
	if watchdog <= 0 {
		watchdog = defaultWatchdog
	}
	return &Gateway{
		wsURL:    wsURL,
		contract: addr,
		watchdog: watchdog,
		logger:   logger.With(slog.String("component", "chain_gateway")),
	}
}

// Stream subscribes to one topic and sends decoded envelopes on out until the
// transport fails, the watchdog fires, or ctx is cancelled. It always returns
// a non-nil error so callers restart it; malformed logs are logged with their
// raw payload and dropped (the reconciler repairs whatever they described).
func (g *Gateway) Stream(ctx context.Context, topic Topic, out chan<- Envelope) error {
	client, err := ethclient.DialContext(ctx, g.wsURL)
	if err != nil {
		return &domain.ChainError{Transient: true, Err: fmt.Errorf("dial %s: %w", g.wsURL, err)}
	}
	defer client.Close()

	logs := make(chan types.Log, 64)
	query := ethereum.FilterQuery{
		Addresses: []common.Address{g.contract},
		Topics:    [][]common.Hash{{eventID(topic)}},
	}
	sub, err := client.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return &domain.ChainError{Transient: true, Err: fmt.Errorf("subscribe %s: %w", topic, err)}
	}
	defer sub.Unsubscribe()

	g.logger.Info("subscribed", slog.String("topic", string(topic)))

	timer := time.NewTimer(g.watchdog)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return &domain.ChainError{Transient: true, Err: fmt.Errorf("subscription %s: %w", topic, err)}
		case <-timer.C:
			return fmt.Errorf("chain: %s silent for %s: %w", topic, g.watchdog, domain.ErrWatchdogTimeout)
		case lg := <-logs:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(g.watchdog)

			if lg.Removed {
				// Reorged log; the reconciler converges the affected ids.
				continue
			}
			ev, err := DecodeLog(topic, lg.Data)
			if err != nil {
				g.logger.Error("drop undecodable log",
					slog.String("topic", string(topic)),
					slog.Uint64("block", lg.BlockNumber),
					slog.String("tx", lg.TxHash.Hex()),
					slog.String("data", common.Bytes2Hex(lg.Data)),
					slog.String("error", err.Error()),
				)
				continue
			}
			env := Envelope{
				Event: ev,
				Meta: domain.EventMeta{
					Block:    lg.BlockNumber,
					TxHash:   lg.TxHash.Hex(),
					LogIndex: lg.Index,
				},
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Raw unpack targets. Field names follow the ABI argument names.

type openedRaw struct {
	Id              uint32
	State           uint8
	Asset           uint32
	LongSide        bool
	Lots            uint16
	EntryOrTargetX6 int64
	SlX6            int64
	TpX6            int64
	LiqX6           int64
	Trader          common.Address
	LeverageX       uint16
}

type executedRaw struct {
	Id      uint32
	EntryX6 int64
}

type stopsUpdatedRaw struct {
	Id   uint32
	SlX6 int64
	TpX6 int64
}

type removedRaw struct {
	Id      uint32
	Reason  uint8
	ExecX6  int64
	PnlUsd6 *big.Int
}

// DecodeLog unpacks one raw log payload for the given topic into its typed
// event. Decode failures are permanent: the payload does not match the
// contract ABI.
func DecodeLog(topic Topic, data []byte) (domain.Event, error) {
	switch topic {
	case TopicOpened:
		var raw openedRaw
		if err := bookABI.UnpackIntoInterface(&raw, string(TopicOpened), data); err != nil {
			return nil, &domain.ChainError{Err: fmt.Errorf("unpack Opened: %w", err)}
		}
		state, ok := domain.StateFromChain(raw.State)
		if !ok || state.Terminal() {
			return nil, &domain.ChainError{Err: fmt.Errorf("Opened with state %d", raw.State)}
		}
		return domain.Opened{
			ID:              raw.Id,
			State:           state,
			AssetID:         raw.Asset,
			LongSide:        raw.LongSide,
			Lots:            raw.Lots,
			LeverageX:       raw.LeverageX,
			EntryOrTargetX6: raw.EntryOrTargetX6,
			SLX6:            raw.SlX6,
			TPX6:            raw.TpX6,
			LiqX6:           raw.LiqX6,
			Trader:          strings.ToLower(raw.Trader.Hex()),
		}, nil
	case TopicExecuted:
		var raw executedRaw
		if err := bookABI.UnpackIntoInterface(&raw, string(TopicExecuted), data); err != nil {
			return nil, &domain.ChainError{Err: fmt.Errorf("unpack Executed: %w", err)}
		}
		return domain.Executed{ID: raw.Id, EntryX6: raw.EntryX6}, nil
	case TopicStopsUpdated:
		var raw stopsUpdatedRaw
		if err := bookABI.UnpackIntoInterface(&raw, string(TopicStopsUpdated), data); err != nil {
			return nil, &domain.ChainError{Err: fmt.Errorf("unpack StopsUpdated: %w", err)}
		}
		return domain.StopsUpdated{ID: raw.Id, SLX6: raw.SlX6, TPX6: raw.TpX6}, nil
	case TopicRemoved:
		var raw removedRaw
		if err := bookABI.UnpackIntoInterface(&raw, string(TopicRemoved), data); err != nil {
			return nil, &domain.ChainError{Err: fmt.Errorf("unpack Removed: %w", err)}
		}
		reason, ok := domain.ReasonFromChain(raw.Reason)
		if !ok {
			return nil, &domain.ChainError{Err: fmt.Errorf("Removed with reason %d: %w", raw.Reason, domain.ErrUnknownReason)}
		}
		return domain.Removed{ID: raw.Id, Reason: reason, ExecX6: raw.ExecX6, PnlUSD6: raw.PnlUsd6}, nil
	default:
		return nil, &domain.ChainError{Err: fmt.Errorf("unknown topic %q", topic)}
	}
}
