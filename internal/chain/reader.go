package chain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/semaphore"

	"github.com/perpdex/perpindexer/internal/domain"
)

// defaultReadConc bounds concurrent eth_call requests when the caller does
// not configure a limit.
const defaultReadConc = 100

// Reader implements domain.ChainReader over the contract's view functions
// using eth_call on an HTTP endpoint. A weighted semaphore bounds in-flight
// requests; acquisition is a cooperative suspension point honoring ctx.
type Reader struct {
	client   *ethclient.Client
	contract common.Address
	sem      *semaphore.Weighted
	logger   *slog.Logger
}

// NewReader dials the HTTP RPC endpoint and returns a Reader with at most
// conc concurrent calls in flight.
func NewReader(ctx context.Context, httpURL string, addr common.Address, conc int64, logger *slog.Logger) (*Reader, error) {
	if conc <= 0 {
		conc = defaultReadConc
	}
	client, err := ethclient.DialContext(ctx, httpURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", httpURL, err)
	}
	return &Reader{
		client:   client,
		contract: addr,
		sem:      semaphore.NewWeighted(conc),
		logger:   logger.With(slog.String("component", "chain_reader")),
	}, nil
}

// Close releases the underlying RPC connection.
func (r *Reader) Close() {
	r.client.Close()
}

// call packs, executes, and returns the raw eth_call result for one view
// function. Transport failures are classified transient.
func (r *Reader) call(ctx context.Context, method string, args ...any) ([]byte, error) {
	data, err := bookABI.Pack(method, args...)
	if err != nil {
		return nil, &domain.ChainError{Err: fmt.Errorf("pack %s: %w", method, err)}
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
	if err != nil {
		return nil, &domain.ChainError{Transient: true, Err: fmt.Errorf("call %s: %w", method, err)}
	}
	return out, nil
}

type tradeRaw struct {
	Owner     common.Address
	Asset     uint32
	Lots      uint16
	LeverageX uint16
	EntryX6   int64
	TargetX6  int64
	SlX6      int64
	TpX6      int64
	LiqX6     int64
	Flags     uint8
	State     uint8
}

// GetTrade returns the authoritative trade record for id. An all-zero record
// (zero owner) means the contract has never assigned this id; callers detect
// that via Trade.Empty.
func (r *Reader) GetTrade(ctx context.Context, id uint32) (domain.Trade, error) {
	out, err := r.call(ctx, "getTrade", id)
	if err != nil {
		return domain.Trade{}, err
	}
	var raw tradeRaw
	if err := bookABI.UnpackIntoInterface(&raw, "getTrade", out); err != nil {
		return domain.Trade{}, &domain.ChainError{Err: fmt.Errorf("unpack getTrade(%d): %w", id, err)}
	}
	return domain.Trade{
		Owner:     strings.ToLower(raw.Owner.Hex()),
		AssetID:   raw.Asset,
		Lots:      raw.Lots,
		LeverageX: raw.LeverageX,
		EntryX6:   raw.EntryX6,
		TargetX6:  raw.TargetX6,
		SLX6:      raw.SlX6,
		TPX6:      raw.TpX6,
		LiqX6:     raw.LiqX6,
		Flags:     raw.Flags,
		State:     raw.State,
	}, nil
}

// StateOf returns the contract's numeric lifecycle state for id
// (0=ORDER, 1=OPEN, 2=CLOSED, 3=CANCELLED).
func (r *Reader) StateOf(ctx context.Context, id uint32) (uint8, error) {
	out, err := r.call(ctx, "stateOf", id)
	if err != nil {
		return 0, err
	}
	var state uint8
	if err := bookABI.UnpackIntoInterface(&state, "stateOf", out); err != nil {
		return 0, &domain.ChainError{Err: fmt.Errorf("unpack stateOf(%d): %w", id, err)}
	}
	return state, nil
}

// NextID returns the id the contract will assign to the next position. The
// highest assigned id is therefore NextID()-1.
func (r *Reader) NextID(ctx context.Context) (uint32, error) {
	out, err := r.call(ctx, "nextId")
	if err != nil {
		return 0, err
	}
	var id uint32
	if err := bookABI.UnpackIntoInterface(&id, "nextId", out); err != nil {
		return 0, &domain.ChainError{Err: fmt.Errorf("unpack nextId: %w", err)}
	}
	return id, nil
}
