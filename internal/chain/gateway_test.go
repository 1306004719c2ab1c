package chain

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/perpdex/perpindexer/internal/domain"
)

func packEvent(t *testing.T, topic Topic, args ...any) []byte {
	t.Helper()
	data, err := bookABI.Events[string(topic)].Inputs.Pack(args...)
	if err != nil {
		t.Fatalf("pack %s: %v", topic, err)
	}
	return data
}

func TestDecodeOpened(t *testing.T) {
	trader := common.HexToAddress("0xAAbBcCdDeEfF00112233445566778899aAbBcCdD")
	data := packEvent(t, TopicOpened,
		uint32(42), uint8(0), uint32(0), true, uint16(3),
		int64(108_910_010_000), int64(0), int64(0), int64(0),
		trader, uint16(10),
	)

	ev, err := DecodeLog(TopicOpened, data)
	if err != nil {
		t.Fatalf("DecodeLog: %v", err)
	}
	op, ok := ev.(domain.Opened)
	if !ok {
		t.Fatalf("decoded %T, want domain.Opened", ev)
	}
	if op.ID != 42 || op.State != domain.StateOrder || !op.LongSide || op.Lots != 3 {
		t.Errorf("unexpected fields: %+v", op)
	}
	if op.EntryOrTargetX6 != 108_910_010_000 || op.LeverageX != 10 {
		t.Errorf("unexpected prices: %+v", op)
	}
	if want := "0xaabbccddeeff00112233445566778899aabbccdd"; op.Trader != want {
		t.Errorf("Trader = %q, want lowercased %q", op.Trader, want)
	}
}

func TestDecodeOpenedRejectsTerminalState(t *testing.T) {
	data := packEvent(t, TopicOpened,
		uint32(1), uint8(2), uint32(0), false, uint16(1),
		int64(1), int64(0), int64(0), int64(0),
		common.Address{}, uint16(1),
	)
	if _, err := DecodeLog(TopicOpened, data); err == nil {
		t.Fatal("expected error for Opened with terminal state")
	}
}

func TestDecodeExecutedAndStops(t *testing.T) {
	ev, err := DecodeLog(TopicExecuted, packEvent(t, TopicExecuted, uint32(7), int64(100_000_000)))
	if err != nil {
		t.Fatalf("DecodeLog Executed: %v", err)
	}
	if ex := ev.(domain.Executed); ex.ID != 7 || ex.EntryX6 != 100_000_000 {
		t.Errorf("unexpected Executed: %+v", ex)
	}

	ev, err = DecodeLog(TopicStopsUpdated, packEvent(t, TopicStopsUpdated, uint32(7), int64(0), int64(101_500_000)))
	if err != nil {
		t.Fatalf("DecodeLog StopsUpdated: %v", err)
	}
	if su := ev.(domain.StopsUpdated); su.SLX6 != 0 || su.TPX6 != 101_500_000 {
		t.Errorf("unexpected StopsUpdated: %+v", su)
	}
}

func TestDecodeRemoved(t *testing.T) {
	pnl := big.NewInt(-2_000_000)
	ev, err := DecodeLog(TopicRemoved, packEvent(t, TopicRemoved, uint32(7), uint8(2), int64(99_000_000), pnl))
	if err != nil {
		t.Fatalf("DecodeLog Removed: %v", err)
	}
	rm := ev.(domain.Removed)
	if rm.Reason != domain.ReasonSL || rm.ExecX6 != 99_000_000 {
		t.Errorf("unexpected Removed: %+v", rm)
	}
	if rm.PnlUSD6.Cmp(pnl) != 0 {
		t.Errorf("PnlUSD6 = %s, want %s", rm.PnlUSD6, pnl)
	}

	// Unknown reason values are rejected, not defaulted.
	_, err = DecodeLog(TopicRemoved, packEvent(t, TopicRemoved, uint32(7), uint8(9), int64(0), big.NewInt(0)))
	if !errors.Is(err, domain.ErrUnknownReason) {
		t.Errorf("want ErrUnknownReason, got %v", err)
	}
}

func TestDecodeMalformedPayloadIsPermanent(t *testing.T) {
	_, err := DecodeLog(TopicExecuted, []byte{0x01, 0x02})
	if err == nil {
		t.Fatal("expected decode error")
	}
	if domain.IsTransientChain(err) {
		t.Error("decode failures must be classified permanent")
	}
}
