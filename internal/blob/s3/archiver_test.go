package s3blob

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/perpdex/perpindexer/internal/domain"
	"github.com/perpdex/perpindexer/internal/storetest"
)

type fakeBlobWriter struct {
	paths    []string
	payloads [][]byte
}

func (w *fakeBlobWriter) Put(_ context.Context, path string, data []byte, _ string) error {
	w.paths = append(w.paths, path)
	w.payloads = append(w.payloads, data)
	return nil
}

func terminalPosition(id uint32, closedAt time.Time) domain.Position {
	reason := domain.ReasonTP
	return domain.Position{
		ID:          id,
		OwnerAddr:   "0xaa",
		AssetID:     1,
		State:       domain.StateClosed,
		LongSide:    true,
		Lots:        2,
		LeverageX:   5,
		EntryX6:     100_000_000,
		ExecX6:      101_000_000,
		CloseReason: &reason,
		PnlUSD6:     big.NewInt(2_000_000),
		OpenedAt:    closedAt.Add(-time.Hour),
		ClosedAt:    &closedAt,
	}
}

func TestArchiveOnce(t *testing.T) {
	store := storetest.NewMemStore()
	now := time.Date(2026, 8, 24, 15, 4, 5, 0, time.UTC)

	old := terminalPosition(1, now.Add(-48*time.Hour))
	fresh := terminalPosition(2, now.Add(-time.Hour))
	live := domain.Position{ID: 3, OwnerAddr: "0xbb", AssetID: 1,
		State: domain.StateOpen, Lots: 1, LeverageX: 2, EntryX6: 1, OpenedAt: now}
	store.Positions[1] = old
	store.Positions[2] = fresh
	store.Positions[3] = live

	writer := &fakeBlobWriter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := NewArchiver(writer, store, nil, 24*time.Hour, time.Hour, logger)

	count, err := a.ArchiveOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("ArchiveOnce: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	if len(writer.paths) != 1 || writer.paths[0] != "archive/positions/2026-08-24/150405.jsonl" {
		t.Fatalf("paths = %v", writer.paths)
	}

	line := writer.payloads[0]
	if !bytes.Contains(line, []byte(`"close_reason":"TP"`)) ||
		!bytes.Contains(line, []byte(`"pnl_usd6":"2000000"`)) {
		t.Fatalf("payload = %s", line)
	}
	if n := strings.Count(string(line), "\n"); n != 1 {
		t.Fatalf("lines = %d, want 1", n)
	}

	p, _ := store.GetPosition(context.Background(), 1)
	if p.ArchivedAt == nil {
		t.Fatal("archived_at not stamped")
	}
	for _, id := range []uint32{2, 3} {
		p, _ := store.GetPosition(context.Background(), id)
		if p.ArchivedAt != nil {
			t.Errorf("id %d archived early", id)
		}
	}

	// A second sweep finds nothing.
	count, err = a.ArchiveOnce(context.Background(), now)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if count != 0 || len(writer.paths) != 1 {
		t.Fatalf("second sweep count = %d, uploads = %d", count, len(writer.paths))
	}
}
