package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/perpdex/perpindexer/internal/domain"
)

// archiveRecord is the JSONL shape of one archived position. Prices stay
// x10^6 integers; pnl is rendered as a decimal string because it is i256 on
// the wire.
type archiveRecord struct {
	ID          uint32     `json:"id"`
	OwnerAddr   string     `json:"owner_addr"`
	AssetID     uint32     `json:"asset_id"`
	State       string     `json:"state"`
	LongSide    bool       `json:"long_side"`
	Lots        uint16     `json:"lots"`
	LeverageX   uint16     `json:"leverage_x"`
	EntryX6     int64      `json:"entry_x6"`
	TargetX6    int64      `json:"target_x6"`
	SLX6        int64      `json:"sl_x6"`
	TPX6        int64      `json:"tp_x6"`
	LiqX6       int64      `json:"liq_x6"`
	CloseReason string     `json:"close_reason,omitempty"`
	ExecX6      int64      `json:"exec_x6"`
	PnlUSD6     string     `json:"pnl_usd6,omitempty"`
	OpenedAt    time.Time  `json:"opened_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	LastTxHash  string     `json:"last_tx_hash,omitempty"`
}

// Archiver moves terminal positions older than the retention window to cold
// storage: serialize to JSONL, upload, stamp archived_at. The rows stay in
// the store (positions are never hard-deleted); archival only marks them.
type Archiver struct {
	writer    domain.BlobWriter
	store     domain.ProjectionStore
	audit     domain.AuditStore
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewArchiver creates an Archiver that sweeps every interval, archiving
// positions terminal for longer than retention. audit may be nil.
func NewArchiver(writer domain.BlobWriter, store domain.ProjectionStore, audit domain.AuditStore,
	retention, interval time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:    writer,
		store:     store,
		audit:     audit,
		retention: retention,
		interval:  interval,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Run sweeps on a ticker until ctx is cancelled. Sweep failures are logged
// and retried on the next tick.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			count, err := a.ArchiveOnce(ctx, time.Now())
			if err != nil {
				a.logger.Error("sweep failed", slog.String("error", err.Error()))
				continue
			}
			if count > 0 {
				a.logger.Info("positions archived", slog.Int64("count", count))
			}
		}
	}
}

// ArchiveOnce archives every position whose terminal timestamp is older than
// the retention window, returning the number archived.
func (a *Archiver) ArchiveOnce(ctx context.Context, now time.Time) (int64, error) {
	before := now.Add(-a.retention)
	positions, err := a.store.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list terminal positions: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalPositions(positions)
	if err != nil {
		return 0, err
	}
	path := archivePath(now)
	if err := a.writer.Put(ctx, path, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: upload archive: %w", err)
	}

	ids := make([]uint32, len(positions))
	for i, p := range positions {
		ids[i] = p.ID
	}
	if err := a.store.MarkArchived(ctx, ids, now); err != nil {
		return 0, fmt.Errorf("s3blob: mark archived: %w", err)
	}

	if a.audit != nil {
		detail := map[string]any{
			"path":   path,
			"count":  len(ids),
			"before": before.Format(time.RFC3339),
		}
		if err := a.audit.Log(ctx, "archive_positions", detail); err != nil {
			a.logger.Warn("audit log failed", slog.String("error", err.Error()))
		}
	}
	return int64(len(ids)), nil
}

// archivePath builds the object key, partitioned by sweep day.
//
//	archive/positions/2026-08-24/150405.jsonl
func archivePath(now time.Time) string {
	return fmt.Sprintf("archive/positions/%s/%s.jsonl",
		now.UTC().Format("2006-01-02"), now.UTC().Format("150405"))
}

// marshalPositions serialises positions as newline-delimited JSON.
func marshalPositions(positions []domain.Position) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for _, p := range positions {
		rec := archiveRecord{
			ID:          p.ID,
			OwnerAddr:   p.OwnerAddr,
			AssetID:     p.AssetID,
			State:       string(p.State),
			LongSide:    p.LongSide,
			Lots:        p.Lots,
			LeverageX:   p.LeverageX,
			EntryX6:     p.EntryX6,
			TargetX6:    p.TargetX6,
			SLX6:        p.SLX6,
			TPX6:        p.TPX6,
			LiqX6:       p.LiqX6,
			ExecX6:      p.ExecX6,
			OpenedAt:    p.OpenedAt,
			ExecutedAt:  p.ExecutedAt,
			ClosedAt:    p.ClosedAt,
			CancelledAt: p.CancelledAt,
			LastTxHash:  p.LastTxHash,
		}
		if p.CloseReason != nil {
			rec.CloseReason = string(*p.CloseReason)
		}
		if p.PnlUSD6 != nil {
			rec.PnlUSD6 = p.PnlUSD6.String()
		}
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("s3blob: encode position %d: %w", p.ID, err)
		}
	}
	return buf.Bytes(), nil
}
