// Package handler implements the read API endpoints over the projection
// stores. The error vocabulary is closed: every failure maps to one of the
// documented error strings.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/perpdex/perpindexer/internal/domain"
)

// Closed error set.
const (
	errBadRequest         = "bad_request"
	errAssetRequired      = "asset_required"
	errPriceOrBucket      = "price_or_bucket_required"
	errAssetIDInvalid     = "asset_id_invalid"
	errInvalidAddress     = "invalid_address"
	errBadTick            = "bad_tick"
	errNotFound           = "not_found"
	errAssetNotFound      = "asset_not_found"
	errPositionNotFound   = "position_not_found"
	errInternal           = "internal_error"
	errStorageUnreachable = "postgrest_unreachable"
)

var addrPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// writeJSON marshals v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends one of the closed error strings.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseAssetID reads the required "asset" query parameter. On failure it has
// already written the error response and returns false.
func parseAssetID(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	raw := r.URL.Query().Get("asset")
	if raw == "" {
		writeError(w, http.StatusBadRequest, errAssetRequired)
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, errAssetIDInvalid)
		return 0, false
	}
	return uint32(id), true
}

// parseSide reads the optional "side" query parameter ("long"/"short" or
// "true"/"false"). nil means both sides.
func parseSide(r *http.Request) (*bool, bool) {
	raw := r.URL.Query().Get("side")
	if raw == "" {
		return nil, true
	}
	var side bool
	switch raw {
	case "long", "true", "1":
		side = true
	case "short", "false", "0":
		side = false
	default:
		return nil, false
	}
	return &side, true
}

// validAddr reports whether addr is a 20-byte hex address.
func validAddr(addr string) bool {
	return addrPattern.MatchString(addr)
}

// logHandler attaches the handler attr used across the API's log lines.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}

// positionView is the JSON rendering of one position. Prices stay x10^6
// integers; pnl is a decimal string because it can exceed int64.
type positionView struct {
	ID           uint32  `json:"id"`
	OwnerAddr    string  `json:"owner_addr"`
	AssetID      uint32  `json:"asset_id"`
	State        string  `json:"state"`
	LongSide     bool    `json:"long_side"`
	Lots         uint16  `json:"lots"`
	LeverageX    uint16  `json:"leverage_x"`
	EntryX6      int64   `json:"entry_x6"`
	TargetX6     int64   `json:"target_x6"`
	SLX6         int64   `json:"sl_x6"`
	TPX6         int64   `json:"tp_x6"`
	LiqX6        int64   `json:"liq_x6"`
	NotionalUSD6 int64   `json:"notional_usd6"`
	MarginUSD6   int64   `json:"margin_usd6"`
	CloseReason  *string `json:"close_reason,omitempty"`
	ExecX6       int64   `json:"exec_x6,omitempty"`
	PnlUSD6      *string `json:"pnl_usd6,omitempty"`
	TargetBucket *int64  `json:"target_bucket,omitempty"`
	SLBucket     *int64  `json:"sl_bucket,omitempty"`
	TPBucket     *int64  `json:"tp_bucket,omitempty"`
	LiqBucket    *int64  `json:"liq_bucket,omitempty"`
	LastTxHash   string  `json:"last_tx_hash,omitempty"`
	LastBlockNum int64   `json:"last_block_num,omitempty"`
}

func viewOf(p domain.Position) positionView {
	v := positionView{
		ID:           p.ID,
		OwnerAddr:    p.OwnerAddr,
		AssetID:      p.AssetID,
		State:        string(p.State),
		LongSide:     p.LongSide,
		Lots:         p.Lots,
		LeverageX:    p.LeverageX,
		EntryX6:      p.EntryX6,
		TargetX6:     p.TargetX6,
		SLX6:         p.SLX6,
		TPX6:         p.TPX6,
		LiqX6:        p.LiqX6,
		NotionalUSD6: p.NotionalUSD6,
		MarginUSD6:   p.MarginUSD6,
		ExecX6:       p.ExecX6,
		TargetBucket: p.TargetBucket,
		SLBucket:     p.SLBucket,
		TPBucket:     p.TPBucket,
		LiqBucket:    p.LiqBucket,
		LastTxHash:   p.LastTxHash,
		LastBlockNum: p.LastBlockNum,
	}
	if p.CloseReason != nil {
		reason := string(*p.CloseReason)
		v.CloseReason = &reason
	}
	if p.PnlUSD6 != nil {
		pnl := p.PnlUSD6.String()
		v.PnlUSD6 = &pnl
	}
	return v
}
