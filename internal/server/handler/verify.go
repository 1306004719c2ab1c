package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/perpdex/perpindexer/internal/reconcile"
)

// maxVerifyIDs bounds one on-demand verification request.
const maxVerifyIDs = 1000

// Verifier runs a reconciliation over a set of ids. Satisfied by
// *reconcile.Reconciler.
type Verifier interface {
	Run(ctx context.Context, ids []uint32, mode reconcile.Mode) (reconcile.Summary, error)
}

// VerifyHandler triggers state-only reconciliation from the API.
type VerifyHandler struct {
	rec    Verifier
	logger *slog.Logger
}

// NewVerifyHandler creates a VerifyHandler.
func NewVerifyHandler(rec Verifier, logger *slog.Logger) *VerifyHandler {
	return &VerifyHandler{rec: rec, logger: logHandler(logger, "verify")}
}

// verifyResponse reports the run outcome. Mismatches counts every drift the
// run observed; updated counts the corrections actually applied.
type verifyResponse struct {
	Checked    int64             `json:"checked"`
	Updated    int64             `json:"updated"`
	Mismatches int64             `json:"mismatches"`
	Summary    reconcile.Summary `json:"summary"`
	Error      string            `json:"error,omitempty"`
}

// Verify reconciles the comma-separated ids in state-only mode.
// GET /verify/{csvIds}
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	if h.rec == nil {
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	ids, ok := parseCSVIDs(r.PathValue("csvIds"))
	if !ok {
		writeError(w, http.StatusBadRequest, errBadRequest)
		return
	}

	summary, err := h.rec.Run(r.Context(), ids, reconcile.StateOnly)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "verify run failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}

	resp := verifyResponse{
		Checked:    summary.Scanned,
		Updated:    summary.Corrections(),
		Mismatches: summary.Corrections() + summary.MissingDB,
		Summary:    summary,
	}
	switch {
	case summary.StoreFailed > 0:
		resp.Error = errStorageUnreachable
		writeJSON(w, http.StatusInternalServerError, resp)
	case summary.RPCFailed > 0:
		resp.Error = errInternal
		writeJSON(w, http.StatusInternalServerError, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// parseCSVIDs parses a comma-separated uint32 list, rejecting empty input,
// malformed entries, and oversized requests.
func parseCSVIDs(csv string) ([]uint32, bool) {
	parts := strings.Split(csv, ",")
	if len(parts) == 0 || len(parts) > maxVerifyIDs {
		return nil, false
	}
	ids := make([]uint32, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, false
		}
		id, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, false
		}
		ids = append(ids, uint32(id))
	}
	return ids, true
}
