package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/perpdex/perpindexer/internal/domain"
)

// PositionHandler serves the single-position and per-trader endpoints.
type PositionHandler struct {
	store  domain.ProjectionStore
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(store domain.ProjectionStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{store: store, logger: logHandler(logger, "positions")}
}

// GetPosition returns one position by id.
// GET /position/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, errBadRequest)
		return
	}
	p, err := h.store.GetPosition(r.Context(), uint32(id))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, errPositionNotFound)
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get position failed",
			slog.Uint64("position_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

// traderResponse groups a trader's position ids by lifecycle state.
type traderResponse struct {
	Orders    []uint32 `json:"orders"`
	Open      []uint32 `json:"open"`
	Cancelled []uint32 `json:"cancelled"`
	Closed    []uint32 `json:"closed"`
}

// GetTrader returns the trader's position ids grouped by state. The address
// is matched case-insensitively.
// GET /trader/{addr}
func (h *PositionHandler) GetTrader(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	if !validAddr(addr) {
		writeError(w, http.StatusBadRequest, errInvalidAddress)
		return
	}

	positions, err := h.store.ListByOwner(r.Context(), strings.ToLower(addr))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list by owner failed",
			slog.String("addr", addr), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}

	resp := traderResponse{
		Orders:    []uint32{},
		Open:      []uint32{},
		Cancelled: []uint32{},
		Closed:    []uint32{},
	}
	for _, p := range positions {
		switch p.State {
		case domain.StateOrder:
			resp.Orders = append(resp.Orders, p.ID)
		case domain.StateOpen:
			resp.Open = append(resp.Open, p.ID)
		case domain.StateCancelled:
			resp.Cancelled = append(resp.Cancelled, p.ID)
		case domain.StateClosed:
			resp.Closed = append(resp.Closed, p.ID)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
