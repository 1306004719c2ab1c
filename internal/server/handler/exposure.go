package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/perpdex/perpindexer/internal/domain"
)

// ExposureHandler serves the per-asset per-side aggregates.
type ExposureHandler struct {
	exposure domain.ExposureStore
	logger   *slog.Logger
}

// NewExposureHandler creates an ExposureHandler.
func NewExposureHandler(exposure domain.ExposureStore, logger *slog.Logger) *ExposureHandler {
	return &ExposureHandler{exposure: exposure, logger: logHandler(logger, "exposure")}
}

// exposureView carries the raw sums as strings plus the derived averages.
type exposureView struct {
	AssetID         uint32 `json:"asset_id"`
	Side            bool   `json:"side"`
	SumLots         int64  `json:"sum_lots"`
	SumEntryX6Lots  string `json:"sum_entry_x6_lots"`
	SumLeverageLots int64  `json:"sum_leverage_lots"`
	SumLiqX6Lots    string `json:"sum_liq_x6_lots"`
	SumLiqLots      int64  `json:"sum_liq_lots"`
	PositionsCount  int64  `json:"positions_count"`
	AvgEntryX6      int64  `json:"avg_entry_x6"`
	AvgLeverageX    int64  `json:"avg_leverage_x"`
	AvgLiqX6        int64  `json:"avg_liq_x6"`
}

func exposureViewOf(e domain.Exposure) exposureView {
	return exposureView{
		AssetID:         e.AssetID,
		Side:            e.Side,
		SumLots:         e.SumLots,
		SumEntryX6Lots:  e.SumEntryX6Lots.String(),
		SumLeverageLots: e.SumLeverageLots,
		SumLiqX6Lots:    e.SumLiqX6Lots.String(),
		SumLiqLots:      e.SumLiqLots,
		PositionsCount:  e.PositionsCount,
		AvgEntryX6:      e.AvgEntryX6(),
		AvgLeverageX:    e.AvgLeverageX(),
		AvgLiqX6:        e.AvgLiqX6(),
	}
}

// List returns every (asset, side) aggregate.
// GET /exposure
func (h *ExposureHandler) List(w http.ResponseWriter, r *http.Request) {
	exposures, err := h.exposure.List(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list exposure failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	views := make([]exposureView, 0, len(exposures))
	for _, e := range exposures {
		views = append(views, exposureViewOf(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"exposure": views})
}

// ByAsset returns the aggregates for one asset.
// GET /exposure/{assetId}
func (h *ExposureHandler) ByAsset(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("assetId"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, errAssetIDInvalid)
		return
	}
	exposures, err := h.exposure.ListByAsset(r.Context(), uint32(id))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "exposure by asset failed",
			slog.Uint64("asset_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	views := make([]exposureView, 0, len(exposures))
	for _, e := range exposures {
		views = append(views, exposureViewOf(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"exposure": views})
}
