package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/perpdex/perpindexer/internal/domain"
)

// AssetHandler serves the static asset metadata endpoints.
type AssetHandler struct {
	assets domain.AssetStore
	logger *slog.Logger
}

// NewAssetHandler creates an AssetHandler.
func NewAssetHandler(assets domain.AssetStore, logger *slog.Logger) *AssetHandler {
	return &AssetHandler{assets: assets, logger: logHandler(logger, "assets")}
}

// assetView renders lot_num/lot_den as strings because they are NUMERIC in
// the store.
type assetView struct {
	AssetID uint32 `json:"asset_id"`
	Symbol  string `json:"symbol"`
	TickX6  int64  `json:"tick_x6"`
	LotNum  string `json:"lot_num"`
	LotDen  string `json:"lot_den"`
}

func assetViewOf(a domain.Asset) assetView {
	return assetView{
		AssetID: a.AssetID,
		Symbol:  a.Symbol,
		TickX6:  a.TickX6,
		LotNum:  a.LotNum.String(),
		LotDen:  a.LotDen.String(),
	}
}

// ListAssets returns every configured asset.
// GET /assets
func (h *AssetHandler) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.assets.List(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list assets failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	views := make([]assetView, 0, len(assets))
	for _, a := range assets {
		views = append(views, assetViewOf(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": views})
}

// GetAsset returns one asset by id.
// GET /assets/{id}
func (h *AssetHandler) GetAsset(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, errAssetIDInvalid)
		return
	}
	asset, err := h.assets.Get(r.Context(), uint32(id))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, errAssetNotFound)
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get asset failed",
			slog.Uint64("asset_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	writeJSON(w, http.StatusOK, assetViewOf(asset))
}
