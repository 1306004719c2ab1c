package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/perpdex/perpindexer/internal/domain"
	"github.com/perpdex/perpindexer/internal/fixed"
)

// BucketHandler serves the price-level lookups over the two bucket indexes.
// Levels are addressed either by bucket id or by decimal price, which is
// quantized with the asset's tick.
type BucketHandler struct {
	buckets domain.BucketStore
	assets  domain.AssetStore
	logger  *slog.Logger
}

// NewBucketHandler creates a BucketHandler.
func NewBucketHandler(buckets domain.BucketStore, assets domain.AssetStore, logger *slog.Logger) *BucketHandler {
	return &BucketHandler{buckets: buckets, assets: assets, logger: logHandler(logger, "buckets")}
}

// resolveBucket reads "bucket" or "price" for the given query keys. On
// failure the error response has been written and ok is false.
func (h *BucketHandler) resolveBucket(w http.ResponseWriter, r *http.Request,
	assetID uint32, bucketKey, priceKey string) (int64, bool) {
	q := r.URL.Query()
	if raw := q.Get(bucketKey); raw != "" {
		bucket, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errBadRequest)
			return 0, false
		}
		return bucket, true
	}
	raw := q.Get(priceKey)
	if raw == "" {
		writeError(w, http.StatusBadRequest, errPriceOrBucket)
		return 0, false
	}
	priceX6, err := fixed.ParseDecimalX6(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, errBadRequest)
		return 0, false
	}

	asset, err := h.assets.Get(r.Context(), assetID)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, errAssetNotFound)
		return 0, false
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "resolve asset failed",
			slog.Uint64("asset_id", uint64(assetID)), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, errInternal)
		return 0, false
	}
	bucket, err := fixed.Bucket(priceX6, asset.TickX6)
	if errors.Is(err, domain.ErrBadTick) {
		writeError(w, http.StatusBadRequest, errBadTick)
		return 0, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, errInternal)
		return 0, false
	}
	return bucket, true
}

// parseQuery assembles a single-level BucketQuery from the request. On
// failure the error response has been written.
func (h *BucketHandler) parseQuery(w http.ResponseWriter, r *http.Request) (domain.BucketQuery, bool) {
	assetID, ok := parseAssetID(w, r)
	if !ok {
		return domain.BucketQuery{}, false
	}
	bucket, ok := h.resolveBucket(w, r, assetID, "bucket", "price")
	if !ok {
		return domain.BucketQuery{}, false
	}
	side, ok := parseSide(r)
	if !ok {
		writeError(w, http.StatusBadRequest, errBadRequest)
		return domain.BucketQuery{}, false
	}

	q := domain.BucketQuery{AssetID: assetID, BucketID: bucket, Side: side, Sort: domain.SortByPosition}
	switch r.URL.Query().Get("sort") {
	case "", "position_id":
	case "lots":
		q.Sort = domain.SortByLots
	default:
		writeError(w, http.StatusBadRequest, errBadRequest)
		return domain.BucketQuery{}, false
	}
	switch r.URL.Query().Get("order") {
	case "", "asc":
	case "desc":
		q.Desc = true
	default:
		writeError(w, http.StatusBadRequest, errBadRequest)
		return domain.BucketQuery{}, false
	}
	return q, true
}

// parseRangeQuery assembles a BucketRangeQuery from from/to buckets or
// from_price/to_price decimals.
func (h *BucketHandler) parseRangeQuery(w http.ResponseWriter, r *http.Request) (domain.BucketRangeQuery, bool) {
	assetID, ok := parseAssetID(w, r)
	if !ok {
		return domain.BucketRangeQuery{}, false
	}
	from, ok := h.resolveBucket(w, r, assetID, "from", "from_price")
	if !ok {
		return domain.BucketRangeQuery{}, false
	}
	to, ok := h.resolveBucket(w, r, assetID, "to", "to_price")
	if !ok {
		return domain.BucketRangeQuery{}, false
	}
	if to < from {
		from, to = to, from
	}
	side, ok := parseSide(r)
	if !ok {
		writeError(w, http.StatusBadRequest, errBadRequest)
		return domain.BucketRangeQuery{}, false
	}
	return domain.BucketRangeQuery{AssetID: assetID, From: from, To: to, Side: side}, true
}

// Orders returns the resting orders at one price level.
// GET /bucket/orders?asset=&price=|bucket=&side=&sort=&order=
func (h *BucketHandler) Orders(w http.ResponseWriter, r *http.Request) {
	q, ok := h.parseQuery(w, r)
	if !ok {
		return
	}
	rows, err := h.buckets.OrdersAt(r.Context(), q)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "orders lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	if rows == nil {
		rows = []domain.OrderBucketEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": rows})
}

// Stops returns the stops at one price level.
// GET /bucket/stops?asset=&price=|bucket=&side=&sort=&order=
func (h *BucketHandler) Stops(w http.ResponseWriter, r *http.Request) {
	q, ok := h.parseQuery(w, r)
	if !ok {
		return
	}
	rows, err := h.buckets.StopsAt(r.Context(), q)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "stops lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	if rows == nil {
		rows = []domain.StopBucketEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stops": rows})
}

// OrdersRange returns the resting orders across an inclusive bucket range.
// GET /bucket/orders-range?asset=&from=&to=|from_price=&to_price=&side=
func (h *BucketHandler) OrdersRange(w http.ResponseWriter, r *http.Request) {
	q, ok := h.parseRangeQuery(w, r)
	if !ok {
		return
	}
	rows, err := h.buckets.OrdersRange(r.Context(), q)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "orders range failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	if rows == nil {
		rows = []domain.OrderBucketEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": rows})
}

// StopsRange returns the stops across an inclusive bucket range.
// GET /bucket/stops-range?asset=&from=&to=|from_price=&to_price=&side=
func (h *BucketHandler) StopsRange(w http.ResponseWriter, r *http.Request) {
	q, ok := h.parseRangeQuery(w, r)
	if !ok {
		return
	}
	rows, err := h.buckets.StopsRange(r.Context(), q)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "stops range failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	if rows == nil {
		rows = []domain.StopBucketEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stops": rows})
}

// Range returns both books across an inclusive bucket range.
// GET /bucket/range?asset=&from=&to=|from_price=&to_price=&side=
func (h *BucketHandler) Range(w http.ResponseWriter, r *http.Request) {
	q, ok := h.parseRangeQuery(w, r)
	if !ok {
		return
	}
	orders, err := h.buckets.OrdersRange(r.Context(), q)
	if err == nil {
		var stops []domain.StopBucketEntry
		stops, err = h.buckets.StopsRange(r.Context(), q)
		if err == nil {
			if orders == nil {
				orders = []domain.OrderBucketEntry{}
			}
			if stops == nil {
				stops = []domain.StopBucketEntry{}
			}
			writeJSON(w, http.StatusOK, map[string]any{"orders": orders, "stops": stops})
			return
		}
	}
	h.logger.ErrorContext(r.Context(), "combined range failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, errInternal)
}
