package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/perpdex/perpindexer/internal/domain"
	"github.com/perpdex/perpindexer/internal/projection"
	"github.com/perpdex/perpindexer/internal/reconcile"
	"github.com/perpdex/perpindexer/internal/server/handler"
	"github.com/perpdex/perpindexer/internal/storetest"
)

type fakeVerifier struct {
	ids     []uint32
	summary reconcile.Summary
}

func (v *fakeVerifier) Run(_ context.Context, ids []uint32, _ reconcile.Mode) (reconcile.Summary, error) {
	v.ids = ids
	return v.summary, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *storetest.MemStore, *fakeVerifier) {
	t.Helper()
	store := storetest.NewMemStore()
	store.Assets[1] = domain.Asset{
		AssetID: 1, Symbol: "BTC-PERP", TickX6: 10_000,
		LotNum: big.NewInt(1), LotDen: big.NewInt(1),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier := &fakeVerifier{summary: reconcile.Summary{Scanned: 2, Removed: 1}}

	handlers := Handlers{
		Health:   handler.NewHealthHandler(nil),
		Assets:   handler.NewAssetHandler(store, logger),
		Position: handler.NewPositionHandler(store, logger),
		Buckets:  handler.NewBucketHandler(store, store, logger),
		Exposure: handler.NewExposureHandler(nil, logger),
		Verify:   handler.NewVerifyHandler(verifier, logger),
	}
	srv := NewServer(Config{Port: 0}, handlers, nil, logger)

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, store, verifier
}

func seedPositions(t *testing.T, store *storetest.MemStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := projection.NewMachine(store, projection.NewAssetCache(store), logger)
	ctx := context.Background()

	events := []domain.Opened{
		{ID: 1, State: domain.StateOrder, AssetID: 1, LongSide: true, Lots: 3,
			LeverageX: 10, EntryOrTargetX6: 108_910_010_000,
			Trader: "0x00112233445566778899aabbccddeeff00112233"},
		{ID: 2, State: domain.StateOpen, AssetID: 1, LongSide: false, Lots: 2,
			LeverageX: 5, EntryOrTargetX6: 100_000_000, SLX6: 99_000_000,
			TPX6: 101_000_000, LiqX6: 98_500_000,
			Trader: "0x00112233445566778899aabbccddeeff00112233"},
	}
	for _, ev := range events {
		if err := m.ApplyOpened(ctx, ev, domain.EventMeta{}); err != nil {
			t.Fatalf("seed %d: %v", ev.ID, err)
		}
	}
	if err := m.ApplyRemoved(ctx, domain.Removed{ID: 2, Reason: domain.ReasonTP, ExecX6: 101_000_000}, domain.EventMeta{}); err != nil {
		t.Fatalf("seed remove: %v", err)
	}
	// A live open position so the trader's "open" group is populated.
	if err := m.ApplyOpened(ctx, domain.Opened{ID: 3, State: domain.StateOpen, AssetID: 1,
		LongSide: true, Lots: 1, LeverageX: 2, EntryOrTargetX6: 100_000_000,
		Trader: "0x00112233445566778899aabbccddeeff00112233"}, domain.EventMeta{}); err != nil {
		t.Fatalf("seed reopen: %v", err)
	}
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s status = %d, want %d (body %s)", url, resp.StatusCode, wantStatus, body)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return out
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	body := getJSON(t, ts.URL+"/health", http.StatusOK)
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestGetAsset(t *testing.T) {
	ts, _, _ := newTestServer(t)

	body := getJSON(t, ts.URL+"/assets/1", http.StatusOK)
	if body["symbol"] != "BTC-PERP" || body["lot_num"] != "1" {
		t.Fatalf("body = %v", body)
	}

	body = getJSON(t, ts.URL+"/assets/9", http.StatusNotFound)
	if body["error"] != "asset_not_found" {
		t.Fatalf("error = %v", body["error"])
	}
	body = getJSON(t, ts.URL+"/assets/abc", http.StatusBadRequest)
	if body["error"] != "asset_id_invalid" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestGetPosition(t *testing.T) {
	ts, store, _ := newTestServer(t)
	seedPositions(t, store)

	body := getJSON(t, ts.URL+"/position/1", http.StatusOK)
	if body["state"] != "ORDER" || body["target_bucket"] != float64(10_891_001) {
		t.Fatalf("body = %v", body)
	}

	body = getJSON(t, ts.URL+"/position/404", http.StatusNotFound)
	if body["error"] != "position_not_found" {
		t.Fatalf("error = %v", body["error"])
	}
	body = getJSON(t, ts.URL+"/position/xyz", http.StatusBadRequest)
	if body["error"] != "bad_request" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestGetTrader(t *testing.T) {
	ts, store, _ := newTestServer(t)
	seedPositions(t, store)

	// Mixed-case address matches the lowercased stored owner.
	body := getJSON(t, ts.URL+"/trader/0x00112233445566778899AABBCCDDEEFF00112233", http.StatusOK)
	orders := body["orders"].([]any)
	open := body["open"].([]any)
	closed := body["closed"].([]any)
	if len(orders) != 1 || len(open) != 1 || len(closed) != 1 {
		t.Fatalf("groups = %v", body)
	}

	body = getJSON(t, ts.URL+"/trader/nothex", http.StatusBadRequest)
	if body["error"] != "invalid_address" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestBucketOrders(t *testing.T) {
	ts, store, _ := newTestServer(t)
	seedPositions(t, store)

	body := getJSON(t, ts.URL+"/bucket/orders?asset=1&price=108910.01", http.StatusOK)
	rows := body["orders"].([]any)
	if len(rows) != 1 {
		t.Fatalf("orders = %v", rows)
	}
	row := rows[0].(map[string]any)
	if row["BucketID"] != float64(10_891_001) {
		t.Fatalf("row = %v", row)
	}

	// Same level addressed by bucket id.
	body = getJSON(t, ts.URL+"/bucket/orders?asset=1&bucket=10891001", http.StatusOK)
	if len(body["orders"].([]any)) != 1 {
		t.Fatalf("bucket addressing found %v", body["orders"])
	}

	body = getJSON(t, ts.URL+"/bucket/orders?price=1", http.StatusBadRequest)
	if body["error"] != "asset_required" {
		t.Fatalf("error = %v", body["error"])
	}
	body = getJSON(t, ts.URL+"/bucket/orders?asset=1", http.StatusBadRequest)
	if body["error"] != "price_or_bucket_required" {
		t.Fatalf("error = %v", body["error"])
	}
	body = getJSON(t, ts.URL+"/bucket/orders?asset=9&price=1", http.StatusNotFound)
	if body["error"] != "asset_not_found" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestBucketBadTick(t *testing.T) {
	ts, store, _ := newTestServer(t)
	store.Assets[2] = domain.Asset{AssetID: 2, Symbol: "BAD", TickX6: 0,
		LotNum: big.NewInt(1), LotDen: big.NewInt(1)}

	body := getJSON(t, ts.URL+"/bucket/stops?asset=2&price=1.5", http.StatusBadRequest)
	if body["error"] != "bad_tick" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestBucketRange(t *testing.T) {
	ts, store, _ := newTestServer(t)
	seedPositions(t, store)

	body := getJSON(t, ts.URL+"/bucket/range?asset=1&from=9000&to=11000000", http.StatusOK)
	orders := body["orders"].([]any)
	if len(orders) != 1 {
		t.Fatalf("orders = %v", orders)
	}
	stops := body["stops"].([]any)
	if len(stops) != 0 {
		t.Fatalf("stops = %v", stops) // position 2 is closed, 3 has no stops
	}
}

func TestVerify(t *testing.T) {
	ts, _, verifier := newTestServer(t)

	body := getJSON(t, ts.URL+"/verify/1,2", http.StatusOK)
	if body["checked"] != float64(2) || body["updated"] != float64(1) {
		t.Fatalf("body = %v", body)
	}
	if len(verifier.ids) != 2 {
		t.Fatalf("verifier ids = %v", verifier.ids)
	}

	body = getJSON(t, ts.URL+"/verify/1,x", http.StatusBadRequest)
	if body["error"] != "bad_request" {
		t.Fatalf("error = %v", body["error"])
	}
}
