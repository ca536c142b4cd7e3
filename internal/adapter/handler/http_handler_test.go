package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rl1809/clinic-core/internal/adapter/storage"
	"github.com/rl1809/clinic-core/internal/core/domain"
	"github.com/rl1809/clinic-core/internal/core/service"
)

type testServices struct {
	ids       *service.IdentifierService
	inventory *service.InventoryService
	store     *storage.MemoryAdapter
}

func newTestServices(t *testing.T) testServices {
	t.Helper()
	store := storage.NewMemoryAdapter()
	ids := service.NewIdentifierService(store, store, service.IssuanceConfig{MaxAttempts: 3, Backoff: time.Millisecond}, zerolog.Nop())
	inventory := service.NewInventoryService(store, ids, service.InventoryConfig{HorizonDays: 30, ReconcileWorkers: 2}, zerolog.Nop())
	return testServices{ids: ids, inventory: inventory, store: store}
}

func newTestServer(t *testing.T, checks map[string]Pinger) (*echo.Echo, testServices) {
	t.Helper()
	svcs := newTestServices(t)
	e := echo.New()
	e.Use(RequestID())
	e.Use(Recovery(zerolog.Nop()))
	NewHTTPHandler(svcs.ids, svcs.inventory, checks).RegisterRoutes(e)
	return e, svcs
}

func doRequest(e *echo.Echo, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, data any) Response {
	t.Helper()
	var raw struct {
		Success bool            `json:"success"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	if data != nil && len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, data); err != nil {
			t.Fatalf("decode data %s: %v", raw.Data, err)
		}
	}
	return Response{Success: raw.Success, Message: raw.Message}
}

func TestGenerateIdentifier(t *testing.T) {
	e, _ := newTestServer(t, nil)

	rec := doRequest(e, http.MethodPost, "/api/identifiers/appointment", "", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var got IdentifierResponse
	decodeResponse(t, rec, &got)
	if got.Identifier != "APT000001" {
		t.Errorf("expected APT000001, got %s", got.Identifier)
	}

	// Prefix works as well as the scheme name.
	rec = doRequest(e, http.MethodPost, "/api/identifiers/APT", "", nil)
	decodeResponse(t, rec, &got)
	if got.Identifier != "APT000002" {
		t.Errorf("expected APT000002, got %s", got.Identifier)
	}
}

func TestGenerateIdentifier_AdHocScheme(t *testing.T) {
	e, _ := newTestServer(t, nil)

	rec := doRequest(e, http.MethodPost, "/api/identifiers/INV?width=4", "", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var got IdentifierResponse
	decodeResponse(t, rec, &got)
	if got.Identifier != "INV0001" {
		t.Errorf("expected INV0001, got %s", got.Identifier)
	}

	rec = doRequest(e, http.MethodPost, "/api/identifiers/unknown", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown scheme, got %d", rec.Code)
	}

	rec = doRequest(e, http.MethodPost, "/api/identifiers/inv?width=4", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for lower-case prefix, got %d", rec.Code)
	}
}

func TestGenerateIdentifier_IdempotencyKey(t *testing.T) {
	e, _ := newTestServer(t, nil)
	headers := map[string]string{IdempotencyKeyHeader: "visit-42"}

	rec := doRequest(e, http.MethodPost, "/api/identifiers/patient", "", headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rec = doRequest(e, http.MethodPost, "/api/identifiers/patient", "", headers)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for replayed key, got %d", rec.Code)
	}
}

func TestGenerateIdentifier_Overflow(t *testing.T) {
	e, svcs := newTestServer(t, nil)
	if err := svcs.store.Seed(context.Background(), "ITM", 999); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	rec := doRequest(e, http.MethodPost, "/api/identifiers/ITM", "", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestInventoryFlow(t *testing.T) {
	e, _ := newTestServer(t, nil)

	rec := doRequest(e, http.MethodPost, "/api/inventory/items",
		`{"name":"Lidocaine","category":"medication","unit_of_measure":"vial","unit_cost":"12.50","minimum_stock_level":5,"has_expiry_date":true}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var item domain.InventoryItem
	decodeResponse(t, rec, &item)
	if item.ItemCode != "ITM001" {
		t.Errorf("expected ITM001, got %s", item.ItemCode)
	}

	itemPath := "/api/inventory/items/" + strconv.FormatInt(item.ID, 10)

	rec = doRequest(e, http.MethodPost, itemPath+"/batches", `{"quantity_received":10,"expiry_date":"2030-01-31"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var batch domain.InventoryBatch
	decodeResponse(t, rec, &batch)
	if batch.BatchNumber != "BATCH001" || batch.TotalCost.String() != "125" {
		t.Errorf("unexpected batch: %+v", batch)
	}

	rec = doRequest(e, http.MethodPost, itemPath+"/batches", `{"quantity_received":4,"expiry_date":"2030-06-30"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rec = doRequest(e, http.MethodGet, itemPath+"/snapshot?at=2030-01-01", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var snap domain.StockSnapshot
	decodeResponse(t, rec, &snap)
	if snap.CurrentStock != 14 {
		t.Errorf("expected stock 14, got %d", snap.CurrentStock)
	}
	if snap.Classification != domain.ClassificationNearlyExpired || snap.DaysUntilExpiry == nil || *snap.DaysUntilExpiry != 30 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	rec = doRequest(e, http.MethodGet, itemPath+"/snapshot?at=2030-01-01&horizon_days=7", "", nil)
	decodeResponse(t, rec, &snap)
	if snap.Classification != domain.ClassificationActive {
		t.Errorf("expected active with a 7 day horizon, got %s", snap.Classification)
	}

	rec = doRequest(e, http.MethodPost, itemPath+"/withdrawals",
		`{"quantity":12,"operation_name":"Nerve block","doctor_id":4,"withdrawn_by":"nurse.ana"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var withdrawal domain.Withdrawal
	decodeResponse(t, rec, &withdrawal)
	allocs := withdrawal.Allocations
	if len(allocs) != 2 || allocs[0].Quantity != 10 || allocs[1].Quantity != 2 {
		t.Errorf("unexpected allocations: %+v", allocs)
	}
	if withdrawal.WithdrawalNumber != "WD001" || withdrawal.DoctorID == nil || *withdrawal.DoctorID != 4 {
		t.Errorf("unexpected withdrawal: %+v", withdrawal)
	}

	rec = doRequest(e, http.MethodPost, itemPath+"/withdrawals", `{"quantity":3}`, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 on insufficient stock, got %d", rec.Code)
	}

	today := time.Now().UTC().Format("2006-01-02")
	rec = doRequest(e, http.MethodGet, "/api/inventory/withdrawals?search=nerve&doctor_id=4&date="+today, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var ledger []domain.Withdrawal
	decodeResponse(t, rec, &ledger)
	if len(ledger) != 1 || ledger[0].WithdrawalNumber != "WD001" || ledger[0].ItemName != "Lidocaine" {
		t.Errorf("unexpected ledger: %+v", ledger)
	}

	rec = doRequest(e, http.MethodGet, "/api/inventory/withdrawals?date=2001-01-01", "", nil)
	ledger = nil
	decodeResponse(t, rec, &ledger)
	if rec.Code != http.StatusOK || len(ledger) != 0 {
		t.Errorf("expected an empty ledger for 2001-01-01, got %d %+v", rec.Code, ledger)
	}

	rec = doRequest(e, http.MethodGet, itemPath, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status domain.ItemStatus
	decodeResponse(t, rec, &status)
	if !status.LowStock || status.Snapshot.CurrentStock != 2 {
		t.Errorf("expected low stock with 2 left, got %+v", status)
	}
}

func TestInventory_Errors(t *testing.T) {
	e, _ := newTestServer(t, nil)

	cases := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"missing item", http.MethodGet, "/api/inventory/items/99", "", http.StatusNotFound},
		{"bad item id", http.MethodGet, "/api/inventory/items/abc", "", http.StatusBadRequest},
		{"invalid item", http.MethodPost, "/api/inventory/items", `{"name":"x"}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/inventory/items", `{"name":`, http.StatusBadRequest},
		{"bad horizon", http.MethodGet, "/api/inventory/items/1/snapshot?horizon_days=-1", "", http.StatusBadRequest},
		{"bad instant", http.MethodGet, "/api/inventory/items/1/snapshot?at=yesterday", "", http.StatusBadRequest},
		{"bad expiry date", http.MethodPost, "/api/inventory/items/1/batches", `{"quantity_received":1,"expiry_date":"31/01/2030"}`, http.StatusBadRequest},
		{"snapshot of missing item", http.MethodGet, "/api/inventory/items/7/snapshot", "", http.StatusNotFound},
		{"withdraw from missing item", http.MethodPost, "/api/inventory/items/7/withdrawals", `{"quantity":1}`, http.StatusNotFound},
		{"bad withdrawal date", http.MethodGet, "/api/inventory/withdrawals?date=today", "", http.StatusBadRequest},
		{"bad withdrawal item", http.MethodGet, "/api/inventory/withdrawals?item_id=-2", "", http.StatusBadRequest},
		{"bad withdrawal doctor", http.MethodGet, "/api/inventory/withdrawals?doctor_id=x", "", http.StatusBadRequest},
		{"bad expired date", http.MethodGet, "/api/inventory/expired?date=2026/01/01", "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(e, tc.method, tc.target, tc.body, nil)
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
			if resp := decodeResponse(t, rec, nil); resp.Success {
				t.Error("expected success=false")
			}
		})
	}
}

func TestExpiryReportAndReconcile(t *testing.T) {
	e, svcs := newTestServer(t, nil)
	ctx := context.Background()

	item, err := svcs.inventory.CreateItem(ctx, domain.InventoryItem{Name: "Saline", Category: "medication", UnitOfMeasure: "bag", HasExpiryDate: true})
	if err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}
	past := time.Now().AddDate(0, 0, -3)
	if _, err := svcs.inventory.ReceiveBatch(ctx, item.ID, domain.InventoryBatch{QuantityReceived: 2, ExpiryDate: &past}); err != nil {
		t.Fatalf("ReceiveBatch failed: %v", err)
	}

	rec := doRequest(e, http.MethodGet, "/api/inventory/expired", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report domain.ExpiryReport
	decodeResponse(t, rec, &report)
	if report.CompletelyExpired != 1 || len(report.Items) != 1 || report.Items[0].ItemCode != item.ItemCode {
		t.Errorf("unexpected report: %+v", report)
	}

	rec = doRequest(e, http.MethodGet, "/api/inventory/expired?date="+past.Format("2006-01-02"), "", nil)
	report = domain.ExpiryReport{}
	decodeResponse(t, rec, &report)
	if rec.Code != http.StatusOK || len(report.Items) != 1 {
		t.Errorf("expected the saline row for its expiry date, got %d %+v", rec.Code, report)
	}
	rec = doRequest(e, http.MethodGet, "/api/inventory/expired?date="+past.AddDate(0, 0, 1).Format("2006-01-02"), "", nil)
	report = domain.ExpiryReport{}
	decodeResponse(t, rec, &report)
	if len(report.Items) != 0 {
		t.Errorf("expected no rows for another date, got %+v", report.Items)
	}

	rec = doRequest(e, http.MethodPost, "/api/inventory/reconcile", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var result service.ReconcileResult
	decodeResponse(t, rec, &result)
	if result.Applied != 1 || result.Transitions[0].To != domain.BatchStatusExpired {
		t.Errorf("unexpected reconcile result: %+v", result)
	}
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

func TestHealthCheck(t *testing.T) {
	e, _ := newTestServer(t, map[string]Pinger{"sequence": stubPinger{}})
	rec := doRequest(e, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	e, _ = newTestServer(t, map[string]Pinger{"redis": stubPinger{err: errors.New("connection refused")}})
	rec = doRequest(e, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "degraded" || body["redis"] != "connection refused" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{service.ErrDuplicateRequest, http.StatusConflict},
		{domain.ErrConcurrentIssuance, http.StatusConflict},
		{domain.ErrOptimisticLock, http.StatusConflict},
		{domain.ErrItemNotFound, http.StatusNotFound},
		{&domain.MalformedIdentifierError{Prefix: "APT", Value: "XYZ"}, http.StatusUnprocessableEntity},
		{&domain.DigitOverflowError{Prefix: "ITM", Width: 3, Value: 1000}, http.StatusUnprocessableEntity},
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := httpStatus(tc.err); got != tc.want {
			t.Errorf("httpStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
