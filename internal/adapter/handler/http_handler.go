package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/rl1809/clinic-core/internal/core/domain"
	"github.com/rl1809/clinic-core/internal/core/service"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	dateLayout           = "2006-01-02"
)

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPHandler struct {
	ids       *service.IdentifierService
	inventory *service.InventoryService
	checks    map[string]Pinger
}

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type CreateItemRequest struct {
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Category          string          `json:"category"`
	UnitOfMeasure     string          `json:"unit_of_measure"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	MinimumStockLevel int             `json:"minimum_stock_level"`
	MaximumStockLevel *int            `json:"maximum_stock_level"`
	HasExpiryDate     bool            `json:"has_expiry_date"`
	Notes             string          `json:"notes"`
}

type ReceiveBatchRequest struct {
	SupplierBatchNumber string           `json:"supplier_batch_number"`
	QuantityReceived    int              `json:"quantity_received"`
	ManufacturingDate   string           `json:"manufacturing_date"`
	ExpiryDate          string           `json:"expiry_date"`
	UnitCost            *decimal.Decimal `json:"unit_cost"`
	Notes               string           `json:"notes"`
}

type WithdrawRequest struct {
	Quantity      int    `json:"quantity"`
	OperationName string `json:"operation_name"`
	DoctorID      *int64 `json:"doctor_id"`
	AppointmentID *int64 `json:"appointment_id"`
	WithdrawnBy   string `json:"withdrawn_by"`
	Notes         string `json:"notes"`
}

type IdentifierResponse struct {
	Identifier string        `json:"identifier"`
	Scheme     domain.Scheme `json:"scheme"`
}

func NewHTTPHandler(ids *service.IdentifierService, inventory *service.InventoryService, checks map[string]Pinger) *HTTPHandler {
	return &HTTPHandler{ids: ids, inventory: inventory, checks: checks}
}

func (h *HTTPHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.HealthCheck)

	api := e.Group("/api")
	api.POST("/identifiers/:scheme", h.GenerateIdentifier)

	inv := api.Group("/inventory")
	inv.POST("/items", h.CreateItem)
	inv.GET("/items/:id", h.GetItem)
	inv.GET("/items/:id/snapshot", h.Snapshot)
	inv.POST("/items/:id/batches", h.ReceiveBatch)
	inv.POST("/items/:id/withdrawals", h.Withdraw)
	inv.GET("/withdrawals", h.ListWithdrawals)
	inv.GET("/expired", h.ExpiryReport)
	inv.POST("/reconcile", h.Reconcile)
}

func (h *HTTPHandler) HealthCheck(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			status[name] = err.Error()
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	return c.JSON(code, status)
}

// GenerateIdentifier issues the next identifier for a registered scheme
// (by name or prefix) or, with ?width=N, for an ad-hoc upper-case prefix.
func (h *HTTPHandler) GenerateIdentifier(c echo.Context) error {
	param := c.Param("scheme")
	scheme, ok := domain.LookupScheme(param)
	if !ok {
		width, err := strconv.Atoi(c.QueryParam("width"))
		if err != nil {
			return h.fail(c, http.StatusNotFound, "unknown identifier scheme")
		}
		if scheme, err = domain.NewScheme(param, width); err != nil {
			return h.error(c, err)
		}
	}

	id, err := h.ids.GenerateOnce(c.Request().Context(), scheme, c.Request().Header.Get(IdempotencyKeyHeader))
	if err != nil {
		return h.error(c, err)
	}

	return c.JSON(http.StatusCreated, Response{
		Success: true,
		Message: "identifier issued",
		Data:    IdentifierResponse{Identifier: id, Scheme: scheme},
	})
}

func (h *HTTPHandler) CreateItem(c echo.Context) error {
	var req CreateItemRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(c, http.StatusBadRequest, "invalid request body")
	}

	item, err := h.inventory.CreateItem(c.Request().Context(), domain.InventoryItem{
		Name:              req.Name,
		Description:       req.Description,
		Category:          req.Category,
		UnitOfMeasure:     req.UnitOfMeasure,
		UnitCost:          req.UnitCost,
		MinimumStockLevel: req.MinimumStockLevel,
		MaximumStockLevel: req.MaximumStockLevel,
		HasExpiryDate:     req.HasExpiryDate,
		Notes:             req.Notes,
	})
	if err != nil {
		return h.error(c, err)
	}

	return c.JSON(http.StatusCreated, Response{Success: true, Message: "item created", Data: item})
}

func (h *HTTPHandler) GetItem(c echo.Context) error {
	id, err := itemID(c)
	if err != nil {
		return h.fail(c, http.StatusBadRequest, err.Error())
	}

	status, err := h.inventory.ItemStatus(c.Request().Context(), id)
	if err != nil {
		return h.error(c, err)
	}
	return c.JSON(http.StatusOK, Response{Success: true, Message: "ok", Data: status})
}

func (h *HTTPHandler) Snapshot(c echo.Context) error {
	id, err := itemID(c)
	if err != nil {
		return h.fail(c, http.StatusBadRequest, err.Error())
	}

	horizon := -1
	if v := c.QueryParam("horizon_days"); v != "" {
		if horizon, err = strconv.Atoi(v); err != nil || horizon < 0 {
			return h.fail(c, http.StatusBadRequest, "horizon_days must be a non-negative integer")
		}
	}

	var at time.Time
	if v := c.QueryParam("at"); v != "" {
		if at, err = parseInstant(v); err != nil {
			return h.fail(c, http.StatusBadRequest, "at must be RFC3339 or YYYY-MM-DD")
		}
	}

	snap, err := h.inventory.Snapshot(c.Request().Context(), id, at, horizon)
	if err != nil {
		return h.error(c, err)
	}
	return c.JSON(http.StatusOK, Response{Success: true, Message: "ok", Data: snap})
}

func (h *HTTPHandler) ReceiveBatch(c echo.Context) error {
	id, err := itemID(c)
	if err != nil {
		return h.fail(c, http.StatusBadRequest, err.Error())
	}

	var req ReceiveBatchRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(c, http.StatusBadRequest, "invalid request body")
	}

	batch := domain.InventoryBatch{
		SupplierBatchNumber: req.SupplierBatchNumber,
		QuantityReceived:    req.QuantityReceived,
		Notes:               req.Notes,
	}
	if req.UnitCost != nil {
		batch.UnitCost = *req.UnitCost
	}
	if batch.ManufacturingDate, err = parseDate(req.ManufacturingDate); err != nil {
		return h.fail(c, http.StatusBadRequest, "manufacturing_date must be YYYY-MM-DD")
	}
	if batch.ExpiryDate, err = parseDate(req.ExpiryDate); err != nil {
		return h.fail(c, http.StatusBadRequest, "expiry_date must be YYYY-MM-DD")
	}

	created, err := h.inventory.ReceiveBatch(c.Request().Context(), id, batch)
	if err != nil {
		return h.error(c, err)
	}
	return c.JSON(http.StatusCreated, Response{Success: true, Message: "batch received", Data: created})
}

func (h *HTTPHandler) Withdraw(c echo.Context) error {
	id, err := itemID(c)
	if err != nil {
		return h.fail(c, http.StatusBadRequest, err.Error())
	}

	var req WithdrawRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(c, http.StatusBadRequest, "invalid request body")
	}

	w, err := h.inventory.Withdraw(c.Request().Context(), id, domain.Withdrawal{
		Quantity:      req.Quantity,
		OperationName: req.OperationName,
		DoctorID:      req.DoctorID,
		AppointmentID: req.AppointmentID,
		WithdrawnBy:   req.WithdrawnBy,
		Notes:         req.Notes,
	})
	if err != nil {
		return h.error(c, err)
	}
	return c.JSON(http.StatusCreated, Response{Success: true, Message: "stock withdrawn", Data: w})
}

func (h *HTTPHandler) ListWithdrawals(c echo.Context) error {
	filter := domain.WithdrawalFilter{Search: c.QueryParam("search")}

	var err error
	if v := c.QueryParam("item_id"); v != "" {
		if filter.ItemID, err = strconv.ParseInt(v, 10, 64); err != nil || filter.ItemID <= 0 {
			return h.fail(c, http.StatusBadRequest, "item_id must be a positive integer")
		}
	}
	if v := c.QueryParam("doctor_id"); v != "" {
		doctor, err := strconv.ParseInt(v, 10, 64)
		if err != nil || doctor <= 0 {
			return h.fail(c, http.StatusBadRequest, "doctor_id must be a positive integer")
		}
		filter.DoctorID = &doctor
	}
	if filter.Date, err = parseDate(c.QueryParam("date")); err != nil {
		return h.fail(c, http.StatusBadRequest, "date must be YYYY-MM-DD")
	}

	withdrawals, err := h.inventory.ListWithdrawals(c.Request().Context(), filter)
	if err != nil {
		return h.error(c, err)
	}
	return c.JSON(http.StatusOK, Response{Success: true, Message: "ok", Data: withdrawals})
}

func (h *HTTPHandler) ExpiryReport(c echo.Context) error {
	filter := domain.ItemFilter{
		Category:   c.QueryParam("category"),
		Search:     c.QueryParam("search"),
		ActiveOnly: c.QueryParam("active") == "true",
	}
	var err error
	if filter.ExpiryOn, err = parseDate(c.QueryParam("date")); err != nil {
		return h.fail(c, http.StatusBadRequest, "date must be YYYY-MM-DD")
	}

	report, err := h.inventory.ExpiryReport(c.Request().Context(), filter)
	if err != nil {
		return h.error(c, err)
	}
	return c.JSON(http.StatusOK, Response{Success: true, Message: "ok", Data: report})
}

func (h *HTTPHandler) Reconcile(c echo.Context) error {
	result, err := h.inventory.Reconcile(c.Request().Context())
	if err != nil {
		return h.error(c, err)
	}
	return c.JSON(http.StatusOK, Response{Success: true, Message: "reconciled", Data: result})
}

func (h *HTTPHandler) error(c echo.Context, err error) error {
	status, message := httpStatus(err)
	if status == http.StatusInternalServerError {
		c.Set("error", err.Error())
	}
	return h.fail(c, status, message)
}

func (h *HTTPHandler) fail(c echo.Context, status int, message string) error {
	return c.JSON(status, Response{Success: false, Message: message})
}

func httpStatus(err error) (int, string) {
	var (
		malformed *domain.MalformedIdentifierError
		overflow  *domain.DigitOverflowError
	)
	switch {
	case errors.Is(err, service.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate request"
	case errors.Is(err, domain.ErrConcurrentIssuance):
		return http.StatusConflict, "identifier issuance conflict, retry later"
	case errors.Is(err, domain.ErrOptimisticLock):
		return http.StatusConflict, "resource changed concurrently, retry"
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrItemNotFound):
		return http.StatusNotFound, "inventory item not found"
	case errors.As(err, &malformed), errors.As(err, &overflow):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrInvalidScheme), errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

func itemID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("item id must be a positive integer")
	}
	return id, nil
}

func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(dateLayout, s)
}
