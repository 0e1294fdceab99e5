/*
handlers.go - HTTP API handlers for punch reconciliation

PURPOSE:
  Exposes the punch engine via REST. Handles HTTP request/response and
  JSON, and delegates every rule to the production package.

ENDPOINTS:
  Orders:
    GET    /api/orders                                   List orders
    POST   /api/orders                                   Create draft order
    GET    /api/orders/{id}                              Order with ledger fields
    POST   /api/orders/{id}/activate                     Activate order
    POST   /api/orders/{id}/materials                    Mark materials transferred
    GET    /api/orders/{id}/operations/{index}/capacity  Remaining capacity

  Punches:
    POST   /api/orders/{id}/operations/{index}/punches   ReportOperation
    GET    /api/orders/{id}/punches                      History by operation
    GET    /api/orders/{id}/punches.csv                  History as CSV
    POST   /api/orders/{id}/punches/archive              CSV to S3

  Recovery:
    GET    /api/recovery/pending                         In-flight audit entries
    POST   /api/recovery/run                             Run one sweep now

  Master data:
    GET    /api/employees                                List employees
    POST   /api/employees                                Create or update employee
    PUT    /api/workstations/{id}                        Create or update workstation
    POST   /api/fixtures/load                            Load YAML fixture (dev)

ACTOR TOKEN:
  PunchRequest.actor_token, else "Authorization: Bearer <token>". What the
  token means is up to the configured production.ActorResolver.

ERROR HANDLING:
  Errors are returned as JSON with a status from statusFor:
  - 400: Malformed input, invalid quantity or operation index
  - 403: Actor not authorized for the workstation
  - 404: Order, actor or audit entry not found
  - 409: Sequence, capacity, order state, duplicates
  - 423: Operation locked by another punch (retryable)
  - 500: Partial failures and everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - production/reporter.go: ReportOperation
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"github.com/warp/punch-ledger/export"
	"github.com/warp/punch-ledger/fixtures"
	"github.com/warp/punch-ledger/generic"
	"github.com/warp/punch-ledger/identity"
	"github.com/warp/punch-ledger/production"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the handlers read and write directly.
type Store interface {
	production.Backend
	identity.Registry
}

// Archiver uploads a punch history export and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, id production.OrderID, history production.History, ts time.Time) (string, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     Store
	Reporter  *production.Reporter
	Scheduler *RecoveryScheduler
	Archiver  Archiver // nil disables archiving
	Clock     generic.Clock
	Logger    *log.Logger

	// EnableFixtures exposes POST /api/fixtures/load.
	EnableFixtures bool
}

// NewHandler wires a handler around a reporter and its store.
func NewHandler(store Store, reporter *production.Reporter, scheduler *RecoveryScheduler) *Handler {
	return &Handler{
		Store:     store,
		Reporter:  reporter,
		Scheduler: scheduler,
		Clock:     generic.SystemClock{},
		Logger:    log.Default(),
	}
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// ListOrders returns all orders.
// GET /api/orders
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Store.ListOrders(r.Context())
	if err != nil {
		h.fail(w, "Failed to list orders", err)
		return
	}
	dtos := make([]OrderDTO, len(orders))
	for i := range orders {
		dtos[i] = toOrderDTO(&orders[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateOrder creates a draft order.
// POST /api/orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	order, err := req.toOrder(h.Clock.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order", err)
		return
	}
	if err := h.Store.CreateOrder(r.Context(), order); err != nil {
		h.fail(w, "Failed to create order", err)
		return
	}
	h.writeOrder(w, r.Context(), order.ID, http.StatusCreated)
}

// GetOrder returns an order with its operations.
// GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	h.writeOrder(w, r.Context(), orderID(r), http.StatusOK)
}

// ActivateOrder moves a draft order to active.
// POST /api/orders/{id}/activate
func (h *Handler) ActivateOrder(w http.ResponseWriter, r *http.Request) {
	id := orderID(r)
	if err := h.Store.SetOrderStatus(r.Context(), id, production.OrderActive, h.Clock.Now()); err != nil {
		h.fail(w, "Failed to activate order", err)
		return
	}
	h.writeOrder(w, r.Context(), id, http.StatusOK)
}

// SetMaterials records whether materials reached work in progress. An empty
// body means transferred.
// POST /api/orders/{id}/materials
func (h *Handler) SetMaterials(w http.ResponseWriter, r *http.Request) {
	req := MaterialsRequest{Transferred: true}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	id := orderID(r)
	if err := h.Store.SetMaterialsTransferred(r.Context(), id, req.Transferred); err != nil {
		h.fail(w, "Failed to update materials", err)
		return
	}
	h.writeOrder(w, r.Context(), id, http.StatusOK)
}

// GetCapacity returns what one operation can still accept.
// GET /api/orders/{id}/operations/{index}/capacity
func (h *Handler) GetCapacity(w http.ResponseWriter, r *http.Request) {
	key, ok := operationKey(w, r)
	if !ok {
		return
	}
	pending, err := h.Reporter.Capacity(r.Context(), key)
	if err != nil {
		h.fail(w, "Failed to read capacity", err)
		return
	}
	writeJSON(w, http.StatusOK, CapacityDTO{
		OrderID:   string(key.OrderID),
		Index:     key.Index,
		Available: pending.Available,
		Done:      pending.Done,
		InFlight:  pending.InFlight,
		Remaining: pending.Remaining,
	})
}

func (h *Handler) writeOrder(w http.ResponseWriter, ctx context.Context, id production.OrderID, status int) {
	order, err := h.Store.GetOrder(ctx, id)
	if err != nil {
		h.fail(w, "Failed to get order", err)
		return
	}
	writeJSON(w, status, toOrderDTO(order))
}

// =============================================================================
// PUNCH HANDLERS
// =============================================================================

// ReportPunch records one punch.
// POST /api/orders/{id}/operations/{index}/punches
func (h *Handler) ReportPunch(w http.ResponseWriter, r *http.Request) {
	key, ok := operationKey(w, r)
	if !ok {
		return
	}

	var req PunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var posting time.Time
	if req.PostingTime != "" {
		t, err := time.Parse(time.RFC3339, req.PostingTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid posting_time, expected RFC3339", err)
			return
		}
		posting = t.UTC()
	}

	token := req.ActorToken
	if token == "" {
		token = bearerToken(r)
	}

	result, err := h.Reporter.ReportOperation(r.Context(), production.ReportRequest{
		OrderID:        key.OrderID,
		OperationIndex: key.Index,
		ActorToken:     token,
		Produced:       req.Produced,
		Rejected:       req.Rejected,
		PostingTime:    posting,
		Complete:       req.Complete,
	})
	if err != nil {
		h.fail(w, "Punch rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPunchResultDTO(result))
}

// GetHistory returns applied punches grouped by operation.
// GET /api/orders/{id}/punches
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, history, ok := h.history(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toHistoryDTO(id, history))
}

// ExportHistory streams the punch history as CSV.
// GET /api/orders/{id}/punches.csv
func (h *Handler) ExportHistory(w http.ResponseWriter, r *http.Request) {
	id, history, ok := h.history(w, r)
	if !ok {
		return
	}
	body, err := export.CSV(history)
	if err != nil {
		h.fail(w, "Failed to export history", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", string(id)+".csv"))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// ArchiveHistory uploads the CSV export.
// POST /api/orders/{id}/punches/archive
func (h *Handler) ArchiveHistory(w http.ResponseWriter, r *http.Request) {
	if h.Archiver == nil {
		writeError(w, http.StatusNotImplemented, "Archiving is not configured", nil)
		return
	}
	id, history, ok := h.history(w, r)
	if !ok {
		return
	}
	location, err := h.Archiver.Archive(r.Context(), id, history, h.Clock.Now())
	if err != nil {
		h.fail(w, "Failed to archive history", err)
		return
	}
	writeJSON(w, http.StatusCreated, ArchiveDTO{Location: location})
}

// history loads the order first so an unknown id is a 404, not an empty list.
func (h *Handler) history(w http.ResponseWriter, r *http.Request) (production.OrderID, production.History, bool) {
	id := orderID(r)
	if _, err := h.Store.GetOrder(r.Context(), id); err != nil {
		h.fail(w, "Failed to get order", err)
		return id, nil, false
	}
	history, err := production.PunchHistory(r.Context(), h.Store, id)
	if err != nil {
		h.fail(w, "Failed to load history", err)
		return id, nil, false
	}
	return id, history, true
}

// =============================================================================
// RECOVERY HANDLERS
// =============================================================================

// ListPendingRecovery returns in-flight audit entries past the grace period.
// GET /api/recovery/pending
func (h *Handler) ListPendingRecovery(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Scheduler.Recoverer.Pending(r.Context())
	if err != nil {
		h.fail(w, "Failed to list pending entries", err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunRecovery runs one sweep now.
// POST /api/recovery/run
func (h *Handler) RunRecovery(w http.ResponseWriter, r *http.Request) {
	report, err := h.Scheduler.RunNow(r.Context())
	if err != nil {
		h.fail(w, "Recovery failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecoveryReportDTO(h.Scheduler.Recoverer.Mode, report, h.Clock.Now()))
}

// =============================================================================
// MASTER DATA HANDLERS
// =============================================================================

// ListEmployees returns all employees.
// GET /api/employees
func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := h.Store.ListEmployees(r.Context())
	if err != nil {
		h.fail(w, "Failed to list employees", err)
		return
	}
	dtos := make([]EmployeeDTO, len(employees))
	for i, e := range employees {
		dtos[i] = toEmployeeDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SaveEmployee creates or updates an employee.
// POST /api/employees
func (h *Handler) SaveEmployee(w http.ResponseWriter, r *http.Request) {
	var req EmployeeDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Number) == "" {
		writeError(w, http.StatusBadRequest, "number is required", nil)
		return
	}
	emp := identity.Employee{Number: req.Number, Name: req.Name, Active: req.Active}
	if err := h.Store.SaveEmployee(r.Context(), emp); err != nil {
		h.fail(w, "Failed to save employee", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEmployeeDTO(emp))
}

// SaveWorkstation creates or updates a workstation.
// PUT /api/workstations/{id}
func (h *Handler) SaveWorkstation(w http.ResponseWriter, r *http.Request) {
	var req WorkstationDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	ws := identity.Workstation{ID: chi.URLParam(r, "id"), Name: req.Name, AuthorizedActors: req.Authorized}
	if err := h.Store.SaveWorkstation(r.Context(), ws); err != nil {
		h.fail(w, "Failed to save workstation", err)
		return
	}
	if ws.AuthorizedActors == nil {
		ws.AuthorizedActors = []string{}
	}
	writeJSON(w, http.StatusOK, WorkstationDTO{ID: ws.ID, Name: ws.Name, Authorized: ws.AuthorizedActors})
}

// LoadFixture applies a YAML fixture from the request body.
// POST /api/fixtures/load
func (h *Handler) LoadFixture(w http.ResponseWriter, r *http.Request) {
	if !h.EnableFixtures {
		writeError(w, http.StatusNotFound, "Fixtures are disabled", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	fixture, err := fixtures.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid fixture", err)
		return
	}
	summary, err := fixture.Apply(r.Context(), h.Store, h.Reporter, h.Clock.Now())
	if err != nil {
		h.fail(w, "Failed to load fixture", err)
		return
	}
	h.Logger.Info("fixture loaded", "name", fixture.Name, "orders", summary.Orders, "punches", summary.Punches)
	writeJSON(w, http.StatusCreated, summary)
}

// =============================================================================
// HELPERS
// =============================================================================

func orderID(r *http.Request) production.OrderID {
	return production.OrderID(chi.URLParam(r, "id"))
}

func operationKey(w http.ResponseWriter, r *http.Request) (production.OperationKey, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid operation index", err)
		return production.OperationKey{}, false
	}
	return production.OperationKey{OrderID: orderID(r), Index: index}, true
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch production.Kind(err) {
	case "invalid_operation_index", "invalid_quantity":
		return http.StatusBadRequest
	case "unauthorized":
		return http.StatusForbidden
	case "actor_not_found", "order_not_found":
		return http.StatusNotFound
	case "operation_out_of_order", "all_operations_reported", "quantity_exceeds_pending",
		"incomplete_quantity_mismatch", "order_not_active", "materials_not_transferred",
		"completion_disabled", "missing_resource":
		return http.StatusConflict
	case "operation_locked":
		return http.StatusLocked
	}
	switch {
	case errors.Is(err, generic.ErrNotFound), errors.Is(err, production.ErrAuditEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrDuplicateKey):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// errorDetails exposes the numbers behind a capacity or sequence rejection.
func errorDetails(err error) any {
	var pe *production.PendingError
	if errors.As(err, &pe) {
		return map[string]any{
			"operation_index": pe.Index,
			"requested":       pe.Requested,
			"pending":         pe.Pending,
		}
	}
	var se *production.SequenceError
	if errors.As(err, &se) {
		return map[string]any{
			"operation_index": se.Requested,
			"first_pending":   se.FirstPending,
		}
	}
	var ce *production.CompensationError
	if errors.As(err, &ce) {
		return map[string]any{"audit_entry_id": ce.AuditID}
	}
	return err.Error()
}

// fail writes err with its mapped status. Server errors are logged.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, "err", err)
	}
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		Code:      production.Kind(err),
		Retryable: production.IsRetryable(err),
		Details:   errorDetails(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
