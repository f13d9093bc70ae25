package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"phonestock/backend/internal/domain"
	"phonestock/backend/internal/service"
	"phonestock/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	logger        zerolog.Logger
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger zerolog.Logger) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		logger:        logger,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, domain.RoleAdmin, domain.RoleDSR))

	mux.HandleFunc("/api/v1/invoices", a.requireAuth(a.handleInvoices, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/invoices/", a.requireAuth(a.handleInvoiceActions, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/units/", a.requireAuth(a.handleUnitActions, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/stock/summary", a.requireAuth(a.handleStockSummary, domain.RoleAdmin, domain.RoleDSR))
	mux.HandleFunc("/api/v1/stock/summary/export", a.requireAuth(a.handleStockExport, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/assignments", a.requireAuth(a.handleAssignments, domain.RoleAdmin, domain.RoleDSR))
	mux.HandleFunc("/api/v1/assignments/", a.requireAuth(a.handleAssignmentActions, domain.RoleAdmin, domain.RoleDSR))

	mux.HandleFunc("/api/v1/schedules", a.requireAuth(a.handleSchedules, domain.RoleAdmin, domain.RoleDSR))
	mux.HandleFunc("/api/v1/schedules/day", a.requireAuth(a.handleScheduleDay, domain.RoleAdmin, domain.RoleDSR))
	mux.HandleFunc("/api/v1/attendance/check-in", a.requireAuth(a.handleCheckIn, domain.RoleDSR))
	mux.HandleFunc("/api/v1/attendance/check-out", a.requireAuth(a.handleCheckOut, domain.RoleDSR))
	mux.HandleFunc("/api/v1/leaves", a.requireAuth(a.handleLeaves, domain.RoleAdmin, domain.RoleDSR))

	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/users", a.requireAuth(a.handleUsers, domain.RoleAdmin))

	return a.withCORS(mux)
}

func (a *API) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := a.service.ListProducts(r.Context())
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		var req domain.ProductCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		product, err := a.service.CreateProduct(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"product": product})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleInvoices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
		invoices, err := a.service.ListInvoices(r.Context(), r.URL.Query().Get("status"), limit)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
	case http.MethodPost:
		var req domain.InvoiceCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		inv, err := a.service.CreateInvoice(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"invoice": inv})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleInvoiceActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/invoices/"), "/")
	if tail == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("invoice id required"))
		return
	}

	id, action, _ := strings.Cut(tail, "/")
	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			inv, err := a.service.GetInvoice(r.Context(), id)
			if err != nil {
				a.writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"invoice": inv})
		case http.MethodPatch:
			var req domain.InvoiceEditRequest
			if err := decodeJSON(r, &req); err != nil {
				a.writeError(w, http.StatusBadRequest, err)
				return
			}
			inv, err := a.service.EditInvoice(r.Context(), id, req)
			if err != nil {
				a.writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"invoice": inv})
		default:
			a.writeMethodNotAllowed(w)
		}
	case "cancel":
		if r.Method != http.MethodPost {
			a.writeMethodNotAllowed(w)
			return
		}
		inv, err := a.service.CancelInvoice(r.Context(), id)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invoice": inv})
	case "proof":
		if r.Method != http.MethodPost {
			a.writeMethodNotAllowed(w)
			return
		}
		var req domain.AttachProofRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		inv, err := a.service.AttachInvoiceProof(r.Context(), id, req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invoice": inv})
	case "verify":
		if r.Method != http.MethodPost {
			a.writeMethodNotAllowed(w)
			return
		}
		inv, err := a.service.VerifyInvoice(r.Context(), id)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invoice": inv})
	default:
		a.writeError(w, http.StatusNotFound, fmt.Errorf("unknown invoice action %q", action))
	}
}

func (a *API) handleUnitActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/units/"), "/")
	if tail == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("imei required"))
		return
	}

	imei, action, _ := strings.Cut(tail, "/")
	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			unit, inv, err := a.service.GetUnit(r.Context(), imei)
			if err != nil {
				a.writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"unit": unit, "invoice": inv})
		case http.MethodDelete:
			if err := a.service.DeleteUnit(r.Context(), imei); err != nil {
				a.writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": imei})
		default:
			a.writeMethodNotAllowed(w)
		}
	case "damage":
		if r.Method != http.MethodPost {
			a.writeMethodNotAllowed(w)
			return
		}
		var req struct {
			Notes string `json:"notes"`
		}
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		unit, err := a.service.MarkUnitDamaged(r.Context(), imei, req.Notes)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"unit": unit})
	case "repair":
		if r.Method != http.MethodPost {
			a.writeMethodNotAllowed(w)
			return
		}
		unit, err := a.service.RepairUnit(r.Context(), imei)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"unit": unit})
	default:
		a.writeError(w, http.StatusNotFound, fmt.Errorf("unknown unit action %q", action))
	}
}

func (a *API) handleStockSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	summary, err := a.service.StockSummary(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleStockExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="stock-summary.xlsx"`)
	if err := a.service.ExportStockSummary(r.Context(), w); err != nil {
		a.logger.Error().Err(err).Msg("stock export failed")
	}
}

func (a *API) handleAssignments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
		assignments, err := a.service.ListAssignments(r.Context(), r.URL.Query().Get("dsr"), r.URL.Query().Get("day"), limit)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"assignments": assignments})
	case http.MethodPost:
		var req domain.AssignmentCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		assignment, err := a.service.CreateAssignment(r.Context(), req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"assignment": assignment})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleAssignmentActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/assignments/"), "/")
	if tail == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("assignment id required"))
		return
	}

	if tail == "export" {
		if r.Method != http.MethodGet {
			a.writeMethodNotAllowed(w)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="assignments.xlsx"`)
		if err := a.service.ExportAssignments(r.Context(), w, r.URL.Query().Get("dsr"), r.URL.Query().Get("day")); err != nil {
			a.logger.Error().Err(err).Msg("assignment export failed")
		}
		return
	}

	id, action, _ := strings.Cut(tail, "/")
	switch action {
	case "":
		if r.Method != http.MethodGet {
			a.writeMethodNotAllowed(w)
			return
		}
		assignment, err := a.service.GetAssignment(r.Context(), id)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"assignment": assignment})
	case "sold":
		if r.Method != http.MethodPost {
			a.writeMethodNotAllowed(w)
			return
		}
		var req domain.MarkSoldRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		assignment, err := a.service.MarkUnitSold(r.Context(), id, req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"assignment": assignment})
	case "returns":
		if r.Method != http.MethodPost {
			a.writeMethodNotAllowed(w)
			return
		}
		var req domain.ReturnUnitsRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := a.service.ReturnUnits(r.Context(), id, req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		a.writeError(w, http.StatusNotFound, fmt.Errorf("unknown assignment action %q", action))
	}
}

func (a *API) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		schedules, err := a.service.ListSchedules(r.Context(), q.Get("dsr"), q.Get("from"), q.Get("to"))
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
	case http.MethodPost:
		var req struct {
			DSR string `json:"dsr"`
			Day string `json:"day"`
		}
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		sched, err := a.service.EnsureSchedule(r.Context(), req.DSR, req.Day)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"schedule": sched})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func (a *API) handleScheduleDay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	sched, err := a.service.GetSchedule(r.Context(), q.Get("dsr"), q.Get("day"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": sched})
}

func (a *API) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	sched, err := a.service.CheckIn(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": sched})
}

func (a *API) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	sched, err := a.service.CheckOut(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": sched})
}

func (a *API) handleLeaves(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeMethodNotAllowed(w)
		return
	}
	var req domain.LeaveRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	schedules, err := a.service.RequestLeave(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"schedules": schedules})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.writeMethodNotAllowed(w)
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), r.URL.Query().Get("date"), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"users": a.auth.ListUsers()})
	case http.MethodPost:
		var req domain.UserCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		user, err := a.auth.CreateUser(r.Context(), req)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				a.writeError(w, http.StatusConflict, err)
				return
			}
			a.writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	default:
		a.writeMethodNotAllowed(w)
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func (a *API) writeMethodNotAllowed(w http.ResponseWriter) {
	a.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeServiceError maps the store/service error taxonomy onto HTTP statuses.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrUnitUnavailable):
		status = http.StatusConflict
	case errors.Is(err, store.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrVerificationPrecondition),
		errors.Is(err, store.ErrImmutableInvoice):
		status = http.StatusUnprocessableEntity
	}
	a.writeError(w, status, err)
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx details stay in the log; clients get a generic message.
	msg := err.Error()
	if status >= 500 {
		a.logger.Error().Int("status", status).Err(err).Msg("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
