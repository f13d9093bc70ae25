package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"phonestock/backend/internal/domain"
	"phonestock/backend/internal/service"
	"phonestock/backend/internal/store/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestAPI(t *testing.T) http.Handler {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin123")
	t.Setenv("SEED_DSR_PASSWORD", "dsr12345")

	repo := memory.NewSeeded()
	svc := service.New(repo, nil, nil, nil, zerolog.Nop())
	auth := NewAuthManager(testSecret, time.Hour, repo)
	return New(svc, auth, "http://127.0.0.1:3000", zerolog.Nop()).Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: username,
		Password: password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatalf("login returned empty token")
	}
	return resp.AccessToken
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	handler := newTestAPI(t)
	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	handler := newTestAPI(t)
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: "admin",
		Password: "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	handler := newTestAPI(t)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/invoices", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d, want 401", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/invoices", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status = %d, want 401", rec.Code)
	}
}

func TestRoleForbidden(t *testing.T) {
	handler := newTestAPI(t)
	dsrToken := login(t, handler, "dsr-agung", "dsr12345")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/invoices", dsrToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("dsr on invoices: status = %d, want 403", rec.Code)
	}

	// Products is readable by both roles but creation is admin-only, enforced
	// below the router.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/products", dsrToken, domain.ProductCreateRequest{
		Brand: "Samsung",
		Model: "Galaxy A16",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("dsr creating product: status = %d, want 403", rec.Code)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	handler := newTestAPI(t)
	adminToken := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/invoices", adminToken, map[string]any{
		"bogus": 1,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestInvoiceToSaleOverHTTP(t *testing.T) {
	handler := newTestAPI(t)
	adminToken := login(t, handler, "admin", "admin123")
	dsrToken := login(t, handler, "dsr-agung", "dsr12345")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/invoices", adminToken, domain.InvoiceCreateRequest{
		InvoiceNumber: "INV-001",
		SupplierName:  "PT Sumber Ponsel",
		Units: []domain.UnitInput{{
			IMEI:         "123456789012345",
			ProductID:    "prd-a16-128",
			CostPrice:    decimal.NewFromInt(100),
			SellingPrice: decimal.NewFromInt(120),
		}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create invoice: status %d body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Invoice domain.PurchaseInvoice `json:"invoice"`
	}
	decodeBody(t, rec, &created)
	invoiceID := created.Invoice.ID

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/invoices/"+invoiceID+"/verify", adminToken, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("verify without proof: status = %d, want 422", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/invoices/"+invoiceID+"/proof", adminToken, domain.AttachProofRequest{
		FileName: "proof.jpg",
		MimeType: "image/jpeg",
		Data:     []byte("fake-jpeg-bytes"),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("attach proof: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/invoices/"+invoiceID+"/verify", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: status %d body %s", rec.Code, rec.Body.String())
	}
	var verified struct {
		Invoice domain.PurchaseInvoice `json:"invoice"`
	}
	decodeBody(t, rec, &verified)
	if verified.Invoice.Status != domain.InvoiceStatusVerified {
		t.Fatalf("invoice status = %s, want verified", verified.Invoice.Status)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/assignments", adminToken, domain.AssignmentCreateRequest{
		DSR:   "dsr-agung",
		IMEIs: []string{"123456789012345"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create assignment: status %d body %s", rec.Code, rec.Body.String())
	}
	var assigned struct {
		Assignment domain.Assignment `json:"assignment"`
	}
	decodeBody(t, rec, &assigned)

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/assignments/"+assigned.Assignment.ID+"/sold", dsrToken, domain.MarkSoldRequest{
		IMEI:      "123456789012345",
		SoldPrice: decimal.NewFromInt(130),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("mark sold: status %d body %s", rec.Code, rec.Body.String())
	}
	var sold struct {
		Assignment domain.Assignment `json:"assignment"`
	}
	decodeBody(t, rec, &sold)
	if sold.Assignment.Status != domain.AssignmentStatusCompleted {
		t.Fatalf("assignment status = %s, want completed", sold.Assignment.Status)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/schedules/day?dsr=dsr-agung&day="+assigned.Assignment.Day, adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get schedule: status %d body %s", rec.Code, rec.Body.String())
	}
	var day struct {
		Schedule domain.Schedule `json:"schedule"`
	}
	decodeBody(t, rec, &day)
	if !day.Schedule.Performance.Revenue.Equal(decimal.NewFromInt(130)) {
		t.Fatalf("revenue = %s, want 130", day.Schedule.Performance.Revenue)
	}
	if !day.Schedule.Performance.Profit.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("profit = %s, want 30", day.Schedule.Performance.Profit)
	}
}

func TestAssignmentErrorStatuses(t *testing.T) {
	handler := newTestAPI(t)
	adminToken := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/invoices", adminToken, domain.InvoiceCreateRequest{
		InvoiceNumber: "INV-DRAFT",
		SupplierName:  "PT Sumber Ponsel",
		Units: []domain.UnitInput{{
			IMEI:         "358240051111110",
			ProductID:    "prd-a16-128",
			CostPrice:    decimal.NewFromInt(100),
			SellingPrice: decimal.NewFromInt(120),
		}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create invoice: status %d body %s", rec.Code, rec.Body.String())
	}

	// Draft invoice units are not assignable.
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/assignments", adminToken, domain.AssignmentCreateRequest{
		DSR:   "dsr-agung",
		IMEIs: []string{"358240051111110"},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("assigning draft unit: status = %d, want 409", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/assignments/missing-id", adminToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing assignment: status = %d, want 404", rec.Code)
	}
}

func TestUserManagement(t *testing.T) {
	handler := newTestAPI(t)
	adminToken := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/users", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list users: status %d", rec.Code)
	}
	var listed struct {
		Users []domain.UserAccount `json:"users"`
	}
	decodeBody(t, rec, &listed)
	if len(listed.Users) < 2 {
		t.Fatalf("user count = %d, want seeded admin and dsr", len(listed.Users))
	}
	for _, u := range listed.Users {
		if u.Password != "" {
			t.Fatalf("user %s leaked a password", u.Username)
		}
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/users", adminToken, domain.UserCreateRequest{
		Username: "dsr-budi",
		Password: "short",
		Role:     domain.RoleDSR,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("short password: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/users", adminToken, domain.UserCreateRequest{
		Username: "dsr-budi",
		Password: "budi-secret-1",
		Role:     domain.RoleDSR,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/users", adminToken, domain.UserCreateRequest{
		Username: "dsr-budi",
		Password: "budi-secret-1",
		Role:     domain.RoleDSR,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate user: status = %d, want 409", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := newTestAPI(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/invoices", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://127.0.0.1:3000" {
		t.Fatalf("allow-origin = %q", got)
	}
}

func TestLoginRateLimit(t *testing.T) {
	handler := newTestAPI(t)

	var last int
	for i := 0; i < 6; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
			Username: "admin",
			Password: "wrong",
		})
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("sixth attempt status = %d, want 429", last)
	}
}
