package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"phonestock/backend/internal/domain"
	"phonestock/backend/internal/store"
	"phonestock/backend/internal/xid"
)

// Store is a mutex-guarded in-memory mirror of the postgres repository. It is
// the default backend for dev mode and the fixture for service tests. All
// conditional status updates happen under the write lock, so the same
// compare-and-set guarantees hold as with the SQL implementation.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	invoicesByID    map[string]*domain.PurchaseInvoice
	invoiceIDByNum  map[string]string
	invoiceIDByIMEI map[string]string
	assignmentsByID map[string]*domain.Assignment
	schedulesByKey  map[string]*domain.Schedule
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func scheduleKey(dsr string, day string) string {
	return dsr + "|" + day
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_DSR_PASSWORD; hardcoded
// dev defaults are used with a warning when unset. Production deployments use
// PostgreSQL-backed accounts instead.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	dsrPwd := envOr("SEED_DSR_PASSWORD", "dsr12345")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_DSR_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_DSR_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"dsr-agung", dsrPwd, domain.RoleDSR},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		invoicesByID:    make(map[string]*domain.PurchaseInvoice),
		invoiceIDByNum:  make(map[string]string),
		invoiceIDByIMEI: make(map[string]string),
		assignmentsByID: make(map[string]*domain.Assignment),
		schedulesByKey:  make(map[string]*domain.Schedule),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

// NewSeeded returns a store preloaded with a small handset catalog.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	for _, p := range []domain.Product{
		{ID: "prd-a16-128", Brand: "Samsung", Model: "Galaxy A16", Variant: "8/128GB", Active: true, CreatedAt: now},
		{ID: "prd-redmi13-256", Brand: "Xiaomi", Model: "Redmi 13", Variant: "8/256GB", Active: true, CreatedAt: now},
		{ID: "prd-ip13-128", Brand: "Apple", Model: "iPhone 13", Variant: "128GB", Active: true, CreatedAt: now},
		{ID: "prd-v30-256", Brand: "Vivo", Model: "V30", Variant: "12/256GB", Active: true, CreatedAt: now},
	} {
		s.products[p.ID] = p
	}
	return s
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" || product.Brand == "" || product.Model == "" {
		return nil, store.ErrInvalidRequest
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, fmt.Errorf("%w: product %s already exists", store.ErrConflict, product.ID)
	}
	product.Active = true
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Brand == b.Brand {
			return strings.Compare(a.Model, b.Model)
		}
		return strings.Compare(a.Brand, b.Brand)
	})
	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.products[id]
	if !exists {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
	}
	copied := p
	return &copied, nil
}

func (s *Store) CreateInvoice(_ context.Context, inv domain.PurchaseInvoice) (*domain.PurchaseInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inv.InvoiceNumber == "" || len(inv.Units) == 0 {
		return nil, store.ErrInvalidRequest
	}
	numKey := strings.ToLower(inv.InvoiceNumber)
	if _, exists := s.invoiceIDByNum[numKey]; exists {
		return nil, fmt.Errorf("%w: invoice number %s already exists", store.ErrConflict, inv.InvoiceNumber)
	}
	seen := make(map[string]struct{}, len(inv.Units))
	for _, u := range inv.Units {
		if _, dup := seen[u.IMEI]; dup {
			return nil, fmt.Errorf("%w: duplicate imei %s in batch", store.ErrConflict, u.IMEI)
		}
		seen[u.IMEI] = struct{}{}
		if _, taken := s.invoiceIDByIMEI[u.IMEI]; taken {
			return nil, fmt.Errorf("%w: imei %s already registered", store.ErrConflict, u.IMEI)
		}
		if _, exists := s.products[u.ProductID]; !exists {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, u.ProductID)
		}
	}

	now := time.Now().UTC()
	inv.Status = domain.InvoiceStatusDraft
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now
	for i := range inv.Units {
		inv.Units[i].InvoiceID = inv.ID
		inv.Units[i].Status = domain.UnitStatusAvailable
		if inv.Units[i].CreatedAt.IsZero() {
			inv.Units[i].CreatedAt = now
		}
	}
	domain.RecomputeInvoiceTotals(&inv)

	stored := cloneInvoice(&inv)
	s.invoicesByID[inv.ID] = stored
	s.invoiceIDByNum[numKey] = inv.ID
	for _, u := range inv.Units {
		s.invoiceIDByIMEI[u.IMEI] = inv.ID
	}
	created := cloneInvoice(stored)
	return created, nil
}

func (s *Store) GetInvoiceByID(_ context.Context, id string) (*domain.PurchaseInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.invoiceLocked(id)
}

func (s *Store) invoiceLocked(id string) (*domain.PurchaseInvoice, error) {
	inv, exists := s.invoicesByID[id]
	if !exists {
		return nil, fmt.Errorf("%w: invoice %s", store.ErrNotFound, id)
	}
	return cloneInvoice(inv), nil
}

func (s *Store) GetInvoiceByNumber(_ context.Context, number string) (*domain.PurchaseInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.invoiceIDByNum[strings.ToLower(number)]
	if !exists {
		return nil, fmt.Errorf("%w: invoice %s", store.ErrNotFound, number)
	}
	return s.invoiceLocked(id)
}

func (s *Store) ListInvoices(_ context.Context, status string, limit int) ([]domain.PurchaseInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.PurchaseInvoice, 0, limit)
	for _, inv := range s.invoicesByID {
		if status != "" && inv.Status != status {
			continue
		}
		result = append(result, *cloneInvoice(inv))
	}
	slices.SortFunc(result, func(a, b domain.PurchaseInvoice) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.InvoiceNumber, b.InvoiceNumber)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func allUnitsAvailable(inv *domain.PurchaseInvoice) bool {
	for _, u := range inv.Units {
		if u.Status != domain.UnitStatusAvailable {
			return false
		}
	}
	return true
}

func (s *Store) EditDraftInvoice(_ context.Context, id string, patch domain.InvoiceEditRequest, addUnits []domain.PhoneUnit) (*domain.PurchaseInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, exists := s.invoicesByID[id]
	if !exists {
		return nil, fmt.Errorf("%w: invoice %s", store.ErrNotFound, id)
	}
	if inv.Status != domain.InvoiceStatusDraft || !allUnitsAvailable(inv) {
		return nil, fmt.Errorf("%w: invoice %s", store.ErrImmutableInvoice, inv.InvoiceNumber)
	}

	// Validate every added unit before touching the stored invoice. A failed
	// edit must leave the invoice exactly as it was.
	seen := make(map[string]struct{}, len(addUnits))
	for _, u := range addUnits {
		if _, dup := seen[u.IMEI]; dup {
			return nil, fmt.Errorf("%w: duplicate imei %s in batch", store.ErrConflict, u.IMEI)
		}
		seen[u.IMEI] = struct{}{}
		if _, taken := s.invoiceIDByIMEI[u.IMEI]; taken {
			return nil, fmt.Errorf("%w: imei %s already registered", store.ErrConflict, u.IMEI)
		}
		if _, ok := s.products[u.ProductID]; !ok {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, u.ProductID)
		}
	}

	if patch.SupplierName != nil {
		inv.SupplierName = *patch.SupplierName
	}
	if patch.SupplierContact != nil {
		inv.SupplierContact = *patch.SupplierContact
	}
	if patch.PaymentTerms != nil {
		inv.PaymentTerms = *patch.PaymentTerms
	}
	if patch.Tax != nil {
		inv.Tax = *patch.Tax
	}
	if patch.Discount != nil {
		inv.Discount = *patch.Discount
	}
	if patch.Shipping != nil {
		inv.Shipping = *patch.Shipping
	}
	if patch.PaidAmount != nil {
		inv.PaidAmount = *patch.PaidAmount
	}

	now := time.Now().UTC()
	for _, u := range addUnits {
		u.InvoiceID = inv.ID
		u.Status = domain.UnitStatusAvailable
		u.CreatedAt = now
		inv.Units = append(inv.Units, u)
		s.invoiceIDByIMEI[u.IMEI] = inv.ID
	}

	inv.UpdatedAt = now
	domain.RecomputeInvoiceTotals(inv)
	return cloneInvoice(inv), nil
}

func (s *Store) CancelInvoice(_ context.Context, id string) (*domain.PurchaseInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, exists := s.invoicesByID[id]
	if !exists {
		return nil, fmt.Errorf("%w: invoice %s", store.ErrNotFound, id)
	}
	if inv.Status != domain.InvoiceStatusDraft || !allUnitsAvailable(inv) {
		return nil, fmt.Errorf("%w: invoice %s", store.ErrImmutableInvoice, inv.InvoiceNumber)
	}
	inv.Status = domain.InvoiceStatusCancelled
	inv.UpdatedAt = time.Now().UTC()
	domain.RecomputeInvoiceTotals(inv)
	return cloneInvoice(inv), nil
}

func (s *Store) AttachInvoiceProof(_ context.Context, id string, key string, url string) (*domain.PurchaseInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, exists := s.invoicesByID[id]
	if !exists {
		return nil, fmt.Errorf("%w: invoice %s", store.ErrNotFound, id)
	}
	if inv.Status != domain.InvoiceStatusDraft {
		return nil, fmt.Errorf("%w: invoice %s is %s", store.ErrImmutableInvoice, inv.InvoiceNumber, inv.Status)
	}
	// Idempotent overwrite while draft.
	inv.ProofKey = key
	inv.ProofURL = url
	inv.UpdatedAt = time.Now().UTC()
	domain.RecomputeInvoiceTotals(inv)
	return cloneInvoice(inv), nil
}

func (s *Store) VerifyInvoice(_ context.Context, id string) (*domain.PurchaseInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, exists := s.invoicesByID[id]
	if !exists {
		return nil, fmt.Errorf("%w: invoice %s", store.ErrNotFound, id)
	}
	if inv.Status != domain.InvoiceStatusDraft || inv.ProofKey == "" {
		return nil, fmt.Errorf("%w: invoice %s (status=%s, proof=%t)", store.ErrVerificationPrecondition, inv.InvoiceNumber, inv.Status, inv.ProofKey != "")
	}
	inv.Status = domain.InvoiceStatusVerified
	inv.UpdatedAt = time.Now().UTC()
	domain.RecomputeInvoiceTotals(inv)
	return cloneInvoice(inv), nil
}

func (s *Store) FindUnitByIMEI(_ context.Context, imei string) (*domain.PhoneUnit, *domain.PurchaseInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	unit, inv, err := s.unitLocked(imei)
	if err != nil {
		return nil, nil, err
	}
	unitCopy := *unit
	return &unitCopy, cloneInvoice(inv), nil
}

func (s *Store) unitLocked(imei string) (*domain.PhoneUnit, *domain.PurchaseInvoice, error) {
	invoiceID, exists := s.invoiceIDByIMEI[imei]
	if !exists {
		return nil, nil, fmt.Errorf("%w: imei %s", store.ErrNotFound, imei)
	}
	inv := s.invoicesByID[invoiceID]
	for i := range inv.Units {
		if inv.Units[i].IMEI == imei {
			return &inv.Units[i], inv, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: imei %s", store.ErrNotFound, imei)
}

func (s *Store) DeleteAvailableUnit(_ context.Context, imei string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit, inv, err := s.unitLocked(imei)
	if err != nil {
		return err
	}
	if unit.Status != domain.UnitStatusAvailable {
		return fmt.Errorf("%w: imei %s is %s", store.ErrInvalidTransition, imei, unit.Status)
	}
	if len(inv.Units) == 1 {
		return fmt.Errorf("%w: invoice %s must retain at least one unit", store.ErrInvalidRequest, inv.InvoiceNumber)
	}
	kept := inv.Units[:0]
	for _, u := range inv.Units {
		if u.IMEI != imei {
			kept = append(kept, u)
		}
	}
	inv.Units = kept
	delete(s.invoiceIDByIMEI, imei)
	inv.UpdatedAt = time.Now().UTC()
	domain.RecomputeInvoiceTotals(inv)
	return nil
}

func (s *Store) TransitionUnit(_ context.Context, imei string, from string, to string, notes string) (*domain.PhoneUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit, inv, err := s.unitLocked(imei)
	if err != nil {
		return nil, err
	}
	if unit.Status != from {
		return nil, fmt.Errorf("%w: imei %s is %s, expected %s", store.ErrInvalidTransition, imei, unit.Status, from)
	}
	unit.Status = to
	if notes != "" {
		unit.ReturnNotes = notes
	}
	inv.UpdatedAt = time.Now().UTC()
	domain.RecomputeInvoiceTotals(inv)
	domain.AdvanceInvoiceCompletion(inv)
	copied := *unit
	return &copied, nil
}

func (s *Store) StockSummary(_ context.Context) (domain.StockSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byProduct := make(map[string]*domain.StockSummaryRow)
	summary := domain.StockSummary{GeneratedAt: time.Now().UTC().Format(time.RFC3339)}
	for _, inv := range s.invoicesByID {
		if inv.Status == domain.InvoiceStatusCancelled {
			continue
		}
		for _, u := range inv.Units {
			row, ok := byProduct[u.ProductID]
			if !ok {
				p := s.products[u.ProductID]
				row = &domain.StockSummaryRow{
					ProductID: u.ProductID,
					Brand:     p.Brand,
					Model:     p.Model,
					Variant:   p.Variant,
					CostValue: decimal.Zero,
					SellValue: decimal.Zero,
				}
				byProduct[u.ProductID] = row
			}
			switch u.Status {
			case domain.UnitStatusAvailable:
				row.Available++
				summary.TotalAvailable++
				row.CostValue = row.CostValue.Add(u.CostPrice)
				row.SellValue = row.SellValue.Add(u.SellingPrice)
			case domain.UnitStatusAssigned:
				row.Assigned++
				summary.TotalAssigned++
			case domain.UnitStatusSold:
				row.Sold++
				summary.TotalSold++
			case domain.UnitStatusDamaged:
				row.Damaged++
				summary.TotalDamaged++
			}
		}
	}

	rows := make([]domain.StockSummaryRow, 0, len(byProduct))
	for _, row := range byProduct {
		rows = append(rows, *row)
	}
	slices.SortFunc(rows, func(a, b domain.StockSummaryRow) int {
		if a.Brand == b.Brand {
			return strings.Compare(a.Model, b.Model)
		}
		return strings.Compare(a.Brand, b.Brand)
	})
	summary.Rows = rows
	return summary, nil
}

func (s *Store) CreateAssignment(_ context.Context, a domain.Assignment) (*domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.DSR == "" || a.Day == "" || len(a.Units) == 0 {
		return nil, store.ErrInvalidRequest
	}

	sched, exists := s.schedulesByKey[scheduleKey(a.DSR, a.Day)]
	if !exists {
		return nil, fmt.Errorf("%w: schedule %s/%s", store.ErrNotFound, a.DSR, a.Day)
	}
	if sched.AssignmentID != "" {
		return nil, fmt.Errorf("%w: schedule %s already holds assignment %s", store.ErrConflict, sched.ID, sched.AssignmentID)
	}

	// Resolve and flip every requested unit under the lock; any unit that is
	// not an available unit of a verified invoice loses the whole request.
	type flip struct {
		unit *domain.PhoneUnit
		inv  *domain.PurchaseInvoice
	}
	flips := make([]flip, 0, len(a.Units))
	for i := range a.Units {
		imei := a.Units[i].IMEI
		unit, inv, err := s.unitLocked(imei)
		if err != nil {
			return nil, fmt.Errorf("%w: imei %s", store.ErrUnitUnavailable, imei)
		}
		if inv.Status != domain.InvoiceStatusVerified || unit.Status != domain.UnitStatusAvailable {
			return nil, fmt.Errorf("%w: imei %s", store.ErrUnitUnavailable, imei)
		}
		// AssignedPrice is the cost basis charged to the dsr; TargetPrice
		// defaults to the listed selling price.
		a.Units[i].ProductID = unit.ProductID
		a.Units[i].AssignedPrice = unit.CostPrice
		if a.Units[i].TargetPrice.IsZero() {
			a.Units[i].TargetPrice = unit.SellingPrice
		}
		a.Units[i].Status = domain.AssignedUnitStatusAssigned
		flips = append(flips, flip{unit: unit, inv: inv})
	}
	for _, f := range flips {
		f.unit.Status = domain.UnitStatusAssigned
		domain.RecomputeInvoiceTotals(f.inv)
		f.inv.UpdatedAt = time.Now().UTC()
	}

	now := time.Now().UTC()
	a.ScheduleID = sched.ID
	a.Status = domain.DeriveAssignmentStatus(a.Units)
	a.CreatedAt = now
	a.UpdatedAt = now

	stored := cloneAssignment(&a)
	s.assignmentsByID[a.ID] = stored

	sched.AssignmentID = a.ID
	sched.Performance.UnitsAssigned += len(a.Units)
	sched.UpdatedAt = now

	return cloneAssignment(stored), nil
}

func (s *Store) GetAssignmentByID(_ context.Context, id string) (*domain.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.assignmentsByID[id]
	if !exists {
		return nil, fmt.Errorf("%w: assignment %s", store.ErrNotFound, id)
	}
	return cloneAssignment(a), nil
}

func (s *Store) ListAssignments(_ context.Context, dsr string, day string, limit int) ([]domain.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.Assignment, 0, limit)
	for _, a := range s.assignmentsByID {
		if dsr != "" && a.DSR != dsr {
			continue
		}
		if day != "" && a.Day != day {
			continue
		}
		result = append(result, *cloneAssignment(a))
	}
	slices.SortFunc(result, func(a, b domain.Assignment) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.Number, b.Number)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) MarkAssignmentUnitSold(_ context.Context, assignmentID string, imei string, soldPrice decimal.Decimal, soldDate time.Time) (*domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.assignmentsByID[assignmentID]
	if !exists {
		return nil, fmt.Errorf("%w: assignment %s", store.ErrNotFound, assignmentID)
	}
	var snap *domain.AssignedUnit
	for i := range a.Units {
		if a.Units[i].IMEI == imei {
			snap = &a.Units[i]
			break
		}
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: imei %s not in assignment %s", store.ErrNotFound, imei, a.Number)
	}
	if snap.Status != domain.AssignedUnitStatusAssigned {
		return nil, fmt.Errorf("%w: imei %s already %s", store.ErrConflict, imei, snap.Status)
	}

	unit, inv, err := s.unitLocked(imei)
	if err != nil {
		return nil, err
	}
	if unit.Status != domain.UnitStatusAssigned {
		return nil, fmt.Errorf("%w: imei %s is %s, expected %s", store.ErrInvalidTransition, imei, unit.Status, domain.UnitStatusAssigned)
	}

	soldDate = soldDate.UTC()
	price := soldPrice
	snap.Status = domain.AssignedUnitStatusSold
	snap.SoldPrice = &price
	snap.SoldDate = &soldDate

	unitPrice := soldPrice
	unit.Status = domain.UnitStatusSold
	unit.SoldPrice = &unitPrice
	unit.SoldDate = &soldDate

	now := time.Now().UTC()
	a.Status = domain.DeriveAssignmentStatus(a.Units)
	a.UpdatedAt = now
	domain.RecomputeInvoiceTotals(inv)
	domain.AdvanceInvoiceCompletion(inv)
	inv.UpdatedAt = now

	if sched, ok := s.schedulesByKey[scheduleKey(a.DSR, a.Day)]; ok {
		sched.Performance.UnitsSold++
		sched.Performance.Revenue = sched.Performance.Revenue.Add(soldPrice)
		sched.Performance.Profit = sched.Performance.Profit.Add(soldPrice.Sub(snap.AssignedPrice))
		sched.UpdatedAt = now
	}

	return cloneAssignment(a), nil
}

func (s *Store) ReturnAssignmentUnits(_ context.Context, assignmentID string, imeis []string, notes string, at time.Time) (*domain.Assignment, []string, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.assignmentsByID[assignmentID]
	if !exists {
		return nil, nil, nil, fmt.Errorf("%w: assignment %s", store.ErrNotFound, assignmentID)
	}

	at = at.UTC()
	returned := make([]string, 0, len(imeis))
	skipped := make([]string, 0)
	for _, imei := range imeis {
		var snap *domain.AssignedUnit
		for i := range a.Units {
			if a.Units[i].IMEI == imei {
				snap = &a.Units[i]
				break
			}
		}
		// Sold, already-returned and unknown IMEIs are skipped.
		if snap == nil || snap.Status != domain.AssignedUnitStatusAssigned {
			skipped = append(skipped, imei)
			continue
		}
		unit, inv, err := s.unitLocked(imei)
		if err != nil || unit.Status != domain.UnitStatusAssigned {
			skipped = append(skipped, imei)
			continue
		}

		returnAt := at
		snap.Status = domain.AssignedUnitStatusReturned
		snap.ReturnDate = &returnAt
		snap.ReturnNotes = notes

		unit.Status = domain.UnitStatusAvailable
		unit.ReturnNotes = notes
		domain.RecomputeInvoiceTotals(inv)
		inv.UpdatedAt = at

		returned = append(returned, imei)
	}

	if len(returned) > 0 {
		a.Status = domain.DeriveAssignmentStatus(a.Units)
		a.UpdatedAt = at
		if sched, ok := s.schedulesByKey[scheduleKey(a.DSR, a.Day)]; ok {
			sched.Performance.UnitsReturned += len(returned)
			sched.UpdatedAt = at
		}
	}

	return cloneAssignment(a), returned, skipped, nil
}

func (s *Store) EnsureSchedule(_ context.Context, sched domain.Schedule) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sched.DSR == "" || sched.Day == "" {
		return nil, store.ErrInvalidRequest
	}
	key := scheduleKey(sched.DSR, sched.Day)
	if existing, ok := s.schedulesByKey[key]; ok {
		return cloneSchedule(existing), nil
	}
	if sched.ID == "" {
		sched.ID = xid.New("sch")
	}
	stored := cloneSchedule(&sched)
	s.schedulesByKey[key] = stored
	return cloneSchedule(stored), nil
}

func (s *Store) GetSchedule(_ context.Context, dsr string, day string) (*domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, exists := s.schedulesByKey[scheduleKey(dsr, day)]
	if !exists {
		return nil, fmt.Errorf("%w: schedule %s/%s", store.ErrNotFound, dsr, day)
	}
	return cloneSchedule(sched), nil
}

func (s *Store) ListSchedules(_ context.Context, dsr string, from string, to string) ([]domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Schedule, 0, 32)
	for _, sched := range s.schedulesByKey {
		if dsr != "" && sched.DSR != dsr {
			continue
		}
		if from != "" && sched.Day < from {
			continue
		}
		if to != "" && sched.Day > to {
			continue
		}
		result = append(result, *cloneSchedule(sched))
	}
	slices.SortFunc(result, func(a, b domain.Schedule) int {
		if a.Day == b.Day {
			return strings.Compare(a.DSR, b.DSR)
		}
		return strings.Compare(a.Day, b.Day)
	})
	return result, nil
}

func (s *Store) CheckInSchedule(_ context.Context, dsr string, day string, at time.Time) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, exists := s.schedulesByKey[scheduleKey(dsr, day)]
	if !exists {
		return nil, fmt.Errorf("%w: schedule %s/%s", store.ErrNotFound, dsr, day)
	}
	if err := domain.ApplyCheckIn(sched, at); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidTransition, err)
	}
	sched.UpdatedAt = at.UTC()
	return cloneSchedule(sched), nil
}

func (s *Store) CheckOutSchedule(_ context.Context, dsr string, day string, at time.Time) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, exists := s.schedulesByKey[scheduleKey(dsr, day)]
	if !exists {
		return nil, fmt.Errorf("%w: schedule %s/%s", store.ErrNotFound, dsr, day)
	}
	if err := domain.ApplyCheckOut(sched, at); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidTransition, err)
	}
	sched.UpdatedAt = at.UTC()
	return cloneSchedule(sched), nil
}

func (s *Store) UpsertLeaveSchedules(_ context.Context, schedules []domain.Schedule) ([]domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.Schedule, 0, len(schedules))
	now := time.Now().UTC()
	for _, sched := range schedules {
		key := scheduleKey(sched.DSR, sched.Day)
		if existing, ok := s.schedulesByKey[key]; ok {
			// Overwrite the classification but keep identity, the assignment
			// back-reference and accumulated performance.
			existing.DayType = sched.DayType
			existing.Status = sched.Status
			existing.Leave = sched.Leave
			existing.UpdatedAt = now
			result = append(result, *cloneSchedule(existing))
			continue
		}
		if sched.ID == "" {
			sched.ID = xid.New("sch")
		}
		sched.CreatedAt = now
		sched.UpdatedAt = now
		stored := cloneSchedule(&sched)
		s.schedulesByKey[key] = stored
		result = append(result, *cloneSchedule(stored))
	}
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.AuditLog, 0, limit)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || entry.CreatedAt.After(to) {
			continue
		}
		result = append(result, entry)
	}
	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidRequest
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return fmt.Errorf("%w: user %s already exists", store.ErrConflict, user.Username)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return fmt.Errorf("%w: user %s", store.ErrNotFound, username)
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneInvoice(inv *domain.PurchaseInvoice) *domain.PurchaseInvoice {
	copied := *inv
	copied.Units = make([]domain.PhoneUnit, len(inv.Units))
	copy(copied.Units, inv.Units)
	return &copied
}

func cloneAssignment(a *domain.Assignment) *domain.Assignment {
	copied := *a
	copied.Units = make([]domain.AssignedUnit, len(a.Units))
	copy(copied.Units, a.Units)
	return &copied
}

func cloneSchedule(s *domain.Schedule) *domain.Schedule {
	copied := *s
	if s.Leave != nil {
		leave := *s.Leave
		copied.Leave = &leave
	}
	return &copied
}
