package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"phonestock/backend/internal/cache"
	"phonestock/backend/internal/domain"
	"phonestock/backend/internal/notify"
	"phonestock/backend/internal/report"
	"phonestock/backend/internal/storage"
	"phonestock/backend/internal/store"
	"phonestock/backend/internal/xid"
)

// ErrForbidden marks an operation the current actor is not allowed to run.
var ErrForbidden = errors.New("forbidden")

const (
	stockSummaryCacheKey = "stock:summary"
	stockSummaryCacheTTL = 30 * time.Second
	maxLeaveSpanDays     = 31
	proofFolder          = "proofs"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo     store.Repository
	uploader storage.Uploader
	notifier notify.Notifier
	stock    cache.StockCache
	logger   zerolog.Logger
}

func New(repo store.Repository, uploader storage.Uploader, notifier notify.Notifier, stock cache.StockCache, logger zerolog.Logger) *Service {
	if uploader == nil {
		uploader = storage.NewMemoryUploader()
	}
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	if stock == nil {
		stock = cache.NoopStockCache{}
	}

	return &Service{
		repo:     repo,
		uploader: uploader,
		notifier: notifier,
		stock:    stock,
		logger:   logger,
	}
}

func (s *Service) requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("%w: authentication required", ErrForbidden)
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, fmt.Errorf("%w: %s role required", ErrForbidden, strings.Join(roles, " or "))
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Product{}, err
	}

	req.Brand = strings.TrimSpace(req.Brand)
	req.Model = strings.TrimSpace(req.Model)
	req.Variant = strings.TrimSpace(req.Variant)
	if req.Brand == "" || req.Model == "" {
		return domain.Product{}, fmt.Errorf("%w: brand and model are required", store.ErrInvalidRequest)
	}

	product := domain.Product{
		ID:      xid.New("prd"),
		Brand:   req.Brand,
		Model:   req.Model,
		Variant: req.Variant,
		Specs:   strings.TrimSpace(req.Specs),
		Active:  true,
	}
	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("brand=%s,model=%s", created.Brand, created.Model))
	return *created, nil
}

func (s *Service) buildUnits(ctx context.Context, inputs []domain.UnitInput) ([]domain.PhoneUnit, error) {
	units := make([]domain.PhoneUnit, 0, len(inputs))
	seen := make(map[string]struct{}, len(inputs))
	for _, in := range inputs {
		imei := strings.TrimSpace(in.IMEI)
		if !domain.ValidIMEI(imei) {
			return nil, fmt.Errorf("%w: imei %q must be 15 digits", store.ErrInvalidRequest, imei)
		}
		if _, dup := seen[imei]; dup {
			return nil, fmt.Errorf("%w: duplicate imei %s in batch", store.ErrConflict, imei)
		}
		seen[imei] = struct{}{}

		condition := strings.ToLower(strings.TrimSpace(in.Condition))
		if condition == "" {
			condition = domain.UnitConditionNew
		}
		if !domain.ValidCondition(condition) {
			return nil, fmt.Errorf("%w: unknown condition %q", store.ErrInvalidRequest, in.Condition)
		}
		if in.CostPrice.LessThanOrEqual(decimal.Zero) || in.SellingPrice.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("%w: imei %s needs positive cost and selling price", store.ErrInvalidRequest, imei)
		}
		if _, err := s.repo.GetProductByID(ctx, in.ProductID); err != nil {
			return nil, err
		}

		unit := domain.PhoneUnit{
			IMEI:         imei,
			ProductID:    in.ProductID,
			CostPrice:    in.CostPrice,
			SellingPrice: in.SellingPrice,
			Condition:    condition,
			Status:       domain.UnitStatusAvailable,
		}
		if in.WarrantyExpiry != "" {
			expiry, err := time.Parse(domain.DayFormat, in.WarrantyExpiry)
			if err != nil {
				return nil, fmt.Errorf("%w: warranty_expiry %q must be YYYY-MM-DD", store.ErrInvalidRequest, in.WarrantyExpiry)
			}
			unit.WarrantyExpiry = &expiry
		}
		units = append(units, unit)
	}
	return units, nil
}

func (s *Service) CreateInvoice(ctx context.Context, req domain.InvoiceCreateRequest) (domain.PurchaseInvoice, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.PurchaseInvoice{}, err
	}

	number := strings.ToUpper(strings.TrimSpace(req.InvoiceNumber))
	supplier := strings.TrimSpace(req.SupplierName)
	if number == "" || supplier == "" {
		return domain.PurchaseInvoice{}, fmt.Errorf("%w: invoice_number and supplier_name are required", store.ErrInvalidRequest)
	}
	if len(req.Units) == 0 {
		return domain.PurchaseInvoice{}, fmt.Errorf("%w: at least one unit is required", store.ErrInvalidRequest)
	}
	if req.Tax.IsNegative() || req.Discount.IsNegative() || req.Shipping.IsNegative() || req.PaidAmount.IsNegative() {
		return domain.PurchaseInvoice{}, fmt.Errorf("%w: financial adjustments must not be negative", store.ErrInvalidRequest)
	}

	units, err := s.buildUnits(ctx, req.Units)
	if err != nil {
		return domain.PurchaseInvoice{}, err
	}

	inv := domain.PurchaseInvoice{
		ID:              xid.New("inv"),
		InvoiceNumber:   number,
		SupplierName:    supplier,
		SupplierContact: strings.TrimSpace(req.SupplierContact),
		PaymentTerms:    strings.TrimSpace(req.PaymentTerms),
		Tax:             req.Tax,
		Discount:        req.Discount,
		Shipping:        req.Shipping,
		PaidAmount:      req.PaidAmount,
		Units:           units,
	}
	created, err := s.repo.CreateInvoice(ctx, inv)
	if err != nil {
		return domain.PurchaseInvoice{}, err
	}

	s.invalidateStock(ctx)
	s.logAudit(ctx, "invoice_create", "invoice", created.ID, fmt.Sprintf("number=%s,units=%d", created.InvoiceNumber, len(created.Units)))
	return *created, nil
}

func (s *Service) GetInvoice(ctx context.Context, id string) (domain.PurchaseInvoice, error) {
	inv, err := s.repo.GetInvoiceByID(ctx, id)
	if err != nil {
		return domain.PurchaseInvoice{}, err
	}
	return *inv, nil
}

func (s *Service) GetInvoiceByNumber(ctx context.Context, number string) (domain.PurchaseInvoice, error) {
	inv, err := s.repo.GetInvoiceByNumber(ctx, strings.TrimSpace(number))
	if err != nil {
		return domain.PurchaseInvoice{}, err
	}
	return *inv, nil
}

func (s *Service) ListInvoices(ctx context.Context, status string, limit int) ([]domain.PurchaseInvoice, error) {
	return s.repo.ListInvoices(ctx, strings.ToLower(strings.TrimSpace(status)), limit)
}

func (s *Service) EditInvoice(ctx context.Context, id string, req domain.InvoiceEditRequest) (domain.PurchaseInvoice, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.PurchaseInvoice{}, err
	}
	for _, amount := range []*decimal.Decimal{req.Tax, req.Discount, req.Shipping, req.PaidAmount} {
		if amount != nil && amount.IsNegative() {
			return domain.PurchaseInvoice{}, fmt.Errorf("%w: financial adjustments must not be negative", store.ErrInvalidRequest)
		}
	}

	addUnits, err := s.buildUnits(ctx, req.AddUnits)
	if err != nil {
		return domain.PurchaseInvoice{}, err
	}

	updated, err := s.repo.EditDraftInvoice(ctx, id, req, addUnits)
	if err != nil {
		return domain.PurchaseInvoice{}, err
	}

	s.invalidateStock(ctx)
	s.logAudit(ctx, "invoice_edit", "invoice", updated.ID, fmt.Sprintf("number=%s,added_units=%d", updated.InvoiceNumber, len(addUnits)))
	return *updated, nil
}

func (s *Service) CancelInvoice(ctx context.Context, id string) (domain.PurchaseInvoice, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.PurchaseInvoice{}, err
	}

	cancelled, err := s.repo.CancelInvoice(ctx, id)
	if err != nil {
		return domain.PurchaseInvoice{}, err
	}

	s.invalidateStock(ctx)
	s.logAudit(ctx, "invoice_cancel", "invoice", cancelled.ID, "number="+cancelled.InvoiceNumber)
	return *cancelled, nil
}

func (s *Service) AttachInvoiceProof(ctx context.Context, id string, req domain.AttachProofRequest) (domain.PurchaseInvoice, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.PurchaseInvoice{}, err
	}
	fileName := strings.TrimSpace(req.FileName)
	if fileName == "" || len(req.Data) == 0 {
		return domain.PurchaseInvoice{}, fmt.Errorf("%w: file_name and data are required", store.ErrInvalidRequest)
	}
	if !storage.AllowedMimeType(req.MimeType) {
		return domain.PurchaseInvoice{}, fmt.Errorf("%w: unsupported file type %q", store.ErrInvalidRequest, req.MimeType)
	}

	obj, err := s.uploader.Upload(ctx, proofFolder, fileName, req.MimeType, req.Data)
	if err != nil {
		return domain.PurchaseInvoice{}, err
	}

	updated, err := s.repo.AttachInvoiceProof(ctx, id, obj.Key, obj.URL)
	if err != nil {
		if delErr := s.uploader.Delete(ctx, obj.Key); delErr != nil {
			s.logger.Warn().Err(delErr).Str("key", obj.Key).Msg("failed to clean up orphaned proof upload")
		}
		return domain.PurchaseInvoice{}, err
	}

	s.logAudit(ctx, "invoice_proof_attach", "invoice", updated.ID, "key="+obj.Key)
	return *updated, nil
}

func (s *Service) VerifyInvoice(ctx context.Context, id string) (domain.PurchaseInvoice, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.PurchaseInvoice{}, err
	}

	verified, err := s.repo.VerifyInvoice(ctx, id)
	if err != nil {
		return domain.PurchaseInvoice{}, err
	}

	s.publish(ctx, notify.Event{
		Kind:       notify.KindInvoiceVerified,
		EntityType: "invoice",
		EntityID:   verified.ID,
		Detail:     "number=" + verified.InvoiceNumber,
	})
	s.logAudit(ctx, "invoice_verify", "invoice", verified.ID, "number="+verified.InvoiceNumber)
	return *verified, nil
}

func (s *Service) GetUnit(ctx context.Context, imei string) (domain.PhoneUnit, domain.PurchaseInvoice, error) {
	unit, inv, err := s.repo.FindUnitByIMEI(ctx, strings.TrimSpace(imei))
	if err != nil {
		return domain.PhoneUnit{}, domain.PurchaseInvoice{}, err
	}
	return *unit, *inv, nil
}

func (s *Service) DeleteUnit(ctx context.Context, imei string) error {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return err
	}
	imei = strings.TrimSpace(imei)
	if err := s.repo.DeleteAvailableUnit(ctx, imei); err != nil {
		return err
	}

	s.invalidateStock(ctx)
	s.logAudit(ctx, "unit_delete", "unit", imei, "")
	return nil
}

func (s *Service) MarkUnitDamaged(ctx context.Context, imei string, notes string) (domain.PhoneUnit, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.PhoneUnit{}, err
	}

	unit, err := s.repo.TransitionUnit(ctx, strings.TrimSpace(imei), domain.UnitStatusAvailable, domain.UnitStatusDamaged, strings.TrimSpace(notes))
	if err != nil {
		return domain.PhoneUnit{}, err
	}

	s.invalidateStock(ctx)
	s.logAudit(ctx, "unit_damage", "unit", unit.IMEI, notes)
	return *unit, nil
}

func (s *Service) RepairUnit(ctx context.Context, imei string) (domain.PhoneUnit, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.PhoneUnit{}, err
	}

	unit, err := s.repo.TransitionUnit(ctx, strings.TrimSpace(imei), domain.UnitStatusDamaged, domain.UnitStatusAvailable, "")
	if err != nil {
		return domain.PhoneUnit{}, err
	}

	s.invalidateStock(ctx)
	s.logAudit(ctx, "unit_repair", "unit", unit.IMEI, "")
	return *unit, nil
}

func (s *Service) StockSummary(ctx context.Context) (domain.StockSummary, error) {
	if cached, ok, err := s.stock.Get(ctx, stockSummaryCacheKey); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		s.logger.Warn().Err(err).Msg("stock summary cache read failed")
	}

	summary, err := s.repo.StockSummary(ctx)
	if err != nil {
		return domain.StockSummary{}, err
	}
	if err := s.stock.Set(ctx, stockSummaryCacheKey, &summary, stockSummaryCacheTTL); err != nil {
		s.logger.Warn().Err(err).Msg("stock summary cache write failed")
	}
	return summary, nil
}

func (s *Service) ExportStockSummary(ctx context.Context, w io.Writer) error {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return err
	}
	summary, err := s.StockSummary(ctx)
	if err != nil {
		return err
	}
	return report.WriteStockSummary(w, summary)
}

func (s *Service) invalidateStock(ctx context.Context) {
	if err := s.stock.Invalidate(ctx, stockSummaryCacheKey); err != nil {
		s.logger.Warn().Err(err).Msg("stock summary cache invalidation failed")
	}
}

// lookupDSR verifies the assignment target is an active account with the dsr
// role.
func (s *Service) lookupDSR(ctx context.Context, username string) error {
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.Username == username {
			if u.Role != domain.RoleDSR {
				return fmt.Errorf("%w: %s is not a dsr account", store.ErrInvalidRequest, username)
			}
			if !u.Active {
				return fmt.Errorf("%w: dsr account %s is inactive", store.ErrInvalidRequest, username)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: dsr %s", store.ErrNotFound, username)
}

func (s *Service) CreateAssignment(ctx context.Context, req domain.AssignmentCreateRequest) (domain.Assignment, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Assignment{}, err
	}

	dsr := strings.TrimSpace(req.DSR)
	if dsr == "" {
		return domain.Assignment{}, fmt.Errorf("%w: dsr is required", store.ErrInvalidRequest)
	}
	if len(req.IMEIs) == 0 {
		return domain.Assignment{}, fmt.Errorf("%w: at least one imei is required", store.ErrInvalidRequest)
	}
	if err := s.lookupDSR(ctx, dsr); err != nil {
		return domain.Assignment{}, err
	}

	now := time.Now().UTC()
	day := strings.TrimSpace(req.Day)
	dayTime := now
	if day == "" {
		day = now.Format(domain.DayFormat)
	} else {
		parsed, err := time.Parse(domain.DayFormat, day)
		if err != nil {
			return domain.Assignment{}, fmt.Errorf("%w: day %q must be YYYY-MM-DD", store.ErrInvalidRequest, day)
		}
		dayTime = parsed
	}

	seen := make(map[string]struct{}, len(req.IMEIs))
	units := make([]domain.AssignedUnit, 0, len(req.IMEIs))
	for _, raw := range req.IMEIs {
		imei := strings.TrimSpace(raw)
		if !domain.ValidIMEI(imei) {
			return domain.Assignment{}, fmt.Errorf("%w: imei %q must be 15 digits", store.ErrInvalidRequest, imei)
		}
		if _, dup := seen[imei]; dup {
			return domain.Assignment{}, fmt.Errorf("%w: duplicate imei %s in request", store.ErrConflict, imei)
		}
		seen[imei] = struct{}{}

		unit := domain.AssignedUnit{IMEI: imei}
		if target, ok := req.TargetPrices[imei]; ok {
			if target.LessThanOrEqual(decimal.Zero) {
				return domain.Assignment{}, fmt.Errorf("%w: target price for %s must be positive", store.ErrInvalidRequest, imei)
			}
			unit.TargetPrice = target
		}
		units = append(units, unit)
	}

	if _, err := s.repo.EnsureSchedule(ctx, domain.NewSchedule(xid.New("sch"), dsr, day, now)); err != nil {
		return domain.Assignment{}, err
	}

	assignment := domain.Assignment{
		ID:     xid.New("asg"),
		Number: xid.AssignmentNumber(dayTime),
		DSR:    dsr,
		Day:    day,
		Units:  units,
		Notes:  strings.TrimSpace(req.Notes),
	}
	created, err := s.repo.CreateAssignment(ctx, assignment)
	if err != nil {
		return domain.Assignment{}, err
	}

	s.invalidateStock(ctx)
	s.publish(ctx, notify.Event{
		Kind:       notify.KindAssignmentCreated,
		EntityType: "assignment",
		EntityID:   created.ID,
		DSR:        created.DSR,
		Detail:     fmt.Sprintf("number=%s,units=%d", created.Number, len(created.Units)),
	})
	s.logAudit(ctx, "assignment_create", "assignment", created.ID, fmt.Sprintf("number=%s,dsr=%s,units=%d", created.Number, created.DSR, len(created.Units)))
	return *created, nil
}

// authorizeAssignment lets admins touch any assignment and a dsr only their
// own.
func (s *Service) authorizeAssignment(ctx context.Context, assignmentID string) (*domain.Assignment, error) {
	actor, err := s.requireRole(ctx, domain.RoleAdmin, domain.RoleDSR)
	if err != nil {
		return nil, err
	}
	a, err := s.repo.GetAssignmentByID(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if actor.Role == domain.RoleDSR && a.DSR != actor.Username {
		return nil, fmt.Errorf("%w: assignment belongs to %s", ErrForbidden, a.DSR)
	}
	return a, nil
}

func (s *Service) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	a, err := s.authorizeAssignment(ctx, id)
	if err != nil {
		return domain.Assignment{}, err
	}
	return *a, nil
}

func (s *Service) ListAssignments(ctx context.Context, dsr string, day string, limit int) ([]domain.Assignment, error) {
	actor, err := s.requireRole(ctx, domain.RoleAdmin, domain.RoleDSR)
	if err != nil {
		return nil, err
	}
	if actor.Role == domain.RoleDSR {
		dsr = actor.Username
	}
	return s.repo.ListAssignments(ctx, strings.TrimSpace(dsr), strings.TrimSpace(day), limit)
}

func (s *Service) MarkUnitSold(ctx context.Context, assignmentID string, req domain.MarkSoldRequest) (domain.Assignment, error) {
	if _, err := s.authorizeAssignment(ctx, assignmentID); err != nil {
		return domain.Assignment{}, err
	}

	imei := strings.TrimSpace(req.IMEI)
	if !domain.ValidIMEI(imei) {
		return domain.Assignment{}, fmt.Errorf("%w: imei %q must be 15 digits", store.ErrInvalidRequest, imei)
	}
	if req.SoldPrice.LessThanOrEqual(decimal.Zero) {
		return domain.Assignment{}, fmt.Errorf("%w: sold price must be positive", store.ErrInvalidRequest)
	}

	soldDate := time.Now().UTC()
	if req.SoldDate != "" {
		parsed, err := time.Parse(domain.DayFormat, req.SoldDate)
		if err != nil {
			return domain.Assignment{}, fmt.Errorf("%w: sold_date %q must be YYYY-MM-DD", store.ErrInvalidRequest, req.SoldDate)
		}
		soldDate = parsed
	}

	updated, err := s.repo.MarkAssignmentUnitSold(ctx, assignmentID, imei, req.SoldPrice, soldDate)
	if err != nil {
		return domain.Assignment{}, err
	}

	s.invalidateStock(ctx)
	s.publish(ctx, notify.Event{
		Kind:       notify.KindUnitSold,
		EntityType: "assignment",
		EntityID:   updated.ID,
		DSR:        updated.DSR,
		Detail:     fmt.Sprintf("imei=%s,price=%s", imei, req.SoldPrice.StringFixed(2)),
	})
	s.logAudit(ctx, "unit_sold", "assignment", updated.ID, fmt.Sprintf("imei=%s,price=%s", imei, req.SoldPrice.StringFixed(2)))
	return *updated, nil
}

func (s *Service) ReturnUnits(ctx context.Context, assignmentID string, req domain.ReturnUnitsRequest) (domain.ReturnUnitsResponse, error) {
	if _, err := s.authorizeAssignment(ctx, assignmentID); err != nil {
		return domain.ReturnUnitsResponse{}, err
	}
	if len(req.IMEIs) == 0 {
		return domain.ReturnUnitsResponse{}, fmt.Errorf("%w: at least one imei is required", store.ErrInvalidRequest)
	}

	imeis := make([]string, 0, len(req.IMEIs))
	for _, raw := range req.IMEIs {
		imeis = append(imeis, strings.TrimSpace(raw))
	}

	updated, returned, skipped, err := s.repo.ReturnAssignmentUnits(ctx, assignmentID, imeis, strings.TrimSpace(req.Notes), time.Now().UTC())
	if err != nil {
		return domain.ReturnUnitsResponse{}, err
	}

	if len(returned) > 0 {
		s.invalidateStock(ctx)
		s.publish(ctx, notify.Event{
			Kind:       notify.KindUnitsReturned,
			EntityType: "assignment",
			EntityID:   updated.ID,
			DSR:        updated.DSR,
			Detail:     fmt.Sprintf("returned=%d,skipped=%d", len(returned), len(skipped)),
		})
		s.logAudit(ctx, "units_returned", "assignment", updated.ID, fmt.Sprintf("returned=%s", strings.Join(returned, ",")))
	}

	return domain.ReturnUnitsResponse{
		Assignment: *updated,
		Returned:   returned,
		Skipped:    skipped,
	}, nil
}

func (s *Service) ExportAssignments(ctx context.Context, w io.Writer, dsr string, day string) error {
	assignments, err := s.ListAssignments(ctx, dsr, day, 500)
	if err != nil {
		return err
	}
	return report.WriteAssignments(w, assignments)
}

func (s *Service) EnsureSchedule(ctx context.Context, dsr string, day string) (domain.Schedule, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Schedule{}, err
	}
	dsr = strings.TrimSpace(dsr)
	day = strings.TrimSpace(day)
	if dsr == "" {
		return domain.Schedule{}, fmt.Errorf("%w: dsr is required", store.ErrInvalidRequest)
	}
	if _, err := time.Parse(domain.DayFormat, day); err != nil {
		return domain.Schedule{}, fmt.Errorf("%w: day %q must be YYYY-MM-DD", store.ErrInvalidRequest, day)
	}
	if err := s.lookupDSR(ctx, dsr); err != nil {
		return domain.Schedule{}, err
	}

	sched, err := s.repo.EnsureSchedule(ctx, domain.NewSchedule(xid.New("sch"), dsr, day, time.Now().UTC()))
	if err != nil {
		return domain.Schedule{}, err
	}
	return *sched, nil
}

func (s *Service) GetSchedule(ctx context.Context, dsr string, day string) (domain.Schedule, error) {
	actor, err := s.requireRole(ctx, domain.RoleAdmin, domain.RoleDSR)
	if err != nil {
		return domain.Schedule{}, err
	}
	if actor.Role == domain.RoleDSR {
		dsr = actor.Username
	}
	sched, err := s.repo.GetSchedule(ctx, strings.TrimSpace(dsr), strings.TrimSpace(day))
	if err != nil {
		return domain.Schedule{}, err
	}
	return *sched, nil
}

func (s *Service) ListSchedules(ctx context.Context, dsr string, from string, to string) ([]domain.Schedule, error) {
	actor, err := s.requireRole(ctx, domain.RoleAdmin, domain.RoleDSR)
	if err != nil {
		return nil, err
	}
	if actor.Role == domain.RoleDSR {
		dsr = actor.Username
	}
	return s.repo.ListSchedules(ctx, strings.TrimSpace(dsr), strings.TrimSpace(from), strings.TrimSpace(to))
}

// CheckIn records attendance for the acting dsr on the current day. A missing
// schedule is created as a default workday first so the dsr does not depend on
// an admin having planned the day.
func (s *Service) CheckIn(ctx context.Context) (domain.Schedule, error) {
	actor, err := s.requireRole(ctx, domain.RoleDSR)
	if err != nil {
		return domain.Schedule{}, err
	}

	now := time.Now().UTC()
	day := now.Format(domain.DayFormat)
	if _, err := s.repo.EnsureSchedule(ctx, domain.NewSchedule(xid.New("sch"), actor.Username, day, now)); err != nil {
		return domain.Schedule{}, err
	}

	sched, err := s.repo.CheckInSchedule(ctx, actor.Username, day, now)
	if err != nil {
		return domain.Schedule{}, err
	}

	s.logAudit(ctx, "check_in", "schedule", sched.ID, fmt.Sprintf("day=%s,status=%s", sched.Day, sched.Status))
	return *sched, nil
}

func (s *Service) CheckOut(ctx context.Context) (domain.Schedule, error) {
	actor, err := s.requireRole(ctx, domain.RoleDSR)
	if err != nil {
		return domain.Schedule{}, err
	}

	now := time.Now().UTC()
	sched, err := s.repo.CheckOutSchedule(ctx, actor.Username, now.Format(domain.DayFormat), now)
	if err != nil {
		return domain.Schedule{}, err
	}

	s.logAudit(ctx, "check_out", "schedule", sched.ID, fmt.Sprintf("day=%s,worked_minutes=%d", sched.Day, sched.WorkedMinutes))
	return *sched, nil
}

func (s *Service) RequestLeave(ctx context.Context, req domain.LeaveRequest) ([]domain.Schedule, error) {
	actor, err := s.requireRole(ctx, domain.RoleAdmin, domain.RoleDSR)
	if err != nil {
		return nil, err
	}

	dsr := strings.TrimSpace(req.DSR)
	if actor.Role == domain.RoleDSR {
		dsr = actor.Username
	}
	if dsr == "" {
		return nil, fmt.Errorf("%w: dsr is required", store.ErrInvalidRequest)
	}
	if actor.Role == domain.RoleAdmin {
		if err := s.lookupDSR(ctx, dsr); err != nil {
			return nil, err
		}
	}

	from, err := time.Parse(domain.DayFormat, req.From)
	if err != nil {
		return nil, fmt.Errorf("%w: from %q must be YYYY-MM-DD", store.ErrInvalidRequest, req.From)
	}
	to, err := time.Parse(domain.DayFormat, req.To)
	if err != nil {
		return nil, fmt.Errorf("%w: to %q must be YYYY-MM-DD", store.ErrInvalidRequest, req.To)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: to precedes from", store.ErrInvalidRequest)
	}
	if int(to.Sub(from).Hours()/24) >= maxLeaveSpanDays {
		return nil, fmt.Errorf("%w: leave span exceeds %d days", store.ErrInvalidRequest, maxLeaveSpanDays)
	}

	dayType := domain.DayTypeLeave
	status := domain.ScheduleStatusOnLeave
	if req.Type == domain.DayTypeHoliday {
		dayType = domain.DayTypeHoliday
		status = domain.ScheduleStatusHoliday
	}

	now := time.Now().UTC()
	schedules := make([]domain.Schedule, 0, maxLeaveSpanDays)
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		sched := domain.NewSchedule(xid.New("sch"), dsr, day.Format(domain.DayFormat), now)
		sched.DayType = dayType
		sched.Status = status
		sched.Leave = &domain.LeaveRecord{
			Type:        req.Type,
			Reason:      strings.TrimSpace(req.Reason),
			RequestedBy: actor.Username,
			RequestedAt: now,
		}
		schedules = append(schedules, sched)
	}

	upserted, err := s.repo.UpsertLeaveSchedules(ctx, schedules)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "leave_request", "schedule", dsr, fmt.Sprintf("from=%s,to=%s,type=%s", req.From, req.To, req.Type))
	return upserted, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if _, err := s.requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}

	from := time.Time{}
	to := time.Now().UTC().Add(time.Hour)
	if date != "" {
		day, err := time.Parse(domain.DayFormat, date)
		if err != nil {
			return nil, fmt.Errorf("%w: date %q must be YYYY-MM-DD", store.ErrInvalidRequest, date)
		}
		from = day
		to = day.AddDate(0, 0, 1)
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// publish sends a lifecycle event without letting a broker failure surface to
// the caller.
func (s *Service) publish(ctx context.Context, event notify.Event) {
	event.OccurredAt = time.Now().UTC()
	if err := s.notifier.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("kind", event.Kind).Str("entity_id", event.EntityID).Msg("event publish failed")
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		Actor:      actor.Username,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Str("entity_id", entityID).Msg("failed to write audit log")
	}
}
