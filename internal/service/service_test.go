package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"phonestock/backend/internal/domain"
	"phonestock/backend/internal/notify"
	"phonestock/backend/internal/store"
	"phonestock/backend/internal/store/memory"
)

const seededProduct = "prd-a16-128"

func newTestService() (*Service, *memory.Store, *notify.MemoryNotifier) {
	repo := memory.NewSeeded()
	notifier := notify.NewMemoryNotifier()
	svc := New(repo, nil, notifier, nil, zerolog.Nop())
	return svc, repo, notifier
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func dsrCtx(username string) context.Context {
	return WithActor(context.Background(), domain.Actor{Username: username, Role: domain.RoleDSR})
}

func d(v string) decimal.Decimal {
	out, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return out
}

func unitInputs(cost, sell string, imeis ...string) []domain.UnitInput {
	inputs := make([]domain.UnitInput, 0, len(imeis))
	for _, imei := range imeis {
		inputs = append(inputs, domain.UnitInput{
			IMEI:         imei,
			ProductID:    seededProduct,
			CostPrice:    d(cost),
			SellingPrice: d(sell),
		})
	}
	return inputs
}

func createInvoice(t *testing.T, svc *Service, number string, units []domain.UnitInput) domain.PurchaseInvoice {
	t.Helper()
	inv, err := svc.CreateInvoice(adminCtx(), domain.InvoiceCreateRequest{
		InvoiceNumber: number,
		SupplierName:  "PT Sumber Ponsel",
		Units:         units,
	})
	if err != nil {
		t.Fatalf("create invoice %s failed: %v", number, err)
	}
	return inv
}

func verifyInvoice(t *testing.T, svc *Service, id string) domain.PurchaseInvoice {
	t.Helper()
	if _, err := svc.AttachInvoiceProof(adminCtx(), id, domain.AttachProofRequest{
		FileName: "proof.jpg",
		MimeType: "image/jpeg",
		Data:     []byte("fake-jpeg-bytes"),
	}); err != nil {
		t.Fatalf("attach proof failed: %v", err)
	}
	inv, err := svc.VerifyInvoice(adminCtx(), id)
	if err != nil {
		t.Fatalf("verify invoice failed: %v", err)
	}
	return inv
}

func TestCreateInvoiceValidation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := adminCtx()

	_, err := svc.CreateInvoice(ctx, domain.InvoiceCreateRequest{
		InvoiceNumber: "INV-BAD-IMEI",
		SupplierName:  "PT Sumber Ponsel",
		Units:         unitInputs("100", "120", "12345"),
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("short imei should be rejected, got %v", err)
	}

	_, err = svc.CreateInvoice(ctx, domain.InvoiceCreateRequest{
		InvoiceNumber: "INV-NO-UNITS",
		SupplierName:  "PT Sumber Ponsel",
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("empty unit batch should be rejected, got %v", err)
	}

	_, err = svc.CreateInvoice(ctx, domain.InvoiceCreateRequest{
		InvoiceNumber: "INV-NEG-TAX",
		SupplierName:  "PT Sumber Ponsel",
		Tax:           d("-1"),
		Units:         unitInputs("100", "120", "358240051111110"),
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("negative tax should be rejected, got %v", err)
	}

	_, err = svc.CreateInvoice(ctx, domain.InvoiceCreateRequest{
		InvoiceNumber: "INV-DUP-BATCH",
		SupplierName:  "PT Sumber Ponsel",
		Units:         unitInputs("100", "120", "358240051111110", "358240051111110"),
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate imei in batch should conflict, got %v", err)
	}
}

func TestIMEIUniqueAcrossInvoices(t *testing.T) {
	svc, _, _ := newTestService()

	createInvoice(t, svc, "INV-A", unitInputs("100", "120", "358240051111110"))

	_, err := svc.CreateInvoice(adminCtx(), domain.InvoiceCreateRequest{
		InvoiceNumber: "INV-B",
		SupplierName:  "PT Sumber Ponsel",
		Units:         unitInputs("90", "110", "358240051111110"),
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("imei reuse across invoices should conflict, got %v", err)
	}

	_, err = svc.CreateInvoice(adminCtx(), domain.InvoiceCreateRequest{
		InvoiceNumber: "inv-a",
		SupplierName:  "PT Sumber Ponsel",
		Units:         unitInputs("90", "110", "358240051111111"),
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("invoice number reuse should conflict regardless of case, got %v", err)
	}
}

func TestVerificationGating(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createInvoice(t, svc, "INV-GATE", unitInputs("100", "120", "358240051111110"))

	if _, err := svc.VerifyInvoice(adminCtx(), inv.ID); !errors.Is(err, store.ErrVerificationPrecondition) {
		t.Fatalf("verify without proof should fail, got %v", err)
	}

	verified := verifyInvoice(t, svc, inv.ID)
	if verified.Status != domain.InvoiceStatusVerified {
		t.Fatalf("status = %s, want verified", verified.Status)
	}

	if _, err := svc.VerifyInvoice(adminCtx(), inv.ID); !errors.Is(err, store.ErrVerificationPrecondition) {
		t.Fatalf("second verify should fail, got %v", err)
	}

	newSupplier := "CV Ganti Nama"
	if _, err := svc.EditInvoice(adminCtx(), inv.ID, domain.InvoiceEditRequest{SupplierName: &newSupplier}); !errors.Is(err, store.ErrImmutableInvoice) {
		t.Fatalf("editing a verified invoice should fail, got %v", err)
	}
	if _, err := svc.CancelInvoice(adminCtx(), inv.ID); !errors.Is(err, store.ErrImmutableInvoice) {
		t.Fatalf("cancelling a verified invoice should fail, got %v", err)
	}
}

func TestEditDraftRecomputesTotals(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createInvoice(t, svc, "INV-EDIT", unitInputs("100", "120", "358240051111110"))

	tax := d("10")
	updated, err := svc.EditInvoice(adminCtx(), inv.ID, domain.InvoiceEditRequest{
		Tax:      &tax,
		AddUnits: unitInputs("200", "240", "358240051111111"),
	})
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if len(updated.Units) != 2 {
		t.Fatalf("unit count = %d, want 2", len(updated.Units))
	}
	if !updated.Subtotal.Equal(d("300")) {
		t.Fatalf("subtotal = %s, want 300", updated.Subtotal)
	}
	if !updated.TotalCost.Equal(d("310")) {
		t.Fatalf("total cost = %s, want 310", updated.TotalCost)
	}
	if !updated.PendingPayment.Equal(d("310")) {
		t.Fatalf("pending payment = %s, want 310", updated.PendingPayment)
	}
}

func TestAssignmentRequiresVerifiedInvoice(t *testing.T) {
	svc, _, _ := newTestService()
	createInvoice(t, svc, "INV-DRAFT", unitInputs("100", "120", "358240051111110"))

	_, err := svc.CreateAssignment(adminCtx(), domain.AssignmentCreateRequest{
		DSR:   "dsr-agung",
		IMEIs: []string{"358240051111110"},
	})
	if !errors.Is(err, store.ErrUnitUnavailable) {
		t.Fatalf("assigning a unit of a draft invoice should fail, got %v", err)
	}
}

// Mirrors the full happy path: draft invoice, proof, verify, assign, sell at a
// price above target, then a redundant return request that must not disturb
// anything.
func TestAssignmentLifecycle(t *testing.T) {
	svc, _, notifier := newTestService()
	inv := createInvoice(t, svc, "INV-001", unitInputs("100", "120", "123456789012345"))
	verifyInvoice(t, svc, inv.ID)

	assignment, err := svc.CreateAssignment(adminCtx(), domain.AssignmentCreateRequest{
		DSR:   "dsr-agung",
		IMEIs: []string{"123456789012345"},
	})
	if err != nil {
		t.Fatalf("create assignment failed: %v", err)
	}
	if assignment.Status != domain.AssignmentStatusActive {
		t.Fatalf("assignment status = %s, want active", assignment.Status)
	}
	if !assignment.Units[0].AssignedPrice.Equal(d("100")) {
		t.Fatalf("assigned price = %s, want cost 100", assignment.Units[0].AssignedPrice)
	}
	if !assignment.Units[0].TargetPrice.Equal(d("120")) {
		t.Fatalf("target price = %s, want selling 120", assignment.Units[0].TargetPrice)
	}

	unit, _, err := svc.GetUnit(adminCtx(), "123456789012345")
	if err != nil {
		t.Fatalf("get unit failed: %v", err)
	}
	if unit.Status != domain.UnitStatusAssigned {
		t.Fatalf("ledger unit status = %s, want assigned", unit.Status)
	}

	sold, err := svc.MarkUnitSold(dsrCtx("dsr-agung"), assignment.ID, domain.MarkSoldRequest{
		IMEI:      "123456789012345",
		SoldPrice: d("130"),
	})
	if err != nil {
		t.Fatalf("mark sold failed: %v", err)
	}
	if sold.Status != domain.AssignmentStatusCompleted {
		t.Fatalf("assignment status = %s, want completed", sold.Status)
	}

	sched, err := svc.GetSchedule(adminCtx(), "dsr-agung", assignment.Day)
	if err != nil {
		t.Fatalf("get schedule failed: %v", err)
	}
	if !sched.Performance.Revenue.Equal(d("130")) {
		t.Fatalf("revenue = %s, want 130", sched.Performance.Revenue)
	}
	if !sched.Performance.Profit.Equal(d("30")) {
		t.Fatalf("profit = %s, want 30", sched.Performance.Profit)
	}
	if sched.Performance.UnitsSold != 1 || sched.Performance.UnitsAssigned != 1 {
		t.Fatalf("performance counters = %+v", sched.Performance)
	}

	finalInv, err := svc.GetInvoice(adminCtx(), inv.ID)
	if err != nil {
		t.Fatalf("get invoice failed: %v", err)
	}
	if finalInv.Status != domain.InvoiceStatusCompleted {
		t.Fatalf("invoice status = %s, want completed", finalInv.Status)
	}

	resp, err := svc.ReturnUnits(dsrCtx("dsr-agung"), assignment.ID, domain.ReturnUnitsRequest{
		IMEIs: []string{"123456789012345"},
	})
	if err != nil {
		t.Fatalf("return units failed: %v", err)
	}
	if len(resp.Returned) != 0 || len(resp.Skipped) != 1 {
		t.Fatalf("returning a sold unit must be a no-op, returned=%v skipped=%v", resp.Returned, resp.Skipped)
	}
	if resp.Assignment.Status != domain.AssignmentStatusCompleted {
		t.Fatalf("assignment status after no-op return = %s", resp.Assignment.Status)
	}

	kinds := make(map[string]int)
	for _, event := range notifier.Events() {
		kinds[event.Kind]++
	}
	if kinds[notify.KindAssignmentCreated] != 1 || kinds[notify.KindUnitSold] != 1 {
		t.Fatalf("unexpected event mix: %v", kinds)
	}
}

func TestReturnRestoresAvailability(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createInvoice(t, svc, "INV-RET", unitInputs("100", "120", "358240051111110", "358240051111111"))
	verifyInvoice(t, svc, inv.ID)

	assignment, err := svc.CreateAssignment(adminCtx(), domain.AssignmentCreateRequest{
		DSR:   "dsr-agung",
		IMEIs: []string{"358240051111110", "358240051111111"},
	})
	if err != nil {
		t.Fatalf("create assignment failed: %v", err)
	}

	before, err := svc.GetInvoice(adminCtx(), inv.ID)
	if err != nil {
		t.Fatalf("get invoice failed: %v", err)
	}

	resp, err := svc.ReturnUnits(adminCtx(), assignment.ID, domain.ReturnUnitsRequest{
		IMEIs: []string{"358240051111110"},
		Notes: "unsold at end of day",
	})
	if err != nil {
		t.Fatalf("return units failed: %v", err)
	}
	if len(resp.Returned) != 1 {
		t.Fatalf("returned = %v, want one imei", resp.Returned)
	}
	if resp.Assignment.Status != domain.AssignmentStatusPartiallyReturned {
		t.Fatalf("assignment status = %s, want partially_returned", resp.Assignment.Status)
	}

	unit, _, err := svc.GetUnit(adminCtx(), "358240051111110")
	if err != nil {
		t.Fatalf("get unit failed: %v", err)
	}
	if unit.Status != domain.UnitStatusAvailable {
		t.Fatalf("returned unit status = %s, want available", unit.Status)
	}

	after, err := svc.GetInvoice(adminCtx(), inv.ID)
	if err != nil {
		t.Fatalf("get invoice failed: %v", err)
	}
	if !after.TotalCost.Equal(before.TotalCost) || !after.PendingPayment.Equal(before.PendingPayment) {
		t.Fatalf("return must not change invoice financials: before=%s/%s after=%s/%s",
			before.TotalCost, before.PendingPayment, after.TotalCost, after.PendingPayment)
	}

	sched, err := svc.GetSchedule(adminCtx(), "dsr-agung", assignment.Day)
	if err != nil {
		t.Fatalf("get schedule failed: %v", err)
	}
	if sched.Performance.UnitsReturned != 1 {
		t.Fatalf("units returned = %d, want 1", sched.Performance.UnitsReturned)
	}
}

func TestConcurrentAssignmentSingleWinner(t *testing.T) {
	svc, repo, _ := newTestService()
	inv := createInvoice(t, svc, "INV-RACE", unitInputs("100", "120", "358240051111110"))
	verifyInvoice(t, svc, inv.ID)

	if err := repo.CreateUser(context.Background(), domain.UserAccount{
		Username: "dsr-budi",
		Password: "x",
		Role:     domain.RoleDSR,
		Active:   true,
	}); err != nil {
		t.Fatalf("seed second dsr failed: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, dsr := range []string{"dsr-agung", "dsr-budi"} {
		wg.Add(1)
		go func(dsr string) {
			defer wg.Done()
			_, err := svc.CreateAssignment(adminCtx(), domain.AssignmentCreateRequest{
				DSR:   dsr,
				IMEIs: []string{"358240051111110"},
			})
			results <- err
		}(dsr)
	}
	wg.Wait()
	close(results)

	var successes, unavailable int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, store.ErrUnitUnavailable):
			unavailable++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || unavailable != 1 {
		t.Fatalf("want exactly one winner, got successes=%d unavailable=%d", successes, unavailable)
	}
}

func TestScheduleHoldsSingleAssignment(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createInvoice(t, svc, "INV-SCHED", unitInputs("100", "120", "358240051111110", "358240051111111"))
	verifyInvoice(t, svc, inv.ID)

	if _, err := svc.CreateAssignment(adminCtx(), domain.AssignmentCreateRequest{
		DSR:   "dsr-agung",
		IMEIs: []string{"358240051111110"},
	}); err != nil {
		t.Fatalf("first assignment failed: %v", err)
	}

	_, err := svc.CreateAssignment(adminCtx(), domain.AssignmentCreateRequest{
		DSR:   "dsr-agung",
		IMEIs: []string{"358240051111111"},
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second assignment on the same day should conflict, got %v", err)
	}
}

func TestMarkSoldTwiceConflicts(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createInvoice(t, svc, "INV-TWICE", unitInputs("100", "120", "358240051111110"))
	verifyInvoice(t, svc, inv.ID)

	assignment, err := svc.CreateAssignment(adminCtx(), domain.AssignmentCreateRequest{
		DSR:   "dsr-agung",
		IMEIs: []string{"358240051111110"},
	})
	if err != nil {
		t.Fatalf("create assignment failed: %v", err)
	}

	req := domain.MarkSoldRequest{IMEI: "358240051111110", SoldPrice: d("125")}
	if _, err := svc.MarkUnitSold(adminCtx(), assignment.ID, req); err != nil {
		t.Fatalf("first mark sold failed: %v", err)
	}
	if _, err := svc.MarkUnitSold(adminCtx(), assignment.ID, req); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second mark sold should conflict, got %v", err)
	}
}

func TestDamageAndRepair(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createInvoice(t, svc, "INV-DMG", unitInputs("100", "120", "358240051111110", "358240051111111"))
	verifyInvoice(t, svc, inv.ID)

	unit, err := svc.MarkUnitDamaged(adminCtx(), "358240051111110", "cracked screen")
	if err != nil {
		t.Fatalf("mark damaged failed: %v", err)
	}
	if unit.Status != domain.UnitStatusDamaged {
		t.Fatalf("unit status = %s, want damaged", unit.Status)
	}

	_, err = svc.CreateAssignment(adminCtx(), domain.AssignmentCreateRequest{
		DSR:   "dsr-agung",
		IMEIs: []string{"358240051111110"},
	})
	if !errors.Is(err, store.ErrUnitUnavailable) {
		t.Fatalf("damaged unit must not be assignable, got %v", err)
	}

	repaired, err := svc.RepairUnit(adminCtx(), "358240051111110")
	if err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if repaired.Status != domain.UnitStatusAvailable {
		t.Fatalf("repaired unit status = %s, want available", repaired.Status)
	}
}

func TestDeleteUnitRules(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createInvoice(t, svc, "INV-DEL", unitInputs("100", "120", "358240051111110", "358240051111111"))
	verifyInvoice(t, svc, inv.ID)

	if _, err := svc.CreateAssignment(adminCtx(), domain.AssignmentCreateRequest{
		DSR:   "dsr-agung",
		IMEIs: []string{"358240051111110"},
	}); err != nil {
		t.Fatalf("create assignment failed: %v", err)
	}

	if err := svc.DeleteUnit(adminCtx(), "358240051111110"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("deleting an assigned unit should fail, got %v", err)
	}
	if err := svc.DeleteUnit(adminCtx(), "358240051111111"); err != nil {
		t.Fatalf("deleting an available unit failed: %v", err)
	}

	updated, err := svc.GetInvoice(adminCtx(), inv.ID)
	if err != nil {
		t.Fatalf("get invoice failed: %v", err)
	}
	if len(updated.Units) != 1 {
		t.Fatalf("unit count = %d, want 1", len(updated.Units))
	}
	if !updated.Subtotal.Equal(d("100")) {
		t.Fatalf("subtotal after delete = %s, want 100", updated.Subtotal)
	}
}

func TestDeleteLastUnitRejected(t *testing.T) {
	svc, _, _ := newTestService()
	createInvoice(t, svc, "INV-LAST", unitInputs("100", "120", "358240051111110"))

	if err := svc.DeleteUnit(adminCtx(), "358240051111110"); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("deleting the last unit should fail, got %v", err)
	}
}

func TestStockSummaryCounts(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createInvoice(t, svc, "INV-SUM", unitInputs("100", "120", "358240051111110", "358240051111111", "358240051111112"))
	verifyInvoice(t, svc, inv.ID)

	if _, err := svc.CreateAssignment(adminCtx(), domain.AssignmentCreateRequest{
		DSR:   "dsr-agung",
		IMEIs: []string{"358240051111110"},
	}); err != nil {
		t.Fatalf("create assignment failed: %v", err)
	}
	if _, err := svc.MarkUnitDamaged(adminCtx(), "358240051111111", "water damage"); err != nil {
		t.Fatalf("mark damaged failed: %v", err)
	}

	summary, err := svc.StockSummary(context.Background())
	if err != nil {
		t.Fatalf("stock summary failed: %v", err)
	}
	if summary.TotalAvailable != 1 || summary.TotalAssigned != 1 || summary.TotalDamaged != 1 {
		t.Fatalf("totals = %+v", summary)
	}

	var row *domain.StockSummaryRow
	for i := range summary.Rows {
		if summary.Rows[i].ProductID == seededProduct {
			row = &summary.Rows[i]
		}
	}
	if row == nil {
		t.Fatalf("no summary row for %s", seededProduct)
	}
	if !row.CostValue.Equal(d("100")) || !row.SellValue.Equal(d("120")) {
		t.Fatalf("stock value should only count available units, got cost=%s sell=%s", row.CostValue, row.SellValue)
	}
}

func TestRoleEnforcement(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.CreateInvoice(dsrCtx("dsr-agung"), domain.InvoiceCreateRequest{
		InvoiceNumber: "INV-ROLE",
		SupplierName:  "PT Sumber Ponsel",
		Units:         unitInputs("100", "120", "358240051111110"),
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("dsr must not create invoices, got %v", err)
	}

	inv := createInvoice(t, svc, "INV-ROLE", unitInputs("100", "120", "358240051111110"))
	verifyInvoice(t, svc, inv.ID)
	assignment, err := svc.CreateAssignment(adminCtx(), domain.AssignmentCreateRequest{
		DSR:   "dsr-agung",
		IMEIs: []string{"358240051111110"},
	})
	if err != nil {
		t.Fatalf("create assignment failed: %v", err)
	}

	if _, err := svc.GetAssignment(dsrCtx("dsr-other"), assignment.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign dsr must not read the assignment, got %v", err)
	}
	if _, err := svc.GetAssignment(dsrCtx("dsr-agung"), assignment.ID); err != nil {
		t.Fatalf("owning dsr should read the assignment: %v", err)
	}
}

func TestAssignmentRejectsUnknownDSR(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createInvoice(t, svc, "INV-NODSR", unitInputs("100", "120", "358240051111110"))
	verifyInvoice(t, svc, inv.ID)

	_, err := svc.CreateAssignment(adminCtx(), domain.AssignmentCreateRequest{
		DSR:   "nobody",
		IMEIs: []string{"358240051111110"},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown dsr should be rejected, got %v", err)
	}

	_, err = svc.CreateAssignment(adminCtx(), domain.AssignmentCreateRequest{
		DSR:   "admin",
		IMEIs: []string{"358240051111110"},
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("admin account is not a valid assignment target, got %v", err)
	}
}

func TestCheckInCheckOutFlow(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := dsrCtx("dsr-agung")

	sched, err := svc.CheckIn(ctx)
	if err != nil {
		t.Fatalf("check-in failed: %v", err)
	}
	if sched.CheckInAt == nil {
		t.Fatalf("check-in timestamp missing")
	}
	if sched.Status != domain.ScheduleStatusCheckedIn && sched.Status != domain.ScheduleStatusLate {
		t.Fatalf("status = %s, want checked_in or late", sched.Status)
	}

	if _, err := svc.CheckIn(ctx); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("double check-in should fail, got %v", err)
	}

	out, err := svc.CheckOut(ctx)
	if err != nil {
		t.Fatalf("check-out failed: %v", err)
	}
	if out.Status != domain.ScheduleStatusPresent {
		t.Fatalf("status = %s, want present", out.Status)
	}
	if out.CheckOutAt == nil {
		t.Fatalf("check-out timestamp missing")
	}
}

func TestRequestLeaveSpansDays(t *testing.T) {
	svc, _, _ := newTestService()

	schedules, err := svc.RequestLeave(dsrCtx("dsr-agung"), domain.LeaveRequest{
		From:   "2026-09-07",
		To:     "2026-09-09",
		Type:   "annual",
		Reason: "family visit",
	})
	if err != nil {
		t.Fatalf("request leave failed: %v", err)
	}
	if len(schedules) != 3 {
		t.Fatalf("schedule count = %d, want 3", len(schedules))
	}
	for _, sched := range schedules {
		if sched.DayType != domain.DayTypeLeave || sched.Status != domain.ScheduleStatusOnLeave {
			t.Fatalf("schedule %s: day_type=%s status=%s", sched.Day, sched.DayType, sched.Status)
		}
		if sched.Leave == nil || sched.Leave.RequestedBy != "dsr-agung" {
			t.Fatalf("schedule %s missing leave record", sched.Day)
		}
	}

	listed, err := svc.ListSchedules(dsrCtx("dsr-agung"), "", "2026-09-07", "2026-09-09")
	if err != nil {
		t.Fatalf("list schedules failed: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("listed count = %d, want 3", len(listed))
	}
}

func TestRequestLeaveValidation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := dsrCtx("dsr-agung")

	if _, err := svc.RequestLeave(ctx, domain.LeaveRequest{From: "2026-09-09", To: "2026-09-07", Type: "annual"}); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("reversed range should fail, got %v", err)
	}
	if _, err := svc.RequestLeave(ctx, domain.LeaveRequest{From: "2026-09-01", To: "2026-12-01", Type: "annual"}); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("oversized range should fail, got %v", err)
	}
}

func TestAuditTrailRecorded(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createInvoice(t, svc, "INV-AUDIT", unitInputs("100", "120", "358240051111110"))
	verifyInvoice(t, svc, inv.ID)

	logs, err := svc.ListAuditLogs(adminCtx(), "", 50)
	if err != nil {
		t.Fatalf("list audit logs failed: %v", err)
	}
	actions := make(map[string]bool)
	for _, entry := range logs {
		actions[entry.Action] = true
		if entry.Actor != "admin" {
			t.Fatalf("audit actor = %s, want admin", entry.Actor)
		}
	}
	for _, want := range []string{"invoice_create", "invoice_proof_attach", "invoice_verify"} {
		if !actions[want] {
			t.Fatalf("missing audit action %s in %v", want, actions)
		}
	}
}

func TestAttachProofRejectsBadMime(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createInvoice(t, svc, "INV-MIME", unitInputs("100", "120", "358240051111110"))

	_, err := svc.AttachInvoiceProof(adminCtx(), inv.ID, domain.AttachProofRequest{
		FileName: "proof.exe",
		MimeType: "application/octet-stream",
		Data:     []byte{0x4d, 0x5a},
	})
	if !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("disallowed mime type should be rejected, got %v", err)
	}
}

// EnsureSchedule must be idempotent and keep whatever already happened that
// day.
func TestEnsureScheduleIdempotent(t *testing.T) {
	svc, _, _ := newTestService()
	day := time.Now().UTC().AddDate(0, 0, 1).Format(domain.DayFormat)

	first, err := svc.EnsureSchedule(adminCtx(), "dsr-agung", day)
	if err != nil {
		t.Fatalf("ensure schedule failed: %v", err)
	}
	second, err := svc.EnsureSchedule(adminCtx(), "dsr-agung", day)
	if err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("ensure must be idempotent: %s != %s", first.ID, second.ID)
	}
}
