package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotCheckInDay     = errors.New("check-in is only allowed on the scheduled day")
	ErrAlreadyCheckedIn  = errors.New("already checked in")
	ErrNotCheckedIn      = errors.New("check-in required before check-out")
	ErrAlreadyCheckedOut = errors.New("already checked out")
	ErrNotScheduled      = errors.New("schedule is not in a check-in state")
)

// ValidIMEI reports whether s is a 15-digit numeric IMEI.
func ValidIMEI(s string) bool {
	if len(s) != 15 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func ValidCondition(c string) bool {
	switch c {
	case UnitConditionNew, UnitConditionRefurbished, UnitConditionOpenBox, UnitConditionLikeNew:
		return true
	}
	return false
}

// RecomputeInvoiceTotals rewrites the derived financial aggregate from the
// current unit set. It is pure over the invoice value and idempotent; stores
// call it inside the same write as any unit mutation.
func RecomputeInvoiceTotals(inv *PurchaseInvoice) {
	subtotal := decimal.Zero
	selling := decimal.Zero
	for _, u := range inv.Units {
		subtotal = subtotal.Add(u.CostPrice)
		selling = selling.Add(u.SellingPrice)
	}
	inv.Subtotal = subtotal
	inv.TotalCost = subtotal.Add(inv.Tax).Sub(inv.Discount).Add(inv.Shipping)
	inv.TotalSellingPrice = selling
	inv.PendingPayment = inv.TotalCost.Sub(inv.PaidAmount)
}

// AdvanceInvoiceCompletion flips a verified invoice to completed once every
// unit has been sold. Draft, cancelled and already-completed invoices are
// left alone.
func AdvanceInvoiceCompletion(inv *PurchaseInvoice) {
	if inv.Status != InvoiceStatusVerified || len(inv.Units) == 0 {
		return
	}
	for _, u := range inv.Units {
		if u.Status != UnitStatusSold {
			return
		}
	}
	inv.Status = InvoiceStatusCompleted
}

// DeriveAssignmentStatus computes the assignment status from the outcome mix.
// It is recomputed on every persist and never stored independently.
func DeriveAssignmentStatus(units []AssignedUnit) string {
	if len(units) == 0 {
		return AssignmentStatusActive
	}
	sold, returned := 0, 0
	for _, u := range units {
		switch u.Status {
		case AssignedUnitStatusSold:
			sold++
		case AssignedUnitStatusReturned:
			returned++
		}
	}
	switch {
	case returned == len(units):
		return AssignmentStatusFullyReturned
	case sold == len(units):
		return AssignmentStatusCompleted
	case sold+returned > 0:
		return AssignmentStatusPartiallyReturned
	default:
		return AssignmentStatusActive
	}
}

// ApplyCheckIn records a check-in at the given instant. The schedule must be
// in the scheduled state and the instant must fall on the scheduled day.
// Arriving after the shift start marks the day late with the lateness
// recorded in minutes.
func ApplyCheckIn(s *Schedule, at time.Time) error {
	if s.Status != ScheduleStatusScheduled {
		return ErrNotScheduled
	}
	if s.CheckInAt != nil {
		return ErrAlreadyCheckedIn
	}
	at = at.UTC()
	if at.Format(DayFormat) != s.Day {
		return ErrNotCheckInDay
	}

	checkIn := at
	s.CheckInAt = &checkIn
	s.Status = ScheduleStatusCheckedIn

	start, err := ShiftStartOn(s.Day, s.ShiftStart)
	if err == nil && at.After(start) {
		s.Status = ScheduleStatusLate
		s.LateMinutes = int(at.Sub(start).Minutes())
	}
	return nil
}

// ApplyCheckOut records a check-out and the worked-minutes delta.
func ApplyCheckOut(s *Schedule, at time.Time) error {
	if s.CheckInAt == nil {
		return ErrNotCheckedIn
	}
	if s.CheckOutAt != nil {
		return ErrAlreadyCheckedOut
	}
	at = at.UTC()
	if at.Before(*s.CheckInAt) {
		return fmt.Errorf("check-out %s precedes check-in %s", at.Format(time.RFC3339), s.CheckInAt.Format(time.RFC3339))
	}
	checkOut := at
	s.CheckOutAt = &checkOut
	s.WorkedMinutes = int(at.Sub(*s.CheckInAt).Minutes())
	s.Status = ScheduleStatusPresent
	return nil
}

// ShiftStartOn resolves a "15:04" shift start against a calendar day in UTC.
func ShiftStartOn(day string, shiftStart string) (time.Time, error) {
	if shiftStart == "" {
		shiftStart = DefaultShiftStart
	}
	return time.Parse(DayFormat+" 15:04", day+" "+shiftStart)
}

// NewSchedule builds a default workday schedule for (dsr, day).
func NewSchedule(id string, dsr string, day string, now time.Time) Schedule {
	return Schedule{
		ID:         id,
		DSR:        dsr,
		Day:        day,
		DayType:    DayTypeWorkday,
		Status:     ScheduleStatusScheduled,
		ShiftStart: DefaultShiftStart,
		ShiftEnd:   DefaultShiftEnd,
		Performance: Performance{
			Revenue: decimal.Zero,
			Profit:  decimal.Zero,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
