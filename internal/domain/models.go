package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string    `json:"id"`
	Brand     string    `json:"brand"`
	Model     string    `json:"model"`
	Variant   string    `json:"variant"`
	Specs     string    `json:"specs,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	Brand   string `json:"brand"`
	Model   string `json:"model"`
	Variant string `json:"variant"`
	Specs   string `json:"specs,omitempty"`
}

// PhoneUnit is one IMEI-identified handset. Units live inside the purchase
// invoice that received them and never move to another invoice.
type PhoneUnit struct {
	IMEI           string           `json:"imei"`
	InvoiceID      string           `json:"invoice_id"`
	ProductID      string           `json:"product_id"`
	CostPrice      decimal.Decimal  `json:"cost_price"`
	SellingPrice   decimal.Decimal  `json:"selling_price"`
	Condition      string           `json:"condition"`
	Status         string           `json:"status"`
	WarrantyExpiry *time.Time       `json:"warranty_expiry,omitempty"`
	SoldPrice      *decimal.Decimal `json:"sold_price,omitempty"`
	SoldDate       *time.Time       `json:"sold_date,omitempty"`
	ReturnNotes    string           `json:"return_notes,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

type UnitInput struct {
	IMEI           string          `json:"imei"`
	ProductID      string          `json:"product_id"`
	CostPrice      decimal.Decimal `json:"cost_price"`
	SellingPrice   decimal.Decimal `json:"selling_price"`
	Condition      string          `json:"condition"`
	WarrantyExpiry string          `json:"warranty_expiry,omitempty"`
}

type PurchaseInvoice struct {
	ID              string          `json:"id"`
	InvoiceNumber   string          `json:"invoice_number"`
	SupplierName    string          `json:"supplier_name"`
	SupplierContact string          `json:"supplier_contact,omitempty"`
	PaymentTerms    string          `json:"payment_terms,omitempty"`
	ProofKey        string          `json:"proof_key,omitempty"`
	ProofURL        string          `json:"proof_url,omitempty"`
	Tax             decimal.Decimal `json:"tax"`
	Discount        decimal.Decimal `json:"discount"`
	Shipping        decimal.Decimal `json:"shipping"`
	PaidAmount      decimal.Decimal `json:"paid_amount"`

	// Derived on every persist from the current unit set.
	Subtotal          decimal.Decimal `json:"subtotal"`
	TotalCost         decimal.Decimal `json:"total_cost"`
	TotalSellingPrice decimal.Decimal `json:"total_selling_price"`
	PendingPayment    decimal.Decimal `json:"pending_payment"`

	Status    string      `json:"status"`
	Units     []PhoneUnit `json:"units"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type InvoiceCreateRequest struct {
	InvoiceNumber   string          `json:"invoice_number"`
	SupplierName    string          `json:"supplier_name"`
	SupplierContact string          `json:"supplier_contact,omitempty"`
	PaymentTerms    string          `json:"payment_terms,omitempty"`
	Tax             decimal.Decimal `json:"tax"`
	Discount        decimal.Decimal `json:"discount"`
	Shipping        decimal.Decimal `json:"shipping"`
	PaidAmount      decimal.Decimal `json:"paid_amount"`
	Units           []UnitInput     `json:"units"`
}

// InvoiceEditRequest patches draft invoice headers. Nil fields are untouched.
// Units can only be added; removing a unit goes through DeleteUnit.
type InvoiceEditRequest struct {
	SupplierName    *string          `json:"supplier_name,omitempty"`
	SupplierContact *string          `json:"supplier_contact,omitempty"`
	PaymentTerms    *string          `json:"payment_terms,omitempty"`
	Tax             *decimal.Decimal `json:"tax,omitempty"`
	Discount        *decimal.Decimal `json:"discount,omitempty"`
	Shipping        *decimal.Decimal `json:"shipping,omitempty"`
	PaidAmount      *decimal.Decimal `json:"paid_amount,omitempty"`
	AddUnits        []UnitInput      `json:"add_units,omitempty"`
}

type AttachProofRequest struct {
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// AssignedUnit is a snapshot of a phone unit at assignment time. It survives
// later mutations of the ledger row.
type AssignedUnit struct {
	IMEI          string           `json:"imei"`
	ProductID     string           `json:"product_id"`
	AssignedPrice decimal.Decimal  `json:"assigned_price"`
	TargetPrice   decimal.Decimal  `json:"target_price"`
	Status        string           `json:"status"`
	SoldPrice     *decimal.Decimal `json:"sold_price,omitempty"`
	SoldDate      *time.Time       `json:"sold_date,omitempty"`
	ReturnDate    *time.Time       `json:"return_date,omitempty"`
	ReturnNotes   string           `json:"return_notes,omitempty"`
}

type Assignment struct {
	ID         string         `json:"id"`
	Number     string         `json:"number"`
	DSR        string         `json:"dsr"`
	Day        string         `json:"day"`
	ScheduleID string         `json:"schedule_id,omitempty"`
	Status     string         `json:"status"`
	Units      []AssignedUnit `json:"units"`
	Notes      string         `json:"notes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type AssignmentCreateRequest struct {
	DSR          string                     `json:"dsr"`
	Day          string                     `json:"day,omitempty"`
	IMEIs        []string                   `json:"imeis"`
	TargetPrices map[string]decimal.Decimal `json:"target_prices,omitempty"`
	Notes        string                     `json:"notes,omitempty"`
}

type MarkSoldRequest struct {
	IMEI      string          `json:"imei"`
	SoldPrice decimal.Decimal `json:"sold_price"`
	SoldDate  string          `json:"sold_date,omitempty"`
}

type ReturnUnitsRequest struct {
	IMEIs []string `json:"imeis"`
	Notes string   `json:"notes,omitempty"`
}

// ReturnUnitsResponse reports which IMEIs actually flipped to returned.
// IMEIs already sold or returned are skipped, not errors.
type ReturnUnitsResponse struct {
	Assignment Assignment `json:"assignment"`
	Returned   []string   `json:"returned"`
	Skipped    []string   `json:"skipped"`
}

type LeaveRecord struct {
	Type        string    `json:"type"`
	Reason      string    `json:"reason,omitempty"`
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}

type Performance struct {
	UnitsAssigned int             `json:"units_assigned"`
	UnitsSold     int             `json:"units_sold"`
	UnitsReturned int             `json:"units_returned"`
	Revenue       decimal.Decimal `json:"revenue"`
	Profit        decimal.Decimal `json:"profit"`
}

type Schedule struct {
	ID            string       `json:"id"`
	DSR           string       `json:"dsr"`
	Day           string       `json:"day"`
	DayType       string       `json:"day_type"`
	Status        string       `json:"status"`
	ShiftStart    string       `json:"shift_start,omitempty"`
	ShiftEnd      string       `json:"shift_end,omitempty"`
	CheckInAt     *time.Time   `json:"check_in_at,omitempty"`
	CheckOutAt    *time.Time   `json:"check_out_at,omitempty"`
	LateMinutes   int          `json:"late_minutes,omitempty"`
	WorkedMinutes int          `json:"worked_minutes,omitempty"`
	AssignmentID  string       `json:"assignment_id,omitempty"`
	Leave         *LeaveRecord `json:"leave,omitempty"`
	Performance   Performance  `json:"performance"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

type LeaveRequest struct {
	DSR    string `json:"dsr,omitempty"`
	From   string `json:"from"`
	To     string `json:"to"`
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

type StockSummaryRow struct {
	ProductID string          `json:"product_id"`
	Brand     string          `json:"brand"`
	Model     string          `json:"model"`
	Variant   string          `json:"variant"`
	Available int             `json:"available"`
	Assigned  int             `json:"assigned"`
	Sold      int             `json:"sold"`
	Damaged   int             `json:"damaged"`
	CostValue decimal.Decimal `json:"cost_value"`
	SellValue decimal.Decimal `json:"sell_value"`
}

type StockSummary struct {
	TotalAvailable int               `json:"total_available"`
	TotalAssigned  int               `json:"total_assigned"`
	TotalSold      int               `json:"total_sold"`
	TotalDamaged   int               `json:"total_damaged"`
	Rows           []StockSummaryRow `json:"rows"`
	GeneratedAt    string            `json:"generated_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	UnitStatusAvailable = "available"
	UnitStatusAssigned  = "assigned"
	UnitStatusSold      = "sold"
	UnitStatusDamaged   = "damaged"
)

const (
	UnitConditionNew         = "new"
	UnitConditionRefurbished = "refurbished"
	UnitConditionOpenBox     = "open_box"
	UnitConditionLikeNew     = "like_new"
)

const (
	InvoiceStatusDraft     = "draft"
	InvoiceStatusVerified  = "verified"
	InvoiceStatusCompleted = "completed"
	InvoiceStatusCancelled = "cancelled"
)

const (
	AssignedUnitStatusAssigned = "assigned"
	AssignedUnitStatusSold     = "sold"
	AssignedUnitStatusReturned = "returned"
)

const (
	AssignmentStatusActive            = "active"
	AssignmentStatusPartiallyReturned = "partially_returned"
	AssignmentStatusFullyReturned     = "fully_returned"
	AssignmentStatusCompleted         = "completed"
)

const (
	ScheduleStatusScheduled = "scheduled"
	ScheduleStatusCheckedIn = "checked_in"
	ScheduleStatusPresent   = "present"
	ScheduleStatusLate      = "late"
	ScheduleStatusAbsent    = "absent"
	ScheduleStatusOnLeave   = "on_leave"
	ScheduleStatusHoliday   = "holiday"
	ScheduleStatusCancelled = "cancelled"
)

const (
	DayTypeWorkday = "workday"
	DayTypeLeave   = "leave"
	DayTypeHoliday = "holiday"
)

const (
	RoleAdmin = "admin"
	RoleDSR   = "dsr"
)

const (
	DefaultShiftStart = "09:00"
	DefaultShiftEnd   = "18:00"
)

const DayFormat = "2006-01-02"
