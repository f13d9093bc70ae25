package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"phonestock/backend/internal/domain"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrConflict                 = errors.New("conflict")
	ErrInvalidRequest           = errors.New("invalid request")
	ErrInvalidTransition        = errors.New("invalid status transition")
	ErrVerificationPrecondition = errors.New("verification precondition not met")
	ErrImmutableInvoice         = errors.New("invoice can no longer be modified")
	ErrUnitUnavailable          = errors.New("unit unavailable")
)

type Repository interface {
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)

	CreateInvoice(ctx context.Context, inv domain.PurchaseInvoice) (*domain.PurchaseInvoice, error)
	GetInvoiceByID(ctx context.Context, id string) (*domain.PurchaseInvoice, error)
	GetInvoiceByNumber(ctx context.Context, number string) (*domain.PurchaseInvoice, error)
	ListInvoices(ctx context.Context, status string, limit int) ([]domain.PurchaseInvoice, error)
	EditDraftInvoice(ctx context.Context, id string, patch domain.InvoiceEditRequest, addUnits []domain.PhoneUnit) (*domain.PurchaseInvoice, error)
	CancelInvoice(ctx context.Context, id string) (*domain.PurchaseInvoice, error)
	AttachInvoiceProof(ctx context.Context, id string, key string, url string) (*domain.PurchaseInvoice, error)
	VerifyInvoice(ctx context.Context, id string) (*domain.PurchaseInvoice, error)

	FindUnitByIMEI(ctx context.Context, imei string) (*domain.PhoneUnit, *domain.PurchaseInvoice, error)
	DeleteAvailableUnit(ctx context.Context, imei string) error
	TransitionUnit(ctx context.Context, imei string, from string, to string, notes string) (*domain.PhoneUnit, error)
	StockSummary(ctx context.Context) (domain.StockSummary, error)

	CreateAssignment(ctx context.Context, a domain.Assignment) (*domain.Assignment, error)
	GetAssignmentByID(ctx context.Context, id string) (*domain.Assignment, error)
	ListAssignments(ctx context.Context, dsr string, day string, limit int) ([]domain.Assignment, error)
	MarkAssignmentUnitSold(ctx context.Context, assignmentID string, imei string, soldPrice decimal.Decimal, soldDate time.Time) (*domain.Assignment, error)
	ReturnAssignmentUnits(ctx context.Context, assignmentID string, imeis []string, notes string, at time.Time) (*domain.Assignment, []string, []string, error)

	EnsureSchedule(ctx context.Context, s domain.Schedule) (*domain.Schedule, error)
	GetSchedule(ctx context.Context, dsr string, day string) (*domain.Schedule, error)
	ListSchedules(ctx context.Context, dsr string, from string, to string) ([]domain.Schedule, error)
	CheckInSchedule(ctx context.Context, dsr string, day string, at time.Time) (*domain.Schedule, error)
	CheckOutSchedule(ctx context.Context, dsr string, day string, at time.Time) (*domain.Schedule, error)
	UpsertLeaveSchedules(ctx context.Context, schedules []domain.Schedule) ([]domain.Schedule, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
