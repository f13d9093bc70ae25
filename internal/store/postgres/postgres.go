package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"phonestock/backend/internal/domain"
	"phonestock/backend/internal/store"
	"phonestock/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so the row loaders can run
// inside or outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Brand == "" || product.Model == "" {
		return nil, store.ErrInvalidRequest
	}

	product.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, brand, model, variant, specs, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, product.ID, product.Brand, product.Model, product.Variant, product.Specs, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: product %s already exists", store.ErrConflict, product.ID)
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, brand, model, variant, specs, active, created_at
		FROM products
		WHERE active = true
		ORDER BY brand, model, variant
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Brand, &p.Model, &p.Variant, &p.Specs, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, brand, model, variant, specs, active, created_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Brand, &p.Model, &p.Variant, &p.Specs, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateInvoice(ctx context.Context, inv domain.PurchaseInvoice) (*domain.PurchaseInvoice, error) {
	if inv.InvoiceNumber == "" || len(inv.Units) == 0 {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	inv.Status = domain.InvoiceStatusDraft
	now := time.Now().UTC()
	for i := range inv.Units {
		inv.Units[i].InvoiceID = inv.ID
		inv.Units[i].Status = domain.UnitStatusAvailable
		inv.Units[i].CreatedAt = now
	}
	domain.RecomputeInvoiceTotals(&inv)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (
			id, invoice_number, supplier_name, supplier_contact, payment_terms,
			proof_key, proof_url, tax, discount, shipping, paid_amount,
			subtotal, total_cost, total_selling_price, pending_payment,
			status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,'','',$6,$7,$8,$9,$10,$11,$12,$13,$14,now(),now())
	`, inv.ID, inv.InvoiceNumber, inv.SupplierName, inv.SupplierContact, inv.PaymentTerms,
		inv.Tax, inv.Discount, inv.Shipping, inv.PaidAmount,
		inv.Subtotal, inv.TotalCost, inv.TotalSellingPrice, inv.PendingPayment, inv.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: invoice number %s already exists", store.ErrConflict, inv.InvoiceNumber)
		}
		return nil, err
	}

	for _, u := range inv.Units {
		if err := insertUnit(ctx, tx, inv.ID, u); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetInvoiceByID(ctx, inv.ID)
}

func insertUnit(ctx context.Context, q dbtx, invoiceID string, u domain.PhoneUnit) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO invoice_units (
			imei, invoice_id, product_id, cost_price, selling_price,
			condition, status, warranty_expiry, return_notes, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'',now())
	`, u.IMEI, invoiceID, u.ProductID, u.CostPrice, u.SellingPrice,
		u.Condition, domain.UnitStatusAvailable, nullTime(u.WarrantyExpiry))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: imei %s already registered", store.ErrConflict, u.IMEI)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: product %s", store.ErrNotFound, u.ProductID)
		}
		return err
	}
	return nil
}

func (s *Store) GetInvoiceByID(ctx context.Context, id string) (*domain.PurchaseInvoice, error) {
	return getInvoice(ctx, s.db, "id", id)
}

func (s *Store) GetInvoiceByNumber(ctx context.Context, number string) (*domain.PurchaseInvoice, error) {
	return getInvoice(ctx, s.db, "number", number)
}

func getInvoice(ctx context.Context, q dbtx, by string, value string) (*domain.PurchaseInvoice, error) {
	where := "id = $1"
	if by == "number" {
		where = "lower(invoice_number) = lower($1)"
	}
	var inv domain.PurchaseInvoice
	err := q.QueryRowContext(ctx, `
		SELECT id, invoice_number, supplier_name, supplier_contact, payment_terms,
		       proof_key, proof_url, tax, discount, shipping, paid_amount,
		       subtotal, total_cost, total_selling_price, pending_payment,
		       status, created_at, updated_at
		FROM invoices
		WHERE `+where, value).Scan(
		&inv.ID, &inv.InvoiceNumber, &inv.SupplierName, &inv.SupplierContact, &inv.PaymentTerms,
		&inv.ProofKey, &inv.ProofURL, &inv.Tax, &inv.Discount, &inv.Shipping, &inv.PaidAmount,
		&inv.Subtotal, &inv.TotalCost, &inv.TotalSellingPrice, &inv.PendingPayment,
		&inv.Status, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: invoice %s", store.ErrNotFound, value)
		}
		return nil, err
	}

	units, err := loadInvoiceUnits(ctx, q, inv.ID)
	if err != nil {
		return nil, err
	}
	inv.Units = units
	return &inv, nil
}

func loadInvoiceUnits(ctx context.Context, q dbtx, invoiceID string) ([]domain.PhoneUnit, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT imei, invoice_id, product_id, cost_price, selling_price,
		       condition, status, warranty_expiry, sold_price, sold_date,
		       return_notes, created_at
		FROM invoice_units
		WHERE invoice_id = $1
		ORDER BY created_at, imei
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	units := make([]domain.PhoneUnit, 0, 16)
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return units, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (domain.PhoneUnit, error) {
	var u domain.PhoneUnit
	var warranty, soldDate sql.NullTime
	var soldPrice decimal.NullDecimal
	err := row.Scan(&u.IMEI, &u.InvoiceID, &u.ProductID, &u.CostPrice, &u.SellingPrice,
		&u.Condition, &u.Status, &warranty, &soldPrice, &soldDate,
		&u.ReturnNotes, &u.CreatedAt)
	if err != nil {
		return domain.PhoneUnit{}, err
	}
	if warranty.Valid {
		t := warranty.Time
		u.WarrantyExpiry = &t
	}
	if soldPrice.Valid {
		d := soldPrice.Decimal
		u.SoldPrice = &d
	}
	if soldDate.Valid {
		t := soldDate.Time
		u.SoldDate = &t
	}
	return u, nil
}

func (s *Store) ListInvoices(ctx context.Context, status string, limit int) ([]domain.PurchaseInvoice, error) {
	if limit < 1 {
		limit = 100
	}
	args := []any{limit}
	where := ""
	if status != "" {
		where = "WHERE status = $2"
		args = append(args, status)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM invoices `+where+`
		ORDER BY created_at DESC, invoice_number
		LIMIT $1
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	invoices := make([]domain.PurchaseInvoice, 0, len(ids))
	for _, id := range ids {
		inv, err := getInvoice(ctx, s.db, "id", id)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, nil
}

// lockDraftInvoice loads the invoice header row FOR UPDATE and verifies it is
// still a draft with every unit available.
func lockDraftInvoice(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var number, status string
	err := tx.QueryRowContext(ctx, `
		SELECT invoice_number, status FROM invoices WHERE id = $1 FOR UPDATE
	`, id).Scan(&number, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: invoice %s", store.ErrNotFound, id)
		}
		return "", err
	}
	if status != domain.InvoiceStatusDraft {
		return "", fmt.Errorf("%w: invoice %s is %s", store.ErrImmutableInvoice, number, status)
	}

	var busy int
	err = tx.QueryRowContext(ctx, `
		SELECT count(*) FROM invoice_units WHERE invoice_id = $1 AND status <> $2
	`, id, domain.UnitStatusAvailable).Scan(&busy)
	if err != nil {
		return "", err
	}
	if busy > 0 {
		return "", fmt.Errorf("%w: invoice %s has non-available units", store.ErrImmutableInvoice, number)
	}
	return number, nil
}

// persistInvoiceTotals re-reads the unit set and rewrites the derived
// financial columns, keeping the aggregate consistent within the transaction
// that mutated the units.
func persistInvoiceTotals(ctx context.Context, q dbtx, invoiceID string) error {
	inv, err := getInvoice(ctx, q, "id", invoiceID)
	if err != nil {
		return err
	}
	domain.RecomputeInvoiceTotals(inv)
	domain.AdvanceInvoiceCompletion(inv)
	_, err = q.ExecContext(ctx, `
		UPDATE invoices
		SET subtotal = $2, total_cost = $3, total_selling_price = $4,
		    pending_payment = $5, status = $6, updated_at = now()
		WHERE id = $1
	`, invoiceID, inv.Subtotal, inv.TotalCost, inv.TotalSellingPrice, inv.PendingPayment, inv.Status)
	return err
}

func (s *Store) EditDraftInvoice(ctx context.Context, id string, patch domain.InvoiceEditRequest, addUnits []domain.PhoneUnit) (*domain.PurchaseInvoice, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockDraftInvoice(ctx, tx, id); err != nil {
		return nil, err
	}

	sets := make([]string, 0, 8)
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.SupplierName != nil {
		add("supplier_name", *patch.SupplierName)
	}
	if patch.SupplierContact != nil {
		add("supplier_contact", *patch.SupplierContact)
	}
	if patch.PaymentTerms != nil {
		add("payment_terms", *patch.PaymentTerms)
	}
	if patch.Tax != nil {
		add("tax", *patch.Tax)
	}
	if patch.Discount != nil {
		add("discount", *patch.Discount)
	}
	if patch.Shipping != nil {
		add("shipping", *patch.Shipping)
	}
	if patch.PaidAmount != nil {
		add("paid_amount", *patch.PaidAmount)
	}
	if len(sets) > 0 {
		_, err = tx.ExecContext(ctx, `UPDATE invoices SET `+strings.Join(sets, ", ")+`, updated_at = now() WHERE id = $1`, args...)
		if err != nil {
			return nil, err
		}
	}

	for _, u := range addUnits {
		if err := insertUnit(ctx, tx, id, u); err != nil {
			return nil, err
		}
	}

	if err := persistInvoiceTotals(ctx, tx, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetInvoiceByID(ctx, id)
}

func (s *Store) CancelInvoice(ctx context.Context, id string) (*domain.PurchaseInvoice, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockDraftInvoice(ctx, tx, id); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE invoices SET status = $2, updated_at = now() WHERE id = $1
	`, id, domain.InvoiceStatusCancelled)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetInvoiceByID(ctx, id)
}

func (s *Store) AttachInvoiceProof(ctx context.Context, id string, key string, url string) (*domain.PurchaseInvoice, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices
		SET proof_key = $2, proof_url = $3, updated_at = now()
		WHERE id = $1 AND status = $4
	`, id, key, url, domain.InvoiceStatusDraft)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		inv, err := s.GetInvoiceByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: invoice %s is %s", store.ErrImmutableInvoice, inv.InvoiceNumber, inv.Status)
	}
	return s.GetInvoiceByID(ctx, id)
}

func (s *Store) VerifyInvoice(ctx context.Context, id string) (*domain.PurchaseInvoice, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3 AND proof_key <> ''
	`, id, domain.InvoiceStatusVerified, domain.InvoiceStatusDraft)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		inv, err := s.GetInvoiceByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: invoice %s (status=%s, proof=%t)",
			store.ErrVerificationPrecondition, inv.InvoiceNumber, inv.Status, inv.ProofKey != "")
	}
	return s.GetInvoiceByID(ctx, id)
}

func (s *Store) FindUnitByIMEI(ctx context.Context, imei string) (*domain.PhoneUnit, *domain.PurchaseInvoice, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT imei, invoice_id, product_id, cost_price, selling_price,
		       condition, status, warranty_expiry, sold_price, sold_date,
		       return_notes, created_at
		FROM invoice_units
		WHERE imei = $1
	`, imei)
	u, err := scanUnit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("%w: imei %s", store.ErrNotFound, imei)
		}
		return nil, nil, err
	}
	inv, err := getInvoice(ctx, s.db, "id", u.InvoiceID)
	if err != nil {
		return nil, nil, err
	}
	return &u, inv, nil
}

func (s *Store) DeleteAvailableUnit(ctx context.Context, imei string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var invoiceID, status string
	err = tx.QueryRowContext(ctx, `
		SELECT invoice_id, status FROM invoice_units WHERE imei = $1 FOR UPDATE
	`, imei).Scan(&invoiceID, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: imei %s", store.ErrNotFound, imei)
		}
		return err
	}
	if status != domain.UnitStatusAvailable {
		return fmt.Errorf("%w: imei %s is %s", store.ErrInvalidTransition, imei, status)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `
		SELECT count(*) FROM invoice_units WHERE invoice_id = $1
	`, invoiceID).Scan(&remaining); err != nil {
		return err
	}
	if remaining <= 1 {
		return fmt.Errorf("%w: invoice %s must retain at least one unit", store.ErrInvalidRequest, invoiceID)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM invoice_units WHERE imei = $1 AND status = $2
	`, imei, domain.UnitStatusAvailable)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: imei %s", store.ErrInvalidTransition, imei)
	}

	if err := persistInvoiceTotals(ctx, tx, invoiceID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) TransitionUnit(ctx context.Context, imei string, from string, to string, notes string) (*domain.PhoneUnit, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var invoiceID string
	err = tx.QueryRowContext(ctx, `
		UPDATE invoice_units
		SET status = $3, return_notes = CASE WHEN $4 <> '' THEN $4 ELSE return_notes END
		WHERE imei = $1 AND status = $2
		RETURNING invoice_id
	`, imei, from, to, notes).Scan(&invoiceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			unit, _, findErr := s.FindUnitByIMEI(ctx, imei)
			if findErr != nil {
				return nil, findErr
			}
			return nil, fmt.Errorf("%w: imei %s is %s, expected %s", store.ErrInvalidTransition, imei, unit.Status, from)
		}
		return nil, err
	}

	if err := persistInvoiceTotals(ctx, tx, invoiceID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	unit, _, err := s.FindUnitByIMEI(ctx, imei)
	return unit, err
}

func (s *Store) StockSummary(ctx context.Context) (domain.StockSummary, error) {
	summary := domain.StockSummary{GeneratedAt: time.Now().UTC().Format(time.RFC3339)}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.brand, p.model, p.variant,
		       count(*) FILTER (WHERE u.status = 'available'),
		       count(*) FILTER (WHERE u.status = 'assigned'),
		       count(*) FILTER (WHERE u.status = 'sold'),
		       count(*) FILTER (WHERE u.status = 'damaged'),
		       COALESCE(sum(u.cost_price) FILTER (WHERE u.status = 'available'), 0),
		       COALESCE(sum(u.selling_price) FILTER (WHERE u.status = 'available'), 0)
		FROM invoice_units u
		JOIN invoices i ON i.id = u.invoice_id AND i.status <> 'cancelled'
		JOIN products p ON p.id = u.product_id
		GROUP BY p.id, p.brand, p.model, p.variant
		ORDER BY p.brand, p.model
	`)
	if err != nil {
		return summary, err
	}
	defer rows.Close()

	for rows.Next() {
		var row domain.StockSummaryRow
		if err := rows.Scan(&row.ProductID, &row.Brand, &row.Model, &row.Variant,
			&row.Available, &row.Assigned, &row.Sold, &row.Damaged,
			&row.CostValue, &row.SellValue); err != nil {
			return summary, err
		}
		summary.TotalAvailable += row.Available
		summary.TotalAssigned += row.Assigned
		summary.TotalSold += row.Sold
		summary.TotalDamaged += row.Damaged
		summary.Rows = append(summary.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (s *Store) CreateAssignment(ctx context.Context, a domain.Assignment) (*domain.Assignment, error) {
	if a.DSR == "" || a.Day == "" || len(a.Units) == 0 {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var scheduleID, existingAssignment string
	err = tx.QueryRowContext(ctx, `
		SELECT id, assignment_id FROM schedules WHERE dsr = $1 AND day = $2 FOR UPDATE
	`, a.DSR, a.Day).Scan(&scheduleID, &existingAssignment)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: schedule %s/%s", store.ErrNotFound, a.DSR, a.Day)
		}
		return nil, err
	}
	if existingAssignment != "" {
		return nil, fmt.Errorf("%w: schedule %s already holds assignment %s", store.ErrConflict, scheduleID, existingAssignment)
	}

	// Flip every requested unit with a conditional update. Zero rows means the
	// unit is gone, not available, or its invoice is not verified; the whole
	// assignment fails.
	for i := range a.Units {
		imei := a.Units[i].IMEI
		var productID string
		var costPrice, sellingPrice decimal.Decimal
		err := tx.QueryRowContext(ctx, `
			UPDATE invoice_units u
			SET status = $2
			FROM invoices i
			WHERE u.imei = $1 AND u.status = $3
			  AND i.id = u.invoice_id AND i.status = $4
			RETURNING u.product_id, u.cost_price, u.selling_price
		`, imei, domain.UnitStatusAssigned, domain.UnitStatusAvailable, domain.InvoiceStatusVerified).
			Scan(&productID, &costPrice, &sellingPrice)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: imei %s", store.ErrUnitUnavailable, imei)
			}
			return nil, err
		}
		// AssignedPrice is the cost basis charged to the dsr; TargetPrice
		// defaults to the listed selling price.
		a.Units[i].ProductID = productID
		a.Units[i].AssignedPrice = costPrice
		if a.Units[i].TargetPrice.IsZero() {
			a.Units[i].TargetPrice = sellingPrice
		}
		a.Units[i].Status = domain.AssignedUnitStatusAssigned
	}

	a.ScheduleID = scheduleID
	a.Status = domain.DeriveAssignmentStatus(a.Units)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO assignments (id, number, dsr, day, schedule_id, status, notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())
	`, a.ID, a.Number, a.DSR, a.Day, a.ScheduleID, a.Status, a.Notes)
	if err != nil {
		return nil, err
	}
	for _, u := range a.Units {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO assignment_units (assignment_id, imei, product_id, assigned_price, target_price, status, return_notes)
			VALUES ($1,$2,$3,$4,$5,$6,'')
		`, a.ID, u.IMEI, u.ProductID, u.AssignedPrice, u.TargetPrice, u.Status)
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE schedules
		SET assignment_id = $2, units_assigned = units_assigned + $3, updated_at = now()
		WHERE id = $1
	`, scheduleID, a.ID, len(a.Units))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetAssignmentByID(ctx, a.ID)
}

func (s *Store) GetAssignmentByID(ctx context.Context, id string) (*domain.Assignment, error) {
	return getAssignment(ctx, s.db, id)
}

func getAssignment(ctx context.Context, q dbtx, id string) (*domain.Assignment, error) {
	var a domain.Assignment
	err := q.QueryRowContext(ctx, `
		SELECT id, number, dsr, day, schedule_id, status, notes, created_at, updated_at
		FROM assignments
		WHERE id = $1
	`, id).Scan(&a.ID, &a.Number, &a.DSR, &a.Day, &a.ScheduleID, &a.Status, &a.Notes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: assignment %s", store.ErrNotFound, id)
		}
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT imei, product_id, assigned_price, target_price, status,
		       sold_price, sold_date, return_date, return_notes
		FROM assignment_units
		WHERE assignment_id = $1
		ORDER BY imei
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var u domain.AssignedUnit
		var soldPrice decimal.NullDecimal
		var soldDate, returnDate sql.NullTime
		if err := rows.Scan(&u.IMEI, &u.ProductID, &u.AssignedPrice, &u.TargetPrice, &u.Status,
			&soldPrice, &soldDate, &returnDate, &u.ReturnNotes); err != nil {
			return nil, err
		}
		if soldPrice.Valid {
			d := soldPrice.Decimal
			u.SoldPrice = &d
		}
		if soldDate.Valid {
			t := soldDate.Time
			u.SoldDate = &t
		}
		if returnDate.Valid {
			t := returnDate.Time
			u.ReturnDate = &t
		}
		a.Units = append(a.Units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) ListAssignments(ctx context.Context, dsr string, day string, limit int) ([]domain.Assignment, error) {
	if limit < 1 {
		limit = 100
	}
	where := make([]string, 0, 2)
	args := []any{limit}
	if dsr != "" {
		args = append(args, dsr)
		where = append(where, fmt.Sprintf("dsr = $%d", len(args)))
	}
	if day != "" {
		args = append(args, day)
		where = append(where, fmt.Sprintf("day = $%d", len(args)))
	}
	query := `SELECT id FROM assignments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, number LIMIT $1"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	assignments := make([]domain.Assignment, 0, len(ids))
	for _, id := range ids {
		a, err := getAssignment(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, *a)
	}
	return assignments, nil
}

// refreshAssignmentStatus re-derives the assignment status from its unit
// snapshots inside the same transaction.
func refreshAssignmentStatus(ctx context.Context, tx *sql.Tx, assignmentID string) error {
	a, err := getAssignment(ctx, tx, assignmentID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE assignments SET status = $2, updated_at = now() WHERE id = $1
	`, assignmentID, domain.DeriveAssignmentStatus(a.Units))
	return err
}

func (s *Store) MarkAssignmentUnitSold(ctx context.Context, assignmentID string, imei string, soldPrice decimal.Decimal, soldDate time.Time) (*domain.Assignment, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var dsr, day string
	err = tx.QueryRowContext(ctx, `
		SELECT dsr, day FROM assignments WHERE id = $1 FOR UPDATE
	`, assignmentID).Scan(&dsr, &day)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: assignment %s", store.ErrNotFound, assignmentID)
		}
		return nil, err
	}

	soldDate = soldDate.UTC()
	var assignedPrice decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		UPDATE assignment_units
		SET status = $3, sold_price = $4, sold_date = $5
		WHERE assignment_id = $1 AND imei = $2 AND status = $6
		RETURNING assigned_price
	`, assignmentID, imei, domain.AssignedUnitStatusSold, soldPrice, soldDate, domain.AssignedUnitStatusAssigned).
		Scan(&assignedPrice)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			var status string
			lookupErr := tx.QueryRowContext(ctx, `
				SELECT status FROM assignment_units WHERE assignment_id = $1 AND imei = $2
			`, assignmentID, imei).Scan(&status)
			if errors.Is(lookupErr, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: imei %s not in assignment %s", store.ErrNotFound, imei, assignmentID)
			}
			if lookupErr != nil {
				return nil, lookupErr
			}
			return nil, fmt.Errorf("%w: imei %s already %s", store.ErrConflict, imei, status)
		}
		return nil, err
	}

	var invoiceID string
	err = tx.QueryRowContext(ctx, `
		UPDATE invoice_units
		SET status = $2, sold_price = $3, sold_date = $4
		WHERE imei = $1 AND status = $5
		RETURNING invoice_id
	`, imei, domain.UnitStatusSold, soldPrice, soldDate, domain.UnitStatusAssigned).Scan(&invoiceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: imei %s is not assigned in the ledger", store.ErrInvalidTransition, imei)
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE schedules
		SET units_sold = units_sold + 1,
		    revenue = revenue + $3,
		    profit = profit + $4,
		    updated_at = now()
		WHERE dsr = $1 AND day = $2
	`, dsr, day, soldPrice, soldPrice.Sub(assignedPrice))
	if err != nil {
		return nil, err
	}

	if err := refreshAssignmentStatus(ctx, tx, assignmentID); err != nil {
		return nil, err
	}
	if err := persistInvoiceTotals(ctx, tx, invoiceID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetAssignmentByID(ctx, assignmentID)
}

func (s *Store) ReturnAssignmentUnits(ctx context.Context, assignmentID string, imeis []string, notes string, at time.Time) (*domain.Assignment, []string, []string, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var dsr, day string
	err = tx.QueryRowContext(ctx, `
		SELECT dsr, day FROM assignments WHERE id = $1 FOR UPDATE
	`, assignmentID).Scan(&dsr, &day)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil, fmt.Errorf("%w: assignment %s", store.ErrNotFound, assignmentID)
		}
		return nil, nil, nil, err
	}

	at = at.UTC()
	returned := make([]string, 0, len(imeis))
	skipped := make([]string, 0)
	for _, imei := range imeis {
		var invoiceID string
		err := tx.QueryRowContext(ctx, `
			UPDATE invoice_units u
			SET status = $2, return_notes = $3
			FROM assignment_units au
			WHERE u.imei = $1 AND u.status = $4
			  AND au.assignment_id = $5 AND au.imei = u.imei AND au.status = $6
			RETURNING u.invoice_id
		`, imei, domain.UnitStatusAvailable, notes, domain.UnitStatusAssigned,
			assignmentID, domain.AssignedUnitStatusAssigned).Scan(&invoiceID)
		if err != nil {
			// Sold, already-returned and unknown IMEIs are skipped, not errors.
			if errors.Is(err, sql.ErrNoRows) {
				skipped = append(skipped, imei)
				continue
			}
			return nil, nil, nil, err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE assignment_units
			SET status = $3, return_date = $4, return_notes = $5
			WHERE assignment_id = $1 AND imei = $2
		`, assignmentID, imei, domain.AssignedUnitStatusReturned, at, notes)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := persistInvoiceTotals(ctx, tx, invoiceID); err != nil {
			return nil, nil, nil, err
		}
		returned = append(returned, imei)
	}

	if len(returned) > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE schedules
			SET units_returned = units_returned + $3, updated_at = now()
			WHERE dsr = $1 AND day = $2
		`, dsr, day, len(returned))
		if err != nil {
			return nil, nil, nil, err
		}
		if err := refreshAssignmentStatus(ctx, tx, assignmentID); err != nil {
			return nil, nil, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, nil, err
	}
	a, err := s.GetAssignmentByID(ctx, assignmentID)
	if err != nil {
		return nil, nil, nil, err
	}
	return a, returned, skipped, nil
}

func (s *Store) EnsureSchedule(ctx context.Context, sched domain.Schedule) (*domain.Schedule, error) {
	if sched.DSR == "" || sched.Day == "" {
		return nil, store.ErrInvalidRequest
	}
	if sched.ID == "" {
		sched.ID = xid.New("sch")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, dsr, day, day_type, status, shift_start, shift_end, revenue, profit, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,0,0,now(),now())
		ON CONFLICT (dsr, day) DO NOTHING
	`, sched.ID, sched.DSR, sched.Day, sched.DayType, sched.Status, sched.ShiftStart, sched.ShiftEnd)
	if err != nil {
		return nil, err
	}
	return s.GetSchedule(ctx, sched.DSR, sched.Day)
}

const scheduleColumns = `
	id, dsr, day, day_type, status, shift_start, shift_end,
	check_in_at, check_out_at, late_minutes, worked_minutes, assignment_id,
	leave_type, leave_reason, leave_requested_by, leave_requested_at,
	units_assigned, units_sold, units_returned, revenue, profit,
	created_at, updated_at`

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var sched domain.Schedule
	var checkIn, checkOut, leaveAt sql.NullTime
	var leaveType, leaveReason, leaveBy string
	err := row.Scan(&sched.ID, &sched.DSR, &sched.Day, &sched.DayType, &sched.Status,
		&sched.ShiftStart, &sched.ShiftEnd,
		&checkIn, &checkOut, &sched.LateMinutes, &sched.WorkedMinutes, &sched.AssignmentID,
		&leaveType, &leaveReason, &leaveBy, &leaveAt,
		&sched.Performance.UnitsAssigned, &sched.Performance.UnitsSold, &sched.Performance.UnitsReturned,
		&sched.Performance.Revenue, &sched.Performance.Profit,
		&sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return domain.Schedule{}, err
	}
	if checkIn.Valid {
		t := checkIn.Time
		sched.CheckInAt = &t
	}
	if checkOut.Valid {
		t := checkOut.Time
		sched.CheckOutAt = &t
	}
	if leaveType != "" {
		sched.Leave = &domain.LeaveRecord{
			Type:        leaveType,
			Reason:      leaveReason,
			RequestedBy: leaveBy,
		}
		if leaveAt.Valid {
			sched.Leave.RequestedAt = leaveAt.Time
		}
	}
	return sched, nil
}

func (s *Store) GetSchedule(ctx context.Context, dsr string, day string) (*domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules WHERE dsr = $1 AND day = $2
	`, dsr, day)
	sched, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: schedule %s/%s", store.ErrNotFound, dsr, day)
		}
		return nil, err
	}
	return &sched, nil
}

func (s *Store) ListSchedules(ctx context.Context, dsr string, from string, to string) ([]domain.Schedule, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if dsr != "" {
		args = append(args, dsr)
		where = append(where, fmt.Sprintf("dsr = $%d", len(args)))
	}
	if from != "" {
		args = append(args, from)
		where = append(where, fmt.Sprintf("day >= $%d", len(args)))
	}
	if to != "" {
		args = append(args, to)
		where = append(where, fmt.Sprintf("day <= $%d", len(args)))
	}
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY day, dsr"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schedules := make([]domain.Schedule, 0, 32)
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return schedules, nil
}

func (s *Store) applyAttendance(ctx context.Context, dsr string, day string, at time.Time, apply func(*domain.Schedule, time.Time) error) (*domain.Schedule, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules WHERE dsr = $1 AND day = $2 FOR UPDATE
	`, dsr, day)
	sched, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: schedule %s/%s", store.ErrNotFound, dsr, day)
		}
		return nil, err
	}

	if err := apply(&sched, at); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidTransition, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE schedules
		SET status = $2, check_in_at = $3, check_out_at = $4,
		    late_minutes = $5, worked_minutes = $6, updated_at = now()
		WHERE id = $1
	`, sched.ID, sched.Status, nullTime(sched.CheckInAt), nullTime(sched.CheckOutAt),
		sched.LateMinutes, sched.WorkedMinutes)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSchedule(ctx, dsr, day)
}

func (s *Store) CheckInSchedule(ctx context.Context, dsr string, day string, at time.Time) (*domain.Schedule, error) {
	return s.applyAttendance(ctx, dsr, day, at, domain.ApplyCheckIn)
}

func (s *Store) CheckOutSchedule(ctx context.Context, dsr string, day string, at time.Time) (*domain.Schedule, error) {
	return s.applyAttendance(ctx, dsr, day, at, domain.ApplyCheckOut)
}

func (s *Store) UpsertLeaveSchedules(ctx context.Context, schedules []domain.Schedule) ([]domain.Schedule, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	result := make([]domain.Schedule, 0, len(schedules))
	for _, sched := range schedules {
		if sched.ID == "" {
			sched.ID = xid.New("sch")
		}
		var leaveType, leaveReason, leaveBy string
		var leaveAt any
		if sched.Leave != nil {
			leaveType = sched.Leave.Type
			leaveReason = sched.Leave.Reason
			leaveBy = sched.Leave.RequestedBy
			leaveAt = sched.Leave.RequestedAt
		}
		row := tx.QueryRowContext(ctx, `
			INSERT INTO schedules (id, dsr, day, day_type, status, shift_start, shift_end,
			                       leave_type, leave_reason, leave_requested_by, leave_requested_at,
			                       revenue, profit, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,0,0,now(),now())
			ON CONFLICT (dsr, day) DO UPDATE
			SET day_type = EXCLUDED.day_type,
			    status = EXCLUDED.status,
			    leave_type = EXCLUDED.leave_type,
			    leave_reason = EXCLUDED.leave_reason,
			    leave_requested_by = EXCLUDED.leave_requested_by,
			    leave_requested_at = EXCLUDED.leave_requested_at,
			    updated_at = now()
			RETURNING `+scheduleColumns, sched.ID, sched.DSR, sched.Day, sched.DayType, sched.Status,
			sched.ShiftStart, sched.ShiftEnd, leaveType, leaveReason, leaveBy, leaveAt)
		updated, err := scanSchedule(row)
		if err != nil {
			return nil, err
		}
		result = append(result, updated)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
	`, entry.ID, entry.Actor, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidRequest
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,now())
	`, user.Username, user.Password, user.Role, user.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %s already exists", store.ErrConflict, user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: user %s", store.ErrNotFound, username)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
