package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunning/internal/billing/domain"
	"gorm.io/gorm"
)

const invoiceColumns = `id, customer_id, subscription_id, provider_invoice_id, status, currency, subtotal,
	tax_amount, total, amount_paid, amount_refunded, attempt_count, next_payment_attempt, last_failure_code,
	charge_id, paid_at, voided_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertInvoice(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoices (`+invoiceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.CustomerID,
		invoice.SubscriptionID,
		invoice.ProviderInvoiceID,
		invoice.Status,
		invoice.Currency,
		invoice.Subtotal,
		invoice.TaxAmount,
		invoice.Total,
		invoice.AmountPaid,
		invoice.AmountRefunded,
		invoice.AttemptCount,
		invoice.NextPaymentAttempt,
		invoice.LastFailureCode,
		invoice.ChargeID,
		invoice.PaidAt,
		invoice.VoidedAt,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	).Error
}

func (r *repo) InsertItem(ctx context.Context, db *gorm.DB, item *domain.InvoiceItem) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO invoice_items (id, invoice_id, description, quantity, unit_amount, amount, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.InvoiceID,
		item.Description,
		item.Quantity,
		item.UnitAmount,
		item.Amount,
		item.CreatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	var item domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE id = ?`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByProviderInvoiceID(ctx context.Context, db *gorm.DB, providerInvoiceID string) (*domain.Invoice, error) {
	var item domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE provider_invoice_id = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		providerInvoiceID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.InvoiceItem, error) {
	var items []domain.InvoiceItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, invoice_id, description, quantity, unit_amount, amount, created_at
		 FROM invoice_items
		 WHERE invoice_id = ?
		 ORDER BY id ASC`,
		invoiceID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + `
		 FROM invoices
		 WHERE status = ?
		 AND next_payment_attempt IS NOT NULL
		 AND next_payment_attempt <= ?
		 AND provider_invoice_id IS NOT NULL AND provider_invoice_id <> ''
		 ORDER BY next_payment_attempt ASC, id ASC`
	args := []any{domain.InvoiceStatusOpen, now}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var items []domain.Invoice
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ClaimAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedAttempts int, dueBy, leaseUntil, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET next_payment_attempt = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND attempt_count = ?
		 AND (next_payment_attempt IS NULL OR next_payment_attempt <= ?)`,
		leaseUntil,
		now,
		id,
		domain.InvoiceStatusOpen,
		expectedAttempts,
		dueBy,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ApplyAttempt(ctx context.Context, db *gorm.DB, update domain.AttemptUpdate) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, attempt_count = ?, next_payment_attempt = ?, last_failure_code = ?,
			amount_paid = amount_paid + ?, charge_id = COALESCE(?, charge_id), paid_at = COALESCE(?, paid_at), updated_at = ?
		 WHERE id = ? AND status = ? AND attempt_count = ?`,
		update.Status,
		update.AttemptCount,
		update.NextPaymentAttempt,
		update.LastFailureCode,
		update.AmountPaid,
		update.ChargeID,
		update.PaidAt,
		update.UpdatedAt,
		update.InvoiceID,
		domain.InvoiceStatusOpen,
		update.ExpectedAttempts,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []domain.InvoiceStatus, to domain.InvoiceStatus, nextAttempt *time.Time, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, next_payment_attempt = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		to,
		nextAttempt,
		now,
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkVoided(ctx context.Context, db *gorm.DB, id snowflake.ID, from []domain.InvoiceStatus, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, next_payment_attempt = NULL, voided_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		domain.InvoiceStatusVoid,
		now,
		now,
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, amountPaid int64, chargeID *string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, amount_paid = ?, charge_id = COALESCE(?, charge_id), next_payment_attempt = NULL,
			paid_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		domain.InvoiceStatusPaid,
		amountPaid,
		chargeID,
		now,
		now,
		id,
		[]domain.InvoiceStatus{domain.InvoiceStatusOpen, domain.InvoiceStatusUncollectible},
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) AdjustRefunded(ctx context.Context, db *gorm.DB, id snowflake.ID, delta int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET amount_refunded = amount_refunded + ?, updated_at = ?
		 WHERE id = ? AND status = ?
		 AND amount_refunded + ? >= 0
		 AND amount_refunded + ? <= amount_paid`,
		delta,
		now,
		id,
		domain.InvoiceStatusPaid,
		delta,
		delta,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) InsertRefund(ctx context.Context, db *gorm.DB, refund *domain.Refund) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO refunds (id, invoice_id, provider_refund_id, charge_id, amount, reason, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		refund.ID,
		refund.InvoiceID,
		refund.ProviderRefundID,
		refund.ChargeID,
		refund.Amount,
		refund.Reason,
		refund.Status,
		refund.CreatedAt,
	).Error
}

func (r *repo) UpdateRefund(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.RefundStatus, providerRefundID *string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE refunds
		 SET status = ?, provider_refund_id = COALESCE(?, provider_refund_id)
		 WHERE id = ?`,
		status,
		providerRefundID,
		id,
	).Error
}

func (r *repo) ListRefunds(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.Refund, error) {
	var items []domain.Refund
	err := db.WithContext(ctx).Raw(
		`SELECT id, invoice_id, provider_refund_id, charge_id, amount, reason, status, created_at
		 FROM refunds
		 WHERE invoice_id = ?
		 ORDER BY created_at ASC, id ASC`,
		invoiceID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
