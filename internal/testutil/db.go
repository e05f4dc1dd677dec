// Package testutil holds the in-memory database used by package tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var schema = []string{
	`CREATE TABLE customers (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT 'USD',
		provider_customer_id TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE subscriptions (
		id BIGINT PRIMARY KEY,
		customer_id BIGINT NOT NULL,
		status TEXT NOT NULL,
		billing_interval TEXT NOT NULL DEFAULT 'month',
		interval_count INTEGER NOT NULL DEFAULT 1,
		amount BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'USD',
		current_period_start DATETIME,
		current_period_end DATETIME,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
		provider_subscription_id TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		canceled_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE account_states (
		id BIGINT PRIMARY KEY,
		customer_id BIGINT NOT NULL,
		subscription_id BIGINT,
		state TEXT NOT NULL,
		reason TEXT NOT NULL,
		grace_period_end DATETIME,
		feature_restrictions TEXT NOT NULL DEFAULT '[]',
		data_retention_days INTEGER NOT NULL DEFAULT 0,
		reactivation_date DATETIME,
		metadata TEXT NOT NULL DEFAULT '{}',
		version BIGINT NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_account_states_customer ON account_states (customer_id)`,
	`CREATE TABLE payment_failures (
		id BIGINT PRIMARY KEY,
		customer_id BIGINT NOT NULL,
		subscription_id BIGINT,
		invoice_id BIGINT,
		idempotency_key TEXT NOT NULL,
		failure_code TEXT NOT NULL DEFAULT '',
		failure_message TEXT NOT NULL DEFAULT '',
		amount BIGINT NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'USD',
		attempt_count INTEGER NOT NULL DEFAULT 1,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_payment_failures_idempotency ON payment_failures (idempotency_key)`,
	`CREATE TABLE invoices (
		id BIGINT PRIMARY KEY,
		customer_id BIGINT NOT NULL,
		subscription_id BIGINT,
		provider_invoice_id TEXT,
		status TEXT NOT NULL,
		currency TEXT NOT NULL,
		subtotal BIGINT NOT NULL DEFAULT 0,
		tax_amount BIGINT NOT NULL DEFAULT 0,
		total BIGINT NOT NULL DEFAULT 0,
		amount_paid BIGINT NOT NULL DEFAULT 0,
		amount_refunded BIGINT NOT NULL DEFAULT 0,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_payment_attempt DATETIME,
		last_failure_code TEXT NOT NULL DEFAULT '',
		charge_id TEXT,
		paid_at DATETIME,
		voided_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE invoice_items (
		id BIGINT PRIMARY KEY,
		invoice_id BIGINT NOT NULL,
		description TEXT NOT NULL,
		quantity BIGINT NOT NULL DEFAULT 1,
		unit_amount BIGINT NOT NULL DEFAULT 0,
		amount BIGINT NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE refunds (
		id BIGINT PRIMARY KEY,
		invoice_id BIGINT NOT NULL,
		provider_refund_id TEXT,
		charge_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE payment_events (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		customer_id BIGINT NOT NULL,
		payload TEXT NOT NULL,
		received_at DATETIME NOT NULL,
		processed_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_payment_events_provider_event ON payment_events (provider, provider_event_id)`,
	`CREATE TABLE audit_logs (
		id BIGINT PRIMARY KEY,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE operators (
		id BIGINT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
}

// OpenDB returns a fresh in-memory SQLite database with the dunning schema.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return db
}

// NewNode returns a snowflake node for test ids.
func NewNode(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

// SeedCustomer inserts a customer who signed up at createdAt.
func SeedCustomer(t testing.TB, db *gorm.DB, id snowflake.ID, createdAt time.Time) {
	t.Helper()
	err := db.Exec(
		`INSERT INTO customers (id, name, email, currency, provider_customer_id, created_at, updated_at)
		 VALUES (?, ?, ?, 'USD', ?, ?, ?)`,
		id, "Customer "+id.String(), id.String()+"@example.com", "cus_"+id.String(), createdAt.UTC(), createdAt.UTC(),
	).Error
	if err != nil {
		t.Fatalf("seed customer: %v", err)
	}
}

// SeedSubscription inserts a monthly subscription with the given status and amount.
func SeedSubscription(t testing.TB, db *gorm.DB, id, customerID snowflake.ID, status string, amount int64, createdAt time.Time) {
	t.Helper()
	err := db.Exec(
		`INSERT INTO subscriptions (id, customer_id, status, billing_interval, interval_count, amount, currency,
			current_period_start, current_period_end, provider_subscription_id, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, 'month', 1, ?, 'USD', ?, ?, ?, '{}', ?, ?)`,
		id, customerID, status, amount, createdAt.UTC(), createdAt.UTC().AddDate(0, 1, 0), "sub_"+id.String(), createdAt.UTC(), createdAt.UTC(),
	).Error
	if err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
}

// SeedOpenInvoice inserts an open invoice due at nextAttempt.
func SeedOpenInvoice(t testing.TB, db *gorm.DB, id, customerID, subscriptionID snowflake.ID, total int64, attempts int, nextAttempt time.Time) {
	t.Helper()
	err := db.Exec(
		`INSERT INTO invoices (id, customer_id, subscription_id, provider_invoice_id, status, currency, subtotal, total,
			attempt_count, next_payment_attempt, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'open', 'USD', ?, ?, ?, ?, ?, ?)`,
		id, customerID, subscriptionID, "in_"+id.String(), total, total, attempts, nextAttempt.UTC(), nextAttempt.UTC(), nextAttempt.UTC(),
	).Error
	if err != nil {
		t.Fatalf("seed invoice: %v", err)
	}
}
