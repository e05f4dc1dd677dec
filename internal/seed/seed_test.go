package seed

import (
	"context"
	"errors"
	"testing"

	"github.com/smallbiznis/dunning/internal/testutil"
)

func TestEnsureOperatorCreatesOnce(t *testing.T) {
	db := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	ctx := context.Background()

	id, created, err := EnsureOperator(ctx, db, node, " Ops@Example.com ", "")
	if err != nil {
		t.Fatalf("ensure operator: %v", err)
	}
	if !created || id == 0 {
		t.Fatalf("expected new operator, got id=%d created=%v", id, created)
	}

	var role string
	if err := db.Raw(`SELECT role FROM operators WHERE email = ?`, "ops@example.com").Scan(&role).Error; err != nil {
		t.Fatalf("load role: %v", err)
	}
	if role != "admin" {
		t.Fatalf("expected admin role, got %q", role)
	}

	again, created, err := EnsureOperator(ctx, db, node, "ops@example.com", "support")
	if err != nil {
		t.Fatalf("ensure operator again: %v", err)
	}
	if created || again != id {
		t.Fatalf("expected existing operator %d, got %d created=%v", id, again, created)
	}

	var count int64
	if err := db.Raw(`SELECT COUNT(1) FROM operators`).Scan(&count).Error; err != nil {
		t.Fatalf("count operators: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 operator, got %d", count)
	}
}

func TestEnsureOperatorRequiresEmail(t *testing.T) {
	db := testutil.OpenDB(t)
	_, _, err := EnsureOperator(context.Background(), db, testutil.NewNode(t), "  ", "admin")
	if !errors.Is(err, ErrEmailRequired) {
		t.Fatalf("expected ErrEmailRequired, got %v", err)
	}
}
