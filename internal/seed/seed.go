// Package seed bootstraps the records a fresh deployment needs before any
// operator can reach the admin routes.
package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const defaultOperatorRole = "admin"

var ErrEmailRequired = errors.New("seed_email_required")

type operatorRow struct {
	ID        snowflake.ID `gorm:"column:id"`
	Email     string       `gorm:"column:email"`
	Role      string       `gorm:"column:role"`
	CreatedAt time.Time    `gorm:"column:created_at"`
}

// EnsureOperator creates an operator for email when none exists. It returns the
// operator id and whether a row was created. An existing operator keeps its role.
func EnsureOperator(ctx context.Context, db *gorm.DB, node *snowflake.Node, email string, role string) (snowflake.ID, bool, error) {
	if db == nil || node == nil {
		return 0, false, errors.New("seed database handle is required")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return 0, false, ErrEmailRequired
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = defaultOperatorRole
	}

	var (
		id      snowflake.ID
		created bool
	)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing operatorRow
		err := tx.Table("operators").
			Where("email = ?", email).
			Take(&existing).Error
		if err == nil {
			id = existing.ID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		row := operatorRow{
			ID:        node.Generate(),
			Email:     email,
			Role:      role,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.Table("operators").Create(&row).Error; err != nil {
			return err
		}
		id = row.ID
		created = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, created, nil
}
