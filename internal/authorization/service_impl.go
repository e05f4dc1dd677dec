package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/dunning/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectAccountState = "account_state"
	ObjectInvoice      = "invoice"
	ObjectScheduler    = "scheduler"
	ObjectAnalytics    = "analytics"
	ObjectAuditLog     = "audit_log"
)

const (
	ActionAccountStateView     = "account_state.view"
	ActionAccountStateOverride = "account_state.override"

	ActionInvoiceRetry  = "invoice.retry"
	ActionInvoiceRefund = "invoice.refund"

	ActionSchedulerRun = "scheduler.run"

	ActionAnalyticsView = "analytics.view"

	ActionAuditLogView = "audit_log.view"
)

const (
	RoleSystem  = "system"
	RoleAdmin   = "admin"
	RoleSupport = "support"
	RoleFinOps  = "finops"
)

const operatorPrefix = "operator:"

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

// Authorize accepts "system" or "operator:<id>". Operator roles are read from
// the operators table on every call so a role change applies immediately.
func (s *ServiceImpl) Authorize(ctx context.Context, actor string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, actorType, actorID, err := s.resolveActor(ctx, actor)
	if err != nil {
		if actorType != "" {
			s.auditDecision(ctx, "authorization.denied", actorType, actorID, object, action)
		}
		return err
	}

	if err := s.ensureGrouping(subject, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Info("authorization denied",
			zap.String("subject", subject),
			zap.String("role", roleName),
			zap.String("object", object),
			zap.String("action", action),
		)
		s.auditDecision(ctx, "authorization.denied", actorType, actorID, object, action)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		s.auditDecision(ctx, "authorization.granted", actorType, actorID, object, action)
	}
	return nil
}

func (s *ServiceImpl) resolveActor(ctx context.Context, actor string) (string, string, string, *string, error) {
	if actor == RoleSystem {
		return actor, roleSubject(RoleSystem), string(auditdomain.ActorTypeSystem), nil, nil
	}
	if strings.HasPrefix(actor, operatorPrefix) {
		operatorID, err := snowflake.ParseString(strings.TrimPrefix(actor, operatorPrefix))
		if err != nil || operatorID == 0 {
			return "", "", "", nil, ErrInvalidActor
		}
		operatorIDStr := operatorID.String()
		actorType := string(auditdomain.ActorTypeOperator)
		role, err := s.roleForOperator(ctx, operatorID)
		if err != nil {
			return actor, "", actorType, &operatorIDStr, err
		}
		return operatorPrefix + operatorIDStr, roleSubject(role), actorType, &operatorIDStr, nil
	}
	return "", "", "", nil, ErrInvalidActor
}

func roleSubject(role string) string {
	return fmt.Sprintf("role:%s", strings.ToLower(strings.TrimSpace(role)))
}

func (s *ServiceImpl) roleForOperator(ctx context.Context, operatorID snowflake.ID) (string, error) {
	var row struct {
		Role string `gorm:"column:role"`
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT role
		 FROM operators
		 WHERE id = ?
		 LIMIT 1`,
		operatorID,
	).Scan(&row).Error; err != nil {
		return "", err
	}

	role := strings.TrimSpace(row.Role)
	if role == "" {
		return "", ErrForbidden
	}
	return role, nil
}

// ensureGrouping keeps exactly one role link per subject.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func (s *ServiceImpl) auditDecision(ctx context.Context, event string, actorType string, actorID *string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	targetID := object
	if err := s.auditSvc.AuditLog(ctx, actorType, actorID, event, "authorization", &targetID, map[string]any{
		"object":  object,
		"action":  action,
		"subject": actorSubject(actorType, actorID),
	}); err != nil {
		s.log.Warn("failed to audit authorization decision", zap.String("event", event), zap.Error(err))
	}
}

func actorSubject(actorType string, actorID *string) string {
	switch actorType {
	case string(auditdomain.ActorTypeSystem):
		return RoleSystem
	case string(auditdomain.ActorTypeOperator):
		if actorID != nil && strings.TrimSpace(*actorID) != "" {
			return operatorPrefix + strings.TrimSpace(*actorID)
		}
	}
	return ""
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionAccountStateOverride, ActionInvoiceRefund, ActionSchedulerRun:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Support handles individual customers
		{"role:support", ObjectAccountState, ActionAccountStateView},
		{"role:support", ObjectAccountState, ActionAccountStateOverride},
		{"role:support", ObjectInvoice, ActionInvoiceRetry},
		{"role:support", ObjectAuditLog, ActionAuditLogView},

		// FinOps owns money movement and reporting
		{"role:finops", ObjectAccountState, ActionAccountStateView},
		{"role:finops", ObjectInvoice, ActionInvoiceRetry},
		{"role:finops", ObjectInvoice, ActionInvoiceRefund},
		{"role:finops", ObjectAnalytics, ActionAnalyticsView},
		{"role:finops", ObjectAuditLog, ActionAuditLogView},

		// Admin permissions
		{"role:admin", ObjectAccountState, ActionAccountStateView},
		{"role:admin", ObjectAccountState, ActionAccountStateOverride},
		{"role:admin", ObjectInvoice, ActionInvoiceRetry},
		{"role:admin", ObjectInvoice, ActionInvoiceRefund},
		{"role:admin", ObjectScheduler, ActionSchedulerRun},
		{"role:admin", ObjectAnalytics, ActionAnalyticsView},
		{"role:admin", ObjectAuditLog, ActionAuditLogView},

		// System permissions (scheduler and internal callers)
		{"role:system", ObjectAccountState, ActionAccountStateView},
		{"role:system", ObjectAccountState, ActionAccountStateOverride},
		{"role:system", ObjectInvoice, ActionInvoiceRetry},
		{"role:system", ObjectInvoice, ActionInvoiceRefund},
		{"role:system", ObjectScheduler, ActionSchedulerRun},
		{"role:system", ObjectAnalytics, ActionAnalyticsView},
		{"role:system", ObjectAuditLog, ActionAuditLogView},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
