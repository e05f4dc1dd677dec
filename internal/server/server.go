package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/dunning/internal/accountstate"
	accountstatedomain "github.com/smallbiznis/dunning/internal/accountstate/domain"
	"github.com/smallbiznis/dunning/internal/analytics"
	analyticsdomain "github.com/smallbiznis/dunning/internal/analytics/domain"
	"github.com/smallbiznis/dunning/internal/audit"
	auditdomain "github.com/smallbiznis/dunning/internal/audit/domain"
	"github.com/smallbiznis/dunning/internal/authorization"
	"github.com/smallbiznis/dunning/internal/billing"
	billingdomain "github.com/smallbiznis/dunning/internal/billing/domain"
	"github.com/smallbiznis/dunning/internal/config"
	"github.com/smallbiznis/dunning/internal/customer"
	"github.com/smallbiznis/dunning/internal/featureaccess"
	featureaccessdomain "github.com/smallbiznis/dunning/internal/featureaccess/domain"
	"github.com/smallbiznis/dunning/internal/gateway"
	"github.com/smallbiznis/dunning/internal/observability"
	obslogger "github.com/smallbiznis/dunning/internal/observability/logger"
	obstracing "github.com/smallbiznis/dunning/internal/observability/tracing"
	"github.com/smallbiznis/dunning/internal/payment"
	paymentdomain "github.com/smallbiznis/dunning/internal/payment/domain"
	"github.com/smallbiznis/dunning/internal/ratelimit"
	"github.com/smallbiznis/dunning/internal/scheduler"
	"github.com/smallbiznis/dunning/internal/subscription"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// DomainModules wires every dunning service the HTTP surface and the
// scheduler depend on.
var DomainModules = fx.Options(
	audit.Module,
	authorization.Module,
	customer.Module,
	subscription.Module,
	accountstate.Module,
	featureaccess.Module,
	gateway.Module,
	billing.Module,
	payment.Module,
	analytics.Module,
)

var Module = fx.Module("http.server",
	DomainModules,
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log, obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	return NewEngine(obsCfg, log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	port := strings.TrimSpace(cfg.HTTPPort)
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:              net.JoinHostPort("", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", srv.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// schedulerRunner triggers one sweep outside the cron schedule.
type schedulerRunner interface {
	RunOnce(ctx context.Context) error
}

type webhookLimiter interface {
	AllowProvider(ctx context.Context, provider string) (ratelimit.Result, error)
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	authzSvc        authorization.Service
	auditSvc        auditdomain.Service
	accountStateSvc accountstatedomain.Service
	featureSvc      featureaccessdomain.Service
	billingSvc      billingdomain.Service
	paymentSvc      paymentdomain.Service
	analyticsSvc    analyticsdomain.Service
	scheduler       schedulerRunner
	webhookLimiter  webhookLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	AuthzSvc        authorization.Service
	AuditSvc        auditdomain.Service
	AccountStateSvc accountstatedomain.Service
	FeatureSvc      featureaccessdomain.Service
	BillingSvc      billingdomain.Service
	PaymentSvc      paymentdomain.Service
	AnalyticsSvc    analyticsdomain.Service

	Scheduler      *scheduler.Scheduler      `optional:"true"`
	WebhookLimiter *ratelimit.WebhookLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		authzSvc:        p.AuthzSvc,
		auditSvc:        p.AuditSvc,
		accountStateSvc: p.AccountStateSvc,
		featureSvc:      p.FeatureSvc,
		billingSvc:      p.BillingSvc,
		paymentSvc:      p.PaymentSvc,
		analyticsSvc:    p.AnalyticsSvc,
	}
	if p.Scheduler != nil {
		svc.scheduler = p.Scheduler
	}
	if p.WebhookLimiter.Enabled() {
		svc.webhookLimiter = p.WebhookLimiter
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.WebhookRateLimit(), s.HandlePaymentWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.GET("/customers/:id/features/:feature", s.CheckFeatureAccess)
	api.GET("/customers/:id/restrictions", s.GetFeatureRestrictions)
	api.GET("/customers/:id/account-state", s.GetAccountState)

	api.POST("/customers/:id/invoices",
		featureaccess.RequireFeature(s.featureSvc, featureaccessdomain.FeatureNewDataCreation, featureaccess.CustomerIDFromParam("id")),
		s.CreateCustomerInvoice,
	)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.OperatorRequired())

	admin.GET("/customers/:id/account-state", s.authorize(authorization.ObjectAccountState, authorization.ActionAccountStateView), s.GetAccountState)
	admin.POST("/account-states/:id/state", s.authorize(authorization.ObjectAccountState, authorization.ActionAccountStateOverride), s.UpdateAccountState)

	admin.POST("/invoices/:id/retry", s.authorize(authorization.ObjectInvoice, authorization.ActionInvoiceRetry), s.RetryInvoice)
	admin.POST("/invoices/:id/refund", s.authorize(authorization.ObjectInvoice, authorization.ActionInvoiceRefund), s.RefundInvoice)

	admin.POST("/scheduler/run", s.authorize(authorization.ObjectScheduler, authorization.ActionSchedulerRun), s.RunScheduler)

	admin.GET("/analytics/subscriptions", s.authorize(authorization.ObjectAnalytics, authorization.ActionAnalyticsView), s.GetSubscriptionMetrics)
	admin.GET("/analytics/dunning", s.authorize(authorization.ObjectAnalytics, authorization.ActionAnalyticsView), s.GetDunningMetrics)

	admin.GET("/audit-logs", s.authorize(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
