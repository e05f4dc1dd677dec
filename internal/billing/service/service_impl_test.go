package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	accountstatedomain "github.com/smallbiznis/dunning/internal/accountstate/domain"
	accountstaterepo "github.com/smallbiznis/dunning/internal/accountstate/repository"
	accountstateservice "github.com/smallbiznis/dunning/internal/accountstate/service"
	auditdomain "github.com/smallbiznis/dunning/internal/audit/domain"
	auditrepo "github.com/smallbiznis/dunning/internal/audit/repository"
	auditservice "github.com/smallbiznis/dunning/internal/audit/service"
	"github.com/smallbiznis/dunning/internal/billing/domain"
	"github.com/smallbiznis/dunning/internal/billing/repository"
	"github.com/smallbiznis/dunning/internal/clock"
	"github.com/smallbiznis/dunning/internal/config"
	customerrepo "github.com/smallbiznis/dunning/internal/customer/repository"
	customerservice "github.com/smallbiznis/dunning/internal/customer/service"
	gatewaydomain "github.com/smallbiznis/dunning/internal/gateway/domain"
	"github.com/smallbiznis/dunning/internal/gateway/fake"
	subscriptiondomain "github.com/smallbiznis/dunning/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/dunning/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/dunning/internal/subscription/service"
	"github.com/smallbiznis/dunning/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var baseTime = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	gateway  *fake.Gateway
	subs     subscriptiondomain.Service
	accounts accountstatedomain.Service
	svc      *Service
}

func newFixture(t *testing.T, audit auditdomain.Service) *fixture {
	t.Helper()

	db := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(baseTime)
	policy := config.StaticPolicy(config.DefaultDunningConfig())
	gw := fake.New()

	if audit == nil {
		audit = auditservice.NewService(auditservice.Params{
			DB:    db,
			Log:   zap.NewNop(),
			GenID: node,
			Clock: clk,
			Repo:  auditrepo.Provide(),
		})
	}
	customerSvc := customerservice.NewService(customerservice.Params{
		DB:               db,
		Log:              zap.NewNop(),
		Repo:             customerrepo.Provide(),
		SubscriptionRepo: subscriptionrepo.Provide(),
	})
	subscriptionSvc := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
		Repo:  subscriptionrepo.Provide(),
	})
	accountSvc := accountstateservice.NewService(accountstateservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		Policy:      policy,
		Repo:        accountstaterepo.Provide(),
		CustomerSvc: customerSvc,
		AuditSvc:    audit,
	})

	svc := NewService(Params{
		DB:              db,
		Log:             zap.NewNop(),
		GenID:           node,
		Clock:           clk,
		Policy:          policy,
		Repo:            repository.Provide(),
		Gateway:         gw,
		CustomerSvc:     customerSvc,
		SubscriptionSvc: subscriptionSvc,
		AccountStateSvc: accountSvc,
		AuditSvc:        audit,
	}).(*Service)

	return &fixture{
		db:       db,
		node:     node,
		clock:    clk,
		gateway:  gw,
		subs:     subscriptionSvc,
		accounts: accountSvc,
		svc:      svc,
	}
}

type seeded struct {
	customerID     snowflake.ID
	subscriptionID snowflake.ID
	invoiceID      snowflake.ID
}

// seedOverdue creates a standard-segment customer with one open invoice that is already due.
func (f *fixture) seedOverdue(t *testing.T, attempts int) seeded {
	t.Helper()
	s := seeded{
		customerID:     f.node.Generate(),
		subscriptionID: f.node.Generate(),
		invoiceID:      f.node.Generate(),
	}
	signup := baseTime.AddDate(0, 0, -60)
	testutil.SeedCustomer(t, f.db, s.customerID, signup)
	testutil.SeedSubscription(t, f.db, s.subscriptionID, s.customerID, "active", 5000, signup)
	testutil.SeedOpenInvoice(t, f.db, s.invoiceID, s.customerID, s.subscriptionID, 5000, attempts, baseTime.Add(-time.Hour))
	return s
}

func providerInvoiceID(id snowflake.ID) string {
	return "in_" + id.String()
}

func providerSubscriptionID(id snowflake.ID) string {
	return "sub_" + id.String()
}

func (f *fixture) invoice(t *testing.T, id snowflake.ID) *domain.Invoice {
	t.Helper()
	inv, err := f.svc.GetInvoice(context.Background(), id)
	require.NoError(t, err)
	return inv
}

func TestProcessFailedPaymentsTalliesEachOutcome(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	paid := f.seedOverdue(t, 0)
	retry := f.seedOverdue(t, 0)
	exhausted := f.seedOverdue(t, 2)
	f.gateway.FailNext(providerInvoiceID(retry.invoiceID), fake.Decline("insufficient_funds"))
	f.gateway.FailNext(providerInvoiceID(exhausted.invoiceID), fake.Decline("card_declined"))

	result, err := f.svc.ProcessFailedPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 1, result.SuccessfulBillings)
	assert.Equal(t, 1, result.RetryScheduled)
	assert.Equal(t, 1, result.FailedBillings)
	assert.Equal(t, 0, result.Errors)

	inv := f.invoice(t, paid.invoiceID)
	assert.Equal(t, domain.InvoiceStatusPaid, inv.Status)
	assert.Equal(t, int64(5000), inv.AmountPaid)
	require.NotNil(t, inv.ChargeID)
	assert.Nil(t, inv.NextPaymentAttempt)

	inv = f.invoice(t, retry.invoiceID)
	assert.Equal(t, domain.InvoiceStatusOpen, inv.Status)
	assert.Equal(t, 1, inv.AttemptCount)
	assert.Equal(t, "insufficient_funds", inv.LastFailureCode)
	require.NotNil(t, inv.NextPaymentAttempt)
	assert.True(t, inv.NextPaymentAttempt.Equal(baseTime.Add(24*time.Hour)), "next attempt %s", inv.NextPaymentAttempt)

	state, err := f.accounts.GetAccountState(ctx, retry.customerID)
	require.NoError(t, err)
	assert.Nil(t, state, "a scheduled retry leaves the account untouched")

	inv = f.invoice(t, exhausted.invoiceID)
	assert.Equal(t, domain.InvoiceStatusOpen, inv.Status)
	assert.Equal(t, 3, inv.AttemptCount)
	assert.Nil(t, inv.NextPaymentAttempt, "exhausted invoices are not rescheduled")

	sub, err := f.subs.Get(ctx, exhausted.subscriptionID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, sub.Status)
	graceEnd, ok := sub.GracePeriodEnd()
	require.True(t, ok)
	assert.True(t, graceEnd.Equal(baseTime.AddDate(0, 0, 5)), "grace end %s", graceEnd)

	state, err = f.accounts.GetAccountState(ctx, exhausted.customerID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, accountstatedomain.StateGracePeriod, state.State)
}

func TestProcessFailedPaymentsSecondRunIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	retry := f.seedOverdue(t, 0)
	f.gateway.FailNext(providerInvoiceID(retry.invoiceID), fake.Decline("insufficient_funds"))

	_, err := f.svc.ProcessFailedPayments(context.Background())
	require.NoError(t, err)

	result, err := f.svc.ProcessFailedPayments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 1, f.gateway.PayCalls(providerInvoiceID(retry.invoiceID)))
}

func TestProcessFailedPaymentsIsolatesItemErrors(t *testing.T) {
	f := newFixture(t, nil)

	outage := f.seedOverdue(t, 0)
	f.gateway.FailNext(providerInvoiceID(outage.invoiceID), gatewaydomain.ErrTimeout)
	healthy := f.seedOverdue(t, 0)

	result, err := f.svc.ProcessFailedPayments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.SuccessfulBillings)
	assert.Equal(t, 1, result.RetryScheduled, "a timeout spends an attempt")
	assert.Equal(t, 1, result.Errors)

	byID := map[snowflake.ID]domain.AttemptResult{}
	for _, item := range result.Items {
		byID[item.InvoiceID] = item
	}
	assert.Equal(t, "timeout", byID[outage.invoiceID].FailureCode)
	assert.Equal(t, domain.AttemptOutcomePaid, byID[healthy.invoiceID].Outcome)
}

func TestProcessFailedPaymentsStopsOnCancellation(t *testing.T) {
	f := newFixture(t, nil)
	f.seedOverdue(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.svc.ProcessFailedPayments(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, result.Processed)
}

func TestExhaustedAfterGraceSuspends(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	s := f.seedOverdue(t, 2)
	_, err := f.subs.SetGraceMetadata(ctx, s.subscriptionID, baseTime.Add(-time.Hour), baseTime.AddDate(0, 0, -6))
	require.NoError(t, err)
	f.gateway.FailNext(providerInvoiceID(s.invoiceID), fake.Decline("card_declined"))

	result, err := f.svc.ProcessFailedPayments(ctx)
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, domain.AttemptOutcomeExhausted, result.Items[0].Outcome)
	assert.Equal(t, domain.GraceSuspended, result.Items[0].Grace)

	sub, err := f.subs.Get(ctx, s.subscriptionID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPaused, sub.Status)
	assert.True(t, f.gateway.Paused(providerSubscriptionID(s.subscriptionID)))

	state, err := f.accounts.GetAccountState(ctx, s.customerID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, accountstatedomain.StateSuspended, state.State)
	assert.Equal(t, accountstatedomain.ReasonDunningExhausted, state.Reason)
}

func TestSuspendOverdueSubscriptions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	s := f.seedOverdue(t, 0)
	state, err := f.accounts.ProcessPaymentFailure(ctx, accountstatedomain.PaymentFailureInput{
		CustomerID:     s.customerID,
		SubscriptionID: &s.subscriptionID,
		IdempotencyKey: "evt_1",
		FailureCode:    "card_declined",
	})
	require.NoError(t, err)
	_, err = f.subs.SetGraceMetadata(ctx, s.subscriptionID, *state.GracePeriodEnd, baseTime)
	require.NoError(t, err)

	count, err := f.svc.SuspendOverdueSubscriptions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "grace period still running")

	f.clock.Advance(6 * 24 * time.Hour)
	count, err = f.svc.SuspendOverdueSubscriptions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, f.gateway.Paused(providerSubscriptionID(s.subscriptionID)))

	count, err = f.svc.SuspendOverdueSubscriptions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "overlapping sweeps are no-ops")

	state, err = f.accounts.GetAccountState(ctx, s.customerID)
	require.NoError(t, err)
	assert.Equal(t, accountstatedomain.StateSuspended, state.State)
}

func TestRetryAfterExhaustionRecoversAccount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	s := f.seedOverdue(t, 2)
	f.gateway.FailNext(providerInvoiceID(s.invoiceID), fake.Decline("card_declined"))
	_, err := f.svc.ProcessFailedPayments(ctx)
	require.NoError(t, err)

	result, err := f.svc.RetryInvoice(ctx, s.invoiceID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptOutcomePaid, result.Outcome)
	assert.Equal(t, 4, result.AttemptCount)

	sub, err := f.subs.Get(ctx, s.subscriptionID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	_, hasGrace := sub.GracePeriodEnd()
	assert.False(t, hasGrace)

	state, err := f.accounts.GetAccountState(ctx, s.customerID)
	require.NoError(t, err)
	assert.Equal(t, accountstatedomain.StateActive, state.State)
	assert.Equal(t, accountstatedomain.ReasonPaymentRecovered, state.Reason)

	_, err = f.svc.RetryInvoice(ctx, s.invoiceID)
	assert.ErrorIs(t, err, domain.ErrInvoiceNotOpen)
}

func TestBackoff(t *testing.T) {
	cfg := config.DefaultDunningConfig()
	cases := map[int]time.Duration{
		1: 24 * time.Hour,
		2: 72 * time.Hour,
		3: 168 * time.Hour,
		7: 168 * time.Hour,
	}
	for attempt, want := range cases {
		assert.Equal(t, want, backoff(cfg, attempt), "attempt %d", attempt)
	}
	assert.Equal(t, defaultRetryDelay, backoff(config.DunningConfig{}, 1))
	assert.Equal(t, defaultMaxRetries, maxRetries(config.DunningConfig{}))
}

type mockAudit struct {
	mock.Mock
}

func (m *mockAudit) AuditLog(ctx context.Context, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	args := m.Called(ctx, actorType, actorID, action, targetType, targetID, metadata)
	return args.Error(0)
}

func (m *mockAudit) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(auditdomain.ListAuditLogResponse), args.Error(1)
}

func TestInvoiceLifecycle(t *testing.T) {
	audit := new(mockAudit)
	audit.On("AuditLog", mock.Anything, "system", mock.Anything, mock.Anything, "invoice", mock.Anything, mock.Anything).Return(nil)
	f := newFixture(t, audit)
	ctx := context.Background()

	customerID := f.node.Generate()
	testutil.SeedCustomer(t, f.db, customerID, baseTime)

	_, err := f.svc.CreateInvoice(ctx, domain.CreateInvoiceRequest{CustomerID: customerID})
	assert.ErrorIs(t, err, domain.ErrInvalidItems)
	_, err = f.svc.CreateInvoice(ctx, domain.CreateInvoiceRequest{
		CustomerID: f.node.Generate(),
		Items:      []domain.CreateInvoiceItem{{Description: "Pro plan", Quantity: 1, UnitAmount: 100}},
	})
	assert.ErrorIs(t, err, domain.ErrCustomerNotFound)

	inv, err := f.svc.CreateInvoice(ctx, domain.CreateInvoiceRequest{
		CustomerID:        customerID,
		ProviderInvoiceID: "in_manual",
		Items: []domain.CreateInvoiceItem{
			{Description: "Pro plan", Quantity: 1, UnitAmount: 4000},
			{Description: "Extra seats", Quantity: 2, UnitAmount: 500},
		},
		TaxAmount: 450,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusDraft, inv.Status)
	assert.Equal(t, int64(5000), inv.Subtotal)
	assert.Equal(t, int64(5450), inv.Total)
	assert.Equal(t, "USD", inv.Currency)

	inv, err = f.svc.FinalizeInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusOpen, inv.Status)
	_, err = f.svc.FinalizeInvoice(ctx, inv.ID)
	assert.ErrorIs(t, err, domain.ErrInvoiceNotDraft)

	inv, err = f.svc.VoidInvoice(ctx, inv.ID, "duplicate")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusVoid, inv.Status)
	_, err = f.svc.VoidInvoice(ctx, inv.ID, "again")
	assert.ErrorIs(t, err, domain.ErrInvoiceNotVoidable)

	audit.AssertCalled(t, "AuditLog", mock.Anything, "system", mock.Anything, "invoice.voided", "invoice", mock.Anything, mock.Anything)
	audit.AssertNumberOfCalls(t, "AuditLog", 3)
}

func TestRefundInvoice(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	s := f.seedOverdue(t, 0)
	result, err := f.svc.RetryInvoice(ctx, s.invoiceID)
	require.NoError(t, err)
	require.Equal(t, domain.AttemptOutcomePaid, result.Outcome)

	_, err = f.svc.RefundInvoice(ctx, s.invoiceID, 6000, "")
	assert.ErrorIs(t, err, domain.ErrRefundExceedsPaid)

	refund, err := f.svc.RefundInvoice(ctx, s.invoiceID, 2000, "requested_by_customer")
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusSucceeded, refund.Status)
	require.NotNil(t, refund.ProviderRefundID)

	_, err = f.svc.RefundInvoice(ctx, s.invoiceID, 3001, "")
	assert.ErrorIs(t, err, domain.ErrRefundExceedsPaid)

	inv := f.invoice(t, s.invoiceID)
	assert.Equal(t, int64(2000), inv.AmountRefunded)
	assert.Len(t, f.gateway.Refunds(), 1)
}

func TestMarkPaidByProviderIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.seedOverdue(t, 1)

	inv, err := f.svc.MarkPaidByProvider(ctx, providerInvoiceID(s.invoiceID), 0, "ch_webhook")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, inv.Status)
	assert.Equal(t, int64(5000), inv.AmountPaid)

	again, err := f.svc.MarkPaidByProvider(ctx, providerInvoiceID(s.invoiceID), 0, "ch_other")
	require.NoError(t, err)
	require.NotNil(t, again.ChargeID)
	assert.Equal(t, "ch_webhook", *again.ChargeID)

	_, err = f.svc.MarkPaidByProvider(ctx, "in_unknown", 0, "")
	assert.True(t, errors.Is(err, domain.ErrInvoiceNotFound))
}

func TestProcessFailedPaymentsSkipsInvoicesWithoutProviderID(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.batchSize = 1

	broken := f.seedOverdue(t, 0)
	require.NoError(t, f.db.Exec(
		`UPDATE invoices SET provider_invoice_id = NULL, next_payment_attempt = ? WHERE id = ?`,
		baseTime.AddDate(0, 0, -1), broken.invoiceID,
	).Error)
	healthy := f.seedOverdue(t, 0)

	result, err := f.svc.ProcessFailedPayments(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, healthy.invoiceID, result.Items[0].InvoiceID)
	assert.Equal(t, domain.AttemptOutcomePaid, result.Items[0].Outcome)

	_, err = f.svc.RetryInvoice(context.Background(), broken.invoiceID)
	assert.ErrorIs(t, err, domain.ErrMissingProviderID)
	assert.Equal(t, domain.InvoiceStatusOpen, f.invoice(t, broken.invoiceID).Status)
}

// flakyApplyRepo fails the next n ApplyAttempt writes.
type flakyApplyRepo struct {
	domain.Repository
	n int
}

func (r *flakyApplyRepo) ApplyAttempt(ctx context.Context, db *gorm.DB, update domain.AttemptUpdate) (bool, error) {
	if r.n > 0 {
		r.n--
		return false, errors.New("database is locked")
	}
	return r.Repository.ApplyAttempt(ctx, db, update)
}

func TestSweepSettlesChargeWhoseLocalWriteFailed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.svc.repo = &flakyApplyRepo{Repository: f.svc.repo, n: 1}

	s := f.seedOverdue(t, 2)
	pid := providerInvoiceID(s.invoiceID)

	result, err := f.svc.ProcessFailedPayments(ctx)
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, domain.AttemptOutcomeError, result.Items[0].Outcome)
	assert.Equal(t, domain.InvoiceStatusOpen, f.invoice(t, s.invoiceID).Status)
	assert.Equal(t, 1, f.gateway.PayCalls(pid))

	// Any further charge is refused by the processor.
	f.gateway.FailNext(pid, fake.AlreadyPaid(), fake.AlreadyPaid())

	result, err = f.svc.ProcessFailedPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed, "the lease still holds")

	f.clock.Advance(time.Hour)
	result, err = f.svc.ProcessFailedPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SuccessfulBillings)
	assert.Equal(t, 0, result.FailedBillings)

	inv := f.invoice(t, s.invoiceID)
	assert.Equal(t, domain.InvoiceStatusPaid, inv.Status)
	assert.Equal(t, 2, inv.AttemptCount)
	assert.Equal(t, int64(5000), inv.AmountPaid)
	require.NotNil(t, inv.ChargeID)
	assert.Equal(t, "ch_fake_1", *inv.ChargeID)
	assert.Equal(t, 1, f.gateway.PayCalls(pid))

	state, err := f.accounts.GetAccountState(ctx, s.customerID)
	require.NoError(t, err)
	if state != nil {
		assert.NotEqual(t, accountstatedomain.StateGracePeriod, state.State)
	}
	sub, err := f.subs.Get(ctx, s.subscriptionID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)

	f.clock.Advance(30 * 24 * time.Hour)
	result, err = f.svc.ProcessFailedPayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 1, f.gateway.PayCalls(pid))
}

func TestRejectedPayReconcilesWithGateway(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	s := f.seedOverdue(t, 2)
	pid := providerInvoiceID(s.invoiceID)
	f.gateway.FailRetrieveNext(pid, gatewaydomain.ErrUnavailable)
	f.gateway.FailNext(pid, fake.AlreadyPaid())
	f.gateway.MarkPaid(pid)

	result, err := f.svc.ProcessFailedPayments(ctx)
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.Equal(t, domain.AttemptOutcomePaid, result.Items[0].Outcome)
	assert.Equal(t, 0, result.Errors)
	assert.Equal(t, 1, f.gateway.PayCalls(pid))
	assert.Equal(t, 2, f.gateway.RetrieveCalls(pid))

	inv := f.invoice(t, s.invoiceID)
	assert.Equal(t, domain.InvoiceStatusPaid, inv.Status)
	assert.Equal(t, 2, inv.AttemptCount, "a reconciled invoice spends no attempt")
	assert.Empty(t, inv.LastFailureCode)

	state, err := f.accounts.GetAccountState(ctx, s.customerID)
	require.NoError(t, err)
	assert.Nil(t, state)
}
