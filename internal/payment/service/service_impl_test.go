package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/subpay/internal/clock"
	"github.com/smallbiznis/subpay/internal/config"
	"github.com/smallbiznis/subpay/internal/gateway/adapters"
	"github.com/smallbiznis/subpay/internal/gateway/adapters/fawran"
	gatewaydomain "github.com/smallbiznis/subpay/internal/gateway/domain"
	invoicedomain "github.com/smallbiznis/subpay/internal/invoice/domain"
	invoiceservice "github.com/smallbiznis/subpay/internal/invoice/service"
	"github.com/smallbiznis/subpay/internal/notify"
	paymentdomain "github.com/smallbiznis/subpay/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/subpay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/subpay/internal/payment/service"
	subscriptiondomain "github.com/smallbiznis/subpay/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/subpay/internal/subscription/repository"
	teamdomain "github.com/smallbiznis/subpay/internal/team/domain"
	teamrepo "github.com/smallbiznis/subpay/internal/team/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(
		&teamdomain.Team{},
		&subscriptiondomain.Subscription{},
		&paymentdomain.Payment{},
		&invoicedomain.Invoice{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type harness struct {
	db         *gorm.DB
	node       *snowflake.Node
	clk        *clock.FakeClock
	paymentSvc *paymentservice.Service
	subRepo    subscriptiondomain.Repository
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(20)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))

	cfg := config.Config{
		DBType:            "sqlite",
		PublicBaseURL:     "http://localhost:8080",
		CheckoutReturnURL: "http://localhost:8080/billing/return",
		Billing: config.BillingConfig{
			TrialDays:        14,
			RetryOffsetsDays: []int{0, 3, 7},
			GraceDays:        10,
		},
		InvoiceDocumentDir: t.TempDir(),
	}

	subRepo := subscriptionrepo.Provide()
	payRepo := paymentrepo.Provide()

	invoiceSvc := invoiceservice.NewService(invoiceservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		PaymentRepo: payRepo,
		TeamRepo:    teamrepo.Provide(),
		Cfg:         cfg,
	})

	registry := adapters.NewRegistry("fawran", fawran.New(fawran.Config{Secret: "fawran_secret"}))

	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Repo:       payRepo,
		SubRepo:    subRepo,
		Registry:   registry,
		InvoiceSvc: invoiceSvc,
		Notifier:   notify.NewLogNotifier(zap.NewNop()),
		Cfg:        cfg,
	})

	return &harness{
		db:         db,
		node:       node,
		clk:        clk,
		paymentSvc: paymentSvc,
		subRepo:    subRepo,
	}
}

func (h *harness) seedActiveSubscription(t *testing.T) *subscriptiondomain.Subscription {
	t.Helper()

	now := h.clk.Now()
	team := teamdomain.Team{
		ID:           h.node.Generate(),
		Name:         "Acme",
		BillingName:  "Acme Inc",
		BillingEmail: "billing@acme.example",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.db.Create(&team).Error; err != nil {
		t.Fatalf("seed team: %v", err)
	}

	start := now.AddDate(0, -1, 0)
	end := now
	sub := &subscriptiondomain.Subscription{
		ID:                 h.node.Generate(),
		TeamID:             team.ID,
		PlanCode:           "pro",
		PlanAmount:         4990,
		Currency:           "USD",
		BillingInterval:    subscriptiondomain.BillingIntervalMonthly,
		Status:             subscriptiondomain.SubscriptionStatusActive,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
		NextBillingDate:    &end,
		AutoRenew:          true,
		Gateway:            "fawran",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := h.db.Create(sub).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return sub
}

func (h *harness) reload(t *testing.T, id snowflake.ID) *subscriptiondomain.Subscription {
	t.Helper()
	sub, err := h.subRepo.FindByID(context.Background(), h.db, id)
	if err != nil {
		t.Fatalf("reload subscription: %v", err)
	}
	if sub == nil {
		t.Fatalf("subscription %s not found", id)
	}
	return sub
}

func (h *harness) count(t *testing.T, query string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := h.db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count query: %v", err)
	}
	return count
}

func capturedOutcome(chargeID string) gatewaydomain.ChargeOutcome {
	return gatewaydomain.ChargeOutcome{
		ChargeID:         chargeID,
		Status:           gatewaydomain.ChargeStatusCaptured,
		Amount:           4990,
		Currency:         "usd",
		PaymentMethod:    "card",
		CardLastFour:     "4242",
		CardBrand:        "visa",
		GatewayReference: "gr_1",
		Raw:              []byte(`{"id":"` + chargeID + `"}`),
	}
}

func TestApplyOutcomeCapturedAdvancesAndInvoices(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedActiveSubscription(t)
	anchor := *sub.CurrentPeriodEnd

	payment, err := h.paymentSvc.ApplyOutcome(ctx, sub.ID, gatewaydomain.EventKindCharge, capturedOutcome("ch_1"))
	if err != nil {
		t.Fatalf("apply outcome: %v", err)
	}
	if payment.Status != paymentdomain.PaymentStatusCaptured {
		t.Fatalf("expected captured payment, got %s", payment.Status)
	}
	if payment.Currency != "USD" {
		t.Fatalf("expected normalized currency USD, got %s", payment.Currency)
	}
	if payment.PaidAt == nil {
		t.Fatalf("expected paid at set")
	}

	got := h.reload(t, sub.ID)
	if got.Status != subscriptiondomain.SubscriptionStatusActive {
		t.Fatalf("expected active, got %s", got.Status)
	}
	want := anchor.AddDate(0, 1, 0)
	if got.NextBillingDate == nil || !got.NextBillingDate.Equal(want) {
		t.Fatalf("expected next billing %s, got %v", want, got.NextBillingDate)
	}

	if n := h.count(t, "SELECT COUNT(1) FROM invoices WHERE payment_id = ?", payment.ID); n != 1 {
		t.Fatalf("expected one invoice, got %d", n)
	}
	var number string
	if err := h.db.Raw("SELECT number FROM invoices WHERE payment_id = ?", payment.ID).Scan(&number).Error; err != nil {
		t.Fatalf("scan number: %v", err)
	}
	if number != "INV-202608-0001" {
		t.Fatalf("expected INV-202608-0001, got %s", number)
	}
}

func TestApplyOutcomeReplayIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedActiveSubscription(t)

	first, err := h.paymentSvc.ApplyOutcome(ctx, sub.ID, gatewaydomain.EventKindCharge, capturedOutcome("ch_1"))
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	afterFirst := h.reload(t, sub.ID)

	second, err := h.paymentSvc.ApplyOutcome(ctx, sub.ID, gatewaydomain.EventKindCharge, capturedOutcome("ch_1"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay must return the same payment row")
	}
	if n := h.count(t, "SELECT COUNT(1) FROM payments"); n != 1 {
		t.Fatalf("expected one payment, got %d", n)
	}
	if n := h.count(t, "SELECT COUNT(1) FROM invoices"); n != 1 {
		t.Fatalf("expected one invoice, got %d", n)
	}

	afterReplay := h.reload(t, sub.ID)
	if !afterReplay.NextBillingDate.Equal(*afterFirst.NextBillingDate) {
		t.Fatalf("replay must not advance the billing period again")
	}
}

func TestApplyOutcomeLateStatusCorrection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedActiveSubscription(t)

	pending := capturedOutcome("ch_1")
	pending.Status = gatewaydomain.ChargeStatusPending
	if _, err := h.paymentSvc.ApplyOutcome(ctx, sub.ID, gatewaydomain.EventKindCharge, pending); err != nil {
		t.Fatalf("pending apply: %v", err)
	}

	// A pending outcome records the payment but never moves the
	// subscription.
	got := h.reload(t, sub.ID)
	if got.Status != subscriptiondomain.SubscriptionStatusActive || !got.NextBillingDate.Equal(*sub.NextBillingDate) {
		t.Fatalf("pending outcome must not move the subscription")
	}

	payment, err := h.paymentSvc.ApplyOutcome(ctx, sub.ID, gatewaydomain.EventKindCharge, capturedOutcome("ch_1"))
	if err != nil {
		t.Fatalf("captured apply: %v", err)
	}
	if payment.Status != paymentdomain.PaymentStatusCaptured {
		t.Fatalf("expected captured after correction, got %s", payment.Status)
	}
	if n := h.count(t, "SELECT COUNT(1) FROM payments"); n != 1 {
		t.Fatalf("late correction must update in place, got %d rows", n)
	}

	got = h.reload(t, sub.ID)
	want := sub.NextBillingDate.AddDate(0, 1, 0)
	if got.NextBillingDate == nil || !got.NextBillingDate.Equal(want) {
		t.Fatalf("expected period advanced once, got %v", got.NextBillingDate)
	}
}

func TestApplyOutcomeFailureWalksDunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedActiveSubscription(t)

	failed := func(chargeID string) gatewaydomain.ChargeOutcome {
		return gatewaydomain.ChargeOutcome{
			ChargeID:      chargeID,
			Status:        gatewaydomain.ChargeStatusFailed,
			Amount:        4990,
			Currency:      "USD",
			FailureReason: "card declined",
		}
	}

	if _, err := h.paymentSvc.ApplyOutcome(ctx, sub.ID, gatewaydomain.EventKindCharge, failed("ch_f1")); err != nil {
		t.Fatalf("first failure: %v", err)
	}
	got := h.reload(t, sub.ID)
	if got.Status != subscriptiondomain.SubscriptionStatusPastDue || got.RetryCount != 1 {
		t.Fatalf("expected past_due retry 1, got %s retry %d", got.Status, got.RetryCount)
	}
	if got.GracePeriodEndsAt == nil {
		t.Fatalf("expected grace window armed")
	}

	for i, chargeID := range []string{"ch_f2", "ch_f3", "ch_f4"} {
		if _, err := h.paymentSvc.ApplyOutcome(ctx, sub.ID, gatewaydomain.EventKindCharge, failed(chargeID)); err != nil {
			t.Fatalf("failure %d: %v", i+2, err)
		}
	}

	got = h.reload(t, sub.ID)
	if got.Status != subscriptiondomain.SubscriptionStatusCanceled {
		t.Fatalf("expected suspension after exhausting retries, got %s", got.Status)
	}
	if got.NextBillingDate != nil || got.GracePeriodEndsAt != nil {
		t.Fatalf("expected billing schedule cleared on suspension")
	}
	if n := h.count(t, "SELECT COUNT(1) FROM payments WHERE status = ?", paymentdomain.PaymentStatusFailed); n != 4 {
		t.Fatalf("expected 4 failed payments, got %d", n)
	}
	if n := h.count(t, "SELECT COUNT(1) FROM invoices"); n != 0 {
		t.Fatalf("failed charges must never invoice, got %d", n)
	}
}

func TestApplyOutcomeUnknownSubscription(t *testing.T) {
	h := newHarness(t)

	_, err := h.paymentSvc.ApplyOutcome(context.Background(), h.node.Generate(), gatewaydomain.EventKindCharge, capturedOutcome("ch_1"))
	if !errors.Is(err, paymentdomain.ErrUnknownSubscriber) {
		t.Fatalf("expected ErrUnknownSubscriber, got %v", err)
	}
}

func TestApplyOutcomeRejectsBlankChargeID(t *testing.T) {
	h := newHarness(t)
	sub := h.seedActiveSubscription(t)

	outcome := capturedOutcome("  ")
	if _, err := h.paymentSvc.ApplyOutcome(context.Background(), sub.ID, gatewaydomain.EventKindCharge, outcome); !errors.Is(err, paymentdomain.ErrInvalidCharge) {
		t.Fatalf("expected ErrInvalidCharge, got %v", err)
	}
}

func TestApplyOutcomeRefundKind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedActiveSubscription(t)

	if _, err := h.paymentSvc.ApplyOutcome(ctx, sub.ID, gatewaydomain.EventKindCharge, capturedOutcome("ch_1")); err != nil {
		t.Fatalf("capture: %v", err)
	}
	afterCapture := h.reload(t, sub.ID)

	payment, err := h.paymentSvc.ApplyOutcome(ctx, sub.ID, gatewaydomain.EventKindRefund, capturedOutcome("ch_1"))
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if payment.Status != paymentdomain.PaymentStatusRefunded {
		t.Fatalf("expected refunded, got %s", payment.Status)
	}
	if payment.RefundedAt == nil {
		t.Fatalf("expected refunded at set")
	}

	// Refunds correct the payment record without driving the machine.
	got := h.reload(t, sub.ID)
	if got.Status != afterCapture.Status || !got.NextBillingDate.Equal(*afterCapture.NextBillingDate) {
		t.Fatalf("refund must not move the subscription")
	}
}

func TestApplyOutcomeCancelledMarksActivePastDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedActiveSubscription(t)

	cancelled := func(chargeID string) gatewaydomain.ChargeOutcome {
		return gatewaydomain.ChargeOutcome{
			ChargeID: chargeID,
			Status:   gatewaydomain.ChargeStatusCancelled,
			Amount:   4990,
			Currency: "USD",
		}
	}

	// An expired hosted-page renewal counts as a failed attempt.
	payment, err := h.paymentSvc.ApplyOutcome(ctx, sub.ID, gatewaydomain.EventKindCharge, cancelled("ch_c1"))
	if err != nil {
		t.Fatalf("apply cancelled: %v", err)
	}
	if payment.Status != paymentdomain.PaymentStatusCancelled {
		t.Fatalf("expected cancelled payment, got %s", payment.Status)
	}
	got := h.reload(t, sub.ID)
	if got.Status != subscriptiondomain.SubscriptionStatusPastDue || got.RetryCount != 1 {
		t.Fatalf("expected past_due retry 1, got %s retry %d", got.Status, got.RetryCount)
	}

	// Further cancellations never deepen dunning already in progress.
	if _, err := h.paymentSvc.ApplyOutcome(ctx, sub.ID, gatewaydomain.EventKindCharge, cancelled("ch_c2")); err != nil {
		t.Fatalf("apply second cancelled: %v", err)
	}
	got = h.reload(t, sub.ID)
	if got.Status != subscriptiondomain.SubscriptionStatusPastDue || got.RetryCount != 1 {
		t.Fatalf("cancelled outcome on past_due must not move it, got %s retry %d", got.Status, got.RetryCount)
	}
	if n := h.count(t, "SELECT COUNT(1) FROM invoices"); n != 0 {
		t.Fatalf("cancelled charges must never invoice, got %d", n)
	}
}

func TestChargeRecurringWithoutPaymentMethodSkips(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedActiveSubscription(t)

	payment, err := h.paymentSvc.ChargeRecurring(ctx, sub)
	if err != nil {
		t.Fatalf("charge recurring: %v", err)
	}
	if payment != nil {
		t.Fatalf("skipped attempt must not record a payment, got %s", payment.Status)
	}

	got := h.reload(t, sub.ID)
	if got.Status != subscriptiondomain.SubscriptionStatusActive || got.RetryCount != 0 {
		t.Fatalf("skipped attempt must not move the subscription, got %s retry %d", got.Status, got.RetryCount)
	}
	if got.GracePeriodEndsAt != nil {
		t.Fatalf("skipped attempt must not arm the grace window")
	}
	if n := h.count(t, "SELECT COUNT(1) FROM payments"); n != 0 {
		t.Fatalf("expected no payment rows, got %d", n)
	}
}

func TestChargeRecurringGatewayFailureRecordsAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.seedActiveSubscription(t)

	// A stored method against an unreachable processor still records
	// the attempt and advances dunning.
	method := "card_123"
	customer := "cus_123"
	sub.PaymentMethodID = &method
	sub.GatewayCustomerID = &customer
	if err := h.db.Save(sub).Error; err != nil {
		t.Fatalf("attach method: %v", err)
	}

	payment, err := h.paymentSvc.ChargeRecurring(ctx, sub)
	if err != nil {
		t.Fatalf("charge recurring: %v", err)
	}
	if payment.Status != paymentdomain.PaymentStatusFailed {
		t.Fatalf("expected synthetic failure, got %s", payment.Status)
	}
	if payment.FailureReason == "" {
		t.Fatalf("expected failure reason recorded")
	}

	got := h.reload(t, sub.ID)
	if got.Status != subscriptiondomain.SubscriptionStatusPastDue || got.RetryCount != 1 {
		t.Fatalf("expected dunning to advance, got %s retry %d", got.Status, got.RetryCount)
	}
}
