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
	"github.com/smallbiznis/subpay/internal/gateway/adapters/paylink"
	gatewaydomain "github.com/smallbiznis/subpay/internal/gateway/domain"
	subscriptiondomain "github.com/smallbiznis/subpay/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/subpay/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/subpay/internal/subscription/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	db   *gorm.DB
	node *snowflake.Node
	clk  *clock.FakeClock
	svc  subscriptiondomain.Service
}

func newHarness(t *testing.T, trialDays int) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_sub_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&subscriptiondomain.Subscription{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(24)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))

	registry := adapters.NewRegistry("fawran",
		fawran.New(fawran.Config{Secret: "a"}),
		paylink.New(paylink.Config{Secret: "b"}),
	)

	svc := subscriptionservice.NewService(subscriptionservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Repo:     subscriptionrepo.Provide(),
		Registry: registry,
		Cfg: config.Config{
			DBType: "sqlite",
			Billing: config.BillingConfig{
				TrialDays:        trialDays,
				RetryOffsetsDays: []int{0, 3, 7},
				GraceDays:        10,
			},
		},
	})

	return &harness{db: db, node: node, clk: clk, svc: svc}
}

func subscribeRequest(teamID string) subscriptiondomain.SubscribeRequest {
	return subscriptiondomain.SubscribeRequest{
		TeamID:          teamID,
		PlanCode:        "pro",
		PlanAmount:      4990,
		Currency:        "usd",
		BillingInterval: subscriptiondomain.BillingIntervalMonthly,
	}
}

func TestSubscribeStartsTrial(t *testing.T) {
	h := newHarness(t, 14)
	ctx := context.Background()

	sub, err := h.svc.Subscribe(ctx, subscribeRequest(h.node.Generate().String()))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.Status != subscriptiondomain.SubscriptionStatusTrial {
		t.Fatalf("expected trial, got %s", sub.Status)
	}
	want := h.clk.Now().AddDate(0, 0, 14)
	if sub.TrialEndsAt == nil || !sub.TrialEndsAt.Equal(want) {
		t.Fatalf("expected trial until %s, got %v", want, sub.TrialEndsAt)
	}
	if sub.NextBillingDate != nil {
		t.Fatalf("trial must not carry a billing date")
	}
	if sub.Currency != "USD" {
		t.Fatalf("expected normalized currency USD, got %s", sub.Currency)
	}
	if sub.Gateway != "fawran" {
		t.Fatalf("expected default gateway fawran, got %s", sub.Gateway)
	}
}

func TestSubscribeWithoutTrialStartsActive(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	sub, err := h.svc.Subscribe(ctx, subscribeRequest(h.node.Generate().String()))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.Status != subscriptiondomain.SubscriptionStatusActive {
		t.Fatalf("expected active, got %s", sub.Status)
	}
	want := h.clk.Now().AddDate(0, 1, 0)
	if sub.NextBillingDate == nil || !sub.NextBillingDate.Equal(want) {
		t.Fatalf("expected next billing %s, got %v", want, sub.NextBillingDate)
	}
}

func TestSubscribePinnedGateway(t *testing.T) {
	h := newHarness(t, 14)
	ctx := context.Background()

	req := subscribeRequest(h.node.Generate().String())
	req.Gateway = "PayLink"
	sub, err := h.svc.Subscribe(ctx, req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.Gateway != "paylink" {
		t.Fatalf("expected paylink, got %s", sub.Gateway)
	}

	req = subscribeRequest(h.node.Generate().String())
	req.Gateway = "stripe"
	if _, err := h.svc.Subscribe(ctx, req); !errors.Is(err, gatewaydomain.ErrUnsupportedGateway) {
		t.Fatalf("expected ErrUnsupportedGateway, got %v", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	h := newHarness(t, 14)
	ctx := context.Background()
	teamID := h.node.Generate().String()

	tests := []struct {
		name    string
		mutate  func(*subscriptiondomain.SubscribeRequest)
		wantErr error
	}{
		{"bad team id", func(r *subscriptiondomain.SubscribeRequest) { r.TeamID = "garbage" }, subscriptiondomain.ErrInvalidTeam},
		{"empty plan", func(r *subscriptiondomain.SubscribeRequest) { r.PlanCode = " " }, subscriptiondomain.ErrInvalidPlan},
		{"zero amount", func(r *subscriptiondomain.SubscribeRequest) { r.PlanAmount = 0 }, subscriptiondomain.ErrInvalidPlan},
		{"empty currency", func(r *subscriptiondomain.SubscribeRequest) { r.Currency = "" }, subscriptiondomain.ErrInvalidCurrency},
		{"bad interval", func(r *subscriptiondomain.SubscribeRequest) { r.BillingInterval = "weekly" }, subscriptiondomain.ErrInvalidInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := subscribeRequest(teamID)
			tt.mutate(&req)
			if _, err := h.svc.Subscribe(ctx, req); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSubscribeRejectsSecondSubscription(t *testing.T) {
	h := newHarness(t, 14)
	ctx := context.Background()
	teamID := h.node.Generate().String()

	if _, err := h.svc.Subscribe(ctx, subscribeRequest(teamID)); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if _, err := h.svc.Subscribe(ctx, subscribeRequest(teamID)); !errors.Is(err, subscriptiondomain.ErrTeamAlreadySubscribed) {
		t.Fatalf("expected ErrTeamAlreadySubscribed, got %v", err)
	}
}

func TestCancelAndResume(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	created, err := h.svc.Subscribe(ctx, subscribeRequest(h.node.Generate().String()))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	canceled, err := h.svc.Cancel(ctx, subscriptiondomain.CancelRequest{SubscriptionID: created.ID.String()})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != subscriptiondomain.SubscriptionStatusActive {
		t.Fatalf("deferred cancel must keep status active, got %s", canceled.Status)
	}
	if canceled.AutoRenew {
		t.Fatalf("expected auto renew off")
	}
	if canceled.EndsAt == nil || !canceled.EndsAt.Equal(*created.CurrentPeriodEnd) {
		t.Fatalf("expected ends at period end")
	}

	resumed, err := h.svc.Resume(ctx, created.ID.String())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.AutoRenew || resumed.EndsAt != nil || resumed.CanceledAt != nil {
		t.Fatalf("expected cancellation undone")
	}
}

func TestCancelImmediate(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	created, err := h.svc.Subscribe(ctx, subscribeRequest(h.node.Generate().String()))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	canceled, err := h.svc.Cancel(ctx, subscriptiondomain.CancelRequest{
		SubscriptionID: created.ID.String(),
		Immediate:      true,
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != subscriptiondomain.SubscriptionStatusCanceled {
		t.Fatalf("expected canceled, got %s", canceled.Status)
	}
	if canceled.NextBillingDate != nil {
		t.Fatalf("expected billing schedule cleared")
	}

	// Immediate cancellation closes the resume window at once.
	if _, err := h.svc.Resume(ctx, created.ID.String()); !errors.Is(err, subscriptiondomain.ErrResumeWindowPassed) {
		t.Fatalf("expected ErrResumeWindowPassed, got %v", err)
	}
}

func TestAttachPaymentMethod(t *testing.T) {
	h := newHarness(t, 14)
	ctx := context.Background()

	created, err := h.svc.Subscribe(ctx, subscribeRequest(h.node.Generate().String()))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	updated, err := h.svc.AttachPaymentMethod(ctx, created.ID.String(), "cus_9", "card_42")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if updated.PaymentMethodID == nil || *updated.PaymentMethodID != "card_42" {
		t.Fatalf("expected payment method stored")
	}
	if updated.GatewayCustomerID == nil || *updated.GatewayCustomerID != "cus_9" {
		t.Fatalf("expected gateway customer stored")
	}

	if _, err := h.svc.AttachPaymentMethod(ctx, created.ID.String(), "", "  "); !errors.Is(err, gatewaydomain.ErrNoPaymentMethod) {
		t.Fatalf("expected ErrNoPaymentMethod, got %v", err)
	}
}

func TestGetByIDAndTeam(t *testing.T) {
	h := newHarness(t, 14)
	ctx := context.Background()
	teamID := h.node.Generate().String()

	created, err := h.svc.Subscribe(ctx, subscribeRequest(teamID))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	byID, err := h.svc.GetByID(ctx, created.ID.String())
	if err != nil || byID.ID != created.ID {
		t.Fatalf("get by id: %v", err)
	}
	byTeam, err := h.svc.GetByTeamID(ctx, teamID)
	if err != nil || byTeam.ID != created.ID {
		t.Fatalf("get by team: %v", err)
	}

	if _, err := h.svc.GetByID(ctx, h.node.Generate().String()); !errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
}
