package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/subpay/internal/clock"
	"github.com/smallbiznis/subpay/internal/config"
	invoicedomain "github.com/smallbiznis/subpay/internal/invoice/domain"
	invoiceservice "github.com/smallbiznis/subpay/internal/invoice/service"
	paymentdomain "github.com/smallbiznis/subpay/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/subpay/internal/payment/repository"
	subscriptiondomain "github.com/smallbiznis/subpay/internal/subscription/domain"
	teamdomain "github.com/smallbiznis/subpay/internal/team/domain"
	teamrepo "github.com/smallbiznis/subpay/internal/team/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	db   *gorm.DB
	node *snowflake.Node
	clk  *clock.FakeClock
	svc  invoicedomain.Service

	team teamdomain.Team
	sub  subscriptiondomain.Subscription
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_inv_%d?mode=memory&cache=shared", time.Now().UnixNano())
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

	node, err := snowflake.NewNode(22)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC))

	svc := invoiceservice.NewService(invoiceservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		PaymentRepo: paymentrepo.Provide(),
		TeamRepo:    teamrepo.Provide(),
		Cfg: config.Config{
			DBType:             "sqlite",
			InvoiceDocumentDir: t.TempDir(),
		},
	})

	h := &harness{db: db, node: node, clk: clk, svc: svc}

	now := clk.Now()
	h.team = teamdomain.Team{
		ID:           node.Generate(),
		Name:         "Acme",
		BillingName:  "Acme Inc",
		BillingEmail: "billing@acme.example",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := db.Create(&h.team).Error; err != nil {
		t.Fatalf("seed team: %v", err)
	}

	start := now.AddDate(0, -1, 0)
	end := now
	h.sub = subscriptiondomain.Subscription{
		ID:                 node.Generate(),
		TeamID:             h.team.ID,
		PlanCode:           "pro",
		PlanAmount:         4990,
		Currency:           "USD",
		BillingInterval:    subscriptiondomain.BillingIntervalMonthly,
		Status:             subscriptiondomain.SubscriptionStatusActive,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
		AutoRenew:          true,
		Gateway:            "fawran",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := db.Create(&h.sub).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	return h
}

func (h *harness) seedPayment(t *testing.T, status paymentdomain.PaymentStatus) paymentdomain.Payment {
	t.Helper()

	now := h.clk.Now()
	payment := paymentdomain.Payment{
		ID:             h.node.Generate(),
		SubscriptionID: h.sub.ID,
		TeamID:         h.team.ID,
		ChargeID:       fmt.Sprintf("ch_%s", h.node.Generate()),
		Gateway:        "fawran",
		Amount:         4990,
		Currency:       "USD",
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if status == paymentdomain.PaymentStatusCaptured {
		payment.PaidAt = &now
	}
	if err := h.db.Create(&payment).Error; err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return payment
}

func TestCreateForPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payment := h.seedPayment(t, paymentdomain.PaymentStatusCaptured)

	invoice, err := h.svc.CreateForPayment(ctx, payment.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if invoice.Number != "INV-202608-0001" {
		t.Fatalf("expected INV-202608-0001, got %s", invoice.Number)
	}
	if invoice.NumberPeriod != "202608" || invoice.SequenceNumber != 1 {
		t.Fatalf("expected period 202608 seq 1, got %s/%d", invoice.NumberPeriod, invoice.SequenceNumber)
	}
	if invoice.Status != invoicedomain.InvoiceStatusPaid {
		t.Fatalf("expected paid, got %s", invoice.Status)
	}
	if invoice.TotalAmount != 4990 || invoice.Currency != "USD" {
		t.Fatalf("expected total 4990 USD, got %d %s", invoice.TotalAmount, invoice.Currency)
	}
	if invoice.BillingName != "Acme Inc" || invoice.BillingEmail != "billing@acme.example" {
		t.Fatalf("expected billing contact copied from the team")
	}

	var lines []invoicedomain.LineItem
	if err := json.Unmarshal(invoice.LineItems, &lines); err != nil {
		t.Fatalf("unmarshal line items: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected one line item, got %d", len(lines))
	}
	if lines[0].Description != "pro plan (monthly)" {
		t.Fatalf("expected plan description, got %s", lines[0].Description)
	}
	if lines[0].Amount != 4990 || lines[0].Quantity != 1 {
		t.Fatalf("expected amount 4990 qty 1")
	}
}

func TestCreateForPaymentIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payment := h.seedPayment(t, paymentdomain.PaymentStatusCaptured)

	first, err := h.svc.CreateForPayment(ctx, payment.ID)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := h.svc.CreateForPayment(ctx, payment.ID)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID != second.ID || first.Number != second.Number {
		t.Fatalf("expected the same invoice, got %s and %s", first.Number, second.Number)
	}

	var count int64
	if err := h.db.Raw("SELECT COUNT(1) FROM invoices").Scan(&count).Error; err != nil {
		t.Fatalf("count invoices: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one invoice, got %d", count)
	}
}

func TestCreateForPaymentSequencesWithinPeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.CreateForPayment(ctx, h.seedPayment(t, paymentdomain.PaymentStatusCaptured).ID)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := h.svc.CreateForPayment(ctx, h.seedPayment(t, paymentdomain.PaymentStatusCaptured).ID)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.SequenceNumber != 1 || second.SequenceNumber != 2 {
		t.Fatalf("expected sequences 1 and 2, got %d and %d", first.SequenceNumber, second.SequenceNumber)
	}
	if second.Number != "INV-202608-0002" {
		t.Fatalf("expected INV-202608-0002, got %s", second.Number)
	}

	// A payment captured in the next month restarts the sequence.
	h.clk.Advance(31 * 24 * time.Hour)
	third, err := h.svc.CreateForPayment(ctx, h.seedPayment(t, paymentdomain.PaymentStatusCaptured).ID)
	if err != nil {
		t.Fatalf("third create: %v", err)
	}
	if third.NumberPeriod != "202609" || third.SequenceNumber != 1 {
		t.Fatalf("expected period 202609 seq 1, got %s/%d", third.NumberPeriod, third.SequenceNumber)
	}
}

func TestCreateForPaymentRejectsUncaptured(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, status := range []paymentdomain.PaymentStatus{
		paymentdomain.PaymentStatusPending,
		paymentdomain.PaymentStatusFailed,
	} {
		payment := h.seedPayment(t, status)
		if _, err := h.svc.CreateForPayment(ctx, payment.ID); !errors.Is(err, invoicedomain.ErrPaymentNotPaid) {
			t.Fatalf("%s: expected ErrPaymentNotPaid, got %v", status, err)
		}
	}

	if _, err := h.svc.CreateForPayment(ctx, h.node.Generate()); !errors.Is(err, paymentdomain.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestGetByIDAndListByTeam(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.svc.CreateForPayment(ctx, h.seedPayment(t, paymentdomain.PaymentStatusCaptured).ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := h.svc.GetByID(ctx, created.ID.String())
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.Number != created.Number {
		t.Fatalf("expected %s, got %s", created.Number, got.Number)
	}

	if _, err := h.svc.GetByID(ctx, h.node.Generate().String()); !errors.Is(err, invoicedomain.ErrInvoiceNotFound) {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", err)
	}
	if _, err := h.svc.GetByID(ctx, "garbage"); !errors.Is(err, invoicedomain.ErrInvalidInvoice) {
		t.Fatalf("expected ErrInvalidInvoice, got %v", err)
	}

	items, err := h.svc.ListByTeam(ctx, h.team.ID.String(), 10)
	if err != nil {
		t.Fatalf("list by team: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one invoice, got %d", len(items))
	}
}
