package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subpay/internal/clock"
	"github.com/smallbiznis/subpay/internal/config"
	invoicedomain "github.com/smallbiznis/subpay/internal/invoice/domain"
	invoiceformat "github.com/smallbiznis/subpay/internal/invoice/format"
	paymentdomain "github.com/smallbiznis/subpay/internal/payment/domain"
	"github.com/smallbiznis/subpay/internal/providers/pdf"
	teamdomain "github.com/smallbiznis/subpay/internal/team/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	PaymentRepo paymentdomain.Repository
	TeamRepo    teamdomain.Repository
	PDF         pdf.Provider `optional:"true"`
	Cfg         config.Config
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	paymentRepo paymentdomain.Repository
	teamRepo    teamdomain.Repository
	pdf         pdf.Provider
	cfg         config.Config
}

func NewService(p Params) invoicedomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("invoice.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		paymentRepo: p.PaymentRepo,
		teamRepo:    p.TeamRepo,
		pdf:         p.PDF,
		cfg:         p.Cfg,
	}
}

func (s *Service) CreateForPayment(ctx context.Context, paymentID snowflake.ID) (invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.paymentRepo.FindByID(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		if payment.Status != paymentdomain.PaymentStatusCaptured {
			return invoicedomain.ErrPaymentNotPaid
		}

		existing, err := s.findByPaymentID(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if existing != nil {
			invoice = *existing
			return nil
		}

		now := s.clock.Now()
		issuedAt := now
		if payment.PaidAt != nil {
			issuedAt = *payment.PaidAt
		}
		period := invoiceformat.Period(issuedAt)

		// The team row is the serialization point for number
		// allocation within a period.
		if err := s.lockTeam(ctx, tx, payment.TeamID); err != nil {
			return err
		}

		seq, err := s.nextSequence(ctx, tx, period)
		if err != nil {
			return err
		}

		number, err := invoiceformat.Number(invoiceformat.DefaultNumberTemplate, issuedAt, seq)
		if err != nil {
			return err
		}

		lines := []invoicedomain.LineItem{s.subscriptionLine(ctx, tx, payment)}
		lineItems, err := json.Marshal(lines)
		if err != nil {
			return err
		}

		candidate := invoicedomain.Invoice{
			ID:             s.genID.Generate(),
			TeamID:         payment.TeamID,
			SubscriptionID: payment.SubscriptionID,
			PaymentID:      payment.ID,
			Number:         number,
			NumberPeriod:   period,
			SequenceNumber: seq,
			Status:         invoicedomain.InvoiceStatusPaid,
			SubtotalAmount: payment.Amount,
			TaxAmount:      0,
			TotalAmount:    payment.Amount,
			Currency:       payment.Currency,
			LineItems:      datatypes.JSON(lineItems),
			IssuedAt:       issuedAt,
			PaidAt:         payment.PaidAt,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if team, err := s.teamRepo.FindByID(ctx, tx, payment.TeamID); err == nil && team != nil {
			candidate.BillingName = team.BillingName
			candidate.BillingEmail = team.BillingEmail
		}

		inserted, err := s.insertInvoice(ctx, tx, candidate)
		if err != nil {
			return err
		}
		if !inserted {
			stored, err := s.findByPaymentID(ctx, tx, paymentID)
			if err != nil {
				return err
			}
			if stored == nil {
				return invoicedomain.ErrInvoiceNotFound
			}
			invoice = *stored
			return nil
		}

		invoice = candidate
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	s.renderDocument(ctx, &invoice)
	return invoice, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoice
	}

	var item invoicedomain.Invoice
	if err := s.db.WithContext(ctx).Where("id = ?", parsed).Limit(1).Find(&item).Error; err != nil {
		return invoicedomain.Invoice{}, err
	}
	if item.ID == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	return item, nil
}

func (s *Service) ListByTeam(ctx context.Context, teamID string, limit int) ([]invoicedomain.Invoice, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(teamID))
	if err != nil {
		return nil, invoicedomain.ErrInvalidInvoice
	}
	if limit <= 0 {
		limit = 50
	}

	var items []invoicedomain.Invoice
	err = s.db.WithContext(ctx).Raw(
		`SELECT *
		 FROM invoices
		 WHERE team_id = ?
		 ORDER BY issued_at DESC, id DESC
		 LIMIT ?`,
		parsed,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Service) findByPaymentID(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID) (*invoicedomain.Invoice, error) {
	var item invoicedomain.Invoice
	err := tx.WithContext(ctx).Where("payment_id = ?", paymentID).Limit(1).Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (s *Service) lockTeam(ctx context.Context, tx *gorm.DB, teamID snowflake.ID) error {
	if tx.Dialector == nil || tx.Dialector.Name() != "postgres" {
		return nil
	}
	var id snowflake.ID
	return tx.WithContext(ctx).Raw(
		`SELECT id
		 FROM teams
		 WHERE id = ?
		 FOR UPDATE`,
		teamID,
	).Scan(&id).Error
}

func (s *Service) nextSequence(ctx context.Context, tx *gorm.DB, period string) (int64, error) {
	var next int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(sequence_number), 0) + 1
		 FROM invoices
		 WHERE number_period = ?`,
		period,
	).Scan(&next).Error
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Service) insertInvoice(ctx context.Context, tx *gorm.DB, invoice invoicedomain.Invoice) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			id, team_id, subscription_id, payment_id, number, number_period,
			sequence_number, status, subtotal_amount, tax_amount, total_amount,
			currency, line_items, billing_name, billing_email, document_path,
			issued_at, paid_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (payment_id) DO NOTHING`,
		invoice.ID,
		invoice.TeamID,
		invoice.SubscriptionID,
		invoice.PaymentID,
		invoice.Number,
		invoice.NumberPeriod,
		invoice.SequenceNumber,
		invoice.Status,
		invoice.SubtotalAmount,
		invoice.TaxAmount,
		invoice.TotalAmount,
		invoice.Currency,
		invoice.LineItems,
		invoice.BillingName,
		invoice.BillingEmail,
		invoice.DocumentPath,
		invoice.IssuedAt,
		invoice.PaidAt,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) subscriptionLine(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment) invoicedomain.LineItem {
	line := invoicedomain.LineItem{
		Description: "Subscription",
		Quantity:    1,
		UnitAmount:  payment.Amount,
		Amount:      payment.Amount,
	}

	var row struct {
		PlanCode           string
		BillingInterval    string
		CurrentPeriodStart *time.Time
		CurrentPeriodEnd   *time.Time
	}
	err := tx.WithContext(ctx).Raw(
		`SELECT plan_code, billing_interval, current_period_start, current_period_end
		 FROM subscriptions
		 WHERE id = ?`,
		payment.SubscriptionID,
	).Scan(&row).Error
	if err != nil || row.PlanCode == "" {
		return line
	}

	line.Description = fmt.Sprintf("%s plan (%s)", row.PlanCode, row.BillingInterval)
	if row.CurrentPeriodStart != nil {
		line.PeriodStart = row.CurrentPeriodStart.UTC().Format("2006-01-02")
	}
	if row.CurrentPeriodEnd != nil {
		line.PeriodEnd = row.CurrentPeriodEnd.UTC().Format("2006-01-02")
	}
	return line
}

// renderDocument writes the PDF artifact after the invoice row is
// durable. Failures leave DocumentPath empty; the record stands.
func (s *Service) renderDocument(ctx context.Context, invoice *invoicedomain.Invoice) {
	if s.pdf == nil || invoice.ID == 0 {
		return
	}

	var lines []invoicedomain.LineItem
	if len(invoice.LineItems) > 0 {
		_ = json.Unmarshal(invoice.LineItems, &lines)
	}

	items := make([]pdf.InvoiceItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, pdf.InvoiceItem{
			Description: line.Description,
			Qty:         line.Quantity,
			UnitPrice:   formatMinorUnits(line.UnitAmount),
			Amount:      formatMinorUnits(line.Amount),
		})
	}

	reader, err := s.pdf.GenerateInvoice(ctx, pdf.InvoiceData{
		Number:      invoice.Number,
		IssueDate:   invoice.IssuedAt.UTC().Format("2006-01-02"),
		Status:      string(invoice.Status),
		BillToName:  invoice.BillingName,
		BillToEmail: invoice.BillingEmail,
		Items:       items,
		Subtotal:    formatMinorUnits(invoice.SubtotalAmount),
		Tax:         formatMinorUnits(invoice.TaxAmount),
		Total:       formatMinorUnits(invoice.TotalAmount),
		Currency:    invoice.Currency,
	})
	if err != nil || reader == nil {
		s.log.Error("invoice document render failed",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Error(err),
		)
		return
	}

	doc, err := io.ReadAll(reader)
	if err != nil {
		s.log.Error("invoice document read failed", zap.Error(err))
		return
	}

	dir := s.cfg.InvoiceDocumentDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Error("invoice document dir create failed", zap.Error(err))
		return
	}
	path := filepath.Join(dir, invoice.Number+".pdf")
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		s.log.Error("invoice document write failed", zap.Error(err))
		return
	}

	if err := s.db.WithContext(ctx).Exec(
		`UPDATE invoices SET document_path = ?, updated_at = ? WHERE id = ?`,
		path,
		s.clock.Now(),
		invoice.ID,
	).Error; err != nil {
		s.log.Error("invoice document path update failed", zap.Error(err))
		return
	}
	invoice.DocumentPath = path
}

func formatMinorUnits(amount int64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}
	out := fmt.Sprintf("%d.%02d", amount/100, amount%100)
	if negative {
		return "-" + out
	}
	return out
}
