// Package domain contains persistence models for invoicing.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft InvoiceStatus = "draft"
	InvoiceStatusSent  InvoiceStatus = "sent"
	InvoiceStatusPaid  InvoiceStatus = "paid"
	InvoiceStatusVoid  InvoiceStatus = "void"
)

// Invoice is issued exactly once per captured payment; PaymentID is
// unique and the monthly (NumberPeriod, SequenceNumber) pair backs the
// sequential numbering.
type Invoice struct {
	ID             snowflake.ID   `json:"id" gorm:"primaryKey"`
	TeamID         snowflake.ID   `json:"team_id" gorm:"not null;index"`
	SubscriptionID snowflake.ID   `json:"subscription_id" gorm:"not null;index"`
	PaymentID      snowflake.ID   `json:"payment_id" gorm:"not null;uniqueIndex"`
	Number         string         `json:"number" gorm:"type:text;not null;uniqueIndex"`
	NumberPeriod   string         `json:"number_period" gorm:"type:text;not null;uniqueIndex:ux_invoice_period_seq"`
	SequenceNumber int64          `json:"sequence_number" gorm:"not null;uniqueIndex:ux_invoice_period_seq"`
	Status         InvoiceStatus  `json:"status" gorm:"type:text;not null;default:'draft'"`
	SubtotalAmount int64          `json:"subtotal_amount" gorm:"not null;default:0"`
	TaxAmount      int64          `json:"tax_amount" gorm:"not null;default:0"`
	TotalAmount    int64          `json:"total_amount" gorm:"not null;default:0"`
	Currency       string         `json:"currency" gorm:"type:text;not null"`
	LineItems      datatypes.JSON `json:"line_items" gorm:"type:jsonb"`
	BillingName    string         `json:"billing_name" gorm:"type:text"`
	BillingEmail   string         `json:"billing_email" gorm:"type:text"`
	DocumentPath   string         `json:"document_path" gorm:"type:text"`
	IssuedAt       time.Time      `json:"issued_at" gorm:"not null"`
	PaidAt         *time.Time     `json:"paid_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (Invoice) TableName() string { return "invoices" }

// LineItem is one line on an invoice, stored as jsonb.
type LineItem struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitAmount  int64  `json:"unit_amount"`
	Amount      int64  `json:"amount"`
	PeriodStart string `json:"period_start,omitempty"`
	PeriodEnd   string `json:"period_end,omitempty"`
}

type Service interface {
	// CreateForPayment issues the invoice for a captured payment.
	// Calling it again for the same payment returns the existing
	// invoice without consuming a sequence number.
	CreateForPayment(ctx context.Context, paymentID snowflake.ID) (Invoice, error)
	GetByID(ctx context.Context, id string) (Invoice, error)
	ListByTeam(ctx context.Context, teamID string, limit int) ([]Invoice, error)
}

var (
	ErrInvalidInvoice  = errors.New("invalid_invoice")
	ErrInvoiceNotFound = errors.New("invoice_not_found")
	ErrPaymentNotPaid  = errors.New("payment_not_captured")
	ErrRenderFailed    = errors.New("invoice_render_failed")
	ErrNumberExhausted = errors.New("invoice_number_exhausted")
)
