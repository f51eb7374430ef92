// Package domain contains the invoice aggregate: header, line items, and
// the guarded status lifecycle.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tradebill/internal/document"
	"github.com/smallbiznis/tradebill/internal/money"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusSent      InvoiceStatus = "sent"
	InvoiceStatusViewed    InvoiceStatus = "viewed"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusOverdue   InvoiceStatus = "overdue"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// Lifecycle events.
const (
	EventSend          = "send"
	EventMarkViewed    = "mark_viewed"
	EventMarkPaid      = "mark_paid"
	EventMarkCancelled = "mark_cancelled"
	EventMarkOverdue   = "mark_overdue"
)

// Transitions is the closed lifecycle of an invoice. mark_overdue is
// system-driven: the scheduler sweep fires it, never a user action.
var Transitions = document.Table[InvoiceStatus]{
	Entity: "invoice",
	Rules: map[string]document.Rule[InvoiceStatus]{
		EventSend:          {From: []InvoiceStatus{InvoiceStatusDraft}, To: InvoiceStatusSent},
		EventMarkViewed:    {From: []InvoiceStatus{InvoiceStatusSent}, To: InvoiceStatusViewed},
		EventMarkPaid:      {From: []InvoiceStatus{InvoiceStatusSent, InvoiceStatusViewed, InvoiceStatusOverdue}, To: InvoiceStatusPaid},
		EventMarkCancelled: {From: []InvoiceStatus{InvoiceStatusSent, InvoiceStatusViewed, InvoiceStatusOverdue}, To: InvoiceStatusCancelled},
		EventMarkOverdue:   {From: []InvoiceStatus{InvoiceStatusSent, InvoiceStatusViewed}, To: InvoiceStatusOverdue},
	},
}

// Invoice is a billable document owned by one tenant.
type Invoice struct {
	ID                 snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID           snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_invoices_tenant_number" json:"tenant_id"`
	ClientID           snowflake.ID      `gorm:"not null;index" json:"client_id"`
	ProjectID          *snowflake.ID     `gorm:"index" json:"project_id,omitempty"`
	RecurringInvoiceID *snowflake.ID     `gorm:"index" json:"recurring_invoice_id,omitempty"`
	Number             string            `gorm:"type:text;not null;uniqueIndex:ux_invoices_tenant_number" json:"number"`
	Status             InvoiceStatus     `gorm:"type:text;not null;default:'draft'" json:"status"`
	Currency           string            `gorm:"type:text;not null;default:'USD'" json:"currency"`
	IssueDate          time.Time         `gorm:"not null" json:"issue_date"`
	DueDate            time.Time         `gorm:"not null" json:"due_date"`
	TaxRate            decimal.Decimal   `gorm:"type:numeric(5,2);not null" json:"tax_rate"`
	DiscountAmount     decimal.Decimal   `gorm:"type:numeric(12,2);not null" json:"discount_amount"`
	Subtotal           decimal.Decimal   `gorm:"type:numeric(12,2);not null" json:"subtotal"`
	TaxAmount          decimal.Decimal   `gorm:"type:numeric(12,2);not null" json:"tax_amount"`
	TotalAmount        decimal.Decimal   `gorm:"type:numeric(12,2);not null" json:"total_amount"`
	Notes              string            `gorm:"type:text" json:"notes,omitempty"`
	Terms              string            `gorm:"type:text" json:"terms,omitempty"`
	PaymentToken       string            `gorm:"type:text;not null;uniqueIndex" json:"-"`
	PaymentMethod      string            `gorm:"type:text" json:"payment_method,omitempty"`
	PaymentReference   string            `gorm:"type:text" json:"payment_reference,omitempty"`
	SentAt             *time.Time        `json:"sent_at,omitempty"`
	ViewedAt           *time.Time        `json:"viewed_at,omitempty"`
	PaidAt             *time.Time        `json:"paid_at,omitempty"`
	CancelledAt        *time.Time        `json:"cancelled_at,omitempty"`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	LineItems []InvoiceLineItem `gorm:"foreignKey:InvoiceID" json:"line_items"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// InvoiceLineItem is one billable row; Amount is always derived from
// Quantity and UnitPrice, never set independently.
type InvoiceLineItem struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID    snowflake.ID    `gorm:"not null;index" json:"tenant_id"`
	InvoiceID   snowflake.ID    `gorm:"not null;index" json:"invoice_id"`
	Description string          `gorm:"type:text;not null" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"unit_price"`
	Amount      decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Position    int             `gorm:"not null" json:"position"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (InvoiceLineItem) TableName() string { return "invoice_line_items" }

var unpaidStatuses = map[InvoiceStatus]bool{
	InvoiceStatusSent:    true,
	InvoiceStatusViewed:  true,
	InvoiceStatusOverdue: true,
}

// IsUnpaid reports whether the invoice has been issued but not settled.
func (i Invoice) IsUnpaid() bool { return unpaidStatuses[i.Status] }

// IsPayable gates the public checkout flow.
func (i Invoice) IsPayable() bool { return i.IsUnpaid() }

// IsPastDue reports whether the due date has passed as of today.
func (i Invoice) IsPastDue(today time.Time) bool {
	return document.DateOnly(i.DueDate).Before(document.DateOnly(today))
}

// DaysOverdue returns whole days past the due date, 0 when not past due.
func (i Invoice) DaysOverdue(today time.Time) int {
	days := document.DaysBetween(i.DueDate, today)
	if days < 0 {
		return 0
	}
	return days
}

// DaysUntilDue returns whole days until the due date, 0 when already due.
func (i Invoice) DaysUntilDue(today time.Time) int {
	days := document.DaysBetween(today, i.DueDate)
	if days < 0 {
		return 0
	}
	return days
}

// LineInput is the caller-supplied portion of a line item.
type LineInput struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// BuildParams assembles a fresh draft invoice. Every creation path
// (direct create, estimate conversion, recurring generation) goes through
// Build so the derived fields and the payment token are never skipped.
type BuildParams struct {
	Gen                *snowflake.Node
	TenantID           snowflake.ID
	ClientID           snowflake.ID
	ProjectID          *snowflake.ID
	RecurringInvoiceID *snowflake.ID
	Number             string
	Currency           string
	IssueDate          time.Time
	DueDate            time.Time
	TaxRate            decimal.Decimal
	DiscountAmount     decimal.Decimal
	Notes              string
	Terms              string
	Lines              []LineInput
	Now                time.Time
}

// Build computes line amounts and header totals and returns a draft invoice
// ready to insert. The payment token comes from a cryptographically random
// source and is not derivable from the number or id.
func Build(p BuildParams) Invoice {
	currency := p.Currency
	if currency == "" {
		currency = "USD"
	}

	id := p.Gen.Generate()
	items := make([]InvoiceLineItem, 0, len(p.Lines))
	moneyLines := make([]money.Line, 0, len(p.Lines))
	for idx, line := range p.Lines {
		items = append(items, InvoiceLineItem{
			ID:          p.Gen.Generate(),
			TenantID:    p.TenantID,
			InvoiceID:   id,
			Description: line.Description,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Amount:      money.LineAmount(line.Quantity, line.UnitPrice),
			Position:    idx + 1,
			CreatedAt:   p.Now,
		})
		moneyLines = append(moneyLines, money.Line{Quantity: line.Quantity, UnitPrice: line.UnitPrice})
	}

	totals := money.ComputeTotals(moneyLines, p.TaxRate, p.DiscountAmount)

	return Invoice{
		ID:                 id,
		TenantID:           p.TenantID,
		ClientID:           p.ClientID,
		ProjectID:          p.ProjectID,
		RecurringInvoiceID: p.RecurringInvoiceID,
		Number:             p.Number,
		Status:             InvoiceStatusDraft,
		Currency:           currency,
		IssueDate:          document.DateOnly(p.IssueDate),
		DueDate:            document.DateOnly(p.DueDate),
		TaxRate:            p.TaxRate,
		DiscountAmount:     p.DiscountAmount,
		Subtotal:           totals.Subtotal,
		TaxAmount:          totals.TaxAmount,
		TotalAmount:        totals.TotalAmount,
		Notes:              p.Notes,
		Terms:              p.Terms,
		PaymentToken:       NewPaymentToken(),
		Metadata:           datatypes.JSONMap{},
		CreatedAt:          p.Now,
		UpdatedAt:          p.Now,
		LineItems:          items,
	}
}

// NewPaymentToken returns an opaque token for public payment-link lookup.
func NewPaymentToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
