// Package domain contains the estimate aggregate: header, line items,
// the guarded status lifecycle, and the conversion link to invoices.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tradebill/internal/document"
	"github.com/smallbiznis/tradebill/internal/money"
	"gorm.io/datatypes"
)

// EstimateStatus represents estimate lifecycle states.
type EstimateStatus string

const (
	EstimateStatusDraft     EstimateStatus = "draft"
	EstimateStatusSent      EstimateStatus = "sent"
	EstimateStatusViewed    EstimateStatus = "viewed"
	EstimateStatusAccepted  EstimateStatus = "accepted"
	EstimateStatusDeclined  EstimateStatus = "declined"
	EstimateStatusConverted EstimateStatus = "converted"
	EstimateStatusExpired   EstimateStatus = "expired"
)

// Lifecycle events.
const (
	EventSend       = "send"
	EventMarkViewed = "mark_viewed"
	EventAccept     = "accept"
	EventDecline    = "decline"
	EventConvert    = "convert"
	EventExpire     = "expire"
)

// Transitions is the closed lifecycle of an estimate. expire is
// system-driven and never touches an accepted estimate: acceptance
// freezes the document regardless of its validity window.
var Transitions = document.Table[EstimateStatus]{
	Entity: "estimate",
	Rules: map[string]document.Rule[EstimateStatus]{
		EventSend:       {From: []EstimateStatus{EstimateStatusDraft}, To: EstimateStatusSent},
		EventMarkViewed: {From: []EstimateStatus{EstimateStatusSent}, To: EstimateStatusViewed},
		EventAccept:     {From: []EstimateStatus{EstimateStatusSent, EstimateStatusViewed}, To: EstimateStatusAccepted},
		EventDecline:    {From: []EstimateStatus{EstimateStatusSent, EstimateStatusViewed}, To: EstimateStatusDeclined},
		EventConvert:    {From: []EstimateStatus{EstimateStatusAccepted}, To: EstimateStatusConverted},
		EventExpire:     {From: []EstimateStatus{EstimateStatusDraft, EstimateStatusSent, EstimateStatusViewed}, To: EstimateStatusExpired},
	},
}

// Estimate is a quoted document owned by one tenant. Acceptance makes it
// eligible for a one-time conversion into an invoice.
type Estimate struct {
	ID                 snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID           snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_estimates_tenant_number" json:"tenant_id"`
	ClientID           snowflake.ID      `gorm:"not null;index" json:"client_id"`
	ProjectID          *snowflake.ID     `gorm:"index" json:"project_id,omitempty"`
	Number             string            `gorm:"type:text;not null;uniqueIndex:ux_estimates_tenant_number" json:"number"`
	Status             EstimateStatus    `gorm:"type:text;not null;default:'draft'" json:"status"`
	Currency           string            `gorm:"type:text;not null;default:'USD'" json:"currency"`
	IssueDate          time.Time         `gorm:"not null" json:"issue_date"`
	ValidUntil         time.Time         `gorm:"not null" json:"valid_until"`
	TaxRate            decimal.Decimal   `gorm:"type:numeric(5,2);not null" json:"tax_rate"`
	DiscountAmount     decimal.Decimal   `gorm:"type:numeric(12,2);not null" json:"discount_amount"`
	Subtotal           decimal.Decimal   `gorm:"type:numeric(12,2);not null" json:"subtotal"`
	TaxAmount          decimal.Decimal   `gorm:"type:numeric(12,2);not null" json:"tax_amount"`
	TotalAmount        decimal.Decimal   `gorm:"type:numeric(12,2);not null" json:"total_amount"`
	Notes              string            `gorm:"type:text" json:"notes,omitempty"`
	Terms              string            `gorm:"type:text" json:"terms,omitempty"`
	ConvertedInvoiceID *snowflake.ID     `gorm:"index" json:"converted_invoice_id,omitempty"`
	SentAt             *time.Time        `json:"sent_at,omitempty"`
	ViewedAt           *time.Time        `json:"viewed_at,omitempty"`
	AcceptedAt         *time.Time        `json:"accepted_at,omitempty"`
	DeclinedAt         *time.Time        `json:"declined_at,omitempty"`
	ConvertedAt        *time.Time        `json:"converted_at,omitempty"`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	LineItems []EstimateLineItem `gorm:"foreignKey:EstimateID" json:"line_items"`
}

// TableName sets the database table name.
func (Estimate) TableName() string { return "estimates" }

// EstimateLineItem is one quoted row; Amount is always derived from
// Quantity and UnitPrice.
type EstimateLineItem struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID    snowflake.ID    `gorm:"not null;index" json:"tenant_id"`
	EstimateID  snowflake.ID    `gorm:"not null;index" json:"estimate_id"`
	Description string          `gorm:"type:text;not null" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"unit_price"`
	Amount      decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Position    int             `gorm:"not null" json:"position"`
	CreatedAt   time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (EstimateLineItem) TableName() string { return "estimate_line_items" }

var openStatuses = map[EstimateStatus]bool{
	EstimateStatusDraft:  true,
	EstimateStatusSent:   true,
	EstimateStatusViewed: true,
}

// IsOpen reports whether the estimate still awaits a client decision.
func (e Estimate) IsOpen() bool { return openStatuses[e.Status] }

// IsExpired reports whether the validity window has lapsed, regardless of
// status. The expire sweep applies its own status guard on top.
func (e Estimate) IsExpired(today time.Time) bool {
	return document.DateOnly(e.ValidUntil).Before(document.DateOnly(today))
}

// DaysUntilExpiry returns whole days until valid_until, 0 when lapsed.
func (e Estimate) DaysUntilExpiry(today time.Time) int {
	days := document.DaysBetween(today, e.ValidUntil)
	if days < 0 {
		return 0
	}
	return days
}

// CanConvert reports whether a conversion may still happen: the estimate
// is accepted and no invoice has been linked yet.
func (e Estimate) CanConvert() bool {
	return e.Status == EstimateStatusAccepted && e.ConvertedInvoiceID == nil
}

// LineInput is the caller-supplied portion of a line item.
type LineInput struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// BuildParams assembles a fresh draft estimate.
type BuildParams struct {
	Gen            *snowflake.Node
	TenantID       snowflake.ID
	ClientID       snowflake.ID
	ProjectID      *snowflake.ID
	Number         string
	Currency       string
	IssueDate      time.Time
	ValidUntil     time.Time
	TaxRate        decimal.Decimal
	DiscountAmount decimal.Decimal
	Notes          string
	Terms          string
	Lines          []LineInput
	Now            time.Time
}

// Build computes line amounts and header totals and returns a draft
// estimate ready to insert.
func Build(p BuildParams) Estimate {
	currency := p.Currency
	if currency == "" {
		currency = "USD"
	}

	id := p.Gen.Generate()
	items := make([]EstimateLineItem, 0, len(p.Lines))
	moneyLines := make([]money.Line, 0, len(p.Lines))
	for idx, line := range p.Lines {
		items = append(items, EstimateLineItem{
			ID:          p.Gen.Generate(),
			TenantID:    p.TenantID,
			EstimateID:  id,
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

	return Estimate{
		ID:             id,
		TenantID:       p.TenantID,
		ClientID:       p.ClientID,
		ProjectID:      p.ProjectID,
		Number:         p.Number,
		Status:         EstimateStatusDraft,
		Currency:       currency,
		IssueDate:      document.DateOnly(p.IssueDate),
		ValidUntil:     document.DateOnly(p.ValidUntil),
		TaxRate:        p.TaxRate,
		DiscountAmount: p.DiscountAmount,
		Subtotal:       totals.Subtotal,
		TaxAmount:      totals.TaxAmount,
		TotalAmount:    totals.TotalAmount,
		Notes:          p.Notes,
		Terms:          p.Terms,
		Metadata:       datatypes.JSONMap{},
		CreatedAt:      p.Now,
		UpdatedAt:      p.Now,
		LineItems:      items,
	}
}
