// Package domain contains the recurring invoice template: cadence math,
// occurrence accounting, and the pause/resume/cancel lifecycle.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tradebill/internal/document"
	"gorm.io/datatypes"
)

// Frequency is the recurrence cadence.
type Frequency string

const (
	FrequencyWeekly    Frequency = "weekly"
	FrequencyBiweekly  Frequency = "biweekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyAnnually  Frequency = "annually"
)

// NextAfter returns the occurrence date following from. Month-based
// cadences are calendar-aware: the day clamps to the target month's end
// rather than spilling into the next month.
func (f Frequency) NextAfter(from time.Time) (time.Time, error) {
	switch f {
	case FrequencyWeekly:
		return document.AddDays(from, 7), nil
	case FrequencyBiweekly:
		return document.AddDays(from, 14), nil
	case FrequencyMonthly:
		return document.AddMonths(from, 1), nil
	case FrequencyQuarterly:
		return document.AddMonths(from, 3), nil
	case FrequencyAnnually:
		return document.AddMonths(from, 12), nil
	default:
		return time.Time{}, ErrUnknownFrequency
	}
}

// Valid reports whether f is a known cadence.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly, FrequencyQuarterly, FrequencyAnnually:
		return true
	}
	return false
}

// RecurringStatus represents template lifecycle states. cancelled and
// completed are terminal.
type RecurringStatus string

const (
	RecurringStatusActive    RecurringStatus = "active"
	RecurringStatusPaused    RecurringStatus = "paused"
	RecurringStatusCancelled RecurringStatus = "cancelled"
	RecurringStatusCompleted RecurringStatus = "completed"
)

// Lifecycle events.
const (
	EventPause  = "pause"
	EventResume = "resume"
	EventCancel = "cancel"
)

// Transitions covers the user-driven edges. completed is only ever set
// by advancing past an end condition, never by an event.
var Transitions = document.Table[RecurringStatus]{
	Entity: "recurring_invoice",
	Rules: map[string]document.Rule[RecurringStatus]{
		EventPause:  {From: []RecurringStatus{RecurringStatusActive}, To: RecurringStatusPaused},
		EventResume: {From: []RecurringStatus{RecurringStatusPaused}, To: RecurringStatusActive},
		EventCancel: {From: []RecurringStatus{RecurringStatusActive, RecurringStatusPaused}, To: RecurringStatusCancelled},
	},
}

// RecurringInvoice is a template that materializes draft invoices on a
// cadence. Generated invoices outlive the template: destroying it only
// severs the link.
type RecurringInvoice struct {
	ID                 snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID           snowflake.ID      `gorm:"not null;index" json:"tenant_id"`
	ClientID           snowflake.ID      `gorm:"not null;index" json:"client_id"`
	ProjectID          *snowflake.ID     `gorm:"index" json:"project_id,omitempty"`
	Name               string            `gorm:"type:text;not null" json:"name"`
	Status             RecurringStatus   `gorm:"type:text;not null;default:'active'" json:"status"`
	Currency           string            `gorm:"type:text;not null;default:'USD'" json:"currency"`
	Frequency          Frequency         `gorm:"type:text;not null" json:"frequency"`
	StartDate          time.Time         `gorm:"not null" json:"start_date"`
	EndDate            *time.Time        `json:"end_date,omitempty"`
	NextOccurrenceDate time.Time         `gorm:"not null;index" json:"next_occurrence_date"`
	OccurrencesLimit   *int              `json:"occurrences_limit,omitempty"`
	OccurrencesCount   int               `gorm:"not null;default:0" json:"occurrences_count"`
	PaymentTermsDays   int               `gorm:"not null" json:"payment_terms_days"`
	AutoSend           bool              `gorm:"not null;default:false" json:"auto_send"`
	TaxRate            decimal.Decimal   `gorm:"type:numeric(5,2);not null" json:"tax_rate"`
	DiscountAmount     decimal.Decimal   `gorm:"type:numeric(12,2);not null" json:"discount_amount"`
	Notes              string            `gorm:"type:text" json:"notes,omitempty"`
	Terms              string            `gorm:"type:text" json:"terms,omitempty"`
	LastGeneratedAt    *time.Time        `json:"last_generated_at,omitempty"`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	LineItems []RecurringLineItem `gorm:"foreignKey:RecurringInvoiceID" json:"line_items"`
}

// TableName sets the database table name.
func (RecurringInvoice) TableName() string { return "recurring_invoices" }

// RecurringLineItem is one template row copied into each generated
// invoice.
type RecurringLineItem struct {
	ID                 snowflake.ID    `gorm:"primaryKey" json:"id"`
	TenantID           snowflake.ID    `gorm:"not null;index" json:"tenant_id"`
	RecurringInvoiceID snowflake.ID    `gorm:"not null;index" json:"recurring_invoice_id"`
	Description        string          `gorm:"type:text;not null" json:"description"`
	Quantity           decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"quantity"`
	UnitPrice          decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"unit_price"`
	Position           int             `gorm:"not null" json:"position"`
	CreatedAt          time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (RecurringLineItem) TableName() string { return "recurring_line_items" }

// CanGenerate reports whether a due occurrence may materialize today.
func (r RecurringInvoice) CanGenerate(today time.Time) bool {
	if r.Status != RecurringStatusActive {
		return false
	}
	day := document.DateOnly(today)
	if document.DateOnly(r.NextOccurrenceDate).After(day) {
		return false
	}
	if r.EndDate != nil && day.After(document.DateOnly(*r.EndDate)) {
		return false
	}
	if r.OccurrencesLimit != nil && r.OccurrencesCount >= *r.OccurrencesLimit {
		return false
	}
	return true
}

// RemainingOccurrences returns how many occurrences are left under the
// limit, never negative; nil means unlimited.
func (r RecurringInvoice) RemainingOccurrences() *int {
	if r.OccurrencesLimit == nil {
		return nil
	}
	remaining := *r.OccurrencesLimit - r.OccurrencesCount
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

// AdvanceOccurrence moves scheduling state past the current occurrence:
// bumps the count, steps nextOccurrenceDate by one cadence interval, and
// completes the template when an end condition is reached. It never
// creates an invoice.
func (r *RecurringInvoice) AdvanceOccurrence() error {
	next, err := r.Frequency.NextAfter(r.NextOccurrenceDate)
	if err != nil {
		return err
	}
	r.NextOccurrenceDate = next
	r.OccurrencesCount++

	if r.OccurrencesLimit != nil && r.OccurrencesCount >= *r.OccurrencesLimit {
		r.Status = RecurringStatusCompleted
		return nil
	}
	if r.EndDate != nil && next.After(document.DateOnly(*r.EndDate)) {
		r.Status = RecurringStatusCompleted
	}
	return nil
}
