package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/tradebill/internal/invoice/domain"
)

// LineInput is the caller-supplied portion of a template line item.
type LineInput struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type CreateRecurringRequest struct {
	ClientID         snowflake.ID    `json:"client_id,string"`
	ProjectID        *snowflake.ID   `json:"project_id,string,omitempty"`
	Name             string          `json:"name"`
	Currency         string          `json:"currency,omitempty"`
	Frequency        Frequency       `json:"frequency"`
	StartDate        *time.Time      `json:"start_date,omitempty"`
	EndDate          *time.Time      `json:"end_date,omitempty"`
	OccurrencesLimit *int            `json:"occurrences_limit,omitempty"`
	PaymentTermsDays *int            `json:"payment_terms_days,omitempty"`
	AutoSend         bool            `json:"auto_send"`
	TaxRate          decimal.Decimal `json:"tax_rate"`
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
	Notes            string          `json:"notes,omitempty"`
	Terms            string          `json:"terms,omitempty"`
	LineItems        []LineInput     `json:"line_items"`
}

type UpdateRecurringRequest struct {
	ClientID         *snowflake.ID    `json:"client_id,string,omitempty"`
	ProjectID        *snowflake.ID    `json:"project_id,string,omitempty"`
	Name             *string          `json:"name,omitempty"`
	EndDate          *time.Time       `json:"end_date,omitempty"`
	OccurrencesLimit *int             `json:"occurrences_limit,omitempty"`
	PaymentTermsDays *int             `json:"payment_terms_days,omitempty"`
	AutoSend         *bool            `json:"auto_send,omitempty"`
	TaxRate          *decimal.Decimal `json:"tax_rate,omitempty"`
	DiscountAmount   *decimal.Decimal `json:"discount_amount,omitempty"`
	Notes            *string          `json:"notes,omitempty"`
	Terms            *string          `json:"terms,omitempty"`
	LineItems        []LineInput      `json:"line_items,omitempty"`
}

type ListRecurringRequest struct {
	Status   *RecurringStatus `form:"status"`
	ClientID *snowflake.ID    `form:"client_id"`
}

type ListRecurringResponse struct {
	RecurringInvoices []RecurringInvoice `json:"recurring_invoices"`
}

type Service interface {
	Create(ctx context.Context, req CreateRecurringRequest) (RecurringInvoice, error)
	Update(ctx context.Context, id string, req UpdateRecurringRequest) (RecurringInvoice, error)
	GetByID(ctx context.Context, id string) (RecurringInvoice, error)
	List(ctx context.Context, req ListRecurringRequest) (ListRecurringResponse, error)

	// Delete removes the template. Generated invoices survive with their
	// template link cleared.
	Delete(ctx context.Context, id string) error

	Pause(ctx context.Context, id string) (RecurringInvoice, error)
	Resume(ctx context.Context, id string) (RecurringInvoice, error)
	Cancel(ctx context.Context, id string) (RecurringInvoice, error)

	// GenerateInvoice materializes the due occurrence: creates a draft
	// invoice from the template and advances the schedule, atomically.
	GenerateInvoice(ctx context.Context, id string) (RecurringInvoice, invoicedomain.Invoice, error)

	// GenerateDue sweeps templates whose occurrence is due as of asOf and
	// generates one invoice per template. Invoked by the scheduler across
	// tenants; returns the number of invoices generated.
	GenerateDue(ctx context.Context, asOf time.Time, batchSize int) (int, error)
}
