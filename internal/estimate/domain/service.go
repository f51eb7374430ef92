package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/tradebill/internal/invoice/domain"
)

type CreateEstimateRequest struct {
	ClientID       snowflake.ID    `json:"client_id,string"`
	ProjectID      *snowflake.ID   `json:"project_id,string,omitempty"`
	Number         string          `json:"number,omitempty"`
	Currency       string          `json:"currency,omitempty"`
	IssueDate      *time.Time      `json:"issue_date,omitempty"`
	ValidUntil     *time.Time      `json:"valid_until,omitempty"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Notes          string          `json:"notes,omitempty"`
	Terms          string          `json:"terms,omitempty"`
	LineItems      []LineInput     `json:"line_items"`
}

type UpdateEstimateRequest struct {
	ClientID       *snowflake.ID    `json:"client_id,string,omitempty"`
	ProjectID      *snowflake.ID    `json:"project_id,string,omitempty"`
	IssueDate      *time.Time       `json:"issue_date,omitempty"`
	ValidUntil     *time.Time       `json:"valid_until,omitempty"`
	TaxRate        *decimal.Decimal `json:"tax_rate,omitempty"`
	DiscountAmount *decimal.Decimal `json:"discount_amount,omitempty"`
	Notes          *string          `json:"notes,omitempty"`
	Terms          *string          `json:"terms,omitempty"`
	LineItems      []LineInput      `json:"line_items,omitempty"`
}

// ConvertRequest carries the optional dates for the invoice produced by a
// conversion. Omitted values fall back to the billing defaults.
type ConvertRequest struct {
	IssueDate *time.Time `json:"issue_date,omitempty"`
	DueDate   *time.Time `json:"due_date,omitempty"`
}

type ListEstimateRequest struct {
	Status   *EstimateStatus `form:"status"`
	ClientID *snowflake.ID   `form:"client_id"`
}

type ListEstimateResponse struct {
	Estimates []Estimate `json:"estimates"`
}

type Service interface {
	Create(ctx context.Context, req CreateEstimateRequest) (Estimate, error)
	Update(ctx context.Context, id string, req UpdateEstimateRequest) (Estimate, error)
	GetByID(ctx context.Context, id string) (Estimate, error)
	List(ctx context.Context, req ListEstimateRequest) (ListEstimateResponse, error)
	Delete(ctx context.Context, id string) error

	Send(ctx context.Context, id string) (Estimate, error)
	MarkViewed(ctx context.Context, id string) (Estimate, error)
	Accept(ctx context.Context, id string) (Estimate, error)
	Decline(ctx context.Context, id string) (Estimate, error)

	// ConvertToInvoice creates a draft invoice from an accepted estimate
	// and links it back, atomically. A second conversion attempt fails.
	ConvertToInvoice(ctx context.Context, id string, req ConvertRequest) (Estimate, invoicedomain.Invoice, error)

	// ExpireDue flips open estimates past their validity window to expired.
	// Invoked by the scheduler sweep across tenants; returns the number of
	// estimates transitioned.
	ExpireDue(ctx context.Context, asOf time.Time, batchSize int) (int, error)
}
