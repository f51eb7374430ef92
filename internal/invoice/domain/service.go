package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type CreateInvoiceRequest struct {
	ClientID       snowflake.ID    `json:"client_id,string"`
	ProjectID      *snowflake.ID   `json:"project_id,string,omitempty"`
	Number         string          `json:"number,omitempty"`
	Currency       string          `json:"currency,omitempty"`
	IssueDate      *time.Time      `json:"issue_date,omitempty"`
	DueDate        *time.Time      `json:"due_date,omitempty"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Notes          string          `json:"notes,omitempty"`
	Terms          string          `json:"terms,omitempty"`
	LineItems      []LineInput     `json:"line_items"`
}

type UpdateInvoiceRequest struct {
	ClientID       *snowflake.ID    `json:"client_id,string,omitempty"`
	ProjectID      *snowflake.ID    `json:"project_id,string,omitempty"`
	IssueDate      *time.Time       `json:"issue_date,omitempty"`
	DueDate        *time.Time       `json:"due_date,omitempty"`
	TaxRate        *decimal.Decimal `json:"tax_rate,omitempty"`
	DiscountAmount *decimal.Decimal `json:"discount_amount,omitempty"`
	Notes          *string          `json:"notes,omitempty"`
	Terms          *string          `json:"terms,omitempty"`
	LineItems      []LineInput      `json:"line_items,omitempty"`
}

type MarkPaidRequest struct {
	PaymentDate      *time.Time `json:"payment_date,omitempty"`
	PaymentMethod    string     `json:"payment_method,omitempty"`
	PaymentReference string     `json:"payment_reference,omitempty"`
}

type ListInvoiceRequest struct {
	Status   *InvoiceStatus `form:"status"`
	ClientID *snowflake.ID  `form:"client_id"`
	DueFrom  *time.Time     `form:"due_from" time_format:"2006-01-02"`
	DueTo    *time.Time     `form:"due_to" time_format:"2006-01-02"`
}

type ListInvoiceResponse struct {
	Invoices []Invoice `json:"invoices"`
}

type Service interface {
	Create(ctx context.Context, req CreateInvoiceRequest) (Invoice, error)
	Update(ctx context.Context, id string, req UpdateInvoiceRequest) (Invoice, error)
	GetByID(ctx context.Context, id string) (Invoice, error)
	List(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	Delete(ctx context.Context, id string) error

	Send(ctx context.Context, id string) (Invoice, error)
	MarkViewed(ctx context.Context, id string) (Invoice, error)
	MarkPaid(ctx context.Context, id string, req MarkPaidRequest) (Invoice, error)
	MarkCancelled(ctx context.Context, id string) (Invoice, error)

	// FindByPaymentToken serves the public payment surface; it is not
	// tenant-scoped because the token itself is the credential.
	FindByPaymentToken(ctx context.Context, token string) (Invoice, error)

	// MarkOverdueDue flips unpaid invoices past their due date to overdue.
	// Invoked by the scheduler sweep across tenants; returns the number of
	// invoices transitioned.
	MarkOverdueDue(ctx context.Context, asOf time.Time, batchSize int) (int, error)
}
