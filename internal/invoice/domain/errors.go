package domain

import "errors"

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidInvoiceID = errors.New("invalid_invoice_id")
)
