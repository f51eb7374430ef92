// Package domain contains the per-tenant document numbering contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// DocumentType selects which counter a number is drawn from.
type DocumentType string

const (
	DocumentTypeInvoice  DocumentType = "invoice"
	DocumentTypeEstimate DocumentType = "estimate"
	DocumentTypeProject  DocumentType = "project"
)

// DocumentSequence is one tenant's counter for one document type.
type DocumentSequence struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	TenantID     snowflake.ID `gorm:"not null;uniqueIndex:ux_document_sequences_tenant_type"`
	DocumentType DocumentType `gorm:"type:text;not null;uniqueIndex:ux_document_sequences_tenant_type"`
	LastValue    int64        `gorm:"not null"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DocumentSequence) TableName() string { return "document_sequences" }

// Service hands out tenant-scoped sequential document numbers. NextNumber
// runs inside the caller's transaction so a number is only consumed when
// the document insert commits with it.
type Service interface {
	NextNumber(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, docType DocumentType) (string, error)
}

var ErrUnknownDocumentType = errors.New("unknown_document_type")
