package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tradebill/internal/config"
	"github.com/smallbiznis/tradebill/internal/document"
	sequencedomain "github.com/smallbiznis/tradebill/internal/sequence/domain"
	"github.com/smallbiznis/tradebill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	BillingCfg *config.BillingConfigHolder
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	billingCfg *config.BillingConfigHolder
}

func NewService(p ServiceParam) sequencedomain.Service {
	return &Service{
		log:        p.Log.Named("sequence.service"),
		genID:      p.GenID,
		billingCfg: p.BillingCfg,
	}
}

// NextNumber advances the tenant's counter for docType under a row lock and
// returns the formatted number. Two transactions racing to create the first
// counter row for a tenant collide on the unique index; the loser re-reads
// the winner's row and retries once before surfacing a conflict.
func (s *Service) NextNumber(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, docType sequencedomain.DocumentType) (string, error) {
	format, err := s.format(docType)
	if err != nil {
		return "", err
	}

	const attempts = 2
	for attempt := 0; attempt < attempts; attempt++ {
		value, err := s.advance(ctx, tx, tenantID, docType, format.Base)
		if err == nil {
			return formatNumber(format, value), nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return "", err
		}
		s.log.Debug("sequence insert raced, retrying",
			zap.String("tenant_id", tenantID.String()),
			zap.String("document_type", string(docType)),
		)
	}

	return "", document.ErrConcurrencyConflict
}

func (s *Service) advance(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, docType sequencedomain.DocumentType, base int64) (int64, error) {
	var seq sequencedomain.DocumentSequence
	err := db.ForUpdate(tx.WithContext(ctx)).
		Where("tenant_id = ? AND document_type = ?", tenantID, docType).
		First(&seq).Error

	switch {
	case err == nil:
		seq.LastValue++
		result := tx.WithContext(ctx).
			Model(&sequencedomain.DocumentSequence{}).
			Where("id = ? AND last_value = ?", seq.ID, seq.LastValue-1).
			Update("last_value", seq.LastValue)
		if result.Error != nil {
			return 0, result.Error
		}
		if result.RowsAffected == 0 {
			return 0, document.ErrConcurrencyConflict
		}
		return seq.LastValue, nil

	case err == gorm.ErrRecordNotFound:
		seq = sequencedomain.DocumentSequence{
			ID:           s.genID.Generate(),
			TenantID:     tenantID,
			DocumentType: docType,
			LastValue:    base + 1,
		}
		if err := tx.WithContext(ctx).Create(&seq).Error; err != nil {
			return 0, err
		}
		return seq.LastValue, nil

	default:
		return 0, err
	}
}

func (s *Service) format(docType sequencedomain.DocumentType) (config.NumberFormat, error) {
	cfg := s.billingCfg.Get()
	switch docType {
	case sequencedomain.DocumentTypeInvoice:
		return cfg.InvoiceNumbers, nil
	case sequencedomain.DocumentTypeEstimate:
		return cfg.EstimateNumbers, nil
	case sequencedomain.DocumentTypeProject:
		return cfg.ProjectNumbers, nil
	default:
		return config.NumberFormat{}, sequencedomain.ErrUnknownDocumentType
	}
}

func formatNumber(format config.NumberFormat, value int64) string {
	if format.Pad > 0 {
		return fmt.Sprintf("%s-%0*d", format.Prefix, format.Pad, value)
	}
	return fmt.Sprintf("%s-%d", format.Prefix, value)
}
