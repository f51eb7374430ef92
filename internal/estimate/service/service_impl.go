package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tradebill/internal/clock"
	"github.com/smallbiznis/tradebill/internal/config"
	"github.com/smallbiznis/tradebill/internal/document"
	estimatedomain "github.com/smallbiznis/tradebill/internal/estimate/domain"
	invoicedomain "github.com/smallbiznis/tradebill/internal/invoice/domain"
	"github.com/smallbiznis/tradebill/internal/money"
	sequencedomain "github.com/smallbiznis/tradebill/internal/sequence/domain"
	"github.com/smallbiznis/tradebill/internal/tenantctx"
	"github.com/smallbiznis/tradebill/pkg/db"
	"github.com/smallbiznis/tradebill/pkg/db/option"
	"github.com/smallbiznis/tradebill/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	SequenceSvc sequencedomain.Service
	BillingCfg  *config.BillingConfigHolder
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID        *snowflake.Node
	clock        clock.Clock
	sequenceSvc  sequencedomain.Service
	billingCfg   *config.BillingConfigHolder
	estimaterepo repository.Repository[estimatedomain.Estimate]
}

func NewService(p ServiceParam) estimatedomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("estimate.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		sequenceSvc:  p.SequenceSvc,
		billingCfg:   p.BillingCfg,
		estimaterepo: repository.ProvideStore[estimatedomain.Estimate](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req estimatedomain.CreateEstimateRequest) (estimatedomain.Estimate, error) {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return estimatedomain.Estimate{}, err
	}

	now := s.clock.Now()
	issueDate := document.DateOnly(now)
	if req.IssueDate != nil {
		issueDate = document.DateOnly(*req.IssueDate)
	}
	validUntil := document.AddDays(issueDate, s.billingCfg.Get().DefaultValidityDays)
	if req.ValidUntil != nil {
		validUntil = document.DateOnly(*req.ValidUntil)
	}

	if err := validateHeader(issueDate, validUntil, req.TaxRate, req.DiscountAmount, req.ClientID, req.LineItems); err != nil {
		return estimatedomain.Estimate{}, err
	}

	var created estimatedomain.Estimate
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		number := strings.TrimSpace(req.Number)
		if number == "" {
			var err error
			number, err = s.sequenceSvc.NextNumber(ctx, tx, tenantID, sequencedomain.DocumentTypeEstimate)
			if err != nil {
				return err
			}
		}

		estimate := estimatedomain.Build(estimatedomain.BuildParams{
			Gen:            s.genID,
			TenantID:       tenantID,
			ClientID:       req.ClientID,
			ProjectID:      req.ProjectID,
			Number:         number,
			Currency:       req.Currency,
			IssueDate:      issueDate,
			ValidUntil:     validUntil,
			TaxRate:        req.TaxRate,
			DiscountAmount: req.DiscountAmount,
			Notes:          req.Notes,
			Terms:          req.Terms,
			Lines:          req.LineItems,
			Now:            now,
		})

		if err := tx.WithContext(ctx).Create(&estimate).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return document.ErrConcurrencyConflict
			}
			return err
		}
		created = estimate
		return nil
	})
	if err != nil {
		return estimatedomain.Estimate{}, err
	}

	s.log.Info("estimate created",
		zap.String("estimate_id", created.ID.String()),
		zap.String("number", created.Number),
		zap.String("tenant_id", tenantID.String()),
	)
	return created, nil
}

func (s *Service) Update(ctx context.Context, id string, req estimatedomain.UpdateEstimateRequest) (estimatedomain.Estimate, error) {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return estimatedomain.Estimate{}, err
	}
	estimateID, err := parseID(id)
	if err != nil {
		return estimatedomain.Estimate{}, estimatedomain.ErrInvalidEstimateID
	}

	var updated estimatedomain.Estimate
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		estimate, err := s.loadForUpdate(ctx, tx, tenantID, estimateID)
		if err != nil {
			return err
		}

		// Only open estimates may change; a decided or expired document
		// is frozen.
		if !estimate.IsOpen() {
			return fmt.Errorf("estimate %s is %s: %w", estimate.Number, estimate.Status, document.ErrPreconditionFailed)
		}

		now := s.clock.Now()
		if req.ClientID != nil {
			estimate.ClientID = *req.ClientID
		}
		if req.ProjectID != nil {
			estimate.ProjectID = req.ProjectID
		}
		if req.IssueDate != nil {
			estimate.IssueDate = document.DateOnly(*req.IssueDate)
		}
		if req.ValidUntil != nil {
			estimate.ValidUntil = document.DateOnly(*req.ValidUntil)
		}
		if req.TaxRate != nil {
			estimate.TaxRate = *req.TaxRate
		}
		if req.DiscountAmount != nil {
			estimate.DiscountAmount = *req.DiscountAmount
		}
		if req.Notes != nil {
			estimate.Notes = *req.Notes
		}
		if req.Terms != nil {
			estimate.Terms = *req.Terms
		}

		lines := req.LineItems
		if lines == nil {
			existing, err := s.loadItems(ctx, tx, estimate.ID)
			if err != nil {
				return err
			}
			lines = make([]estimatedomain.LineInput, 0, len(existing))
			for _, item := range existing {
				lines = append(lines, estimatedomain.LineInput{
					Description: item.Description,
					Quantity:    item.Quantity,
					UnitPrice:   item.UnitPrice,
				})
			}
		}

		if err := validateHeader(estimate.IssueDate, estimate.ValidUntil, estimate.TaxRate, estimate.DiscountAmount, estimate.ClientID, lines); err != nil {
			return err
		}

		if req.LineItems != nil {
			if err := tx.WithContext(ctx).
				Where("estimate_id = ?", estimate.ID).
				Delete(&estimatedomain.EstimateLineItem{}).Error; err != nil {
				return err
			}
			items := make([]estimatedomain.EstimateLineItem, 0, len(req.LineItems))
			for idx, line := range req.LineItems {
				items = append(items, estimatedomain.EstimateLineItem{
					ID:          s.genID.Generate(),
					TenantID:    tenantID,
					EstimateID:  estimate.ID,
					Description: line.Description,
					Quantity:    line.Quantity,
					UnitPrice:   line.UnitPrice,
					Amount:      money.LineAmount(line.Quantity, line.UnitPrice),
					Position:    idx + 1,
					CreatedAt:   now,
				})
			}
			if len(items) > 0 {
				if err := tx.WithContext(ctx).Create(&items).Error; err != nil {
					return err
				}
			}
			estimate.LineItems = items
		}

		moneyLines := make([]money.Line, 0, len(lines))
		for _, line := range lines {
			moneyLines = append(moneyLines, money.Line{Quantity: line.Quantity, UnitPrice: line.UnitPrice})
		}
		totals := money.ComputeTotals(moneyLines, estimate.TaxRate, estimate.DiscountAmount)
		estimate.Subtotal = totals.Subtotal
		estimate.TaxAmount = totals.TaxAmount
		estimate.TotalAmount = totals.TotalAmount
		estimate.UpdatedAt = now

		if err := tx.WithContext(ctx).
			Model(&estimatedomain.Estimate{}).
			Where("id = ?", estimate.ID).
			Updates(map[string]any{
				"client_id":       estimate.ClientID,
				"project_id":      estimate.ProjectID,
				"issue_date":      estimate.IssueDate,
				"valid_until":     estimate.ValidUntil,
				"tax_rate":        estimate.TaxRate,
				"discount_amount": estimate.DiscountAmount,
				"subtotal":        estimate.Subtotal,
				"tax_amount":      estimate.TaxAmount,
				"total_amount":    estimate.TotalAmount,
				"notes":           estimate.Notes,
				"terms":           estimate.Terms,
				"updated_at":      estimate.UpdatedAt,
			}).Error; err != nil {
			return err
		}

		updated = *estimate
		return nil
	})
	if err != nil {
		return estimatedomain.Estimate{}, err
	}
	if updated.LineItems == nil {
		return s.GetByID(ctx, id)
	}
	return updated, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (estimatedomain.Estimate, error) {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return estimatedomain.Estimate{}, err
	}
	estimateID, err := parseID(id)
	if err != nil {
		return estimatedomain.Estimate{}, estimatedomain.ErrInvalidEstimateID
	}

	var estimate estimatedomain.Estimate
	err = s.db.WithContext(ctx).
		Preload("LineItems", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC, id ASC") }).
		Where("id = ? AND tenant_id = ?", estimateID, tenantID).
		First(&estimate).Error
	if err == gorm.ErrRecordNotFound {
		return estimatedomain.Estimate{}, document.ErrNotFound
	}
	if err != nil {
		return estimatedomain.Estimate{}, err
	}
	return estimate, nil
}

func (s *Service) List(ctx context.Context, req estimatedomain.ListEstimateRequest) (estimatedomain.ListEstimateResponse, error) {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return estimatedomain.ListEstimateResponse{}, err
	}

	filter := &estimatedomain.Estimate{TenantID: tenantID}
	if req.Status != nil {
		filter.Status = *req.Status
	}
	if req.ClientID != nil {
		filter.ClientID = *req.ClientID
	}

	items, err := s.estimaterepo.Find(ctx, filter,
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return estimatedomain.ListEstimateResponse{}, err
	}

	estimates := make([]estimatedomain.Estimate, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		estimates = append(estimates, *item)
	}
	return estimatedomain.ListEstimateResponse{Estimates: estimates}, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return err
	}
	estimateID, err := parseID(id)
	if err != nil {
		return estimatedomain.ErrInvalidEstimateID
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		estimate, err := s.loadForUpdate(ctx, tx, tenantID, estimateID)
		if err != nil {
			return err
		}
		switch estimate.Status {
		case estimatedomain.EstimateStatusDraft, estimatedomain.EstimateStatusDeclined:
		default:
			return fmt.Errorf("estimate %s is %s: %w", estimate.Number, estimate.Status, document.ErrPreconditionFailed)
		}

		if err := tx.WithContext(ctx).
			Where("estimate_id = ?", estimate.ID).
			Delete(&estimatedomain.EstimateLineItem{}).Error; err != nil {
			return err
		}
		return tx.WithContext(ctx).Delete(&estimatedomain.Estimate{}, "id = ?", estimate.ID).Error
	})
}

func (s *Service) Send(ctx context.Context, id string) (estimatedomain.Estimate, error) {
	return s.transition(ctx, id, estimatedomain.EventSend, func(estimate *estimatedomain.Estimate, now time.Time) map[string]any {
		estimate.SentAt = &now
		return map[string]any{"sent_at": now}
	})
}

func (s *Service) MarkViewed(ctx context.Context, id string) (estimatedomain.Estimate, error) {
	return s.transition(ctx, id, estimatedomain.EventMarkViewed, func(estimate *estimatedomain.Estimate, now time.Time) map[string]any {
		estimate.ViewedAt = &now
		return map[string]any{"viewed_at": now}
	})
}

func (s *Service) Accept(ctx context.Context, id string) (estimatedomain.Estimate, error) {
	return s.transition(ctx, id, estimatedomain.EventAccept, func(estimate *estimatedomain.Estimate, now time.Time) map[string]any {
		estimate.AcceptedAt = &now
		return map[string]any{"accepted_at": now}
	})
}

func (s *Service) Decline(ctx context.Context, id string) (estimatedomain.Estimate, error) {
	return s.transition(ctx, id, estimatedomain.EventDecline, func(estimate *estimatedomain.Estimate, now time.Time) map[string]any {
		estimate.DeclinedAt = &now
		return map[string]any{"declined_at": now}
	})
}

func (s *Service) ConvertToInvoice(ctx context.Context, id string, req estimatedomain.ConvertRequest) (estimatedomain.Estimate, invoicedomain.Invoice, error) {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return estimatedomain.Estimate{}, invoicedomain.Invoice{}, err
	}
	estimateID, err := parseID(id)
	if err != nil {
		return estimatedomain.Estimate{}, invoicedomain.Invoice{}, estimatedomain.ErrInvalidEstimateID
	}

	var (
		outEstimate estimatedomain.Estimate
		outInvoice  invoicedomain.Invoice
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		estimate, err := s.loadForUpdate(ctx, tx, tenantID, estimateID)
		if err != nil {
			return err
		}

		if _, err := estimatedomain.Transitions.Target(estimatedomain.EventConvert, estimate.Status); err != nil {
			return err
		}
		if estimate.ConvertedInvoiceID != nil {
			return fmt.Errorf("estimate %s already converted: %w", estimate.Number, document.ErrPreconditionFailed)
		}

		items, err := s.loadItems(ctx, tx, estimate.ID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		issueDate := document.DateOnly(now)
		if req.IssueDate != nil {
			issueDate = document.DateOnly(*req.IssueDate)
		}
		dueDate := document.AddDays(issueDate, s.billingCfg.Get().DefaultPaymentTermsDays)
		if req.DueDate != nil {
			dueDate = document.DateOnly(*req.DueDate)
		}
		if dueDate.Before(issueDate) {
			v := &document.ValidationErrors{}
			v.Add("due_date", "before_issue_date", "due_date must be on or after issue_date")
			return v.Err()
		}

		number, err := s.sequenceSvc.NextNumber(ctx, tx, tenantID, sequencedomain.DocumentTypeInvoice)
		if err != nil {
			return err
		}

		lines := make([]invoicedomain.LineInput, 0, len(items))
		for _, item := range items {
			lines = append(lines, invoicedomain.LineInput{
				Description: item.Description,
				Quantity:    item.Quantity,
				UnitPrice:   item.UnitPrice,
			})
		}

		invoice := invoicedomain.Build(invoicedomain.BuildParams{
			Gen:            s.genID,
			TenantID:       tenantID,
			ClientID:       estimate.ClientID,
			ProjectID:      estimate.ProjectID,
			Number:         number,
			Currency:       estimate.Currency,
			IssueDate:      issueDate,
			DueDate:        dueDate,
			TaxRate:        estimate.TaxRate,
			DiscountAmount: estimate.DiscountAmount,
			Notes:          estimate.Notes,
			Terms:          estimate.Terms,
			Lines:          lines,
			Now:            now,
		})

		if err := tx.WithContext(ctx).Create(&invoice).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return document.ErrConcurrencyConflict
			}
			return err
		}

		// The guard on status and the conversion link makes the link
		// write-once: a racing convert finds zero rows here and rolls
		// back its invoice insert with the transaction.
		result := tx.WithContext(ctx).
			Model(&estimatedomain.Estimate{}).
			Where("id = ? AND status = ? AND converted_invoice_id IS NULL", estimate.ID, estimatedomain.EstimateStatusAccepted).
			Updates(map[string]any{
				"status":               estimatedomain.EstimateStatusConverted,
				"converted_invoice_id": invoice.ID,
				"converted_at":         now,
				"updated_at":           now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return document.ErrConcurrencyConflict
		}

		estimate.Status = estimatedomain.EstimateStatusConverted
		estimate.ConvertedInvoiceID = &invoice.ID
		estimate.ConvertedAt = &now
		estimate.UpdatedAt = now
		estimate.LineItems = items

		outEstimate = *estimate
		outInvoice = invoice
		return nil
	})
	if err != nil {
		return estimatedomain.Estimate{}, invoicedomain.Invoice{}, err
	}

	s.log.Info("estimate converted",
		zap.String("estimate_id", outEstimate.ID.String()),
		zap.String("invoice_id", outInvoice.ID.String()),
		zap.String("invoice_number", outInvoice.Number),
	)
	return outEstimate, outInvoice, nil
}

func (s *Service) ExpireDue(ctx context.Context, asOf time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	today := document.DateOnly(asOf)
	open := []estimatedomain.EstimateStatus{
		estimatedomain.EstimateStatusDraft,
		estimatedomain.EstimateStatusSent,
		estimatedomain.EstimateStatusViewed,
	}

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).
		Model(&estimatedomain.Estimate{}).
		Where("status IN ? AND valid_until < ?", open, today).
		Limit(batchSize).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).
		Model(&estimatedomain.Estimate{}).
		Where("id IN ? AND status IN ?", ids, open).
		Updates(map[string]any{
			"status":     estimatedomain.EstimateStatusExpired,
			"updated_at": s.clock.Now(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

func (s *Service) transition(ctx context.Context, id, event string, mutate func(estimate *estimatedomain.Estimate, now time.Time) map[string]any) (estimatedomain.Estimate, error) {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return estimatedomain.Estimate{}, err
	}
	estimateID, err := parseID(id)
	if err != nil {
		return estimatedomain.Estimate{}, estimatedomain.ErrInvalidEstimateID
	}

	var out estimatedomain.Estimate
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		estimate, err := s.loadForUpdate(ctx, tx, tenantID, estimateID)
		if err != nil {
			return err
		}

		target, err := estimatedomain.Transitions.Target(event, estimate.Status)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		previous := estimate.Status
		estimate.Status = target
		estimate.UpdatedAt = now

		updates := map[string]any{"status": target, "updated_at": now}
		for column, value := range mutate(estimate, now) {
			updates[column] = value
		}

		result := tx.WithContext(ctx).
			Model(&estimatedomain.Estimate{}).
			Where("id = ? AND status = ?", estimate.ID, previous).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return document.ErrConcurrencyConflict
		}

		out = *estimate
		return nil
	})
	if err != nil {
		return estimatedomain.Estimate{}, err
	}

	s.log.Info("estimate transitioned",
		zap.String("estimate_id", out.ID.String()),
		zap.String("event", event),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

func (s *Service) loadForUpdate(ctx context.Context, tx *gorm.DB, tenantID, estimateID snowflake.ID) (*estimatedomain.Estimate, error) {
	var estimate estimatedomain.Estimate
	err := db.ForUpdate(tx.WithContext(ctx)).
		Where("id = ? AND tenant_id = ?", estimateID, tenantID).
		First(&estimate).Error
	if err == gorm.ErrRecordNotFound {
		return nil, document.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &estimate, nil
}

func (s *Service) loadItems(ctx context.Context, tx *gorm.DB, estimateID snowflake.ID) ([]estimatedomain.EstimateLineItem, error) {
	var items []estimatedomain.EstimateLineItem
	err := tx.WithContext(ctx).
		Where("estimate_id = ?", estimateID).
		Order("position ASC, id ASC").
		Find(&items).Error
	return items, err
}

func (s *Service) tenantFromContext(ctx context.Context) (snowflake.ID, error) {
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return 0, estimatedomain.ErrInvalidTenant
	}
	return snowflake.ID(tenantID), nil
}

func parseID(raw string) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(raw))
}

func validateHeader(issueDate, validUntil time.Time, taxRate, discountAmount decimal.Decimal, clientID snowflake.ID, lines []estimatedomain.LineInput) error {
	v := &document.ValidationErrors{}

	if clientID == 0 {
		v.Add("client_id", "required", "client is required")
	}
	if validUntil.Before(issueDate) {
		v.Add("valid_until", "before_issue_date", "valid_until must be on or after issue_date")
	}
	if taxRate.IsNegative() || taxRate.GreaterThan(decimal.NewFromInt(100)) {
		v.Add("tax_rate", "out_of_range", "tax_rate must be between 0 and 100")
	}
	if discountAmount.IsNegative() {
		v.Add("discount_amount", "negative", "discount_amount cannot be negative")
	}
	for idx, line := range lines {
		field := fmt.Sprintf("line_items[%d]", idx)
		if strings.TrimSpace(line.Description) == "" {
			v.Add(field+".description", "required", "description is required")
		}
		if !line.Quantity.IsPositive() {
			v.Add(field+".quantity", "not_positive", "quantity must be greater than zero")
		}
		if line.UnitPrice.IsNegative() {
			v.Add(field+".unit_price", "negative", "unit_price cannot be negative")
		}
	}

	return v.Err()
}
