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

	genID       *snowflake.Node
	clock       clock.Clock
	sequenceSvc sequencedomain.Service
	billingCfg  *config.BillingConfigHolder
	invoicerepo repository.Repository[invoicedomain.Invoice]
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("invoice.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		sequenceSvc: p.SequenceSvc,
		billingCfg:  p.BillingCfg,
		invoicerepo: repository.ProvideStore[invoicedomain.Invoice](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req invoicedomain.CreateInvoiceRequest) (invoicedomain.Invoice, error) {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
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

	if err := validateHeader(issueDate, dueDate, "due_date", req.TaxRate, req.DiscountAmount, req.ClientID, req.LineItems); err != nil {
		return invoicedomain.Invoice{}, err
	}

	var created invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		number := strings.TrimSpace(req.Number)
		if number == "" {
			var err error
			number, err = s.sequenceSvc.NextNumber(ctx, tx, tenantID, sequencedomain.DocumentTypeInvoice)
			if err != nil {
				return err
			}
		}

		invoice := invoicedomain.Build(invoicedomain.BuildParams{
			Gen:            s.genID,
			TenantID:       tenantID,
			ClientID:       req.ClientID,
			ProjectID:      req.ProjectID,
			Number:         number,
			Currency:       req.Currency,
			IssueDate:      issueDate,
			DueDate:        dueDate,
			TaxRate:        req.TaxRate,
			DiscountAmount: req.DiscountAmount,
			Notes:          req.Notes,
			Terms:          req.Terms,
			Lines:          req.LineItems,
			Now:            now,
		})

		if err := tx.WithContext(ctx).Create(&invoice).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return document.ErrConcurrencyConflict
			}
			return err
		}
		created = invoice
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	s.log.Info("invoice created",
		zap.String("invoice_id", created.ID.String()),
		zap.String("number", created.Number),
		zap.String("tenant_id", tenantID.String()),
	)
	return created, nil
}

func (s *Service) Update(ctx context.Context, id string, req invoicedomain.UpdateInvoiceRequest) (invoicedomain.Invoice, error) {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	invoiceID, err := parseID(id)
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}

	var updated invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadForUpdate(ctx, tx, tenantID, invoiceID)
		if err != nil {
			return err
		}

		switch invoice.Status {
		case invoicedomain.InvoiceStatusPaid, invoicedomain.InvoiceStatusCancelled:
			return fmt.Errorf("invoice %s is %s: %w", invoice.Number, invoice.Status, document.ErrPreconditionFailed)
		}

		now := s.clock.Now()
		if req.ClientID != nil {
			invoice.ClientID = *req.ClientID
		}
		if req.ProjectID != nil {
			invoice.ProjectID = req.ProjectID
		}
		if req.IssueDate != nil {
			invoice.IssueDate = document.DateOnly(*req.IssueDate)
		}
		if req.DueDate != nil {
			invoice.DueDate = document.DateOnly(*req.DueDate)
		}
		if req.TaxRate != nil {
			invoice.TaxRate = *req.TaxRate
		}
		if req.DiscountAmount != nil {
			invoice.DiscountAmount = *req.DiscountAmount
		}
		if req.Notes != nil {
			invoice.Notes = *req.Notes
		}
		if req.Terms != nil {
			invoice.Terms = *req.Terms
		}

		lines := req.LineItems
		if lines == nil {
			existing, err := s.loadItems(ctx, tx, invoice.ID)
			if err != nil {
				return err
			}
			lines = make([]invoicedomain.LineInput, 0, len(existing))
			for _, item := range existing {
				lines = append(lines, invoicedomain.LineInput{
					Description: item.Description,
					Quantity:    item.Quantity,
					UnitPrice:   item.UnitPrice,
				})
			}
		}

		if err := validateHeader(invoice.IssueDate, invoice.DueDate, "due_date", invoice.TaxRate, invoice.DiscountAmount, invoice.ClientID, lines); err != nil {
			return err
		}

		if req.LineItems != nil {
			if err := tx.WithContext(ctx).
				Where("invoice_id = ?", invoice.ID).
				Delete(&invoicedomain.InvoiceLineItem{}).Error; err != nil {
				return err
			}
			items := make([]invoicedomain.InvoiceLineItem, 0, len(req.LineItems))
			for idx, line := range req.LineItems {
				items = append(items, invoicedomain.InvoiceLineItem{
					ID:          s.genID.Generate(),
					TenantID:    tenantID,
					InvoiceID:   invoice.ID,
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
			invoice.LineItems = items
		}

		moneyLines := make([]money.Line, 0, len(lines))
		for _, line := range lines {
			moneyLines = append(moneyLines, money.Line{Quantity: line.Quantity, UnitPrice: line.UnitPrice})
		}
		totals := money.ComputeTotals(moneyLines, invoice.TaxRate, invoice.DiscountAmount)
		invoice.Subtotal = totals.Subtotal
		invoice.TaxAmount = totals.TaxAmount
		invoice.TotalAmount = totals.TotalAmount
		invoice.UpdatedAt = now

		if err := tx.WithContext(ctx).
			Model(&invoicedomain.Invoice{}).
			Where("id = ?", invoice.ID).
			Updates(map[string]any{
				"client_id":       invoice.ClientID,
				"project_id":      invoice.ProjectID,
				"issue_date":      invoice.IssueDate,
				"due_date":        invoice.DueDate,
				"tax_rate":        invoice.TaxRate,
				"discount_amount": invoice.DiscountAmount,
				"subtotal":        invoice.Subtotal,
				"tax_amount":      invoice.TaxAmount,
				"total_amount":    invoice.TotalAmount,
				"notes":           invoice.Notes,
				"terms":           invoice.Terms,
				"updated_at":      invoice.UpdatedAt,
			}).Error; err != nil {
			return err
		}

		updated = *invoice
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if updated.LineItems == nil {
		return s.GetByID(ctx, id)
	}
	return updated, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	invoiceID, err := parseID(id)
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}

	var invoice invoicedomain.Invoice
	err = s.db.WithContext(ctx).
		Preload("LineItems", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC, id ASC") }).
		Where("id = ? AND tenant_id = ?", invoiceID, tenantID).
		First(&invoice).Error
	if err == gorm.ErrRecordNotFound {
		return invoicedomain.Invoice{}, document.ErrNotFound
	}
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	return invoice, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}

	filter := &invoicedomain.Invoice{TenantID: tenantID}
	if req.Status != nil {
		filter.Status = *req.Status
	}
	if req.ClientID != nil {
		filter.ClientID = *req.ClientID
	}

	options := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	}
	if req.DueFrom != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "due_date",
			Operator: option.GTE,
			Value:    document.DateOnly(*req.DueFrom),
		}))
	}
	if req.DueTo != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "due_date",
			Operator: option.LTE,
			Value:    document.DateOnly(*req.DueTo),
		}))
	}

	items, err := s.invoicerepo.Find(ctx, filter, options...)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}

	invoices := make([]invoicedomain.Invoice, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		invoices = append(invoices, *item)
	}
	return invoicedomain.ListInvoiceResponse{Invoices: invoices}, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return err
	}
	invoiceID, err := parseID(id)
	if err != nil {
		return invoicedomain.ErrInvalidInvoiceID
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadForUpdate(ctx, tx, tenantID, invoiceID)
		if err != nil {
			return err
		}
		switch invoice.Status {
		case invoicedomain.InvoiceStatusDraft, invoicedomain.InvoiceStatusCancelled:
		default:
			return fmt.Errorf("invoice %s is %s: %w", invoice.Number, invoice.Status, document.ErrPreconditionFailed)
		}

		if err := tx.WithContext(ctx).
			Where("invoice_id = ?", invoice.ID).
			Delete(&invoicedomain.InvoiceLineItem{}).Error; err != nil {
			return err
		}
		return tx.WithContext(ctx).Delete(&invoicedomain.Invoice{}, "id = ?", invoice.ID).Error
	})
}

func (s *Service) Send(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	return s.transition(ctx, id, invoicedomain.EventSend, func(invoice *invoicedomain.Invoice, now time.Time) map[string]any {
		invoice.SentAt = &now
		return map[string]any{"sent_at": now}
	})
}

func (s *Service) MarkViewed(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	return s.transition(ctx, id, invoicedomain.EventMarkViewed, func(invoice *invoicedomain.Invoice, now time.Time) map[string]any {
		invoice.ViewedAt = &now
		return map[string]any{"viewed_at": now}
	})
}

func (s *Service) MarkPaid(ctx context.Context, id string, req invoicedomain.MarkPaidRequest) (invoicedomain.Invoice, error) {
	return s.transition(ctx, id, invoicedomain.EventMarkPaid, func(invoice *invoicedomain.Invoice, now time.Time) map[string]any {
		paidAt := now
		if req.PaymentDate != nil {
			paidAt = *req.PaymentDate
		}
		invoice.PaidAt = &paidAt
		invoice.PaymentMethod = req.PaymentMethod
		invoice.PaymentReference = req.PaymentReference
		return map[string]any{
			"paid_at":           paidAt,
			"payment_method":    req.PaymentMethod,
			"payment_reference": req.PaymentReference,
		}
	})
}

func (s *Service) MarkCancelled(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	return s.transition(ctx, id, invoicedomain.EventMarkCancelled, func(invoice *invoicedomain.Invoice, now time.Time) map[string]any {
		invoice.CancelledAt = &now
		return map[string]any{"cancelled_at": now}
	})
}

func (s *Service) FindByPaymentToken(ctx context.Context, token string) (invoicedomain.Invoice, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return invoicedomain.Invoice{}, document.ErrNotFound
	}

	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Preload("LineItems", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC, id ASC") }).
		Where("payment_token = ?", token).
		First(&invoice).Error
	if err == gorm.ErrRecordNotFound {
		return invoicedomain.Invoice{}, document.ErrNotFound
	}
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	return invoice, nil
}

func (s *Service) MarkOverdueDue(ctx context.Context, asOf time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	today := document.DateOnly(asOf)

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("status IN ? AND due_date < ?", []invoicedomain.InvoiceStatus{invoicedomain.InvoiceStatusSent, invoicedomain.InvoiceStatusViewed}, today).
		Limit(batchSize).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id IN ? AND status IN ?", ids, []invoicedomain.InvoiceStatus{invoicedomain.InvoiceStatusSent, invoicedomain.InvoiceStatusViewed}).
		Updates(map[string]any{
			"status":     invoicedomain.InvoiceStatusOverdue,
			"updated_at": s.clock.Now(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

func (s *Service) transition(ctx context.Context, id, event string, mutate func(invoice *invoicedomain.Invoice, now time.Time) map[string]any) (invoicedomain.Invoice, error) {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	invoiceID, err := parseID(id)
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}

	var out invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.loadForUpdate(ctx, tx, tenantID, invoiceID)
		if err != nil {
			return err
		}

		target, err := invoicedomain.Transitions.Target(event, invoice.Status)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		previous := invoice.Status
		invoice.Status = target
		invoice.UpdatedAt = now

		updates := map[string]any{"status": target, "updated_at": now}
		for column, value := range mutate(invoice, now) {
			updates[column] = value
		}

		// The status guard in the WHERE clause makes the read-modify-write
		// atomic: a competing transition that committed first leaves zero
		// rows to update here.
		result := tx.WithContext(ctx).
			Model(&invoicedomain.Invoice{}).
			Where("id = ? AND status = ?", invoice.ID, previous).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return document.ErrConcurrencyConflict
		}

		out = *invoice
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	s.log.Info("invoice transitioned",
		zap.String("invoice_id", out.ID.String()),
		zap.String("event", event),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

func (s *Service) loadForUpdate(ctx context.Context, tx *gorm.DB, tenantID, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.ForUpdate(tx.WithContext(ctx)).
		Where("id = ? AND tenant_id = ?", invoiceID, tenantID).
		First(&invoice).Error
	if err == gorm.ErrRecordNotFound {
		return nil, document.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (s *Service) loadItems(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) ([]invoicedomain.InvoiceLineItem, error) {
	var items []invoicedomain.InvoiceLineItem
	err := tx.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("position ASC, id ASC").
		Find(&items).Error
	return items, err
}

func (s *Service) tenantFromContext(ctx context.Context) (snowflake.ID, error) {
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return 0, invoicedomain.ErrInvalidTenant
	}
	return snowflake.ID(tenantID), nil
}

func parseID(raw string) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(raw))
}

func validateHeader(issueDate, dueDate time.Time, dueField string, taxRate, discountAmount decimal.Decimal, clientID snowflake.ID, lines []invoicedomain.LineInput) error {
	v := &document.ValidationErrors{}

	if clientID == 0 {
		v.Add("client_id", "required", "client is required")
	}
	if dueDate.Before(issueDate) {
		v.Add(dueField, "before_issue_date", fmt.Sprintf("%s must be on or after issue_date", dueField))
	}
	if taxRate.IsNegative() || taxRate.GreaterThan(decimal.NewFromInt(100)) {
		v.Add("tax_rate", "out_of_range", "tax_rate must be between 0 and 100")
	}
	if discountAmount.IsNegative() {
		v.Add("discount_amount", "negative", "discount_amount cannot be negative")
	}
	validateLines(v, lines)

	return v.Err()
}

func validateLines(v *document.ValidationErrors, lines []invoicedomain.LineInput) {
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
}
