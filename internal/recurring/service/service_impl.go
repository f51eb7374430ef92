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
	recurringdomain "github.com/smallbiznis/tradebill/internal/recurring/domain"
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

	genID         *snowflake.Node
	clock         clock.Clock
	sequenceSvc   sequencedomain.Service
	billingCfg    *config.BillingConfigHolder
	recurringrepo repository.Repository[recurringdomain.RecurringInvoice]
}

func NewService(p ServiceParam) recurringdomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("recurring.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		sequenceSvc:   p.SequenceSvc,
		billingCfg:    p.BillingCfg,
		recurringrepo: repository.ProvideStore[recurringdomain.RecurringInvoice](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req recurringdomain.CreateRecurringRequest) (recurringdomain.RecurringInvoice, error) {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return recurringdomain.RecurringInvoice{}, err
	}

	now := s.clock.Now()
	startDate := document.DateOnly(now)
	if req.StartDate != nil {
		startDate = document.DateOnly(*req.StartDate)
	}
	var endDate *time.Time
	if req.EndDate != nil {
		d := document.DateOnly(*req.EndDate)
		endDate = &d
	}
	termsDays := s.billingCfg.Get().DefaultPaymentTermsDays
	if req.PaymentTermsDays != nil {
		termsDays = *req.PaymentTermsDays
	}

	if err := validateTemplate(req, startDate, endDate, termsDays); err != nil {
		return recurringdomain.RecurringInvoice{}, err
	}

	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	id := s.genID.Generate()
	items := make([]recurringdomain.RecurringLineItem, 0, len(req.LineItems))
	for idx, line := range req.LineItems {
		items = append(items, recurringdomain.RecurringLineItem{
			ID:                 s.genID.Generate(),
			TenantID:           tenantID,
			RecurringInvoiceID: id,
			Description:        line.Description,
			Quantity:           line.Quantity,
			UnitPrice:          line.UnitPrice,
			Position:           idx + 1,
			CreatedAt:          now,
		})
	}

	template := recurringdomain.RecurringInvoice{
		ID:                 id,
		TenantID:           tenantID,
		ClientID:           req.ClientID,
		ProjectID:          req.ProjectID,
		Name:               req.Name,
		Status:             recurringdomain.RecurringStatusActive,
		Currency:           currency,
		Frequency:          req.Frequency,
		StartDate:          startDate,
		EndDate:            endDate,
		NextOccurrenceDate: startDate,
		OccurrencesLimit:   req.OccurrencesLimit,
		PaymentTermsDays:   termsDays,
		AutoSend:           req.AutoSend,
		TaxRate:            req.TaxRate,
		DiscountAmount:     req.DiscountAmount,
		Notes:              req.Notes,
		Terms:              req.Terms,
		CreatedAt:          now,
		UpdatedAt:          now,
		LineItems:          items,
	}

	if err := s.db.WithContext(ctx).Create(&template).Error; err != nil {
		return recurringdomain.RecurringInvoice{}, err
	}

	s.log.Info("recurring template created",
		zap.String("recurring_id", template.ID.String()),
		zap.String("frequency", string(template.Frequency)),
		zap.String("tenant_id", tenantID.String()),
	)
	return template, nil
}

func (s *Service) Update(ctx context.Context, id string, req recurringdomain.UpdateRecurringRequest) (recurringdomain.RecurringInvoice, error) {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return recurringdomain.RecurringInvoice{}, err
	}
	recurringID, err := parseID(id)
	if err != nil {
		return recurringdomain.RecurringInvoice{}, recurringdomain.ErrInvalidRecurringID
	}

	var updated recurringdomain.RecurringInvoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		template, err := s.loadForUpdate(ctx, tx, &tenantID, recurringID)
		if err != nil {
			return err
		}

		switch template.Status {
		case recurringdomain.RecurringStatusCancelled, recurringdomain.RecurringStatusCompleted:
			return fmt.Errorf("recurring invoice %s is %s: %w", template.ID, template.Status, document.ErrPreconditionFailed)
		}

		now := s.clock.Now()
		if req.ClientID != nil {
			template.ClientID = *req.ClientID
		}
		if req.ProjectID != nil {
			template.ProjectID = req.ProjectID
		}
		if req.Name != nil {
			template.Name = *req.Name
		}
		if req.EndDate != nil {
			d := document.DateOnly(*req.EndDate)
			template.EndDate = &d
		}
		if req.OccurrencesLimit != nil {
			template.OccurrencesLimit = req.OccurrencesLimit
		}
		if req.PaymentTermsDays != nil {
			template.PaymentTermsDays = *req.PaymentTermsDays
		}
		if req.AutoSend != nil {
			template.AutoSend = *req.AutoSend
		}
		if req.TaxRate != nil {
			template.TaxRate = *req.TaxRate
		}
		if req.DiscountAmount != nil {
			template.DiscountAmount = *req.DiscountAmount
		}
		if req.Notes != nil {
			template.Notes = *req.Notes
		}
		if req.Terms != nil {
			template.Terms = *req.Terms
		}
		template.UpdatedAt = now

		if req.LineItems != nil {
			if err := tx.WithContext(ctx).
				Where("recurring_invoice_id = ?", template.ID).
				Delete(&recurringdomain.RecurringLineItem{}).Error; err != nil {
				return err
			}
			items := make([]recurringdomain.RecurringLineItem, 0, len(req.LineItems))
			for idx, line := range req.LineItems {
				items = append(items, recurringdomain.RecurringLineItem{
					ID:                 s.genID.Generate(),
					TenantID:           tenantID,
					RecurringInvoiceID: template.ID,
					Description:        line.Description,
					Quantity:           line.Quantity,
					UnitPrice:          line.UnitPrice,
					Position:           idx + 1,
					CreatedAt:          now,
				})
			}
			if len(items) > 0 {
				if err := tx.WithContext(ctx).Create(&items).Error; err != nil {
					return err
				}
			}
			template.LineItems = items
		}

		if err := tx.WithContext(ctx).
			Model(&recurringdomain.RecurringInvoice{}).
			Where("id = ?", template.ID).
			Updates(map[string]any{
				"client_id":          template.ClientID,
				"project_id":         template.ProjectID,
				"name":               template.Name,
				"end_date":           template.EndDate,
				"occurrences_limit":  template.OccurrencesLimit,
				"payment_terms_days": template.PaymentTermsDays,
				"auto_send":          template.AutoSend,
				"tax_rate":           template.TaxRate,
				"discount_amount":    template.DiscountAmount,
				"notes":              template.Notes,
				"terms":              template.Terms,
				"updated_at":         template.UpdatedAt,
			}).Error; err != nil {
			return err
		}

		updated = *template
		return nil
	})
	if err != nil {
		return recurringdomain.RecurringInvoice{}, err
	}
	if updated.LineItems == nil {
		return s.GetByID(ctx, id)
	}
	return updated, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (recurringdomain.RecurringInvoice, error) {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return recurringdomain.RecurringInvoice{}, err
	}
	recurringID, err := parseID(id)
	if err != nil {
		return recurringdomain.RecurringInvoice{}, recurringdomain.ErrInvalidRecurringID
	}

	var template recurringdomain.RecurringInvoice
	err = s.db.WithContext(ctx).
		Preload("LineItems", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC, id ASC") }).
		Where("id = ? AND tenant_id = ?", recurringID, tenantID).
		First(&template).Error
	if err == gorm.ErrRecordNotFound {
		return recurringdomain.RecurringInvoice{}, document.ErrNotFound
	}
	if err != nil {
		return recurringdomain.RecurringInvoice{}, err
	}
	return template, nil
}

func (s *Service) List(ctx context.Context, req recurringdomain.ListRecurringRequest) (recurringdomain.ListRecurringResponse, error) {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return recurringdomain.ListRecurringResponse{}, err
	}

	filter := &recurringdomain.RecurringInvoice{TenantID: tenantID}
	if req.Status != nil {
		filter.Status = *req.Status
	}
	if req.ClientID != nil {
		filter.ClientID = *req.ClientID
	}

	items, err := s.recurringrepo.Find(ctx, filter,
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return recurringdomain.ListRecurringResponse{}, err
	}

	templates := make([]recurringdomain.RecurringInvoice, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		templates = append(templates, *item)
	}
	return recurringdomain.ListRecurringResponse{RecurringInvoices: templates}, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return err
	}
	recurringID, err := parseID(id)
	if err != nil {
		return recurringdomain.ErrInvalidRecurringID
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		template, err := s.loadForUpdate(ctx, tx, &tenantID, recurringID)
		if err != nil {
			return err
		}

		// Generated invoices survive the template; only the link is cleared.
		if err := tx.WithContext(ctx).
			Model(&invoicedomain.Invoice{}).
			Where("recurring_invoice_id = ?", template.ID).
			Update("recurring_invoice_id", nil).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).
			Where("recurring_invoice_id = ?", template.ID).
			Delete(&recurringdomain.RecurringLineItem{}).Error; err != nil {
			return err
		}
		return tx.WithContext(ctx).Delete(&recurringdomain.RecurringInvoice{}, "id = ?", template.ID).Error
	})
}

func (s *Service) Pause(ctx context.Context, id string) (recurringdomain.RecurringInvoice, error) {
	return s.transition(ctx, id, recurringdomain.EventPause)
}

func (s *Service) Resume(ctx context.Context, id string) (recurringdomain.RecurringInvoice, error) {
	return s.transition(ctx, id, recurringdomain.EventResume)
}

func (s *Service) Cancel(ctx context.Context, id string) (recurringdomain.RecurringInvoice, error) {
	return s.transition(ctx, id, recurringdomain.EventCancel)
}

func (s *Service) GenerateInvoice(ctx context.Context, id string) (recurringdomain.RecurringInvoice, invoicedomain.Invoice, error) {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return recurringdomain.RecurringInvoice{}, invoicedomain.Invoice{}, err
	}
	recurringID, err := parseID(id)
	if err != nil {
		return recurringdomain.RecurringInvoice{}, invoicedomain.Invoice{}, recurringdomain.ErrInvalidRecurringID
	}
	return s.generate(ctx, &tenantID, recurringID)
}

func (s *Service) GenerateDue(ctx context.Context, asOf time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	today := document.DateOnly(asOf)

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).
		Model(&recurringdomain.RecurringInvoice{}).
		Where("status = ? AND next_occurrence_date <= ? AND (end_date IS NULL OR end_date >= ?)",
			recurringdomain.RecurringStatusActive, today, today).
		Limit(batchSize).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}

	generated := 0
	for _, recurringID := range ids {
		if _, _, err := s.generate(ctx, nil, recurringID); err != nil {
			// A template raced past its window between select and lock;
			// skip it and keep sweeping.
			if err == recurringdomain.ErrCannotGenerate || err == document.ErrConcurrencyConflict {
				continue
			}
			return generated, err
		}
		generated++
	}
	return generated, nil
}

// generate materializes one due occurrence. A nil tenantID means the
// scheduler sweep is calling and the template's own tenant applies.
func (s *Service) generate(ctx context.Context, tenantID *snowflake.ID, recurringID snowflake.ID) (recurringdomain.RecurringInvoice, invoicedomain.Invoice, error) {
	var (
		outTemplate recurringdomain.RecurringInvoice
		outInvoice  invoicedomain.Invoice
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		template, err := s.loadForUpdate(ctx, tx, tenantID, recurringID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if !template.CanGenerate(now) {
			return fmt.Errorf("recurring invoice %s: %w", template.ID, recurringdomain.ErrCannotGenerate)
		}

		var items []recurringdomain.RecurringLineItem
		if err := tx.WithContext(ctx).
			Where("recurring_invoice_id = ?", template.ID).
			Order("position ASC, id ASC").
			Find(&items).Error; err != nil {
			return err
		}

		number, err := s.sequenceSvc.NextNumber(ctx, tx, template.TenantID, sequencedomain.DocumentTypeInvoice)
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

		issueDate := document.DateOnly(now)
		invoice := invoicedomain.Build(invoicedomain.BuildParams{
			Gen:                s.genID,
			TenantID:           template.TenantID,
			ClientID:           template.ClientID,
			ProjectID:          template.ProjectID,
			RecurringInvoiceID: &template.ID,
			Number:             number,
			Currency:           template.Currency,
			IssueDate:          issueDate,
			DueDate:            document.AddDays(issueDate, template.PaymentTermsDays),
			TaxRate:            template.TaxRate,
			DiscountAmount:     template.DiscountAmount,
			Notes:              template.Notes,
			Terms:              template.Terms,
			Lines:              lines,
			Now:                now,
		})
		if template.AutoSend {
			invoice.Status = invoicedomain.InvoiceStatusSent
			invoice.SentAt = &now
		}

		if err := tx.WithContext(ctx).Create(&invoice).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return document.ErrConcurrencyConflict
			}
			return err
		}

		previousCount := template.OccurrencesCount
		if err := template.AdvanceOccurrence(); err != nil {
			return err
		}
		template.LastGeneratedAt = &now
		template.UpdatedAt = now

		// Guarding on the pre-advance count makes generation idempotent
		// per occurrence: a racing sweep finds zero rows and its invoice
		// insert rolls back with the transaction.
		result := tx.WithContext(ctx).
			Model(&recurringdomain.RecurringInvoice{}).
			Where("id = ? AND status IN ? AND occurrences_count = ?",
				template.ID,
				[]recurringdomain.RecurringStatus{recurringdomain.RecurringStatusActive},
				previousCount).
			Updates(map[string]any{
				"status":               template.Status,
				"next_occurrence_date": template.NextOccurrenceDate,
				"occurrences_count":    template.OccurrencesCount,
				"last_generated_at":    template.LastGeneratedAt,
				"updated_at":           template.UpdatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return document.ErrConcurrencyConflict
		}

		template.LineItems = items
		outTemplate = *template
		outInvoice = invoice
		return nil
	})
	if err != nil {
		return recurringdomain.RecurringInvoice{}, invoicedomain.Invoice{}, err
	}

	s.log.Info("recurring invoice generated",
		zap.String("recurring_id", outTemplate.ID.String()),
		zap.String("invoice_id", outInvoice.ID.String()),
		zap.String("invoice_number", outInvoice.Number),
		zap.Int("occurrences_count", outTemplate.OccurrencesCount),
	)
	return outTemplate, outInvoice, nil
}

func (s *Service) transition(ctx context.Context, id, event string) (recurringdomain.RecurringInvoice, error) {
	tenantID, err := s.tenantFromContext(ctx)
	if err != nil {
		return recurringdomain.RecurringInvoice{}, err
	}
	recurringID, err := parseID(id)
	if err != nil {
		return recurringdomain.RecurringInvoice{}, recurringdomain.ErrInvalidRecurringID
	}

	var out recurringdomain.RecurringInvoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		template, err := s.loadForUpdate(ctx, tx, &tenantID, recurringID)
		if err != nil {
			return err
		}

		target, err := recurringdomain.Transitions.Target(event, template.Status)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		previous := template.Status
		template.Status = target
		template.UpdatedAt = now

		result := tx.WithContext(ctx).
			Model(&recurringdomain.RecurringInvoice{}).
			Where("id = ? AND status = ?", template.ID, previous).
			Updates(map[string]any{"status": target, "updated_at": now})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return document.ErrConcurrencyConflict
		}

		out = *template
		return nil
	})
	if err != nil {
		return recurringdomain.RecurringInvoice{}, err
	}

	s.log.Info("recurring template transitioned",
		zap.String("recurring_id", out.ID.String()),
		zap.String("event", event),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

func (s *Service) loadForUpdate(ctx context.Context, tx *gorm.DB, tenantID *snowflake.ID, recurringID snowflake.ID) (*recurringdomain.RecurringInvoice, error) {
	query := db.ForUpdate(tx.WithContext(ctx)).Where("id = ?", recurringID)
	if tenantID != nil {
		query = query.Where("tenant_id = ?", *tenantID)
	}

	var template recurringdomain.RecurringInvoice
	err := query.First(&template).Error
	if err == gorm.ErrRecordNotFound {
		return nil, document.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &template, nil
}

func (s *Service) tenantFromContext(ctx context.Context) (snowflake.ID, error) {
	tenantID, ok := tenantctx.TenantID(ctx)
	if !ok || tenantID == 0 {
		return 0, recurringdomain.ErrInvalidTenant
	}
	return snowflake.ID(tenantID), nil
}

func parseID(raw string) (snowflake.ID, error) {
	return snowflake.ParseString(strings.TrimSpace(raw))
}

func validateTemplate(req recurringdomain.CreateRecurringRequest, startDate time.Time, endDate *time.Time, termsDays int) error {
	v := &document.ValidationErrors{}

	if req.ClientID == 0 {
		v.Add("client_id", "required", "client is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		v.Add("name", "required", "name is required")
	}
	if !req.Frequency.Valid() {
		v.Add("frequency", "unknown", "frequency must be weekly, biweekly, monthly, quarterly, or annually")
	}
	if endDate != nil && endDate.Before(startDate) {
		v.Add("end_date", "before_start_date", "end_date must be on or after start_date")
	}
	if req.OccurrencesLimit != nil && *req.OccurrencesLimit <= 0 {
		v.Add("occurrences_limit", "not_positive", "occurrences_limit must be greater than zero")
	}
	if termsDays < 0 {
		v.Add("payment_terms_days", "negative", "payment_terms_days cannot be negative")
	}
	if req.TaxRate.IsNegative() || req.TaxRate.GreaterThan(decimal.NewFromInt(100)) {
		v.Add("tax_rate", "out_of_range", "tax_rate must be between 0 and 100")
	}
	if req.DiscountAmount.IsNegative() {
		v.Add("discount_amount", "negative", "discount_amount cannot be negative")
	}
	for idx, line := range req.LineItems {
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
