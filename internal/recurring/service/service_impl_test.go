package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tradebill/internal/clock"
	"github.com/smallbiznis/tradebill/internal/config"
	"github.com/smallbiznis/tradebill/internal/document"
	invoicedomain "github.com/smallbiznis/tradebill/internal/invoice/domain"
	recurringdomain "github.com/smallbiznis/tradebill/internal/recurring/domain"
	sequenceservice "github.com/smallbiznis/tradebill/internal/sequence/service"
	"github.com/smallbiznis/tradebill/internal/tenantctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestHarness(t *testing.T) (recurringdomain.Service, *clock.FakeClock, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	db.Exec(`CREATE TABLE IF NOT EXISTS document_sequences (
		id BIGINT PRIMARY KEY,
		tenant_id BIGINT NOT NULL,
		document_type TEXT NOT NULL,
		last_value BIGINT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_document_sequences_tenant_type ON document_sequences(tenant_id, document_type)")

	db.Exec(`CREATE TABLE IF NOT EXISTS recurring_invoices (
		id BIGINT PRIMARY KEY,
		tenant_id BIGINT NOT NULL,
		client_id BIGINT NOT NULL,
		project_id BIGINT,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		currency TEXT NOT NULL DEFAULT 'USD',
		frequency TEXT NOT NULL,
		start_date TIMESTAMP NOT NULL,
		end_date TIMESTAMP,
		next_occurrence_date TIMESTAMP NOT NULL,
		occurrences_limit INTEGER,
		occurrences_count INTEGER NOT NULL DEFAULT 0,
		payment_terms_days INTEGER NOT NULL,
		auto_send BOOLEAN NOT NULL DEFAULT FALSE,
		tax_rate NUMERIC NOT NULL,
		discount_amount NUMERIC NOT NULL,
		notes TEXT,
		terms TEXT,
		last_generated_at TIMESTAMP,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)

	db.Exec(`CREATE TABLE IF NOT EXISTS recurring_line_items (
		id BIGINT PRIMARY KEY,
		tenant_id BIGINT NOT NULL,
		recurring_invoice_id BIGINT NOT NULL,
		description TEXT NOT NULL,
		quantity NUMERIC NOT NULL,
		unit_price NUMERIC NOT NULL,
		position INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)

	db.Exec(`CREATE TABLE IF NOT EXISTS invoices (
		id BIGINT PRIMARY KEY,
		tenant_id BIGINT NOT NULL,
		client_id BIGINT NOT NULL,
		project_id BIGINT,
		recurring_invoice_id BIGINT,
		number TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		currency TEXT NOT NULL DEFAULT 'USD',
		issue_date TIMESTAMP NOT NULL,
		due_date TIMESTAMP NOT NULL,
		tax_rate NUMERIC NOT NULL,
		discount_amount NUMERIC NOT NULL,
		subtotal NUMERIC NOT NULL,
		tax_amount NUMERIC NOT NULL,
		total_amount NUMERIC NOT NULL,
		notes TEXT,
		terms TEXT,
		payment_token TEXT NOT NULL,
		payment_method TEXT,
		payment_reference TEXT,
		sent_at TIMESTAMP,
		viewed_at TIMESTAMP,
		paid_at TIMESTAMP,
		cancelled_at TIMESTAMP,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_invoices_tenant_number ON invoices(tenant_id, number)")

	db.Exec(`CREATE TABLE IF NOT EXISTS invoice_line_items (
		id BIGINT PRIMARY KEY,
		tenant_id BIGINT NOT NULL,
		invoice_id BIGINT NOT NULL,
		description TEXT NOT NULL,
		quantity NUMERIC NOT NULL,
		unit_price NUMERIC NOT NULL,
		amount NUMERIC NOT NULL,
		position INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	billingCfg := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	fakeClock := clock.NewFakeClock(time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC))

	sequenceSvc := sequenceservice.NewService(sequenceservice.ServiceParam{
		Log:        zap.NewNop(),
		GenID:      node,
		BillingCfg: billingCfg,
	})

	svc := NewService(ServiceParam{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       fakeClock,
		SequenceSvc: sequenceSvc,
		BillingCfg:  billingCfg,
	})
	return svc, fakeClock, db
}

func tenantContext(tenantID int64) context.Context {
	return tenantctx.WithTenantID(context.Background(), tenantID)
}

func monthlyTemplate(limit *int) recurringdomain.CreateRecurringRequest {
	return recurringdomain.CreateRecurringRequest{
		ClientID:         snowflake.ID(9001),
		Name:             "Monthly retainer",
		Frequency:        recurringdomain.FrequencyMonthly,
		OccurrencesLimit: limit,
		TaxRate:          dec("10"),
		LineItems: []recurringdomain.LineInput{
			{Description: "Retainer", Quantity: dec("1"), UnitPrice: dec("500.00")},
		},
	}
}

func TestCreateDefaults(t *testing.T) {
	svc, _, _ := newTestHarness(t)
	ctx := tenantContext(42)

	created, err := svc.Create(ctx, monthlyTemplate(nil))
	require.NoError(t, err)

	assert.Equal(t, recurringdomain.RecurringStatusActive, created.Status)
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), created.StartDate)
	assert.Equal(t, created.StartDate, created.NextOccurrenceDate)
	assert.Equal(t, 30, created.PaymentTermsDays)
	assert.Equal(t, 0, created.OccurrencesCount)
	assert.Nil(t, created.RemainingOccurrences())
}

func TestCreateRejectsUnknownFrequency(t *testing.T) {
	svc, _, _ := newTestHarness(t)

	req := monthlyTemplate(nil)
	req.Frequency = "daily"
	_, err := svc.Create(tenantContext(42), req)

	var verr *document.ValidationErrors
	require.ErrorAs(t, err, &verr)
}

func TestGenerateInvoiceAdvancesAndCompletes(t *testing.T) {
	svc, _, db := newTestHarness(t)
	ctx := tenantContext(42)

	limit := 1
	created, err := svc.Create(ctx, monthlyTemplate(&limit))
	require.NoError(t, err)

	template, invoice, err := svc.GenerateInvoice(ctx, created.ID.String())
	require.NoError(t, err)

	assert.Equal(t, "INV-10001", invoice.Number)
	assert.Equal(t, invoicedomain.InvoiceStatusDraft, invoice.Status)
	require.NotNil(t, invoice.RecurringInvoiceID)
	assert.Equal(t, created.ID, *invoice.RecurringInvoiceID)
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), invoice.IssueDate)
	assert.Equal(t, time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC), invoice.DueDate)
	assert.True(t, invoice.Subtotal.Equal(dec("500.00")))
	assert.True(t, invoice.TotalAmount.Equal(dec("550.00")))
	require.Len(t, invoice.LineItems, 1)

	assert.Equal(t, 1, template.OccurrencesCount)
	assert.Equal(t, time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC), template.NextOccurrenceDate)
	assert.Equal(t, recurringdomain.RecurringStatusCompleted, template.Status)

	var count int64
	require.NoError(t, db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// The limit is exhausted; a second call must not produce an invoice.
	_, _, err = svc.GenerateInvoice(ctx, created.ID.String())
	assert.ErrorIs(t, err, recurringdomain.ErrCannotGenerate)

	require.NoError(t, db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestGenerateInvoiceMonthEndClamp(t *testing.T) {
	svc, fakeClock, _ := newTestHarness(t)
	ctx := tenantContext(42)
	fakeClock.AdvanceTo(time.Date(2025, 1, 31, 9, 0, 0, 0, time.UTC))

	created, err := svc.Create(ctx, monthlyTemplate(nil))
	require.NoError(t, err)

	template, _, err := svc.GenerateInvoice(ctx, created.ID.String())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC), template.NextOccurrenceDate)
	assert.Equal(t, recurringdomain.RecurringStatusActive, template.Status)
}

func TestGenerateInvoiceNotDue(t *testing.T) {
	svc, _, _ := newTestHarness(t)
	ctx := tenantContext(42)

	req := monthlyTemplate(nil)
	start := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	req.StartDate = &start
	created, err := svc.Create(ctx, req)
	require.NoError(t, err)

	_, _, err = svc.GenerateInvoice(ctx, created.ID.String())
	assert.ErrorIs(t, err, recurringdomain.ErrCannotGenerate)
}

func TestPauseBlocksGeneration(t *testing.T) {
	svc, _, _ := newTestHarness(t)
	ctx := tenantContext(42)

	created, err := svc.Create(ctx, monthlyTemplate(nil))
	require.NoError(t, err)
	id := created.ID.String()

	paused, err := svc.Pause(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, recurringdomain.RecurringStatusPaused, paused.Status)

	_, _, err = svc.GenerateInvoice(ctx, id)
	assert.ErrorIs(t, err, recurringdomain.ErrCannotGenerate)

	resumed, err := svc.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, recurringdomain.RecurringStatusActive, resumed.Status)

	_, _, err = svc.GenerateInvoice(ctx, id)
	require.NoError(t, err)
}

func TestCancelIsTerminal(t *testing.T) {
	svc, _, _ := newTestHarness(t)
	ctx := tenantContext(42)

	created, err := svc.Create(ctx, monthlyTemplate(nil))
	require.NoError(t, err)
	id := created.ID.String()

	cancelled, err := svc.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, recurringdomain.RecurringStatusCancelled, cancelled.Status)

	_, err = svc.Resume(ctx, id)
	var terr *document.InvalidTransitionError
	require.ErrorAs(t, err, &terr)

	_, _, err = svc.GenerateInvoice(ctx, id)
	assert.ErrorIs(t, err, recurringdomain.ErrCannotGenerate)
}

func TestAutoSendGeneratesSentInvoice(t *testing.T) {
	svc, _, _ := newTestHarness(t)
	ctx := tenantContext(42)

	req := monthlyTemplate(nil)
	req.AutoSend = true
	created, err := svc.Create(ctx, req)
	require.NoError(t, err)

	_, invoice, err := svc.GenerateInvoice(ctx, created.ID.String())
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusSent, invoice.Status)
	require.NotNil(t, invoice.SentAt)
}

func TestGenerateDueSweep(t *testing.T) {
	svc, fakeClock, db := newTestHarness(t)

	// Templates from two tenants, one of them not yet due.
	_, err := svc.Create(tenantContext(42), monthlyTemplate(nil))
	require.NoError(t, err)
	_, err = svc.Create(tenantContext(77), monthlyTemplate(nil))
	require.NoError(t, err)

	future := monthlyTemplate(nil)
	start := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	future.StartDate = &start
	_, err = svc.Create(tenantContext(42), future)
	require.NoError(t, err)

	count, err := svc.GenerateDue(context.Background(), fakeClock.Now(), 50)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	var invoices int64
	require.NoError(t, db.Model(&invoicedomain.Invoice{}).Count(&invoices).Error)
	assert.EqualValues(t, 2, invoices)

	// Each generated invoice belongs to its template's tenant.
	var tenants []int64
	require.NoError(t, db.Model(&invoicedomain.Invoice{}).Order("tenant_id ASC").Pluck("tenant_id", &tenants).Error)
	assert.Equal(t, []int64{42, 77}, tenants)

	// Re-running the sweep before the next occurrence is a no-op.
	count, err = svc.GenerateDue(context.Background(), fakeClock.Now(), 50)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDeleteNullifiesGeneratedInvoices(t *testing.T) {
	svc, _, db := newTestHarness(t)
	ctx := tenantContext(42)

	created, err := svc.Create(ctx, monthlyTemplate(nil))
	require.NoError(t, err)

	_, invoice, err := svc.GenerateInvoice(ctx, created.ID.String())
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, created.ID.String()))

	_, err = svc.GetByID(ctx, created.ID.String())
	assert.ErrorIs(t, err, document.ErrNotFound)

	var survivor invoicedomain.Invoice
	require.NoError(t, db.Where("id = ?", invoice.ID).First(&survivor).Error)
	assert.Nil(t, survivor.RecurringInvoiceID)
}
