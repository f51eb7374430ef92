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
	estimatedomain "github.com/smallbiznis/tradebill/internal/estimate/domain"
	invoicedomain "github.com/smallbiznis/tradebill/internal/invoice/domain"
	sequenceservice "github.com/smallbiznis/tradebill/internal/sequence/service"
	"github.com/smallbiznis/tradebill/internal/tenantctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestHarness(t *testing.T) (estimatedomain.Service, *clock.FakeClock, *gorm.DB) {
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

	db.Exec(`CREATE TABLE IF NOT EXISTS estimates (
		id BIGINT PRIMARY KEY,
		tenant_id BIGINT NOT NULL,
		client_id BIGINT NOT NULL,
		project_id BIGINT,
		number TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		currency TEXT NOT NULL DEFAULT 'USD',
		issue_date TIMESTAMP NOT NULL,
		valid_until TIMESTAMP NOT NULL,
		tax_rate NUMERIC NOT NULL,
		discount_amount NUMERIC NOT NULL,
		subtotal NUMERIC NOT NULL,
		tax_amount NUMERIC NOT NULL,
		total_amount NUMERIC NOT NULL,
		notes TEXT,
		terms TEXT,
		converted_invoice_id BIGINT,
		sent_at TIMESTAMP,
		viewed_at TIMESTAMP,
		accepted_at TIMESTAMP,
		declined_at TIMESTAMP,
		converted_at TIMESTAMP,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_estimates_tenant_number ON estimates(tenant_id, number)")

	db.Exec(`CREATE TABLE IF NOT EXISTS estimate_line_items (
		id BIGINT PRIMARY KEY,
		tenant_id BIGINT NOT NULL,
		estimate_id BIGINT NOT NULL,
		description TEXT NOT NULL,
		quantity NUMERIC NOT NULL,
		unit_price NUMERIC NOT NULL,
		amount NUMERIC NOT NULL,
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

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	billingCfg := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	fakeClock := clock.NewFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))

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

func TestCreateAssignsNumberAndValidity(t *testing.T) {
	svc, _, _ := newTestHarness(t)
	ctx := tenantContext(42)

	created, err := svc.Create(ctx, estimatedomain.CreateEstimateRequest{
		ClientID: snowflake.ID(9001),
		TaxRate:  dec("10"),
		LineItems: []estimatedomain.LineInput{
			{Description: "Design work", Quantity: dec("10"), UnitPrice: dec("15.00")},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "EST-10001", created.Number)
	assert.Equal(t, estimatedomain.EstimateStatusDraft, created.Status)
	assert.True(t, created.Subtotal.Equal(dec("150.00")))
	assert.True(t, created.TaxAmount.Equal(dec("15.00")))
	assert.True(t, created.TotalAmount.Equal(dec("165.00")))

	// Default validity window is issue date plus the configured days.
	assert.Equal(t, time.Date(2025, 4, 9, 0, 0, 0, 0, time.UTC), created.ValidUntil)
}

func TestAcceptAndConvert(t *testing.T) {
	svc, _, db := newTestHarness(t)
	ctx := tenantContext(42)

	created, err := svc.Create(ctx, estimatedomain.CreateEstimateRequest{
		ClientID:       snowflake.ID(9001),
		TaxRate:        dec("10"),
		DiscountAmount: dec("5.00"),
		LineItems: []estimatedomain.LineInput{
			{Description: "Design work", Quantity: dec("10"), UnitPrice: dec("15.00")},
			{Description: "Consultation", Quantity: dec("2"), UnitPrice: dec("50.00")},
		},
	})
	require.NoError(t, err)
	id := created.ID.String()

	_, err = svc.Send(ctx, id)
	require.NoError(t, err)

	accepted, err := svc.Accept(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, estimatedomain.EstimateStatusAccepted, accepted.Status)
	require.NotNil(t, accepted.AcceptedAt)
	assert.True(t, accepted.CanConvert())

	converted, invoice, err := svc.ConvertToInvoice(ctx, id, estimatedomain.ConvertRequest{})
	require.NoError(t, err)

	assert.Equal(t, estimatedomain.EstimateStatusConverted, converted.Status)
	require.NotNil(t, converted.ConvertedInvoiceID)
	assert.Equal(t, invoice.ID, *converted.ConvertedInvoiceID)
	require.NotNil(t, converted.ConvertedAt)

	// The invoice is an independent draft with its own number and token;
	// amounts mirror the estimate.
	assert.Equal(t, "INV-10001", invoice.Number)
	assert.Equal(t, invoicedomain.InvoiceStatusDraft, invoice.Status)
	assert.Len(t, invoice.PaymentToken, 32)
	assert.Equal(t, created.ClientID, invoice.ClientID)
	assert.True(t, invoice.Subtotal.Equal(dec("250.00")))
	assert.True(t, invoice.TaxAmount.Equal(dec("24.50")))
	assert.True(t, invoice.TotalAmount.Equal(dec("269.50")))
	require.Len(t, invoice.LineItems, 2)
	assert.Equal(t, "Design work", invoice.LineItems[0].Description)

	var count int64
	require.NoError(t, db.Model(&invoicedomain.InvoiceLineItem{}).Where("invoice_id = ?", invoice.ID).Count(&count).Error)
	assert.EqualValues(t, 2, count)

	// A second conversion fails: the estimate is no longer accepted.
	_, _, err = svc.ConvertToInvoice(ctx, id, estimatedomain.ConvertRequest{})
	var terr *document.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "converted", terr.Status)
}

func TestConvertRequiresAccepted(t *testing.T) {
	svc, _, _ := newTestHarness(t)
	ctx := tenantContext(42)

	created, err := svc.Create(ctx, estimatedomain.CreateEstimateRequest{
		ClientID:  snowflake.ID(9001),
		LineItems: []estimatedomain.LineInput{{Description: "Work", Quantity: dec("1"), UnitPrice: dec("100")}},
	})
	require.NoError(t, err)

	_, _, err = svc.ConvertToInvoice(ctx, created.ID.String(), estimatedomain.ConvertRequest{})
	var terr *document.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "draft", terr.Status)
}

func TestDeclineFreezesEstimate(t *testing.T) {
	svc, _, _ := newTestHarness(t)
	ctx := tenantContext(42)

	created, err := svc.Create(ctx, estimatedomain.CreateEstimateRequest{
		ClientID:  snowflake.ID(9001),
		LineItems: []estimatedomain.LineInput{{Description: "Work", Quantity: dec("1"), UnitPrice: dec("100")}},
	})
	require.NoError(t, err)
	id := created.ID.String()

	_, err = svc.Send(ctx, id)
	require.NoError(t, err)

	declined, err := svc.Decline(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, estimatedomain.EstimateStatusDeclined, declined.Status)
	require.NotNil(t, declined.DeclinedAt)

	_, err = svc.Accept(ctx, id)
	var terr *document.InvalidTransitionError
	require.ErrorAs(t, err, &terr)

	notes := "late edit"
	_, err = svc.Update(ctx, id, estimatedomain.UpdateEstimateRequest{Notes: &notes})
	assert.ErrorIs(t, err, document.ErrPreconditionFailed)

	// Declined estimates may be deleted.
	require.NoError(t, svc.Delete(ctx, id))
}

func TestDeleteGuards(t *testing.T) {
	svc, _, _ := newTestHarness(t)
	ctx := tenantContext(42)

	created, err := svc.Create(ctx, estimatedomain.CreateEstimateRequest{
		ClientID:  snowflake.ID(9001),
		LineItems: []estimatedomain.LineInput{{Description: "Work", Quantity: dec("1"), UnitPrice: dec("100")}},
	})
	require.NoError(t, err)
	id := created.ID.String()

	_, err = svc.Send(ctx, id)
	require.NoError(t, err)

	err = svc.Delete(ctx, id)
	assert.ErrorIs(t, err, document.ErrPreconditionFailed)
}

func TestDeleteRefusesExpiredEstimate(t *testing.T) {
	svc, fakeClock, db := newTestHarness(t)
	ctx := tenantContext(42)
	now := fakeClock.Now()

	created, err := svc.Create(ctx, estimatedomain.CreateEstimateRequest{
		ClientID:  snowflake.ID(9001),
		LineItems: []estimatedomain.LineInput{{Description: "Work", Quantity: dec("1"), UnitPrice: dec("100")}},
	})
	require.NoError(t, err)

	fakeClock.AdvanceTo(now.AddDate(0, 0, 45))
	count, err := svc.ExpireDue(ctx, fakeClock.Now(), 50)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	err = svc.Delete(ctx, created.ID.String())
	assert.ErrorIs(t, err, document.ErrPreconditionFailed)

	var rows int64
	require.NoError(t, db.Model(&estimatedomain.Estimate{}).Where("id = ?", created.ID).Count(&rows).Error)
	assert.EqualValues(t, 1, rows)
}

func TestExpireDue(t *testing.T) {
	svc, fakeClock, _ := newTestHarness(t)
	ctx := tenantContext(42)
	now := fakeClock.Now()

	makeEstimate := func(validUntil time.Time) estimatedomain.Estimate {
		created, err := svc.Create(ctx, estimatedomain.CreateEstimateRequest{
			ClientID:   snowflake.ID(9001),
			IssueDate:  ptrTime(validUntil.AddDate(0, 0, -30)),
			ValidUntil: &validUntil,
			LineItems:  []estimatedomain.LineInput{{Description: "Work", Quantity: dec("1"), UnitPrice: dec("100")}},
		})
		require.NoError(t, err)
		return created
	}

	lapsedDraft := makeEstimate(now.AddDate(0, 0, -1))
	lapsedSent := makeEstimate(now.AddDate(0, 0, -1))
	_, err := svc.Send(ctx, lapsedSent.ID.String())
	require.NoError(t, err)

	stillValid := makeEstimate(now.AddDate(0, 0, 5))
	dueToday := makeEstimate(now)

	// Accepted estimates never expire, even past their window.
	lapsedAccepted := makeEstimate(now.AddDate(0, 0, -1))
	_, err = svc.Send(ctx, lapsedAccepted.ID.String())
	require.NoError(t, err)
	_, err = svc.Accept(ctx, lapsedAccepted.ID.String())
	require.NoError(t, err)

	count, err := svc.ExpireDue(ctx, now, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for id, want := range map[string]estimatedomain.EstimateStatus{
		lapsedDraft.ID.String():    estimatedomain.EstimateStatusExpired,
		lapsedSent.ID.String():     estimatedomain.EstimateStatusExpired,
		stillValid.ID.String():     estimatedomain.EstimateStatusDraft,
		dueToday.ID.String():       estimatedomain.EstimateStatusDraft,
		lapsedAccepted.ID.String(): estimatedomain.EstimateStatusAccepted,
	} {
		got, err := svc.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, "estimate %s", got.Number)
	}

	// Second sweep is a no-op.
	count, err = svc.ExpireDue(ctx, now, 50)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestUpdateRecomputesTotals(t *testing.T) {
	svc, _, _ := newTestHarness(t)
	ctx := tenantContext(42)

	created, err := svc.Create(ctx, estimatedomain.CreateEstimateRequest{
		ClientID:  snowflake.ID(9001),
		TaxRate:   dec("10"),
		LineItems: []estimatedomain.LineInput{{Description: "Work", Quantity: dec("1"), UnitPrice: dec("100")}},
	})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, created.ID.String(), estimatedomain.UpdateEstimateRequest{
		LineItems: []estimatedomain.LineInput{
			{Description: "Work", Quantity: dec("2.5"), UnitPrice: dec("40.00")},
		},
	})
	require.NoError(t, err)
	assert.True(t, updated.Subtotal.Equal(dec("100.00")))
	assert.True(t, updated.TaxAmount.Equal(dec("10.00")))
	assert.True(t, updated.TotalAmount.Equal(dec("110.00")))
}

func TestTenantIsolation(t *testing.T) {
	svc, _, _ := newTestHarness(t)

	created, err := svc.Create(tenantContext(42), estimatedomain.CreateEstimateRequest{
		ClientID:  snowflake.ID(9001),
		LineItems: []estimatedomain.LineInput{{Description: "Work", Quantity: dec("1"), UnitPrice: dec("100")}},
	})
	require.NoError(t, err)

	_, err = svc.GetByID(tenantContext(77), created.ID.String())
	assert.ErrorIs(t, err, document.ErrNotFound)
}

func ptrTime(t time.Time) *time.Time { return &t }
