package service

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/tradebill/internal/config"
	"github.com/smallbiznis/tradebill/internal/document"
	sequencedomain "github.com/smallbiznis/tradebill/internal/sequence/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*gorm.DB, sequencedomain.Service) {
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

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		Log:        zap.NewNop(),
		GenID:      node,
		BillingCfg: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
	})
	return db, svc
}

func TestNextNumberStartsAboveBase(t *testing.T) {
	db, svc := newTestService(t)
	ctx := context.Background()
	tenant := snowflake.ID(42)

	number, err := svc.NextNumber(ctx, db, tenant, sequencedomain.DocumentTypeEstimate)
	require.NoError(t, err)
	assert.Equal(t, "EST-10001", number)

	number, err = svc.NextNumber(ctx, db, tenant, sequencedomain.DocumentTypeInvoice)
	require.NoError(t, err)
	assert.Equal(t, "INV-10001", number)
}

func TestNextNumberZeroPadding(t *testing.T) {
	db, svc := newTestService(t)
	ctx := context.Background()

	number, err := svc.NextNumber(ctx, db, snowflake.ID(42), sequencedomain.DocumentTypeProject)
	require.NoError(t, err)
	assert.Equal(t, "PRJ-00001", number)
}

func TestNextNumberMonotonicAndDistinct(t *testing.T) {
	db, svc := newTestService(t)
	ctx := context.Background()
	tenant := snowflake.ID(7)

	seen := map[string]bool{}
	var last string
	for i := 0; i < 25; i++ {
		number, err := svc.NextNumber(ctx, db, tenant, sequencedomain.DocumentTypeInvoice)
		require.NoError(t, err)
		assert.False(t, seen[number], "duplicate number %s", number)
		seen[number] = true
		assert.Greater(t, number, last)
		last = number
	}
	assert.Equal(t, "INV-10025", last)
}

// rivalConn opens a second connection onto the test's shared in-memory
// database so a competing writer can commit independently of the
// transaction under test.
func rivalConn(t *testing.T) *gorm.DB {
	t.Helper()
	rival, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	return rival
}

func TestNextNumberRetriesWhenFirstRowRaces(t *testing.T) {
	db, svc := newTestService(t)
	ctx := context.Background()
	tenant := snowflake.ID(11)
	rival := rivalConn(t)

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	// A competing transaction claims the tenant's first counter row
	// between our miss and our insert.
	raced := false
	err = db.Callback().Create().Before("gorm:create").Register("counter_insert_race", func(d *gorm.DB) {
		if _, ok := d.Statement.Model.(*sequencedomain.DocumentSequence); !ok || raced {
			return
		}
		raced = true
		winner := sequencedomain.DocumentSequence{
			ID:           node.Generate(),
			TenantID:     tenant,
			DocumentType: sequencedomain.DocumentTypeInvoice,
			LastValue:    10001,
		}
		require.NoError(t, rival.Create(&winner).Error)
	})
	require.NoError(t, err)

	number, err := svc.NextNumber(ctx, db, tenant, sequencedomain.DocumentTypeInvoice)
	require.NoError(t, err)
	require.True(t, raced)

	// The loser re-reads the winner's row and draws the next value.
	assert.Equal(t, "INV-10002", number)

	var rows int64
	require.NoError(t, db.Model(&sequencedomain.DocumentSequence{}).Where("tenant_id = ?", tenant).Count(&rows).Error)
	assert.EqualValues(t, 1, rows)
}

func TestNextNumberSurfacesLostUpdateRace(t *testing.T) {
	db, svc := newTestService(t)
	ctx := context.Background()
	tenant := snowflake.ID(12)
	rival := rivalConn(t)

	seeded, err := svc.NextNumber(ctx, db, tenant, sequencedomain.DocumentTypeInvoice)
	require.NoError(t, err)
	require.Equal(t, "INV-10001", seeded)

	// A competing writer bumps the counter between our read and our
	// guarded update, so the guard matches zero rows.
	raced := false
	err = db.Callback().Update().Before("gorm:update").Register("counter_update_race", func(d *gorm.DB) {
		if _, ok := d.Statement.Model.(*sequencedomain.DocumentSequence); !ok || raced {
			return
		}
		raced = true
		require.NoError(t, rival.Model(&sequencedomain.DocumentSequence{}).
			Where("tenant_id = ? AND document_type = ?", tenant, sequencedomain.DocumentTypeInvoice).
			Update("last_value", gorm.Expr("last_value + 1")).Error)
	})
	require.NoError(t, err)

	_, err = svc.NextNumber(ctx, db, tenant, sequencedomain.DocumentTypeInvoice)
	require.True(t, raced)
	assert.ErrorIs(t, err, document.ErrConcurrencyConflict)
}

func TestNextNumberIsolatedPerTenant(t *testing.T) {
	db, svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.NextNumber(ctx, db, snowflake.ID(1), sequencedomain.DocumentTypeInvoice)
	require.NoError(t, err)
	second, err := svc.NextNumber(ctx, db, snowflake.ID(2), sequencedomain.DocumentTypeInvoice)
	require.NoError(t, err)

	assert.Equal(t, "INV-10001", first)
	assert.Equal(t, "INV-10001", second)
}

func TestNextNumberUnknownType(t *testing.T) {
	db, svc := newTestService(t)

	_, err := svc.NextNumber(context.Background(), db, snowflake.ID(1), sequencedomain.DocumentType("receipt"))
	assert.ErrorIs(t, err, sequencedomain.ErrUnknownDocumentType)
}
