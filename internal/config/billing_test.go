package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBillingConfigHolderDefaults(t *testing.T) {
	holder, err := NewBillingConfigHolder(zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, DefaultBillingConfig(), cfg)
	assert.Equal(t, "INV", cfg.InvoiceNumbers.Prefix)
	assert.EqualValues(t, 10000, cfg.EstimateNumbers.Base)
	assert.Equal(t, 5, cfg.ProjectNumbers.Pad)
}

func TestValidateBillingConfigRejectsEmptyPrefix(t *testing.T) {
	cfg := DefaultBillingConfig()
	cfg.InvoiceNumbers.Prefix = " "
	assert.Error(t, validateBillingConfig(cfg))
}
