package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestIsExpiredIgnoresStatus(t *testing.T) {
	cases := []struct {
		name       string
		status     EstimateStatus
		validUntil time.Time
		today      time.Time
		want       bool
	}{
		{"open and lapsed", EstimateStatusSent, date(2025, 1, 1), date(2025, 2, 1), true},
		{"accepted and lapsed", EstimateStatusAccepted, date(2025, 1, 1), date(2025, 2, 1), true},
		{"declined and lapsed", EstimateStatusDeclined, date(2025, 1, 1), date(2025, 2, 1), true},
		{"converted and lapsed", EstimateStatusConverted, date(2025, 1, 1), date(2025, 2, 1), true},
		{"valid until today", EstimateStatusSent, date(2025, 2, 1), date(2025, 2, 1), false},
		{"still valid", EstimateStatusDraft, date(2025, 3, 1), date(2025, 2, 1), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := Estimate{Status: tc.status, ValidUntil: tc.validUntil}
			assert.Equal(t, tc.want, e.IsExpired(tc.today))
		})
	}
}

func TestDaysUntilExpiry(t *testing.T) {
	e := Estimate{ValidUntil: date(2025, 2, 10)}
	assert.Equal(t, 9, e.DaysUntilExpiry(date(2025, 2, 1)))
	assert.Equal(t, 0, e.DaysUntilExpiry(date(2025, 2, 10)))
	assert.Equal(t, 0, e.DaysUntilExpiry(date(2025, 3, 1)))
}
