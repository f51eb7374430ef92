package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// NumberFormat describes how one document type is numbered. Base is the
// value the sequence starts counting above, so the first issued number is
// Base+1. Pad zero-pads the numeric part to a fixed width; 0 disables it.
type NumberFormat struct {
	Prefix string `mapstructure:"prefix"`
	Base   int64  `mapstructure:"base"`
	Pad    int    `mapstructure:"pad"`
}

// BillingConfig holds billing behavior that operators tune per deployment.
type BillingConfig struct {
	InvoiceNumbers  NumberFormat `mapstructure:"invoiceNumbers"`
	EstimateNumbers NumberFormat `mapstructure:"estimateNumbers"`
	ProjectNumbers  NumberFormat `mapstructure:"projectNumbers"`

	DefaultPaymentTermsDays int `mapstructure:"defaultPaymentTermsDays"`
	DefaultValidityDays     int `mapstructure:"defaultValidityDays"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		InvoiceNumbers:          NumberFormat{Prefix: "INV", Base: 10000},
		EstimateNumbers:         NumberFormat{Prefix: "EST", Base: 10000},
		ProjectNumbers:          NumberFormat{Prefix: "PRJ", Base: 0, Pad: 5},
		DefaultPaymentTermsDays: 30,
		DefaultValidityDays:     30,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewBillingConfigHolder loads billing settings from billing.yml and keeps
// them hot-reloaded on file change.
func NewBillingConfigHolder(logger *zap.Logger) (*BillingConfigHolder, error) {
	log := logger.Named("billing.config")
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tradebill/config")
	v.AddConfigPath("/etc/tradebill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TRADEBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg := defaults
	if fileFound {
		if err := v.UnmarshalKey("billing", &cfg); err != nil {
			return nil, err
		}
		cfg = withBillingDefaults(cfg)
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated := DefaultBillingConfig()
			if err := v.UnmarshalKey("billing", &updated); err != nil {
				log.Error("reload failed", zap.Error(err))
				return
			}
			updated = withBillingDefaults(updated)
			if err := validateBillingConfig(updated); err != nil {
				log.Warn("invalid config ignored", zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

// NewStaticBillingConfigHolder wraps a fixed config; used by tests.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func withBillingDefaults(cfg BillingConfig) BillingConfig {
	defaults := DefaultBillingConfig()
	if cfg.InvoiceNumbers.Prefix == "" {
		cfg.InvoiceNumbers = defaults.InvoiceNumbers
	}
	if cfg.EstimateNumbers.Prefix == "" {
		cfg.EstimateNumbers = defaults.EstimateNumbers
	}
	if cfg.ProjectNumbers.Prefix == "" {
		cfg.ProjectNumbers = defaults.ProjectNumbers
	}
	if cfg.DefaultPaymentTermsDays <= 0 {
		cfg.DefaultPaymentTermsDays = defaults.DefaultPaymentTermsDays
	}
	if cfg.DefaultValidityDays <= 0 {
		cfg.DefaultValidityDays = defaults.DefaultValidityDays
	}
	return cfg
}

func validateBillingConfig(cfg BillingConfig) error {
	for _, format := range []NumberFormat{cfg.InvoiceNumbers, cfg.EstimateNumbers, cfg.ProjectNumbers} {
		if strings.TrimSpace(format.Prefix) == "" {
			return errors.New("billing: number prefix cannot be empty")
		}
		if format.Base < 0 {
			return errors.New("billing: number base cannot be negative")
		}
	}
	if cfg.DefaultPaymentTermsDays <= 0 {
		return errors.New("billing: defaultPaymentTermsDays must be positive")
	}
	if cfg.DefaultValidityDays <= 0 {
		return errors.New("billing: defaultValidityDays must be positive")
	}
	return nil
}
