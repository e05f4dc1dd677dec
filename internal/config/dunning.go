package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DunningConfig is the business policy for grace periods, restrictions and retries.
type DunningConfig struct {
	GraceDays           GraceDays       `mapstructure:"graceDays"`
	HighValueThreshold  int64           `mapstructure:"highValueThreshold"`
	NewCustomerTenure   time.Duration   `mapstructure:"newCustomerTenure"`
	RestrictedFeatures  []string        `mapstructure:"restrictedFeatures"`
	RetrySchedule       []time.Duration `mapstructure:"retrySchedule"`
	MaxRetries          int             `mapstructure:"maxRetries"`
	DataRetentionDays   int             `mapstructure:"dataRetentionDays"`
	RecentFailureWindow time.Duration   `mapstructure:"recentFailureWindow"`
	EscalationThreshold int             `mapstructure:"escalationThreshold"`
	MaxLifetimeMonths   int             `mapstructure:"maxLifetimeMonths"`
}

// GraceDays maps a customer segment to its grace-period length.
type GraceDays struct {
	New       int `mapstructure:"new"`
	Standard  int `mapstructure:"standard"`
	HighValue int `mapstructure:"highValue"`
}

// DunningPolicy exposes the current policy. Implementations may change it at runtime.
type DunningPolicy interface {
	Get() DunningConfig
}

// StaticPolicy is a fixed DunningPolicy.
type StaticPolicy DunningConfig

func (p StaticPolicy) Get() DunningConfig { return DunningConfig(p) }

func DefaultDunningConfig() DunningConfig {
	return DunningConfig{
		GraceDays:           GraceDays{New: 3, Standard: 5, HighValue: 7},
		HighValueThreshold:  10_000,
		NewCustomerTenure:   30 * 24 * time.Hour,
		RestrictedFeatures:  []string{"new_data_creation", "advanced_features", "api_access"},
		RetrySchedule:       []time.Duration{24 * time.Hour, 72 * time.Hour, 168 * time.Hour},
		MaxRetries:          3,
		DataRetentionDays:   90,
		RecentFailureWindow: 30 * 24 * time.Hour,
		EscalationThreshold: 2,
		MaxLifetimeMonths:   36,
	}
}

type DunningConfigHolder struct {
	current atomic.Value // holds DunningConfig
}

// NewDunningConfigHolder reads dunning.yml when present and watches it for changes.
func NewDunningConfigHolder() (*DunningConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("dunning")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/dunning")
	v.AddConfigPath(".")

	// Keys live under "dunning.", so dunning.maxRetries reads DUNNING_MAXRETRIES.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDunningDefaults(v, DefaultDunningConfig())

	found := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		found = false
	}

	cfg, err := decodeDunningConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticDunningConfigHolder(cfg)
	if !found {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeDunningConfig(v)
		if err != nil {
			log.Printf("[dunning-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[dunning-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticDunningConfigHolder returns a holder that never reloads.
func NewStaticDunningConfigHolder(cfg DunningConfig) *DunningConfigHolder {
	holder := &DunningConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *DunningConfigHolder) Get() DunningConfig {
	return h.current.Load().(DunningConfig)
}

func setDunningDefaults(v *viper.Viper, d DunningConfig) {
	v.SetDefault("dunning.graceDays.new", d.GraceDays.New)
	v.SetDefault("dunning.graceDays.standard", d.GraceDays.Standard)
	v.SetDefault("dunning.graceDays.highValue", d.GraceDays.HighValue)
	v.SetDefault("dunning.highValueThreshold", d.HighValueThreshold)
	v.SetDefault("dunning.newCustomerTenure", d.NewCustomerTenure.String())
	v.SetDefault("dunning.restrictedFeatures", d.RestrictedFeatures)
	retry := make([]string, 0, len(d.RetrySchedule))
	for _, delay := range d.RetrySchedule {
		retry = append(retry, delay.String())
	}
	v.SetDefault("dunning.retrySchedule", retry)
	v.SetDefault("dunning.maxRetries", d.MaxRetries)
	v.SetDefault("dunning.dataRetentionDays", d.DataRetentionDays)
	v.SetDefault("dunning.recentFailureWindow", d.RecentFailureWindow.String())
	v.SetDefault("dunning.escalationThreshold", d.EscalationThreshold)
	v.SetDefault("dunning.maxLifetimeMonths", d.MaxLifetimeMonths)
}

func decodeDunningConfig(v *viper.Viper) (DunningConfig, error) {
	// Unmarshal resolves every leaf key, so env overrides apply; UnmarshalKey would not.
	var file struct {
		Dunning DunningConfig `mapstructure:"dunning"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return DunningConfig{}, err
	}
	if err := ValidateDunningConfig(file.Dunning); err != nil {
		return DunningConfig{}, err
	}
	return file.Dunning, nil
}

func ValidateDunningConfig(cfg DunningConfig) error {
	if cfg.GraceDays.New <= 0 || cfg.GraceDays.Standard <= 0 || cfg.GraceDays.HighValue <= 0 {
		return errors.New("dunning.graceDays must be positive for every segment")
	}
	if cfg.HighValueThreshold <= 0 {
		return errors.New("dunning.highValueThreshold must be positive")
	}
	if cfg.MaxRetries <= 0 {
		return errors.New("dunning.maxRetries must be positive")
	}
	if len(cfg.RetrySchedule) == 0 {
		return errors.New("dunning.retrySchedule cannot be empty")
	}
	for i, delay := range cfg.RetrySchedule {
		if delay <= 0 {
			return fmt.Errorf("dunning.retrySchedule[%d] must be positive", i)
		}
	}
	if len(cfg.RestrictedFeatures) == 0 {
		return errors.New("dunning.restrictedFeatures cannot be empty")
	}
	if cfg.EscalationThreshold < 2 {
		return errors.New("dunning.escalationThreshold must be at least 2")
	}
	return nil
}
