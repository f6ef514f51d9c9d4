package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Policy holds the business knobs of the reconciliation core. It is read
// from policy.yml and reloaded on change without a restart.
type Policy struct {
	DedupeWindow     time.Duration  `mapstructure:"dedupeWindow"`
	MaxAttempts      int            `mapstructure:"maxAttempts"`
	StaleAttemptAge  time.Duration  `mapstructure:"staleAttemptAge"`
	CheckoutValidFor time.Duration  `mapstructure:"checkoutValidFor"`
	Reminder         ReminderPolicy `mapstructure:"reminder"`
}

type ReminderPolicy struct {
	MaxCount int           `mapstructure:"maxCount"`
	Cooldown time.Duration `mapstructure:"cooldown"`
	LeadDays []int         `mapstructure:"leadDays"`
}

func DefaultPolicy() Policy {
	return Policy{
		DedupeWindow:     30 * time.Minute,
		MaxAttempts:      3,
		StaleAttemptAge:  7 * 24 * time.Hour,
		CheckoutValidFor: 24 * time.Hour,
		Reminder: ReminderPolicy{
			MaxCount: 5,
			Cooldown: 24 * time.Hour,
			LeadDays: []int{7, 3, 1},
		},
	}
}

type PolicyHolder struct {
	current atomic.Value // holds Policy
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(p Policy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(p)
	return holder
}

func NewPolicyHolder(log *zap.Logger) (*PolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("policy")

	v := viper.New()
	v.SetConfigName("policy")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/duesync")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DUESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPolicy()
	v.SetDefault("policy.dedupeWindow", defaults.DedupeWindow)
	v.SetDefault("policy.maxAttempts", defaults.MaxAttempts)
	v.SetDefault("policy.staleAttemptAge", defaults.StaleAttemptAge)
	v.SetDefault("policy.checkoutValidFor", defaults.CheckoutValidFor)
	v.SetDefault("policy.reminder.maxCount", defaults.Reminder.MaxCount)
	v.SetDefault("policy.reminder.cooldown", defaults.Reminder.Cooldown)
	v.SetDefault("policy.reminder.leadDays", defaults.Reminder.LeadDays)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	var p Policy
	if err := v.UnmarshalKey("policy", &p); err != nil {
		return nil, err
	}
	if err := ValidatePolicy(p); err != nil {
		return nil, err
	}

	holder := NewStaticPolicyHolder(p)
	if !fileFound {
		log.Info("policy file not found, using defaults")
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Policy
		if err := v.UnmarshalKey("policy", &updated); err != nil {
			log.Warn("policy reload failed", zap.Error(err))
			return
		}
		if err := ValidatePolicy(updated); err != nil {
			log.Warn("invalid policy ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("policy reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func (h *PolicyHolder) Get() Policy {
	if h == nil {
		return DefaultPolicy()
	}
	p, ok := h.current.Load().(Policy)
	if !ok {
		return DefaultPolicy()
	}
	return p
}

func ValidatePolicy(p Policy) error {
	if p.DedupeWindow < 0 {
		return errors.New("policy.dedupeWindow cannot be negative")
	}
	if p.MaxAttempts < 1 {
		return errors.New("policy.maxAttempts must be at least 1")
	}
	if p.StaleAttemptAge <= 0 {
		return errors.New("policy.staleAttemptAge must be positive")
	}
	if p.CheckoutValidFor <= 0 {
		return errors.New("policy.checkoutValidFor must be positive")
	}
	if p.Reminder.MaxCount < 0 {
		return errors.New("policy.reminder.maxCount cannot be negative")
	}
	if p.Reminder.Cooldown < 0 {
		return errors.New("policy.reminder.cooldown cannot be negative")
	}
	for _, d := range p.Reminder.LeadDays {
		if d < 0 {
			return errors.New("policy.reminder.leadDays cannot contain negative values")
		}
	}
	return nil
}
