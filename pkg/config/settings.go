package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// TradingSettings is the runtime-tunable trading policy. Percentages are
// expressed in percent (5 means 5%).
type TradingSettings struct {
	MinSignalScore    int           `yaml:"min_signal_score" json:"min_signal_score" validate:"gte=0,lte=100"`
	TradePercentage   float64       `yaml:"trade_percentage" json:"trade_percentage" validate:"gt=0,lte=100"`
	MaxPositions      int           `yaml:"max_positions" json:"max_positions" validate:"gte=1,lte=100"`
	StopLossPct       float64       `yaml:"stop_loss_pct" json:"stop_loss_pct" validate:"gt=0,lt=100"`
	TakeProfitPct     float64       `yaml:"take_profit_pct" json:"take_profit_pct" validate:"gt=0,lte=1000"`
	TrailingStopPct   float64       `yaml:"trailing_stop_pct" json:"trailing_stop_pct" validate:"gte=0,lt=100"` // 0 disables
	MinNotional       float64       `yaml:"min_notional" json:"min_notional" validate:"gte=0"`
	MinConfidence     float64       `yaml:"min_confidence" json:"min_confidence" validate:"gte=0,lte=1"`
	DailyLossLimitPct float64       `yaml:"daily_loss_limit_pct" json:"daily_loss_limit_pct" validate:"gte=0,lte=100"` // 0 disables
	CooldownAfterLoss time.Duration `yaml:"cooldown_after_loss" json:"cooldown_after_loss" validate:"gte=0s"`
}

// DefaultTradingSettings mirrors the conservative defaults of the bot.
func DefaultTradingSettings() TradingSettings {
	return TradingSettings{
		MinSignalScore:    80,
		TradePercentage:   10,
		MaxPositions:      5,
		StopLossPct:       3,
		TakeProfitPct:     6,
		TrailingStopPct:   2,
		MinNotional:       10,
		MinConfidence:     0.6,
		DailyLossLimitPct: 5,
		CooldownAfterLoss: 5 * time.Minute,
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func settingsValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks every field and returns a *ConfigurationError listing the
// violations.
func (s TradingSettings) Validate() error {
	err := settingsValidator().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate settings: %w", err)
	}
	cerr := &ConfigurationError{}
	for _, fe := range verrs {
		cerr.Violations = append(cerr.Violations, Violation{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: fmt.Sprintf("%s must satisfy %s %s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()),
		})
	}
	return cerr
}

// SettingsUpdate is a partial update; nil fields keep their current value.
type SettingsUpdate struct {
	MinSignalScore    *int           `json:"min_signal_score,omitempty"`
	TradePercentage   *float64       `json:"trade_percentage,omitempty"`
	MaxPositions      *int           `json:"max_positions,omitempty"`
	StopLossPct       *float64       `json:"stop_loss_pct,omitempty"`
	TakeProfitPct     *float64       `json:"take_profit_pct,omitempty"`
	TrailingStopPct   *float64       `json:"trailing_stop_pct,omitempty"`
	MinNotional       *float64       `json:"min_notional,omitempty"`
	MinConfidence     *float64       `json:"min_confidence,omitempty"`
	DailyLossLimitPct *float64       `json:"daily_loss_limit_pct,omitempty"`
	CooldownAfterLoss *time.Duration `json:"cooldown_after_loss,omitempty"`
}

// Apply returns base with the update merged in, validated.
func (u SettingsUpdate) Apply(base TradingSettings) (TradingSettings, error) {
	out := base
	if u.MinSignalScore != nil {
		out.MinSignalScore = *u.MinSignalScore
	}
	if u.TradePercentage != nil {
		out.TradePercentage = *u.TradePercentage
	}
	if u.MaxPositions != nil {
		out.MaxPositions = *u.MaxPositions
	}
	if u.StopLossPct != nil {
		out.StopLossPct = *u.StopLossPct
	}
	if u.TakeProfitPct != nil {
		out.TakeProfitPct = *u.TakeProfitPct
	}
	if u.TrailingStopPct != nil {
		out.TrailingStopPct = *u.TrailingStopPct
	}
	if u.MinNotional != nil {
		out.MinNotional = *u.MinNotional
	}
	if u.MinConfidence != nil {
		out.MinConfidence = *u.MinConfidence
	}
	if u.DailyLossLimitPct != nil {
		out.DailyLossLimitPct = *u.DailyLossLimitPct
	}
	if u.CooldownAfterLoss != nil {
		out.CooldownAfterLoss = *u.CooldownAfterLoss
	}
	if err := out.Validate(); err != nil {
		return base, err
	}
	return out, nil
}

// settingsFile is the top-level YAML structure.
type settingsFile struct {
	Trading *TradingSettings `yaml:"trading"`
}

// LoadSettingsFile reads trading settings from a YAML file layered over the
// defaults. A missing file yields the defaults.
func LoadSettingsFile(path string) (TradingSettings, error) {
	def := DefaultTradingSettings()
	if path == "" {
		return def, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return def, nil
		}
		return def, fmt.Errorf("read settings file: %w", err)
	}

	file := settingsFile{Trading: &def}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return DefaultTradingSettings(), &ConfigurationError{Violations: []Violation{{
			Field: "settings_file", Rule: "yaml", Message: err.Error(),
		}}}
	}
	return def, nil
}

// Violation is one rejected field.
type Violation struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ConfigurationError reports invalid settings. It is returned at the
// settings boundary and never reaches the trading loop.
type ConfigurationError struct {
	Violations []Violation
}

func newConfigurationError(field, rule, msg string) *ConfigurationError {
	return &ConfigurationError{Violations: []Violation{{Field: field, Rule: rule, Message: msg}}}
}

func (e *ConfigurationError) Error() string {
	if e == nil || len(e.Violations) == 0 {
		return "configuration error"
	}
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return "configuration error: " + strings.Join(msgs, "; ")
}
