package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTradingSettingsAreValid(t *testing.T) {
	require.NoError(t, DefaultTradingSettings().Validate())
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name  string
		mut   func(*TradingSettings)
		field string
	}{
		{"score above 100", func(s *TradingSettings) { s.MinSignalScore = 101 }, "MinSignalScore"},
		{"zero trade percentage", func(s *TradingSettings) { s.TradePercentage = 0 }, "TradePercentage"},
		{"no positions", func(s *TradingSettings) { s.MaxPositions = 0 }, "MaxPositions"},
		{"stop loss 100", func(s *TradingSettings) { s.StopLossPct = 100 }, "StopLossPct"},
		{"negative trailing", func(s *TradingSettings) { s.TrailingStopPct = -1 }, "TrailingStopPct"},
		{"confidence above one", func(s *TradingSettings) { s.MinConfidence = 1.5 }, "MinConfidence"},
		{"negative cooldown", func(s *TradingSettings) { s.CooldownAfterLoss = -time.Second }, "CooldownAfterLoss"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := DefaultTradingSettings()
			tc.mut(&s)
			err := s.Validate()
			var cerr *ConfigurationError
			require.True(t, errors.As(err, &cerr), "expected ConfigurationError, got %v", err)
			require.Len(t, cerr.Violations, 1)
			assert.Equal(t, tc.field, cerr.Violations[0].Field)
		})
	}
}

func TestSettingsUpdateApply(t *testing.T) {
	base := DefaultTradingSettings()
	score := 70
	pct := 25.0
	out, err := SettingsUpdate{MinSignalScore: &score, TradePercentage: &pct}.Apply(base)
	require.NoError(t, err)
	assert.Equal(t, 70, out.MinSignalScore)
	assert.Equal(t, 25.0, out.TradePercentage)
	assert.Equal(t, base.MaxPositions, out.MaxPositions)

	bad := 0
	kept, err := SettingsUpdate{MaxPositions: &bad}.Apply(base)
	require.Error(t, err)
	assert.Equal(t, base, kept)
}

func TestLoadSettingsFile(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		s, err := LoadSettingsFile(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultTradingSettings(), s)
	})

	t.Run("partial file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "settings.yaml")
		body := "trading:\n  min_signal_score: 75\n  max_positions: 3\n  cooldown_after_loss: 10m\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

		s, err := LoadSettingsFile(path)
		require.NoError(t, err)
		assert.Equal(t, 75, s.MinSignalScore)
		assert.Equal(t, 3, s.MaxPositions)
		assert.Equal(t, 10*time.Minute, s.CooldownAfterLoss)
		assert.Equal(t, DefaultTradingSettings().StopLossPct, s.StopLossPct)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "settings.yaml")
		require.NoError(t, os.WriteFile(path, []byte("trading: [1, 2"), 0o600))
		_, err := LoadSettingsFile(path)
		var cerr *ConfigurationError
		assert.True(t, errors.As(err, &cerr))
	})
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SETTINGS_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("SYMBOLS", " btcusdt, ethusdt ,")
	t.Setenv("KAFKA_BROKERS", "Broker-1:9092,broker-2:9092")
	t.Setenv("MIN_SIGNAL_SCORE", "65")
	t.Setenv("LOOP_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
	assert.Equal(t, []string{"Broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 65, cfg.Trading.MinSignalScore)
	assert.Equal(t, 30*time.Second, cfg.LoopInterval)
}

func TestLoadRejectsInvalidEnvSettings(t *testing.T) {
	t.Setenv("SETTINGS_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("TRADE_PERCENTAGE", "150")

	_, err := Load()
	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "TradePercentage", cerr.Violations[0].Field)
}
