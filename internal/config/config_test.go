package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddress)
	require.Equal(t, 4, cfg.DayResetHour)
	require.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	require.Equal(t, []string{"ledger_events", "family_events"}, cfg.ConsumerTopics)
	require.Equal(t, 2*time.Second, cfg.OutboxPollInterval)
	require.False(t, cfg.RollupOnEveryWrite)
	require.Equal(t, time.UTC, cfg.Location())
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DAY_RESET_HOUR", "2")
	t.Setenv("KAFKA_BROKERS", " a:1 , b:2 ,,")
	t.Setenv("ROLLUP_ON_EVERY_WRITE", "true")
	t.Setenv("STORE", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 2, cfg.DayResetHour)
	require.Equal(t, []string{"a:1", "b:2"}, cfg.KafkaBrokers)
	require.True(t, cfg.RollupOnEveryWrite)
	require.Equal(t, "memory", cfg.Store)
}

func TestLoadRejectsInvalidResetHour(t *testing.T) {
	t.Setenv("DAY_RESET_HOUR", "24")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsUnknownTimezone(t *testing.T) {
	t.Setenv("DAY_TIMEZONE", "Mars/Olympus")

	_, err := Load()
	require.Error(t, err)
}
