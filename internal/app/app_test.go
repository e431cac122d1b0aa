package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/sadhana/internal/config"
	"example.com/sadhana/internal/notify"
	"example.com/sadhana/pkg/logger"
)

func TestOpenMemoryRuntime(t *testing.T) {
	cfg := config.Config{
		Store:        "memory",
		DayResetHour: 4,
		DayTimezone:  "Asia/Kolkata",
		QueryTimeout: time.Second,
	}
	rt, err := Open(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	defer rt.Close()

	require.Nil(t, rt.Pool)
	require.Error(t, rt.RequirePool("dlqmanager"))
	require.Equal(t, "Asia/Kolkata", rt.Clock.Location.String())
	require.IsType(t, notify.Noop{}, rt.Notifier())

	defs, err := rt.Service().ListActivities(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, defs)

	rt.Config.PushGatewayURL = "http://push.invalid/send"
	require.IsType(t, &notify.HTTPGateway{}, rt.Notifier())
}

func TestOpenRejectsBadResetHour(t *testing.T) {
	_, err := Open(context.Background(), config.Config{Store: "memory", DayResetHour: 24, DayTimezone: "UTC"}, logger.Discard())
	require.Error(t, err)
}
