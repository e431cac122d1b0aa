package main

import (
	"os"

	"example.com/sadhana/internal/app"
	"example.com/sadhana/internal/reminder"
	httptransport "example.com/sadhana/internal/transport/http"
	"example.com/sadhana/pkg/logger"
)

func main() {
	ctx, cancel := app.SignalContext()
	defer cancel()

	rt, err := app.Bootstrap(ctx, "reminder")
	if err != nil {
		logger.Log.WithError(err).Error("startup failed")
		os.Exit(1)
	}
	defer rt.Close()
	cfg := rt.Config

	sweep := reminder.NewSweep(rt.Store, rt.Notifier(), rt.Clock, logger.Component("reminder"))
	if err := sweep.Start(cfg.ReminderSchedule); err != nil {
		rt.Log.WithError(err).Error("invalid reminder schedule")
		os.Exit(1)
	}
	defer sweep.Stop()

	metricsCfg := httptransport.DefaultServerConfig(cfg.MetricsAddress)
	if err := httptransport.Serve(ctx, metricsCfg, httptransport.NewServer(metricsCfg, httptransport.MetricsHandler()), rt.Log); err != nil {
		rt.Log.WithError(err).Error("metrics server stopped")
	}
}
