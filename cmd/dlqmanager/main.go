package main

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/sadhana/internal/app"
	"example.com/sadhana/internal/outbox"
	httptransport "example.com/sadhana/internal/transport/http"
	"example.com/sadhana/pkg/logger"
)

const defaultDLQBatchSize = 50

func main() {
	ctx, cancel := app.SignalContext()
	defer cancel()

	rt, err := app.Bootstrap(ctx, "dlqmanager")
	if err == nil {
		err = rt.RequirePool("dlqmanager")
	}
	if err != nil {
		logger.Log.WithError(err).Error("startup failed")
		os.Exit(1)
	}
	defer rt.Close()
	cfg := rt.Config

	manager := outbox.NewDLQManager(rt.Pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay)

	metricsCfg := httptransport.DefaultServerConfig(cfg.MetricsAddress)
	go func() {
		if err := httptransport.Serve(ctx, metricsCfg, httptransport.NewServer(metricsCfg, httptransport.MetricsHandler()), rt.Log); err != nil {
			rt.Log.WithError(err).Error("metrics server stopped")
		}
	}()

	ticker := time.NewTicker(cfg.DLQPollInterval)
	defer ticker.Stop()

	rt.Log.WithFields(logrus.Fields{
		"interval":    cfg.DLQPollInterval,
		"max_retries": cfg.DLQMaxRetries,
	}).Info("dlq manager started")

	for {
		select {
		case <-ctx.Done():
			rt.Log.Info("dlq manager stopped")
			return
		case <-ticker.C:
			processed, err := manager.RunOnce(ctx, defaultDLQBatchSize)
			if err != nil {
				rt.Log.WithError(err).Warn("dlq pass failed")
			} else if processed > 0 {
				rt.Log.WithField("requeued", processed).Info("dlq pass completed")
			}
		}
	}
}
