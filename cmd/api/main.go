package main

import (
	"context"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"

	"example.com/sadhana/internal/api"
	"example.com/sadhana/internal/app"
	"example.com/sadhana/internal/auth"
	"example.com/sadhana/internal/outbox"
	httptransport "example.com/sadhana/internal/transport/http"
	"example.com/sadhana/pkg/logger"
)

func main() {
	ctx, cancel := app.SignalContext()
	defer cancel()

	rt, err := app.Bootstrap(ctx, "api")
	if err != nil {
		logger.Log.WithError(err).Error("startup failed")
		os.Exit(1)
	}
	defer rt.Close()
	cfg := rt.Config

	var dispatcher *outbox.Dispatcher
	if rt.Pool != nil {
		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
		defer producer.Close()
		registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
		dispatcher = outbox.NewDispatcher(rt.Pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize,
			outbox.WithLogger(logger.Component("outbox")))
		go dispatcher.Start(ctx)
	}

	handler := api.NewHandler(rt.Service(), auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer},
		api.WithLogger(logger.Component("http")))

	apiCfg := httptransport.DefaultServerConfig(cfg.HTTPAddress)
	metricsCfg := httptransport.DefaultServerConfig(cfg.MetricsAddress)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httptransport.Serve(gctx, apiCfg, httptransport.NewServer(apiCfg, cors(handler.Routes())), rt.Log)
	})
	g.Go(func() error {
		return httptransport.Serve(gctx, metricsCfg, httptransport.NewServer(metricsCfg, httptransport.MetricsHandler()), rt.Log)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		rt.Log.WithError(err).Error("server stopped")
	}
	if dispatcher != nil {
		dispatcher.Wait()
	}
	rt.Log.Info("api stopped")
}

// cors allows the local web client during development.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "http://localhost:5173")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
