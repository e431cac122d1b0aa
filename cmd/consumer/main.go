package main

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"example.com/sadhana/internal/app"
	"example.com/sadhana/internal/consumer"
	httptransport "example.com/sadhana/internal/transport/http"
	"example.com/sadhana/pkg/logger"
)

func main() {
	ctx, cancel := app.SignalContext()
	defer cancel()

	rt, err := app.Bootstrap(ctx, "consumer")
	if err != nil {
		logger.Log.WithError(err).Error("startup failed")
		os.Exit(1)
	}
	defer rt.Close()
	cfg := rt.Config

	handlers := []consumer.Handler{}
	if rt.Pool != nil {
		handlers = append(handlers, consumer.NewAuditHandler(rt.Pool))
	}
	handlers = append(handlers, consumer.NewNotificationHandler(rt.Store, rt.Notifier(), logger.Component("notifier")))
	handler := consumer.Chain(handlers...)

	metricsCfg := httptransport.DefaultServerConfig(cfg.MetricsAddress)
	go func() {
		if err := httptransport.Serve(ctx, metricsCfg, httptransport.NewServer(metricsCfg, httptransport.MetricsHandler()), rt.Log); err != nil {
			rt.Log.WithError(err).Error("metrics server stopped")
		}
	}()

	var wg sync.WaitGroup
	for _, topic := range cfg.ConsumerTopics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:         cfg.KafkaBrokers,
			GroupID:         cfg.ConsumerGroupID,
			Topic:           topic,
			MinBytes:        1e3,
			MaxBytes:        10e6,
			CommitInterval:  time.Second,
			RetentionTime:   24 * time.Hour,
			ReadLagInterval: -1,
		})
		log := logger.Component("consumer").WithFields(logrus.Fields{"topic": topic, "group": cfg.ConsumerGroupID})
		proc := consumer.NewProcessor(reader, handler, consumer.WithLogger(log))

		wg.Add(1)
		go func(r *kafka.Reader) {
			defer wg.Done()
			defer r.Close()

			log.Info("consumer started")
			if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("consumer stopped")
			}
		}(reader)
	}

	<-ctx.Done()
	rt.Log.Info("consumer shutdown requested")
	wg.Wait()
}
