// cmd/worker/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/config"
	"github.com/unclebandit/smsleopard-dispatch/internal/logging"
	"github.com/unclebandit/smsleopard-dispatch/internal/server"
)

// The worker consumes campaign_dispatch and webhook jobs from RabbitMQ so
// dispatch can scale apart from the API.
func main() {
	cfg, _ := config.Load()
	log, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.AMQPURL == "" {
		log.Fatal("worker needs AMQP_URL; without a broker the API process runs jobs itself")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to start", zap.Error(err))
	}
	defer app.Close()

	if err := app.StartConsumers(ctx); err != nil {
		log.Fatal("failed to start consumers", zap.Error(err))
	}

	log.Info("worker running, waiting for jobs",
		zap.Int("dispatch_workers", cfg.DispatchWorkers),
		zap.Int("webhook_workers", cfg.WebhookWorkers))
	<-ctx.Done()
	log.Info("worker shutting down")
}
