package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/config"
	"github.com/unclebandit/smsleopard-dispatch/internal/controller"
	"github.com/unclebandit/smsleopard-dispatch/internal/db"
	"github.com/unclebandit/smsleopard-dispatch/internal/metrics"
	"github.com/unclebandit/smsleopard-dispatch/internal/queue"
	"github.com/unclebandit/smsleopard-dispatch/internal/ratelimit"
	"github.com/unclebandit/smsleopard-dispatch/internal/repository"
	"github.com/unclebandit/smsleopard-dispatch/internal/service"
	"github.com/unclebandit/smsleopard-dispatch/internal/transport"
	"github.com/unclebandit/smsleopard-dispatch/internal/webhook"
)

// mockFailureRate matches a provider that accepts nine sends in ten.
const mockFailureRate = 0.1

// App is the wired component graph shared by the API and worker binaries.
type App struct {
	Config   config.AppConfig
	Log      *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	DispatchQueue queue.Queue
	WebhookQueue  queue.Queue

	Limiter    ratelimit.Limiter
	Transport  transport.Transport
	Dispatcher *service.Dispatcher
	Tracker    *service.Tracker
	Webhooks   *webhook.Router
	Scheduler  *service.Scheduler
	Campaigns  *service.CampaignService
	Worker     *service.Worker

	stats   []queue.StatsProvider
	closers []func() error
}

type stores struct {
	campaigns  repository.CampaignRepositoryInterface
	recipients repository.RecipientRepositoryInterface
	customers  repository.CustomerRepositoryInterface
	webhooks   repository.WebhookRepositoryInterface
}

// Build connects every backing service named in cfg and wires the components.
// On error, whatever was opened is closed again.
func Build(ctx context.Context, cfg config.AppConfig, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}
	if a.Limiter, err = a.openLimiter(ctx); err != nil {
		return nil, err
	}
	if a.DispatchQueue, err = a.openQueue(cfg.DispatchWorkers); err != nil {
		return nil, err
	}
	if a.WebhookQueue, err = a.openQueue(cfg.WebhookWorkers); err != nil {
		return nil, err
	}
	for _, q := range []queue.Queue{a.DispatchQueue, a.WebhookQueue} {
		if sp, ok := q.(queue.StatsProvider); ok {
			a.stats = append(a.stats, sp)
		}
	}
	a.Registry.MustRegister(metrics.NewQueueCollector(a.stats...))

	switch cfg.Transport {
	case "http":
		if cfg.TransportURL == "" {
			return nil, fmt.Errorf("TRANSPORT=http needs TRANSPORT_URL")
		}
		a.Transport = transport.NewHTTPTransport(cfg.TransportURL, cfg.TransportAPIKey, cfg.TransportTimeout, log)
	default:
		a.Transport = transport.NewMockTransport(mockFailureRate, true)
	}

	a.Webhooks = webhook.NewRouter(st.webhooks, a.WebhookQueue, a.Metrics, log, webhook.Config{RPS: cfg.WebhookRPS})
	a.Dispatcher = service.NewDispatcher(st.campaigns, st.recipients, st.customers, a.Limiter, a.Transport, a.Webhooks, a.Metrics, log,
		service.DispatcherConfig{
			BatchSize:        cfg.DispatchBatchSize,
			TransientRetries: cfg.TransientRetries,
			StaleAfter:       cfg.StaleAfter,
		})
	a.Tracker = service.NewTracker(st.recipients, st.campaigns, a.Webhooks, a.Metrics, log)
	a.Worker = service.NewWorker(a.Dispatcher, log)
	a.Scheduler = service.NewScheduler(st.campaigns, a.Dispatcher, a.DispatchQueue, log, service.SchedulerConfig{
		Interval:       cfg.SchedulerInterval,
		ResumeInterval: cfg.ResumeInterval,
		StaleAfter:     cfg.StaleAfter,
	})
	a.Campaigns = &service.CampaignService{
		CampaignRepo: st.campaigns,
		CustomerRepo: st.customers,
		Dispatcher:   a.Dispatcher,
		Queue:        a.DispatchQueue,
		Log:          log,
	}
	built = true
	return a, nil
}

func (a *App) openStores(ctx context.Context) (stores, error) {
	if a.Config.StoreDriver == "memory" {
		mem := repository.NewMemoryStore()
		a.Log.Warn("using in-memory store; data is lost on restart")
		return stores{mem.Campaigns(), mem.Recipients(), mem.Customers(), mem.Webhooks()}, nil
	}
	conn, err := db.Open(ctx, a.Config.DatabaseURL)
	if err != nil {
		return stores{}, err
	}
	a.closers = append(a.closers, conn.Close)
	return stores{
		campaigns:  &repository.CampaignRepository{DB: conn},
		recipients: &repository.RecipientRepository{DB: conn},
		customers:  &repository.CustomerRepository{DB: conn},
		webhooks:   &repository.WebhookRepository{DB: conn},
	}, nil
}

// openLimiter shares windows through Redis when configured so that several
// processes enforce one limit per session.
func (a *App) openLimiter(ctx context.Context) (ratelimit.Limiter, error) {
	lcfg := ratelimit.Config{Max: a.Config.RateLimitMax, Window: a.Config.RateLimitWindow}
	if a.Config.RedisAddr == "" {
		return ratelimit.NewMemoryLimiter(lcfg), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPass,
		DB:       0,
	})
	a.closers = append(a.closers, rdb.Close)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return ratelimit.NewRedisLimiter(rdb, lcfg), nil
}

func (a *App) openQueue(workers int) (queue.Queue, error) {
	if a.Config.AMQPURL == "" {
		q := queue.NewInMemoryQueue(
			queue.WithWorkers(workers),
			queue.WithBackoff(a.Config.WebhookBackoff, 30*time.Second),
			queue.WithLogger(a.Log),
		)
		a.closers = append(a.closers, q.Close)
		return q, nil
	}
	q, err := queue.DialAMQP(a.Config.AMQPURL, workers, a.Config.WebhookBackoff, a.Log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, q.Close)
	return q, nil
}

// StartConsumers subscribes the dispatch worker and the webhook router and
// starts the background loops that apply delivery reports and prune limiter
// windows. They stop with ctx.
func (a *App) StartConsumers(ctx context.Context) error {
	if err := a.Worker.Register(a.DispatchQueue); err != nil {
		return fmt.Errorf("subscribe dispatch worker: %w", err)
	}
	if err := a.Webhooks.Register(a.WebhookQueue); err != nil {
		return fmt.Errorf("subscribe webhook router: %w", err)
	}
	if r, ok := a.Transport.(transport.Reporter); ok {
		go a.Tracker.Consume(ctx, r.Reports())
	}
	if m, ok := a.Limiter.(*ratelimit.MemoryLimiter); ok {
		go m.RunPruner(ctx, a.Config.RateLimitWindow)
	}
	return nil
}

// Handler builds the HTTP API.
func (a *App) Handler() http.Handler {
	return controller.NewRouter(controller.Controllers{
		Campaigns: &controller.CampaignController{CampaignService: a.Campaigns, Log: a.Log},
		Delivery:  &controller.DeliveryController{Tracker: a.Tracker, Log: a.Log},
		Webhooks:  &controller.WebhookController{Router: a.Webhooks, Log: a.Log},
		Ops: &controller.OpsController{
			Scheduler: a.Scheduler,
			Campaigns: a.Dispatcher,
			Metrics:   a.Metrics,
			Queues:    a.stats,
			Log:       a.Log,
		},
		Gatherer: a.Registry,
		Log:      a.Log,
	})
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
