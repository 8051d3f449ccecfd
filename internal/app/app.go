// Package app wires the outbound engines from configuration. Both binaries
// build on it so they share one dependency graph.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jwalitptl/crm-outbound/internal/config"
	"github.com/jwalitptl/crm-outbound/internal/events"
	"github.com/jwalitptl/crm-outbound/internal/handler/health"
	"github.com/jwalitptl/crm-outbound/internal/repository"
	"github.com/jwalitptl/crm-outbound/internal/repository/cached"
	"github.com/jwalitptl/crm-outbound/internal/repository/memory"
	"github.com/jwalitptl/crm-outbound/internal/repository/postgres"
	"github.com/jwalitptl/crm-outbound/internal/sender"
	"github.com/jwalitptl/crm-outbound/internal/service/automation"
	"github.com/jwalitptl/crm-outbound/internal/service/gate"
	"github.com/jwalitptl/crm-outbound/internal/service/webhook"
	"github.com/jwalitptl/crm-outbound/internal/worker"
	"github.com/jwalitptl/crm-outbound/pkg/clock"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
	"github.com/jwalitptl/crm-outbound/pkg/messaging/redis"
	"github.com/jwalitptl/crm-outbound/pkg/metrics"
	"github.com/jwalitptl/crm-outbound/pkg/security"
	"github.com/jwalitptl/crm-outbound/pkg/validator"
)

const metricsNamespace = "crm_outbound"

// Options selects the optional parts of the graph.
type Options struct {
	// Consume subscribes to domain events on Redis.
	Consume bool
	// Subsystem labels this binary's metrics.
	Subsystem string
}

type repos struct {
	automations repository.AutomationRepository
	leads       repository.LeadRepository
	catalog     repository.CatalogRepository
	templates   repository.TemplateRepository
	webhooks    repository.WebhookRepository
	deliveries  repository.DeliveryRepository
}

type App struct {
	Config   *config.Config
	Log      *logger.Logger
	Clock    clock.Clock
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Gate        gate.Gate
	Automations automation.Service
	Engine      *webhook.Engine
	Webhooks    webhook.Service
	Consumer    *events.Consumer
	Checks      map[string]health.Check

	db    *sqlx.DB
	redis *goredis.Client
	repos repos
	wg    sync.WaitGroup
}

func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) (*App, error) {
	a := &App{
		Config:   cfg,
		Log:      log,
		Clock:    clock.New(),
		Registry: prometheus.NewRegistry(),
		Checks:   make(map[string]health.Check),
	}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.NewMetrics(a.Registry, metricsNamespace, opts.Subsystem)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if cfg.Gate.Backend == "redis" || opts.Consume {
		if err := a.openRedis(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	snd, err := a.newSender()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Gate = gate.New(cfg.ToGateConfig(), a.gateStore(), a.Clock, log)

	autoCfg := cfg.ToAutomationConfig()
	r := a.repos
	dispatcher := automation.NewDispatcher(r.catalog, r.templates, snd, autoCfg.Company)
	executor := automation.NewExecutor(r.automations, r.leads, dispatcher, a.Gate, a.Clock, autoCfg, log, a.Metrics)
	scheduler := automation.NewScheduler(automation.NewQueue(), r.automations, executor, a.Clock, autoCfg, log, a.Metrics)
	a.Automations = automation.NewService(r.automations, r.leads, r.catalog, r.templates, dispatcher, scheduler, a.Clock, log)

	a.Engine = webhook.NewEngine(r.webhooks, r.deliveries, &http.Client{}, a.Clock, cfg.ToWebhookConfig(), log, a.Metrics)
	a.Webhooks = webhook.NewService(r.webhooks, r.deliveries, a.Engine, validator.New(), log)

	if opts.Consume {
		broker := redis.NewRedisBrokerFromClient(a.redis, log)
		a.Consumer = events.NewConsumer(broker, cfg.ToEventChannels(), a.Automations, a.Engine, log, a.Metrics)
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config
	if cfg.Store.Driver == "memory" {
		s := memory.NewStore(a.Clock.Now)
		a.repos = repos{
			automations: s.Automations(),
			leads:       s.Leads(),
			catalog:     s.Catalog(),
			templates:   s.Templates(),
			webhooks:    s.Webhooks(),
			deliveries:  s.Deliveries(),
		}
		a.Log.Warn("using in-memory store; records are lost on restart")
		return nil
	}

	db, err := postgres.NewDB(ctx, postgres.Options{
		DSN:             cfg.Database.DSN(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	a.db = db
	a.Checks["database"] = func(ctx context.Context) error { return db.PingContext(ctx) }

	var enc security.Encryptor
	if key := cfg.Security.EncryptionKey; key != "" {
		if enc, err = security.NewAESEncryptor([]byte(key)); err != nil {
			db.Close()
			return fmt.Errorf("failed to build encryptor: %w", err)
		}
	} else {
		a.Log.Warn("security.encryption_key not set; webhook secrets are stored in plain text")
	}

	base := postgres.NewBaseRepository(db)
	ttl := cfg.Store.TemplateCacheTTL
	a.repos = repos{
		automations: postgres.NewAutomationRepository(base),
		leads:       postgres.NewLeadRepository(base),
		catalog:     cached.NewCatalogRepository(postgres.NewCatalogRepository(base), ttl),
		templates:   cached.NewTemplateRepository(postgres.NewTemplateRepository(base), ttl),
		webhooks:    postgres.NewWebhookRepository(base, enc),
		deliveries:  postgres.NewDeliveryRepository(base),
	}
	return nil
}

func (a *App) openRedis(ctx context.Context) error {
	client, err := redis.NewClient(ctx, a.Config.ToRedisConfig())
	if err != nil {
		return err
	}
	a.redis = client
	a.Checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	return nil
}

func (a *App) gateStore() gate.Store {
	if a.Config.Gate.Backend == "redis" {
		return gate.NewRedisStore(a.redis, a.Config.Gate.KeyPrefix)
	}
	return gate.NewLocalStore()
}

func (a *App) newSender() (sender.Sender, error) {
	switch a.Config.Sender.Channel {
	case "whatsapp":
		return sender.NewWhatsAppSender(a.Config.ToWhatsAppConfig(), a.Log), nil
	case "email":
		return sender.NewSMTPSender(a.Config.ToSMTPConfig()), nil
	case "log":
		return sender.NewLogSender(a.Log), nil
	default:
		return nil, fmt.Errorf("unknown sender channel %q", a.Config.Sender.Channel)
	}
}

// Start recovers work left by a previous run, subscribes the consumer and
// launches the periodic workers. Everything stops when ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	n, err := a.Automations.RecoverPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover pending automations: %w", err)
	}
	a.Log.Info("pending automations recovered", "count", n)

	if n, err = a.Engine.ResumeDue(ctx); err != nil {
		return fmt.Errorf("failed to resume webhook deliveries: %w", err)
	}
	a.Log.Info("webhook deliveries resumed", "count", n)

	if a.Consumer != nil {
		if err := a.Consumer.Start(ctx); err != nil {
			return err
		}
	}

	wc := a.Config.ToWorkerConfig()
	a.run(ctx, worker.NewPendingSweeper(a.Automations, a.Log), wc.PendingSweepInterval)
	a.run(ctx, worker.NewDeliveryRecovery(a.Engine), wc.DeliveryRecoveryInterval)
	a.run(ctx, worker.NewDeliveryCleanup(a.repos.deliveries, wc.DeliveryRetention, a.Clock, a.Log), wc.DeliveryCleanupInterval)
	return nil
}

func (a *App) run(ctx context.Context, w worker.Worker, interval time.Duration) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		worker.Run(ctx, w, interval, a.Log)
	}()
}

// Stop waits for workers and the consumer, then halts both engines. The
// context passed to Start must already be cancelled.
func (a *App) Stop() {
	a.wg.Wait()
	if a.Consumer != nil {
		a.Consumer.Wait()
		if err := a.Consumer.Close(); err != nil {
			a.Log.Error(err, "failed to close event consumer")
		}
	}
	a.Automations.Stop()
	a.Engine.Stop()
}

// Close releases the database and Redis connections.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Log.Error(err, "failed to close redis client")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.Log.Error(err, "failed to close database")
		}
	}
}
