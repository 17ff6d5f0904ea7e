// Package app wires configuration into stores, notifiers and engines. The
// server and the govctl tool share it.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pesio-ai/be-governance-workflows/internal/client"
	"github.com/pesio-ai/be-governance-workflows/internal/common/config"
	"github.com/pesio-ai/be-governance-workflows/internal/common/database"
	"github.com/pesio-ai/be-governance-workflows/internal/common/logger"
	"github.com/pesio-ai/be-governance-workflows/internal/common/nats"
	"github.com/pesio-ai/be-governance-workflows/internal/metrics"
	"github.com/pesio-ai/be-governance-workflows/internal/playbook"
	"github.com/pesio-ai/be-governance-workflows/internal/policy"
	"github.com/pesio-ai/be-governance-workflows/internal/repository"
	"github.com/pesio-ai/be-governance-workflows/internal/service"
)

// App holds the wired components. Close releases connections in reverse
// order of acquisition.
type App struct {
	Config    *config.Config
	Log       *logger.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Policies  *policy.Registry
	Templates *playbook.Catalogue
	Approvals *service.ApprovalService
	Playbooks *service.PlaybookService
	Sweeper   *service.EscalationSweeper

	closers []func()
}

// New builds the application for cfg.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	if a.Policies, err = loadPolicies(cfg.Catalogue.PoliciesFile); err != nil {
		return nil, err
	}
	if a.Templates, err = playbook.LoadCatalogueDir(cfg.Catalogue.TemplatesDir); err != nil {
		return nil, fmt.Errorf("load playbook templates: %w", err)
	}
	log.Info().
		Int("policies", a.Policies.Len()).
		Int("templates", len(a.Templates.List())).
		Msg("Catalogues loaded")

	var natsClient *nats.Client
	if cfg.Store.Backend == config.BackendNATS || cfg.NATS.NotifyEnabled {
		natsClient, err = nats.Connect(nats.Config{URL: cfg.NATS.URL, Name: cfg.NATS.Name}, log.Logger)
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		a.closers = append(a.closers, natsClient.Close)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	}

	deps := service.Deps{Metrics: a.Metrics, Log: log}
	if err := a.openStores(ctx, &deps, natsClient); err != nil {
		return nil, err
	}

	logNotifier := client.NewLogNotifier(log.Logger)
	deps.Notifier = logNotifier
	if cfg.NATS.NotifyEnabled {
		deps.Notifier = client.MultiNotifier{
			logNotifier,
			client.NewNotificationPublisher(natsClient, cfg.NATS.SubjectPrefix, log.Logger),
		}
	}

	a.Approvals = service.NewApprovalService(a.Policies, deps)
	a.Playbooks = service.NewPlaybookService(a.Templates, deps)
	a.Sweeper = service.NewEscalationSweeper(deps, cfg.Sweeper.Parallelism)
	return a, nil
}

func loadPolicies(path string) (*policy.Registry, error) {
	if path == "" {
		return policy.LoadDefault()
	}
	reg, err := policy.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load policies from %s: %w", path, err)
	}
	return reg, nil
}

func (a *App) openStores(ctx context.Context, deps *service.Deps, natsClient *nats.Client) error {
	cfg := a.Config
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.Log.Info().Msg("Database connection established")

		if cfg.Database.AutoMigrate {
			if err := repository.Migrate(ctx, db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		deps.Requests = repository.NewPostgresRequestRepository(db)
		deps.Instances = repository.NewPostgresInstanceRepository(db)
		deps.Audit = repository.NewPostgresAuditRepository(db)

	case config.BackendNATS:
		requests, err := natsClient.KeyValue(ctx, cfg.NATS.RequestsBucket, "Governance approval requests")
		if err != nil {
			return err
		}
		instances, err := natsClient.KeyValue(ctx, cfg.NATS.InstancesBucket, "Governance playbook instances")
		if err != nil {
			return err
		}
		audit, err := natsClient.KeyValue(ctx, cfg.NATS.AuditBucket, "Governance audit log")
		if err != nil {
			return err
		}
		deps.Requests = repository.NewKVRequestRepository(requests)
		deps.Instances = repository.NewKVInstanceRepository(instances)
		deps.Audit = repository.NewKVAuditRepository(audit)

	default:
		deps.Requests = repository.NewMemoryRequestRepository()
		deps.Instances = repository.NewMemoryInstanceRepository()
		deps.Audit = repository.NewMemoryAuditRepository()
	}
	a.Log.Info().Str("backend", cfg.Store.Backend).Msg("Store opened")
	return nil
}

// SweepRunner returns a runner configured from the sweeper settings.
func (a *App) SweepRunner() *service.SweepRunner {
	s := a.Config.Sweeper
	return service.NewSweepRunner(a.Sweeper, service.RunnerConfig{
		Interval:          s.Interval,
		Tenants:           s.Tenants,
		ExpireOverdue:     s.ExpireOverdue,
		PlaybookDeadlines: s.PlaybookDeadlines,
	}, a.Log)
}

// Close releases every acquired resource.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
