package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/bryanwahyu/automaton-hardening/internal/application"
	"github.com/bryanwahyu/automaton-hardening/internal/application/compliance"
	appscans "github.com/bryanwahyu/automaton-hardening/internal/application/scans"
	"github.com/bryanwahyu/automaton-hardening/internal/application/worker"
	"github.com/bryanwahyu/automaton-hardening/internal/config"
	domain "github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/broker/memory"
	redisbroker "github.com/bryanwahyu/automaton-hardening/internal/infra/broker/redis"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/db"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/db/sqlstore"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/notify"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/remote"
	"github.com/bryanwahyu/automaton-hardening/internal/infra/storage"
	"github.com/bryanwahyu/automaton-hardening/internal/logging"
	"github.com/bryanwahyu/automaton-hardening/internal/metrics"
	"github.com/bryanwahyu/automaton-hardening/internal/middleware"
)

// app holds what every command shares. Fields a command does not need stay nil.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	db        *sql.DB
	inventory *sqlstore.InventoryRepository
	repo      *sqlstore.ComplianceRepository
	errors    *sqlstore.ScanErrorRepository

	broker domain.Broker
	redis  *redisbroker.Broker
	hub    *notify.Hub
	// nil when minio is not configured
	archive *storage.Store

	closers []func() error
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &app{
		cfg:      cfg,
		log:      logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stdout),
		registry: reg,
		metrics:  metrics.New(reg),
	}, nil
}

func (a *app) component(name string) zerolog.Logger { return logging.Component(a.log, name) }

func (a *app) openDB(ctx context.Context) error {
	conn, dialect, err := db.Open(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.db = conn
	a.inventory = sqlstore.NewInventoryRepository(conn, dialect)
	a.repo = sqlstore.NewComplianceRepository(conn, dialect)
	a.errors = sqlstore.NewScanErrorRepository(conn, dialect)
	a.closers = append(a.closers, conn.Close)
	a.log.Info().Str("driver", a.cfg.Database.Driver).Msg("database ready")
	return nil
}

// openBroker connects redis when configured. Without it, only processes
// sharing the in-memory broker can talk to each other.
func (a *app) openBroker(ctx context.Context, requireRedis bool) error {
	if a.cfg.Redis.Addr == "" {
		if requireRedis {
			return fmt.Errorf("redis.addr is required for this command")
		}
		// a whole batch of requests must fit while every worker slot is busy
		a.broker = memory.New(max(a.cfg.Scan.MaxBatchSize, memory.DefaultBuffer), a.metrics, a.component("broker"))
		a.closers = append(a.closers, a.broker.Close)
		a.log.Warn().Msg("redis not configured, using in-process broker")
		return nil
	}
	b, err := redisbroker.New(ctx, redisbroker.Config{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,

		ChannelPrefix: a.cfg.Redis.ChannelPrefix,
	}, a.component("broker"))
	if err != nil {
		return err
	}
	a.broker, a.redis = b, b
	a.closers = append(a.closers, b.Close)
	return nil
}

func (a *app) openArchive(ctx context.Context) error {
	m := a.cfg.Minio
	if m.Endpoint == "" {
		return nil
	}
	st, err := storage.New(ctx, storage.Options{
		Endpoint:  m.Endpoint,
		Region:    m.Region,
		Bucket:    m.BucketName,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		UseSSL:    m.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("minio init: %w", err)
	}
	a.archive = st
	return nil
}

func (a *app) newHub() *notify.Hub {
	n := a.cfg.Notify
	a.hub = notify.NewHub(n.QueueSize, n.SubscriberBuffer, n.DrainInterval, a.metrics, a.component("notify"))
	return a.hub
}

// notifier returns the hub, or a log-only notifier for processes without one.
func (a *app) notifier() domain.Notifier {
	if a.hub != nil {
		return a.hub
	}
	return logNotifier{log: a.component("notify")}
}

func (a *app) coordinator() *appscans.Coordinator {
	return &appscans.Coordinator{
		Inventory: a.inventory,
		Repo:      a.repo,
		Dispatcher: &appscans.Dispatcher{
			Inventory: a.inventory,
			Repo:      a.repo,
			Errors:    a.errors,
			Broker:    a.broker,
			Clock:     application.SystemClock{},
			Metrics:   a.metrics,
			Log:       a.component("dispatcher"),
		},
		Notifier:         a.notifier(),
		DefaultBatchSize: a.cfg.Scan.DefaultBatchSize,
		MaxBatchSize:     a.cfg.Scan.MaxBatchSize,
		Pacing:           a.cfg.Scan.BatchPacing,
		Log:              a.component("coordinator"),
	}
}

func (a *app) listener() *appscans.Listener {
	l := &appscans.Listener{
		Repo:     a.repo,
		Errors:   a.errors,
		Broker:   a.broker,
		Notifier: a.notifier(),
		Metrics:  a.metrics,
		Log:      a.component("listener"),
	}
	// a nil *storage.Store must not become a non-nil interface
	if a.archive != nil {
		l.Archive = a.archive
	}
	return l
}

func (a *app) compliance() *compliance.Service {
	return &compliance.Service{
		Repo:      a.repo,
		Inventory: a.inventory,
		Errors:    a.errors,
		Notifier:  a.notifier(),
		Log:       a.component("compliance"),
	}
}

func (a *app) worker() (*worker.Worker, error) {
	dialer, err := remote.NewSSHDialer(a.cfg.SSH.KnownHosts, a.cfg.SSH.InsecureIgnoreHostKey)
	if err != nil {
		return nil, err
	}
	if a.cfg.SSH.InsecureIgnoreHostKey && a.cfg.SSH.KnownHosts == "" {
		a.log.Warn().Msg("ssh host keys are not verified")
	}
	return &worker.Worker{
		Broker:      a.broker,
		Sessions:    remote.NewManager(dialer, a.cfg.SSH.DialTimeout, a.cfg.SSH.CommandTimeout, a.metrics, a.component("remote")),
		Concurrency: a.cfg.Worker.Concurrency,
		Clock:       application.SystemClock{},
		Log:         a.component("worker"),
	}, nil
}

func (a *app) healthChecks() map[string]middleware.HealthChecker {
	checks := map[string]middleware.HealthChecker{}
	if a.db != nil {
		checks["database"] = &middleware.DatabaseHealthChecker{DB: a.db}
	}
	if a.redis != nil {
		checks["redis"] = middleware.CheckFunc(a.redis.Ping)
	}
	return checks
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close")
		}
	}
}

// logNotifier stands in for the hub in processes that serve no subscribers.
type logNotifier struct{ log zerolog.Logger }

func (n logNotifier) Notify(ev domain.Event) bool {
	n.log.Info().Str("type", ev.Type).Str("recipient", ev.Recipient).Msg("event")
	return true
}
