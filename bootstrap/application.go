package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/najoast/fleetdash/client"
	"github.com/najoast/fleetdash/config"
	"github.com/najoast/fleetdash/core"
	"github.com/najoast/fleetdash/cron"
	"github.com/najoast/fleetdash/db"
	"github.com/najoast/fleetdash/frontend"
	"github.com/najoast/fleetdash/logging"
	"github.com/najoast/fleetdash/network"
	"github.com/najoast/fleetdash/noti"
	"github.com/najoast/fleetdash/rpc"
)

// Options carries what the application needs beyond the configuration.
type Options struct {
	// ConfigFile, if set, is watched and its log level applied on change.
	ConfigFile string
	Loader     *config.Loader
}

// Application is the assembled hub.
type Application struct {
	cfg       *config.Config
	logger    *logging.Logger
	lifecycle *LifecycleManager

	system    *core.System
	db        db.Service
	clients   client.Manager
	frontend  frontend.Service
	scheduler *cron.Scheduler

	dashboard *ListenerService
	agents    *ListenerService
}

// New opens the store and spawns the actors described by cfg. Nothing
// listens until Run.
func New(cfg *config.Config, logger *logging.Logger, opts Options) (app *Application, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ApplicationError{Operation: "configure", Err: err}
	}
	if cfg.Actor.ShutdownTimeout <= 0 {
		cfg.Actor.ShutdownTimeout = shutdownTimeout
	}
	log := logger.Logger

	store, err := openStore(cfg.Database, log)
	if err != nil {
		return nil, &ApplicationError{Operation: "configure", Service: "db", Err: err}
	}

	sys := core.NewSystem(log, core.ActorOptions{
		MailboxSize:    cfg.Actor.MailboxSize,
		ProcessTimeout: cfg.Actor.ProcessTimeout,
		AskTimeout:     cfg.Actor.AskTimeout,
	})
	defer func() {
		if err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Actor.ShutdownTimeout)
			defer cancel()
			sys.Shutdown(ctx)
			store.Close()
		}
	}()

	app = &Application{
		cfg:       cfg,
		logger:    logger,
		lifecycle: NewLifecycleManager(log),
		system:    sys,
	}
	app.lifecycle.SetTimeout(cfg.Actor.ShutdownTimeout)

	if app.frontend, err = frontend.Start(sys, frontend.Options{Logger: log}); err != nil {
		return nil, err
	}
	app.db, err = db.Start(sys, db.Options{
		Store:      store,
		Subscriber: app.frontend.Subscriber(),
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	if app.clients, err = client.StartManager(sys, core.ActorOptions{}, log); err != nil {
		return nil, err
	}

	notifier := noti.FromConfig(noti.Config{
		SlackWebhookURL: cfg.Notify.SlackWebhookURL,
		Log:             cfg.Notify.Log,
	}, log)

	dashboard := frontend.NewHandler(frontend.HandlerConfig{
		Service:        app.frontend,
		DB:             app.db,
		Clients:        app.clients,
		Passphrase:     cfg.Frontend.Passphrase,
		Logger:         log,
		Limiter:        limiter(cfg.Frontend.ListenerConfig),
		RequestTimeout: cfg.Frontend.RequestTimeout,
	})
	var dashboardOpts []network.Option
	if cfg.Frontend.Passphrase != "" {
		dashboardOpts = append(dashboardOpts, network.WithAuthorizer(network.RequirePassphrase(cfg.Frontend.Passphrase)))
	}
	if app.dashboard, err = newListener("frontend-listener", cfg.Frontend.ListenerConfig, dashboard, log, dashboardOpts...); err != nil {
		return nil, err
	}

	agents := client.NewAgentServer(client.AgentServerConfig{
		System:         sys,
		Manager:        app.clients,
		DB:             app.db,
		Notifier:       notifier,
		Passphrase:     cfg.Agent.Passphrase,
		Logger:         log,
		Limiter:        limiter(cfg.Agent.ListenerConfig),
		CallTimeout:    cfg.Agent.CallTimeout,
		RequestTimeout: cfg.Agent.RequestTimeout,
	})
	if app.agents, err = newListener("agent-listener", cfg.Agent.ListenerConfig, agents, log); err != nil {
		return nil, err
	}

	app.scheduler = cron.NewScheduler(log)
	if job := cfg.Jobs.DailyReport; job.Enabled {
		report := cron.DailyReport{DB: app.db, Notifier: notifier, Title: cfg.App.Name}
		if err = app.scheduler.Add(report, cron.Schedule{Interval: job.Interval}); err != nil {
			return nil, err
		}
	}
	if job := cfg.Jobs.UsageRetention; job.Enabled {
		prune := cron.UsageRetention{DB: app.db, Retention: job.Retention}
		if err = app.scheduler.Add(prune, cron.Schedule{Interval: job.Interval, RunAtStart: true}); err != nil {
			return nil, err
		}
	}

	if err = app.register(store, notifier, opts); err != nil {
		return nil, err
	}
	return app, nil
}

// register lays out the start order: actors first, listeners after them,
// and the scheduler once the agent listener is up.
func (app *Application) register(store db.Store, notifier noti.Notifier, opts Options) error {
	lm := app.lifecycle
	if err := lm.Register(&ActorService{system: app.system, store: store, notifier: notifier}); err != nil {
		return err
	}
	if err := lm.Register(app.dashboard, "actors"); err != nil {
		return err
	}
	if err := lm.Register(app.agents, "actors"); err != nil {
		return err
	}
	err := lm.Register(FuncService{
		ServiceName: "scheduler",
		StartFunc:   func(context.Context) error { return app.scheduler.Start() },
		StopFunc:    app.scheduler.Stop,
	}, "agent-listener")
	if err != nil {
		return err
	}

	if opts.ConfigFile == "" {
		return nil
	}
	loader := opts.Loader
	if loader == nil {
		loader = config.NewLoader()
	}
	watcher, err := config.NewWatcher(opts.ConfigFile, loader, app.logger.Logger)
	if err != nil {
		return err
	}
	watcher.OnConfigChange(app.applyConfig)
	return lm.Register(FuncService{
		ServiceName: "config-watcher",
		StartFunc:   func(context.Context) error { return watcher.Start() },
		StopFunc:    func(context.Context) error { return watcher.Stop() },
	})
}

// applyConfig applies the settings that can change without a restart.
func (app *Application) applyConfig(oldConfig, newConfig *config.Config) {
	if oldConfig.Log.Level == newConfig.Log.Level {
		return
	}
	if err := app.logger.SetLevel(newConfig.Log.Level); err != nil {
		app.logger.Warn("config reload: log level not applied", "error", err)
		return
	}
	app.logger.Info("log level changed", "from", oldConfig.Log.Level, "to", newConfig.Log.Level)
}

// Run starts every service and serves both listeners until ctx is
// cancelled or a listener fails, then shuts down in reverse order.
func (app *Application) Run(ctx context.Context) error {
	if err := app.lifecycle.Start(ctx); err != nil {
		return err
	}
	app.logger.Info("fleetdash started",
		"frontend", app.dashboard.Server().Addr().String(),
		"agent", app.agents.Server().Addr().String(),
		"environment", app.cfg.App.Environment)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(app.dashboard.Serve)
	g.Go(app.agents.Serve)

	<-gctx.Done()
	app.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.Actor.ShutdownTimeout)
	defer cancel()
	stopErr := app.lifecycle.Stop(shutdownCtx)
	serveErr := g.Wait()
	if serveErr != nil {
		serveErr = &ApplicationError{Operation: "serve", Err: serveErr}
	}
	return errors.Join(serveErr, stopErr)
}

// Health reports every service.
func (app *Application) Health(ctx context.Context) map[string]HealthStatus {
	return app.lifecycle.Health(ctx)
}

// FrontendAddr returns the bound dashboard address, or nil before Run.
func (app *Application) FrontendAddr() net.Addr {
	return app.dashboard.Server().Addr()
}

// AgentAddr returns the bound agent address, or nil before Run.
func (app *Application) AgentAddr() net.Addr {
	return app.agents.Server().Addr()
}

// Nodes lists the names of the connected nodes.
func (app *Application) Nodes(ctx context.Context) ([]string, error) {
	return app.clients.List(ctx)
}

func openStore(cfg config.DatabaseConfig, logger *slog.Logger) (db.Store, error) {
	if cfg.IsMemory() {
		return db.NewMemoryStore(), nil
	}
	return db.NewSQLiteStore(db.SQLiteConfig{Path: cfg.Path, PoolSize: cfg.PoolSize, Logger: logger})
}

func newListener(name string, cfg config.ListenerConfig, handler network.Handler, logger *slog.Logger, opts ...network.Option) (*ListenerService, error) {
	opts = append(opts, network.WithLogger(logger))
	server, err := network.NewServer(network.ServerConfig{
		Address:        cfg.Address,
		Path:           cfg.Path,
		MaxConnections: cfg.MaxConnections,
		SendQueueSize:  cfg.SendQueueSize,
		WriteTimeout:   cfg.WriteTimeout,
		PingInterval:   cfg.PingInterval,
		ReadLimit:      cfg.ReadLimit,
	}, handler, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &ListenerService{name: name, server: server}, nil
}

func limiter(cfg config.ListenerConfig) *rate.Limiter {
	if cfg.RateLimit <= 0 {
		return nil
	}
	return rpc.NewLimiter(cfg.RateLimit, cfg.RateBurst)
}

// shutdownTimeout is used when the configuration leaves it unset.
const shutdownTimeout = 10 * time.Second
