// Package server assembles the account service: configuration, logging,
// storage, mail delivery and the HTTP API, and runs them until a shutdown
// signal arrives.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/config"
	"github.com/dmitrijs2005/gophauth/internal/server/httpapi"
	"github.com/dmitrijs2005/gophauth/internal/server/metrics"
	"github.com/dmitrijs2005/gophauth/internal/server/notify"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

type App struct {
	config  *config.Config
	logger  logging.Logger
	handler http.Handler
	worker  *notify.Worker
	closers []func() error
}

// NewApp connects to PostgreSQL, applies migrations and wires the service.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.New(cfg.LogFormat, slog.LevelInfo, os.Stdout)

	db, err := repomanager.OpenPostgres(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	repos := repomanager.NewPostgresRepositoryManager(db)
	if err := repos.RunMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	m := metrics.New()
	m.Registerer().MustRegister(collectors.NewDBStatsCollector(db, "gophauth"))

	app, err := newApp(cfg, logger, repos, m)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	app.closers = append(app.closers, db.Close)
	return app, nil
}

func newApp(cfg *config.Config, logger logging.Logger, repos repomanager.RepositoryManager, m *metrics.Metrics) (*App, error) {
	notifier, worker, closeSink, err := newNotifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	tokens, err := auth.NewTokenCodec([]byte(cfg.SecretKey), cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	accounts, err := services.NewAccountService(cfg, repos, auth.NewBcryptHasher(cfg.BcryptCost), tokens, notifier, logger, m)
	if err != nil {
		return nil, err
	}
	handler := httpapi.NewRouter(httpapi.NewHandler(accounts, logger), httpapi.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        m,
	})

	app := &App{config: cfg, logger: logger, handler: handler, worker: worker}
	if closeSink != nil {
		app.closers = append(app.closers, closeSink)
	}
	app.closers = append(app.closers, func() error {
		accounts.Wait()
		return nil
	})
	return app, nil
}

// newNotifier picks the mail path: an asynq queue drained by an in-process
// worker when Redis is configured, direct SMTP when only a relay is
// configured, and a logging sink otherwise.
func newNotifier(cfg *config.Config, logger logging.Logger) (notify.Notifier, *notify.Worker, func() error, error) {
	templates, err := notify.NewTemplates(cfg.FrontendURL)
	if err != nil {
		return nil, nil, nil, err
	}

	var deliver notify.Sink = notify.NewLogSink(logger.With("module", "mail"))
	if cfg.SMTPHost != "" {
		deliver = notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
		})
	}

	if cfg.RedisAddr == "" {
		return notify.NewMailer(deliver, templates), nil, nil, nil
	}

	opt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	queue := notify.NewQueueSink(opt)
	worker := notify.NewWorker(opt, deliver, logger.With("module", "mail-worker"))
	return notify.NewMailer(queue, templates), worker, queue.Close, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run serves until a shutdown signal or the first component failure, then
// releases resources.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")
	app.initSignalHandler(cancelFunc)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return NewHTTPServer(app.config.HTTPAddr, app.handler, app.logger).Run(ctx)
	})
	if app.worker != nil {
		g.Go(func() error {
			return app.worker.Run(ctx)
		})
	}

	err := g.Wait()
	app.close(ctx)
	return err
}

func (app *App) close(ctx context.Context) {
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			app.logger.Warn(ctx, "close failed", "error", err)
		}
	}
}
