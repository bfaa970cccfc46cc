package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"reportflow/internal/api"
	"reportflow/internal/config"
	"reportflow/internal/export"
	"reportflow/internal/handlers/exportdata"
	"reportflow/internal/handlers/report"
	"reportflow/internal/handlers/webhook"
	"reportflow/internal/lock"
	"reportflow/internal/logging"
	"reportflow/internal/mail"
	"reportflow/internal/metrics"
	"reportflow/internal/queue"
	"reportflow/internal/scheduler"
	"reportflow/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file")
		envFile    = flag.String("env", ".env", "dotenv file read before REPORTFLOW_* variables")
	)
	flag.Parse()

	if err := config.LoadDotenv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logCloser.Close()

	db, err := queue.Open(cfg.Database.Path, cfg.Database.BusyTimeout.D())
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	repo := queue.NewSQLiteRepo(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	exporter := export.NewExporter(export.BuiltinSources(repo))
	templates, err := mail.NewTemplates(cfg.Mail.SubjectTemplate, cfg.Mail.BodyTemplate)
	if err != nil {
		log.Fatal().Err(err).Msg("mail templates")
	}
	var mailer mail.Mailer = mail.LogMailer{Log: log.With().Str("component", "mail").Logger()}
	if cfg.SMTP.Host != "" {
		mailer = mail.NewSMTPMailer(mail.SMTPConfig{
			Host:       cfg.SMTP.Host,
			Port:       cfg.SMTP.Port,
			Username:   cfg.SMTP.Username,
			Password:   cfg.SMTP.Password,
			From:       cfg.SMTP.From,
			RatePerSec: cfg.SMTP.RatePerSec,
		})
	} else {
		log.Warn().Msg("no SMTP host configured, report emails are only logged")
	}

	runner, err := scheduler.NewRunner(repo, exporter, mailer, scheduler.RunnerOptions{
		TaskTimeout: cfg.Scheduler.TaskTimeout.D(),
		Templates:   templates,
		Metrics:     m,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler runner")
	}

	// Handlers registry
	handlers := worker.NewRegistry()
	handlers.MustRegister(exportdata.TaskType, &exportdata.Handler{
		Exporter:  exporter,
		Dir:       cfg.Artifacts.Dir,
		Mailer:    mailer,
		Templates: templates,
		Emails:    repo,
		Metrics:   m,
	})
	handlers.MustRegister(report.TaskType, report.Handler{Runner: runner})
	handlers.MustRegister(webhook.TaskType, webhook.New(cfg.Webhook.RetryMax))

	proc := worker.NewProcessor(repo, handlers, worker.Options{
		TaskTimeout: cfg.Queue.TaskTimeout.D(),
		StaleAfter:  cfg.Queue.StaleAfter.D(),
		Metrics:     m,
	})
	// Other instances may share the database, so only claims past the stale
	// cutoff are taken back.
	if _, err := proc.RecoverStale(context.Background()); err != nil {
		log.Warn().Err(err).Msg("recover stale tasks")
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("parse redis url")
		}
		client := redis.NewClient(opts)
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("addr", opts.Addr).Msg("redis ping")
		}
		locker = lock.NewRedis(client, cfg.Redis.LockPrefix)
		log.Info().Str("addr", opts.Addr).Msg("using redis run lock")
	}

	var triggers *scheduler.Triggers
	if cfg.Triggers.Enabled {
		triggers = scheduler.NewTriggers(locker, cfg.Cron.LockTTL.D(), m, cfg.Location())
		if err := triggers.Schedule(lock.ScheduledRun, cfg.Triggers.ScheduledTasks, func(ctx context.Context) error {
			_, err := runner.ExecuteAllPendingTasks(ctx)
			return err
		}); err != nil {
			log.Fatal().Err(err).Msg("schedule trigger")
		}
		if err := triggers.Schedule(lock.QueueRun, cfg.Triggers.TaskQueue, func(ctx context.Context) error {
			_, err := proc.ProcessTaskQueue(ctx, cfg.Cron.BatchLimit)
			return err
		}); err != nil {
			log.Fatal().Err(err).Msg("schedule trigger")
		}
		triggers.Start()
	}

	// HTTP server
	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServer(api.Deps{
			Store:      repo,
			Runner:     runner,
			Processor:  proc,
			Reports:    exporter,
			Locker:     locker,
			Metrics:    m,
			Gatherer:   reg,
			CronSecret: cfg.Cron.Secret,
			BatchLimit: cfg.Cron.BatchLimit,
			LockTTL:    cfg.Cron.LockTTL.D(),
			Debug:      cfg.Debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelTimeout()
	if triggers != nil {
		triggers.Stop(ctxTimeout)
	}
	_ = srv.Shutdown(ctxTimeout)
}
