package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"newsbot/internal/config"
	"newsbot/internal/runtime/supervisor"
	"newsbot/internal/services/delivery"
	"newsbot/internal/services/notify"
	"newsbot/internal/services/poller"
	"newsbot/internal/services/retention"
	"newsbot/internal/storage"
	"newsbot/internal/transport/telegram"
	logx "newsbot/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleLogging(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	defer logSvc.Close()

	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeoutDur,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	client, err := telegram.New(telegram.Config{
		Token:   cfg.Telegram.Token,
		Timeout: cfg.Telegram.TimeoutDur,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram client: %w", err)
	}

	notifier := notify.New(notify.Config{
		Enabled:    cfg.NotifyEnabled(),
		RatePerSec: cfg.Notify.RatePerSec,
	}, client, log.With(logx.String("comp", "notify")))

	engine := delivery.New(
		delivery.Config{Pacing: cfg.Delivery.PacingDur},
		store, store, client,
		log.With(logx.String("comp", "delivery")),
		delivery.WithCompletionHook(notifier.NewsletterCompleted),
	)

	poll := poller.New(
		poller.Config{Enabled: cfg.PollerEnabled(), Interval: cfg.Poller.IntervalDur},
		store, engine,
		log.With(logx.String("comp", "poller")),
	)

	prune := retention.New(retention.Config{
		Enabled:  cfg.Retention.Enabled,
		Schedule: cfg.Retention.Schedule,
		MaxAge:   cfg.Retention.MaxAgeDur,
	}, store, log.With(logx.String("comp", "retention")))

	if stats, err := store.StatsByStatus(ctx); err == nil {
		log.Info("newsletter backlog", logx.Any("by_status", stats))
	}

	if cfg.PollerEnabled() {
		poll.Start(ctx)
	}
	if err := prune.Start(); err != nil {
		return fmt.Errorf("retention: %w", err)
	}

	sup := supervisor.New(ctx, log)
	sup.Go("config.watch", func(c context.Context) error {
		return config.Watch(c, cfgPath, log.With(logx.String("comp", "config")), func(next *config.Config) {
			logSvc.Apply(logx.Config{
				Level:   next.Logging.Level,
				Console: next.ConsoleLogging(),
				File: logx.FileConfig{
					Enabled: next.Logging.File.Enabled,
					Path:    next.Logging.File.Path,
				},
			})
			engine.Apply(delivery.Config{Pacing: next.Delivery.PacingDur})
			poll.Apply(poller.Config{Enabled: next.PollerEnabled(), Interval: next.Poller.IntervalDur})
			notifier.Apply(notify.Config{
				Enabled:    next.NotifyEnabled(),
				RatePerSec: next.Notify.RatePerSec,
			})
		})
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("newsbot started")

	<-ctx.Done()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	poll.Stop(stopCtx)
	prune.Stop()
	sup.Cancel()
	_ = sup.Wait(stopCtx)
	return nil
}
