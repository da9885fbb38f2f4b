// mailboxd runs the support mailbox pipeline: the IMAP inbox poller
// with its auto-reply engine, and the broker worker that turns job
// lifecycle events and operator replies into outbound mail.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/OpenFarm-oss/MailboxService/internal/autoreply"
	"github.com/OpenFarm-oss/MailboxService/internal/config"
	"github.com/OpenFarm-oss/MailboxService/internal/delivery"
	"github.com/OpenFarm-oss/MailboxService/internal/inbox"
	"github.com/OpenFarm-oss/MailboxService/internal/notify"
	"github.com/OpenFarm-oss/MailboxService/internal/pubsub"
	"github.com/OpenFarm-oss/MailboxService/internal/repository"
	"github.com/OpenFarm-oss/MailboxService/internal/templates"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("service stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return fmt.Errorf("loading time zone %q: %w", cfg.TimeZone, err)
	}

	tmpl := templates.New(cfg.TemplateDir)
	if err := tmpl.Validate(); err != nil {
		return fmt.Errorf("template validation: %w", err)
	}

	store, err := repository.Open(cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sender := delivery.NewSender(delivery.Config{
		Host:       cfg.SMTP.Host,
		Port:       cfg.SMTP.Port,
		SenderName: cfg.SMTP.SenderName,
		Account:    cfg.SMTP.Account,
		Credential: cfg.SMTP.Credential,
	}, logger)
	defer func() { _ = sender.Close() }()

	engine := autoreply.NewEngine(store, store, store, tmpl, sender, loc, logger)

	dial := func(ctx context.Context) (inbox.Session, error) {
		return inbox.Dial(ctx, inbox.Config{
			Host:       cfg.IMAP.Host,
			Port:       cfg.IMAP.Port,
			Account:    cfg.IMAP.Account,
			Credential: cfg.IMAP.Credential,
			Mailbox:    cfg.IMAP.Mailbox,
		})
	}
	poller := inbox.NewPoller(
		dial, store, store, engine,
		time.Duration(cfg.IMAP.PollIntervalMinutes)*time.Minute,
		cfg.IMAP.Account,
		logger,
	)

	broker, err := pubsub.Dial(ctx, pubsub.Config{
		URL:          cfg.AMQP.URL,
		DialAttempts: cfg.AMQP.DialAttempts,
		DialDelay:    time.Duration(cfg.AMQP.DialDelaySec) * time.Second,
		Prefetch:     cfg.AMQP.Prefetch,
	}, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	worker := notify.NewWorker(broker, store, store, store, tmpl, sender, logger)
	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("starting notification worker: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("poller stopped", slog.Any("error", err))
		}
	}()

	logger.Info("mailbox service started",
		slog.String("mailbox", cfg.IMAP.Mailbox),
		slog.String("time_zone", cfg.TimeZone),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	return nil
}
