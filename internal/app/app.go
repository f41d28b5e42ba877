package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"inbox-sync-go/internal/audit"
	"inbox-sync-go/internal/config"
	"inbox-sync-go/internal/db"
	"inbox-sync-go/internal/handler"
	"inbox-sync-go/internal/metrics"
	"inbox-sync-go/internal/model"
	"inbox-sync-go/internal/provider"
	"inbox-sync-go/internal/repository"
	"inbox-sync-go/internal/router"
	"inbox-sync-go/internal/service"
	"inbox-sync-go/internal/service/scheduler"
)

// Run initializes and starts the application
func Run() error {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting Inbox Sync Service")

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.Warnf("Unknown log level %q, using info", cfg.Log.Level)
	}

	dbConn, err := db.Init(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	repo := repository.New(dbConn)

	if err := ensureChannels(repo, cfg.Channels); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	sinks := []audit.Sink{audit.LogSink{}, audit.NewStoreSink(repo)}
	var natsSink *audit.NATSSink
	if cfg.Audit.NATSURL != "" {
		natsSink, err = audit.NewNATSSink(cfg.Audit.NATSURL, cfg.Audit.NATSSubject)
		if err != nil {
			return fmt.Errorf("failed to create NATS audit sink: %w", err)
		}
		sinks = append(sinks, natsSink)
		logrus.Infof("Publishing processing events to NATS subject %s", cfg.Audit.NATSSubject)
	}
	auditLog := audit.NewLogger(cfg.Audit.QueueSize, m, sinks...)

	fetcher := provider.NewFetcher(cfg.Fetcher, provider.WithMetrics(m))
	gmailClient := provider.NewGmailClient(fetcher, provider.NewOAuthTokens(cfg.Gmail), cfg.Gmail.BaseURL)

	processor := service.NewProcessor(repo, auditLog, m, cfg.Sync)
	labels := service.NewLabelService(repo, gmailClient, auditLog, m)
	reconciler := service.NewReconciler(repo, gmailClient, processor, labels, auditLog, m, cfg.Sync)
	dispatcher := service.NewDispatcher(cfg.Sync.RunTimeout)

	sched := scheduler.New(&cfg.Scheduler, repo, reconciler, m)

	h := handler.NewHandlers(repo, reconciler, labels, dispatcher, sched, reg, handler.Options{
		WebhookToken:  cfg.Gmail.WebhookToken,
		InternalToken: cfg.Server.InternalToken,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router.SetupRouter(h),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if cfg.Scheduler.Enabled {
		if err := sched.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	if err := dispatcher.Shutdown(ctx); err != nil {
		logrus.Warnf("Background syncs did not finish: %v", err)
	}

	if err := sched.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	sched.Wait()

	if err := auditLog.Close(ctx); err != nil {
		logrus.Errorf("Failed to drain audit log: %v", err)
	}
	if natsSink != nil {
		natsSink.Close()
	}

	if sqlDB, err := dbConn.DB(); err == nil {
		sqlDB.Close()
	}

	logrus.Info("Server stopped gracefully")
	return nil
}

func ensureChannels(repo *repository.Repository, channels []config.ChannelConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, c := range channels {
		ch, err := repo.EnsureChannel(ctx, &model.Channel{
			TenantID:      c.TenantID,
			Provider:      "gmail",
			EmailAddress:  c.EmailAddress,
			CredentialRef: c.CredentialRef,
			PushEnabled:   c.PushEnabled,
			SyncStatus:    model.SyncStatusIdle,
		})
		if err != nil {
			return fmt.Errorf("failed to register channel %s: %w", c.EmailAddress, err)
		}
		logrus.WithFields(logrus.Fields{
			"channel_id": ch.ID,
			"email":      ch.EmailAddress,
			"checkpoint": ch.Checkpoint,
		}).Info("Channel registered")
	}
	return nil
}
