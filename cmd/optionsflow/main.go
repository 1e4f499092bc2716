package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"optionsflow/config"
	"optionsflow/internal/metrics"
	"optionsflow/internal/persistence"
	"optionsflow/internal/supervisor"
	"optionsflow/logger"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("failed to configure logger")
		os.Exit(1)
	}
	logger.SetServiceName(cfg.Service.Name)

	log.WithFields(logger.Fields{
		"version": cfg.Service.Version,
	}).WithEnv("AWS_REGION").Info("starting optionsflow")

	if cfg.Metrics.CloudWatchRegion != "" || cfg.Metrics.CloudWatchNamespace != "" {
		logger.InitCloudWatch(cfg.Metrics.CloudWatchRegion, cfg.Metrics.CloudWatchNamespace, cfg.Metrics.CloudWatchNamespace)
	}
	metrics.Init(cfg.Metrics.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.RuntimeReport {
		logger.StartReport(ctx, log, cfg.Metrics.RuntimeReportEvery)
	}

	sink, err := persistence.Open(cfg.Store)
	if err != nil {
		log.WithError(err).Error("failed to open persistence store")
		os.Exit(1)
	}
	defer sink.Close()

	sup := supervisor.New(cfg, sink)

	if cfg.Metrics.ChannelSize {
		metrics.StartChannelSizeMetrics(ctx, sup.ChannelDepths, cfg.Metrics.ChannelSizeEvery)
	}

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	cancel()

	<-done
	log.Info("optionsflow stopped")
}
