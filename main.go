package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"optionflow/api"
	"optionflow/cache"
	"optionflow/config"
	"optionflow/fetcher"
	"optionflow/logger"
	"optionflow/pipeline"
	"optionflow/pricing"
	appsignal "optionflow/signal"
	"optionflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	runTicker := flag.String("ticker", "", "Run a single snapshot for this ticker and exit")
	runExpiry := flag.String("expiry", "", "Expiry date (YYYY-MM-DD) for a single snapshot run; defaults to the nearest expiry")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Optionflow.Name,
		"version": cfg.Optionflow.Version,
	}).Info("starting optionflow")

	if cfg.Logging.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Logging.CloudWatch.Region, cfg.Logging.CloudWatch.Namespace)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quoteFetcher := fetcher.NewRESTFetcher(cfg.Provider)
	chainCache := cache.New(quoteFetcher, cfg.Cache)
	engine := pricing.NewEngine(cfg.Pricing.DaysPerYear)

	classifier, err := appsignal.NewClassifier(cfg.Signal.Threshold)
	if err != nil {
		log.WithError(err).Error("failed to create classifier")
		os.Exit(1)
	}

	var sink writer.Sink
	if cfg.Storage.S3.Enabled {
		s3Sink, err := writer.NewS3Sink(cfg.Storage.S3)
		if err != nil {
			log.WithError(err).Error("failed to create S3 sink")
			os.Exit(1)
		}
		sink = s3Sink
	} else {
		log.WithComponent("main").Info("S3 storage disabled; runs will not be persisted")
	}

	pl := pipeline.New(cfg, chainCache, engine, classifier, sink)

	// One-shot mode: run a single snapshot, print the result, exit.
	if *runTicker != "" {
		result, err := pl.Run(ctx, pipeline.RunRequest{Ticker: *runTicker, Expiry: *runExpiry})
		if err != nil {
			log.WithError(err).Error("snapshot run failed")
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			log.WithError(err).Error("failed to encode run result")
			os.Exit(1)
		}
		return
	}

	server := api.NewServer(cfg.API, pl, classifier)
	if server == nil {
		log.Error("api disabled and no -ticker given; nothing to do")
		os.Exit(1)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
		if err := <-serverErr; err != nil {
			log.WithError(err).Warn("api server shutdown error")
		}
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("api server failed")
			os.Exit(1)
		}
	}

	log.Info("optionflow stopped")
}
