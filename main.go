package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"marketrelay/config"
	"marketrelay/internal/channel"
	"marketrelay/internal/gateway"
	"marketrelay/internal/metrics"
	"marketrelay/internal/mirror"
	"marketrelay/internal/models"
	"marketrelay/internal/registry"
	"marketrelay/internal/upstream"
	"marketrelay/logger"
)

const channelMetricsInterval = 10 * time.Second

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
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
		"service":     cfg.Relay.Name,
		"version":     cfg.Relay.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting marketrelay")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.PublishInterval)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Prometheus {
		collector = metrics.NewCollector()
		collector.Bind()
		defer collector.Unbind()
	}

	events := channel.NewEvents("upstream_events", cfg.Channels.EventBuffer, metrics.DropMetricUpstreamEvent)
	connector := upstream.New(cfg.Upstream, events)
	reg := registry.New(connector, log)
	gw := gateway.NewServer(cfg.Gateway, reg, collector, log)

	taps := make([]func(models.Event), 0, 1)
	buffers := []metrics.Buffer{events}

	var kafkaMirror *mirror.KafkaMirror
	if cfg.Kafka.Enabled {
		kafkaMirror, err = mirror.NewKafkaMirror(cfg.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create kafka mirror")
			os.Exit(1)
		}
		taps = append(taps, kafkaMirror.Publish)
		buffers = append(buffers, kafkaMirror.Queue())
	} else {
		log.WithComponent("main").Info("kafka mirror disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	connector.Start(gctx)
	if kafkaMirror != nil {
		if err := kafkaMirror.Start(gctx); err != nil {
			log.WithError(err).Error("failed to start kafka mirror")
			os.Exit(1)
		}
	}

	g.Go(func() error {
		reg.Run(gctx, events.C(), taps...)
		return nil
	})
	g.Go(func() error {
		return gw.Run(gctx)
	})

	metrics.StartChannelSizeMetrics(gctx, channelMetricsInterval, buffers...)
	logger.StartReport(gctx, log, cfg.Relay.ReportInterval, func() logger.Fields {
		stats := reg.Snapshot()
		return logger.Fields{
			"clients":        stats.Clients,
			"symbols":        len(stats.Refcounts),
			"upstream_state": connector.State().String(),
			"events_dropped": events.GetStats().Dropped,
		}
	})

	log.WithFields(logger.Fields{"address": gw.Address()}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-gctx.Done():
		log.WithComponent("main").Warn("a component stopped unexpectedly")
	}

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping upstream connector")
	connector.Stop()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.WithError(err).Warn("component exited with error")
		}
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	if kafkaMirror != nil {
		log.Info("stopping kafka mirror")
		kafkaMirror.Stop()
	}
	events.Close()

	log.Info("marketrelay stopped")
	log.Close()
}
