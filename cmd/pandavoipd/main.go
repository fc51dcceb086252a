// Command pandavoipd runs the voice relay and its control server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/presbrey/pandavoip/admin"
	"github.com/presbrey/pandavoip/voip"
	"github.com/presbrey/pandavoip/voip/config"
)

var (
	logger logrus.FieldLogger = logrus.StandardLogger()

	configPath string
	logLevel   string
	envFiles   []string

	rootCmd = &cobra.Command{
		Use:           "pandavoipd",
		Short:         "Runs the pandavoip voice and text relay.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          run,
	}
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "configuration file (yaml, toml or json)")
	flags.StringVar(&logLevel, "log-level", "", "log level, overrides the configuration")
	flags.StringSliceVar(&envFiles, "env-file", nil, "extra .env files to load before the configuration")
}

// setLogger configures the standard logrus logger.
func setLogger(level string) {
	formatter := new(logrus.TextFormatter)
	formatter.TimestampFormat = time.RFC3339
	formatter.FullTimestamp = true
	logrus.SetFormatter(formatter)

	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = logrus.InfoLevel
		logger.Warnf("unknown log level %q, using info", level)
	}
	logrus.SetLevel(parsed)
}

func run(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loaded, err := config.LoadEnvFiles(envFiles...)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	setLogger(cfg.Log.Level)
	voip.SetLogger(logger)

	logger.WithFields(logrus.Fields{
		"config":    cfg.Source,
		"env_files": loaded,
		"command":   cfg.CommandAddress(),
		"voice":     cfg.VoiceAddress(),
		"tls":       cfg.TLSEnabled(),
	}).Info("starting pandavoip")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := voip.NewMetrics(registry)

	voice := voip.NewVoiceServer(
		voip.WithVoiceWorkers(cfg.Voice.Workers),
		voip.WithVoiceQueueSize(cfg.Voice.QueueSize),
		voip.WithRequireSession(cfg.Voice.RequireSession),
		voip.WithVoiceMetrics(metrics),
	)
	control := voip.NewControlServer(voip.ControlConfig{
		ServerName:   cfg.Server.Name,
		WriteTimeout: cfg.Control.WriteTimeout.Duration,
	}, voip.WithControlMetrics(metrics))

	control.AttachVoiceAuthority(voice)
	voice.AttachControlAuthority(control)

	if err := voice.Start(cfg.Server.Host, cfg.Server.VoicePort); err != nil {
		return err
	}
	defer voice.Stop()

	var tlsFiles *voip.TLSFiles
	if cfg.TLSEnabled() {
		tlsFiles = &voip.TLSFiles{
			CertFile:     cfg.TLS.Cert,
			KeyFile:      cfg.TLS.Key,
			AutoGenerate: cfg.TLS.AutoGenerate,
			SaveCertFile: cfg.TLS.SaveCert,
			SaveKeyFile:  cfg.TLS.SaveKey,
		}
	}
	if err := control.Start(cfg.Server.Host, cfg.Server.CommandPort, tlsFiles); err != nil {
		return err
	}
	defer control.Stop()

	if cfg.Admin.Enabled {
		adminServer := admin.New(control, registry, logger)
		if err := adminServer.Start(cfg.AdminAddress()); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := adminServer.Shutdown(shutdownCtx); err != nil {
				logger.Warnf("admin shutdown: %v", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
