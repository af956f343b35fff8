// Package main provides the entry point for the Data Bridge control plane.
// It loads the configuration, starts the control API together with the auth gateway,
// personal server supervisor and automation runner, and tears everything down on
// SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/opendatalabs/databridge/internal/bridge"
	"github.com/opendatalabs/databridge/internal/buildinfo"
	"github.com/opendatalabs/databridge/internal/config"
	"github.com/opendatalabs/databridge/internal/logging"
	"github.com/opendatalabs/databridge/internal/util"
	"github.com/opendatalabs/databridge/internal/watcher"
	log "github.com/sirupsen/logrus"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

const shutdownGrace = 15 * time.Second

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		return
	}
	if err := run(configPath); err != nil {
		log.Errorf("%v", err)
		logging.CloseLogOutputs()
		os.Exit(1)
	}
	logging.CloseLogOutputs()
}

func run(configPath string) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = filepath.Join(wd, "config.yaml")
	}
	if configPath, err = util.ResolvePath(configPath); err != nil {
		return err
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err = logging.ConfigureLogOutput(cfg); err != nil {
		return fmt.Errorf("failed to configure log output: %w", err)
	}
	log.Info(buildinfo.String())
	util.SetLogLevel(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bridge.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err = svc.Start(); err != nil {
		_ = svc.Shutdown(context.Background())
		return err
	}

	var w *watcher.Watcher
	if _, statErr := os.Stat(configPath); statErr == nil {
		w, err = watcher.NewWatcher(configPath, func(next *config.Config) {
			if errLog := logging.ConfigureLogOutput(next); errLog != nil {
				log.WithError(errLog).Warn("failed to reconfigure log output")
			}
			svc.ApplyConfig(next)
		})
		if err != nil {
			log.WithError(err).Warn("config hot reload disabled")
		} else {
			w.SetConfig(cfg)
			if err = w.Start(ctx); err != nil {
				log.WithError(err).Warn("config hot reload disabled")
				_ = w.Stop()
				w = nil
			}
		}
	} else {
		log.Infof("no config file at %s, using defaults", configPath)
	}

	<-ctx.Done()
	stop()
	log.Info("shutting down")

	if w != nil {
		if errStop := w.Stop(); errStop != nil {
			log.WithError(errStop).Debug("stop config watcher")
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return svc.Shutdown(shutdownCtx)
}
