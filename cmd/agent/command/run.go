// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed as part of the FieldGate project.
// Copyright 2024-present the FieldGate authors.

package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldgate/agent/pkg/api"
	"github.com/fieldgate/agent/pkg/config"
	"github.com/fieldgate/agent/pkg/driver"
	_ "github.com/fieldgate/agent/pkg/driver/catalog"
	"github.com/fieldgate/agent/pkg/engine"
	"github.com/fieldgate/agent/pkg/mapping"
	"github.com/fieldgate/agent/pkg/util/log"
	"github.com/fieldgate/agent/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func makeRunCommand(params *GlobalParams) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the acquisition engine",
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(params)
		},
	}
}

func run(params *GlobalParams) error {
	settings := config.NewSettings()
	if err := settings.LoadFile(params.SettingsFile); err != nil {
		return fmt.Errorf("cannot load settings: %w", err)
	}
	if err := log.SetupFromSettings(settings.LogLevel(), settings.LogFile()); err != nil {
		return err
	}
	defer log.Flush()

	log.Infof("starting fieldgate-agent %s (commit %s), drivers: %v",
		version.AgentVersion, version.Commit, driver.BuiltTypes())

	confMgr := config.NewManager(settings.ConfPath())
	if err := confMgr.LoadAll(); err != nil {
		return fmt.Errorf("cannot load configuration from %s: %w", settings.ConfPath(), err)
	}

	mapper, err := mapping.NewEngine(settings.MappingCatalogPath(), nil)
	if err != nil {
		return fmt.Errorf("cannot load mapping catalog: %w", err)
	}

	eng, err := engine.New(engine.Options{
		Settings:  settings,
		Config:    confMgr,
		Mapper:    mapper,
		InboxSize: settings.InboxSize(),
	})
	if err != nil {
		return fmt.Errorf("cannot build engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("cannot start engine: %w", err)
	}

	server := api.NewServer(eng, confMgr, settings)
	if err := server.Start(); err != nil {
		eng.Stop() //nolint:errcheck
		return err
	}

	if settings.WatchConfig() {
		go func() {
			if err := confMgr.Watch(ctx, eng.HandleConfigChange); err != nil {
				log.Warnf("config watcher stopped: %v", err)
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Infof("received %s, shutting down", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warnf("api server shutdown: %v", err)
	}
	if err := eng.Stop(); err != nil {
		log.Warnf("engine shutdown: %v", err)
	}
	log.Infof("fieldgate-agent stopped")
	return nil
}
