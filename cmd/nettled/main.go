// nettle - a Matrix account synchronization engine.
// Copyright (C) 2026 The Nettle Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nettle-im/nettle/pkg/matrixrpc"
	"github.com/nettle-im/nettle/pkg/syncer"
	"github.com/nettle-im/nettle/pkg/syncstore"
)

var (
	// Filled in by the linker.
	Version = "v0.1.0"
	Commit  = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "nettled",
		Usage:   "Keep a Matrix account synchronized into a local cache",
		Version: fmt.Sprintf("%s (%s)", Version, Commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				EnvVars: []string{"NETTLE_CONFIG"},
				Value:   "config.yaml",
				Usage:   "Path to the config file",
			},
			&cli.StringFlag{
				Name:    "access-token",
				EnvVars: []string{"NETTLE_ACCESS_TOKEN"},
				Usage:   "Matrix access token for the configured account",
			},
			&cli.BoolFlag{
				Name:  "json-log",
				Usage: "Emit logs as JSON instead of pretty console output",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	configPath := c.String("config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	token := c.String("access-token")
	if token == "" {
		return fmt.Errorf("access token is required (--access-token or NETTLE_ACCESS_TOKEN)")
	}

	log, err := makeLogger(cfg.LogLevel, c.Bool("json-log"))
	if err != nil {
		return err
	}
	log.Info().Str("version", Version).Str("homeserver", cfg.Homeserver).Msg("Starting nettled")

	client, err := matrixrpc.NewHTTPClient(cfg.Homeserver, log)
	if err != nil {
		return err
	}
	store := syncstore.NewSQLStore(cfg.Database, id.UserID(cfg.UserID), log)
	defer store.Close()

	engine := syncer.New(cfg, client, store, noopCrypto{}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Bootstrap(ctx, token); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	go consumeEvents(engine.Events(), log)
	go watchConfig(ctx, configPath, log)

	err = engine.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("Shut down cleanly")
	return nil
}

func loadConfig(path string) (*syncer.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg syncer.Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func makeLogger(level string, jsonLog bool) (zerolog.Logger, error) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(parsed)
	var log zerolog.Logger
	if jsonLog {
		log = zerolog.New(os.Stdout)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMilli})
	}
	return log.With().Timestamp().Logger(), nil
}

// consumeEvents drains the engine's notification stream. A headless daemon
// only logs them; an embedding UI would fan them out instead.
func consumeEvents(events <-chan syncer.Event, log zerolog.Logger) {
	for ev := range events {
		switch ev := ev.(type) {
		case syncer.RoomListReady:
			log.Info().Int("rooms", len(ev.Rooms)).Msg("Room list ready")
		case syncer.LastMessageChanged:
			log.Debug().
				Str("room_id", ev.RoomID.String()).
				Str("sender", ev.Sender.String()).
				Msg("Last message changed")
		case syncer.EventsStored:
			log.Debug().
				Str("room_id", ev.RoomID.String()).
				Int("count", ev.Count).
				Msg("Events stored")
		case syncer.NotificationMessage:
			log.Info().Str("room_id", ev.RoomID.String()).Msg("Notification")
		case syncer.LoginRequired:
			log.Error().Str("reason", ev.Reason).Msg("Login required, sync halted")
		}
	}
}

// watchConfig reapplies the log level when the config file changes on disk.
// Other fields need a restart.
func watchConfig(ctx context.Context, path string, log zerolog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
		return
	}
	defer watcher.Close()
	// Watch the directory: editors typically rename-replace the file, which
	// would orphan a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Warn().Err(err).Msg("Failed to watch config directory")
		return
	}
	abs, _ := filepath.Abs(path)
	for {
		select {
		case evt := <-watcher.Events:
			evtAbs, _ := filepath.Abs(evt.Name)
			if evtAbs != abs || !evt.Op.Has(fsnotify.Write) && !evt.Op.Has(fsnotify.Create) {
				continue
			}
			cfg, err := loadConfig(path)
			if err != nil {
				log.Warn().Err(err).Msg("Ignoring config reload, file unreadable")
				continue
			}
			parsed, err := zerolog.ParseLevel(cfg.LogLevel)
			if err != nil {
				log.Warn().Err(err).Msg("Ignoring config reload, bad log level")
				continue
			}
			if parsed != zerolog.GlobalLevel() {
				zerolog.SetGlobalLevel(parsed)
				log.Info().Str("level", parsed.String()).Msg("Log level changed")
			}
		case err := <-watcher.Errors:
			log.Warn().Err(err).Msg("Config watcher error")
		case <-ctx.Done():
			return
		}
	}
}

// noopCrypto stands in for an end-to-end encryption module in the headless
// daemon. It produces no keys, so the key lifecycle never uploads anything,
// and it refuses encrypt/decrypt with honest errors.
type noopCrypto struct{}

func (noopCrypto) CreateIdentity(context.Context) error { return nil }

func (noopCrypto) GenerateOneTimeKeys(int) (map[id.KeyID]mautrix.OneTimeKey, error) {
	return map[id.KeyID]mautrix.OneTimeKey{}, nil
}

func (noopCrypto) GenerateFallbackKey() (id.KeyID, mautrix.OneTimeKey, error) {
	return "", mautrix.OneTimeKey{}, fmt.Errorf("end-to-end encryption is not available in this build")
}

func (noopCrypto) ForgetOldFallbackKey() {}

func (noopCrypto) MarkKeysPublished() {}

func (noopCrypto) EncryptGroupMessage(id.RoomID, *event.MessageEventContent) (json.RawMessage, error) {
	return nil, fmt.Errorf("end-to-end encryption is not available in this build")
}

func (noopCrypto) DecryptEvent(_ uint, evt *event.Event) (*event.Event, error) {
	return nil, fmt.Errorf("end-to-end encryption is not available in this build")
}
