// nettle - a Matrix account synchronization engine.
// Copyright (C) 2026 The Nettle Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package syncer

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Homeserver is the base URL of the Matrix homeserver.
	Homeserver string `yaml:"homeserver"`

	// UserID is the full Matrix user id (@local:server).
	UserID string `yaml:"user_id"`

	// DeviceID identifies this device to the homeserver, used when
	// claiming back surplus one-time keys.
	DeviceID string `yaml:"device_id"`

	// Database is the path of the sqlite cache file.
	Database string `yaml:"database"`

	// Presence is sent with every sync request. One of "online",
	// "offline", "unavailable". Empty leaves the server default.
	Presence string `yaml:"presence"`

	// PollTimeoutMS is the server-side wait for incremental sync polls.
	PollTimeoutMS int `yaml:"poll_timeout_ms"`

	// RetryDelaySecs is the fixed (deliberately non-exponential) delay
	// before rescheduling a cycle after a generic protocol error.
	RetryDelaySecs int `yaml:"retry_delay_secs"`

	// ConnectivityIntervalSecs is the spacing of reachability probes.
	ConnectivityIntervalSecs int `yaml:"connectivity_interval_secs"`

	// CompactEveryCycles is how many successfully processed incremental
	// batches pass between cache compactions.
	CompactEveryCycles int `yaml:"compact_every_cycles"`

	// LogLevel is a zerolog level name. Reloaded live when the config file
	// changes on disk.
	LogLevel string `yaml:"log_level"`

	pollTimeout          time.Duration
	retryDelay           time.Duration
	connectivityInterval time.Duration
}

const (
	defaultPollTimeoutMS      = 30000
	defaultRetryDelaySecs     = 10
	defaultConnectivitySecs   = 15
	defaultCompactEveryCycles = 500
)

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	if c.Homeserver == "" {
		return fmt.Errorf("homeserver is required")
	}
	if !strings.HasPrefix(c.UserID, "@") || !strings.Contains(c.UserID, ":") {
		return fmt.Errorf("user_id %q is not a valid Matrix user id", c.UserID)
	}
	if c.DeviceID == "" {
		c.DeviceID = "NETTLE"
	}
	if c.Database == "" {
		c.Database = "nettle.db"
	}
	if c.PollTimeoutMS <= 0 {
		c.PollTimeoutMS = defaultPollTimeoutMS
	}
	if c.RetryDelaySecs <= 0 {
		c.RetryDelaySecs = defaultRetryDelaySecs
	}
	if c.ConnectivityIntervalSecs <= 0 {
		c.ConnectivityIntervalSecs = defaultConnectivitySecs
	}
	if c.CompactEveryCycles <= 0 {
		c.CompactEveryCycles = defaultCompactEveryCycles
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.pollTimeout = time.Duration(c.PollTimeoutMS) * time.Millisecond
	c.retryDelay = time.Duration(c.RetryDelaySecs) * time.Second
	c.connectivityInterval = time.Duration(c.ConnectivityIntervalSecs) * time.Second
	return nil
}
