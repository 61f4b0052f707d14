// Copyright 2024 The Oracle Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"flag"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
)

// Config is the oracle server configuration: flags are the single source
// of truth, and a TOML file (-config) only supplies what flags didn't set.
type Config struct {
	*flag.FlagSet `toml:"-"`

	MaxItems              int    `toml:"max-items" json:"max-items"`
	BatchSize             uint64 `toml:"batch-size" json:"batch-size"`
	Threshold             uint64 `toml:"threshold" json:"threshold"`
	PersistBatchSize      int    `toml:"persist-batch-size" json:"persist-batch-size"`
	PersistBatchTimeoutUs int    `toml:"persist-batch-timeout-us" json:"persist-batch-timeout-us"`
	RingCapacity          int    `toml:"ring-capacity" json:"ring-capacity"`

	TimestampStore string   `toml:"timestamp-store" json:"timestamp-store"`
	EtcdEndpoints  []string `toml:"etcd-endpoints" json:"etcd-endpoints"`
	etcdEndpoints  string   // raw comma-separated flag value, split in Adjust
	DataDir        string   `toml:"data-dir" json:"data-dir"`

	NetworkInterface string `toml:"network-interface" json:"network-interface"`
	Port             int    `toml:"port" json:"port"`

	Log log.Config `toml:"log" json:"log"`

	MetricsAddr string `toml:"metrics-addr" json:"metrics-addr"`

	configFile string

	WarningMsgs []string
}

const (
	defaultMaxItems              = 1_000_000
	defaultBatchSize             = 10_000_000
	defaultPersistBatchSize      = 256
	defaultPersistBatchTimeoutUs = 2000
	defaultRingCapacity          = 4096
	defaultTimestampStore        = "coordination"
	defaultPort                  = 4396
)

// NewConfig creates a Config with its flag set wired but not yet parsed.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.FlagSet = flag.NewFlagSet("oracle-server", flag.ContinueOnError)
	fs := cfg.FlagSet

	fs.StringVar(&cfg.configFile, "config", "", "config file")
	fs.IntVar(&cfg.MaxItems, "max-items", 0, "conflict map capacity (rows tracked at once)")
	fs.Uint64Var(&cfg.BatchSize, "batch-size", 0, "timestamps allocated per persisted ceiling bump")
	fs.Uint64Var(&cfg.Threshold, "threshold", 0, "timestamps remaining before the next ceiling bump is triggered")
	fs.IntVar(&cfg.PersistBatchSize, "persist-batch-size", 0, "max events per commit-log batch")
	fs.IntVar(&cfg.PersistBatchTimeoutUs, "persist-batch-timeout-us", 0, "max microseconds a commit-log batch waits to fill")
	fs.IntVar(&cfg.RingCapacity, "ring-capacity", 0, "ring buffer capacity, must be a power of two")
	fs.StringVar(&cfg.TimestampStore, "timestamp-store", "", "ceiling backend: coordination or column-store")
	fs.StringVar(&cfg.etcdEndpoints, "etcd-endpoints", "", "comma-separated etcd endpoints, required when timestamp-store is coordination")
	fs.StringVar(&cfg.DataDir, "data-dir", "", "commit log and column-store directory")
	fs.StringVar(&cfg.NetworkInterface, "network-interface", "", "informational: interface the server binds to")
	fs.IntVar(&cfg.Port, "port", 0, "listen port")
	fs.StringVar(&cfg.Log.Level, "L", "", "log level: debug, info, warn, error, fatal (default 'info')")
	fs.StringVar(&cfg.Log.File.Filename, "log-file", "", "log file path")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "prometheus /metrics listen address")

	return cfg
}

// Parse parses flags, overlays a config file if -config was given, parses
// flags again so command-line options win, then fills in defaults.
func (c *Config) Parse(arguments []string) error {
	if err := c.FlagSet.Parse(arguments); err != nil {
		return errors.WithStack(err)
	}

	var meta *toml.MetaData
	if c.configFile != "" {
		m, err := toml.DecodeFile(c.configFile, c)
		if err != nil {
			return errors.WithStack(err)
		}
		meta = &m
	}

	if err := c.FlagSet.Parse(arguments); err != nil {
		return errors.WithStack(err)
	}
	if len(c.FlagSet.Args()) != 0 {
		return errors.Errorf("'%s' is an invalid flag", c.FlagSet.Arg(0))
	}

	if meta != nil {
		undecoded := meta.Undecoded()
		if len(undecoded) != 0 {
			names := make([]string, len(undecoded))
			for i, key := range undecoded {
				names[i] = key.String()
			}
			c.WarningMsgs = append(c.WarningMsgs, "config contains undefined items: "+strings.Join(names, ", "))
		}
	}

	return c.Adjust()
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustUint64(v *uint64, defValue uint64) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustString(v *string, defValue string) {
	if *v == "" {
		*v = defValue
	}
}

// Adjust fills unset fields with defaults and validates the result.
func (c *Config) Adjust() error {
	if c.etcdEndpoints != "" {
		c.EtcdEndpoints = strings.Split(c.etcdEndpoints, ",")
	}
	adjustInt(&c.MaxItems, defaultMaxItems)
	adjustUint64(&c.BatchSize, defaultBatchSize)
	adjustUint64(&c.Threshold, c.BatchSize/10)
	adjustInt(&c.PersistBatchSize, defaultPersistBatchSize)
	adjustInt(&c.PersistBatchTimeoutUs, defaultPersistBatchTimeoutUs)
	adjustInt(&c.RingCapacity, defaultRingCapacity)
	adjustString(&c.TimestampStore, defaultTimestampStore)
	adjustString(&c.DataDir, "default.oracle-server")
	adjustInt(&c.Port, defaultPort)
	adjustString(&c.Log.Level, "info")

	if c.RingCapacity <= 0 || c.RingCapacity&(c.RingCapacity-1) != 0 {
		return errors.Errorf("ring-capacity must be a positive power of two, got %d", c.RingCapacity)
	}
	switch c.TimestampStore {
	case "coordination", "column-store":
	default:
		return errors.Errorf("timestamp-store must be 'coordination' or 'column-store', got %q", c.TimestampStore)
	}
	if c.TimestampStore == "coordination" && len(c.EtcdEndpoints) == 0 {
		return errors.New("timestamp-store 'coordination' requires at least one etcd-endpoints entry")
	}

	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("%+v", *c)
}
