// Copyright (c) 2024 Durableflow Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package config loads the enumerated configuration keys from a YAML
// document into a typed Config struct, applying defaults for any key the
// document omits.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds the enumerated configuration keys.
type Config struct {
	ShardCount           int
	HistoryRetentionDays int32
	LeaseDuration        time.Duration
	HeartbeatInterval    time.Duration
	LeaseSweepInterval   time.Duration
	RequeueDelay         time.Duration
	MaxDeliveryAttempts  int
	TaskQueueCapacity    int

	// SQLDSN switches the shard and queue stores to Postgres when set;
	// empty means in-memory stores.
	SQLDSN string
}

// rawConfig is the YAML shape: durations are "60s"-style strings, and
// pointers distinguish "absent" from zero so omitted keys keep defaults.
type rawConfig struct {
	ShardCount           *int    `yaml:"shardCount"`
	HistoryRetentionDays *int32  `yaml:"historyRetentionDays"`
	LeaseDuration        *string `yaml:"leaseDuration"`
	HeartbeatInterval    *string `yaml:"heartbeatInterval"`
	LeaseSweepInterval   *string `yaml:"leaseSweepInterval"`
	RequeueDelay         *string `yaml:"requeueDelay"`
	MaxDeliveryAttempts  *int    `yaml:"maxDeliveryAttempts"`
	TaskQueueCapacity    *int    `yaml:"taskQueueCapacity"`
	SQLDSN               *string `yaml:"sqlDSN"`
}

// UnmarshalYAML overlays the document's keys onto whatever the Config
// already holds.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw rawConfig
	if err := unmarshal(&raw); err != nil {
		return err
	}

	if raw.ShardCount != nil {
		c.ShardCount = *raw.ShardCount
	}
	if raw.HistoryRetentionDays != nil {
		c.HistoryRetentionDays = *raw.HistoryRetentionDays
	}
	if raw.MaxDeliveryAttempts != nil {
		c.MaxDeliveryAttempts = *raw.MaxDeliveryAttempts
	}
	if raw.TaskQueueCapacity != nil {
		c.TaskQueueCapacity = *raw.TaskQueueCapacity
	}
	if raw.SQLDSN != nil {
		c.SQLDSN = *raw.SQLDSN
	}

	for _, d := range []struct {
		key string
		raw *string
		dst *time.Duration
	}{
		{"leaseDuration", raw.LeaseDuration, &c.LeaseDuration},
		{"heartbeatInterval", raw.HeartbeatInterval, &c.HeartbeatInterval},
		{"leaseSweepInterval", raw.LeaseSweepInterval, &c.LeaseSweepInterval},
		{"requeueDelay", raw.RequeueDelay, &c.RequeueDelay},
	} {
		if d.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			return fmt.Errorf("config key %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	return &Config{
		ShardCount:           512,
		HistoryRetentionDays: 30,
		LeaseDuration:        60 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		LeaseSweepInterval:   30 * time.Second,
		RequeueDelay:         5 * time.Second,
		MaxDeliveryAttempts:  5,
		TaskQueueCapacity:    1024,
	}
}

// Load reads a YAML config file, applying defaults for any key the document
// omits. A missing file is not an error; Default() is returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
