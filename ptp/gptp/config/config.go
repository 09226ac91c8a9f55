/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config is the on-disk YAML configuration for a gptpd instance:
// a node-wide config naming every interface the daemon runs a port on,
// plus the profile each one uses, with the usual DefaultConfig/ReadConfig/
// Validate shape.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/gptp2/gptpd/ptp/gptp/profile"
	ptp "github.com/gptp2/gptpd/ptp/protocol"
)

// PortConfig names one interface the daemon runs a port on and the profile
// it uses.
type PortConfig struct {
	Interface string `yaml:"interface"`
	Profile   string `yaml:"profile"`
}

// Validate reports whether p is well-formed.
func (p *PortConfig) Validate() error {
	if p.Interface == "" {
		return fmt.Errorf("interface must be specified")
	}
	if _, err := profile.ByName(profile.Name(p.Profile)); err != nil {
		return err
	}
	return nil
}

// Config is the top-level gptpd configuration: the node's own clock
// identity inputs, every port it runs, and the ambient daemon settings
// (logging, telemetry, persistence).
type Config struct {
	DomainNumber uint8  `yaml:"domain_number"`
	Priority1    uint8  `yaml:"priority1"`
	Priority2    uint8  `yaml:"priority2"`

	ClockClass              ptp.ClockClass   `yaml:"clock_class"`
	ClockAccuracy           ptp.ClockAccuracy `yaml:"clock_accuracy"`
	OffsetScaledLogVariance uint16           `yaml:"offset_scaled_log_variance"`

	Ports []PortConfig `yaml:"ports"`

	LogLevel string `yaml:"log_level"`

	MetricsListenAddress string        `yaml:"metrics_listen_address"`
	ProcessStatsInterval time.Duration `yaml:"process_stats_interval"`

	PersistentStorePath string `yaml:"persistent_store_path"`
}

// DefaultConfig returns a Config with every ambient field populated. It
// is never exercised directly as the running config, but is the base
// ReadConfig unmarshals on top of.
func DefaultConfig() *Config {
	return &Config{
		DomainNumber: 0,
		Priority1:    248,
		Priority2:    248,

		ClockClass:              248,
		ClockAccuracy:           0x22,
		OffsetScaledLogVariance: 0x436A,

		LogLevel: "info",

		MetricsListenAddress: ":9273",
		ProcessStatsInterval: 15 * time.Second,

		PersistentStorePath: "/var/lib/gptpd/state.json",
	}
}

// Validate reports whether c is a runnable configuration.
func (c *Config) Validate() error {
	if len(c.Ports) == 0 {
		return fmt.Errorf("at least one port must be configured")
	}
	seen := make(map[string]bool, len(c.Ports))
	for i := range c.Ports {
		if err := c.Ports[i].Validate(); err != nil {
			return fmt.Errorf("port %d: %w", i, err)
		}
		if seen[c.Ports[i].Interface] {
			return fmt.Errorf("interface %q configured more than once", c.Ports[i].Interface)
		}
		seen[c.Ports[i].Interface] = true
	}
	if c.ProcessStatsInterval <= 0 {
		return fmt.Errorf("process_stats_interval must be greater than zero")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return nil
}

// ReadConfig reads and validates Config from path, unmarshaling onto
// DefaultConfig so unset fields keep their defaults.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}
	return c, nil
}

// ProfileFor resolves a PortConfig's named profile to a concrete
// profile.Profile.
func ProfileFor(pc PortConfig) (*profile.Profile, error) {
	return profile.ByName(profile.Name(pc.Profile))
}
