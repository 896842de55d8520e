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

// Package daemon wires the networking core, its settings backend and its
// Prometheus exporter into a runnable iotcored process, split the way
// ptp4u/server splits static CLI-only fields from reloadable
// DynamicConfig.
package daemon

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// BackendKind selects one of the five settings.Backend implementations.
type BackendKind string

const (
	BackendLog       BackendKind = "log"
	BackendEEPROM    BackendKind = "eeprom"
	BackendRetention BackendKind = "retention"
	BackendZMS       BackendKind = "zms"
	BackendMemory    BackendKind = "memory"
)

// DynamicConfig is the subset of configuration that ReadDynamicConfig
// loads on its own from a YAML file, mirroring server.DynamicConfig's
// role in ptp4u. The running daemon does not re-read it; a change takes
// effect on the next start.
type DynamicConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// Config is the full static configuration for one iotcored process.
type Config struct {
	DynamicConfig `yaml:",inline"`

	Backend         BackendKind `yaml:"backend"`
	BackendCapacity int         `yaml:"backend_capacity"`

	BindIP    string `yaml:"bind_ip"`
	CoAPPort  int    `yaml:"coap_port"`
	Interface string `yaml:"interface"`
	DSCP      int    `yaml:"dscp"`

	TCPConns     int `yaml:"tcp_conns"`
	TCPListeners int `yaml:"tcp_listeners"`
	UDPAssocs    int `yaml:"udp_assocs"`
	Transactions int `yaml:"transactions"`
	Observers    int `yaml:"observers"`
	Observees    int `yaml:"observees"`

	MonitoringPort int    `yaml:"monitoring_port"`
	DebugAddr      string `yaml:"debug_addr"`
	LogLevel       string `yaml:"log_level"`
	PidFile        string `yaml:"pid_file"`
	ConfigFile     string `yaml:"-"`
}

// DefaultConfig mirrors the embedded-scale pool sizes netcore.DefaultConfig
// picks, plus the daemon's own defaults.
func DefaultConfig() *Config {
	return &Config{
		DynamicConfig: DynamicConfig{
			TickInterval: time.Second,
		},
		Backend:         BackendMemory,
		BackendCapacity: 4096,
		BindIP:          "::",
		CoAPPort:        5683,
		TCPConns:        8,
		TCPListeners:    4,
		UDPAssocs:       8,
		Transactions:    4,
		Observers:       4,
		Observees:       4,
		MonitoringPort:  8889,
		LogLevel:        "warning",
		PidFile:         "/var/run/iotcored.pid",
	}
}

// ReadDynamicConfig loads just the reloadable fields from path, the way
// ptp4u/server.ReadDynamicConfig does for its own DynamicConfig.
func ReadDynamicConfig(path string) (*DynamicConfig, error) {
	dc := &DynamicConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, dc); err != nil {
		return nil, err
	}
	return dc, nil
}

// ReadConfig loads a full Config from a YAML file.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the fields a YAML file or flag could have set to
// something nonsensical.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendLog, BackendEEPROM, BackendRetention, BackendZMS, BackendMemory:
	default:
		return fmt.Errorf("unrecognized settings backend %q", c.Backend)
	}
	if c.CoAPPort <= 0 || c.CoAPPort > 65535 {
		return fmt.Errorf("invalid coap_port %d", c.CoAPPort)
	}
	return nil
}
