/*
Copyright 2024 Netprobe Labs

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

// Package config implements the netprobed YAML configuration file.
// Every value has a default; an empty file is a valid configuration.
package config

import (
	"io"
	"os"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/netprobe/netprobe/lib/defaults"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// Get returns the underlying duration.
func (d Duration) Get() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return trace.BadParameter("expected a duration string: %v", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return trace.BadParameter("failed to parse duration %q: %v", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// FileConfig is the on-disk configuration of the netprobed daemon.
type FileConfig struct {
	// ListenAddr is the HTTP control surface listen address.
	ListenAddr string `yaml:"listen_addr,omitempty"`

	Log       Log       `yaml:"log,omitempty"`
	Auth      Auth      `yaml:"auth,omitempty"`
	Admission Admission `yaml:"admission,omitempty"`
	Nodes     Nodes     `yaml:"nodes,omitempty"`
	Scheduler Scheduler `yaml:"scheduler,omitempty"`
}

// Log configures logging output.
type Log struct {
	// Severity is a logrus level name, e.g. INFO or debug.
	Severity string `yaml:"severity,omitempty"`
}

// Auth configures credential verification.
type Auth struct {
	// JWTSigningKey verifies subscriber bearer tokens. Bearer
	// authentication is disabled when empty.
	JWTSigningKey string `yaml:"jwt_signing_key,omitempty"`
}

// Admission tunes the admission engine.
type Admission struct {
	// MaxQueue caps the process-wide admission wait queue.
	MaxQueue int `yaml:"max_queue,omitempty"`
	// QueueTimeout bounds how long a queued request may wait.
	QueueTimeout Duration `yaml:"queue_timeout,omitempty"`
	// SweepInterval is the cadence of the background sweeper.
	SweepInterval Duration `yaml:"sweep_interval,omitempty"`
}

// Nodes tunes the node fabric.
type Nodes struct {
	// AuthTimeout bounds the connect-to-auth-frame interval.
	AuthTimeout Duration `yaml:"auth_timeout,omitempty"`
	// HeartbeatInterval is the expected node heartbeat cadence.
	HeartbeatInterval Duration `yaml:"heartbeat_interval,omitempty"`
	// StaleMultiplier scales HeartbeatInterval into the staleness
	// threshold.
	StaleMultiplier int `yaml:"stale_multiplier,omitempty"`
}

// Scheduler tunes the recurring probe loop.
type Scheduler struct {
	// Disabled turns the scheduler loop off entirely.
	Disabled bool `yaml:"disabled,omitempty"`
	// TickInterval is the due-probe scan cadence.
	TickInterval Duration `yaml:"tick_interval,omitempty"`
}

// ReadConfig parses a configuration from the reader. Unknown fields are
// rejected so typos fail loudly at startup.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	var fc FileConfig
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(&fc); err != nil && err != io.EOF {
		return nil, trace.BadParameter("failed to parse config: %v", err)
	}
	if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fc, nil
}

// ReadFromFile reads and parses the configuration file at path.
func ReadFromFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	fc, err := ReadConfig(f)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return fc, nil
}

// CheckAndSetDefaults validates the configuration and fills defaults.
func (fc *FileConfig) CheckAndSetDefaults() error {
	if fc.ListenAddr == "" {
		fc.ListenAddr = defaults.HTTPListenAddr
	}
	if fc.Log.Severity != "" {
		if _, err := log.ParseLevel(fc.Log.Severity); err != nil {
			return trace.BadParameter("unknown log severity %q", fc.Log.Severity)
		}
	}
	if fc.Admission.MaxQueue < 0 {
		return trace.BadParameter("admission.max_queue must not be negative")
	}
	if fc.Admission.MaxQueue == 0 {
		fc.Admission.MaxQueue = defaults.MaxAdmissionQueue
	}
	if fc.Admission.QueueTimeout == 0 {
		fc.Admission.QueueTimeout = Duration(defaults.AdmissionQueueTimeout)
	}
	if fc.Admission.SweepInterval == 0 {
		fc.Admission.SweepInterval = Duration(defaults.AdmissionSweepInterval)
	}
	if fc.Nodes.AuthTimeout == 0 {
		fc.Nodes.AuthTimeout = Duration(defaults.NodeAuthTimeout)
	}
	if fc.Nodes.HeartbeatInterval == 0 {
		fc.Nodes.HeartbeatInterval = Duration(defaults.NodeHeartbeatInterval)
	}
	if fc.Nodes.StaleMultiplier <= 0 {
		fc.Nodes.StaleMultiplier = defaults.NodeStaleMultiplier
	}
	if fc.Scheduler.TickInterval == 0 {
		fc.Scheduler.TickInterval = Duration(defaults.SchedulerTickInterval)
	}
	return nil
}

// StaleThreshold returns the session staleness threshold derived from
// the heartbeat cadence.
func (n Nodes) StaleThreshold() time.Duration {
	return time.Duration(n.StaleMultiplier) * n.HeartbeatInterval.Get()
}

// ApplyLogLevel configures the process logger from the config.
func (fc *FileConfig) ApplyLogLevel() {
	if fc.Log.Severity == "" {
		return
	}
	level, err := log.ParseLevel(fc.Log.Severity)
	if err != nil {
		return
	}
	log.SetLevel(level)
}
