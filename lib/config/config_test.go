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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netprobe/netprobe/lib/defaults"
)

func TestReadConfig(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(`
listen_addr: 127.0.0.1:9099
log:
  severity: debug
auth:
  jwt_signing_key: super-secret
admission:
  max_queue: 50
  queue_timeout: 30s
nodes:
  heartbeat_interval: 10s
  stale_multiplier: 4
scheduler:
  tick_interval: 2m
`))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9099", fc.ListenAddr)
	assert.Equal(t, "debug", fc.Log.Severity)
	assert.Equal(t, "super-secret", fc.Auth.JWTSigningKey)
	assert.Equal(t, 50, fc.Admission.MaxQueue)
	assert.Equal(t, 30*time.Second, fc.Admission.QueueTimeout.Get())
	assert.Equal(t, 10*time.Second, fc.Nodes.HeartbeatInterval.Get())
	assert.Equal(t, 40*time.Second, fc.Nodes.StaleThreshold())
	assert.Equal(t, 2*time.Minute, fc.Scheduler.TickInterval.Get())

	// Untouched sections keep their defaults.
	assert.Equal(t, defaults.AdmissionSweepInterval, fc.Admission.SweepInterval.Get())
	assert.Equal(t, defaults.NodeAuthTimeout, fc.Nodes.AuthTimeout.Get())
}

func TestReadConfigEmpty(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(""))
	require.NoError(t, err)
	require.NoError(t, fc.CheckAndSetDefaults())
	assert.Equal(t, defaults.HTTPListenAddr, fc.ListenAddr)
	assert.Equal(t, defaults.MaxAdmissionQueue, fc.Admission.MaxQueue)
	assert.Equal(t, defaults.NodeStaleThreshold(), fc.Nodes.StaleThreshold())
	assert.False(t, fc.Scheduler.Disabled)
}

func TestReadConfigRejectsUnknownFields(t *testing.T) {
	_, err := ReadConfig(strings.NewReader(`
listen_addr: 127.0.0.1:9099
lsiten_addr: oops
`))
	require.True(t, trace.IsBadParameter(err))
}

func TestReadConfigRejectsBadValues(t *testing.T) {
	_, err := ReadConfig(strings.NewReader(`
admission:
  queue_timeout: quickly
`))
	require.True(t, trace.IsBadParameter(err))

	_, err = ReadConfig(strings.NewReader(`
log:
  severity: shouting
`))
	require.True(t, trace.IsBadParameter(err))
}

func TestReadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netprobed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: 127.0.0.1:9099\n"), 0o600))

	fc, err := ReadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9099", fc.ListenAddr)

	_, err = ReadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.True(t, trace.IsNotFound(err))
}
