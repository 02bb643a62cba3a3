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

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netprobe/netprobe"
	"github.com/netprobe/netprobe/api/types"
	"github.com/netprobe/netprobe/lib/admission"
	"github.com/netprobe/netprobe/lib/fabric"
	"github.com/netprobe/netprobe/lib/identity"
	"github.com/netprobe/netprobe/lib/registry"
	"github.com/netprobe/netprobe/lib/scheduler"
	"github.com/netprobe/netprobe/lib/services/local"
	"github.com/netprobe/netprobe/lib/tiers"
	"github.com/netprobe/netprobe/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeRunner) Dispatch(ctx context.Context, spec types.ProbeSpec, priority int) (*types.ProbeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &types.ProbeResult{
		RequestID:     "req-1",
		NodeUUID:      "node-1",
		Result:        map[string]interface{}{"ok": true},
		Success:       true,
		ExecutionTime: 0.2,
		Timestamp:     time.Now(),
	}, nil
}

type webFixture struct {
	server  *httptest.Server
	backend *local.Service
	runner  *fakeRunner
}

const (
	adminKey = "nk_admin"
	userKey  = "nk_user"
	freeKey  = "nk_free"
)

func newWebFixture(t *testing.T) *webFixture {
	t.Helper()
	ctx := context.Background()
	backend := local.NewService()
	backend.UpsertUser(types.User{ID: 1, Username: "root", Email: "root@example.com", IsActive: true, IsAdmin: true, Tier: "enterprise"})
	backend.UpsertUser(types.User{ID: 2, Username: "alice", Email: "alice@example.com", IsActive: true, Tier: "standard"})
	backend.UpsertUser(types.User{ID: 3, Username: "bob", Email: "bob@example.com", IsActive: true, Tier: "free"})
	backend.UpsertAPIKey(types.APIKey{ID: "k1", Key: adminKey, UserID: 1, IsActive: true})
	backend.UpsertAPIKey(types.APIKey{ID: "k2", Key: userKey, UserID: 2, IsActive: true})
	backend.UpsertAPIKey(types.APIKey{ID: "k3", Key: freeKey, UserID: 3, IsActive: true})

	catalog, err := tiers.NewCatalog(ctx, tiers.CatalogConfig{Tiers: backend})
	require.NoError(t, err)
	resolver, err := identity.NewResolver(identity.ResolverConfig{
		Identity: backend,
		Tiers:    catalog,
	})
	require.NoError(t, err)
	engine, err := admission.NewEngine(admission.Config{Usage: backend})
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	reg, err := registry.NewRegistry(registry.Config{Backend: backend})
	require.NoError(t, err)
	controller, err := fabric.NewController(fabric.ControllerConfig{Registry: reg})
	require.NoError(t, err)
	runner := &fakeRunner{}
	sched, err := scheduler.NewScheduler(scheduler.Config{
		Probes:    backend,
		Identity:  backend,
		Tiers:     catalog,
		Admission: engine,
		Runner:    runner,
	})
	require.NoError(t, err)

	handler, err := NewHandler(Config{
		Identity:  resolver,
		Admission: engine,
		Runner:    runner,
		Fabric:    controller,
		Registry:  reg,
		Scheduler: sched,
		Users:     backend,
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &webFixture{server: server, backend: backend, runner: runner}
}

func (f *webFixture) do(t *testing.T, method, path, apiKey string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set(netprobe.APIKeyHeader, apiKey)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]interface{}{}
	// Some endpoints return arrays; tolerate decode failures and let the
	// caller re-request when it needs the exact shape.
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	f := newWebFixture(t)
	resp, body := f.do(t, "GET", "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, netprobe.Version, body["version"])
}

func TestTokenLifecycle(t *testing.T) {
	f := newWebFixture(t)

	// Only admins mint tokens.
	resp, _ := f.do(t, "POST", "/v1/tokens", userKey, createTokenRequest{Description: "x", ExpiryHours: 24})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = f.do(t, "POST", "/v1/tokens", "", createTokenRequest{Description: "x", ExpiryHours: 24})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := f.do(t, "POST", "/v1/tokens", adminKey, createTokenRequest{Description: "lab", ExpiryHours: 24, Region: "eu-west"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["token"].(string)
	require.True(t, strings.HasPrefix(token, "pnreg_"))

	// Out-of-range expiry is rejected.
	resp, _ = f.do(t, "POST", "/v1/tokens", adminKey, createTokenRequest{Description: "x", ExpiryHours: 300})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, "DELETE", "/v1/tokens/"+token, adminKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A revoked token cannot register nodes.
	resp, _ = f.do(t, "POST", "/v1/nodes/register", "", registry.RegisterRequest{
		Token: token, Name: "probe-1", Hostname: "probe-1.lab",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func (f *webFixture) registerNode(t *testing.T) (nodeUUID, apiKey string) {
	t.Helper()
	resp, body := f.do(t, "POST", "/v1/tokens", adminKey, createTokenRequest{Description: "lab", ExpiryHours: 24})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["token"].(string)

	resp, body = f.do(t, "POST", "/v1/nodes/register", "", registry.RegisterRequest{
		Token: token, Name: "probe-1", Hostname: "probe-1.lab", Region: "eu-west",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	nodeUUID, _ = body["node_uuid"].(string)
	apiKey, _ = body["api_key"].(string)
	require.NotEmpty(t, nodeUUID)
	require.True(t, strings.HasPrefix(apiKey, "pnode_"))
	return nodeUUID, apiKey
}

func TestNodeRegistrationAndHeartbeat(t *testing.T) {
	f := newWebFixture(t)
	nodeUUID, apiKey := f.registerNode(t)

	resp, body := f.do(t, "POST", "/v1/nodes/heartbeat", "", map[string]interface{}{
		"node_uuid":    nodeUUID,
		"api_key":      apiKey,
		"current_load": 0.5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "acknowledged", body["status"])

	resp, _ = f.do(t, "POST", "/v1/nodes/heartbeat", "", map[string]interface{}{
		"node_uuid": nodeUUID,
		"api_key":   "pnode_wrong",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestNodeAdminOps(t *testing.T) {
	f := newWebFixture(t)
	nodeUUID, nodeKey := f.registerNode(t)

	resp, _ := f.do(t, "PATCH", "/v1/nodes/"+nodeUUID, userKey, map[string]interface{}{"priority": 7})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := f.do(t, "PATCH", "/v1/nodes/"+nodeUUID, adminKey, map[string]interface{}{"priority": 7})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(7), body["priority"])
	assert.Empty(t, body["api_key"])

	resp, _ = f.do(t, "DELETE", "/v1/nodes/"+nodeUUID, adminKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A deactivated node cannot heartbeat back to life.
	resp, _ = f.do(t, "POST", "/v1/nodes/heartbeat", "", map[string]interface{}{
		"node_uuid": nodeUUID,
		"api_key":   nodeKey,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestNodeWebsocket(t *testing.T) {
	f := newWebFixture(t)
	nodeUUID, apiKey := f.registerNode(t)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/ws/node"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(fabric.AuthFrame{NodeUUID: nodeUUID, APIKey: apiKey}))
	var welcome fabric.WelcomeFrame
	require.NoError(t, ws.ReadJSON(&welcome))
	assert.Equal(t, "connected", welcome.Status)
	assert.NotEmpty(t, welcome.ConnectionID)

	require.NoError(t, ws.WriteJSON(fabric.HeartbeatFrame{Type: fabric.FrameTypeHeartbeat, NodeUUID: nodeUUID}))
	var ack fabric.HeartbeatAckFrame
	require.NoError(t, ws.ReadJSON(&ack))
	assert.Equal(t, "ok", ack.Status)
}

func TestDiagnostics(t *testing.T) {
	f := newWebFixture(t)

	resp, body := f.do(t, "GET", "/v1/diagnostics/ping?target=example.com", userKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	logs := f.backend.UsageLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "user:2", logs[0].Subject)
	assert.True(t, logs[0].Success)

	// Unknown tools and missing targets are rejected before admission.
	resp, _ = f.do(t, "GET", "/v1/diagnostics/fping?target=example.com", userKey, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, "GET", "/v1/diagnostics/ping", userKey, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Len(t, f.backend.UsageLogs(), 1)

	// An invalid API key fails closed rather than degrading.
	resp, _ = f.do(t, "GET", "/v1/diagnostics/ping?target=example.com", "nk_bogus", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDiagnosticsRateLimited(t *testing.T) {
	f := newWebFixture(t)

	// The free tier admits 10 requests per minute.
	for i := 0; i < 10; i++ {
		resp, _ := f.do(t, "GET", "/v1/diagnostics/ping?target=example.com", freeKey, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := f.do(t, "GET", "/v1/diagnostics/ping?target=example.com", freeKey, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestDiagnosticsDispatchFailure(t *testing.T) {
	f := newWebFixture(t)
	f.runner.err = fmt.Errorf("boom")

	resp, _ := f.do(t, "GET", "/v1/diagnostics/ping?target=example.com", userKey, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// The ticket was still released and accounted as a failure.
	logs := f.backend.UsageLogs()
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
}

func TestScheduledProbeEndpoints(t *testing.T) {
	f := newWebFixture(t)

	probe := types.ScheduledProbe{
		Name:            "uptime",
		Tool:            types.ToolPing,
		Target:          "example.com",
		IntervalMinutes: 15,
		IsActive:        true,
	}
	resp, _ := f.do(t, "POST", "/v1/probes", "", probe)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := f.do(t, "POST", "/v1/probes", userKey, probe)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	resp, _ = f.do(t, "DELETE", "/v1/probes/"+id, adminKey, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = f.do(t, "DELETE", "/v1/probes/"+id, userKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
