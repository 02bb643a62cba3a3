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

package probeclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netprobe/netprobe/lib/fabric"
	"github.com/netprobe/netprobe/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

// fakeDialer hands the server side of every dialed connection to the
// test through a channel.
type fakeDialer struct {
	mu    sync.Mutex
	count int
	conns chan *fabric.PipeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fabric.PipeConn, 4)}
}

func (d *fakeDialer) dial(ctx context.Context) (fabric.MessageConn, error) {
	client, server := fabric.NewPipeConn()
	d.mu.Lock()
	d.count++
	d.mu.Unlock()
	d.conns <- server
	return client, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

func (d *fakeDialer) accept(t *testing.T) *fabric.PipeConn {
	t.Helper()
	select {
	case server := <-d.conns:
		return server
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the client to dial")
		return nil
	}
}

// fakeToolRunner answers ping jobs and fails everything else.
type fakeToolRunner struct{}

func (fakeToolRunner) Run(ctx context.Context, job fabric.JobFrame) (map[string]interface{}, error) {
	if job.Tool != "ping" {
		return nil, trace.BadParameter("unsupported tool %q", job.Tool)
	}
	return map[string]interface{}{"rtt_ms": 4.2, "target": job.Target}, nil
}

// awaitFrame reads frames until one of the wanted type arrives, skipping
// any others that interleave with it.
func awaitFrame(t *testing.T, c *fabric.PipeConn, frameType string, out interface{}) {
	t.Helper()
	for i := 0; i < 32; i++ {
		var raw map[string]interface{}
		require.NoError(t, c.ReadFrame(&raw))
		if raw["type"] != frameType {
			continue
		}
		payload, err := json.Marshal(raw)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(payload, out))
		return
	}
	t.Fatalf("no %v frame arrived", frameType)
}

func welcomeFrame() fabric.WelcomeFrame {
	return fabric.WelcomeFrame{
		Status:       "connected",
		ConnectionID: "conn-1",
		Reconnect: fabric.ReconnectParams{
			MinDelay:     1000,
			MaxDelay:     30000,
			JitterFactor: 0.10,
			InitialDelay: 1000,
		},
		ServerTime: fabric.WireTime(time.Now()),
	}
}

type clientFixture struct {
	client *Client
	dialer *fakeDialer
	clock  *clockwork.FakeClock
	cancel context.CancelFunc
	doneC  chan error
}

func startClient(t *testing.T) *clientFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	dialer := newFakeDialer()
	client, err := NewClient(Config{
		NodeUUID: "node-1",
		APIKey:   "pnode_secret",
		Version:  "1.2.0",
		Runner:   fakeToolRunner{},
		Dial:     dialer.dial,
		Clock:    clock,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	doneC := make(chan error, 1)
	go func() { doneC <- client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-doneC:
		case <-time.After(5 * time.Second):
			t.Error("client did not shut down")
		}
	})

	return &clientFixture{
		client: client,
		dialer: dialer,
		clock:  clock,
		cancel: cancel,
		doneC:  doneC,
	}
}

// handshake accepts the pending dial and answers its auth frame with a
// welcome, returning the server side of the session.
func (f *clientFixture) handshake(t *testing.T) *fabric.PipeConn {
	t.Helper()
	server := f.dialer.accept(t)
	var auth fabric.AuthFrame
	require.NoError(t, server.ReadFrame(&auth))
	assert.Equal(t, "node-1", auth.NodeUUID)
	assert.Equal(t, "pnode_secret", auth.APIKey)
	assert.Equal(t, "1.2.0", auth.Version)
	require.NoError(t, server.SendFrame(welcomeFrame()))
	return server
}

func TestClientExecutesJobs(t *testing.T) {
	f := startClient(t)
	server := f.handshake(t)

	require.NoError(t, server.SendFrame(fabric.JobFrame{
		Type:      fabric.FrameTypeDiagnosticJob,
		RequestID: "req-1",
		Tool:      "ping",
		Target:    "example.com",
		Timeout:   30,
	}))
	var resp fabric.ResponseFrame
	awaitFrame(t, server, fabric.FrameTypeDiagnosticResponse, &resp)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.True(t, resp.Success)
	assert.Equal(t, 4.2, resp.Result["rtt_ms"])
	assert.NotEmpty(t, resp.Timestamp)
	require.NoError(t, server.SendFrame(fabric.ResultReceivedFrame{
		Type: fabric.FrameTypeResultReceived, Status: "ok", RequestID: "req-1",
	}))

	// A failing tool produces an unsuccessful response carrying the
	// error text.
	require.NoError(t, server.SendFrame(fabric.JobFrame{
		Type:      fabric.FrameTypeDiagnosticJob,
		RequestID: "req-2",
		Tool:      "nmap",
		Target:    "example.com",
	}))
	awaitFrame(t, server, fabric.FrameTypeDiagnosticResponse, &resp)
	assert.Equal(t, "req-2", resp.RequestID)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Result["error"], "unsupported tool")
}

func TestClientHeartbeats(t *testing.T) {
	f := startClient(t)
	server := f.handshake(t)

	// Fail one job so the heartbeat has an error count to report.
	require.NoError(t, server.SendFrame(fabric.JobFrame{
		Type:      fabric.FrameTypeDiagnosticJob,
		RequestID: "req-1",
		Tool:      "nmap",
		Target:    "example.com",
	}))
	var resp fabric.ResponseFrame
	awaitFrame(t, server, fabric.FrameTypeDiagnosticResponse, &resp)
	require.False(t, resp.Success)

	f.client.SetLoad(0.4)
	// The only sleeper is the heartbeat ticker.
	f.clock.BlockUntil(1)
	f.clock.Advance(16 * time.Second)

	var hb fabric.HeartbeatFrame
	awaitFrame(t, server, fabric.FrameTypeHeartbeat, &hb)
	assert.Equal(t, "node-1", hb.NodeUUID)
	assert.Equal(t, "1.2.0", hb.Version)
	require.NotNil(t, hb.CurrentLoad)
	assert.Equal(t, 0.4, *hb.CurrentLoad)
	require.NotNil(t, hb.ErrorCount)
	assert.Equal(t, 1, *hb.ErrorCount)

	// The ack is absorbed without breaking the session.
	require.NoError(t, server.SendFrame(fabric.HeartbeatAckFrame{
		Type: fabric.FrameTypeHeartbeatAck, Status: "ok",
	}))
}

// TestClientReconnects drops the session and verifies the client redials
// with the pacing the server advertised in its welcome.
func TestClientReconnects(t *testing.T) {
	f := startClient(t)
	server := f.handshake(t)
	require.Equal(t, 1, f.dialer.dialCount())

	server.Close()

	// The retry timer is the only sleeper once the session is gone, but
	// tearing the session down races with this test: the dying session's
	// heartbeat ticker can still be registered when we wait. Keep
	// advancing until the retry timer has been registered and fired.
	require.Eventually(t, func() bool {
		f.clock.Advance(40 * time.Second)
		return f.dialer.dialCount() == 2
	}, 5*time.Second, 10*time.Millisecond)

	server = f.handshake(t)
	require.Equal(t, 2, f.dialer.dialCount())

	// The fresh session serves jobs as usual.
	require.NoError(t, server.SendFrame(fabric.JobFrame{
		Type:      fabric.FrameTypeDiagnosticJob,
		RequestID: "req-1",
		Tool:      "ping",
		Target:    "example.com",
	}))
	var resp fabric.ResponseFrame
	awaitFrame(t, server, fabric.FrameTypeDiagnosticResponse, &resp)
	assert.True(t, resp.Success)
}

func TestClientRetriesRejectedAuth(t *testing.T) {
	f := startClient(t)

	server := f.dialer.accept(t)
	var auth fabric.AuthFrame
	require.NoError(t, server.ReadFrame(&auth))
	require.NoError(t, server.SendFrame(fabric.AuthErrorFrame{
		Status:  "error",
		Message: "invalid node credentials",
	}))

	f.clock.BlockUntil(1)
	f.clock.Advance(40 * time.Second)

	// The client keeps trying with the same credentials.
	server = f.dialer.accept(t)
	require.NoError(t, server.ReadFrame(&auth))
	assert.Equal(t, "node-1", auth.NodeUUID)
	require.Equal(t, 2, f.dialer.dialCount())
}
