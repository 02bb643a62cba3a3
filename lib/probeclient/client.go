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

// Package probeclient implements the node side of the fabric protocol:
// connect, authenticate, heartbeat, execute jobs, reconnect with the
// pacing the server advertises.
package probeclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/netprobe/netprobe"
	"github.com/netprobe/netprobe/lib/defaults"
	"github.com/netprobe/netprobe/lib/fabric"
	"github.com/netprobe/netprobe/lib/utils"
)

// Runner executes one diagnostic job on the node. Implementations wrap
// the actual tool binaries; tests substitute a fake.
type Runner interface {
	// Run executes the job and returns the tool output. An error marks
	// the response unsuccessful; the error text travels in the result.
	Run(ctx context.Context, job fabric.JobFrame) (map[string]interface{}, error)
}

// DialFunc establishes one connection to the control plane.
type DialFunc func(ctx context.Context) (fabric.MessageConn, error)

// Config configures a Client.
type Config struct {
	// ServerAddr is the websocket URL of the control plane, e.g.
	// ws://host:8088/v1/ws/node. Ignored when Dial is set.
	ServerAddr string
	// NodeUUID and APIKey are the node credentials.
	NodeUUID string
	APIKey   string
	// Version is reported in the auth frame and heartbeats.
	Version string
	// Runner executes jobs.
	Runner Runner
	// Dial overrides the websocket dialer, used in tests.
	Dial DialFunc
	// Clock is the time source.
	Clock clockwork.Clock
	// HeartbeatInterval is the heartbeat cadence.
	HeartbeatInterval time.Duration
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.NodeUUID == "" {
		return trace.BadParameter("missing parameter NodeUUID")
	}
	if c.APIKey == "" {
		return trace.BadParameter("missing parameter APIKey")
	}
	if c.Runner == nil {
		return trace.BadParameter("missing parameter Runner")
	}
	if c.Dial == nil {
		if c.ServerAddr == "" {
			return trace.BadParameter("missing parameter ServerAddr")
		}
		addr := c.ServerAddr
		c.Dial = func(ctx context.Context) (fabric.MessageConn, error) {
			ws, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
			if err != nil {
				return nil, trace.ConnectionProblem(err, "failed to dial %v", addr)
			}
			return fabric.NewWebsocketConn(ws), nil
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.NodeHeartbeatInterval
	}
	return nil
}

// Client maintains one session to the control plane, reconnecting with
// the pacing the server advertises in its welcome frame.
type Client struct {
	cfg Config
	log *log.Entry

	// mu guards load and errorCount, reported in heartbeats.
	mu         sync.Mutex
	load       float64
	errorCount int
}

// NewClient builds a probe client.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{
		cfg: cfg,
		log: utils.NewComponentLogger(netprobe.ComponentProbeClient),
	}, nil
}

// SetLoad updates the load figure reported in heartbeats.
func (c *Client) SetLoad(load float64) {
	c.mu.Lock()
	c.load = load
	c.mu.Unlock()
}

// Run connects and serves until the context ends. Every session loss
// feeds the retry; a successful welcome resets it and re-applies the
// server's advertised pacing.
func (c *Client) Run(ctx context.Context) error {
	retry, err := utils.NewLinear(utils.LinearConfig{
		First:  defaults.NodeReconnectInitialDelay,
		Step:   defaults.NodeReconnectInitialDelay,
		Max:    defaults.NodeReconnectMaxDelay,
		Jitter: utils.NewFractionalJitter(defaults.NodeReconnectJitterFactor),
		Clock:  c.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	for {
		welcome, err := c.serveSession(ctx)
		if err == nil || ctx.Err() != nil {
			return trace.Wrap(ctx.Err())
		}
		c.log.WithError(err).Warn("Session lost, reconnecting.")
		if welcome != nil {
			applyReconnectParams(retry, welcome.Reconnect)
		}
		retry.Inc()
		select {
		case <-retry.After():
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
}

// applyReconnectParams folds the server's advertised pacing into the
// retry progression.
func applyReconnectParams(retry *utils.Linear, params fabric.ReconnectParams) {
	if params.InitialDelay > 0 {
		retry.First = time.Duration(params.InitialDelay) * time.Millisecond
	}
	if params.MinDelay > 0 {
		retry.Step = time.Duration(params.MinDelay) * time.Millisecond
	}
	if params.MaxDelay > 0 {
		retry.Max = time.Duration(params.MaxDelay) * time.Millisecond
	}
	if params.JitterFactor > 0 {
		retry.Jitter = utils.NewFractionalJitter(params.JitterFactor)
	}
	retry.Reset()
}

// serveSession runs one connect-auth-serve cycle. It returns the welcome
// frame, if one was received, so the caller can honor the advertised
// reconnect pacing.
func (c *Client) serveSession(ctx context.Context) (*fabric.WelcomeFrame, error) {
	conn, err := c.cfg.Dial(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer conn.Close()

	if err := c.writeFrame(conn, fabric.AuthFrame{
		NodeUUID: c.cfg.NodeUUID,
		APIKey:   c.cfg.APIKey,
		Version:  c.cfg.Version,
	}); err != nil {
		return nil, trace.Wrap(err)
	}
	payload, err := conn.ReadMessage()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var welcome fabric.WelcomeFrame
	if err := json.Unmarshal(payload, &welcome); err != nil {
		return nil, trace.BadParameter("malformed welcome frame: %v", err)
	}
	if welcome.Status != "connected" {
		var authErr fabric.AuthErrorFrame
		if err := json.Unmarshal(payload, &authErr); err == nil && authErr.Message != "" {
			return nil, trace.AccessDenied("server rejected session: %v", authErr.Message)
		}
		return nil, trace.AccessDenied("server rejected session")
	}
	c.log.WithField("connection", welcome.ConnectionID).Info("Connected to control plane.")

	err = c.serve(ctx, conn)
	return &welcome, trace.Wrap(err)
}

// serve pumps frames and heartbeats until the connection dies.
func (c *Client) serve(ctx context.Context, conn fabric.MessageConn) error {
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			payload, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- payload:
			case <-done:
				return
			}
		}
	}()

	ticker := c.cfg.Clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-frames:
			c.handleFrame(ctx, conn, payload)
		case err := <-readErr:
			return trace.ConnectionProblem(err, "connection to control plane lost")
		case <-ticker.Chan():
			if err := c.sendHeartbeat(conn); err != nil {
				return trace.Wrap(err)
			}
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, conn fabric.MessageConn, payload []byte) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &header); err != nil {
		c.log.WithError(err).Warn("Ignoring malformed frame.")
		return
	}
	switch header.Type {
	case fabric.FrameTypeDiagnosticJob:
		var job fabric.JobFrame
		if err := json.Unmarshal(payload, &job); err != nil {
			c.log.WithError(err).Warn("Ignoring malformed job frame.")
			return
		}
		// Jobs run concurrently; the session loop stays responsive to
		// heartbeats while a slow tool runs.
		go c.runJob(ctx, conn, job)
	case fabric.FrameTypeHeartbeatAck, fabric.FrameTypeResultReceived:
		// Nothing to do.
	default:
		c.log.WithField("frame_type", header.Type).Warn("Ignoring unknown frame type.")
	}
}

func (c *Client) runJob(ctx context.Context, conn fabric.MessageConn, job fabric.JobFrame) {
	timeout := time.Duration(job.Timeout * float64(time.Second))
	if timeout <= 0 {
		timeout = defaults.JobTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := c.cfg.Clock.Now()
	result, err := c.cfg.Runner.Run(jobCtx, job)
	elapsed := c.cfg.Clock.Now().Sub(started).Seconds()

	resp := fabric.ResponseFrame{
		Type:          fabric.FrameTypeDiagnosticResponse,
		RequestID:     job.RequestID,
		Result:        result,
		Success:       err == nil,
		ExecutionTime: elapsed,
		Timestamp:     fabric.WireTime(c.cfg.Clock.Now()),
	}
	if err != nil {
		c.mu.Lock()
		c.errorCount++
		c.mu.Unlock()
		resp.Result = map[string]interface{}{"error": err.Error()}
	}
	if wErr := c.writeFrame(conn, resp); wErr != nil {
		c.log.WithError(wErr).Warn("Failed to send job response.")
	}
}

func (c *Client) sendHeartbeat(conn fabric.MessageConn) error {
	c.mu.Lock()
	load := c.load
	errorCount := c.errorCount
	c.mu.Unlock()
	return trace.Wrap(c.writeFrame(conn, fabric.HeartbeatFrame{
		Type:        fabric.FrameTypeHeartbeat,
		NodeUUID:    c.cfg.NodeUUID,
		CurrentLoad: &load,
		ErrorCount:  &errorCount,
		Version:     c.cfg.Version,
	}))
}

func (c *Client) writeFrame(conn fabric.MessageConn, frame interface{}) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(conn.WriteMessage(payload))
}
