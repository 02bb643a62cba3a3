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

// Package fabric maintains the server side of persistent probe node
// sessions: the authentication handshake, the heartbeat exchange, job
// framing and the live session map the dispatcher draws from.
package fabric

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/netprobe/netprobe"
	"github.com/netprobe/netprobe/api/types"
	"github.com/netprobe/netprobe/lib/defaults"
	"github.com/netprobe/netprobe/lib/utils"
)

// HeartbeatUpdate carries the mutable metrics of one heartbeat. Pointer
// fields distinguish absent from zero; CurrentLoad arrives clamped to
// [0, 1].
type HeartbeatUpdate struct {
	CurrentLoad *float64
	ErrorCount  *int
	Version     string
}

// NodeAccess is the registry surface the session controller needs. The
// registry package implements it.
type NodeAccess interface {
	// AuthenticateNode checks a node_uuid/api_key pair against the
	// stored record.
	AuthenticateNode(ctx context.Context, nodeUUID, apiKey string) (*types.ProbeNode, error)
	// HandleConnect records a successful bind: status active, fresh
	// connection id, bumped reconnect count.
	HandleConnect(ctx context.Context, nodeUUID, connectionID string) error
	// HandleDisconnect clears the binding recorded by HandleConnect.
	HandleDisconnect(ctx context.Context, nodeUUID, connectionID string) error
	// HandleSessionHeartbeat applies one heartbeat's metrics.
	HandleSessionHeartbeat(ctx context.Context, nodeUUID string, update HeartbeatUpdate) error
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	// Registry is the node record store.
	Registry NodeAccess
	// Clock is the time source.
	Clock clockwork.Clock
	// AuthTimeout bounds connect-to-auth-frame.
	AuthTimeout time.Duration
	// StaleThreshold is the heartbeat age past which a session is
	// declared dead.
	StaleThreshold time.Duration
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ControllerConfig) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = defaults.NodeAuthTimeout
	}
	if c.StaleThreshold == 0 {
		c.StaleThreshold = defaults.NodeStaleThreshold()
	}
	return nil
}

// Controller owns all live node sessions. One HandleSession call runs
// per connection; the live map is keyed by node uuid and a node can hold
// at most one session at a time.
type Controller struct {
	cfg ControllerConfig
	log *log.Entry

	// mu guards sessions; held only while swapping handles.
	mu       sync.Mutex
	sessions map[string]*SessionHandle
}

// NewController builds a session controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Controller{
		cfg:      cfg,
		log:      utils.NewComponentLogger(netprobe.ComponentFabric),
		sessions: make(map[string]*SessionHandle),
	}, nil
}

// Session returns the live handle for a node, if any.
func (c *Controller) Session(nodeUUID string) (*SessionHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handle, ok := c.sessions[nodeUUID]
	return handle, ok
}

// Sessions returns all live handles.
func (c *Controller) Sessions() []*SessionHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*SessionHandle, 0, len(c.sessions))
	for _, handle := range c.sessions {
		out = append(out, handle)
	}
	return out
}

// ConnectedCount returns the number of live sessions.
func (c *Controller) ConnectedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// HandleSession drives one node connection from handshake to close. It
// blocks until the session ends and always leaves the live map and the
// node record consistent.
func (c *Controller) HandleSession(ctx context.Context, conn MessageConn) error {
	handle, err := c.bind(ctx, conn)
	if err != nil {
		conn.Close()
		return trace.Wrap(err)
	}

	connectedNodes.Inc()
	logger := c.log.WithFields(log.Fields{
		"node":       handle.nodeUUID,
		"connection": handle.connectionID,
	})
	logger.Info("Node session established.")

	err = c.serve(ctx, handle, logger)

	c.unbind(handle)
	if dErr := c.cfg.Registry.HandleDisconnect(ctx, handle.nodeUUID, handle.connectionID); dErr != nil {
		logger.WithError(dErr).Warn("Failed to record node disconnect.")
	}
	handle.close()
	connectedNodes.Dec()
	logger.WithError(err).Info("Node session closed.")
	return trace.Wrap(err)
}

// bind performs the handshake: auth frame within the deadline, record
// check, duplicate rejection, welcome. Failures never mutate node state.
func (c *Controller) bind(ctx context.Context, conn MessageConn) (*SessionHandle, error) {
	now := c.cfg.Clock.Now()
	if err := conn.SetReadDeadline(now.Add(c.cfg.AuthTimeout)); err != nil {
		return nil, trace.Wrap(err)
	}
	payload, err := conn.ReadMessage()
	if err != nil {
		return nil, trace.ConnectionProblem(err, "no auth frame within %v", c.cfg.AuthTimeout)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, trace.Wrap(err)
	}

	var auth AuthFrame
	if err := json.Unmarshal(payload, &auth); err != nil {
		c.sendAuthError(conn, "malformed auth frame", "")
		return nil, trace.BadParameter("malformed auth frame: %v", err)
	}
	if err := auth.Check(); err != nil {
		c.sendAuthError(conn, err.Error(), "")
		return nil, trace.Wrap(err)
	}
	if _, err := c.cfg.Registry.AuthenticateNode(ctx, auth.NodeUUID, auth.APIKey); err != nil {
		c.sendAuthError(conn, "invalid node credentials", "")
		authFailures.Inc()
		return nil, trace.AccessDenied("node %v failed authentication", auth.NodeUUID)
	}

	connectionID := uuid.NewString()
	handle := newSessionHandle(auth.NodeUUID, connectionID, conn, c.cfg.Clock.Now())

	c.mu.Lock()
	if _, ok := c.sessions[auth.NodeUUID]; ok {
		c.mu.Unlock()
		// An established session always wins over a newcomer. A node
		// that lost its old connection reconnects after the stale
		// sweep or the read error tears the old session down.
		c.sendAuthError(conn, "node is already connected", "close the existing session before reconnecting")
		return nil, trace.AlreadyExists("node %v already has a live session", auth.NodeUUID)
	}
	c.sessions[auth.NodeUUID] = handle
	c.mu.Unlock()

	if err := c.cfg.Registry.HandleConnect(ctx, auth.NodeUUID, connectionID); err != nil {
		c.unbind(handle)
		return nil, trace.Wrap(err)
	}

	welcome := WelcomeFrame{
		Status:       "connected",
		ConnectionID: connectionID,
		Reconnect: ReconnectParams{
			MinDelay:     defaults.NodeReconnectMinDelay.Milliseconds(),
			MaxDelay:     defaults.NodeReconnectMaxDelay.Milliseconds(),
			JitterFactor: defaults.NodeReconnectJitterFactor,
			InitialDelay: defaults.NodeReconnectInitialDelay.Milliseconds(),
		},
		ServerTime: WireTime(c.cfg.Clock.Now()),
	}
	if err := c.writeFrame(conn, welcome); err != nil {
		c.unbind(handle)
		if dErr := c.cfg.Registry.HandleDisconnect(ctx, auth.NodeUUID, connectionID); dErr != nil {
			c.log.WithError(dErr).Warn("Failed to record node disconnect.")
		}
		return nil, trace.Wrap(err)
	}
	return handle, nil
}

// serve runs the session event loop until the peer goes away, the
// heartbeat goes stale or the surrounding context ends.
func (c *Controller) serve(ctx context.Context, handle *SessionHandle, logger *log.Entry) error {
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			payload, err := handle.conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- payload:
			case <-handle.closeC:
				return
			}
		}
	}()

	ticker := c.cfg.Clock.NewTicker(c.cfg.StaleThreshold / 3)
	defer ticker.Stop()

	for {
		select {
		case payload := <-frames:
			c.handleFrame(ctx, handle, payload, logger)
		case err := <-readErr:
			return trace.ConnectionProblem(err, "node connection lost")
		case <-ticker.Chan():
			if age := handle.heartbeatAge(c.cfg.Clock.Now()); age > c.cfg.StaleThreshold {
				staleSessions.Inc()
				return trace.ConnectionProblem(nil, "node heartbeat is %v old, declaring session stale", age)
			}
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
}

func (c *Controller) handleFrame(ctx context.Context, handle *SessionHandle, payload []byte, logger *log.Entry) {
	typ, err := frameType(payload)
	if err != nil {
		logger.WithError(err).Warn("Ignoring malformed frame.")
		return
	}
	framesReceived.WithLabelValues(typ).Inc()

	switch typ {
	case FrameTypeHeartbeat:
		var hb HeartbeatFrame
		if err := json.Unmarshal(payload, &hb); err != nil {
			logger.WithError(err).Warn("Ignoring malformed heartbeat.")
			return
		}
		c.handleHeartbeat(ctx, handle, hb, logger)
	case FrameTypeDiagnosticResponse:
		var resp ResponseFrame
		if err := json.Unmarshal(payload, &resp); err != nil {
			logger.WithError(err).Warn("Ignoring malformed response frame.")
			return
		}
		c.handleResponse(handle, resp, logger)
	default:
		// Unknown frames never terminate the session.
		logger.WithField("frame_type", typ).Warn("Ignoring unknown frame type.")
	}
}

func (c *Controller) handleHeartbeat(ctx context.Context, handle *SessionHandle, hb HeartbeatFrame, logger *log.Entry) {
	// A heartbeat naming another node never counts for the bound one.
	if hb.NodeUUID != handle.nodeUUID {
		logger.WithField("frame_node", hb.NodeUUID).Warn("Ignoring heartbeat for a different node.")
		return
	}
	now := c.cfg.Clock.Now()
	handle.touchHeartbeat(now)

	update := HeartbeatUpdate{
		ErrorCount: hb.ErrorCount,
		Version:    hb.Version,
	}
	if hb.CurrentLoad != nil {
		load := clamp01(*hb.CurrentLoad)
		update.CurrentLoad = &load
	}
	if err := c.cfg.Registry.HandleSessionHeartbeat(ctx, handle.nodeUUID, update); err != nil {
		logger.WithError(err).Warn("Failed to apply heartbeat.")
	}

	ack := HeartbeatAckFrame{
		Type:       FrameTypeHeartbeatAck,
		Status:     "ok",
		ServerTime: WireTime(now),
	}
	if err := c.writeFrame(handle.conn, ack); err != nil {
		logger.WithError(err).Warn("Failed to ack heartbeat.")
	}
}

// handleResponse correlates a response with its pending job. Responses
// with no pending record, late or retransmitted, are discarded but still
// acknowledged so the node stops resending.
func (c *Controller) handleResponse(handle *SessionHandle, resp ResponseFrame, logger *log.Entry) {
	record, ok := handle.takePending(resp.RequestID)
	if ok {
		record.waiter <- JobResult{Response: resp}
	} else {
		logger.WithField("request_id", resp.RequestID).Debug("Discarding response with no pending job.")
	}

	ack := ResultReceivedFrame{
		Type:      FrameTypeResultReceived,
		Status:    "ok",
		RequestID: resp.RequestID,
	}
	if err := c.writeFrame(handle.conn, ack); err != nil {
		logger.WithError(err).Warn("Failed to ack response.")
	}
}

func (c *Controller) sendAuthError(conn MessageConn, message, details string) {
	frame := AuthErrorFrame{Status: "error", Message: message, Details: details}
	if err := c.writeFrame(conn, frame); err != nil {
		c.log.WithError(err).Debug("Failed to send auth error.")
	}
}

func (c *Controller) writeFrame(conn MessageConn, frame interface{}) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(conn.WriteMessage(payload))
}

// unbind removes the handle from the live map if it is still the bound
// one. A newer session for the same node is never displaced.
func (c *Controller) unbind(handle *SessionHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[handle.nodeUUID] == handle {
		delete(c.sessions, handle.nodeUUID)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
