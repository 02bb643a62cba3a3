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

// Package dispatch routes admitted probe requests to live nodes and
// correlates their responses.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/netprobe/netprobe"
	"github.com/netprobe/netprobe/api/types"
	"github.com/netprobe/netprobe/lib/defaults"
	"github.com/netprobe/netprobe/lib/fabric"
	"github.com/netprobe/netprobe/lib/services"
	"github.com/netprobe/netprobe/lib/utils"
)

var (
	// ErrNoNodeAvailable means no live node matched the probe's tool and
	// region constraints. Satisfies both errors.Is and trace.IsNotFound.
	ErrNoNodeAvailable error = &trace.NotFoundError{Message: "no probe node available"}
	// ErrJobTimeout means the selected node did not respond before the
	// job deadline.
	ErrJobTimeout = errors.New("job timed out waiting for the node")
	// ErrNodeDisconnected means the node session ended while the job was
	// pending. Jobs are never retransmitted; retry is the caller's call.
	ErrNodeDisconnected = errors.New("node disconnected with the job pending")
	// ErrCancelled means the caller gave up on an in-flight job.
	ErrCancelled = errors.New("job cancelled by the caller")
)

// Sessions is the live session surface the dispatcher draws from. The
// fabric controller implements it.
type Sessions interface {
	Session(nodeUUID string) (*fabric.SessionHandle, bool)
}

// NodeStats records per-node job outcomes. The registry implements it.
type NodeStats interface {
	// RecordJobSuccess bumps the node's executed counter and folds the
	// execution time into its response time average.
	RecordJobSuccess(ctx context.Context, nodeUUID string, executionTime float64) error
	// RecordJobTimeout bumps the node's error counter.
	RecordJobTimeout(ctx context.Context, nodeUUID string) error
}

// Config configures a Dispatcher.
type Config struct {
	// Nodes is the node record store.
	Nodes services.Nodes
	// Sessions resolves node uuids to live sessions.
	Sessions Sessions
	// Stats receives job outcome updates.
	Stats NodeStats
	// Clock is the time source.
	Clock clockwork.Clock
	// DefaultTimeout applies when the probe spec carries none.
	DefaultTimeout time.Duration
	// MaxTimeout is the policy cap on caller-supplied deadlines.
	MaxTimeout time.Duration
	// StaleThreshold is the heartbeat age past which a node is not a
	// dispatch candidate.
	StaleThreshold time.Duration
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Nodes == nil {
		return trace.BadParameter("missing parameter Nodes")
	}
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Stats == nil {
		return trace.BadParameter("missing parameter Stats")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = defaults.JobTimeout
	}
	if c.MaxTimeout == 0 {
		c.MaxTimeout = defaults.MaxJobTimeout
	}
	if c.StaleThreshold == 0 {
		c.StaleThreshold = defaults.NodeStaleThreshold()
	}
	return nil
}

// Dispatcher routes one probe at a time to the best matching node.
type Dispatcher struct {
	cfg Config
	log *log.Entry
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Dispatcher{
		cfg: cfg,
		log: utils.NewComponentLogger(netprobe.ComponentDispatch),
	}, nil
}

// Dispatch selects a node, transmits the job and awaits the correlated
// response, the deadline or session loss, whichever comes first.
// Priority is the admitting tier's priority, passed through to the node.
func (d *Dispatcher) Dispatch(ctx context.Context, spec types.ProbeSpec, priority int) (*types.ProbeResult, error) {
	if err := spec.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	if timeout > d.cfg.MaxTimeout {
		timeout = d.cfg.MaxTimeout
	}

	node, handle, err := d.selectNode(ctx, spec)
	if err != nil {
		jobOutcomes.WithLabelValues(outcomeNoNode).Inc()
		return nil, trace.Wrap(err)
	}

	now := d.cfg.Clock.Now()
	requestID := uuid.NewString()
	waiter, err := handle.SendJob(fabric.JobFrame{
		Type:       fabric.FrameTypeDiagnosticJob,
		RequestID:  requestID,
		Tool:       spec.Tool,
		Target:     spec.Target,
		Parameters: spec.Parameters,
		Priority:   priority,
		Timeout:    timeout.Seconds(),
		Timestamp:  fabric.WireTime(now),
	})
	if err != nil {
		jobOutcomes.WithLabelValues(outcomeDisconnected).Inc()
		return nil, trace.ConnectionProblem(ErrNodeDisconnected, "failed to transmit job to node %v", node.NodeUUID)
	}

	logger := d.log.WithFields(log.Fields{
		"request_id": requestID,
		"node":       node.NodeUUID,
		"tool":       spec.Tool,
	})
	logger.Debug("Job dispatched.")

	select {
	case result := <-waiter:
		resp := result.Response
		if err := d.cfg.Stats.RecordJobSuccess(ctx, node.NodeUUID, resp.ExecutionTime); err != nil {
			logger.WithError(err).Warn("Failed to record job success.")
		}
		jobOutcomes.WithLabelValues(outcomeCompleted).Inc()
		jobDuration.Observe(d.cfg.Clock.Now().Sub(now).Seconds())
		return &types.ProbeResult{
			RequestID:     requestID,
			NodeUUID:      node.NodeUUID,
			Result:        resp.Result,
			Success:       resp.Success,
			ExecutionTime: resp.ExecutionTime,
			Timestamp:     d.cfg.Clock.Now(),
		}, nil
	case <-d.cfg.Clock.After(timeout):
		// Drop the waiter first so a response racing the deadline is
		// discarded instead of delivered to nobody.
		handle.AbandonJob(requestID)
		if err := d.cfg.Stats.RecordJobTimeout(ctx, node.NodeUUID); err != nil {
			logger.WithError(err).Warn("Failed to record job timeout.")
		}
		jobOutcomes.WithLabelValues(outcomeTimeout).Inc()
		logger.Warn("Job timed out.")
		return nil, trace.ConnectionProblem(ErrJobTimeout, "node %v did not respond within %v", node.NodeUUID, timeout)
	case <-handle.Done():
		jobOutcomes.WithLabelValues(outcomeDisconnected).Inc()
		return nil, trace.ConnectionProblem(ErrNodeDisconnected, "node %v disconnected", node.NodeUUID)
	case <-ctx.Done():
		handle.AbandonJob(requestID)
		jobOutcomes.WithLabelValues(outcomeCancelled).Inc()
		return nil, trace.ConnectionProblem(ErrCancelled, "job to node %v cancelled", node.NodeUUID)
	}
}

// selectNode picks the live node with the minimum current load among
// those that support the tool, are active, match the region hint and
// have a fresh heartbeat. Ties go to the higher node priority, then the
// lower error count.
func (d *Dispatcher) selectNode(ctx context.Context, spec types.ProbeSpec) (*types.ProbeNode, *fabric.SessionHandle, error) {
	nodes, err := d.cfg.Nodes.GetNodes(ctx)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	now := d.cfg.Clock.Now()

	var best *types.ProbeNode
	var bestHandle *fabric.SessionHandle
	for _, node := range nodes {
		if node.Status != types.NodeStatusActive || !node.SupportsTool(spec.Tool) {
			continue
		}
		if spec.Region != "" && node.Region != spec.Region {
			continue
		}
		if now.Sub(node.LastHeartbeat) > d.cfg.StaleThreshold {
			continue
		}
		handle, ok := d.cfg.Sessions.Session(node.NodeUUID)
		if !ok {
			continue
		}
		if best == nil || better(node, best) {
			best, bestHandle = node, handle
		}
	}
	if best == nil {
		return nil, nil, trace.Wrap(ErrNoNodeAvailable, "no node available for tool %q in region %q", spec.Tool, spec.Region)
	}
	return best, bestHandle, nil
}

func better(a, b *types.ProbeNode) bool {
	if a.CurrentLoad != b.CurrentLoad {
		return a.CurrentLoad < b.CurrentLoad
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ErrorCount < b.ErrorCount
}
