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

package fabric

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// PipeConn is an in-memory MessageConn, one end of a connected pair.
// It exists so session logic is testable without a network; read
// deadlines are accepted but not enforced.
type PipeConn struct {
	inbox chan []byte
	peer  *PipeConn

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPipeConn returns two connected in-memory message conns. Frames
// written to one end are read from the other. Both ends buffer a few
// frames so a test can drive one side without a concurrent reader.
func NewPipeConn() (*PipeConn, *PipeConn) {
	a := &PipeConn{inbox: make(chan []byte, 32), closed: make(chan struct{})}
	b := &PipeConn{inbox: make(chan []byte, 32), closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

// ReadMessage blocks for the next inbound frame.
func (c *PipeConn) ReadMessage() ([]byte, error) {
	select {
	case payload := <-c.inbox:
		return payload, nil
	case <-c.closed:
		return nil, trace.ConnectionProblem(io.EOF, "connection closed")
	case <-c.peer.closed:
		return nil, trace.ConnectionProblem(io.EOF, "peer closed connection")
	}
}

// WriteMessage delivers one frame to the peer.
func (c *PipeConn) WriteMessage(payload []byte) error {
	select {
	case c.peer.inbox <- payload:
		return nil
	case <-c.closed:
		return trace.ConnectionProblem(io.EOF, "connection closed")
	case <-c.peer.closed:
		return trace.ConnectionProblem(io.EOF, "peer closed connection")
	}
}

// ReadFrame reads the next frame and unmarshals it into out. It gives
// up after a few seconds so a stuck test fails instead of hanging.
func (c *PipeConn) ReadFrame(out interface{}) error {
	select {
	case payload := <-c.inbox:
		if err := json.Unmarshal(payload, out); err != nil {
			return trace.BadParameter("malformed frame: %v", err)
		}
		return nil
	case <-c.closed:
		return trace.ConnectionProblem(io.EOF, "connection closed")
	case <-time.After(5 * time.Second):
		return trace.ConnectionProblem(nil, "timed out waiting for a frame")
	}
}

// SendFrame marshals frame and delivers it to the peer.
func (c *PipeConn) SendFrame(frame interface{}) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(c.WriteMessage(payload))
}

// SetReadDeadline implements MessageConn; the deadline is ignored.
func (c *PipeConn) SetReadDeadline(t time.Time) error { return nil }

// Close tears both directions down.
func (c *PipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// RemoteAddr implements MessageConn.
func (c *PipeConn) RemoteAddr() string { return "pipe" }
