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
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
)

// MessageConn is a message-oriented transport: each payload is one frame.
// The controller and the probe client speak through this interface so
// session logic is testable without a network.
type MessageConn interface {
	// ReadMessage blocks for the next inbound frame.
	ReadMessage() ([]byte, error)
	// WriteMessage transmits one frame. Safe for concurrent use.
	WriteMessage(payload []byte) error
	// SetReadDeadline bounds the next ReadMessage. The zero time clears
	// the deadline.
	SetReadDeadline(t time.Time) error
	// Close tears the transport down; pending reads fail.
	Close() error
	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}

// websocketConn adapts a gorilla websocket connection to MessageConn.
// Gorilla permits at most one concurrent writer, so writes are
// serialized here.
type websocketConn struct {
	ws *websocket.Conn

	wmu sync.Mutex
}

// NewWebsocketConn wraps an upgraded websocket connection.
func NewWebsocketConn(ws *websocket.Conn) MessageConn {
	return &websocketConn{ws: ws}
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	_, payload, err := c.ws.ReadMessage()
	if err != nil {
		return nil, trace.ConnectionProblem(err, "websocket read failed")
	}
	return payload, nil
}

func (c *websocketConn) WriteMessage(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return trace.ConnectionProblem(err, "websocket write failed")
	}
	return nil
}

func (c *websocketConn) SetReadDeadline(t time.Time) error {
	return trace.Wrap(c.ws.SetReadDeadline(t))
}

func (c *websocketConn) Close() error {
	c.wmu.Lock()
	// Best effort close handshake; the hard close below is what matters.
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return trace.Wrap(c.ws.Close())
}

func (c *websocketConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
