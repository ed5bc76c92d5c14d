/*
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

package agent

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the narrow slice of *websocket.Conn the agent depends on, so
// tests can substitute an in-memory fake instead of a real socket.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn, abstracting gorilla/websocket's Dialer so the
// agent's connect loop is substitutable in tests.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// websocketDialer is the production Dialer backed by gorilla/websocket,
// the transport also pulled in indirectly through the AWS SDK dependency
// chain in the example pack.
type websocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer returns the production Dialer.
func NewWebsocketDialer() Dialer {
	return &websocketDialer{dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}}
}

func (d *websocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
