// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"

	"github.com/coder/websocket"
)

// WebsocketTransport is the sibling of StdioTransport for app servers reached
// over a websocket instead of a spawned subprocess (§4.4: "same framing,
// different carrier"). One JSON-RPC message per websocket text frame.
type WebsocketTransport struct {
	conn *websocket.Conn
}

// DialWebsocket connects to an app server exposed over ws(s)://.
func DialWebsocket(ctx context.Context, url string) (*WebsocketTransport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &WebsocketTransport{conn: conn}, nil
}

func (w *WebsocketTransport) Send(ctx context.Context, message []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, message)
}

func (w *WebsocketTransport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *WebsocketTransport) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "shutdown")
}

var _ ByteStream = (*StdioTransport)(nil)
var _ ByteStream = (*WebsocketTransport)(nil)
