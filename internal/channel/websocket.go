package channel

import (
	"context"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
)

// WebSocketDialer opens channel transports over nhooyr.io/websocket.
type WebSocketDialer struct {
	Token      string
	HTTPClient *http.Client
	ReadLimit  int64
}

func NewWebSocketDialer(token string, httpClient *http.Client) *WebSocketDialer {
	return &WebSocketDialer{
		Token:      strings.TrimSpace(token),
		HTTPClient: httpClient,
		ReadLimit:  1 << 20,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &webSocketTransport{conn: conn}, nil
}

type webSocketTransport struct {
	conn *websocket.Conn
}

func (t *webSocketTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *webSocketTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *webSocketTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
