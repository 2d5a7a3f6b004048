package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/izzoa/ccproxy-api-sub002/internal/sse"
)

// wsReadLimit bounds a single upstream event message.
const wsReadLimit = 32 << 20

var errDial = errors.New("websocket dial failed")

// skipped when forwarding the request headers into the handshake
var wsHopHeaders = map[string]bool{
	"Connection":            true,
	"Upgrade":               true,
	"Content-Length":        true,
	"Content-Type":          true,
	"Accept":                true,
	"Sec-Websocket-Key":     true,
	"Sec-Websocket-Version": true,
}

// WebSocketTransport carries Responses API calls over a websocket.
//
// The JSON request body is sent as one {"type":"response.create",...}
// message. Every message received back becomes one SSE frame named after
// its "type", so the response body reads exactly like the HTTP streaming
// endpoint. The socket closes after a terminal event.
type WebSocketTransport struct {
	client *http.Client
}

var _ http.RoundTripper = (*WebSocketTransport)(nil)

// NewWebSocketTransport returns a transport whose handshake is bounded by
// dialTimeout.
func NewWebSocketTransport(dialTimeout time.Duration) *WebSocketTransport {
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	return &WebSocketTransport{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: dialTimeout,
			},
		},
	}
}

// RoundTrip implements http.RoundTripper.
func (t *WebSocketTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		body = b
	}
	msg, err := responseCreate(body)
	if err != nil {
		return nil, err
	}

	header := make(http.Header, len(req.Header))
	for k, v := range req.Header {
		if wsHopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		header[k] = v
	}

	ctx := req.Context()
	conn, hs, err := websocket.Dial(ctx, req.URL.String(), &websocket.DialOptions{
		HTTPClient: t.client,
		HTTPHeader: header,
	})
	if err != nil {
		// a rejected handshake carries the upstream status
		if hs != nil && hs.StatusCode >= http.StatusBadRequest {
			hs.Request = req
			return hs, nil
		}
		return nil, fmt.Errorf("%w: %w", errDial, err)
	}
	conn.SetReadLimit(wsReadLimit)

	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("failed to send response.create: %w", err)
	}

	pr, pw := io.Pipe()
	go pump(ctx, conn, pw)

	return &http.Response{
		Status:     "200 OK",
		StatusCode: http.StatusOK,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type": []string{"text/event-stream"},
		},
		Body:          &wsBody{pr: pr, conn: conn},
		ContentLength: -1,
		Request:       req,
	}, nil
}

// responseCreate wraps a Responses request body into a response.create
// message. The "stream" flag is meaningless over a socket and is dropped.
func responseCreate(body []byte) ([]byte, error) {
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("request body is not valid JSON")
	}
	msg, err := sjson.SetBytes(body, "type", "response.create")
	if err != nil {
		return nil, fmt.Errorf("failed to build response.create: %w", err)
	}
	msg, _ = sjson.DeleteBytes(msg, "stream")
	return msg, nil
}

func terminalEvent(typ string) bool {
	switch typ {
	case "response.completed", "response.incomplete", "response.failed", "error":
		return true
	}
	return false
}

// pump copies socket messages into pw as SSE frames until a terminal event,
// a read error or ctx cancellation.
func pump(ctx context.Context, conn *websocket.Conn, pw *io.PipeWriter) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				// closed without a terminal event; the reader sees a clean EOF
				// and the stream decoder reports the missing terminal
				pw.Close()
			} else {
				pw.CloseWithError(err)
			}
			conn.CloseNow()
			return
		}

		typ := gjson.GetBytes(data, "type").String()
		frame := sse.Event(typ, data)
		if _, err := pw.Write(frame.Bytes()); err != nil {
			// reader went away
			conn.CloseNow()
			return
		}
		if terminalEvent(typ) {
			conn.Close(websocket.StatusNormalClosure, "")
			pw.Close()
			return
		}
	}
}

type wsBody struct {
	pr   *io.PipeReader
	conn *websocket.Conn
}

func (b *wsBody) Read(p []byte) (int, error) { return b.pr.Read(p) }

func (b *wsBody) Close() error {
	b.conn.CloseNow()
	return b.pr.Close()
}
