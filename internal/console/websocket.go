package console

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned when reading from a closed WebSocket
// console.
var ErrConnectionClosed = errors.New("websocket connection closed")

// WebSocketConsole carries the console byte stream in binary WebSocket
// messages. A reader goroutine feeds incoming messages to ReadTimeout.
type WebSocketConsole struct {
	conn *websocket.Conn
	url  string

	msgs    chan []byte
	done    chan struct{}
	pending []byte
	readErr error

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialWebSocket connects to a WebSocket console.
func DialWebSocket(ctx context.Context, wsURL string, opts Options) (*WebSocketConsole, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: opts.SkipTLSVerify}
	}

	headers := http.Header{}
	if opts.Username != "" && opts.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(opts.Username + ":" + opts.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connection failed: %w", err)
	}

	c := newWebSocketConsole(conn, wsURL)
	glog.Infof("console: connected to %s", wsURL)
	return c, nil
}

func newWebSocketConsole(conn *websocket.Conn, name string) *WebSocketConsole {
	c := &WebSocketConsole{
		conn: conn,
		url:  name,
		msgs: make(chan []byte, 16),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *WebSocketConsole) readLoop() {
	defer close(c.msgs)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		select {
		case c.msgs <- data:
		case <-c.done:
			return
		}
	}
}

// ReadTimeout returns buffered bytes first, then waits up to timeout for the
// next message.
func (c *WebSocketConsole) ReadTimeout(buf []byte, timeout time.Duration) (int, error) {
	if len(c.pending) == 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case data, ok := <-c.msgs:
			if !ok {
				if c.readErr != nil {
					return 0, fmt.Errorf("%w: %w", ErrConnectionClosed, c.readErr)
				}
				return 0, ErrConnectionClosed
			}
			c.pending = data
		case <-timer.C:
			return 0, nil
		}
	}

	n := copy(buf, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write sends data as one binary message.
func (c *WebSocketConsole) Write(data []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Name returns the endpoint URL.
func (c *WebSocketConsole) Name() string {
	return c.url
}

// Close sends a close frame and closes the connection.
func (c *WebSocketConsole) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
