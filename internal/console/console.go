// Package console opens the local side of the bootloader bridge: a serial
// device or a WebSocket endpoint carrying the raw byte stream.
package console

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/bigbag/c6link/internal/serial"
)

// Console is a byte transport with bounded reads.
type Console interface {
	ReadTimeout(buf []byte, timeout time.Duration) (int, error)
	Write(data []byte) (int, error)
	io.Closer
	Name() string
}

// Options configures Open.
type Options struct {
	// BaudRate applies to serial devices.
	BaudRate int
	// Username and Password enable HTTP Basic auth on WebSocket consoles.
	Username string
	Password string
	// SkipTLSVerify disables certificate checks for wss:// endpoints.
	SkipTLSVerify bool
	// HandshakeTimeout bounds the WebSocket handshake.
	HandshakeTimeout time.Duration
}

// IsWebSocket reports whether target names a WebSocket endpoint.
func IsWebSocket(target string) bool {
	return strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://")
}

// Open resolves target to a console. ws:// and wss:// URLs dial a
// WebSocket; anything else is opened as a serial device.
func Open(ctx context.Context, target string, opts Options) (Console, error) {
	if target == "" {
		return nil, fmt.Errorf("no console specified")
	}
	if IsWebSocket(target) {
		return DialWebSocket(ctx, target, opts)
	}
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err == nil {
			return nil, fmt.Errorf("unsupported console scheme: %s (use ws://, wss:// or a serial device)", u.Scheme)
		}
		return nil, fmt.Errorf("invalid console URL: %w", err)
	}

	port, err := serial.Open(target, opts.BaudRate)
	if err != nil {
		return nil, err
	}
	return serialConsole{port}, nil
}

type serialConsole struct {
	*serial.Port
}

func (s serialConsole) Name() string {
	return s.PortName()
}
