package sim

import (
	"io"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/bigbag/c6link/internal/protocol"
	"github.com/bigbag/c6link/internal/slip"
)

// UART is the chip's serial port. In download mode it answers SYNC
// requests the way the ROM bootloader does; in run mode it discards input.
type UART struct {
	chip *Chip

	mu       sync.Mutex
	download bool
	dec      slip.Decoder
	out      []byte
	notify   chan struct{}
	closed   bool
	syncs    int
}

func newUART(c *Chip) *UART {
	return &UART{chip: c, notify: make(chan struct{}, 1)}
}

// reset is called with the chip lock held.
func (u *UART) reset(download bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.download = download
	u.dec.Reset()
	u.out = nil
}

// Syncs returns how many SYNC requests were answered.
func (u *UART) Syncs() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.syncs
}

// Write feeds bytes to the chip.
func (u *UART) Write(data []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return 0, io.ErrClosedPipe
	}
	if !u.download {
		return len(data), nil
	}

	for _, frame := range u.dec.Feed(data) {
		req, err := protocol.DecodeRequest(frame)
		if err != nil {
			glog.V(2).Infof("sim: ignoring malformed ROM frame: %v", err)
			continue
		}
		resp := &protocol.Response{Command: req.Command}
		if req.Command == protocol.CmdSync {
			u.syncs++
		} else {
			resp.Status = 1
			resp.Error = protocol.ErrInvalidMessage
		}
		u.out = slip.AppendEncode(u.out, resp.Encode())
	}
	if len(u.out) > 0 {
		select {
		case u.notify <- struct{}{}:
		default:
		}
	}
	return len(data), nil
}

// ReadTimeout waits up to timeout for output from the chip.
func (u *UART) ReadTimeout(buf []byte, timeout time.Duration) (int, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		u.mu.Lock()
		if u.closed {
			u.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		if len(u.out) > 0 {
			n := copy(buf, u.out)
			u.out = u.out[n:]
			u.mu.Unlock()
			return n, nil
		}
		u.mu.Unlock()

		select {
		case <-u.notify:
		case <-deadline.C:
			return 0, nil
		}
	}
}

// Close closes the port.
func (u *UART) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	return nil
}
