package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/bigbag/c6link/internal/protocol"
	"github.com/bigbag/c6link/internal/slip"
)

// ErrSyncTimeout is returned when the bootloader never answers the SYNC
// request.
var ErrSyncTimeout = errors.New("bridge: bootloader sync timed out")

// ErrSyncRejected is returned by a verifying sync when the bootloader
// answers SYNC only with an error status.
var ErrSyncRejected = errors.New("bridge: bootloader rejected sync")

// maxSyncPending bounds the unframed reply bytes kept between reads.
const maxSyncPending = 4096

// SyncConfig configures the sync helper.
type SyncConfig struct {
	Attempts int
	Timeout  time.Duration
	// Verify requires a decoded SYNC response with a success status.
	// Otherwise any non-empty reply succeeds.
	Verify bool
}

// DefaultSyncConfig returns 10 attempts of 100 ms each.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{Attempts: 10, Timeout: 100 * time.Millisecond}
}

// Sync sends the framed SYNC request up to cfg.Attempts times and succeeds
// on the first non-empty reply. With cfg.Verify only a successful SYNC
// response counts, and frames for other commands and bytes outside frames
// are skipped. Write and read errors count as a failed attempt.
func Sync(ctx context.Context, port Port, cfg SyncConfig) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultSyncConfig().Attempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSyncConfig().Timeout
	}

	request := protocol.SyncRequest()
	buf := make([]byte, 256)
	var pending []byte
	var rejected *protocol.Response

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := SendFramed(port, request); err != nil {
			glog.V(1).Infof("bridge: sync attempt %d write: %v", attempt, err)
			continue
		}

		deadline := time.Now().Add(cfg.Timeout)
		for remaining := cfg.Timeout; remaining > 0; remaining = time.Until(deadline) {
			n, err := port.ReadTimeout(buf, remaining)
			var resp *protocol.Response
			if n > 0 {
				pending = append(pending, buf[:n]...)
				resp, pending = nextSyncResponse(pending)
				if len(pending) > maxSyncPending {
					pending = nil
				}
				if !cfg.Verify {
					if resp != nil && !resp.IsSuccess() {
						glog.Warningf("bridge: bootloader answered sync with %s", resp.ErrorString())
					}
					glog.Infof("bridge: bootloader answered sync on attempt %d", attempt)
					return nil
				}
			}
			if resp != nil {
				if resp.IsSuccess() {
					glog.Infof("bridge: bootloader answered sync on attempt %d", attempt)
					return nil
				}
				glog.V(1).Infof("bridge: sync attempt %d rejected: %s", attempt, resp.ErrorString())
				rejected = resp
				break
			}
			if err != nil {
				glog.V(1).Infof("bridge: sync attempt %d read: %v", attempt, err)
				break
			}
			if n == 0 {
				break
			}
		}
	}

	if rejected != nil {
		return fmt.Errorf("%w after %d attempts: %s", ErrSyncRejected, cfg.Attempts, rejected.ErrorString())
	}
	return fmt.Errorf("%w after %d attempts", ErrSyncTimeout, cfg.Attempts)
}

// nextSyncResponse scans the complete frames in data for a SYNC response.
// A successful response is returned as soon as it is seen; otherwise the
// last rejection is returned, if any. The unconsumed bytes are returned as
// rest.
func nextSyncResponse(data []byte) (resp *protocol.Response, rest []byte) {
	for {
		frame, remaining := slip.ReadFrame(data)
		if frame == nil {
			return resp, remaining
		}
		data = remaining

		r, err := protocol.DecodeResponse(slip.Decode(frame))
		if err != nil {
			glog.V(2).Infof("bridge: ignoring sync reply frame: %v", err)
			continue
		}
		if r.Command != protocol.CmdSync {
			continue
		}
		if r.IsSuccess() {
			return r, data
		}
		resp = r
	}
}
