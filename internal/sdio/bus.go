package sdio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// bus serializes register access to the host and bounds every access with
// a timeout. Failed accesses are reported to onFault.
type bus struct {
	mu      sync.Mutex
	host    Host
	timeout time.Duration
	onFault func(error)
}

func (b *bus) readReg(ctx context.Context, op string, addr uint32) (byte, error) {
	var v byte
	err := b.do(ctx, op, addr, func(ctx context.Context) error {
		var err error
		v, err = b.host.ReadReg(ctx, addr)
		return err
	})
	return v, err
}

func (b *bus) writeReg(ctx context.Context, op string, addr uint32, v byte) error {
	return b.do(ctx, op, addr, func(ctx context.Context) error {
		return b.host.WriteReg(ctx, addr, v)
	})
}

func (b *bus) readBlock(ctx context.Context, op string, addr uint32, buf []byte) error {
	return b.do(ctx, op, addr, func(ctx context.Context) error {
		return b.host.ReadBlock(ctx, addr, buf)
	})
}

func (b *bus) writeBlock(ctx context.Context, op string, addr uint32, data []byte) error {
	return b.do(ctx, op, addr, func(ctx context.Context) error {
		return b.host.WriteBlock(ctx, addr, data)
	})
}

// exclusive runs fn with the bus held, keeping register traffic off the
// bus while the card is re-initialized.
func (b *bus) exclusive(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn()
}

func (b *bus) do(parent context.Context, op string, addr uint32, fn func(context.Context) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, b.timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(parent.Err(), context.Canceled) {
		return fmt.Errorf("%s: %w", op, parent.Err())
	}

	kind := ErrIO
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = ErrTimeout
	}
	rerr := &RegisterError{Op: op, Addr: addr, Kind: kind, Err: err}
	if b.onFault != nil {
		b.onFault(rerr)
	}
	return rerr
}
