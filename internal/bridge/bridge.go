// Package bridge relays bytes between a local console and the companion
// chip's UART so an external flashing tool can talk to the companion ROM
// bootloader as if it were wired directly.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/bigbag/c6link/internal/bootmode"
	"github.com/bigbag/c6link/internal/protocol"
	"github.com/bigbag/c6link/internal/slip"
)

// Port is a byte transport with bounded reads.
type Port interface {
	// ReadTimeout reads up to len(buf) bytes, waiting at most timeout for
	// the first byte. It returns 0, nil when nothing arrived.
	ReadTimeout(buf []byte, timeout time.Duration) (int, error)
	Write(data []byte) (int, error)
}

// DownloadSequencer places the companion chip into its ROM bootloader.
type DownloadSequencer interface {
	EnterDownloadMode()
	Mode() bootmode.Mode
}

// Config holds bridge parameters.
type Config struct {
	// ChunkSize is the read buffer size of each direction.
	ChunkSize int
	// ReadTimeout bounds each read.
	ReadTimeout time.Duration
	// SettleDelay is the pause after forcing download mode at start.
	SettleDelay time.Duration
	// StatusInterval is the status reporter period. Zero disables it.
	StatusInterval time.Duration
	// Sync configures SyncWithBootloader.
	Sync SyncConfig
}

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:      1024,
		ReadTimeout:    10 * time.Millisecond,
		SettleDelay:    100 * time.Millisecond,
		StatusInterval: 5 * time.Second,
		Sync:           DefaultSyncConfig(),
	}
}

// Option configures a Bridge.
type Option func(*Config)

// WithChunkSize sets the read buffer size.
func WithChunkSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.ChunkSize = n
		}
	}
}

// WithReadTimeout sets the per-read timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ReadTimeout = d
		}
	}
}

// WithSettleDelay sets the pause after the initial download sequence.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Config) { c.SettleDelay = d }
}

// WithStatusInterval sets the status reporter period.
func WithStatusInterval(d time.Duration) Option {
	return func(c *Config) { c.StatusInterval = d }
}

// WithSyncConfig sets the sync helper parameters.
func WithSyncConfig(sc SyncConfig) Option {
	return func(c *Config) { c.Sync = sc }
}

// Stats is a snapshot of bridge counters.
type Stats struct {
	ConsoleToCompanion uint64
	CompanionToConsole uint64
	SyncFrames         uint64
	ModeSwitches       uint64
	Errors             uint64
}

// Bridge is a bidirectional console/companion pump.
type Bridge struct {
	console   Port
	companion Port
	boot      DownloadSequencer
	cfg       Config

	started     atomic.Bool
	syncSeen    atomic.Bool
	toCompanion atomic.Uint64
	toConsole   atomic.Uint64
	syncFrames  atomic.Uint64
	switches    atomic.Uint64
	errs        atomic.Uint64

	wg sync.WaitGroup
}

// New creates a bridge between the local console and the companion UART.
func New(console, companion Port, boot DownloadSequencer, opts ...Option) *Bridge {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bridge{
		console:   console,
		companion: companion,
		boot:      boot,
		cfg:       cfg,
	}
}

// Start forces download mode and launches the pumps and the status
// reporter. They run until ctx is done.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("bridge already started")
	}

	glog.Infof("bridge: starting, companion forced into download mode")
	b.enterDownload()

	if b.cfg.SettleDelay > 0 {
		select {
		case <-time.After(b.cfg.SettleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.wg.Add(2)
	go b.loop(ctx, "console", b.forwardConsole)
	go b.loop(ctx, "companion", b.forwardCompanion)

	if b.cfg.StatusInterval > 0 {
		b.wg.Add(1)
		go b.report(ctx)
	}
	return nil
}

// Run starts the bridge and blocks until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	b.wg.Wait()
	b.logStats()
	return nil
}

func (b *Bridge) loop(ctx context.Context, name string, step func([]byte) error) {
	defer b.wg.Done()

	buf := make([]byte, b.cfg.ChunkSize)
	failing := false
	for ctx.Err() == nil {
		err := step(buf)
		if err == nil {
			failing = false
			continue
		}
		b.errs.Add(1)
		if !failing {
			glog.Warningf("bridge: %s pump: %v", name, err)
			failing = true
		} else {
			glog.V(1).Infof("bridge: %s pump: %v", name, err)
		}
		// Keep a broken port from spinning.
		select {
		case <-ctx.Done():
		case <-time.After(b.cfg.ReadTimeout):
		}
	}
}

// forwardConsole moves one chunk from the console to the companion. The
// first sync frame seen while the companion is not in download mode
// triggers the download sequence. An EOF with no data is returned so the
// loop backs off.
func (b *Bridge) forwardConsole(buf []byte) error {
	n, err := b.console.ReadTimeout(buf, b.cfg.ReadTimeout)
	if n > 0 {
		chunk := buf[:n]
		if werr := writeAll(b.companion, chunk); werr != nil {
			return fmt.Errorf("write to companion: %w", werr)
		}
		b.toCompanion.Add(uint64(n))

		if protocol.IsSyncFrame(chunk) {
			b.syncFrames.Add(1)
			if b.syncSeen.CompareAndSwap(false, true) && b.boot.Mode() != bootmode.Download {
				glog.Infof("bridge: sync frame detected, entering download mode")
				b.enterDownload()
			}
		}
	}
	if err != nil && (n == 0 || !errors.Is(err, io.EOF)) {
		return fmt.Errorf("read console: %w", err)
	}
	return nil
}

// forwardCompanion moves one chunk from the companion to the console.
func (b *Bridge) forwardCompanion(buf []byte) error {
	n, err := b.companion.ReadTimeout(buf, b.cfg.ReadTimeout)
	if n > 0 {
		if werr := writeAll(b.console, buf[:n]); werr != nil {
			return fmt.Errorf("write to console: %w", werr)
		}
		b.toConsole.Add(uint64(n))
	}
	if err != nil && (n == 0 || !errors.Is(err, io.EOF)) {
		return fmt.Errorf("read companion: %w", err)
	}
	return nil
}

func (b *Bridge) enterDownload() {
	b.boot.EnterDownloadMode()
	b.switches.Add(1)
}

// SendFramed SLIP-encodes data and writes it to the companion UART.
func (b *Bridge) SendFramed(data []byte) error {
	return SendFramed(b.companion, data)
}

// SyncWithBootloader confirms the companion ROM bootloader answers on the
// companion UART.
func (b *Bridge) SyncWithBootloader(ctx context.Context) error {
	return Sync(ctx, b.companion, b.cfg.Sync)
}

// Stats returns a snapshot of the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		ConsoleToCompanion: b.toCompanion.Load(),
		CompanionToConsole: b.toConsole.Load(),
		SyncFrames:         b.syncFrames.Load(),
		ModeSwitches:       b.switches.Load(),
		Errors:             b.errs.Load(),
	}
}

func (b *Bridge) report(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.logStats()
		}
	}
}

func (b *Bridge) logStats() {
	s := b.Stats()
	glog.Infof("bridge: mode=%s console->companion=%d companion->console=%d sync_frames=%d errors=%d",
		b.boot.Mode(), s.ConsoleToCompanion, s.CompanionToConsole, s.SyncFrames, s.Errors)
}

// SendFramed SLIP-encodes data and writes it to port.
func SendFramed(port Port, data []byte) error {
	return writeAll(port, slip.Encode(data))
}

func writeAll(port Port, data []byte) error {
	for len(data) > 0 {
		n, err := port.Write(data)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		data = data[n:]
	}
	return nil
}
