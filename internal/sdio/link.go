package sdio

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// Config holds link parameters.
type Config struct {
	// QueueSize is the capacity of each packet queue.
	QueueSize int
	// SendTimeout bounds how long Send waits for queue space.
	SendTimeout time.Duration
	// PollInterval is the pump period.
	PollInterval time.Duration
	// RegisterTimeout bounds every synchronous register access.
	RegisterTimeout time.Duration
	// ProbeTimeout bounds card identification in Open and Reset.
	ProbeTimeout time.Duration
	// WifiInitDelay is the wait between the Wi-Fi command and the status
	// read in WifiInit.
	WifiInitDelay time.Duration
	// Bus is the host bus configuration.
	Bus BusConfig
}

// DefaultConfig returns the default link configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:       10,
		SendTimeout:     5 * time.Second,
		PollInterval:    10 * time.Millisecond,
		RegisterTimeout: 500 * time.Millisecond,
		ProbeTimeout:    2 * time.Second,
		WifiInitDelay:   time.Second,
		Bus:             DefaultBusConfig,
	}
}

// Option configures a Link.
type Option func(*Config)

// WithQueueSize sets the capacity of the send and receive queues.
func WithQueueSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.QueueSize = n
		}
	}
}

// WithSendTimeout sets how long Send waits for queue space.
func WithSendTimeout(d time.Duration) Option {
	return func(c *Config) { c.SendTimeout = d }
}

// WithPollInterval sets the pump period.
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.PollInterval = d
		}
	}
}

// WithRegisterTimeout bounds each register access.
func WithRegisterTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.RegisterTimeout = d
		}
	}
}

// WithProbeTimeout bounds card identification.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ProbeTimeout = d
		}
	}
}

// WithWifiInitDelay sets the settle time used by WifiInit.
func WithWifiInitDelay(d time.Duration) Option {
	return func(c *Config) { c.WifiInitDelay = d }
}

// WithBusConfig overrides the bus configuration passed to Host.Init.
func WithBusConfig(bc BusConfig) Option {
	return func(c *Config) { c.Bus = bc }
}

// Stats is a snapshot of link counters.
type Stats struct {
	Sent       uint64
	Received   uint64
	Dropped    uint64
	Oversized  uint64
	PumpErrors uint64
}

type counters struct {
	sent       atomic.Uint64
	received   atomic.Uint64
	dropped    atomic.Uint64
	oversized  atomic.Uint64
	pumpErrors atomic.Uint64
}

// Link is the handle on an open companion link. It owns the host, the
// packet queues and the pump goroutine.
type Link struct {
	cfg  Config
	host Host
	boot RunSequencer
	bus  *bus
	pump *Pump

	tx chan Packet
	rx chan Packet

	initialized atomic.Bool
	ready       atomic.Bool
	closed      atomic.Bool

	stats counters

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open initializes the host bus, probes the card, starts the pump and
// performs one readiness check. A failed readiness check leaves the link
// open but not ready.
func Open(ctx context.Context, host Host, boot RunSequencer, opts ...Option) (*Link, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	glog.Infof("sdio: initializing bus (width %d, %d kHz, slot %d)", cfg.Bus.Width, cfg.Bus.MaxFreqKHz, cfg.Bus.Slot)
	if err := host.Init(ctx, cfg.Bus); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBusInit, err)
	}
	if err := probe(ctx, host, cfg.ProbeTimeout); err != nil {
		if derr := host.Deinit(); derr != nil {
			glog.Warningf("sdio: deinit after failed probe: %v", derr)
		}
		return nil, fmt.Errorf("%w: %w", ErrCardInit, err)
	}

	l := newLink(host, boot, cfg)
	l.start()

	if ready, err := l.CheckReady(ctx); err != nil {
		glog.Warningf("sdio: initial readiness check failed: %v", err)
	} else {
		glog.Infof("sdio: companion ready: %t", ready)
	}
	return l, nil
}

func probe(ctx context.Context, host Host, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return host.Probe(ctx)
}

// newLink builds a link without starting the pump.
func newLink(host Host, boot RunSequencer, cfg Config) *Link {
	l := &Link{
		cfg:  cfg,
		host: host,
		boot: boot,
		tx:   make(chan Packet, cfg.QueueSize),
		rx:   make(chan Packet, cfg.QueueSize),
	}
	l.bus = &bus{host: host, timeout: cfg.RegisterTimeout, onFault: l.fault}
	l.pump = &Pump{
		bus:      l.bus,
		tx:       l.tx,
		rx:       l.rx,
		interval: cfg.PollInterval,
		stats:    &l.stats,
	}
	l.initialized.Store(true)
	return l
}

func (l *Link) start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		l.pump.Run(ctx)
	}()
}

func (l *Link) fault(err error) {
	if l.ready.Swap(false) {
		glog.Warningf("sdio: companion not ready: %v", err)
	}
}

// Config returns the effective configuration.
func (l *Link) Config() Config {
	return l.cfg
}

// IsReady reports whether the last readiness check succeeded and no
// register access has failed since.
func (l *Link) IsReady() bool {
	return l.ready.Load()
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() Stats {
	return Stats{
		Sent:       l.stats.sent.Load(),
		Received:   l.stats.received.Load(),
		Dropped:    l.stats.dropped.Load(),
		Oversized:  l.stats.oversized.Load(),
		PumpErrors: l.stats.pumpErrors.Load(),
	}
}

// Send queues a packet for the pump. It waits up to SendTimeout for queue
// space.
func (l *Link) Send(ctx context.Context, pkt Packet) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if !l.ready.Load() {
		return ErrNotReady
	}
	if pkt.Length < 0 || pkt.Length > MaxPacketSize {
		return fmt.Errorf("%w: packet length %d", ErrInvalidArgument, pkt.Length)
	}

	timer := time.NewTimer(l.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case l.tx <- pkt:
		glog.V(2).Infof("sdio: queued %s packet (%d bytes)", pkt.Type, pkt.Length)
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: send queue full", ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive waits up to timeout for an inbound packet.
func (l *Link) Receive(ctx context.Context, timeout time.Duration) (Packet, error) {
	if l.closed.Load() {
		return Packet{}, ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case pkt := <-l.rx:
		return pkt, nil
	case <-timer.C:
		return Packet{}, ErrTimeout
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}
}

// ReadStatus reads the status register.
func (l *Link) ReadStatus(ctx context.Context) (byte, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}
	return l.bus.readReg(ctx, "read status", RegStatus)
}

// ReadRegister reads an arbitrary 8-bit register.
func (l *Link) ReadRegister(ctx context.Context, addr uint32) (byte, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}
	return l.bus.readReg(ctx, "read register", addr)
}

// WriteCommand writes the command register.
func (l *Link) WriteCommand(ctx context.Context, cmd Command) error {
	if l.closed.Load() {
		return ErrClosed
	}
	return l.bus.writeReg(ctx, "write command", RegCommand, byte(cmd))
}

// ReadFirmwareVersion reads the NUL-terminated firmware version string.
func (l *Link) ReadFirmwareVersion(ctx context.Context) (string, error) {
	if l.closed.Load() {
		return "", ErrClosed
	}
	buf := make([]byte, FirmwareVersionSize)
	if err := l.bus.readBlock(ctx, "read firmware version", RegFWVersion, buf); err != nil {
		return "", err
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}

// CheckReady reads the status register and updates readiness: the link is
// ready only when the readiness signature is present.
func (l *Link) CheckReady(ctx context.Context) (bool, error) {
	status, err := l.ReadStatus(ctx)
	if err != nil {
		l.ready.Store(false)
		return false, err
	}
	ready := status == StatusReady
	if l.ready.Swap(ready) != ready {
		glog.Infof("sdio: companion ready %t (status 0x%02X)", ready, status)
	}
	return ready, nil
}

// Reset restarts the companion chip into its application firmware,
// re-probes the card and checks readiness. It makes a single attempt.
func (l *Link) Reset(ctx context.Context) error {
	if l.closed.Load() {
		return ErrClosed
	}
	l.ready.Store(false)

	glog.Infof("sdio: resetting companion")
	var probeErr error
	l.bus.exclusive(func() {
		if l.boot != nil {
			l.boot.EnterRunMode()
		}
		probeErr = probe(ctx, l.host, l.cfg.ProbeTimeout)
	})
	if probeErr != nil {
		return fmt.Errorf("%w: %w", ErrCardInit, probeErr)
	}

	ready, err := l.CheckReady(ctx)
	if err != nil {
		return fmt.Errorf("readiness check after reset: %w", err)
	}
	glog.Infof("sdio: companion ready after reset: %t", ready)
	return nil
}

// Close stops the pump, drains the queues and releases the host. Later
// calls return the result of the first.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.ready.Store(false)

		if l.cancel != nil {
			l.cancel()
			<-l.done
		}
		drain(l.tx)
		drain(l.rx)

		if err := l.host.Deinit(); err != nil {
			l.closeErr = fmt.Errorf("sdio: deinit host: %w", err)
		}
		l.initialized.Store(false)
		glog.Infof("sdio: link closed")
	})
	return l.closeErr
}

func drain(ch chan Packet) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
