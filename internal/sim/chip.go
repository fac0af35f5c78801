// Package sim models a companion chip for development and tests: its SDIO
// register window, its RESET and BOOT-SELECT inputs and its ROM bootloader
// UART.
package sim

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/bigbag/c6link/internal/bootmode"
	"github.com/bigbag/c6link/internal/sdio"
)

// ErrNoCard is returned by host operations while the chip is held in reset
// or sits in its ROM bootloader.
var ErrNoCard = errors.New("sim: card not responding")

// Option configures a Chip.
type Option func(*Chip)

// WithFirmwareVersion sets the version string reported in the version
// register.
func WithFirmwareVersion(v string) Option {
	return func(c *Chip) { c.version = v }
}

// WithEcho makes the chip send every data payload back to the host.
func WithEcho(echo bool) Option {
	return func(c *Chip) { c.echo = echo }
}

// WithWifiAvailable controls whether Wi-Fi init and connect requests
// succeed.
func WithWifiAvailable(ok bool) Option {
	return func(c *Chip) { c.wifiAvailable = ok }
}

// Chip is a simulated companion chip. It implements sdio.Host.
type Chip struct {
	mu sync.Mutex

	version       string
	echo          bool
	wifiAvailable bool

	// control line state
	resetLow     bool
	bootDriven   bool
	bootLow      bool
	mode         bootmode.Mode
	running      bool
	resets       int
	probeErr     error
	hang         bool
	notReady     bool
	busCfg       *sdio.BusConfig
	statusForced *byte

	// application firmware state
	command    sdio.Command
	wifiRadio  bool
	wifiLinked bool
	inbound    [][]byte
	received   [][]byte
	otaURL     string
	ssid       string

	uart *UART
}

// New returns a chip running its application firmware.
func New(opts ...Option) *Chip {
	c := &Chip{
		version:       "c6-sim 1.0.0",
		wifiAvailable: true,
		mode:          bootmode.Run,
		running:       true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.uart = newUART(c)
	return c
}

// ResetPin returns the chip's RESET input.
func (c *Chip) ResetPin() *Pin {
	return &Pin{chip: c, reset: true}
}

// BootPin returns the chip's BOOT-SELECT input.
func (c *Chip) BootPin() *Pin {
	return &Pin{chip: c}
}

// UART returns the chip's bootloader UART.
func (c *Chip) UART() *UART {
	return c.uart
}

// Mode returns the mode the chip last booted into.
func (c *Chip) Mode() bootmode.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Resets returns how many times the chip has been reset.
func (c *Chip) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// SetHang makes every host operation block until its context is done.
func (c *Chip) SetHang(hang bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hang = hang
}

// SetProbeError makes Probe fail with err. A nil err restores normal probes.
func (c *Chip) SetProbeError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeErr = err
}

// SetNotReady keeps the readiness signature out of the status register.
func (c *Chip) SetNotReady(notReady bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notReady = notReady
}

// ForceStatus pins the status register to v.
func (c *Chip) ForceStatus(v byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusForced = &v
}

// Inject queues a payload for the host to receive.
func (c *Chip) Inject(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbound = append(c.inbound, append([]byte(nil), payload...))
}

// Received returns the data payloads written by the host.
func (c *Chip) Received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.received))
	copy(out, c.received)
	return out
}

// OTAURL returns the last firmware update URL the chip was given.
func (c *Chip) OTAURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.otaURL
}

// SSID returns the network the chip was asked to join.
func (c *Chip) SSID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ssid
}

// BusConfig returns the configuration passed to Init, if any.
func (c *Chip) BusConfig() (sdio.BusConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busCfg == nil {
		return sdio.BusConfig{}, false
	}
	return *c.busCfg, true
}

// boot is called with c.mu held on the rising edge of RESET.
func (c *Chip) boot() {
	c.resets++
	c.command = sdio.CmdNone
	c.wifiRadio = false
	c.wifiLinked = false
	c.inbound = nil

	if c.bootDriven && c.bootLow {
		c.mode = bootmode.Download
		c.running = false
		glog.V(1).Infof("sim: booted into ROM download mode")
	} else {
		c.mode = bootmode.Run
		c.running = true
		glog.V(1).Infof("sim: booted application firmware %s", c.version)
	}
	c.uart.reset(c.mode == bootmode.Download)
}

// Init implements sdio.Host.
func (c *Chip) Init(ctx context.Context, cfg sdio.BusConfig) error {
	if err := c.enter(ctx); err != nil {
		return err
	}
	defer c.mu.Unlock()

	if cfg.Width != 1 && cfg.Width != 4 {
		return fmt.Errorf("sim: unsupported bus width %d", cfg.Width)
	}
	c.busCfg = &cfg
	return nil
}

// Probe implements sdio.Host.
func (c *Chip) Probe(ctx context.Context) error {
	if err := c.enter(ctx); err != nil {
		return err
	}
	defer c.mu.Unlock()

	if c.probeErr != nil {
		return c.probeErr
	}
	if !c.running || c.resetLow {
		return ErrNoCard
	}
	return nil
}

// Deinit implements sdio.Host.
func (c *Chip) Deinit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busCfg = nil
	return nil
}

// enter takes c.mu and applies fault injection. On success the caller
// holds c.mu.
func (c *Chip) enter(ctx context.Context) error {
	c.mu.Lock()
	if c.hang {
		c.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

// access is enter plus the liveness check for register operations.
func (c *Chip) access(ctx context.Context) error {
	if err := c.enter(ctx); err != nil {
		return err
	}
	if !c.running || c.resetLow {
		c.mu.Unlock()
		return ErrNoCard
	}
	return nil
}

func (c *Chip) status() byte {
	if c.statusForced != nil {
		return *c.statusForced
	}
	var v byte
	if !c.notReady {
		v = sdio.StatusReady
	}
	if len(c.inbound) > 0 {
		v |= sdio.StatusDataAvailable
	}
	if c.wifiLinked {
		v |= sdio.StatusWifiConnected
	}
	return v
}

// ReadReg implements sdio.Host.
func (c *Chip) ReadReg(ctx context.Context, addr uint32) (byte, error) {
	if err := c.access(ctx); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	switch addr {
	case sdio.RegStatus:
		return c.status(), nil
	case sdio.RegCommand:
		return byte(c.command), nil
	case sdio.RegWifiStatus:
		if c.wifiRadio {
			return 1, nil
		}
		return 0, nil
	case sdio.RegBTStatus:
		return 0, nil
	default:
		return 0, fmt.Errorf("sim: read of unmapped register 0x%03X", addr)
	}
}

// WriteReg implements sdio.Host.
func (c *Chip) WriteReg(ctx context.Context, addr uint32, v byte) error {
	if err := c.access(ctx); err != nil {
		return err
	}
	defer c.mu.Unlock()

	if addr != sdio.RegCommand {
		return fmt.Errorf("sim: write to read-only register 0x%03X", addr)
	}
	c.command = sdio.Command(v)
	switch c.command {
	case sdio.CmdWifiConnect:
		c.wifiRadio = c.wifiAvailable
	case sdio.CmdWifiDisconnect:
		c.wifiLinked = false
	case sdio.CmdReset:
		c.boot()
	}
	return nil
}

// ReadBlock implements sdio.Host.
func (c *Chip) ReadBlock(ctx context.Context, addr uint32, buf []byte) error {
	if err := c.access(ctx); err != nil {
		return err
	}
	defer c.mu.Unlock()

	switch addr {
	case sdio.RegDataLength:
		if len(buf) != 4 {
			return fmt.Errorf("sim: data length read of %d bytes", len(buf))
		}
		var n uint32
		if len(c.inbound) > 0 {
			n = uint32(len(c.inbound[0]))
		}
		binary.LittleEndian.PutUint32(buf, n)
	case sdio.RegFWVersion:
		clear(buf)
		copy(buf, c.version)
	case sdio.RegDataWindow:
		if len(c.inbound) == 0 {
			return fmt.Errorf("sim: data window read with nothing pending")
		}
		copy(buf, c.inbound[0])
		c.inbound = c.inbound[1:]
	default:
		return fmt.Errorf("sim: block read of unmapped register 0x%03X", addr)
	}
	return nil
}

// WriteBlock implements sdio.Host. The payload is interpreted according to
// the last command written.
func (c *Chip) WriteBlock(ctx context.Context, addr uint32, data []byte) error {
	if err := c.access(ctx); err != nil {
		return err
	}
	defer c.mu.Unlock()

	if addr != sdio.RegDataWindow {
		return fmt.Errorf("sim: block write to 0x%03X", addr)
	}
	payload := append([]byte(nil), data...)
	c.received = append(c.received, payload)

	switch c.command {
	case sdio.CmdWifiConnect:
		fields := bytes.SplitN(payload, []byte{0}, 3)
		if c.wifiRadio && len(fields) >= 2 && len(fields[0]) > 0 {
			c.ssid = string(fields[0])
			c.wifiLinked = true
		}
		c.command = sdio.CmdNone
	case sdio.CmdFWUpdate:
		c.otaURL = string(bytes.TrimRight(payload, "\x00"))
		c.command = sdio.CmdNone
	default:
		if c.echo {
			c.inbound = append(c.inbound, payload)
		}
	}
	return nil
}
