// Package bootmode sequences the companion chip's RESET and BOOT-SELECT
// lines to start it either in its application firmware or in its mask-ROM
// serial bootloader.
package bootmode

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/bigbag/c6link/internal/gpio"
)

// Mode is the last boot sequence performed by a Controller.
type Mode int32

const (
	Unknown Mode = iota
	Run
	Download
)

func (m Mode) String() string {
	switch m {
	case Run:
		return "run"
	case Download:
		return "download"
	default:
		return "unknown"
	}
}

// Timing holds the delays between control-line transitions.
type Timing struct {
	// BootSetup is the time BOOT-SELECT is held before RESET is asserted.
	BootSetup time.Duration
	// ResetHold is how long RESET stays low.
	ResetHold time.Duration
	// DownloadSettle is the wait after releasing RESET into the ROM loader.
	DownloadSettle time.Duration
	// RunSettle is the wait after releasing RESET into the application,
	// before BOOT-SELECT is released.
	RunSettle time.Duration
}

// MinTiming is the shortest timing the companion chip tolerates.
var MinTiming = Timing{
	BootSetup:      10 * time.Millisecond,
	ResetHold:      100 * time.Millisecond,
	DownloadSettle: 50 * time.Millisecond,
	RunSettle:      500 * time.Millisecond,
}

// clamp raises every delay below its minimum to the minimum.
func (t Timing) clamp() Timing {
	t.BootSetup = max(t.BootSetup, MinTiming.BootSetup)
	t.ResetHold = max(t.ResetHold, MinTiming.ResetHold)
	t.DownloadSettle = max(t.DownloadSettle, MinTiming.DownloadSettle)
	t.RunSettle = max(t.RunSettle, MinTiming.RunSettle)
	return t
}

// Sequencer performs the boot-mode sequences. Controller and AutoReset
// implement it.
type Sequencer interface {
	EnterDownloadMode()
	EnterRunMode()
	Mode() Mode
}

type settings struct {
	timing Timing
	sleep  func(time.Duration)
}

func newSettings(opts []Option) settings {
	s := settings{timing: MinTiming, sleep: time.Sleep}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Option configures a sequencer.
type Option func(*settings)

// WithTiming overrides the sequence delays. Values below MinTiming are
// raised to the minimum.
func WithTiming(t Timing) Option {
	return func(s *settings) {
		s.timing = t.clamp()
	}
}

// WithSleep replaces the delay function, mainly for tests.
func WithSleep(sleep func(time.Duration)) Option {
	return func(s *settings) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// Controller drives the boot-mode sequences on two GPIO lines. Sequences
// are serialized; concurrent callers run one after another.
type Controller struct {
	mu     sync.Mutex
	reset  gpio.Pin
	boot   gpio.Pin
	timing Timing
	sleep  func(time.Duration)
	mode   atomic.Int32
}

// New creates a controller for the given RESET and BOOT-SELECT lines.
func New(reset, boot gpio.Pin, opts ...Option) *Controller {
	st := newSettings(opts)
	return &Controller{
		reset:  reset,
		boot:   boot,
		timing: st.timing,
		sleep:  st.sleep,
	}
}

// Configure sets both lines as outputs with RESET idle high. It must be
// called before the first sequence.
func (c *Controller) Configure() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.reset.SetOutput(); err != nil {
		return err
	}
	if err := c.boot.SetOutput(); err != nil {
		return err
	}
	return c.reset.Set(true)
}

// Timing returns the effective sequence delays.
func (c *Controller) Timing() Timing {
	return c.timing
}

// Mode returns the last sequence performed.
func (c *Controller) Mode() Mode {
	return Mode(c.mode.Load())
}

// EnterDownloadMode resets the companion chip with BOOT-SELECT low so it
// starts in the ROM serial bootloader.
func (c *Controller) EnterDownloadMode() {
	c.mu.Lock()
	defer c.mu.Unlock()

	glog.Infof("bootmode: entering download mode")
	c.drive()
	c.set("boot", c.boot, gpio.Low)
	c.sleep(c.timing.BootSetup)
	c.set("reset", c.reset, gpio.Low)
	c.sleep(c.timing.ResetHold)
	c.set("reset", c.reset, gpio.High)
	c.sleep(c.timing.DownloadSettle)

	c.mode.Store(int32(Download))
}

// EnterRunMode resets the companion chip with BOOT-SELECT high so it starts
// its application firmware, then releases BOOT-SELECT.
func (c *Controller) EnterRunMode() {
	c.mu.Lock()
	defer c.mu.Unlock()

	glog.Infof("bootmode: entering run mode")
	c.drive()
	c.set("boot", c.boot, gpio.High)
	c.sleep(c.timing.BootSetup)
	c.set("reset", c.reset, gpio.Low)
	c.sleep(c.timing.ResetHold)
	c.set("reset", c.reset, gpio.High)
	c.sleep(c.timing.RunSettle)
	if err := c.boot.SetInput(); err != nil {
		glog.Warningf("bootmode: failed to release boot line: %v", err)
	}

	c.mode.Store(int32(Run))
}

// drive makes both lines outputs again. A previous run sequence leaves
// BOOT-SELECT as an input.
func (c *Controller) drive() {
	if err := c.reset.SetOutput(); err != nil {
		glog.Warningf("bootmode: failed to drive reset line: %v", err)
	}
	if err := c.boot.SetOutput(); err != nil {
		glog.Warningf("bootmode: failed to drive boot line: %v", err)
	}
}

func (c *Controller) set(name string, pin gpio.Pin, level gpio.Level) {
	if err := pin.Set(bool(level)); err != nil {
		glog.Warningf("bootmode: failed to drive %s %s: %v", name, level, err)
	}
}
