package bootmode

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/bigbag/c6link/internal/gpio"
)

// AutoReset drives the two-transistor auto-reset circuit of ESP development
// boards from a USB-serial adapter. The circuit pulls EN (RESET) low only
// while RTS is asserted and DTR is not, and IO0 (BOOT-SELECT) low only while
// DTR is asserted and RTS is not, so the lines cannot be driven one at a
// time like plain GPIOs. EN has an RC delay; the chip samples IO0 when EN
// has charged, during the settle after release.
type AutoReset struct {
	mu     sync.Mutex
	ctl    gpio.ModemControl
	timing Timing
	sleep  func(time.Duration)
	mode   atomic.Int32
}

// NewAutoReset creates an auto-reset sequencer on ctl.
func NewAutoReset(ctl gpio.ModemControl, opts ...Option) *AutoReset {
	st := newSettings(opts)
	return &AutoReset{ctl: ctl, timing: st.timing, sleep: st.sleep}
}

// Configure releases both signals, leaving EN and IO0 high.
func (a *AutoReset) Configure() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ctl.SetDTR(false); err != nil {
		return err
	}
	return a.ctl.SetRTS(false)
}

// Mode returns the last sequence performed.
func (a *AutoReset) Mode() Mode {
	return Mode(a.mode.Load())
}

// EnterDownloadMode holds EN low, then releases it with IO0 held low so the
// chip starts in the ROM serial bootloader.
func (a *AutoReset) EnterDownloadMode() {
	a.mu.Lock()
	defer a.mu.Unlock()

	glog.Infof("bootmode: entering download mode (auto-reset)")
	// RTS=1 DTR=0: EN low, IO0 high
	a.rts(true)
	a.dtr(false)
	a.sleep(a.timing.ResetHold)
	// RTS=0 DTR=1: EN released, IO0 low
	a.rts(false)
	a.dtr(true)
	a.sleep(a.timing.DownloadSettle)
	a.dtr(false)

	a.mode.Store(int32(Download))
}

// EnterRunMode pulses EN low with IO0 released so the chip starts its
// application firmware.
func (a *AutoReset) EnterRunMode() {
	a.mu.Lock()
	defer a.mu.Unlock()

	glog.Infof("bootmode: entering run mode (auto-reset)")
	a.dtr(false)
	a.rts(true)
	a.sleep(a.timing.ResetHold)
	a.rts(false)
	a.sleep(a.timing.RunSettle)

	a.mode.Store(int32(Run))
}

func (a *AutoReset) dtr(v bool) {
	if err := a.ctl.SetDTR(v); err != nil {
		glog.Warningf("bootmode: failed to set DTR=%t: %v", v, err)
	}
}

func (a *AutoReset) rts(v bool) {
	if err := a.ctl.SetRTS(v); err != nil {
		glog.Warningf("bootmode: failed to set RTS=%t: %v", v, err)
	}
}
