// Package provision decides at startup whether the companion chip is
// bridged to the console for flashing or brought up over SDIO, and
// supervises the SDIO link afterwards.
package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/bigbag/c6link/internal/events"
	"github.com/bigbag/c6link/internal/sdio"
	"github.com/bigbag/c6link/internal/store"
)

// ErrNotReady is returned when the companion has not confirmed readiness.
var ErrNotReady = sdio.ErrNotReady

// ErrAlreadyStarted is returned by a second SystemInit.
var ErrAlreadyStarted = errors.New("provision: already initialized")

// State is the orchestrator state.
type State int

const (
	Idle State = iota
	NormalBoot
	BridgeBoot
	Recovering
)

func (s State) String() string {
	switch s {
	case NormalBoot:
		return "normal"
	case BridgeBoot:
		return "bridge"
	case Recovering:
		return "recovering"
	default:
		return "idle"
	}
}

// Event bits published through Events.
const (
	BitReady events.Bits = 1 << iota
	BitWifiConnected
	BitBTEnabled
	BitError
)

// MaxMessageSize is the longest text SendMessage transmits.
const MaxMessageSize = sdio.MaxPacketSize - 1

// Orchestrator owns the companion lifecycle.
type Orchestrator struct {
	deps  Deps
	cfg   Config
	hooks Hooks
	pub   StatusPublisher

	events events.Group

	mu        sync.Mutex
	state     State
	link      Link
	version   string
	failures  int
	degraded  bool
	started   bool
	published *Status

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an orchestrator.
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:  deps,
		cfg:   DefaultConfig(),
		hooks: nopHooks{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SystemInit selects the boot path. In bridge mode it runs the bridge and
// returns only when ctx is done. In normal mode it opens the SDIO link,
// starts the supervisor and returns; the supervisor runs until ctx is done
// or Close is called.
func (o *Orchestrator) SystemInit(ctx context.Context, forceBridge bool) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.mu.Unlock()

	st, err := o.deps.Store.UpdateState(func(st *store.State) { st.Boots++ })
	if err != nil {
		glog.Warningf("provision: persisted state unavailable: %v", err)
	}

	requested := st.BridgeRequested
	if requested {
		if _, err := o.deps.Store.UpdateState(func(st *store.State) { st.BridgeRequested = false }); err != nil {
			glog.Warningf("provision: failed to clear bridge request: %v", err)
		}
	}

	if o.cfg.SkipBridge {
		removed, err := o.deps.Store.RemoveMarker()
		switch {
		case err != nil:
			glog.Warningf("provision: failed to remove pending firmware marker: %v", err)
		case removed:
			glog.Infof("provision: pending firmware marker removed, bridge mode skipped")
		}
		if requested {
			glog.Infof("provision: bridge request dropped, bridge mode skipped")
			requested = false
		}
	}

	marker, err := o.deps.Store.MarkerExists()
	if err != nil {
		glog.Warningf("provision: cannot read pending firmware marker: %v", err)
	}

	if forceBridge || marker || requested {
		glog.Infof("provision: entering bridge mode (forced=%t marker=%t requested=%t)", forceBridge, marker, requested)
		return o.runBridge(ctx)
	}

	return o.normalBoot(ctx)
}

func (o *Orchestrator) runBridge(ctx context.Context) error {
	o.setState(BridgeBoot)
	o.publish()

	if o.deps.NewBridge == nil {
		return errors.New("provision: no bridge configured")
	}
	b, err := o.deps.NewBridge()
	if err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}
	glog.Infof("provision: bridge active, reset the device to leave bridge mode")
	return b.Run(ctx)
}

func (o *Orchestrator) normalBoot(ctx context.Context) error {
	o.setState(NormalBoot)
	glog.Infof("provision: starting companion in normal mode")

	if o.deps.Boot != nil {
		o.deps.Boot.EnterRunMode()
	}

	link, err := o.deps.OpenLink(ctx)
	if err != nil {
		o.setState(Idle)
		o.events.Set(BitError)
		return fmt.Errorf("failed to open companion link: %w", err)
	}
	o.mu.Lock()
	o.link = link
	o.mu.Unlock()

	if link.IsReady() {
		o.connected(ctx)
	} else {
		glog.Warningf("provision: companion not ready, attempting reset")
		o.setState(Recovering)
		o.recover(ctx)
	}
	o.publish()

	superCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.done = make(chan struct{})
	o.mu.Unlock()
	go o.supervise(superCtx)

	glog.Infof("provision: companion system initialized (state %s)", o.State())
	return nil
}

// connected records a confirmed-ready companion.
func (o *Orchestrator) connected(ctx context.Context) {
	o.events.Clear(BitError)
	o.events.Set(BitReady)

	version, err := o.link.ReadFirmwareVersion(ctx)
	if err != nil {
		glog.Warningf("provision: failed to read companion firmware version: %v", err)
	} else {
		glog.Infof("provision: companion firmware %s", version)
	}

	o.mu.Lock()
	if version != "" {
		o.version = version
	}
	o.failures = 0
	o.degraded = false
	o.mu.Unlock()

	if _, err := o.deps.Store.UpdateState(func(st *store.State) {
		if version != "" {
			st.FirmwareVersion = version
		}
		st.ReadyAt = time.Now()
	}); err != nil {
		glog.Warningf("provision: failed to persist readiness: %v", err)
	}

	o.hooks.OnConnect()
}

// recover makes one reset attempt and reports whether the companion came
// back.
func (o *Orchestrator) recover(ctx context.Context) bool {
	if err := o.link.Reset(ctx); err != nil {
		glog.Warningf("provision: companion reset failed: %v", err)
		o.recoveryFailed()
		return false
	}

	if o.cfg.RecoverSettle > 0 {
		select {
		case <-time.After(o.cfg.RecoverSettle):
		case <-ctx.Done():
			return false
		}
	}

	ready, err := o.link.CheckReady(ctx)
	if err != nil || !ready {
		if err != nil {
			glog.Warningf("provision: readiness check after reset failed: %v", err)
		}
		o.recoveryFailed()
		return false
	}

	glog.Infof("provision: companion communication recovered")
	o.setState(NormalBoot)
	o.connected(ctx)
	return true
}

func (o *Orchestrator) recoveryFailed() {
	o.events.Set(BitError)

	o.mu.Lock()
	o.failures++
	failures := o.failures
	newlyDegraded := !o.degraded && failures >= o.cfg.DegradedAfter
	if newlyDegraded {
		o.degraded = true
	}
	o.mu.Unlock()

	if newlyDegraded {
		glog.Errorf("provision: companion chip offline after %d recovery attempts", failures)
	}
}

// SendMessage transmits text as a data transfer packet, truncated to
// MaxMessageSize bytes.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) error {
	link, err := o.readyLink()
	if err != nil {
		return err
	}
	if len(text) > MaxMessageSize {
		text = text[:MaxMessageSize]
	}
	pkt, err := sdio.NewPacket(sdio.CmdDataTransfer, []byte(text))
	if err != nil {
		return err
	}
	if err := link.Send(ctx, pkt); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	glog.V(1).Infof("provision: message sent (%d bytes)", len(text))
	return nil
}

// ConnectWifi brings up Wi-Fi on the companion, sends the credentials and
// waits for the Wi-Fi connected bit.
func (o *Orchestrator) ConnectWifi(ctx context.Context, ssid, password string) error {
	link, err := o.readyLink()
	if err != nil {
		return err
	}

	glog.Infof("provision: requesting wifi connection to %q", ssid)
	if err := link.WifiInit(ctx); err != nil {
		return fmt.Errorf("failed to initialize wifi: %w", err)
	}
	if err := link.ConnectWifi(ctx, ssid, password); err != nil {
		return fmt.Errorf("failed to send wifi credentials: %w", err)
	}
	if _, err := o.events.Wait(ctx, BitWifiConnected, true, o.cfg.WifiTimeout); err != nil {
		return fmt.Errorf("wifi connection: %w", err)
	}
	glog.Infof("provision: wifi connected")
	return nil
}

// EnterFirmwareUpdateMode requests bridge mode on the next boot.
func (o *Orchestrator) EnterFirmwareUpdateMode() error {
	if _, err := o.deps.Store.UpdateState(func(st *store.State) { st.BridgeRequested = true }); err != nil {
		return fmt.Errorf("failed to request bridge mode: %w", err)
	}
	glog.Infof("provision: bridge mode requested, restart to flash the companion")
	return nil
}

// TriggerOTA asks the companion to fetch and install firmware from url.
func (o *Orchestrator) TriggerOTA(ctx context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("%w: empty firmware URL", sdio.ErrInvalidArgument)
	}
	link, err := o.readyLink()
	if err != nil {
		return err
	}
	pkt, err := sdio.NewPacket(sdio.CmdFWUpdate, []byte(url))
	if err != nil {
		return err
	}
	if err := link.WriteCommand(ctx, sdio.CmdFWUpdate); err != nil {
		return fmt.Errorf("failed to start companion update: %w", err)
	}
	if err := link.Send(ctx, pkt); err != nil {
		return fmt.Errorf("failed to send update URL: %w", err)
	}
	glog.Infof("provision: companion update requested from %s", url)
	return nil
}

func (o *Orchestrator) readyLink() (Link, error) {
	o.mu.Lock()
	link := o.link
	o.mu.Unlock()
	if link == nil || o.events.Get()&BitReady == 0 || !link.IsReady() {
		return nil, ErrNotReady
	}
	return link, nil
}

// IsReady reports whether the companion is confirmed ready.
func (o *Orchestrator) IsReady() bool {
	_, err := o.readyLink()
	return err == nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Events returns the status word.
func (o *Orchestrator) Events() *events.Group {
	return &o.events
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev != s {
		glog.V(1).Infof("provision: state %s -> %s", prev, s)
	}
}

// Close stops the supervisor and closes the link.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	o.mu.Lock()
	link := o.link
	o.link = nil
	o.mu.Unlock()

	o.events.Clear(BitReady)
	if link != nil {
		return link.Close()
	}
	return nil
}
