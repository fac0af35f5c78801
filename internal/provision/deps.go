package provision

import (
	"context"
	"time"

	"github.com/bigbag/c6link/internal/sdio"
	"github.com/bigbag/c6link/internal/store"
)

// Link is the part of *sdio.Link the orchestrator uses.
type Link interface {
	IsReady() bool
	CheckReady(ctx context.Context) (bool, error)
	Reset(ctx context.Context) error
	Send(ctx context.Context, pkt sdio.Packet) error
	Receive(ctx context.Context, timeout time.Duration) (sdio.Packet, error)
	ReadStatus(ctx context.Context) (byte, error)
	ReadFirmwareVersion(ctx context.Context) (string, error)
	WriteCommand(ctx context.Context, cmd sdio.Command) error
	WifiInit(ctx context.Context) error
	ConnectWifi(ctx context.Context, ssid, password string) error
	Close() error
}

// LinkOpener opens the SDIO link. It is called at most once.
type LinkOpener func(ctx context.Context) (Link, error)

// BridgeRunner runs the UART bootloader bridge until ctx is done.
type BridgeRunner interface {
	Run(ctx context.Context) error
}

// BridgeFactory builds the bridge. It is only called in bridge mode, so the
// bridge's ports are not opened otherwise.
type BridgeFactory func() (BridgeRunner, error)

// Boot sequences the companion into its application firmware.
type Boot interface {
	EnterRunMode()
}

// Store is the persisted state the orchestrator consults.
type Store interface {
	MarkerExists() (bool, error)
	RemoveMarker() (bool, error)
	LoadState() (store.State, error)
	UpdateState(fn func(*store.State)) (store.State, error)
}

// Hooks receives link events.
type Hooks interface {
	OnConnect()
	OnDataReceived(pkt sdio.Packet)
}

// StatusPublisher receives status changes.
type StatusPublisher interface {
	Publish(st Status) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store     Store
	Boot      Boot
	OpenLink  LinkOpener
	NewBridge BridgeFactory
}

type nopHooks struct{}

func (nopHooks) OnConnect()                {}
func (nopHooks) OnDataReceived(sdio.Packet) {}

// HookFuncs adapts plain functions to Hooks. Nil fields are ignored.
type HookFuncs struct {
	Connect func()
	Data    func(pkt sdio.Packet)
}

func (h HookFuncs) OnConnect() {
	if h.Connect != nil {
		h.Connect()
	}
}

func (h HookFuncs) OnDataReceived(pkt sdio.Packet) {
	if h.Data != nil {
		h.Data(pkt)
	}
}
