package sdio

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// WifiInit asks the companion to bring up Wi-Fi and checks the Wi-Fi status
// register after WifiInitDelay.
func (l *Link) WifiInit(ctx context.Context) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if !l.ready.Load() {
		return ErrNotReady
	}
	if err := l.WriteCommand(ctx, CmdWifiConnect); err != nil {
		return fmt.Errorf("wifi init command: %w", err)
	}

	timer := time.NewTimer(l.cfg.WifiInitDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	status, err := l.bus.readReg(ctx, "read wifi status", RegWifiStatus)
	if err != nil {
		return err
	}
	glog.Infof("sdio: wifi status 0x%02X", status)
	if status == 0 {
		return ErrWifiDown
	}
	return nil
}

// ConnectWifi sends the network credentials to the companion. The payload
// is the SSID and password, each NUL terminated.
func (l *Link) ConnectWifi(ctx context.Context, ssid, password string) error {
	if ssid == "" {
		return fmt.Errorf("%w: empty SSID", ErrInvalidArgument)
	}
	if len(ssid)+len(password)+2 > MaxPacketSize {
		return fmt.Errorf("%w: credentials too long", ErrInvalidArgument)
	}

	payload := make([]byte, 0, len(ssid)+len(password)+2)
	payload = append(payload, ssid...)
	payload = append(payload, 0)
	payload = append(payload, password...)
	payload = append(payload, 0)

	pkt, err := NewPacket(CmdWifiConnect, payload)
	if err != nil {
		return err
	}
	return l.Send(ctx, pkt)
}
