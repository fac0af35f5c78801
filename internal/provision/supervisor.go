package provision

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"

	"github.com/bigbag/c6link/internal/sdio"
)

func (o *Orchestrator) supervise(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(o.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll is one supervisor iteration.
func (o *Orchestrator) poll(ctx context.Context) {
	if o.link.IsReady() && o.events.Get()&BitReady != 0 {
		status, err := o.link.ReadStatus(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			glog.Warningf("provision: status read failed: %v", err)
			o.lost()
			o.publish()
			return
		}
		o.events.Assign(BitWifiConnected, status&sdio.StatusWifiConnected != 0)
		o.events.Assign(BitBTEnabled, status&sdio.StatusBTEnabled != 0)

		pkt, err := o.link.Receive(ctx, o.cfg.ReceiveTimeout)
		switch {
		case err == nil:
			o.deliver(pkt)
		case errors.Is(err, sdio.ErrTimeout), ctx.Err() != nil:
		default:
			glog.Warningf("provision: receive failed: %v", err)
		}
		o.publish()
		return
	}

	if o.State() != Recovering {
		o.lost()
	}
	glog.Warningf("provision: companion not ready, attempting recovery")
	o.recover(ctx)
	o.publish()
}

func (o *Orchestrator) lost() {
	o.events.Clear(BitReady | BitWifiConnected | BitBTEnabled)
	o.setState(Recovering)
}

func (o *Orchestrator) deliver(pkt sdio.Packet) {
	switch pkt.Type {
	case sdio.CmdWifiConnect:
		glog.Infof("provision: wifi connection status update")
	case sdio.CmdDataTransfer:
		glog.V(1).Infof("provision: data packet received (%d bytes)", pkt.Length)
	default:
		glog.Warningf("provision: unknown packet type %s", pkt.Type)
	}
	o.hooks.OnDataReceived(pkt)
}
