package sdio

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/golang/glog"
)

// Pump moves packets between the link queues and the companion registers.
type Pump struct {
	bus      *bus
	tx       <-chan Packet
	rx       chan<- Packet
	interval time.Duration
	stats    *counters
}

// Run calls Step every interval until ctx is done.
func (p *Pump) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		_ = p.Step(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Step performs one pump iteration: write at most one queued packet to the
// data window, then collect at most one inbound packet.
func (p *Pump) Step(ctx context.Context) error {
	select {
	case pkt := <-p.tx:
		if err := p.bus.writeBlock(ctx, "write data", RegDataWindow, pkt.Payload()); err != nil {
			p.stats.pumpErrors.Add(1)
			p.stats.dropped.Add(1)
			glog.Warningf("sdio: outbound %s packet lost: %v", pkt.Type, err)
			return err
		}
		p.stats.sent.Add(1)
		glog.V(2).Infof("sdio: sent %s packet (%d bytes)", pkt.Type, pkt.Length)
	default:
	}

	status, err := p.bus.readReg(ctx, "read status", RegStatus)
	if err != nil {
		p.stats.pumpErrors.Add(1)
		glog.V(1).Infof("sdio: pump status read: %v", err)
		return err
	}
	if status&StatusDataAvailable == 0 {
		return nil
	}

	var raw [4]byte
	if err := p.bus.readBlock(ctx, "read data length", RegDataLength, raw[:]); err != nil {
		p.stats.pumpErrors.Add(1)
		glog.V(1).Infof("sdio: pump length read: %v", err)
		return err
	}
	n := binary.LittleEndian.Uint32(raw[:])
	if n == 0 {
		return nil
	}
	if n > MaxPacketSize {
		p.stats.oversized.Add(1)
		glog.Warningf("sdio: dropping inbound packet with length %d (max %d)", n, MaxPacketSize)
		return nil
	}

	pkt := Packet{Type: CmdDataTransfer, Length: int(n)}
	if err := p.bus.readBlock(ctx, "read data", RegDataWindow, pkt.Data[:n]); err != nil {
		p.stats.pumpErrors.Add(1)
		glog.Warningf("sdio: inbound packet lost: %v", err)
		return err
	}

	select {
	case p.rx <- pkt:
		p.stats.received.Add(1)
		glog.V(2).Infof("sdio: received %d bytes", n)
	default:
		p.stats.dropped.Add(1)
		glog.Warningf("sdio: receive queue full, dropping %d-byte packet", n)
	}
	return nil
}
