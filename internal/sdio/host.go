package sdio

import (
	"context"
)

// BusConfig describes the SDIO bus set-up requested from the host.
type BusConfig struct {
	Width           int
	MaxFreqKHz      int
	InternalPullups bool
	Slot            int
}

// DefaultBusConfig is the 4-bit, 5 MHz slot-1 configuration the companion
// board is wired for.
var DefaultBusConfig = BusConfig{
	Width:           4,
	MaxFreqKHz:      5000,
	InternalPullups: true,
	Slot:            1,
}

// Host is the SDIO host controller driving function 1 of the companion
// chip. Implementations must return promptly once ctx is done.
type Host interface {
	Init(ctx context.Context, cfg BusConfig) error
	Probe(ctx context.Context) error
	ReadReg(ctx context.Context, addr uint32) (byte, error)
	WriteReg(ctx context.Context, addr uint32, v byte) error
	ReadBlock(ctx context.Context, addr uint32, buf []byte) error
	WriteBlock(ctx context.Context, addr uint32, data []byte) error
	Deinit() error
}

// RunSequencer restarts the companion chip into its application firmware.
type RunSequencer interface {
	EnterRunMode()
}
