package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bigbag/c6link/internal/bootmode"
	"github.com/bigbag/c6link/internal/bridge"
	"github.com/bigbag/c6link/internal/sim"
)

// simPort connects a simulated chip through a devkit auto-reset circuit:
// EN is low while RTS && !DTR and IO0 is low while DTR && !RTS. The chip
// leaves reset once EN has charged, which happens on the next settle.
type simPort struct {
	chip    *sim.Chip
	closed  bool
	flushes int

	dtr, rts bool
	enLow    bool
	charging bool
}

func (p *simPort) ReadTimeout(buf []byte, d time.Duration) (int, error) {
	return p.chip.UART().ReadTimeout(buf, d)
}

func (p *simPort) Write(data []byte) (int, error) { return p.chip.UART().Write(data) }

func (p *simPort) SetDTR(v bool) error {
	p.dtr = v
	return p.update()
}

func (p *simPort) SetRTS(v bool) error {
	p.rts = v
	return p.update()
}

func (p *simPort) update() error {
	enLow := p.rts && !p.dtr
	defer func() { p.enLow = enLow }()
	switch {
	case enLow && !p.enLow:
		p.charging = false
		return p.chip.ResetPin().Set(false)
	case !enLow && p.enLow:
		p.charging = true
	}
	return nil
}

func (p *simPort) settle() {
	if !p.charging || p.enLow {
		return
	}
	p.charging = false
	_ = p.chip.BootPin().Set(!(p.dtr && !p.rts))
	_ = p.chip.ResetPin().Set(true)
}

func (p *simPort) Flush() error {
	p.flushes++
	return nil
}

func (p *simPort) Close() error {
	p.closed = true
	return nil
}

// directPort wires RTS to RESET and DTR to BOOT-SELECT through inverting
// drivers.
type directPort struct {
	chip *sim.Chip
}

func (p directPort) ReadTimeout(buf []byte, d time.Duration) (int, error) {
	return p.chip.UART().ReadTimeout(buf, d)
}

func (p directPort) Write(data []byte) (int, error) { return p.chip.UART().Write(data) }
func (p directPort) SetDTR(v bool) error { return p.chip.BootPin().Set(!v) }
func (p directPort) SetRTS(v bool) error { return p.chip.ResetPin().Set(!v) }
func (p directPort) Close() error { return nil }

// deadPort never answers.
type deadPort struct{}

func (deadPort) ReadTimeout([]byte, time.Duration) (int, error) { return 0, nil }
func (deadPort) Write(data []byte) (int, error)                 { return len(data), nil }
func (deadPort) SetDTR(bool) error                              { return nil }
func (deadPort) SetRTS(bool) error                              { return nil }
func (deadPort) Close() error                                   { return nil }

// noisyPort answers every read with application console output.
type noisyPort struct{ deadPort }

func (noisyPort) ReadTimeout(buf []byte, _ time.Duration) (int, error) {
	return copy(buf, "I (312) app: running\r\n"), nil
}

func newTestScanner(ports map[string]Port) *Scanner {
	s := NewScanner(115200)
	s.Sync = bridge.SyncConfig{Attempts: 2, Timeout: 5 * time.Millisecond, Verify: true}
	s.sleep = func(time.Duration) {
		for _, p := range ports {
			if sp, ok := p.(*simPort); ok {
				sp.settle()
			}
		}
	}
	s.list = func() ([]string, error) {
		return []string{"/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyUSB2"}, nil
	}
	s.open = func(name string, _ int) (Port, error) {
		if p, ok := ports[name]; ok {
			return p, nil
		}
		return nil, errors.New("permission denied")
	}
	return s
}

func TestDetectDevice(t *testing.T) {
	chip := sim.New()
	port := &simPort{chip: chip}
	s := newTestScanner(map[string]Port{
		"/dev/ttyUSB0": deadPort{},
		"/dev/ttyUSB2": port,
	})

	result, err := s.DetectDevice(context.Background())
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB2", result.Port)
	require.Equal(t, 115200, result.BaudRate)
	require.Equal(t, 1, chip.UART().Syncs())
	require.True(t, port.closed)

	// the chip is left running its application
	require.Equal(t, bootmode.Run, chip.Mode())
}

func TestDetectDevice_NotFound(t *testing.T) {
	s := newTestScanner(map[string]Port{"/dev/ttyUSB0": deadPort{}})

	_, err := s.DetectDevice(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorContains(t, err, "permission denied")
}

func TestDetectOnPort_SyncTimeout(t *testing.T) {
	s := newTestScanner(map[string]Port{"/dev/ttyUSB0": deadPort{}})

	_, err := s.DetectOnPort(context.Background(), "/dev/ttyUSB0")
	require.ErrorIs(t, err, bridge.ErrSyncTimeout)
}

func TestDetectOnPort_ConsoleNoiseIsNotABootloader(t *testing.T) {
	s := newTestScanner(map[string]Port{"/dev/ttyUSB0": noisyPort{}})

	_, err := s.DetectOnPort(context.Background(), "/dev/ttyUSB0")
	require.ErrorIs(t, err, bridge.ErrSyncTimeout)
}

func TestDetectDevice_NoPorts(t *testing.T) {
	s := newTestScanner(nil)
	s.list = func() ([]string, error) { return nil, nil }

	_, err := s.DetectDevice(context.Background())
	require.EqualError(t, err, "no serial ports found")
}

func TestListDevices(t *testing.T) {
	s := newTestScanner(map[string]Port{
		"/dev/ttyUSB0": &simPort{chip: sim.New()},
		"/dev/ttyUSB1": deadPort{},
		"/dev/ttyUSB2": &simPort{chip: sim.New()},
	})

	results, err := s.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "/dev/ttyUSB0", results[0].Port)
	require.Equal(t, "/dev/ttyUSB2", results[1].Port)
}

func TestDetectOnPort_Canceled(t *testing.T) {
	s := newTestScanner(map[string]Port{"/dev/ttyUSB0": &simPort{chip: sim.New()}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.DetectOnPort(ctx, "/dev/ttyUSB0")
	require.ErrorIs(t, err, context.Canceled)
}

func TestDetectOnPort_DirectWiring(t *testing.T) {
	chip := sim.New()
	s := newTestScanner(map[string]Port{"/dev/ttyUSB0": directPort{chip: chip}})
	s.AutoReset = false

	result, err := s.DetectOnPort(context.Background(), "/dev/ttyUSB0")
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB0", result.Port)
	require.Equal(t, bootmode.Run, chip.Mode())
}

func TestDetectOnPort_AutoResetResetsChip(t *testing.T) {
	chip := sim.New()
	port := &simPort{chip: chip}
	s := newTestScanner(map[string]Port{"/dev/ttyUSB0": port})

	_, err := s.DetectOnPort(context.Background(), "/dev/ttyUSB0")
	require.NoError(t, err)
	// one reset into the bootloader, one back into the application
	require.Equal(t, 2, chip.Resets())
	require.Equal(t, 1, chip.UART().Syncs())
	require.Equal(t, 1, port.flushes)
}
