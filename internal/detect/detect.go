// Package detect finds serial ports wired to a companion chip by putting
// the chip into its ROM bootloader through the adapter's DTR/RTS lines and
// running the SYNC handshake.
package detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/bigbag/c6link/internal/bootmode"
	"github.com/bigbag/c6link/internal/bridge"
	"github.com/bigbag/c6link/internal/gpio"
	"github.com/bigbag/c6link/internal/serial"
)

// ErrNotFound is returned when no port answers the handshake.
var ErrNotFound = errors.New("no companion bootloader found")

// Result represents a port with a responding companion bootloader.
type Result struct {
	Port     string
	BaudRate int
}

// Port is a serial port with modem control lines.
type Port interface {
	bridge.Port
	gpio.ModemControl
	Close() error
}

type flusher interface {
	Flush() error
}

// Opener opens a port for probing.
type Opener func(name string, baudRate int) (Port, error)

// Scanner probes serial ports.
type Scanner struct {
	BaudRate int
	// AutoReset selects the devkit cross-coupled auto-reset circuit. When
	// false, RTS and DTR drive RESET and BOOT-SELECT as plain lines.
	AutoReset bool
	// Inverted applies to plain lines: an asserted signal pulls the target
	// pin low.
	Inverted bool
	Sync     bridge.SyncConfig

	open  Opener
	list  func() ([]string, error)
	sleep func(time.Duration)
}

// NewScanner returns a scanner over the system's serial ports. RTS drives
// RESET and DTR drives BOOT-SELECT.
func NewScanner(baudRate int) *Scanner {
	return &Scanner{
		BaudRate:  baudRate,
		AutoReset: true,
		Inverted:  true,
		Sync:      verifyingSync(),
		open:      openSerial,
		list:      serial.ListPorts,
		sleep:     time.Sleep,
	}
}

// verifyingSync requires a decoded SYNC response, so console noise on a
// port does not count as a bootloader.
func verifyingSync() bridge.SyncConfig {
	cfg := bridge.DefaultSyncConfig()
	cfg.Verify = true
	return cfg
}

func openSerial(name string, baudRate int) (Port, error) {
	p, err := serial.Open(name, baudRate)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DetectDevice returns the first port with a responding bootloader.
func (s *Scanner) DetectDevice(ctx context.Context) (*Result, error) {
	ports, err := s.ports()
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, portName := range ports {
		result, err := s.tryPort(ctx, portName)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w (last error: %w)", ErrNotFound, lastErr)
	}
	return nil, ErrNotFound
}

// DetectOnPort probes a single port.
func (s *Scanner) DetectOnPort(ctx context.Context, portName string) (*Result, error) {
	return s.tryPort(ctx, portName)
}

// ListDevices scans all ports and returns every responding one.
func (s *Scanner) ListDevices(ctx context.Context) ([]Result, error) {
	ports, err := s.ports()
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, portName := range ports {
		result, err := s.tryPort(ctx, portName)
		if err == nil {
			results = append(results, *result)
			continue
		}
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		glog.V(1).Infof("detect: %s: %v", portName, err)
	}
	return results, nil
}

func (s *Scanner) ports() ([]string, error) {
	ports, err := s.list()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}
	return ports, nil
}

func (s *Scanner) sequencer(port Port) interface {
	bootmode.Sequencer
	Configure() error
} {
	if s.AutoReset {
		return bootmode.NewAutoReset(port, bootmode.WithSleep(s.sleep))
	}
	reset := gpio.NewModemLine(port, gpio.RTS, s.Inverted)
	boot := gpio.NewModemLine(port, gpio.DTR, s.Inverted)
	return bootmode.New(reset, boot, bootmode.WithSleep(s.sleep))
}

func (s *Scanner) tryPort(ctx context.Context, portName string) (*Result, error) {
	port, err := s.open(portName, s.BaudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	ctl := s.sequencer(port)
	if err := ctl.Configure(); err != nil {
		return nil, fmt.Errorf("failed to configure control lines: %w", err)
	}

	ctl.EnterDownloadMode()
	// Leave the companion running its application whatever the outcome.
	defer ctl.EnterRunMode()

	// Drop the boot banner printed before the ROM took over.
	if f, ok := port.(flusher); ok {
		if err := f.Flush(); err != nil {
			glog.V(1).Infof("detect: flush %s: %v", portName, err)
		}
	}

	if err := bridge.Sync(ctx, port, s.Sync); err != nil {
		return nil, fmt.Errorf("failed to sync: %w", err)
	}

	glog.Infof("detect: bootloader answered on %s", portName)
	return &Result{Port: portName, BaudRate: s.BaudRate}, nil
}
