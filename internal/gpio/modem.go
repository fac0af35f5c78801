package gpio

import (
	"fmt"
	"sync"
)

// ModemControl is implemented by serial ports that expose modem control
// signals.
type ModemControl interface {
	SetDTR(value bool) error
	SetRTS(value bool) error
}

// Line selects a modem control signal.
type Line int

const (
	DTR Line = iota
	RTS
)

func (l Line) String() string {
	switch l {
	case DTR:
		return "DTR"
	case RTS:
		return "RTS"
	default:
		return fmt.Sprintf("Line(%d)", int(l))
	}
}

// ModemLine drives a companion control input from a USB-serial adapter's
// DTR or RTS signal. Most ESP auto-reset circuits invert the signal through
// a transistor, so an asserted signal pulls the target pin low.
type ModemLine struct {
	mu       sync.Mutex
	ctl      ModemControl
	line     Line
	inverted bool
	output   bool
}

// NewModemLine returns a Pin backed by the given modem signal. With inverted
// set, Set(true) deasserts the signal.
func NewModemLine(ctl ModemControl, line Line, inverted bool) *ModemLine {
	return &ModemLine{ctl: ctl, line: line, inverted: inverted}
}

// SetOutput marks the line as driven. The signal keeps its current state.
func (m *ModemLine) SetOutput() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.output = true
	return nil
}

// SetInput approximates a floating pin by deasserting the signal; the
// target's pull-up then decides the level.
func (m *ModemLine) SetInput() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.output = false
	return m.drive(false)
}

// Set drives the line to the requested level.
func (m *ModemLine) Set(high bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.output {
		return fmt.Errorf("%s: line is not an output", m.line)
	}
	asserted := high
	if m.inverted {
		asserted = !high
	}
	return m.drive(asserted)
}

func (m *ModemLine) drive(asserted bool) error {
	var err error
	switch m.line {
	case DTR:
		err = m.ctl.SetDTR(asserted)
	case RTS:
		err = m.ctl.SetRTS(asserted)
	default:
		return fmt.Errorf("unsupported modem line %s", m.line)
	}
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", m.line, err)
	}
	return nil
}
