// Package gpio defines the control-line primitives used to sequence the
// companion chip's RESET and BOOT-SELECT inputs.
package gpio

// Pin is a single digital control line.
type Pin interface {
	// SetOutput configures the line as a driven output.
	SetOutput() error
	// SetInput releases the line so it floats.
	SetInput() error
	// Set drives the line high or low. The line must be an output.
	Set(high bool) error
}

// Level names a logic level for readability at call sites.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "high"
	}
	return "low"
}
