package sdio

import (
	"errors"
	"fmt"
)

var (
	ErrBusInit         = errors.New("sdio: bus init failed")
	ErrCardInit        = errors.New("sdio: card init failed")
	ErrIO              = errors.New("sdio: register I/O failed")
	ErrTimeout         = errors.New("sdio: timeout")
	ErrNotReady        = errors.New("sdio: companion not ready")
	ErrInvalidArgument = errors.New("sdio: invalid argument")
	ErrClosed          = errors.New("sdio: link closed")
	ErrWifiDown        = errors.New("sdio: wifi not connected")
)

// RegisterError describes a failed register access. Kind is ErrIO or
// ErrTimeout; Err is the underlying host error.
type RegisterError struct {
	Op   string
	Addr uint32
	Kind error
	Err  error
}

func (e *RegisterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s 0x%03X", e.Kind, e.Op, e.Addr)
	}
	return fmt.Sprintf("%v: %s 0x%03X: %v", e.Kind, e.Op, e.Addr, e.Err)
}

func (e *RegisterError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
