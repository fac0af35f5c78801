// Package embedded carries the companion firmware image built into the
// binary. Release builds replace companion.bin with the ESP32-C6 image;
// development builds ship it empty.
package embedded

import (
	_ "embed"
)

//go:embed companion.bin
var companion []byte

// Firmware returns the embedded companion firmware image.
func Firmware() []byte {
	return companion
}

// Available reports whether this build carries a firmware image.
func Available() bool {
	return len(companion) > 0
}
