// Package sdio implements the register and packet transport to the
// companion chip over its SDIO function 1 register window.
package sdio

// Register addresses on SDIO function 1.
const (
	RegStatus     uint32 = 0x00
	RegCommand    uint32 = 0x01
	RegDataLength uint32 = 0x02
	RegWifiStatus uint32 = 0x10
	RegBTStatus   uint32 = 0x11
	RegFWVersion  uint32 = 0x20
	RegDataWindow uint32 = 0x100
)

// Status register values.
const (
	// StatusReady is the value the companion firmware publishes once it is
	// ready for traffic.
	StatusReady byte = 0xAA

	// StatusDataAvailable is polled by the pump.
	StatusDataAvailable byte = 1 << 0

	// StatusWifiConnected and StatusBTEnabled are decoded by the supervisor.
	StatusWifiConnected byte = 1 << 0
	StatusBTEnabled     byte = 1 << 1
)

const (
	// MaxPacketSize is the data window size and the Packet capacity.
	MaxPacketSize = 2048

	// FirmwareVersionSize is the length of the firmware version register.
	FirmwareVersionSize = 32
)
