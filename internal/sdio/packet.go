package sdio

import (
	"fmt"
)

// Command is the packet type tag and command register value.
type Command byte

const (
	CmdNone Command = iota
	CmdGetStatus
	CmdWifiConnect
	CmdWifiDisconnect
	CmdWifiScan
	CmdBTEnable
	CmdBTDisable
	CmdDataTransfer
	CmdFWUpdate
	CmdReset
)

var commandNames = [...]string{
	CmdNone:           "none",
	CmdGetStatus:      "get-status",
	CmdWifiConnect:    "wifi-connect",
	CmdWifiDisconnect: "wifi-disconnect",
	CmdWifiScan:       "wifi-scan",
	CmdBTEnable:       "bt-enable",
	CmdBTDisable:      "bt-disable",
	CmdDataTransfer:   "data-transfer",
	CmdFWUpdate:       "fw-update",
	CmdReset:          "reset",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("Command(%d)", byte(c))
}

// Packet is a fixed-capacity message exchanged with the companion chip. It
// is copied by value through the link queues.
type Packet struct {
	Data   [MaxPacketSize]byte
	Length int
	Type   Command
}

// NewPacket builds a packet carrying payload.
func NewPacket(typ Command, payload []byte) (Packet, error) {
	var p Packet
	if len(payload) > MaxPacketSize {
		return p, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrInvalidArgument, len(payload), MaxPacketSize)
	}
	p.Type = typ
	p.Length = copy(p.Data[:], payload)
	return p, nil
}

// Payload returns the used part of the data buffer.
func (p *Packet) Payload() []byte {
	n := p.Length
	if n < 0 {
		n = 0
	}
	if n > MaxPacketSize {
		n = MaxPacketSize
	}
	return p.Data[:n]
}
