package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/bigbag/c6link/internal/slip"
)

// SyncPayloadSize is the length of the SYNC command payload.
const SyncPayloadSize = 36

// SyncFrameMinLen is the shortest console chunk that can carry a flashing
// tool's framed SYNC request.
const SyncFrameMinLen = 36

const headerSize = 8

// Request represents an ESP ROM bootloader request packet.
type Request struct {
	Command  byte
	Data     []byte
	Checksum uint32
}

// Response represents an ESP ROM bootloader response packet.
type Response struct {
	Command byte
	Data    []byte
	Value   uint32
	Status  byte
	Error   byte
}

// NewRequest creates a new request with calculated checksum.
func NewRequest(cmd byte, data []byte) *Request {
	r := &Request{
		Command: cmd,
		Data:    data,
	}
	r.Checksum = checksum(data)
	return r
}

// checksum is the ROM's XOR checksum seeded with 0xEF.
func checksum(data []byte) uint32 {
	var sum byte = 0xEF
	for _, b := range data {
		sum ^= b
	}
	return uint32(sum)
}

// Encode serializes the request to bytes (before SLIP encoding).
//
//	0: direction (0x00 = request)
//	1: command
//	2-3: data size (little-endian)
//	4-7: checksum (little-endian)
//	8+: data
func (r *Request) Encode() []byte {
	packet := make([]byte, headerSize+len(r.Data))
	packet[0] = DirRequest
	packet[1] = r.Command
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(r.Data)))
	binary.LittleEndian.PutUint32(packet[4:8], r.Checksum)
	copy(packet[headerSize:], r.Data)
	return packet
}

// DecodeRequest parses a request from raw bytes (after SLIP decoding).
func DecodeRequest(data []byte) (*Request, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("request too short: %d bytes", len(data))
	}
	if data[0] != DirRequest {
		return nil, fmt.Errorf("invalid direction byte: 0x%02X", data[0])
	}
	size := int(binary.LittleEndian.Uint16(data[2:4]))
	if size > len(data)-headerSize {
		return nil, fmt.Errorf("data size mismatch: expected %d, have %d", size, len(data)-headerSize)
	}
	return &Request{
		Command:  data[1],
		Checksum: binary.LittleEndian.Uint32(data[4:8]),
		Data:     data[headerSize : headerSize+size],
	}, nil
}

// Encode serializes the response to bytes (before SLIP encoding). Status
// and error bytes follow the data.
func (r *Response) Encode() []byte {
	size := len(r.Data) + 2
	packet := make([]byte, headerSize+size)
	packet[0] = DirResponse
	packet[1] = r.Command
	binary.LittleEndian.PutUint16(packet[2:4], uint16(size))
	binary.LittleEndian.PutUint32(packet[4:8], r.Value)
	copy(packet[headerSize:], r.Data)
	packet[headerSize+len(r.Data)] = r.Status
	packet[headerSize+len(r.Data)+1] = r.Error
	return packet
}

// DecodeResponse parses a response from raw bytes (after SLIP decoding).
func DecodeResponse(data []byte) (*Response, error) {
	// Minimum response is 8 bytes header + 2 bytes status
	if len(data) < headerSize+2 {
		return nil, fmt.Errorf("response too short: %d bytes", len(data))
	}
	if data[0] != DirResponse {
		return nil, fmt.Errorf("invalid direction byte: 0x%02X", data[0])
	}

	resp := &Response{
		Command: data[1],
		Value:   binary.LittleEndian.Uint32(data[4:8]),
	}

	dataSize := int(binary.LittleEndian.Uint16(data[2:4]))
	if dataSize > len(data)-headerSize {
		return nil, fmt.Errorf("data size mismatch: expected %d, have %d", dataSize, len(data)-headerSize)
	}

	switch {
	case dataSize >= 2:
		resp.Data = data[headerSize : headerSize+dataSize-2]
		resp.Status = data[headerSize+dataSize-2]
		resp.Error = data[headerSize+dataSize-1]
	case dataSize > 0:
		resp.Data = data[headerSize : headerSize+dataSize]
	}
	return resp, nil
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Status == 0 && r.Error == 0
}

// ErrorString returns a human-readable error message.
func (r *Response) ErrorString() string {
	if r.IsSuccess() {
		return ""
	}
	return fmt.Sprintf("status=0x%02X error=0x%02X (%s)", r.Status, r.Error, ErrorMessage(r.Error))
}

// SyncData returns the data payload for a SYNC command:
// 0x07 0x07 0x12 0x20 followed by 32 bytes of 0x55.
func SyncData() []byte {
	data := make([]byte, SyncPayloadSize)
	copy(data, []byte{0x07, 0x07, 0x12, 0x20})
	for i := 4; i < SyncPayloadSize; i++ {
		data[i] = 0x55
	}
	return data
}

// SyncRequest returns the unframed SYNC request packet.
func SyncRequest() []byte {
	return NewRequest(CmdSync, SyncData()).Encode()
}

// IsSyncFrame reports whether a chunk read from the console looks like the
// start of a flashing tool's framed SYNC request: a frame delimiter
// followed by the request direction byte, at least SyncFrameMinLen long.
func IsSyncFrame(chunk []byte) bool {
	return len(chunk) >= SyncFrameMinLen && chunk[0] == slip.End && chunk[1] == DirRequest
}
