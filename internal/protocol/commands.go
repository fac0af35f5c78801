package protocol

// ESP ROM bootloader commands the bridge needs to recognise. Flash
// programming commands are left to the external flashing tool.
const (
	CmdSync = 0x08
)

// Direction byte values
const (
	DirRequest  = 0x00
	DirResponse = 0x01
)

// DefaultBaudRate is the ROM bootloader's autobaud-friendly default rate.
const DefaultBaudRate = 115200

// Error codes from ROM bootloader
const (
	ErrInvalidMessage  = 0x05
	ErrFailedToAct     = 0x06
	ErrInvalidCRC      = 0x07
	ErrFlashWriteErr   = 0x08
	ErrFlashReadErr    = 0x09
	ErrFlashReadLenErr = 0x0A
	ErrDeflateError    = 0x0B
)

// ErrorMessage returns human-readable error message
func ErrorMessage(code byte) string {
	switch code {
	case ErrInvalidMessage:
		return "invalid message"
	case ErrFailedToAct:
		return "failed to act"
	case ErrInvalidCRC:
		return "invalid CRC"
	case ErrFlashWriteErr:
		return "flash write error"
	case ErrFlashReadErr:
		return "flash read error"
	case ErrFlashReadLenErr:
		return "flash read length error"
	case ErrDeflateError:
		return "deflate error"
	default:
		return "unknown error"
	}
}
