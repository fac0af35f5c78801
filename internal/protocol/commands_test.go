package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorMessage_Codes(t *testing.T) {
	tests := []struct {
		code     byte
		expected string
	}{
		{ErrInvalidMessage, "invalid message"},
		{ErrFailedToAct, "failed to act"},
		{ErrInvalidCRC, "invalid CRC"},
		{ErrFlashWriteErr, "flash write error"},
		{ErrDeflateError, "deflate error"},
		{0x00, "unknown error"},
		{0xFF, "unknown error"},
	}

	for _, tc := range tests {
		require.Equal(t, tc.expected, ErrorMessage(tc.code), "code 0x%02X", tc.code)
	}
}

func TestSyncData(t *testing.T) {
	data := SyncData()

	require.Len(t, data, SyncPayloadSize)
	require.Equal(t, []byte{0x07, 0x07, 0x12, 0x20}, data[:4])
	for i := 4; i < len(data); i++ {
		require.Equal(t, byte(0x55), data[i], "byte %d", i)
	}
}
