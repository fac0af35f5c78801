package gpio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeModem struct {
	dtr, rts []bool
	err      error
}

func (f *fakeModem) SetDTR(v bool) error {
	f.dtr = append(f.dtr, v)
	return f.err
}

func (f *fakeModem) SetRTS(v bool) error {
	f.rts = append(f.rts, v)
	return f.err
}

func TestModemLine_Inverted(t *testing.T) {
	ctl := &fakeModem{}
	pin := NewModemLine(ctl, RTS, true)

	require.NoError(t, pin.SetOutput())
	require.NoError(t, pin.Set(false))
	require.NoError(t, pin.Set(true))
	require.NoError(t, pin.SetInput())

	require.Equal(t, []bool{true, false, false}, ctl.rts)
	require.Empty(t, ctl.dtr)
}

func TestModemLine_Direct(t *testing.T) {
	ctl := &fakeModem{}
	pin := NewModemLine(ctl, DTR, false)

	require.NoError(t, pin.SetOutput())
	require.NoError(t, pin.Set(true))
	require.Equal(t, []bool{true}, ctl.dtr)
}

func TestModemLine_SetRequiresOutput(t *testing.T) {
	pin := NewModemLine(&fakeModem{}, DTR, true)
	require.Error(t, pin.Set(true))
}

func TestModemLine_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	pin := NewModemLine(&fakeModem{err: boom}, DTR, true)
	require.NoError(t, pin.SetOutput())
	require.ErrorIs(t, pin.Set(true), boom)
}

func TestLevelString(t *testing.T) {
	require.Equal(t, "high", High.String())
	require.Equal(t, "low", Low.String())
	require.Equal(t, "RTS", RTS.String())
}
