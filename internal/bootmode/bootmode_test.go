package bootmode

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bigbag/c6link/internal/gpio"
)

// trace records pin transitions and sleeps in order.
type trace struct {
	mu     sync.Mutex
	events []string
}

func (t *trace) add(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, fmt.Sprintf(format, args...))
}

func (t *trace) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

type tracePin struct {
	name string
	t    *trace
	err  error
}

func (p *tracePin) SetOutput() error {
	p.t.add("%s output", p.name)
	return nil
}

func (p *tracePin) SetInput() error {
	p.t.add("%s input", p.name)
	return p.err
}

func (p *tracePin) Set(high bool) error {
	if high {
		p.t.add("%s high", p.name)
	} else {
		p.t.add("%s low", p.name)
	}
	return p.err
}

func newTraced(opts ...Option) (*Controller, *trace) {
	tr := &trace{}
	sleep := func(d time.Duration) { tr.add("sleep %s", d) }
	opts = append([]Option{WithSleep(sleep)}, opts...)
	c := New(&tracePin{name: "reset", t: tr}, &tracePin{name: "boot", t: tr}, opts...)
	return c, tr
}

func TestConfigure(t *testing.T) {
	c, tr := newTraced()
	require.NoError(t, c.Configure())
	require.Equal(t, []string{"reset output", "boot output", "reset high"}, tr.snapshot())
	require.Equal(t, Unknown, c.Mode())
}

func TestEnterDownloadMode_Trace(t *testing.T) {
	c, tr := newTraced()
	c.EnterDownloadMode()

	require.Equal(t, []string{
		"reset output",
		"boot output",
		"boot low",
		"sleep 10ms",
		"reset low",
		"sleep 100ms",
		"reset high",
		"sleep 50ms",
	}, tr.snapshot())
	require.Equal(t, Download, c.Mode())
}

func TestEnterRunMode_Trace(t *testing.T) {
	c, tr := newTraced()
	c.EnterRunMode()

	require.Equal(t, []string{
		"reset output",
		"boot output",
		"boot high",
		"sleep 10ms",
		"reset low",
		"sleep 100ms",
		"reset high",
		"sleep 500ms",
		"boot input",
	}, tr.snapshot())
	require.Equal(t, Run, c.Mode())
}

func TestWithTiming_ClampsToMinimum(t *testing.T) {
	c, _ := newTraced(WithTiming(Timing{
		BootSetup: time.Millisecond,
		ResetHold: 250 * time.Millisecond,
	}))

	got := c.Timing()
	require.Equal(t, MinTiming.BootSetup, got.BootSetup)
	require.Equal(t, 250*time.Millisecond, got.ResetHold)
	require.Equal(t, MinTiming.DownloadSettle, got.DownloadSettle)
	require.Equal(t, MinTiming.RunSettle, got.RunSettle)
}

func TestSequence_ContinuesOnPinError(t *testing.T) {
	tr := &trace{}
	boom := errors.New("boom")
	c := New(&tracePin{name: "reset", t: tr, err: boom}, &tracePin{name: "boot", t: tr, err: boom},
		WithSleep(func(time.Duration) {}))

	c.EnterRunMode()
	require.Equal(t, []string{"reset output", "boot output", "boot high", "reset low", "reset high", "boot input"}, tr.snapshot())
	require.Equal(t, Run, c.Mode())
}

func TestSequences_AreSerialized(t *testing.T) {
	c, tr := newTraced()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(download bool) {
			defer wg.Done()
			if download {
				c.EnterDownloadMode()
			} else {
				c.EnterRunMode()
			}
		}(i%2 == 0)
	}
	wg.Wait()

	events := tr.snapshot()
	for len(events) > 0 {
		require.GreaterOrEqual(t, len(events), 3)
		switch events[2] {
		case "boot low":
			require.GreaterOrEqual(t, len(events), 8)
			require.Equal(t, "sleep 50ms", events[7])
			events = events[8:]
		case "boot high":
			require.GreaterOrEqual(t, len(events), 9)
			require.Equal(t, "boot input", events[8])
			events = events[9:]
		default:
			t.Fatalf("sequence interleaved at %q", events[0])
		}
	}
}

// lines records modem signal changes.
type lines struct {
	mu    sync.Mutex
	trace []string
}

func (l *lines) SetDTR(v bool) error { return l.add("DTR", v) }
func (l *lines) SetRTS(v bool) error { return l.add("RTS", v) }

func (l *lines) add(name string, v bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trace = append(l.trace, fmt.Sprintf("%s=%t", name, v))
	return nil
}

func (l *lines) take() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.trace
	l.trace = nil
	return out
}

func TestDownloadAfterRun_DrivesBootAgain(t *testing.T) {
	sig := &lines{}
	reset := gpio.NewModemLine(sig, gpio.RTS, true)
	boot := gpio.NewModemLine(sig, gpio.DTR, true)
	c := New(reset, boot, WithSleep(func(time.Duration) {}))
	require.NoError(t, c.Configure())

	c.EnterRunMode()
	sig.take()

	c.EnterDownloadMode()
	require.Equal(t, []string{"DTR=true", "RTS=true", "RTS=false"}, sig.take())
	require.Equal(t, Download, c.Mode())
}

func TestModeString(t *testing.T) {
	require.Equal(t, "download", Download.String())
	require.Equal(t, "run", Run.String())
	require.Equal(t, "unknown", Unknown.String())
}
