package provision

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bigbag/c6link/internal/events"
	"github.com/bigbag/c6link/internal/sdio"
	"github.com/bigbag/c6link/internal/store"
)

// recorder collects an ordered trace shared by the fakes.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(call string) int {
	n := 0
	for _, c := range r.list() {
		if c == call {
			n++
		}
	}
	return n
}

type fakeStore struct {
	mu      sync.Mutex
	marker  bool
	state   store.State
	removes int
}

func (s *fakeStore) MarkerExists() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marker, nil
}

func (s *fakeStore) RemoveMarker() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removes++
	had := s.marker
	s.marker = false
	return had, nil
}

func (s *fakeStore) LoadState() (store.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *fakeStore) UpdateState(fn func(*store.State)) (store.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	return s.state, nil
}

func (s *fakeStore) snapshot() store.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

type fakeLink struct {
	rec *recorder

	mu         sync.Mutex
	ready      bool
	status     byte
	statusErr  error
	resetFails int
	resets     int
	sent       []sdio.Packet
	commands   []sdio.Command
	wifiLinks  bool
	closed     bool
	rx         chan sdio.Packet
}

func newFakeLink(rec *recorder, ready bool) *fakeLink {
	return &fakeLink{rec: rec, ready: ready, status: sdio.StatusReady, rx: make(chan sdio.Packet, 4)}
}

func (l *fakeLink) IsReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

func (l *fakeLink) setReady(ready bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ready = ready
}

func (l *fakeLink) CheckReady(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready, nil
}

func (l *fakeLink) Reset(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resets++
	if l.resetFails != 0 {
		if l.resetFails > 0 {
			l.resetFails--
		}
		l.ready = false
		return sdio.ErrCardInit
	}
	l.ready = true
	l.statusErr = nil
	return nil
}

func (l *fakeLink) resetCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resets
}

func (l *fakeLink) Send(_ context.Context, pkt sdio.Packet) error {
	l.rec.add("send")
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, pkt)
	if pkt.Type == sdio.CmdWifiConnect && l.wifiLinks {
		l.status |= sdio.StatusWifiConnected
	}
	return nil
}

func (l *fakeLink) Receive(ctx context.Context, timeout time.Duration) (sdio.Packet, error) {
	select {
	case pkt := <-l.rx:
		return pkt, nil
	case <-time.After(timeout):
		return sdio.Packet{}, sdio.ErrTimeout
	case <-ctx.Done():
		return sdio.Packet{}, ctx.Err()
	}
}

func (l *fakeLink) ReadStatus(context.Context) (byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.statusErr != nil {
		l.ready = false
		return 0, l.statusErr
	}
	return l.status, nil
}

func (l *fakeLink) ReadFirmwareVersion(context.Context) (string, error) {
	return "v1.4.0", nil
}

func (l *fakeLink) WriteCommand(_ context.Context, cmd sdio.Command) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commands = append(l.commands, cmd)
	return nil
}

func (l *fakeLink) WifiInit(ctx context.Context) error {
	return l.WriteCommand(ctx, sdio.CmdWifiConnect)
}

func (l *fakeLink) ConnectWifi(ctx context.Context, ssid, password string) error {
	pkt, err := sdio.NewPacket(sdio.CmdWifiConnect, []byte(ssid+"\x00"+password+"\x00"))
	if err != nil {
		return err
	}
	return l.Send(ctx, pkt)
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) sentPackets() []sdio.Packet {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sdio.Packet(nil), l.sent...)
}

type fakeBridge struct {
	rec *recorder
}

func (b *fakeBridge) Run(ctx context.Context) error {
	b.rec.add("bridge")
	<-ctx.Done()
	return nil
}

type fakeBoot struct{ rec *recorder }

func (b fakeBoot) EnterRunMode() { b.rec.add("run") }

type fakePublisher struct {
	mu       sync.Mutex
	statuses []Status
}

func (p *fakePublisher) Publish(st Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, st)
	return nil
}

func (p *fakePublisher) anyDegraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.statuses {
		if st.Degraded && st.Message == "companion chip offline" {
			return true
		}
	}
	return false
}

type harness struct {
	rec   *recorder
	store *fakeStore
	link  *fakeLink
	orch  *Orchestrator
}

func newHarness(t *testing.T, ready bool, opts ...Option) *harness {
	t.Helper()
	h := &harness{rec: &recorder{}, store: &fakeStore{}}
	h.link = newFakeLink(h.rec, ready)
	deps := Deps{
		Store: h.store,
		Boot:  fakeBoot{h.rec},
		OpenLink: func(context.Context) (Link, error) {
			h.rec.add("open")
			return h.link, nil
		},
		NewBridge: func() (BridgeRunner, error) {
			return &fakeBridge{rec: h.rec}, nil
		},
	}
	base := []Option{
		WithRecoverSettle(0),
		WithStatusInterval(5 * time.Millisecond),
		WithReceiveTimeout(time.Millisecond),
	}
	h.orch = New(deps, append(base, opts...)...)
	t.Cleanup(func() { h.orch.Close() })
	return h
}

func TestSystemInit_NormalBootWithoutMarker(t *testing.T) {
	connects := 0
	h := newHarness(t, true, WithHooks(HookFuncs{Connect: func() { connects++ }}))
	ctx := context.Background()

	require.NoError(t, h.orch.SystemInit(ctx, false))
	require.Equal(t, NormalBoot, h.orch.State())
	require.True(t, h.orch.IsReady())
	require.Equal(t, 1, connects)

	require.NoError(t, h.orch.SendMessage(ctx, "hello"))

	calls := h.rec.list()
	require.Equal(t, []string{"run", "open", "send"}, calls)
	require.Zero(t, h.rec.count("bridge"))

	st := h.store.snapshot()
	require.Equal(t, uint32(1), st.Boots)
	require.Equal(t, "v1.4.0", st.FirmwareVersion)
	require.False(t, st.ReadyAt.IsZero())

	require.ErrorIs(t, h.orch.SystemInit(ctx, false), ErrAlreadyStarted)
	require.Equal(t, 1, h.rec.count("open"))
}

func runBridgeBoot(t *testing.T, h *harness, force bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.SystemInit(ctx, force) }()

	require.Eventually(t, func() bool { return h.rec.count("bridge") == 1 }, time.Second, time.Millisecond)
	require.Equal(t, BridgeBoot, h.orch.State())

	select {
	case err := <-done:
		t.Fatalf("SystemInit returned in bridge mode: %v", err)
	default:
	}

	cancel()
	require.NoError(t, <-done)
	require.Zero(t, h.rec.count("open"))
	require.Zero(t, h.rec.count("run"))
}

func TestSystemInit_BridgeBootWithMarker(t *testing.T) {
	h := newHarness(t, true)
	h.store.marker = true
	runBridgeBoot(t, h, false)
}

func TestSystemInit_ForceBridge(t *testing.T) {
	h := newHarness(t, true)
	runBridgeBoot(t, h, true)
}

func TestSystemInit_BridgeRequestConsumed(t *testing.T) {
	h := newHarness(t, true)
	h.store.state.BridgeRequested = true
	runBridgeBoot(t, h, false)
	require.False(t, h.store.snapshot().BridgeRequested)
}

func TestSystemInit_SkipBridgeRemovesMarker(t *testing.T) {
	h := newHarness(t, true, WithSkipBridge(true))
	h.store.marker = true

	require.NoError(t, h.orch.SystemInit(context.Background(), false))
	require.Equal(t, 1, h.store.removes)
	require.False(t, h.store.marker)
	require.Equal(t, NormalBoot, h.orch.State())
	require.Equal(t, 1, h.rec.count("open"))
}

func TestSystemInit_SkipBridgeClearsRequest(t *testing.T) {
	h := newHarness(t, true, WithSkipBridge(true))
	h.store.state.BridgeRequested = true

	require.NoError(t, h.orch.SystemInit(context.Background(), false))
	require.Equal(t, NormalBoot, h.orch.State())
	require.Zero(t, h.rec.count("bridge"))
	require.Equal(t, 1, h.rec.count("open"))
	require.False(t, h.store.snapshot().BridgeRequested)
}

func TestSystemInit_OpenError(t *testing.T) {
	h := newHarness(t, true)
	h.orch.deps.OpenLink = func(context.Context) (Link, error) { return nil, sdio.ErrBusInit }

	err := h.orch.SystemInit(context.Background(), false)
	require.ErrorIs(t, err, sdio.ErrBusInit)
	require.Equal(t, Idle, h.orch.State())
	require.NotZero(t, h.orch.Events().Get()&BitError)
}

func TestSystemInit_NotReadyResetsOnce(t *testing.T) {
	h := newHarness(t, false, WithStatusInterval(time.Hour))

	require.NoError(t, h.orch.SystemInit(context.Background(), false))
	require.Equal(t, 1, h.link.resetCount())
	require.Equal(t, NormalBoot, h.orch.State())
	require.True(t, h.orch.IsReady())
}

func TestSystemInit_NotReadyStaysRecovering(t *testing.T) {
	h := newHarness(t, false, WithStatusInterval(time.Hour))
	h.link.resetFails = -1

	require.NoError(t, h.orch.SystemInit(context.Background(), false))
	require.Equal(t, Recovering, h.orch.State())
	require.False(t, h.orch.IsReady())
	require.ErrorIs(t, h.orch.SendMessage(context.Background(), "x"), ErrNotReady)
}

func TestSupervisor_RecoversAfterStatusError(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.orch.SystemInit(context.Background(), false))

	h.link.mu.Lock()
	h.link.statusErr = sdio.ErrTimeout
	h.link.resetFails = 2
	h.link.mu.Unlock()

	require.Eventually(t, func() bool {
		return h.link.resetCount() >= 3 && h.orch.State() == NormalBoot && h.orch.IsReady()
	}, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, h.orch.Status().Failures)
}

func TestSupervisor_ReportsDegraded(t *testing.T) {
	pub := &fakePublisher{}
	h := newHarness(t, true, WithDegradedAfter(3), WithPublisher(pub))
	require.NoError(t, h.orch.SystemInit(context.Background(), false))

	h.link.mu.Lock()
	h.link.resetFails = -1
	h.link.mu.Unlock()
	h.link.setReady(false)

	require.Eventually(t, pub.anyDegraded, 2*time.Second, 5*time.Millisecond)
	st := h.orch.Status()
	require.True(t, st.Degraded)
	require.Equal(t, Recovering.String(), st.State)
	require.GreaterOrEqual(t, st.Failures, 3)
}

func TestSupervisor_StatusBitsAndData(t *testing.T) {
	got := make(chan sdio.Packet, 1)
	h := newHarness(t, true, WithHooks(HookFuncs{Data: func(p sdio.Packet) { got <- p }}))
	h.link.status = sdio.StatusWifiConnected | sdio.StatusBTEnabled
	require.NoError(t, h.orch.SystemInit(context.Background(), false))

	pkt, _ := sdio.NewPacket(sdio.CmdDataTransfer, []byte("telemetry"))
	h.link.rx <- pkt

	select {
	case p := <-got:
		require.Equal(t, "telemetry", string(p.Payload()))
	case <-time.After(time.Second):
		t.Fatal("packet not delivered")
	}

	_, err := h.orch.Events().Wait(context.Background(), BitWifiConnected|BitBTEnabled, true, time.Second)
	require.NoError(t, err)
}

func TestSendMessage_Truncates(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.orch.SystemInit(context.Background(), false))

	require.NoError(t, h.orch.SendMessage(context.Background(), strings.Repeat("x", 5000)))
	sent := h.link.sentPackets()
	require.Len(t, sent, 1)
	require.Equal(t, sdio.CmdDataTransfer, sent[0].Type)
	require.Equal(t, MaxMessageSize, sent[0].Length)
}

func TestSendMessage_BeforeInit(t *testing.T) {
	h := newHarness(t, true)
	require.ErrorIs(t, h.orch.SendMessage(context.Background(), "x"), ErrNotReady)
}

func TestConnectWifi(t *testing.T) {
	h := newHarness(t, true)
	h.link.wifiLinks = true
	require.NoError(t, h.orch.SystemInit(context.Background(), false))

	require.NoError(t, h.orch.ConnectWifi(context.Background(), "lab", "secret"))
	sent := h.link.sentPackets()
	require.Len(t, sent, 1)
	require.Equal(t, []byte("lab\x00secret\x00"), sent[0].Payload())
}

func TestConnectWifi_Timeout(t *testing.T) {
	h := newHarness(t, true, WithWifiTimeout(20*time.Millisecond))
	require.NoError(t, h.orch.SystemInit(context.Background(), false))

	err := h.orch.ConnectWifi(context.Background(), "lab", "secret")
	require.ErrorIs(t, err, events.ErrTimeout)
}

func TestEnterFirmwareUpdateMode(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.orch.EnterFirmwareUpdateMode())
	require.True(t, h.store.snapshot().BridgeRequested)
}

func TestTriggerOTA(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.orch.SystemInit(context.Background(), false))

	const url = "http://updates.local/c6.bin"
	require.NoError(t, h.orch.TriggerOTA(context.Background(), url))

	h.link.mu.Lock()
	commands := append([]sdio.Command(nil), h.link.commands...)
	h.link.mu.Unlock()
	require.Equal(t, []sdio.Command{sdio.CmdFWUpdate}, commands)

	sent := h.link.sentPackets()
	require.Len(t, sent, 1)
	require.Equal(t, sdio.CmdFWUpdate, sent[0].Type)
	require.Equal(t, url, string(sent[0].Payload()))

	require.True(t, errors.Is(h.orch.TriggerOTA(context.Background(), ""), sdio.ErrInvalidArgument))
}

func TestClose(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.orch.SystemInit(context.Background(), false))
	require.NoError(t, h.orch.Close())

	h.link.mu.Lock()
	closed := h.link.closed
	h.link.mu.Unlock()
	require.True(t, closed)
	require.False(t, h.orch.IsReady())
	require.NoError(t, h.orch.Close())
}
