package cellular

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeModem scripts AT responses by an exact match on the command, so
// tests don't need to hand-simulate a full AT interpreter.
type fakeModem struct {
	mu        sync.Mutex
	responses map[string][]string
	fail      map[string]bool
	calls     []string
}

func newFakeModem() *fakeModem {
	return &fakeModem{responses: make(map[string][]string), fail: make(map[string]bool)}
}

func (m *fakeModem) set(cmd string, lines ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[cmd] = lines
}

func (m *fakeModem) SendAT(cmd string, timeout time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, cmd)
	if m.fail[cmd] {
		return nil, ErrModemTimeout
	}
	if lines, ok := m.responses[cmd]; ok {
		return lines, nil
	}
	return []string{"OK"}, nil
}

func (m *fakeModem) Close() error { return nil }

// fakePPP is a scripted PPPRunner.
type fakePPP struct {
	mu      sync.Mutex
	running bool
	started int
}

func (p *fakePPP) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
	p.started++
	return nil
}
func (p *fakePPP) Stop() error      { p.mu.Lock(); defer p.mu.Unlock(); p.running = false; return nil }
func (p *fakePPP) ForceStop() error { return p.Stop() }
func (p *fakePPP) Running() bool    { p.mu.Lock(); defer p.mu.Unlock(); return p.running }
func (p *fakePPP) CleanLockFiles() error { return nil }
func (p *fakePPP) setRunning(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = v
}

func fakeClock(start time.Time) (func() time.Time, func(time.Duration)) {
	var mu sync.Mutex
	now := start
	return func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}, func(d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(d)
		}
}

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(strings.Join(lines, "\n") + "\n")
	require.NoError(t, err)
}

// tickUntil ticks the supervisor until it reaches want or maxTicks is
// exhausted, failing the test in the latter case.
func tickUntil(t *testing.T, s *Supervisor, want State, maxTicks int) {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		if s.state == want {
			return
		}
		s.Tick(context.Background())
	}
	require.Equal(t, want, s.state, "supervisor did not reach state within %d ticks", maxTicks)
}

func TestSupervisorHappyPathReachesOnline(t *testing.T) {
	logPath := t.TempDir() + "/ppp.log"
	modem := newFakeModem()
	modem.set("AT+CREG?", "+CREG: 0,1", "OK")
	modem.set("AT+COPS=?", `+COPS: (1,"Carrier A","CA","20201",7),(1,"Carrier B","CB","20202",7),,(0-4),(0-2)`, "OK")
	modem.set("AT+CSQ", "+CSQ: 20,99", "OK")

	ppp := &fakePPP{}
	clock, advance := fakeClock(time.Unix(0, 0))
	tail := NewLogTailer(logPath, 200, time.Second, clock)

	s := New(modem, ppp, tail, nil, clock, false, nil)

	tickUntil(t, s, StateWaitPPPUp, 10)
	require.Equal(t, 1, ppp.started)
	require.NotEmpty(t, s.currentCarrier)

	writeLines(t, logPath, []string{
		"local  IP address 10.0.0.5",
		"remote IP address 10.0.0.1",
		"primary   DNS address 8.8.8.8",
		"secondary DNS address 8.8.4.4",
		"ip-up finished",
	})
	advance(2 * time.Second) // past the tailer's 1s freshness window
	tickUntil(t, s, StateOnline, 5)
	require.True(t, s.CellularReady())
	status := s.GetStatus()
	require.Equal(t, "10.0.0.5", status.LocalIP)
	require.Equal(t, "8.8.8.8", status.PrimaryDNS)
}

func TestSupervisorQuickStatusFastPath(t *testing.T) {
	logPath := t.TempDir() + "/ppp.log"
	writeLines(t, logPath, []string{
		"local  IP address 10.0.0.5",
		"remote IP address 10.0.0.1",
		"ip-up finished",
	})

	modem := newFakeModem()
	ppp := &fakePPP{running: true} // already up at startup
	clock, _ := fakeClock(time.Unix(0, 0))
	tail := NewLogTailer(logPath, 200, time.Second, clock)

	s := New(modem, ppp, tail, nil, clock, true, nil)
	s.Tick(context.Background())

	require.Equal(t, StateOnline, s.state)
	require.True(t, s.CellularReady())
	require.Equal(t, 0, ppp.started, "fast path must not restart pppd")
	for _, c := range modem.calls {
		require.NotEqual(t, "ATZ", c, "fast path must not run modem init")
	}
}

func TestSupervisorCarrierBlacklistAfterRepeatedFailures(t *testing.T) {
	logPath := t.TempDir() + "/ppp.log"
	modem := newFakeModem()
	modem.set("AT+CREG?", "+CREG: 0,1", "OK")
	modem.set("AT+COPS=?", `+COPS: (1,"Carrier A","CA","20201",7),,(0-4),(0-2)`, "OK")
	modem.set("AT+CSQ", "+CSQ: 20,99", "OK")

	ppp := &fakePPP{}
	clock, advance := fakeClock(time.Unix(0, 0))
	tail := NewLogTailer(logPath, 200, time.Second, clock)
	s := New(modem, ppp, tail, nil, clock, false, nil)
	s.blacklistThreshold = 2

	// First failure: counted, not yet enough to blacklist.
	tickUntil(t, s, StateWaitPPPUp, 15)
	ppp.setRunning(false)
	tickUntil(t, s, StateDisconnected, 3)
	require.Equal(t, 1, s.blacklist["20201"])
	require.False(t, s.blacklisted["20201"])

	s.Tick(context.Background()) // computes the backoff deadline
	advance(backoffSchedule[0] + time.Second)
	tickUntil(t, s, StateWaitPPPUp, 15)

	// Second failure trips the blacklist threshold.
	ppp.setRunning(false)
	tickUntil(t, s, StateDisconnected, 3)
	require.True(t, s.blacklisted["20201"], "carrier should be blacklisted after repeated failures")
}

func TestSupervisorManualScanBypassesBlacklist(t *testing.T) {
	logPath := t.TempDir() + "/ppp.log"
	modem := newFakeModem()
	modem.set("AT+CREG?", "+CREG: 0,1", "OK")
	modem.set("AT+COPS=?", `+COPS: (1,"Carrier A","CA","20201",7),,(0-4),(0-2)`, "OK")
	modem.set("AT+CSQ", "+CSQ: 20,99", "OK")

	ppp := &fakePPP{}
	clock, _ := fakeClock(time.Unix(0, 0))
	tail := NewLogTailer(logPath, 200, time.Second, clock)
	s := New(modem, ppp, tail, nil, clock, false, nil)
	s.blacklisted["20201"] = true

	s.RequestManualScan()
	tickUntil(t, s, StateConnect, 10)
	require.Equal(t, "20201", s.currentCarrier, "manual scan must surface blacklisted carrier")
}

func TestSupervisorOnlineDropReturnsToDisconnected(t *testing.T) {
	logPath := t.TempDir() + "/ppp.log"
	modem := newFakeModem()
	modem.set("AT+CREG?", "+CREG: 0,1", "OK")
	modem.set("AT+COPS=?", `+COPS: (1,"Carrier A","CA","20201",7),,(0-4),(0-2)`, "OK")
	modem.set("AT+CSQ", "+CSQ: 20,99", "OK")

	ppp := &fakePPP{}
	clock, advance := fakeClock(time.Unix(0, 0))
	tail := NewLogTailer(logPath, 200, time.Second, clock)
	s := New(modem, ppp, tail, nil, clock, false, nil)

	tickUntil(t, s, StateWaitPPPUp, 10)
	writeLines(t, logPath, []string{"local  IP address 10.0.0.5", "remote IP address 10.0.0.1", "ip-up finished"})
	advance(2 * time.Second)
	tickUntil(t, s, StateOnline, 5)

	ppp.setRunning(false)
	tickUntil(t, s, StateDisconnected, 3)
	require.False(t, s.CellularReady())
}

// fakeHardwareResetter records invocations and always succeeds.
type fakeHardwareResetter struct {
	mu    sync.Mutex
	resets int
}

func (h *fakeHardwareResetter) Reset(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resets++
	return nil
}

func TestSupervisorEscalatesToHardwareResetAfterRepeatedCycles(t *testing.T) {
	logPath := t.TempDir() + "/ppp.log"
	modem := newFakeModem()
	ppp := &fakePPP{}
	clock, advance := fakeClock(time.Unix(0, 0))
	tail := NewLogTailer(logPath, 200, time.Second, clock)
	hw := &fakeHardwareResetter{}
	s := New(modem, ppp, tail, nil, clock, false, nil,
		WithHardwareResetThreshold(2),
		WithHardwareResetter(hw),
	)

	// Drive two Disconnected->reinitialize cycles directly: each one
	// should survive a backoff wait and bump softFailureCycles, without
	// ever reaching Online.
	s.state = StateDisconnected
	s.softFailureCycles = 0

	s.Tick(context.Background()) // computes the first backoff deadline
	advance(backoffSchedule[0] + time.Second)
	s.Tick(context.Background()) // cycle 1: softFailureCycles -> 1, resumes toward Initialize
	require.Equal(t, 1, s.softFailureCycles)
	require.NotEqual(t, StateHardwareReset, s.state)

	// Let the non-blocking stop sub-machine resolve back to Initialize,
	// then drop straight back to Disconnected to start the second cycle.
	tickUntil(t, s, StateInitialize, 5)
	s.state = StateDisconnected

	s.Tick(context.Background()) // computes the second backoff deadline
	advance(backoffSchedule[1] + time.Second)
	s.Tick(context.Background()) // cycle 2: softFailureCycles hits the threshold

	tickUntil(t, s, StateHardwareReset, 5)
	require.Equal(t, 0, s.softFailureCycles, "counter resets once escalation fires")

	s.Tick(context.Background())
	require.Equal(t, 1, hw.resets, "hardware resetter should have been invoked")
	require.Equal(t, StateInit, s.state)
}

func TestClassifyConnectedAndError(t *testing.T) {
	connected := [][]byte{[]byte("local  IP address 1.2.3.4"), []byte("ip-up finished")}
	state, _ := Classify(connected)
	require.Equal(t, LinkConnected, state)

	failed := [][]byte{[]byte("Connect script failed")}
	state, reason := Classify(failed)
	require.Equal(t, LinkError, state)
	require.Equal(t, "Connect script failed", reason)
}
