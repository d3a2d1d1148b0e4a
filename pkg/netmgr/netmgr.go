// Package netmgr implements the Network Interface Manager state machine
// (spec §4.3): select at most one configured interface as the current
// uplink, keep the selection stable under transient faults, and notify the
// transport layer whenever the selection changes. Grounded on the
// reference stack's nmt package (pkg/nmt/nmt.go) for its shape — a small
// mutex-guarded state enum, a state-change callback registry, timer-driven
// re-evaluation — generalized from CANopen NMT states to uplink interface
// states, and on its heartbeat consumer (per-entry mutex, independent
// per-monitored-node state) for the per-interface state used here.
package netmgr

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/northfield-iot/mm2gateway/pkg/config"
	"github.com/northfield-iot/mm2gateway/pkg/diag"
)

// State is the manager's top-level state, per spec §4.3's state table.
type State int

const (
	StateInit State = iota
	StateSelect
	StateWaitResults
	StateReview
	StateOnline
	StateCheckResults
	StateVerifyResults
)

var stateNames = map[State]string{
	StateInit:          "Init",
	StateSelect:        "Select",
	StateWaitResults:   "WaitResults",
	StateReview:        "Review",
	StateOnline:        "Online",
	StateCheckResults:  "CheckResults",
	StateVerifyResults: "VerifyResults",
}

func (s State) String() string { return stateNames[s] }

// Scoring thresholds and hysteresis defaults (spec §4.3).
const (
	MinAcceptable = 3
	GoodAvailable = 7

	DefaultProbeCount    = 10
	DefaultSwitchWindow  = 60 * time.Second
	DefaultSwitchCap     = 5
	DefaultCooldown      = 2 * time.Minute
	DefaultHealthPeriod  = 10 * time.Second
	DefaultScanPeriod    = 5 * time.Second
	DefaultProbeDeadline = 5 * time.Second
)

// ifaceState is the per-interface shared state named in spec §5's
// concurrency model: score, last probe time, active flag, cooldown-until.
// Guarded by its own mutex so probe workers and the scheduler thread never
// contend on a single lock for unrelated interfaces.
type ifaceState struct {
	mu            sync.Mutex
	cfg           config.InterfaceConfig
	score         int
	lastProbeAt   time.Time
	active        bool
	cooldownUntil time.Time
}

type probeResult struct {
	name      string
	successes int
}

// OnInterfaceChanged is invoked with the new interface's name and local IP
// whenever the current selection changes, per spec §4.3/§6.
type OnInterfaceChanged func(ifaceName, localIP string)

// Manager runs the network interface selection state machine. The state
// variable itself is owned by the scheduler thread (Tick is not meant to be
// called concurrently); per-interface state is safe to read from other
// goroutines (e.g. the CLI's `net` command) via Status.
type Manager struct {
	log    *logrus.Entry
	diag   *diag.Stream
	clock  func() time.Time
	prober Prober

	probeCount    int
	switchWindow  time.Duration
	switchCap     int
	cooldown      time.Duration
	healthPeriod  time.Duration
	scanPeriod    time.Duration
	probeDeadline time.Duration

	cellularIfaceName string

	mu sync.Mutex

	state   State
	current *ifaceState

	ifaces     []*ifaceState // configured order, includes DHCP servers
	candidates []*ifaceState // excludes DHCP servers, the only ones ever probed/selected

	pendingResults map[string]int
	pendingCount   int
	results        chan probeResult
	roundDeadline  time.Time

	switches []time.Time // sliding window of successful switch timestamps

	manualRescan    bool
	rescanRequested bool
	nextAutoScanAt  time.Time

	lastHealthProbeAt time.Time

	cellularReady     bool
	prevCellularReady bool

	onChanged OnInterfaceChanged
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithCellularInterfaceName names the interface that requires the
// cellular-readiness gate (spec §4.3). Defaults to "cellular".
func WithCellularInterfaceName(name string) Option {
	return func(m *Manager) { m.cellularIfaceName = name }
}

// WithProbeCount overrides the default 10 round trips per probe.
func WithProbeCount(n int) Option {
	return func(m *Manager) { m.probeCount = n }
}

// WithHysteresis overrides the default switch window/cap/cooldown.
func WithHysteresis(window time.Duration, switchCap int, cooldown time.Duration) Option {
	return func(m *Manager) {
		m.switchWindow = window
		m.switchCap = switchCap
		m.cooldown = cooldown
	}
}

// New creates a Manager for the interfaces in cfg.Interfaces.
func New(cfg *config.Config, diagStream *diag.Stream, clock func() time.Time, prober Prober, log *logrus.Entry, opts ...Option) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if clock == nil {
		clock = time.Now
	}
	m := &Manager{
		log:               log.WithField("component", "netmgr"),
		diag:              diagStream,
		clock:             clock,
		prober:            prober,
		probeCount:        DefaultProbeCount,
		switchWindow:      DefaultSwitchWindow,
		switchCap:         DefaultSwitchCap,
		cooldown:          DefaultCooldown,
		healthPeriod:      DefaultHealthPeriod,
		scanPeriod:        DefaultScanPeriod,
		probeDeadline:     DefaultProbeDeadline,
		cellularIfaceName: "cellular",
		state:             StateInit,
		pendingResults:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, ic := range cfg.Interfaces {
		is := &ifaceState{cfg: ic}
		m.ifaces = append(m.ifaces, is)
		if !ic.DHCPServer {
			m.candidates = append(m.candidates, is)
		}
	}
	m.results = make(chan probeResult, len(m.candidates)+1)
	return m
}

// OnInterfaceChanged registers the callback invoked on every selection
// change, including the first one. Only one callback is kept, matching the
// single registration point named in spec §6.
func (m *Manager) OnInterfaceChanged(cb OnInterfaceChanged) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChanged = cb
}

// CurrentInterface returns the name of the currently active uplink, if any.
func (m *Manager) CurrentInterface() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", false
	}
	return m.current.cfg.Name, true
}

// RequestRescan asks the manager to re-enter Select at the next Tick and
// launch a probe round there without waiting for the scan period. Manual
// and automatic requests are handled the same way.
func (m *Manager) RequestRescan(manual bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rescanRequested = true
	if manual {
		m.manualRescan = true
	}
}

// SetCellularReady reports the Cellular Supervisor's readiness (spec
// §4.3's cellular readiness gate). A rising edge triggers an immediate
// re-probe rather than waiting for the next scan period.
func (m *Manager) SetCellularReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cellularReady = ready
	if ready && !m.prevCellularReady {
		m.rescanRequested = true
	}
	m.prevCellularReady = ready
}

// IfaceStatus is a snapshot of one interface's state, for the `net` CLI
// command and tests.
type IfaceStatus struct {
	Name          string
	Priority      int
	DHCPServer    bool
	Score         int
	Active        bool
	CooldownUntil time.Time
}

// Status returns a snapshot of every configured interface plus the
// manager's current top-level state.
func (m *Manager) Status() (State, []IfaceStatus) {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	out := make([]IfaceStatus, 0, len(m.ifaces))
	for _, is := range m.ifaces {
		is.mu.Lock()
		out = append(out, IfaceStatus{
			Name:          is.cfg.Name,
			Priority:      is.cfg.Priority,
			DHCPServer:    is.cfg.DHCPServer,
			Score:         is.score,
			Active:        is.active,
			CooldownUntil: is.cooldownUntil,
		})
		is.mu.Unlock()
	}
	return state, out
}

// Tick advances the state machine by one scheduler step. It must not be
// called concurrently with itself.
func (m *Manager) Tick(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateInit:
		m.enterSelectLocked()

	case StateSelect:
		now := m.clock()
		if !m.manualRescan && !m.rescanRequested && !m.nextAutoScanAt.IsZero() && now.Before(m.nextAutoScanAt) {
			break // waiting for the next rescan tick; nothing to do yet
		}
		m.rescanRequested = false
		m.manualRescan = false
		m.launchProbesLocked(ctx, m.candidates)
		m.state = StateWaitResults

	case StateWaitResults:
		m.collectResultsLocked()
		if m.pendingCount == 0 || m.clock().After(m.roundDeadline) {
			m.state = StateReview
		}

	case StateReview:
		m.reviewLocked()

	case StateOnline:
		if m.current != nil && m.clock().Sub(m.lastHealthProbeAt) >= m.healthPeriod {
			m.launchProbesLocked(ctx, []*ifaceState{m.current})
			m.state = StateCheckResults
			break
		}
		if m.rescanDueLocked() {
			m.enterSelectLocked()
		}

	case StateCheckResults:
		m.collectResultsLocked()
		if m.pendingCount == 0 || m.clock().After(m.roundDeadline) {
			m.state = StateVerifyResults
		}

	case StateVerifyResults:
		m.verifyLocked()
	}
}

func (m *Manager) rescanDueLocked() bool {
	now := m.clock()
	if m.rescanRequested {
		return true
	}
	return !m.nextAutoScanAt.IsZero() && !now.Before(m.nextAutoScanAt)
}

func (m *Manager) enterSelectLocked() {
	m.state = StateSelect
}

// launchProbesLocked starts one worker goroutine per interface, each
// running its full N-round-trip probe before reporting a single result —
// matching spec §4.3's "launch in parallel a probe... on its own worker".
func (m *Manager) launchProbesLocked(ctx context.Context, targets []*ifaceState) {
	m.pendingResults = make(map[string]int, len(targets))
	m.pendingCount = len(targets)
	m.roundDeadline = m.clock().Add(m.probeDeadline)
	for _, is := range targets {
		is.mu.Lock()
		name, anchor := is.cfg.Name, is.cfg.AnchorHost
		is.mu.Unlock()
		prober := m.prober
		n := m.probeCount
		go func(name, anchor string) {
			successes := prober.Probe(ctx, anchor, n)
			m.results <- probeResult{name: name, successes: successes}
		}(name, anchor)
	}
}

func (m *Manager) collectResultsLocked() {
	for {
		select {
		case r := <-m.results:
			m.pendingResults[r.name] = r.successes
			m.pendingCount--
		default:
			return
		}
	}
}

// reviewLocked scores every candidate from the just-completed round,
// applies the selection rule, and switches if hysteresis allows it.
func (m *Manager) reviewLocked() {
	now := m.clock()
	for _, is := range m.candidates {
		successes, ok := m.pendingResults[is.cfg.Name]
		if !ok {
			continue // timed out without a result this round
		}
		score := successes * 10 / m.probeCount
		is.mu.Lock()
		is.score = score
		is.lastProbeAt = now
		is.mu.Unlock()
		if m.diag != nil {
			m.diag.Emit("netmgr", "net.score", logrus.Fields{"iface": is.cfg.Name, "score": score})
		}
	}

	best := m.selectBestLocked()
	if best == nil {
		m.nextAutoScanAt = now.Add(m.scanPeriod)
		m.state = StateSelect
		return
	}

	if m.current == best {
		m.markActiveLocked(best)
		m.state = StateOnline
		return
	}

	if m.inCooldownLocked(best, now) {
		// Hysteresis cap reached: keep probing/reporting, don't rebind.
		// If already online somewhere, stay there instead of spinning
		// back through Select every tick.
		if m.current != nil {
			m.markActiveLocked(m.current)
			m.state = StateOnline
			return
		}
		m.nextAutoScanAt = now.Add(m.scanPeriod)
		m.state = StateSelect
		return
	}

	m.switchTo(best, now)
	m.state = StateOnline
}

// selectBestLocked applies spec §4.3's selection rule: highest-priority
// interface with score >= GoodAvailable; else any with score >= MinAcceptable,
// preferring higher priority; tie-break on configured priority order.
// Cellular is excluded unless cellularReady has been reported.
func (m *Manager) selectBestLocked() *ifaceState {
	eligible := make([]*ifaceState, 0, len(m.candidates))
	for _, is := range m.candidates {
		if is.cfg.Name == m.cellularIfaceName && !m.cellularReady {
			continue
		}
		is.mu.Lock()
		score := is.score
		is.mu.Unlock()
		if score >= MinAcceptable {
			eligible = append(eligible, is)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].cfg.Priority < eligible[j].cfg.Priority
	})

	for _, is := range eligible {
		is.mu.Lock()
		score := is.score
		is.mu.Unlock()
		if score >= GoodAvailable {
			return is
		}
	}
	return eligible[0]
}

func (m *Manager) inCooldownLocked(is *ifaceState, now time.Time) bool {
	is.mu.Lock()
	defer is.mu.Unlock()
	return now.Before(is.cooldownUntil)
}

func (m *Manager) markActiveLocked(is *ifaceState) {
	for _, other := range m.candidates {
		other.mu.Lock()
		other.active = other == is
		other.mu.Unlock()
	}
}

// switchTo records the switch, applies hysteresis bookkeeping, and invokes
// the interface-change callback.
func (m *Manager) switchTo(is *ifaceState, now time.Time) {
	prev := "<none>"
	if m.current != nil {
		prev = m.current.cfg.Name
	}
	m.log.WithFields(logrus.Fields{"from": prev, "to": is.cfg.Name}).Info("switching uplink interface")

	m.current = is
	m.markActiveLocked(is)
	m.lastHealthProbeAt = now

	m.switches = append(m.switches, now)
	cutoff := now.Add(-m.switchWindow)
	kept := m.switches[:0]
	for _, t := range m.switches {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.switches = kept
	if len(m.switches) >= m.switchCap {
		until := now.Add(m.cooldown)
		for _, c := range m.candidates {
			c.mu.Lock()
			c.cooldownUntil = until
			c.mu.Unlock()
		}
		m.switches = nil
	}

	if m.diag != nil {
		m.diag.Emit("netmgr", "net.switch", logrus.Fields{"iface": is.cfg.Name})
	}
	if m.onChanged != nil {
		m.onChanged(is.cfg.Name, "") // local IP resolution belongs to the transport/OS layer
	}
}

// verifyLocked implements the CheckResults -> VerifyResults exit: stay
// Online if the current interface's health score still clears the minimum,
// otherwise fall back to Select.
func (m *Manager) verifyLocked() {
	now := m.clock()
	if m.current == nil {
		m.state = StateSelect
		return
	}
	successes, ok := m.pendingResults[m.current.cfg.Name]
	score := 0
	if ok {
		score = successes * 10 / m.probeCount
	}
	m.current.mu.Lock()
	m.current.score = score
	m.current.lastProbeAt = now
	m.current.mu.Unlock()
	m.lastHealthProbeAt = now

	if m.diag != nil {
		m.diag.Emit("netmgr", "net.health", logrus.Fields{"iface": m.current.cfg.Name, "score": score})
	}

	if score >= MinAcceptable {
		m.state = StateOnline
		return
	}
	m.current.mu.Lock()
	m.current.active = false
	m.current.mu.Unlock()
	if m.diag != nil {
		m.diag.Emit("netmgr", "net.lost", logrus.Fields{"iface": m.current.cfg.Name})
	}
	m.current = nil
	m.enterSelectLocked()
}
