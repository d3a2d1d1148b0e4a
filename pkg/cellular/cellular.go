// Package cellular implements the Cellular/PPP Supervisor (spec §4.4): an
// AT-command state machine that initializes the modem, selects a carrier,
// brings up PPP, and keeps it up, interpreting the daemon's state purely by
// tailing its log. Grounded on the reference stack's nmt package for its
// state-machine shape (mutex-guarded state, periodic re-evaluation via
// Tick) and on its heartbeat consumer for independent per-entity counters
// (here, per-carrier failure counts instead of per-node heartbeat state).
package cellular

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/northfield-iot/mm2gateway/pkg/diag"
)

// State is the supervisor's top-level state (spec §4.4).
type State int

const (
	StateInit State = iota
	StateInitialize
	StateCheckRegistration
	StateCarrierScan
	StateConnect
	StateWaitPPPUp
	StateOnline
	StateDisconnected
	StateHardwareReset
	StateStopping // non-blocking stop sub-state-machine, see stopPhase
)

var stateNames = map[State]string{
	StateInit:              "Init",
	StateInitialize:        "Initialize",
	StateCheckRegistration: "CheckRegistration",
	StateCarrierScan:       "CarrierScan",
	StateConnect:           "Connect",
	StateWaitPPPUp:         "WaitPPPUp",
	StateOnline:            "Online",
	StateDisconnected:      "Disconnected",
	StateHardwareReset:     "HardwareReset",
	StateStopping:          "Stopping",
}

func (s State) String() string { return stateNames[s] }

type stopPhase int

const (
	stopNone stopPhase = iota
	stopPolite
	stopForced
)

// Carrier is one operator candidate from a scan.
type Carrier struct {
	Name   string
	Code   string
	Stat   int // 3GPP COPS <stat>: 0 unknown, 1 available, 2 current, 3 forbidden
	Signal int // AT+CSQ RSSI, 0-31, 99 unknown
}

// HardwareResetter power-cycles the modem (GPIO-driven on real hardware).
type HardwareResetter interface {
	Reset(ctx context.Context) error
}

// Defaults per spec §4.4.
const (
	DefaultBlacklistThreshold = 3
	DefaultMinOnlineTime      = 30 * time.Second
	DefaultMinHealthPasses    = 2
	DefaultProtectionWindow   = 5 * time.Minute
	DefaultRegistrationPoll   = 2 * time.Second
	DefaultRegistrationDeadline = 60 * time.Second
	DefaultPolitePollInterval = 100 * time.Millisecond
	DefaultPoliteStopTimeout  = 2 * time.Second
	DefaultAutoScanInterval   = 30 * time.Minute
	// DefaultHardwareResetThreshold is the number of consecutive
	// Disconnected->reinitialize cycles, without ever reaching Online, that
	// escalate past carrier blacklisting into a hardware power cycle.
	DefaultHardwareResetThreshold = 5
)

var backoffSchedule = []time.Duration{5 * time.Second, 60 * time.Second, 300 * time.Second}

// Supervisor runs the cellular/PPP state machine. Tick must be called
// from the single scheduler thread; Status/CellularReady/GetStatus are
// safe to call concurrently.
type Supervisor struct {
	log    *logrus.Entry
	diag   *diag.Stream
	clock  func() time.Time
	modem  Modem
	ppp    PPPRunner
	tail   *LogTailer
	hwReset HardwareResetter

	blacklistThreshold     int
	hardwareResetThreshold int
	minOnlineTime          time.Duration
	minHealthPasses        int
	protectionWindow       time.Duration
	registrationPoll       time.Duration
	registrationDeadline   time.Duration

	mu sync.Mutex

	state       State
	resumeState State
	stopPhase   stopPhase
	stopDeadline time.Time

	registrationDeadlineAt time.Time

	carriers          []Carrier
	blacklist         map[string]int // carrier code -> consecutive failure count
	blacklisted       map[string]bool
	currentCarrier    string
	manualScan        bool
	scanRequested     bool
	lastScanManual    bool // the scan that chose currentCarrier was operator-initiated

	connectFailures   int
	softFailureCycles int // consecutive Disconnected cycles without reaching Online

	backoffStep int
	nextRetryAt time.Time

	onlineSince       time.Time
	healthPasses      int
	lastHealthCheckAt time.Time
	lastScanAt        time.Time
	autoScanInterval  time.Duration

	linkState LinkState
	details   ConnectionDetails
	lastError string

	ready     bool
	prevReady bool

	skipInitOnce bool // quick-status fast path, consumed after first use
	manualHold   bool // operator `ppp stop`: suppress automatic retry until Reconnect
}

// Option configures a Supervisor at construction.
type Option func(*Supervisor)

func WithBlacklistThreshold(n int) Option { return func(s *Supervisor) { s.blacklistThreshold = n } }
func WithAutoScanInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.autoScanInterval = d }
}
func WithHardwareResetter(h HardwareResetter) Option {
	return func(s *Supervisor) { s.hwReset = h }
}
func WithHardwareResetThreshold(n int) Option {
	return func(s *Supervisor) { s.hardwareResetThreshold = n }
}

// New creates a Supervisor. quickStatus, when true, makes the first Tick
// skip straight to the fast path (spec §4.4): if PPP is already up with a
// valid IP, query carrier/signal and go Online without any modem init.
func New(modem Modem, ppp PPPRunner, tail *LogTailer, diagStream *diag.Stream, clock func() time.Time, quickStatus bool, log *logrus.Entry, opts ...Option) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if clock == nil {
		clock = time.Now
	}
	s := &Supervisor{
		log:                    log.WithField("component", "cellular"),
		diag:                   diagStream,
		clock:                  clock,
		modem:                  modem,
		ppp:                    ppp,
		tail:                   tail,
		blacklistThreshold:     DefaultBlacklistThreshold,
		hardwareResetThreshold: DefaultHardwareResetThreshold,
		minOnlineTime:          DefaultMinOnlineTime,
		minHealthPasses:        DefaultMinHealthPasses,
		protectionWindow:       DefaultProtectionWindow,
		registrationPoll:       DefaultRegistrationPoll,
		registrationDeadline:   DefaultRegistrationDeadline,
		autoScanInterval:       DefaultAutoScanInterval,
		blacklist:              make(map[string]int),
		blacklisted:            make(map[string]bool),
		state:                  StateInit,
		skipInitOnce:         quickStatus,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CellularReady reports whether PPP is currently up (spec §6, the Network
// Manager's gate). Rising-edge detection for callers lives in the caller
// (netmgr.SetCellularReady already does this); this just returns current.
func (s *Supervisor) CellularReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Status is the `cell` CLI command's payload.
type Status struct {
	State        State
	Carrier      string
	LinkState    LinkState
	LocalIP      string
	RemoteIP     string
	PrimaryDNS   string
	SecondaryDNS string
	LastError    string
}

func (s *Supervisor) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:        s.state,
		Carrier:      s.currentCarrier,
		LinkState:    s.linkState,
		LocalIP:      s.details.LocalIP,
		RemoteIP:     s.details.RemoteIP,
		PrimaryDNS:   s.details.PrimaryDNS,
		SecondaryDNS: s.details.SecondaryDNS,
		LastError:    s.lastError,
	}
}

// RequestManualScan bypasses the protection gate and blacklist updates
// (spec §4.4): the operator's own choice overrides automatic caution.
func (s *Supervisor) RequestManualScan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manualScan = true
	s.scanRequested = true
}

// RequestStop is the `ppp stop` CLI command: begins the non-blocking stop
// sub-machine from whatever state the supervisor is currently in, and
// holds in Disconnected (suppressing automatic retry) until Reconnect is
// called.
func (s *Supervisor) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manualHold = true
	s.beginStopLocked(StateDisconnected)
}

// Reconnect is `ppp start`/`ppp restart`: stops PPP if running, clears any
// operator hold and backoff wait, and resumes straight into a carrier scan
// rather than waiting out the current backoff step.
func (s *Supervisor) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manualHold = false
	s.manualScan = true
	s.backoffStep = 0
	s.nextRetryAt = time.Time{}
	s.beginStopLocked(StateCarrierScan)
}

// Logs is `ppp logs [N]`: the most recent N lines of the PPP daemon log,
// most-recent first.
func (s *Supervisor) Logs(n int) ([][]byte, error) {
	return s.tail.Recent(n)
}

// Health is `ppp health`: whether PPP is currently connected and how many
// consecutive health passes it has accumulated since coming online.
type Health struct {
	Connected    bool
	OnlineFor    time.Duration
	HealthPasses int
}

func (s *Supervisor) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Health{Connected: s.ready, HealthPasses: s.healthPasses}
	if s.ready {
		h.OnlineFor = s.clock().Sub(s.onlineSince)
	}
	return h
}

func (s *Supervisor) beginStopLocked(resumeTo State) {
	if s.state == StateStopping {
		s.resumeState = resumeTo
		return
	}
	s.resumeState = resumeTo
	s.state = StateStopping
	s.stopPhase = stopPolite
	s.stopDeadline = s.clock().Add(DefaultPoliteStopTimeout)
	_ = s.ppp.Stop()
}

func (s *Supervisor) emit(kind string, fields logrus.Fields) {
	if s.diag != nil {
		s.diag.Emit("cellular", kind, fields)
	}
}

// Tick advances the state machine by one scheduler step.
func (s *Supervisor) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.skipInitOnce {
		s.skipInitOnce = false
		if s.tryQuickStatusLocked(ctx) {
			return
		}
	}

	switch s.state {
	case StateInit:
		s.tickInitLocked(ctx)
	case StateInitialize:
		s.tickInitializeLocked(ctx)
	case StateCheckRegistration:
		s.tickCheckRegistrationLocked(ctx)
	case StateCarrierScan:
		s.tickCarrierScanLocked(ctx)
	case StateConnect:
		s.tickConnectLocked(ctx)
	case StateWaitPPPUp:
		s.tickWaitPPPUpLocked(ctx)
	case StateOnline:
		s.tickOnlineLocked(ctx)
	case StateDisconnected:
		s.tickDisconnectedLocked(ctx)
	case StateHardwareReset:
		s.tickHardwareResetLocked(ctx)
	case StateStopping:
		s.tickStoppingLocked(ctx)
	}
}

// tryQuickStatusLocked implements spec §4.4's quick-status fast path.
func (s *Supervisor) tryQuickStatusLocked(ctx context.Context) bool {
	if !s.ppp.Running() {
		return false
	}
	lines, err := s.tail.Recent(200)
	if err != nil {
		return false
	}
	link, _ := Classify(lines)
	if link != LinkConnected {
		return false
	}
	s.details = ExtractConnectionDetails(lines)
	s.linkState = LinkConnected
	s.queryCarrierAndSignalLocked(ctx)
	s.enterOnlineLocked()
	s.log.Info("quick-status fast path: PPP already up, skipping reinitialization")
	return true
}

func (s *Supervisor) tickInitLocked(ctx context.Context) {
	s.beginStopLocked(StateInitialize)
}

func (s *Supervisor) tickInitializeLocked(ctx context.Context) {
	seq := []string{"ATZ", "ATE0", "AT+CMEE=2"}
	for _, cmd := range seq {
		if _, err := s.modem.SendAT(cmd, 2*time.Second); err != nil {
			s.lastError = err.Error()
			s.emit("error", logrus.Fields{"stage": "initialize", "err": err.Error()})
			return
		}
	}
	s.registrationDeadlineAt = s.clock().Add(s.registrationDeadline)
	s.state = StateCheckRegistration
}

var cregPattern = regexp.MustCompile(`\+CREG:\s*\d,\s*(\d)`)

func (s *Supervisor) tickCheckRegistrationLocked(ctx context.Context) {
	lines, err := s.modem.SendAT("AT+CREG?", s.registrationPoll)
	if err != nil {
		s.lastError = err.Error()
		s.state = StateDisconnected
		return
	}
	stat := -1
	for _, l := range lines {
		if m := cregPattern.FindStringSubmatch(l); m != nil {
			stat, _ = strconv.Atoi(m[1])
		}
	}
	switch stat {
	case 1, 5: // registered home / roaming
		s.state = StateCarrierScan
	case 3: // denied
		s.lastError = "registration denied"
		s.state = StateDisconnected
	default: // 0 not searching, 2 searching, unknown
		if s.clock().After(s.registrationDeadlineAt) {
			s.lastError = "registration timed out"
			s.state = StateDisconnected
		}
		// else stay in CheckRegistration, poll again next tick
	}
}

var copsEntryPattern = regexp.MustCompile(`\((\d),"([^"]*)","[^"]*","(\d+)",\d+\)`)
var csqPattern = regexp.MustCompile(`\+CSQ:\s*(\d+),`)

func (s *Supervisor) tickCarrierScanLocked(ctx context.Context) {
	manual := s.manualScan
	s.lastScanManual = manual
	s.manualScan = false
	s.scanRequested = false

	lines, err := s.modem.SendAT("AT+COPS=?", 30*time.Second)
	if err != nil {
		s.lastError = err.Error()
		s.state = StateDisconnected
		return
	}
	joined := strings.Join(lines, " ")
	signal := 99
	if sqLines, err := s.modem.SendAT("AT+CSQ", 2*time.Second); err == nil {
		for _, l := range sqLines {
			if m := csqPattern.FindStringSubmatch(l); m != nil {
				signal, _ = strconv.Atoi(m[1])
			}
		}
	}

	var candidates []Carrier
	for _, m := range copsEntryPattern.FindAllStringSubmatch(joined, -1) {
		stat, _ := strconv.Atoi(m[1])
		code := m[3]
		if !manual && s.blacklisted[code] {
			continue
		}
		candidates = append(candidates, Carrier{Name: m[2], Code: code, Stat: stat, Signal: signal})
	}
	s.carriers = candidates
	s.lastScanAt = s.clock()
	if len(candidates) == 0 {
		s.lastError = "no usable carriers from scan"
		s.state = StateDisconnected
		return
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Stat == 1 && best.Stat != 1 {
			best = c
		}
	}
	s.currentCarrier = best.Code
	s.state = StateConnect
}

func (s *Supervisor) tickConnectLocked(ctx context.Context) {
	if err := s.ppp.Start(); err != nil {
		s.registerConnectFailureLocked()
		s.lastError = err.Error()
		s.state = StateDisconnected
		return
	}
	s.state = StateWaitPPPUp
}

func (s *Supervisor) registerConnectFailureLocked() {
	if s.lastScanManual {
		return // manual scans never contribute to blacklisting
	}
	s.connectFailures++
	if s.currentCarrier == "" {
		return
	}
	s.blacklist[s.currentCarrier]++
	if s.blacklist[s.currentCarrier] >= s.blacklistThreshold {
		s.blacklisted[s.currentCarrier] = true
		s.emit("carrier.blacklisted", logrus.Fields{"carrier": s.currentCarrier})
	}
}

func (s *Supervisor) tickWaitPPPUpLocked(ctx context.Context) {
	if !s.ppp.Running() {
		s.registerConnectFailureLocked()
		s.lastError = ErrPppDaemonDied.Error()
		s.state = StateDisconnected
		return
	}
	lines, err := s.tail.Recent(200)
	if err != nil {
		return
	}
	link, reason := Classify(lines)
	s.linkState = link
	switch link {
	case LinkConnected:
		s.details = ExtractConnectionDetails(lines)
		s.blacklist[s.currentCarrier] = 0
		s.enterOnlineLocked()
	case LinkError:
		s.registerConnectFailureLocked()
		s.lastError = reason
		s.emit("ppp.error", logrus.Fields{"reason": reason})
		s.state = StateDisconnected
	}
	// all other sub-states: still negotiating, stay in WaitPPPUp
}

func (s *Supervisor) enterOnlineLocked() {
	s.onlineSince = s.clock()
	s.healthPasses = 0
	s.lastHealthCheckAt = s.onlineSince
	s.connectFailures = 0
	s.softFailureCycles = 0
	s.prevReady = s.ready
	s.ready = true
	s.state = StateOnline
	s.emit("ready", logrus.Fields{"carrier": s.currentCarrier})
}

func (s *Supervisor) tickOnlineLocked(ctx context.Context) {
	if !s.ppp.Running() {
		s.ready = false
		s.lastError = ErrPppDaemonDied.Error()
		s.state = StateDisconnected
		return
	}
	lines, err := s.tail.Recent(200)
	if err == nil {
		link, reason := Classify(lines)
		s.linkState = link
		if link == LinkError || link == LinkDisconnecting {
			s.ready = false
			s.lastError = reason
			s.state = StateDisconnected
			return
		}
		if link == LinkConnected {
			s.healthPasses++
		}
	}

	now := s.clock()
	if !s.scanRequested && now.Sub(s.lastScanAt) > s.autoScanInterval && !s.connectionProtectedLocked(now) {
		s.scanRequested = true
	}
	if s.scanRequested {
		s.beginStopLocked(StateCarrierScan)
		return
	}
}

// connectionProtectedLocked implements spec §4.4's connection-protection
// gate for automatic rescans: minimum online time, minimum consecutive
// health passes, within a protection window.
func (s *Supervisor) connectionProtectedLocked(now time.Time) bool {
	if now.Sub(s.onlineSince) < s.minOnlineTime {
		return true
	}
	if s.healthPasses < s.minHealthPasses {
		return true
	}
	return now.Sub(s.onlineSince) <= s.protectionWindow
}

func (s *Supervisor) tickDisconnectedLocked(ctx context.Context) {
	s.ready = false
	if s.manualHold {
		return
	}
	if s.nextRetryAt.IsZero() {
		s.nextRetryAt = s.clock().Add(backoffSchedule[s.backoffStep])
	}
	if s.clock().Before(s.nextRetryAt) {
		return
	}
	s.nextRetryAt = time.Time{}
	if s.backoffStep < len(backoffSchedule)-1 {
		s.backoffStep++
	}

	s.softFailureCycles++
	if s.hardwareResetThreshold > 0 && s.softFailureCycles >= s.hardwareResetThreshold {
		s.softFailureCycles = 0
		s.beginStopLocked(StateHardwareReset)
		return
	}

	if s.connectFailures >= s.blacklistThreshold && !s.allCarriersBlacklistedLocked() {
		s.state = StateCarrierScan
		return
	}
	s.beginStopLocked(StateInitialize)
}

func (s *Supervisor) allCarriersBlacklistedLocked() bool {
	if len(s.carriers) == 0 {
		return false
	}
	for _, c := range s.carriers {
		if !s.blacklisted[c.Code] {
			return false
		}
	}
	return true
}

func (s *Supervisor) tickHardwareResetLocked(ctx context.Context) {
	if s.hwReset == nil {
		s.state = StateInit
		return
	}
	if err := s.hwReset.Reset(ctx); err != nil {
		s.lastError = fmt.Sprintf("hardware reset failed: %v", err)
	}
	s.backoffStep = 0
	s.blacklist = make(map[string]int)
	s.blacklisted = make(map[string]bool)
	s.state = StateInit
}

// tickStoppingLocked is the non-blocking stop sub-state-machine: send
// polite stop, poll for exit up to 2s, then force-terminate, clean lock
// files, and return to whatever state requested the stop.
func (s *Supervisor) tickStoppingLocked(ctx context.Context) {
	if !s.ppp.Running() {
		_ = s.ppp.CleanLockFiles()
		s.state = s.resumeState
		return
	}
	if s.stopPhase == stopPolite && s.clock().After(s.stopDeadline) {
		_ = s.ppp.ForceStop()
		s.stopPhase = stopForced
	}
}

func (s *Supervisor) queryCarrierAndSignalLocked(ctx context.Context) {
	if lines, err := s.modem.SendAT("AT+COPS?", 5*time.Second); err == nil {
		if m := regexp.MustCompile(`\+COPS:\s*\d,\d,"([^"]*)"`).FindStringSubmatch(strings.Join(lines, " ")); m != nil {
			s.currentCarrier = m[1]
		}
	}
	_, _ = s.modem.SendAT("AT+CSQ", 2*time.Second)
}
