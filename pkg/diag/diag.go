// Package diag is the diagnostic event stream described in spec §6: pool
// threshold crossings, pending-window lifecycle, network and cellular state
// transitions all funnel through here. It is a small fan-out broadcaster
// rather than a single logger sink, so the operator-facing CLI surface
// (pkg/cliops) and test harnesses can both subscribe independently of
// whatever logrus is configured to do with the same events.
package diag

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is one diagnostic occurrence. Fields carries whatever structured
// context the emitting component thought relevant; Kind is a short
// machine-stable tag ("threshold", "pending.erase", "net.state", ...).
type Event struct {
	Component string
	Kind      string
	Fields    logrus.Fields
	At        time.Time
}

// Category bits for the `debug <hex-mask>` CLI command (spec §6): each
// component is assigned one bit so an operator can narrow the stream down
// to just the subsystem they're chasing.
const (
	CategoryPool uint32 = 1 << iota
	CategoryStorage
	CategoryNetwork
	CategoryCellular
	CategoryCAN
	CategoryScheduler
)

var categoryBits = map[string]uint32{
	"pool":      CategoryPool,
	"storage":   CategoryStorage,
	"netmgr":    CategoryNetwork,
	"cellular":  CategoryCellular,
	"canfeed":   CategoryCAN,
	"scheduler": CategoryScheduler,
}

// Stream is the shared broadcaster. The zero value is not usable; use New.
type Stream struct {
	mu        sync.Mutex
	subs      map[int]chan Event
	nextID    int
	log       *logrus.Entry
	now       func() time.Time
	maskSet   bool
	debugMask uint32
}

// New creates a Stream that also mirrors every event through logger at Info
// level (Error level for Kind == "error").
func New(logger *logrus.Entry) *Stream {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Stream{
		subs: make(map[int]chan Event),
		log:  logger,
		now:  time.Now,
	}
}

// Subscribe registers a new listener with a buffered channel and returns an
// unsubscribe func. Slow subscribers drop events rather than blocking
// emitters — the main loop must never block on diagnostics.
func (s *Stream) Subscribe(buffer int) (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan Event, buffer)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// SetDebugMask restricts the stream to components whose bit is set in
// mask (see the Category constants); the `debug <hex-mask>` CLI command.
// Components with no assigned bit always pass through. Errors always pass
// through regardless of mask, since they're never noise an operator wants
// silenced.
func (s *Stream) SetDebugMask(mask uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maskSet = true
	s.debugMask = mask
}

func (s *Stream) allowedLocked(component, kind string) bool {
	if !s.maskSet || kind == "error" {
		return true
	}
	bit, known := categoryBits[component]
	if !known {
		return true
	}
	return s.debugMask&bit != 0
}

// Emit pushes an event to every current subscriber and mirrors it to the
// logger. Non-blocking: a full subscriber channel drops the event for that
// subscriber only. Filtered out entirely by SetDebugMask's category mask.
func (s *Stream) Emit(component, kind string, fields logrus.Fields) {
	s.mu.Lock()
	if !s.allowedLocked(component, kind) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ev := Event{Component: component, Kind: kind, Fields: fields, At: s.now()}

	entry := s.log.WithField("component", component).WithField("kind", kind).WithFields(fields)
	if kind == "error" {
		entry.Error("diagnostic event")
	} else {
		entry.Info("diagnostic event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
