// Package scheduler drives the main tick loop (spec §4.7): a fixed-order,
// single-threaded pass over the storage engine, network interface manager,
// and cellular supervisor, with breadcrumb tracking for post-mortem lockup
// diagnosis. Grounded on the reference stack's cmd/canopen/main.go appState
// loop (time.Since-based period tracking around a fixed processing order),
// generalized here into a small registry instead of a hardcoded switch.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/northfield-iot/mm2gateway/internal/ring"
	"github.com/northfield-iot/mm2gateway/pkg/diag"
)

// DefaultPeriod is the ~100ms cadence named in spec §4.7.
const DefaultPeriod = 100 * time.Millisecond

// DefaultBreadcrumbCapacity is how many recent subsystem entries/exits the
// ring retains for a watchdog dump.
const DefaultBreadcrumbCapacity = 256

// StorageTicker is the subset of *storage.Engine the scheduler drives.
type StorageTicker interface {
	Tick() error
}

// NetworkTicker is the subset of *netmgr.Manager the scheduler drives.
type NetworkTicker interface {
	Tick(ctx context.Context)
	CurrentInterface() (string, bool)
}

// CellularTicker is the subset of *cellular.Supervisor the scheduler drives.
type CellularTicker interface {
	Tick(ctx context.Context)
	CellularReady() bool
}

// CellularReadySetter lets the scheduler push the cellular readiness gate
// into the network manager each pass, ahead of its own Tick. Small seam
// instead of importing *netmgr.Manager directly, matching NetworkTicker.
type CellularReadySetter interface {
	SetCellularReady(ready bool)
}

// Scheduler runs the main loop. The zero value is not usable; use New.
type Scheduler struct {
	log    *logrus.Entry
	diag   *diag.Stream
	clock  func() time.Time
	period time.Duration

	storage  StorageTicker
	network  NetworkTicker
	netReady CellularReadySetter
	cellular CellularTicker

	breadcrumbs *ring.Ring
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

func WithPeriod(d time.Duration) Option { return func(s *Scheduler) { s.period = d } }
func WithBreadcrumbCapacity(n int) Option {
	return func(s *Scheduler) { s.breadcrumbs = ring.New(n) }
}

// New assembles a Scheduler over whichever subsystems are running in this
// process; any of storage/network/cellular may be nil, in which case its
// step is skipped (useful for cmd/mm2gwctl-style tools that only need a
// subset wired up).
func New(storage StorageTicker, network NetworkTicker, netReady CellularReadySetter, cellular CellularTicker, diagStream *diag.Stream, clock func() time.Time, log *logrus.Entry, opts ...Option) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Scheduler{
		log:         log.WithField("component", "scheduler"),
		diag:        diagStream,
		clock:       clock,
		period:      DefaultPeriod,
		storage:     storage,
		network:     network,
		netReady:    netReady,
		cellular:    cellular,
		breadcrumbs: ring.New(DefaultBreadcrumbCapacity),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Breadcrumb records name against the current time into the ring.
func (s *Scheduler) Breadcrumb(name string) {
	s.breadcrumbs.Push([]byte(fmt.Sprintf("%s %s", s.clock().Format(time.RFC3339Nano), name)))
}

// RecentBreadcrumbs returns up to n of the most recent entries, most recent
// first, for a watchdog or CLI dump.
func (s *Scheduler) RecentBreadcrumbs(n int) []string {
	raw := s.breadcrumbs.Recent(n)
	out := make([]string, len(raw))
	for i, b := range raw {
		out[i] = string(b)
	}
	return out
}

// Run blocks, ticking every period until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	s.log.Info("starting scheduler loop")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler loop stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one pass over the registered subsystems in a fixed order:
// storage's spillover backstop, then cellular (so its readiness reflects
// this pass before the network manager evaluates it), then the network
// manager itself.
func (s *Scheduler) Tick(ctx context.Context) {
	s.Breadcrumb("tick.start")

	if s.storage != nil {
		s.Breadcrumb("storage.tick")
		if err := s.storage.Tick(); err != nil {
			s.log.WithError(err).Warn("storage tick failed")
			if s.diag != nil {
				s.diag.Emit("scheduler", "error", logrus.Fields{"stage": "storage", "err": err.Error()})
			}
		}
	}

	if s.cellular != nil {
		s.Breadcrumb("cellular.tick")
		s.cellular.Tick(ctx)
		if s.netReady != nil {
			s.netReady.SetCellularReady(s.cellular.CellularReady())
		}
	}

	if s.network != nil {
		s.Breadcrumb("netmgr.tick")
		s.network.Tick(ctx)
	}

	s.Breadcrumb("tick.end")
}
