// Package storage is the MM2 storage engine described in spec §4.2: a
// registry of per-sensor chains built from pool.Pool sectors, each with
// independent per-upload-source pending/ACK/NACK read cursors, spilling its
// oldest unacknowledged tail to per-source disk files under pressure.
//
// Grounded on the reference stack's node/NMT registry pattern (a mutex-
// guarded map keyed by a stable integer ID, one lifecycle struct per entry)
// generalized from CANopen nodes to sensor control blocks.
package storage

import (
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/northfield-iot/mm2gateway/pkg/config"
	"github.com/northfield-iot/mm2gateway/pkg/diag"
	"github.com/northfield-iot/mm2gateway/pkg/pool"
	"github.com/northfield-iot/mm2gateway/pkg/sector"
	"github.com/northfield-iot/mm2gateway/pkg/spool"
)

// Clock returns the current time as milliseconds since the Unix epoch. It is
// injectable so tests can drive TSD base timestamps deterministically.
type Clock func() uint64

// GPSFix is one position fix as reported by whatever positioning source the
// caller wires in.
type GPSFix struct {
	Lat, Lon float64
}

// GPSProvider is consulted by WriteEVTWithGPS to populate the companion GPS
// sensors alongside a primary event write.
type GPSProvider interface {
	CurrentFix() (GPSFix, bool)
}

// sourceTrack is one upload source's independent read/ack cursor for a
// single sensor, expressed as positions in the sensor's monotonic record
// sequence (medium-agnostic: a position may currently live in RAM or, after
// a spill, only on this source's own disk spool).
type sourceTrack struct {
	readSeq  uint64
	ackedSeq uint64

	diskSpool *spool.Spool
}

func (t *sourceTrack) pending() uint64 { return t.readSeq - t.ackedSeq }

// sensorState is one sensor's control block: the RAM chain plus every
// configured upload source's cursor into it.
type sensorState struct {
	mu sync.Mutex

	cfg config.SensorConfig

	startSector, endSector sector.ID
	writeOffset            int // next free value/pair slot in endSector
	startOffset            int // value/pair slots already erased within startSector

	totalWritten uint64 // records ever appended, all time
	ramFloor     uint64 // oldest record sequence number still resident in RAM

	sources []sourceTrack // indexed the same as config.UploadSources

	quarantined bool
}

func (s *sensorState) capacity() int { return slotCapacity(s.cfg.Kind) }

// Engine is the storage engine. One Engine owns one pool.Pool and one
// sensor registry; it is safe for concurrent use by producers, the upload
// scheduler, and the CLI surface.
type Engine struct {
	mu      sync.RWMutex
	pool    *pool.Pool
	diag    *diag.Stream
	cfg     *config.Config
	clock   Clock
	log     *logrus.Entry
	gps     GPSProvider
	sensors map[uint32]*sensorState
}

// New builds the sensor registry from cfg.Sensors and wires it to p.
func New(p *pool.Pool, cfg *config.Config, diagStream *diag.Stream, clock Clock, log *logrus.Entry) *Engine {
	if clock == nil {
		clock = func() uint64 { return 0 }
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &Engine{
		pool:    p,
		diag:    diagStream,
		cfg:     cfg,
		clock:   clock,
		log:     log.WithField("component", "storage"),
		sensors: make(map[uint32]*sensorState, len(cfg.Sensors)),
	}
	for _, sc := range cfg.Sensors {
		e.sensors[sc.ID] = &sensorState{
			cfg:         sc,
			startSector: sector.None,
			endSector:   sector.None,
			sources:     make([]sourceTrack, len(cfg.UploadSources)),
		}
	}
	return e
}

// SetGPSProvider wires the positioning source used by WriteEVTWithGPS.
func (e *Engine) SetGPSProvider(p GPSProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gps = p
}

func (e *Engine) sensorFor(id uint32) (*sensorState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sensors[id]
	if !ok {
		return nil, ErrUnknownSensor
	}
	return s, nil
}

func (e *Engine) sourceIndex(name string) (int, error) {
	idx := e.cfg.SourceIndex(name)
	if idx < 0 {
		return 0, ErrUnknownSource
	}
	return idx, nil
}

// spoolDirFor returns where a given sensor/source pair spills to disk.
func (e *Engine) spoolDirFor(source string, sensorID uint32) string {
	return filepath.Join(e.cfg.SpoolDir, source, fmtSensorDir(sensorID))
}

func fmtSensorDir(id uint32) string {
	return "sensor-" + strconv.FormatUint(uint64(id), 10)
}

func (e *Engine) diskSpoolFor(s *sensorState, srcIdx int, sourceName string) (*spool.Spool, error) {
	t := &s.sources[srcIdx]
	if t.diskSpool != nil {
		return t.diskSpool, nil
	}
	sp, err := spool.Open(e.spoolDirFor(sourceName, s.cfg.ID), e.log)
	if err != nil {
		return nil, err
	}
	t.diskSpool = sp
	return sp, nil
}

// allocateSector gets one free sector from the pool. On exhaustion it drops
// s.mu (spillSweep locks sensors, possibly including s, one at a time) to
// run a spill sweep and retries once before giving up with ErrOutOfStorage.
// Callers must hold s.mu on entry and are guaranteed to hold it again on
// return, even on error.
func (e *Engine) allocateSector(s *sensorState) (sector.ID, error) {
	id, err := e.pool.Allocate()
	if err == nil {
		return id, nil
	}
	if err != pool.ErrPoolFull {
		return sector.None, err
	}
	s.mu.Unlock()
	spillErr := e.spillSweep()
	s.mu.Lock()
	if spillErr != nil {
		e.log.WithError(spillErr).Warn("spill sweep failed while recovering from pool exhaustion")
	}
	id, err = e.pool.Allocate()
	if err != nil {
		return sector.None, ErrOutOfStorage
	}
	return id, nil
}

// appendValue appends one value (TSD) to sensor s, allocating a new sector
// if the chain is empty or the end sector is full.
func (e *Engine) appendValue(s *sensorState, write func(payload *[sector.Size]byte, slot int)) error {
	if s.quarantined {
		return ErrChainCorruption
	}
	slotCap := s.capacity()
	if s.startSector == sector.None || s.writeOffset >= slotCap {
		id, err := e.allocateSector(s)
		if err != nil {
			return err
		}
		if s.startSector == sector.None {
			s.startSector = id
		} else {
			if err := e.pool.SetNextInChain(s.endSector, id); err != nil {
				return err
			}
		}
		s.endSector = id
		s.writeOffset = 0
	}
	payload, err := e.pool.Payload(s.endSector)
	if err != nil {
		return err
	}
	write(payload, s.writeOffset)
	s.writeOffset++
	s.totalWritten++
	return nil
}

// WriteTSD appends one time-series value to sensorID, stamped with the
// engine clock if it starts a fresh sector.
func (e *Engine) WriteTSD(sensorID uint32, value uint32) error {
	s, err := e.sensorFor(sensorID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := e.clock()
	return e.appendValue(s, func(payload *[sector.Size]byte, slot int) {
		writeTSDValue(payload, slot, now, value)
	})
}

// WriteEVT appends one {value, timestamp} event pair to sensorID.
func (e *Engine) WriteEVT(sensorID uint32, value uint32, timestampMs uint64) error {
	s, err := e.sensorFor(sensorID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.appendValue(s, func(payload *[sector.Size]byte, slot int) {
		writeEVTPair(payload, slot, value, timestampMs)
	})
}

// WriteEVTWithGPS writes the primary event, then a companion EVT write to
// each of the four configured GPS sensors sharing the same timestamp. The
// primary write always happens; a missing/absent GPS fix only skips the
// companions and is reported via ErrNoGPSFix.
func (e *Engine) WriteEVTWithGPS(sensorID uint32, value uint32, timestampMs uint64) error {
	if err := e.WriteEVT(sensorID, value, timestampMs); err != nil {
		return err
	}
	e.mu.RLock()
	gps := e.gps
	e.mu.RUnlock()
	if gps == nil {
		return ErrNoGPSFix
	}
	fix, ok := gps.CurrentFix()
	if !ok {
		return ErrNoGPSFix
	}
	lat := int32(fix.Lat * 1e7)
	lon := int32(fix.Lon * 1e7)
	companions := []uint32{uint32(lat), uint32(lon), 0, 0}
	for i, gpsSensorID := range e.cfg.GPSSensorIDs {
		if gpsSensorID == 0 {
			continue
		}
		if err := e.WriteEVT(gpsSensorID, companions[i], timestampMs); err != nil {
			return err
		}
	}
	return nil
}

// HasPending reports whether source has an open, unacknowledged read
// window for sensorID.
func (e *Engine) HasPending(source string, sensorID uint32) (bool, error) {
	s, t, err := e.lookup(source, sensorID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.pending() > 0, nil
}

func (e *Engine) lookup(source string, sensorID uint32) (*sensorState, *sourceTrack, error) {
	idx, err := e.sourceIndex(source)
	if err != nil {
		return nil, nil, err
	}
	s, err := e.sensorFor(sensorID)
	if err != nil {
		return nil, nil, err
	}
	return s, &s.sources[idx], nil
}

// walkCollect reads up to max records from sensor s's RAM chain, starting
// "skip" records past the chain's own head (s.ramFloor), without mutating
// anything. It does not take s.mu; callers must hold it.
func (e *Engine) walkCollect(s *sensorState, skip uint64, max int) []Record {
	var out []Record
	cur := s.startSector
	remSkip := skip
	slotCap := s.capacity()
	first := true
	for cur != sector.None && len(out) < max {
		payload, err := e.pool.Payload(cur)
		if err != nil {
			break
		}
		// The chain's start sector may already have its front startOffset
		// slots zeroed by a prior erase (all sources acknowledged past
		// them, but the sector wasn't fully empty yet); every later sector
		// is either fully written or (if it's the end sector) written up
		// to writeOffset, with nothing erased from its front.
		base := 0
		if first {
			base = s.startOffset
		}
		valid := slotCap
		if cur == s.endSector {
			valid = s.writeOffset
		}
		live := valid - base
		first = false
		// how many of this sector's still-live slots remain after the skip
		if remSkip >= uint64(live) {
			remSkip -= uint64(live)
			next, err := e.pool.NextInChain(cur)
			if err != nil {
				break
			}
			cur = next
			continue
		}
		from := base + int(remSkip)
		remSkip = 0
		n := (base + live) - from
		if n > max-len(out) {
			n = max - len(out)
		}
		recs := decodeSector(*payload, s.cfg.Kind, s.cfg.ID, s.cfg.PeriodUs, valid)
		out = append(out, recs[from:from+n]...)
		if from+n < valid {
			break // satisfied max mid-sector
		}
		next, err := e.pool.NextInChain(cur)
		if err != nil {
			break
		}
		cur = next
	}
	return out
}

// ReadBulk returns up to max not-yet-acknowledged records for source on
// sensorID, preferring this source's own disk backlog before falling back
// to the RAM chain, and opens/extends its pending window.
func (e *Engine) ReadBulk(source string, sensorID uint32, max int) ([]Record, error) {
	s, t, err := e.lookup(source, sensorID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	if t.diskSpool != nil {
		frames, err := t.diskSpool.ReadBulk(max)
		if err != nil {
			return out, err
		}
		for _, fr := range frames {
			if len(out) >= max {
				break
			}
			remaining := max - len(out)
			recs := decodeSector(fr.Payload, s.cfg.Kind, s.cfg.ID, s.cfg.PeriodUs, fr.RecordCount)
			if remaining < len(recs) {
				recs = recs[:remaining]
			}
			out = append(out, recs...)
		}
		t.readSeq += uint64(len(out))
	}
	if len(out) < max {
		skip := t.readSeq - s.ramFloor
		more := e.walkCollect(s, skip, max-len(out))
		out = append(out, more...)
		t.readSeq += uint64(len(more))
	}
	return out, nil
}

// EraseAllPending acknowledges source's currently open pending window for
// sensorID: its own disk backlog (if any) is finalized, and RAM is
// physically freed once every configured source has acknowledged past a
// given point.
func (e *Engine) EraseAllPending(source string, sensorID uint32) error {
	s, t, err := e.lookup(source, sensorID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.pending() == 0 {
		return nil
	}
	if t.diskSpool != nil && t.diskSpool.HasPending() {
		if err := t.diskSpool.EraseAllPending(t.diskSpool.PendingRecords()); err != nil {
			return err
		}
	}
	t.ackedSeq = t.readSeq

	floor := s.totalWritten
	for i := range s.sources {
		if s.sources[i].ackedSeq < floor {
			floor = s.sources[i].ackedSeq
		}
	}
	if floor > s.ramFloor {
		if err := e.freeRAMThrough(s, floor); err != nil {
			return err
		}
	}
	if e.diag != nil {
		e.diag.Emit("storage", "pending.erase", logrus.Fields{
			"sensor_id": sensorID,
			"source":    source,
		})
	}
	return nil
}

// freeRAMThrough physically zeroes and unlinks sectors from the chain head
// until s.ramFloor reaches newFloor (a record sequence number all sources
// have now acknowledged past).
func (e *Engine) freeRAMThrough(s *sensorState, newFloor uint64) error {
	remaining := newFloor - s.ramFloor
	slotCap := s.capacity()
	for remaining > 0 {
		if s.startSector == sector.None {
			s.quarantined = true
			return ErrChainCorruption
		}
		valid := slotCap
		if s.startSector == s.endSector {
			valid = s.writeOffset
		}
		avail := uint64(valid - s.startOffset)
		if avail == 0 {
			s.quarantined = true
			return ErrChainCorruption
		}
		n := remaining
		if n > avail {
			n = avail
		}
		payload, err := e.pool.Payload(s.startSector)
		if err != nil {
			return err
		}
		zeroValues(payload, s.cfg.Kind, s.startOffset, int(n))
		s.startOffset += int(n)
		remaining -= n

		if s.startOffset == valid {
			empty, err := e.pool.IsCompletelyEmpty(s.startSector)
			if err != nil {
				return err
			}
			if s.startSector == s.endSector {
				if empty {
					if err := e.pool.Free(s.startSector); err != nil {
						return err
					}
				}
				s.startSector = sector.None
				s.endSector = sector.None
				s.writeOffset = 0
				s.startOffset = 0
			} else {
				next, err := e.pool.NextInChain(s.startSector)
				if err != nil {
					return err
				}
				if empty {
					if err := e.pool.Free(s.startSector); err != nil {
						return err
					}
				}
				s.startSector = next
				s.startOffset = 0
			}
		}
	}
	s.ramFloor = newFloor
	return nil
}

// RevertAllPending un-reads source's currently open pending window for
// sensorID so the next ReadBulk reproduces the same records (NACK path).
func (e *Engine) RevertAllPending(source string, sensorID uint32) error {
	s, t, err := e.lookup(source, sensorID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.pending() == 0 {
		return nil
	}
	if t.diskSpool != nil && t.diskSpool.HasPending() {
		if err := t.diskSpool.RevertAllPending(); err != nil {
			return err
		}
	}
	t.readSeq = t.ackedSeq
	return nil
}

// SectorCount returns the chain length for sensorID by walking the chain,
// never by arithmetic on start/end IDs — adjacent chains can interleave IDs
// freely once sectors are reused from the shared pool.
func (e *Engine) SectorCount(sensorID uint32) (int, error) {
	s, err := e.sensorFor(sensorID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	cur := s.startSector
	for cur != sector.None {
		n++
		next, err := e.pool.NextInChain(cur)
		if err != nil {
			return n, err
		}
		cur = next
	}
	return n, nil
}

// TotalRecords returns RAM-resident records plus the largest outstanding
// disk backlog among configured sources (a safe over-approximation, since
// spillSensor copies a spilled tail into every lagging source's own spool).
func (e *Engine) TotalRecords(sensorID uint32) (int, error) {
	s, err := e.sensorFor(sensorID)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ram := int(s.totalWritten - s.ramFloor)
	maxDisk := 0
	for i := range s.sources {
		if s.sources[i].diskSpool != nil {
			if n := s.sources[i].diskSpool.DiskRecords(); n > maxDisk {
				maxDisk = n
			}
		}
	}
	return ram + maxDisk, nil
}

// safeSpillEnd is the largest record sequence number that can be relocated
// to disk without disturbing any source's currently open pending window:
// unbounded if no source has one open, otherwise capped at the lowest such
// window's start (its ackedSeq).
func (s *sensorState) safeSpillEnd() uint64 {
	end := s.totalWritten
	for i := range s.sources {
		if s.sources[i].pending() > 0 && s.sources[i].ackedSeq < end {
			end = s.sources[i].ackedSeq
		}
	}
	return end
}

// Tick is the scheduler's per-period hook into the storage engine (spec
// §4.7): allocateSector already runs spillSweep opportunistically on
// writes, but a producer can go quiet while the pool is still over its
// high-water mark from a burst; the scheduler calling Tick on every pass
// is the backstop that keeps draining in that case.
func (e *Engine) Tick() error {
	return e.spillSweep()
}

// spillSweep walks every sensor, longest RAM chain first, spilling each
// one's oldest safely-movable tail to the disk backlog of any source that
// hasn't acknowledged it yet, until the pool is back under its high-water
// mark or nothing more can be safely moved.
func (e *Engine) spillSweep() error {
	e.mu.RLock()
	ordered := make([]*sensorState, 0, len(e.sensors))
	for _, s := range e.sensors {
		ordered = append(ordered, s)
	}
	e.mu.RUnlock()

	sort.Slice(ordered, func(i, j int) bool {
		return chainLen(ordered[i]) > chainLen(ordered[j])
	})

	highWater := e.pool.TotalSectors() * e.cfg.HighWaterMarkPercent / 100
	for _, s := range ordered {
		if e.pool.TotalSectors()-e.pool.FreeSectors() <= highWater {
			break
		}
		if err := e.spillSensor(s); err != nil {
			return err
		}
	}
	return nil
}

func chainLen(s *sensorState) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalWritten - s.ramFloor
}

// spillSensor moves one sensor's oldest safely-movable tail (one sector's
// worth) to disk, for every source that still needs it.
func (e *Engine) spillSensor(s *sensorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.startSector == sector.None || s.startSector == s.endSector {
		return nil // nothing to spill, or only the live write sector remains
	}
	end := s.safeSpillEnd()
	if end <= s.ramFloor {
		return nil
	}
	slotCap := s.capacity()
	valid := slotCap - s.startOffset
	n := uint64(valid)
	if n > end-s.ramFloor {
		n = end - s.ramFloor
	}
	if n == 0 {
		return nil
	}

	payload, err := e.pool.Payload(s.startSector)
	if err != nil {
		return err
	}
	recordCount := int(n)
	frame := rebaseForSpill(*payload, s.cfg.Kind, s.cfg.PeriodUs, s.startOffset, recordCount)

	for i, cfgName := range e.cfgSourceNames() {
		src := &s.sources[i]
		if src.ackedSeq >= s.ramFloor+n {
			continue // already acknowledged past this tail, no copy needed
		}
		sp, err := e.diskSpoolFor(s, i, cfgName)
		if err != nil {
			return err
		}
		if err := sp.Append(frame, recordCount); err != nil {
			return err
		}
	}

	zeroValues(payload, s.cfg.Kind, s.startOffset, recordCount)
	s.startOffset += recordCount
	if s.startOffset >= slotCap {
		next, err := e.pool.NextInChain(s.startSector)
		if err != nil {
			return err
		}
		if err := e.pool.Free(s.startSector); err != nil {
			return err
		}
		s.startSector = next
		s.startOffset = 0
	}
	s.ramFloor += n
	if e.diag != nil {
		e.diag.Emit("storage", "spill", logrus.Fields{
			"sensor_id": s.cfg.ID,
			"records":   recordCount,
		})
	}
	return nil
}

func (e *Engine) cfgSourceNames() []string {
	return e.cfg.UploadSources
}
