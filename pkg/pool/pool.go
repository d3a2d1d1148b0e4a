// Package pool implements the fixed-size RAM sector pool: a bounded array
// of sectors, a free-list stack of free IDs, and threshold-crossing
// diagnostics. Grounded on the reference stack's CANModule (single mutex
// guarding a fixed array plus a plain error-returning allocate/init
// lifecycle), generalized from CAN tx/rx buffers to storage sectors.
package pool

import (
	"sync"

	"github.com/northfield-iot/mm2gateway/pkg/diag"
	"github.com/northfield-iot/mm2gateway/pkg/sector"
)

// Pool owns the fixed array of sectors and the free-list stack.
type Pool struct {
	mu   sync.Mutex
	diag *diag.Stream

	sectors []sector.Sector
	alloc   []bool // true while a sector is out of the free list

	freeList []sector.ID // stack, head is the last element

	freeSectors        int
	totalSectors        int
	lastReportedTenth   int
	everReported        bool
}

// New creates a pool with the given total sector count, all initially free.
func New(totalSectors int, diagStream *diag.Stream) *Pool {
	p := &Pool{
		diag:         diagStream,
		sectors:      make([]sector.Sector, totalSectors),
		alloc:        make([]bool, totalSectors),
		freeList:     make([]sector.ID, 0, totalSectors),
		totalSectors: totalSectors,
	}
	for i := totalSectors - 1; i >= 0; i-- {
		p.freeList = append(p.freeList, sector.FromInt(i))
	}
	p.freeSectors = totalSectors
	return p
}

// Allocate pops a sector off the free list, or returns ErrPoolFull.
func (p *Pool) Allocate() (sector.ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.freeList) == 0 {
		return sector.None, ErrPoolFull
	}
	id := p.freeList[len(p.freeList)-1]
	p.freeList = p.freeList[:len(p.freeList)-1]
	p.alloc[id] = true
	p.freeSectors--
	p.sectors[id] = sector.Sector{Next: sector.None}

	p.checkThresholdLocked()
	return id, nil
}

// Free returns a sector to the free list. Freeing an already-free sector is
// a programming error and fails loudly rather than silently succeeding.
func (p *Pool) Free(id sector.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(id) < 0 || int(id) >= p.totalSectors {
		return ErrInvalidSector
	}
	if !p.alloc[id] {
		return ErrAlreadyFree
	}
	p.alloc[id] = false
	p.freeList = append(p.freeList, id)
	p.freeSectors++

	p.checkThresholdLocked()
	return nil
}

// NextInChain reads the successor link stored in the sector header.
func (p *Pool) NextInChain(id sector.ID) (sector.ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) < 0 || int(id) >= p.totalSectors {
		return sector.None, ErrInvalidSector
	}
	return p.sectors[id].Next, nil
}

// SetNextInChain writes the successor link.
func (p *Pool) SetNextInChain(id, next sector.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) < 0 || int(id) >= p.totalSectors {
		return ErrInvalidSector
	}
	p.sectors[id].Next = next
	return nil
}

// IsCompletelyEmpty reports whether every record slot in the sector has
// been erased.
func (p *Pool) IsCompletelyEmpty(id sector.ID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) < 0 || int(id) >= p.totalSectors {
		return false, ErrInvalidSector
	}
	return p.sectors[id].IsCompletelyEmpty(), nil
}

// Payload returns a pointer to the sector's raw payload for the storage
// engine to read/write directly; the pool otherwise has no opinion on what
// TSD/EVT bytes mean.
func (p *Pool) Payload(id sector.ID) (*[sector.Size]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) < 0 || int(id) >= p.totalSectors {
		return nil, ErrInvalidSector
	}
	return &p.sectors[id].Payload, nil
}

// FreeSectors returns the current free count.
func (p *Pool) FreeSectors() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeSectors
}

// TotalSectors returns the pool capacity.
func (p *Pool) TotalSectors() int {
	return p.totalSectors
}

// UsedSectors returns the number of allocated (non-free) sectors.
func (p *Pool) UsedSectors() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalSectors - p.freeSectors
}

// usagePercentLocked computes floor(used/total*100).
func (p *Pool) usagePercentLocked() int {
	if p.totalSectors == 0 {
		return 0
	}
	used := p.totalSectors - p.freeSectors
	return used * 100 / p.totalSectors
}

// checkThresholdLocked implements the threshold-crossing contract: one
// event per 10-percentage-point step crossed in either direction (each
// reported as the bucket usage moved into), including, on the very first
// call, one event for every step from 0 up to the current bucket (so an
// observer attaching after memory is already in use still sees the full
// history of steps).
func (p *Pool) checkThresholdLocked() {
	bucket := (p.usagePercentLocked() / 10) * 10

	if !p.everReported {
		p.everReported = true
		for step := 10; step <= bucket; step += 10 {
			p.reportLocked(step)
		}
		p.lastReportedTenth = bucket
		return
	}

	if bucket == p.lastReportedTenth {
		return
	}
	if bucket > p.lastReportedTenth {
		for step := p.lastReportedTenth + 10; step <= bucket; step += 10 {
			p.reportLocked(step)
		}
	} else {
		for step := p.lastReportedTenth - 10; step >= bucket; step -= 10 {
			p.reportLocked(step)
		}
	}
	p.lastReportedTenth = bucket
}

func (p *Pool) reportLocked(thresholdPercent int) {
	if p.diag == nil {
		return
	}
	p.diag.Emit("pool", "threshold", map[string]interface{}{
		"threshold_percent": thresholdPercent,
		"free_sectors":      p.freeSectors,
		"total_sectors":     p.totalSectors,
	})
}

// AttachObserver replays threshold history for a freshly-attached observer,
// covering the "observer attaches after memory is already in use" case even
// when no allocation/free happens afterward. It is safe to call once at
// startup right after wiring the diag stream.
func (p *Pool) AttachObserver() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.everReported = false
	p.checkThresholdLocked()
}
