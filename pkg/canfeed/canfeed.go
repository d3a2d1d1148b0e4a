// Package canfeed is the CAN/OBD2 producer adapter (spec §4.5): it gives
// the brutella/can dependency a concrete, exercised home by subscribing to
// a CAN bus and turning a small fixed table of (CAN ID -> sensor) mappings
// into storage engine writes. Full OBD2 PID decoding is explicitly out of
// scope; this only demuxes raw frames by arbitration ID and applies one
// linear scale per mapping. Grounded on the reference stack's
// pkg/can/socketcan wrapper, which subscribes to the same brutella/can.Bus
// the same way (NewBusForInterfaceWithName, ConnectAndPublish in a
// goroutine, a Handle(sockcan.Frame) receiver) but forwards frames into its
// own bus abstraction instead of a storage engine.
package canfeed

import (
	"context"
	"fmt"
	"math"
	"time"

	sockcan "github.com/brutella/can"
	"github.com/sirupsen/logrus"

	"github.com/northfield-iot/mm2gateway/pkg/config"
	"github.com/northfield-iot/mm2gateway/pkg/diag"
	"github.com/northfield-iot/mm2gateway/pkg/sector"
	"github.com/northfield-iot/mm2gateway/pkg/storage"
)

// Decode turns a CAN frame's 8 data bytes into a sensor value. Callers
// supply this per mapping (byte order, scale, and offset are all
// vehicle/signal specific and out of this package's scope).
type Decode func(data [8]byte) uint32

// Mapping is one row of the fixed CAN-ID -> sensor table.
type Mapping struct {
	CANID    uint32
	SensorID uint32
	Kind     sector.Kind
	Decode   Decode
	IsGPS    bool // route through WriteEVTWithGPS instead of WriteEVT
}

// linearDecode builds a Decode func that reads ByteLength bytes at
// ByteOffset (big- or little-endian), then applies value*scale+offset,
// rounding to the nearest integer. This is the "small fixed table" decoder
// spec §4.5 calls for, not a PID parser.
func linearDecode(m config.CANMapping) Decode {
	return func(data [8]byte) uint32 {
		var raw uint64
		n := m.ByteLength
		if n <= 0 || m.ByteOffset+n > len(data) {
			return 0
		}
		if m.BigEndian {
			for i := 0; i < n; i++ {
				raw = raw<<8 | uint64(data[m.ByteOffset+i])
			}
		} else {
			for i := n - 1; i >= 0; i-- {
				raw = raw<<8 | uint64(data[m.ByteOffset+i])
			}
		}
		scaled := float64(raw)*m.Scale + m.Offset
		return uint32(math.Round(scaled))
	}
}

// MappingsFromConfig turns the manifest's [can:<id>] sections into Feed
// mappings.
func MappingsFromConfig(cfgMappings []config.CANMapping) []Mapping {
	out := make([]Mapping, 0, len(cfgMappings))
	for _, m := range cfgMappings {
		out = append(out, Mapping{
			CANID:    m.CANID,
			SensorID: m.SensorID,
			Kind:     m.Kind,
			Decode:   linearDecode(m),
			IsGPS:    m.IsGPSGroup,
		})
	}
	return out
}

// Engine is the subset of *storage.Engine the feed writes through.
type Engine interface {
	WriteTSD(sensorID uint32, value uint32) error
	WriteEVT(sensorID uint32, value uint32, timestampMs uint64) error
	WriteEVTWithGPS(sensorID uint32, value uint32, timestampMs uint64) error
}

var _ Engine = (*storage.Engine)(nil)

// Feed subscribes to a CAN bus and drives an Engine from a fixed mapping
// table.
type Feed struct {
	log      *logrus.Entry
	diag     *diag.Stream
	engine   Engine
	bus      *sockcan.Bus
	mappings map[uint32]Mapping
	clock    func() time.Time
}

// New opens ifaceName (e.g. "can0", "vcan0") via brutella/can and prepares
// a Feed. The bus is not started until Run is called.
func New(ifaceName string, engine Engine, mappings []Mapping, diagStream *diag.Stream, clock func() time.Time, log *logrus.Entry) (*Feed, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("canfeed: open %s: %w", ifaceName, err)
	}
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	byID := make(map[uint32]Mapping, len(mappings))
	for _, m := range mappings {
		byID[m.CANID] = m
	}
	f := &Feed{
		log:      log.WithField("component", "canfeed"),
		diag:     diagStream,
		engine:   engine,
		bus:      bus,
		mappings: byID,
		clock:    clock,
	}
	bus.Subscribe(f)
	return f, nil
}

// Run starts receiving frames and blocks until ctx is canceled or the bus
// connection fails.
func (f *Feed) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- f.bus.ConnectAndPublish() }()

	select {
	case <-ctx.Done():
		_ = f.bus.Disconnect()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handle implements brutella/can's frame receiver interface.
func (f *Feed) Handle(frame sockcan.Frame) {
	m, ok := f.mappings[frame.ID]
	if !ok {
		return
	}
	value := m.Decode(frame.Data)
	nowMs := uint64(f.clock().UnixMilli())

	var err error
	switch {
	case m.IsGPS:
		err = f.engine.WriteEVTWithGPS(m.SensorID, value, nowMs)
	case m.Kind == sector.KindEVT:
		err = f.engine.WriteEVT(m.SensorID, value, nowMs)
	default:
		err = f.engine.WriteTSD(m.SensorID, value)
	}
	if err != nil {
		f.log.WithError(err).WithField("can_id", frame.ID).Warn("producer write failed")
		if f.diag != nil {
			f.diag.Emit("canfeed", "error", logrus.Fields{"can_id": frame.ID, "err": err.Error()})
		}
	}
}
