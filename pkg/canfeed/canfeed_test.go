package canfeed

import (
	"errors"
	"testing"
	"time"

	sockcan "github.com/brutella/can"
	"github.com/stretchr/testify/require"

	"github.com/northfield-iot/mm2gateway/pkg/config"
	"github.com/northfield-iot/mm2gateway/pkg/sector"
)

var errBoom = errors.New("boom")

type fakeEngine struct {
	tsd  map[uint32]uint32
	evt  map[uint32]uint32
	gps  map[uint32]uint32
	fail bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{tsd: map[uint32]uint32{}, evt: map[uint32]uint32{}, gps: map[uint32]uint32{}}
}

func (e *fakeEngine) WriteTSD(sensorID uint32, value uint32) error {
	if e.fail {
		return errBoom
	}
	e.tsd[sensorID] = value
	return nil
}
func (e *fakeEngine) WriteEVT(sensorID uint32, value uint32, timestampMs uint64) error {
	if e.fail {
		return errBoom
	}
	e.evt[sensorID] = value
	return nil
}
func (e *fakeEngine) WriteEVTWithGPS(sensorID uint32, value uint32, timestampMs uint64) error {
	if e.fail {
		return errBoom
	}
	e.gps[sensorID] = value
	return nil
}

func decodeFirstByte(data [8]byte) uint32 { return uint32(data[0]) }

func TestFeedRoutesFrameToMappedSensor(t *testing.T) {
	engine := newFakeEngine()
	mappings := []Mapping{
		{CANID: 0x100, SensorID: 42, Kind: sector.KindTSD, Decode: decodeFirstByte},
		{CANID: 0x200, SensorID: 43, Kind: sector.KindEVT, Decode: decodeFirstByte},
		{CANID: 0x300, SensorID: 900, Kind: sector.KindEVT, Decode: decodeFirstByte, IsGPS: true},
	}
	f := &Feed{engine: engine, mappings: indexMappings(mappings), clock: time.Now}

	f.Handle(sockcan.Frame{ID: 0x100, Data: [8]byte{7}})
	f.Handle(sockcan.Frame{ID: 0x200, Data: [8]byte{9}})
	f.Handle(sockcan.Frame{ID: 0x300, Data: [8]byte{5}})
	f.Handle(sockcan.Frame{ID: 0x999, Data: [8]byte{1}}) // unmapped, ignored

	require.Equal(t, uint32(7), engine.tsd[42])
	require.Equal(t, uint32(9), engine.evt[43])
	require.Equal(t, uint32(5), engine.gps[900])
}

func TestFeedIgnoresUnmappedFrames(t *testing.T) {
	engine := newFakeEngine()
	f := &Feed{engine: engine, mappings: map[uint32]Mapping{}, clock: time.Now}
	f.Handle(sockcan.Frame{ID: 0x42, Data: [8]byte{1}})
	require.Empty(t, engine.tsd)
	require.Empty(t, engine.evt)
	require.Empty(t, engine.gps)
}

func TestMappingsFromConfigAppliesScaleAndOffset(t *testing.T) {
	mappings := MappingsFromConfig([]config.CANMapping{
		{CANID: 0x100, SensorID: 1, Kind: sector.KindTSD, ByteOffset: 0, ByteLength: 2, BigEndian: true, Scale: 0.1, Offset: -40},
	})
	require.Len(t, mappings, 1)

	// raw = 0x01F4 = 500; 500*0.1 - 40 = 10
	got := mappings[0].Decode([8]byte{0x01, 0xF4, 0, 0, 0, 0, 0, 0})
	require.Equal(t, uint32(10), got)
}

func TestLinearDecodeOutOfRangeReturnsZero(t *testing.T) {
	mappings := MappingsFromConfig([]config.CANMapping{
		{CANID: 0x1, SensorID: 1, ByteOffset: 6, ByteLength: 4},
	})
	got := mappings[0].Decode([8]byte{})
	require.Equal(t, uint32(0), got)
}

func indexMappings(mappings []Mapping) map[uint32]Mapping {
	byID := make(map[uint32]Mapping, len(mappings))
	for _, m := range mappings {
		byID[m.CANID] = m
	}
	return byID
}
