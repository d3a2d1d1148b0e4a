package storage

import (
	"encoding/binary"

	"github.com/northfield-iot/mm2gateway/pkg/sector"
)

// Record is one decoded time-series or event value returned by read_bulk.
type Record struct {
	SensorID    uint32
	TimestampMs uint64
	Value       uint32
}

// slotCapacity returns how many values/pairs fit in one sector of this kind.
func slotCapacity(kind sector.Kind) int {
	if kind == sector.KindEVT {
		return sector.EVTPairsPerSector
	}
	return sector.TSDValuesPerSector
}

// writeTSDValue writes value into TSD slot index (0-based) of payload,
// writing the base timestamp first if index == 0.
func writeTSDValue(payload *[sector.Size]byte, index int, baseMs uint64, value uint32) {
	if index == 0 {
		binary.LittleEndian.PutUint64(payload[0:8], baseMs)
	}
	off := 8 + 4*index
	binary.LittleEndian.PutUint32(payload[off:off+4], value)
}

// writeEVTPair writes a {value, timestamp} pair into EVT slot index.
func writeEVTPair(payload *[sector.Size]byte, index int, value uint32, timestampMs uint64) {
	off := 12 * index
	binary.LittleEndian.PutUint32(payload[off:off+4], value)
	binary.LittleEndian.PutUint64(payload[off+4:off+12], timestampMs)
}

// decodeSector decodes the first n valid slots of payload as records for
// sensorID, given the sensor's kind and (for TSD) its configured sampling
// period in microseconds.
func decodeSector(payload [sector.Size]byte, kind sector.Kind, sensorID uint32, periodUs uint32, n int) []Record {
	out := make([]Record, 0, n)
	switch kind {
	case sector.KindTSD:
		base := binary.LittleEndian.Uint64(payload[0:8])
		periodMs := uint64(periodUs) / 1000
		for i := 0; i < n; i++ {
			off := 8 + 4*i
			v := binary.LittleEndian.Uint32(payload[off : off+4])
			out = append(out, Record{SensorID: sensorID, TimestampMs: base + uint64(i)*periodMs, Value: v})
		}
	case sector.KindEVT:
		for i := 0; i < n; i++ {
			off := 12 * i
			v := binary.LittleEndian.Uint32(payload[off : off+4])
			ts := binary.LittleEndian.Uint64(payload[off+4 : off+12])
			out = append(out, Record{SensorID: sensorID, TimestampMs: ts, Value: v})
		}
	}
	return out
}

// rebaseForSpill copies the n live slots starting at index from in payload
// down to indices [0, n), so the disk frame can always be decoded as "n
// records starting at slot 0" regardless of where they sat in the RAM
// sector. For TSD the shared base timestamp is advanced by from*periodMs so
// each record keeps its true timestamp after rebasing.
func rebaseForSpill(payload [sector.Size]byte, kind sector.Kind, periodUs uint32, from, n int) [sector.Size]byte {
	var out [sector.Size]byte
	switch kind {
	case sector.KindTSD:
		base := binary.LittleEndian.Uint64(payload[0:8])
		periodMs := uint64(periodUs) / 1000
		binary.LittleEndian.PutUint64(out[0:8], base+uint64(from)*periodMs)
		for i := 0; i < n; i++ {
			srcOff := 8 + 4*(from+i)
			dstOff := 8 + 4*i
			copy(out[dstOff:dstOff+4], payload[srcOff:srcOff+4])
		}
	case sector.KindEVT:
		for i := 0; i < n; i++ {
			srcOff := 12 * (from + i)
			dstOff := 12 * i
			copy(out[dstOff:dstOff+12], payload[srcOff:srcOff+12])
		}
	}
	return out
}

// zeroValues zeroes slots [from, from+n) of payload for the given kind,
// the "zero the relevant value slots" step of the erase algorithm.
func zeroValues(payload *[sector.Size]byte, kind sector.Kind, from, n int) {
	for i := from; i < from+n; i++ {
		if kind == sector.KindEVT {
			off := 12 * i
			for j := off; j < off+12; j++ {
				payload[j] = 0
			}
		} else {
			off := 8 + 4*i
			for j := off; j < off+4; j++ {
				payload[j] = 0
			}
			if i == 0 {
				for j := 0; j < 8; j++ {
					payload[j] = 0
				}
			}
		}
	}
}
