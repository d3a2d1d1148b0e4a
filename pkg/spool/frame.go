// Package spool implements the per-upload-source disk spillover files
// described in spec §4.2 and §6: append-only sequences of fixed-size sector
// frames, each guarded by a CRC-32, recoverable after a crash that leaves at
// most one partial trailing frame.
package spool

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/northfield-iot/mm2gateway/internal/crc"
	"github.com/northfield-iot/mm2gateway/pkg/sector"
)

// Magic identifies an MM2 spillover frame: "MM2 ".
const Magic uint32 = 0x4D4D3220

// Version is the on-disk frame format version.
const Version uint16 = 1

// headerSize is magic(4) + version(2) + record count(2) + crc(4).
const headerSize = 4 + 2 + 2 + 4

// frameSize is the header plus one sector payload.
const frameSize = headerSize + sector.Size

// WriteFrame serializes one sector's payload as a spillover frame.
// recordCount is the number of live records the sector held at spill time.
func WriteFrame(w io.Writer, payload [sector.Size]byte, recordCount uint16) error {
	buf := make([]byte, frameSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	binary.LittleEndian.PutUint16(buf[6:8], recordCount)
	copy(buf[headerSize:], payload[:])
	binary.LittleEndian.PutUint32(buf[8:12], crc.Of(buf[headerSize:]))
	_, err := w.Write(buf)
	return err
}

// frame is one decoded spillover frame.
type frame struct {
	RecordCount uint16
	Payload     [sector.Size]byte
}

// readFrame reads and validates exactly one frame from r. err is io.EOF
// when r is exhausted at a frame boundary (clean end of file). A short read
// mid-frame or a CRC mismatch returns errFrameCorrupt so the caller can
// truncate the file at that point per spec's crash-recovery rule.
func readFrame(r io.Reader) (frame, error) {
	buf := make([]byte, frameSize)
	n, err := io.ReadFull(r, buf)
	if err == io.EOF && n == 0 {
		return frame{}, io.EOF
	}
	if err != nil {
		return frame{}, errFrameCorrupt
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	version := binary.LittleEndian.Uint16(buf[4:6])
	recordCount := binary.LittleEndian.Uint16(buf[6:8])
	wantCRC := binary.LittleEndian.Uint32(buf[8:12])
	if magic != Magic || version != Version {
		return frame{}, errFrameCorrupt
	}
	if !crc.Verify(buf[headerSize:], wantCRC) {
		return frame{}, errFrameCorrupt
	}
	var f frame
	f.RecordCount = recordCount
	copy(f.Payload[:], buf[headerSize:])
	return f, nil
}

var errFrameCorrupt = fmt.Errorf("spool: frame header or CRC invalid")
