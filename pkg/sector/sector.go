// Package sector defines the fixed-size storage unit shared by the pool and
// the storage engine, plus the sector ID type whose bit width is a
// compile-time choice (see id_wide.go / id_narrow.go) rather than something
// silently narrowed at a boundary.
package sector

// Size is the fixed size, in bytes, of one sector. Both TSD and EVT layouts
// fit within it; it is the unit of pool allocation and of disk I/O.
const Size = 32

// Kind distinguishes what a sector's payload holds.
type Kind uint8

const (
	KindTSD Kind = iota
	KindEVT
)

// TSDValuesPerSector is how many 4-byte values fit after the 8-byte base
// timestamp: (32-8)/4 = 6.
const TSDValuesPerSector = (Size - 8) / 4

// EVTPairsPerSector is how many {4-byte value, 8-byte timestamp} pairs fit:
// 32/12 = 2 (with 8 bytes of padding).
const EVTPairsPerSector = 2

// Sector is the raw fixed-size storage block plus its chain successor link.
// The successor link is kept out-of-band from the payload bytes (unlike the
// reference protocol's on-wire frames, nothing here needs to be bit-packed
// into the 32 bytes themselves) so erase/unlink logic never has to parse it
// back out of payload.
type Sector struct {
	Kind    Kind
	Next    ID
	Payload [Size]byte
}

// IsCompletelyEmpty reports whether every record slot in the sector has
// been zeroed by the erase path.
func (s *Sector) IsCompletelyEmpty() bool {
	for _, b := range s.Payload {
		if b != 0 {
			return false
		}
	}
	return true
}
