//go:build mm2_narrow_ids

package sector

// ID is the pool index type for resource-constrained targets: 16 bits,
// selected by building with -tags mm2_narrow_ids. See id_wide.go for the
// default 32-bit variant and the rationale for keeping the two in separate
// files instead of a single generic/runtime-branching type.
type ID uint16

// None marks "no sector" in either chain links or pending-window fields.
const None ID = 1<<16 - 1

// MaxPoolSize is the largest pool this build's ID type can address.
const MaxPoolSize = 1 << 16

// FromInt constructs an ID from a plain int, panicking if it doesn't fit.
func FromInt(v int) ID {
	if v < 0 || uint64(v) >= uint64(MaxPoolSize) {
		panic("sector: id out of range for this build's ID width")
	}
	return ID(v)
}
