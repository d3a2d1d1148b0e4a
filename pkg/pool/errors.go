package pool

import "errors"

var (
	// ErrPoolFull is returned by Allocate when the free list is empty. The
	// storage engine reacts by triggering disk spillover before retrying.
	ErrPoolFull = errors.New("pool: no free sectors available")

	// ErrAlreadyFree is returned by Free when called on a sector that is
	// already on the free list. This is a programming error in the caller,
	// not a runtime condition to recover from.
	ErrAlreadyFree = errors.New("pool: sector is already free")

	// ErrInvalidSector is returned when a sector ID is outside the pool's
	// configured range.
	ErrInvalidSector = errors.New("pool: sector id out of range")
)
