package storage

import "errors"

var (
	// ErrOutOfStorage is returned by a write when the RAM pool is exhausted
	// and spillover could not relieve enough pressure to make room.
	ErrOutOfStorage = errors.New("storage: out of storage")

	// ErrUnknownSensor is returned when a sensor ID has no configured SCB.
	ErrUnknownSensor = errors.New("storage: unknown sensor")

	// ErrUnknownSource is returned when an upload source name is not part of
	// the configured closed enumeration.
	ErrUnknownSource = errors.New("storage: unknown upload source")

	// ErrChainCorruption marks a sensor quarantined after its chain bookkeeping
	// was found to be inconsistent (e.g. a chain walk outran its own record
	// count). The sensor stops accepting writes until restarted.
	ErrChainCorruption = errors.New("storage: chain corruption detected, sensor quarantined")

	// ErrNoGPSFix is returned by write_evt_with_gps when no provider is wired
	// or the provider currently has no fix; the primary event is still
	// written, companions are simply skipped.
	ErrNoGPSFix = errors.New("storage: no GPS fix available")
)
