package netmgr

import "errors"

var (
	// ErrUnknownInterface is returned when a caller names an interface not
	// present in the configured candidate list.
	ErrUnknownInterface = errors.New("netmgr: unknown interface")
)
