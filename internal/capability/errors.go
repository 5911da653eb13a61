package capability

import "errors"

var (
	// ErrDuplicateCapability is returned when a capability name is registered twice.
	// At startup this is treated as fatal misconfiguration.
	ErrDuplicateCapability = errors.New("duplicate capability")

	// ErrUnknownCapability is returned when resolving a name that was never registered
	// or whose provider is disabled.
	ErrUnknownCapability = errors.New("unknown capability")
)
