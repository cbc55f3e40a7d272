package volume

import (
	"errors"
	"fmt"
)

// Error kinds shared by every layer of the data path. Callers should use
// errors.Is against these sentinels; IoError and Timeout are frequently
// wrapped with context via fmt.Errorf("%w: ...", ...), following the wrap
// style the rest of the module uses for contextual errors (see
// internal/config and internal/partition).
var (
	// ErrOutOfRange is returned when a caller's offset/size precondition is violated.
	ErrOutOfRange = errors.New("out of range")

	// ErrIoError means a single provider call failed or returned a short
	// response. It is recoverable locally via row repair.
	ErrIoError = errors.New("io error")

	// ErrRowUnrecoverable means fewer than D intact cells were available
	// for a row; it is fatal for the request that triggered it.
	ErrRowUnrecoverable = errors.New("row unrecoverable")

	// ErrTimeout specializes ErrIoError for partition-transport expiry:
	// errors.Is(err, ErrIoError) also holds for a timeout.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrIoError)

	// ErrBadConfig means the loader could not produce a valid VolumeConfig.
	ErrBadConfig = errors.New("bad config")
)

// IsRecoverable reports whether err represents a single-cell fault that row
// repair may be able to route around (IoError or Timeout), as opposed to a
// fatal request-level error.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrIoError) || errors.Is(err, ErrTimeout)
}
