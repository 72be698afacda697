package shm

import "errors"

var (
	errEmptyName           = errors.New("shm: mapping name must not be empty")
	errNonPositiveCapacity = errors.New("shm: capacity must be positive")
	errDuplicateSession    = errors.New("shm: session already has a segment")
	errUnknownSession      = errors.New("shm: no segment for session")
	errOutOfCapacity       = errors.New("shm: insufficient remaining mapping capacity")
	errOversizedFrame      = errors.New("shm: frame exceeds data region capacity")
	errRingFull            = errors.New("shm: insufficient free space in ring")
	errMalformedFrame      = errors.New("shm: malformed frame header")
	errSegmentClosed       = errors.New("shm: segment already released")
	errNotInitialized      = errors.New("shm: manager not initialized")
)
