package patrol

import "errors"

var (
	// ErrAlreadyRunning is returned by Start on a running service.
	ErrAlreadyRunning = errors.New("patrol: already running")
	// ErrNotRunning is returned by Stop on a stopped service.
	ErrNotRunning = errors.New("patrol: not running")
	// ErrUnknownSite is returned for a site outside the watched lists.
	ErrUnknownSite = errors.New("patrol: unknown site")
	// ErrUserNotFound is returned when an inspected account does not exist.
	ErrUserNotFound = errors.New("patrol: user not found")
)
