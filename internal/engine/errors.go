package engine

import "errors"

var (
	// ErrStartup means the server logged its error sentinel or exited
	// before it became ready.
	ErrStartup = errors.New("engine failed to start")
	// ErrTimeout means the server did not become ready in time.
	ErrTimeout = errors.New("engine startup timed out")
)
