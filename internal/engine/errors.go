package engine

import "errors"

// Engine lifecycle errors
var (
	ErrEngineUnavailable = errors.New("rendering engine unavailable")
	ErrLaunchFailed      = errors.New("engine launch failed")
	ErrManagerClosed     = errors.New("engine manager is shut down")
)
