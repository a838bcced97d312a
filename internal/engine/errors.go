package engine

import "errors"

// ErrHostKeyChanged is raised when a dispatcher's startup buffer contains
// an unknown or changed remote host identification marker.
var ErrHostKeyChanged = errors.New("engine: remote host identification rejected")

// ErrDisabled is returned by DispatchWrite/DispatchCommand when the
// dispatcher is inactive or operator-disabled.
var ErrDisabled = errors.New("engine: dispatcher is disabled")

// ErrNoSuchDispatcher is returned by registry lookups.
var ErrNoSuchDispatcher = errors.New("engine: no such dispatcher")
