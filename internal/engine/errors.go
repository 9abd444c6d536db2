package engine

import "errors"

var (
	// ErrStaleDisplay is returned when a shown or discarded confirmation does
	// not refer to the plan currently handed to the renderer.
	ErrStaleDisplay = errors.New("display does not match the pending plan")
	// ErrUnknownEvent is returned for events with an unrecognized type.
	ErrUnknownEvent = errors.New("unknown event type")
	// ErrMissingContext is returned for a context event without a visitor context.
	ErrMissingContext = errors.New("context event without visitor context")
)
