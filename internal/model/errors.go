package model

import "errors"

var (
	// ErrSketchNotFound is returned when a sketch does not exist in storage.
	ErrSketchNotFound = errors.New("sketch not found")

	// ErrNoPermission is returned when an identity holds no role for a sketch.
	ErrNoPermission = errors.New("no permission for sketch")

	// ErrNotInSketch is returned when a message requires a joined sketch.
	ErrNotInSketch = errors.New("connection has not joined a sketch")

	// ErrCannotDraw is returned when the cached role does not permit drawing.
	ErrCannotDraw = errors.New("role does not permit drawing")

	// ErrElementNotFound is returned when an element id is unknown to the session.
	ErrElementNotFound = errors.New("element not found")

	// ErrInvalidElement is returned when an element payload does not match its kind.
	ErrInvalidElement = errors.New("invalid element")

	// ErrSessionClosed is returned when operating on a session that has been evicted.
	ErrSessionClosed = errors.New("sketch session closed")

	// ErrInvalidSketch is returned when sketch metadata is incomplete.
	ErrInvalidSketch = errors.New("invalid sketch")
)
