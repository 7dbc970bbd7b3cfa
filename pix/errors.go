package pix

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection is returned when a remote session could not be created or re-created.
	// It is surfaced to the caller and never retried internally.
	ErrConnection = errors.New("pixel store connection error")

	// ErrHandleClosed is returned for any operation on a released handle.  The caller
	// must acquire a new handle.
	ErrHandleClosed = errors.New("pixel store handle closed")

	// ErrInvalidLevel is returned when a resolution level is out of range.
	ErrInvalidLevel = errors.New("invalid resolution level")

	// ErrInvalidPlane is returned when a z-slice, timepoint or channel is out of range.
	ErrInvalidPlane = errors.New("invalid plane")

	// ErrEmptyRegion is returned when a clamped tile rectangle has no area.
	ErrEmptyRegion = errors.New("empty tile region")

	// ErrCorruptMetadata flags nonsensical resolution levels or pixel metadata.
	ErrCorruptMetadata = errors.New("corrupt image metadata")

	// ErrCorruptTile is returned when a byte plane does not match the tile layout.
	ErrCorruptTile = errors.New("corrupt tile")

	// ErrUnsupportedEncoding is returned for pixel types that cannot be decoded.
	ErrUnsupportedEncoding = errors.New("unsupported pixel encoding")

	// ErrNotOpen is returned for tile requests against an image that was never opened.
	ErrNotOpen = errors.New("image not open")

	// ErrFetchTimeout is returned when a remote fetch exceeds its deadline.  The session
	// behind the handle has been closed.
	ErrFetchTimeout = fmt.Errorf("%w: remote fetch timed out", ErrConnection)

	// ErrServerClosed is returned for requests against a closed image.
	ErrServerClosed = fmt.Errorf("image server closed: %w", ErrHandleClosed)
)

// IsLifecycleError returns true if the error means the handle that produced it
// can no longer be trusted and must be discarded.
func IsLifecycleError(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrHandleClosed)
}
