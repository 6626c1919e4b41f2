package resource

import "errors"

// Client-facing failures. The HTTP layer maps each of these to a stable status
// code; anything that does not wrap one of them is an internal error.
var (
	ErrUnknownKind     = errors.New("unknown resource kind")
	ErrNotFound        = errors.New("resource not found")
	ErrInvalidFileType = errors.New("invalid file type, only video files are allowed")
	ErrFileTooLarge    = errors.New("file too large")
	ErrInvalidInput    = errors.New("invalid input")
)
