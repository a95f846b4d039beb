package vm

import "errors"

// Registry errors
var (
	ErrNotFound      = errors.New("vm: instance not found")
	ErrAlreadyExists = errors.New("vm: instance already exists")
	ErrInvalidKind   = errors.New("vm: invalid instance kind")
)

// Overlay errors
var (
	ErrOverlayMissing     = errors.New("vm: overlay missing")
	ErrOverlayCreate      = errors.New("vm: overlay create failed")
	ErrBaseImageMissing   = errors.New("vm: base image missing")
	ErrOverlayZeroSized   = errors.New("vm: overlay is empty")
	ErrOverlayOutsideRoot = errors.New("vm: overlay path outside overlay directory")
)
