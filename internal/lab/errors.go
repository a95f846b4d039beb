package lab

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestrator failures.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "NotFound"
	KindResourceExhausted   ErrorKind = "ResourceExhausted"
	KindOverlayCreateFailed ErrorKind = "OverlayCreateFailed"
	KindOverlayMissing      ErrorKind = "OverlayMissing"
	KindProcessLaunchFailed ErrorKind = "ProcessLaunchFailed"
	KindProcessStopFailed   ErrorKind = "ProcessStopFailed"
	KindAlreadyRunning      ErrorKind = "AlreadyRunning"
	KindAlreadyStopped      ErrorKind = "AlreadyStopped"
	KindAlreadyExists       ErrorKind = "AlreadyExists"
	KindGatewaySyncFailed   ErrorKind = "GatewaySyncFailed"
	KindInternal            ErrorKind = "Internal"
)

// Sentinels for errors.Is, one per kind.
var (
	ErrNotFound            = errors.New("instance not found")
	ErrResourceExhausted   = errors.New("resources exhausted")
	ErrOverlayCreateFailed = errors.New("overlay create failed")
	ErrOverlayMissing      = errors.New("overlay missing")
	ErrProcessLaunchFailed = errors.New("process launch failed")
	ErrProcessStopFailed   = errors.New("process stop failed")
	ErrAlreadyRunning      = errors.New("instance already running")
	ErrAlreadyStopped      = errors.New("instance already stopped")
	ErrAlreadyExists       = errors.New("instance already exists")
	ErrGatewaySyncFailed   = errors.New("gateway sync failed")
	ErrInternal            = errors.New("internal error")
)

var sentinels = map[ErrorKind]error{
	KindNotFound:            ErrNotFound,
	KindResourceExhausted:   ErrResourceExhausted,
	KindOverlayCreateFailed: ErrOverlayCreateFailed,
	KindOverlayMissing:      ErrOverlayMissing,
	KindProcessLaunchFailed: ErrProcessLaunchFailed,
	KindProcessStopFailed:   ErrProcessStopFailed,
	KindAlreadyRunning:      ErrAlreadyRunning,
	KindAlreadyStopped:      ErrAlreadyStopped,
	KindAlreadyExists:       ErrAlreadyExists,
	KindGatewaySyncFailed:   ErrGatewaySyncFailed,
	KindInternal:            ErrInternal,
}

// Error is the failure type returned by every Orchestrator operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Name != "" {
		msg += " " + e.Name
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s: %v", msg, sentinels[e.Kind])
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

func newError(kind ErrorKind, op, name string, err error) *Error {
	return &Error{Kind: kind, Op: op, Name: name, Err: err}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
