package core

import "errors"

var (
	ErrBackpressure      = errors.New("backpressure")
	ErrConnClosed        = errors.New("connection closed")
	ErrNotOpen           = errors.New("connection not open")
	ErrBadPayload        = errors.New("bad payload")
	ErrPeerUnavailable   = errors.New("peer unavailable")
	ErrIDTaken           = errors.New("peer id taken")
	ErrInvalidTransition = errors.New("invalid state transition")

	ErrPermissionDenied = errors.New("media permission denied")
	ErrDeviceBusy       = errors.New("media device busy")
	ErrDeviceNotFound   = errors.New("media device not found")
)
