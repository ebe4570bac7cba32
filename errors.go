package alohacapture

import "github.com/pkg/errors"

var (
	ErrInvalidConfig      = errors.New("alohacapture: invalid configuration")
	ErrNotCaptureDevice   = errors.New("alohacapture: not a video capture device")
	ErrMethodNotSupported = errors.New("alohacapture: io method not supported by device")
)
