//go:build !linux
// +build !linux

package v4l2

import "time"

// Options control how a device node is opened.
type Options struct {
	NonBlocking bool
}

// Device is unavailable outside Linux; Open always fails.
type Device struct{}

func Open(path string, opts Options) (*Device, error) {
	return nil, ErrNotSupported
}

func (dev *Device) Close() error                                { return ErrNotSupported }
func (dev *Device) BufType() BufType                            { return BufTypeVideoCapture }
func (dev *Device) Capabilities() Capabilities                  { return Capabilities{} }
func (dev *Device) Format() (Format, error)                     { return Format{}, ErrNotSupported }
func (dev *Device) SetFormat(Format) (Format, error)            { return Format{}, ErrNotSupported }
func (dev *Device) RequestBuffers(int, Memory) (int, error)     { return 0, ErrNotSupported }
func (dev *Device) QueryBuffer(int, Memory) (BufferInfo, error) { return BufferInfo{}, ErrNotSupported }
func (dev *Device) MapBuffer(int64, int) ([]byte, error)        { return nil, ErrNotSupported }
func (dev *Device) UnmapBuffer([]byte) error                    { return ErrNotSupported }
func (dev *Device) QueueBuffer(int, Memory, []byte) error       { return ErrNotSupported }
func (dev *Device) DequeueBuffer(Memory) (BufferInfo, error)    { return BufferInfo{}, ErrNotSupported }
func (dev *Device) StreamOn() error                             { return ErrNotSupported }
func (dev *Device) StreamOff() error                            { return ErrNotSupported }
func (dev *Device) WaitReadable(time.Duration) (bool, error)    { return false, ErrNotSupported }
func (dev *Device) Read([]byte) (int, error)                    { return 0, ErrNotSupported }
