package capture

import "github.com/pkg/errors"

var (
	ErrPoolExists     = errors.New("capture: buffer pool already created")
	ErrPoolAbsent     = errors.New("capture: buffer pool not created")
	ErrTooManyBuffers = errors.New("capture: too many buffers")
	ErrInvalidIndex   = errors.New("capture: buffer index out of range")
	ErrAlreadyQueued  = errors.New("capture: buffer already queued to kernel")
	ErrNotInFlight    = errors.New("capture: buffer not in flight to consumer")
	ErrFrameOverrun   = errors.New("capture: frame length exceeds buffer capacity")
	ErrNoData         = errors.New("capture: frame has no data")
	ErrNoFreeBuffer   = errors.New("capture: no free buffer")
	ErrFlagged        = errors.New("capture: driver flagged frame as corrupt")
	ErrStreamRunning  = errors.New("capture: stream is running")
	ErrStopTimeout    = errors.New("capture: timed out waiting for stream to stop")
	ErrInvalidConfig  = errors.New("capture: invalid configuration")

	errStaleGeneration = errors.New("capture: buffer belongs to a deleted pool")
)
