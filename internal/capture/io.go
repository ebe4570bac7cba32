package capture

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacapture/internal/v4l2"
)

// IOMethod selects how frames move from the driver into the process.
type IOMethod int

const (
	// Driver-allocated buffers mapped into the process.
	MethodMMAP IOMethod = iota

	// Process-allocated buffers registered with the driver.
	MethodUserPtr

	// No shared buffers; every frame is copied with read().
	MethodRead
)

func (m IOMethod) String() string {
	switch m {
	case MethodMMAP:
		return "mmap"
	case MethodUserPtr:
		return "userptr"
	case MethodRead:
		return "read"
	default:
		return "IOMethod(?)"
	}
}

func ParseIOMethod(s string) (IOMethod, error) {
	switch strings.ToLower(s) {
	case "mmap", "":
		return MethodMMAP, nil
	case "userptr":
		return MethodUserPtr, nil
	case "read":
		return MethodRead, nil
	}
	return 0, errors.Errorf("capture: unknown io method %q", s)
}

// Device is the kernel-facing surface the I/O strategies drive. It is
// implemented by *v4l2.Device.
type Device interface {
	RequestBuffers(count int, mem v4l2.Memory) (int, error)
	QueryBuffer(index int, mem v4l2.Memory) (v4l2.BufferInfo, error)
	MapBuffer(offset int64, length int) ([]byte, error)
	UnmapBuffer(data []byte) error
	QueueBuffer(index int, mem v4l2.Memory, userptr []byte) error
	DequeueBuffer(mem v4l2.Memory) (v4l2.BufferInfo, error)
	StreamOn() error
	StreamOff() error
	WaitReadable(timeout time.Duration) (bool, error)
	Read(p []byte) (int, error)
}

// BufferHandle identifies one completed buffer between ReadFrame and the
// buffer's return to the pool.
type BufferHandle struct {
	Index     int
	BytesUsed int
	Sequence  uint32
	Flags     uint32
	Timestamp time.Time

	gen uint64
}

// Strategy moves buffers between the pool and the driver for one I/O
// method. The method is fixed for the lifetime of a session.
type Strategy interface {
	Method() IOMethod

	// CreateAllUserBuffer builds the pool. It either succeeds completely or
	// releases everything it acquired.
	CreateAllUserBuffer(count, size int) error

	QueueAllUserBuffer() error
	QueueSingleUserBuffer(index int) error

	// ReadFrame returns the next completed buffer, or v4l2.ErrWouldBlock on
	// a non-blocking device with nothing ready.
	ReadFrame() (BufferHandle, error)

	// GetFrameData returns a view of an in-flight buffer's payload.
	GetFrameData(h BufferHandle) ([]byte, error)

	DeleteAllUserBuffer() error

	// streaming reports whether the method uses STREAMON/STREAMOFF.
	streaming() bool
}

func newStrategy(method IOMethod, dev Device, pool *Pool) (Strategy, error) {
	switch method {
	case MethodMMAP:
		return &mmapIO{streamIO{dev: dev, pool: pool, mem: v4l2.MemoryMMAP}}, nil
	case MethodUserPtr:
		return &userPtrIO{streamIO{dev: dev, pool: pool, mem: v4l2.MemoryUserPtr}}, nil
	case MethodRead:
		return &readIO{dev: dev, pool: pool}, nil
	}
	return nil, errors.Wrapf(ErrInvalidConfig, "io method %v", method)
}

// streamIO is the part shared by the two streaming methods: buffers are
// exchanged with the driver through QBUF and DQBUF.
type streamIO struct {
	dev  Device
	pool *Pool
	mem  v4l2.Memory
}

func (s *streamIO) streaming() bool { return true }

func (s *streamIO) QueueAllUserBuffer() error {
	states := s.pool.States()
	if len(states) == 0 {
		return ErrPoolAbsent
	}
	for i, st := range states {
		if st != FreeInPool {
			return errors.Errorf("capture: queue all: buffer %d is %v", i, st)
		}
	}
	for i := range states {
		if err := s.QueueSingleUserBuffer(i); err != nil {
			return err
		}
	}
	return nil
}

func (s *streamIO) QueueSingleUserBuffer(index int) error {
	prev, data, err := s.pool.transition(index, 0, QueuedToKernel, FreeInPool, InFlightToConsumer)
	if err != nil {
		if errors.Cause(err) == ErrAlreadyQueued {
			log.Error("%v", err)
		}
		return err
	}

	var userptr []byte
	if s.mem == v4l2.MemoryUserPtr {
		userptr = data
	}
	if err := s.dev.QueueBuffer(index, s.mem, userptr); err != nil {
		s.pool.transition(index, 0, prev, QueuedToKernel)
		return err
	}
	return nil
}

func (s *streamIO) ReadFrame() (BufferHandle, error) {
	info, err := s.dev.DequeueBuffer(s.mem)
	if err != nil {
		return BufferHandle{}, err
	}

	gen := s.pool.Generation()
	if prev, _, err := s.pool.transition(info.Index, gen, InFlightToConsumer, QueuedToKernel); err != nil {
		err = errors.Wrapf(err, "dequeued buffer %d", info.Index)
		log.Error("%v", err)
		// A free slot goes straight back so the driver does not lose it.
		if prev == FreeInPool {
			if qerr := s.QueueSingleUserBuffer(info.Index); qerr != nil {
				log.Error("requeue buffer %d: %v", info.Index, qerr)
			}
		}
		return BufferHandle{}, err
	}
	return BufferHandle{
		Index:     info.Index,
		BytesUsed: info.BytesUsed,
		Sequence:  info.Sequence,
		Flags:     info.Flags,
		Timestamp: info.Timestamp,
		gen:       gen,
	}, nil
}

func (s *streamIO) GetFrameData(h BufferHandle) ([]byte, error) {
	return s.pool.view(h.Index, h.gen, h.BytesUsed)
}

// releaseKernelBuffers issues REQBUFS with a zero count, which frees the
// driver's queue.
func (s *streamIO) releaseKernelBuffers() error {
	_, err := s.dev.RequestBuffers(0, s.mem)
	return err
}

// requestKernelBuffers negotiates count buffers with the driver.
func (s *streamIO) requestKernelBuffers(count int) error {
	if count > MaxBuffers {
		return errors.Wrapf(ErrTooManyBuffers, "%d > %d", count, MaxBuffers)
	}
	if s.pool.Created() {
		return ErrPoolExists
	}
	granted, err := s.dev.RequestBuffers(count, s.mem)
	if err != nil {
		return err
	}
	if granted < count {
		s.releaseKernelBuffers()
		return errors.Errorf("capture: driver granted %d of %d %v buffers", granted, count, s.mem)
	}
	return nil
}
