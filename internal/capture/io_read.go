package capture

import (
	"github.com/pkg/errors"

	"github.com/lanikai/alohacapture/internal/v4l2"
)

// readIO copies frames with read() into private buffers. The driver has no
// notion of these buffers, so queueing only returns them to the pool.
type readIO struct {
	dev  Device
	pool *Pool

	// Round-robin cursor; touched only by the capture goroutine.
	next int

	// Session-owned sink for frames that arrive while every buffer is in
	// flight, so the device keeps draining.
	discard []byte
}

func (r *readIO) Method() IOMethod { return MethodRead }
func (r *readIO) streaming() bool  { return false }

func (r *readIO) CreateAllUserBuffer(count, size int) error {
	if size <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "read buffer size %d", size)
	}
	err := r.pool.build(count, func(int) ([]byte, error) {
		return make([]byte, size), nil
	}, func(*UserBuffer) {})
	if err != nil {
		return errors.Wrap(err, "create read buffers")
	}
	r.next = 0
	return nil
}

func (r *readIO) QueueAllUserBuffer() error {
	if !r.pool.Created() {
		return ErrPoolAbsent
	}
	return nil
}

// QueueSingleUserBuffer returns an in-flight buffer to the pool.
func (r *readIO) QueueSingleUserBuffer(index int) error {
	_, _, err := r.pool.transition(index, 0, FreeInPool, InFlightToConsumer)
	return err
}

func (r *readIO) ReadFrame() (BufferHandle, error) {
	gen := r.pool.Generation()
	index, data, err := r.pool.takeFree(r.next)
	if err == ErrNoFreeBuffer {
		return BufferHandle{}, r.drain()
	}
	if err != nil {
		return BufferHandle{}, err
	}

	n, err := r.dev.Read(data)
	if err == nil && n == 0 {
		err = errors.Wrap(ErrNoData, "read returned 0 bytes")
	}
	if err != nil {
		r.pool.transition(index, gen, FreeInPool, InFlightToConsumer)
		return BufferHandle{}, err
	}

	r.next = (index + 1) % r.pool.Len()
	return BufferHandle{Index: index, BytesUsed: n, gen: gen}, nil
}

// drain reads a frame into the discard buffer. It reports ErrNoFreeBuffer
// when a frame was consumed and lost.
func (r *readIO) drain() error {
	if len(r.discard) == 0 {
		return ErrNoFreeBuffer
	}
	if _, err := r.dev.Read(r.discard); err != nil {
		if err == v4l2.ErrWouldBlock {
			return err
		}
		return errors.Wrap(err, "drain")
	}
	return ErrNoFreeBuffer
}

func (r *readIO) GetFrameData(h BufferHandle) ([]byte, error) {
	return r.pool.view(h.Index, h.gen, h.BytesUsed)
}

func (r *readIO) DeleteAllUserBuffer() error {
	r.pool.teardown()
	r.next = 0
	return nil
}
