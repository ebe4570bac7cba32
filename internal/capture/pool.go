package capture

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacapture/internal/v4l2"
)

// MaxBuffers bounds a pool. Drivers never grant more than VIDEO_MAX_FRAME.
const MaxBuffers = v4l2.MaxFrames

// UserBuffer is one capture buffer and its ownership state.
type UserBuffer struct {
	Index int

	// Mapped from the device (MMAP) or allocated by us (USERPTR, READ).
	data []byte

	// Capacity in bytes, fixed at creation.
	length int

	state BufferState

	// Downstream stages that have claimed the buffer and not yet finished.
	processMap uint32
}

func (b *UserBuffer) Len() int { return b.length }

// Pool is the fixed set of UserBuffers backing one stream. It is created and
// destroyed as a whole. The mutex guards bookkeeping only and is never held
// across a device call.
type Pool struct {
	mu   sync.Mutex
	bufs []*UserBuffer

	// Bumped on every successful build and every reclaim, so done tokens
	// from before either can be told apart from current ones.
	gen uint64
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bufs)
}

func (p *Pool) Created() bool {
	return p.Len() > 0
}

func (p *Pool) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

// build allocates count buffers through alloc. If any allocation fails, the
// buffers allocated so far are handed to release and the pool stays absent.
func (p *Pool) build(count int, alloc func(index int) ([]byte, error), release func(b *UserBuffer)) error {
	if count <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "buffer count %d", count)
	}
	if count > MaxBuffers {
		return errors.Wrapf(ErrTooManyBuffers, "%d > %d", count, MaxBuffers)
	}
	if p.Created() {
		return ErrPoolExists
	}

	bufs := make([]*UserBuffer, 0, count)
	rollback := func() {
		for _, b := range bufs {
			release(b)
		}
	}
	for i := 0; i < count; i++ {
		data, err := alloc(i)
		if err == nil && len(data) == 0 {
			err = errors.Wrapf(ErrNoData, "buffer %d", i)
		}
		if err != nil {
			rollback()
			return err
		}
		bufs = append(bufs, &UserBuffer{
			Index:  i,
			data:   data,
			length: len(data),
			state:  FreeInPool,
		})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.bufs) > 0 {
		rollback()
		return ErrPoolExists
	}
	p.bufs = bufs
	p.gen++
	return nil
}

// teardown empties the pool and returns the buffers so the caller can unmap
// or free them. Buffers still held by a consumer are reclaimed regardless.
func (p *Pool) teardown() []*UserBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	bufs := p.bufs
	p.bufs = nil
	for _, b := range bufs {
		if b.state == InFlightToConsumer {
			log.Warn("buffer %d still in flight at teardown", b.Index)
		}
	}
	return bufs
}

func (p *Pool) lookup(index int, gen uint64) (*UserBuffer, error) {
	if gen != 0 && gen != p.gen {
		return nil, errStaleGeneration
	}
	if len(p.bufs) == 0 {
		return nil, ErrPoolAbsent
	}
	if index < 0 || index >= len(p.bufs) {
		return nil, errors.Wrapf(ErrInvalidIndex, "index %d of %d", index, len(p.bufs))
	}
	return p.bufs[index], nil
}

// transition moves buffer index to state `to`, provided it is currently in
// one of `from`. It returns the previous state and the buffer's memory. A
// gen of zero matches any generation.
func (p *Pool) transition(index int, gen uint64, to BufferState, from ...BufferState) (BufferState, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := p.lookup(index, gen)
	if err != nil {
		return 0, nil, err
	}
	for _, s := range from {
		if b.state == s {
			prev := b.state
			b.state = to
			if to != InFlightToConsumer {
				b.processMap = 0
			}
			return prev, b.data, nil
		}
	}
	if b.state == QueuedToKernel && to == QueuedToKernel {
		return b.state, nil, errors.Wrapf(ErrAlreadyQueued, "buffer %d", index)
	}
	return b.state, nil, errors.Errorf("capture: buffer %d is %v, cannot become %v", index, b.state, to)
}

// takeFree marks the first free buffer at or after start (wrapping around)
// as in flight and returns it.
func (p *Pool) takeFree(start int) (int, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.bufs)
	if n == 0 {
		return 0, nil, ErrPoolAbsent
	}
	for i := 0; i < n; i++ {
		b := p.bufs[(start+i)%n]
		if b.state == FreeInPool {
			b.state = InFlightToConsumer
			return b.Index, b.data, nil
		}
	}
	return 0, nil, ErrNoFreeBuffer
}

// view returns the first n bytes of an in-flight buffer.
func (p *Pool) view(index int, gen uint64, n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := p.lookup(index, gen)
	if err != nil {
		return nil, err
	}
	if b.state != InFlightToConsumer {
		return nil, errors.Wrapf(ErrNotInFlight, "buffer %d is %v", index, b.state)
	}
	if b.data == nil || n <= 0 {
		return nil, errors.Wrapf(ErrNoData, "buffer %d, %d bytes", index, n)
	}
	if n > b.length {
		return nil, errors.Wrapf(ErrFrameOverrun, "buffer %d: %d > %d", index, n, b.length)
	}
	return b.data[:n:n], nil
}

// claim records that a downstream stage holds an in-flight buffer.
func (p *Pool) claim(index int, gen uint64, stage uint) error {
	if stage >= 32 {
		return errors.Errorf("capture: stage %d out of range", stage)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := p.lookup(index, gen)
	if err != nil {
		return err
	}
	if b.state != InFlightToConsumer {
		return errors.Wrapf(ErrNotInFlight, "buffer %d is %v", index, b.state)
	}
	b.processMap |= 1 << stage
	return nil
}

// finish clears a stage's claim and returns the stages still holding it.
func (p *Pool) finish(index int, gen uint64, stage uint) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := p.lookup(index, gen)
	if err != nil {
		return 0, err
	}
	if stage >= 32 || b.processMap&(1<<stage) == 0 {
		return b.processMap, errors.Errorf("capture: stage %d never claimed buffer %d", stage, index)
	}
	b.processMap &^= 1 << stage
	return b.processMap, nil
}

// State reports the ownership state of buffer index.
func (p *Pool) State(index int) (BufferState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := p.lookup(index, 0)
	if err != nil {
		return 0, err
	}
	return b.state, nil
}

// States is a snapshot of every slot's state, by index.
func (p *Pool) States() []BufferState {
	p.mu.Lock()
	defer p.mu.Unlock()

	states := make([]BufferState, len(p.bufs))
	for i, b := range p.bufs {
		states[i] = b.state
	}
	return states
}

// Count returns how many buffers are in state s.
func (p *Pool) Count(s BufferState) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, b := range p.bufs {
		if b.state == s {
			n++
		}
	}
	return n
}

// reclaim returns every buffer to the pool after STREAMOFF, which takes all
// buffers back from the driver. It returns how many were still held by a
// consumer; their frames are stale from here on.
func (p *Pool) reclaim() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.bufs) > 0 {
		p.gen++
	}
	held := 0
	for _, b := range p.bufs {
		if b.state == InFlightToConsumer {
			held++
		}
		b.state = FreeInPool
		b.processMap = 0
	}
	return held
}
