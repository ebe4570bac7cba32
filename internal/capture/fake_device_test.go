package capture

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacapture/internal/v4l2"
)

var errFakeEINVAL = errors.New("fake: invalid argument")

// fakeDevice stands in for a capture driver. Frames become available
// through emit; each one completes the oldest queued buffer.
type fakeDevice struct {
	mu sync.Mutex

	bufLen int // QUERYBUF length
	grant  int // cap on REQBUFS, 0 for no cap

	requested int
	reqCalls  []int
	mapped    int
	mapFailAt int // index whose MapBuffer fails, -1 for none

	queue     []int
	userptrs  map[int]int // index -> registered length
	streaming bool
	streamOns int

	pending  int
	sequence uint32

	// Scripted payloads. Default: bufLen for streaming, readLen for read().
	bytesUsed func(seq uint32) int
	flags     func(seq uint32) uint32
	readLen   int
	reads     int
}

func newFakeDevice(bufLen int) *fakeDevice {
	return &fakeDevice{
		bufLen:    bufLen,
		mapFailAt: -1,
		userptrs:  make(map[int]int),
		readLen:   bufLen,
	}
}

func (d *fakeDevice) emit(n int) {
	d.mu.Lock()
	d.pending += n
	d.mu.Unlock()
}

func (d *fakeDevice) queued() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.queue...)
}

func (d *fakeDevice) mappedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapped
}

func (d *fakeDevice) isStreaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

func (d *fakeDevice) RequestBuffers(count int, mem v4l2.Memory) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reqCalls = append(d.reqCalls, count)
	if count == 0 {
		if d.mapped > 0 {
			return 0, errors.New("fake: device busy, buffers still mapped")
		}
		d.requested = 0
		d.queue = nil
		d.userptrs = make(map[int]int)
		return 0, nil
	}
	if d.grant > 0 && count > d.grant {
		count = d.grant
	}
	d.requested = count
	return count, nil
}

func (d *fakeDevice) QueryBuffer(index int, mem v4l2.Memory) (v4l2.BufferInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if index >= d.requested {
		return v4l2.BufferInfo{}, errFakeEINVAL
	}
	return v4l2.BufferInfo{Index: index, Length: d.bufLen, Offset: int64(index) * 4096}, nil
}

func (d *fakeDevice) MapBuffer(offset int64, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mapFailAt >= 0 && offset == int64(d.mapFailAt)*4096 {
		return nil, errors.New("fake: mmap failed")
	}
	d.mapped++
	return make([]byte, length), nil
}

func (d *fakeDevice) UnmapBuffer(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mapped--
	return nil
}

func (d *fakeDevice) QueueBuffer(index int, mem v4l2.Memory, userptr []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if index >= d.requested {
		return errFakeEINVAL
	}
	for _, i := range d.queue {
		if i == index {
			return errFakeEINVAL
		}
	}
	if mem == v4l2.MemoryUserPtr {
		if len(userptr) == 0 {
			return errFakeEINVAL
		}
		d.userptrs[index] = len(userptr)
	}
	d.queue = append(d.queue, index)
	return nil
}

func (d *fakeDevice) DequeueBuffer(mem v4l2.Memory) (v4l2.BufferInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.streaming {
		return v4l2.BufferInfo{}, errFakeEINVAL
	}
	if d.pending == 0 || len(d.queue) == 0 {
		return v4l2.BufferInfo{}, v4l2.ErrWouldBlock
	}
	d.pending--
	index := d.queue[0]
	d.queue = d.queue[1:]

	seq := d.sequence
	d.sequence++
	info := v4l2.BufferInfo{
		Index:     index,
		Length:    d.bufLen,
		BytesUsed: d.bufLen,
		Sequence:  seq,
		Timestamp: time.Now(),
	}
	if d.bytesUsed != nil {
		info.BytesUsed = d.bytesUsed(seq)
	}
	if d.flags != nil {
		info.Flags = d.flags(seq)
	}
	return info, nil
}

func (d *fakeDevice) StreamOn() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streaming = true
	d.streamOns++
	return nil
}

// StreamOff takes every buffer back from the queue, as the kernel does.
func (d *fakeDevice) StreamOff() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streaming = false
	d.queue = nil
	return nil
}

func (d *fakeDevice) WaitReadable(timeout time.Duration) (bool, error) {
	d.mu.Lock()
	ready := d.pending > 0 && (len(d.queue) > 0 || d.requested == 0)
	d.mu.Unlock()
	if ready {
		return true, nil
	}
	if timeout > time.Millisecond {
		timeout = time.Millisecond
	}
	time.Sleep(timeout)
	return false, nil
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending == 0 {
		return 0, v4l2.ErrWouldBlock
	}
	d.pending--
	d.reads++
	n := d.readLen
	if n > len(p) {
		n = len(p)
	}
	for i := 0; i < n; i++ {
		p[i] = byte(d.reads)
	}
	return n, nil
}
