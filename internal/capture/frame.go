package capture

import (
	"sync/atomic"
	"time"

	"github.com/lanikai/alohacapture/internal/v4l2"
)

// Frame is a view over one in-flight UserBuffer, valid from dequeue until
// its done token fires. The bytes must not be touched after that; copy them
// if they are needed longer.
//
// The done token fires exactly once, either through Release or when the
// last stage claimed with Claim calls Finish. A consumer fanning a frame out
// must Claim every stage before handing it to any of them.
type Frame struct {
	id        uint64
	index     int
	sequence  uint32
	timestamp time.Time
	format    v4l2.Format
	data      []byte

	gen     uint64
	done    func(f *Frame, rendered bool)
	pool    *Pool
	settled int32
}

func (f *Frame) ID() uint64           { return f.id }
func (f *Frame) Index() int           { return f.index }
func (f *Frame) Sequence() uint32     { return f.sequence }
func (f *Frame) Timestamp() time.Time { return f.timestamp }
func (f *Frame) Format() v4l2.Format  { return f.format }
func (f *Frame) Bytes() []byte        { return f.data }

// Release hands the buffer back to the capture pipeline and counts the
// frame as rendered. Calls after the first are ignored.
func (f *Frame) Release() {
	f.settle(true)
}

// Claim marks stage (0-31) as holding the frame.
func (f *Frame) Claim(stage uint) error {
	return f.pool.claim(f.index, f.gen, stage)
}

// Finish clears stage's claim. The last Finish releases the frame.
func (f *Frame) Finish(stage uint) {
	remaining, err := f.pool.finish(f.index, f.gen, stage)
	if err != nil {
		log.Warn("frame %d: %v", f.id, err)
		return
	}
	if remaining == 0 {
		f.settle(true)
	}
}

// discard returns the buffer without counting the frame as rendered.
func (f *Frame) discard() {
	f.settle(false)
}

func (f *Frame) settle(rendered bool) {
	if !atomic.CompareAndSwapInt32(&f.settled, 0, 1) {
		log.Warn("frame %d (buffer %d) released more than once", f.id, f.index)
		return
	}
	f.done(f, rendered)
}
