package capture

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	fpsWindow     = 2 * time.Second
	fpsMaxSamples = 256
)

// Statistics counts frames for one session. Received and rendered are
// read-and-clear; dropped accumulates until ResetDropped.
type Statistics struct {
	received     uint64
	rendered     uint64
	dropped      uint64
	sequenceGaps uint64

	mu     sync.Mutex
	stamps []time.Time // rendered events, oldest first
	now    func() time.Time
}

func newStatistics() *Statistics {
	return &Statistics{
		stamps: make([]time.Time, 0, fpsMaxSamples),
		now:    time.Now,
	}
}

func (s *Statistics) frameReceived() { atomic.AddUint64(&s.received, 1) }
func (s *Statistics) frameDropped()  { atomic.AddUint64(&s.dropped, 1) }

func (s *Statistics) sequenceGap(n uint32) {
	atomic.AddUint64(&s.sequenceGaps, uint64(n))
}

func (s *Statistics) frameRendered() {
	atomic.AddUint64(&s.rendered, 1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stamps) == fpsMaxSamples {
		copy(s.stamps, s.stamps[1:])
		s.stamps = s.stamps[:fpsMaxSamples-1]
	}
	s.stamps = append(s.stamps, s.now())
}

// Received returns the frames received since the last call and resets the
// count.
func (s *Statistics) Received() uint64 {
	return atomic.SwapUint64(&s.received, 0)
}

// Rendered returns the frames released by the consumer since the last call
// and resets the count.
func (s *Statistics) Rendered() uint64 {
	return atomic.SwapUint64(&s.rendered, 0)
}

func (s *Statistics) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

func (s *Statistics) ResetDropped() {
	atomic.StoreUint64(&s.dropped, 0)
}

// SequenceGaps counts frames the driver skipped, judged by gaps in the
// kernel sequence numbers.
func (s *Statistics) SequenceGaps() uint64 {
	return atomic.LoadUint64(&s.sequenceGaps)
}

// FPS is the rendered frame rate over the last two seconds.
func (s *Statistics) FPS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-fpsWindow)
	i := 0
	for i < len(s.stamps) && s.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		s.stamps = append(s.stamps[:0], s.stamps[i:]...)
	}

	n := len(s.stamps)
	if n < 2 {
		return 0
	}
	elapsed := s.stamps[n-1].Sub(s.stamps[0]).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(n-1) / elapsed
}

func (s *Statistics) reset() {
	atomic.StoreUint64(&s.received, 0)
	atomic.StoreUint64(&s.rendered, 0)
	atomic.StoreUint64(&s.dropped, 0)
	atomic.StoreUint64(&s.sequenceGaps, 0)

	s.mu.Lock()
	s.stamps = s.stamps[:0]
	s.mu.Unlock()
}

// Counters is a non-destructive snapshot.
type Counters struct {
	Received     uint64
	Rendered     uint64
	Dropped      uint64
	SequenceGaps uint64
}

func (s *Statistics) Snapshot() Counters {
	return Counters{
		Received:     atomic.LoadUint64(&s.received),
		Rendered:     atomic.LoadUint64(&s.rendered),
		Dropped:      atomic.LoadUint64(&s.dropped),
		SequenceGaps: atomic.LoadUint64(&s.sequenceGaps),
	}
}
