package capture

import "sync"

// Handoff is the bounded queue between the capture loop and the consumer.
// Enqueue never blocks: when the queue is full the frame is refused and the
// caller drops it.
type Handoff struct {
	mu     sync.Mutex
	ch     chan *Frame
	closed bool
}

func NewHandoff(capacity int) *Handoff {
	if capacity < 1 {
		capacity = 1
	}
	return &Handoff{ch: make(chan *Frame, capacity)}
}

// Enqueue offers f to the consumer. It returns false if the queue is full or
// closed; f's buffer then still belongs to the caller.
func (h *Handoff) Enqueue(f *Frame) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	select {
	case h.ch <- f:
		return true
	default:
		return false
	}
}

// Frames is the consumer side. It is closed by Close.
func (h *Handoff) Frames() <-chan *Frame {
	return h.ch
}

func (h *Handoff) Len() int {
	return len(h.ch)
}

func (h *Handoff) Cap() int {
	return cap(h.ch)
}

// Close stops accepting frames, returns every frame the consumer has not
// picked up yet through its done token, and closes the channel. It returns
// the number of frames flushed.
func (h *Handoff) Close() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0
	}
	h.closed = true

	flushed := 0
	for {
		select {
		case f := <-h.ch:
			f.discard()
			flushed++
		default:
			close(h.ch)
			return flushed
		}
	}
}
