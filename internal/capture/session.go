package capture

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/xerrors"

	"github.com/lanikai/alohacapture/internal/logging"
	"github.com/lanikai/alohacapture/internal/metrics"
	"github.com/lanikai/alohacapture/internal/v4l2"
)

const (
	// Readiness wait per iteration in blocking mode.
	readyTimeout = time.Second

	// Pause after a failed readiness wait, so a persistent poll error does
	// not spin.
	waitErrorBackoff = 10 * time.Millisecond

	// StopStream polls for the loop and then the consumer this often, this
	// many times in all, before giving up (about 3 s).
	stopPollInterval = 10 * time.Millisecond
	stopPollAttempts = 300
	stopTimeout      = stopPollAttempts * stopPollInterval
)

// Config describes one stream. The format comes from the device façade and
// is immutable while the stream runs.
type Config struct {
	// Label for logs and metrics.
	Name string

	Method      IOMethod
	BufferCount int
	Format      v4l2.Format

	// Wait for readiness with poll() before each dequeue. When false the
	// device must have been opened non-blocking.
	Blocking bool

	// Handoff queue capacity. Must be below BufferCount so the driver
	// always keeps at least one buffer.
	QueueSize int

	Logging bool
}

func (c Config) validate() error {
	switch {
	case c.BufferCount < 2 || c.BufferCount > MaxBuffers:
		return errors.Wrapf(ErrInvalidConfig, "buffer count %d not in [2, %d]", c.BufferCount, MaxBuffers)
	case c.QueueSize < 1 || c.QueueSize >= c.BufferCount:
		return errors.Wrapf(ErrInvalidConfig, "queue size %d not in [1, %d)", c.QueueSize, c.BufferCount)
	case c.Format.SizeImage == 0:
		return errors.Wrapf(ErrInvalidConfig, "format %v has no payload size", c.Format)
	}
	return nil
}

// Observer is told the id of every frame that does not reach the consumer,
// either because delivery is suppressed or because the frame was dropped.
// It is called on the capture goroutine and must not block.
type Observer interface {
	FrameID(id uint64)
}

type ObserverFunc func(id uint64)

func (f ObserverFunc) FrameID(id uint64) { f(id) }

// observerBox keeps the atomic.Value's concrete type fixed.
type observerBox struct{ Observer }

var nopObserver = ObserverFunc(func(uint64) {})

// Session binds one buffer pool, one device and one I/O strategy, and runs
// the capture loop between StartStream and StopStream.
type Session struct {
	cfg  Config
	dev  Device
	pool *Pool
	io   Strategy
	log  *logging.Logger

	// Serializes lifecycle operations.
	lifecycle sync.Mutex

	// Held for reading while a done token returns a buffer, and for writing
	// while buffers are reclaimed or deleted.
	streamMu sync.RWMutex

	state    int32 // LoopState
	running  int32
	delivery int32
	done     chan struct{}

	handoff  atomic.Value // *Handoff
	observer atomic.Value // observerBox

	stats *Statistics
	diag  *diagnostics

	// Owned by the capture goroutine.
	frameID uint64
	lastSeq uint32
	haveSeq bool
}

func NewSession(dev Device, cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "video"
	}

	s := &Session{
		cfg:      cfg,
		dev:      dev,
		pool:     new(Pool),
		log:      log,
		delivery: 1,
		stats:    newStatistics(),
		diag:     newDiagnostics(),
	}
	if !cfg.Logging {
		s.log = log.WithLevel(logging.Off)
	}

	var err error
	if s.io, err = newStrategy(cfg.Method, dev, s.pool); err != nil {
		return nil, err
	}

	h := NewHandoff(cfg.QueueSize)
	h.Close()
	s.handoff.Store(h)
	s.observer.Store(observerBox{nopObserver})
	return s, nil
}

func (s *Session) Config() Config        { return s.cfg }
func (s *Session) Pool() *Pool           { return s.pool }
func (s *Session) Stats() *Statistics    { return s.stats }
func (s *Session) State() LoopState      { return LoopState(atomic.LoadInt32(&s.state)) }
func (s *Session) setState(st LoopState) { atomic.StoreInt32(&s.state, int32(st)) }

// BufferState reports the ownership state of one pool slot.
func (s *Session) BufferState(index int) (BufferState, error) {
	return s.pool.State(index)
}

// SetObserver installs the frame-id notification sink. nil removes it.
func (s *Session) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver
	}
	s.observer.Store(observerBox{o})
}

// SetDeliveryEnabled suppresses or resumes delivery to the consumer. While
// suppressed, frames are counted and their ids reported to the observer,
// and buffers go straight back to the driver.
func (s *Session) SetDeliveryEnabled(on bool) {
	var v int32
	if on {
		v = 1
	}
	atomic.StoreInt32(&s.delivery, v)
}

// Frames is the consumer side of the current stream's handoff queue. It is
// closed when the stream stops; call it again after a restart.
func (s *Session) Frames() <-chan *Frame {
	return s.handoff.Load().(*Handoff).Frames()
}

// CreateUserBuffer builds the pool for the configured method.
func (s *Session) CreateUserBuffer() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.createUserBuffer()
}

func (s *Session) createUserBuffer() error {
	if s.State() == Running || s.State() == Draining {
		return ErrStreamRunning
	}
	return s.io.CreateAllUserBuffer(s.cfg.BufferCount, int(s.cfg.Format.SizeImage))
}

func (s *Session) QueueAllUserBuffer() error {
	return s.io.QueueAllUserBuffer()
}

func (s *Session) QueueSingleUserBuffer(index int) error {
	return s.io.QueueSingleUserBuffer(index)
}

// DeleteUserBuffer releases the pool. Safe to call when no pool exists.
func (s *Session) DeleteUserBuffer() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() == Running || s.State() == Draining {
		return ErrStreamRunning
	}
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.io.DeleteAllUserBuffer()
}

// StartStream creates and queues the buffers if needed, starts the driver
// and spawns the capture loop. All counters restart from zero.
func (s *Session) StartStream() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if st := s.State(); st == Running || st == Draining {
		return ErrStreamRunning
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return errors.Wrap(ErrStreamRunning, "previous capture loop has not exited")
		}
	}

	if !s.pool.Created() {
		if err := s.createUserBuffer(); err != nil {
			return err
		}
	}
	if s.pool.Count(QueuedToKernel) == 0 {
		if err := s.io.QueueAllUserBuffer(); err != nil {
			s.abortStart()
			return errors.Wrap(err, "queue buffers")
		}
	}
	if s.io.streaming() {
		if err := s.dev.StreamOn(); err != nil {
			s.abortStart()
			return err
		}
	}

	if r, ok := s.io.(*readIO); ok {
		r.discard = make([]byte, s.cfg.Format.SizeImage)
	}

	s.stats.reset()
	s.diag.reset()
	s.frameID = 0
	s.haveSeq = false

	h := NewHandoff(s.cfg.QueueSize)
	s.handoff.Store(h)

	s.done = make(chan struct{})
	atomic.StoreInt32(&s.running, 1)
	s.setState(Running)
	go s.loop(h, s.done)

	s.log.Info("%s: streaming %v via %v, %d buffers, queue %d",
		s.cfg.Name, s.cfg.Format, s.cfg.Method, s.pool.Len(), s.cfg.QueueSize)
	return nil
}

// abortStart undoes a partial QueueAll or a failed STREAMON.
func (s *Session) abortStart() {
	if s.io.streaming() {
		if err := s.dev.StreamOff(); err != nil {
			s.log.Debug("%s: streamoff after failed start: %v", s.cfg.Name, err)
		}
	}
	s.streamMu.Lock()
	s.pool.reclaim()
	s.streamMu.Unlock()
}

// StopStream stops the consumer feed, waits for the capture loop to finish
// its iteration and for the consumer to return its frames, then stops the
// driver. Buffers stay allocated; call DeleteUserBuffer afterwards. Calling
// it on a stream that is not running does nothing.
func (s *Session) StopStream() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() != Running {
		return nil
	}
	s.setState(Draining)
	atomic.StoreInt32(&s.running, 0)

	// Consumer first: nothing new is accepted and unclaimed frames go back.
	h := s.handoff.Load().(*Handoff)
	if n := h.Close(); n > 0 {
		s.log.Debug("%s: flushed %d pending frames", s.cfg.Name, n)
	}

	var err error
	deadline := time.Now().Add(stopTimeout)
	if !waitUntil(deadline, func() bool { return isClosed(s.done) }) {
		err = errors.Wrap(ErrStopTimeout, "capture loop")
	} else if !waitUntil(deadline, func() bool { return s.pool.Count(InFlightToConsumer) == 0 }) {
		err = errors.Wrapf(ErrStopTimeout, "consumer still holds %d frames", s.pool.Count(InFlightToConsumer))
	}

	s.streamMu.Lock()
	if s.io.streaming() {
		if serr := s.dev.StreamOff(); serr != nil {
			s.log.Warn("%s: %v", s.cfg.Name, serr)
		}
	}
	if held := s.pool.reclaim(); held > 0 {
		s.log.Warn("%s: reclaimed %d buffers from the consumer", s.cfg.Name, held)
	}
	if r, ok := s.io.(*readIO); ok {
		r.discard = nil
	}
	s.setState(Stopped)
	s.streamMu.Unlock()
	metrics.SetQueueDepth(s.cfg.Name, 0)

	c := s.stats.Snapshot()
	s.log.Info("%s: stopped (received %d, rendered %d, dropped %d)",
		s.cfg.Name, c.Received, c.Rendered, c.Dropped)
	if err != nil {
		s.log.Error("%s: %v", s.cfg.Name, err)
	}
	return err
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(deadline time.Time, cond func() bool) bool {
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(stopPollInterval)
	}
	return cond()
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (s *Session) loop(h *Handoff, done chan struct{}) {
	defer close(done)
	defer atomic.CompareAndSwapInt32(&s.state, int32(Draining), int32(Stopped))

	for atomic.LoadInt32(&s.running) == 1 {
		s.iterate(h)
	}
}

// iterate runs one pass of the capture loop: wait, dequeue, then deliver,
// drop or resubmit.
func (s *Session) iterate(h *Handoff) {
	if s.cfg.Blocking {
		ready, err := s.dev.WaitReadable(readyTimeout)
		if err != nil {
			s.recordError(err)
			time.Sleep(waitErrorBackoff)
			return
		}
		if !ready {
			return
		}
	}

	hd, err := s.io.ReadFrame()
	if err != nil {
		switch {
		case xerrors.Is(err, v4l2.ErrWouldBlock):
			runtime.Gosched()
		case xerrors.Is(err, ErrNoFreeBuffer):
			id := s.received()
			s.dropped(id, metrics.DropNoBuffer)
		default:
			s.recordError(err)
		}
		return
	}

	id := s.received()
	s.checkSequence(hd)

	if hd.Flags&v4l2.BufFlagError != 0 {
		s.log.Debug("%s: frame %d: %v", s.cfg.Name, id, ErrFlagged)
		s.drop(hd, id, metrics.DropFlagged)
		return
	}

	if atomic.LoadInt32(&s.delivery) == 0 {
		s.notify(id)
		s.resubmit(hd.Index)
		return
	}

	data, err := s.io.GetFrameData(hd)
	if err != nil {
		reason := metrics.DropInvalid
		if xerrors.Is(err, ErrFrameOverrun) {
			reason = metrics.DropOverrun
		}
		s.log.Debug("%s: frame %d: %v", s.cfg.Name, id, err)
		s.drop(hd, id, reason)
		return
	}

	f := &Frame{
		id:        id,
		index:     hd.Index,
		sequence:  hd.Sequence,
		timestamp: hd.Timestamp,
		format:    s.cfg.Format,
		data:      data,
		gen:       hd.gen,
		done:      s.frameDone,
		pool:      s.pool,
	}
	if !h.Enqueue(f) {
		s.drop(hd, id, metrics.DropQueueFull)
		return
	}
	metrics.SetQueueDepth(s.cfg.Name, h.Len())
}

func (s *Session) received() uint64 {
	s.frameID++
	s.stats.frameReceived()
	metrics.RecordReceived(s.cfg.Name)
	return s.frameID
}

func (s *Session) checkSequence(hd BufferHandle) {
	if s.io.Method() == MethodRead {
		return
	}
	if s.haveSeq && hd.Sequence > s.lastSeq+1 {
		gap := hd.Sequence - s.lastSeq - 1
		s.stats.sequenceGap(gap)
		s.log.Debug("%s: driver skipped %d frames before sequence %d", s.cfg.Name, gap, hd.Sequence)
	}
	s.lastSeq = hd.Sequence
	s.haveSeq = true
}

func (s *Session) notify(id uint64) {
	s.observer.Load().(observerBox).FrameID(id)
}

func (s *Session) dropped(id uint64, reason string) {
	s.stats.frameDropped()
	metrics.RecordDropped(s.cfg.Name, reason)
	s.notify(id)
}

// drop counts a frame as lost and gives its buffer straight back.
func (s *Session) drop(hd BufferHandle, id uint64, reason string) {
	s.dropped(id, reason)
	s.resubmit(hd.Index)
}

func (s *Session) resubmit(index int) {
	if err := s.io.QueueSingleUserBuffer(index); err != nil {
		s.recordError(err)
	}
}

func (s *Session) recordError(err error) {
	s.diag.record(err)
	metrics.RecordError(s.cfg.Name)
	s.log.Debug("%s: %v", s.cfg.Name, err)
}

// frameDone is the done token behind every Frame.
func (s *Session) frameDone(f *Frame, rendered bool) {
	if rendered {
		s.stats.frameRendered()
		metrics.RecordRendered(s.cfg.Name)
	}
	if s.State() == Running {
		metrics.SetQueueDepth(s.cfg.Name, s.handoff.Load().(*Handoff).Len())
	}

	s.streamMu.RLock()
	defer s.streamMu.RUnlock()

	if s.pool.Generation() != f.gen {
		s.log.Debug("%s: frame %d released after its pool was deleted", s.cfg.Name, f.id)
		return
	}
	if s.State() == Running {
		if err := s.io.QueueSingleUserBuffer(f.index); err != nil {
			s.recordError(err)
		}
		return
	}
	if _, _, err := s.pool.transition(f.index, f.gen, FreeInPool, InFlightToConsumer); err != nil {
		s.log.Debug("%s: frame %d: %v", s.cfg.Name, f.id, err)
	}
}

// GetReceivedFramesCount returns frames received since the last call.
func (s *Session) GetReceivedFramesCount() uint64 { return s.stats.Received() }

// GetRenderedFramesCount returns frames released by the consumer since the
// last call.
func (s *Session) GetRenderedFramesCount() uint64 { return s.stats.Rendered() }

func (s *Session) GetDroppedFramesCount() uint64 { return s.stats.Dropped() }
func (s *Session) ResetDroppedFramesCount()      { s.stats.ResetDropped() }

func (s *Session) FPS() float64 {
	fps := s.stats.FPS()
	metrics.SetFPS(s.cfg.Name, fps)
	return fps
}

// Errors returns how often each distinct transient error occurred in the
// current stream.
func (s *Session) Errors() map[string]int {
	return s.diag.snapshot()
}

// LastError is the most recent transient error and the total count.
func (s *Session) LastError() (error, uint64) {
	return s.diag.lastError()
}
