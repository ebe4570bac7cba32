package capture

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/alohacapture/internal/metrics"
	"github.com/lanikai/alohacapture/internal/v4l2"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

func testConfig(method IOMethod, count, size int) Config {
	return Config{
		Name:        "test",
		Method:      method,
		BufferCount: count,
		QueueSize:   count - 1,
		Format: v4l2.Format{
			PixelFormat: v4l2.PixFmtYUYV,
			Width:       128,
			Height:      uint32(size / 256),
			SizeImage:   uint32(size),
		},
	}
}

func newTestSession(t *testing.T, dev *fakeDevice, cfg Config) *Session {
	s, err := NewSession(dev, cfg)
	require.NoError(t, err)
	return s
}

// consume releases every delivered frame and records its id.
func consume(s *Session) (ids func() []uint64, wait func()) {
	var mu sync.Mutex
	var got []uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for f := range s.Frames() {
			mu.Lock()
			got = append(got, f.ID())
			mu.Unlock()
			f.Release()
		}
	}()
	return func() []uint64 {
			mu.Lock()
			defer mu.Unlock()
			return append([]uint64(nil), got...)
		}, func() {
			<-done
		}
}

func TestSessionConfigValidation(t *testing.T) {
	dev := newFakeDevice(64)

	cfg := testConfig(MethodMMAP, 4, 65536)
	cfg.QueueSize = 4
	_, err := NewSession(dev, cfg)
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err), "queue must leave the driver a buffer")

	cfg = testConfig(MethodMMAP, MaxBuffers+1, 65536)
	_, err = NewSession(dev, cfg)
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err))

	cfg = testConfig(MethodMMAP, 4, 65536)
	cfg.Format.SizeImage = 0
	_, err = NewSession(dev, cfg)
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err))

	cfg = testConfig(IOMethod(9), 4, 65536)
	_, err = NewSession(dev, cfg)
	assert.Equal(t, ErrInvalidConfig, errors.Cause(err))
}

func TestSessionBufferLifecycle(t *testing.T) {
	dev := newFakeDevice(65536)
	s := newTestSession(t, dev, testConfig(MethodMMAP, 4, 65536))
	assert.Equal(t, Idle, s.State())

	require.NoError(t, s.CreateUserBuffer())
	require.NoError(t, s.QueueAllUserBuffer())
	for i := 0; i < 4; i++ {
		st, err := s.BufferState(i)
		require.NoError(t, err)
		assert.Equal(t, QueuedToKernel, st)
	}

	require.NoError(t, s.DeleteUserBuffer())
	assert.False(t, s.Pool().Created())
	assert.Zero(t, dev.mappedCount())
	assert.NoError(t, s.DeleteUserBuffer())
}

func TestSessionDeliversFrames(t *testing.T) {
	dev := newFakeDevice(65536)
	s := newTestSession(t, dev, testConfig(MethodMMAP, 4, 65536))

	require.NoError(t, s.StartStream())
	assert.Equal(t, Running, s.State())
	assert.True(t, dev.isStreaming())
	ids, wait := consume(s)

	for i := 1; i <= 10; i++ {
		dev.emit(1)
		n := uint64(i)
		require.Eventually(t, func() bool { return s.Stats().Snapshot().Rendered == n }, waitFor, tick)
	}

	c := s.Stats().Snapshot()
	assert.Equal(t, uint64(10), c.Received)
	assert.Equal(t, uint64(0), c.Dropped)

	require.NoError(t, s.StopStream())
	wait()
	assert.Equal(t, Stopped, s.State())
	assert.False(t, dev.isStreaming())
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, ids())

	assert.Equal(t, uint64(10), s.GetReceivedFramesCount())
	assert.Equal(t, uint64(0), s.GetReceivedFramesCount())
	assert.Equal(t, uint64(10), s.GetRenderedFramesCount())
	assert.Equal(t, uint64(0), s.GetDroppedFramesCount())
	assert.Equal(t, 4, s.Pool().Count(FreeInPool))

	require.NoError(t, s.DeleteUserBuffer())
	assert.Zero(t, dev.mappedCount())
}

func TestSessionOverrunIsDropped(t *testing.T) {
	dev := newFakeDevice(65536)
	dev.bytesUsed = func(uint32) int { return 70000 }
	s := newTestSession(t, dev, testConfig(MethodMMAP, 4, 65536))

	var mu sync.Mutex
	var observed []uint64
	s.SetObserver(ObserverFunc(func(id uint64) {
		mu.Lock()
		observed = append(observed, id)
		mu.Unlock()
	}))

	require.NoError(t, s.StartStream())
	dev.emit(1)

	require.Eventually(t, func() bool {
		return s.GetDroppedFramesCount() == 1 && s.Pool().Count(QueuedToKernel) == 4
	}, waitFor, tick)
	assert.Zero(t, len(s.Frames()))

	require.NoError(t, s.StopStream())
	mu.Lock()
	assert.Equal(t, []uint64{1}, observed)
	mu.Unlock()

	s.ResetDroppedFramesCount()
	assert.Zero(t, s.GetDroppedFramesCount())
}

func TestSessionFlaggedIsDropped(t *testing.T) {
	dev := newFakeDevice(1024)
	dev.flags = func(seq uint32) uint32 {
		if seq == 1 {
			return v4l2.BufFlagError
		}
		return 0
	}
	s := newTestSession(t, dev, testConfig(MethodMMAP, 4, 1024))
	require.NoError(t, s.StartStream())
	ids, wait := consume(s)

	dev.emit(3)
	require.Eventually(t, func() bool {
		c := s.Stats().Snapshot()
		return c.Received == 3 && c.Rendered == 2
	}, waitFor, tick)
	assert.Equal(t, uint64(1), s.GetDroppedFramesCount())

	require.NoError(t, s.StopStream())
	wait()
	assert.Equal(t, []uint64{1, 3}, ids())
}

func TestSessionQueueFull(t *testing.T) {
	dev := newFakeDevice(1024)
	cfg := testConfig(MethodMMAP, 6, 1024)
	cfg.QueueSize = 3
	s := newTestSession(t, dev, cfg)

	var mu sync.Mutex
	var observed []uint64
	s.SetObserver(ObserverFunc(func(id uint64) {
		mu.Lock()
		observed = append(observed, id)
		mu.Unlock()
	}))

	require.NoError(t, s.StartStream())

	// Nobody consumes: three frames fill the queue, two are refused.
	dev.emit(5)
	require.Eventually(t, func() bool {
		return s.Stats().Snapshot().Received == 5 && s.Pool().Count(QueuedToKernel) == 3
	}, waitFor, tick)
	assert.Equal(t, uint64(2), s.GetDroppedFramesCount())
	assert.Equal(t, 3, len(s.Frames()))
	assert.Equal(t, 3, s.Pool().Count(InFlightToConsumer))

	mu.Lock()
	assert.Equal(t, []uint64{4, 5}, observed)
	mu.Unlock()

	// Stopping flushes the queue without counting anything as rendered.
	require.NoError(t, s.StopStream())
	assert.Equal(t, uint64(0), s.GetRenderedFramesCount())
	assert.Equal(t, 6, s.Pool().Count(FreeInPool))
	_, ok := <-s.Frames()
	assert.False(t, ok)
}

func TestSessionIDsAreUnique(t *testing.T) {
	dev := newFakeDevice(1024)
	dev.bytesUsed = func(seq uint32) int {
		if seq%4 == 3 {
			return 0
		}
		return 1024
	}
	s := newTestSession(t, dev, testConfig(MethodMMAP, 4, 1024))

	var mu sync.Mutex
	var observed []uint64
	s.SetObserver(ObserverFunc(func(id uint64) {
		mu.Lock()
		observed = append(observed, id)
		mu.Unlock()
	}))

	require.NoError(t, s.StartStream())
	delivered, wait := consume(s)

	const total = 40
	for i := 0; i < total; i++ {
		if i == 20 {
			s.SetDeliveryEnabled(false)
		}
		if i == 30 {
			s.SetDeliveryEnabled(true)
		}
		dev.emit(1)
		n := uint64(i + 1)
		require.Eventually(t, func() bool {
			return s.Stats().Snapshot().Received == n && s.Pool().Count(QueuedToKernel) == 4
		}, waitFor, tick)
	}
	require.NoError(t, s.StopStream())
	wait()

	mu.Lock()
	defer mu.Unlock()

	seen := make(map[uint64]bool)
	for _, stream := range [][]uint64{delivered(), observed} {
		for i, id := range stream {
			if i > 0 {
				assert.Greater(t, id, stream[i-1])
			}
			assert.False(t, seen[id], "id %d reported twice", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, total)
	assert.Len(t, observed, 10+8, "ten suppressed, eight empty frames")
}

func TestSessionStopStream(t *testing.T) {
	dev := newFakeDevice(1024)
	s := newTestSession(t, dev, testConfig(MethodMMAP, 3, 1024))

	assert.NoError(t, s.StopStream(), "stop before start")
	assert.Equal(t, Idle, s.State())

	require.NoError(t, s.StartStream())
	assert.Equal(t, ErrStreamRunning, errors.Cause(s.StartStream()))
	assert.Equal(t, ErrStreamRunning, s.DeleteUserBuffer())

	require.NoError(t, s.StopStream())
	assert.NoError(t, s.StopStream())
	assert.Equal(t, Stopped, s.State())
	assert.NoError(t, s.DeleteUserBuffer())
}

func TestSessionRestart(t *testing.T) {
	dev := newFakeDevice(1024)
	s := newTestSession(t, dev, testConfig(MethodMMAP, 3, 1024))

	for round := 0; round < 2; round++ {
		require.NoError(t, s.StartStream())
		ids, wait := consume(s)
		dev.emit(2)
		require.Eventually(t, func() bool { return s.Stats().Snapshot().Rendered == 2 }, waitFor, tick)
		require.NoError(t, s.StopStream())
		wait()
		assert.Equal(t, []uint64{1, 2}, ids(), "round %d", round)
	}
	assert.Equal(t, 2, dev.streamOns)
	assert.Equal(t, []int{3}, dev.reqCalls, "pool survives a restart")
}

func TestSessionReleaseAfterStop(t *testing.T) {
	dev := newFakeDevice(1024)
	s := newTestSession(t, dev, testConfig(MethodMMAP, 3, 1024))
	require.NoError(t, s.StartStream())

	dev.emit(1)
	var f *Frame
	select {
	case f = <-s.Frames():
	case <-time.After(waitFor):
		t.Fatal("no frame delivered")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		f.Release()
	}()
	require.NoError(t, s.StopStream(), "stop waits for the consumer")
	assert.Equal(t, 3, s.Pool().Count(FreeInPool))
	assert.Empty(t, dev.queued())
}

func nextFrame(t *testing.T, s *Session) *Frame {
	select {
	case f, ok := <-s.Frames():
		require.True(t, ok, "frames closed")
		return f
	case <-time.After(waitFor):
		t.Fatal("no frame delivered")
	}
	return nil
}

func TestSessionStopTimeout(t *testing.T) {
	dev := newFakeDevice(1024)
	s := newTestSession(t, dev, testConfig(MethodMMAP, 3, 1024))
	require.NoError(t, s.StartStream())

	dev.emit(1)
	held := nextFrame(t, s)
	assert.Equal(t, 0, held.Index())

	start := time.Now()
	err := s.StopStream()
	assert.Equal(t, ErrStopTimeout, errors.Cause(err))
	assert.Less(t, int64(time.Since(start)), int64(stopTimeout+time.Second), "one deadline for the whole stop")
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, 3, s.Pool().Count(FreeInPool))

	// The reused pool hands buffer 0 to a new frame; the old token must not
	// give it back to the driver.
	require.NoError(t, s.StartStream())
	dev.emit(1)
	f := nextFrame(t, s)
	require.Equal(t, 0, f.Index())

	held.Release()
	st, err := s.BufferState(0)
	require.NoError(t, err)
	assert.Equal(t, InFlightToConsumer, st)
	assert.Equal(t, []int{1, 2}, dev.queued())

	f.Release()
	st, _ = s.BufferState(0)
	assert.Equal(t, QueuedToKernel, st)
	assert.Equal(t, []int{1, 2, 0}, dev.queued())
	lastErr, _ := s.LastError()
	assert.NoError(t, lastErr)

	require.NoError(t, s.StopStream())
	require.NoError(t, s.DeleteUserBuffer())
	assert.Zero(t, dev.mappedCount())
}

func TestSessionQueueDepth(t *testing.T) {
	dev := newFakeDevice(1024)
	cfg := testConfig(MethodMMAP, 3, 1024)
	cfg.Name = "depth"
	s := newTestSession(t, dev, cfg)
	depth := func() float64 { return testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("depth")) }

	require.NoError(t, s.StartStream())
	dev.emit(2)
	require.Eventually(t, func() bool { return depth() == 2 }, waitFor, tick)

	nextFrame(t, s).Release()
	assert.Equal(t, 1.0, depth())

	nextFrame(t, s).Release()
	assert.Equal(t, 0.0, depth())

	dev.emit(1)
	require.Eventually(t, func() bool { return depth() == 1 }, waitFor, tick)
	require.NoError(t, s.StopStream())
	assert.Equal(t, 0.0, depth())
}

func TestSessionStaleFrame(t *testing.T) {
	dev := newFakeDevice(1024)
	s := newTestSession(t, dev, testConfig(MethodMMAP, 2, 1024))

	require.NoError(t, s.CreateUserBuffer())
	old := s.Pool().Generation()
	require.NoError(t, s.DeleteUserBuffer())
	require.NoError(t, s.CreateUserBuffer())

	s.Pool().takeFree(0)
	f := &Frame{id: 1, index: 0, gen: old, pool: s.Pool(), done: s.frameDone}
	f.Release()

	st, err := s.BufferState(0)
	require.NoError(t, err)
	assert.Equal(t, InFlightToConsumer, st, "stale token must not touch the new pool")
}

func TestSessionBlocking(t *testing.T) {
	dev := newFakeDevice(1024)
	cfg := testConfig(MethodMMAP, 3, 1024)
	cfg.Blocking = true
	s := newTestSession(t, dev, cfg)

	require.NoError(t, s.StartStream())
	ids, wait := consume(s)
	dev.emit(3)
	require.Eventually(t, func() bool { return s.Stats().Snapshot().Rendered == 3 }, waitFor, tick)
	require.NoError(t, s.StopStream())
	wait()
	assert.Equal(t, []uint64{1, 2, 3}, ids())
}

func TestSessionUserPtr(t *testing.T) {
	dev := newFakeDevice(0)
	dev.bytesUsed = func(uint32) int { return 1000 }
	s := newTestSession(t, dev, testConfig(MethodUserPtr, 3, 1000))

	require.NoError(t, s.StartStream())
	assert.Equal(t, map[int]int{0: 1024, 1: 1024, 2: 1024}, dev.userptrs)

	dev.emit(1)
	select {
	case f := <-s.Frames():
		assert.Len(t, f.Bytes(), 1000)
		f.Release()
	case <-time.After(waitFor):
		t.Fatal("no frame delivered")
	}
	require.NoError(t, s.StopStream())
	require.NoError(t, s.DeleteUserBuffer())
	assert.Equal(t, []int{3, 0}, dev.reqCalls)
}

func TestSessionReadMethod(t *testing.T) {
	dev := newFakeDevice(0)
	dev.readLen = 500
	s := newTestSession(t, dev, testConfig(MethodRead, 2, 512))

	require.NoError(t, s.StartStream())
	assert.False(t, dev.isStreaming(), "read() needs no STREAMON")

	next := func() *Frame {
		select {
		case f := <-s.Frames():
			return f
		case <-time.After(waitFor):
			t.Fatal("no frame delivered")
		}
		return nil
	}

	dev.emit(1)
	f1 := next()
	assert.Len(t, f1.Bytes(), 500)
	dev.emit(1)
	f2 := next()

	// Both buffers are held; the device keeps draining and the frames are lost.
	dev.emit(3)
	require.Eventually(t, func() bool {
		return s.GetDroppedFramesCount() == 3
	}, waitFor, tick)
	assert.Equal(t, uint64(5), s.Stats().Snapshot().Received)
	assert.Equal(t, 5, dev.reads)

	f1.Release()
	f2.Release()
	assert.Equal(t, []uint64{1, 2}, []uint64{f1.ID(), f2.ID()})

	require.NoError(t, s.StopStream())
	assert.Equal(t, 2, s.Pool().Count(FreeInPool))
}

func TestSessionTransientErrors(t *testing.T) {
	dev := newFakeDevice(1024)
	s := newTestSession(t, dev, testConfig(MethodMMAP, 2, 1024))
	require.NoError(t, s.StartStream())

	// Simulate the driver losing the stream underneath the loop.
	dev.StreamOff()
	dev.emit(1)
	require.Eventually(t, func() bool {
		_, total := s.LastError()
		return total > 0
	}, waitFor, tick)

	err, _ := s.LastError()
	assert.Equal(t, errFakeEINVAL, err)
	assert.Contains(t, s.Errors(), errFakeEINVAL.Error())
	assert.Equal(t, Running, s.State(), "transient errors do not stop the loop")

	require.NoError(t, s.StopStream())
}
