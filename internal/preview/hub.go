// Package preview fans captured frames out to websocket clients.
//
// Every client is one downstream stage of a frame: the hub claims a stage
// per client before handing the frame out, and the frame goes back to the
// capture pipeline when the last client has written it.
package preview

import (
	"encoding/binary"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/lanikai/alohacapture/internal/metrics"
	"github.com/lanikai/alohacapture/internal/v4l2"
)

// MaxViewers is the number of claim stages a frame carries.
const MaxViewers = 32

// HeaderSize is the length of the little-endian header in front of every
// binary message: frame id (8), width, height, pixel format, payload
// length (4 each).
const HeaderSize = 24

const writeTimeout = time.Second

var ErrClosed = errors.New("preview: hub closed")

// Frame is what the hub needs from a captured frame.
type Frame interface {
	ID() uint64
	Format() v4l2.Format
	Bytes() []byte
	Claim(stage uint) error
	Finish(stage uint)
	Release()
}

type viewer struct {
	stage   uint
	conn    *websocket.Conn
	frames  chan Frame
	quit    chan struct{}
	closing bool
}

// Hub is an http.Handler upgrading clients to websockets and a sink for
// frames via Dispatch.
type Hub struct {
	name     string
	upgrader websocket.Upgrader

	mu      sync.Mutex
	viewers [MaxViewers]*viewer
	count   int
	closed  bool
	writers sync.WaitGroup

	// Pending ServeSnapshot requests, answered by the next Dispatch.
	snapshots []chan snapshot
}

func NewHub(name string) *Hub {
	return &Hub{
		name: name,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Viewers returns the number of connected clients.
func (h *Hub) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	full := h.count == MaxViewers
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	if full {
		http.Error(w, "too many viewers", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade: %v", err)
		return
	}
	defer conn.Close()

	v, err := h.register(conn)
	if err != nil {
		log.Warn("%s: %v", r.RemoteAddr, err)
		return
	}
	log.Info("viewer %d connected from %s", v.stage, r.RemoteAddr)

	// Clients have nothing to say; reading only notices the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			log.Debug("viewer %d: %v", v.stage, err)
			break
		}
	}
	h.unregister(v)
	log.Info("viewer %d disconnected", v.stage)
}

func (h *Hub) register(conn *websocket.Conn) (*viewer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	for i, slot := range h.viewers {
		if slot == nil {
			v := &viewer{
				stage:  uint(i),
				conn:   conn,
				frames: make(chan Frame, 1),
				quit:   make(chan struct{}),
			}
			h.viewers[i] = v
			h.count++
			metrics.SetViewers(h.name, h.count)

			h.writers.Add(1)
			go h.writer(v)
			return v, nil
		}
	}
	return nil, errors.New("preview: no free viewer slot")
}

// unregister stops dispatching to v. The slot is freed by v's writer once
// it has finished every frame it still holds.
func (h *Hub) unregister(v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if v.closing {
		return
	}
	v.closing = true
	close(v.quit)
}

func (h *Hub) writer(v *viewer) {
	defer h.writers.Done()
	defer func() {
		h.mu.Lock()
		h.viewers[v.stage] = nil
		h.count--
		metrics.SetViewers(h.name, h.count)
		h.mu.Unlock()
	}()

	for {
		select {
		case f := <-v.frames:
			if err := writeFrame(v.conn, f); err != nil {
				log.Debug("viewer %d: %v", v.stage, err)
				v.conn.Close()
			}
			f.Finish(v.stage)
		case <-v.quit:
			// Dispatch no longer sends to v; return what is left.
			for {
				select {
				case f := <-v.frames:
					f.Finish(v.stage)
				default:
					return
				}
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, f Frame) error {
	format := f.Format()
	data := f.Bytes()

	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:], f.ID())
	binary.LittleEndian.PutUint32(hdr[8:], format.Width)
	binary.LittleEndian.PutUint32(hdr[12:], format.Height)
	binary.LittleEndian.PutUint32(hdr[16:], format.PixelFormat)
	binary.LittleEndian.PutUint32(hdr[20:], uint32(len(data)))

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	w, err := conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Close()
}

// Dispatch hands f to every connected viewer. A viewer that has not yet
// written its previous frame gets the newer one instead. Without viewers f
// is released at once.
func (h *Hub) Dispatch(f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.takeSnapshots(f)

	// Claim every stage before any writer can finish one.
	var claimed []*viewer
	for _, v := range h.viewers {
		if v == nil || v.closing {
			continue
		}
		if err := f.Claim(v.stage); err != nil {
			log.Debug("frame %d: %v", f.ID(), err)
			continue
		}
		claimed = append(claimed, v)
	}
	if len(claimed) == 0 {
		f.Release()
		return
	}

	for _, v := range claimed {
		select {
		case v.frames <- f:
			continue
		default:
		}

		// Drop the stale frame and offer the new one.
		select {
		case old := <-v.frames:
			old.Finish(v.stage)
			metrics.RecordSkipped(h.name)
		default:
		}
		select {
		case v.frames <- f:
		default:
			f.Finish(v.stage)
			metrics.RecordSkipped(h.name)
		}
	}
}

// Close disconnects every viewer and waits until their frames are
// finished.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for _, reply := range h.snapshots {
		reply <- snapshot{err: ErrClosed}
	}
	h.snapshots = nil
	for _, v := range h.viewers {
		if v != nil {
			v.conn.Close()
		}
	}
	h.mu.Unlock()

	h.writers.Wait()
}
