package preview

import (
	"image"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/alohacapture/internal/color"
	"github.com/lanikai/alohacapture/internal/v4l2"
)

const (
	snapshotTimeout = 2 * time.Second
	snapshotQuality = 85
)

var ErrUnsupportedFormat = errors.New("preview: snapshots need YUYV frames")

type snapshot struct {
	img *image.YCbCr
	err error
}

// ServeSnapshot answers with the next dispatched frame as a JPEG.
func (h *Hub) ServeSnapshot(w http.ResponseWriter, r *http.Request) {
	reply := make(chan snapshot, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	h.snapshots = append(h.snapshots, reply)
	h.mu.Unlock()

	var s snapshot
	select {
	case s = <-reply:
	case <-time.After(snapshotTimeout):
		h.cancelSnapshot(reply)
		http.Error(w, "no frame", http.StatusGatewayTimeout)
		return
	case <-r.Context().Done():
		h.cancelSnapshot(reply)
		return
	}

	switch {
	case s.err == ErrClosed:
		http.Error(w, s.err.Error(), http.StatusServiceUnavailable)
		return
	case s.err != nil:
		http.Error(w, s.err.Error(), http.StatusUnsupportedMediaType)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	if err := jpeg.Encode(w, s.img, &jpeg.Options{Quality: snapshotQuality}); err != nil {
		log.Debug("snapshot: %v", err)
	}
}

func (h *Hub) cancelSnapshot(reply chan snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.snapshots {
		if c == reply {
			h.snapshots = append(h.snapshots[:i], h.snapshots[i+1:]...)
			return
		}
	}
}

// takeSnapshots answers every waiting snapshot request from f. Called with
// h.mu held, before f can be released.
func (h *Hub) takeSnapshots(f Frame) {
	if len(h.snapshots) == 0 {
		return
	}
	s := decode(f)
	for _, reply := range h.snapshots {
		reply <- s
	}
	h.snapshots = nil
}

// decode copies f into a planar image the JPEG encoder accepts.
func decode(f Frame) snapshot {
	format := f.Format()
	if format.PixelFormat != v4l2.PixFmtYUYV {
		return snapshot{err: errors.Wrapf(ErrUnsupportedFormat, "got %s", v4l2.FourCCString(format.PixelFormat))}
	}
	src, err := color.WrapYUYV(f.Bytes(), int(format.Width), int(format.Height), int(format.BytesPerLine))
	if err != nil {
		return snapshot{err: err}
	}
	dst := image.NewYCbCr(src.Rect, image.YCbCrSubsampleRatio420)
	color.YUYVToYUV420P(dst, src)
	return snapshot{img: dst}
}
