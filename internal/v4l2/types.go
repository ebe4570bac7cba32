package v4l2

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Memory is the buffer memory method negotiated with REQBUFS.
type Memory uint32

const (
	MemoryMMAP    Memory = 1
	MemoryUserPtr Memory = 2
)

func (m Memory) String() string {
	switch m {
	case MemoryMMAP:
		return "MMAP"
	case MemoryUserPtr:
		return "USERPTR"
	default:
		return "Memory(?)"
	}
}

// BufType is the kernel buffer type of a capture queue.
type BufType uint32

const (
	BufTypeVideoCapture       BufType = 1
	BufTypeVideoCaptureMPlane BufType = 9
)

func (t BufType) String() string {
	switch t {
	case BufTypeVideoCapture:
		return "SINGLE_PLANE"
	case BufTypeVideoCaptureMPlane:
		return "MULTI_PLANE"
	default:
		return "BufType(?)"
	}
}

// Capability bits from struct v4l2_capability.
const (
	CapVideoCapture       = 0x00000001
	CapVideoCaptureMPlane = 0x00001000
	CapReadWrite          = 0x01000000
	CapStreaming          = 0x04000000
	CapDeviceCaps         = 0x80000000
)

// Buffer flags from struct v4l2_buffer.
const (
	BufFlagMapped = 0x00000001
	BufFlagQueued = 0x00000002
	BufFlagDone   = 0x00000004
	BufFlagError  = 0x00000040
)

const (
	FieldAny  = 0
	FieldNone = 1
)

// MaxFrames mirrors VIDEO_MAX_FRAME, the most buffers a driver will grant.
const MaxFrames = 32

var (
	// ErrWouldBlock is returned by non-blocking DQBUF and read() when no
	// frame is ready yet (EAGAIN).
	ErrWouldBlock = errors.New("v4l2: resource temporarily unavailable")

	ErrNotSupported = errors.New("v4l2: not supported")
)

// Format is the negotiated image format of a capture queue.
type Format struct {
	PixelFormat  uint32
	Width        uint32
	Height       uint32
	BytesPerLine uint32
	SizeImage    uint32
	Field        uint32
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dx%d", FourCCString(f.PixelFormat), f.Width, f.Height)
}

// BufferInfo is the userspace view of one struct v4l2_buffer returned by
// QUERYBUF or DQBUF. For multi-plane queues the length, offset and bytesused
// fields come from the first plane.
type BufferInfo struct {
	Index     int
	BytesUsed int
	Length    int
	Offset    int64
	Flags     uint32
	Sequence  uint32
	Timestamp time.Time
}

// Capabilities reported by VIDIOC_QUERYCAP.
type Capabilities struct {
	Driver  string
	Card    string
	BusInfo string
	Version uint32

	// Device capabilities if the driver reports them, otherwise the
	// physical device capabilities.
	Caps uint32
}

func (c Capabilities) Has(bits uint32) bool {
	return c.Caps&bits == bits
}
