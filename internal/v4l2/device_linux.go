//go:build linux
// +build linux

package v4l2

import (
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Options control how a device node is opened.
type Options struct {
	// Open with O_NONBLOCK. DQBUF and read() then return ErrWouldBlock
	// instead of sleeping when no frame is ready.
	NonBlocking bool
}

// A V4L2 capture character device, usually "/dev/video0".
type Device struct {
	path string
	fd   int
	typ  BufType
	caps Capabilities
	opts Options
}

// Plane arrays handed to the kernel through v4l2_buffer.m are referenced by
// address only, so they must live on the heap for the duration of the ioctl.
var planePool = sync.Pool{
	New: func() interface{} { return new(v4l2Plane) },
}

func Open(path string, opts Options) (*Device, error) {
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if opts.NonBlocking {
		flags |= unix.O_NONBLOCK
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	dev := &Device{
		path: path,
		fd:   fd,
		opts: opts,
	}
	if err := dev.queryCapabilities(); err != nil {
		unix.Close(fd)
		return nil, err
	}

	switch {
	case dev.caps.Has(CapVideoCapture):
		dev.typ = BufTypeVideoCapture
	case dev.caps.Has(CapVideoCaptureMPlane):
		dev.typ = BufTypeVideoCaptureMPlane
	default:
		unix.Close(fd)
		return nil, errors.Wrapf(ErrNotSupported, "%s is not a capture device", path)
	}

	log.Debug("opened %s (%s, %s), type %v", path, dev.caps.Driver, dev.caps.Card, dev.typ)
	return dev, nil
}

func (dev *Device) Close() error {
	return unix.Close(dev.fd)
}

func (dev *Device) BufType() BufType           { return dev.typ }
func (dev *Device) Capabilities() Capabilities { return dev.caps }

func (dev *Device) ioctl(request uint, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(
			unix.SYS_IOCTL,
			uintptr(dev.fd),
			uintptr(request),
			uintptr(arg),
		)
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return ErrWouldBlock
		default:
			return errno
		}
	}
}

func (dev *Device) queryCapabilities() error {
	var c v4l2Capability
	if err := dev.ioctl(vidiocQuerycap, unsafe.Pointer(&c)); err != nil {
		return errors.Wrap(err, "VIDIOC_QUERYCAP")
	}
	dev.caps = Capabilities{
		Driver:  cstr(c.driver[:]),
		Card:    cstr(c.card[:]),
		BusInfo: cstr(c.busInfo[:]),
		Version: c.version,
		Caps:    c.capabilities,
	}
	if c.capabilities&CapDeviceCaps != 0 {
		dev.caps.Caps = c.deviceCaps
	}
	return nil
}

// Format returns the current format of the capture queue.
func (dev *Device) Format() (Format, error) {
	f := v4l2Format{typ: uint32(dev.typ)}
	if err := dev.ioctl(vidiocGFmt, unsafe.Pointer(&f)); err != nil {
		return Format{}, errors.Wrap(err, "VIDIOC_G_FMT")
	}
	return dev.unmarshalFormat(&f), nil
}

// SetFormat asks the driver for a format and returns what it settled on,
// which may differ from the request.
func (dev *Device) SetFormat(req Format) (Format, error) {
	f := v4l2Format{typ: uint32(dev.typ)}
	field := req.Field
	if field == 0 {
		field = FieldAny
	}
	if dev.typ == BufTypeVideoCaptureMPlane {
		pix := f.pixMPlane()
		pix.width = req.Width
		pix.height = req.Height
		pix.pixelformat = req.PixelFormat
		pix.field = field
		pix.numPlanes = 1
		pix.planeFmt[0].bytesperline = req.BytesPerLine
		pix.planeFmt[0].sizeimage = req.SizeImage
	} else {
		pix := f.pix()
		pix.width = req.Width
		pix.height = req.Height
		pix.pixelformat = req.PixelFormat
		pix.field = field
		pix.bytesperline = req.BytesPerLine
		pix.sizeimage = req.SizeImage
	}
	if err := dev.ioctl(vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return Format{}, errors.Wrapf(err, "VIDIOC_S_FMT %v", req)
	}
	return dev.unmarshalFormat(&f), nil
}

func (dev *Device) unmarshalFormat(f *v4l2Format) Format {
	if dev.typ == BufTypeVideoCaptureMPlane {
		pix := f.pixMPlane()
		return Format{
			PixelFormat:  pix.pixelformat,
			Width:        pix.width,
			Height:       pix.height,
			BytesPerLine: pix.planeFmt[0].bytesperline,
			SizeImage:    pix.planeFmt[0].sizeimage,
			Field:        pix.field,
		}
	}
	pix := f.pix()
	return Format{
		PixelFormat:  pix.pixelformat,
		Width:        pix.width,
		Height:       pix.height,
		BytesPerLine: pix.bytesperline,
		SizeImage:    pix.sizeimage,
		Field:        pix.field,
	}
}

// RequestBuffers issues VIDIOC_REQBUFS and returns the number of buffers the
// driver actually allocated. A count of zero releases all kernel buffers.
func (dev *Device) RequestBuffers(count int, mem Memory) (int, error) {
	rb := v4l2RequestBuffers{
		count:  uint32(count),
		typ:    uint32(dev.typ),
		memory: uint32(mem),
	}
	if err := dev.ioctl(vidiocReqbufs, unsafe.Pointer(&rb)); err != nil {
		return 0, errors.Wrapf(err, "VIDIOC_REQBUFS count=%d memory=%v", count, mem)
	}
	return int(rb.count), nil
}

// newBuffer prepares a v4l2_buffer for the device's queue type. For
// multi-plane queues it attaches a single plane, which the caller must hand
// back with releasePlane after the ioctl.
func (dev *Device) newBuffer(index int, mem Memory) (v4l2Buffer, *v4l2Plane) {
	b := v4l2Buffer{
		index:  uint32(index),
		typ:    uint32(dev.typ),
		memory: uint32(mem),
	}
	if dev.typ != BufTypeVideoCaptureMPlane {
		return b, nil
	}
	p := planePool.Get().(*v4l2Plane)
	*p = v4l2Plane{}
	b.m = uintptr(unsafe.Pointer(p))
	b.length = 1
	return b, p
}

func releasePlane(p *v4l2Plane) {
	if p != nil {
		runtime.KeepAlive(p)
		planePool.Put(p)
	}
}

func (dev *Device) bufferInfo(b *v4l2Buffer, p *v4l2Plane) BufferInfo {
	info := BufferInfo{
		Index:     int(b.index),
		BytesUsed: int(b.bytesused),
		Length:    int(b.length),
		Offset:    int64(b.offset()),
		Flags:     b.flags,
		Sequence:  b.sequence,
		Timestamp: time.Unix(int64(b.timestamp.Sec), int64(b.timestamp.Usec)*1000),
	}
	if p != nil {
		info.BytesUsed = int(p.bytesused)
		info.Length = int(p.length)
		info.Offset = int64(p.memOffset())
	}
	return info
}

// QueryBuffer returns the length and mmap offset of a kernel buffer.
func (dev *Device) QueryBuffer(index int, mem Memory) (BufferInfo, error) {
	b, p := dev.newBuffer(index, mem)
	defer releasePlane(p)
	if err := dev.ioctl(vidiocQuerybuf, unsafe.Pointer(&b)); err != nil {
		return BufferInfo{}, errors.Wrapf(err, "VIDIOC_QUERYBUF index=%d", index)
	}
	return dev.bufferInfo(&b, p), nil
}

func (dev *Device) MapBuffer(offset int64, length int) ([]byte, error) {
	data, err := unix.Mmap(dev.fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap offset=%d length=%d", offset, length)
	}
	return data, nil
}

func (dev *Device) UnmapBuffer(data []byte) error {
	return errors.Wrap(unix.Munmap(data), "munmap")
}

// QueueBuffer hands buffer index to the driver's incoming queue. For
// USERPTR memory, userptr is the process-owned region backing the buffer.
func (dev *Device) QueueBuffer(index int, mem Memory, userptr []byte) error {
	b, p := dev.newBuffer(index, mem)
	defer releasePlane(p)

	if mem == MemoryUserPtr {
		if len(userptr) == 0 {
			return errors.Errorf("VIDIOC_QBUF index=%d: empty user pointer", index)
		}
		addr := uintptr(unsafe.Pointer(&userptr[0]))
		if p != nil {
			p.m = addr
			p.length = uint32(len(userptr))
		} else {
			b.m = addr
			b.length = uint32(len(userptr))
		}
	}

	err := dev.ioctl(vidiocQbuf, unsafe.Pointer(&b))
	runtime.KeepAlive(userptr)
	if err != nil {
		return errors.Wrapf(err, "VIDIOC_QBUF index=%d", index)
	}
	return nil
}

// DequeueBuffer takes one filled buffer from the driver's outgoing queue.
// Returns ErrWouldBlock on a non-blocking device with nothing ready.
func (dev *Device) DequeueBuffer(mem Memory) (BufferInfo, error) {
	b, p := dev.newBuffer(0, mem)
	defer releasePlane(p)
	if err := dev.ioctl(vidiocDqbuf, unsafe.Pointer(&b)); err != nil {
		if err == ErrWouldBlock {
			return BufferInfo{}, err
		}
		return BufferInfo{}, errors.Wrap(err, "VIDIOC_DQBUF")
	}
	return dev.bufferInfo(&b, p), nil
}

func (dev *Device) StreamOn() error {
	typ := int32(dev.typ)
	return errors.Wrap(dev.ioctl(vidiocStreamon, unsafe.Pointer(&typ)), "VIDIOC_STREAMON")
}

// StreamOff stops capture. The driver implicitly dequeues every buffer.
func (dev *Device) StreamOff() error {
	typ := int32(dev.typ)
	return errors.Wrap(dev.ioctl(vidiocStreamoff, unsafe.Pointer(&typ)), "VIDIOC_STREAMOFF")
}

// WaitReadable polls the device for a completed frame. It returns false on
// timeout or when interrupted by a signal.
func (dev *Device) WaitReadable(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(dev.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, errors.Wrap(err, "poll")
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return false, errors.Errorf("poll %s: revents %#x", dev.path, fds[0].Revents)
	}
	return fds[0].Revents&unix.POLLIN != 0, nil
}

// Read copies one frame with the read() I/O method.
func (dev *Device) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(dev.fd, p)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		default:
			return 0, errors.Wrap(err, "read")
		}
	}
}
