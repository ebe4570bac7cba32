//go:build linux
// +build linux

package v4l2

import (
	"bytes"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel structures from <linux/videodev2.h>. Unions holding an unsigned
// long or a pointer are declared as uintptr so the layout follows the
// platform word size.

type v4l2Capability struct {
	driver       [16]byte
	card         [32]byte
	busInfo      [32]byte
	version      uint32
	capabilities uint32
	deviceCaps   uint32
	reserved     [3]uint32
}

type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

type v4l2PlanePixFormat struct {
	sizeimage    uint32
	bytesperline uint32
	reserved     [6]uint16
}

type v4l2PixFormatMPlane struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	colorspace   uint32
	planeFmt     [8]v4l2PlanePixFormat
	numPlanes    uint8
	flags        uint8
	ycbcrEnc     uint8
	quantization uint8
	xferFunc     uint8
	reserved     [7]uint8
}

type v4l2Format struct {
	typ uint32
	// 200-byte union; word-typed so it is aligned like the kernel's,
	// which contains pointers (struct v4l2_window).
	raw [200 / unsafe.Sizeof(uintptr(0))]uintptr
}

func (f *v4l2Format) pix() *v4l2PixFormat {
	return (*v4l2PixFormat)(unsafe.Pointer(&f.raw[0]))
}

func (f *v4l2Format) pixMPlane() *v4l2PixFormatMPlane {
	return (*v4l2PixFormatMPlane)(unsafe.Pointer(&f.raw[0]))
}

type v4l2RequestBuffers struct {
	count        uint32
	typ          uint32
	memory       uint32
	capabilities uint32
	flags        uint8
	reserved     [3]uint8
}

type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

type v4l2Buffer struct {
	index     uint32
	typ       uint32
	bytesused uint32
	flags     uint32
	field     uint32
	timestamp unix.Timeval
	timecode  v4l2Timecode
	sequence  uint32
	memory    uint32
	m         uintptr // offset | userptr | planes | fd
	length    uint32
	reserved2 uint32
	requestFD int32
}

// offset reads the __u32 mem_offset member of the m union.
func (b *v4l2Buffer) offset() uint32 {
	return *(*uint32)(unsafe.Pointer(&b.m))
}

type v4l2Plane struct {
	bytesused  uint32
	length     uint32
	m          uintptr // mem_offset | userptr | fd
	dataOffset uint32
	reserved   [11]uint32
}

func (p *v4l2Plane) memOffset() uint32 {
	return *(*uint32)(unsafe.Pointer(&p.m))
}

// ioctl request encoding, see <asm-generic/ioctl.h>.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uint {
	return uint(dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift)
}

func ior(nr, size uintptr) uint  { return ioc(iocRead, 'V', nr, size) }
func iow(nr, size uintptr) uint  { return ioc(iocWrite, 'V', nr, size) }
func iowr(nr, size uintptr) uint { return ioc(iocRead|iocWrite, 'V', nr, size) }

var (
	vidiocQuerycap  = ior(0, unsafe.Sizeof(v4l2Capability{}))
	vidiocGFmt      = iowr(4, unsafe.Sizeof(v4l2Format{}))
	vidiocSFmt      = iowr(5, unsafe.Sizeof(v4l2Format{}))
	vidiocReqbufs   = iowr(8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQuerybuf  = iowr(9, unsafe.Sizeof(v4l2Buffer{}))
	vidiocQbuf      = iowr(15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocDqbuf     = iowr(17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamon  = iow(18, unsafe.Sizeof(int32(0)))
	vidiocStreamoff = iow(19, unsafe.Sizeof(int32(0)))
)

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
