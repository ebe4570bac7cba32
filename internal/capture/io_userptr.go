package capture

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
)

// Drivers observed in the field reject USERPTR buffers whose length is not
// a multiple of this.
const userPtrAlign = 128

// userPtrIO captures into process-allocated buffers registered with QBUF.
type userPtrIO struct {
	streamIO
}

func (u *userPtrIO) Method() IOMethod { return MethodUserPtr }

// CreateAllUserBuffer allocates page-aligned regions whose length is size
// rounded up to userPtrAlign. Consumers still see the unrounded payload.
func (u *userPtrIO) CreateAllUserBuffer(count, size int) error {
	if size <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "userptr buffer size %d", size)
	}
	if err := u.requestKernelBuffers(count); err != nil {
		return err
	}

	length := roundUp(size, userPtrAlign)
	err := u.pool.build(count, func(i int) ([]byte, error) {
		return alignedBuffer(length, os.Getpagesize()), nil
	}, func(*UserBuffer) {})
	if err != nil {
		u.releaseKernelBuffers()
		return errors.Wrap(err, "create userptr buffers")
	}
	return nil
}

func (u *userPtrIO) DeleteAllUserBuffer() error {
	if bufs := u.pool.teardown(); len(bufs) == 0 {
		return nil
	}
	return u.releaseKernelBuffers()
}

func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}

// alignedBuffer returns n bytes starting on an align boundary. The Go heap
// does not move objects, so the address stays valid for the driver while
// the pool references the slice.
func alignedBuffer(n, align int) []byte {
	raw := make([]byte, n+align)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(align)); rem != 0 {
		off = align - rem
	}
	return raw[off : off+n : off+n]
}
