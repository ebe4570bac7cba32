package capture

import (
	"github.com/pkg/errors"
)

// mmapIO captures into driver-allocated buffers mapped into the process.
type mmapIO struct {
	streamIO
}

func (m *mmapIO) Method() IOMethod { return MethodMMAP }

// CreateAllUserBuffer maps count driver buffers. Their length comes from
// QUERYBUF, not from size.
func (m *mmapIO) CreateAllUserBuffer(count, size int) error {
	if err := m.requestKernelBuffers(count); err != nil {
		return err
	}

	err := m.pool.build(count, func(i int) ([]byte, error) {
		info, err := m.dev.QueryBuffer(i, m.mem)
		if err != nil {
			return nil, err
		}
		if info.Length < size {
			log.Warn("mmap buffer %d is %d bytes, payload needs %d", i, info.Length, size)
		}
		return m.dev.MapBuffer(info.Offset, info.Length)
	}, func(b *UserBuffer) {
		if err := m.dev.UnmapBuffer(b.data); err != nil {
			log.Error("rollback: %v", err)
		}
	})
	if err != nil {
		m.releaseKernelBuffers()
		return errors.Wrap(err, "create mmap buffers")
	}
	return nil
}

func (m *mmapIO) DeleteAllUserBuffer() error {
	bufs := m.pool.teardown()
	if len(bufs) == 0 {
		return nil
	}

	var first error
	for _, b := range bufs {
		if err := m.dev.UnmapBuffer(b.data); err != nil && first == nil {
			first = err
		}
	}
	// Unmap before REQBUFS(0); the driver refuses to free mapped buffers.
	if err := m.releaseKernelBuffers(); err != nil && first == nil {
		first = err
	}
	return first
}
