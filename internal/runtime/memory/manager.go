// Package memory exposes a wasm guest's linear memory as engine-shared memory.
package memory

import (
	"fmt"
	"math"

	"github.com/tetratelabs/wazero/api"

	"github.com/privacyresearch/tring/internal/ffi"
)

// Manager implements ffi.Memory over a guest's linear memory. Pointers are
// guest offsets. Bounds are those of the whole linear memory, which is all
// the guest can tell the host.
type Manager struct {
	memory api.Memory
	alloc  Allocator
}

var _ ffi.Memory = (*Manager)(nil)

// New creates a memory manager allocating through alloc.
func New(memory api.Memory, alloc Allocator) *Manager {
	return &Manager{
		memory: memory,
		alloc:  alloc,
	}
}

func (m *Manager) Alloc(size uint64) (ffi.Ptr, error) {
	if size > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d bytes do not fit in a 32-bit guest", ErrOutOfMemory, size)
	}
	p, err := m.alloc.Allocate(uint32(size))
	if err != nil {
		return 0, err
	}
	return ffi.Ptr(p), nil
}

func (m *Manager) Free(p ffi.Ptr) error {
	if uint64(p) > math.MaxUint32 {
		return fmt.Errorf("%w: 0x%x", ErrUnknownAllocation, uint64(p))
	}
	return m.alloc.Deallocate(uint32(p))
}

// offset validates a p, n access and returns the guest offset and length.
func (m *Manager) offset(p ffi.Ptr, n uint64) (uint32, uint32, error) {
	if uint64(p)+n < uint64(p) || uint64(p)+n > uint64(m.memory.Size()) {
		return 0, 0, fmt.Errorf("%w: %d bytes at 0x%x, memory size %d", ErrInvalidMemoryAccess, n, uint64(p), m.memory.Size())
	}
	return uint32(p), uint32(n), nil
}

// Read copies n bytes starting at p. The guest may reuse the memory as soon
// as the host returns, so the result never aliases it.
func (m *Manager) Read(p ffi.Ptr, n uint64) ([]byte, error) {
	off, length, err := m.offset(p, n)
	if err != nil {
		return nil, err
	}
	data, ok := m.memory.Read(off, length)
	if !ok {
		return nil, ErrMemoryReadFailed
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Manager) Write(p ffi.Ptr, data []byte) error {
	off, _, err := m.offset(p, uint64(len(data)))
	if err != nil {
		return err
	}
	if !m.memory.Write(off, data) {
		return ErrMemoryWriteFailed
	}
	return nil
}

func (m *Manager) Limit(p ffi.Ptr) uint64 {
	size := uint64(m.memory.Size())
	if uint64(p) >= size {
		return 0
	}
	return size - uint64(p)
}

// Size returns the current size of the linear memory in bytes.
func (m *Manager) Size() uint32 { return m.memory.Size() }
