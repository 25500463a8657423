package ffi

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	libcOnce sync.Once
	libcErr  error
	cMalloc  func(size uintptr) uintptr
	cFree    func(p uintptr)
)

func libcName() string {
	switch runtime.GOOS {
	case "darwin":
		return "/usr/lib/libSystem.B.dylib"
	case "linux":
		return "libc.so.6"
	default:
		return ""
	}
}

func ensureLibc() error {
	libcOnce.Do(func() {
		name := libcName()
		if name == "" {
			libcErr = fmt.Errorf("no libc binding for %s", runtime.GOOS)
			return
		}
		h, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			libcErr = fmt.Errorf("could not open %s: %w", name, err)
			return
		}
		purego.RegisterLibFunc(&cMalloc, h, "malloc")
		purego.RegisterLibFunc(&cFree, h, "free")
	})
	return libcErr
}

// CMemory is the process address space as seen by a dynamically loaded engine.
// Allocations come from the C heap so the engine may keep or free them with
// its own allocator. Only allocations made here have known bounds.
type CMemory struct {
	mu    sync.RWMutex
	index allocationIndex
}

var _ Memory = (*CMemory)(nil)

// NewCMemory binds malloc and free from the platform C library.
func NewCMemory() (*CMemory, error) {
	if err := ensureLibc(); err != nil {
		return nil, err
	}
	return &CMemory{index: newAllocationIndex()}, nil
}

func (m *CMemory) Alloc(size uint64) (Ptr, error) {
	// malloc(0) may legally return NULL
	n := size
	if n == 0 {
		n = 1
	}
	p := cMalloc(uintptr(n))
	if p == 0 {
		return 0, fmt.Errorf("malloc of %d bytes failed", size)
	}
	m.mu.Lock()
	m.index.insert(allocation{start: Ptr(p), size: size})
	m.mu.Unlock()
	return Ptr(p), nil
}

func (m *CMemory) Free(p Ptr) error {
	m.mu.Lock()
	_, ok := m.index.remove(p)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("free of unknown pointer 0x%x", uint64(p))
	}
	cFree(uintptr(p))
	return nil
}

func (m *CMemory) Read(p Ptr, n uint64) ([]byte, error) {
	if p == 0 {
		return nil, fmt.Errorf("read of null pointer")
	}
	out := make([]byte, n)
	if n > 0 {
		copy(out, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(p))), n))
	}
	return out, nil
}

func (m *CMemory) Write(p Ptr, data []byte) error {
	if p == 0 {
		return fmt.Errorf("write to null pointer")
	}
	if len(data) > 0 {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(p))), len(data)), data)
	}
	return nil
}

func (m *CMemory) Limit(p Ptr) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.index.find(p); ok {
		return a.size - uint64(p-a.start)
	}
	return math.MaxUint64
}
