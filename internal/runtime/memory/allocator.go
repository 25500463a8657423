package memory

import (
	"fmt"
	"math"
	"sync"

	"github.com/tetratelabs/wazero/api"
)

const (
	wasmPageSize  = uint32(65536)
	alignmentSize = uint32(8)
	// maxMemoryPages caps host driven growth (4 GiB, the wasm32 limit)
	maxMemoryPages = uint32(65536)
)

// Allocator hands out guest memory for buffers the host passes to the engine.
type Allocator interface {
	Allocate(size uint32) (uint32, error)
	Deallocate(ptr uint32) error
}

// align rounds offset up to the next multiple of alignment
func align(offset uint32, alignment uint32) uint32 {
	return (offset + alignment - 1) & ^(alignment - 1)
}

// BumpAllocator serves allocations from pages the host grows past the
// guest's own data. It is used for guests that do not export an allocator.
// Once every allocation is freed the arena starts over from its base.
type BumpAllocator struct {
	mu     sync.Mutex
	memory api.Memory
	base   uint32
	next   uint32
	live   map[uint32]uint32
}

// NewBumpAllocator allocates from base upwards. base is usually the memory
// size at instantiation so guest data is never overwritten.
func NewBumpAllocator(memory api.Memory, base uint32) *BumpAllocator {
	base = align(base, alignmentSize)
	return &BumpAllocator{
		memory: memory,
		base:   base,
		next:   base,
		live:   make(map[uint32]uint32),
	}
}

func (b *BumpAllocator) Allocate(size uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// empty allocations still get a distinct pointer
	if size == 0 {
		size = 1
	}
	start := align(b.next, alignmentSize)
	if start < b.next || start > math.MaxUint32-size {
		return 0, fmt.Errorf("%w: %d bytes at offset %d would overflow", ErrOutOfMemory, size, start)
	}
	end := start + size
	if err := b.ensureMemory(end); err != nil {
		return 0, err
	}
	b.live[start] = size
	b.next = end
	return start, nil
}

// ensureMemory grows memory until it holds required bytes
func (b *BumpAllocator) ensureMemory(required uint32) error {
	current := b.memory.Size()
	if required <= current {
		return nil
	}
	pages := (uint64(required) - uint64(current) + uint64(wasmPageSize) - 1) / uint64(wasmPageSize)
	if uint64(current)/uint64(wasmPageSize)+pages > uint64(maxMemoryPages) {
		return fmt.Errorf("%w: %d bytes exceed %d pages", ErrOutOfMemory, required, maxMemoryPages)
	}
	if _, ok := b.memory.Grow(uint32(pages)); !ok {
		return fmt.Errorf("%w: failed to grow memory by %d pages", ErrOutOfMemory, pages)
	}
	return nil
}

func (b *BumpAllocator) Deallocate(ptr uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.live[ptr]; !ok {
		return fmt.Errorf("%w: 0x%x", ErrUnknownAllocation, ptr)
	}
	delete(b.live, ptr)
	if len(b.live) == 0 {
		b.next = b.base
	}
	return nil
}

// Live returns the number of outstanding allocations.
func (b *BumpAllocator) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

// CallFunc invokes an exported guest function.
type CallFunc func(name string, params ...uint64) ([]uint64, error)

// GuestAllocator delegates to the allocator the guest exports.
type GuestAllocator struct {
	call    CallFunc
	malloc  string
	release string
}

// NewGuestAllocator uses the exports named malloc and free through call.
func NewGuestAllocator(call CallFunc, malloc, free string) *GuestAllocator {
	return &GuestAllocator{call: call, malloc: malloc, release: free}
}

func (g *GuestAllocator) Allocate(size uint32) (uint32, error) {
	results, err := g.call(g.malloc, api.EncodeU32(size))
	if err != nil {
		return 0, fmt.Errorf("failed to allocate memory: %w", err)
	}
	if len(results) != 1 {
		return 0, fmt.Errorf("%s returned %d values", g.malloc, len(results))
	}
	ptr := api.DecodeU32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("%w: %s(%d) returned null", ErrOutOfMemory, g.malloc, size)
	}
	return ptr, nil
}

func (g *GuestAllocator) Deallocate(ptr uint32) error {
	if _, err := g.call(g.release, api.EncodeU32(ptr)); err != nil {
		return fmt.Errorf("failed to deallocate memory: %w", err)
	}
	return nil
}
