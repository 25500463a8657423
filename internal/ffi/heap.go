package ffi

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

// heapBase keeps HeapMemory addresses clear of the null pointer and of small
// integers that are easy to mistake for lengths.
const heapBase Ptr = 0x10000

type allocation struct {
	start Ptr
	size  uint64
	data  []byte
}

func allocationLess(a, b allocation) bool { return a.start < b.start }

// allocationIndex resolves any pointer to the allocation containing it.
type allocationIndex struct {
	tree *btree.BTreeG[allocation]
}

func newAllocationIndex() allocationIndex {
	return allocationIndex{tree: btree.NewG[allocation](16, allocationLess)}
}

func (x allocationIndex) insert(a allocation) { x.tree.ReplaceOrInsert(a) }

func (x allocationIndex) remove(p Ptr) (allocation, bool) {
	return x.tree.Delete(allocation{start: p})
}

// find returns the allocation containing p, where one past the end still counts.
func (x allocationIndex) find(p Ptr) (allocation, bool) {
	var found allocation
	var ok bool
	x.tree.DescendLessOrEqual(allocation{start: p}, func(a allocation) bool {
		if uint64(p-a.start) <= a.size {
			found, ok = a, true
		}
		return false
	})
	return found, ok
}

func (x allocationIndex) len() int { return x.tree.Len() }

// HeapMemory is a Memory backed by the Go heap. Every allocation is indexed by
// its start address so any pointer can be resolved to the allocation that
// contains it. It serves in-process engines and tests.
type HeapMemory struct {
	mu    sync.RWMutex
	next  Ptr
	index allocationIndex
	bytes uint64
}

var _ Memory = (*HeapMemory)(nil)

// NewHeapMemory creates an empty HeapMemory.
func NewHeapMemory() *HeapMemory {
	return &HeapMemory{
		next:  heapBase,
		index: newAllocationIndex(),
	}
}

func (h *HeapMemory) Alloc(size uint64) (Ptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.next
	// one guard byte between allocations so adjacent buffers never touch
	h.next += Ptr(size) + 1
	if h.next < p {
		return 0, fmt.Errorf("heap address space exhausted")
	}
	h.index.insert(allocation{start: p, size: size, data: make([]byte, size)})
	h.bytes += size
	return p, nil
}

func (h *HeapMemory) Free(p Ptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed, ok := h.index.remove(p)
	if !ok {
		return fmt.Errorf("free of unknown pointer 0x%x", uint64(p))
	}
	h.bytes -= removed.size
	return nil
}

func (h *HeapMemory) Read(p Ptr, n uint64) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	a, ok := h.index.find(p)
	if !ok {
		return nil, fmt.Errorf("read of unmapped pointer 0x%x", uint64(p))
	}
	off := uint64(p - a.start)
	if n > uint64(len(a.data))-off {
		return nil, fmt.Errorf("read of %d bytes at 0x%x overruns allocation of %d bytes", n, uint64(p), len(a.data))
	}
	out := make([]byte, n)
	copy(out, a.data[off:off+n])
	return out, nil
}

func (h *HeapMemory) Write(p Ptr, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	a, ok := h.index.find(p)
	if !ok {
		return fmt.Errorf("write to unmapped pointer 0x%x", uint64(p))
	}
	off := uint64(p - a.start)
	if uint64(len(data)) > uint64(len(a.data))-off {
		return fmt.Errorf("write of %d bytes at 0x%x overruns allocation of %d bytes", len(data), uint64(p), len(a.data))
	}
	copy(a.data[off:], data)
	return nil
}

func (h *HeapMemory) Limit(p Ptr) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	a, ok := h.index.find(p)
	if !ok {
		return 0
	}
	return uint64(len(a.data)) - uint64(p-a.start)
}

// Live returns the number of allocations and bytes currently held.
func (h *HeapMemory) Live() (allocations int, bytes uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.index.len(), h.bytes
}
