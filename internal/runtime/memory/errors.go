package memory

import "errors"

var (
	// ErrInvalidMemoryAccess is returned when trying to access memory outside the guest's linear memory
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	// ErrMemoryReadFailed is returned when memory read operation fails
	ErrMemoryReadFailed = errors.New("memory read failed")
	// ErrMemoryWriteFailed is returned when memory write operation fails
	ErrMemoryWriteFailed = errors.New("memory write failed")
	// ErrOutOfMemory is returned when an allocation cannot be served
	ErrOutOfMemory = errors.New("out of guest memory")
	// ErrUnknownAllocation is returned when freeing a pointer that was never allocated
	ErrUnknownAllocation = errors.New("unknown allocation")
)
