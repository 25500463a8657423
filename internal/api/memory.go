package api

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/privacyresearch/tring/internal/ffi"
	"github.com/privacyresearch/tring/types"
)

// descriptorOrder is the byte order of descriptors and row slots. The engine
// reads them as native structs, and every supported target is little-endian.
var descriptorOrder = binary.LittleEndian

// Codec places caller values into engine memory and copies engine buffers out.
// It is the only code that dereferences engine pointers.
type Codec struct {
	mem ffi.Memory
	// maxBuffer caps any single decoded length, whatever the memory reports.
	maxBuffer uint64
}

// NewCodec creates a codec over mem. A maxBuffer of zero disables the cap.
func NewCodec(mem ffi.Memory, maxBuffer uint64) *Codec {
	return &Codec{mem: mem, maxBuffer: maxBuffer}
}

// Memory returns the memory the codec works on.
func (c *Codec) Memory() ffi.Memory { return c.mem }

// Arena scopes the allocations made for one engine call. Release it after the
// call returned, never before: the engine reads the buffers during the call.
type Arena struct {
	codec    *Codec
	ptrs     []ffi.Ptr
	released bool
}

// NewArena starts an empty arena.
func (c *Codec) NewArena() *Arena {
	return &Arena{codec: c, ptrs: make([]ffi.Ptr, 0, 8)}
}

// Release frees every allocation of the arena. Calling it twice is a no-op.
func (a *Arena) Release() error {
	if a.released {
		return nil
	}
	a.released = true
	var err error
	for _, p := range a.ptrs {
		err = multierr.Append(err, a.codec.mem.Free(p))
	}
	a.ptrs = nil
	return err
}

// Alloc reserves size bytes that live as long as the arena.
func (a *Arena) Alloc(size uint64) (ffi.Ptr, error) {
	if a.released {
		return 0, types.EncodingError{Op: "alloc", Msg: "arena already released"}
	}
	p, err := a.codec.mem.Alloc(size)
	if err != nil {
		return 0, types.EncodingError{Op: "alloc", Msg: fmt.Sprintf("%d bytes", size), Err: err}
	}
	a.ptrs = append(a.ptrs, p)
	return p, nil
}

// payload copies b into a fresh allocation. Empty payloads are the null pointer.
func (a *Arena) payload(op string, b []byte) (ffi.Buffer, error) {
	if len(b) == 0 {
		return ffi.Buffer{}, nil
	}
	p, err := a.Alloc(uint64(len(b)))
	if err != nil {
		return ffi.Buffer{}, err
	}
	if err := a.codec.mem.Write(p, b); err != nil {
		return ffi.Buffer{}, types.EncodingError{Op: op, Msg: "copy payload", Err: err}
	}
	return ffi.Buffer{Ptr: p, Len: uint64(len(b))}, nil
}

func putDescriptor(dst []byte, b ffi.Buffer) {
	descriptorOrder.PutUint64(dst[0:8], uint64(b.Ptr))
	descriptorOrder.PutUint64(dst[8:16], b.Len)
}

func (a *Arena) descriptor(op string, b ffi.Buffer) (ffi.Ptr, error) {
	p, err := a.Alloc(ffi.DescriptorSize)
	if err != nil {
		return 0, err
	}
	var raw [ffi.DescriptorSize]byte
	putDescriptor(raw[:], b)
	if err := a.codec.mem.Write(p, raw[:]); err != nil {
		return 0, types.EncodingError{Op: op, Msg: "write descriptor", Err: err}
	}
	return p, nil
}

// EncodeBuffer copies b into engine memory and returns the address of its descriptor.
func (a *Arena) EncodeBuffer(b []byte) (ffi.Ptr, error) {
	buf, err := a.payload("buffer", b)
	if err != nil {
		return 0, err
	}
	return a.descriptor("buffer", buf)
}

// EncodeString encodes the UTF-8 bytes of s without a terminator.
func (a *Arena) EncodeString(s string) (ffi.Ptr, error) {
	return a.EncodeBuffer([]byte(s))
}

// EncodeCString encodes s followed by a NUL byte, which the length includes.
func (a *Arena) EncodeCString(s string) (ffi.Ptr, error) {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return a.EncodeBuffer(b)
}

// EncodeUUID encodes the 16 bytes of id.
func (a *Arena) EncodeUUID(id uuid.UUID) (ffi.Ptr, error) {
	return a.EncodeBuffer(id[:])
}

// EncodeBuffer2D lays rows out as one table of row slots. Each row is stored in
// its own allocation and only its descriptor goes into the table.
func (a *Arena) EncodeBuffer2D(rows [][]byte) (ffi.Ptr, error) {
	if len(rows) == 0 {
		return a.descriptor("buffer2d", ffi.Buffer{})
	}
	table := make([]byte, len(rows)*ffi.DescriptorSize)
	for i, row := range rows {
		buf, err := a.payload("buffer2d", row)
		if err != nil {
			return 0, err
		}
		putDescriptor(table[i*ffi.DescriptorSize:], buf)
	}
	tp, err := a.Alloc(uint64(len(table)))
	if err != nil {
		return 0, err
	}
	if err := a.codec.mem.Write(tp, table); err != nil {
		return 0, types.EncodingError{Op: "buffer2d", Msg: "write row table", Err: err}
	}
	return a.descriptor("buffer2d", ffi.Buffer{Ptr: tp, Len: uint64(len(rows))})
}

// DecodeRaw copies n bytes starting at p.
func (c *Codec) DecodeRaw(p ffi.Ptr, n uint64) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	if p == 0 {
		return nil, types.BoundsError{Ptr: 0, Length: n, Limit: 0}
	}
	if c.maxBuffer > 0 && n > c.maxBuffer {
		return nil, types.BoundsError{Ptr: uint64(p), Length: n, Limit: c.maxBuffer}
	}
	if limit := c.mem.Limit(p); n > limit {
		return nil, types.BoundsError{Ptr: uint64(p), Length: n, Limit: limit}
	}
	out, err := c.mem.Read(p, n)
	if err != nil {
		return nil, fmt.Errorf("read %d bytes at 0x%x: %w", n, uint64(p), err)
	}
	return out, nil
}

// ReadDescriptor reads the {ptr, len} pair at desc.
func (c *Codec) ReadDescriptor(desc ffi.Ptr) (ffi.Buffer, error) {
	if desc == 0 {
		return ffi.Buffer{}, types.BoundsError{Ptr: 0, Length: ffi.DescriptorSize}
	}
	raw, err := c.DecodeRaw(desc, ffi.DescriptorSize)
	if err != nil {
		return ffi.Buffer{}, err
	}
	return readDescriptor(raw), nil
}

func readDescriptor(raw []byte) ffi.Buffer {
	return ffi.Buffer{
		Ptr: ffi.Ptr(descriptorOrder.Uint64(raw[0:8])),
		Len: descriptorOrder.Uint64(raw[8:16]),
	}
}

// DecodeBuffer copies out the buffer described at desc.
func (c *Codec) DecodeBuffer(desc ffi.Ptr) ([]byte, error) {
	buf, err := c.ReadDescriptor(desc)
	if err != nil {
		return nil, err
	}
	return c.DecodeRaw(buf.Ptr, buf.Len)
}

// DecodeBuffer2D copies out every row of the table described at desc, in order.
func (c *Codec) DecodeBuffer2D(desc ffi.Ptr) ([][]byte, error) {
	tbl, err := c.ReadDescriptor(desc)
	if err != nil {
		return nil, err
	}
	if tbl.Len > (1<<63)/ffi.DescriptorSize {
		return nil, types.BoundsError{Ptr: uint64(tbl.Ptr), Length: tbl.Len}
	}
	raw, err := c.DecodeRaw(tbl.Ptr, tbl.Len*ffi.DescriptorSize)
	if err != nil {
		return nil, err
	}
	rows := make([][]byte, 0, tbl.Len)
	for off := 0; off < len(raw); off += ffi.DescriptorSize {
		row := readDescriptor(raw[off : off+ffi.DescriptorSize])
		bz, err := c.DecodeRaw(row.Ptr, row.Len)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", off/ffi.DescriptorSize, err)
		}
		rows = append(rows, bz)
	}
	return rows, nil
}
