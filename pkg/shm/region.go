// Package shm models the SRAM shared by the cores talking over the mailbox.
package shm

import (
	"fmt"

	"github.com/pkg/errors"
)

// Memory resolves addresses into bytes.
type Memory interface {
	Slice(addr uint32, n int) ([]byte, error)
}

// ErrOutOfRange indicates an access outside the region.
var ErrOutOfRange = errors.New("address out of range")

// Region is a contiguous block of memory seen at Base.
type Region struct {
	base  uint32
	data  []byte
	close func() error
}

// NewRegion allocates a heap-backed region.
func NewRegion(base uint32, size int) *Region {
	return &Region{base: base, data: make([]byte, size)}
}

// Base returns the first address of the region.
func (r *Region) Base() uint32 { return r.base }

// Size returns the size in bytes.
func (r *Region) Size() int { return len(r.data) }

// Contains checks whether [addr, addr+n) is inside the region.
func (r *Region) Contains(addr uint32, n int) bool {
	if addr < r.base || n < 0 {
		return false
	}
	off := uint64(addr - r.base)
	return off+uint64(n) <= uint64(len(r.data))
}

// Slice implements Memory.
func (r *Region) Slice(addr uint32, n int) ([]byte, error) {
	if !r.Contains(addr, n) {
		return nil, errors.Wrapf(ErrOutOfRange, "%08x+%d not in %s", addr, n, r)
	}
	off := addr - r.base
	return r.data[off : off+uint32(n) : off+uint32(n)], nil
}

// Buffer returns a Buffer over [addr, addr+n).
func (r *Region) Buffer(addr uint32, n int) (*Buffer, error) {
	data, err := r.Slice(addr, n)
	if err != nil {
		return nil, err
	}
	return &Buffer{addr: addr, data: data}, nil
}

// View returns the same memory seen at another base address,
// the way another core sees it.
func (r *Region) View(base uint32) *Region {
	return &Region{base: base, data: r.data}
}

// Close releases the backing memory if it is mapped.
func (r *Region) Close() error {
	if r.close == nil {
		return nil
	}
	fn := r.close
	r.close = nil
	return fn()
}

func (r *Region) String() string {
	return fmt.Sprintf("region[%08x+%x]", r.base, len(r.data))
}

// Buffer is a request/response buffer inside a Region.
type Buffer struct {
	addr uint32
	data []byte
}

// Addr returns the local address of the buffer.
func (b *Buffer) Addr() uint32 { return b.addr }

// Bytes returns the buffer content.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the buffer size.
func (b *Buffer) Len() int { return len(b.data) }
