package shm

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrPoolExhausted indicates all blocks are in use.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrTooLarge indicates the requested size exceeds the block size.
	ErrTooLarge = errors.New("buffer too large")
	// ErrNotFromPool indicates Free is called with a foreign buffer.
	ErrNotFromPool = errors.New("buffer not from pool")
)

// BlockAlign is the alignment of every block handed out by Pool.
const BlockAlign = 16

// Pool hands out fixed-size blocks of a Region as Buffers.
type Pool struct {
	region    *Region
	start     uint32
	blockSize int
	used      []bool
	lock      sync.Mutex
}

// NewPool carves the region into blocks of blockSize bytes
// (rounded up to BlockAlign).
func NewPool(r *Region, blockSize int) (*Pool, error) {
	if blockSize <= 0 {
		return nil, errors.Errorf("invalid block size %d", blockSize)
	}
	blockSize = (blockSize + BlockAlign - 1) &^ (BlockAlign - 1)
	start := (r.base + BlockAlign - 1) &^ (BlockAlign - 1)
	avail := r.Size() - int(start-r.base)
	count := avail / blockSize
	if count <= 0 {
		return nil, errors.Errorf("%s too small for block size %d", r, blockSize)
	}
	return &Pool{
		region:    r,
		start:     start,
		blockSize: blockSize,
		used:      make([]bool, count),
	}, nil
}

// BlockSize returns the size of each block.
func (p *Pool) BlockSize() int { return p.blockSize }

// Blocks returns the number of blocks.
func (p *Pool) Blocks() int { return len(p.used) }

// InUse returns the number of allocated blocks.
func (p *Pool) InUse() (n int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, u := range p.used {
		if u {
			n++
		}
	}
	return
}

// Alloc returns a zeroed buffer of n bytes.
func (p *Pool) Alloc(n int) (*Buffer, error) {
	if n > p.blockSize {
		return nil, errors.Wrapf(ErrTooLarge, "%d > %d", n, p.blockSize)
	}
	p.lock.Lock()
	index := -1
	for i, u := range p.used {
		if !u {
			p.used[i], index = true, i
			break
		}
	}
	p.lock.Unlock()
	if index < 0 {
		return nil, ErrPoolExhausted
	}
	buf, err := p.region.Buffer(p.start+uint32(index*p.blockSize), n)
	if err != nil {
		panic(err)
	}
	for i := range buf.data {
		buf.data[i] = 0
	}
	return buf, nil
}

// Free returns the buffer to the pool.
func (p *Pool) Free(b *Buffer) error {
	if b.addr < p.start {
		return ErrNotFromPool
	}
	off := int(b.addr - p.start)
	index := off / p.blockSize
	if off%p.blockSize != 0 || index >= len(p.used) {
		return ErrNotFromPool
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.used[index] {
		return errors.Wrapf(ErrNotFromPool, "block %d not allocated", index)
	}
	p.used[index] = false
	return nil
}
