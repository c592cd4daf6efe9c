package shm

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestRegionSlice(t *testing.T) {
	r := NewRegion(0x20000000, 64)
	require.True(t, r.Contains(0x20000000, 64))
	require.False(t, r.Contains(0x20000000, 65))
	require.False(t, r.Contains(0x1fffffff, 1))

	b, err := r.Slice(0x20000010, 4)
	require.NoError(t, err)
	require.Len(t, b, 4)
	b[0] = 0xaa

	v := r.View(0x58800000)
	seen, err := v.Slice(0x58800010, 1)
	require.NoError(t, err)
	require.Equal(t, byte(0xaa), seen[0])

	_, err = r.Slice(0x20000040, 1)
	require.Equal(t, ErrOutOfRange, errors.Cause(err))
}

func TestPool(t *testing.T) {
	r := NewRegion(0x20000004, 12+4*32)
	p, err := NewPool(r, 20)
	require.NoError(t, err)
	require.Equal(t, 32, p.BlockSize())
	require.Equal(t, 4, p.Blocks())

	var bufs []*Buffer
	for i := 0; i < 4; i++ {
		b, err := p.Alloc(24)
		require.NoError(t, err)
		require.Zero(t, b.Addr()%BlockAlign)
		require.Equal(t, 24, b.Len())
		bufs = append(bufs, b)
	}
	require.Equal(t, 4, p.InUse())
	_, err = p.Alloc(1)
	require.Equal(t, ErrPoolExhausted, err)
	_, err = p.Alloc(33)
	require.Equal(t, ErrTooLarge, errors.Cause(err))

	bufs[1].Bytes()[0] = 1
	require.NoError(t, p.Free(bufs[1]))
	require.Error(t, p.Free(bufs[1]))
	b, err := p.Alloc(8)
	require.NoError(t, err)
	require.Equal(t, bufs[1].Addr(), b.Addr())
	require.Equal(t, byte(0), b.Bytes()[0])

	foreign, err := r.Buffer(r.Base()+4+3, 4)
	require.NoError(t, err)
	require.Equal(t, ErrNotFromPool, p.Free(foreign))
}

func TestMapFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sram")
	a, err := MapFile(path, 0x20000000, 4096)
	require.NoError(t, err)
	defer a.Close()
	b, err := MapFile(path, 0x58800000, 4096)
	require.NoError(t, err)
	defer b.Close()

	data, err := a.Slice(0x20000100, 2)
	require.NoError(t, err)
	data[0], data[1] = 0x12, 0x34
	seen, err := b.Slice(0x58800100, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{0x12, 0x34}, seen)
}

func TestLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sram")
	l, err := Lock(path)
	require.NoError(t, err)
	defer l.Unlock()
	_, err = Lock(path)
	require.Equal(t, ErrLocked, errors.Cause(err))
}
