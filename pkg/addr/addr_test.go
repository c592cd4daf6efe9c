package addr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapRoundTrip(t *testing.T) {
	for _, m := range []Map{EnsembleHE, EnsembleHP} {
		require.NoError(t, m.Validate())
		for _, w := range m {
			for _, off := range []uint32{0, 1, 4, w.Size / 2, w.Size - 8, w.Size - 1} {
				local := w.Local + off
				remote := m.ToRemote(local)
				require.Equalf(t, w.Global+off, remote, "%s+%x", w, off)
				require.Equal(t, local, m.ToLocal(remote))
			}
		}
	}
}

func TestMapPassThrough(t *testing.T) {
	require.Equal(t, uint32(0x02000000), EnsembleHE.ToRemote(0x02000000))
	require.Equal(t, uint32(0x02000000), EnsembleHE.ToLocal(0x02000000))
	// one past the window end
	require.Equal(t, uint32(0x00040000), EnsembleHE.ToRemote(0x00040000))
}

func TestMapRoundTripOutsideWindows(t *testing.T) {
	// a local address in the global alias range is not a local window
	require.Equal(t, uint32(0x58800000), EnsembleHE.ToRemote(0x58800000))
	require.Equal(t, uint32(0x20000000), EnsembleHE.ToLocal(EnsembleHE.ToRemote(0x58800000)))
	// addresses outside both views still round trip
	require.Equal(t, uint32(0x02000000), EnsembleHE.ToLocal(EnsembleHE.ToRemote(0x02000000)))
}

func TestIdentity(t *testing.T) {
	for _, a := range []uint32{0, 1, 0x20000000, 0xffffffff} {
		require.Equal(t, a, Identity.ToRemote(a))
		require.Equal(t, a, Identity.ToLocal(Identity.ToRemote(a)))
	}
}

func TestMapValidate(t *testing.T) {
	testCases := []struct {
		m  Map
		ok bool
	}{
		{Map{}, true},
		{Map{{Local: 0x1000, Global: 0x1000, Size: 0x100}}, true},
		{Map{{Local: 0, Global: 0x8000, Size: 0}}, false},
		{Map{{Local: 0xffffff00, Global: 0x1000, Size: 0x200}}, false},
		{Map{{Local: 0, Global: 0x100, Size: 0x1000}}, false},
		{Map{
			{Local: 0, Global: 0x10000, Size: 0x1000},
			{Local: 0x800, Global: 0x20000, Size: 0x1000},
		}, false},
		{Map{
			{Local: 0, Global: 0x10000, Size: 0x1000},
			{Local: 0x10800, Global: 0x20000, Size: 0x1000},
		}, false},
	}
	for n, tc := range testCases {
		t.Run(fmt.Sprintf("case-%d", n), func(t *testing.T) {
			if tc.ok {
				require.NoError(t, tc.m.Validate())
			} else {
				require.Error(t, tc.m.Validate())
			}
		})
	}
}

func TestNamed(t *testing.T) {
	tr, err := Named("he")
	require.NoError(t, err)
	require.Equal(t, EnsembleHE, tr)
	tr, err = Named("")
	require.NoError(t, err)
	require.Equal(t, Identity, tr)
	_, err = Named("m33")
	require.Error(t, err)
}
