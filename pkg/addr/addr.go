// Package addr maps addresses between the local view of a core and the
// global view shared with the remote core across the mailbox.
package addr

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Translator converts addresses between local and remote (global) views.
type Translator interface {
	ToRemote(local uint32) uint32
	ToLocal(remote uint32) uint32
}

type identity struct{}

func (identity) ToRemote(local uint32) uint32 { return local }
func (identity) ToLocal(remote uint32) uint32 { return remote }

// Identity is the Translator for cores sharing the same address view.
var Identity Translator = identity{}

// Window aliases Size bytes of local memory starting at Local
// to global memory starting at Global.
type Window struct {
	Local  uint32
	Global uint32
	Size   uint32
}

// ContainsLocal indicates whether a local address falls into the window.
func (w Window) ContainsLocal(a uint32) bool {
	return a >= w.Local && a-w.Local < w.Size
}

// ContainsGlobal indicates whether a global address falls into the window.
func (w Window) ContainsGlobal(a uint32) bool {
	return a >= w.Global && a-w.Global < w.Size
}

func (w Window) String() string {
	return fmt.Sprintf("[%08x+%x => %08x]", w.Local, w.Size, w.Global)
}

// Map is a Translator made of windows. Addresses not covered by
// any window are passed through unchanged, so ToLocal(ToRemote(x)) == x
// holds only for x inside a window. A local address that equals a global
// alias, e.g. 0x58800000 on EnsembleHE, passes through ToRemote and is then
// mapped by ToLocal to 0x20000000.
type Map []Window

// ToRemote implements Translator.
func (m Map) ToRemote(local uint32) uint32 {
	for _, w := range m {
		if w.ContainsLocal(local) {
			return w.Global + (local - w.Local)
		}
	}
	return local
}

// ToLocal implements Translator.
func (m Map) ToLocal(remote uint32) uint32 {
	for _, w := range m {
		if w.ContainsGlobal(remote) {
			return w.Local + (remote - w.Global)
		}
	}
	return remote
}

type span struct {
	start, end uint64
	w          Window
}

// Validate checks the windows keep the mapping invertible: no window is
// empty or wraps around, and no two ranges (local or global) overlap
// unless they belong to the same window and are identical.
func (m Map) Validate() error {
	spans := make([]span, 0, len(m)*2)
	for _, w := range m {
		if w.Size == 0 {
			return errors.Errorf("empty window %s", w)
		}
		if uint64(w.Local)+uint64(w.Size) > 1<<32 || uint64(w.Global)+uint64(w.Size) > 1<<32 {
			return errors.Errorf("window %s overflows address space", w)
		}
		spans = append(spans, span{start: uint64(w.Local), end: uint64(w.Local) + uint64(w.Size), w: w})
		if w.Global != w.Local {
			spans = append(spans, span{start: uint64(w.Global), end: uint64(w.Global) + uint64(w.Size), w: w})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return errors.Errorf("window %s overlaps %s", spans[i].w, spans[i-1].w)
		}
	}
	return nil
}

// TCM aliases of the Ensemble M55 cores.
var (
	// EnsembleHE is the map of the high-efficiency core.
	EnsembleHE = Map{
		{Local: 0x00000000, Global: 0x58000000, Size: 256 << 10}, // ITCM
		{Local: 0x20000000, Global: 0x58800000, Size: 256 << 10}, // DTCM
	}
	// EnsembleHP is the map of the high-performance core.
	EnsembleHP = Map{
		{Local: 0x00000000, Global: 0x50000000, Size: 256 << 10}, // ITCM
		{Local: 0x20000000, Global: 0x50800000, Size: 1 << 20},   // DTCM
	}
)

// Named returns a predefined Translator by name.
func Named(name string) (Translator, error) {
	switch name {
	case "", "identity":
		return Identity, nil
	case "he", "m55-he":
		return EnsembleHE, nil
	case "hp", "m55-hp":
		return EnsembleHP, nil
	}
	return nil, errors.Errorf("unknown address map %q", name)
}
