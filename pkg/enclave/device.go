package enclave

import (
	"crypto/rand"
	"io"
	"sync"

	"github.com/golang/glog"

	"github.com/robotalks/mhu.go/pkg/services"
	"github.com/robotalks/mhu.go/pkg/services/calls"
)

// Defaults of a simulated Device.
const (
	DefaultTOCVersion     = 0x00010003
	DefaultDeviceRevision = 0x0000B200
)

// DefaultTOCEntries are the images found in the simulated TOC.
var DefaultTOCEntries = []string{"A32_APP", "M55_HP", "M55_HE", "DEVICE"}

// CPUState is the boot state of a simulated CPU.
type CPUState struct {
	Running bool
	Address uint32
}

// PinState is the configuration of a simulated pin.
type PinState struct {
	Mux uint32
	Pad uint32
}

type pinKey struct {
	port, pin uint8
}

// Device simulates what the services act on.
type Device struct {
	TOCVersion uint32
	TOC        []string
	Revision   uint32
	Random     io.Reader

	cpus      [calls.CPUCount]CPUState
	loaded    []string
	retention uint32
	pins      map[pinKey]PinState
	lock      sync.Mutex
}

// NewDevice creates a Device with the defaults.
func NewDevice() *Device {
	return &Device{
		TOCVersion: DefaultTOCVersion,
		TOC:        DefaultTOCEntries,
		Revision:   DefaultDeviceRevision,
		Random:     rand.Reader,
		pins:       make(map[pinKey]PinState),
	}
}

// DefaultHandlers registers the handlers of a new Device to s.
func DefaultHandlers(s *Server) *Device {
	d := NewDevice()
	d.Register(s)
	return d
}

// Register installs the handlers of the device.
func (d *Device) Register(s *Server) {
	s.HandleFunc(services.MaintenanceHeartbeat, func(*Request) services.ErrorCode {
		return services.Success
	})
	s.HandleFunc(services.SystemMgmtGetTOCVersion, d.value(func() uint32 { return d.TOCVersion }))
	s.HandleFunc(services.SystemMgmtGetTOCNumber, d.value(func() uint32 { return uint32(len(d.TOC)) }))
	s.HandleFunc(services.SystemMgmtGetDeviceRevision, d.value(func() uint32 { return d.Revision }))
	s.HandleFunc(services.PowerMemoryRetention, d.memoryRetention)
	s.HandleFunc(services.CryptoGetRandom, d.getRandom)
	s.HandleFunc(services.BootProcessTOCEntry, d.processTOCEntry)
	s.HandleFunc(services.BootCPU, d.bootCPU)
	s.HandleFunc(services.BootReleaseCPU, d.releaseCPU)
	s.HandleFunc(services.BootResetCPU, d.resetCPU)
	s.HandleFunc(services.BootResetSoC, d.resetSoC)
	s.HandleFunc(services.ApplicationPinMux, d.setPin(func(st *PinState, config uint32) { st.Mux = config }))
	s.HandleFunc(services.ApplicationPadControl, d.setPin(func(st *PinState, config uint32) { st.Pad = config }))
}

// CPU returns the state of cpu.
func (d *Device) CPU(cpu calls.CPU) CPUState {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.cpus[cpu]
}

// Loaded returns the names of processed TOC entries.
func (d *Device) Loaded() []string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]string(nil), d.loaded...)
}

// Retention returns the memory banks kept powered.
func (d *Device) Retention() uint32 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.retention
}

// Pin returns the state of a pin.
func (d *Device) Pin(port, pin uint8) PinState {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.pins[pinKey{port: port, pin: pin}]
}

func (d *Device) value(fn func() uint32) func(*Request) services.ErrorCode {
	return func(r *Request) services.ErrorCode {
		d.lock.Lock()
		v := fn()
		d.lock.Unlock()
		if err := r.Encode(&calls.ValueResponse{Value: v}); err != nil {
			glog.Warningf("enclave %s: %v", r.Header.ServiceID, err)
			return services.BadParameter
		}
		return services.Success
	}
}

func (d *Device) memoryRetention(r *Request) services.ErrorCode {
	var p calls.RetentionPayload
	if err := r.Decode(&p); err != nil {
		return services.BadParameter
	}
	d.lock.Lock()
	d.retention = p.Banks
	d.lock.Unlock()
	return services.Success
}

func (d *Device) getRandom(r *Request) services.ErrorCode {
	var p calls.RandomPayload
	if err := r.Decode(&p); err != nil {
		return services.BadParameter
	}
	if p.Length == 0 || p.Length > calls.MaxRandomLength {
		return services.BadParameter
	}
	if _, err := io.ReadFull(d.Random, p.Data[:p.Length]); err != nil {
		glog.Errorf("enclave random: %v", err)
		return services.Failed
	}
	if err := r.Encode(&p); err != nil {
		return services.BadParameter
	}
	return services.Success
}

func (d *Device) processTOCEntry(r *Request) services.ErrorCode {
	var p calls.TOCEntryPayload
	if err := r.Decode(&p); err != nil {
		return services.BadParameter
	}
	name := calls.EntryNameString(p.Name)
	d.lock.Lock()
	defer d.lock.Unlock()
	for _, entry := range d.TOC {
		if entry == name {
			d.loaded = append(d.loaded, name)
			return services.Success
		}
	}
	glog.Warningf("enclave TOC entry %q not found", name)
	return services.Failed
}

func (d *Device) withCPU(r *Request, v interface{}, cpu *calls.CPU, fn func(*CPUState)) services.ErrorCode {
	if err := r.Decode(v); err != nil || *cpu >= calls.CPUCount {
		return services.BadParameter
	}
	d.lock.Lock()
	fn(&d.cpus[*cpu])
	d.lock.Unlock()
	return services.Success
}

func (d *Device) bootCPU(r *Request) services.ErrorCode {
	var p calls.BootCPUPayload
	return d.withCPU(r, &p, &p.CPU, func(st *CPUState) {
		*st = CPUState{Running: true, Address: p.Address}
	})
}

func (d *Device) releaseCPU(r *Request) services.ErrorCode {
	var p calls.CPUPayload
	return d.withCPU(r, &p, &p.CPU, func(st *CPUState) {
		st.Running = true
	})
}

func (d *Device) resetCPU(r *Request) services.ErrorCode {
	var p calls.CPUPayload
	return d.withCPU(r, &p, &p.CPU, func(st *CPUState) {
		*st = CPUState{}
	})
}

func (d *Device) resetSoC(*Request) services.ErrorCode {
	d.lock.Lock()
	d.cpus = [calls.CPUCount]CPUState{}
	d.loaded = nil
	d.retention = 0
	d.pins = make(map[pinKey]PinState)
	d.lock.Unlock()
	return services.Success
}

func (d *Device) setPin(fn func(*PinState, uint32)) func(*Request) services.ErrorCode {
	return func(r *Request) services.ErrorCode {
		var p calls.PinPayload
		if err := r.Decode(&p); err != nil {
			return services.BadParameter
		}
		key := pinKey{port: p.Port, pin: p.Pin}
		d.lock.Lock()
		st := d.pins[key]
		fn(&st, p.Config)
		d.pins[key] = st
		d.lock.Unlock()
		return services.Success
	}
}
