package calls

import (
	"bytes"
	"encoding/binary"
	"strconv"

	"github.com/pkg/errors"

	"github.com/robotalks/mhu.go/pkg/services"
)

// CPU identifies a core the boot services act on.
type CPU uint32

// CPUs.
const (
	CPUHost0    CPU = 0
	CPUHost1    CPU = 1
	CPUExternHP CPU = 2
	CPUExternHE CPU = 3
	CPUCount        = 4
)

func (c CPU) String() string {
	switch c {
	case CPUHost0:
		return "a32-0"
	case CPUHost1:
		return "a32-1"
	case CPUExternHP:
		return "m55-hp"
	case CPUExternHE:
		return "m55-he"
	}
	return "cpu?"
}

// ParseCPU parses the name or the number of a CPU.
func ParseCPU(s string) (CPU, error) {
	for c := CPUHost0; c < CPUCount; c++ {
		if s == c.String() {
			return c, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil || n >= CPUCount {
		return 0, errors.Errorf("invalid CPU %q", s)
	}
	return CPU(n), nil
}

// TOCEntryNameSize is the size of the zero-padded name of a TOC entry.
const TOCEntryNameSize = 8

// MaxRandomLength is the most random bytes returned by one call.
const MaxRandomLength = 32

// Payloads follow the service header, little-endian, fixed layout.
// The same struct serves the request and the response of a service.
type (
	// ValueResponse carries a single 32-bit result.
	ValueResponse struct {
		Value uint32
	}

	// RandomPayload requests Length bytes and returns them in Data.
	RandomPayload struct {
		Length uint32
		Data   [MaxRandomLength]byte
	}

	// TOCEntryPayload names a TOC entry.
	TOCEntryPayload struct {
		Name [TOCEntryNameSize]byte
	}

	// BootCPUPayload boots CPU at Address.
	BootCPUPayload struct {
		CPU     CPU
		Address uint32
	}

	// CPUPayload selects a CPU.
	CPUPayload struct {
		CPU CPU
	}

	// RetentionPayload selects the memory banks kept powered in
	// low-power states, one bit per bank.
	RetentionPayload struct {
		Banks uint32
	}

	// PinPayload configures a pin.
	PinPayload struct {
		Port     uint8
		Pin      uint8
		Reserved uint16
		Config   uint32
	}
)

// PayloadSize returns the size of the buffer needed by payloads.
func PayloadSize(payloads ...interface{}) int {
	size := 0
	for _, p := range payloads {
		if n := binary.Size(p); n > size {
			size = n
		}
	}
	return services.HeaderSize + size
}

// EncodePayload writes v after the header of buf.
func EncodePayload(buf []byte, v interface{}) error {
	var w bytes.Buffer
	if err := binary.Write(&w, binary.LittleEndian, v); err != nil {
		return err
	}
	if len(buf) < services.HeaderSize+w.Len() {
		return errors.Wrapf(services.ErrShortBuffer, "payload %d bytes", w.Len())
	}
	copy(buf[services.HeaderSize:], w.Bytes())
	return nil
}

// DecodePayload reads v from after the header of buf.
func DecodePayload(buf []byte, v interface{}) error {
	if len(buf) < services.HeaderSize {
		return services.ErrShortBuffer
	}
	err := binary.Read(bytes.NewReader(buf[services.HeaderSize:]), binary.LittleEndian, v)
	if err != nil {
		return errors.Wrapf(services.ErrShortBuffer, "decode %T: %v", v, err)
	}
	return nil
}

// EntryName converts name to the fixed TOC entry form.
func EntryName(name string) (n [TOCEntryNameSize]byte, err error) {
	if len(name) == 0 || len(name) > TOCEntryNameSize {
		return n, errors.Errorf("invalid TOC entry name %q", name)
	}
	copy(n[:], name)
	return n, nil
}

// EntryNameString trims the zero padding.
func EntryNameString(n [TOCEntryNameSize]byte) string {
	return string(bytes.TrimRight(n[:], "\x00"))
}
