package link

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/robotalks/mhu.go/pkg/mhu"
)

// FrameSeq is the sequence number leading every frame.
type FrameSeq byte

// NewFrameSeq picks a random valid sequence number.
func NewFrameSeq() FrameSeq {
	return FrameSeq(byte(time.Now().UnixNano())).Next()
}

// Next calculates the next sequence number.
// Values from 0xf0 are reserved for sync bytes.
func (s FrameSeq) Next() FrameSeq {
	n := byte(s) + 1
	if n == 0 || n >= 0xf0 {
		n = 1
	}
	return FrameSeq(n)
}

// IsValid checks if it's a valid sequence number.
func (s FrameSeq) IsValid() bool {
	n := byte(s)
	return n > 0 && n < 0xf0
}

// FrameKind tells doorbells from acknowledgements.
type FrameKind byte

// Frame kinds.
const (
	KindDoorbell FrameKind = 0x01
	KindAck      FrameKind = 0x02
)

// IsValid checks the kind is known.
func (k FrameKind) IsValid() bool {
	return k == KindDoorbell || k == KindAck
}

func (k FrameKind) String() string {
	switch k {
	case KindDoorbell:
		return "DB"
	case KindAck:
		return "ACK"
	}
	return fmt.Sprintf("kind(%02x)", byte(k))
}

// FrameSize is the encoded size of a Frame.
const FrameSize = 7

// Frame is the unit exchanged over the link:
// seq, kind, channel and a little-endian 32-bit value.
// The value of an ack frame is zero.
type Frame struct {
	Seq     FrameSeq
	Kind    FrameKind
	Channel mhu.Channel
	Value   uint32
}

// Bytes returns encoded bytes for sending.
func (f *Frame) Bytes() []byte {
	b := make([]byte, FrameSize)
	b[0], b[1], b[2] = byte(f.Seq), byte(f.Kind), byte(f.Channel)
	binary.LittleEndian.PutUint32(b[3:], f.Value)
	return b
}

// WriteTo writes encoded bytes.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(f.Bytes())
	return int64(n), err
}

func (f *Frame) String() string {
	if f.Kind == KindAck {
		return fmt.Sprintf("#%d ACK ch%d", f.Seq, f.Channel)
	}
	return fmt.Sprintf("#%d %s ch%d %08x", f.Seq, f.Kind, f.Channel, f.Value)
}
