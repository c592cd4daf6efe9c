package services

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderSize is the size of the service header leading every buffer.
const HeaderSize = 8

// Header offsets.
const (
	offServiceID = 0
	offFlags     = 2
	offErrorCode = 4
	offReserved  = 6
)

// ErrShortBuffer indicates the buffer cannot hold a service header.
var ErrShortBuffer = errors.New("buffer shorter than service header")

// Header is the service header. Fields are little-endian on the wire.
type Header struct {
	ServiceID ServiceID
	Flags     uint16
	ErrorCode ErrorCode
	Reserved  uint16
}

// DecodeHeader reads the header from the start of b.
func DecodeHeader(b []byte) (h Header, err error) {
	if len(b) < HeaderSize {
		return h, ErrShortBuffer
	}
	h.ServiceID = ServiceID(binary.LittleEndian.Uint16(b[offServiceID:]))
	h.Flags = binary.LittleEndian.Uint16(b[offFlags:])
	h.ErrorCode = ErrorCode(binary.LittleEndian.Uint16(b[offErrorCode:]))
	h.Reserved = binary.LittleEndian.Uint16(b[offReserved:])
	return h, nil
}

// Encode writes the header to the start of b.
func (h Header) Encode(b []byte) error {
	if len(b) < HeaderSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint16(b[offServiceID:], uint16(h.ServiceID))
	binary.LittleEndian.PutUint16(b[offFlags:], h.Flags)
	binary.LittleEndian.PutUint16(b[offErrorCode:], uint16(h.ErrorCode))
	binary.LittleEndian.PutUint16(b[offReserved:], h.Reserved)
	return nil
}

// writeRequestHeader stamps the service ID and clears the flags, leaving
// the rest of the header alone.
func writeRequestHeader(b []byte, id ServiceID) {
	binary.LittleEndian.PutUint16(b[offServiceID:], uint16(id))
	binary.LittleEndian.PutUint16(b[offFlags:], 0)
}

func readErrorCode(b []byte) ErrorCode {
	return ErrorCode(binary.LittleEndian.Uint16(b[offErrorCode:]))
}

// SetErrorCode writes the response error code into the header of b.
// It is used by the remote side.
func SetErrorCode(b []byte, code ErrorCode) error {
	if len(b) < HeaderSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint16(b[offErrorCode:], uint16(code))
	return nil
}
