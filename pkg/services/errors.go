package services

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode is the status reported in the response header, or the
// numeric form of an engine failure.
type ErrorCode uint16

// Error codes.
const (
	Success         ErrorCode = 0x00
	BadParameter    ErrorCode = 0x01
	NotSupported    ErrorCode = 0x02
	Failed          ErrorCode = 0x03
	Busy            ErrorCode = 0xFB
	UnknownCommand  ErrorCode = 0xFC
	Timeout         ErrorCode = 0xFD
	NotAcknowledged ErrorCode = 0xFF
)

var errorCodeNames = map[ErrorCode]string{
	Success:         "success",
	BadParameter:    "bad parameter",
	NotSupported:    "not supported",
	Failed:          "failed",
	Busy:            "request already in flight",
	UnknownCommand:  "unknown command",
	Timeout:         "timeout",
	NotAcknowledged: "not acknowledged",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error 0x%02x", uint16(c))
}

var (
	// ErrNotAcknowledged indicates the remote core never took the doorbell.
	ErrNotAcknowledged = errors.New("not acknowledged")
	// ErrTimeout indicates no matching response arrived in time.
	ErrTimeout = errors.New("response timeout")
	// ErrBusy indicates another request is in flight on the engine.
	ErrBusy = errors.New("request already in flight")
	// ErrUnknownTransport indicates the handle refers to no registered mailbox.
	ErrUnknownTransport = errors.New("unknown transport")
)

// ServiceError is a non-success code reported by the remote handler.
type ServiceError struct {
	Code ErrorCode
}

// Error implements error.
func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error: %s", e.Code)
}

// CodeOf maps an error returned by the engine to its ErrorCode.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Success
	}
	switch cause := errors.Cause(err); cause {
	case ErrNotAcknowledged:
		return NotAcknowledged
	case ErrTimeout, context.DeadlineExceeded:
		return Timeout
	case ErrBusy:
		return Busy
	case ErrShortBuffer:
		return BadParameter
	default:
		if se, ok := cause.(*ServiceError); ok {
			return se.Code
		}
	}
	return Failed
}

func errorFromCode(code ErrorCode) error {
	if code == Success {
		return nil
	}
	return &ServiceError{Code: code}
}
