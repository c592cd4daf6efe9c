package services

import (
	"runtime"
	"time"
)

// Defaults of Config.
const (
	DefaultAckTimeout      = 100 * time.Millisecond
	DefaultAckPollInterval = 10 * time.Microsecond
	DefaultResponseTimeout = 1 * time.Second
	DefaultPollInterval    = 1 * time.Millisecond
)

// Config defines the waiting budgets of the engine.
type Config struct {
	// AckTimeout bounds the wait for the doorbell acknowledgement.
	AckTimeout time.Duration
	// AckPollInterval is the delay between acknowledgement polls.
	// Zero spins.
	AckPollInterval time.Duration
	// ResponseTimeout bounds the wait for the response after the
	// acknowledgement, and the life of a dispatched asynchronous call.
	ResponseTimeout time.Duration
	// PollInterval is the delay between response polls.
	PollInterval time.Duration
}

// DefaultConfig returns the default budgets.
func DefaultConfig() Config {
	return Config{
		AckTimeout:      DefaultAckTimeout,
		AckPollInterval: DefaultAckPollInterval,
		ResponseTimeout: DefaultResponseTimeout,
		PollInterval:    DefaultPollInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	return c
}

// Clock is the time source used for deadlines and the sleep primitive
// invoked between polls.
type Clock interface {
	Now() time.Time
	Sleep(time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(d time.Duration) {
	if d <= 0 {
		runtime.Gosched()
		return
	}
	time.Sleep(d)
}

// SystemClock uses the monotonic system clock.
var SystemClock Clock = systemClock{}
