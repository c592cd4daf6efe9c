// Package services implements the request/response protocol used to call
// services on the remote core over an MHU mailbox.
//
// A request lives in a buffer of memory shared by both cores. The buffer
// starts with a Header and is reused by the remote core for the response.
// Only the global address of the buffer crosses the mailbox: the caller
// rings the remote core with it, the remote core acknowledges the
// doorbell, runs the service and rings back with the same address.
//
// An Engine keeps a single request in flight. Further requests are
// rejected with ErrBusy until the current one completes.
package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/robotalks/mhu.go/pkg/addr"
	"github.com/robotalks/mhu.go/pkg/mhu"
)

// Buffer is a request/response buffer in memory shared with the remote core.
// It must stay valid until the request completes.
type Buffer interface {
	Addr() uint32
	Bytes() []byte
}

// State is the state of an Engine.
type State int

// States
const (
	StateIdle State = iota
	StateAwaitingAck
	StateAwaitingResponse
	StateDispatched
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingAck:
		return "awaiting-ack"
	case StateAwaitingResponse:
		return "awaiting-response"
	case StateDispatched:
		return "dispatched"
	}
	return "unknown"
}

// Completion describes the end of an asynchronous request.
type Completion struct {
	Sender     mhu.TransportID
	Channel    mhu.Channel
	RemoteAddr uint32
	ServiceID  ServiceID
	Buffer     Buffer
	// Err is nil on success, a *ServiceError for codes reported by the
	// remote handler, or ErrTimeout if no response arrived in time.
	Err error
}

// CompletionFunc receives the Completion of an asynchronous request.
type CompletionFunc func(Completion)

// DiscardFunc is told about a response that matched no request in
// flight, with the local address it carried. Typically a late response
// to a call which already timed out.
type DiscardFunc func(sender mhu.TransportID, ch mhu.Channel, local uint32)

// Stats are counters of an Engine.
type Stats struct {
	Requests        uint64
	Completed       uint64
	NotAcknowledged uint64
	Timeouts        uint64
	Busy            uint64
	Discarded       uint64
}

// Engine drives requests over registered mailboxes.
type Engine struct {
	Config     Config
	Clock      Clock
	Translator addr.Translator

	mailboxes map[mhu.TransportID]mhu.Mailbox
	mbLock    sync.RWMutex

	state            State
	gen              uint64
	handle           Handle
	serviceID        ServiceID
	pending          uint32
	buffer           Buffer
	ackReceived      bool
	responseReceived bool
	callback         CompletionFunc
	dispatchDeadline time.Time
	scheduler        Scheduler
	discardFuncs     []DiscardFunc
	lock             sync.Mutex

	stats Stats
}

// NewEngine creates an Engine with default config using the translator
// to convert buffer addresses.
func NewEngine(t addr.Translator) *Engine {
	return &Engine{
		Config:     DefaultConfig(),
		Clock:      SystemClock,
		Translator: t,
		mailboxes:  make(map[mhu.TransportID]mhu.Mailbox),
	}
}

// AddTransport registers a mailbox and attaches the engine as its receiver.
func (e *Engine) AddTransport(mb mhu.Mailbox) {
	e.mbLock.Lock()
	if e.mailboxes == nil {
		e.mailboxes = make(map[mhu.TransportID]mhu.Mailbox)
	}
	e.mailboxes[mb.ID()] = mb
	e.mbLock.Unlock()
	mb.Attach(e.Receiver())
}

// RegisterChannel returns the handle of a channel.
func (e *Engine) RegisterChannel(id mhu.TransportID, ch mhu.Channel) Handle {
	return Compose(id, ch)
}

// OnDiscard registers fn to be called with every discarded response.
func (e *Engine) OnDiscard(fn DiscardFunc) {
	e.lock.Lock()
	e.discardFuncs = append(e.discardFuncs, fn)
	e.lock.Unlock()
}

// Receiver adapts the engine to the notifications of a mailbox.
func (e *Engine) Receiver() mhu.Receiver {
	return mhu.ReceiverFuncs{Ack: e.OnAck, Message: e.OnResponse}
}

// State returns the current state.
func (e *Engine) State() State {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.state
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Requests:        atomic.LoadUint64(&e.stats.Requests),
		Completed:       atomic.LoadUint64(&e.stats.Completed),
		NotAcknowledged: atomic.LoadUint64(&e.stats.NotAcknowledged),
		Timeouts:        atomic.LoadUint64(&e.stats.Timeouts),
		Busy:            atomic.LoadUint64(&e.stats.Busy),
		Discarded:       atomic.LoadUint64(&e.stats.Discarded),
	}
}

func (e *Engine) clock() Clock {
	if e.Clock == nil {
		return SystemClock
	}
	return e.Clock
}

func (e *Engine) translator() addr.Translator {
	if e.Translator == nil {
		return addr.Identity
	}
	return e.Translator
}

func (e *Engine) mailbox(id mhu.TransportID) mhu.Mailbox {
	e.mbLock.RLock()
	defer e.mbLock.RUnlock()
	return e.mailboxes[id]
}

// SendRequest calls service id with the request in buf over the channel h.
//
// Without fn the call is synchronous: it returns after the response
// arrives, with nil if the remote handler reported success or a
// *ServiceError carrying its code. With fn the call returns nil once the
// doorbell is acknowledged and fn receives the Completion later.
//
// ErrNotAcknowledged and ErrTimeout are returned when the corresponding
// wait runs out of budget. The engine never retries.
func (e *Engine) SendRequest(ctx context.Context, h Handle, id ServiceID, buf Buffer, fn CompletionFunc) error {
	data := buf.Bytes()
	if len(data) < HeaderSize {
		return ErrShortBuffer
	}
	mb := e.mailbox(h.Transport())
	if mb == nil {
		return errors.Wrapf(ErrUnknownTransport, "%s", h)
	}
	clock, cfg := e.clock(), e.Config.withDefaults()
	e.expireDispatched(clock.Now())

	e.lock.Lock()
	if e.state != StateIdle {
		state := e.state
		e.lock.Unlock()
		atomic.AddUint64(&e.stats.Busy, 1)
		glog.V(2).Infof("%s %s rejected, engine %s", h, id, state)
		return ErrBusy
	}
	e.gen++
	gen := e.gen
	e.state = StateAwaitingAck
	e.handle, e.serviceID = h, id
	e.pending, e.buffer = buf.Addr(), buf
	e.ackReceived, e.responseReceived = false, false
	e.callback = fn
	writeRequestHeader(data, id)
	e.lock.Unlock()
	atomic.AddUint64(&e.stats.Requests, 1)

	remote := e.translator().ToRemote(buf.Addr())
	glog.V(2).Infof("%s REQ %s local=%08x remote=%08x", h, id, buf.Addr(), remote)
	if err := mb.Send(h.Channel(), remote); err != nil {
		e.finish(gen)
		return errors.Wrapf(err, "%s send %s", h, id)
	}

	deadline := clock.Now().Add(cfg.AckTimeout)
	for {
		ack, _, current := e.flags(gen)
		if !current {
			// an asynchronous call completed before we saw the ack.
			return nil
		}
		if ack {
			break
		}
		if err := ctx.Err(); err != nil {
			e.finish(gen)
			return err
		}
		if !clock.Now().Before(deadline) {
			e.finish(gen)
			atomic.AddUint64(&e.stats.NotAcknowledged, 1)
			glog.Warningf("%s %s not acknowledged", h, id)
			return ErrNotAcknowledged
		}
		clock.Sleep(cfg.AckPollInterval)
	}

	if fn != nil {
		e.lock.Lock()
		if e.gen == gen && e.state == StateAwaitingAck {
			e.state = StateDispatched
			e.dispatchDeadline = clock.Now().Add(cfg.ResponseTimeout)
		}
		e.lock.Unlock()
		glog.V(2).Infof("%s %s dispatched", h, id)
		return nil
	}

	e.lock.Lock()
	if e.gen == gen && e.state == StateAwaitingAck {
		e.state = StateAwaitingResponse
	}
	e.lock.Unlock()

	deadline = clock.Now().Add(cfg.ResponseTimeout)
	for {
		_, resp, _ := e.flags(gen)
		if resp {
			break
		}
		if err := ctx.Err(); err != nil {
			e.finish(gen)
			return err
		}
		if !clock.Now().Before(deadline) {
			e.finish(gen)
			atomic.AddUint64(&e.stats.Timeouts, 1)
			glog.Warningf("%s %s response timeout", h, id)
			return ErrTimeout
		}
		clock.Sleep(cfg.PollInterval)
	}
	e.finish(gen)
	atomic.AddUint64(&e.stats.Completed, 1)
	code := readErrorCode(data)
	glog.V(2).Infof("%s RSP %s: %s", h, id, code)
	return errorFromCode(code)
}

// OnAck records the acknowledgement of the doorbell.
func (e *Engine) OnAck(sender mhu.TransportID, ch mhu.Channel) {
	e.lock.Lock()
	e.ackReceived = true
	e.lock.Unlock()
	glog.V(3).Infof("mhu%d/ch%d ACK", sender, ch)
}

// OnResponse handles the response doorbell. A response that does not
// match the buffer in flight is logged and discarded.
func (e *Engine) OnResponse(sender mhu.TransportID, ch mhu.Channel, remote uint32) {
	local := e.translator().ToLocal(remote)
	e.lock.Lock()
	if e.state == StateIdle || local != e.pending {
		state, pending, fns := e.state, e.pending, e.discardFuncs
		e.lock.Unlock()
		atomic.AddUint64(&e.stats.Discarded, 1)
		glog.Warningf("mhu%d/ch%d discard response %08x (local %08x): engine %s, pending %08x",
			sender, ch, remote, local, state, pending)
		for _, fn := range fns {
			fn(sender, ch, local)
		}
		return
	}
	e.responseReceived = true
	fn, sched := e.callback, e.scheduler
	var c Completion
	if fn != nil {
		c = Completion{
			Sender:     sender,
			Channel:    ch,
			RemoteAddr: remote,
			ServiceID:  e.serviceID,
			Buffer:     e.buffer,
			Err:        errorFromCode(readErrorCode(e.buffer.Bytes())),
		}
		e.reset()
	}
	e.lock.Unlock()
	if fn != nil {
		atomic.AddUint64(&e.stats.Completed, 1)
		e.deliver(sched, fn, c)
	}
}

func (e *Engine) flags(gen uint64) (ack, resp, current bool) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.gen != gen || e.state == StateIdle {
		return false, false, false
	}
	return e.ackReceived, e.responseReceived, true
}

func (e *Engine) finish(gen uint64) {
	e.lock.Lock()
	if e.gen == gen {
		e.reset()
	}
	e.lock.Unlock()
}

// reset must be called with lock held.
func (e *Engine) reset() {
	e.state = StateIdle
	e.pending, e.buffer = 0, nil
	e.callback = nil
}

func (e *Engine) expireDispatched(now time.Time) {
	e.lock.Lock()
	if e.state != StateDispatched || now.Before(e.dispatchDeadline) {
		e.lock.Unlock()
		return
	}
	fn, sched, h := e.callback, e.scheduler, e.handle
	c := Completion{
		Sender:     e.handle.Transport(),
		Channel:    e.handle.Channel(),
		RemoteAddr: e.translator().ToRemote(e.pending),
		ServiceID:  e.serviceID,
		Buffer:     e.buffer,
		Err:        ErrTimeout,
	}
	e.reset()
	e.lock.Unlock()
	atomic.AddUint64(&e.stats.Timeouts, 1)
	glog.Warningf("%s %s dispatched request expired", h, c.ServiceID)
	if fn != nil {
		e.deliver(sched, fn, c)
	}
}
