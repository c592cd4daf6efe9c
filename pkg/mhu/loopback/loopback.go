// Package loopback connects two mailboxes inside one process.
package loopback

import (
	"context"
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/robotalks/mhu.go/pkg/mhu"
)

// ErrClosed indicates the endpoint is stopped.
var ErrClosed = errors.New("endpoint closed")

// Endpoint is one side of a loopback pair.
type Endpoint struct {
	id   mhu.TransportID
	peer *Endpoint

	inbox    chan mhu.Doorbell
	done     chan struct{}
	receiver mhu.Receiver
	lock     sync.RWMutex
	stopOnce sync.Once

	// acks are counted per channel like the ack bits of the hardware,
	// so raising one never blocks.
	acks    map[mhu.Channel]int
	ackCh   chan struct{}
	ackLock sync.Mutex
}

// DefaultQueueSize is the number of undelivered doorbells an endpoint holds.
const DefaultQueueSize = 16

func newEndpoint(id mhu.TransportID) *Endpoint {
	return &Endpoint{
		id:    id,
		inbox: make(chan mhu.Doorbell, DefaultQueueSize),
		done:  make(chan struct{}),
		acks:  make(map[mhu.Channel]int),
		ackCh: make(chan struct{}, 1),
	}
}

// Pair creates two connected endpoints. The transport IDs are the ones
// each side reports in notifications.
func Pair(a, b mhu.TransportID) (*Endpoint, *Endpoint) {
	ea, eb := newEndpoint(a), newEndpoint(b)
	ea.peer, eb.peer = eb, ea
	return ea, eb
}

// ID implements Mailbox.
func (e *Endpoint) ID() mhu.TransportID { return e.id }

// Attach implements Mailbox.
func (e *Endpoint) Attach(r mhu.Receiver) {
	e.lock.Lock()
	e.receiver = r
	e.lock.Unlock()
}

// Send implements Mailbox.
func (e *Endpoint) Send(ch mhu.Channel, value uint32) error {
	return e.peer.post(mhu.Doorbell{Channel: ch, Value: value})
}

func (e *Endpoint) post(db mhu.Doorbell) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	select {
	case e.inbox <- db:
		return nil
	case <-e.done:
		return ErrClosed
	}
}

func (e *Endpoint) raiseAck(ch mhu.Channel) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	e.ackLock.Lock()
	e.acks[ch]++
	e.ackLock.Unlock()
	select {
	case e.ackCh <- struct{}{}:
	default:
	}
	return nil
}

func (e *Endpoint) currentReceiver() mhu.Receiver {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.receiver
}

func (e *Endpoint) deliverAcks() {
	e.ackLock.Lock()
	acks := e.acks
	e.acks = make(map[mhu.Channel]int)
	e.ackLock.Unlock()
	if len(acks) == 0 {
		return
	}
	channels := make([]mhu.Channel, 0, len(acks))
	for ch := range acks {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	r := e.currentReceiver()
	for _, ch := range channels {
		for n := acks[ch]; n > 0; n-- {
			glog.V(3).Infof("loopback[%d] ACK ch%d", e.id, ch)
			if r != nil {
				r.SendAcknowledged(e.id, ch)
			}
		}
	}
}

// Run delivers doorbells and acks to the receiver until ctx is done.
// A doorbell is acknowledged to the peer before the receiver sees it,
// and pending acks are delivered before the next doorbell, so the peer
// always observes the ack before any reply.
func (e *Endpoint) Run(ctx context.Context) error {
	defer e.stopOnce.Do(func() { close(e.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ackCh:
			e.deliverAcks()
		case db := <-e.inbox:
			e.deliverAcks()
			glog.V(3).Infof("loopback[%d] RCV %s", e.id, db)
			if err := e.peer.raiseAck(db.Channel); err != nil {
				glog.Warningf("loopback[%d] ack %s dropped: %v", e.id, db, err)
			}
			if r := e.currentReceiver(); r != nil {
				r.MessageReceived(e.id, db.Channel, db.Value)
			}
		}
	}
}
