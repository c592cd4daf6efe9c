// Package link carries doorbells over a byte stream.
//
// Both ends start by synchronizing sequence numbers: a side sends syncREQ
// followed by its next sequence number and the peer answers with syncACK
// and its own. Every frame then starts with the expected sequence number.
// A byte out of sequence, an unknown frame kind or a stall in the middle
// of a frame makes the receiving side resynchronize. Frames are never
// retransmitted, a lost doorbell ends up as an unacknowledged request.
//
// The link acknowledges every doorbell frame before handing it to the
// receiver.
package link

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/robotalks/mhu.go/pkg/mhu"
)

var (
	// ErrNotReady indicates the link is not synchronized.
	ErrNotReady = errors.New("link not ready")
	// ErrChannelRange indicates the channel doesn't fit in a frame.
	ErrChannelRange = errors.New("channel out of range")
)

// DefaultTimeout is the sync timeout of a Link.
const DefaultTimeout = 100 * time.Millisecond

// Link is a Mailbox over an io.ReadWriter.
type Link struct {
	ReadWriter io.ReadWriter
	Timeout    time.Duration

	id       mhu.TransportID
	receiver mhu.Receiver
	seq      FrameSeq
	state    SyncState
	readyCh  chan struct{}
	lock     sync.RWMutex

	syncTimer <-chan time.Time
	parser    Parser
}

// New creates a Link.
func New(id mhu.TransportID, rw io.ReadWriter) *Link {
	return &Link{
		ReadWriter: rw,
		Timeout:    DefaultTimeout,
		id:         id,
		seq:        NewFrameSeq(),
		readyCh:    make(chan struct{}),
	}
}

// ID implements Mailbox.
func (l *Link) ID() mhu.TransportID { return l.id }

// Attach implements Mailbox.
func (l *Link) Attach(r mhu.Receiver) {
	l.lock.Lock()
	l.receiver = r
	l.lock.Unlock()
}

// State gets the sync state.
func (l *Link) State() SyncState {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.state
}

// WaitReady blocks until the link is synchronized.
func (l *Link) WaitReady(ctx context.Context) error {
	l.lock.RLock()
	ready, ch := l.state.IsReady(), l.readyCh
	l.lock.RUnlock()
	if ready {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send implements Mailbox.
func (l *Link) Send(ch mhu.Channel, value uint32) error {
	return l.send(KindDoorbell, ch, value)
}

func (l *Link) send(kind FrameKind, ch mhu.Channel, value uint32) error {
	if ch > 0xff {
		return ErrChannelRange
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	if !l.state.IsReady() {
		return ErrNotReady
	}
	frame := &Frame{Seq: l.seq, Kind: kind, Channel: ch, Value: value}
	if _, err := frame.WriteTo(l.ReadWriter); err != nil {
		return err
	}
	glog.V(3).Infof("link[%d] SND %s", l.id, frame)
	l.seq = l.seq.Next()
	return nil
}

// Run processes the link until ctx is done or the stream fails.
func (l *Link) Run(ctx context.Context) error {
	if l.Timeout <= 0 {
		l.Timeout = DefaultTimeout
	}
	if err := l.applyParseResult(l.parser.Reset()); err != nil {
		return err
	}
	byteCh, errCh := make(chan byte), make(chan error, 1)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go l.readLoop(subCtx, byteCh, errCh)
	for {
		var err error
		select {
		case b := <-byteCh:
			err = l.applyParseResult(l.parser.Parse(b))
		case err = <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-l.syncTimer:
			err = l.applyParseResult(l.parser.Timeout())
		}
		if err != nil {
			return err
		}
	}
}

func (l *Link) readLoop(ctx context.Context, byteCh chan byte, errCh chan error) {
	buf := make([]byte, 1)
	for {
		n, err := l.ReadWriter.Read(buf)
		if err != nil {
			errCh <- err
			return
		}
		if n == 0 {
			continue
		}
		select {
		case byteCh <- buf[0]:
		case <-ctx.Done():
			return
		}
	}
}

func (l *Link) applyParseResult(pr ParseResult) (err error) {
	l.lock.Lock()
	if l.state != pr.State {
		glog.V(2).Infof("link[%d] %s -> %s", l.id, l.state, pr.State)
		if pr.State.IsReady() && !l.state.IsReady() {
			close(l.readyCh)
		} else if !pr.State.IsReady() && l.state.IsReady() {
			l.readyCh = make(chan struct{})
		}
		l.state = pr.State
	}
	if pr.Sync != 0 {
		_, err = l.ReadWriter.Write([]byte{pr.Sync, byte(l.seq)})
	}
	receiver := l.receiver
	l.lock.Unlock()
	if err != nil {
		return
	}

	switch pr.WhatAboutTimer() {
	case TimerRestart:
		l.syncTimer = time.After(l.Timeout)
	case TimerStop:
		l.syncTimer = nil
	}

	if frame := pr.Frame; frame != nil {
		glog.V(3).Infof("link[%d] RCV %s", l.id, frame)
		switch frame.Kind {
		case KindAck:
			if receiver != nil {
				receiver.SendAcknowledged(l.id, frame.Channel)
			}
		case KindDoorbell:
			if err = l.send(KindAck, frame.Channel, 0); err != nil {
				return errors.Wrapf(err, "link[%d] ack ch%d", l.id, frame.Channel)
			}
			if receiver != nil {
				receiver.MessageReceived(l.id, frame.Channel, frame.Value)
			}
		}
	}
	return
}
