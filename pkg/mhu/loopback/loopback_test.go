package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/mhu.go/pkg/mhu"
)

type note struct {
	ack   bool
	id    mhu.TransportID
	ch    mhu.Channel
	value uint32
}

func recorder(ch chan note) mhu.Receiver {
	return mhu.ReceiverFuncs{
		Ack: func(id mhu.TransportID, c mhu.Channel) {
			ch <- note{ack: true, id: id, ch: c}
		},
		Message: func(id mhu.TransportID, c mhu.Channel, v uint32) {
			ch <- note{id: id, ch: c, value: v}
		},
	}
}

func nextNote(t *testing.T, ch chan note) note {
	select {
	case n := <-ch:
		return n
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout")
	}
	return note{}
}

func TestPairAckBeforeReply(t *testing.T) {
	a, b := Pair(0, 1)
	aCh, bCh := make(chan note, 4), make(chan note, 4)
	a.Attach(recorder(aCh))
	b.Attach(mhu.ReceiverFuncs{
		Message: func(id mhu.TransportID, c mhu.Channel, v uint32) {
			bCh <- note{id: id, ch: c, value: v}
			// reply right away from the receiving callback
			require.NoError(t, b.Send(c, v))
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	require.NoError(t, a.Send(2, 0x58800040))
	require.Equal(t, note{id: 1, ch: 2, value: 0x58800040}, nextNote(t, bCh))
	require.Equal(t, note{ack: true, id: 0, ch: 2}, nextNote(t, aCh))
	require.Equal(t, note{id: 0, ch: 2, value: 0x58800040}, nextNote(t, aCh))
}

func TestSendAfterStop(t *testing.T) {
	a, b := Pair(0, 1)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(ctx) }()
	cancel()
	require.Equal(t, context.Canceled, <-errCh)
	require.Equal(t, ErrClosed, a.Send(0, 1))
}

func TestPairBothInboxesFull(t *testing.T) {
	a, b := Pair(0, 1)
	aCh, bCh := make(chan note, 4*DefaultQueueSize), make(chan note, 4*DefaultQueueSize)
	a.Attach(recorder(aCh))
	b.Attach(recorder(bCh))
	for i := 0; i < DefaultQueueSize; i++ {
		require.NoError(t, a.Send(1, uint32(i)))
		require.NoError(t, b.Send(2, uint32(i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	for _, ch := range []chan note{aCh, bCh} {
		var acks, msgs int
		for acks+msgs < 2*DefaultQueueSize {
			if nextNote(t, ch).ack {
				acks++
			} else {
				msgs++
			}
		}
		require.Equal(t, DefaultQueueSize, acks)
		require.Equal(t, DefaultQueueSize, msgs)
	}
}
