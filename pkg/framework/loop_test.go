package framework

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type testMsg struct {
	n int
}

func (m *testMsg) NewMessage() Message { return &testMsg{} }

func TestLoopDeliversMessagesByPriority(t *testing.T) {
	l := NewLoop()
	l.Interval = time.Hour
	seen := make(chan string, 8)
	l.AddController(PrLvIdle, ControlFunc(func(cc ControlContext) error {
		cc.Messages().ProcessMessages(ProcessMessageFunc(func(mc MessageProcessingContext) {
			mc.MessageTaken()
			seen <- "idle"
		}))
		return nil
	}))
	l.AddController(PrLvNormal, ControlFunc(func(cc ControlContext) error {
		cc.Messages().ProcessMessages(ProcessMessageFunc(func(mc MessageProcessingContext) {
			if msg := mc.CurrentMessage().(*testMsg); msg.n == 1 {
				mc.MessageTaken()
				seen <- "normal"
			}
		}))
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	l.PostMessage(&testMsg{n: 1})
	l.PostMessage(&testMsg{n: 2})
	l.TriggerNext()
	for _, expected := range []string{"normal", "idle"} {
		select {
		case s := <-seen:
			require.Equal(t, expected, s)
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}
	cancel()
	require.Equal(t, context.Canceled, <-errCh)
}

func TestProcessMessagesStop(t *testing.T) {
	iter := &iteration{}
	iter.AddMessages(&testMsg{n: 1}, &testMsg{n: 2}, &testMsg{n: 3})
	var visited []int
	iter.ProcessMessages(ProcessMessageFunc(func(mc MessageProcessingContext) {
		n := mc.CurrentMessage().(*testMsg).n
		visited = append(visited, n)
		if n == 1 {
			mc.MessageTaken()
		}
		if n == 2 {
			mc.StopProcessing()
		}
	}))
	require.Equal(t, []int{1, 2}, visited)
	require.Equal(t, []Message{&testMsg{n: 2}, &testMsg{n: 3}}, iter.queue.msgs)
}

func TestRunnerWait(t *testing.T) {
	failure := errors.New("failure")
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunnerWith(ctx)
	r.Go(
		NamedRun("canceled", RunFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})),
		NamedRun("failing", RunFunc(func(context.Context) error { return failure })),
	)
	cancel()
	err := r.Wait()
	require.Error(t, err)
	require.Equal(t, failure, errors.Cause(err))
	require.Contains(t, err.Error(), "failing")
}

func TestRunWithContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})
	cancel()
	err := RunWithContextCancel(ctx, func() { close(stop) }, func() error {
		<-stop
		return nil
	})
	require.Equal(t, context.Canceled, err)
}
