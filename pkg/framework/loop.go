// Package framework provides the event loop and background runners
// shared by the clients and the simulated enclave.
package framework

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// DefaultLoopInterval is the tick of a Loop when Interval is unset.
const DefaultLoopInterval = 100 * time.Millisecond

// Loop runs controllers by priority on every tick, or on demand after
// TriggerNext. Messages posted from any goroutine are handed to the
// controllers of the next iteration.
type Loop struct {
	Interval time.Duration

	levels  [PriorityLevels][]Controller
	runners []Runnable

	queue messageQueue
	lock  sync.Mutex

	wakeUpCh chan struct{}
}

// LoopAdder installs its controllers into a loop.
type LoopAdder interface {
	AddToLoop(*Loop)
}

// NewLoop creates a Loop.
func NewLoop() *Loop {
	return &Loop{Interval: DefaultLoopInterval, wakeUpCh: make(chan struct{}, 1)}
}

// Add adds LoopAdders.
func (l *Loop) Add(adders ...LoopAdder) *Loop {
	for _, adder := range adders {
		adder.AddToLoop(l)
	}
	return l
}

// AddController registers controllers at a priority level. Controllers
// which are also Runnable are started along with the loop.
// It must be called before Run.
func (l *Loop) AddController(priorityLevel int, ctls ...Controller) *Loop {
	l.levels[priorityLevel] = append(l.levels[priorityLevel], ctls...)
	for _, ctl := range ctls {
		if runner, ok := ctl.(Runnable); ok {
			l.runners = append(l.runners, runner)
		}
	}
	return l
}

// AddRunnable adds tasks started along with the loop.
func (l *Loop) AddRunnable(runnables ...Runnable) *Loop {
	l.runners = append(l.runners, runnables...)
	return l
}

// Run implements Runnable.
func (l *Loop) Run(ctx context.Context) error {
	runner := NewRunnerWith(ctx)
	runner.Go(l.runners...)
	defer runner.Wait()

	interval := l.Interval
	if interval <= 0 {
		interval = DefaultLoopInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-l.wakeUp():
		}
		l.runIteration(ctx)
	}
}

// PostMessage implements LoopControl.
func (l *Loop) PostMessage(msg Message) {
	l.lock.Lock()
	l.queue.push(msg)
	l.lock.Unlock()
}

// TriggerNext implements LoopControl.
func (l *Loop) TriggerNext() {
	select {
	case l.wakeUp() <- struct{}{}:
	default:
	}
}

func (l *Loop) wakeUp() chan struct{} {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.wakeUpCh == nil {
		l.wakeUpCh = make(chan struct{}, 1)
	}
	return l.wakeUpCh
}

func (l *Loop) runIteration(ctx context.Context) {
	iter := &iteration{loop: l, ctx: ctx, time: time.Now()}
	l.lock.Lock()
	iter.queue, l.queue = l.queue, messageQueue{}
	l.lock.Unlock()
	for lv, ctls := range l.levels {
		iter.level = lv
		for _, ctl := range ctls {
			if err := ctl.Control(iter); err != nil {
				glog.Errorf("controller at level %d: %v", lv, err)
			}
		}
	}
	if n := iter.queue.len(); n > 0 {
		glog.V(3).Infof("%d messages not consumed", n)
	}
}

type iteration struct {
	loop  *Loop
	ctx   context.Context
	time  time.Time
	level int
	queue messageQueue
}

func (t *iteration) Context() context.Context { return t.ctx }
func (t *iteration) Time() time.Time          { return t.time }
func (t *iteration) PriorityLevel() int       { return t.level }
func (t *iteration) Messages() MessageStore   { return t }
func (t *iteration) PostMessage(msg Message)  { t.loop.PostMessage(msg) }
func (t *iteration) TriggerNext()             { t.loop.TriggerNext() }

func (t *iteration) AddMessages(msgs ...Message) {
	for _, msg := range msgs {
		t.queue.push(msg)
	}
}

func (t *iteration) ProcessMessages(proc MessageProcessor) {
	var remains messageQueue
	msgs := t.queue.msgs
	t.queue = messageQueue{}
	for n, msg := range msgs {
		mctx := &messageContext{msg: msg}
		proc.ProcessMessage(mctx)
		if !mctx.taken {
			remains.push(msg)
		}
		if mctx.stop {
			remains.msgs = append(remains.msgs, msgs[n+1:]...)
			break
		}
	}
	// messages added while processing go last
	remains.msgs = append(remains.msgs, t.queue.msgs...)
	t.queue = remains
}

type messageQueue struct {
	msgs []Message
}

func (q *messageQueue) push(msg Message) { q.msgs = append(q.msgs, msg) }
func (q *messageQueue) len() int         { return len(q.msgs) }

type messageContext struct {
	msg   Message
	taken bool
	stop  bool
}

func (c *messageContext) CurrentMessage() Message { return c.msg }
func (c *messageContext) MessageTaken()           { c.taken = true }
func (c *messageContext) StopProcessing()         { c.stop = true }
