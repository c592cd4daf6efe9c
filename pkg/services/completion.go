package services

import (
	fx "github.com/robotalks/mhu.go/pkg/framework"
)

// Scheduler queues messages for a lower priority context.
// *framework.Loop implements it.
type Scheduler interface {
	PostMessage(fx.Message)
	TriggerNext()
}

// CompletionMsg carries a Completion through the loop.
type CompletionMsg struct {
	Completion
	engine *Engine
	fn     CompletionFunc
}

// NewMessage implements Message.
func (m *CompletionMsg) NewMessage() fx.Message { return &CompletionMsg{} }

// AddToLoop implements LoopAdder. Completions are then delivered by the
// loop instead of the transport callback, and dispatched requests
// without response are expired at idle priority.
func (e *Engine) AddToLoop(l *fx.Loop) {
	e.lock.Lock()
	e.scheduler = l
	e.lock.Unlock()
	l.AddController(fx.PrLvNormal, fx.ControlFunc(e.deliverCompletions))
	l.AddController(fx.PrLvIdle, fx.ControlFunc(func(fx.ControlContext) error {
		e.expireDispatched(e.clock().Now())
		return nil
	}))
}

func (e *Engine) deliver(sched Scheduler, fn CompletionFunc, c Completion) {
	if sched == nil {
		fn(c)
		return
	}
	sched.PostMessage(&CompletionMsg{Completion: c, engine: e, fn: fn})
	sched.TriggerNext()
}

func (e *Engine) deliverCompletions(cc fx.ControlContext) error {
	cc.Messages().ProcessMessages(fx.ProcessMessageFunc(func(mctx fx.MessageProcessingContext) {
		if msg, ok := mctx.CurrentMessage().(*CompletionMsg); ok && msg.engine == e {
			mctx.MessageTaken()
			msg.fn(msg.Completion)
		}
	}))
	return nil
}
