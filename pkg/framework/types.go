package framework

import (
	"context"
	"time"
)

// Named is implemented by things with a name.
type Named interface {
	Name() string
}

// Runnable is a background task running until the context is done.
type Runnable interface {
	Run(context.Context) error
}

// RunFunc is the func form of Runnable.
type RunFunc func(context.Context) error

// Run implements Runnable.
func (f RunFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Message is queued to a Loop and consumed by its controllers.
type Message interface {
	// NewMessage creates an empty message of the same type.
	NewMessage() Message
}

// Controller runs once per loop iteration at its priority level.
type Controller interface {
	Control(ControlContext) error
}

// ControlFunc is the func form of Controller.
type ControlFunc func(ControlContext) error

// Control implements Controller.
func (f ControlFunc) Control(ctx ControlContext) error {
	return f(ctx)
}

// ControlContext is the context of the current iteration.
type ControlContext interface {
	// Context retrieves context.Context of the loop.
	Context() context.Context
	// Time is when the iteration started.
	Time() time.Time
	// PriorityLevel gets the level being run.
	PriorityLevel() int
	// Messages retrieves the messages queued before the iteration started.
	Messages() MessageStore

	LoopControl
}

// Priority levels, lower runs first.
const (
	PriorityLevels int = 16

	PrLvTop    int = 0
	PrLvHigh   int = 4
	PrLvNormal int = 8
	PrLvLow    int = 12
	PrLvIdle   int = PriorityLevels - 1
)

// LoopControl exposes the loop to producers of messages.
type LoopControl interface {
	// PostMessage queues the message for the next iteration.
	PostMessage(Message)
	// TriggerNext starts the next iteration without waiting for the tick.
	TriggerNext()
}

// MessageStore gives controllers access to queued messages.
type MessageStore interface {
	// ProcessMessages feeds messages to proc in queuing order.
	ProcessMessages(MessageProcessor)
	// AddMessages appends messages for the controllers
	// running later in the same iteration.
	AddMessages(msgs ...Message)
}

// MessageProcessor examines one message at a time.
type MessageProcessor interface {
	ProcessMessage(MessageProcessingContext)
}

// ProcessMessageFunc is the func form of MessageProcessor.
type ProcessMessageFunc func(MessageProcessingContext)

// ProcessMessage implements MessageProcessor.
func (f ProcessMessageFunc) ProcessMessage(mc MessageProcessingContext) {
	f(mc)
}

// MessageProcessingContext is the context of the message being processed.
type MessageProcessingContext interface {
	CurrentMessage() Message
	// MessageTaken removes the message from the store.
	MessageTaken()
	// StopProcessing skips the remaining messages.
	StopProcessing()
}
