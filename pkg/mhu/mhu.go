// Package mhu defines the doorbell transport between two cores.
//
// A Message Handling Unit delivers a single 32-bit value per channel to
// the remote core and raises an acknowledgement on the sender once the
// remote side has taken the value. For the services protocol the value is
// always the global address of a request/response buffer.
package mhu

import "fmt"

// TransportID identifies a mailbox instance.
type TransportID uint32

// Channel is a doorbell channel within a mailbox.
type Channel uint32

// Receiver is notified by a Mailbox. The calls happen on the transport's
// own goroutine and must not block.
type Receiver interface {
	// SendAcknowledged is called when the remote core took the value
	// sent on the channel.
	SendAcknowledged(id TransportID, ch Channel)
	// MessageReceived is called when the remote core rings the channel.
	MessageReceived(id TransportID, ch Channel, value uint32)
}

// ReceiverFuncs is the func form of Receiver. Nil funcs are ignored.
type ReceiverFuncs struct {
	Ack     func(TransportID, Channel)
	Message func(TransportID, Channel, uint32)
}

// SendAcknowledged implements Receiver.
func (f ReceiverFuncs) SendAcknowledged(id TransportID, ch Channel) {
	if f.Ack != nil {
		f.Ack(id, ch)
	}
}

// MessageReceived implements Receiver.
func (f ReceiverFuncs) MessageReceived(id TransportID, ch Channel, value uint32) {
	if f.Message != nil {
		f.Message(id, ch, value)
	}
}

// Mailbox sends doorbells to the remote core.
type Mailbox interface {
	// ID returns the transport ID of the mailbox.
	ID() TransportID
	// Send rings the remote core on the channel with the value.
	Send(ch Channel, value uint32) error
	// Attach sets the receiver for inbound notifications.
	Attach(Receiver)
}

// Doorbell is a value sent over a channel.
type Doorbell struct {
	Channel Channel
	Value   uint32
}

func (d Doorbell) String() string {
	return fmt.Sprintf("ch%d:%08x", d.Channel, d.Value)
}
