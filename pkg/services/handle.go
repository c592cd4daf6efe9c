package services

import (
	"fmt"

	"github.com/robotalks/mhu.go/pkg/mhu"
)

// MaxChannelsPerTransport is the number of channels each mailbox provides.
const MaxChannelsPerTransport = 32

// Handle identifies a channel of a transport.
type Handle uint32

// Compose builds the Handle of a channel.
func Compose(id mhu.TransportID, ch mhu.Channel) Handle {
	return Handle(uint32(id)*MaxChannelsPerTransport + uint32(ch))
}

// Transport returns the transport ID of the handle.
func (h Handle) Transport() mhu.TransportID {
	return mhu.TransportID(uint32(h) / MaxChannelsPerTransport)
}

// Channel returns the channel number of the handle.
func (h Handle) Channel() mhu.Channel {
	return mhu.Channel(uint32(h) % MaxChannelsPerTransport)
}

func (h Handle) String() string {
	return fmt.Sprintf("mhu%d/ch%d", h.Transport(), h.Channel())
}
