// Package mqtt carries doorbells over an MQTT broker.
//
// Each node subscribes to its own doorbell and ack topics:
//
//	<prefix><node>/db/<channel>
//	<prefix><node>/ack/<channel>
//
// A doorbell published to the peer's db topic is acknowledged on the
// sender's ack topic before it is handed to the receiver. Payloads are
// protobuf encoded UInt32Value.
package mqtt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes/wrappers"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/robotalks/mhu.go/pkg/mhu"
)

// DefaultPublishTimeout bounds the wait for a publish to be handed to
// the broker connection.
const DefaultPublishTimeout = time.Second

// ErrPublishTimeout indicates the publish token didn't complete in time.
var ErrPublishTimeout = errors.New("publish timeout")

// Topic kinds.
const (
	TopicDoorbell = "db"
	TopicAck      = "ack"
)

// DoorbellTopic is the topic node receives doorbells on.
func DoorbellTopic(node string, ch mhu.Channel) string {
	return fmt.Sprintf("%s/%s/%d", node, TopicDoorbell, ch)
}

// AckTopic is the topic node receives acknowledgements on.
func AckTopic(node string, ch mhu.Channel) string {
	return fmt.Sprintf("%s/%s/%d", node, TopicAck, ch)
}

// ParseTopic splits a doorbell or ack topic.
func ParseTopic(topic string) (node, kind string, ch mhu.Channel, err error) {
	items := strings.Split(topic, "/")
	if len(items) < 3 {
		return "", "", 0, errors.Errorf("invalid topic %q", topic)
	}
	n := len(items)
	kind = items[n-2]
	if kind != TopicDoorbell && kind != TopicAck {
		return "", "", 0, errors.Errorf("invalid topic kind %q", topic)
	}
	num, err := strconv.ParseUint(items[n-1], 10, 32)
	if err != nil {
		return "", "", 0, errors.Wrapf(err, "invalid channel %q", topic)
	}
	return strings.Join(items[:n-2], "/"), kind, mhu.Channel(num), nil
}

// EncodeValue encodes a doorbell value.
func EncodeValue(value uint32) ([]byte, error) {
	return proto.Marshal(&wrappers.UInt32Value{Value: value})
}

// DecodeValue decodes a doorbell value.
func DecodeValue(payload []byte) (uint32, error) {
	var v wrappers.UInt32Value
	if err := proto.Unmarshal(payload, &v); err != nil {
		return 0, err
	}
	return v.Value, nil
}

// Mailbox is a Mailbox between two nodes sharing a broker.
type Mailbox struct {
	Queue          *Queue
	Name           string
	Peer           string
	PublishTimeout time.Duration

	id       mhu.TransportID
	receiver mhu.Receiver
	subs     []*Subscription
	lock     sync.RWMutex
}

// NewMailbox creates a Mailbox for node name talking to peer.
func NewMailbox(q *Queue, id mhu.TransportID, name, peer string) *Mailbox {
	return &Mailbox{
		Queue:          q,
		Name:           name,
		Peer:           peer,
		PublishTimeout: DefaultPublishTimeout,
		id:             id,
	}
}

// ID implements Mailbox.
func (m *Mailbox) ID() mhu.TransportID { return m.id }

// Attach implements Mailbox.
func (m *Mailbox) Attach(r mhu.Receiver) {
	m.lock.Lock()
	m.receiver = r
	m.lock.Unlock()
}

// Start subscribes the topics of the node.
func (m *Mailbox) Start() error {
	subs := []*Subscription{
		m.Queue.Sub(m.Name+"/"+TopicDoorbell+"/+", m.handleDoorbell),
		m.Queue.Sub(m.Name+"/"+TopicAck+"/+", m.handleAck),
	}
	m.lock.Lock()
	m.subs = append(m.subs, subs...)
	m.lock.Unlock()
	for _, sub := range subs {
		if err := m.wait(sub.Token); err != nil {
			return errors.Wrapf(err, "subscribe %s", sub.filter)
		}
	}
	return nil
}

// Close unsubscribes the topics.
func (m *Mailbox) Close() (err error) {
	m.lock.Lock()
	subs := m.subs
	m.subs = nil
	m.lock.Unlock()
	for _, sub := range subs {
		err = multierr.Append(err, sub.Close())
	}
	return
}

// Run implements Runnable. It subscribes until ctx is done.
func (m *Mailbox) Run(ctx context.Context) error {
	if err := m.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return multierr.Append(ctx.Err(), m.Close())
}

// Send implements Mailbox.
func (m *Mailbox) Send(ch mhu.Channel, value uint32) error {
	payload, err := EncodeValue(value)
	if err != nil {
		return err
	}
	topic := DoorbellTopic(m.Peer, ch)
	glog.V(3).Infof("mqtt[%d] PUB %s %08x", m.id, topic, value)
	return errors.Wrapf(m.wait(m.Queue.Pub(topic, payload)), "publish %s", topic)
}

func (m *Mailbox) wait(token interface {
	WaitTimeout(time.Duration) bool
	Error() error
}) error {
	timeout := m.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	if !token.WaitTimeout(timeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

func (m *Mailbox) currentReceiver() mhu.Receiver {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.receiver
}

func (m *Mailbox) handleDoorbell(topic string, payload []byte) {
	_, _, ch, err := ParseTopic(topic)
	if err != nil {
		glog.Warningf("mqtt[%d] %v", m.id, err)
		return
	}
	value, err := DecodeValue(payload)
	if err != nil {
		glog.Warningf("mqtt[%d] %s bad payload: %v", m.id, topic, err)
		return
	}
	// Publishing from the message callback must not wait for the token.
	m.Queue.Pub(AckTopic(m.Peer, ch), nil)
	if r := m.currentReceiver(); r != nil {
		r.MessageReceived(m.id, ch, value)
	}
}

func (m *Mailbox) handleAck(topic string, payload []byte) {
	_, _, ch, err := ParseTopic(topic)
	if err != nil {
		glog.Warningf("mqtt[%d] %v", m.id, err)
		return
	}
	if r := m.currentReceiver(); r != nil {
		r.SendAcknowledged(m.id, ch)
	}
}
