// Package enclave simulates the remote core answering service requests.
//
// The Server is attached to a mailbox as its receiver. The transport
// acknowledges each doorbell, the server then resolves the buffer from
// the address, runs the handler of the service ID, writes the error code
// into the header and rings back with the same address.
package enclave

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/robotalks/mhu.go/pkg/addr"
	"github.com/robotalks/mhu.go/pkg/mhu"
	"github.com/robotalks/mhu.go/pkg/services"
	"github.com/robotalks/mhu.go/pkg/shm"
)

// DefaultQueueSize is the number of doorbells waiting to be served.
const DefaultQueueSize = 16

// Request is a service request being served.
type Request struct {
	Sender  mhu.TransportID
	Channel mhu.Channel
	// Addr is the buffer address as received.
	Addr uint32
	// Local is Addr translated for Memory.
	Local  uint32
	Header services.Header

	mem shm.Memory
}

// Decode reads the payload after the header into v.
func (r *Request) Decode(v interface{}) error {
	b, err := r.payload(v)
	if err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, v)
}

// Encode writes v as the payload after the header.
func (r *Request) Encode(v interface{}) error {
	b, err := r.payload(v)
	if err != nil {
		return err
	}
	var w bytes.Buffer
	if err = binary.Write(&w, binary.LittleEndian, v); err == nil {
		copy(b, w.Bytes())
	}
	return err
}

func (r *Request) payload(v interface{}) ([]byte, error) {
	n := binary.Size(v)
	if n < 0 {
		return nil, errors.Errorf("invalid payload type %T", v)
	}
	return r.mem.Slice(r.Local+services.HeaderSize, n)
}

// Handler serves a service ID.
type Handler interface {
	ServeService(*Request) services.ErrorCode
}

// HandlerFunc is the func form of Handler.
type HandlerFunc func(*Request) services.ErrorCode

// ServeService implements Handler.
func (f HandlerFunc) ServeService(r *Request) services.ErrorCode {
	return f(r)
}

// Stats are counters of a Server.
type Stats struct {
	Served  uint64
	Unknown uint64
	Failed  uint64
	Dropped uint64
}

type doorbell struct {
	sender mhu.TransportID
	mhu.Doorbell
}

// Server serves requests arriving on a mailbox.
type Server struct {
	Mailbox    mhu.Mailbox
	Memory     shm.Memory
	Translator addr.Translator

	handlers map[services.ServiceID]Handler
	lock     sync.RWMutex
	queue    chan doorbell
	stats    Stats
}

// NewServer creates a server and attaches it to mb.
func NewServer(mb mhu.Mailbox, mem shm.Memory, t addr.Translator) *Server {
	s := &Server{
		Mailbox:    mb,
		Memory:     mem,
		Translator: t,
		handlers:   make(map[services.ServiceID]Handler),
		queue:      make(chan doorbell, DefaultQueueSize),
	}
	mb.Attach(s)
	return s
}

// Handle registers the handler of a service ID.
func (s *Server) Handle(id services.ServiceID, h Handler) *Server {
	s.lock.Lock()
	s.handlers[id] = h
	s.lock.Unlock()
	return s
}

// HandleFunc registers a func as the handler of a service ID.
func (s *Server) HandleFunc(id services.ServiceID, fn func(*Request) services.ErrorCode) *Server {
	return s.Handle(id, HandlerFunc(fn))
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	return Stats{
		Served:  atomic.LoadUint64(&s.stats.Served),
		Unknown: atomic.LoadUint64(&s.stats.Unknown),
		Failed:  atomic.LoadUint64(&s.stats.Failed),
		Dropped: atomic.LoadUint64(&s.stats.Dropped),
	}
}

// SendAcknowledged implements Receiver.
func (s *Server) SendAcknowledged(id mhu.TransportID, ch mhu.Channel) {
	glog.V(3).Infof("enclave mhu%d/ch%d ACK", id, ch)
}

// MessageReceived implements Receiver.
func (s *Server) MessageReceived(id mhu.TransportID, ch mhu.Channel, value uint32) {
	select {
	case s.queue <- doorbell{sender: id, Doorbell: mhu.Doorbell{Channel: ch, Value: value}}:
	default:
		atomic.AddUint64(&s.stats.Dropped, 1)
		glog.Warningf("enclave mhu%d %s dropped, queue full", id, mhu.Doorbell{Channel: ch, Value: value})
	}
}

// Run implements Runnable.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case db := <-s.queue:
			s.serve(db)
		}
	}
}

func (s *Server) translator() addr.Translator {
	if s.Translator == nil {
		return addr.Identity
	}
	return s.Translator
}

func (s *Server) serve(db doorbell) {
	req := &Request{
		Sender:  db.sender,
		Channel: db.Channel,
		Addr:    db.Value,
		Local:   s.translator().ToLocal(db.Value),
		mem:     s.Memory,
	}
	hdr, err := s.Memory.Slice(req.Local, services.HeaderSize)
	if err != nil {
		// nowhere to write the code, the caller times out
		atomic.AddUint64(&s.stats.Failed, 1)
		glog.Errorf("enclave mhu%d %s: %v", db.sender, db.Doorbell, err)
		return
	}
	req.Header, _ = services.DecodeHeader(hdr)

	s.lock.RLock()
	h := s.handlers[req.Header.ServiceID]
	s.lock.RUnlock()
	code := services.UnknownCommand
	if h != nil {
		code = h.ServeService(req)
	}
	switch {
	case h == nil:
		atomic.AddUint64(&s.stats.Unknown, 1)
	case code != services.Success:
		atomic.AddUint64(&s.stats.Failed, 1)
	}
	atomic.AddUint64(&s.stats.Served, 1)
	glog.V(2).Infof("enclave mhu%d/ch%d %s %08x: %s", db.sender, db.Channel, req.Header.ServiceID, db.Value, code)

	services.SetErrorCode(hdr, code)
	if err := s.Mailbox.Send(db.Channel, db.Value); err != nil {
		glog.Errorf("enclave mhu%d/ch%d respond %08x: %v", db.sender, db.Channel, db.Value, err)
	}
}
