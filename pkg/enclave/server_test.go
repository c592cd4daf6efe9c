package enclave

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/mhu.go/pkg/addr"
	"github.com/robotalks/mhu.go/pkg/mhu"
	"github.com/robotalks/mhu.go/pkg/services"
	"github.com/robotalks/mhu.go/pkg/services/calls"
	"github.com/robotalks/mhu.go/pkg/shm"
)

type recordingMailbox struct {
	sent []mhu.Doorbell
}

func (m *recordingMailbox) ID() mhu.TransportID { return 1 }

func (m *recordingMailbox) Attach(mhu.Receiver) {}

func (m *recordingMailbox) Send(ch mhu.Channel, value uint32) error {
	m.sent = append(m.sent, mhu.Doorbell{Channel: ch, Value: value})
	return nil
}

type serverTestEnv struct {
	t       *testing.T
	mailbox *recordingMailbox
	region  *shm.Region
	server  *Server
	device  *Device
}

func newServerTestEnv(t *testing.T) *serverTestEnv {
	env := &serverTestEnv{
		t:       t,
		mailbox: &recordingMailbox{},
		region:  shm.NewRegion(0x20000000, 256),
	}
	// served through the global alias of the HE DTCM
	env.server = NewServer(env.mailbox, env.region, addr.EnsembleHE)
	env.device = DefaultHandlers(env.server)
	return env
}

func (e *serverTestEnv) request(off uint32, id services.ServiceID, payload interface{}) uint32 {
	b, err := e.region.Slice(e.region.Base()+off, calls.PayloadSize(payload))
	require.NoError(e.t, err)
	require.NoError(e.t, services.Header{ServiceID: id, ErrorCode: 0xaa}.Encode(b))
	if payload != nil {
		require.NoError(e.t, calls.EncodePayload(b, payload))
	}
	return addr.EnsembleHE.ToRemote(e.region.Base() + off)
}

func (e *serverTestEnv) serve(ch mhu.Channel, remote uint32) services.Header {
	e.server.MessageReceived(0, ch, remote)
	e.server.serve(<-e.server.queue)
	b, err := e.region.Slice(addr.EnsembleHE.ToLocal(remote), services.HeaderSize)
	if err != nil {
		return services.Header{}
	}
	hdr, err := services.DecodeHeader(b)
	require.NoError(e.t, err)
	return hdr
}

func TestServeBootCPU(t *testing.T) {
	env := newServerTestEnv(t)
	remote := env.request(0x40, services.BootCPU, &calls.BootCPUPayload{CPU: calls.CPUExternHP, Address: 0x1000})
	require.Equal(t, uint32(0x58800040), remote)
	hdr := env.serve(3, remote)
	require.Equal(t, services.Success, hdr.ErrorCode)
	require.Equal(t, []mhu.Doorbell{{Channel: 3, Value: remote}}, env.mailbox.sent)
	require.Equal(t, CPUState{Running: true, Address: 0x1000}, env.device.CPU(calls.CPUExternHP))
}

func TestServeUnknown(t *testing.T) {
	env := newServerTestEnv(t)
	remote := env.request(0, services.ServiceID(321), nil)
	hdr := env.serve(0, remote)
	require.Equal(t, services.UnknownCommand, hdr.ErrorCode)
	require.Equal(t, services.ServiceID(321), hdr.ServiceID)
	require.Equal(t, Stats{Served: 1, Unknown: 1}, env.server.Stats())
}

func TestServeRandomBadLength(t *testing.T) {
	env := newServerTestEnv(t)
	remote := env.request(0, services.CryptoGetRandom, &calls.RandomPayload{Length: calls.MaxRandomLength + 1})
	require.Equal(t, services.BadParameter, env.serve(0, remote).ErrorCode)
	require.Equal(t, Stats{Served: 1, Failed: 1}, env.server.Stats())
}

func TestServeOutOfRange(t *testing.T) {
	env := newServerTestEnv(t)
	env.serve(0, 0x60000000)
	require.Empty(t, env.mailbox.sent)
	require.Equal(t, Stats{Failed: 1}, env.server.Stats())
}

func TestQueueFull(t *testing.T) {
	env := newServerTestEnv(t)
	for i := 0; i <= DefaultQueueSize; i++ {
		env.server.MessageReceived(0, 0, 0x58800000)
	}
	require.Equal(t, uint64(1), env.server.Stats().Dropped)
}
