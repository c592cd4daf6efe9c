package calls_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/robotalks/mhu.go/pkg/addr"
	"github.com/robotalks/mhu.go/pkg/enclave"
	"github.com/robotalks/mhu.go/pkg/mhu/loopback"
	"github.com/robotalks/mhu.go/pkg/services"
	"github.com/robotalks/mhu.go/pkg/services/calls"
	"github.com/robotalks/mhu.go/pkg/shm"
)

type callsTestEnv struct {
	t      *testing.T
	ctx    context.Context
	region *shm.Region
	pool   *shm.Pool
	engine *services.Engine
	server *enclave.Server
	device *enclave.Device
	client *calls.Client
}

// newCallsTestEnv wires an HE client to a simulated enclave seeing the
// HE DTCM through its global alias.
func newCallsTestEnv(t *testing.T, serve bool) *callsTestEnv {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	env := &callsTestEnv{t: t, ctx: ctx, region: shm.NewRegion(0x20000000, 4096)}
	pool, err := shm.NewPool(env.region, 64)
	require.NoError(t, err)
	env.pool = pool

	he, se := loopback.Pair(0, 1)
	env.engine = services.NewEngine(addr.EnsembleHE)
	env.engine.Config.AckTimeout = 20 * time.Millisecond
	env.engine.AddTransport(he)
	env.server = enclave.NewServer(se, env.region.View(0x58800000), addr.Identity)
	env.device = enclave.DefaultHandlers(env.server)
	env.device.Random = bytes.NewReader(bytes.Repeat([]byte{0x5a}, 64))
	env.client = calls.New(env.engine, env.engine.RegisterChannel(0, 2), pool)

	go he.Run(ctx)
	if serve {
		go se.Run(ctx)
		go env.server.Run(ctx)
	}
	return env
}

func TestSystemManagement(t *testing.T) {
	env := newCallsTestEnv(t, true)
	require.NoError(t, env.client.Heartbeat(env.ctx))

	v, err := env.client.GetTOCVersion(env.ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(enclave.DefaultTOCVersion), v)
	n, err := env.client.GetTOCNumber(env.ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(len(enclave.DefaultTOCEntries)), n)
	rev, err := env.client.GetDeviceRevision(env.ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(enclave.DefaultDeviceRevision), rev)

	require.Zero(t, env.pool.InUse())
	require.Equal(t, services.Stats{Requests: 4, Completed: 4}, env.engine.Stats())
	require.Equal(t, enclave.Stats{Served: 4}, env.server.Stats())
}

func TestGetRandom(t *testing.T) {
	env := newCallsTestEnv(t, true)
	data, err := env.client.GetRandom(env.ctx, 16)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0x5a}, 16), data)

	_, err = env.client.GetRandom(env.ctx, 0)
	require.Error(t, err)
	_, err = env.client.GetRandom(env.ctx, calls.MaxRandomLength+1)
	require.Error(t, err)
}

func TestBootServices(t *testing.T) {
	env := newCallsTestEnv(t, true)
	require.NoError(t, env.client.ProcessTOCEntry(env.ctx, "M55_HE"))
	require.Equal(t, []string{"M55_HE"}, env.device.Loaded())

	err := env.client.ProcessTOCEntry(env.ctx, "NOPE")
	require.Equal(t, &services.ServiceError{Code: services.Failed}, err)
	require.Error(t, env.client.ProcessTOCEntry(env.ctx, "TOO_LONG_NAME"))

	require.NoError(t, env.client.BootCPU(env.ctx, calls.CPUExternHE, 0x80000000))
	require.Equal(t, enclave.CPUState{Running: true, Address: 0x80000000}, env.device.CPU(calls.CPUExternHE))
	require.NoError(t, env.client.ResetCPU(env.ctx, calls.CPUExternHE))
	require.Equal(t, enclave.CPUState{}, env.device.CPU(calls.CPUExternHE))
	require.NoError(t, env.client.ReleaseCPU(env.ctx, calls.CPUExternHP))
	require.True(t, env.device.CPU(calls.CPUExternHP).Running)

	err = env.client.BootCPU(env.ctx, calls.CPU(9), 0)
	require.Equal(t, services.BadParameter, services.CodeOf(err))

	require.NoError(t, env.client.ResetSoC(env.ctx))
	require.Empty(t, env.device.Loaded())
	require.Equal(t, enclave.CPUState{}, env.device.CPU(calls.CPUExternHP))
	require.Zero(t, env.pool.InUse())
}

func TestPins(t *testing.T) {
	env := newCallsTestEnv(t, true)
	require.NoError(t, env.client.SetPinMux(env.ctx, 1, 4, 2))
	require.NoError(t, env.client.PadControl(env.ctx, 1, 4, 0x31))
	require.Equal(t, enclave.PinState{Mux: 2, Pad: 0x31}, env.device.Pin(1, 4))
	require.Equal(t, enclave.PinState{}, env.device.Pin(1, 5))
}

func TestUnknownCommand(t *testing.T) {
	env := newCallsTestEnv(t, true)
	buf, err := env.pool.Alloc(services.HeaderSize)
	require.NoError(t, err)
	defer env.pool.Free(buf)
	err = env.engine.SendRequest(env.ctx, env.client.Handle, services.ServiceID(999), buf, nil)
	require.Equal(t, &services.ServiceError{Code: services.UnknownCommand}, err)
	require.Equal(t, uint64(1), env.server.Stats().Unknown)
}

func TestHeartbeatAsync(t *testing.T) {
	env := newCallsTestEnv(t, true)
	doneCh := make(chan error, 1)
	require.NoError(t, env.client.HeartbeatAsync(env.ctx, func(err error) { doneCh <- err }))
	select {
	case err := <-doneCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("completion timeout")
	}
	require.Zero(t, env.pool.InUse())
	require.Equal(t, services.StateIdle, env.engine.State())
}

func TestNotAcknowledged(t *testing.T) {
	env := newCallsTestEnv(t, false)
	err := env.client.Heartbeat(env.ctx)
	require.Equal(t, services.ErrNotAcknowledged, err)
	require.Equal(t, services.StateIdle, env.engine.State())
	require.Zero(t, env.pool.InUse())
}

func TestPayloadCodec(t *testing.T) {
	buf := make([]byte, calls.PayloadSize(&calls.PinPayload{}))
	require.Len(t, buf, services.HeaderSize+8)
	require.NoError(t, calls.EncodePayload(buf, &calls.PinPayload{Port: 1, Pin: 2, Config: 0x01020304}))
	require.Equal(t, []byte{1, 2, 0, 0, 4, 3, 2, 1}, buf[services.HeaderSize:])
	var p calls.PinPayload
	require.NoError(t, calls.DecodePayload(buf, &p))
	require.Equal(t, calls.PinPayload{Port: 1, Pin: 2, Config: 0x01020304}, p)

	require.Equal(t, services.ErrShortBuffer,
		errors.Cause(calls.EncodePayload(buf[:services.HeaderSize+4], &p)))
	require.Equal(t, services.BadParameter,
		services.CodeOf(calls.DecodePayload(buf[:services.HeaderSize+4], &p)))

	name, err := calls.EntryName("M55_HE")
	require.NoError(t, err)
	require.Equal(t, "M55_HE", calls.EntryNameString(name))
	_, err = calls.EntryName("")
	require.Error(t, err)
}

func TestParseCPU(t *testing.T) {
	cpu, err := calls.ParseCPU("m55-hp")
	require.NoError(t, err)
	require.Equal(t, calls.CPUExternHP, cpu)
	cpu, err = calls.ParseCPU("3")
	require.NoError(t, err)
	require.Equal(t, calls.CPUExternHE, cpu)
	_, err = calls.ParseCPU("4")
	require.Error(t, err)
	_, err = calls.ParseCPU("m33")
	require.Error(t, err)
}

func TestMemoryRetention(t *testing.T) {
	env := newCallsTestEnv(t, true)
	require.NoError(t, env.client.SetMemoryRetention(env.ctx, 0x0c))
	require.Equal(t, uint32(0x0c), env.device.Retention())
	require.NoError(t, env.client.ResetSoC(env.ctx))
	require.Zero(t, env.device.Retention())
}

func TestLateResponseAfterTimeout(t *testing.T) {
	env := newCallsTestEnv(t, true)
	env.server.HandleFunc(services.BootResetSoC, func(*enclave.Request) services.ErrorCode {
		time.Sleep(60 * time.Millisecond)
		return services.NotSupported
	})

	env.engine.Config.ResponseTimeout = 30 * time.Millisecond
	require.Equal(t, services.ErrTimeout, env.client.ResetSoC(env.ctx))
	require.Equal(t, 1, env.client.Stale())
	require.Equal(t, 1, env.pool.InUse())

	// the late answer must not complete the next call
	env.engine.Config.ResponseTimeout = time.Second
	v, err := env.client.GetTOCVersion(env.ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(enclave.DefaultTOCVersion), v)

	require.Equal(t, services.Stats{Requests: 2, Completed: 1, Timeouts: 1, Discarded: 1}, env.engine.Stats())
	require.Zero(t, env.client.Stale())
	require.Zero(t, env.pool.InUse())
}
