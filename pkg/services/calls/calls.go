// Package calls provides typed stubs of the services exposed by the
// remote core.
package calls

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/robotalks/mhu.go/pkg/mhu"
	"github.com/robotalks/mhu.go/pkg/services"
	"github.com/robotalks/mhu.go/pkg/shm"
)

// Client calls services over one channel. Buffers are taken from Pool
// and released when the call returns, except after a timeout: the remote
// core may still answer into the buffer, so it is held until the late
// response is discarded by the engine.
type Client struct {
	Engine *services.Engine
	Handle services.Handle
	Pool   *shm.Pool

	stale map[uint32]*shm.Buffer
	lock  sync.Mutex
}

// New creates a Client.
func New(engine *services.Engine, h services.Handle, pool *shm.Pool) *Client {
	c := &Client{Engine: engine, Handle: h, Pool: pool, stale: make(map[uint32]*shm.Buffer)}
	engine.OnDiscard(c.reclaim)
	return c
}

// Stale returns the number of buffers held for late responses.
func (c *Client) Stale() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.stale)
}

func (c *Client) call(ctx context.Context, id services.ServiceID, req, resp interface{}) error {
	var payloads []interface{}
	if req != nil {
		payloads = append(payloads, req)
	}
	if resp != nil {
		payloads = append(payloads, resp)
	}
	buf, err := c.Pool.Alloc(PayloadSize(payloads...))
	if err != nil {
		return errors.Wrapf(err, "%s", id)
	}
	if req != nil {
		if err = EncodePayload(buf.Bytes(), req); err != nil {
			c.free(buf)
			return err
		}
	}
	err = c.Engine.SendRequest(ctx, c.Handle, id, buf, nil)
	if err == nil && resp != nil {
		err = DecodePayload(buf.Bytes(), resp)
	}
	c.release(buf, err)
	return err
}

// release frees buf unless the remote core may still respond into it.
func (c *Client) release(buf *shm.Buffer, err error) {
	switch errors.Cause(err) {
	case services.ErrTimeout, context.Canceled, context.DeadlineExceeded:
		c.lock.Lock()
		if c.stale == nil {
			c.stale = make(map[uint32]*shm.Buffer)
		}
		c.stale[buf.Addr()] = buf
		c.lock.Unlock()
		glog.V(2).Infof("%s buffer %08x held for a late response", c.Handle, buf.Addr())
	default:
		c.free(buf)
	}
}

func (c *Client) reclaim(sender mhu.TransportID, ch mhu.Channel, local uint32) {
	if services.Compose(sender, ch) != c.Handle {
		return
	}
	c.lock.Lock()
	buf := c.stale[local]
	delete(c.stale, local)
	c.lock.Unlock()
	if buf != nil {
		glog.V(2).Infof("%s late response %08x, buffer released", c.Handle, local)
		c.free(buf)
	}
}

func (c *Client) free(buf *shm.Buffer) {
	if err := c.Pool.Free(buf); err != nil {
		glog.Errorf("free %08x: %v", buf.Addr(), err)
	}
}

func (c *Client) value(ctx context.Context, id services.ServiceID) (uint32, error) {
	var resp ValueResponse
	err := c.call(ctx, id, nil, &resp)
	return resp.Value, err
}

// Heartbeat checks the remote core is alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.call(ctx, services.MaintenanceHeartbeat, nil, nil)
}

// HeartbeatAsync sends a heartbeat and returns once the remote core took
// it. done receives the outcome.
func (c *Client) HeartbeatAsync(ctx context.Context, done func(error)) error {
	buf, err := c.Pool.Alloc(services.HeaderSize)
	if err != nil {
		return err
	}
	err = c.Engine.SendRequest(ctx, c.Handle, services.MaintenanceHeartbeat, buf, func(comp services.Completion) {
		c.release(buf, comp.Err)
		if done != nil {
			done(comp.Err)
		}
	})
	if err != nil {
		c.release(buf, err)
	}
	return err
}

// GetTOCVersion returns the version of the table of contents.
func (c *Client) GetTOCVersion(ctx context.Context) (uint32, error) {
	return c.value(ctx, services.SystemMgmtGetTOCVersion)
}

// GetTOCNumber returns the number of TOC entries.
func (c *Client) GetTOCNumber(ctx context.Context) (uint32, error) {
	return c.value(ctx, services.SystemMgmtGetTOCNumber)
}

// GetDeviceRevision returns the silicon revision.
func (c *Client) GetDeviceRevision(ctx context.Context) (uint32, error) {
	return c.value(ctx, services.SystemMgmtGetDeviceRevision)
}

// GetRandom returns n random bytes, at most MaxRandomLength.
func (c *Client) GetRandom(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 || n > MaxRandomLength {
		return nil, errors.Errorf("invalid random length %d", n)
	}
	payload := &RandomPayload{Length: uint32(n)}
	if err := c.call(ctx, services.CryptoGetRandom, payload, payload); err != nil {
		return nil, err
	}
	if payload.Length > MaxRandomLength {
		return nil, errors.Errorf("invalid random length %d in response", payload.Length)
	}
	return append([]byte(nil), payload.Data[:payload.Length]...), nil
}

// ProcessTOCEntry loads the TOC entry by name.
func (c *Client) ProcessTOCEntry(ctx context.Context, name string) error {
	n, err := EntryName(name)
	if err != nil {
		return err
	}
	return c.call(ctx, services.BootProcessTOCEntry, &TOCEntryPayload{Name: n}, nil)
}

// BootCPU starts cpu at addr.
func (c *Client) BootCPU(ctx context.Context, cpu CPU, addr uint32) error {
	return c.call(ctx, services.BootCPU, &BootCPUPayload{CPU: cpu, Address: addr}, nil)
}

// ReleaseCPU releases cpu from wait.
func (c *Client) ReleaseCPU(ctx context.Context, cpu CPU) error {
	return c.call(ctx, services.BootReleaseCPU, &CPUPayload{CPU: cpu}, nil)
}

// ResetCPU resets cpu.
func (c *Client) ResetCPU(ctx context.Context, cpu CPU) error {
	return c.call(ctx, services.BootResetCPU, &CPUPayload{CPU: cpu}, nil)
}

// ResetSoC resets the whole SoC.
func (c *Client) ResetSoC(ctx context.Context) error {
	return c.call(ctx, services.BootResetSoC, nil, nil)
}

// SetMemoryRetention selects the memory banks kept powered in
// low-power states.
func (c *Client) SetMemoryRetention(ctx context.Context, banks uint32) error {
	return c.call(ctx, services.PowerMemoryRetention, &RetentionPayload{Banks: banks}, nil)
}

// SetPinMux selects the function of a pin.
func (c *Client) SetPinMux(ctx context.Context, port, pin uint8, config uint32) error {
	return c.call(ctx, services.ApplicationPinMux, &PinPayload{Port: port, Pin: pin, Config: config}, nil)
}

// PadControl sets the electrical configuration of a pin.
func (c *Client) PadControl(ctx context.Context, port, pin uint8, config uint32) error {
	return c.call(ctx, services.ApplicationPadControl, &PinPayload{Port: port, Pin: pin, Config: config}, nil)
}
