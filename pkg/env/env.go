// Package env builds engines, transports and shared memory from
// environment variables and command line flags.
package env

import (
	"context"
	"flag"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	units "github.com/docker/go-units"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/net/websocket"

	"github.com/robotalks/mhu.go/pkg/addr"
	fx "github.com/robotalks/mhu.go/pkg/framework"
	"github.com/robotalks/mhu.go/pkg/mhu"
	"github.com/robotalks/mhu.go/pkg/mhu/link"
	"github.com/robotalks/mhu.go/pkg/mhu/mqtt"
	"github.com/robotalks/mhu.go/pkg/services"
	"github.com/robotalks/mhu.go/pkg/services/calls"
	"github.com/robotalks/mhu.go/pkg/shm"
)

// Config provides common options to reach the remote core.
type Config struct {
	// LinkURL selects the transport, one of
	// mqtt://host:port/topic-prefix/, tcp://host:port, unix:///path
	// or ws://host:port/mhu.
	LinkURL string
	// Node and Peer name both ends on MQTT.
	Node string
	Peer string

	Transport uint
	Channel   uint

	// Core names the address map of the local core, see addr.Named.
	Core    string
	ShmPath string
	ShmBase uint
	// ShmSize is a human readable size, e.g. 256KiB.
	ShmSize   string
	BlockSize int

	AckTimeout      time.Duration
	ResponseTimeout time.Duration
}

var defaultConfig = Config{
	LinkURL:         "tcp://localhost:7350",
	Peer:            "se",
	Core:            "he",
	ShmPath:         "/dev/shm/mhu",
	ShmBase:         0x20000000,
	ShmSize:         "256KiB",
	BlockSize:       64,
	AckTimeout:      services.DefaultAckTimeout,
	ResponseTimeout: services.DefaultResponseTimeout,
}

func init() {
	if val := os.Getenv("MHU_LINK_URL"); val != "" {
		defaultConfig.LinkURL = val
	}
	if val := os.Getenv("MHU_NODE"); val != "" {
		defaultConfig.Node = val
	} else {
		defaultConfig.Node = MachineID()
	}
	if val := os.Getenv("MHU_PEER"); val != "" {
		defaultConfig.Peer = val
	}
	if val := os.Getenv("MHU_TRANSPORT"); val != "" {
		if n, err := strconv.ParseUint(val, 0, 32); err == nil {
			defaultConfig.Transport = uint(n)
		}
	}
	if val := os.Getenv("MHU_CHANNEL"); val != "" {
		if n, err := strconv.ParseUint(val, 0, 32); err == nil {
			defaultConfig.Channel = uint(n)
		}
	}
	if val := os.Getenv("MHU_CORE"); val != "" {
		defaultConfig.Core = val
	}
	if val := os.Getenv("MHU_SHM_PATH"); val != "" {
		defaultConfig.ShmPath = val
	}
	if val := os.Getenv("MHU_SHM_SIZE"); val != "" {
		defaultConfig.ShmSize = val
	}
}

// SetupFlags sets up command line flags.
func SetupFlags() {
	flag.StringVar(&defaultConfig.LinkURL, "link", defaultConfig.LinkURL, "Transport URL (mqtt, tcp, unix, ws).")
	flag.StringVar(&defaultConfig.Node, "node", defaultConfig.Node, "Node name on MQTT.")
	flag.StringVar(&defaultConfig.Peer, "peer", defaultConfig.Peer, "Peer node name on MQTT.")
	flag.UintVar(&defaultConfig.Transport, "transport", defaultConfig.Transport, "Transport ID.")
	flag.UintVar(&defaultConfig.Channel, "channel", defaultConfig.Channel, "MHU channel for services.")
	flag.StringVar(&defaultConfig.Core, "core", defaultConfig.Core, "Local core address map (he, hp, identity).")
	flag.StringVar(&defaultConfig.ShmPath, "shm", defaultConfig.ShmPath, "Shared memory file.")
	flag.UintVar(&defaultConfig.ShmBase, "shm-base", defaultConfig.ShmBase, "Local address of shared memory.")
	flag.StringVar(&defaultConfig.ShmSize, "shm-size", defaultConfig.ShmSize, "Size of shared memory.")
	flag.IntVar(&defaultConfig.BlockSize, "block-size", defaultConfig.BlockSize, "Size of each request buffer.")
	flag.DurationVar(&defaultConfig.AckTimeout, "ack-timeout", defaultConfig.AckTimeout, "Doorbell acknowledgement timeout.")
	flag.DurationVar(&defaultConfig.ResponseTimeout, "response-timeout", defaultConfig.ResponseTimeout, "Service response timeout.")
}

// Default gets the default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config with default configurations.
func NewConfig() *Config {
	conf := defaultConfig
	return &conf
}

// ShmBytes parses ShmSize.
func (c *Config) ShmBytes() (int, error) {
	n, err := units.RAMInBytes(c.ShmSize)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid shared memory size %q", c.ShmSize)
	}
	if n <= 0 || n > 1<<31 {
		return 0, errors.Errorf("shared memory size %q out of range", c.ShmSize)
	}
	return int(n), nil
}

// Translator returns the address map of Core.
func (c *Config) Translator() (addr.Translator, error) {
	return addr.Named(c.Core)
}

// OpenShm maps the shared memory file.
func (c *Config) OpenShm() (*shm.Region, error) {
	size, err := c.ShmBytes()
	if err != nil {
		return nil, err
	}
	return shm.MapFile(c.ShmPath, uint32(c.ShmBase), size)
}

// Transport is a mailbox and the task driving it.
type Transport interface {
	mhu.Mailbox
	fx.Runnable
}

type streamTransport struct {
	*link.Link
	conn net.Conn
}

func (t *streamTransport) Run(ctx context.Context) error {
	return fx.RunWithContextCloser(ctx, t.conn, func() error {
		return t.Link.Run(ctx)
	})
}

type mqttTransport struct {
	*mqtt.Mailbox
}

func (t *mqttTransport) Run(ctx context.Context) error {
	defer t.Queue.Close()
	return t.Mailbox.Run(ctx)
}

// NewTransport connects to LinkURL.
func (c *Config) NewTransport() (Transport, error) {
	u, err := url.Parse(c.LinkURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid link URL %q", c.LinkURL)
	}
	id := mhu.TransportID(c.Transport)
	switch u.Scheme {
	case "mqtt", "mqtts":
		return c.newMQTTTransport(id)
	case "tcp":
		return dialStream(id, "tcp", u.Host)
	case "unix":
		return dialStream(id, "unix", u.Path)
	case "ws", "wss":
		origin := "http://" + u.Host + "/"
		conn, err := websocket.Dial(c.LinkURL, "", origin)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", c.LinkURL)
		}
		conn.PayloadType = websocket.BinaryFrame
		return &streamTransport{Link: link.New(id, conn), conn: conn}, nil
	}
	return nil, errors.Errorf("unknown link URL scheme: %q", u.Scheme)
}

// MustNewTransport creates a Transport and fails on error.
func (c *Config) MustNewTransport() Transport {
	t, err := c.NewTransport()
	if err != nil {
		glog.Fatal(err)
	}
	return t
}

func dialStream(id mhu.TransportID, network, address string) (Transport, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s %s", network, address)
	}
	return &streamTransport{Link: link.New(id, conn), conn: conn}, nil
}

func (c *Config) newMQTTTransport(id mhu.TransportID) (Transport, error) {
	if c.Node == "" || c.Peer == "" {
		return nil, errors.New("node and peer names are required for MQTT")
	}
	opts, prefix, err := mqtt.ClientOptionsFromURL(c.LinkURL)
	if err != nil {
		return nil, err
	}
	if opts.ClientID == "" {
		opts.SetClientID("mhu-" + c.Node)
	}
	q := mqtt.NewQueue(opts, prefix)
	token := q.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connect %s", c.LinkURL)
	}
	return &mqttTransport{Mailbox: mqtt.NewMailbox(q, id, c.Node, c.Peer)}, nil
}

// NewEngine creates an Engine with the address map and timeouts.
func (c *Config) NewEngine() (*services.Engine, error) {
	t, err := c.Translator()
	if err != nil {
		return nil, err
	}
	engine := services.NewEngine(t)
	engine.Config.AckTimeout = c.AckTimeout
	engine.Config.ResponseTimeout = c.ResponseTimeout
	return engine, nil
}

// Env is everything a client needs to call services.
type Env struct {
	Config    *Config
	Region    *shm.Region
	Pool      *shm.Pool
	Engine    *services.Engine
	Transport Transport
	Client    *calls.Client
}

// NewEnv maps the shared memory, connects the transport and creates the
// client.
func (c *Config) NewEnv() (*Env, error) {
	engine, err := c.NewEngine()
	if err != nil {
		return nil, err
	}
	region, err := c.OpenShm()
	if err != nil {
		return nil, err
	}
	pool, err := shm.NewPool(region, c.BlockSize)
	if err != nil {
		region.Close()
		return nil, err
	}
	transport, err := c.NewTransport()
	if err != nil {
		region.Close()
		return nil, err
	}
	engine.AddTransport(transport)
	h := engine.RegisterChannel(transport.ID(), mhu.Channel(c.Channel))
	return &Env{
		Config:    c,
		Region:    region,
		Pool:      pool,
		Engine:    engine,
		Transport: transport,
		Client:    calls.New(engine, h, pool),
	}, nil
}

// MustNewEnv creates Env and fails on error.
func (c *Config) MustNewEnv() *Env {
	env, err := c.NewEnv()
	if err != nil {
		glog.Fatal(err)
	}
	return env
}

// AddToLoop implements LoopAdder.
func (e *Env) AddToLoop(loop *fx.Loop) {
	e.Engine.AddToLoop(loop)
	loop.AddRunnable(fx.NamedRun("transport", e.Transport))
}

// WaitReady waits until a stream transport is synchronized.
func (e *Env) WaitReady(ctx context.Context) error {
	if st, ok := e.Transport.(*streamTransport); ok {
		return st.WaitReady(ctx)
	}
	return nil
}

// Close releases the shared memory.
func (e *Env) Close() error {
	return e.Region.Close()
}
