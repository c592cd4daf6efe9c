package sh

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/abiosoft/ishell"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/robotalks/mhu.go/pkg/env"
	fx "github.com/robotalks/mhu.go/pkg/framework"
	"github.com/robotalks/mhu.go/pkg/services/calls"
)

// Shell provides ishell backed interactive shell.
type Shell struct {
	Interactive bool
	OutputJSON  bool
	AutoConnect bool
	CallTimeout time.Duration

	Shell  *ishell.Shell
	Config *env.Config
	Conn   *Conn
}

// Conn is a running loop driving the engine and transport of an Env.
type Conn struct {
	Ctx    context.Context
	Cancel func()
	Env    *env.Env
	Loop   *fx.Loop
}

const (
	shellKey          = "$shell"
	unconnectedPrompt = "[none] > "
)

var (
	// flags

	evalOnly    bool
	outputJSON  bool
	callTimeout = 2 * time.Second

	// commands
	commands = []*ishell.Cmd{
		&ConnectCmd,
		&DisconnectCmd,
		&StatsCmd,
	}

	errNotConnected = errors.New("not connected")
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
	flag.DurationVar(&callTimeout, "call-timeout", callTimeout, "Timeout of a service call.")
}

// AddCmds is used by other commands providers during init func.
func AddCmds(cmds ...*ishell.Cmd) {
	commands = append(commands, cmds...)
}

// New creates a new shell.
func New(conf *env.Config) *Shell {
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,
		CallTimeout: callTimeout,

		Shell:  ishell.New(),
		Config: conf,
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(unconnectedPrompt)
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// MustBeConnected wraps command func requires a connection.
func MustBeConnected(fn func(c *ishell.Context)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		if ShellFrom(c).Conn == nil {
			c.Err(errNotConnected)
			return
		}
		fn(c)
	}
}

// Print writes a result, in JSON if requested.
func (s *Shell) Print(c *ishell.Context, result interface{}) error {
	if s.OutputJSON {
		out, err := json.Marshal(result)
		if err != nil {
			c.Err(err)
			return err
		}
		c.Println(string(out))
		return nil
	}
	switch v := result.(type) {
	case nil:
		c.Println("OK")
	case uint32:
		c.Printf("0x%08x (%d)\n", v, v)
	case []byte:
		c.Printf("% x\n", v)
	default:
		c.Printf("%+v\n", v)
	}
	return nil
}

// DoCall runs a service call with the client of the connection and prints
// the result. A nil result prints OK.
func DoCall(c *ishell.Context, fn func(ctx context.Context, client *calls.Client) (interface{}, error)) error {
	s := ShellFrom(c)
	if s.Conn == nil {
		c.Err(errNotConnected)
		return errNotConnected
	}
	ctx, cancel := context.WithTimeout(s.Conn.Ctx, s.CallTimeout)
	defer cancel()
	result, err := fn(ctx, s.Conn.Env.Client)
	if err != nil {
		c.Err(err)
		return err
	}
	return s.Print(c, result)
}

// WithAutoConnect sets AutoConnect.
func (s *Shell) WithAutoConnect(en bool) *Shell {
	s.AutoConnect = en
	return s
}

// Connect creates the Env of Config and starts its loop.
func (s *Shell) Connect() error {
	e, err := s.Config.NewEnv()
	if err != nil {
		return err
	}
	conn := &Conn{Env: e, Loop: fx.NewLoop().Add(e)}
	conn.Ctx, conn.Cancel = context.WithCancel(context.Background())
	go func() {
		if err := conn.Loop.Run(conn.Ctx); err != nil && errors.Cause(err) != context.Canceled {
			glog.Errorf("loop: %v", err)
		}
	}()
	ctx, cancel := context.WithTimeout(conn.Ctx, s.CallTimeout)
	defer cancel()
	if err := e.WaitReady(ctx); err != nil {
		conn.close()
		return errors.Wrapf(err, "link %s", s.Config.LinkURL)
	}
	s.Disconnect()
	s.Conn = conn
	s.Shell.SetPrompt(fmt.Sprintf("%s > ", s.Config.LinkURL))
	return nil
}

func (c *Conn) close() {
	c.Cancel()
	if err := c.Env.Close(); err != nil {
		glog.Warningf("close: %v", err)
	}
}

// Disconnect stops the current connection.
func (s *Shell) Disconnect() {
	if s.Conn != nil {
		s.Conn.close()
		s.Conn = nil
		s.Shell.SetPrompt(unconnectedPrompt)
	}
}

// Run runs the shell.
func (s *Shell) Run(args ...string) {
	if s.AutoConnect {
		if s.Interactive {
			s.Shell.Printf("Connecting %s ...\n", s.Config.LinkURL)
		}
		if err := s.Connect(); err != nil {
			glog.Fatalf("connect %q failed: %v", s.Config.LinkURL, err)
		}
	}
	defer s.Disconnect()

	if len(args) > 0 {
		if err := s.Shell.Process(args...); err != nil {
			glog.Fatal(err)
		}
		return
	}
	if s.Interactive {
		s.Shell.Run()
		return
	}
	glog.Fatal("command expected")
}

// ConnStats are the counters shown by StatsCmd.
type ConnStats struct {
	State  string
	Engine interface{}
	Pool   struct {
		Blocks    int
		BlockSize int
		InUse     int
	}
}

var (
	// ConnectCmd connects with the configured link.
	ConnectCmd = ishell.Cmd{
		Name:    "connect",
		Aliases: []string{"c"},
		Help:    "[LINK_URL]",
		Func: func(c *ishell.Context) {
			s := ShellFrom(c)
			if len(c.Args) > 0 {
				s.Config.LinkURL = c.Args[0]
			}
			if err := s.Connect(); err != nil {
				c.Err(err)
			}
		},
	}

	// DisconnectCmd disconnects current link.
	DisconnectCmd = ishell.Cmd{
		Name:    "disconnect",
		Aliases: []string{"d"},
		Help:    "",
		Func: func(c *ishell.Context) {
			ShellFrom(c).Disconnect()
		},
	}

	// StatsCmd shows the counters of the engine and the buffer pool.
	StatsCmd = ishell.Cmd{
		Name:    "stats",
		Aliases: []string{"st"},
		Help:    "",
		Func: MustBeConnected(func(c *ishell.Context) {
			s := ShellFrom(c)
			var st ConnStats
			st.State = s.Conn.Env.Engine.State().String()
			st.Engine = s.Conn.Env.Engine.Stats()
			st.Pool.Blocks = s.Conn.Env.Pool.Blocks()
			st.Pool.BlockSize = s.Conn.Env.Pool.BlockSize()
			st.Pool.InUse = s.Conn.Env.Pool.InUse()
			s.Print(c, &st)
		}),
	}
)

// Main is a helper to provide a single call in main.
func Main() {
	flag.Parse()
	New(env.NewConfig()).WithAutoConnect(true).Run(flag.Args()...)
}
