// Package services exposes the service call stubs as shell commands.
package services

import (
	"context"
	"strconv"

	"github.com/abiosoft/ishell"
	"github.com/pkg/errors"

	"github.com/robotalks/mhu.go/pkg/cli/sh"
	"github.com/robotalks/mhu.go/pkg/services/calls"
)

func parseUint(args []string, index int, name string, bits int) (uint64, error) {
	if len(args) <= index {
		return 0, errors.Errorf("%s required", name)
	}
	val, err := strconv.ParseUint(args[index], 0, bits)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", name)
	}
	return val, nil
}

func cpuFunc(fn func(client *calls.Client, ctx context.Context, cpu calls.CPU) error) func(c *ishell.Context) {
	return sh.MustBeConnected(func(c *ishell.Context) {
		if len(c.Args) < 1 {
			c.Err(errors.New("CPU required"))
			return
		}
		cpu, err := calls.ParseCPU(c.Args[0])
		if err != nil {
			c.Err(err)
			return
		}
		sh.DoCall(c, func(ctx context.Context, client *calls.Client) (interface{}, error) {
			return nil, fn(client, ctx, cpu)
		})
	})
}

func pinFunc(fn func(client *calls.Client, ctx context.Context, port, pin uint8, config uint32) error) func(c *ishell.Context) {
	return sh.MustBeConnected(func(c *ishell.Context) {
		port, err := parseUint(c.Args, 0, "PORT", 8)
		if err != nil {
			c.Err(err)
			return
		}
		pin, err := parseUint(c.Args, 1, "PIN", 8)
		if err != nil {
			c.Err(err)
			return
		}
		config, err := parseUint(c.Args, 2, "CONFIG", 32)
		if err != nil {
			c.Err(err)
			return
		}
		sh.DoCall(c, func(ctx context.Context, client *calls.Client) (interface{}, error) {
			return nil, fn(client, ctx, uint8(port), uint8(pin), uint32(config))
		})
	})
}

func valueFunc(fn func(client *calls.Client, ctx context.Context) (uint32, error)) func(c *ishell.Context) {
	return sh.MustBeConnected(func(c *ishell.Context) {
		sh.DoCall(c, func(ctx context.Context, client *calls.Client) (interface{}, error) {
			return fn(client, ctx)
		})
	})
}

var (
	// HeartbeatCmd calls the heartbeat service.
	HeartbeatCmd = ishell.Cmd{
		Name:    "heartbeat",
		Aliases: []string{"hb"},
		Help:    "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			sh.DoCall(c, func(ctx context.Context, client *calls.Client) (interface{}, error) {
				return nil, client.Heartbeat(ctx)
			})
		}),
	}

	// HeartbeatAsyncCmd sends a heartbeat without waiting for the response.
	HeartbeatAsyncCmd = ishell.Cmd{
		Name:    "heartbeat.async",
		Aliases: []string{"hba"},
		Help:    "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			sh.DoCall(c, func(ctx context.Context, client *calls.Client) (interface{}, error) {
				return nil, client.HeartbeatAsync(ctx, func(err error) {
					if err != nil {
						c.Err(errors.Wrap(err, "heartbeat"))
						return
					}
					c.Println("heartbeat OK")
				})
			})
		}),
	}

	// TOCVersionCmd queries the version of the TOC.
	TOCVersionCmd = ishell.Cmd{
		Name:    "toc.version",
		Aliases: []string{"tocv"},
		Help:    "",
		Func:    valueFunc((*calls.Client).GetTOCVersion),
	}

	// TOCNumberCmd queries the number of TOC entries.
	TOCNumberCmd = ishell.Cmd{
		Name:    "toc.number",
		Aliases: []string{"tocn"},
		Help:    "",
		Func:    valueFunc((*calls.Client).GetTOCNumber),
	}

	// TOCProcessCmd loads a TOC entry.
	TOCProcessCmd = ishell.Cmd{
		Name:    "toc.process",
		Aliases: []string{"tocp"},
		Help:    "NAME",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(errors.New("NAME required"))
				return
			}
			sh.DoCall(c, func(ctx context.Context, client *calls.Client) (interface{}, error) {
				return nil, client.ProcessTOCEntry(ctx, c.Args[0])
			})
		}),
	}

	// RevisionCmd queries the revision of the device.
	RevisionCmd = ishell.Cmd{
		Name:    "revision",
		Aliases: []string{"rev"},
		Help:    "",
		Func:    valueFunc((*calls.Client).GetDeviceRevision),
	}

	// RandomCmd requests random bytes.
	RandomCmd = ishell.Cmd{
		Name:    "random",
		Aliases: []string{"rnd"},
		Help:    "LENGTH",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			n, err := parseUint(c.Args, 0, "LENGTH", 8)
			if err != nil {
				c.Err(err)
				return
			}
			sh.DoCall(c, func(ctx context.Context, client *calls.Client) (interface{}, error) {
				return client.GetRandom(ctx, int(n))
			})
		}),
	}

	// CPUBootCmd boots a CPU at an address.
	CPUBootCmd = ishell.Cmd{
		Name:    "cpu.boot",
		Aliases: []string{"boot"},
		Help:    "CPU ADDRESS",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(errors.New("CPU required"))
				return
			}
			cpu, err := calls.ParseCPU(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			address, err := parseUint(c.Args, 1, "ADDRESS", 32)
			if err != nil {
				c.Err(err)
				return
			}
			sh.DoCall(c, func(ctx context.Context, client *calls.Client) (interface{}, error) {
				return nil, client.BootCPU(ctx, cpu, uint32(address))
			})
		}),
	}

	// CPUReleaseCmd releases a CPU from reset.
	CPUReleaseCmd = ishell.Cmd{
		Name:    "cpu.release",
		Aliases: []string{"release"},
		Help:    "CPU",
		Func:    cpuFunc((*calls.Client).ReleaseCPU),
	}

	// CPUResetCmd resets a CPU.
	CPUResetCmd = ishell.Cmd{
		Name:    "cpu.reset",
		Aliases: []string{"reset"},
		Help:    "CPU",
		Func:    cpuFunc((*calls.Client).ResetCPU),
	}

	// SoCResetCmd resets the SoC.
	SoCResetCmd = ishell.Cmd{
		Name:    "soc.reset",
		Aliases: []string{"socr"},
		Help:    "",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			sh.DoCall(c, func(ctx context.Context, client *calls.Client) (interface{}, error) {
				return nil, client.ResetSoC(ctx)
			})
		}),
	}

	// PinMuxCmd selects the function of a pin.
	PinMuxCmd = ishell.Cmd{
		Name:    "pin.mux",
		Aliases: []string{"pm"},
		Help:    "PORT PIN CONFIG",
		Func:    pinFunc((*calls.Client).SetPinMux),
	}

	// PadControlCmd configures the pad of a pin.
	PadControlCmd = ishell.Cmd{
		Name:    "pin.pad",
		Aliases: []string{"pp"},
		Help:    "PORT PIN CONFIG",
		Func:    pinFunc((*calls.Client).PadControl),
	}

	// PowerRetentionCmd selects the memory banks kept powered.
	PowerRetentionCmd = ishell.Cmd{
		Name:    "power.retention",
		Aliases: []string{"ret"},
		Help:    "BANKS",
		Func: sh.MustBeConnected(func(c *ishell.Context) {
			banks, err := parseUint(c.Args, 0, "BANKS", 32)
			if err != nil {
				c.Err(err)
				return
			}
			sh.DoCall(c, func(ctx context.Context, client *calls.Client) (interface{}, error) {
				return nil, client.SetMemoryRetention(ctx, uint32(banks))
			})
		}),
	}
)

func init() {
	sh.AddCmds(
		&HeartbeatCmd,
		&HeartbeatAsyncCmd,
		&TOCVersionCmd,
		&TOCNumberCmd,
		&TOCProcessCmd,
		&RevisionCmd,
		&RandomCmd,
		&CPUBootCmd,
		&CPUReleaseCmd,
		&CPUResetCmd,
		&SoCResetCmd,
		&PinMuxCmd,
		&PadControlCmd,
		&PowerRetentionCmd,
	)
}
