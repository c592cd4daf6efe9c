package main

//go-build: CGO_ENABLED=0

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"

	"github.com/golang/glog"
	"github.com/gorilla/handlers"
	"github.com/urfave/cli"
	"go.uber.org/multierr"

	"github.com/robotalks/mhu.go/pkg/env"
	fx "github.com/robotalks/mhu.go/pkg/framework"
	"github.com/robotalks/mhu.go/pkg/mhu/mqtt"
	"github.com/robotalks/mhu.go/pkg/shm"
)

func main() {
	conf := env.Default()
	app := cli.NewApp()
	app.Name = "sesim"
	app.Usage = "simulate the secure enclave serving requests over a mailbox"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen",
			Value: "localhost:7350",
			Usage: "TCP address accepting links, empty to disable",
		},
		cli.StringFlag{
			Name:  "unix",
			Usage: "Unix socket accepting links",
		},
		cli.StringFlag{
			Name:  "http",
			Value: "localhost:7351",
			Usage: "HTTP address serving stats and websocket links on /mhu",
		},
		cli.StringFlag{
			Name:   "mqtt",
			Usage:  "MQTT broker URL, e.g. mqtt://localhost:1883/mhu/",
			EnvVar: "MHU_MQTT_URL",
		},
		cli.StringFlag{
			Name:  "node",
			Value: conf.Peer,
			Usage: "Node name on MQTT",
		},
		cli.StringFlag{
			Name:  "peer",
			Value: conf.Node,
			Usage: "Node name of the client on MQTT",
		},
		cli.StringFlag{
			Name:  "core",
			Value: conf.Core,
			Usage: "Address map of the client core (he, hp, identity)",
		},
		cli.StringFlag{
			Name:  "shm",
			Value: conf.ShmPath,
		},
		cli.UintFlag{
			Name:  "shm-base",
			Value: conf.ShmBase,
			Usage: "Local address of shared memory on the client core",
		},
		cli.StringFlag{
			Name:  "shm-size",
			Value: conf.ShmSize,
		},
		cli.StringFlag{
			Name:  "verbosity",
			Value: "0",
			Usage: "Log verbosity",
		},
	}
	app.Action = func(c *cli.Context) {
		if err := run(c, conf); err != nil {
			glog.Fatalf("Error running simulator: %v", err)
		}
	}
	if err := app.Run(os.Args); err != nil {
		glog.Fatal(err)
	}
}

func run(c *cli.Context, conf *env.Config) (err error) {
	flag.Set("logtostderr", "true")
	flag.Set("v", c.String("verbosity"))
	flag.CommandLine.Parse(nil)

	conf.Core = c.String("core")
	conf.ShmPath = c.String("shm")
	conf.ShmBase = c.Uint("shm-base")
	conf.ShmSize = c.String("shm-size")
	translator, err := conf.Translator()
	if err != nil {
		return err
	}

	lock, err := shm.Lock(conf.ShmPath)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, lock.Unlock()) }()
	region, err := conf.OpenShm()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, region.Close()) }()
	glog.Infof("shared memory %s: %s", conf.ShmPath, region)

	sim := newSimulator(region, translator)
	runner := fx.NewRunner().HandleSignals()
	ctx := runner.Context

	for _, endpoint := range []struct{ network, address string }{
		{"tcp", c.String("listen")},
		{"unix", c.String("unix")},
	} {
		if endpoint.address == "" {
			continue
		}
		if endpoint.network == "unix" {
			os.Remove(endpoint.address)
		}
		ln, err := net.Listen(endpoint.network, endpoint.address)
		if err != nil {
			return err
		}
		runner.Go(fx.NamedRun(endpoint.network, fx.RunFunc(func(ctx context.Context) error {
			return sim.serveListener(ctx, ln)
		})))
	}

	if brokerURL := c.String("mqtt"); brokerURL != "" {
		q, err := mqtt.NewQueueFromURL(brokerURL)
		if err != nil {
			return err
		}
		node, peer := c.String("node"), c.String("peer")
		runner.Go(fx.NamedRun("mqtt", fx.RunFunc(func(ctx context.Context) error {
			return sim.serveMQTT(ctx, q, node, peer)
		})))
	}

	if listen := c.String("http"); listen != "" {
		router := http.Handler(sim.newRouter(ctx))
		router = handlers.LoggingHandler(os.Stdout, router)
		server := &http.Server{Addr: listen, Handler: router}
		runner.Go(fx.NamedRun("http", fx.RunFunc(func(ctx context.Context) error {
			glog.Infof("HTTP listening on %s", listen)
			return fx.RunWithContextCancel(ctx, func() { server.Close() }, server.ListenAndServe)
		})))
	}

	return runner.Wait()
}
