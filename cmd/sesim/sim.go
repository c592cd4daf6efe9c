package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"golang.org/x/net/websocket"

	"github.com/robotalks/mhu.go/pkg/addr"
	"github.com/robotalks/mhu.go/pkg/enclave"
	fx "github.com/robotalks/mhu.go/pkg/framework"
	"github.com/robotalks/mhu.go/pkg/mhu"
	"github.com/robotalks/mhu.go/pkg/mhu/link"
	"github.com/robotalks/mhu.go/pkg/mhu/mqtt"
	"github.com/robotalks/mhu.go/pkg/services/calls"
	"github.com/robotalks/mhu.go/pkg/shm"
)

// simulator serves every connected client with the same device and
// shared memory.
type simulator struct {
	Region     *shm.Region
	Translator addr.Translator
	Device     *enclave.Device

	servers map[string]*enclave.Server
	nextID  mhu.TransportID
	lock    sync.Mutex
}

func newSimulator(region *shm.Region, t addr.Translator) *simulator {
	return &simulator{
		Region:     region,
		Translator: t,
		Device:     enclave.NewDevice(),
		servers:    make(map[string]*enclave.Server),
	}
}

func (s *simulator) newID() mhu.TransportID {
	s.lock.Lock()
	defer s.lock.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

func (s *simulator) addServer(name string, mb mhu.Mailbox) *enclave.Server {
	srv := enclave.NewServer(mb, s.Region, s.Translator)
	s.Device.Register(srv)
	s.lock.Lock()
	s.servers[name] = srv
	s.lock.Unlock()
	return srv
}

func (s *simulator) removeServer(name string) {
	s.lock.Lock()
	delete(s.servers, name)
	s.lock.Unlock()
}

// serveConn runs a link and its server until the connection breaks.
func (s *simulator) serveConn(ctx context.Context, name string, conn net.Conn) error {
	glog.Infof("%s connected", name)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lnk := link.New(s.newID(), conn)
	srv := s.addServer(name, lnk)
	defer s.removeServer(name)
	linkRun := fx.RunFunc(func(ctx context.Context) error {
		defer cancel()
		return fx.RunWithContextCloser(ctx, conn, func() error {
			return lnk.Run(ctx)
		})
	})
	err := fx.NewRunnerWith(ctx).Go(fx.NamedRun(name, linkRun), fx.NamedRun(name+"/server", srv)).Wait()
	glog.Infof("%s disconnected: %v", name, err)
	return err
}

// serveListener accepts stream connections until ctx is done.
func (s *simulator) serveListener(ctx context.Context, ln net.Listener) error {
	glog.Infof("listening on %s %s", ln.Addr().Network(), ln.Addr())
	return fx.RunWithContextCloser(ctx, ln, func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return err
			}
			name := fmt.Sprintf("%s:%s", ln.Addr().Network(), conn.RemoteAddr())
			go s.serveConn(ctx, name, conn)
		}
	})
}

// serveMQTT serves doorbells addressed to node on the broker.
func (s *simulator) serveMQTT(ctx context.Context, q *mqtt.Queue, node, peer string) error {
	defer q.Close()
	token := q.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return err
	}
	name := "mqtt:" + node
	mb := mqtt.NewMailbox(q, s.newID(), node, peer)
	srv := s.addServer(name, mb)
	defer s.removeServer(name)
	return fx.NewRunnerWith(ctx).
		Go(fx.NamedRun(name, mb), fx.NamedRun(name+"/server", srv)).
		Wait()
}

type deviceState struct {
	CPUs   map[string]enclave.CPUState `json:"cpus"`
	Loaded []string                    `json:"loaded"`
}

func (s *simulator) stats() map[string]enclave.Stats {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make(map[string]enclave.Stats, len(s.servers))
	for name, srv := range s.servers {
		result[name] = srv.Stats()
	}
	return result
}

func (s *simulator) deviceState() *deviceState {
	st := &deviceState{CPUs: make(map[string]enclave.CPUState), Loaded: s.Device.Loaded()}
	for cpu := calls.CPUHost0; cpu < calls.CPUCount; cpu++ {
		st.CPUs[cpu.String()] = s.Device.CPU(cpu)
	}
	return st
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("write response: %v", err)
	}
}

// newRouter exposes the counters and accepts links over websocket.
func (s *simulator) newRouter(ctx context.Context) *mux.Router {
	r := mux.NewRouter()
	r.Methods("GET").Path("/v1/stats").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, s.stats())
	})
	r.Methods("GET").Path("/v1/device").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, s.deviceState())
	})
	r.Path("/mhu").Handler(websocket.Handler(func(ws *websocket.Conn) {
		ws.PayloadType = websocket.BinaryFrame
		s.serveConn(ctx, "ws:"+ws.Request().RemoteAddr, ws)
	}))
	return r
}
