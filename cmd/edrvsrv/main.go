/*edrvsrv is the daemon entry point: it loads a device list from YAML,
opens one backend and event loop per device, and serves each device's
diagnostic surface (internal/diag) under a combined server.Mainframe, the
way cmd/multiserver/main.go loads one YAML file and serves one combined
chi.Router for every configured instrument.

Commands (cmd/multiserver/main.go's verb-dispatch shape):

	run      start the daemon
	mkconf   write the default config to disk
	conf     validate and print the config on disk
	version  print the build version
*/
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/google/gousb"

	"github.com/instrumentlab/edrv/internal/backend"
	"github.com/instrumentlab/edrv/internal/config"
	"github.com/instrumentlab/edrv/internal/diag"
	"github.com/instrumentlab/edrv/internal/driver"
	"github.com/instrumentlab/edrv/internal/logx"
	"github.com/instrumentlab/edrv/internal/memop"
	"github.com/instrumentlab/edrv/internal/queue"
	"github.com/instrumentlab/edrv/internal/suppressor"
	"github.com/instrumentlab/edrv/server"
)

// Version is the build version, typically injected via ldflags.
var Version = "dev"

// ConfigFileName is the default config path, matching ConfigFileName's role
// in cmd/multiserver/main.go.
var ConfigFileName = "edrv.yml"

const queueCapacity = 64

// runningDevice bundles the goroutine-owning pieces of one running device
// so run() can release its backend on shutdown.
type runningDevice struct {
	loop *driver.Loop
	stop func()
}

func openBackend(d config.DeviceSetup, respQ *queue.Queue) (driver.Backend, func(), error) {
	switch d.Backend {
	case config.BackendUSB:
		vid, pid, err := d.ResolveVIDPID()
		if err != nil {
			return nil, nil, fmt.Errorf("device %s: %w", d.Name, err)
		}
		b, err := backend.OpenUSB(gousb.ID(vid), gousb.ID(pid), d.InEndpoint, d.OutEndpoint, respQ)
		if err != nil {
			return nil, nil, fmt.Errorf("device %s: %w", d.Name, err)
		}
		b.Start()
		return b, func() { b.Stop(); b.Close() }, nil
	case config.BackendBench:
		b := backend.NewBench(d.Addr, respQ)
		if err := b.Open(); err != nil {
			return nil, nil, fmt.Errorf("device %s: %w", d.Name, err)
		}
		b.Start()
		return b, func() { b.Stop(); b.Close() }, nil
	case config.BackendMock:
		fallthrough
	default:
		b := backend.NewMock(respQ)
		return b, func() {}, nil
	}
}

// startDevice opens d's backend, constructs its event loop, and runs it on
// its own goroutine, per the protocol's one-event-loop-goroutine-per-device
// model.
func startDevice(d config.DeviceSetup) (*runningDevice, diag.Device, error) {
	log := logx.New(d.Name)
	cmdQ := queue.New(queueCapacity)
	respQ := queue.New(queueCapacity)
	broker := queue.New(queueCapacity)

	be, closeBackend, err := openBackend(d, respQ)
	if err != nil {
		return nil, diag.Device{}, err
	}

	loop := driver.New(log, cmdQ, respQ, broker, be, d.Name)

	if d.SuppressMode != "" && d.SuppressMode != "off" {
		loop.ConfigureSuppressor(suppressor.Config{
			Pre:    d.SuppressPre,
			Post:   d.SuppressPost,
			Mode:   suppressor.ModeFromString(d.SuppressMode),
			Matrix: suppressor.UniformMatrix(d.SuppressWindow),
		})
	}

	mem := memop.NewCoordinator(d.VerifyCRC)
	loop.AttachMemOp(mem)

	go loop.Run()

	rd := &runningDevice{loop: loop, stop: closeBackend}
	return rd, diag.Device{Prefix: d.Name, Loop: loop, Mem: mem}, nil
}

func setupconfig() config.Config {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	return c
}

func root() {
	str := `edrvsrv communicates with a USB instrument over a framed binary protocol
and exposes its connection state, memory-op progress, and loop-latency
telemetry over HTTP.

Usage:
	edrvsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `edrvsrv is configured via its .yml file. When no configuration is present,
the defaults (one mock device) are used. The mkconf command writes the
default configuration to disk so it can be edited from a known-good
starting point.`
	fmt.Println(str)
}

func mkconf() {
	if err := config.WriteDefault(ConfigFileName); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c, err := config.ValidateFile(ConfigFileName)
	if err != nil {
		log.Fatalf("config at %s does not parse: %v", ConfigFileName, err)
	}
	fmt.Printf("%+v\n", c)
}

func pversion() {
	fmt.Printf("edrvsrv version %v\n", Version)
}

func run() {
	c := setupconfig()

	mf := &server.Mainframe{}
	leaves := make(map[string]http.Handler)
	var nodes []diag.Node
	var running []*runningDevice

	for _, d := range c.Devices {
		rd, dev, err := startDevice(d)
		if err != nil {
			log.Fatalf("starting device %s: %v", d.Name, err)
		}
		running = append(running, rd)
		srv := diag.NewDeviceServer(d.DiagStem, dev)
		mf.Add(srv)

		// leaves[name] mounts srv's RouteTable on its own private handler
		// (not http.DefaultServeMux, which mf.BindRoutes below already owns)
		// so the discovery tree can dispatch to it without a second
		// registration against the same pattern.
		name := d.Name
		leaves[name] = srv.RouteTable.Handler()
		nodes = append(nodes, diag.Node{Parent: d.DiagParent, Name: name})
	}

	for _, rd := range running {
		defer rd.stop()
	}

	mf.BindRoutes()
	tree := diag.BuildTree(nodes, leaves)
	http.Handle("/discover/", http.StripPrefix("/discover", tree))

	rootLog := logx.New("edrvsrv")
	if stop, err := config.Watch(rootLog, ConfigFileName, func(config.Config) {
		rootLog.Warn("config file changed on disk; restart edrvsrv to apply it")
	}); err != nil {
		rootLog.Warn("config watch disabled: %v", err)
	} else {
		defer stop()
	}

	log.Println("edrvsrv now listening at", c.ListenAddr)
	log.Fatal(http.ListenAndServe(c.ListenAddr, nil))
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
