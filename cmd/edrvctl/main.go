/*edrvctl is an interactive CLI for manual device bring-up: it starts one
device's event loop against a chosen backend, drives it through
open/ping/close by hand, and prints a spinner while waiting on each
handshake, the way cmd/multiserver/main.go's subcommands drive one
instrument at a time for manual testing.

Usage:

	edrvctl -backend=mock|bench|usb [flags] open
	edrvctl -backend=mock|bench|usb [flags] ping
	edrvctl -backend=mock|bench|usb [flags] close
	edrvctl -backend=mock|bench|usb [flags] status
	edrvctl -conf=path.yml check
*/
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/google/gousb"
	"github.com/theckman/yacspin"

	"github.com/instrumentlab/edrv/internal/backend"
	"github.com/instrumentlab/edrv/internal/config"
	"github.com/instrumentlab/edrv/internal/driver"
	"github.com/instrumentlab/edrv/internal/logx"
	"github.com/instrumentlab/edrv/internal/queue"
	"github.com/instrumentlab/edrv/internal/statemachine"
)

var (
	backendFlag = flag.String("backend", "mock", "backend to drive: usb, mock, or bench")
	addrFlag    = flag.String("addr", "127.0.0.1:9000", "bench backend dial address")
	vidFlag     = flag.String("vid", "0x0000", "usb backend vendor id")
	pidFlag     = flag.String("pid", "0x0000", "usb backend product id")
	inEPFlag    = flag.Int("in-ep", 0x81, "usb backend IN endpoint address")
	outEPFlag   = flag.Int("out-ep", 0x01, "usb backend OUT endpoint address")
	confFlag    = flag.String("conf", "edrv.yml", "config file for the check command")
)

// newSpinner builds a dots spinner with the given message, matching the
// default CharSet most yacspin consumers reach for.
func newSpinner(msg string) (*yacspin.Spinner, error) {
	cfg := yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[9],
		Suffix:          " ",
		Message:         msg,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
		StopMessage:     msg + " done",
		StopFailMessage: msg + " failed",
		StopFailColors:  []string{"fgRed"},
	}
	return yacspin.New(cfg)
}

func buildBackend(respQ *queue.Queue) (driver.Backend, func(), error) {
	switch *backendFlag {
	case "usb":
		vid, err := gousbParseID(*vidFlag)
		if err != nil {
			return nil, nil, err
		}
		pid, err := gousbParseID(*pidFlag)
		if err != nil {
			return nil, nil, err
		}
		b, err := backend.OpenUSB(vid, pid, *inEPFlag, *outEPFlag, respQ)
		if err != nil {
			return nil, nil, err
		}
		b.Start()
		return b, func() { b.Stop(); b.Close() }, nil
	case "bench":
		b := backend.NewBench(*addrFlag, respQ)
		if err := b.Open(); err != nil {
			return nil, nil, err
		}
		b.Start()
		return b, func() { b.Stop(); b.Close() }, nil
	default:
		return backend.NewMock(respQ), func() {}, nil
	}
}

func gousbParseID(s string) (gousb.ID, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, err
	}
	return gousb.ID(v), nil
}

// session bundles one manually-driven device instance.
type session struct {
	loop  *driver.Loop
	cmdQ  *queue.Queue
	close func()
}

func newSession() (*session, error) {
	log := logx.New("edrvctl")
	cmdQ := queue.New(8)
	respQ := queue.New(8)
	broker := queue.New(8)

	be, closeBackend, err := buildBackend(respQ)
	if err != nil {
		return nil, err
	}
	loop := driver.New(log, cmdQ, respQ, broker, be, "ctl")
	go loop.Run()
	return &session{loop: loop, cmdQ: cmdQ, close: closeBackend}, nil
}

// waitForState polls loop.State() until it matches want or timeout
// elapses, while the caller's spinner animates on its own ticker.
func waitForState(loop *driver.Loop, want statemachine.State, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if loop.State() == want {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for state %v (currently %v)", want, loop.State())
}

func cmdOpen() error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.close()

	spin, err := newSpinner("opening connection")
	if err != nil {
		return err
	}
	if err := spin.Start(); err != nil {
		return err
	}
	s.cmdQ.Push(queue.Message{Topic: "!open"})
	if err := waitForState(s.loop, statemachine.StateOpen, 5*time.Second); err != nil {
		spin.StopFail()
		return err
	}
	spin.Stop()
	color.New(color.FgGreen, color.Bold).Println("connection open")
	return nil
}

func cmdPing() error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.close()
	s.cmdQ.Push(queue.Message{Topic: driver.PingTopic})
	color.New(color.FgCyan).Println("ping sent")
	return nil
}

func cmdClose() error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.close()

	spin, err := newSpinner("closing connection")
	if err != nil {
		return err
	}
	if err := spin.Start(); err != nil {
		return err
	}
	s.cmdQ.Push(queue.Message{Topic: "!close"})
	if err := waitForState(s.loop, statemachine.StateClosed, 5*time.Second); err != nil {
		spin.StopFail()
		return err
	}
	spin.Stop()
	color.New(color.FgGreen).Println("connection closed")
	return nil
}

func cmdStatus() error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.close()
	time.Sleep(100 * time.Millisecond)
	fmt.Println("state:", s.loop.State())
	return nil
}

func cmdCheck() error {
	c, err := config.ValidateFile(*confFlag)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("%s parses: %d device(s), listening at %s\n", *confFlag, len(c.Devices), c.ListenAddr)
	return nil
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Println("usage: edrvctl -backend=mock|bench|usb [flags] open|ping|close|status|check")
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "open":
		err = cmdOpen()
	case "ping":
		err = cmdPing()
	case "close":
		err = cmdClose()
	case "status":
		err = cmdStatus()
	case "check":
		err = cmdCheck()
	default:
		log.Fatalf("unknown command %q", args[0])
	}
	if err != nil {
		color.New(color.FgRed, color.Bold).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
