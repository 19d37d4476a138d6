package backend

import (
	"net"
	"testing"
	"time"

	"github.com/instrumentlab/edrv/internal/frame"
	"github.com/instrumentlab/edrv/internal/queue"
)

// TestBenchReadPumpReassemblesControlFrame verifies that a control frame
// (8 bytes) written across the TCP loopback in one piece is classified by
// frame.PeekLength and forwarded whole, exercising the same codepath a
// real 512-byte data frame would take.
func TestBenchReadPumpReassemblesControlFrame(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	codec := frame.NewCodec()
	wantBuf := codec.EncodeControl(frame.LinkResetRequest)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	respQ := queue.New(1)
	b := NewBench(ln.Addr().String(), respQ)
	if err := b.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()
	b.Start()
	defer b.Stop()

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted")
	}
	defer conn.Close()

	if _, err := conn.Write(wantBuf); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-respQ.C():
		if len(msg.Payload) != len(wantBuf) {
			t.Fatalf("payload len = %d, want %d", len(msg.Payload), len(wantBuf))
		}
		for i := range wantBuf {
			if msg.Payload[i] != wantBuf[i] {
				t.Fatalf("payload mismatch at byte %d", i)
			}
		}
	case <-time.After(time.Second):
		t.Fatal("read pump never forwarded the frame")
	}
}

// TestBenchReadPumpReportsDeviceLostOnEOF verifies that a closed peer
// connection (EOF mid-read) is reported as backend-device-lost rather than
// silently retried forever.
func TestBenchReadPumpReportsDeviceLostOnEOF(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	respQ := queue.New(1)
	b := NewBench(ln.Addr().String(), respQ)
	if err := b.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()
	b.Start()
	defer b.Stop()

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted")
	}
	conn.Close()

	select {
	case msg := <-respQ.C():
		if msg.Kind != "backend-device-lost" {
			t.Fatalf("kind = %q, want backend-device-lost", msg.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("read pump never reported device-lost on EOF")
	}
}
