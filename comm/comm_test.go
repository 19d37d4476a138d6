package comm_test

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/instrumentlab/edrv/comm"
)

// terminatorEchoServer accepts one connection, echoes back everything it
// reads up to the terminator byte, re-appending the same terminator, the way
// a \r-terminated bench-harness stub would.
func terminatorEchoServer(t *testing.T, ln net.Listener, term byte) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes(term)
		if err != nil {
			return
		}
		if _, err := conn.Write(line); err != nil {
			return
		}
	}
}

func TestRemoteDeviceSendRecvRoundTrips(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go terminatorEchoServer(t, ln, comm.DefaultTerminator)

	rd := comm.NewRemoteDevice(ln.Addr().String(), nil)
	if err := rd.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rd.Close()

	resp, err := rd.SendRecv([]byte("ping"))
	if err != nil {
		t.Fatalf("SendRecv: %v", err)
	}
	if string(resp) != "ping" {
		t.Fatalf("SendRecv = %q, want %q", resp, "ping")
	}
}

func TestRemoteDeviceSendBeforeOpenFails(t *testing.T) {
	rd := comm.NewRemoteDevice("127.0.0.1:0", nil)
	if _, err := rd.SendRecv([]byte("x")); err != comm.ErrNotConnected {
		t.Fatalf("SendRecv before Open = %v, want %v", err, comm.ErrNotConnected)
	}
}

func TestRemoteDeviceOpenIsIdempotent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go terminatorEchoServer(t, ln, comm.DefaultTerminator)

	rd := comm.NewRemoteDevice(ln.Addr().String(), nil)
	if err := rd.Open(); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer rd.Close()
	if err := rd.Open(); err != nil {
		t.Fatalf("second Open on an already-open RemoteDevice returned an error: %v", err)
	}
}

func TestRemoteDeviceCustomTerminators(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	const term = '\n'
	go terminatorEchoServer(t, ln, term)

	rd := comm.NewRemoteDevice(ln.Addr().String(), &comm.Terminators{Rx: term, Tx: term})
	if err := rd.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rd.Close()

	resp, err := rd.SendRecv([]byte("hello"))
	if err != nil {
		t.Fatalf("SendRecv: %v", err)
	}
	if string(resp) != "hello" {
		t.Fatalf("SendRecv = %q, want %q", resp, "hello")
	}
}

func TestRemoteDeviceOpenTimesOutWhenNothingListens(t *testing.T) {
	start := time.Now()
	rd := comm.NewRemoteDevice("127.0.0.1:1", nil)
	rd.Timeout = 50 * time.Millisecond
	err := rd.Open()
	if err == nil {
		t.Fatal("expected an error dialing a port nothing listens on")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Open took %v, want it to give up near its 3s backoff ceiling", elapsed)
	}
}
