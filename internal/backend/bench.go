/*bench.go adapts comm/comm.go's RemoteDevice into a TCP transport usable
wherever a real USB bulk pipe would otherwise sit: a frame-echoing test
fixture, or a throughput bench rig, reachable over a plain socket. Dialing
reuses RemoteDevice.Open verbatim (cenkalti/backoff-guarded,
same exponential schedule comm.Open uses against the NKT sources); what
bench.go adds on top is frame-aware reads, since RemoteDevice's own
Send/Recv assume a terminator-delimited ASCII protocol that would corrupt
a binary 512-byte frame whose bytes may contain the terminator byte.
*/
package backend

import (
	"io"
	"time"

	"github.com/instrumentlab/edrv/comm"
	"github.com/instrumentlab/edrv/internal/frame"
	"github.com/instrumentlab/edrv/internal/queue"
)

// BenchBackend is a TCP stand-in for the USB bulk pipe.
type BenchBackend struct {
	rd    *comm.RemoteDevice
	respQ *queue.Queue
	stop  chan struct{}
}

// NewBench returns a BenchBackend dialing addr on Open.
func NewBench(addr string, respQ *queue.Queue) *BenchBackend {
	rd := comm.NewRemoteDevice(addr, nil)
	return &BenchBackend{rd: &rd, respQ: respQ, stop: make(chan struct{})}
}

// Open establishes the TCP connection, retrying with backoff exactly as
// comm.RemoteDevice.Open does.
func (b *BenchBackend) Open() error {
	return b.rd.Open()
}

// Send writes one frame or control buffer directly to the socket, with no
// terminator appended (the frame's own length tells the reader how much
// to read, per frame.PeekLength).
func (b *BenchBackend) Send(buf []byte) error {
	if b.rd.Conn == nil {
		return comm.ErrNotConnected
	}
	_, err := b.rd.Conn.Write(buf)
	return err
}

// Start spawns the read pump off the event-loop goroutine.
func (b *BenchBackend) Start() {
	go b.readPump()
}

// Stop signals the read pump to exit.
func (b *BenchBackend) Stop() {
	close(b.stop)
}

// readPump reads a 4-byte header to classify the frame with
// frame.PeekLength, then reads the remainder of the frame, and forwards
// the whole buffer to respQ as a stream-in-data message. An EOF/
// ErrUnexpectedEOF means the peer closed the socket, a genuine connection
// loss rather than a transient read hiccup; anything else just loops.
func (b *BenchBackend) readPump() {
	header := make([]byte, 4)
	for {
		select {
		case <-b.stop:
			return
		default:
		}
		if b.rd.Conn == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if _, err := io.ReadFull(b.rd.Conn, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				b.respQ.TryPush(queue.Message{Kind: "backend-device-lost"})
				return
			}
			continue
		}
		total, err := frame.PeekLength(header)
		if err != nil {
			continue
		}
		buf := make([]byte, total)
		copy(buf, header)
		if _, err := io.ReadFull(b.rd.Conn, buf[4:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				b.respQ.TryPush(queue.Message{Kind: "backend-device-lost"})
				return
			}
			continue
		}
		b.respQ.TryPush(queue.Message{Kind: "stream-in-data", Payload: buf})
	}
}

// Close closes the underlying TCP connection.
func (b *BenchBackend) Close() error {
	return b.rd.Close()
}
