package driver

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/instrumentlab/edrv/internal/frame"
	"github.com/instrumentlab/edrv/internal/logx"
	"github.com/instrumentlab/edrv/internal/memop"
	"github.com/instrumentlab/edrv/internal/portmap"
	"github.com/instrumentlab/edrv/internal/queue"
	"github.com/instrumentlab/edrv/internal/statemachine"
	"github.com/instrumentlab/edrv/internal/suppressor"
)

type recordingBackend struct {
	sent [][]byte
}

func (b *recordingBackend) Send(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	b.sent = append(b.sent, cp)
	return nil
}

func newTestLoop() (*Loop, *queue.Queue, *queue.Queue, *queue.Queue, *recordingBackend) {
	cmdQ := queue.New(8)
	respQ := queue.New(8)
	broker := queue.New(8)
	backend := &recordingBackend{}
	l := New(logx.New("test"), cmdQ, respQ, broker, backend, "dev0")
	return l, cmdQ, respQ, broker, backend
}

// TestLoopExitsAtFinalized verifies the protocol step 5: Run returns as
// soon as the connection state machine is already at finalized, without
// waiting out the queue-wait ceiling.
func TestLoopExitsAtFinalized(t *testing.T) {
	l, _, _, _, _ := newTestLoop()
	l.fsm.Present()
	l.fsm.Fire(statemachine.EventAPIOpen)
	l.fsm.Finalize()
	l.fsm.Fire(statemachine.EventAPIClose) // forced close from an intermediate (ll-open) state
	l.fsm.Fire(statemachine.EventBackendCloseAck)
	if l.State() != statemachine.StateFinalized {
		t.Fatalf("setup: state = %v, want finalized", l.State())
	}

	done := make(chan struct{})
	go func() {
		l.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit immediately at finalized")
	}
}

// TestFinalizeCommandDrivesGracefulClose verifies the protocol's cancellation
// rule: a !finalize command arms is-finalizing and raises the normal
// api-close event, taking the graceful-close path (since open is not an
// intermediate state) rather than a forced close.
func TestFinalizeCommandDrivesGracefulClose(t *testing.T) {
	l, cmdQ, _, _, _ := newTestLoop()
	l.fsm.Present()
	l.fsm.Fire(statemachine.EventAPIOpen)
	l.fsm.Fire(statemachine.EventBackendOpenAck)
	l.fsm.Fire(statemachine.EventBackendBulkAck)
	l.fsm.Fire(statemachine.EventResetAck)
	if l.State() != statemachine.StateOpen {
		t.Fatalf("setup: state = %v, want open", l.State())
	}

	cmdQ.TryPush(queue.Message{Topic: "!finalize"})
	l.drainCommands()

	if !l.finalizePending {
		t.Fatal("finalizePending not set")
	}
	if l.State() != statemachine.StatePubSubFlush {
		t.Fatalf("state = %v, want pubsub-flush", l.State())
	}
}

// TestPingTopicSendsLinkFrame verifies the protocol: h/link/!ping is
// sent as a link-service frame while the connection is open.
func TestPingTopicSendsLinkFrame(t *testing.T) {
	l, _, _, _, backend := newTestLoop()
	l.fsm.Present()
	l.fsm.Fire(statemachine.EventAPIOpen)
	l.fsm.Fire(statemachine.EventBackendOpenAck)
	l.fsm.Fire(statemachine.EventBackendBulkAck)
	l.fsm.Fire(statemachine.EventResetAck)
	if l.State() != statemachine.StateOpen {
		t.Fatalf("setup: state = %v, want open", l.State())
	}

	l.handleCommand(queue.Message{Topic: PingTopic})
	if len(backend.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(backend.sent))
	}
}

// TestUnknownTopicIgnored verifies the protocol's "unknown topics are
// logged and ignored" rule: no frame is sent and no panic occurs.
func TestUnknownTopicIgnored(t *testing.T) {
	l, _, _, _, backend := newTestLoop()
	l.fsm.Present()
	l.fsm.Fire(statemachine.EventAPIOpen)
	l.fsm.Fire(statemachine.EventBackendOpenAck)
	l.fsm.Fire(statemachine.EventBackendBulkAck)
	l.fsm.Fire(statemachine.EventResetAck)

	l.handleCommand(queue.Message{Topic: "x/unrelated"})
	if len(backend.sent) != 0 {
		t.Fatalf("sent %d frames, want 0 for an unknown topic", len(backend.sent))
	}
}

// TestCommandDroppedWhenNotOpen verifies that non-lifecycle topics are
// dropped (not queued or sent) while the connection is not open.
func TestCommandDroppedWhenNotOpen(t *testing.T) {
	l, _, _, _, backend := newTestLoop()
	l.fsm.Present()

	l.handleCommand(queue.Message{Topic: "h/some/param", Value: true})
	if len(backend.sent) != 0 {
		t.Fatalf("sent %d frames while closed, want 0", len(backend.sent))
	}
}

// TestThroughputFrameForwardedWithinLimit verifies that a service=throughput
// frame is forwarded to the broker under its devicePrefix/throughput topic
// when the rate limiter has budget.
func TestThroughputFrameForwardedWithinLimit(t *testing.T) {
	l, _, _, broker, _ := newTestLoop()
	l.throughputLim = rate.NewLimiter(1, 1)

	l.handleThroughputFrame(frame.View{Service: frame.ServiceThroughput, Payload: []byte{1, 2, 3}})

	select {
	case msg := <-broker.C():
		if msg.Topic != "dev0/throughput" {
			t.Fatalf("topic = %q, want dev0/throughput", msg.Topic)
		}
		if len(msg.Payload) != 3 {
			t.Fatalf("payload = %v, want 3 bytes", msg.Payload)
		}
	default:
		t.Fatal("expected a forwarded throughput message")
	}
}

// TestThroughputFrameDroppedOverLimit verifies the protocol's single-worker
// starvation guard: once the limiter's burst is exhausted, further
// throughput frames are silently dropped rather than queued.
func TestThroughputFrameDroppedOverLimit(t *testing.T) {
	l, _, _, broker, _ := newTestLoop()
	l.throughputLim = rate.NewLimiter(1, 1)

	l.handleThroughputFrame(frame.View{Service: frame.ServiceThroughput, Payload: []byte{1}})
	l.handleThroughputFrame(frame.View{Service: frame.ServiceThroughput, Payload: []byte{2}})

	if broker.Len() != 1 {
		t.Fatalf("broker has %d pending messages, want 1 (second frame dropped)", broker.Len())
	}
}

// TestPortFrameDataReachesReassembly verifies handleStreamFrame routes a
// port-id-keyed stream frame for a non-current data port through
// stream.Decode and into reassembly, without requiring a suppressor to be
// configured.
func TestPortFrameDataReachesReassembly(t *testing.T) {
	l, _, _, broker, _ := newTestLoop()

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], 0)
	binary.LittleEndian.PutUint32(payload[4:8], math.Float32bits(3.5))

	c := frame.NewCodec()
	buf, err := c.EncodePortFrame(17, payload) // port 17 = s/v
	if err != nil {
		t.Fatal(err)
	}

	l.handleStreamFrame(buf)
	l.reassembler.FlushAll()

	select {
	case msg := <-broker.C():
		if msg.Topic != "dev0/s/v/!data" {
			t.Fatalf("topic = %q, want dev0/s/v/!data", msg.Topic)
		}
		got := math.Float64frombits(binary.LittleEndian.Uint64(msg.Payload))
		if got != 3.5 {
			t.Fatalf("sample = %v, want 3.5", got)
		}
	default:
		t.Fatal("expected a reassembled s/v/!data broker message")
	}
}

// TestCurrentChannelSuppressedAndDelayed verifies the current port (16) is
// routed through the attached suppressor before reaching reassembly, and
// that its fixed output delay holds back exactly Delay() samples.
func TestCurrentChannelSuppressedAndDelayed(t *testing.T) {
	l, _, _, broker, _ := newTestLoop()
	l.ConfigureSuppressor(suppressor.Config{Pre: 0, Post: 0, Mode: suppressor.ModeNaN, Matrix: suppressor.UniformMatrix(0)})

	const n = 20
	payload := make([]byte, 4+4*n)
	binary.LittleEndian.PutUint32(payload[0:4], 0)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(payload[4+i*4:], math.Float32bits(float32(i)))
	}

	c := frame.NewCodec()
	buf, err := c.EncodePortFrame(16, payload) // port 16 = s/i
	if err != nil {
		t.Fatal(err)
	}

	l.handleStreamFrame(buf)
	l.reassembler.FlushAll()

	select {
	case msg := <-broker.C():
		if msg.Topic != "dev0/s/i/!data" {
			t.Fatalf("topic = %q, want dev0/s/i/!data", msg.Topic)
		}
		wantN := n - l.suppress.Delay()
		gotN := len(msg.Payload) / 8
		if gotN != wantN {
			t.Fatalf("emitted %d samples, want %d (delay %d)", gotN, wantN, l.suppress.Delay())
		}
		first := math.Float64frombits(binary.LittleEndian.Uint64(msg.Payload))
		if first != 0 {
			t.Fatalf("first emitted sample = %v, want 0 (input sample 0, delayed by %d)", first, l.suppress.Delay())
		}
	default:
		t.Fatal("expected a suppressed current-channel broker message")
	}
}

// TestMemEraseCommandSendsPortFrame verifies a h/mem/.../!erase command
// topic drives the attached coordinator and sends a port-3 request frame,
// and that the device's erase-ack response is reported on the topic's "#"
// suffix.
func TestMemEraseCommandSendsPortFrame(t *testing.T) {
	l, cmdQ, _, broker, backend := newTestLoop()
	l.fsm.Present()
	l.fsm.Fire(statemachine.EventAPIOpen)
	l.fsm.Fire(statemachine.EventBackendOpenAck)
	l.fsm.Fire(statemachine.EventBackendBulkAck)
	l.fsm.Fire(statemachine.EventResetAck)

	l.AttachMemOp(memop.NewCoordinator(false))

	cmdQ.TryPush(queue.Message{Topic: "h/mem/c/app/!erase"})
	l.drainCommands()

	if len(backend.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(backend.sent))
	}
	_, portID, payload, err := frame.DecodePortFrame(backend.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	if portID != portmap.PortMemory {
		t.Fatalf("port id = %d, want %d", portID, portmap.PortMemory)
	}
	if memOpCode(payload[0]) != memOpErase {
		t.Fatalf("opcode = %d, want memOpErase", payload[0])
	}

	ackPayload := make([]byte, 6)
	ackPayload[0] = byte(memOpErase)
	buf, err := l.codec.EncodePortFrame(portmap.PortMemory, ackPayload)
	if err != nil {
		t.Fatal(err)
	}
	l.handleStreamFrame(buf)

	select {
	case msg := <-broker.C():
		if msg.Topic != "dev0/h/mem/c/app/!erase#" {
			t.Fatalf("topic = %q, want dev0/h/mem/c/app/!erase#", msg.Topic)
		}
		if msg.Value != 0 {
			t.Fatalf("status = %v, want 0", msg.Value)
		}
	default:
		t.Fatal("expected an erase completion status on the broker")
	}
}

// TestMemCommandRejectedWithoutCoordinator verifies a memory-op topic is
// rejected (not sent to the device) when no coordinator has been attached.
func TestMemCommandRejectedWithoutCoordinator(t *testing.T) {
	l, cmdQ, _, broker, backend := newTestLoop()
	l.fsm.Present()
	l.fsm.Fire(statemachine.EventAPIOpen)
	l.fsm.Fire(statemachine.EventBackendOpenAck)
	l.fsm.Fire(statemachine.EventBackendBulkAck)
	l.fsm.Fire(statemachine.EventResetAck)

	cmdQ.TryPush(queue.Message{Topic: "h/mem/c/app/!erase"})
	l.drainCommands()

	if len(backend.sent) != 0 {
		t.Fatalf("sent %d frames, want 0 with no coordinator attached", len(backend.sent))
	}
	select {
	case msg := <-broker.C():
		if msg.Value != 1 {
			t.Fatalf("status = %v, want 1 (rejected)", msg.Value)
		}
	default:
		t.Fatal("expected a rejection status on the broker")
	}
}

// TestLinkPongPublishedToBroker verifies a service=link data frame with
// msg_type=pong is published to h/link/!pong.
func TestLinkPongPublishedToBroker(t *testing.T) {
	l, _, _, broker, _ := newTestLoop()

	md, words := frame.EncodeLinkMessage(frame.LinkMsgPong, nil)
	buf, err := l.codec.EncodeData(frame.ServiceLink, md, words)
	if err != nil {
		t.Fatal(err)
	}
	l.handleStreamFrame(buf)

	select {
	case msg := <-broker.C():
		if msg.Topic != "dev0/h/link/!pong" {
			t.Fatalf("topic = %q, want dev0/h/link/!pong", msg.Topic)
		}
	default:
		t.Fatal("expected a pong broker message")
	}
}

// TestBackendDeviceLostFiresReset verifies a backend-device-lost response
// fires the state machine's global reset event, per the connection state
// machine's "device presence lost" rule.
func TestBackendDeviceLostFiresReset(t *testing.T) {
	l, _, respQ, _, _ := newTestLoop()
	l.fsm.Present()
	l.fsm.Fire(statemachine.EventAPIOpen)
	l.fsm.Fire(statemachine.EventBackendOpenAck)

	respQ.TryPush(queue.Message{Kind: "backend-device-lost"})
	l.drainResponses()

	if l.State() != statemachine.StateNotPresent {
		t.Fatalf("state = %v, want not-present after device-lost", l.State())
	}
}
