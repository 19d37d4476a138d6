/*Package driver implements the per-device event loop described in
the protocol: a single-threaded cooperative loop that drains inbound
command and response queues, drives the connection state machine
(internal/statemachine), pushes decoded stream data (internal/stream,
internal/suppressor, internal/reassembly) to the broker sink, and exits
when the connection reaches finalized.

The select-on-either-queue-with-a-ceiling shape is adapted from
multiserver/multiserver.go's accept loop (select across several channels
with a time.After escape hatch) generalized from "accept new connections"
to "drain command/response traffic for one already-open connection".
*/
package driver

import (
	"encoding/binary"
	"math"
	"strings"
	"time"

	"github.com/brandondube/ringo"
	"golang.org/x/time/rate"

	"github.com/instrumentlab/edrv/internal/errs"
	"github.com/instrumentlab/edrv/internal/frame"
	"github.com/instrumentlab/edrv/internal/logx"
	"github.com/instrumentlab/edrv/internal/memop"
	"github.com/instrumentlab/edrv/internal/portmap"
	"github.com/instrumentlab/edrv/internal/queue"
	"github.com/instrumentlab/edrv/internal/reassembly"
	"github.com/instrumentlab/edrv/internal/statemachine"
	"github.com/instrumentlab/edrv/internal/stream"
	"github.com/instrumentlab/edrv/internal/suppressor"
)

// Port field ids, mirroring internal/portmap.Table's assignment, that the
// stream pipeline singles out for suppression/range tracking rather than
// passing straight to reassembly.
const (
	fieldCurrent      = 0
	fieldCurrentRange = 3
)

// Defaults for the memory-op coordinator's send-side window, matching the
// protocol's own worked example (§8 scenario 6), used when a device config
// does not override them.
const (
	defaultMemChunkSize = 486
	defaultMemBufSize   = 8192
)

// latencyRingSize bounds the loop-iteration latency history kept for
// internal/diag; it is not part of the wire protocol, just a diagnostic aid.
const latencyRingSize = 256

// throughputRate bounds how many service=throughput frames per second the
// loop will forward to the broker; a runaway producer must not be able to
// starve command/response queue drain on the single worker thread.
const throughputRate = 2000

// waitCeiling bounds the event loop's blocking wait on "either queue
// non-empty", per the protocol.
const waitCeiling = 5 * time.Second

// Backend is the subset of the USB transport the event loop drives
// asynchronously; every call here must not block the loop goroutine, per
// the protocol's "no call on the event-loop thread may block on device I/O".
type Backend interface {
	// Send transmits a raw frame buffer (data or control) to the device.
	Send(buf []byte) error
}

// PingTopic is the link-service ping topic of the protocol.
const PingTopic = "h/link/!ping"

// Loop runs one device's event loop. It owns the frame codec, the
// connection state machine, and the command/response queues; it has no
// concurrency of its own beyond the goroutine it runs on.
type Loop struct {
	log     *logx.Logger
	cmdQ    *queue.Queue
	respQ   *queue.Queue
	broker  *queue.Queue
	backend Backend
	codec   *frame.Codec
	fsm     *statemachine.Machine

	devicePrefix string

	finalizePending bool

	latencies     ringo.CircleF64
	throughputLim *rate.Limiter

	// suppress is the current-channel transition suppressor (C3); nil
	// means suppression is disabled and port 16 passes straight to
	// reassembly, per ConfigureSuppressor.
	suppress          *suppressor.Suppressor
	lastCurrentRange  int
	pendingCurrentIDs []uint32

	// reassembler accumulates decoded per-port samples (C2's output) into
	// outbound buffers (C7); it is always constructed, independent of
	// whether a suppressor is attached.
	reassembler *reassembly.Reassembler

	// mem is the memory-op coordinator (C6); nil means h/mem/... topics
	// are rejected rather than dispatched, per AttachMemOp.
	mem                      *memop.Coordinator
	memChunkSize, memBufSize int
}

// New constructs a Loop. prefix is prepended to broker emissions and
// stripped from inbound command topics, per the protocol.
func New(log *logx.Logger, cmdQ, respQ, broker *queue.Queue, backend Backend, prefix string) *Loop {
	l := &Loop{
		log:              log,
		cmdQ:             cmdQ,
		respQ:            respQ,
		broker:           broker,
		backend:          backend,
		codec:            frame.NewCodec(),
		fsm:              statemachine.New(),
		devicePrefix:     prefix,
		throughputLim:    rate.NewLimiter(throughputRate, throughputRate),
		lastCurrentRange: -1,
		memChunkSize:     defaultMemChunkSize,
		memBufSize:       defaultMemBufSize,
	}
	l.latencies.Init(latencyRingSize)
	l.reassembler = reassembly.New(l.emitPortBuffer)
	return l
}

// ConfigureSuppressor installs the current-range transition suppressor
// (C3) the current channel (port 16) is fed through before reassembly, per
// the protocol. Call before Run; a Loop with no suppressor configured
// passes current samples straight through unmodified.
func (l *Loop) ConfigureSuppressor(cfg suppressor.Config) {
	l.suppress = suppressor.New(cfg)
}

// AttachMemOp wires mem as the coordinator driven by h/mem/... command
// topics and fed by port-3 response frames (C6). Call before Run; a Loop
// with no coordinator attached rejects memory-op topics.
func (l *Loop) AttachMemOp(mem *memop.Coordinator) {
	l.mem = mem
}

// Run executes the event loop until the connection state machine reaches
// finalized, per the protocol step 5.
func (l *Loop) Run() {
	l.fsm.Present()
	for {
		if l.fsm.State() == statemachine.StateFinalized {
			return
		}
		if !l.waitAndDrainOne() {
			// timed out waiting on both queues; if a timed FSM state has
			// expired, force progress per the protocol
			if l.fsm.CheckTimeout() {
				l.applyTransition(l.fsm.FireTimeout())
			}
			continue
		}
		iterStart := time.Now()
		l.drainCommands()
		l.drainResponses()
		if l.fsm.State() == statemachine.StateLLClosePend {
			l.applyTransition(l.fsm.Fire(statemachine.EventAdvance))
		}
		l.latencies.Append(float64(time.Since(iterStart)) / float64(time.Millisecond))
	}
}

// Latencies returns the most recent loop-iteration latencies in
// milliseconds, oldest first, for internal/diag's telemetry route. Timing
// starts after waitAndDrainOne returns, so the blocking wait on an empty
// queue (I/O wait, not loop work) is excluded.
func (l *Loop) Latencies() []float64 {
	return l.latencies.Contiguous()
}

// waitAndDrainOne blocks on either queue being non-empty, up to
// waitCeiling, per the protocol, and immediately handles the one message it
// receives (the select necessarily consumes it). Remaining buffered
// messages are picked up by the non-blocking drains that follow.
func (l *Loop) waitAndDrainOne() bool {
	select {
	case msg, ok := <-l.cmdQ.C():
		if ok {
			l.handleCommand(msg)
		}
		return true
	case msg, ok := <-l.respQ.C():
		if ok {
			l.handleResponse(msg)
		}
		return true
	case <-time.After(waitCeiling):
		return false
	}
}

func (l *Loop) drainCommands() {
	for {
		select {
		case msg, ok := <-l.cmdQ.C():
			if !ok {
				return
			}
			l.handleCommand(msg)
		default:
			return
		}
	}
}

func (l *Loop) drainResponses() {
	for {
		select {
		case msg, ok := <-l.respQ.C():
			if !ok {
				return
			}
			l.handleResponse(msg)
		default:
			return
		}
	}
}

// handleCommand dispatches one inbound command message, per the protocol
// step 2: open/close/finalize map to state-machine events, topic-prefixed
// messages go to the published frame sink.
func (l *Loop) handleCommand(msg queue.Message) {
	switch msg.Topic {
	case "!open":
		l.applyTransition(l.fsm.Fire(statemachine.EventAPIOpen))
		return
	case "!close":
		l.applyTransition(l.fsm.Fire(statemachine.EventAPIClose))
		return
	case "!finalize":
		l.finalizePending = true
		l.fsm.Finalize()
		l.applyTransition(l.fsm.Fire(statemachine.EventAPIClose))
		return
	}

	if l.fsm.State() != statemachine.StateOpen {
		l.log.Warn("dropping topic %q: connection not open", msg.Topic)
		return
	}
	if strings.HasPrefix(msg.Topic, memTopicPrefix) {
		l.handleMemCommand(msg.Topic, msg.Value, msg.Payload)
		return
	}
	l.publishTopic(msg.Topic, msg.Value, msg.Payload)
}

// publishTopic routes one outbound topic per the protocol's topic table.
func (l *Loop) publishTopic(topic string, value interface{}, payload []byte) {
	switch {
	case topic == PingTopic:
		md, words := frame.EncodeLinkMessage(frame.LinkMsgPing, nil)
		buf, err := l.codec.EncodeData(frame.ServiceLink, md, words)
		if err != nil {
			l.log.Error("ping encode failed: %v", err)
			return
		}
		if err := l.backend.Send(buf); err != nil {
			l.log.Error("ping send failed: %v", err)
		}
	case strings.HasPrefix(topic, "h/") || strings.HasPrefix(topic, "."):
		vt, raw := encodeValue(value, payload)
		md, words, err := frame.EncodePubSub(topic, vt, raw)
		if err != nil {
			l.log.Error("pubsub encode failed for topic %q: %v", topic, err)
			return
		}
		buf, err := l.codec.EncodeData(frame.ServicePubSub, md, words)
		if err != nil {
			l.log.Error("pubsub frame encode failed for topic %q: %v", topic, err)
			return
		}
		if err := l.backend.Send(buf); err != nil {
			l.log.Error("pubsub send failed for topic %q: %v", topic, err)
		}
	default:
		l.log.Warn("unknown topic %q ignored", topic)
	}
}

func encodeValue(value interface{}, payload []byte) (frame.ValueType, []byte) {
	switch v := value.(type) {
	case bool:
		b := byte(0)
		if v {
			b = 1
		}
		return frame.ValueBool, []byte{b}
	case string:
		return frame.ValueString, append([]byte(v), 0)
	case []byte:
		return frame.ValueBinary, v
	default:
		return frame.ValueBinary, payload
	}
}

// handleResponse classifies one inbound backend/stream message, per
// the protocol step 3.
func (l *Loop) handleResponse(msg queue.Message) {
	switch msg.Kind {
	case "stream-in-data":
		l.handleStreamFrame(msg.Payload)
	case "backend-open-ack":
		l.applyTransition(l.fsm.Fire(statemachine.EventBackendOpenAck))
	case "backend-open-nack":
		l.applyTransition(l.fsm.Fire(statemachine.EventBackendOpenNack))
	case "backend-bulk-ack":
		l.applyTransition(l.fsm.Fire(statemachine.EventBackendBulkAck))
	case "backend-bulk-nack":
		l.applyTransition(l.fsm.Fire(statemachine.EventBackendBulkNack))
	case "backend-close-ack":
		l.applyTransition(l.fsm.Fire(statemachine.EventBackendCloseAck))
	case "backend-device-lost":
		l.applyTransition(l.fsm.Fire(statemachine.EventReset))
	case "bulk-out-data":
		// acknowledgement of an outbound bulk write; nothing to do beyond
		// returning ownership to the backend, already implicit here.
	default:
		l.log.Warn("unrecognized response kind %q", msg.Kind)
	}
}

// handleStreamFrame routes one raw inbound buffer to whichever of the two
// wire-frame generations it carries: the service-type-keyed frame (link
// handshake, pubsub, trace, throughput) or the older device's port-id-keyed
// stream frame (per-port sample data and memory-op traffic), distinguished
// by frame.IsServiceFrame.
func (l *Loop) handleStreamFrame(buf []byte) {
	if !frame.IsServiceFrame(buf) {
		l.handlePortFrame(buf)
		return
	}

	v, err := l.codec.Decode(buf)
	if err != nil {
		if errs.Is(err, errs.Framing) || errs.Is(err, errs.LinkCheck) {
			l.log.Error("undecodable frame dropped: %v", err)
			return
		}
		// LengthCheck/FrameIdGap are logged and the loop continues, per
		// the protocol.
		l.log.Warn("frame observation: %v", err)
	}

	if v.IsLink {
		l.handleLinkFrame(v)
		return
	}

	switch v.Service {
	case frame.ServicePubSub:
		l.handlePubSubFrame(v)
	case frame.ServiceThroughput:
		l.handleThroughputFrame(v)
	case frame.ServiceLink:
		l.handleLinkMessageFrame(v)
	default:
		// trace service frames carry no further handling in this core.
	}
}

// handlePortFrame decodes one port-id-keyed stream frame (§3 "Stream frame
// (older device)") and routes its payload to the memory-op coordinator
// (port 3) or through the sample decode/suppress/reassemble pipeline (data
// ports 16+).
func (l *Loop) handlePortFrame(buf []byte) {
	_, portID, payload, err := frame.DecodePortFrame(buf)
	if err != nil {
		l.log.Error("undecodable port frame dropped: %v", err)
		return
	}
	if portID == portmap.PortMemory {
		l.handleMemFrame(payload)
		return
	}

	p, ok := PortForData(portID)
	if !ok || !portmap.IsDataPort(portID) {
		l.log.Warn("port frame for unrecognized port %d dropped", portID)
		return
	}

	dec, err := stream.Decode(payload, p)
	if err != nil {
		l.log.Error("stream decode failed for port %d: %v", portID, err)
		return
	}

	switch {
	case p.FieldID == fieldCurrent && l.suppress != nil:
		id, samples := l.suppressCurrent(dec.SampleID, dec.Samples)
		if len(samples) == 0 {
			// still inside the suppressor's fixed warm-up delay; nothing
			// to reassemble yet.
			return
		}
		l.reassembler.Ingest(p, id, samples)
	case p.FieldID == fieldCurrentRange:
		l.recordCurrentRange(dec.Samples)
		l.reassembler.Ingest(p, dec.SampleID, dec.Samples)
	default:
		l.reassembler.Ingest(p, dec.SampleID, dec.Samples)
	}
}

// suppressCurrent feeds one decoded current-channel batch through the
// attached suppressor, pairing each input sample with the most recently
// observed current-range value, and returns the sample id and values the
// suppressor has finished delaying as of this call. pendingCurrentIDs
// tracks, in arrival order, the original sample id fed for each value
// still working its way through the suppressor's fixed delay; Process's
// output is a delayed FIFO of its input, so the oldest pending id always
// corresponds to the next emitted value.
func (l *Loop) suppressCurrent(sampleID uint32, in []float64) (uint32, []float64) {
	var out []float64
	var outStart uint32
	haveStart := false

	for i, v := range in {
		l.pendingCurrentIDs = append(l.pendingCurrentIDs, sampleID+uint32(i))

		res, ok := l.suppress.Process(suppressor.Sample{Current: v, CurrentRange: l.lastCurrentRange})
		if !ok {
			continue
		}
		outID := l.pendingCurrentIDs[0]
		l.pendingCurrentIDs = l.pendingCurrentIDs[1:]
		if !haveStart {
			outStart, haveStart = outID, true
		}
		out = append(out, res.Current)
	}
	return outStart, out
}

// recordCurrentRange updates the most recently observed current-range
// value used to tag samples fed to the suppressor. The range and current
// streams arrive as independent port frames with no guaranteed sample-id
// alignment; this core uses the latest decoded value as a
// most-recent-observation approximation rather than attempting full
// cross-port alignment.
func (l *Loop) recordCurrentRange(samples []float64) {
	if len(samples) == 0 {
		return
	}
	l.lastCurrentRange = int(samples[len(samples)-1])
}

// emitPortBuffer publishes one flushed reassembly buffer under its port's
// data topic, encoding samples as a flat little-endian float64 array
// regardless of the port's original on-wire element width (C2 already
// normalizes every element type to float64).
func (l *Loop) emitPortBuffer(buf reassembly.Buffer) {
	if buf.Port.DataTopic == "" {
		return
	}
	payload := make([]byte, 8*len(buf.Samples))
	for i, s := range buf.Samples {
		binary.LittleEndian.PutUint64(payload[i*8:], math.Float64bits(s))
	}
	l.broker.TryPush(queue.Message{Topic: l.devicePrefix + "/" + buf.Port.DataTopic, Payload: payload})
}

// handleLinkMessageFrame decodes a service=link data frame's msg_type and
// responds to a pong with the broker-visible h/link/!pong topic; other
// message types (status, timesync) have no further handling in this core.
func (l *Loop) handleLinkMessageFrame(v frame.View) {
	msg, _, err := frame.DecodeLinkMessage(v)
	if err != nil {
		l.log.Warn("link message decode failed: %v", err)
		return
	}
	if msg == frame.LinkMsgPong {
		l.broker.TryPush(queue.Message{Topic: l.devicePrefix + "/h/link/!pong"})
	}
}

// handleThroughputFrame forwards a service=throughput frame's payload to
// the broker, rate-limited by throughputLim so a fast producer cannot
// starve command/response drain on this single worker thread. Frames
// arriving faster than the limit allows are dropped, not queued, since
// queuing would just move the starvation risk onto the broker.
func (l *Loop) handleThroughputFrame(v frame.View) {
	if !l.throughputLim.Allow() {
		return
	}
	payload := make([]byte, len(v.Payload))
	copy(payload, v.Payload)
	l.broker.TryPush(queue.Message{Topic: l.devicePrefix + "/throughput", Payload: payload})
}

func (l *Loop) handleLinkFrame(v frame.View) {
	switch v.Subtype {
	case frame.LinkResetRequest:
		l.applyTransition(l.fsm.Fire(statemachine.EventResetRequestReceived))
	case frame.LinkResetAck:
		l.applyTransition(l.fsm.Fire(statemachine.EventResetAck))
	case frame.LinkDisconnectAck:
		l.applyTransition(l.fsm.Fire(statemachine.EventLinkDisconnectAck))
	}
}

func (l *Loop) handlePubSubFrame(v frame.View) {
	topic, _, value, err := frame.DecodePubSub(v)
	if err != nil {
		l.log.Warn("pubsub decode failed: %v", err)
		return
	}
	if topic == statemachine.FlushSentinelTopic && string(value) == statemachine.FlushSentinelValue {
		l.applyTransition(l.fsm.Fire(statemachine.EventPubSubFlushComplete))
		return
	}
	l.broker.TryPush(queue.Message{Topic: l.devicePrefix + "/" + topic, Value: value})
}

// applyTransition runs the effect a state-machine transition requests.
func (l *Loop) applyTransition(state statemachine.State, eff statemachine.Effect, err error) {
	if err != nil {
		l.log.Warn("state machine: %v", err)
		return
	}
	switch eff {
	case statemachine.EffectEnqueueBackendOpen:
		l.respQ.TryPush(queue.Message{Kind: "request-open"})
	case statemachine.EffectEnqueueBulkInStreamOpen:
		l.respQ.TryPush(queue.Message{Kind: "request-bulk-open"})
	case statemachine.EffectSendResetRequest:
		l.backend.Send(l.codec.EncodeControl(frame.LinkResetRequest))
	case statemachine.EffectSendResetAck:
		l.backend.Send(l.codec.EncodeControl(frame.LinkResetAck))
	case statemachine.EffectPublishFlushSentinel:
		md, words, encErr := frame.EncodePubSub(statemachine.FlushSentinelTopic, frame.ValueString, []byte(statemachine.FlushSentinelValue))
		if encErr == nil {
			if buf, bufErr := l.codec.EncodeData(frame.ServicePubSub, md, words); bufErr == nil {
				l.backend.Send(buf)
			}
		}
	case statemachine.EffectSendDisconnectRequest:
		l.backend.Send(l.codec.EncodeControl(frame.LinkDisconnectRequest))
	case statemachine.EffectEnqueueBackendClose:
		l.respQ.TryPush(queue.Message{Kind: "request-close"})
	case statemachine.EffectReportOpenSuccess:
		l.broker.TryPush(queue.Message{Topic: l.devicePrefix + "/open#", Value: 0})
	case statemachine.EffectReportOpenFail:
		l.broker.TryPush(queue.Message{Topic: l.devicePrefix + "/open#", Value: 1})
	case statemachine.EffectReportCloseSuccess:
		l.broker.TryPush(queue.Message{Topic: l.devicePrefix + "/close#", Value: 0})
	case statemachine.EffectReportCloseFail:
		l.broker.TryPush(queue.Message{Topic: l.devicePrefix + "/close#", Value: 1})
	}
	_ = state
}

// State exposes the current connection state, for diagnostics.
func (l *Loop) State() statemachine.State {
	return l.fsm.State()
}

// PortForData resolves a port-id-keyed stream frame's port id (decoded by
// frame.DecodePortFrame) against the fixed port table, for handlePortFrame
// wiring C2/C3/C7 to the right descriptor.
func PortForData(id int) (portmap.Port, bool) {
	return portmap.Lookup(id)
}
