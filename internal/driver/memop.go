package driver

import (
	"encoding/binary"
	"strings"

	"github.com/instrumentlab/edrv/internal/errs"
	"github.com/instrumentlab/edrv/internal/memop"
	"github.com/instrumentlab/edrv/internal/portmap"
	"github.com/instrumentlab/edrv/internal/queue"
)

// memTopicPrefix is the topic namespace routed to the memory-op
// coordinator instead of the generic pubsub publish path, per the
// protocol's h/mem/{c|s}/{region}/{verb} table.
const memTopicPrefix = "h/mem/"

// memOpCode identifies a port-3 frame's verb/phase. The protocol specifies
// the erase/write/read verb sequence but not a wire byte layout for the
// port-3 request/response frames; this is that layout, chosen the way
// internal/frame/pubsub.go's ValueType tags a pubsub value's wire shape.
// Request and response frames share the same 6-byte header: opcode,
// status, and a little-endian uint32 offset-or-length, followed by any
// chunk data.
type memOpCode uint8

const (
	memOpErase memOpCode = iota
	memOpWriteStart
	memOpWriteData
	memOpWriteFinalize
	memOpReadReq
	memOpReadData
)

// handleMemCommand dispatches one h/mem/{c|s}/{region}/{verb} command
// topic to the attached coordinator and sends the corresponding port-3
// request frame.
func (l *Loop) handleMemCommand(topic string, value interface{}, payload []byte) {
	if l.mem == nil {
		l.log.Warn("memory-op topic %q ignored: no coordinator attached", topic)
		l.replyMemTopicError(topic, errs.Wrap(errs.NotFound, "no memory-op coordinator attached"))
		return
	}

	parts := strings.Split(topic, "/")
	if len(parts) != 5 {
		l.replyMemTopicError(topic, errs.Wrap(errs.ParameterInvalid, "malformed memory-op topic %q", topic))
		return
	}

	var target memop.Target
	switch parts[2] {
	case "c":
		target = memop.TargetController
	case "s":
		target = memop.TargetSensor
	default:
		l.replyMemTopicError(topic, errs.Wrap(errs.ParameterInvalid, "unknown memory-op target %q", parts[2]))
		return
	}

	region, err := memop.ResolveRegion(target, parts[3])
	if err != nil {
		l.replyMemTopicError(topic, err)
		return
	}

	switch parts[4] {
	case "!erase":
		l.mem.StartErase(target, region, topic)
		l.sendMemOpFrame(memOpErase, 0, nil)

	case "!write":
		op, err := l.mem.StartWrite(target, region, topic, payload, l.memChunkSize, l.memBufSize)
		if err != nil {
			l.replyMemTopicError(topic, err)
			return
		}
		_, total := op.Progress()
		l.sendMemOpFrame(memOpWriteStart, uint32(total), nil)

	case "!read":
		length := 0
		if n, ok := value.(int); ok {
			length = n
		}
		op, err := l.mem.StartRead(target, region, topic, length)
		if err != nil {
			l.replyMemTopicError(topic, err)
			return
		}
		_, total := op.Progress()
		l.sendMemOpFrame(memOpReadReq, uint32(total), nil)

	default:
		l.replyMemTopicError(topic, errs.Wrap(errs.ParameterInvalid, "unknown memory-op verb %q", parts[4]))
	}
}

// handleMemFrame processes one port-3 response frame against the
// in-flight operation, per the protocol's erase/write/read sequences.
func (l *Loop) handleMemFrame(payload []byte) {
	if l.mem == nil || len(payload) < 6 {
		return
	}
	op := l.mem.Current()
	if op == nil {
		return
	}

	code := memOpCode(payload[0])
	status := int(payload[1])
	offset := int(binary.LittleEndian.Uint32(payload[2:6]))
	data := payload[6:]

	switch code {
	case memOpErase:
		op.EraseAck()
		l.replyMemDone(op, status)
	case memOpWriteStart:
		op.WriteStartAck()
		l.pumpWriteWindow(op)
	case memOpWriteData:
		if err := op.AckOffset(offset); err != nil {
			l.log.Warn("memory-op write ack out of sequence: %v", err)
			l.replyMemDone(op, 1)
			return
		}
		if op.Complete() {
			l.sendMemOpFrame(memOpWriteFinalize, 0, nil)
		} else {
			l.pumpWriteWindow(op)
		}
	case memOpWriteFinalize:
		l.replyMemDone(op, status)
	case memOpReadReq:
		op.ReadStartAck()
	case memOpReadData:
		l.acceptReadData(op, offset, data, status)
	}
}

// pumpWriteWindow sends as many window-bounded chunks as the send-side
// window currently allows, per the protocol's
// "sent - valid < buffer_size - chunk_size" invariant.
func (l *Loop) pumpWriteWindow(op *memop.Op) {
	for {
		chunk, offset, ok := op.NextChunk()
		if !ok {
			return
		}
		l.sendMemOpFrame(memOpWriteData, uint32(offset), chunk)
	}
}

// acceptReadData feeds one read-data response into the in-flight op and,
// once the requested length has been accepted, emits the !rdata result
// followed by the terminating status reply.
func (l *Loop) acceptReadData(op *memop.Op, offset int, data []byte, status int) {
	op.AcceptReadData(offset, data, status, l.memChunkSize)
	done, total := op.Progress()
	if done < total {
		return
	}
	result, finalStatus := op.Finish()
	l.broker.TryPush(queue.Message{Topic: l.devicePrefix + "/" + op.Topic + "/!rdata", Payload: result})
	l.replyMemDone(op, finalStatus)
}

// sendMemOpFrame encodes and sends one port-3 command frame.
func (l *Loop) sendMemOpFrame(code memOpCode, offsetOrLength uint32, data []byte) {
	payload := make([]byte, 6+len(data))
	payload[0] = byte(code)
	binary.LittleEndian.PutUint32(payload[2:6], offsetOrLength)
	copy(payload[6:], data)

	buf, err := l.codec.EncodePortFrame(portmap.PortMemory, payload)
	if err != nil {
		l.log.Error("memory-op frame encode failed: %v", err)
		return
	}
	if err := l.backend.Send(buf); err != nil {
		l.log.Error("memory-op send failed: %v", err)
	}
}

// replyMemTopicError reports a rejection on topic's "#" suffix before any
// operation has been started, per the protocol's immediate-error rule.
func (l *Loop) replyMemTopicError(topic string, err error) {
	l.log.Warn("memory-op topic %q rejected: %v", topic, err)
	l.broker.TryPush(queue.Message{Topic: l.devicePrefix + "/" + topic + "#", Value: 1})
}

// replyMemDone reports an in-flight operation's terminal status on its
// originating topic's "#" suffix, per the protocol.
func (l *Loop) replyMemDone(op *memop.Op, status int) {
	l.broker.TryPush(queue.Message{Topic: l.devicePrefix + "/" + op.Topic + "#", Value: status})
}
