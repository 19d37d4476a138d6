/*Package memop implements the memory-operation coordinator described in
the protocol: one in-flight erase/write/read verb against a controller or
sensor memory region, routed on topics `h/mem/{c|s}/{region}/{verb}`, with
a windowed send-side buffer for writes and an offset-tracked accept loop
for reads.

The offset/cursor bookkeeping is adapted from acromag/ap235.go's
per-channel DAC playback cursor (a single mutable "how far have we gotten"
counter guarded against a buffer capacity), generalized here from
per-channel playback position to per-operation send/accept offsets. The
optional whole-transfer integrity check supplements the protocol with the
XMODEM CRC nkt/telegram.go computes via snksoft/crc, applied here across
an entire memory transfer rather than one telegram.
*/
package memop

import (
	"encoding/binary"

	"github.com/snksoft/crc"

	"github.com/instrumentlab/edrv/internal/errs"
)

// Verb identifies one of the four memory-op verbs
type Verb int

const (
	VerbErase Verb = iota
	VerbWrite
	VerbRead
)

// String renders a Verb for logging and the diagnostic status route.
func (v Verb) String() string {
	switch v {
	case VerbErase:
		return "erase"
	case VerbWrite:
		return "write"
	case VerbRead:
		return "read"
	default:
		return "unknown"
	}
}

// Target distinguishes the controller and sensor region tables
type Target int

const (
	TargetController Target = iota
	TargetSensor
)

// Controller and sensor region tables, per the protocol
var controllerRegions = []string{"app", "upd1", "upd2", "storage", "log", "acfg", "bcfg", "pers"}
var sensorRegions = []string{"app1", "app2", "cal_t", "cal_a", "cal_f", "pers"}

// ResolveRegion validates a region name against the ordered table for
// target, returning its index (used as the on-wire region id) or a
// ParameterInvalid error.
func ResolveRegion(target Target, name string) (int, error) {
	table := controllerRegions
	if target == TargetSensor {
		table = sensorRegions
	}
	for i, r := range table {
		if r == name {
			return i, nil
		}
	}
	return 0, errs.Wrap(errs.ParameterInvalid, "unknown %v region %q", target, name)
}

// Size ceilings, per the protocol
const (
	// MaxWriteLength is the maximum total length of a single write op
	MaxWriteLength = 512 * 1024
	// DefaultReadLength is used when a read request omits a length
	DefaultReadLength = 512 * 1024
)

// crcTable is the XMODEM CRC-16 table nkt/telegram.go builds once at
// package init and reuses across calls.
var crcTable = crc.NewTable(crc.XMODEM)

// checksum computes the whole-transfer XMODEM CRC-16 of buf, for Op.CRC.
func checksum(buf []byte) uint16 {
	state := crcTable.InitCrc()
	state = crcTable.UpdateCrc(state, buf)
	return crcTable.CRC16(state)
}

// opPhase tracks where a write or read operation is in its protocol
type opPhase int

const (
	phaseIdle opPhase = iota
	phaseErasePending
	phaseWriteStartPending
	phaseWriteData
	phaseReadReqPending
	phaseReadData
)

// Op is the single in-flight memory operation, per the protocol ("at most
// one operation runs; a new request aborts the previous").
type Op struct {
	Verb    Verb
	Target  Target
	Region  int
	Topic   string // the originating topic, for the "#" status reply

	phase opPhase

	// write-side state
	data      []byte // full payload to write
	sent      int    // bytes handed to the wire so far
	valid     int    // bytes the device has acknowledged
	chunkSize int
	bufSize   int

	// read-side state
	wantLength int
	accepted   []byte
	firstErr   int // first non-zero status observed, 0 if none

	verifyCRC bool
}

// Coordinator owns the single in-flight Op for one device.
type Coordinator struct {
	current   *Op
	VerifyCRC bool
}

// NewCoordinator returns an idle Coordinator. verifyCRC is copied onto each
// Op it starts; no write or read completion step compares a CRC.
func NewCoordinator(verifyCRC bool) *Coordinator {
	return &Coordinator{VerifyCRC: verifyCRC}
}

// Current returns the in-flight operation, or nil if idle.
func (c *Coordinator) Current() *Op {
	return c.current
}

// StartErase begins an erase verb against region, aborting any operation
// already in flight.
func (c *Coordinator) StartErase(target Target, region int, topic string) *Op {
	c.abortCurrent()
	op := &Op{Verb: VerbErase, Target: target, Region: region, Topic: topic, phase: phaseErasePending, verifyCRC: c.VerifyCRC}
	c.current = op
	return op
}

// StartWrite begins a write verb with the given payload, chunkSize (the
// per-frame data cap), and bufSize (the device's receive-window size),
// per the protocol.
func (c *Coordinator) StartWrite(target Target, region int, topic string, data []byte, chunkSize, bufSize int) (*Op, error) {
	if len(data) > MaxWriteLength {
		return nil, errs.Wrap(errs.TooBig, "write of %d bytes exceeds %d byte ceiling", len(data), MaxWriteLength)
	}
	c.abortCurrent()
	op := &Op{
		Verb: VerbWrite, Target: target, Region: region, Topic: topic,
		phase: phaseWriteStartPending, data: data, chunkSize: chunkSize, bufSize: bufSize,
		verifyCRC: c.VerifyCRC,
	}
	c.current = op
	return op, nil
}

// StartRead begins a read verb for the given length (DefaultReadLength if
// length <= 0), per the protocol.
func (c *Coordinator) StartRead(target Target, region int, topic string, length int) (*Op, error) {
	if length <= 0 {
		length = DefaultReadLength
	}
	if length > MaxWriteLength {
		return nil, errs.Wrap(errs.TooBig, "read of %d bytes exceeds %d byte ceiling", length, MaxWriteLength)
	}
	c.abortCurrent()
	op := &Op{
		Verb: VerbRead, Target: target, Region: region, Topic: topic,
		phase: phaseReadReqPending, wantLength: length, verifyCRC: c.VerifyCRC,
	}
	c.current = op
	return op, nil
}

// abortCurrent marks any in-flight op idle and drops it. Nothing is
// reported on the dropped op's topic.
func (c *Coordinator) abortCurrent() {
	if c.current != nil {
		c.current.phase = phaseIdle
	}
	c.current = nil
}

// Abort cancels the in-flight op (if any) and returns the Aborted error
// that should be surfaced on its topic.
func (c *Coordinator) Abort() error {
	if c.current == nil {
		return nil
	}
	c.abortCurrent()
	return errs.Aborted
}

// EraseAck completes an erase op.
func (op *Op) EraseAck() {
	op.phase = phaseIdle
}

// AdvanceEraseToWrite moves an op straight to the write-data phase after
// an erase ack.
func (op *Op) AdvanceEraseToWrite() {
	op.phase = phaseWriteData
}

// WriteStartAck transitions from write-start to streaming write-data
// chunks.
func (op *Op) WriteStartAck() {
	op.phase = phaseWriteData
}

// Progress reports bytes-acknowledged-over-total for a write, or
// bytes-accepted-over-requested for a read, for internal/diag's status
// route. total is 0 for an erase (there is nothing to meter).
func (op *Op) Progress() (done, total int) {
	switch op.Verb {
	case VerbWrite:
		return op.valid, len(op.data)
	case VerbRead:
		return len(op.accepted), op.wantLength
	default:
		return 0, 0
	}
}

// WindowAvailable reports whether one more full chunk can be sent while
// keeping the unacknowledged byte count within the protocol's bound,
// `sent - valid <= buffer_size - chunk_size`.
func (op *Op) WindowAvailable() bool {
	return op.sent+op.chunkSize-op.valid <= op.bufSize-op.chunkSize
}

// NextChunk returns the next window-bounded slice to send, or ok=false if
// the entire payload has already been sent. It advances sent but not
// valid; valid only advances on AckOffset.
func (op *Op) NextChunk() (data []byte, offset int, ok bool) {
	if op.sent >= len(op.data) {
		return nil, 0, false
	}
	if !op.WindowAvailable() {
		return nil, 0, false
	}
	end := op.sent + op.chunkSize
	if end > len(op.data) {
		end = len(op.data)
	}
	chunk := op.data[op.sent:end]
	offset = op.sent
	op.sent = end
	return chunk, offset, true
}

// AckOffset records the device's reported last-accepted offset. Per
// the protocol, an out-of-sequence ack (not equal to the current valid
// offset advancing monotonically to a sent value) is a Synchronization
// error and aborts the operation.
func (op *Op) AckOffset(offset int) error {
	if offset < op.valid || offset > op.sent {
		return errs.Wrap(errs.Synchronization, "write ack offset %d out of range [%d, %d]", offset, op.valid, op.sent)
	}
	op.valid = offset
	return nil
}

// Complete reports whether a write op's entire payload has been sent and
// acknowledged.
func (op *Op) Complete() bool {
	return op.sent >= len(op.data) && op.valid >= len(op.data)
}

// CRC returns the whole-transfer XMODEM CRC-16 of a completed write's
// payload, meaningful only when verifyCRC is set.
func (op *Op) CRC() uint16 {
	return checksum(op.data)
}

// ReadStartAck transitions a pending read request into the accept loop.
func (op *Op) ReadStartAck() {
	op.phase = phaseReadData
	op.accepted = make([]byte, 0, op.wantLength)
}

// AcceptReadData processes one `read-data` message, per the protocol:
// accept when offset equals the current valid (accepted) length and the
// chunk does not exceed the per-frame cap; otherwise record the first
// non-zero status and keep draining.
func (op *Op) AcceptReadData(offset int, data []byte, status int, chunkMax int) {
	if status != 0 && op.firstErr == 0 {
		op.firstErr = status
	}
	if offset != len(op.accepted) || len(data) > chunkMax {
		return
	}
	op.accepted = append(op.accepted, data...)
}

// Finish returns the accepted read payload truncated to its actual
// length, and the "#" status to report (0 on success, the first non-zero
// status otherwise), per the protocol's terminating sequence.
func (op *Op) Finish() (data []byte, status int) {
	return op.accepted, op.firstErr
}

func (t Target) String() string {
	if t == TargetSensor {
		return "sensor"
	}
	return "controller"
}

// encodeLength packs n as a 32-bit little-endian length field.
func encodeLength(n int) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(n))
	return b
}
