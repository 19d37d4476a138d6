/*Package reassembly implements the per-port sample stream reassembly
described in the protocol: accumulating decoded C2 samples into a pending
outbound buffer per data port, flagging sample-id discontinuities, and
emitting to the broker when a threshold is reached.

The accumulate-then-flush shape is grounded on envsrv.Envmon's ring-backed
sample accumulation, generalized here from a fixed-capacity ring on a tick
to a growable buffer flushed on an explicit sample-count/overflow
condition, since the protocol's emit rule is driven by elapsed sample-ids and
buffer capacity rather than a timer.
*/
package reassembly

import "github.com/instrumentlab/edrv/internal/portmap"

// emitThreshold is the elapsed-2Msps-sample-id ceiling of the protocol
const emitThreshold = 100000

// maxBufferSamples caps a pending buffer's sample count: a buffer is
// emitted once, after an append, it holds more than this many samples.
const maxBufferSamples = 1 << 20

// Buffer is one port's pending outbound accumulation
type Buffer struct {
	Port portmap.Port

	// StartSampleID is the 2 Msps sample-id the buffer began at
	StartSampleID uint32

	// Discontinuity marks the buffer with the protocol's u32_a=0 flag:
	// the samples preceding this buffer's start are known to be missing
	// or out of sequence.
	Discontinuity bool

	// Samples holds the accumulated decoded values, in arrival order
	Samples []float64

	expectedNext uint32
}

// Reassembler tracks one pending Buffer per data port.
type Reassembler struct {
	buffers map[int]*Buffer
	emit    func(Buffer)
}

// New returns a Reassembler that calls emit for each flushed buffer.
func New(emit func(Buffer)) *Reassembler {
	return &Reassembler{buffers: make(map[int]*Buffer), emit: emit}
}

// Ingest appends one decoded port payload (sampleID plus samples, from
// internal/stream.Decode) to the port's pending buffer, per the protocol's
// four steps.
func (r *Reassembler) Ingest(p portmap.Port, sampleID uint32, samples []float64) {
	buf, ok := r.buffers[p.ID]
	if !ok {
		buf = r.newBuffer(p, sampleID, false)
		r.buffers[p.ID] = buf
	} else if buf.expectedNext != sampleID {
		r.flush(p.ID)
		buf = r.newBuffer(p, sampleID, true)
		r.buffers[p.ID] = buf
	}

	buf.Samples = append(buf.Samples, samples...)
	buf.expectedNext = sampleID + uint32(len(samples))*p.Downsample

	elapsed := buf.expectedNext - buf.StartSampleID
	if elapsed > emitThreshold || len(buf.Samples) > maxBufferSamples {
		r.flush(p.ID)
	}
}

func (r *Reassembler) newBuffer(p portmap.Port, sampleID uint32, discontinuity bool) *Buffer {
	return &Buffer{
		Port:          p,
		StartSampleID: sampleID,
		Discontinuity: discontinuity,
		expectedNext:  sampleID,
	}
}

// flush emits the pending buffer for port id (if any) and clears it.
func (r *Reassembler) flush(id int) {
	buf, ok := r.buffers[id]
	if !ok || len(buf.Samples) == 0 {
		return
	}
	if r.emit != nil {
		r.emit(*buf)
	}
	delete(r.buffers, id)
}

// FlushAll emits every pending buffer, used on shutdown to avoid losing
// partially accumulated data.
func (r *Reassembler) FlushAll() {
	for id := range r.buffers {
		r.flush(id)
	}
}
