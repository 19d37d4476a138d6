/*Package suppressor implements the current-range transition suppressor
described in the protocol: a masked ring buffer of recent 2 Msps samples
that replaces the current/voltage/power readings around a current-range
switch with interpolated or NaN-filled values, delaying its output by
exactly pre+window+post+1 samples.

The masked power-of-two ring index is the pattern the protocol calls out
explicitly ("ring buffer in the suppressor... captures the write
head/read head pattern without modulo cost"); it is hand-rolled here
because ringo's CircleF64/CircleTime only expose scalar append+contiguous
access, not the indexed, heterogeneous-struct random access this
component needs.
*/
package suppressor

import (
	"math"
)

// Mode selects how a suppression window is replaced
type Mode int

// Replacement modes, per the protocol
const (
	ModeInterp Mode = iota
	ModeNaN
	ModeOff
)

// Current-range sentinels, per the protocol
const (
	RangeOff     = 7
	RangeMissing = 8
	numRanges    = 9
)

// Matrix is a 9x9 table of suppression-window sample counts indexed
// [toRange][fromRange]. Row/column 7 (off) and 8 (missing) are expected to
// be zero per the protocol.
type Matrix [numRanges][numRanges]int

// Sample is one slot of the suppressor's input/output stream
type Sample struct {
	Current     float64
	Voltage     float64
	Power       float64
	CurrentRange int
	GPI0        bool
	GPI1        bool
	// Missing marks a sample that was itself missing on input (current
	// range 8); it carries NaN current/voltage/power.
	Missing bool
}

// Config bounds and selects suppression behavior, per the protocol
type Config struct {
	Pre    int // samples before the transition to replace, <= 8
	Post   int // samples after the transition to replace, <= 8
	Mode   Mode
	Matrix Matrix
}

// maxWindow bounds a single scheduled suppression window, per the protocol
// ("window total <= 12")
const maxWindow = 12

// ringSize sizes the ring at the next power of two >= pre+window+post+1,
// per the protocol ("ring buffer of size 2^k sized to hold at least
// pre+window+post+1 samples").
func ringSize(cfg Config) int {
	need := cfg.Pre + maxWindow + cfg.Post + 1
	size := 1
	for size < need {
		size <<= 1
	}
	return size
}

// pendingSuppression tracks one scheduled (possibly overlapping) window
type pendingSuppression struct {
	// centerSeq is the ring sequence number of the transition sample
	centerSeq uint64
	// startSeq/endSeq bound the half-open [start,end) range of ring
	// sequence numbers to be replaced
	startSeq, endSeq uint64
}

// Suppressor processes a 2 Msps sample stream and emits delayed, corrected
// samples. It is not safe for concurrent use; the protocol's concurrency model
// runs all per-device processing on a single event-loop goroutine.
type Suppressor struct {
	cfg  Config
	mask uint64
	ring []Sample

	// seq is the sequence number (monotonic, not wrapped) of the next
	// input sample to be written; ring index = seq & mask
	seq uint64

	// emitSeq is the sequence number of the next sample to be emitted
	emitSeq uint64

	// lastRange is the current_range of the most recently written sample,
	// used to detect transitions; -1 before the first sample
	lastRange int

	pending []pendingSuppression

	delay int // pre + window-max + post + 1, the fixed output delay
}

// New creates a Suppressor. The delay and ring are sized with the fixed
// maxWindow ceiling (12), not the matrix's actual maximum entry.
func New(cfg Config) *Suppressor {
	size := ringSize(cfg)
	s := &Suppressor{
		cfg:       cfg,
		mask:      uint64(size - 1),
		ring:      make([]Sample, size),
		lastRange: -1,
		delay:     cfg.Pre + maxWindow + cfg.Post + 1,
	}
	return s
}

// sentinelRow reports whether a current_range value uses row/column 0 of
// the suppression matrix (no suppression), per the protocol's tie-break for
// transitions to/from off (7) or missing (8).
func sentinelRow(r int) bool {
	return r == RangeOff || r == RangeMissing
}

func (s *Suppressor) windowFor(from, to int) int {
	if sentinelRow(from) || sentinelRow(to) {
		return 0
	}
	if from < 0 || from >= numRanges || to < 0 || to >= numRanges {
		return 0
	}
	return s.cfg.Matrix[to][from]
}

// Process feeds one input sample and returns the next output sample (or
// ok=false while the pipeline is still in warm-up: warm-up lasts exactly
// pre+window+post+1 samples, the documented invariant, not the raw
// mask-based threshold the source used).
func (s *Suppressor) Process(in Sample) (out Sample, ok bool) {
	idx := s.seq & s.mask
	s.ring[idx] = in

	if s.lastRange >= 0 && in.CurrentRange != s.lastRange {
		win := s.windowFor(s.lastRange, in.CurrentRange)
		if win > 0 {
			s.scheduleWindow(s.seq, win)
		}
	}
	s.lastRange = in.CurrentRange

	s.seq++

	if s.seq <= uint64(s.delay) {
		return Sample{}, false
	}

	outSeq := s.emitSeq
	s.emitSeq++
	return s.renderOutput(outSeq), true
}

// scheduleWindow extends (never replaces) any overlapping pending window,
// per the protocol's overlap tie-break, and clamps total replaced samples
// to SUPPRESS_WINDOW_MAX + pre + post. The window is anchored on the
// transition sample itself, not split around it: [centerSeq-Pre,
// centerSeq+window+Post) replaces pre samples before the transition, the
// transition sample, window-1 samples after it, and post trailing samples.
func (s *Suppressor) scheduleWindow(centerSeq uint64, window int) {
	start := centerSeq - uint64(s.cfg.Pre)
	end := centerSeq + uint64(window) + uint64(s.cfg.Post)

	maxTotal := uint64(maxWindow + s.cfg.Pre + s.cfg.Post)
	if end-start > maxTotal {
		end = start + maxTotal
	}

	for i := range s.pending {
		p := &s.pending[i]
		if start < p.endSeq && end > p.startSeq {
			if start < p.startSeq {
				p.startSeq = start
			}
			if end > p.endSeq {
				p.endSeq = end
			}
			if p.endSeq-p.startSeq > maxTotal {
				p.endSeq = p.startSeq + maxTotal
			}
			p.centerSeq = centerSeq
			return
		}
	}

	s.pending = append(s.pending, pendingSuppression{
		centerSeq: centerSeq,
		startSeq:  start,
		endSeq:    end,
	})
}

// inWindow reports whether seq falls within any pending suppression window,
// and garbage collects windows that have fully scrolled out of the ring.
func (s *Suppressor) inWindow(seq uint64) bool {
	found := false
	kept := s.pending[:0]
	for _, p := range s.pending {
		if seq < p.startSeq-uint64(s.delay) {
			// window is still ahead of what's been read out; keep it
			kept = append(kept, p)
			continue
		}
		if seq >= p.startSeq && seq < p.endSeq {
			found = true
		}
		if seq < p.endSeq {
			kept = append(kept, p)
		}
	}
	s.pending = kept
	return found
}

func (s *Suppressor) renderOutput(seq uint64) Sample {
	in := s.ring[seq&s.mask]

	if s.cfg.Mode == ModeOff || !s.inWindow(seq) {
		return in
	}

	switch s.cfg.Mode {
	case ModeNaN:
		return Sample{
			Current:      math.NaN(),
			Voltage:      math.NaN(),
			Power:        math.NaN(),
			CurrentRange: in.CurrentRange,
			GPI0:         in.GPI0,
			GPI1:         in.GPI1,
		}
	case ModeInterp:
		return s.interpolate(seq, in)
	default:
		return in
	}
}

// interpolate linearly interpolates current and voltage between the last
// good sample before the active window and the first good sample after it,
// recomputing power as i*v, per the protocol.
func (s *Suppressor) interpolate(seq uint64, in Sample) Sample {
	before, beforeSeq, okBefore := s.lastGoodBefore(seq)
	after, afterSeq, okAfter := s.firstGoodAfter(seq)

	if !okBefore || !okAfter || afterSeq == beforeSeq {
		return Sample{
			Current:      math.NaN(),
			Voltage:      math.NaN(),
			Power:        math.NaN(),
			CurrentRange: in.CurrentRange,
			GPI0:         in.GPI0,
			GPI1:         in.GPI1,
		}
	}

	frac := float64(seq-beforeSeq) / float64(afterSeq-beforeSeq)
	i := before.Current + frac*(after.Current-before.Current)
	v := before.Voltage + frac*(after.Voltage-before.Voltage)
	return Sample{
		Current:      i,
		Voltage:      v,
		Power:        i * v,
		CurrentRange: in.CurrentRange,
		GPI0:         in.GPI0,
		GPI1:         in.GPI1,
	}
}

func (s *Suppressor) lastGoodBefore(seq uint64) (Sample, uint64, bool) {
	for cur := seq; ; cur-- {
		if s.seq-cur > uint64(len(s.ring)) {
			return Sample{}, 0, false
		}
		if !s.inWindow(cur) {
			return s.ring[cur&s.mask], cur, true
		}
		if cur == 0 {
			return Sample{}, 0, false
		}
	}
}

func (s *Suppressor) firstGoodAfter(seq uint64) (Sample, uint64, bool) {
	for cur := seq; cur < s.seq; cur++ {
		if !s.inWindow(cur) {
			return s.ring[cur&s.mask], cur, true
		}
	}
	return Sample{}, 0, false
}

// Delay returns the fixed output delay in samples (pre+window-max+post+1).
func (s *Suppressor) Delay() int {
	return s.delay
}

// UniformMatrix builds a Matrix applying the same window to every
// non-sentinel transition, for a device configuration that does not (yet)
// supply a full per-range-pair matrix; windowFor still zeroes the
// off/missing rows and columns regardless of a row/column's entry here.
func UniformMatrix(window int) Matrix {
	var m Matrix
	for i := range m {
		for j := range m {
			m[i][j] = window
		}
	}
	return m
}

// ModeFromString resolves a configuration string to a Mode, defaulting to
// ModeOff for anything unrecognized so a typo in a device's config
// disables suppression rather than silently picking a mode.
func ModeFromString(s string) Mode {
	switch s {
	case "nan":
		return ModeNaN
	case "interp":
		return ModeInterp
	default:
		return ModeOff
	}
}
