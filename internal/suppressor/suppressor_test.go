package suppressor

import (
	"math"
	"testing"
)

func flatMatrix(v int) Matrix {
	var m Matrix
	for i := range m {
		for j := range m {
			m[i][j] = v
		}
	}
	return m
}

// TestDelayInvariant verifies the protocol's suppressor-delay property: output
// sample k corresponds to input sample k, with the first output appearing
// only after pre+window+post+1 inputs have been fed in.
func TestDelayInvariant(t *testing.T) {
	cfg := Config{Pre: 2, Post: 2, Mode: ModeOff, Matrix: flatMatrix(4)}
	s := New(cfg)
	want := 2 + maxWindow + 2 + 1
	if s.Delay() != want {
		t.Fatalf("Delay() = %d, want %d", s.Delay(), want)
	}

	n := 0
	for i := 0; i < want; i++ {
		_, ok := s.Process(Sample{Current: float64(i), CurrentRange: 1})
		if ok {
			t.Fatalf("unexpected output before warm-up at input %d", i)
		}
		n++
	}
	_, ok := s.Process(Sample{Current: float64(n), CurrentRange: 1})
	if !ok {
		t.Fatal("expected first output once warm-up completes")
	}
}

// TestIdentityWhenNoTransition verifies that with a constant current_range
// (no suppression window ever scheduled), ModeOff, ModeNaN, and ModeInterp
// all pass every sample through unchanged (beyond the fixed delay).
func TestIdentityWhenNoTransition(t *testing.T) {
	for _, mode := range []Mode{ModeOff, ModeNaN, ModeInterp} {
		cfg := Config{Pre: 1, Post: 1, Mode: mode, Matrix: flatMatrix(2)}
		s := New(cfg)
		var outputs []Sample
		for i := 0; i < s.Delay()+20; i++ {
			out, ok := s.Process(Sample{Current: float64(i), Voltage: float64(i) * 2, CurrentRange: 1})
			if ok {
				outputs = append(outputs, out)
			}
		}
		for i, out := range outputs {
			if out.Current != float64(i) {
				t.Fatalf("mode %v: output %d current = %v, want %v", mode, i, out.Current, float64(i))
			}
		}
	}
}

// TestSentinelRangesSuppressNothing verifies the protocol's boundary rule:
// transitions into or out of range 7 (off) or 8 (missing) never schedule a
// suppression window, even when the matrix has non-zero entries there.
func TestSentinelRangesSuppressNothing(t *testing.T) {
	cfg := Config{Pre: 1, Post: 1, Mode: ModeNaN, Matrix: flatMatrix(6)}
	s := New(cfg)

	if w := s.windowFor(RangeOff, 2); w != 0 {
		t.Errorf("windowFor(off, 2) = %d, want 0", w)
	}
	if w := s.windowFor(2, RangeOff); w != 0 {
		t.Errorf("windowFor(2, off) = %d, want 0", w)
	}
	if w := s.windowFor(RangeMissing, 2); w != 0 {
		t.Errorf("windowFor(missing, 2) = %d, want 0", w)
	}
	if w := s.windowFor(2, 2); w != 6 {
		t.Errorf("windowFor(2, 2) = %d, want 6 (non-sentinel transition uses matrix)", w)
	}

	var sawNaN bool
	for i := 0; i < s.Delay()+40; i++ {
		rng := 2
		if i == 10 {
			rng = RangeOff
		}
		if i == 11 {
			rng = 2
		}
		out, ok := s.Process(Sample{Current: 5, CurrentRange: rng})
		if ok && math.IsNaN(out.Current) {
			sawNaN = true
		}
	}
	if sawNaN {
		t.Fatal("a transition through the off sentinel range produced a suppression window")
	}
}

// TestTransitionSuppressesWindow verifies that a transition between two
// ordinary (non-sentinel) ranges schedules a window whose samples are
// replaced according to the configured mode.
func TestTransitionSuppressesWindow(t *testing.T) {
	cfg := Config{Pre: 1, Post: 1, Mode: ModeNaN, Matrix: flatMatrix(4)}
	s := New(cfg)

	const transitionAt = 50
	var sawNaN bool
	for i := 0; i < s.Delay()+80; i++ {
		rng := 1
		if i >= transitionAt {
			rng = 2
		}
		out, ok := s.Process(Sample{Current: 9, CurrentRange: rng})
		if ok && math.IsNaN(out.Current) {
			sawNaN = true
		}
	}
	if !sawNaN {
		t.Fatal("expected at least one NaN-suppressed sample around the range transition")
	}
}

// TestTransitionSuppressesExactWindow verifies the worked example: pre=1,
// window=7, post=1, transition at input sample 100 replaces exactly samples
// 99 through 107 inclusive, leaving 98 and 108 untouched.
func TestTransitionSuppressesExactWindow(t *testing.T) {
	var matrix Matrix
	matrix[2][1] = 7 // transition from range 1 to range 2 uses a window of 7

	cfg := Config{Pre: 1, Post: 1, Mode: ModeNaN, Matrix: matrix}
	s := New(cfg)

	const transitionAt = 100
	const lastInput = transitionAt + maxWindow + 20
	outputs := make(map[uint64]Sample)
	for i := 0; i <= lastInput; i++ {
		rng := 1
		if i >= transitionAt {
			rng = 2
		}
		out, ok := s.Process(Sample{Current: float64(i), CurrentRange: rng})
		if ok {
			outputs[uint64(i-s.Delay())] = out
		}
	}

	if out, ok := outputs[98]; !ok || math.IsNaN(out.Current) || out.Current != 98 {
		t.Fatalf("sample 98 (before window) = %+v, want untouched value 98", out)
	}
	for seq := uint64(99); seq <= 107; seq++ {
		out, ok := outputs[seq]
		if !ok {
			t.Fatalf("sample %d: no output recorded", seq)
		}
		if !math.IsNaN(out.Current) {
			t.Errorf("sample %d = %+v, want suppressed (NaN)", seq, out)
		}
	}
	if out, ok := outputs[108]; !ok || math.IsNaN(out.Current) || out.Current != 108 {
		t.Fatalf("sample 108 (after window) = %+v, want untouched value 108", out)
	}
}
