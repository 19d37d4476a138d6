package statemachine

import (
	"testing"
	"time"
)

// TestOpenHandshake verifies the protocol scenario 2: closed -> ll-open ->
// ll-bulk-open -> link-reset -> open, firing the entry effects named for each step.
func TestOpenHandshake(t *testing.T) {
	m := New()
	m.Present()
	if m.State() != StateClosed {
		t.Fatalf("state after Present = %v, want closed", m.State())
	}

	steps := []struct {
		ev     Event
		want   State
		effect Effect
	}{
		{EventAPIOpen, StateLLOpen, EffectEnqueueBackendOpen},
		{EventBackendOpenAck, StateLLBulkOpen, EffectEnqueueBulkInStreamOpen},
		{EventBackendBulkAck, StateLinkReset, EffectSendResetRequest},
		{EventResetAck, StateOpen, EffectReportOpenSuccess},
	}
	for i, step := range steps {
		got, eff, err := m.Fire(step.ev)
		if err != nil {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}
		if got != step.want {
			t.Fatalf("step %d: state = %v, want %v", i, got, step.want)
		}
		if eff != step.effect {
			t.Fatalf("step %d: effect = %v, want %v", i, eff, step.effect)
		}
	}
}

// TestGracefulCloseHandshake verifies the protocol scenario 5: open ->
// pubsub-flush -> link-disconnect -> ll-close-pend -> ll-close -> closed.
func TestGracefulCloseHandshake(t *testing.T) {
	m := New()
	m.Present()
	for _, ev := range []Event{EventAPIOpen, EventBackendOpenAck, EventBackendBulkAck, EventResetAck} {
		if _, _, err := m.Fire(ev); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	got, eff, err := m.Fire(EventAPIClose)
	if err != nil || got != StatePubSubFlush || eff != EffectPublishFlushSentinel {
		t.Fatalf("api-close: got %v/%v err=%v", got, eff, err)
	}

	got, eff, err = m.Fire(EventPubSubFlushComplete)
	if err != nil || got != StateLinkDisconnect || eff != EffectSendDisconnectRequest {
		t.Fatalf("pubsub-flush-complete: got %v/%v err=%v", got, eff, err)
	}

	got, eff, err = m.Fire(EventLinkDisconnectAck)
	if err != nil || got != StateLLClosePend {
		t.Fatalf("link-disconnect-ack: got %v/%v err=%v", got, eff, err)
	}

	got, eff, err = m.Fire(EventAdvance)
	if err != nil || got != StateLLClose || eff != EffectEnqueueBackendClose {
		t.Fatalf("advance: got %v/%v err=%v", got, eff, err)
	}

	got, eff, err = m.Fire(EventBackendCloseAck)
	if err != nil || got != StateClosed || eff != EffectReportCloseSuccess {
		t.Fatalf("backend-close-ack: got %v/%v err=%v", got, eff, err)
	}
}

// TestForcedCloseFromIntermediateState verifies the protocol's failure
// model: api-close in any intermediate state routes directly to ll-close.
func TestForcedCloseFromIntermediateState(t *testing.T) {
	m := New()
	m.Present()
	m.Fire(EventAPIOpen)
	m.Fire(EventBackendOpenAck)

	got, eff, err := m.Fire(EventAPIClose)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != StateLLClose || eff != EffectEnqueueBackendClose {
		t.Fatalf("got %v/%v, want ll-close/enqueue-close", got, eff)
	}
}

// TestOpenNackRoutesToForcedClose verifies the backend-open-nack failure
// route and its guard_open_fail report.
func TestOpenNackRoutesToForcedClose(t *testing.T) {
	m := New()
	m.Present()
	m.Fire(EventAPIOpen)

	got, eff, err := m.Fire(EventBackendOpenNack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != StateLLClose || eff != EffectReportOpenFail {
		t.Fatalf("got %v/%v, want ll-close/report-open-fail", got, eff)
	}
}

// TestResetAlwaysWins verifies the global pre-transition rule: a reset
// event forces not-present from any state.
func TestResetAlwaysWins(t *testing.T) {
	m := New()
	m.Present()
	m.Fire(EventAPIOpen)
	m.Fire(EventBackendOpenAck)

	got, _, err := m.Fire(EventReset)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != StateNotPresent {
		t.Fatalf("got %v, want not-present", got)
	}
}

// TestIsFinalizingRoutesToFinalized verifies the protocol's is-finalizing
// guard: once armed, ll-close's completion exits to finalized, not closed.
func TestIsFinalizingRoutesToFinalized(t *testing.T) {
	m := New()
	m.Present()
	m.Fire(EventAPIOpen)
	m.Fire(EventBackendOpenAck)
	m.Finalize()

	got, _, err := m.Fire(EventAPIClose) // forced close from intermediate state
	if err != nil || got != StateLLClose {
		t.Fatalf("setup: got %v err=%v", got, err)
	}
	got, _, err = m.Fire(EventBackendCloseAck)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != StateFinalized {
		t.Fatalf("got %v, want finalized", got)
	}
}

// TestInvalidEventRejected verifies the state-machine safety property of
// the protocol: an event with no table entry in the current state is
// rejected with an error and leaves the state unchanged, rather than
// silently transitioning or panicking.
func TestInvalidEventRejected(t *testing.T) {
	m := New()
	m.Present()
	before := m.State()
	_, _, err := m.Fire(EventBackendBulkAck) // not valid from closed
	if err == nil {
		t.Fatal("expected an error for an invalid event")
	}
	if m.State() != before {
		t.Fatalf("state changed on rejected event: %v -> %v", before, m.State())
	}
}

// TestTimeoutForcesClose verifies the protocol's per-state timers: a timed
// state (pubsub-flush here) whose deadline has passed forces ll-close via
// FireTimeout.
func TestTimeoutForcesClose(t *testing.T) {
	m := New()
	m.Present()
	for _, ev := range []Event{EventAPIOpen, EventBackendOpenAck, EventBackendBulkAck, EventResetAck, EventAPIClose} {
		if _, _, err := m.Fire(ev); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	if m.State() != StatePubSubFlush {
		t.Fatalf("state = %v, want pubsub-flush", m.State())
	}

	restore := timeNow
	defer func() { timeNow = restore }()
	base := time.Now()
	timeNow = func() time.Time { return base }

	if m.CheckTimeout() {
		t.Fatal("timeout fired immediately")
	}
	timeNow = func() time.Time { return base.Add(DefaultTimeout + time.Millisecond) }
	if !m.CheckTimeout() {
		t.Fatal("expected timeout to have expired")
	}

	got, eff, err := m.FireTimeout()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != StateLLClose || eff != EffectEnqueueBackendClose {
		t.Fatalf("got %v/%v, want ll-close/enqueue-close", got, eff)
	}
}
