/*Package statemachine implements the eleven-state connection lifecycle
described in the protocol: the open/close handshakes between the driver
event loop (internal/driver) and the USB backend, including the
graceful-close pubsub-flush/link-disconnect sequence and the forced-close
failure routes.

The event-driven-without-blocking-on-I/O shape follows fsm/fsm.go's
Disturbance.Play: a goroutine-free select/dispatch over named signals
rather than a generic/reflective FSM library, matching the protocol's
single-threaded-cooperative event loop constraint (a blocking FSM package
would fight that model). Guarded transitions via small per-state function
tables follow newport.go's command dispatch style.
*/
package statemachine

import (
	"time"

	"github.com/pkg/errors"

	"github.com/instrumentlab/edrv/internal/errs"
)

// State is one of the eleven connection states of the protocol
type State int

// States, in the order its open/close handshakes introduce them
const (
	StateNotPresent State = iota
	StateClosed
	StateLLOpen
	StateLLBulkOpen
	StateLinkReset
	StateOpen
	StatePubSubFlush
	StateLinkDisconnect
	StateLLClosePend
	StateLLClose
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateNotPresent:
		return "not-present"
	case StateClosed:
		return "closed"
	case StateLLOpen:
		return "ll-open"
	case StateLLBulkOpen:
		return "ll-bulk-open"
	case StateLinkReset:
		return "link-reset"
	case StateOpen:
		return "open"
	case StatePubSubFlush:
		return "pubsub-flush"
	case StateLinkDisconnect:
		return "link-disconnect"
	case StateLLClosePend:
		return "ll-close-pend"
	case StateLLClose:
		return "ll-close"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Event is a named input to the state machine, sourced from the event
// loop (C5), the backend, or the device link.
type Event int

// Events, per the protocol
const (
	EventAPIOpen Event = iota
	EventAPIClose
	EventBackendOpenAck
	EventBackendOpenNack
	EventBackendBulkAck
	EventBackendBulkNack
	EventResetAck
	EventResetRequestReceived
	EventPubSubFlushComplete
	EventLinkDisconnectAck
	EventAdvance
	EventBackendCloseAck
	EventReset // device presence lost
	EventFinalize
)

// Side effects a state's entry may request. The state machine itself never
// performs I/O; it returns an Effect for the event loop to carry out,
// matching the protocol's separation of FSM logic from transport.
type Effect int

// Effects, per the protocol's "side-effect actions by state (entry)"
const (
	EffectNone Effect = iota
	EffectEnqueueBackendOpen
	EffectEnqueueBulkInStreamOpen
	EffectSendResetRequest
	EffectSendResetAck
	EffectPublishFlushSentinel
	EffectSendDisconnectRequest
	EffectEnqueueBackendClose
	EffectReportOpenSuccess
	EffectReportOpenFail
	EffectReportCloseSuccess
	EffectReportCloseFail
)

// FlushSentinelTopic and FlushSentinelValue are the pubsub-flush drain
// signal of the protocol.
const (
	FlushSentinelTopic = "././!ping"
	FlushSentinelValue = "h|disconnect"
)

// DefaultTimeout is the recommended per-state timeout of the protocol for
// pubsub-flush, link-disconnect, and ll-close-pend, resolving the section's
// explicit open design point in favor of the value the prose itself
// recommends.
const DefaultTimeout = 1 * time.Second

// Machine is a single connection's state machine. It is driven exclusively
// by Fire and is not safe for concurrent use, matching the single-threaded
// cooperative event loop of the protocol.
type Machine struct {
	state State

	// isFinalizing, once set by Finalize, redirects the ll-close exit
	// toward finalized rather than closed, per the protocol's
	// is-finalizing guard.
	isFinalizing bool

	// deadline is non-zero while in a timed state (pubsub-flush,
	// link-disconnect, ll-close-pend); CheckTimeout compares it to now.
	deadline time.Time
	timeout  time.Duration
}

// New returns a Machine starting in not-present, per the protocol's
// connection lifecycle (a device must first be observed present before
// closed becomes reachable).
func New() *Machine {
	return &Machine{state: StateNotPresent, timeout: DefaultTimeout}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Finalize arms the is-finalizing guard: the next ll-close completion
// transitions to finalized instead of closed.
func (m *Machine) Finalize() {
	m.isFinalizing = true
}

// Present transitions out of not-present once the backend reports the
// device has (re)appeared, matching the protocol's "loss of device
// presence raises reset and enters not-present" in reverse.
func (m *Machine) Present() {
	if m.state == StateNotPresent {
		m.state = StateClosed
	}
}

func (m *Machine) armTimeout() {
	m.deadline = timeNow().Add(m.timeout)
}

func (m *Machine) clearTimeout() {
	m.deadline = time.Time{}
}

// timeNow is a var so tests can inject a controllable clock without this
// package reaching for a third-party clock library.
var timeNow = time.Now

// CheckTimeout reports whether the current state's timer (pubsub-flush,
// link-disconnect, or ll-close-pend) has expired, per the protocol's
// direction that those states force ll-close on timeout.
func (m *Machine) CheckTimeout() bool {
	if m.deadline.IsZero() {
		return false
	}
	return !timeNow().Before(m.deadline)
}

// Fire applies an event to the machine. It returns the resulting state, the
// entry-side-effect of the new state (EffectNone if none), and an error if
// the event is not valid in the current state.
func (m *Machine) Fire(ev Event) (State, Effect, error) {
	// Global pre-transition rule, per the protocol: reset always wins,
	// regardless of current state.
	if ev == EventReset {
		m.state = StateNotPresent
		m.clearTimeout()
		return m.state, EffectNone, nil
	}

	// Failure-model routing, per the protocol: api-close in any
	// intermediate (post-open, pre-closed) state forces ll-close.
	if ev == EventAPIClose && isIntermediate(m.state) {
		return m.enter(StateLLClose)
	}
	if (ev == EventBackendOpenNack || ev == EventBackendBulkNack) &&
		(m.state == StateLLOpen || m.state == StateLLBulkOpen) {
		return m.enterWithGuard(StateLLClose, EffectReportOpenFail)
	}

	next, ok := m.transition(ev)
	if !ok {
		return m.state, EffectNone, errs.Wrap(errs.ParameterInvalid, "event %v invalid in state %v", ev, m.state)
	}
	return m.enter(next)
}

// isIntermediate reports whether s is a mid-handshake state: either the
// open sequence (ll-open, ll-bulk-open, link-reset) or an already-started
// close sequence (pubsub-flush, link-disconnect, ll-close-pend). open
// itself is excluded — its api-close takes the normal graceful-close
// transition into pubsub-flush, per the protocol.
func isIntermediate(s State) bool {
	switch s {
	case StateLLOpen, StateLLBulkOpen, StateLinkReset,
		StatePubSubFlush, StateLinkDisconnect, StateLLClosePend:
		return true
	}
	return false
}

// transition is the per-state table of the two connection
// handshakes.
func (m *Machine) transition(ev Event) (State, bool) {
	switch m.state {
	case StateClosed:
		if ev == EventAPIOpen {
			return StateLLOpen, true
		}
	case StateLLOpen:
		if ev == EventBackendOpenAck {
			return StateLLBulkOpen, true
		}
	case StateLLBulkOpen:
		if ev == EventBackendBulkAck {
			return StateLinkReset, true
		}
	case StateLinkReset:
		if ev == EventResetAck {
			return StateOpen, true
		}
		// a received reset-request while negotiating our own reset is
		// answered without a state transition, per the protocol.
		if ev == EventResetRequestReceived {
			return StateLinkReset, true
		}
	case StateOpen:
		if ev == EventAPIClose {
			return StatePubSubFlush, true
		}
	case StatePubSubFlush:
		if ev == EventPubSubFlushComplete {
			return StateLinkDisconnect, true
		}
	case StateLinkDisconnect:
		if ev == EventLinkDisconnectAck {
			return StateLLClosePend, true
		}
	case StateLLClosePend:
		if ev == EventAdvance {
			return StateLLClose, true
		}
	case StateLLClose:
		if ev == EventBackendCloseAck {
			if m.isFinalizing {
				return StateFinalized, true
			}
			return StateClosed, true
		}
	}
	return m.state, false
}

// enter applies a state's entry side effect and timer, per the protocol.
func (m *Machine) enter(next State) (State, Effect, error) {
	return m.enterWithGuard(next, EffectNone)
}

// enterWithGuard is enter, plus an additional caller-supplied effect
// (e.g. the guard_open_fail report) layered onto the entry action table;
// the two are combined by returning the guard effect, since both the
// matching table entry and the protocol's guard describe the same transition
// (entering ll-close to report an open failure never also enqueues the
// normal ll-close backend action twice — the guard's report IS the
// side effect here).
func (m *Machine) enterWithGuard(next State, guard Effect) (State, Effect, error) {
	prev := m.state
	m.state = next
	m.clearTimeout()

	if guard != EffectNone {
		return next, guard, nil
	}

	switch next {
	case StateLLOpen:
		return next, EffectEnqueueBackendOpen, nil
	case StateLLBulkOpen:
		return next, EffectEnqueueBulkInStreamOpen, nil
	case StateLinkReset:
		if prev == StateLinkReset {
			// answering a peer reset-request, not (re)entering the state
			return next, EffectSendResetAck, nil
		}
		return next, EffectSendResetRequest, nil
	case StateOpen:
		return next, EffectReportOpenSuccess, nil
	case StatePubSubFlush:
		m.armTimeout()
		return next, EffectPublishFlushSentinel, nil
	case StateLinkDisconnect:
		m.armTimeout()
		return next, EffectSendDisconnectRequest, nil
	case StateLLClosePend:
		m.armTimeout()
		return next, EffectNone, nil
	case StateLLClose:
		return next, EffectEnqueueBackendClose, nil
	case StateClosed:
		if prev != StateNotPresent {
			return next, EffectReportCloseSuccess, nil
		}
		return next, EffectNone, nil
	}
	return next, EffectNone, nil
}

// FireTimeout forces the ll-close transition used when a timed state
// (pubsub-flush, link-disconnect, ll-close-pend) exceeds its deadline,
// per the protocol.
func (m *Machine) FireTimeout() (State, Effect, error) {
	if !m.CheckTimeout() {
		return m.state, EffectNone, errors.Errorf("no active timeout in state %v", m.state)
	}
	return m.enter(StateLLClose)
}
