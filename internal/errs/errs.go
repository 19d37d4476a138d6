/*Package errs defines the error taxonomy for the driver core.

Each kind is a package-level sentinel, in the style of comm.ErrNotConnected
and friends: callers compare with errors.Is, and producers attach context
with Wrap so the sentinel survives unwrapping.
*/
package errs

import "github.com/pkg/errors"

var (
	// Framing is raised when SOF bytes do not validate or a buffer is too short to hold a frame
	Framing = errors.New("framing error")

	// LengthCheck is raised when a data frame's length_check does not verify
	LengthCheck = errors.New("length check mismatch")

	// LinkCheck is raised when a control/link frame's link_check does not verify
	LinkCheck = errors.New("link check mismatch")

	// FrameIdGap is raised (as an observation, not a hard failure) when a
	// received frame_id does not match the expected value
	FrameIdGap = errors.New("frame id gap")

	// StreamDecode is raised when a compressed per-port payload cannot produce
	// at least one sample per group
	StreamDecode = errors.New("stream decode error")

	// ParameterInvalid is raised when a memory-op topic or region name does not resolve
	ParameterInvalid = errors.New("parameter invalid")

	// PayloadSize is raised when an encode request has 0 or >125 payload words
	PayloadSize = errors.New("payload size invalid")

	// NotFound is raised when the target device is not present
	NotFound = errors.New("device not found")

	// InUse is raised on an open request against a non-closed device
	InUse = errors.New("device in use")

	// TimedOut is raised when a state-machine timer elapses before the expected event
	TimedOut = errors.New("timed out")

	// Synchronization is raised when a memory-op ack/read-data offset does not match expectations
	Synchronization = errors.New("synchronization error")

	// Aborted is raised when an in-flight memory operation is superseded by a new request
	Aborted = errors.New("operation aborted")

	// TooBig is raised when a requested memory transfer exceeds the size ceiling
	TooBig = errors.New("request too big")
)

// Wrap attaches context to a sentinel, preserving it for errors.Is/errors.Cause
func Wrap(kind error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, format, args...)
}

// Is reports whether err is, or wraps, kind
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
