package backend

import "github.com/instrumentlab/edrv/internal/queue"

// MockBackend is an in-process fake transport for driver/state-machine
// tests: Send records what would have gone to the wire instead of sending
// it, and InjectFrame lets a test simulate an inbound frame arriving on
// the response queue.
type MockBackend struct {
	sent  [][]byte
	respQ *queue.Queue
}

// NewMock returns a MockBackend that pushes injected frames onto respQ.
func NewMock(respQ *queue.Queue) *MockBackend {
	return &MockBackend{respQ: respQ}
}

// Send implements internal/driver.Backend.
func (m *MockBackend) Send(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	m.sent = append(m.sent, cp)
	return nil
}

// Sent returns every buffer passed to Send so far, in order.
func (m *MockBackend) Sent() [][]byte {
	return m.sent
}

// InjectFrame simulates a complete frame arriving from the device.
func (m *MockBackend) InjectFrame(buf []byte) {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	m.respQ.TryPush(queue.Message{Kind: "stream-in-data", Payload: cp})
}

// InjectDeviceLost simulates the read pump concluding the device has
// dropped off the bus, for tests exercising the connection state machine's
// reset path.
func (m *MockBackend) InjectDeviceLost() {
	m.respQ.TryPush(queue.Message{Kind: "backend-device-lost"})
}
