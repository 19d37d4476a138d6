package backend

import (
	"testing"

	"github.com/instrumentlab/edrv/internal/queue"
)

func TestMockSendRecordsBuffer(t *testing.T) {
	m := NewMock(queue.New(1))
	if err := m.Send([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	sent := m.Sent()
	if len(sent) != 1 || len(sent[0]) != 3 {
		t.Fatalf("Sent() = %v, want one 3-byte buffer", sent)
	}
}

func TestMockInjectFrameReachesQueue(t *testing.T) {
	respQ := queue.New(1)
	m := NewMock(respQ)
	m.InjectFrame([]byte{0x55, 0x01, 0x02, 0x03})

	select {
	case msg := <-respQ.C():
		if msg.Kind != "stream-in-data" {
			t.Fatalf("kind = %q, want stream-in-data", msg.Kind)
		}
		if len(msg.Payload) != 4 {
			t.Fatalf("payload len = %d, want 4", len(msg.Payload))
		}
	default:
		t.Fatal("expected an injected frame on respQ")
	}
}

func TestMockInjectDeviceLostReachesQueue(t *testing.T) {
	respQ := queue.New(1)
	m := NewMock(respQ)
	m.InjectDeviceLost()

	select {
	case msg := <-respQ.C():
		if msg.Kind != "backend-device-lost" {
			t.Fatalf("kind = %q, want backend-device-lost", msg.Kind)
		}
	default:
		t.Fatal("expected a device-lost message on respQ")
	}
}
