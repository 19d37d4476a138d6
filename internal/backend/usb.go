/*Package backend implements the three interchangeable transports that sit
behind internal/driver.Backend and a device's inbound response queue: a
real USB bulk endpoint, an in-process mock for unit tests, and a TCP bench
harness for integration tests and throughput benchmarking without real
hardware.

usb.go is grounded on usbtmc/usbtmc.go's NewUSBDevice: open a context,
find the device by VID/PID, detach the kernel driver, claim the default
interface, and resolve the bulk in/out endpoints. Unlike usbtmc.go, no
USBTMC header is prepended to writes or expected on reads — the protocol's wire
format is the bare 512-byte frame, not a USBTMC-wrapped datagram, so Send
writes the frame buffer directly and the read pump hands whole frames to
the response queue unmodified.
*/
package backend

import (
	"fmt"

	"github.com/google/gousb"

	"github.com/instrumentlab/edrv/internal/frame"
	"github.com/instrumentlab/edrv/internal/queue"
)

// USBBackend drives a real USB bulk endpoint pair. Send runs on the event
// loop goroutine and must not block on device I/O per the protocol; gousb's
// endpoint writes are expected to complete promptly against a device that
// drains its OUT buffer, matching usbtmc.go's assumption.
type USBBackend struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	iface  *gousb.Interface
	closer func()
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint

	respQ *queue.Queue
	stop  chan struct{}
}

// OpenUSB opens the device identified by vid/pid and resolves its bulk
// in/out endpoint pair. inEP/outEP are the endpoint addresses (as passed
// to gousb's InEndpoint/OutEndpoint), since unlike usbtmc.go's hardcoded
// endpoint 2, the devices in scope here are not assumed to share one
// fixed endpoint numbering.
func OpenUSB(vid, pid gousb.ID, inEP, outEP int, respQ *queue.Queue) (*USBBackend, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		ctx.Close()
		return nil, err
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("backend: no USB device found for vid=%s pid=%s", vid, pid)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	iface, closer, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	in, err := iface.InEndpoint(inEP)
	if err != nil {
		closer()
		dev.Close()
		ctx.Close()
		return nil, err
	}
	out, err := iface.OutEndpoint(outEP)
	if err != nil {
		closer()
		dev.Close()
		ctx.Close()
		return nil, err
	}
	return &USBBackend{
		ctx: ctx, dev: dev, iface: iface, closer: closer,
		in: in, out: out, respQ: respQ, stop: make(chan struct{}),
	}, nil
}

// Send writes one frame or control buffer to the OUT endpoint unmodified.
func (b *USBBackend) Send(buf []byte) error {
	_, err := b.out.Write(buf)
	return err
}

// Start spawns the read pump. It must run off the event-loop goroutine:
// in.Read blocks on device I/O, which the protocol forbids on that thread.
func (b *USBBackend) Start() {
	go b.readPump()
}

// Stop signals the read pump to exit after its current read returns.
func (b *USBBackend) Stop() {
	close(b.stop)
}

// maxConsecutiveReadErrors bounds how many back-to-back in.Read failures
// this pump tolerates as transport hiccups before concluding the device
// itself is gone and reporting it upstream.
const maxConsecutiveReadErrors = 8

func (b *USBBackend) readPump() {
	buf := make([]byte, frame.FrameSize)
	consecutiveErrs := 0
	for {
		select {
		case <-b.stop:
			return
		default:
		}
		n, err := b.in.Read(buf)
		if err != nil {
			// a read error here is usually a transport hiccup, not a
			// protocol error; internal/driver's frame codec never sees it,
			// so it cannot raise a Framing/LinkCheck error on this cycle
			// either. A run of them in a row means the device dropped off
			// the bus, not a one-off stall.
			consecutiveErrs++
			if consecutiveErrs >= maxConsecutiveReadErrors {
				b.respQ.TryPush(queue.Message{Kind: "backend-device-lost"})
				return
			}
			continue
		}
		consecutiveErrs = 0
		cp := make([]byte, n)
		copy(cp, buf[:n])
		b.respQ.TryPush(queue.Message{Kind: "stream-in-data", Payload: cp})
	}
}

// Close releases the interface, device, and USB context, in that order.
func (b *USBBackend) Close() error {
	b.closer()
	err := b.dev.Close()
	b.ctx.Close()
	return err
}
