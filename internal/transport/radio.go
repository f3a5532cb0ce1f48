package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	RadioID = "radio"

	// A station heard on the air within this window counts as reachable.
	radioHeardWindow = 15 * time.Minute
)

// RadioTransport is the short-range offline channel: wire envelopes in
// sync-framed packets over a serial-attached radio modem. Sends are
// best-effort; a successful transmit counts as delivered.
type RadioTransport struct {
	*Base

	callsign string
	portName string
	baudRate int
	logger   *slog.Logger

	mu      sync.Mutex
	port    serial.Port
	stop    chan struct{}
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func NewRadioTransport(callsign, portName string, baudRate int) *RadioTransport {
	return &RadioTransport{
		Base:     NewBase(RadioID, PriorityShortRange, nil),
		callsign: CanonicalCallsign(callsign),
		portName: portName,
		baudRate: baudRate,
		logger:   Logger(RadioID, "port", portName),
	}
}

func (t *RadioTransport) Available() bool { return t.portName != "" }

func (t *RadioTransport) Initialize(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port != nil {
		return nil
	}
	if t.portName == "" {
		t.SetInitialized(false)
		return fmt.Errorf("radio port is not configured")
	}

	port, err := serial.Open(t.portName, &serial.Mode{BaudRate: t.baudRate})
	if err != nil {
		t.SetInitialized(false)
		return fmt.Errorf("open serial port: %w", err)
	}

	t.port = port
	t.stop = make(chan struct{})
	t.wg.Add(1)
	go t.runReader(port, t.stop)
	t.SetInitialized(true)
	t.logger.Info("radio link up", "baud", t.baudRate)

	return nil
}

func (t *RadioTransport) Close() error {
	t.mu.Lock()
	port := t.port
	stop := t.stop
	t.port = nil
	t.stop = nil
	t.mu.Unlock()

	t.SetInitialized(false)
	if port == nil {
		return nil
	}
	close(stop)
	// Closing the port unblocks the reader.
	err := port.Close()
	t.wg.Wait()
	t.CloseInbound()
	if err != nil {
		return fmt.Errorf("close serial port: %w", err)
	}
	t.logger.Info("radio link down")

	return nil
}

// CanReach is answered from the device registry: a station counts as
// reachable while it was heard on the air recently.
func (t *RadioTransport) CanReach(_ context.Context, deviceID string) bool {
	device, ok := t.Devices().Get(deviceID)
	if !ok {
		return false
	}

	return time.Since(device.LastSeen) <= radioHeardWindow
}

func (t *RadioTransport) Quality(_ context.Context, deviceID string) int {
	device, ok := t.Devices().Get(deviceID)
	if !ok {
		return 10
	}
	age := time.Since(device.LastSeen)
	switch {
	case age <= time.Minute:
		return 80
	case age <= radioHeardWindow:
		return 55
	default:
		return 25
	}
}

func (t *RadioTransport) Send(ctx context.Context, msg *Message) *Result {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return Failed("radio link is down", RadioID)
	}

	raw, err := EncodeWire(t.callsign, msg)
	if err != nil {
		return Failed(err.Error(), RadioID)
	}
	frame, err := encodeFrame(raw)
	if err != nil {
		return Failed(err.Error(), RadioID)
	}

	start := time.Now()
	// The serial API has no write deadline, so the write runs aside and
	// the caller's deadline wins. A stuck write keeps holding writeMu
	// until the port errors out or is closed.
	done := make(chan error, 1)
	go func() {
		t.writeMu.Lock()
		_, werr := port.Write(frame)
		t.writeMu.Unlock()
		done <- werr
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		t.RecordSend(time.Since(start), false)
		return Failed(fmt.Sprintf("transmit aborted: %v", ctx.Err()), RadioID)
	}
	latency := time.Since(start)

	if err != nil {
		t.RecordSend(latency, false)
		return Failed(fmt.Sprintf("transmit failed: %v", err), RadioID)
	}
	t.RecordSend(latency, true)
	t.logger.Debug("frame transmitted", "message", msg.ID, "len", len(frame))

	return Delivered(RadioID, 0, nil, latency)
}

func (t *RadioTransport) SendAsync(msg *Message) {
	go func() {
		_ = t.Send(context.Background(), msg)
	}()
}

func (t *RadioTransport) runReader(port serial.Port, stop chan struct{}) {
	defer t.wg.Done()

	for {
		select {
		case <-stop:
			return
		default:
		}

		raw, err := readFrame(ioReadFullFunc(port))
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			t.logger.Debug("frame read failed", "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}

		msg, err := DecodeWire(raw)
		if err != nil {
			t.logger.Warn("bad radio envelope", "error", err)
			continue
		}
		t.PublishInbound(msg)
	}
}
