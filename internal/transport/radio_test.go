package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"go.bug.st/serial"
)

// fakePort is a scriptable serial.Port. Write appends to buf, or blocks
// on block until the channel is closed.
type fakePort struct {
	buf   bytes.Buffer
	block chan struct{}
}

func (p *fakePort) Write(b []byte) (int, error) {
	if p.block != nil {
		<-p.block
	}
	return p.buf.Write(b)
}

func (p *fakePort) Read(_ []byte) (int, error)   { select {} }
func (p *fakePort) SetMode(_ *serial.Mode) error { return nil }
func (p *fakePort) Drain() error                 { return nil }
func (p *fakePort) ResetInputBuffer() error      { return nil }
func (p *fakePort) ResetOutputBuffer() error     { return nil }
func (p *fakePort) SetDTR(_ bool) error          { return nil }
func (p *fakePort) SetRTS(_ bool) error          { return nil }
func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) { return nil, nil }
func (p *fakePort) SetReadTimeout(_ time.Duration) error                 { return nil }
func (p *fakePort) Break(_ time.Duration) error                          { return nil }
func (p *fakePort) Close() error                                         { return nil }

func newTestRadio(port serial.Port) *RadioTransport {
	t := NewRadioTransport("K1ABC", "/dev/ttyUSB0", 115200)
	t.port = port
	t.SetInitialized(true)
	return t
}

func TestRadioSendWritesOneFrame(t *testing.T) {
	port := &fakePort{}
	r := newTestRadio(port)

	res := r.Send(context.Background(), NewDirectMessage("W2XYZ", []byte(`{"sig":"x"}`)))
	if !res.OK {
		t.Fatalf("expected delivered result, got %+v", res)
	}

	payload, err := readFrame(ioReadFullFunc(bytes.NewReader(port.buf.Bytes())))
	if err != nil {
		t.Fatalf("written bytes are not one valid frame: %v", err)
	}
	msg, err := DecodeWire(payload)
	if err != nil {
		t.Fatalf("frame payload is not a wire envelope: %v", err)
	}
	if msg.Target != "K1ABC" {
		t.Fatalf("envelope should carry the sender, got %q", msg.Target)
	}
}

func TestRadioSendHonorsContextOnBlockedWrite(t *testing.T) {
	port := &fakePort{block: make(chan struct{})}
	defer close(port.block)
	r := newTestRadio(port)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := r.Send(ctx, NewDirectMessage("W2XYZ", []byte(`{"sig":"x"}`)))
	if res.OK {
		t.Fatalf("expected failure when the write outlives the deadline")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("send did not return near the deadline, took %v", elapsed)
	}
	if r.Metrics().TotalFailed != 1 {
		t.Fatalf("aborted send should count as failed, got %+v", r.Metrics())
	}
}
