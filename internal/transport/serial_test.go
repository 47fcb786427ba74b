package transport

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/fmspay/edc-simulator/internal/fms"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

// fakePort is an in-memory Port. Reads return (0, nil) when no data is
// queued, mimicking a serial read timeout.
type fakePort struct {
	mu      sync.Mutex
	rx      bytes.Buffer
	tx      bytes.Buffer
	readErr error
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.readErr != nil {
		err := p.readErr
		p.readErr = nil
		p.mu.Unlock()
		return 0, err
	}
	if p.rx.Len() == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	defer p.mu.Unlock()
	return p.rx.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tx.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx.Reset()
	return nil
}

func (p *fakePort) push(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx.Write(b)
}

func (p *fakePort) failNextRead(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
}

func (p *fakePort) written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.tx.Bytes()...)
}

func deviceFrame(t *testing.T) []byte {
	t.Helper()
	payload := bytes.Repeat([]byte{' '}, fms.ResponsePayloadLen)
	frame := append([]byte{fms.STX, 0x03, 0x00}, payload...)
	frame = append(frame, fms.ETX)
	return append(frame, fms.ComputeLRC(frame))
}

func awaitEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	select {
	case ev := <-events:
		require.Equal(t, want, ev.Type, "unexpected event %s", ev.Type)
		return ev
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s event", want)
		return Event{}
	}
}

func connectedSerial(t *testing.T, port *fakePort) *Serial {
	t.Helper()
	s := NewSerial(testLogger())
	s.open = func(string, SerialConfig) (Port, error) { return port, nil }
	require.NoError(t, s.Connect("COM7", SerialConfig{}))
	t.Cleanup(func() { s.Disconnect() })
	return s
}

func TestSerialClassifiesControlFrameAndTrailer(t *testing.T) {
	port := &fakePort{}
	s := connectedSerial(t, port)

	port.push([]byte{fms.ACK})
	awaitEvent(t, s.Events(), EventACK)

	frame := deviceFrame(t)
	port.push(frame)
	ev := awaitEvent(t, s.Events(), EventResponse)
	require.Equal(t, frame, ev.Frame)

	port.push([]byte("00QRDATA"))
	port.push([]byte{fms.ETX, 0x19})
	ev = awaitEvent(t, s.Events(), EventTrailer)
	require.Equal(t, []byte("00QRDATA"), ev.Trailer)
}

func TestSerialNAK(t *testing.T) {
	port := &fakePort{}
	s := connectedSerial(t, port)

	port.push([]byte{fms.NAK})
	awaitEvent(t, s.Events(), EventNAK)
}

func TestSerialTrailerTimesOut(t *testing.T) {
	port := &fakePort{}
	s := connectedSerial(t, port)

	port.push(deviceFrame(t))
	awaitEvent(t, s.Events(), EventResponse)

	// Trailer bytes arrive but no terminating ETX ever does.
	port.push([]byte("PARTIAL"))
	ev := awaitEvent(t, s.Events(), EventTrailer)
	require.Equal(t, []byte("PARTIAL"), ev.Trailer)
}

func TestSerialSendWritesFrame(t *testing.T) {
	port := &fakePort{}
	s := connectedSerial(t, port)

	req := []byte{fms.STX, 0x02, 0x00, 0x01, fms.ETX, 0x00}
	require.NoError(t, s.Send(req))
	require.Equal(t, req, port.written())
}

func TestSerialSendRestartsDeadListener(t *testing.T) {
	port := &fakePort{}
	s := connectedSerial(t, port)

	s.mu.Lock()
	s.stopListenerLocked()
	s.mu.Unlock()
	require.False(t, s.Alive())
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.Send([]byte{0x01}))
	require.True(t, s.Alive())

	// The revived listener must still classify the next frame.
	port.push(deviceFrame(t))
	awaitEvent(t, s.Events(), EventResponse)
}

func TestSerialReconnectsAfterReadFailure(t *testing.T) {
	first := &fakePort{}
	second := &fakePort{}
	opens := 0

	s := NewSerial(testLogger())
	s.open = func(string, SerialConfig) (Port, error) {
		opens++
		if opens == 1 {
			return first, nil
		}
		return second, nil
	}
	require.NoError(t, s.Connect("COM7", SerialConfig{}))
	t.Cleanup(func() { s.Disconnect() })

	first.failNextRead(errors.New("device unplugged"))
	awaitEvent(t, s.Events(), EventConnectionLost)

	// Reconnection opens a replacement port; the new listener must pick
	// up the next frame.
	second.push(deviceFrame(t))
	awaitEvent(t, s.Events(), EventResponse)
	require.True(t, s.Connected())
}

func TestSerialSendWithoutConnection(t *testing.T) {
	s := NewSerial(testLogger())
	require.ErrorIs(t, s.Send([]byte{0x01}), ErrNotConnected)
}

func TestSerialDoubleConnect(t *testing.T) {
	port := &fakePort{}
	s := connectedSerial(t, port)
	require.Error(t, s.Connect("COM8", SerialConfig{}))
}
