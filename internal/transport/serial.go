package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slog"

	"github.com/fmspay/edc-simulator/internal/fms"
)

// EventType classifies what the serial reader delivered.
type EventType int

const (
	// EventACK and EventNAK are standalone control bytes from the
	// terminal.
	EventACK EventType = iota
	EventNAK
	// EventResponse carries a complete STX..LRC frame.
	EventResponse
	// EventTrailer closes the QR-collection window that follows a
	// response; Trailer may be empty when nothing arrived in time.
	EventTrailer
	// EventConnectionLost reports a port-level I/O failure.
	EventConnectionLost
)

func (t EventType) String() string {
	switch t {
	case EventACK:
		return "ACK"
	case EventNAK:
		return "NAK"
	case EventResponse:
		return "RESPONSE"
	case EventTrailer:
		return "TRAILER"
	case EventConnectionLost:
		return "CONNECTION_LOST"
	default:
		return "UNKNOWN"
	}
}

// Event is what the background reader pushes to the orchestrator.
type Event struct {
	Type    EventType
	Frame   []byte
	Trailer []byte
	Err     error
}

const (
	trailerTimeout       = 3 * time.Second
	frameReadTimeout     = 5 * time.Second
	maxReconnectAttempts = 3
	reconnectBackoff     = 2 * time.Second
)

var ErrNotConnected = errors.New("transport: not connected")

// Serial owns one serial-port handle and the background reader that
// classifies its byte stream into control bytes, framed responses and
// QR trailer data. Results are delivered on the Events channel; at most
// one request is in flight at a time.
type Serial struct {
	logger *slog.Logger
	open   func(name string, cfg SerialConfig) (Port, error)

	events chan Event

	mu             sync.Mutex
	port           Port
	portName       string
	cfg            SerialConfig
	listening      bool
	connectionLost bool
	stop           chan struct{}

	// trailer-collection state shared between reader and Send
	collecting   bool
	trailer      []byte
	collectStart time.Time
}

func NewSerial(logger *slog.Logger) *Serial {
	return &Serial{
		logger: logger.With(slog.String("transport", "serial")),
		open:   OpenSerialPort,
		events: make(chan Event, 32),
	}
}

// Events returns the channel the background reader delivers on. The
// channel lives for the lifetime of the transport, across reconnects.
func (s *Serial) Events() <-chan Event { return s.events }

// Connect opens the port and starts the background reader.
func (s *Serial) Connect(portName string, cfg SerialConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return fmt.Errorf("transport: already connected to %s", s.portName)
	}
	port, err := s.open(portName, cfg)
	if err != nil {
		return fmt.Errorf("opening serial port %s: %w", portName, err)
	}
	port.ResetInputBuffer()

	s.port = port
	s.portName = portName
	s.cfg = cfg
	s.connectionLost = false
	s.startListenerLocked()
	s.logger.Info("serial port connected", slog.String("port", portName))
	return nil
}

// Disconnect stops the reader and closes the port.
func (s *Serial) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopListenerLocked()
	if s.port != nil {
		if err := s.port.Close(); err != nil {
			s.logger.Error("closing serial port", "err", err)
		}
		s.port = nil
	}
	s.logger.Info("serial port disconnected", slog.String("port", s.portName))
	return nil
}

// Connected reports whether a usable port is held.
func (s *Serial) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil && !s.connectionLost
}

// Alive reports whether the background reader is running and the port
// has not failed.
func (s *Serial) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening && !s.connectionLost
}

// Send writes one packed frame. A dead reader is restarted first so the
// response cannot be silently dropped, and any stale trailer-collection
// state from the previous exchange is cleared.
func (s *Serial) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return ErrNotConnected
	}
	if !s.listening {
		s.logger.Warn("serial listener not alive, restarting before send")
		s.startListenerLocked()
	}

	s.collecting = false
	s.trailer = nil
	s.port.ResetInputBuffer()

	if _, err := s.port.Write(frame); err != nil {
		return fmt.Errorf("writing to serial port: %w", err)
	}
	s.logger.Info("frame sent", slog.Int("bytes", len(frame)))
	return nil
}

func (s *Serial) startListenerLocked() {
	if s.listening || s.port == nil {
		return
	}
	s.listening = true
	s.stop = make(chan struct{})
	go s.listen(s.port, s.stop)
}

func (s *Serial) stopListenerLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.listening = false
}

func (s *Serial) emit(ev Event, stop <-chan struct{}) {
	select {
	case s.events <- ev:
	case <-stop:
	}
}

// listen is the reader loop: one byte at a time, classified into
// control bytes, frames and trailer data.
func (s *Serial) listen(port Port, stop <-chan struct{}) {
	s.logger.Info("serial listener started")
	buf := make([]byte, 1)

	for {
		select {
		case <-stop:
			s.logger.Info("serial listener stopped")
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			s.logger.Error("serial read failed", "err", err)
			s.emit(Event{Type: EventConnectionLost, Err: err}, stop)
			s.handleConnectionLost(stop)
			return
		}
		if n == 0 {
			s.checkTrailerTimeout(stop)
			continue
		}

		b := buf[0]
		switch {
		case b == fms.STX:
			s.readFrame(port, stop)
		case b == fms.ACK, b == fms.NAK:
			s.handleControl(b, stop)
		default:
			s.collectTrailerByte(port, b, stop)
		}
	}
}

func (s *Serial) handleControl(b byte, stop <-chan struct{}) {
	s.mu.Lock()
	collecting := s.collecting
	s.mu.Unlock()
	if collecting {
		// Mid-trailer control bytes are noise, not a new handshake.
		return
	}
	if b == fms.ACK {
		s.emit(Event{Type: EventACK}, stop)
	} else {
		s.emit(Event{Type: EventNAK}, stop)
	}
}

// readFrame reads LEN, payload, ETX and LRC after an STX byte, emits
// the frame and opens the QR-collection window.
func (s *Serial) readFrame(port Port, stop <-chan struct{}) {
	lenBytes := make([]byte, 2)
	if err := readFull(port, lenBytes, frameReadTimeout); err != nil {
		s.logger.Error("reading frame length", "err", err)
		return
	}
	msgLen := int(lenBytes[0])*100 + int(lenBytes[1])

	rest := make([]byte, msgLen+2)
	if err := readFull(port, rest, frameReadTimeout); err != nil {
		s.logger.Error("reading frame body", "err", err, slog.Int("expected", msgLen+2))
		return
	}

	frame := make([]byte, 0, 3+len(rest))
	frame = append(frame, fms.STX)
	frame = append(frame, lenBytes...)
	frame = append(frame, rest...)

	if rest[len(rest)-2] != fms.ETX {
		s.logger.Warn("frame does not end with ETX+LRC",
			slog.String("tail", fmt.Sprintf("0x%02X 0x%02X", rest[len(rest)-2], rest[len(rest)-1])))
	}
	s.logger.Info("frame received", slog.Int("bytes", len(frame)))
	s.emit(Event{Type: EventResponse, Frame: frame}, stop)

	s.mu.Lock()
	s.collecting = true
	s.trailer = nil
	s.collectStart = time.Now()
	s.mu.Unlock()
}

// collectTrailerByte accumulates QR trailer bytes after a frame. ETX
// followed by one more byte (its own LRC) closes the trailer.
func (s *Serial) collectTrailerByte(port Port, b byte, stop <-chan struct{}) {
	s.mu.Lock()
	if !s.collecting {
		s.mu.Unlock()
		s.logger.Warn("unexpected byte outside a frame", slog.String("byte", fmt.Sprintf("0x%02X", b)))
		return
	}
	if b != fms.ETX {
		s.trailer = append(s.trailer, b)
		s.mu.Unlock()
		return
	}
	trailer := s.trailer
	s.collecting = false
	s.trailer = nil
	s.mu.Unlock()

	// Consume the trailing LRC byte; best effort.
	if err := readFull(port, make([]byte, 1), time.Second); err != nil {
		s.logger.Warn("missing LRC after trailer ETX", "err", err)
	}
	s.logger.Info("trailer collected", slog.Int("bytes", len(trailer)))
	s.emit(Event{Type: EventTrailer, Trailer: trailer}, stop)
}

func (s *Serial) checkTrailerTimeout(stop <-chan struct{}) {
	s.mu.Lock()
	if !s.collecting || time.Since(s.collectStart) < trailerTimeout {
		s.mu.Unlock()
		return
	}
	trailer := s.trailer
	s.collecting = false
	s.trailer = nil
	s.mu.Unlock()

	s.logger.Info("trailer collection timed out", slog.Int("bytes", len(trailer)))
	s.emit(Event{Type: EventTrailer, Trailer: trailer}, stop)
}

// handleConnectionLost tries to reopen the port a bounded number of
// times. Past the bound the transport stays disconnected and the
// orchestrator sees the failure through Connected.
func (s *Serial) handleConnectionLost(stop <-chan struct{}) {
	s.mu.Lock()
	s.connectionLost = true
	s.listening = false
	name, cfg := s.portName, s.cfg
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
	s.mu.Unlock()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-stop:
			return
		case <-time.After(reconnectBackoff):
		}
		s.logger.Info("reconnecting serial port",
			slog.String("port", name), slog.Int("attempt", attempt), slog.Int("max", maxReconnectAttempts))

		port, err := s.open(name, cfg)
		if err != nil {
			s.logger.Error("reconnect failed", "err", err)
			continue
		}
		port.ResetInputBuffer()

		s.mu.Lock()
		select {
		case <-stop:
			// Disconnect won the race while we were reopening.
			s.mu.Unlock()
			port.Close()
			return
		default:
		}
		s.port = port
		s.connectionLost = false
		s.startListenerLocked()
		s.mu.Unlock()
		s.logger.Info("serial port reconnected", slog.String("port", name))
		return
	}
	s.logger.Error("giving up on serial reconnection", slog.Int("attempts", maxReconnectAttempts))
}

// readFull fills buf from a Port whose reads time out with (0, nil),
// bounded by an overall deadline.
func readFull(port Port, buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	got := 0
	for got < len(buf) {
		if time.Now().After(deadline) {
			return fmt.Errorf("transport: read of %d bytes timed out after %s with %d received", len(buf), timeout, got)
		}
		n, err := port.Read(buf[got:])
		if err != nil {
			return err
		}
		got += n
	}
	return nil
}
