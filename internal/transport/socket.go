package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/exp/slog"

	"github.com/fmspay/edc-simulator/internal/fms"
)

const (
	socketDialTimeout   = 10 * time.Second
	socketFlushTimeout  = 50 * time.Millisecond
	socketAckTimeout    = 10 * time.Second
	socketPollInterval  = 100 * time.Millisecond
	socketResponseLimit = 10 * time.Minute
)

var (
	ErrRequestRejected = errors.New("transport: terminal rejected request with NAK")
	ErrResponseTimeout = errors.New("transport: timed out waiting for response")
	ErrUnexpectedByte  = errors.New("transport: unexpected byte while waiting for acknowledgement")
)

// Socket exchanges raw FMS frames with a terminal over TCP, optionally
// wrapped in TLS. The exchange is synchronous: Send blocks until a full
// response frame has accumulated or the wait bound expires.
type Socket struct {
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	addr string
}

func NewSocket(logger *slog.Logger) *Socket {
	return &Socket{logger: logger.With(slog.String("transport", "socket"))}
}

// Connect dials host:port, upgrading to TLS when useTLS is set. The
// terminal presents a self-signed certificate, so verification is
// skipped.
func (s *Socket) Connect(host string, port int, useTLS bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return fmt.Errorf("transport: already connected to %s", s.addr)
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.DialTimeout("tcp", addr, socketDialTimeout)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	if useTLS {
		tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		conn = tlsConn
	}

	s.conn = conn
	s.addr = addr
	s.logger.Info("socket connected", slog.String("addr", addr), slog.Bool("tls", useTLS))
	return nil
}

func (s *Socket) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.logger.Info("socket disconnected", slog.String("addr", s.addr))
	return err
}

func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send writes one packed frame and blocks until a complete response
// frame has been read back. Stale bytes left over from a previous
// exchange are drained first.
func (s *Socket) Send(frame []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, ErrNotConnected
	}

	s.flushStale()

	if _, err := s.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("writing to socket: %w", err)
	}
	s.logger.Info("frame sent", slog.Int("bytes", len(frame)))

	first, err := s.awaitAck()
	if err != nil {
		return nil, err
	}

	return s.readResponse(first)
}

// flushStale drains whatever the terminal pushed since the last
// exchange, so the next acknowledgement is really ours.
func (s *Socket) flushStale() {
	buf := make([]byte, 512)
	drained := 0
	for {
		s.conn.SetReadDeadline(time.Now().Add(socketFlushTimeout))
		n, err := s.conn.Read(buf)
		drained += n
		if err != nil || n == 0 {
			break
		}
	}
	s.conn.SetReadDeadline(time.Time{})
	if drained > 0 {
		s.logger.Warn("drained stale bytes before send", slog.Int("bytes", drained))
	}
}

// awaitAck reads the single acknowledgement byte. Some terminals skip
// the handshake and answer with the frame directly, so a leading STX is
// forwarded to the response reader instead of being rejected.
func (s *Socket) awaitAck() ([]byte, error) {
	buf := make([]byte, 1)
	s.conn.SetReadDeadline(time.Now().Add(socketAckTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	if _, err := s.conn.Read(buf); err != nil {
		return nil, fmt.Errorf("waiting for acknowledgement: %w", err)
	}
	switch buf[0] {
	case fms.ACK:
		s.logger.Info("request acknowledged")
		return nil, nil
	case fms.NAK:
		return nil, ErrRequestRejected
	case fms.STX:
		s.logger.Info("terminal skipped acknowledgement, frame started")
		return []byte{fms.STX}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnexpectedByte, buf[0])
	}
}

// readResponse accumulates bytes until at least one full response frame
// is present, polling on a short interval. The terminal can sit on a
// transaction for minutes while the cardholder acts, so the bound is
// generous.
func (s *Socket) readResponse(prefix []byte) ([]byte, error) {
	acc := append([]byte(nil), prefix...)
	buf := make([]byte, 1024)
	deadline := time.Now().Add(socketResponseLimit)

	for len(acc) < fms.ResponseFrameLen {
		if time.Now().After(deadline) {
			return nil, ErrResponseTimeout
		}
		s.conn.SetReadDeadline(time.Now().Add(socketPollInterval))
		n, err := s.conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			continue
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return nil, fmt.Errorf("reading response: %w", err)
		}
	}
	s.conn.SetReadDeadline(time.Time{})
	s.logger.Info("response received", slog.Int("bytes", len(acc)))
	return acc, nil
}
