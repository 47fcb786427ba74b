package transport

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fmspay/edc-simulator/internal/fms"
)

// terminalStub accepts one connection and runs script against it.
func terminalStub(t *testing.T, script func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}()
	return ln.Addr().String()
}

func dialStub(t *testing.T, addr string) *Socket {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	s := NewSocket(testLogger())
	require.NoError(t, s.Connect(host, port, false))
	t.Cleanup(func() { s.Disconnect() })
	return s
}

func readRequest(conn net.Conn, n int) []byte {
	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := conn.Read(buf[got:])
		if err != nil {
			return buf[:got]
		}
		got += m
	}
	return buf
}

func TestSocketSendAckThenResponse(t *testing.T) {
	frame := deviceFrame(t)
	addr := terminalStub(t, func(conn net.Conn) {
		readRequest(conn, fms.RequestFrameLen)
		conn.Write([]byte{fms.ACK})
		time.Sleep(50 * time.Millisecond)
		conn.Write(frame)
	})
	s := dialStub(t, addr)

	resp, err := s.Send(make([]byte, fms.RequestFrameLen))
	require.NoError(t, err)
	require.Equal(t, frame, resp)
}

func TestSocketSendResponseWithoutAck(t *testing.T) {
	frame := deviceFrame(t)
	addr := terminalStub(t, func(conn net.Conn) {
		readRequest(conn, fms.RequestFrameLen)
		conn.Write(frame)
	})
	s := dialStub(t, addr)

	resp, err := s.Send(make([]byte, fms.RequestFrameLen))
	require.NoError(t, err)
	require.Equal(t, frame, resp)
}

func TestSocketSendNAK(t *testing.T) {
	addr := terminalStub(t, func(conn net.Conn) {
		readRequest(conn, fms.RequestFrameLen)
		conn.Write([]byte{fms.NAK})
		time.Sleep(200 * time.Millisecond)
	})
	s := dialStub(t, addr)

	_, err := s.Send(make([]byte, fms.RequestFrameLen))
	require.ErrorIs(t, err, ErrRequestRejected)
}

func TestSocketFlushesStaleBytesBeforeSend(t *testing.T) {
	frame := deviceFrame(t)
	stale := []byte("LEFTOVER FROM LAST TIME")
	addr := terminalStub(t, func(conn net.Conn) {
		conn.Write(stale)
		readRequest(conn, fms.RequestFrameLen)
		conn.Write([]byte{fms.ACK})
		conn.Write(frame)
	})
	s := dialStub(t, addr)

	// Give the stale bytes time to land in the receive buffer.
	time.Sleep(100 * time.Millisecond)

	resp, err := s.Send(make([]byte, fms.RequestFrameLen))
	require.NoError(t, err)
	require.Equal(t, frame, resp)
}

func TestSocketSendWithoutConnection(t *testing.T) {
	s := NewSocket(testLogger())
	_, err := s.Send([]byte{0x01})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSocketConnectRefused(t *testing.T) {
	s := NewSocket(testLogger())
	require.Error(t, s.Connect("127.0.0.1", 1, false))
}
