package edc

import (
	"context"
	"fmt"

	"golang.org/x/exp/slog"

	"github.com/fmspay/edc-simulator/internal/transport"
)

// ConnectionStatus describes the current link to the terminal.
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	Mode      string `json:"mode"`
	Target    string `json:"target,omitempty"`
}

// Connect opens the transport selected by the communication settings.
// The mode is captured for the lifetime of the connection; changing
// settings takes effect on the next connect.
func (s *Service) Connect() (ConnectionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != nil {
		return s.connectionStatusLocked(), fmt.Errorf("already connected")
	}

	if s.isSerialMode() {
		portName, cfg := s.serialSettings()
		if portName == "" {
			return ConnectionStatus{}, ErrNoPortChosen
		}
		if err := s.serial.Connect(portName, cfg); err != nil {
			return ConnectionStatus{}, fmt.Errorf("connecting to %s: %w", portName, err)
		}
		s.mode = &connectionMode{serial: true}
		return s.connectionStatusLocked(), nil
	}

	host, port, useTLS, restAPI := s.socketSettings()
	if !restAPI {
		if err := s.socket.Connect(host, port, useTLS); err != nil {
			return ConnectionStatus{}, fmt.Errorf("connecting to %s:%d: %w", host, port, err)
		}
	}
	// REST mode has no persistent link; each transaction authenticates
	// against the adapter on its own.
	s.mode = &connectionMode{restAPI: restAPI}
	s.logger.Info("connected", slog.Bool("restAPI", restAPI))
	return s.connectionStatusLocked(), nil
}

func (s *Service) Disconnect() (ConnectionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == nil {
		return s.connectionStatusLocked(), nil
	}
	var err error
	switch {
	case s.mode.serial:
		err = s.serial.Disconnect()
	case !s.mode.restAPI:
		err = s.socket.Disconnect()
	}
	s.mode = nil
	if err != nil {
		return ConnectionStatus{}, fmt.Errorf("disconnecting: %w", err)
	}
	return s.connectionStatusLocked(), nil
}

func (s *Service) ConnectionStatus() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionStatusLocked()
}

func (s *Service) connectionStatusLocked() ConnectionStatus {
	st := ConnectionStatus{Mode: s.repo.StringSetting("communication", "Socket")}
	if s.mode == nil {
		return st
	}
	switch {
	case s.mode.serial:
		st.Connected = s.serial.Connected()
		st.Target, _ = s.serialSettings()
	case s.mode.restAPI:
		st.Connected = true
		st.Target = s.restBaseURL()
	default:
		st.Connected = s.socket.Connected()
		host, port, _, _ := s.socketSettings()
		st.Target = fmt.Sprintf("%s:%d", host, port)
	}
	return st
}

// DiscoverSerialNumber probes the REST adapter for a working device
// serial number and persists the winner in the settings.
func (s *Service) DiscoverSerialNumber(ctx context.Context) (string, error) {
	if !s.repo.BoolSetting("enable_rest_api", false) {
		return "", ErrRestDisabled
	}
	client := s.newRest(s.restBaseURL(), s.repo.StringSetting("edc_serial_number", transport.DefaultSerialNumber))
	serial, err := client.DiscoverSerialNumber(ctx)
	if err != nil {
		return "", err
	}
	if err := s.repo.UpdateSettings(map[string]any{"edc_serial_number": serial}); err != nil {
		return "", fmt.Errorf("saving discovered serial number: %w", err)
	}
	return serial, nil
}

// SerialPorts enumerates the host's serial ports for the settings UI.
func (s *Service) SerialPorts() ([]string, error) {
	return transport.ListPorts()
}

func (s *Service) isSerialMode() bool {
	return s.repo.StringSetting("communication", "Socket") == "Serial"
}

func (s *Service) serialSettings() (string, transport.SerialConfig) {
	return s.repo.StringSetting("serial_port", ""), transport.SerialConfig{
		BaudRate: s.repo.IntSetting("speed_baud", 9600),
		DataBits: s.repo.IntSetting("data_bits", 8),
		StopBits: s.repo.IntSetting("stop_bits", 1),
		Parity:   s.repo.StringSetting("parity", "N"),
	}
}

func (s *Service) socketSettings() (host string, port int, useTLS, restAPI bool) {
	host = s.repo.StringSetting("socket_ip", "127.0.0.1")
	port = s.repo.IntSetting("socket_port", 9001)
	useTLS = s.repo.BoolSetting("enable_ssl", false)
	restAPI = s.repo.BoolSetting("enable_rest_api", false)
	return
}

func (s *Service) restBaseURL() string {
	host, port, useTLS, _ := s.socketSettings()
	scheme := "http"
	if useTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}
