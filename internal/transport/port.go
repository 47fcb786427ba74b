// Package transport carries FMS frames to the terminal over a serial
// line, a raw TCP/TLS socket, or the vendor's HTTP adapter.
package transport

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the byte-stream handle a transport reads and writes. Reads
// time out quickly and report (0, nil) when no data arrived, so reader
// loops stay responsive without busy-waiting.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// SerialConfig mirrors the serial settings kept in the simulator's
// settings store.
type SerialConfig struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E" or "O"
}

func (c SerialConfig) mode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if mode.BaudRate == 0 {
		mode.BaudRate = 9600
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	switch c.Parity {
	case "E", "e":
		mode.Parity = serial.EvenParity
	case "O", "o":
		mode.Parity = serial.OddParity
	}
	if c.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode
}

type serialPort struct {
	serial.Port
	name string
}

// OpenSerialPort opens a physical serial port with a 100ms read
// timeout.
func OpenSerialPort(name string, cfg SerialConfig) (Port, error) {
	p, err := serial.Open(name, cfg.mode())
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(100 * time.Millisecond); err != nil {
		p.Close()
		return nil, err
	}
	return &serialPort{Port: p, name: name}, nil
}

// ListPorts enumerates the serial ports present on this machine.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
