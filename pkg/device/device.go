// Package device provides byte-stream transports to the sensor.
package device

import (
	"context"
	"fmt"
	"io"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultBaudRate is the sensor's UART bridge baud rate.
const DefaultBaudRate = 115200

// Port is an open byte stream to the sensor. Closing it unblocks a
// pending Read.
type Port interface {
	io.ReadWriteCloser
}

// Dialer opens a Port. A Dialer may be used for many consecutive
// connections.
type Dialer interface {
	Dial(ctx context.Context) (Port, error)
	Name() string
}

// Ensure the dialers implement Dialer.
var (
	_ Dialer = (*Serial)(nil)
	_ Dialer = (*Mock)(nil)
)

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	IsUSB        bool   `json:"usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial,omitempty"`
}

// Ports returns the serial ports available on the host.
func Ports() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]PortInfo, 0, len(details))
	for _, d := range details {
		desc := d.Name
		if d.Product != "" {
			desc = d.Product
		}
		result = append(result, PortInfo{
			Name:         d.Name,
			Description:  desc,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
		})
	}

	return result, nil
}

// Serial dials a serial port such as /dev/rfcomm0 or COM3.
type Serial struct {
	port     string
	baudRate int
}

// NewSerial creates a serial dialer. A zero baud rate selects DefaultBaudRate.
func NewSerial(port string, baudRate int) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	return &Serial{port: port, baudRate: baudRate}
}

// Name returns the port path.
func (s *Serial) Name() string {
	return s.port
}

// Dial opens the serial port.
func (s *Serial) Dial(ctx context.Context) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(s.port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", s.port, err)
	}

	return port, nil
}
