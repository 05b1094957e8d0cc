package adapter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultBaudRate is used when no baud rate is configured.
const DefaultBaudRate = 9600

// readPollInterval bounds how long the monitor blocks in Read, which is how
// quickly an unplugged device is noticed.
const readPollInterval = 100 * time.Millisecond

// ErrPortDisconnected is reported when the device goes away without Close.
var ErrPortDisconnected = errors.New("serial port disconnected")

// SerialAdapter drives a printer attached to a serial or USB-serial port.
type SerialAdapter struct {
	Emitter

	path    string
	mode    *serial.Mode
	port    serial.Port
	isOpen  bool
	closing bool
	done    chan struct{}
	mu      sync.Mutex
}

// NewSerialAdapter creates an unopened 8N1 serial adapter.
func NewSerialAdapter(path string, baudRate int) *SerialAdapter {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	return &SerialAdapter{
		path: path,
		mode: &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
	}
}

// Path returns the device path the adapter is bound to
func (a *SerialAdapter) Path() string {
	return a.path
}

// BaudRate returns the configured bit rate
func (a *SerialAdapter) BaudRate() int {
	return a.mode.BaudRate
}

// Open opens the serial port and starts watching it for disconnects
func (a *SerialAdapter) Open() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isOpen {
		return errors.New("device already open")
	}

	port, err := serial.Open(a.path, a.mode)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", a.path, err)
	}

	if err := port.SetReadTimeout(readPollInterval); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	a.port = port
	a.isOpen = true
	a.closing = false
	a.done = make(chan struct{})
	go a.monitor(port, a.done)

	a.Emit(Event{Type: EventConnect, Path: a.path})
	return nil
}

// monitor reads status bytes sent by the printer and reports a lost device.
func (a *SerialAdapter) monitor(port serial.Port, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 64)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			a.Emit(Event{Type: EventData, Path: a.path, Data: data})
		}
		if err == nil {
			continue
		}

		a.mu.Lock()
		if a.closing || a.port != port {
			a.mu.Unlock()
			return
		}
		a.isOpen = false
		a.port = nil
		a.mu.Unlock()

		port.Close()
		cause := disconnectCause(err)
		a.Emit(Event{Type: EventError, Path: a.path, Error: cause})
		a.Emit(Event{Type: EventClose, Path: a.path, Error: cause})
		return
	}
}

// disconnectCause wraps read errors that mean the device is gone.
func disconnectCause(err error) error {
	switch portErrorCode(err) {
	case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
		return fmt.Errorf("%w: %v", ErrPortDisconnected, err)
	}
	return fmt.Errorf("read failed: %w", err)
}

// portErrorCode returns the serial.PortError code carried by err, or -1.
func portErrorCode(err error) serial.PortErrorCode {
	var ptr *serial.PortError
	if errors.As(err, &ptr) {
		return ptr.Code()
	}
	var val serial.PortError
	if errors.As(err, &val) {
		return val.Code()
	}
	return -1
}

func (a *SerialAdapter) current() (serial.Port, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isOpen {
		return nil, errors.New("device not open")
	}
	return a.port, nil
}

// Write sends data to the printer
func (a *SerialAdapter) Write(data []byte) (int, error) {
	port, err := a.current()
	if err != nil {
		return 0, err
	}

	n, err := port.Write(data)
	if err != nil {
		return n, fmt.Errorf("write failed: %w", err)
	}
	return n, nil
}

// Drain waits until the OS has transmitted everything written so far
func (a *SerialAdapter) Drain() error {
	port, err := a.current()
	if err != nil {
		return err
	}

	if err := port.Drain(); err != nil {
		return fmt.Errorf("drain failed: %w", err)
	}
	return nil
}

// Close closes the serial port
func (a *SerialAdapter) Close() error {
	a.mu.Lock()
	if !a.isOpen {
		a.mu.Unlock()
		return nil
	}

	a.closing = true
	a.isOpen = false
	port := a.port
	done := a.done
	a.port = nil
	a.mu.Unlock()

	err := port.Close()
	<-done

	a.Emit(Event{Type: EventClose, Path: a.path})

	if err != nil {
		return fmt.Errorf("close failed: %w", err)
	}
	return nil
}

// IsOpen returns whether the port is open
func (a *SerialAdapter) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isOpen
}

// PortInfo describes a serial port found on the system
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
	Product      string
}

// ListSerialPorts returns the serial ports present on the system
func ListSerialPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}
