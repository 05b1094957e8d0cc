package adapter

import (
	"sync"
)

// Adapter defines the interface for printer transports.
// Calls block until the transport completes the operation.
type Adapter interface {
	// Open opens the connection to the printer
	Open() error

	// Write sends data to the printer
	Write(data []byte) (int, error)

	// Drain blocks until all written data has left the local send buffer
	Drain() error

	// Close closes the connection to the printer
	Close() error

	// IsOpen returns whether the connection is open
	IsOpen() bool

	// On adds an event listener
	On(eventType EventType, handler func(Event))

	// RemoveAllListeners drops every registered listener
	RemoveAllListeners()
}

// Factory builds an unopened adapter bound to a device path and baud rate.
type Factory func(path string, baudRate int) Adapter

// New returns a USB adapter for usb paths and a serial adapter otherwise.
func New(path string, baudRate int) Adapter {
	if IsUSBPath(path) {
		return NewUSBAdapter(path)
	}
	return NewSerialAdapter(path, baudRate)
}

// EventType represents device events
type EventType int

const (
	EventConnect EventType = iota
	EventClose
	EventError
	EventData
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	case EventData:
		return "data"
	}
	return "unknown"
}

// Event represents a device event. For EventClose, Error is nil when the
// close was requested through Close and carries the cause otherwise.
type Event struct {
	Type  EventType
	Path  string
	Data  []byte
	Error error
}

// Emitter keeps per-type listeners. Handlers run on their own goroutine.
type Emitter struct {
	eventListeners map[EventType][]func(Event)
	listenersMutex sync.RWMutex
}

// On adds an event listener
func (e *Emitter) On(eventType EventType, handler func(Event)) {
	e.listenersMutex.Lock()
	defer e.listenersMutex.Unlock()

	if e.eventListeners == nil {
		e.eventListeners = make(map[EventType][]func(Event))
	}
	e.eventListeners[eventType] = append(e.eventListeners[eventType], handler)
}

// RemoveAllListeners drops every registered listener
func (e *Emitter) RemoveAllListeners() {
	e.listenersMutex.Lock()
	defer e.listenersMutex.Unlock()

	e.eventListeners = nil
}

// ListenerCount returns the number of listeners registered for eventType.
func (e *Emitter) ListenerCount(eventType EventType) int {
	e.listenersMutex.RLock()
	defer e.listenersMutex.RUnlock()

	return len(e.eventListeners[eventType])
}

// Emit triggers an event
func (e *Emitter) Emit(event Event) {
	e.listenersMutex.RLock()
	defer e.listenersMutex.RUnlock()

	for _, handler := range e.eventListeners[event.Type] {
		go handler(event)
	}
}
