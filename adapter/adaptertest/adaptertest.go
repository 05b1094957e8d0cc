// Package adaptertest provides an in-memory printer transport for tests.
package adaptertest

import (
	"errors"
	"sync"

	"github.com/nixxel-company-limited/escpos-serial-printer/adapter"
)

// Fake is an adapter.Adapter that records calls. Set the *Err fields to
// make an operation fail and the *Gate channels to hold it until closed.
type Fake struct {
	adapter.Emitter

	Path     string
	BaudRate int

	OpenErr  error
	WriteErr error
	DrainErr error
	CloseErr error

	OpenGate  chan struct{}
	WriteGate chan struct{}
	DrainGate chan struct{}

	mu      sync.Mutex
	open    bool
	closed  chan struct{}
	opens   int
	writes  int
	drains  int
	closes  int
	written [][]byte
}

// NewFake returns an unopened fake bound to path.
func NewFake(path string, baudRate int) *Fake {
	return &Fake{Path: path, BaudRate: baudRate}
}

// Open waits on OpenGate, if set, then fails with OpenErr or opens the fake.
func (f *Fake) Open() error {
	f.mu.Lock()
	f.opens++
	gate := f.OpenGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return f.OpenErr
	}
	if f.open {
		return errors.New("device already open")
	}
	f.open = true
	f.closed = make(chan struct{})
	f.Emit(adapter.Event{Type: adapter.EventConnect, Path: f.Path})
	return nil
}

// Write waits on WriteGate, if set, then fails with WriteErr or records data.
func (f *Fake) Write(data []byte) (int, error) {
	f.mu.Lock()
	f.writes++
	gate, closed, open := f.WriteGate, f.closed, f.open
	f.mu.Unlock()

	if !open {
		return 0, errors.New("device not open")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-closed:
			return 0, errors.New("port closed during write")
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteErr != nil {
		return 0, f.WriteErr
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return len(data), nil
}

// Drain waits on DrainGate, if set, then returns DrainErr. Closing the fake
// releases a waiting Drain.
func (f *Fake) Drain() error {
	f.mu.Lock()
	f.drains++
	gate, closed, open := f.DrainGate, f.closed, f.open
	f.mu.Unlock()

	if !open {
		return errors.New("device not open")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-closed:
			return errors.New("port closed during drain")
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.DrainErr
}

// Close marks the fake closed and returns CloseErr.
func (f *Fake) Close() error {
	f.mu.Lock()
	f.closes++
	wasOpen := f.open
	if wasOpen {
		f.open = false
		close(f.closed)
	}
	err := f.CloseErr
	f.mu.Unlock()

	if wasOpen {
		f.Emit(adapter.Event{Type: adapter.EventClose, Path: f.Path})
	}
	return err
}

// IsOpen returns whether the fake is open.
func (f *Fake) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// Disconnect simulates the device going away: the port closes and
// EventClose is emitted with cause.
func (f *Fake) Disconnect(cause error) {
	f.mu.Lock()
	if f.open {
		f.open = false
		close(f.closed)
	}
	f.mu.Unlock()

	f.Emit(adapter.Event{Type: adapter.EventClose, Path: f.Path, Error: cause})
}

// Fail emits an asynchronous EventError.
func (f *Fake) Fail(err error) {
	f.Emit(adapter.Event{Type: adapter.EventError, Path: f.Path, Error: err})
}

// Receive emits EventData as if the printer had sent data.
func (f *Fake) Receive(data []byte) {
	f.Emit(adapter.Event{Type: adapter.EventData, Path: f.Path, Data: data})
}

// Opens returns the number of Open calls.
func (f *Fake) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Writes returns the number of Write calls.
func (f *Fake) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// Drains returns the number of Drain calls.
func (f *Fake) Drains() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drains
}

// Closes returns the number of Close calls.
func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// Written returns a copy of every successful write payload.
func (f *Fake) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

// Transport is an adapter.Factory source that records every fake it builds.
type Transport struct {
	// Configure, if set, runs on each new fake before it is returned.
	Configure func(n int, f *Fake)

	mu    sync.Mutex
	fakes []*Fake
}

// Dial implements adapter.Factory.
func (t *Transport) Dial(path string, baudRate int) adapter.Adapter {
	t.mu.Lock()
	defer t.mu.Unlock()

	f := NewFake(path, baudRate)
	if t.Configure != nil {
		t.Configure(len(t.fakes), f)
	}
	t.fakes = append(t.fakes, f)
	return f
}

// Dials returns how many adapters have been built.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fakes)
}

// Opens returns the number of Open calls across all adapters.
func (t *Transport) Opens() int {
	t.mu.Lock()
	fakes := append([]*Fake(nil), t.fakes...)
	t.mu.Unlock()

	n := 0
	for _, f := range fakes {
		n += f.Opens()
	}
	return n
}

// Fake returns the i-th adapter built, or nil.
func (t *Transport) Fake(i int) *Fake {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.fakes) {
		return nil
	}
	return t.fakes[i]
}

// Last returns the most recently built adapter, or nil.
func (t *Transport) Last() *Fake {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.fakes) == 0 {
		return nil
	}
	return t.fakes[len(t.fakes)-1]
}
