package printer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/nixxel-company-limited/escpos-serial-printer/adapter"
)

type connState int

const (
	stateClosed connState = iota
	stateOpening
	stateOpen
)

func (s connState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpening:
		return "opening"
	case stateOpen:
		return "open"
	}
	return "unknown"
}

// handle is one transport connection. errc carries asynchronous transport
// errors to the write or drain stage in flight; busy is guarded by Printer.mu.
type handle struct {
	port adapter.Adapter
	errc chan error
	busy bool
}

// openCall is the single in-flight open shared by every waiter.
type openCall struct {
	h    *handle
	done chan struct{}
	err  error
}

// IsOpen returns whether the transport is open and usable for writes
func (p *Printer) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateOpen
}

// Open makes sure the transport is open. Concurrent callers share a single
// in-flight open. A caller whose ctx ends stops waiting without cancelling
// the open for the others.
func (p *Printer) Open(ctx context.Context) error {
	_, err := p.ensureOpen(ctx)
	return err
}

func (p *Printer) ensureOpen(ctx context.Context) (*handle, error) {
	p.mu.Lock()
	var call *openCall
	switch p.state {
	case stateOpen:
		h := p.conn
		p.mu.Unlock()
		return h, nil
	case stateOpening:
		call = p.opening
	default:
		call = p.startOpenLocked()
	}
	p.mu.Unlock()

	select {
	case <-call.done:
	case <-ctx.Done():
		return nil, &Error{Stage: StageOpen, Err: ctx.Err()}
	}
	if call.err != nil {
		return nil, call.err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != call.h {
		return nil, &Error{Stage: StageOpen, Err: ErrDisconnected}
	}
	return call.h, nil
}

// startOpenLocked builds a new handle and starts opening it.
func (p *Printer) startOpenLocked() *openCall {
	h := &handle{
		port: p.dial(p.cfg.PortPath, p.cfg.BaudRate),
		errc: make(chan error, 1),
	}
	call := &openCall{h: h, done: make(chan struct{})}

	p.state = stateOpening
	p.conn = h
	p.opening = call

	h.port.On(adapter.EventClose, func(e adapter.Event) { p.onTransportClose(h, e.Error) })
	h.port.On(adapter.EventError, func(e adapter.Event) { p.onTransportError(h, e.Error) })
	h.port.On(adapter.EventData, func(e adapter.Event) {
		p.logger.Debug("received from printer", zap.Binary("data", e.Data))
	})

	p.logger.Debug("opening transport", zap.String("port", p.cfg.PortPath), zap.Int("baud", p.cfg.BaudRate))
	go p.open(call)
	return call
}

func (p *Printer) open(call *openCall) {
	h := call.h
	err := h.port.Open()

	p.mu.Lock()
	switch {
	case p.conn != h:
		// Torn down while opening.
		p.mu.Unlock()
		h.port.RemoveAllListeners()
		if err == nil {
			h.port.Close()
		}
		call.err = &Error{Stage: StageOpen, Err: ErrDisconnected}
	case err != nil:
		p.resetLocked()
		p.mu.Unlock()
		h.port.RemoveAllListeners()
		call.err = &Error{Stage: StageOpen, Err: err}
		p.logger.Warn("open failed", zap.String("port", p.cfg.PortPath), zap.Error(err))
	default:
		p.state = stateOpen
		p.opening = nil
		p.mu.Unlock()
		p.logger.Info("transport open", zap.String("port", p.cfg.PortPath))
	}

	close(call.done)
}

// resetLocked moves to the closed state without touching the transport.
func (p *Printer) resetLocked() {
	p.state = stateClosed
	p.conn = nil
	p.opening = nil
}

// discard drops h if it is still current and closes it.
func (p *Printer) discard(h *handle) {
	p.mu.Lock()
	if p.conn == h {
		p.resetLocked()
	}
	p.mu.Unlock()

	h.port.RemoveAllListeners()
	if err := h.port.Close(); err != nil {
		p.logger.Debug("closing discarded transport", zap.Error(err))
	}
}

func (p *Printer) onTransportClose(h *handle, cause error) {
	p.mu.Lock()
	if p.conn != h {
		p.mu.Unlock()
		return
	}
	if h.busy {
		signal(h, errors.Join(ErrDisconnected, cause))
	}
	p.resetLocked()
	p.mu.Unlock()

	h.port.RemoveAllListeners()
	p.logger.Warn("transport closed unexpectedly", zap.String("port", p.cfg.PortPath), zap.Error(cause))
}

func (p *Printer) onTransportError(h *handle, err error) {
	if err == nil {
		err = errors.New("unknown transport error")
	}

	p.mu.Lock()
	if p.conn != h {
		p.mu.Unlock()
		return
	}
	if h.busy {
		signal(h, err)
		p.mu.Unlock()
		return
	}
	state := p.state
	p.mu.Unlock()

	if state == stateOpening {
		// The result of Open decides.
		p.logger.Warn("transport error while opening", zap.Error(err))
		return
	}

	// Nobody is waiting on this connection: log it and reopen on the next Print.
	p.logger.Warn("transport error outside of a print, dropping connection", zap.Error(err))
	p.discard(h)
}

func signal(h *handle, err error) {
	select {
	case h.errc <- err:
	default:
	}
}

// Print sends the pending commands and clears them once the transport has
// drained. On failure the commands stay pending, the connection is dropped
// and the returned *Error names the failed stage. An empty buffer returns
// nil without touching the transport.
func (p *Printer) Print(ctx context.Context) error {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return nil
	}
	payload := joinFragments(p.pending)
	p.mu.Unlock()

	h, err := p.ensureOpen(ctx)
	if err != nil {
		return err
	}

	err = p.runStage(ctx, h, StageWrite, func() error {
		n, err := h.port.Write(payload)
		if err == nil && n < len(payload) {
			err = fmt.Errorf("wrote %d of %d bytes: %w", n, len(payload), io.ErrShortWrite)
		}
		return err
	})
	if err == nil {
		err = p.runStage(ctx, h, StageDrain, h.port.Drain)
	}
	if err != nil {
		p.logger.Warn("print failed", zap.Error(err))
		p.discard(h)
		return err
	}

	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()

	p.logger.Debug("printed", zap.Int("bytes", len(payload)))

	// An error that raced with a successful drain is not reported to this
	// caller, but the connection is not trusted for the next job.
	select {
	case err := <-h.errc:
		p.logger.Warn("transport error after print completed, dropping connection", zap.Error(err))
		p.discard(h)
	default:
	}
	return nil
}

// runStage runs fn against h and returns the first of: fn's result, an
// asynchronous transport error, or ctx ending.
func (p *Printer) runStage(ctx context.Context, h *handle, stage Stage, fn func() error) error {
	p.mu.Lock()
	if p.conn != h {
		p.mu.Unlock()
		return &Error{Stage: stage, Err: ErrDisconnected}
	}
	h.busy = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		h.busy = false
		p.mu.Unlock()
	}()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			return &Error{Stage: stage, Err: err}
		}
		select {
		case err := <-h.errc:
			return &Error{Stage: stage, Err: err}
		default:
		}
		return nil
	case err := <-h.errc:
		return &Error{Stage: stage, Err: err}
	case <-ctx.Done():
		return &Error{Stage: stage, Err: ctx.Err()}
	}
}

// Close closes the transport. It always leaves the Printer closed; an
// *Error with StageClose is returned if the transport failed to close or
// ctx ended while an open was in flight.
// Closing an already closed Printer does nothing.
func (p *Printer) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.state == stateOpening {
		call := p.opening
		p.mu.Unlock()
		select {
		case <-call.done:
			p.mu.Lock()
		case <-ctx.Done():
			p.mu.Lock()
			if p.opening == call {
				// open sees the reset and closes the port itself.
				p.resetLocked()
				p.mu.Unlock()
				p.logger.Warn("close gave up waiting for open", zap.Error(ctx.Err()))
				return &Error{Stage: StageClose, Err: ctx.Err()}
			}
		}
	}

	h := p.conn
	if h == nil {
		p.mu.Unlock()
		return nil
	}
	p.resetLocked()
	p.mu.Unlock()

	h.port.RemoveAllListeners()
	if err := h.port.Close(); err != nil {
		p.logger.Warn("close failed", zap.String("port", p.cfg.PortPath), zap.Error(err))
		return &Error{Stage: StageClose, Err: err}
	}

	p.logger.Info("transport closed", zap.String("port", p.cfg.PortPath))
	return nil
}

func joinFragments(fragments [][]byte) []byte {
	n := 0
	for _, f := range fragments {
		n += len(f)
	}
	payload := make([]byte, 0, n)
	for _, f := range fragments {
		payload = append(payload, f...)
	}
	return payload
}
