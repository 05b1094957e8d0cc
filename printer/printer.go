// Package printer buffers ESC/POS commands and sends them to a printer over
// a lazily opened transport.
//
// A Printer is meant to be driven by one caller at a time: build a job,
// Print it, wait for the result, then build the next one. Open is the only
// operation that is safe to call concurrently.
package printer

import (
	"bytes"
	"sync"

	"go.uber.org/zap"

	"github.com/nixxel-company-limited/escpos-serial-printer/adapter"
	"github.com/nixxel-company-limited/escpos-serial-printer/escpos"
)

// DefaultFeedLines is the line count used by Feed when none is given.
const DefaultFeedLines = 2

// Config is captured by New and only read when opening the transport.
type Config struct {
	PortPath string
	BaudRate int
	AutoOpen bool
}

// DefaultConfig returns a Config for path with 9600 baud and AutoOpen set.
func DefaultConfig(path string) Config {
	return Config{
		PortPath: path,
		BaudRate: adapter.DefaultBaudRate,
		AutoOpen: true,
	}
}

// Option customizes a Printer.
type Option func(*Printer)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Printer) {
		p.logger = logger.Named("printer")
	}
}

// WithTransport replaces the adapter factory used to build connections.
func WithTransport(dial adapter.Factory) Option {
	return func(p *Printer) {
		p.dial = dial
	}
}

// Printer accumulates print commands and owns at most one transport connection.
type Printer struct {
	cfg    Config
	dial   adapter.Factory
	logger *zap.Logger

	mu      sync.Mutex
	pending [][]byte
	state   connState
	conn    *handle
	opening *openCall
}

// New creates a Printer. When cfg.AutoOpen is set the transport open starts
// immediately; its failure is logged and the next Print retries.
func New(cfg Config, opts ...Option) (*Printer, error) {
	if cfg.PortPath == "" {
		return nil, ErrNoPortPath
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = adapter.DefaultBaudRate
	}

	p := &Printer{
		cfg:    cfg,
		dial:   adapter.New,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.AutoOpen {
		p.mu.Lock()
		call := p.startOpenLocked()
		p.mu.Unlock()

		go func() {
			<-call.done
			if call.err != nil {
				p.logger.Warn("auto open failed", zap.String("port", cfg.PortPath), zap.Error(call.err))
			}
		}()
	}

	return p, nil
}

// Config returns the configuration the Printer was built with
func (p *Printer) Config() Config {
	return p.cfg
}

func (p *Printer) add(fragments ...[]byte) *Printer {
	p.mu.Lock()
	p.pending = append(p.pending, fragments...)
	p.mu.Unlock()
	return p
}

// Init appends the printer reset sequence.
func (p *Printer) Init() *Printer {
	return p.add(escpos.Initialize())
}

// Align appends a justification change.
func (p *Printer) Align(a escpos.Align) *Printer {
	return p.add(escpos.Alignment(a))
}

// Text appends text followed by a line feed.
func (p *Printer) Text(text string) *Printer {
	return p.add(escpos.Line(text))
}

// BoldOn appends the emphasis-on command.
func (p *Printer) BoldOn() *Printer {
	return p.add(escpos.BoldOn())
}

// BoldOff appends the emphasis-off command.
func (p *Printer) BoldOff() *Printer {
	return p.add(escpos.BoldOff())
}

// Bold appends text as an emphasized line.
func (p *Printer) Bold(text string) *Printer {
	return p.add(escpos.BoldOn(), escpos.Line(text), escpos.BoldOff())
}

// Size selects a character size. When lines are given they are printed in
// that size and the size is reset to normal afterwards.
func (p *Printer) Size(s escpos.Size, lines ...string) *Printer {
	fragments := [][]byte{escpos.TextSize(s)}
	if len(lines) > 0 {
		for _, l := range lines {
			fragments = append(fragments, escpos.Line(l))
		}
		fragments = append(fragments, escpos.TextSize(escpos.SizeNormal))
	}
	return p.add(fragments...)
}

// Feed advances the paper. Without an argument it feeds DefaultFeedLines.
// Counts outside 0-255 are clamped to that range.
func (p *Printer) Feed(lines ...int) *Printer {
	n := DefaultFeedLines
	if len(lines) > 0 {
		n = lines[0]
	}
	if n < 0 || n > 255 {
		clamped := min(max(n, 0), 255)
		p.logger.Warn("feed count out of range, clamping", zap.Int("requested", n), zap.Int("used", clamped))
		n = clamped
	}
	return p.add(escpos.Feed(byte(n)))
}

// Cut appends a paper cut.
func (p *Printer) Cut(m escpos.CutMode) *Printer {
	return p.add(escpos.Cut(m))
}

// Raw appends a copy of data without interpretation.
func (p *Printer) Raw(data []byte) *Printer {
	return p.add(bytes.Clone(data))
}

// Clear discards every pending command.
func (p *Printer) Clear() *Printer {
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()
	return p
}

// Pending returns a copy of the buffered fragments in print order.
func (p *Printer) Pending() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([][]byte, len(p.pending))
	for i, f := range p.pending {
		out[i] = bytes.Clone(f)
	}
	return out
}

// Bytes returns the payload Print would send.
func (p *Printer) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Join(p.pending, nil)
}
