package shared

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

type StringWriteCloser interface {
	io.Closer
	io.StringWriter
}

type writeCloser struct {
	w     io.Writer
	close func() error
}

// NewWriteCloser adapts w. Close closes w when it is an io.Closer.
func NewWriteCloser(w io.Writer) StringWriteCloser {
	if w == nil {
		return nil
	}
	wc := &writeCloser{w: w, close: func() error { return nil }}
	if c, ok := w.(io.Closer); ok {
		wc.close = c.Close
	}
	return wc
}

// NewNopWriteCloser adapts w and leaves it open on Close; use it for stdout.
func NewNopWriteCloser(w io.Writer) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &writeCloser{w: w, close: func() error { return nil }}
}

func (wc *writeCloser) WriteString(s string) (int, error) {
	return io.WriteString(wc.w, s)
}

func (wc *writeCloser) Close() error {
	return wc.close()
}

// Printer fans indented text out to several sinks. Lines of one call are
// never interleaved with another call's.
type Printer struct {
	mu     sync.Mutex
	indStr string
	sinks  []StringWriteCloser
}

func NewPrinter(indentString string, sinks ...StringWriteCloser) (*Printer, error) {
	if len(sinks) == 0 {
		return nil, errors.New("no sink provided")
	}
	for _, sink := range sinks {
		if sink == nil {
			return nil, errors.New("a nil sink is given")
		}
	}
	return &Printer{indStr: indentString, sinks: sinks}, nil
}

func (p *Printer) Write(s string, ind int) error {
	return p.emit(p.indent(s, ind))
}

func (p *Printer) Writeln(s string, ind int) error {
	return p.emit(p.indent(s, ind) + "\n")
}

func (p *Printer) Printf(ind int, format string, args ...any) error {
	return p.Writeln(fmt.Sprintf(format, args...), ind)
}

func (p *Printer) indent(s string, ind int) string {
	if ind <= 0 || p.indStr == "" {
		return s
	}
	prefix := strings.Repeat(p.indStr, ind)
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}

func (p *Printer) emit(s string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sink := range p.sinks {
		if _, err := sink.WriteString(s); err != nil {
			return fmt.Errorf("on writing to sink: %w", err)
		}
	}
	return nil
}

func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs error
	for _, sink := range p.sinks {
		if err := sink.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("on closing sink: %w", err))
		}
	}
	return errs
}
