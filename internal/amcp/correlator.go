package amcp

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultListTimeout bounds how long a list command waits for its terminator.
const DefaultListTimeout = 2000 * time.Millisecond

// ErrTimeout is returned when a list command saw no bytes at all before its
// deadline.
var ErrTimeout = errors.New("amcp: list response timeout")

var (
	crlf       = []byte("\r\n")
	doubleCRLF = []byte("\r\n\r\n")
)

type lineWriter interface {
	Write(p []byte) error
}

// Correlator turns the inbound byte stream into the response of the most
// recently issued list command. It assumes a single query in flight; callers
// serialize.
type Correlator struct {
	w       lineWriter
	timeout time.Duration

	mu      sync.Mutex
	pending *pendingQuery
}

type pendingQuery struct {
	buf  bytes.Buffer
	done chan struct{}
	full bool
}

// NewCorrelator returns a Correlator writing through w.
func NewCorrelator(w lineWriter, timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultListTimeout
	}
	return &Correlator{w: w, timeout: timeout}
}

// Feed accepts inbound bytes. Without a pending query they are discarded.
func (c *Correlator) Feed(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.pending
	if q == nil || q.full {
		return
	}
	q.buf.Write(p)
	if responseComplete(q.buf.Bytes()) {
		q.full = true
		close(q.done)
	}
}

// Query writes line followed by CRLF and collects the response. On deadline
// it returns whatever partial response arrived, or ErrTimeout when nothing did.
func (c *Correlator) Query(ctx context.Context, line string) ([]byte, error) {
	q := &pendingQuery{done: make(chan struct{})}
	c.mu.Lock()
	c.pending = q
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending == q {
			c.pending = nil
		}
		c.mu.Unlock()
	}()

	if err := c.w.Write([]byte(line + "\r\n")); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-q.done:
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	out := bytes.Clone(q.buf.Bytes())
	c.mu.Unlock()
	if len(out) == 0 {
		return nil, ErrTimeout
	}
	return out, nil
}

// responseComplete reports whether buf holds a whole list response: either
// content closed by an empty line, or a single 4xx/5xx status line.
func responseComplete(buf []byte) bool {
	if len(buf) > len(doubleCRLF) && bytes.HasSuffix(buf, doubleCRLF) {
		return true
	}
	return hasErrorStatus(buf) && bytes.HasSuffix(buf, crlf)
}

// hasErrorStatus reports whether buf opens with a three-digit 4xx or 5xx
// code followed by a separator.
func hasErrorStatus(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	if buf[0] != '4' && buf[0] != '5' {
		return false
	}
	if !isDigit(buf[1]) || !isDigit(buf[2]) {
		return false
	}
	return buf[3] == ' ' || buf[3] == '\r' || buf[3] == '\n'
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
