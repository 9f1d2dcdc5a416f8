// Package amcp talks to the playout server over its line-oriented TCP
// control protocol: a self-healing transport, a correlator for list-style
// responses, the response grammar and a typed client.
package amcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"playout-engine/internal/platform/logger"
	"playout-engine/internal/platform/metrics"
)

const (
	// DefaultPort is the playout server's AMCP port.
	DefaultPort = 5250

	// DefaultReconnectDelay is the fixed pause between connection attempts.
	DefaultReconnectDelay = 5 * time.Second

	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 2 * time.Second
	readBufferSize      = 4096
)

// ErrOffline is returned when a command cannot be transmitted because the
// session is not connected. Nothing is queued for later.
var ErrOffline = errors.New("amcp: playout server offline")

// State is the process-wide connection state of the playout session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText renders the state as its name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnOptions tunes a Conn. Zero values select the defaults.
type ConnOptions struct {
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Conn owns the socket to the playout server. Run keeps it connected,
// redialing after a fixed delay for as long as its context lives. Inbound
// bytes are handed to the data handler uninterpreted.
type Conn struct {
	addr   string
	opts   ConnOptions
	log    *slog.Logger
	state  atomic.Int32
	onData func([]byte)

	mu   sync.Mutex
	conn net.Conn
}

// NewConn returns an unconnected Conn for addr (host:port).
func NewConn(addr string, opts ConnOptions) *Conn {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Conn{
		addr:   addr,
		opts:   opts,
		log:    logger.Component(opts.Logger, "amcp.conn").With(slog.String("addr", addr)),
		onData: func([]byte) {},
	}
}

// SetDataHandler installs the receiver of inbound bytes. Must be called
// before Run.
func (c *Conn) SetDataHandler(fn func([]byte)) {
	if fn != nil {
		c.onData = fn
	}
}

// State returns the current connection state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
	c.opts.Metrics.SetConnected(s == Connected)
}

// Run connects and reconnects until ctx is done. Socket failures never
// escape; they only show up in State. Run returns ctx.Err().
func (c *Conn) Run(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: c.opts.DialTimeout}
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.opts.Metrics.IncReconnects()
		}
		c.setState(Connecting)
		nc, err := dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(Disconnected)
				return ctx.Err()
			}
			c.log.Warn("connect failed", slog.String("error", err.Error()), slog.Int("attempt", attempt+1))
		} else {
			c.attach(nc)
			c.log.Info("connected to playout server")
			err = c.readLoop(ctx, nc)
			c.detach(nc)
			if ctx.Err() != nil {
				c.setState(Disconnected)
				return ctx.Err()
			}
			c.log.Warn("disconnected from playout server",
				slog.String("error", errString(err)),
				slog.Duration("retry_in", c.opts.ReconnectDelay))
		}
		c.setState(Disconnected)

		t := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Conn) attach(nc net.Conn) {
	c.mu.Lock()
	c.conn = nc
	c.mu.Unlock()
	c.setState(Connected)
}

func (c *Conn) detach(nc net.Conn) {
	c.mu.Lock()
	if c.conn == nc {
		c.conn = nil
	}
	c.mu.Unlock()
	c.setState(Disconnected)
	_ = nc.Close()
}

func (c *Conn) readLoop(ctx context.Context, nc net.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	defer stop()

	buf := make([]byte, readBufferSize)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.onData(chunk)
		}
		if err != nil {
			return err
		}
	}
}

// Write transmits p if connected and returns ErrOffline otherwise. A failed
// write closes the socket so that Run starts over.
func (c *Conn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrOffline
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if _, err := c.conn.Write(p); err != nil {
		_ = c.conn.Close()
		return fmt.Errorf("amcp: write: %w", err)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
