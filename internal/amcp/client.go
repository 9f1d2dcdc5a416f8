package amcp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"playout-engine/internal/platform/logger"
	"playout-engine/internal/platform/metrics"
)

// Options configures a Client. Zero values select the defaults.
type Options struct {
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	ListTimeout    time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Client is the playout gateway: one method per verb. Control verbs are
// fire-and-forget; list verbs wait for the correlated response.
type Client struct {
	conn    *Conn
	corr    *Correlator
	log     *slog.Logger
	metrics *metrics.Metrics

	lists   singleflight.Group
	listSem chan struct{}
	dropLog rate.Sometimes
}

// NewClient returns a Client for the playout server at addr. Call Run to
// bring the session up.
func NewClient(addr string, opts Options) *Client {
	conn := NewConn(addr, ConnOptions{
		ReconnectDelay: opts.ReconnectDelay,
		DialTimeout:    opts.DialTimeout,
		WriteTimeout:   opts.WriteTimeout,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
	})
	c := &Client{
		conn:    conn,
		corr:    NewCorrelator(conn, opts.ListTimeout),
		log:     logger.Component(opts.Logger, "amcp.client"),
		metrics: opts.Metrics,
		listSem: make(chan struct{}, 1),
		dropLog: rate.Sometimes{Interval: 5 * time.Second},
	}
	conn.SetDataHandler(c.corr.Feed)
	return c
}

// Run maintains the session until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	return c.conn.Run(ctx)
}

// Health returns the connection state without touching the network.
func (c *Client) Health() State {
	return c.conn.State()
}

// send writes one control line. Offline and write failures are logged and
// counted, never returned: control commands carry no acknowledgment.
func (c *Client) send(verb, line string) {
	err := c.conn.Write([]byte(line + "\r\n"))
	switch {
	case err == nil:
		c.metrics.IncCommandSent(verb)
		c.log.Debug("command sent", slog.String("command", line))
	case errors.Is(err, ErrOffline):
		c.metrics.IncCommandDropped("offline")
		c.dropLog.Do(func() {
			c.log.Warn("command dropped, playout server offline", slog.String("command", line))
		})
	default:
		c.metrics.IncCommandDropped("write_error")
		c.log.Warn("command write failed", slog.String("command", line), slog.String("error", err.Error()))
	}
}

// LoadBackground loads clip on ch-layer and starts it as soon as it is ready
// (AUTO), optionally looping.
func (c *Client) LoadBackground(_ context.Context, channel, layer int, clip string, loop bool) error {
	line, err := loadBGCommand(channel, layer, clip, loop)
	if err != nil {
		return err
	}
	c.send(verbLoadBG, line)
	return nil
}

// Play resumes playback on ch-layer.
func (c *Client) Play(_ context.Context, channel, layer int) error {
	line, err := layerCommand(verbPlay, channel, layer)
	if err != nil {
		return err
	}
	c.send(verbPlay, line)
	return nil
}

// Pause freezes ch-layer on its current frame.
func (c *Client) Pause(_ context.Context, channel, layer int) error {
	line, err := layerCommand(verbPause, channel, layer)
	if err != nil {
		return err
	}
	c.send(verbPause, line)
	return nil
}

// ClearLayer empties ch-layer.
func (c *Client) ClearLayer(_ context.Context, channel, layer int) error {
	line, err := layerCommand(verbClear, channel, layer)
	if err != nil {
		return err
	}
	c.send(verbClear, line)
	return nil
}

// ClearChannel empties every layer of channel.
func (c *Client) ClearChannel(_ context.Context, channel int) error {
	line, err := clearChannelCommand(channel)
	if err != nil {
		return err
	}
	c.send(verbClear, line)
	return nil
}

// AddOverlay renders template on ch-layer with data.
func (c *Client) AddOverlay(_ context.Context, channel, layer int, template string, data map[string]string) error {
	line, err := cgAddCommand(channel, layer, template, data)
	if err != nil {
		return err
	}
	c.send(verbCGAdd, line)
	return nil
}

// StopOverlay plays the out-animation of the template on ch-layer.
func (c *Client) StopOverlay(_ context.Context, channel, layer int) error {
	line, err := cgStopCommand(channel, layer)
	if err != nil {
		return err
	}
	c.send(verbCGStop, line)
	return nil
}

// ListMedia returns the media catalog.
func (c *Client) ListMedia(ctx context.Context) ([]Media, error) {
	raw, err := c.list(ctx, verbCLS)
	if err != nil {
		return nil, err
	}
	return ParseMediaList(raw)
}

// ListTemplates returns the template catalog.
func (c *Client) ListTemplates(ctx context.Context) ([]Template, error) {
	raw, err := c.list(ctx, verbTLS)
	if err != nil {
		return nil, err
	}
	return ParseTemplateList(raw)
}

// list runs one list command. Identical concurrent calls share a round trip
// and different ones queue behind each other, so the correlator only ever
// sees one query.
func (c *Client) list(ctx context.Context, command string) ([]byte, error) {
	if c.Health() != Connected {
		c.metrics.ObserveListQuery(command, "offline")
		return nil, ErrOffline
	}
	ch := c.lists.DoChan(command, func() (any, error) {
		c.listSem <- struct{}{}
		defer func() { <-c.listSem }()
		return c.corr.Query(context.Background(), command)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			c.metrics.ObserveListQuery(command, listOutcome(res.Err))
			c.log.Warn("list command failed", slog.String("command", command), slog.String("error", res.Err.Error()))
			return nil, res.Err
		}
		c.metrics.ObserveListQuery(command, "ok")
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func listOutcome(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrOffline):
		return "offline"
	default:
		return "error"
	}
}
