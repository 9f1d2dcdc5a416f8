package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"playout-engine/internal/rundown"
)

// manualClock fires timers only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward, running due callbacks in deadline order on the
// calling goroutine.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*manualTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at.Equal(due[j].at) {
				return due[i].seq < due[j].seq
			}
			return due[i].at.Before(due[j].at)
		})
		next := due[0]
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

// recordingGateway renders every call as a short command string.
type recordingGateway struct {
	mu   sync.Mutex
	cmds []string
}

func (g *recordingGateway) record(format string, args ...any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cmds = append(g.cmds, fmt.Sprintf(format, args...))
	return nil
}

func (g *recordingGateway) LoadBackground(_ context.Context, ch, layer int, clip string, loop bool) error {
	if loop {
		return g.record("LOADBG %d-%d %s LOOP", ch, layer, clip)
	}
	return g.record("LOADBG %d-%d %s", ch, layer, clip)
}

func (g *recordingGateway) Pause(_ context.Context, ch, layer int) error {
	return g.record("PAUSE %d-%d", ch, layer)
}

func (g *recordingGateway) ClearLayer(_ context.Context, ch, layer int) error {
	return g.record("CLEAR %d-%d", ch, layer)
}

func (g *recordingGateway) ClearChannel(_ context.Context, ch int) error {
	return g.record("CLEAR %d", ch)
}

func (g *recordingGateway) AddOverlay(_ context.Context, ch, layer int, template string, _ map[string]string) error {
	return g.record("CG %d-%d ADD %s", ch, layer, template)
}

func (g *recordingGateway) StopOverlay(_ context.Context, ch, layer int) error {
	return g.record("CG %d-%d STOP", ch, layer)
}

func (g *recordingGateway) commands() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.cmds)
}

func (g *recordingGateway) count(cmd string) int {
	n := 0
	for _, c := range g.commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	s     *Scheduler
	gw    *recordingGateway
	clock *manualClock
	repo  *rundown.InMemoryRepository
}

func newHarness(t *testing.T, autoChain bool) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		gw:    &recordingGateway{},
		clock: newManualClock(),
		repo:  rundown.NewInMemoryRepository(),
	}
	h.s = New(h.gw, h.repo, Options{TickInterval: -1, AutoChain: autoChain, Clock: h.clock})

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) flush() {
	h.t.Helper()
	require.NoError(h.t, h.s.Flush(h.ctx))
}

func (h *harness) tick(n int) {
	h.t.Helper()
	for range n {
		require.NoError(h.t, h.s.Tick(h.ctx))
	}
	h.flush()
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.flush()
}

func (h *harness) layer(key LayerKey) (ActiveLayer, bool) {
	return h.s.Snapshot().Layer(key)
}

// pendingTimers reads the registry on the loop goroutine.
func (h *harness) pendingTimers() int {
	h.t.Helper()
	n, err := call(h.ctx, h.s, func() (int, error) { return h.s.timers.size(), nil })
	require.NoError(h.t, err)
	return n
}

func clip(id, target string, duration int) rundown.Item {
	return rundown.Item{ID: id, Target: target, Label: target, Kind: rundown.KindVideo, Channel: 1, Layer: 10, Duration: duration}
}
