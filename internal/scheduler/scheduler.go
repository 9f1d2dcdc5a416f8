// Package scheduler owns the active-layer state machine: what is on air at
// every channel-layer, its countdown, and the commands issued as it moves
// between idle, armed and finished.
//
// All state is owned by a single goroutine (Run). Intents, timer callbacks
// and the periodic tick are processed from one ordered queue, and the
// resulting gateway commands are handed to an asynchronous dispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"playout-engine/internal/platform/logger"
	"playout-engine/internal/platform/metrics"
	"playout-engine/internal/rundown"
)

const (
	DefaultTickInterval = time.Second
	DefaultChainDelay   = 200 * time.Millisecond
	DefaultGraceDelay   = 2 * time.Second
)

var (
	// ErrStopped is returned by intents when the scheduler loop is not running.
	ErrStopped = errors.New("scheduler stopped")

	// ErrNothingCued is returned by TakeCued and Next without a reference item.
	ErrNothingCued = errors.New("nothing cued")

	// ErrEndOfRundown is returned by Next when the reference item is last.
	ErrEndOfRundown = errors.New("end of rundown")
)

// Gateway is the subset of the playout client the scheduler drives.
type Gateway interface {
	LoadBackground(ctx context.Context, channel, layer int, clip string, loop bool) error
	Pause(ctx context.Context, channel, layer int) error
	ClearLayer(ctx context.Context, channel, layer int) error
	ClearChannel(ctx context.Context, channel int) error
	AddOverlay(ctx context.Context, channel, layer int, template string, data map[string]string) error
	StopOverlay(ctx context.Context, channel, layer int) error
}

// Rundowns resolves items for auto-chaining and Next.
type Rundowns interface {
	Item(id string) (rundown.Item, bool)
	Next(id string) (rundown.Item, bool)
}

// Options configures a Scheduler. Zero values select the defaults.
type Options struct {
	// TickInterval is the countdown period. A negative value disables the
	// internal ticker; Tick must then be called explicitly.
	TickInterval time.Duration
	ChainDelay   time.Duration
	GraceDelay   time.Duration
	AutoChain    bool
	QueueSize    int
	Clock        Clock
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Scheduler is the single owner of all active layers.
type Scheduler struct {
	gw       Gateway
	rundowns Rundowns
	log      *slog.Logger
	metrics  *metrics.Metrics
	clock    Clock

	tickInterval time.Duration
	chainDelay   time.Duration
	graceDelay   time.Duration

	events   chan func()
	stopped  chan struct{}
	stopOnce sync.Once
	dispatch *dispatcher

	// owned by the loop goroutine
	layers    map[LayerKey]*ActiveLayer
	timers    *timerRegistry
	cued      *rundown.Item
	autoChain bool
	ticks     uint64

	snap   atomic.Pointer[Snapshot]
	subsMu sync.Mutex
	subs   map[chan Snapshot]struct{}
}

// New constructs a scheduler. Call Run to start it.
func New(gw Gateway, rundowns Rundowns, opts Options) *Scheduler {
	if opts.TickInterval == 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.ChainDelay <= 0 {
		opts.ChainDelay = DefaultChainDelay
	}
	if opts.GraceDelay <= 0 {
		opts.GraceDelay = DefaultGraceDelay
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	log := logger.Component(opts.Logger, "scheduler")

	s := &Scheduler{
		gw:           gw,
		rundowns:     rundowns,
		log:          log,
		metrics:      opts.Metrics,
		clock:        opts.Clock,
		tickInterval: opts.TickInterval,
		chainDelay:   opts.ChainDelay,
		graceDelay:   opts.GraceDelay,
		events:       make(chan func(), 64),
		stopped:      make(chan struct{}),
		dispatch:     newDispatcher(opts.QueueSize, log, opts.Metrics),
		layers:       make(map[LayerKey]*ActiveLayer),
		autoChain:    opts.AutoChain,
		subs:         make(map[chan Snapshot]struct{}),
	}
	s.timers = newTimerRegistry(opts.Clock, s.post)
	s.snap.Store(&Snapshot{Layers: []ActiveLayer{}, AutoChain: opts.AutoChain})
	return s
}

// Run processes events until ctx is done. Pending timers are cancelled on
// exit and later intents fail with ErrStopped.
func (s *Scheduler) Run(ctx context.Context) error {
	dctx, cancel := context.WithCancel(ctx)
	go s.dispatch.run(dctx)
	defer func() {
		s.timers.cancelAll()
		s.stopOnce.Do(func() { close(s.stopped) })
		cancel()
		<-s.dispatch.done
		s.closeSubscribers()
	}()

	var tickC <-chan time.Time
	if s.tickInterval > 0 {
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	s.log.Info("scheduler started", slog.Duration("tick", s.tickInterval), slog.Bool("auto_chain", s.autoChain))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case fn := <-s.events:
			fn()
			s.publish()
		case <-tickC:
			s.tick()
			s.publish()
		}
	}
}

// post queues fn on the loop without waiting for it. Used by timers.
func (s *Scheduler) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.stopped:
	}
}

// do runs fn on the loop and waits for its result.
func (s *Scheduler) do(ctx context.Context, fn func() error) error {
	_, err := call(ctx, s, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// call runs fn on the loop and hands its results back over a channel.
func call[T any](ctx context.Context, s *Scheduler, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	resc := make(chan result, 1)
	select {
	case s.events <- func() {
		v, err := fn()
		resc <- result{v, err}
	}:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.stopped:
		return zero, ErrStopped
	}
	select {
	case r := <-resc:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-s.stopped:
		return zero, ErrStopped
	}
}

// Flush waits until every intent and timer callback queued so far has been
// processed and the gateway commands they produced have been issued.
func (s *Scheduler) Flush(ctx context.Context) error {
	if err := s.do(ctx, func() error { return nil }); err != nil {
		return err
	}
	return s.dispatch.barrier(ctx)
}

// Cue marks item as next to take and pre-rolls it when it is a clip.
func (s *Scheduler) Cue(ctx context.Context, item rundown.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	return s.do(ctx, func() error {
		s.metrics.IncIntent("cue")
		s.cue(item)
		return nil
	})
}

// Take puts item on air at its destination, replacing whatever was there.
func (s *Scheduler) Take(ctx context.Context, item rundown.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	return s.do(ctx, func() error {
		s.metrics.IncIntent("take")
		s.take(item)
		return nil
	})
}

// TakeCued takes the cued item. The item is re-read from the rundown so edits
// made since the cue apply.
func (s *Scheduler) TakeCued(ctx context.Context) (rundown.Item, error) {
	return call(ctx, s, func() (rundown.Item, error) {
		if s.cued == nil {
			return rundown.Item{}, ErrNothingCued
		}
		item := *s.cued
		if fresh, ok := s.rundowns.Item(item.ID); ok {
			item = fresh
		}
		s.metrics.IncIntent("take")
		s.take(item)
		return item, nil
	})
}

// Next cues the item following the cued item, or following the first
// clip on air when nothing is cued.
func (s *Scheduler) Next(ctx context.Context) (rundown.Item, error) {
	return call(ctx, s, func() (rundown.Item, error) {
		ref := s.referenceItemID()
		if ref == "" {
			return rundown.Item{}, ErrNothingCued
		}
		next, ok := s.rundowns.Next(ref)
		if !ok {
			s.log.Info("end of rundown reached", slog.String("item_id", ref))
			return rundown.Item{}, ErrEndOfRundown
		}
		s.metrics.IncIntent("next")
		s.cue(next)
		return next, nil
	})
}

// PlayFrom cues item and takes it after the chain delay.
func (s *Scheduler) PlayFrom(ctx context.Context, item rundown.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	return s.do(ctx, func() error {
		s.metrics.IncIntent("play_from")
		s.cue(item)
		s.timers.arm(keyOf(item), slotChain, s.chainDelay, func() {
			s.take(item)
		})
		return nil
	})
}

// FireOverlay plays a graphic at its destination. defaultChannel applies when
// the overlay does not name one; itemID may be empty for a standalone preset.
func (s *Scheduler) FireOverlay(ctx context.Context, ov rundown.Overlay, defaultChannel int, itemID string) (LayerKey, error) {
	if err := ov.Validate(); err != nil {
		return LayerKey{}, err
	}
	key := LayerKey{Channel: ov.Channel, Layer: ov.Layer}
	if key.Channel == 0 {
		key.Channel = defaultChannel
	}
	if key.Channel < 1 {
		return LayerKey{}, fmt.Errorf("%w: overlay %q has no channel", rundown.ErrInvalidItem, ov.ID)
	}
	err := s.do(ctx, func() error {
		s.metrics.IncIntent("overlay_fire")
		s.fireOverlay(ov, key, itemID)
		return nil
	})
	return key, err
}

// StopOverlay plays the out-animation of the graphic at key and removes the
// record after the grace delay.
func (s *Scheduler) StopOverlay(ctx context.Context, key LayerKey) error {
	return s.do(ctx, func() error {
		s.metrics.IncIntent("overlay_stop")
		s.timers.cancelSlot(key, slotEnd)
		s.stopOverlay(key)
		return nil
	})
}

// Stop clears the layer at key immediately.
func (s *Scheduler) Stop(ctx context.Context, key LayerKey) error {
	return s.do(ctx, func() error {
		s.metrics.IncIntent("stop")
		s.stop(key)
		return nil
	})
}

// Panic clears a whole channel and forgets every layer on it.
func (s *Scheduler) Panic(ctx context.Context, channel int) error {
	if channel < 1 {
		return fmt.Errorf("%w: channel %d", ErrInvalidKey, channel)
	}
	return s.do(ctx, func() error {
		s.metrics.IncIntent("panic")
		s.panicChannel(channel)
		return nil
	})
}

// SetAutoChain toggles automatic takes of the next item.
func (s *Scheduler) SetAutoChain(ctx context.Context, on bool) error {
	return s.do(ctx, func() error {
		s.autoChain = on
		s.log.Info("auto chain changed", slog.Bool("enabled", on))
		return nil
	})
}

// Tick runs one countdown step. Run calls it on its own ticker; with a
// negative TickInterval callers drive it.
func (s *Scheduler) Tick(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.tick()
		return nil
	})
}

// Snapshot returns the state as of the last processed event.
func (s *Scheduler) Snapshot() Snapshot {
	return *s.snap.Load()
}

// Subscribe returns a channel receiving the latest snapshot after every
// processed event and tick. Slow readers only see the newest one. The
// channel is closed when ctx is done or the scheduler stops.
func (s *Scheduler) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	ch <- s.Snapshot()

	s.subsMu.Lock()
	select {
	case <-s.stopped:
		s.subsMu.Unlock()
		close(ch)
		return ch
	default:
	}
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopped:
		}
		s.subsMu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.subsMu.Unlock()
	}()
	return ch
}

func (s *Scheduler) closeSubscribers() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}

func (s *Scheduler) publish() {
	snap := &Snapshot{
		Layers:    make([]ActiveLayer, 0, len(s.layers)),
		AutoChain: s.autoChain,
		Ticks:     s.ticks,
	}
	for _, key := range s.sortedKeys() {
		snap.Layers = append(snap.Layers, *s.layers[key])
	}
	if s.cued != nil {
		snap.CuedItemID = s.cued.ID
	}
	s.snap.Store(snap)
	s.metrics.SetActiveLayers(len(snap.Layers))

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- *snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- *snap:
			default:
			}
		}
	}
}

func (s *Scheduler) sortedKeys() []LayerKey {
	keys := make([]LayerKey, 0, len(s.layers))
	for k := range s.layers {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b LayerKey) int {
		switch {
		case a.less(b):
			return -1
		case b.less(a):
			return 1
		}
		return 0
	})
	return keys
}

func (s *Scheduler) referenceItemID() string {
	if s.cued != nil {
		return s.cued.ID
	}
	for _, key := range s.sortedKeys() {
		l := s.layers[key]
		if (l.Kind == SourceVideo || l.Kind == SourceTemplateClip) && l.ItemID != "" {
			return l.ItemID
		}
	}
	return ""
}

// State transitions below run on the loop goroutine only.

func (s *Scheduler) cue(item rundown.Item) {
	cued := item.Clone()
	s.cued = &cued
	s.log.Info("cue", slog.String("item_id", item.ID), slog.String("label", item.Label), slog.Int("channel", item.Channel))
	if item.Kind != rundown.KindTemplateClip {
		s.loadBackground(item)
	}
}

func (s *Scheduler) take(item rundown.Item) {
	key := keyOf(item)
	s.timers.cancelKey(key)
	s.cued = nil

	kind := SourceVideo
	if item.Kind == rundown.KindTemplateClip {
		kind = SourceTemplateClip
	}
	s.layers[key] = &ActiveLayer{
		Key:       key,
		Kind:      kind,
		ItemID:    item.ID,
		Target:    item.Target,
		Label:     item.Label,
		Remaining: max(item.Duration, 0),
		Duration:  item.Duration,
		Loop:      item.Loop,
		AutoNext:  item.AutoNext,
		StartedAt: s.clock.Now(),
	}
	s.log.Info("take", slog.String("layer", key.String()), slog.String("item_id", item.ID), slog.String("label", item.Label))

	if kind == SourceTemplateClip {
		data := item.Data
		s.dispatch.enqueue("cg_add", func(ctx context.Context) error {
			return s.gw.AddOverlay(ctx, key.Channel, key.Layer, item.Target, data)
		})
		return
	}

	s.loadBackground(item)
	for i, ov := range item.Overlays {
		if ov.Delay < 0 {
			continue
		}
		target := LayerKey{Channel: ov.Channel, Layer: ov.Layer}
		if target.Channel == 0 {
			target.Channel = item.Channel
		}
		itemID := item.ID
		// Keyed by the overlay's own layer and linked to the clip: clearing
		// either one, or panicking either channel, drops the pending fire.
		s.timers.arm(target, delaySlot(key, i), time.Duration(ov.Delay)*time.Second, func() {
			s.metrics.IncIntent("overlay_fire")
			s.fireOverlay(ov, target, itemID)
		}, key)
	}
}

func (s *Scheduler) loadBackground(item rundown.Item) {
	s.dispatch.enqueue("loadbg", func(ctx context.Context) error {
		return s.gw.LoadBackground(ctx, item.Channel, item.Layer, item.Target, item.Loop)
	})
}

func (s *Scheduler) fireOverlay(ov rundown.Overlay, key LayerKey, itemID string) {
	s.timers.cancelRecord(key)

	remaining := 0
	if ov.Mode == rundown.EndTimer || ov.Mode == rundown.EndAutoFinish {
		remaining = ov.Duration
	}
	s.layers[key] = &ActiveLayer{
		Key:       key,
		Kind:      SourceGFX,
		ItemID:    itemID,
		Target:    ov.Template,
		Label:     "GFX: " + ov.Template,
		Remaining: remaining,
		Duration:  ov.Duration,
		Loop:      ov.Loop,
		Mode:      ov.Mode,
		StartedAt: s.clock.Now(),
	}
	s.log.Info("overlay fire", slog.String("layer", key.String()), slog.String("template", ov.Template), slog.String("mode", string(ov.Mode)))

	data := ov.Data
	s.dispatch.enqueue("cg_add", func(ctx context.Context) error {
		return s.gw.AddOverlay(ctx, key.Channel, key.Layer, ov.Template, data)
	})

	if ov.Duration <= 0 || ov.Loop || ov.Mode == rundown.EndManual {
		return
	}
	mode := ov.Mode
	s.timers.arm(key, slotEnd, time.Duration(ov.Duration)*time.Second, func() {
		switch mode {
		case rundown.EndAutoFinish:
			s.log.Info("overlay out", slog.String("layer", key.String()))
			s.stopOverlay(key)
		case rundown.EndTimer:
			s.stop(key)
		}
	})
}

// stopOverlay issues the out-animation and removes the record after the
// grace delay.
func (s *Scheduler) stopOverlay(key LayerKey) {
	s.dispatch.enqueue("cg_stop", func(ctx context.Context) error {
		return s.gw.StopOverlay(ctx, key.Channel, key.Layer)
	})
	if _, ok := s.layers[key]; !ok {
		return
	}
	s.timers.arm(key, slotGrace, s.graceDelay, func() {
		delete(s.layers, key)
	})
}

func (s *Scheduler) stop(key LayerKey) {
	s.timers.cancelKey(key)
	delete(s.layers, key)
	s.log.Info("stop", slog.String("layer", key.String()))
	s.dispatch.enqueue("clear", func(ctx context.Context) error {
		return s.gw.ClearLayer(ctx, key.Channel, key.Layer)
	})
}

func (s *Scheduler) panicChannel(channel int) {
	s.log.Warn("panic", slog.Int("channel", channel))
	s.dispatch.enqueue("clear_channel", func(ctx context.Context) error {
		return s.gw.ClearChannel(ctx, channel)
	})
	s.timers.cancelChannel(channel)
	for key := range s.layers {
		if key.Channel == channel {
			delete(s.layers, key)
		}
	}
}

func (s *Scheduler) tick() {
	s.ticks++
	for _, key := range s.sortedKeys() {
		l := s.layers[key]
		if l.infinite() {
			continue
		}
		if l.Remaining > 0 {
			l.Remaining--
			if l.Remaining > 0 {
				continue
			}
		}
		if l.Finished || (l.Kind != SourceVideo && l.Kind != SourceTemplateClip) {
			continue
		}
		s.finish(key, l)
	}
}

// finish fires the end-of-countdown side effect exactly once.
func (s *Scheduler) finish(key LayerKey, l *ActiveLayer) {
	l.Finished = true
	switch l.Kind {
	case SourceVideo:
		s.log.Info("countdown finished, pausing", slog.String("layer", key.String()))
		s.dispatch.enqueue("pause", func(ctx context.Context) error {
			return s.gw.Pause(ctx, key.Channel, key.Layer)
		})
	case SourceTemplateClip:
		s.log.Info("countdown finished, stopping template", slog.String("layer", key.String()))
		s.stopOverlay(key)
	}

	if !s.autoChain || !l.AutoNext || l.ItemID == "" {
		return
	}
	next, ok := s.rundowns.Next(l.ItemID)
	if !ok {
		s.log.Info("auto chain reached end of rundown", slog.String("item_id", l.ItemID))
		return
	}
	s.timers.arm(key, slotChain, s.chainDelay, func() {
		item, ok := s.rundowns.Item(next.ID)
		if !ok {
			s.log.Warn("auto chain target removed", slog.String("item_id", next.ID))
			return
		}
		s.log.Info("auto chain take", slog.String("item_id", item.ID), slog.String("label", item.Label))
		s.metrics.IncIntent("auto_chain")
		s.take(item)
	}, keyOf(next))
}
