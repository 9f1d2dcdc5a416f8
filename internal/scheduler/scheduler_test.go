package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playout-engine/internal/rundown"
)

var mainKey = LayerKey{Channel: 1, Layer: 10}

func TestTake_videoPausesExactlyOnce(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.s.Take(h.ctx, clip("a", "CLIP_A", 3)))
	h.flush()
	assert.Equal(t, []string{"LOADBG 1-10 CLIP_A"}, h.gw.commands())

	l, ok := h.layer(mainKey)
	require.True(t, ok)
	assert.Equal(t, 3, l.Remaining)
	assert.Equal(t, SourceVideo, l.Kind)
	assert.False(t, l.Finished)

	h.tick(2)
	assert.Zero(t, h.gw.count("PAUSE 1-10"))

	h.tick(1)
	assert.Equal(t, 1, h.gw.count("PAUSE 1-10"))

	h.tick(5)
	assert.Equal(t, 1, h.gw.count("PAUSE 1-10"), "pause must not repeat on later ticks")

	l, ok = h.layer(mainKey)
	require.True(t, ok, "a paused clip holds its last frame on air")
	assert.True(t, l.Finished)
	assert.Zero(t, l.Remaining)
}

func TestTake_zeroDurationFinishesOnNextTick(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.s.Take(h.ctx, clip("a", "A", 0)))
	h.flush()
	l, _ := h.layer(mainKey)
	assert.False(t, l.Finished)

	h.tick(1)
	assert.Equal(t, 1, h.gw.count("PAUSE 1-10"))
}

func TestTake_loopNeverCountsDown(t *testing.T) {
	h := newHarness(t, true)
	it := clip("a", "A", 2)
	it.Loop = true
	require.NoError(t, h.s.Take(h.ctx, it))
	h.tick(10)

	assert.Equal(t, []string{"LOADBG 1-10 A LOOP"}, h.gw.commands())
	l, _ := h.layer(mainKey)
	assert.Equal(t, 2, l.Remaining)
}

func TestTake_invalidItem(t *testing.T) {
	h := newHarness(t, false)
	err := h.s.Take(h.ctx, rundown.Item{Target: "A", Kind: rundown.KindVideo, Channel: 0})
	assert.ErrorIs(t, err, rundown.ErrInvalidItem)
}

func TestAutoChain_commandSequence(t *testing.T) {
	h := newHarness(t, true)
	a := clip("a", "A", 5)
	a.AutoNext = true
	b := clip("b", "B", 5)
	_, err := h.repo.Create(rundown.Rundown{ID: "r", Items: []rundown.Item{a, b}})
	require.NoError(t, err)

	require.NoError(t, h.s.Take(h.ctx, a))
	h.tick(4)
	assert.Equal(t, []string{"LOADBG 1-10 A"}, h.gw.commands())

	h.tick(1)
	assert.Equal(t, []string{"LOADBG 1-10 A", "PAUSE 1-10"}, h.gw.commands())

	h.advance(DefaultChainDelay - time.Millisecond)
	assert.Len(t, h.gw.commands(), 2, "next take waits for the settle delay")

	h.advance(time.Millisecond)
	assert.Equal(t, []string{"LOADBG 1-10 A", "PAUSE 1-10", "LOADBG 1-10 B"}, h.gw.commands())

	l, ok := h.layer(mainKey)
	require.True(t, ok)
	assert.Equal(t, "b", l.ItemID)
	assert.Equal(t, 5, l.Remaining)
	assert.False(t, l.Finished)
}

func TestAutoChain_respectsGlobalFlag(t *testing.T) {
	h := newHarness(t, false)
	a := clip("a", "A", 1)
	a.AutoNext = true
	_, err := h.repo.Create(rundown.Rundown{ID: "r", Items: []rundown.Item{a, clip("b", "B", 1)}})
	require.NoError(t, err)

	require.NoError(t, h.s.Take(h.ctx, a))
	h.tick(1)
	h.advance(time.Second)
	assert.Equal(t, []string{"LOADBG 1-10 A", "PAUSE 1-10"}, h.gw.commands())

	require.NoError(t, h.s.SetAutoChain(h.ctx, true))
	assert.True(t, h.s.Snapshot().AutoChain)
	require.NoError(t, h.s.Take(h.ctx, a))
	h.tick(1)
	h.advance(time.Second)
	assert.Equal(t, "LOADBG 1-10 B", h.gw.commands()[len(h.gw.commands())-1])
}

func TestAutoChain_stopCancelsPendingTake(t *testing.T) {
	h := newHarness(t, true)
	a := clip("a", "A", 1)
	a.AutoNext = true
	_, err := h.repo.Create(rundown.Rundown{ID: "r", Items: []rundown.Item{a, clip("b", "B", 1)}})
	require.NoError(t, err)

	require.NoError(t, h.s.Take(h.ctx, a))
	h.tick(1)
	require.NoError(t, h.s.Stop(h.ctx, mainKey))
	h.advance(time.Second)

	assert.Equal(t, []string{"LOADBG 1-10 A", "PAUSE 1-10", "CLEAR 1-10"}, h.gw.commands())
	_, ok := h.layer(mainKey)
	assert.False(t, ok)
}

func TestTake_replacementCancelsPriorTimers(t *testing.T) {
	h := newHarness(t, false)
	a := clip("a", "A", 30)
	a.Overlays = []rundown.Overlay{{ID: "lt", Template: "LOWER", Layer: 20, Delay: 5, Mode: rundown.EndManual}}
	require.NoError(t, h.s.Take(h.ctx, a))
	h.flush()
	assert.Equal(t, 1, h.pendingTimers())

	h.advance(2 * time.Second)
	require.NoError(t, h.s.Take(h.ctx, clip("b", "B", 30)))
	h.flush()
	assert.Zero(t, h.pendingTimers())

	h.advance(10 * time.Second)
	assert.Equal(t, []string{"LOADBG 1-10 A", "LOADBG 1-10 B"}, h.gw.commands())
	l, _ := h.layer(mainKey)
	assert.Equal(t, "b", l.ItemID)
}

func TestTake_firesOwnedOverlaysAfterDelay(t *testing.T) {
	h := newHarness(t, false)
	a := clip("a", "A", 30)
	a.Overlays = []rundown.Overlay{
		{ID: "o1", Template: "LOWER", Layer: 20, Delay: 1, Mode: rundown.EndManual},
		{ID: "o2", Template: "BUG", Channel: 2, Layer: 21, Delay: 3, Mode: rundown.EndManual},
	}
	require.NoError(t, h.s.Take(h.ctx, a))

	h.advance(time.Second)
	assert.Equal(t, []string{"LOADBG 1-10 A", "CG 1-20 ADD LOWER"}, h.gw.commands())

	h.advance(2 * time.Second)
	assert.Equal(t, "CG 2-21 ADD BUG", h.gw.commands()[2], "overlay channel overrides the item's")

	gfx, ok := h.layer(LayerKey{Channel: 2, Layer: 21})
	require.True(t, ok)
	assert.Equal(t, SourceGFX, gfx.Kind)
	assert.Equal(t, "a", gfx.ItemID)
}

func TestOverlay_autoFinish(t *testing.T) {
	h := newHarness(t, false)
	key, err := h.s.FireOverlay(h.ctx, rundown.Overlay{
		ID: "o", Template: "LOWER", Layer: 20, Mode: rundown.EndAutoFinish, Duration: 3,
	}, 1, "")
	require.NoError(t, err)
	h.flush()
	assert.Equal(t, LayerKey{Channel: 1, Layer: 20}, key)
	assert.Equal(t, []string{"CG 1-20 ADD LOWER"}, h.gw.commands())

	l, ok := h.layer(key)
	require.True(t, ok)
	assert.Equal(t, 3, l.Remaining)

	h.advance(3 * time.Second)
	assert.Equal(t, []string{"CG 1-20 ADD LOWER", "CG 1-20 STOP"}, h.gw.commands())
	_, ok = h.layer(key)
	assert.True(t, ok, "record stays during the out-animation")

	h.advance(2*time.Second - time.Millisecond)
	_, ok = h.layer(key)
	assert.True(t, ok)

	h.advance(time.Millisecond)
	_, ok = h.layer(key)
	assert.False(t, ok)
}

func TestOverlay_timerUsesStopPath(t *testing.T) {
	h := newHarness(t, false)
	key, err := h.s.FireOverlay(h.ctx, rundown.Overlay{
		Template: "CLOCK", Channel: 2, Layer: 30, Mode: rundown.EndTimer, Duration: 2,
	}, 1, "")
	require.NoError(t, err)

	h.advance(2 * time.Second)
	assert.Equal(t, []string{"CG 2-30 ADD CLOCK", "CLEAR 2-30"}, h.gw.commands())
	_, ok := h.layer(key)
	assert.False(t, ok)
}

func TestOverlay_manualStaysUntilStopped(t *testing.T) {
	h := newHarness(t, false)
	key, err := h.s.FireOverlay(h.ctx, rundown.Overlay{Template: "BUG", Layer: 20, Mode: rundown.EndManual}, 1, "")
	require.NoError(t, err)
	h.tick(10)
	h.advance(time.Minute)

	l, ok := h.layer(key)
	require.True(t, ok)
	assert.Zero(t, l.Remaining)

	require.NoError(t, h.s.StopOverlay(h.ctx, key))
	h.flush()
	assert.Equal(t, []string{"CG 1-20 ADD BUG", "CG 1-20 STOP"}, h.gw.commands())
	h.advance(DefaultGraceDelay)
	_, ok = h.layer(key)
	assert.False(t, ok)
}

func TestOverlay_loopIgnoresDuration(t *testing.T) {
	h := newHarness(t, false)
	key, err := h.s.FireOverlay(h.ctx, rundown.Overlay{
		Template: "TICKER", Layer: 20, Mode: rundown.EndTimer, Duration: 2, Loop: true,
	}, 1, "")
	require.NoError(t, err)
	h.advance(time.Minute)

	_, ok := h.layer(key)
	assert.True(t, ok)
	assert.Equal(t, []string{"CG 1-20 ADD TICKER"}, h.gw.commands())
}

func TestOverlay_needsChannel(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.s.FireOverlay(h.ctx, rundown.Overlay{Template: "X", Layer: 20, Mode: rundown.EndManual}, 0, "")
	assert.ErrorIs(t, err, rundown.ErrInvalidItem)
}

func TestStop_cancelsPendingTimers(t *testing.T) {
	h := newHarness(t, false)
	key, err := h.s.FireOverlay(h.ctx, rundown.Overlay{Template: "L", Layer: 20, Mode: rundown.EndAutoFinish, Duration: 3}, 1, "")
	require.NoError(t, err)

	require.NoError(t, h.s.Stop(h.ctx, key))
	h.advance(10 * time.Second)

	assert.Equal(t, []string{"CG 1-20 ADD L", "CLEAR 1-20"}, h.gw.commands())
	assert.Zero(t, h.pendingTimers())
}

func TestTemplateClip_finishStopsThenRemoves(t *testing.T) {
	h := newHarness(t, false)
	it := rundown.Item{ID: "t", Target: "SCORE", Kind: rundown.KindTemplateClip, Channel: 1, Layer: 40, Duration: 1,
		Data: map[string]string{"f0": "1-0"}}
	require.NoError(t, h.s.Take(h.ctx, it))
	h.tick(1)
	assert.Equal(t, []string{"CG 1-40 ADD SCORE", "CG 1-40 STOP"}, h.gw.commands())

	key := LayerKey{Channel: 1, Layer: 40}
	l, ok := h.layer(key)
	require.True(t, ok)
	assert.True(t, l.Finished)

	h.tick(3)
	assert.Equal(t, 1, h.gw.count("CG 1-40 STOP"))

	h.advance(DefaultGraceDelay)
	_, ok = h.layer(key)
	assert.False(t, ok)
}

func TestPanic_clearsOnlyThatChannel(t *testing.T) {
	h := newHarness(t, false)
	a := clip("a", "A", 10)
	a.Overlays = []rundown.Overlay{{ID: "o", Template: "L", Layer: 20, Delay: 4, Mode: rundown.EndManual}}
	require.NoError(t, h.s.Take(h.ctx, a))
	_, err := h.s.FireOverlay(h.ctx, rundown.Overlay{Template: "BUG", Layer: 30, Mode: rundown.EndAutoFinish, Duration: 5}, 1, "")
	require.NoError(t, err)
	b := clip("b", "B", 10)
	b.Channel = 2
	b.Loop = true
	require.NoError(t, h.s.Take(h.ctx, b))
	h.flush()
	require.Len(t, h.s.Snapshot().Layers, 3)

	require.NoError(t, h.s.Panic(h.ctx, 1))
	h.flush()

	snap := h.s.Snapshot()
	require.Len(t, snap.Layers, 1)
	assert.Equal(t, LayerKey{Channel: 2, Layer: 10}, snap.Layers[0].Key)
	assert.Zero(t, h.pendingTimers())

	before := len(h.gw.commands())
	assert.Equal(t, "CLEAR 1", h.gw.commands()[before-1])
	h.advance(time.Minute)
	assert.Len(t, h.gw.commands(), before, "no timer of the cleared channel may fire")

	assert.ErrorIs(t, h.s.Panic(h.ctx, 0), ErrInvalidKey)
}

func TestTake_everyOwnedOverlayFires(t *testing.T) {
	h := newHarness(t, false)
	a := clip("a", "A", 30)
	a.Overlays = []rundown.Overlay{
		{Template: "LOWER", Layer: 20, Delay: 1, Mode: rundown.EndManual},
		{Template: "BUG", Layer: 21, Delay: 2, Mode: rundown.EndManual},
	}
	require.NoError(t, h.s.Take(h.ctx, a))
	h.advance(3 * time.Second)
	assert.Equal(t, []string{"LOADBG 1-10 A", "CG 1-20 ADD LOWER", "CG 1-21 ADD BUG"}, h.gw.commands())

	dup := clip("d", "D", 30)
	dup.Overlays = []rundown.Overlay{
		{ID: "x", Template: "LOWER", Layer: 20, Delay: 1, Mode: rundown.EndManual},
		{ID: "x", Template: "BUG", Layer: 21, Delay: 2, Mode: rundown.EndManual},
	}
	assert.ErrorIs(t, h.s.Take(h.ctx, dup), rundown.ErrInvalidItem)
}

func TestTake_delayedOverlayCancelledByPanicOnItsChannel(t *testing.T) {
	h := newHarness(t, false)
	a := clip("a", "A", 30)
	a.Overlays = []rundown.Overlay{{ID: "bug", Template: "BUG", Channel: 2, Layer: 21, Delay: 4, Mode: rundown.EndManual}}
	require.NoError(t, h.s.Take(h.ctx, a))

	require.NoError(t, h.s.Panic(h.ctx, 2))
	h.advance(5 * time.Second)

	assert.Equal(t, []string{"LOADBG 1-10 A", "CLEAR 2"}, h.gw.commands())
	_, ok := h.layer(LayerKey{Channel: 2, Layer: 21})
	assert.False(t, ok)
	_, ok = h.layer(mainKey)
	assert.True(t, ok, "the clip on channel 1 stays on air")
}

func TestTake_delayedOverlayCancelledByStopOnItsLayer(t *testing.T) {
	h := newHarness(t, false)
	a := clip("a", "A", 30)
	a.Overlays = []rundown.Overlay{
		{ID: "bug", Template: "BUG", Channel: 2, Layer: 21, Delay: 4, Mode: rundown.EndManual},
		{ID: "lt", Template: "LOWER", Layer: 20, Delay: 4, Mode: rundown.EndManual},
	}
	require.NoError(t, h.s.Take(h.ctx, a))

	require.NoError(t, h.s.Stop(h.ctx, LayerKey{Channel: 2, Layer: 21}))
	h.advance(5 * time.Second)

	assert.Equal(t, []string{"LOADBG 1-10 A", "CLEAR 2-21", "CG 1-20 ADD LOWER"}, h.gw.commands())
}

func TestTake_delayedOverlayCancelledByPanicOnClipChannel(t *testing.T) {
	h := newHarness(t, false)
	a := clip("a", "A", 30)
	a.Overlays = []rundown.Overlay{{ID: "bug", Template: "BUG", Channel: 2, Layer: 21, Delay: 4, Mode: rundown.EndManual}}
	require.NoError(t, h.s.Take(h.ctx, a))

	require.NoError(t, h.s.Panic(h.ctx, 1))
	h.advance(5 * time.Second)

	assert.Equal(t, []string{"LOADBG 1-10 A", "CLEAR 1"}, h.gw.commands())
	assert.Zero(t, h.pendingTimers())
}

func TestTake_manualFireKeepsPendingDelayedOverlay(t *testing.T) {
	h := newHarness(t, false)
	a := clip("a", "A", 30)
	a.Overlays = []rundown.Overlay{{ID: "lt", Template: "LOWER", Layer: 20, Delay: 4, Mode: rundown.EndManual}}
	require.NoError(t, h.s.Take(h.ctx, a))
	_, err := h.s.FireOverlay(h.ctx, rundown.Overlay{Template: "NAME", Layer: 20, Mode: rundown.EndManual}, 1, "")
	require.NoError(t, err)

	h.advance(4 * time.Second)
	assert.Equal(t, []string{"LOADBG 1-10 A", "CG 1-20 ADD NAME", "CG 1-20 ADD LOWER"}, h.gw.commands())
}

func TestAutoChain_panicOnNextChannelCancelsTake(t *testing.T) {
	h := newHarness(t, true)
	a := clip("a", "A", 1)
	a.AutoNext = true
	b := clip("b", "B", 5)
	b.Channel = 2
	_, err := h.repo.Create(rundown.Rundown{ID: "r", Name: "r", Items: []rundown.Item{a, b}})
	require.NoError(t, err)

	require.NoError(t, h.s.Take(h.ctx, a))
	h.tick(1)
	require.Equal(t, []string{"LOADBG 1-10 A", "PAUSE 1-10"}, h.gw.commands())

	require.NoError(t, h.s.Panic(h.ctx, 2))
	h.advance(DefaultChainDelay)

	assert.Equal(t, []string{"LOADBG 1-10 A", "PAUSE 1-10", "CLEAR 2"}, h.gw.commands())
	_, ok := h.layer(LayerKey{Channel: 2, Layer: 10})
	assert.False(t, ok)
}

func TestCueTakeCuedAndNext(t *testing.T) {
	h := newHarness(t, false)
	a, b := clip("a", "A", 5), clip("b", "B", 5)
	tpl := rundown.Item{ID: "c", Target: "TITLE", Kind: rundown.KindTemplateClip, Channel: 1, Layer: 40}
	_, err := h.repo.Create(rundown.Rundown{ID: "r", Items: []rundown.Item{a, b, tpl}})
	require.NoError(t, err)

	_, err = h.s.TakeCued(h.ctx)
	assert.ErrorIs(t, err, ErrNothingCued)
	_, err = h.s.Next(h.ctx)
	assert.ErrorIs(t, err, ErrNothingCued)

	require.NoError(t, h.s.Cue(h.ctx, a))
	assert.Equal(t, "a", h.s.Snapshot().CuedItemID)
	_, ok := h.layer(mainKey)
	assert.False(t, ok, "cue never creates an active layer")

	taken, err := h.s.TakeCued(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", taken.ID)
	assert.Empty(t, h.s.Snapshot().CuedItemID)

	next, err := h.s.Next(h.ctx)
	require.NoError(t, err, "with nothing cued the clip on air is the reference")
	assert.Equal(t, "b", next.ID)

	next, err = h.s.Next(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", next.ID)

	_, err = h.s.Next(h.ctx)
	assert.ErrorIs(t, err, ErrEndOfRundown)

	h.flush()
	assert.Equal(t, []string{
		"LOADBG 1-10 A", // cue pre-roll
		"LOADBG 1-10 A", // take
		"LOADBG 1-10 B", // cue of b; the template clip cue sends nothing
	}, h.gw.commands())
}

func TestPlayFrom_cuesThenTakes(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.s.PlayFrom(h.ctx, clip("a", "A", 5)))
	h.flush()
	_, ok := h.layer(mainKey)
	assert.False(t, ok)

	h.advance(DefaultChainDelay)
	assert.Equal(t, []string{"LOADBG 1-10 A", "LOADBG 1-10 A"}, h.gw.commands())
	_, ok = h.layer(mainKey)
	assert.True(t, ok)
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(h.ctx)
	sub := h.s.Subscribe(ctx)

	first := <-sub
	assert.Empty(t, first.Layers)

	require.NoError(t, h.s.Take(h.ctx, clip("a", "A", 5)))
	h.tick(1)

	require.Eventually(t, func() bool {
		select {
		case snap := <-sub:
			return snap.Ticks == 1 && len(snap.Layers) == 1 && snap.Layers[0].Remaining == 4
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		for {
			select {
			case _, open := <-sub:
				if !open {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, time.Millisecond)
}

func TestStoppedScheduler(t *testing.T) {
	s := New(&recordingGateway{}, rundown.NewInMemoryRepository(), Options{TickInterval: -1, Clock: newManualClock()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.NoError(t, s.Flush(context.Background()))
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.ErrorIs(t, s.Take(context.Background(), clip("a", "A", 1)), ErrStopped)
	_, open := <-s.Subscribe(context.Background())
	assert.True(t, open, "the current snapshot is still delivered")
}

func TestRun_realTicker(t *testing.T) {
	gw := &recordingGateway{}
	s := New(gw, rundown.NewInMemoryRepository(), Options{TickInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, s.Take(ctx, clip("a", "A", 2)))
	require.Eventually(t, func() bool { return gw.count("PAUSE 1-10") == 1 }, time.Second, 5*time.Millisecond)
}
