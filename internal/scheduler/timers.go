package scheduler

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	slotEnd   = "end"
	slotGrace = "grace"
	slotChain = "chain"
)

const delayPrefix = "delay:"

// delaySlot names the pending fire of the idx-th overlay owned by the clip at
// owner. Several clips may target the same overlay layer, so the owner is
// part of the slot.
func delaySlot(owner LayerKey, idx int) string {
	return fmt.Sprintf("%s%s#%d", delayPrefix, owner, idx)
}

type timerID struct {
	key  LayerKey
	slot string
}

type timerEntry struct {
	gen   uint64
	timer Timer
	links []LayerKey
}

// timerRegistry tracks pending one-shot timers by layer key and slot. It is
// owned by the scheduler loop and must only be touched from it.
//
// Every armed timer carries a generation. A fired timer only runs its
// callback if its entry is still present with the same generation, so a
// timer whose Stop lost the race against expiry is still a no-op.
type timerRegistry struct {
	clock   Clock
	post    func(func())
	gen     uint64
	entries map[timerID]timerEntry
}

func newTimerRegistry(clock Clock, post func(func())) *timerRegistry {
	return &timerRegistry{
		clock:   clock,
		post:    post,
		entries: make(map[timerID]timerEntry),
	}
}

// arm schedules fn on the loop after d, replacing any timer in the same slot.
// Clearing any of the linked keys cancels the timer as well as clearing key.
func (r *timerRegistry) arm(key LayerKey, slot string, d time.Duration, fn func(), links ...LayerKey) {
	id := timerID{key: key, slot: slot}
	r.cancel(id)

	r.gen++
	gen := r.gen
	t := r.clock.AfterFunc(d, func() {
		r.post(func() {
			e, ok := r.entries[id]
			if !ok || e.gen != gen {
				return
			}
			delete(r.entries, id)
			fn()
		})
	})
	r.entries[id] = timerEntry{gen: gen, timer: t, links: links}
}

func (r *timerRegistry) cancel(id timerID) {
	if e, ok := r.entries[id]; ok {
		e.timer.Stop()
		delete(r.entries, id)
	}
}

func (r *timerRegistry) cancelSlot(key LayerKey, slot string) {
	r.cancel(timerID{key: key, slot: slot})
}

// cancelKey evicts every timer at key or linked to it.
func (r *timerRegistry) cancelKey(key LayerKey) {
	r.cancelWhere(func(k LayerKey) bool { return k == key })
}

// cancelChannel evicts every timer at or linked to a key on channel.
func (r *timerRegistry) cancelChannel(channel int) {
	r.cancelWhere(func(k LayerKey) bool { return k.Channel == channel })
}

// cancelRecord evicts the timers that belong to the record at key: its end,
// grace and chain timers. Pending delayed fires targeting key survive.
func (r *timerRegistry) cancelRecord(key LayerKey) {
	for id := range r.entries {
		if id.key == key && !strings.HasPrefix(id.slot, delayPrefix) {
			r.cancel(id)
		}
	}
}

func (r *timerRegistry) cancelWhere(match func(LayerKey) bool) {
	for id, e := range r.entries {
		if match(id.key) || slices.ContainsFunc(e.links, match) {
			r.cancel(id)
		}
	}
}

func (r *timerRegistry) cancelAll() {
	for id := range r.entries {
		r.cancel(id)
	}
}

func (r *timerRegistry) pending(key LayerKey) []string {
	var slots []string
	for id := range r.entries {
		if id.key == key {
			slots = append(slots, id.slot)
		}
	}
	return slots
}

func (r *timerRegistry) size() int { return len(r.entries) }
