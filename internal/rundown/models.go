package rundown

import (
	"errors"
	"fmt"
	"maps"
	"strings"
)

// ItemKind says how an item is put on air.
type ItemKind string

const (
	KindVideo        ItemKind = "VIDEO"
	KindTemplateClip ItemKind = "TEMPLATE_CLIP"
)

// EndMode says how a graphic overlay leaves air.
type EndMode string

const (
	EndManual     EndMode = "MANUAL"
	EndTimer      EndMode = "TIMER"
	EndAutoFinish EndMode = "AUTO_FINISH"
)

// ErrInvalidItem wraps every validation failure.
var ErrInvalidItem = errors.New("invalid rundown item")

// Overlay is a graphic cue owned by an item (or fired on its own from a
// preset). It describes intended behaviour only; runtime state lives in the
// scheduler.
type Overlay struct {
	ID       string            `json:"id" yaml:"id"`
	Template string            `json:"template" yaml:"template"`
	Channel  int               `json:"channel,omitempty" yaml:"channel,omitempty"` // 0 means the owning item's channel
	Layer    int               `json:"layer" yaml:"layer"`
	Delay    int               `json:"delay" yaml:"delay"`
	Mode     EndMode           `json:"mode" yaml:"mode"`
	Duration int               `json:"duration" yaml:"duration"`
	Loop     bool              `json:"loop" yaml:"loop"`
	Data     map[string]string `json:"data,omitempty" yaml:"data,omitempty"`
}

// Item is one rundown entry: a clip or a template clip on a destination
// channel-layer.
type Item struct {
	ID       string            `json:"id" yaml:"id"`
	Target   string            `json:"target" yaml:"target"`
	Label    string            `json:"label" yaml:"label"`
	Kind     ItemKind          `json:"type" yaml:"type"`
	Channel  int               `json:"channel" yaml:"channel"`
	Layer    int               `json:"layer" yaml:"layer"`
	Loop     bool              `json:"loop" yaml:"loop"`
	AutoNext bool              `json:"autoNext" yaml:"autoNext"`
	Duration int               `json:"duration" yaml:"duration"`
	Overlays []Overlay         `json:"overlays,omitempty" yaml:"overlays,omitempty"`
	Data     map[string]string `json:"data,omitempty" yaml:"data,omitempty"`
}

// Rundown is an ordered list of items.
type Rundown struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Locked bool   `json:"locked" yaml:"locked"`
	Items  []Item `json:"items" yaml:"items"`
}

// Validate checks the destination, kind and owned overlays.
func (it Item) Validate() error {
	if strings.TrimSpace(it.Target) == "" {
		return fmt.Errorf("%w: empty target", ErrInvalidItem)
	}
	switch it.Kind {
	case KindVideo, KindTemplateClip:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidItem, it.Kind)
	}
	if it.Channel < 1 {
		return fmt.Errorf("%w: channel %d", ErrInvalidItem, it.Channel)
	}
	if it.Layer < 0 {
		return fmt.Errorf("%w: layer %d", ErrInvalidItem, it.Layer)
	}
	seen := make(map[string]bool, len(it.Overlays))
	for _, ov := range it.Overlays {
		if err := ov.Validate(); err != nil {
			return err
		}
		if ov.ID == "" {
			continue
		}
		if seen[ov.ID] {
			return fmt.Errorf("%w: duplicate overlay id %q", ErrInvalidItem, ov.ID)
		}
		seen[ov.ID] = true
	}
	return nil
}

// Validate checks template, destination and timing.
func (ov Overlay) Validate() error {
	if strings.TrimSpace(ov.Template) == "" {
		return fmt.Errorf("%w: overlay %q has no template", ErrInvalidItem, ov.ID)
	}
	if ov.Channel < 0 || ov.Layer < 0 {
		return fmt.Errorf("%w: overlay %q destination %d-%d", ErrInvalidItem, ov.ID, ov.Channel, ov.Layer)
	}
	if ov.Delay < 0 {
		return fmt.Errorf("%w: overlay %q negative delay", ErrInvalidItem, ov.ID)
	}
	switch ov.Mode {
	case EndManual:
	case EndTimer, EndAutoFinish:
		if ov.Duration <= 0 {
			return fmt.Errorf("%w: overlay %q mode %s needs a duration", ErrInvalidItem, ov.ID, ov.Mode)
		}
	default:
		return fmt.Errorf("%w: overlay %q unknown mode %q", ErrInvalidItem, ov.ID, ov.Mode)
	}
	return nil
}

// Clone returns a deep copy.
func (it Item) Clone() Item {
	out := it
	out.Data = maps.Clone(it.Data)
	if it.Overlays != nil {
		out.Overlays = make([]Overlay, len(it.Overlays))
		for i, ov := range it.Overlays {
			out.Overlays[i] = ov.Clone()
		}
	}
	return out
}

// Clone returns a deep copy.
func (ov Overlay) Clone() Overlay {
	out := ov
	out.Data = maps.Clone(ov.Data)
	return out
}

// Clone returns a deep copy.
func (r *Rundown) Clone() *Rundown {
	out := *r
	if r.Items != nil {
		out.Items = make([]Item, len(r.Items))
		for i, it := range r.Items {
			out.Items[i] = it.Clone()
		}
	}
	return &out
}

// Overlay returns the owned overlay with the given id.
func (it Item) Overlay(id string) (Overlay, bool) {
	for _, ov := range it.Overlays {
		if ov.ID == id {
			return ov, true
		}
	}
	return Overlay{}, false
}
