package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"playout-engine/internal/rundown"
)

// SourceKind is what occupies an active layer.
type SourceKind string

const (
	SourceVideo        SourceKind = "VIDEO"
	SourceTemplateClip SourceKind = "TEMPLATE_CLIP"
	SourceGFX          SourceKind = "GFX"
)

// ErrInvalidKey is returned by ParseLayerKey.
var ErrInvalidKey = errors.New("invalid layer key")

// LayerKey addresses one compositing slot: channel and layer number.
type LayerKey struct {
	Channel int
	Layer   int
}

// String renders the key the way the playout protocol does, "ch-layer".
func (k LayerKey) String() string {
	return strconv.Itoa(k.Channel) + "-" + strconv.Itoa(k.Layer)
}

// MarshalText implements encoding.TextMarshaler.
func (k LayerKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *LayerKey) UnmarshalText(b []byte) error {
	parsed, err := ParseLayerKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseLayerKey parses "ch-layer" with channel >= 1 and layer >= 0.
func ParseLayerKey(s string) (LayerKey, error) {
	chs, ls, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return LayerKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	ch, err1 := strconv.Atoi(chs)
	layer, err2 := strconv.Atoi(ls)
	if err1 != nil || err2 != nil || ch < 1 || layer < 0 {
		return LayerKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return LayerKey{Channel: ch, Layer: layer}, nil
}

func keyOf(it rundown.Item) LayerKey {
	return LayerKey{Channel: it.Channel, Layer: it.Layer}
}

func (k LayerKey) less(o LayerKey) bool {
	if k.Channel != o.Channel {
		return k.Channel < o.Channel
	}
	return k.Layer < o.Layer
}

// ActiveLayer is the runtime record of what is on air at a key. Values
// handed out by the scheduler are copies.
type ActiveLayer struct {
	Key       LayerKey        `json:"key"`
	Kind      SourceKind      `json:"type"`
	ItemID    string          `json:"itemId,omitempty"`
	Target    string          `json:"target"`
	Label     string          `json:"label"`
	Remaining int             `json:"remaining"`
	Duration  int             `json:"duration"`
	Loop      bool            `json:"loop"`
	AutoNext  bool            `json:"autoNext"`
	Finished  bool            `json:"finished"`
	Mode      rundown.EndMode `json:"mode,omitempty"`
	StartedAt time.Time       `json:"startedAt"`
}

// infinite layers never count down.
func (l *ActiveLayer) infinite() bool {
	return l.Loop || (l.Kind == SourceGFX && l.Mode == rundown.EndManual)
}

// Snapshot is a point-in-time copy of the scheduler state.
type Snapshot struct {
	Layers     []ActiveLayer `json:"layers"`
	CuedItemID string        `json:"cuedItemId,omitempty"`
	AutoChain  bool          `json:"autoChain"`
	Ticks      uint64        `json:"ticks"`
}

// Layer returns the active layer at key.
func (s Snapshot) Layer(key LayerKey) (ActiveLayer, bool) {
	for _, l := range s.Layers {
		if l.Key == key {
			return l, true
		}
	}
	return ActiveLayer{}, false
}
