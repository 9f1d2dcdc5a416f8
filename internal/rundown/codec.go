package rundown

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects the export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ErrUnknownFormat is returned for formats other than json and yaml.
var ErrUnknownFormat = errors.New("unknown rundown format")

// ParseFormat accepts "json", "yaml", "yml" and the empty string (json).
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	if f == FormatYAML {
		return "application/yaml"
	}
	return "application/json"
}

// Encode writes rundowns as a bare list. Items use this package's field names;
// Decode additionally reads the studio UI's item fields (see Item.UnmarshalJSON).
func Encode(w io.Writer, f Format, rs []*Rundown) error {
	if rs == nil {
		rs = []*Rundown{}
	}
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rs)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rs); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, f)
}

// Decode reads a rundown list written by Encode. An empty document decodes
// to no rundowns.
func Decode(r io.Reader, f Format) ([]*Rundown, error) {
	var rs []*Rundown
	switch f {
	case FormatJSON:
		if err := json.NewDecoder(r).Decode(&rs); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode json rundowns: %w", err)
		}
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&rs); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode yaml rundowns: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
	for i, rd := range rs {
		if rd == nil {
			return nil, fmt.Errorf("decode rundowns: entry %d is empty", i)
		}
	}
	return rs, nil
}

// UnmarshalJSON reads both this package's item shape and the one the studio
// UI exports, where uniqId is the identity, id names the clip or template and
// owned overlays live under gfxItems.
func (it *Item) UnmarshalJSON(b []byte) error {
	type plain Item
	var aux struct {
		plain
		UniqID   string    `json:"uniqId"`
		GfxItems []Overlay `json:"gfxItems"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*it = Item(aux.plain)
	if aux.UniqID != "" {
		if it.Target == "" {
			it.Target = it.ID
		}
		it.ID = aux.UniqID
	}
	if it.Overlays == nil && aux.GfxItems != nil {
		it.Overlays = aux.GfxItems
	}
	return nil
}

// UnmarshalJSON accepts numeric overlay ids, which the studio UI generates
// from timestamps.
func (ov *Overlay) UnmarshalJSON(b []byte) error {
	type plain Overlay
	var aux struct {
		plain
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*ov = Overlay(aux.plain)
	ov.ID = ""
	raw := strings.TrimSpace(string(aux.ID))
	switch {
	case raw == "" || raw == "null":
	case strings.HasPrefix(raw, `"`):
		if err := json.Unmarshal(aux.ID, &ov.ID); err != nil {
			return err
		}
	default:
		var n json.Number
		if err := json.Unmarshal(aux.ID, &n); err != nil {
			return fmt.Errorf("overlay id: %w", err)
		}
		ov.ID = n.String()
	}
	return nil
}
