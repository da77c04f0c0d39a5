package sitemap

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// WidgetSnapshot is the rendered view of one leaf widget, reduced to
// the fields a client needs to draw it.
type WidgetSnapshot struct {
	Key               string    `json:"key"`
	ID                string    `json:"id,omitempty"`
	ItemName          string    `json:"itemName,omitempty"`
	Label             string    `json:"label"`
	State             string    `json:"state"`
	ValueColor        string    `json:"valueColor,omitempty"`
	Icon              string    `json:"icon,omitempty"`
	MappingsSignature string    `json:"-"`
	Mappings          []Mapping `json:"mappings,omitempty"`
}

// PageSnapshot captures one page at one point in time. Order holds the
// structural sequence: frame markers interleaved with widget keys, in
// render order. Entries is keyed by widget key.
type PageSnapshot struct {
	Title          string
	ContentHash    string
	StructuralHash string
	Order          []string
	Entries        map[string]WidgetSnapshot
}

// Keys returns the widget keys in render order (frame markers skipped).
func (s *PageSnapshot) Keys() []string {
	keys := make([]string, 0, len(s.Entries))
	for _, o := range s.Order {
		if !strings.HasPrefix(o, "frame:") {
			keys = append(keys, o)
		}
	}
	return keys
}

// OverrideItemStates replaces widget states for items whose state the
// server synthesizes (group aggregates). Both the delta path and the
// broadcast path feed from the same override map, so content hashes
// stay stable across the two.
func OverrideItemStates(p *Page, overrides map[string]string) {
	if len(overrides) == 0 {
		return
	}
	overrideWidgets(p.Widgets, overrides)
}

func overrideWidgets(ws []*Widget, overrides map[string]string) {
	for _, w := range ws {
		if w.Item != nil {
			if v, ok := overrides[w.Item.Name]; ok {
				w.Item.State = v
				if w.State != "" {
					w.State = v
				}
			}
		}
		overrideWidgets(w.Children, overrides)
	}
}

// BuildSnapshot flattens the page into an ordered snapshot. Frames
// contribute a marker and their children inline; the marker keeps a
// frame insertion or removal structurally visible even when the widget
// keys around it are unchanged.
func BuildSnapshot(p *Page) *PageSnapshot {
	s := &PageSnapshot{
		Title:   p.Title,
		Entries: make(map[string]WidgetSnapshot),
	}
	appendWidgets(s, p.Widgets)
	s.StructuralHash = hashStrings(s.Order)

	content := make([]string, 0, len(s.Order)+1)
	content = append(content, s.Title)
	for _, o := range s.Order {
		e, ok := s.Entries[o]
		if !ok {
			continue
		}
		content = append(content, strings.Join([]string{
			e.Key, e.Label, e.State, e.ValueColor, e.Icon, e.MappingsSignature,
		}, "|"))
	}
	s.ContentHash = hashStrings(content)
	return s
}

func appendWidgets(s *PageSnapshot, ws []*Widget) {
	for _, w := range ws {
		if w.IsFrame() {
			title, _ := SplitLabel(w.Label)
			s.Order = append(s.Order, "frame:"+title)
			appendWidgets(s, w.Children)
			continue
		}

		e := snapshotWidget(w)
		if _, dup := s.Entries[e.Key]; dup {
			// Key collisions keep the first entry; the duplicate still
			// occupies a structural slot.
			s.Order = append(s.Order, e.Key)
			continue
		}
		s.Entries[e.Key] = e
		s.Order = append(s.Order, e.Key)

		if len(w.Children) > 0 {
			appendWidgets(s, w.Children)
		}
	}
}

func snapshotWidget(w *Widget) WidgetSnapshot {
	title, labelState := SplitLabel(w.Label)

	e := WidgetSnapshot{
		ID:         w.WidgetID,
		Label:      title,
		State:      w.State,
		ValueColor: w.ValueColor,
		Icon:       w.Icon,
		Mappings:   w.Mappings,
	}
	if w.Item != nil {
		e.ItemName = w.Item.Name
		if e.State == "" {
			e.State = w.Item.State
		}
	}
	if e.State == "" {
		e.State = labelState
	}
	e.MappingsSignature = mappingsSignature(w.Mappings)
	e.Key = widgetKey(w)
	return e
}

// widgetKey derives a key stable across requests: the upstream widget
// id when present, else the item identity, else the label identity.
func widgetKey(w *Widget) string {
	link := ""
	if w.LinkedPage != nil {
		link = w.LinkedPage.Link
	}
	if w.WidgetID != "" {
		return "id:" + w.WidgetID
	}
	if w.Item != nil && w.Item.Name != "" {
		return "item:" + w.Item.Name + "|" + w.Type + "|" + link
	}
	return "label:" + w.Label + "|" + w.Type + "|" + link
}

func mappingsSignature(ms []Mapping) string {
	if len(ms) == 0 {
		return ""
	}
	parts := make([]string, len(ms))
	for i, m := range ms {
		parts[i] = m.Command + "=" + m.Label
	}
	return strings.Join(parts, ";")
}

func hashStrings(parts []string) string {
	h := sha1.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
