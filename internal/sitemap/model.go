// Package sitemap models the HA backend's sitemap JSON: pages of
// widgets, with the normalization quirks the backend's various
// versions require (widget/widgets and mapping/mappings aliases,
// single-object-instead-of-array children, items nested one level too
// deep).
package sitemap

import (
	"bytes"
	"encoding/json"
)

// Sitemap is the root object of GET /rest/sitemaps/<name>.
type Sitemap struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Link     string `json:"link"`
	Homepage *Page  `json:"homepage"`
}

// Page is one page of widgets.
type Page struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Link    string    `json:"link"`
	Leaf    bool      `json:"leaf"`
	Widgets []*Widget `json:"-"`
}

func (p *Page) UnmarshalJSON(data []byte) error {
	type alias struct {
		ID       string          `json:"id"`
		Title    string          `json:"title"`
		Link     string          `json:"link"`
		Leaf     bool            `json:"leaf"`
		Widget   json.RawMessage `json:"widget"`
		Widgets  json.RawMessage `json:"widgets"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	p.ID = a.ID
	p.Title = a.Title
	p.Link = a.Link
	p.Leaf = a.Leaf

	raw := a.Widgets
	if len(raw) == 0 {
		raw = a.Widget
	}
	widgets, err := decodeWidgetList(raw)
	if err != nil {
		return err
	}
	p.Widgets = widgets
	return nil
}

// MarshalJSON emits the normalized page shape: always "widgets" as an
// array, never the singular alias.
func (p *Page) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID      string    `json:"id,omitempty"`
		Title   string    `json:"title,omitempty"`
		Link    string    `json:"link,omitempty"`
		Leaf    bool      `json:"leaf,omitempty"`
		Widgets []*Widget `json:"widgets"`
	}{p.ID, p.Title, p.Link, p.Leaf, p.Widgets})
}

// PageRef is the linkedPage stub carried by navigation widgets.
type PageRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Link  string `json:"link"`
}

// Item is the backend item a leaf widget renders.
type Item struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	State string `json:"state"`
	Link  string `json:"link"`
}

// Mapping is one command/label pair on a selection or switch widget.
type Mapping struct {
	Command string `json:"command"`
	Label   string `json:"label"`
}

// Widget is a leaf or frame of a page.
type Widget struct {
	WidgetID   string     `json:"widgetId"`
	Type       string     `json:"type"`
	Label      string     `json:"label"`
	Icon       string     `json:"icon"`
	State      string     `json:"state"`
	ValueColor string     `json:"valuecolor"`
	Item       *Item      `json:"-"`
	Mappings   []Mapping  `json:"-"`
	LinkedPage *PageRef   `json:"linkedPage"`
	Children   []*Widget  `json:"-"`
}

// IsFrame reports whether the widget groups children rather than
// rendering an item.
func (w *Widget) IsFrame() bool { return w.Type == "Frame" }

func (w *Widget) UnmarshalJSON(data []byte) error {
	type alias struct {
		WidgetID    string          `json:"widgetId"`
		Type        string          `json:"type"`
		Label       string          `json:"label"`
		Icon        string          `json:"icon"`
		State       string          `json:"state"`
		ValueColor  string          `json:"valuecolor"`
		ValueColor2 string          `json:"valueColor"`
		Item        json.RawMessage `json:"item"`
		Mapping     json.RawMessage `json:"mapping"`
		Mappings    json.RawMessage `json:"mappings"`
		LinkedPage  *PageRef        `json:"linkedPage"`
		Widget      json.RawMessage `json:"widget"`
		Widgets     json.RawMessage `json:"widgets"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	w.WidgetID = a.WidgetID
	w.Type = a.Type
	w.Label = a.Label
	w.Icon = a.Icon
	w.State = a.State
	w.ValueColor = a.ValueColor
	if w.ValueColor == "" {
		w.ValueColor = a.ValueColor2
	}
	w.LinkedPage = a.LinkedPage

	w.Item = decodeItem(a.Item)

	rawMappings := a.Mappings
	if len(rawMappings) == 0 {
		rawMappings = a.Mapping
	}
	if len(rawMappings) > 0 {
		var ms []Mapping
		if err := json.Unmarshal(rawMappings, &ms); err == nil {
			w.Mappings = ms
		} else {
			var m Mapping
			if err := json.Unmarshal(rawMappings, &m); err == nil {
				w.Mappings = []Mapping{m}
			}
		}
	}

	rawChildren := a.Widgets
	if len(rawChildren) == 0 {
		rawChildren = a.Widget
	}
	children, err := decodeWidgetList(rawChildren)
	if err != nil {
		return err
	}
	w.Children = children
	return nil
}

// MarshalJSON emits the normalized widget shape: plural field names and
// camelCase valueColor regardless of what the backend sent.
func (w *Widget) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		WidgetID   string    `json:"widgetId,omitempty"`
		Type       string    `json:"type,omitempty"`
		Label      string    `json:"label,omitempty"`
		Icon       string    `json:"icon,omitempty"`
		State      string    `json:"state,omitempty"`
		ValueColor string    `json:"valueColor,omitempty"`
		Item       *Item     `json:"item,omitempty"`
		Mappings   []Mapping `json:"mappings,omitempty"`
		LinkedPage *PageRef  `json:"linkedPage,omitempty"`
		Children   []*Widget `json:"widgets,omitempty"`
	}{w.WidgetID, w.Type, w.Label, w.Icon, w.State, w.ValueColor, w.Item, w.Mappings, w.LinkedPage, w.Children})
}

// decodeItem accepts the plain item shape and the defensive
// one-level-nested {"item":{...}} wrapper some backend versions emit.
func decodeItem(raw json.RawMessage) *Item {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var it Item
	if err := json.Unmarshal(raw, &it); err == nil && it.Name != "" {
		return &it
	}
	var wrapper struct {
		Item *Item `json:"item"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Item != nil && wrapper.Item.Name != "" {
		return wrapper.Item
	}
	return nil
}

// decodeWidgetList accepts an array, a single object, or nothing.
func decodeWidgetList(raw json.RawMessage) ([]*Widget, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var ws []*Widget
		if err := json.Unmarshal(trimmed, &ws); err != nil {
			return nil, err
		}
		return ws, nil
	}
	var w Widget
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, err
	}
	return []*Widget{&w}, nil
}
