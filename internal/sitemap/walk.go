package sitemap

// ItemState is one item name/state pair found in a widget tree.
type ItemState struct {
	Name  string
	State string
}

// CollectItemStates walks the page recursively and returns every
// {item, state} leaf in iteration order.
func CollectItemStates(p *Page) []ItemState {
	if p == nil {
		return nil
	}
	var out []ItemState
	collectItems(p.Widgets, &out)
	return out
}

func collectItems(ws []*Widget, out *[]ItemState) {
	for _, w := range ws {
		if w.Item != nil && w.Item.Name != "" {
			*out = append(*out, ItemState{Name: w.Item.Name, State: w.Item.State})
		}
		collectItems(w.Children, out)
	}
}

// CollectPageIDs returns the homepage id plus every linkedPage id
// reachable inside the sitemap response, deduplicated in discovery
// order. This is the long-polling subscription topology.
func CollectPageIDs(sm *Sitemap) []string {
	if sm == nil || sm.Homepage == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(sm.Homepage.ID)
	collectLinkedPages(sm.Homepage.Widgets, add)
	return out
}

func collectLinkedPages(ws []*Widget, add func(string)) {
	for _, w := range ws {
		if w.LinkedPage != nil {
			add(w.LinkedPage.ID)
		}
		collectLinkedPages(w.Children, add)
	}
}

// FlatWidget is one search-index row: a leaf widget with the labels of
// the frames above it.
type FlatWidget struct {
	Key      string    `json:"key"`
	PageID   string    `json:"pageId"`
	Section  string    `json:"section,omitempty"`
	Label    string    `json:"label"`
	ItemName string    `json:"itemName,omitempty"`
	State    string    `json:"state,omitempty"`
	Icon     string    `json:"icon,omitempty"`
	Type     string    `json:"type"`
	Mappings []Mapping `json:"mappings,omitempty"`
}

// Flatten returns every leaf widget of a page with its enclosing frame
// section label, for the search index.
func Flatten(p *Page) []FlatWidget {
	if p == nil {
		return nil
	}
	var out []FlatWidget
	flattenWidgets(p.ID, "", p.Widgets, &out)
	return out
}

func flattenWidgets(pageID, section string, ws []*Widget, out *[]FlatWidget) {
	for _, w := range ws {
		if w.IsFrame() {
			title, _ := SplitLabel(w.Label)
			flattenWidgets(pageID, title, w.Children, out)
			continue
		}

		e := snapshotWidget(w)
		*out = append(*out, FlatWidget{
			Key:      e.Key,
			PageID:   pageID,
			Section:  section,
			Label:    e.Label,
			ItemName: e.ItemName,
			State:    e.State,
			Icon:     e.Icon,
			Type:     w.Type,
			Mappings: w.Mappings,
		})
		flattenWidgets(pageID, section, w.Children, out)
	}
}
