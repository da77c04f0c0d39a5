package sitemap

import "strings"

// SplitLabel splits the backend's "Title [State]" label convention into
// its parts. A trailing empty "[]" is stripped. Labels without a state
// suffix return an empty state.
func SplitLabel(label string) (title, state string) {
	label = strings.TrimSpace(label)
	if !strings.HasSuffix(label, "]") {
		return label, ""
	}
	open := strings.LastIndex(label, "[")
	if open < 0 {
		return label, ""
	}
	title = strings.TrimSpace(label[:open])
	state = strings.TrimSpace(label[open+1 : len(label)-1])
	return title, state
}
