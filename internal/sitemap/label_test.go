package sitemap

import "testing"

func TestSplitLabel(t *testing.T) {
	cases := []struct {
		in    string
		title string
		state string
	}{
		{"Temperature [21.5 °C]", "Temperature", "21.5 °C"},
		{"Door", "Door", ""},
		{"Humidity []", "Humidity", ""},
		{"[42]", "", "42"},
		{"", "", ""},
		{"Outer [a] trailing", "Outer [a] trailing", ""},
	}
	for _, c := range cases {
		title, state := SplitLabel(c.in)
		if title != c.title || state != c.state {
			t.Errorf("SplitLabel(%q) = (%q, %q), want (%q, %q)", c.in, title, state, c.title, c.state)
		}
	}
}
