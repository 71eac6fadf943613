/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

import "testing"

func TestParentZone(t *testing.T) {
	cases := []struct {
		zone, parent string
	}{
		{"www.example.com.", "example.com."},
		{"example.com.", "com."},
		{"example.com", "com."}, // non-fqdn input is normalized
		{"com.", "."},
		{".", "."},
	}
	for _, c := range cases {
		if got := parentZone(c.zone); got != c.parent {
			t.Errorf("parentZone(%q) = %q, want %q", c.zone, got, c.parent)
		}
	}
}
