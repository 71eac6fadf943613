/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

import (
	"testing"
	"time"
)

func TestParseLifetime(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"90d", 90 * 24 * time.Hour},
		{"1d", 24 * time.Hour},
		{"12h", 12 * time.Hour},
		{"30m", 30 * time.Minute},
	}
	for _, c := range cases {
		got, err := parseLifetime(c.in)
		if err != nil {
			t.Errorf("parseLifetime(%q) failed: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseLifetime(%q) = %v, want %v", c.in, got, c.want)
		}
	}

	for _, bad := range []string{"ninetyd", "3 fortnights", "d"} {
		if _, err := parseLifetime(bad); err == nil {
			t.Errorf("parseLifetime(%q) should fail", bad)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		p, err := parsePolicy("default", DnssecPolicyConf{Algorithm: "ED25519"})
		if err != nil {
			t.Fatalf("parsePolicy failed: %v", err)
		}
		if p.DefaultTTL != 3600 {
			t.Errorf("DefaultTTL = %d, want 3600", p.DefaultTTL)
		}
		if p.Serial != SerialKeep {
			t.Errorf("Serial = %s, want keep", p.Serial)
		}
		if p.Denial.Mode != "nsec" {
			t.Errorf("Denial.Mode = %s, want nsec", p.Denial.Mode)
		}
	})

	t.Run("Lifetimes", func(t *testing.T) {
		p, err := parsePolicy("lt", DnssecPolicyConf{
			Algorithm:               "ED25519",
			ZskValidity:             "90d",
			DnskeySignatureLifetime: "336h",
		})
		if err != nil {
			t.Fatalf("parsePolicy failed: %v", err)
		}
		if p.ZskValidity != 90*24*time.Hour {
			t.Errorf("ZskValidity = %v", p.ZskValidity)
		}
		if p.DnskeySignatureLifetime != 336*time.Hour {
			t.Errorf("DnskeySignatureLifetime = %v", p.DnskeySignatureLifetime)
		}
	})

	t.Run("CaseInsensitiveAlgorithm", func(t *testing.T) {
		p, err := parsePolicy("lc", DnssecPolicyConf{Algorithm: "ecdsap256sha256"})
		if err != nil {
			t.Fatalf("parsePolicy failed: %v", err)
		}
		if p.Algorithm == 0 {
			t.Error("algorithm not resolved")
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		bad := []DnssecPolicyConf{
			{Algorithm: "ROT13"},
			{Algorithm: "ED25519", Serial: "lottery"},
			{Algorithm: "ED25519", Denial: DenialConf{Mode: "nsec5"}},
			{Algorithm: "ED25519", KskValidity: "sometime"},
		}
		for i, pc := range bad {
			if _, err := parsePolicy("bad", pc); err == nil {
				t.Errorf("case %d: parsePolicy should have failed", i)
			}
		}
	})
}
