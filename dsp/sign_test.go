/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestNextSerial(t *testing.T) {
	t.Run("Keep", func(t *testing.T) {
		if got := NextSerial(SerialKeep, 100, 500); got != 100 {
			t.Errorf("keep: got %d, want 100", got)
		}
	})

	t.Run("Counter", func(t *testing.T) {
		if got := NextSerial(SerialCounter, 100, 500); got != 501 {
			t.Errorf("counter: got %d, want prev+1 = 501", got)
		}
		// A loaded serial ahead of the counter wins.
		if got := NextSerial(SerialCounter, 1000, 500); got != 1000 {
			t.Errorf("counter: got %d, want loaded 1000", got)
		}
	})

	t.Run("UnixTime", func(t *testing.T) {
		now := uint32(time.Now().Unix())
		got := NextSerial(SerialUnixTime, 100, 0)
		if got < now || got > now+5 {
			t.Errorf("unixtime: got %d, want about %d", got, now)
		}
		// Must stay monotonic even against a runaway previous serial.
		if got := NextSerial(SerialUnixTime, 100, 4000000000); got != 4000000001 {
			t.Errorf("unixtime monotonicity: got %d, want 4000000001", got)
		}
	})

	t.Run("DateCounter", func(t *testing.T) {
		got := NextSerial(SerialDateCounter, 100, 0)
		want := uint32(time.Now().UTC().Year()*1000000+
			int(time.Now().UTC().Month())*10000+
			time.Now().UTC().Day()*100) + 1
		if got != want {
			t.Errorf("datecounter: got %d, want %d", got, want)
		}
		if got := NextSerial(SerialDateCounter, 100, want+10); got != want+11 {
			t.Errorf("datecounter monotonicity: got %d, want %d", got, want+11)
		}
	})
}

func TestSigLifetime(t *testing.T) {
	now := time.Now().UTC()

	t.Run("Explicit", func(t *testing.T) {
		incep, expir := sigLifetime(now, 3600, 86400)
		if int64(incep) > now.Add(-time.Hour).Unix() {
			t.Errorf("inception %d not backdated by the offset", incep)
		}
		// Jitter is at most 61 seconds on either side.
		if int64(incep) < now.Add(-time.Hour-2*time.Minute).Unix() {
			t.Errorf("inception %d backdated too far", incep)
		}
		if int64(expir) < now.Add(24*time.Hour).Unix() {
			t.Errorf("expiration %d shorter than the lifetime", expir)
		}
	})

	t.Run("DefaultLifetime", func(t *testing.T) {
		_, expir := sigLifetime(now, 0, 0)
		if int64(expir) < now.Add(29*24*time.Hour).Unix() {
			t.Errorf("zero lifetime should default to 30 days, expiration %d", expir)
		}
	})
}

func TestApexDnskeyRRset(t *testing.T) {
	zd := signedTestZone(t, newTestPolicy())

	rrset, err := zd.ApexDnskeyRRset()
	if err != nil {
		t.Fatalf("ApexDnskeyRRset failed: %v", err)
	}
	if len(rrset.RRs) != 2 {
		t.Fatalf("expected 2 published DNSKEYs, got %d", len(rrset.RRs))
	}
	for _, rr := range rrset.RRs {
		if rr.Header().Rrtype != dns.TypeDNSKEY {
			t.Errorf("unexpected rrtype %s in DNSKEY RRset", dns.TypeToString[rr.Header().Rrtype])
		}
		if rr.Header().Ttl != zd.Policy.DefaultTTL {
			t.Errorf("DNSKEY TTL %d, want policy default %d", rr.Header().Ttl, zd.Policy.DefaultTTL)
		}
	}

	// Retiring the ZSK removes it from the RRset.
	zd.KeySet.ActiveKeys(RoleZSK)[0].setState(KeyStateRetired)
	rrset, err = zd.ApexDnskeyRRset()
	if err != nil {
		t.Fatalf("ApexDnskeyRRset failed: %v", err)
	}
	if len(rrset.RRs) != 1 {
		t.Errorf("retired key must leave the DNSKEY RRset, got %d RRs", len(rrset.RRs))
	}
}

func TestApexCdsRRsets(t *testing.T) {
	zd := signedTestZone(t, newTestPolicy())
	ksk := zd.KeySet.ActiveKeys(RoleKSK)[0]

	cds, cdnskey, err := zd.ApexCdsRRsets()
	if err != nil {
		t.Fatalf("ApexCdsRRsets failed: %v", err)
	}
	if len(cds.RRs) != 1 || len(cdnskey.RRs) != 1 {
		t.Fatalf("expected 1 CDS and 1 CDNSKEY, got %d and %d", len(cds.RRs), len(cdnskey.RRs))
	}
	if got := cds.RRs[0].(*dns.CDS).KeyTag; got != ksk.KeyTag {
		t.Errorf("CDS keytag %d, want %d", got, ksk.KeyTag)
	}
	if got := cds.RRs[0].(*dns.CDS).DigestType; got != dns.SHA256 {
		t.Errorf("CDS digest type %d, want SHA256 default", got)
	}

	// Only keys flagged for the parent appear.
	ksk.AtParent = false
	cds, _, err = zd.ApexCdsRRsets()
	if err != nil {
		t.Fatalf("ApexCdsRRsets failed: %v", err)
	}
	if len(cds.RRs) != 0 {
		t.Errorf("no parent keys means no CDS, got %d RRs", len(cds.RRs))
	}
}

func findSignedSet(v *Version, name string, rrtype uint16) *RRset {
	for _, s := range v.SignedSets {
		if len(s.RRs) > 0 && s.RRs[0].Header().Name == name && s.RRs[0].Header().Rrtype == rrtype {
			return s
		}
	}
	return nil
}

func TestSignVersion(t *testing.T) {
	zd := signedTestZone(t, newTestPolicy())
	ksk := zd.KeySet.ActiveKeys(RoleKSK)[0]
	zsk := zd.KeySet.ActiveKeys(RoleZSK)[0]

	dak, err := zd.KeyDB.GetDnssecActiveKeys(zd)
	if err != nil {
		t.Fatalf("GetDnssecActiveKeys failed: %v", err)
	}

	v := &Version{Serial: 100, Records: testRecords(t, 100)}
	if err := zd.SignVersion(v, dak); err != nil {
		t.Fatalf("SignVersion failed: %v", err)
	}

	t.Run("SerialBump", func(t *testing.T) {
		soa := findSignedSet(v, "example.com.", dns.TypeSOA)
		if soa == nil {
			t.Fatal("no SOA in signed output")
		}
		if got := soa.RRs[0].(*dns.SOA).Serial; got != v.OutSerial {
			t.Errorf("SOA serial %d, want outgoing serial %d", got, v.OutSerial)
		}
	})

	t.Run("KeyChoice", func(t *testing.T) {
		dnskeys := findSignedSet(v, "example.com.", dns.TypeDNSKEY)
		if dnskeys == nil || len(dnskeys.RRSIGs) == 0 {
			t.Fatal("DNSKEY RRset missing or unsigned")
		}
		if got := dnskeys.RRSIGs[0].(*dns.RRSIG).KeyTag; got != ksk.KeyTag {
			t.Errorf("DNSKEY RRset signed by %d, want KSK %d", got, ksk.KeyTag)
		}

		www := findSignedSet(v, "www.example.com.", dns.TypeA)
		if www == nil || len(www.RRSIGs) == 0 {
			t.Fatal("www A RRset missing or unsigned")
		}
		if got := www.RRSIGs[0].(*dns.RRSIG).KeyTag; got != zsk.KeyTag {
			t.Errorf("A RRset signed by %d, want ZSK %d", got, zsk.KeyTag)
		}
	})

	t.Run("SignaturesVerify", func(t *testing.T) {
		rr, err := dns.NewRR(zsk.Keystr)
		if err != nil {
			t.Fatal(err)
		}
		dnskey := rr.(*dns.DNSKEY)
		www := findSignedSet(v, "www.example.com.", dns.TypeA)
		if err := www.RRSIGs[0].(*dns.RRSIG).Verify(dnskey, www.RRs); err != nil {
			t.Errorf("RRSIG over www A does not verify: %v", err)
		}
	})

	t.Run("DenialChain", func(t *testing.T) {
		nsec := findSignedSet(v, "example.com.", dns.TypeNSEC)
		if nsec == nil {
			t.Fatal("no NSEC at the apex")
		}
		if len(nsec.RRSIGs) == 0 {
			t.Error("apex NSEC is unsigned")
		}
		bitmap := nsec.RRs[0].(*dns.NSEC).TypeBitMap
		hasSoa := false
		for _, typ := range bitmap {
			if typ == dns.TypeSOA {
				hasSoa = true
			}
		}
		if !hasSoa {
			t.Error("apex NSEC bitmap lacks SOA")
		}
	})

	t.Run("InputDnssecStripped", func(t *testing.T) {
		dnskeys := findSignedSet(v, "example.com.", dns.TypeDNSKEY)
		if len(dnskeys.RRs) != 2 {
			t.Errorf("expected exactly the key set's 2 DNSKEYs, got %d", len(dnskeys.RRs))
		}
	})
}

func TestSignVersionNsec3(t *testing.T) {
	policy := newTestPolicy()
	policy.Denial = DenialConf{Mode: "nsec3"}
	zd := signedTestZone(t, policy)

	dak, err := zd.KeyDB.GetDnssecActiveKeys(zd)
	if err != nil {
		t.Fatalf("GetDnssecActiveKeys failed: %v", err)
	}
	v := &Version{Serial: 100, Records: testRecords(t, 100)}
	if err := zd.SignVersion(v, dak); err != nil {
		t.Fatalf("SignVersion failed: %v", err)
	}

	param := findSignedSet(v, "example.com.", dns.TypeNSEC3PARAM)
	if param == nil {
		t.Fatal("no NSEC3PARAM at the apex")
	}
	if got := param.RRs[0].(*dns.NSEC3PARAM).Iterations; got != 0 {
		t.Errorf("NSEC3 iterations %d, want 0", got)
	}

	nsec3s := 0
	for _, s := range v.SignedSets {
		if len(s.RRs) > 0 && s.RRs[0].Header().Rrtype == dns.TypeNSEC3 {
			nsec3s++
			if len(s.RRSIGs) == 0 {
				t.Errorf("unsigned NSEC3 at %s", s.Name)
			}
		}
	}
	if nsec3s == 0 {
		t.Error("no NSEC3 chain in signed output")
	}
}

func TestSignRRsetRenewalWindows(t *testing.T) {
	policy := newTestPolicy()
	policy.CdsSignatureLifetime = 48 * time.Hour
	policy.CdsRemainTime = time.Hour
	policy.DnskeySignatureLifetime = 48 * time.Hour
	policy.DnskeyRemainTime = 72 * time.Hour

	zd := signedTestZone(t, policy)
	dak, err := zd.KeyDB.GetDnssecActiveKeys(zd)
	if err != nil {
		t.Fatalf("GetDnssecActiveKeys failed: %v", err)
	}

	// The CDS signature is judged against the cds remain time, not
	// the dnskey one.
	cds, _, err := zd.ApexCdsRRsets()
	if err != nil {
		t.Fatalf("ApexCdsRRsets failed: %v", err)
	}
	if resigned, err := SignRRset(cds, zd.ZoneName, dak, policy, false); err != nil || !resigned {
		t.Fatalf("initial CDS signing: resigned=%v err=%v", resigned, err)
	}
	resigned, err := SignRRset(cds, zd.ZoneName, dak, policy, false)
	if err != nil {
		t.Fatalf("second CDS signing failed: %v", err)
	}
	if resigned {
		t.Error("a CDS signature well inside its own remain window must not be renewed")
	}

	// A DNSKEY signature expiring inside the dnskey remain window is
	// renewed.
	dnskeys, err := zd.ApexDnskeyRRset()
	if err != nil {
		t.Fatalf("ApexDnskeyRRset failed: %v", err)
	}
	if resigned, err := SignRRset(dnskeys, zd.ZoneName, dak, policy, false); err != nil || !resigned {
		t.Fatalf("initial DNSKEY signing: resigned=%v err=%v", resigned, err)
	}
	resigned, err = SignRRset(dnskeys, zd.ZoneName, dak, policy, false)
	if err != nil {
		t.Fatalf("second DNSKEY signing failed: %v", err)
	}
	if !resigned {
		t.Error("a DNSKEY signature expiring inside the dnskey remain window must be renewed")
	}
}

func TestSignRRsetRejectsEmpty(t *testing.T) {
	zd := signedTestZone(t, newTestPolicy())
	dak, err := zd.KeyDB.GetDnssecActiveKeys(zd)
	if err != nil {
		t.Fatalf("GetDnssecActiveKeys failed: %v", err)
	}
	if _, err := SignRRset(&RRset{Name: "example.com."}, "example.com.", dak, zd.Policy, false); err == nil {
		t.Error("signing an empty RRset must fail")
	}
	if _, err := SignRRset(&RRset{}, "example.com.", nil, zd.Policy, false); err == nil {
		t.Error("signing without keys must fail")
	}
}
