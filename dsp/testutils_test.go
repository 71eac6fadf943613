/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func newTestDB(t *testing.T) *StateDB {
	t.Helper()
	db, err := NewStateDB(filepath.Join(t.TempDir(), "state.db"), false)
	if err != nil {
		t.Fatalf("NewStateDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestPolicy() *DnssecPolicy {
	return &DnssecPolicy{
		Name:       "testpolicy",
		Algorithm:  dns.ED25519,
		DefaultTTL: 3600,
		Serial:     SerialKeep,
		Denial:     DenialConf{Mode: "nsec"},
	}
}

func newTestZone(t *testing.T, db *StateDB, policy *DnssecPolicy) *ZoneData {
	t.Helper()
	return &ZoneData{
		ZoneName:   "example.com.",
		PolicyName: policy.Name,
		Policy:     policy,
		KeySet:     NewKeySet("example.com."),
		KeyDB:      db,
	}
}

// addActiveKey generates a signing key of the given role and puts it
// straight into active use, bypassing the rollover machinery.
func addActiveKey(t *testing.T, zd *ZoneData, role KeyRole) *Key {
	t.Helper()
	flags := uint16(257)
	if role == RoleZSK {
		flags = 256
	}
	_, key, err := zd.KeyDB.GenerateSigningKey(zd.ZoneName, role, zd.Policy.Algorithm, flags, zd.Policy.RsaBits)
	if err != nil {
		t.Fatalf("GenerateSigningKey(%s) failed: %v", role, err)
	}
	key.setState(KeyStateActive)
	if role != RoleZSK {
		key.AtParent = true
	}
	if err := zd.KeySet.AddKey(key); err != nil {
		t.Fatalf("AddKey failed: %v", err)
	}
	return key
}

// signedTestZone is a zone with an active KSK+ZSK pair, ready to sign.
func signedTestZone(t *testing.T, policy *DnssecPolicy) *ZoneData {
	t.Helper()
	zd := newTestZone(t, newTestDB(t), policy)
	addActiveKey(t, zd, RoleKSK)
	addActiveKey(t, zd, RoleZSK)
	return zd
}

func testRecords(t *testing.T, serial uint32) []dns.RR {
	t.Helper()
	zone := fmt.Sprintf(`example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. %d 10800 3600 1209600 3600
example.com. 3600 IN NS ns1.example.com.
ns1.example.com. 3600 IN A 192.0.2.1
www.example.com. 3600 IN A 192.0.2.80
www.example.com. 3600 IN AAAA 2001:db8::80
mail.example.com. 3600 IN MX 10 www.example.com.
`, serial)

	var records []dns.RR
	zp := dns.NewZoneParser(strings.NewReader(zone), "example.com.", "testdata")
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		records = append(records, rr)
	}
	if err := zp.Err(); err != nil {
		t.Fatalf("error parsing test zone: %v", err)
	}
	return records
}

// waitFor polls cond until it holds or the deadline passes. Used for
// transitions driven by review hook goroutines.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// fakeOracle is an in-memory PropagationOracle for automation tests.
type fakeOracle struct {
	visible bool
	maxTTL  uint32
	err     error

	dnskeyChecks int
	dsChecks     int
	rrsigChecks  int
}

func (o *fakeOracle) report() (*PropagationReport, error) {
	if o.err != nil {
		return nil, o.err
	}
	return &PropagationReport{Visible: o.visible, MaxTTL: o.maxTTL, Checked: []string{"ns1.example.com."}}, nil
}

func (o *fakeOracle) CheckDnskey(zone string, newtags []uint16) (*PropagationReport, error) {
	o.dnskeyChecks++
	return o.report()
}

func (o *fakeOracle) CheckDs(zone string, newtags, oldtags []uint16) (*PropagationReport, error) {
	o.dsChecks++
	return o.report()
}

func (o *fakeOracle) CheckRRsig(zone string, newtags []uint16) (*PropagationReport, error) {
	o.rrsigChecks++
	return o.report()
}
