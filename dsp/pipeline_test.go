/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
)

func stageOf(zd *ZoneData, v *Version) VersionStage {
	zd.mu.Lock()
	defer zd.mu.Unlock()
	return v.Stage
}

func TestFastPathPublish(t *testing.T) {
	zd := signedTestZone(t, newTestPolicy())

	v, err := zd.SubmitLoaded(testRecords(t, 100), 100)
	if err != nil {
		t.Fatalf("SubmitLoaded failed: %v", err)
	}

	// Neither gate requires review: the version goes straight through,
	// with zero gate invocations.
	if v.Stage != StagePublished {
		t.Fatalf("expected published, got %s", StageToString[v.Stage])
	}
	if zd.Published != v {
		t.Error("published version not recorded on the zone")
	}
	if zd.GateInvocations != 0 {
		t.Errorf("no-review path must not invoke the gate, got %d invocations", zd.GateInvocations)
	}
	if v.OutSerial != 100 {
		t.Errorf("serial policy keep: outgoing serial %d, want 100", v.OutSerial)
	}
	if len(v.SignedSets) == 0 {
		t.Error("published version has no signed content")
	}
}

func TestSupersession(t *testing.T) {
	policy := newTestPolicy()
	policy.LoadedReview = ReviewPolicy{Required: true}
	zd := signedTestZone(t, policy)

	v1, err := zd.SubmitLoaded(testRecords(t, 100), 100)
	if err != nil {
		t.Fatalf("SubmitLoaded(100) failed: %v", err)
	}
	if v1.Stage != StageAwaitingLoadReview {
		t.Fatalf("expected awaiting-load-review, got %s", StageToString[v1.Stage])
	}

	v2, err := zd.SubmitLoaded(testRecords(t, 101), 101)
	if err != nil {
		t.Fatalf("SubmitLoaded(101) failed: %v", err)
	}

	// At most one version waits at a given review stage: the newer
	// version soft-cancels its predecessor.
	if !v1.Superseded || v1.Stage != StageRejected {
		t.Errorf("v1 should be superseded and rejected, got superseded=%v stage=%s",
			v1.Superseded, StageToString[v1.Stage])
	}
	if v2.Stage != StageAwaitingLoadReview {
		t.Errorf("v2 should be awaiting review, got %s", StageToString[v2.Stage])
	}

	// A late decision on the superseded version is a no-op.
	msg, err := zd.HandleReviewDecision(ReviewUnsigned, 100, true)
	if err != nil {
		t.Fatalf("decision on superseded version must not error: %v", err)
	}
	if v1.Stage == StagePublished {
		t.Errorf("superseded version must never publish (msg: %s)", msg)
	}

	// The surviving version proceeds normally.
	if _, err := zd.HandleReviewDecision(ReviewUnsigned, 101, true); err != nil {
		t.Fatalf("approving v2 failed: %v", err)
	}
	if v2.Stage != StagePublished {
		t.Errorf("approved v2 should be published, got %s", StageToString[v2.Stage])
	}
	if zd.Published != v2 {
		t.Error("zone published version is not v2")
	}
}

func TestRejectionIsSoft(t *testing.T) {
	policy := newTestPolicy()
	policy.LoadedReview = ReviewPolicy{Required: true}
	zd := signedTestZone(t, policy)

	v1, err := zd.SubmitLoaded(testRecords(t, 100), 100)
	if err != nil {
		t.Fatalf("SubmitLoaded failed: %v", err)
	}
	if _, err := zd.HandleReviewDecision(ReviewUnsigned, 100, false); err != nil {
		t.Fatalf("rejecting v1 failed: %v", err)
	}
	if v1.Stage != StageRejected {
		t.Fatalf("rejected version should be rejected, got %s", StageToString[v1.Stage])
	}
	if zd.Published != nil {
		t.Fatal("rejected version must never publish")
	}

	// Rejection of one version never blocks the next.
	v2, err := zd.SubmitLoaded(testRecords(t, 101), 101)
	if err != nil {
		t.Fatalf("SubmitLoaded after rejection failed: %v", err)
	}
	if _, err := zd.HandleReviewDecision(ReviewUnsigned, 101, true); err != nil {
		t.Fatalf("approving v2 failed: %v", err)
	}
	if v2.Stage != StagePublished {
		t.Errorf("v2 should publish normally after v1's rejection, got %s", StageToString[v2.Stage])
	}
}

func TestFailClosedSignedGate(t *testing.T) {
	policy := newTestPolicy()
	policy.SignedReview = ReviewPolicy{Required: true, CmdHook: "exit 1"}
	zd := signedTestZone(t, policy)

	v1, err := zd.SubmitLoaded(testRecords(t, 100), 100)
	if err != nil {
		t.Fatalf("SubmitLoaded failed: %v", err)
	}
	waitFor(t, "v1 rejection by the hook", func() bool {
		return stageOf(zd, v1) == StageRejected
	})

	// A rejecting verifier never halts the zone; every new version is
	// still signed and presented.
	v2, err := zd.SubmitLoaded(testRecords(t, 101), 101)
	if err != nil {
		t.Fatalf("SubmitLoaded after hook rejection failed: %v", err)
	}
	waitFor(t, "v2 rejection by the hook", func() bool {
		return stageOf(zd, v2) == StageRejected
	})

	zd.mu.Lock()
	defer zd.mu.Unlock()
	if zd.Published != nil {
		t.Error("nothing may publish past an always-rejecting verifier")
	}
	if zd.Halted {
		t.Error("review rejection must never hard halt the zone")
	}
	if zd.GateInvocations != 2 {
		t.Errorf("expected one gate invocation per version, got %d", zd.GateInvocations)
	}
}

func TestApprovingHookPublishes(t *testing.T) {
	policy := newTestPolicy()
	policy.LoadedReview = ReviewPolicy{Required: true, CmdHook: "true"}
	policy.SignedReview = ReviewPolicy{Required: true, CmdHook: "true"}
	zd := signedTestZone(t, policy)

	v, err := zd.SubmitLoaded(testRecords(t, 100), 100)
	if err != nil {
		t.Fatalf("SubmitLoaded failed: %v", err)
	}
	waitFor(t, "hook approval through both gates", func() bool {
		return stageOf(zd, v) == StagePublished
	})

	zd.mu.Lock()
	defer zd.mu.Unlock()
	if zd.GateInvocations != 2 {
		t.Errorf("expected 2 gate invocations (one per stage), got %d", zd.GateInvocations)
	}
}

func TestHaltedZoneRefusesSubmission(t *testing.T) {
	zd := signedTestZone(t, newTestPolicy())

	zd.HardHalt("state mismatch during test")
	if _, err := zd.SubmitLoaded(testRecords(t, 100), 100); err == nil {
		t.Fatal("a halted zone must refuse new versions")
	}

	zd.Resume()
	if _, err := zd.SubmitLoaded(testRecords(t, 100), 100); err != nil {
		t.Fatalf("a resumed zone must accept versions again: %v", err)
	}
}

func TestSigningFailureIsSoft(t *testing.T) {
	// A zone without a usable key set cannot sign, but the failure is
	// confined to the version.
	zd := newTestZone(t, newTestDB(t), newTestPolicy())

	v, err := zd.SubmitLoaded(testRecords(t, 100), 100)
	if err != nil {
		t.Fatalf("SubmitLoaded itself must not fail: %v", err)
	}
	if v.Stage != StageRejected {
		t.Fatalf("version without signing keys should be rejected, got %s", StageToString[v.Stage])
	}
	if v.FailReason == "" {
		t.Error("failed version should carry a fail reason")
	}
	if zd.Halted {
		t.Error("a version-level signing failure must not halt the zone")
	}
}

func TestPendingReviews(t *testing.T) {
	policy := newTestPolicy()
	policy.LoadedReview = ReviewPolicy{Required: true}
	zd := signedTestZone(t, policy)

	if got := zd.PendingReviews(); len(got) != 0 {
		t.Fatalf("expected no pending reviews, got %d", len(got))
	}
	if _, err := zd.SubmitLoaded(testRecords(t, 100), 100); err != nil {
		t.Fatalf("SubmitLoaded failed: %v", err)
	}
	pending := zd.PendingReviews()
	if len(pending) != 1 || pending[0].Serial != 100 {
		t.Fatalf("expected serial 100 pending, got %+v", pending)
	}
	if pending[0].Stage != StageToString[StageAwaitingLoadReview] {
		t.Errorf("unexpected pending stage: %s", pending[0].Stage)
	}
}

func TestReadZoneFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("ValidZone", func(t *testing.T) {
		fname := filepath.Join(dir, "example.com.zone")
		content := `example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 2025082901 10800 3600 1209600 3600
example.com. 3600 IN NS ns1.example.com.
www.example.com. 3600 IN A 192.0.2.80
`
		if err := os.WriteFile(fname, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		records, serial, err := ReadZoneFile("example.com", fname)
		if err != nil {
			t.Fatalf("ReadZoneFile failed: %v", err)
		}
		if serial != 2025082901 {
			t.Errorf("serial %d, want 2025082901", serial)
		}
		if len(records) != 3 {
			t.Errorf("expected 3 records, got %d", len(records))
		}
	})

	t.Run("MissingSOA", func(t *testing.T) {
		fname := filepath.Join(dir, "nosoa.zone")
		if err := os.WriteFile(fname, []byte("www.example.com. 3600 IN A 192.0.2.80\n"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, _, err := ReadZoneFile("example.com", fname); err == nil {
			t.Error("zone file without SOA must be rejected")
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		if _, _, err := ReadZoneFile("example.com", filepath.Join(dir, "nope.zone")); err == nil {
			t.Error("nonexistent zone file must be rejected")
		}
	})
}

func TestRestoreReattachesContent(t *testing.T) {
	db := newTestDB(t)
	policy := newTestPolicy()
	policy.LoadedReview = ReviewPolicy{Required: true}

	zonefile := filepath.Join(t.TempDir(), "example.com.zone")
	content := `example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 100 10800 3600 1209600 3600
example.com. 3600 IN NS ns1.example.com.
www.example.com. 3600 IN A 192.0.2.80
`
	if err := os.WriteFile(zonefile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	zd := newTestZone(t, db, policy)
	addActiveKey(t, zd, RoleKSK)
	addActiveKey(t, zd, RoleZSK)
	if err := db.SaveKeySet(zd.KeySet); err != nil {
		t.Fatalf("SaveKeySet failed: %v", err)
	}
	v, err := zd.Reload(zonefile)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if v.Stage != StageAwaitingLoadReview {
		t.Fatalf("setup: expected awaiting-load-review, got %s", StageToString[v.Stage])
	}

	// After a restart the awaiting version gets its records back from
	// the zone file, and approving it publishes the full zone.
	restored := newTestZone(t, db, policy)
	restored.Zonefile = zonefile
	if err := restored.RestoreState(); err != nil {
		t.Fatalf("RestoreState failed: %v", err)
	}

	if _, err := restored.HandleReviewDecision(ReviewUnsigned, 100, true); err != nil {
		t.Fatalf("approving the restored version failed: %v", err)
	}
	if restored.Published == nil {
		t.Fatal("approved restored version did not publish")
	}
	var haveSoa, haveA bool
	for _, rrset := range restored.Published.SignedSets {
		if len(rrset.RRs) == 0 {
			continue
		}
		switch rrset.RRs[0].Header().Rrtype {
		case dns.TypeSOA:
			haveSoa = true
		case dns.TypeA:
			haveA = true
		}
	}
	if !haveSoa || !haveA {
		t.Errorf("published zone must carry the restored content (SOA %v, A %v)", haveSoa, haveA)
	}
}

func TestRestoreContentlessRefusesApproval(t *testing.T) {
	db := newTestDB(t)
	policy := newTestPolicy()
	policy.LoadedReview = ReviewPolicy{Required: true}

	zd := newTestZone(t, db, policy)
	addActiveKey(t, zd, RoleKSK)
	addActiveKey(t, zd, RoleZSK)
	if err := db.SaveKeySet(zd.KeySet); err != nil {
		t.Fatalf("SaveKeySet failed: %v", err)
	}
	if _, err := zd.SubmitLoaded(testRecords(t, 100), 100); err != nil {
		t.Fatalf("SubmitLoaded failed: %v", err)
	}

	// No zone file to recover the records from: an approval would
	// sign and publish an empty zone, so it must be refused.
	restored := newTestZone(t, db, policy)
	if err := restored.RestoreState(); err != nil {
		t.Fatalf("RestoreState failed: %v", err)
	}
	if _, err := restored.HandleReviewDecision(ReviewUnsigned, 100, true); err == nil {
		t.Fatal("approving a contentless restored version must fail")
	}
	pending := restored.PendingReviews()
	if len(pending) != 1 || pending[0].Serial != 100 {
		t.Fatalf("refused version must stay awaiting review, got %+v", pending)
	}

	// Rejecting it is always possible.
	if _, err := restored.HandleReviewDecision(ReviewUnsigned, 100, false); err != nil {
		t.Fatalf("rejecting the contentless version failed: %v", err)
	}
	if len(restored.PendingReviews()) != 0 {
		t.Error("rejected version still pending")
	}
}

func TestRestoreState(t *testing.T) {
	db := newTestDB(t)
	policy := newTestPolicy()

	zd := newTestZone(t, db, policy)
	addActiveKey(t, zd, RoleKSK)
	addActiveKey(t, zd, RoleZSK)
	if err := db.SaveKeySet(zd.KeySet); err != nil {
		t.Fatalf("SaveKeySet failed: %v", err)
	}

	v, err := zd.SubmitLoaded(testRecords(t, 100), 100)
	if err != nil {
		t.Fatalf("SubmitLoaded failed: %v", err)
	}
	if v.Stage != StagePublished {
		t.Fatalf("setup: expected published, got %s", StageToString[v.Stage])
	}

	// A fresh ZoneData against the same store sees the same world.
	restored := newTestZone(t, db, policy)
	restored.KeySet = nil
	if err := restored.RestoreState(); err != nil {
		t.Fatalf("RestoreState failed: %v", err)
	}
	if restored.KeySet == nil || len(restored.KeySet.Keys) != 2 {
		t.Fatal("key set not restored")
	}
	if restored.Published == nil || restored.Published.OutSerial != 100 {
		t.Fatalf("published version not restored: %+v", restored.Published)
	}
	if len(restored.Versions) != 1 {
		t.Errorf("expected 1 restored version, got %d", len(restored.Versions))
	}

	t.Run("HaltSurvivesRestart", func(t *testing.T) {
		zd.HardHalt("operator halt for maintenance")

		again := newTestZone(t, db, policy)
		if err := again.RestoreState(); err != nil {
			t.Fatalf("RestoreState failed: %v", err)
		}
		if !again.Halted || again.HaltReason != "operator halt for maintenance" {
			t.Errorf("halt state not restored: halted=%v reason=%q",
				again.Halted, again.HaltReason)
		}
	})
}
