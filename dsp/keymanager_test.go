/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

import (
	"fmt"
	"testing"
	"time"
)

func fullAutomation() AutomationConf {
	return AutomationConf{Start: true, Report: true, Expire: true, Done: true}
}

func TestAutoRollTickFullZskRoll(t *testing.T) {
	policy := newTestPolicy()
	policy.AutoZsk = fullAutomation()
	policy.ZskValidity = time.Hour

	zd := signedTestZone(t, policy)
	oldZsk := zd.KeySet.ActiveKeys(RoleZSK)[0]
	oldZsk.Created = time.Now().Add(-2 * time.Hour)

	oracle := &fakeOracle{visible: true, maxTTL: 0}

	// One step per tick: start, report, expire, report, expire, done.
	steps := []RollStep{RollStarted, RollProp1Complete, RollCacheExpired1,
		RollProp2Complete, RollCacheExpired2, RollIdle}
	for i, want := range steps {
		zd.AutoRollTick(oracle)
		if got := zd.KeySet.Rolls[RollZsk].Step; got != want {
			t.Fatalf("tick %d: step %s, want %s", i+1,
				RollStepToString[got], RollStepToString[want])
		}
	}

	if oldZsk.State != KeyStateRemoved {
		t.Errorf("old ZSK should be removed after the automated roll, got %s", oldZsk.State)
	}
	if len(zd.KeySet.ActiveKeys(RoleZSK)) != 1 {
		t.Error("exactly one ZSK should be active after the roll")
	}
	if oracle.rrsigChecks == 0 {
		t.Error("a ZSK roll's second phase must check RRSIG visibility")
	}
	if oracle.dsChecks != 0 {
		t.Error("a ZSK roll must not check DS records")
	}
}

func TestAutoRollTickKskUsesDsCheck(t *testing.T) {
	policy := newTestPolicy()
	policy.AutoKsk = fullAutomation()
	policy.KskValidity = time.Hour

	zd := signedTestZone(t, policy)
	zd.KeySet.ActiveKeys(RoleKSK)[0].Created = time.Now().Add(-2 * time.Hour)

	oracle := &fakeOracle{visible: true, maxTTL: 0}
	for i := 0; i < 6; i++ {
		zd.AutoRollTick(oracle)
	}

	if zd.KeySet.Rolls[RollKsk].InProgress() {
		t.Fatal("automated KSK roll did not complete")
	}
	if oracle.dsChecks == 0 {
		t.Error("a KSK roll's second phase must check the parent DS")
	}
	if oracle.rrsigChecks != 0 {
		t.Error("a KSK roll must not check RRSIG visibility")
	}
}

func TestAutoRollTickTransientOracleFailure(t *testing.T) {
	policy := newTestPolicy()
	policy.AutoZsk = fullAutomation()
	policy.ZskValidity = time.Hour

	zd := signedTestZone(t, policy)
	zd.KeySet.ActiveKeys(RoleZSK)[0].Created = time.Now().Add(-2 * time.Hour)

	oracle := &fakeOracle{err: fmt.Errorf("no authoritative server reachable")}

	zd.AutoRollTick(oracle) // start (no oracle involved)
	if zd.KeySet.Rolls[RollZsk].Step != RollStarted {
		t.Fatal("auto-start did not happen")
	}

	// An unreachable oracle never forces a step: the roll stays put
	// and is retried on later ticks.
	for i := 0; i < 3; i++ {
		zd.AutoRollTick(oracle)
	}
	if got := zd.KeySet.Rolls[RollZsk].Step; got != RollStarted {
		t.Fatalf("oracle failure must not advance the roll, got %s", RollStepToString[got])
	}

	oracle.err = nil
	oracle.visible = true
	zd.AutoRollTick(oracle)
	if got := zd.KeySet.Rolls[RollZsk].Step; got != RollProp1Complete {
		t.Fatalf("roll should advance once the oracle recovers, got %s", RollStepToString[got])
	}
}

func TestAutoRollTickInvisibleDoesNotAdvance(t *testing.T) {
	policy := newTestPolicy()
	policy.AutoZsk = fullAutomation()
	zd := signedTestZone(t, policy)

	if err := zd.StartRoll(RollZsk); err != nil {
		t.Fatalf("StartRoll failed: %v", err)
	}

	oracle := &fakeOracle{visible: false}
	zd.AutoRollTick(oracle)
	if got := zd.KeySet.Rolls[RollZsk].Step; got != RollStarted {
		t.Fatalf("partial propagation must not advance the roll, got %s", RollStepToString[got])
	}
}

func TestAutoRollTickRespectsAutomationFlags(t *testing.T) {
	policy := newTestPolicy()
	policy.AutoZsk = AutomationConf{Start: false, Report: true, Expire: true, Done: true}
	policy.ZskValidity = time.Hour

	zd := signedTestZone(t, policy)
	zd.KeySet.ActiveKeys(RoleZSK)[0].Created = time.Now().Add(-2 * time.Hour)

	oracle := &fakeOracle{visible: true}
	zd.AutoRollTick(oracle)
	if zd.KeySet.Rolls[RollZsk].InProgress() {
		t.Fatal("with start automation off, an overdue key must not start a roll")
	}

	// A manually started roll is still advanced by the other flags.
	if err := zd.StartRoll(RollZsk); err != nil {
		t.Fatalf("StartRoll failed: %v", err)
	}
	zd.AutoRollTick(oracle)
	if got := zd.KeySet.Rolls[RollZsk].Step; got != RollProp1Complete {
		t.Fatalf("report automation should advance the manual roll, got %s", RollStepToString[got])
	}
}

func TestAutoRollTickHaltedZone(t *testing.T) {
	policy := newTestPolicy()
	policy.AutoZsk = fullAutomation()
	policy.ZskValidity = time.Hour

	zd := signedTestZone(t, policy)
	zd.KeySet.ActiveKeys(RoleZSK)[0].Created = time.Now().Add(-2 * time.Hour)
	zd.HardHalt("operator halt")

	zd.AutoRollTick(&fakeOracle{visible: true})
	if zd.KeySet.Rolls[RollZsk].InProgress() {
		t.Fatal("a halted zone must not start rolls")
	}
}

func TestAutoRollTickWaitsForTTL(t *testing.T) {
	policy := newTestPolicy()
	policy.AutoZsk = fullAutomation()
	zd := signedTestZone(t, policy)

	if err := zd.StartRoll(RollZsk); err != nil {
		t.Fatalf("StartRoll failed: %v", err)
	}

	// The oracle reports a large max observed TTL; the expire step
	// must wait it out.
	oracle := &fakeOracle{visible: true, maxTTL: 3600}
	zd.AutoRollTick(oracle)
	if got := zd.KeySet.Rolls[RollZsk].Step; got != RollProp1Complete {
		t.Fatalf("expected propagation1-complete, got %s", RollStepToString[got])
	}
	zd.AutoRollTick(oracle)
	if got := zd.KeySet.Rolls[RollZsk].Step; got != RollProp1Complete {
		t.Fatalf("cache-expired1 must wait for the observed TTL, got %s", RollStepToString[got])
	}
}

func TestAutoRollTickConcurrentKeyImport(t *testing.T) {
	// Ticks read the key set while imports append to it; both sides
	// must go through the zone mutex.
	policy := newTestPolicy()
	policy.AutoZsk = fullAutomation()
	zd := signedTestZone(t, policy)

	oracle := &fakeOracle{visible: true}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			zd.AutoRollTick(oracle)
		}
	}()

	for i := 0; i < 20; i++ {
		_, err := zd.ImportKey(KeystorePost{
			Zone:       zd.ZoneName,
			Keyid:      uint16(40000 + i),
			Flags:      256,
			Algorithm:  policy.Algorithm,
			KmipServer: "kmip.example.com:5696",
			KmipPubId:  fmt.Sprintf("pub-%d", i),
			KmipPrivId: fmt.Sprintf("priv-%d", i),
		})
		if err != nil {
			t.Fatalf("ImportKey failed: %v", err)
		}
	}
	<-done

	for i := 0; i < 20; i++ {
		if zd.KeySet.FindKey(uint16(40000+i)) == nil {
			t.Errorf("imported key %d missing from the key set", 40000+i)
		}
	}
}

func TestHandleRollRequest(t *testing.T) {
	zd := signedTestZone(t, newTestPolicy())

	t.Run("Status", func(t *testing.T) {
		resp := zd.handleRollRequest(RollRequest{Cmd: "status"})
		if resp.Error {
			t.Fatalf("status request failed: %s", resp.ErrorMsg)
		}
		if len(resp.Rolls) != len(AllRollTypes) {
			t.Errorf("expected %d roll infos, got %d", len(AllRollTypes), len(resp.Rolls))
		}
	})

	t.Run("StepDispatch", func(t *testing.T) {
		resp := zd.handleRollRequest(RollRequest{Cmd: "start-roll", RollType: RollZsk})
		if resp.Error {
			t.Fatalf("start-roll failed: %s", resp.ErrorMsg)
		}
		if !zd.KeySet.Rolls[RollZsk].InProgress() {
			t.Error("start-roll did not start the roll")
		}
	})

	t.Run("UnknownStep", func(t *testing.T) {
		resp := zd.handleRollRequest(RollRequest{Cmd: "sideways-roll", RollType: RollZsk})
		if !resp.Error {
			t.Error("unknown step must be reported as an error")
		}
	})
}
