/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

import (
	"fmt"
	"log"
	"time"

	"github.com/miekg/dns"
)

// All four roll kinds walk the same six steps:
//
//   idle -> start-roll -> propagation1-complete(ttl) -> cache-expired1
//        -> propagation2-complete(ttl) -> cache-expired2 -> roll-done -> idle
//
// The kinds differ only in which keys each step touches, captured in
// the rollTable below. Step ordering, TTL bookkeeping, conflict checks
// and persistence are shared.

type rollActions struct {
	// check runs at start-roll time and may veto the roll without
	// mutating any state.
	check func(zd *ZoneData) error
	// start generates the replacement key(s) and records them in
	// rs.NewKeys / rs.OldKeys.
	start func(zd *ZoneData, rs *RollState) error
	// afterCache1 runs when cache-expired1 completes (TTL1 waited out).
	afterCache1 func(zd *ZoneData, rs *RollState)
	// afterCache2 runs when cache-expired2 completes (TTL2 waited out).
	afterCache2 func(zd *ZoneData, rs *RollState)
}

var rollTable = map[RollType]rollActions{
	RollKsk: {
		check: func(zd *ZoneData) error {
			if zd.KeySet.UsesCSK() {
				return fmt.Errorf("zone %s signs with a CSK; a KSK roll does not apply", zd.ZoneName)
			}
			if zd.Policy.UseCSK {
				return fmt.Errorf("policy %s mandates CSK; a KSK roll does not apply", zd.Policy.Name)
			}
			return nil
		},
		start:       startSingleRoleRoll(RoleKSK),
		afterCache1: kskAfterCache1,
		afterCache2: retireOldKeys,
	},
	RollZsk: {
		check: func(zd *ZoneData) error {
			if zd.KeySet.UsesCSK() {
				return fmt.Errorf("zone %s signs with a CSK; a ZSK roll does not apply", zd.ZoneName)
			}
			if zd.Policy.UseCSK {
				return fmt.Errorf("policy %s mandates CSK; a ZSK roll does not apply", zd.Policy.Name)
			}
			return nil
		},
		start:       startSingleRoleRoll(RoleZSK),
		afterCache1: zskAfterCache1,
		afterCache2: retireOldKeys,
	},
	RollCsk: {
		check:       func(zd *ZoneData) error { return nil },
		start:       startFullReplacementRoll,
		afterCache1: fullAfterCache1,
		afterCache2: retireOldKeys,
	},
	RollAlgorithm: {
		// An algorithm roll is always permitted, even when the
		// target algorithm equals the current one.
		check:       func(zd *ZoneData) error { return nil },
		start:       startFullReplacementRoll,
		afterCache1: fullAfterCache1,
		afterCache2: retireOldKeys,
	},
}

// rollConflicts returns the roll kinds that must be idle for rt to start.
func rollConflicts(rt RollType) []RollType {
	switch rt {
	case RollKsk:
		return []RollType{RollKsk, RollCsk, RollAlgorithm}
	case RollZsk:
		return []RollType{RollZsk, RollCsk, RollAlgorithm}
	default:
		return AllRollTypes
	}
}

func (zd *ZoneData) checkRollStart(rt RollType) error {
	for _, other := range rollConflicts(rt) {
		if zd.KeySet.Rolls[other].InProgress() {
			return fmt.Errorf("zone %s: cannot start %s roll: %s roll in progress (step %s)",
				zd.ZoneName, rt, other, RollStepToString[zd.KeySet.Rolls[other].Step])
		}
	}
	return rollTable[rt].check(zd)
}

func (zd *ZoneData) generateRollKey(role KeyRole) (*Key, error) {
	flags := uint16(257)
	if role == RoleZSK {
		flags = 256
	}
	_, key, err := zd.KeyDB.GenerateSigningKey(zd.ZoneName, role, zd.Policy.Algorithm, flags, zd.Policy.RsaBits)
	if err != nil {
		return nil, err
	}
	key.setState(KeyStatePublished)
	if err := zd.KeySet.AddKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

func startSingleRoleRoll(role KeyRole) func(zd *ZoneData, rs *RollState) error {
	return func(zd *ZoneData, rs *RollState) error {
		for _, k := range zd.KeySet.ActiveKeys(role) {
			rs.OldKeys = append(rs.OldKeys, k.KeyTag)
		}
		nk, err := zd.generateRollKey(role)
		if err != nil {
			return err
		}
		rs.NewKeys = []uint16{nk.KeyTag}
		return nil
	}
}

// startFullReplacementRoll serves both the CSK and the algorithm rolls:
// the complete signing key complement is replaced according to policy
// (one CSK, or a KSK+ZSK pair). This is also the bootstrap path for a
// brand-new zone, where OldKeys ends up empty.
func startFullReplacementRoll(zd *ZoneData, rs *RollState) error {
	for _, k := range zd.KeySet.Keys {
		if k.State == KeyStateActive {
			rs.OldKeys = append(rs.OldKeys, k.KeyTag)
		}
	}

	var roles []KeyRole
	if zd.Policy.UseCSK {
		roles = []KeyRole{RoleCSK}
	} else {
		roles = []KeyRole{RoleKSK, RoleZSK}
	}
	for _, role := range roles {
		nk, err := zd.generateRollKey(role)
		if err != nil {
			return err
		}
		// The replacement keys sign from the very first phase: the
		// new-algorithm RRSIGs must be in place before any DS points
		// at the new keys. Only the parent-side swap waits for the
		// first cache interval.
		nk.setState(KeyStateActive)
		rs.NewKeys = append(rs.NewKeys, nk.KeyTag)
	}
	return nil
}

// kskAfterCache1: the new DNSKEY has been visible everywhere for a full
// TTL, so the DS at the parent may be swapped over.
func kskAfterCache1(zd *ZoneData, rs *RollState) {
	for _, tag := range rs.OldKeys {
		if k := zd.KeySet.FindKey(tag); k != nil {
			k.AtParent = false
		}
	}
	for _, tag := range rs.NewKeys {
		if k := zd.KeySet.FindKey(tag); k != nil {
			k.AtParent = true
			k.setState(KeyStateActive)
		}
	}
}

// zskAfterCache1: signing switches to the new ZSK; the old one stays
// published until the signatures it made have expired from caches.
func zskAfterCache1(zd *ZoneData, rs *RollState) {
	for _, tag := range rs.NewKeys {
		if k := zd.KeySet.FindKey(tag); k != nil {
			k.setState(KeyStateActive)
		}
	}
	for _, tag := range rs.OldKeys {
		if k := zd.KeySet.FindKey(tag); k != nil {
			k.setState(KeyStatePublished)
		}
	}
}

func fullAfterCache1(zd *ZoneData, rs *RollState) {
	for _, tag := range rs.NewKeys {
		k := zd.KeySet.FindKey(tag)
		if k == nil {
			continue
		}
		k.setState(KeyStateActive)
		if k.Role == RoleKSK || k.Role == RoleCSK {
			k.AtParent = true
		}
	}
	for _, tag := range rs.OldKeys {
		if k := zd.KeySet.FindKey(tag); k != nil {
			k.AtParent = false
			k.setState(KeyStatePublished)
		}
	}
}

func retireOldKeys(zd *ZoneData, rs *RollState) {
	for _, tag := range rs.OldKeys {
		if k := zd.KeySet.FindKey(tag); k != nil {
			k.AtParent = false
			k.setState(KeyStateRetired)
		}
	}
}

// StartRoll begins a rollover of the given kind. All consistency checks
// run before any state is touched; a rejected start leaves the key set
// untouched.
func (zd *ZoneData) StartRoll(rt RollType) error {
	zd.mu.Lock()
	defer zd.mu.Unlock()
	return zd.startRollLocked(rt)
}

func (zd *ZoneData) startRollLocked(rt RollType) error {
	if _, known := rollTable[rt]; !known {
		return fmt.Errorf("unknown roll type: %s", rt)
	}
	if err := zd.checkRollStart(rt); err != nil {
		return err
	}

	rs := &RollState{Step: RollStarted, StepTime: time.Now()}
	if err := rollTable[rt].start(zd, rs); err != nil {
		return err
	}
	zd.KeySet.Rolls[rt] = rs

	if err := zd.KeyDB.SaveKeySet(zd.KeySet); err != nil {
		return err
	}
	zd.KeyDB.FlushDnssecCache(zd.ZoneName)
	log.Printf("Zone %s: started %s roll (old keys: %v, new keys: %v)",
		zd.ZoneName, rt, rs.OldKeys, rs.NewKeys)
	return nil
}

func (zd *ZoneData) rollStepGuard(rt RollType, want RollStep) (*RollState, error) {
	rs, ok := zd.KeySet.Rolls[rt]
	if !ok {
		return nil, fmt.Errorf("unknown roll type: %s", rt)
	}
	if rs.Step != want {
		return nil, fmt.Errorf("zone %s: %s roll is at step %s, expected %s",
			zd.ZoneName, rt, RollStepToString[rs.Step], RollStepToString[want])
	}
	return rs, nil
}

// Propagation1Complete records that all first-phase record changes have
// been observed on every relevant nameserver. ttl is the maximum TTL
// among the records checked and becomes the minimum wait before
// cache-expired1.
func (zd *ZoneData) Propagation1Complete(rt RollType, ttl uint32) error {
	zd.mu.Lock()
	defer zd.mu.Unlock()

	rs, err := zd.rollStepGuard(rt, RollStarted)
	if err != nil {
		return err
	}
	rs.Step = RollProp1Complete
	rs.TTL = ttl
	rs.StepTime = time.Now()
	return zd.KeyDB.SaveKeySet(zd.KeySet)
}

func (zd *ZoneData) CacheExpired1(rt RollType) error {
	zd.mu.Lock()
	defer zd.mu.Unlock()

	rs, err := zd.rollStepGuard(rt, RollProp1Complete)
	if err != nil {
		return err
	}
	if waited := time.Since(rs.StepTime); waited < time.Duration(rs.TTL)*time.Second {
		return fmt.Errorf("zone %s: %s roll: TTL %d not yet expired (%.0fs elapsed)",
			zd.ZoneName, rt, rs.TTL, waited.Seconds())
	}
	rs.Step = RollCacheExpired1
	rs.StepTime = time.Now()
	rollTable[rt].afterCache1(zd, rs)

	if err := zd.KeyDB.SaveKeySet(zd.KeySet); err != nil {
		return err
	}
	zd.KeyDB.FlushDnssecCache(zd.ZoneName)
	return nil
}

func (zd *ZoneData) Propagation2Complete(rt RollType, ttl uint32) error {
	zd.mu.Lock()
	defer zd.mu.Unlock()

	rs, err := zd.rollStepGuard(rt, RollCacheExpired1)
	if err != nil {
		return err
	}
	rs.Step = RollProp2Complete
	rs.TTL = ttl
	rs.StepTime = time.Now()
	return zd.KeyDB.SaveKeySet(zd.KeySet)
}

func (zd *ZoneData) CacheExpired2(rt RollType) error {
	zd.mu.Lock()
	defer zd.mu.Unlock()

	rs, err := zd.rollStepGuard(rt, RollProp2Complete)
	if err != nil {
		return err
	}
	if waited := time.Since(rs.StepTime); waited < time.Duration(rs.TTL)*time.Second {
		return fmt.Errorf("zone %s: %s roll: TTL %d not yet expired (%.0fs elapsed)",
			zd.ZoneName, rt, rs.TTL, waited.Seconds())
	}
	rs.Step = RollCacheExpired2
	rs.StepTime = time.Now()
	rollTable[rt].afterCache2(zd, rs)

	if err := zd.KeyDB.SaveKeySet(zd.KeySet); err != nil {
		return err
	}
	zd.KeyDB.FlushDnssecCache(zd.ZoneName)
	return nil
}

// RollDone finishes the roll: retired keys are marked removed and, if
// the policy says auto-remove and we own the key, the backing material
// is deleted. Decoupled keys are never deleted.
func (zd *ZoneData) RollDone(rt RollType) error {
	zd.mu.Lock()
	defer zd.mu.Unlock()

	rs, err := zd.rollStepGuard(rt, RollCacheExpired2)
	if err != nil {
		return err
	}

	for _, tag := range rs.OldKeys {
		k := zd.KeySet.FindKey(tag)
		if k == nil {
			continue
		}
		k.setState(KeyStateRemoved)
		if zd.Policy.AutoRemove && k.Ownership == OwnershipOwned {
			if err := zd.KeyDB.DeleteKeyBacking(zd.ZoneName, k); err != nil {
				log.Printf("Zone %s: roll-done: could not delete backing for key %d: %v",
					zd.ZoneName, tag, err)
			} else {
				zd.KeySet.DeleteKey(tag)
			}
		}
	}

	zd.KeySet.Rolls[rt] = &RollState{Step: RollIdle, StepTime: time.Now()}
	if err := zd.KeyDB.SaveKeySet(zd.KeySet); err != nil {
		return err
	}
	log.Printf("Zone %s: %s roll done", zd.ZoneName, rt)
	return nil
}

// RollStepByName dispatches one of the six step triggers. This is the
// entry point shared by the CLI verbs and the automation tick.
func (zd *ZoneData) RollStepByName(rt RollType, step string, ttl uint32) error {
	switch step {
	case "start-roll":
		return zd.StartRoll(rt)
	case "propagation1-complete":
		return zd.Propagation1Complete(rt, ttl)
	case "cache-expired1":
		return zd.CacheExpired1(rt)
	case "propagation2-complete":
		return zd.Propagation2Complete(rt, ttl)
	case "cache-expired2":
		return zd.CacheExpired2(rt)
	case "roll-done":
		return zd.RollDone(rt)
	default:
		return fmt.Errorf("unknown roll step: %s", step)
	}
}

// RemoveKey deletes a specific key from the set. A key that is not
// stale is refused unless force is set. With cont set, a roll that the
// key was part of is reset to idle instead of blocking the removal.
func (zd *ZoneData) RemoveKey(keytag uint16, force, cont bool) error {
	zd.mu.Lock()
	defer zd.mu.Unlock()

	k := zd.KeySet.FindKey(keytag)
	if k == nil {
		return fmt.Errorf("zone %s: no key with keytag %d", zd.ZoneName, keytag)
	}
	if !k.Stale() && !force {
		return fmt.Errorf("zone %s: key %d is in state %s, not stale (use --force to override)",
			zd.ZoneName, keytag, k.State)
	}

	for rt, rs := range zd.KeySet.Rolls {
		if !rs.InProgress() {
			continue
		}
		involved := false
		for _, tag := range append(append([]uint16{}, rs.OldKeys...), rs.NewKeys...) {
			if tag == keytag {
				involved = true
			}
		}
		if !involved {
			continue
		}
		if !cont {
			return fmt.Errorf("zone %s: key %d is part of an in-progress %s roll (use --continue to abort the roll)",
				zd.ZoneName, keytag, rt)
		}
		log.Printf("Zone %s: aborting %s roll due to removal of key %d", zd.ZoneName, rt, keytag)
		zd.KeySet.Rolls[rt] = &RollState{Step: RollIdle, StepTime: time.Now()}
	}

	if k.Ownership == OwnershipOwned {
		if err := zd.KeyDB.DeleteKeyBacking(zd.ZoneName, k); err != nil {
			return fmt.Errorf("zone %s: error deleting backing for key %d: %v", zd.ZoneName, keytag, err)
		}
	}
	zd.KeySet.DeleteKey(keytag)
	zd.KeyDB.FlushDnssecCache(zd.ZoneName)
	return zd.KeyDB.SaveKeySet(zd.KeySet)
}

// RollNeeded reports whether the active keys of the role covered by rt
// have exceeded their policy validity.
func (zd *ZoneData) RollNeeded(rt RollType) bool {
	zd.mu.Lock()
	defer zd.mu.Unlock()
	return zd.rollNeededLocked(rt)
}

func (zd *ZoneData) rollNeededLocked(rt RollType) bool {
	var role KeyRole
	var validity time.Duration
	switch rt {
	case RollKsk:
		role, validity = RoleKSK, zd.Policy.KskValidity
	case RollZsk:
		role, validity = RoleZSK, zd.Policy.ZskValidity
	case RollCsk:
		role, validity = RoleCSK, zd.Policy.CskValidity
	default:
		return false
	}
	if validity == 0 {
		return false
	}
	for _, k := range zd.KeySet.Keys {
		if k.Role != role || k.State != KeyStateActive {
			continue
		}
		if time.Since(k.Created) > validity {
			return true
		}
	}
	return false
}

// BootstrapKeySet creates the initial keys for a brand-new zone. The
// new keys are introduced via an algorithm roll rather than being
// published directly: the DNSKEY RRset and signatures must have
// propagated before any parent DS shows up, or a zone going from
// unsigned to signed would present a dangling chain of trust.
func (zd *ZoneData) BootstrapKeySet() error {
	zd.mu.Lock()
	defer zd.mu.Unlock()

	if zd.KeySet == nil {
		zd.KeySet = NewKeySet(zd.ZoneName)
	}
	if len(zd.KeySet.Keys) != 0 {
		return fmt.Errorf("zone %s already has %d keys", zd.ZoneName, len(zd.KeySet.Keys))
	}
	log.Printf("Zone %s: bootstrapping key set (algorithm %s)",
		zd.ZoneName, dns.AlgorithmToString[zd.Policy.Algorithm])
	return zd.startRollLocked(RollAlgorithm)
}
