/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type RollRequest struct {
	Cmd      string // one of the six step names | "remove-key" | "status"
	ZoneName string
	RollType RollType
	TTL      uint32
	Keyid    uint16
	Force    bool
	Continue bool
	Response chan RollResponse
}

func (zd *ZoneData) rollAutomation(rt RollType) AutomationConf {
	switch rt {
	case RollKsk:
		return zd.Policy.AutoKsk
	case RollZsk:
		return zd.Policy.AutoZsk
	case RollCsk:
		return zd.Policy.AutoCsk
	default:
		return zd.Policy.AutoAlgorithm
	}
}

// kskTags filters the given keytags down to the ones whose DS belongs
// at the parent (KSKs and CSKs). Caller holds zd.mu.
func (zd *ZoneData) kskTags(tags []uint16) []uint16 {
	var res []uint16
	for _, tag := range tags {
		k := zd.KeySet.FindKey(tag)
		if k != nil && (k.Role == RoleKSK || k.Role == RoleCSK) {
			res = append(res, tag)
		}
	}
	return res
}

// rollSnapshot is the tick's private copy of one roll's state, taken
// under the zone mutex so the oracle checks run without touching live
// key set structures.
type rollSnapshot struct {
	step      RollStep
	stepTime  time.Time
	ttl       uint32
	newKeys   []uint16
	kskNew    []uint16
	kskOld    []uint16
	needStart bool
}

// phase2Check: for DS-affecting rolls, is the parent DS swap visible;
// for a ZSK roll, are the new signatures visible?
func (zd *ZoneData) phase2Check(oracle PropagationOracle, rt RollType, snap rollSnapshot) (*PropagationReport, error) {
	if rt == RollZsk {
		return oracle.CheckRRsig(zd.ZoneName, snap.newKeys)
	}
	return oracle.CheckDs(zd.ZoneName, snap.kskNew, snap.kskOld)
}

// AutoRollTick advances every roll of the zone as far as its
// automation flags allow. An unreachable oracle never forces a step
// and never fails the zone; the step is simply retried next tick.
// The key set is only read under the zone mutex; the step methods
// take the lock themselves and re-verify the step before acting.
func (zd *ZoneData) AutoRollTick(oracle PropagationOracle) {
	for _, rt := range AllRollTypes {
		auto := zd.rollAutomation(rt)

		zd.mu.Lock()
		if zd.Halted {
			zd.mu.Unlock()
			return
		}
		rs := zd.KeySet.Rolls[rt]
		snap := rollSnapshot{
			step:     rs.Step,
			stepTime: rs.StepTime,
			ttl:      rs.TTL,
			newKeys:  append([]uint16{}, rs.NewKeys...),
			kskNew:   zd.kskTags(rs.NewKeys),
			kskOld:   zd.kskTags(rs.OldKeys),
		}
		if rs.Step == RollIdle && auto.Start {
			snap.needStart = zd.rollNeededLocked(rt)
		}
		zd.mu.Unlock()

		switch snap.step {
		case RollIdle:
			if snap.needStart {
				if err := zd.StartRoll(rt); err != nil {
					log.Printf("Zone %s: auto-start of %s roll not possible: %v", zd.ZoneName, rt, err)
				}
			}

		case RollStarted:
			if !auto.Report {
				continue
			}
			report, err := oracle.CheckDnskey(zd.ZoneName, snap.newKeys)
			if err != nil {
				log.Printf("Zone %s: %s roll: propagation check not possible yet: %v", zd.ZoneName, rt, err)
				continue
			}
			if report.Visible {
				if err := zd.Propagation1Complete(rt, report.MaxTTL); err != nil {
					log.Printf("Zone %s: %s roll: %v", zd.ZoneName, rt, err)
				}
			}

		case RollProp1Complete:
			if auto.Expire && time.Since(snap.stepTime) >= time.Duration(snap.ttl)*time.Second {
				if err := zd.CacheExpired1(rt); err != nil {
					log.Printf("Zone %s: %s roll: %v", zd.ZoneName, rt, err)
				}
			}

		case RollCacheExpired1:
			if !auto.Report {
				continue
			}
			report, err := zd.phase2Check(oracle, rt, snap)
			if err != nil {
				log.Printf("Zone %s: %s roll: propagation check not possible yet: %v", zd.ZoneName, rt, err)
				continue
			}
			if report.Visible {
				if err := zd.Propagation2Complete(rt, report.MaxTTL); err != nil {
					log.Printf("Zone %s: %s roll: %v", zd.ZoneName, rt, err)
				}
			}

		case RollProp2Complete:
			if auto.Expire && time.Since(snap.stepTime) >= time.Duration(snap.ttl)*time.Second {
				if err := zd.CacheExpired2(rt); err != nil {
					log.Printf("Zone %s: %s roll: %v", zd.ZoneName, rt, err)
				}
			}

		case RollCacheExpired2:
			if !auto.Done {
				continue
			}
			report, err := zd.phase2Check(oracle, rt, snap)
			if err != nil {
				log.Printf("Zone %s: %s roll: final check not possible yet: %v", zd.ZoneName, rt, err)
				continue
			}
			if report.Visible {
				if err := zd.RollDone(rt); err != nil {
					log.Printf("Zone %s: %s roll: %v", zd.ZoneName, rt, err)
				}
			}
		}
	}
}

func (zd *ZoneData) handleRollRequest(rp RollRequest) RollResponse {
	resp := RollResponse{Time: time.Now(), Zone: zd.ZoneName}

	var err error
	switch rp.Cmd {
	case "status":
		// fallthrough to the roll info below
	case "remove-key":
		err = zd.RemoveKey(rp.Keyid, rp.Force, rp.Continue)
	default:
		err = zd.RollStepByName(rp.RollType, rp.Cmd, rp.TTL)
	}

	if err != nil {
		resp.Error = true
		resp.ErrorMsg = err.Error()
	} else {
		resp.Msg = fmt.Sprintf("Zone %s: %s ok", zd.ZoneName, rp.Cmd)
	}

	zd.mu.Lock()
	resp.Rolls = zd.KeySet.RollInfo()
	zd.mu.Unlock()
	return resp
}

// KeyManagerEngine serializes all rollover mutations: manual step
// triggers arrive on the RollQ, automation runs on the tick.
func KeyManagerEngine(conf *Config, stopch chan struct{}) {
	rollq := conf.Internal.RollQ
	oracle := conf.Internal.Oracle

	interval := viper.GetInt("keymanager.interval")
	if interval < 1 {
		interval = 5
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	log.Printf("KeyManagerEngine: starting with interval %d seconds", interval)

	for {
		select {
		case rp := <-rollq:
			zd, ok := FindZone(rp.ZoneName)
			if !ok {
				if rp.Response != nil {
					rp.Response <- RollResponse{
						Time:     time.Now(),
						Error:    true,
						ErrorMsg: fmt.Sprintf("Zone %s is unknown", rp.ZoneName),
					}
				}
				continue
			}
			resp := zd.handleRollRequest(rp)
			if rp.Response != nil {
				rp.Response <- resp
			}

		case <-ticker.C:
			for _, zname := range Zones.Keys() {
				zd, ok := Zones.Get(zname)
				if !ok {
					continue
				}
				zd.AutoRollTick(oracle)
			}

		case <-stopch:
			log.Println("KeyManagerEngine: stopping")
			return
		}
	}
}
