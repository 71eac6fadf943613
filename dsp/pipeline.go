/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/miekg/dns"
)

// The per-zone pipeline: loaded -> (review) -> signing -> signed ->
// (review) -> published. All stage transitions happen under the zone
// mutex, so at most one version of one zone is mid-signing at a time
// and a newly arriving version waits rather than interrupting
// in-flight signing. Rejection of one version is always soft: the next
// version is processed normally. Only HardHalt stops a zone.

func (v *Version) setStage(s VersionStage) {
	v.Stage = s
	v.StageTime = time.Now()
}

func (zd *ZoneData) versionAtStage(stage VersionStage) *Version {
	for i := len(zd.Versions) - 1; i >= 0; i-- {
		if zd.Versions[i].Stage == stage && !zd.Versions[i].Superseded {
			return zd.Versions[i]
		}
	}
	return nil
}

// supersede soft-cancels a predecessor still awaiting review at the
// given stage. Only the stage-local awaiting state is cancelled.
func (zd *ZoneData) supersede(stage VersionStage) {
	if old := zd.versionAtStage(stage); old != nil {
		log.Printf("Zone %s: version %d at %s superseded by newer version",
			zd.ZoneName, old.Serial, StageToString[stage])
		old.Superseded = true
		old.setStage(StageRejected)
		old.FailReason = "superseded"
		zd.persistVersion(old)
	}
}

// SubmitLoaded enters a new version into the pipeline.
func (zd *ZoneData) SubmitLoaded(records []dns.RR, serial uint32) (*Version, error) {
	zd.mu.Lock()
	defer zd.mu.Unlock()

	if zd.Halted {
		return nil, fmt.Errorf("zone %s is halted (%s); resume before loading new versions",
			zd.ZoneName, zd.HaltReason)
	}

	zd.supersede(StageAwaitingLoadReview)

	v := &Version{
		Serial:  serial,
		Loaded:  time.Now(),
		Records: records,
	}
	v.setStage(StageLoaded)
	zd.Versions = append(zd.Versions, v)
	zd.persistVersion(v)

	if zd.Policy.LoadedReview.Required {
		v.setStage(StageAwaitingLoadReview)
		zd.persistVersion(v)
		zd.startReview(ReviewUnsigned, v)
		return v, nil
	}

	// No review required at this gate: implicit approval, no gate
	// invocation.
	zd.resolveLoadReviewLocked(v, true)
	return v, nil
}

func (zd *ZoneData) resolveLoadReview(v *Version, approved bool) {
	zd.mu.Lock()
	defer zd.mu.Unlock()
	zd.resolveLoadReviewLocked(v, approved)
}

func (zd *ZoneData) resolveLoadReviewLocked(v *Version, approved bool) {
	if v.Superseded || v.Stage == StageRejected {
		return
	}
	if !approved {
		v.setStage(StageRejected)
		v.FailReason = "rejected at loaded review"
		zd.persistVersion(v)
		return
	}

	v.setStage(StageSigning)
	zd.persistVersion(v)

	dak, err := zd.KeyDB.GetDnssecActiveKeys(zd)
	if err != nil {
		// Failure to obtain a consistent key set is fatal for this
		// version only; the pipeline stays ready for the next one.
		log.Printf("Zone %s: version %d: no consistent signing key set: %v",
			zd.ZoneName, v.Serial, err)
		v.setStage(StageRejected)
		v.FailReason = fmt.Sprintf("no consistent signing key set: %v", err)
		zd.persistVersion(v)
		return
	}

	if err := zd.SignVersion(v, dak); err != nil {
		log.Printf("Zone %s: version %d: signing failed: %v", zd.ZoneName, v.Serial, err)
		v.setStage(StageRejected)
		v.FailReason = fmt.Sprintf("signing failed: %v", err)
		zd.persistVersion(v)
		return
	}

	v.setStage(StageSigned)
	zd.persistVersion(v)
	zd.onSignedLocked(v)
}

func (zd *ZoneData) onSignedLocked(v *Version) {
	if v.Superseded {
		// Signing of a superseded version completes and is then
		// discarded; it never reaches publish.
		return
	}

	zd.supersede(StageAwaitingSignReview)

	if zd.Policy.SignedReview.Required {
		v.setStage(StageAwaitingSignReview)
		zd.persistVersion(v)
		zd.startReview(ReviewSigned, v)
		return
	}

	zd.publishLocked(v)
}

func (zd *ZoneData) resolveSignReview(v *Version, approved bool) {
	zd.mu.Lock()
	defer zd.mu.Unlock()

	if v.Superseded || v.Stage == StageRejected || v.Stage == StagePublished {
		return
	}
	if !approved {
		v.setStage(StageRejected)
		v.FailReason = "rejected at signed review"
		zd.persistVersion(v)
		return
	}
	zd.publishLocked(v)
}

func (zd *ZoneData) publishLocked(v *Version) {
	if v.Superseded {
		return
	}
	v.setStage(StagePublished)
	zd.persistVersion(v)
	zd.Published = v
	zd.persistZoneState()
	log.Printf("Zone %s: version %d (outgoing serial %d) published",
		zd.ZoneName, v.Serial, v.OutSerial)
}

// HardHalt blocks the zone entirely until an operator resumes it. Used
// for unrecoverable conditions (corrupt persisted state, missing key
// backing), never for ordinary review rejection.
func (zd *ZoneData) HardHalt(reason string) {
	zd.mu.Lock()
	defer zd.mu.Unlock()
	zd.Halted = true
	zd.HaltReason = reason
	zd.persistZoneState()
	log.Printf("Zone %s: HARD HALT: %s", zd.ZoneName, reason)
}

func (zd *ZoneData) Resume() {
	zd.mu.Lock()
	defer zd.mu.Unlock()
	zd.Halted = false
	zd.HaltReason = ""
	zd.persistZoneState()
	log.Printf("Zone %s: resumed", zd.ZoneName)
}

func (zd *ZoneData) Status() *ZoneStatus {
	zd.mu.Lock()
	defer zd.mu.Unlock()

	st := ZoneStatus{
		Zone:       zd.ZoneName,
		Policy:     zd.PolicyName,
		Halted:     zd.Halted,
		HaltReason: zd.HaltReason,
		Rolls:      zd.KeySet.RollInfo(),
	}
	if zd.Published != nil {
		st.Published = zd.Published.OutSerial
	}
	for _, v := range zd.Versions {
		st.Versions = append(st.Versions, VersionInfo{
			Serial:     v.Serial,
			OutSerial:  v.OutSerial,
			Stage:      StageToString[v.Stage],
			Loaded:     v.Loaded,
			StageTime:  v.StageTime,
			Superseded: v.Superseded,
			FailReason: v.FailReason,
		})
	}
	for _, k := range zd.KeySet.Keys {
		st.Keys = append(st.Keys, KeyInfo{
			KeyTag:    k.KeyTag,
			Role:      string(k.Role),
			State:     string(k.State),
			Algorithm: dns.AlgorithmToString[k.Algorithm],
			Flags:     k.Flags,
			Ownership: string(k.Ownership),
			AtParent:  k.AtParent,
			Backing:   k.Backing(),
		})
	}
	return &st
}

// ReadZoneFile parses a zone file into records plus the SOA serial.
func ReadZoneFile(zone, filename string) ([]dns.RR, uint32, error) {
	fd, err := os.Open(filename)
	if err != nil {
		return nil, 0, fmt.Errorf("error opening zone file %s: %v", filename, err)
	}
	defer fd.Close()

	zp := dns.NewZoneParser(fd, dns.Fqdn(zone), filename)
	zp.SetIncludeAllowed(true)

	var records []dns.RR
	var serial uint32
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		if soa, isSoa := rr.(*dns.SOA); isSoa {
			serial = soa.Serial
		}
		records = append(records, rr)
	}
	if err := zp.Err(); err != nil {
		return nil, 0, fmt.Errorf("error parsing zone file %s: %v", filename, err)
	}
	if serial == 0 {
		return nil, 0, fmt.Errorf("zone file %s contains no SOA", filename)
	}
	return records, serial, nil
}

// Reload reads the configured zone file and submits it as a new
// version.
func (zd *ZoneData) Reload(zonefile string) (*Version, error) {
	records, serial, err := ReadZoneFile(zd.ZoneName, zonefile)
	if err != nil {
		return nil, err
	}
	return zd.SubmitLoaded(records, serial)
}

func (zd *ZoneData) persistVersion(v *Version) {
	if zd.KeyDB == nil {
		return
	}
	const q = `
INSERT OR REPLACE INTO VersionStore (zonename, serial, outserial, stage, loaded, stagetime, superseded, failreason) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := zd.KeyDB.Exec(q, zd.ZoneName, v.Serial, v.OutSerial, v.Stage,
		v.Loaded.Format(time.RFC3339), v.StageTime.Format(time.RFC3339), v.Superseded, v.FailReason)
	if err != nil {
		log.Printf("Zone %s: error persisting version %d: %v", zd.ZoneName, v.Serial, err)
	}
}

func (zd *ZoneData) persistZoneState() {
	if zd.KeyDB == nil {
		return
	}
	const q = `
INSERT OR REPLACE INTO ZoneStateStore (zonename, halted, haltreason, publishedserial) VALUES (?, ?, ?, ?)`
	pub := uint32(0)
	if zd.Published != nil {
		pub = zd.Published.OutSerial
	}
	_, err := zd.KeyDB.Exec(q, zd.ZoneName, zd.Halted, zd.HaltReason, pub)
	if err != nil {
		log.Printf("Zone %s: error persisting zone state: %v", zd.ZoneName, err)
	}
}

// RestoreState reloads persisted versions, halt state and the key set
// after a restart. A version that was awaiting review stays awaiting
// review; an in-progress roll resumes at its last completed step.
// Unreadable state is a hard halt, not a silent reset.
func (zd *ZoneData) RestoreState() error {
	const vq = `SELECT serial, outserial, stage, loaded, stagetime, superseded, failreason FROM VersionStore WHERE zonename=? ORDER BY id`
	const zq = `SELECT halted, haltreason, publishedserial FROM ZoneStateStore WHERE zonename=?`

	ks, err := zd.KeyDB.LoadKeySet(zd.ZoneName)
	if err != nil {
		zd.HardHalt(fmt.Sprintf("persisted key set unreadable: %v", err))
		return err
	}
	if ks != nil {
		zd.KeySet = ks
	}

	rows, err := zd.KeyDB.Query(vq, zd.ZoneName)
	if err != nil {
		zd.HardHalt(fmt.Sprintf("persisted version history unreadable: %v", err))
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var v Version
		var stage int
		var loaded, stagetime string
		if err := rows.Scan(&v.Serial, &v.OutSerial, &stage, &loaded, &stagetime, &v.Superseded, &v.FailReason); err != nil {
			zd.HardHalt(fmt.Sprintf("persisted version record unreadable: %v", err))
			return err
		}
		v.Stage = VersionStage(stage)
		v.Loaded, _ = time.Parse(time.RFC3339, loaded)
		v.StageTime, _ = time.Parse(time.RFC3339, stagetime)
		zd.Versions = append(zd.Versions, &v)
		if v.Stage == StagePublished {
			zd.Published = &v
		}
	}

	var pub uint32
	row := zd.KeyDB.QueryRow(zq, zd.ZoneName)
	if err := row.Scan(&zd.Halted, &zd.HaltReason, &pub); err == nil && zd.Halted {
		log.Printf("Zone %s: restored in halted state: %s", zd.ZoneName, zd.HaltReason)
	}

	zd.reattachVersionContent()
	return nil
}

// reattachVersionContent reloads the zone file contents into restored
// versions that sit before the signing step. The version rows carry no
// records; a version awaiting the unsigned review gets its content back
// from the zone file, provided the serial on disk still matches. A
// version whose content cannot be recovered stays contentless and the
// review gate refuses to approve it.
func (zd *ZoneData) reattachVersionContent() {
	if zd.Zonefile == "" {
		return
	}
	var pending []*Version
	for _, v := range zd.Versions {
		if v.Superseded {
			continue
		}
		if v.Stage == StageLoaded || v.Stage == StageAwaitingLoadReview {
			pending = append(pending, v)
		}
	}
	if len(pending) == 0 {
		return
	}

	records, serial, err := ReadZoneFile(zd.ZoneName, zd.Zonefile)
	if err != nil {
		log.Printf("Zone %s: cannot reload %s for restored versions: %v",
			zd.ZoneName, zd.Zonefile, err)
		return
	}
	for _, v := range pending {
		if v.Serial != serial {
			log.Printf("Zone %s: restored version %d does not match zone file serial %d, content not recovered",
				zd.ZoneName, v.Serial, serial)
			continue
		}
		v.Records = records
	}
}
