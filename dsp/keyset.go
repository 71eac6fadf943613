/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type KeyState string

const (
	KeyStateGenerated KeyState = "generated"
	KeyStatePublished KeyState = "published"
	KeyStateActive    KeyState = "active"
	KeyStateRetired   KeyState = "retired"
	KeyStateRemoved   KeyState = "removed"
)

type KeyRole string

const (
	RoleKSK KeyRole = "KSK"
	RoleZSK KeyRole = "ZSK"
	RoleCSK KeyRole = "CSK"
)

type Ownership string

const (
	OwnershipOwned     Ownership = "owned"
	OwnershipDecoupled Ownership = "decoupled"
)

// A Key is one DNSKEY in the zone's key set. The private half lives in
// the DnssecKeyStore table, in a .key/.private file pair, or behind an
// external KMIP-style reference; Keystr always holds the public DNSKEY
// in presentation format.
type Key struct {
	KeyTag    uint16
	Role      KeyRole
	Algorithm uint8
	Flags     uint16
	State     KeyState
	Ownership Ownership
	Keystr    string

	PubFile    string `json:",omitempty"`
	PrivFile   string `json:",omitempty"`
	KmipServer string `json:",omitempty"`
	KmipPubId  string `json:",omitempty"`
	KmipPrivId string `json:",omitempty"`

	// AtParent is true when this key's DS is (supposed to be)
	// published in the parent zone.
	AtParent  bool
	Created   time.Time
	StateTime time.Time
}

func (k *Key) External() bool {
	return k.KmipServer != ""
}

func (k *Key) Stale() bool {
	return k.State == KeyStateRetired || k.State == KeyStateRemoved
}

func (k *Key) Backing() string {
	switch {
	case k.KmipServer != "":
		return fmt.Sprintf("kmip:%s/%s", k.KmipServer, k.KmipPrivId)
	case k.PrivFile != "":
		return "file:" + k.PrivFile
	default:
		return "db"
	}
}

func (k *Key) setState(s KeyState) {
	k.State = s
	k.StateTime = time.Now()
}

type RollType string

const (
	RollKsk       RollType = "ksk"
	RollZsk       RollType = "zsk"
	RollCsk       RollType = "csk"
	RollAlgorithm RollType = "algorithm"
)

var AllRollTypes = []RollType{RollKsk, RollZsk, RollCsk, RollAlgorithm}

type RollStep uint8

const (
	RollIdle RollStep = iota
	RollStarted
	RollProp1Complete
	RollCacheExpired1
	RollProp2Complete
	RollCacheExpired2
)

var RollStepToString = map[RollStep]string{
	RollIdle:          "idle",
	RollStarted:       "start-roll",
	RollProp1Complete: "propagation1-complete",
	RollCacheExpired1: "cache-expired1",
	RollProp2Complete: "propagation2-complete",
	RollCacheExpired2: "cache-expired2",
}

type RollState struct {
	Step     RollStep
	TTL      uint32 // max TTL observed at the last propagation step
	StepTime time.Time
	OldKeys  []uint16
	NewKeys  []uint16
}

func (rs *RollState) InProgress() bool {
	return rs != nil && rs.Step != RollIdle
}

// The KeySet is the per-zone record of all keys plus the four rollover
// state machines. It is the unit of persistence: the whole set is
// serialized to JSON and written to the KeySetStore before any step
// takes externally visible effect.
type KeySet struct {
	ZoneName string
	Keys     []*Key
	Rolls    map[RollType]*RollState
}

func NewKeySet(zone string) *KeySet {
	ks := &KeySet{
		ZoneName: zone,
		Rolls:    map[RollType]*RollState{},
	}
	for _, rt := range AllRollTypes {
		ks.Rolls[rt] = &RollState{Step: RollIdle}
	}
	return ks
}

func (ks *KeySet) FindKey(keytag uint16) *Key {
	for _, k := range ks.Keys {
		if k.KeyTag == keytag {
			return k
		}
	}
	return nil
}

// KeysInState returns the keys of the given role in any of the given
// states. A CSK matches both the KSK and ZSK roles.
func (ks *KeySet) KeysInState(role KeyRole, states ...KeyState) []*Key {
	var res []*Key
	for _, k := range ks.Keys {
		if k.Role != role && !(k.Role == RoleCSK && (role == RoleKSK || role == RoleZSK)) {
			continue
		}
		for _, s := range states {
			if k.State == s {
				res = append(res, k)
				break
			}
		}
	}
	return res
}

func (ks *KeySet) ActiveKeys(role KeyRole) []*Key {
	return ks.KeysInState(role, KeyStateActive)
}

// PublishedKeys returns all keys that belong in the DNSKEY RRset.
// Retired keys have been withdrawn and are no longer published.
func (ks *KeySet) PublishedKeys() []*Key {
	var res []*Key
	for _, k := range ks.Keys {
		if k.State == KeyStatePublished || k.State == KeyStateActive {
			res = append(res, k)
		}
	}
	return res
}

// ParentKeys returns the keys whose DS should be present at the parent
// (the source of the CDS/CDNSKEY RRsets).
func (ks *KeySet) ParentKeys() []*Key {
	var res []*Key
	for _, k := range ks.Keys {
		if k.AtParent && k.State != KeyStateRemoved {
			res = append(res, k)
		}
	}
	return res
}

func (ks *KeySet) UsesCSK() bool {
	for _, k := range ks.Keys {
		if k.Role == RoleCSK && !k.Stale() {
			return true
		}
	}
	return false
}

func (ks *KeySet) AddKey(k *Key) error {
	if ks.FindKey(k.KeyTag) != nil {
		return fmt.Errorf("key set for %s already contains a key with keytag %d", ks.ZoneName, k.KeyTag)
	}
	ks.Keys = append(ks.Keys, k)
	return nil
}

func (ks *KeySet) DeleteKey(keytag uint16) {
	for i, k := range ks.Keys {
		if k.KeyTag == keytag {
			ks.Keys = append(ks.Keys[:i], ks.Keys[i+1:]...)
			return
		}
	}
}

func (ks *KeySet) RollInfo() []RollInfo {
	var res []RollInfo
	for _, rt := range AllRollTypes {
		rs := ks.Rolls[rt]
		res = append(res, RollInfo{
			RollType: string(rt),
			Step:     RollStepToString[rs.Step],
			TTL:      rs.TTL,
			StepTime: rs.StepTime,
			OldKeys:  rs.OldKeys,
			NewKeys:  rs.NewKeys,
		})
	}
	return res
}

// SaveKeySet writes the complete key set as one JSON record. This is
// the write-ahead point of every rollover transition.
func (kdb *StateDB) SaveKeySet(ks *KeySet) error {
	const q = `INSERT OR REPLACE INTO KeySetStore (zonename, keyset) VALUES (?, ?)`

	buf, err := json.Marshal(ks)
	if err != nil {
		return fmt.Errorf("SaveKeySet: error marshalling key set for %s: %v", ks.ZoneName, err)
	}
	_, err = kdb.Exec(q, ks.ZoneName, string(buf))
	if err != nil {
		return fmt.Errorf("SaveKeySet: error storing key set for %s: %v", ks.ZoneName, err)
	}
	return nil
}

func (kdb *StateDB) LoadKeySet(zone string) (*KeySet, error) {
	const q = `SELECT keyset FROM KeySetStore WHERE zonename=?`

	var buf string
	row := kdb.QueryRow(q, zone)
	switch err := row.Scan(&buf); err {
	case sql.ErrNoRows:
		return nil, nil
	case nil:
		// proceed
	default:
		return nil, fmt.Errorf("LoadKeySet: error from row.Scan: %v", err)
	}

	var ks KeySet
	if err := json.Unmarshal([]byte(buf), &ks); err != nil {
		return nil, fmt.Errorf("LoadKeySet: corrupt key set record for %s: %v", zone, err)
	}
	if ks.Rolls == nil {
		ks.Rolls = map[RollType]*RollState{}
	}
	for _, rt := range AllRollTypes {
		if ks.Rolls[rt] == nil {
			ks.Rolls[rt] = &RollState{Step: RollIdle}
		}
	}
	return &ks, nil
}
