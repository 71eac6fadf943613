/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

import (
	"sync"
	"time"

	"github.com/miekg/dns"
)

type RRset struct {
	Name   string
	RRs    []dns.RR
	RRSIGs []dns.RR
}

type VersionStage uint8

const (
	StageLoaded VersionStage = iota + 1
	StageAwaitingLoadReview
	StageSigning
	StageSigned
	StageAwaitingSignReview
	StagePublished
	StageRejected
)

var StageToString = map[VersionStage]string{
	StageLoaded:             "loaded",
	StageAwaitingLoadReview: "awaiting-load-review",
	StageSigning:            "signing",
	StageSigned:             "signed",
	StageAwaitingSignReview: "awaiting-sign-review",
	StagePublished:          "published",
	StageRejected:           "rejected",
}

// A Version is a snapshot of zone content at a particular serial. The
// records themselves are immutable once loaded; only the stage (and the
// signed output) is updated as the version moves through the pipeline.
type Version struct {
	Serial     uint32
	OutSerial  uint32 // serial after applying the zone's serial policy
	Stage      VersionStage
	Loaded     time.Time
	StageTime  time.Time
	Superseded bool
	FailReason string
	Records    []dns.RR `json:"-"`
	SignedSets []*RRset `json:"-"`
}

type ZoneData struct {
	ZoneName   string
	PolicyName string
	Policy     *DnssecPolicy
	KeySet     *KeySet
	Versions   []*Version
	Published  *Version
	Halted     bool
	HaltReason string
	KeyDB      *StateDB
	Zonefile   string

	// Address (ip:port) of the review server presenting pending
	// versions for inspection, handed to review hooks via env vars.
	ReviewAddr    string
	ReviewTimeout time.Duration

	// Number of times a review hook has been invoked for this zone.
	GateInvocations int

	mu sync.Mutex
}

type ZoneConf struct {
	Name         string `yaml:"name" validate:"required"`
	Zonefile     string `yaml:"zonefile"`
	DnssecPolicy string `yaml:"dnssec-policy" validate:"required"`
}

type ReviewPolicy struct {
	Required bool   `yaml:"required"`
	CmdHook  string `yaml:"cmd-hook"`
}

type AutomationConf struct {
	Start  bool `yaml:"start"`
	Report bool `yaml:"report"`
	Expire bool `yaml:"expire"`
	Done   bool `yaml:"done"`
}

type SerialPolicy string

const (
	SerialKeep        SerialPolicy = "keep"
	SerialCounter     SerialPolicy = "counter"
	SerialUnixTime    SerialPolicy = "unixtime"
	SerialDateCounter SerialPolicy = "datecounter"
)

type DenialConf struct {
	Mode   string `yaml:"mode"` // "nsec" | "nsec3"
	OptOut bool   `yaml:"opt-out"`
}

// DnssecPolicy is the parsed, validated form of DnssecPolicyConf with
// all durations resolved.
type DnssecPolicy struct {
	Name          string
	UseCSK        bool
	Algorithm     uint8
	RsaBits       int
	KskValidity   time.Duration
	ZskValidity   time.Duration
	CskValidity   time.Duration
	AutoKsk       AutomationConf
	AutoZsk       AutomationConf
	AutoCsk       AutomationConf
	AutoAlgorithm AutomationConf

	DnskeyInceptionOffset   time.Duration
	DnskeySignatureLifetime time.Duration
	DnskeyRemainTime        time.Duration
	CdsInceptionOffset      time.Duration
	CdsSignatureLifetime    time.Duration
	CdsRemainTime           time.Duration

	DsAlgorithm string
	DefaultTTL  uint32
	AutoRemove  bool
	Serial      SerialPolicy
	Denial      DenialConf

	LoadedReview ReviewPolicy
	SignedReview ReviewPolicy
}

// DnssecPolicyConf is the YAML representation of a policy; durations
// are strings in time.Duration syntax, plus a "d" suffix for days
// ("90d").
type DnssecPolicyConf struct {
	Name          string         `yaml:"name"`
	UseCSK        bool           `yaml:"use-csk"`
	Algorithm     string         `yaml:"algorithm" validate:"required"`
	RsaBits       int            `yaml:"rsa-bits"`
	KskValidity   string         `yaml:"ksk-validity"`
	ZskValidity   string         `yaml:"zsk-validity"`
	CskValidity   string         `yaml:"csk-validity"`
	AutoKsk       AutomationConf `yaml:"auto-ksk"`
	AutoZsk       AutomationConf `yaml:"auto-zsk"`
	AutoCsk       AutomationConf `yaml:"auto-csk"`
	AutoAlgorithm AutomationConf `yaml:"auto-algorithm"`

	DnskeyInceptionOffset   string `yaml:"dnskey-inception-offset"`
	DnskeySignatureLifetime string `yaml:"dnskey-signature-lifetime"`
	DnskeyRemainTime        string `yaml:"dnskey-remain-time"`
	CdsInceptionOffset      string `yaml:"cds-inception-offset"`
	CdsSignatureLifetime    string `yaml:"cds-signature-lifetime"`
	CdsRemainTime           string `yaml:"cds-remain-time"`

	DsAlgorithm string `yaml:"ds-algorithm"`
	DefaultTTL  uint32 `yaml:"default-ttl"`
	AutoRemove  bool   `yaml:"auto-remove"`
	Serial      string `yaml:"serial"`
	Denial      DenialConf

	LoadedReview ReviewPolicy `yaml:"loaded-review"`
	SignedReview ReviewPolicy `yaml:"signed-review"`
}

type VersionInfo struct {
	Serial     uint32
	OutSerial  uint32
	Stage      string
	Loaded     time.Time
	StageTime  time.Time
	Superseded bool
	FailReason string
}

type RollInfo struct {
	RollType string
	Step     string
	TTL      uint32
	StepTime time.Time
	OldKeys  []uint16
	NewKeys  []uint16
}

type ZoneStatus struct {
	Zone       string
	Policy     string
	Halted     bool
	HaltReason string
	Published  uint32
	Versions   []VersionInfo
	Rolls      []RollInfo
	Keys       []KeyInfo
}

type KeyInfo struct {
	KeyTag    uint16
	Role      string
	State     string
	Algorithm string
	Flags     uint16
	Ownership string
	AtParent  bool
	Backing   string
}
