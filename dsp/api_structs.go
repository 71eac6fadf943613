/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

import (
	"time"
)

type PingPost struct {
	Msg   string
	Pings int
}

type PingResponse struct {
	Time       time.Time
	BootTime   time.Time
	ConfigTime time.Time
	Daemon     string
	ServerHost string
	Version    string
	Client     string
	Msg        string
	Pings      int
	Pongs      int
}

type CommandPost struct {
	Command    string
	SubCommand string
	Zone       string
	Force      bool
}

type CommandResponse struct {
	AppName  string
	Time     time.Time
	Status   string
	Zone     string
	Names    []string
	Zones    map[string]ZoneConf
	Msg      string
	Error    bool
	ErrorMsg string
}

type ZonePost struct {
	Command  string // "list" | "status" | "reload" | "submit" | "halt" | "resume"
	Zone     string
	Zonefile string
	Reason   string
	Force    bool
}

type ZoneResponse struct {
	AppName  string
	Time     time.Time
	Zone     string
	Names    []string
	Status   *ZoneStatus
	Msg      string
	Error    bool
	ErrorMsg string
}

type ReviewPost struct {
	Command string // "approve" | "reject" | "list"
	Zone    string
	Stage   string // "unsigned" | "signed"
	Serial  uint32
}

type ReviewResponse struct {
	AppName  string
	Time     time.Time
	Zone     string
	Pending  []VersionInfo
	Msg      string
	Error    bool
	ErrorMsg string
}

type KeystorePost struct {
	Command    string // "dnssec-mgmt"
	SubCommand string // "list" | "generate" | "import" | "setstate" | "delete"
	Zone       string
	Keyid      uint16
	Flags      uint16
	Algorithm  uint8
	RsaBits    int // key size for RSA algorithms, 0 means the default
	Role       string
	Ownership  string
	Filename   string // .key or .private file for imports
	PubFile    string
	PrivFile   string
	KmipServer string
	KmipPubId  string
	KmipPrivId string
	PrivateKey string
	KeyRR      string
	State      string
	Creator    string
}

type KeystoreResponse struct {
	AppName  string
	Time     time.Time
	Status   string
	Zone     string
	Dnskeys  map[string]DnssecKey
	Msg      string
	Error    bool
	ErrorMsg string
}

// DnssecKey is the operator-facing representation of a stored key.
type DnssecKey struct {
	Zone       string
	Keyid      uint16
	Flags      uint16
	Role       string
	State      string
	Algorithm  string
	Ownership  string
	Creator    string
	PrivateKey string
	Keystr     string
}

type RollPost struct {
	Command  string // "start-roll" | "propagation1-complete" | ... | "roll-done" | "remove-key" | "status"
	Zone     string
	RollType string // "ksk" | "zsk" | "csk" | "algorithm"
	TTL      uint32
	Keyid    uint16
	Force    bool
	Continue bool
}

type RollResponse struct {
	AppName  string
	Time     time.Time
	Zone     string
	Rolls    []RollInfo
	Msg      string
	Error    bool
	ErrorMsg string
}
