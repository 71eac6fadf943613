/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/miekg/dns"
	"gopkg.in/yaml.v3"
)

type BindPrivateKey struct {
	Private_Key_Format string `yaml:"Private-key-format"`
	Algorithm          string `yaml:"Algorithm"`
	PrivateKey         string `yaml:"PrivateKey"`
}

func algBits(alg uint8, rsabits int) int {
	switch alg {
	case dns.ECDSAP256SHA256, dns.ED25519:
		return 256
	case dns.ECDSAP384SHA384:
		return 384
	case dns.RSASHA256, dns.RSASHA512:
		if rsabits != 0 {
			return rsabits
		}
		return 2048
	}
	return 256
}

// GenerateSigningKey creates a new private/public DNSKEY pair, stores
// the private half in the DnssecKeyStore and returns both the signer
// cache entry and the key set record.
func (kdb *StateDB) GenerateSigningKey(zone string, role KeyRole, alg uint8, flags uint16, rsabits int) (*PrivateKeyCache, *Key, error) {
	const addKeySql = `
INSERT OR REPLACE INTO DnssecKeyStore (zonename, state, keyid, flags, algorithm, role, ownership, creator, privatekey, keyrr) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	nkey := new(dns.DNSKEY)
	nkey.Hdr.Name = dns.Fqdn(zone)
	nkey.Hdr.Rrtype = dns.TypeDNSKEY
	nkey.Hdr.Class = dns.ClassINET
	nkey.Hdr.Ttl = 3600
	nkey.Algorithm = alg
	nkey.Flags = flags
	nkey.Protocol = 3

	privkey, err := nkey.Generate(algBits(alg, rsabits))
	if err != nil {
		return nil, nil, fmt.Errorf("Error from nkey.Generate: %v", err)
	}

	var pk crypto.PrivateKey
	switch privkey := privkey.(type) {
	case *rsa.PrivateKey, ed25519.PrivateKey, *ecdsa.PrivateKey:
		pk = privkey
	default:
		return nil, nil, fmt.Errorf("Error: unknown private key type: %T", privkey)
	}
	privkeystr := nkey.PrivateKeyString(pk) // BIND private key format

	pkc, err := PrepareKeyCache(privkeystr, nkey.String())
	if err != nil {
		return nil, nil, fmt.Errorf("Error from PrepareKeyCache: %v", err)
	}

	_, err = kdb.Exec(addKeySql, zone, string(KeyStateGenerated), pkc.KeyId, flags,
		dns.AlgorithmToString[alg], string(role), string(OwnershipOwned), "dspd",
		privkeystr, nkey.String())
	if err != nil {
		return nil, nil, fmt.Errorf("GenerateSigningKey: error storing key for %s: %v", zone, err)
	}

	key := &Key{
		KeyTag:    pkc.KeyId,
		Role:      role,
		Algorithm: alg,
		Flags:     flags,
		State:     KeyStateGenerated,
		Ownership: OwnershipOwned,
		Keystr:    nkey.String(),
		Created:   time.Now(),
		StateTime: time.Now(),
	}

	if Globals.Verbose {
		log.Printf("GenerateSigningKey: zone %s: new %s key with keytag %d (algorithm %s)",
			zone, role, pkc.KeyId, dns.AlgorithmToString[alg])
	}
	return pkc, key, nil
}

// Note that the private key must be in the "BIND Private-key-format 1.3"
// format while the pubkey is a string representation of a DNSKEY RR.
func PrepareKeyCache(privkey, pubkey string) (*PrivateKeyCache, error) {
	rr, err := dns.NewRR(pubkey)
	if err != nil {
		return nil, fmt.Errorf("Error reading public key '%s': %v", pubkey, err)
	}

	rrk, ok := rr.(*dns.DNSKEY)
	if !ok {
		return nil, fmt.Errorf("Error: public key is a %s RR, expected DNSKEY", dns.TypeToString[rr.Header().Rrtype])
	}

	var pkc PrivateKeyCache
	pkc.K, err = rrk.NewPrivateKey(privkey)
	if err != nil {
		return nil, fmt.Errorf("Error parsing DNSKEY private key: %v", err)
	}
	pkc.KeyType = dns.TypeDNSKEY
	pkc.Algorithm = rrk.Algorithm
	pkc.KeyId = rrk.KeyTag()
	pkc.DnskeyRR = *rrk
	pkc.RR = rr

	var bpk BindPrivateKey
	if err = yaml.Unmarshal([]byte(privkey), &bpk); err != nil {
		return nil, fmt.Errorf("Error from yaml.Unmarshal(): %v", err)
	}
	pkc.PrivateKey = bpk.PrivateKey

	switch pkc.Algorithm {
	case dns.RSASHA256, dns.RSASHA512:
		pkc.CS = pkc.K.(*rsa.PrivateKey)
	case dns.ED25519:
		pkc.CS = pkc.K.(ed25519.PrivateKey)
	case dns.ECDSAP256SHA256, dns.ECDSAP384SHA384:
		pkc.CS = pkc.K.(*ecdsa.PrivateKey)
	default:
		return nil, fmt.Errorf("Error: no support for algorithm %s yet", dns.AlgorithmToString[pkc.Algorithm])
	}

	return &pkc, err
}

// ReadPrivateKey reads a .key/.private file pair by convention from the
// basename of either filename.
func ReadPrivateKey(filename string) (*PrivateKeyCache, string, string, error) {

	if filename == "" {
		return nil, "", "", fmt.Errorf("Error: filename of DNSSEC key not specified")
	}

	var basename, pubfile, privfile string

	if strings.HasSuffix(filename, ".key") {
		basename = strings.TrimSuffix(filename, ".key")
		pubfile = filename
		privfile = basename + ".private"
	} else if strings.HasSuffix(filename, ".private") {
		basename = strings.TrimSuffix(filename, ".private")
		privfile = filename
		pubfile = basename + ".key"
	} else {
		return nil, "", "", fmt.Errorf("Error: filename %s does not end in either .key or .private", filename)
	}

	pkc, err := readKeyPairFiles(pubfile, privfile)
	if err != nil {
		return nil, "", "", err
	}
	return pkc, pubfile, privfile, nil
}

// readKeyPairFiles loads a key from explicitly named public and private
// key files, with no basename convention involved.
func readKeyPairFiles(pubfile, privfile string) (*PrivateKeyCache, error) {
	pubkeybytes, err := os.ReadFile(pubfile)
	if err != nil {
		return nil, fmt.Errorf("Error reading public key file '%s': %v", pubfile, err)
	}
	privkeybytes, err := os.ReadFile(privfile)
	if err != nil {
		return nil, fmt.Errorf("Error reading private key file '%s': %v", privfile, err)
	}

	pkc, err := PrepareKeyCache(string(privkeybytes), string(pubkeybytes))
	if err != nil {
		return nil, fmt.Errorf("Error preparing key cache: %v", err)
	}
	return pkc, nil
}

func roleFromFlags(flags uint16) KeyRole {
	if flags&0x0001 == 0 {
		return RoleZSK // flags 256
	}
	return RoleKSK // flags 257
}

// ImportKey adds an externally created key to a zone's key set. Three
// forms are accepted: a public key alone (always decoupled), a
// .key/.private file pair, or a KMIP-style external reference
// quadruple. Mixing file and external references for the two halves of
// one key is a configuration error.
func (zd *ZoneData) ImportKey(kp KeystorePost) (*Key, error) {
	zd.mu.Lock()
	defer zd.mu.Unlock()

	ownership := OwnershipDecoupled
	if kp.Ownership == string(OwnershipOwned) {
		ownership = OwnershipOwned
	}

	var key *Key

	switch {
	case kp.KmipServer != "" || kp.KmipPubId != "" || kp.KmipPrivId != "":
		if kp.Filename != "" || kp.PubFile != "" || kp.PrivFile != "" {
			return nil, fmt.Errorf("zone %s: key import mixes file and external references", zd.ZoneName)
		}
		if kp.KmipServer == "" || kp.KmipPubId == "" || kp.KmipPrivId == "" {
			return nil, fmt.Errorf("zone %s: incomplete external key reference (need server, public-id, private-id)", zd.ZoneName)
		}
		role := roleFromFlags(kp.Flags)
		key = &Key{
			KeyTag:     kp.Keyid,
			Role:       role,
			Algorithm:  kp.Algorithm,
			Flags:      kp.Flags,
			State:      KeyStatePublished,
			Ownership:  ownership,
			KmipServer: kp.KmipServer,
			KmipPubId:  kp.KmipPubId,
			KmipPrivId: kp.KmipPrivId,
			Created:    time.Now(),
			StateTime:  time.Now(),
		}

	case kp.PrivFile != "" || strings.HasSuffix(kp.Filename, ".private"):
		privfile := kp.PrivFile
		if privfile == "" {
			privfile = kp.Filename
		}
		var pkc *PrivateKeyCache
		var pubfile string
		var err error
		if kp.PubFile != "" {
			// An explicitly named public key file wins over the
			// basename convention.
			pubfile = kp.PubFile
			pkc, err = readKeyPairFiles(pubfile, privfile)
		} else {
			pkc, pubfile, privfile, err = ReadPrivateKey(privfile)
		}
		if err != nil {
			return nil, err
		}
		key = &Key{
			KeyTag:    pkc.KeyId,
			Role:      roleFromFlags(pkc.DnskeyRR.Flags),
			Algorithm: pkc.Algorithm,
			Flags:     pkc.DnskeyRR.Flags,
			State:     KeyStatePublished,
			Ownership: ownership,
			Keystr:    pkc.DnskeyRR.String(),
			PubFile:   pubfile,
			PrivFile:  privfile,
			Created:   time.Now(),
			StateTime: time.Now(),
		}

	case kp.Filename != "" || kp.PubFile != "":
		// Public key only: the private half is elsewhere, so the key
		// is decoupled regardless of the requested ownership.
		fname := kp.PubFile
		if fname == "" {
			fname = kp.Filename
		}
		pubkeybytes, err := os.ReadFile(fname)
		if err != nil {
			return nil, fmt.Errorf("Error reading public key file '%s': %v", fname, err)
		}
		rr, err := dns.NewRR(string(pubkeybytes))
		if err != nil {
			return nil, fmt.Errorf("Error parsing public key '%s': %v", fname, err)
		}
		rrk, ok := rr.(*dns.DNSKEY)
		if !ok {
			return nil, fmt.Errorf("Error: %s does not contain a DNSKEY RR", fname)
		}
		key = &Key{
			KeyTag:    rrk.KeyTag(),
			Role:      roleFromFlags(rrk.Flags),
			Algorithm: rrk.Algorithm,
			Flags:     rrk.Flags,
			State:     KeyStatePublished,
			Ownership: OwnershipDecoupled,
			Keystr:    rrk.String(),
			PubFile:   fname,
			Created:   time.Now(),
			StateTime: time.Now(),
		}

	default:
		return nil, fmt.Errorf("zone %s: key import needs a file or an external reference", zd.ZoneName)
	}

	if kp.Role != "" {
		key.Role = KeyRole(kp.Role)
	}

	if err := zd.KeySet.AddKey(key); err != nil {
		return nil, err
	}
	zd.KeyDB.FlushDnssecCache(zd.ZoneName)
	if err := zd.KeyDB.SaveKeySet(zd.KeySet); err != nil {
		return nil, err
	}
	log.Printf("Zone %s: imported %s key %d (%s, %s)",
		zd.ZoneName, key.Role, key.KeyTag, key.Ownership, key.Backing())
	return key, nil
}

func (kdb *StateDB) fetchPrivateKey(zone string, keytag uint16) (*PrivateKeyCache, error) {
	const q = `SELECT privatekey, keyrr FROM DnssecKeyStore WHERE zonename=? AND keyid=?`

	var privkey, keyrr string
	row := kdb.QueryRow(q, zone, keytag)
	switch err := row.Scan(&privkey, &keyrr); err {
	case sql.ErrNoRows:
		return nil, fmt.Errorf("no stored private key for zone %s keytag %d", zone, keytag)
	case nil:
		return PrepareKeyCache(privkey, keyrr)
	default:
		return nil, err
	}
}

func (kdb *StateDB) resolveSigner(zone string, k *Key) (*PrivateKeyCache, error) {
	switch {
	case k.External():
		// Signing via the key-management bridge is not done in
		// process; an external key cannot serve as a local signer.
		return nil, fmt.Errorf("zone %s: key %d is an external reference (%s), not locally resolvable",
			zone, k.KeyTag, k.Backing())
	case k.PrivFile != "":
		if k.PubFile != "" {
			return readKeyPairFiles(k.PubFile, k.PrivFile)
		}
		pkc, _, _, err := ReadPrivateKey(k.PrivFile)
		return pkc, err
	case k.PubFile != "":
		return nil, fmt.Errorf("zone %s: key %d is public-only (decoupled), cannot sign with it",
			zone, k.KeyTag)
	default:
		return kdb.fetchPrivateKey(zone, k.KeyTag)
	}
}

// GetDnssecActiveKeys resolves the zone's current signing keys into
// usable signers. KSK signers include keys still in state published,
// so that both old and new KSK sign the DNSKEY RRset during a KSK
// roll. A CSK appears on both sides.
func (kdb *StateDB) GetDnssecActiveKeys(zd *ZoneData) (*DnssecActiveKeys, error) {
	kdb.mu.Lock()
	if dak, ok := kdb.DnssecCache[zd.ZoneName]; ok {
		kdb.mu.Unlock()
		return dak, nil
	}
	kdb.mu.Unlock()

	var dak DnssecActiveKeys

	for _, k := range zd.KeySet.KeysInState(RoleKSK, KeyStateActive, KeyStatePublished) {
		pkc, err := kdb.resolveSigner(zd.ZoneName, k)
		if err != nil {
			return nil, err
		}
		dak.KSKs = append(dak.KSKs, pkc)
	}
	for _, k := range zd.KeySet.ActiveKeys(RoleZSK) {
		pkc, err := kdb.resolveSigner(zd.ZoneName, k)
		if err != nil {
			return nil, err
		}
		dak.ZSKs = append(dak.ZSKs, pkc)
	}

	if len(dak.KSKs) == 0 || len(dak.ZSKs) == 0 {
		return nil, fmt.Errorf("zone %s: incomplete signing key set (%d KSKs, %d ZSKs)",
			zd.ZoneName, len(dak.KSKs), len(dak.ZSKs))
	}

	kdb.mu.Lock()
	kdb.DnssecCache[zd.ZoneName] = &dak
	kdb.mu.Unlock()
	return &dak, nil
}

func (kdb *StateDB) FlushDnssecCache(zone string) {
	kdb.mu.Lock()
	delete(kdb.DnssecCache, zone)
	kdb.mu.Unlock()
}

// DeleteKeyBacking removes the private key material of an owned key
// from wherever it lives. External references are never touched.
func (kdb *StateDB) DeleteKeyBacking(zone string, k *Key) error {
	const deleteKeySql = `DELETE FROM DnssecKeyStore WHERE zonename=? AND keyid=?`

	if k.Ownership != OwnershipOwned {
		return fmt.Errorf("zone %s: key %d is decoupled, refusing to delete its backing", zone, k.KeyTag)
	}
	switch {
	case k.External():
		log.Printf("Zone %s: key %d lives on %s; external material is left in place",
			zone, k.KeyTag, k.KmipServer)
		return nil
	case k.PrivFile != "":
		if err := os.Remove(k.PrivFile); err != nil && !os.IsNotExist(err) {
			return err
		}
		if k.PubFile != "" {
			if err := os.Remove(k.PubFile); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		return nil
	default:
		_, err := kdb.Exec(deleteKeySql, zone, k.KeyTag)
		return err
	}
}

// DnssecKeyMgmt implements the keystore API commands.
func (kdb *StateDB) DnssecKeyMgmt(kp KeystorePost) (*KeystoreResponse, error) {
	const (
		getAllKeysSql  = `SELECT zonename, state, keyid, flags, algorithm, role, ownership, creator, privatekey, keyrr FROM DnssecKeyStore`
		getZoneKeysSql = `SELECT zonename, state, keyid, flags, algorithm, role, ownership, creator, privatekey, keyrr FROM DnssecKeyStore WHERE zonename=?`
		getKeyStateSql = `SELECT state FROM DnssecKeyStore WHERE zonename=? AND keyid=?`
		setStateSql    = `UPDATE DnssecKeyStore SET state=? WHERE zonename=? AND keyid=?`
		deleteKeySql   = `DELETE FROM DnssecKeyStore WHERE zonename=? AND keyid=?`
	)

	resp := KeystoreResponse{Time: time.Now(), Zone: kp.Zone}

	switch kp.SubCommand {
	case "list":
		var rows *sql.Rows
		var err error
		if kp.Zone != "" {
			rows, err = kdb.Query(getZoneKeysSql, kp.Zone)
		} else {
			rows, err = kdb.Query(getAllKeysSql)
		}
		if err != nil {
			return &resp, fmt.Errorf("Error from kdb.Query(): %v", err)
		}
		defer rows.Close()

		var zone, state, algorithm, role, ownership, creator, privatekey, keyrr string
		var keyid, flags int

		tmp := map[string]DnssecKey{}
		for rows.Next() {
			err := rows.Scan(&zone, &state, &keyid, &flags, &algorithm, &role, &ownership, &creator, &privatekey, &keyrr)
			if err != nil {
				return &resp, fmt.Errorf("Error from rows.Scan(): %v", err)
			}
			if len(privatekey) < 10 {
				privatekey = "ULTRA SECRET KEY"
			} else {
				privatekey = fmt.Sprintf("%s*****%s", privatekey[0:5], privatekey[len(privatekey)-5:])
			}
			mapkey := fmt.Sprintf("%s::%d", zone, keyid)
			tmp[mapkey] = DnssecKey{
				Zone:       zone,
				Keyid:      uint16(keyid),
				Flags:      uint16(flags),
				Role:       role,
				State:      state,
				Algorithm:  algorithm,
				Ownership:  ownership,
				Creator:    creator,
				PrivateKey: privatekey,
				Keystr:     keyrr,
			}
		}
		resp.Dnskeys = tmp
		resp.Msg = "Here are all the DNSSEC keys that we know"

	case "generate":
		role := KeyRole(kp.Role)
		if role == "" {
			role = roleFromFlags(kp.Flags)
		}
		_, key, err := kdb.GenerateSigningKey(kp.Zone, role, kp.Algorithm, kp.Flags, kp.RsaBits)
		if err != nil {
			return &resp, err
		}
		resp.Msg = fmt.Sprintf("Zone %s: generated new %s key with keytag %d", kp.Zone, role, key.KeyTag)

	case "import":
		zd, ok := FindZone(kp.Zone)
		if !ok {
			return &resp, fmt.Errorf("zone %s is unknown", kp.Zone)
		}
		key, err := zd.ImportKey(kp)
		if err != nil {
			return &resp, err
		}
		resp.Msg = fmt.Sprintf("Zone %s: imported %s key with keytag %d (%s)",
			kp.Zone, key.Role, key.KeyTag, key.Ownership)

	case "setstate":
		tx, err := kdb.Begin("keystore-setstate")
		if err != nil {
			return &resp, err
		}
		defer func() {
			if err == nil {
				tx.Commit()
			} else {
				log.Printf("Error: %v. Rollback.", err)
				tx.Rollback()
			}
		}()

		var current string
		row := tx.QueryRow(getKeyStateSql, kp.Zone, kp.Keyid)
		if err = row.Scan(&current); err == sql.ErrNoRows {
			err = fmt.Errorf("zone %s: no stored key with keytag %d", kp.Zone, kp.Keyid)
			return &resp, err
		} else if err != nil {
			return &resp, err
		}
		if _, err = tx.Exec(setStateSql, kp.State, kp.Zone, kp.Keyid); err != nil {
			return &resp, err
		}
		resp.Msg = fmt.Sprintf("Zone %s: key %d state changed from %s to %s",
			kp.Zone, kp.Keyid, current, kp.State)

	case "delete":
		tx, err := kdb.Begin("keystore-delete")
		if err != nil {
			return &resp, err
		}
		defer func() {
			if err == nil {
				tx.Commit()
			} else {
				log.Printf("Error: %v. Rollback.", err)
				tx.Rollback()
			}
		}()

		var state string
		row := tx.QueryRow(getKeyStateSql, kp.Zone, kp.Keyid)
		if err = row.Scan(&state); err == sql.ErrNoRows {
			err = fmt.Errorf("zone %s: no stored key with keytag %d", kp.Zone, kp.Keyid)
			return &resp, err
		} else if err != nil {
			return &resp, err
		}
		if state == string(KeyStateActive) {
			err = fmt.Errorf("zone %s: key %d is active, refusing to delete its private key", kp.Zone, kp.Keyid)
			return &resp, err
		}
		if _, err = tx.Exec(deleteKeySql, kp.Zone, kp.Keyid); err != nil {
			return &resp, err
		}
		resp.Msg = fmt.Sprintf("Zone %s: deleted stored key %d (was %s)", kp.Zone, kp.Keyid, state)

	default:
		return &resp, fmt.Errorf("Unknown keystore subcommand: %s", kp.SubCommand)
	}

	return &resp, nil
}
