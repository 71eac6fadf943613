/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

import (
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

func sigLifetime(t time.Time, offset, lifetime uint32) (uint32, uint32) {
	sigJitter := time.Duration(rand.Intn(61)) * time.Second
	sigValidity := time.Duration(lifetime) * time.Second
	if lifetime == 0 {
		sigValidity = time.Duration(30*24) * time.Hour
	}
	incep := uint32(t.Add(-time.Duration(offset) * time.Second).Add(-sigJitter).Unix())
	expir := uint32(t.Add(sigValidity).Add(sigJitter).Unix())
	return incep, expir
}

// SignRRset signs one RRset with the appropriate keys: the DNSKEY, CDS
// and CDNSKEY RRsets are signed by the KSKs, everything else by the
// ZSKs. Existing still-valid signatures by the same key are kept
// unless force is set.
func SignRRset(rrset *RRset, signer string, dak *DnssecActiveKeys, policy *DnssecPolicy, force bool) (bool, error) {

	if dak == nil || len(dak.KSKs) == 0 || len(dak.ZSKs) == 0 {
		return false, fmt.Errorf("SignRRset: no active DNSSEC keys available")
	}
	if len(rrset.RRs) == 0 {
		return false, fmt.Errorf("SignRRset: rrset has no RRs")
	}

	var signingkeys []*PrivateKeyCache
	var offset, lifetime uint32
	remain := policy.DnskeyRemainTime

	switch rrset.RRs[0].Header().Rrtype {
	case dns.TypeDNSKEY:
		signingkeys = dak.KSKs
		offset = uint32(policy.DnskeyInceptionOffset.Seconds())
		lifetime = uint32(policy.DnskeySignatureLifetime.Seconds())
	case dns.TypeCDS, dns.TypeCDNSKEY:
		signingkeys = dak.KSKs
		offset = uint32(policy.CdsInceptionOffset.Seconds())
		lifetime = uint32(policy.CdsSignatureLifetime.Seconds())
		remain = policy.CdsRemainTime
	default:
		signingkeys = dak.ZSKs
	}

	resigned := false

	for _, key := range signingkeys {
		shouldSign := true
		for idx, oldsig := range rrset.RRSIGs {
			if oldsig.(*dns.RRSIG).KeyTag == key.DnskeyRR.KeyTag() {
				shouldSign = sigNeedsRenewal(oldsig.(*dns.RRSIG), remain) || force
				if shouldSign {
					rrset.RRSIGs = append(rrset.RRSIGs[:idx], rrset.RRSIGs[idx+1:]...)
				}
			}
		}

		if shouldSign {
			rrsig := new(dns.RRSIG)
			rrsig.Hdr = dns.RR_Header{
				Name:   rrset.RRs[0].Header().Name,
				Rrtype: dns.TypeRRSIG,
				Class:  dns.ClassINET,
				Ttl:    rrset.RRs[0].Header().Ttl,
			}
			rrsig.KeyTag = key.DnskeyRR.KeyTag()
			rrsig.Algorithm = key.DnskeyRR.Algorithm
			rrsig.Inception, rrsig.Expiration = sigLifetime(time.Now().UTC(), offset, lifetime)
			rrsig.SignerName = signer

			err := rrsig.Sign(key.CS, rrset.RRs)
			if err != nil {
				log.Printf("Error from rrsig.Sign(%s): %v", signer, err)
				return false, err
			}

			rrset.RRSIGs = append(rrset.RRSIGs, rrsig)
			resigned = true
		}
	}

	return resigned, nil
}

func sigNeedsRenewal(rrsig *dns.RRSIG, remain time.Duration) bool {
	if remain == 0 {
		remain = 24 * time.Hour
	}
	expirationTime := time.Unix(int64(rrsig.Expiration), 0)
	return time.Until(expirationTime) < remain
}

// NextSerial applies the zone's serial policy. prev is the output
// serial of the previously published version (0 if none).
func NextSerial(policy SerialPolicy, loaded, prev uint32) uint32 {
	switch policy {
	case SerialKeep:
		return loaded
	case SerialCounter:
		next := prev + 1
		if loaded > next {
			next = loaded
		}
		return next
	case SerialUnixTime:
		now := uint32(time.Now().Unix())
		if now <= prev {
			now = prev + 1
		}
		return now
	case SerialDateCounter:
		date := uint32(0)
		if t, err := time.Parse("20060102", time.Now().UTC().Format("20060102")); err == nil {
			date = uint32(t.Year()*1000000+int(t.Month())*10000+t.Day()*100) + 1
		}
		if date <= prev {
			date = prev + 1
		}
		return date
	default:
		return loaded
	}
}

// ApexDnskeyRRset builds the DNSKEY RRset from all currently published
// keys in the zone's key set.
func (zd *ZoneData) ApexDnskeyRRset() (*RRset, error) {
	rrset := RRset{Name: dns.Fqdn(zd.ZoneName)}
	for _, k := range zd.KeySet.PublishedKeys() {
		if k.Keystr == "" {
			return nil, fmt.Errorf("zone %s: key %d has no public DNSKEY representation", zd.ZoneName, k.KeyTag)
		}
		rr, err := dns.NewRR(k.Keystr)
		if err != nil {
			return nil, fmt.Errorf("zone %s: error parsing stored DNSKEY for key %d: %v", zd.ZoneName, k.KeyTag, err)
		}
		rr.Header().Ttl = zd.Policy.DefaultTTL
		rrset.RRs = append(rrset.RRs, rr)
	}
	if len(rrset.RRs) == 0 {
		return nil, fmt.Errorf("zone %s: no publishable DNSKEYs in key set", zd.ZoneName)
	}
	return &rrset, nil
}

func dsDigestType(name string) uint8 {
	switch strings.ToUpper(name) {
	case "SHA-384", "SHA384":
		return dns.SHA384
	default:
		return dns.SHA256
	}
}

// ApexCdsRRsets builds the CDS and CDNSKEY RRsets from the keys whose
// DS belongs at the parent.
func (zd *ZoneData) ApexCdsRRsets() (*RRset, *RRset, error) {
	cds := RRset{Name: dns.Fqdn(zd.ZoneName)}
	cdnskey := RRset{Name: dns.Fqdn(zd.ZoneName)}

	for _, k := range zd.KeySet.ParentKeys() {
		rr, err := dns.NewRR(k.Keystr)
		if err != nil {
			return nil, nil, fmt.Errorf("zone %s: error parsing stored DNSKEY for key %d: %v", zd.ZoneName, k.KeyTag, err)
		}
		dnskey, ok := rr.(*dns.DNSKEY)
		if !ok {
			return nil, nil, fmt.Errorf("zone %s: key %d is not a DNSKEY", zd.ZoneName, k.KeyTag)
		}
		ds := dnskey.ToDS(dsDigestType(zd.Policy.DsAlgorithm))
		if ds == nil {
			return nil, nil, fmt.Errorf("zone %s: could not compute DS for key %d", zd.ZoneName, k.KeyTag)
		}

		cdsrr := new(dns.CDS)
		cdsrr.Hdr = dns.RR_Header{Name: dns.Fqdn(zd.ZoneName), Rrtype: dns.TypeCDS, Class: dns.ClassINET, Ttl: zd.Policy.DefaultTTL}
		cdsrr.KeyTag = ds.KeyTag
		cdsrr.Algorithm = ds.Algorithm
		cdsrr.DigestType = ds.DigestType
		cdsrr.Digest = ds.Digest
		cds.RRs = append(cds.RRs, cdsrr)

		cdnskeyrr := new(dns.CDNSKEY)
		cdnskeyrr.Hdr = dns.RR_Header{Name: dns.Fqdn(zd.ZoneName), Rrtype: dns.TypeCDNSKEY, Class: dns.ClassINET, Ttl: zd.Policy.DefaultTTL}
		cdnskeyrr.Flags = dnskey.Flags
		cdnskeyrr.Protocol = dnskey.Protocol
		cdnskeyrr.Algorithm = dnskey.Algorithm
		cdnskeyrr.PublicKey = dnskey.PublicKey
		cdnskey.RRs = append(cdnskey.RRs, cdnskeyrr)
	}
	return &cds, &cdnskey, nil
}

type rrsetKey struct {
	name   string
	rrtype uint16
}

// SignVersion produces the signed RRsets for one zone version: serial
// bump per policy, apex DNSKEY/CDS/CDNSKEY, denial chain, then RRSIGs
// over everything. Signing is spread over a small worker pool.
func (zd *ZoneData) SignVersion(v *Version, dak *DnssecActiveKeys) error {
	apex := dns.Fqdn(zd.ZoneName)

	prev := uint32(0)
	if zd.Published != nil {
		prev = zd.Published.OutSerial
	}
	v.OutSerial = NextSerial(zd.Policy.Serial, v.Serial, prev)

	sets := map[rrsetKey]*RRset{}
	var order []rrsetKey
	for _, rr := range v.Records {
		hdr := rr.Header()
		if hdr.Rrtype == dns.TypeRRSIG || hdr.Rrtype == dns.TypeNSEC || hdr.Rrtype == dns.TypeNSEC3 ||
			hdr.Rrtype == dns.TypeNSEC3PARAM || hdr.Rrtype == dns.TypeDNSKEY ||
			hdr.Rrtype == dns.TypeCDS || hdr.Rrtype == dns.TypeCDNSKEY {
			// Stripped from the input; we produce our own.
			continue
		}
		if hdr.Rrtype == dns.TypeSOA {
			soa := dns.Copy(rr).(*dns.SOA)
			soa.Serial = v.OutSerial
			rr = soa
		}
		k := rrsetKey{hdr.Name, rr.Header().Rrtype}
		if sets[k] == nil {
			sets[k] = &RRset{Name: hdr.Name}
			order = append(order, k)
		}
		sets[k].RRs = append(sets[k].RRs, rr)
	}

	dnskeys, err := zd.ApexDnskeyRRset()
	if err != nil {
		return err
	}
	k := rrsetKey{apex, dns.TypeDNSKEY}
	sets[k] = dnskeys
	order = append(order, k)

	cds, cdnskey, err := zd.ApexCdsRRsets()
	if err != nil {
		return err
	}
	if len(cds.RRs) > 0 {
		k = rrsetKey{apex, dns.TypeCDS}
		sets[k] = cds
		order = append(order, k)
		k = rrsetKey{apex, dns.TypeCDNSKEY}
		sets[k] = cdnskey
		order = append(order, k)
	}

	denial, err := zd.denialChain(sets)
	if err != nil {
		return err
	}
	for _, rrset := range denial {
		k = rrsetKey{rrset.Name, rrset.RRs[0].Header().Rrtype}
		sets[k] = rrset
		order = append(order, k)
	}

	// One version of one zone is mid-signing at a time; within it the
	// per-RRset work is parallelized.
	var wg sync.WaitGroup
	work := make(chan *RRset)
	errs := make(chan error, len(order))
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rrset := range work {
				if _, err := SignRRset(rrset, apex, dak, zd.Policy, false); err != nil {
					errs <- err
				}
			}
		}()
	}
	for _, k := range order {
		if zoneCut(apex, sets, k) {
			continue // delegations and glue are not signed
		}
		work <- sets[k]
	}
	close(work)
	wg.Wait()
	close(errs)
	for err := range errs {
		return fmt.Errorf("zone %s: error signing version %d: %v", zd.ZoneName, v.Serial, err)
	}

	v.SignedSets = nil
	for _, k := range order {
		v.SignedSets = append(v.SignedSets, sets[k])
	}
	return nil
}

// zoneCut reports whether the RRset sits at or below a delegation.
func zoneCut(apex string, sets map[rrsetKey]*RRset, k rrsetKey) bool {
	if k.name == apex {
		return false
	}
	if k.rrtype == dns.TypeNS {
		return true
	}
	name := k.name
	for name != apex && strings.Count(name, ".") >= strings.Count(apex, ".") {
		if _, cut := sets[rrsetKey{name, dns.TypeNS}]; cut && name != k.name {
			return true
		}
		if _, cut := sets[rrsetKey{k.name, dns.TypeNS}]; cut && k.rrtype != dns.TypeDS {
			return true
		}
		idx := strings.Index(name, ".")
		if idx < 0 {
			break
		}
		name = name[idx+1:]
	}
	return false
}

// denialChain builds the NSEC or NSEC3 chain over the names present in
// the version.
func (zd *ZoneData) denialChain(sets map[rrsetKey]*RRset) ([]*RRset, error) {
	apex := dns.Fqdn(zd.ZoneName)

	typesByName := map[string][]uint16{}
	for k := range sets {
		typesByName[k.name] = append(typesByName[k.name], k.rrtype)
	}

	var names []string
	for name := range typesByName {
		names = append(names, name)
	}
	sort.Strings(names)

	if zd.Policy.Denial.Mode == "nsec3" {
		return zd.nsec3Chain(apex, names, typesByName)
	}

	var res []*RRset
	for i, name := range names {
		next := names[(i+1)%len(names)]
		nsec := new(dns.NSEC)
		nsec.Hdr = dns.RR_Header{Name: name, Rrtype: dns.TypeNSEC, Class: dns.ClassINET, Ttl: zd.Policy.DefaultTTL}
		nsec.NextDomain = next
		types := append([]uint16{}, typesByName[name]...)
		types = append(types, dns.TypeNSEC, dns.TypeRRSIG)
		sort.Slice(types, func(a, b int) bool { return types[a] < types[b] })
		nsec.TypeBitMap = types
		res = append(res, &RRset{Name: name, RRs: []dns.RR{nsec}})
	}
	return res, nil
}

func (zd *ZoneData) nsec3Chain(apex string, names []string, typesByName map[string][]uint16) ([]*RRset, error) {
	const iterations = 0
	const salt = ""

	flags := uint8(0)
	if zd.Policy.Denial.OptOut {
		flags = 1
	}

	param := new(dns.NSEC3PARAM)
	param.Hdr = dns.RR_Header{Name: apex, Rrtype: dns.TypeNSEC3PARAM, Class: dns.ClassINET, Ttl: zd.Policy.DefaultTTL}
	param.Hash = dns.SHA1
	param.Flags = 0
	param.Iterations = iterations
	param.Salt = salt

	type hashed struct {
		hash string
		name string
	}
	var hashes []hashed
	for _, name := range names {
		if zd.Policy.Denial.OptOut && isInsecureDelegation(apex, name, typesByName) {
			continue
		}
		h := strings.ToLower(dns.HashName(name, dns.SHA1, iterations, salt))
		hashes = append(hashes, hashed{h, name})
	}
	sort.Slice(hashes, func(a, b int) bool { return hashes[a].hash < hashes[b].hash })

	res := []*RRset{{Name: apex, RRs: []dns.RR{param}}}
	for i, h := range hashes {
		next := hashes[(i+1)%len(hashes)]
		nsec3 := new(dns.NSEC3)
		nsec3.Hdr = dns.RR_Header{
			Name:   h.hash + "." + apex,
			Rrtype: dns.TypeNSEC3,
			Class:  dns.ClassINET,
			Ttl:    zd.Policy.DefaultTTL,
		}
		nsec3.Hash = dns.SHA1
		nsec3.Flags = flags
		nsec3.Iterations = iterations
		nsec3.Salt = salt
		nsec3.NextDomain = strings.ToUpper(next.hash)
		types := append([]uint16{}, typesByName[h.name]...)
		types = append(types, dns.TypeRRSIG)
		sort.Slice(types, func(a, b int) bool { return types[a] < types[b] })
		nsec3.TypeBitMap = types
		res = append(res, &RRset{Name: nsec3.Hdr.Name, RRs: []dns.RR{nsec3}})
	}
	return res, nil
}

func isInsecureDelegation(apex, name string, typesByName map[string][]uint16) bool {
	if name == apex {
		return false
	}
	hasNS, hasDS := false, false
	for _, t := range typesByName[name] {
		if t == dns.TypeNS {
			hasNS = true
		}
		if t == dns.TypeDS {
			hasDS = true
		}
	}
	return hasNS && !hasDS
}
