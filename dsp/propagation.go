/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/miekg/dns"
)

// PropagationReport is what an oracle check produced. MaxTTL is the
// maximum TTL among all records seen across all authorities that could
// be queried; authorities that could not be queried are flagged in
// Unreachable, they do not fail the check.
type PropagationReport struct {
	Visible     bool
	MaxTTL      uint32
	Checked     []string
	Unreachable []string
}

// The PropagationOracle answers "is this change visible on all
// relevant nameservers yet, and at what TTL". The rollover automation
// consults it for the two propagation steps of each roll.
type PropagationOracle interface {
	// CheckDnskey: do all authoritative servers of zone serve a
	// DNSKEY RRset containing all of newtags?
	CheckDnskey(zone string, newtags []uint16) (*PropagationReport, error)
	// CheckDs: do all authoritative servers of the parent serve a DS
	// RRset for zone with all of newtags present and none of oldtags?
	CheckDs(zone string, newtags, oldtags []uint16) (*PropagationReport, error)
	// CheckRRsig: do all authoritative servers of zone serve an apex
	// SOA RRSIG made by one of newtags?
	CheckRRsig(zone string, newtags []uint16) (*PropagationReport, error)
}

// DnsOracle implements PropagationOracle with plain DNS queries via a
// recursive resolver (for NS discovery) and direct queries to each
// authoritative address.
type DnsOracle struct {
	IMR     string // address:port of recursive resolver
	Timeout time.Duration
}

func NewDnsOracle(imr string, timeout time.Duration) *DnsOracle {
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &DnsOracle{IMR: imr, Timeout: timeout}
}

func (o *DnsOracle) exchange(m *dns.Msg, server string) (*dns.Msg, error) {
	c := dns.Client{Timeout: o.Timeout}
	r, _, err := c.Exchange(m, server)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (o *DnsOracle) lookup(qname string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(qname), qtype)
	m.SetEdns0(4096, true)
	r, err := o.exchange(m, o.IMR)
	if err != nil {
		return nil, err
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("lookup %s %s: rcode %s", qname, dns.TypeToString[qtype], dns.RcodeToString[r.Rcode])
	}
	return r.Answer, nil
}

// authAddresses returns one address per authoritative nameserver of
// the given zone.
func (o *DnsOracle) authAddresses(zone string) (map[string]string, error) {
	nsrrs, err := o.lookup(zone, dns.TypeNS)
	if err != nil {
		return nil, fmt.Errorf("error looking up NS for %s: %v", zone, err)
	}

	res := map[string]string{}
	for _, rr := range nsrrs {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}
		addrs, err := net.LookupHost(ns.Ns)
		if err != nil || len(addrs) == 0 {
			res[ns.Ns] = ""
			continue
		}
		res[ns.Ns] = net.JoinHostPort(addrs[0], "53")
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("no nameservers found for %s", zone)
	}
	return res, nil
}

func parentZone(zone string) string {
	labels := dns.SplitDomainName(dns.Fqdn(zone))
	if len(labels) <= 1 {
		return "."
	}
	parent := ""
	for _, l := range labels[1:] {
		parent += l + "."
	}
	return parent
}

// queryAll asks every authority of authzone the given question and
// feeds the answer to check. The check must hold on every authority
// that answered; unreachable authorities are flagged, not failed. When
// no authority at all can be queried an error is returned so the
// caller treats the tick as "not yet".
func (o *DnsOracle) queryAll(authzone, qname string, qtype uint16, check func([]dns.RR) bool) (*PropagationReport, error) {
	servers, err := o.authAddresses(authzone)
	if err != nil {
		return nil, err
	}

	report := PropagationReport{Visible: true}
	answered := 0

	for ns, addr := range servers {
		if addr == "" {
			report.Unreachable = append(report.Unreachable, ns)
			continue
		}
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(qname), qtype)
		m.SetEdns0(4096, true)
		m.RecursionDesired = false
		r, err := o.exchange(m, addr)
		if err != nil {
			report.Unreachable = append(report.Unreachable, ns)
			continue
		}
		answered++
		report.Checked = append(report.Checked, ns)
		for _, rr := range r.Answer {
			if rr.Header().Ttl > report.MaxTTL {
				report.MaxTTL = rr.Header().Ttl
			}
		}
		if !check(r.Answer) {
			report.Visible = false
		}
	}

	if answered == 0 {
		return nil, fmt.Errorf("no authoritative server for %s could be queried", authzone)
	}
	if len(report.Unreachable) != 0 {
		log.Printf("Propagation check %s %s: unreachable authorities flagged: %v",
			qname, dns.TypeToString[qtype], report.Unreachable)
	}
	return &report, nil
}

func (o *DnsOracle) CheckDnskey(zone string, newtags []uint16) (*PropagationReport, error) {
	return o.queryAll(zone, zone, dns.TypeDNSKEY, func(answer []dns.RR) bool {
		present := map[uint16]bool{}
		for _, rr := range answer {
			if dnskey, ok := rr.(*dns.DNSKEY); ok {
				present[dnskey.KeyTag()] = true
			}
		}
		for _, tag := range newtags {
			if !present[tag] {
				return false
			}
		}
		return true
	})
}

func (o *DnsOracle) CheckDs(zone string, newtags, oldtags []uint16) (*PropagationReport, error) {
	return o.queryAll(parentZone(zone), zone, dns.TypeDS, func(answer []dns.RR) bool {
		present := map[uint16]bool{}
		for _, rr := range answer {
			if ds, ok := rr.(*dns.DS); ok {
				present[ds.KeyTag] = true
			}
		}
		for _, tag := range newtags {
			if !present[tag] {
				return false
			}
		}
		for _, tag := range oldtags {
			if present[tag] {
				return false
			}
		}
		return true
	})
}

func (o *DnsOracle) CheckRRsig(zone string, newtags []uint16) (*PropagationReport, error) {
	return o.queryAll(zone, zone, dns.TypeSOA, func(answer []dns.RR) bool {
		for _, rr := range answer {
			if sig, ok := rr.(*dns.RRSIG); ok {
				for _, tag := range newtags {
					if sig.KeyTag == tag {
						return true
					}
				}
			}
		}
		return false
	})
}
