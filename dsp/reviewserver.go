/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

import (
	"log"
	"strings"

	"github.com/miekg/dns"
)

// The review server presents the version currently awaiting review
// over DNS, so that a review hook (or an operator with dig) can
// inspect exactly the content that will go live on approval. It
// answers plain queries against the pending version and hands out the
// full content for an AXFR-type question in a single message.

func ReviewServerMux() *dns.ServeMux {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", reviewHandler)
	return mux
}

// ReviewServerEngine serves pending versions on the configured
// reviewserver address until the stop channel is closed.
func ReviewServerEngine(conf *Config, stopch chan struct{}) error {
	addr := conf.ReviewServer.Address
	if addr == "" {
		log.Println("ReviewServerEngine: no reviewserver address configured, not starting")
		return nil
	}

	mux := ReviewServerMux()
	var servers []*dns.Server
	for _, net := range []string{"udp", "tcp"} {
		server := &dns.Server{Addr: addr, Net: net, Handler: mux}
		server.UDPSize = dns.DefaultMsgSize
		servers = append(servers, server)
		go func(server *dns.Server, net string) {
			log.Printf("ReviewServerEngine: serving pending versions on %s (%s)", addr, net)
			if err := server.ListenAndServe(); err != nil {
				log.Printf("ReviewServerEngine: failed to set up the %s server: %s", net, err.Error())
			}
		}(server, net)
	}

	<-stopch
	log.Println("ReviewServerEngine: stopping")
	for _, server := range servers {
		server.Shutdown()
	}
	return nil
}

func reviewHandler(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	if len(r.Question) != 1 {
		m.SetRcode(r, dns.RcodeFormatError)
		w.WriteMsg(m)
		return
	}
	qname := strings.ToLower(r.Question[0].Name)
	qtype := r.Question[0].Qtype

	if r.Opcode != dns.OpcodeQuery {
		m.SetRcode(r, dns.RcodeRefused)
		w.WriteMsg(m)
		return
	}

	zd, ok := findReviewZone(qname)
	if !ok {
		m.SetRcode(r, dns.RcodeRefused)
		w.WriteMsg(m)
		return
	}

	answer, pending := zd.ReviewAnswer(qname, qtype)
	if !pending {
		log.Printf("ReviewServer: zone %s has no version awaiting review (qname %s)",
			zd.ZoneName, qname)
		m.SetRcode(r, dns.RcodeRefused)
		w.WriteMsg(m)
		return
	}

	m.SetReply(r)
	m.Authoritative = true
	m.Answer = answer
	w.WriteMsg(m)
}

// findReviewZone walks the qname towards the root until it hits a zone
// under management.
func findReviewZone(qname string) (*ZoneData, bool) {
	name := dns.Fqdn(qname)
	for {
		if zd, ok := Zones.Get(name); ok {
			return zd, true
		}
		if name == "." {
			return nil, false
		}
		name = parentZone(name)
	}
}

// ReviewAnswer resolves one question against the version under review.
// A version awaiting the signed review is presented with its
// signatures; one awaiting the loaded review is presented unsigned.
// The bool is false when nothing is awaiting review.
func (zd *ZoneData) ReviewAnswer(qname string, qtype uint16) ([]dns.RR, bool) {
	zd.mu.Lock()
	defer zd.mu.Unlock()

	if v := zd.versionAtStage(StageAwaitingSignReview); v != nil {
		return signedSetAnswer(v.SignedSets, qname, qtype), true
	}
	v := zd.versionAtStage(StageAwaitingLoadReview)
	if v == nil {
		return nil, false
	}

	var res []dns.RR
	for _, rr := range v.Records {
		h := rr.Header()
		if qtype == dns.TypeAXFR ||
			(strings.EqualFold(h.Name, qname) && (h.Rrtype == qtype || qtype == dns.TypeANY)) {
			res = append(res, rr)
		}
	}
	return res, true
}

func signedSetAnswer(sets []*RRset, qname string, qtype uint16) []dns.RR {
	var res []dns.RR
	for _, rrset := range sets {
		if len(rrset.RRs) == 0 {
			continue
		}
		h := rrset.RRs[0].Header()
		if qtype == dns.TypeAXFR ||
			(strings.EqualFold(h.Name, qname) && (h.Rrtype == qtype || qtype == dns.TypeANY)) {
			res = append(res, rrset.RRs...)
			res = append(res, rrset.RRSIGs...)
		}
	}
	return res
}
