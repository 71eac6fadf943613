/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

func APIping(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		decoder := json.NewDecoder(r.Body)
		var pp PingPost
		err := decoder.Decode(&pp)
		if err != nil {
			log.Println("APIping: error decoding ping post:", err)
		}

		log.Printf("API: received /ping request (pings: %d) from %s.\n", pp.Pings, r.RemoteAddr)

		Globals.PingCount++
		resp := PingResponse{
			Time:       time.Now(),
			BootTime:   conf.ServerBootTime,
			ConfigTime: conf.ServerConfigTime,
			Daemon:     conf.AppName,
			Version:    conf.AppVersion,
			Client:     r.RemoteAddr,
			Msg:        fmt.Sprintf("%s says that all is well", conf.AppName),
			Pings:      pp.Pings + 1,
			Pongs:      Globals.PingCount,
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func APIcommand(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		decoder := json.NewDecoder(r.Body)
		var cp CommandPost
		err := decoder.Decode(&cp)
		if err != nil {
			log.Println("APIcommand: error decoding command post:", err)
		}

		log.Printf("API: received /command request (cmd: %s) from %s.\n", cp.Command, r.RemoteAddr)

		resp := CommandResponse{
			AppName: conf.AppName,
			Time:    time.Now(),
		}

		defer func() {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		}()

		switch cp.Command {
		case "status":
			resp.Msg = fmt.Sprintf("%s: up since %s, %d zones under management",
				conf.AppName, conf.ServerBootTime.Format(time.RFC3339), Zones.Count())
			resp.Names = Zones.Keys()
			// A hard-halted zone is surfaced at the top level, not
			// just in per-zone status.
			for _, zname := range Zones.Keys() {
				if zd, ok := Zones.Get(zname); ok && zd.Halted {
					resp.Msg += fmt.Sprintf("; zone %s is HALTED (%s)", zname, zd.HaltReason)
				}
			}

		case "stop":
			log.Printf("Daemon instructed to stop. Stopping.")
			resp.Status = "stopping"
			resp.Msg = fmt.Sprintf("Daemon %s stopping", conf.AppName)
			go func() {
				time.Sleep(500 * time.Millisecond)
				conf.Internal.Stop()
			}()

		case "reload-config":
			resp.Msg, err = conf.ReloadConfig()
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = err.Error()
			}

		case "reload-zones":
			resp.Msg, err = conf.ReloadZoneConfig()
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = err.Error()
			}

		default:
			resp.Error = true
			resp.ErrorMsg = fmt.Sprintf("Unknown command: %s", cp.Command)
		}
	}
}

func APIzone(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		decoder := json.NewDecoder(r.Body)
		var zp ZonePost
		err := decoder.Decode(&zp)
		if err != nil {
			log.Println("APIzone: error decoding zone post:", err)
		}

		log.Printf("API: received /zone request (cmd: %s zone: %s) from %s.\n",
			zp.Command, zp.Zone, r.RemoteAddr)

		resp := ZoneResponse{
			AppName: conf.AppName,
			Time:    time.Now(),
			Zone:    zp.Zone,
		}

		defer func() {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		}()

		if zp.Command == "list" {
			resp.Names = Zones.Keys()
			resp.Msg = fmt.Sprintf("%d zones under management", Zones.Count())
			return
		}

		zd, ok := FindZone(zp.Zone)
		if !ok {
			resp.Error = true
			resp.ErrorMsg = fmt.Sprintf("Zone %s is unknown", zp.Zone)
			return
		}

		switch zp.Command {
		case "status":
			resp.Status = zd.Status()
			resp.Msg = fmt.Sprintf("Zone %s status", zp.Zone)

		case "reload":
			zonefile := zp.Zonefile
			if zonefile == "" {
				zonefile = conf.Zones[zp.Zone].Zonefile
			}
			if zonefile == "" {
				resp.Error = true
				resp.ErrorMsg = fmt.Sprintf("Zone %s: no zone file known", zp.Zone)
				return
			}
			v, err := zd.Reload(zonefile)
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = err.Error()
				return
			}
			resp.Msg = fmt.Sprintf("Zone %s: version %d submitted (stage %s)",
				zp.Zone, v.Serial, StageToString[v.Stage])

		case "halt":
			reason := zp.Reason
			if reason == "" {
				reason = "operator halt"
			}
			zd.HardHalt(reason)
			resp.Msg = fmt.Sprintf("Zone %s halted", zp.Zone)

		case "resume":
			zd.Resume()
			resp.Msg = fmt.Sprintf("Zone %s resumed", zp.Zone)

		default:
			resp.Error = true
			resp.ErrorMsg = fmt.Sprintf("Unknown zone command: %s", zp.Command)
		}
	}
}

func APIreview(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		decoder := json.NewDecoder(r.Body)
		var rp ReviewPost
		err := decoder.Decode(&rp)
		if err != nil {
			log.Println("APIreview: error decoding review post:", err)
		}

		log.Printf("API: received /review request (cmd: %s zone: %s stage: %s serial: %d) from %s.\n",
			rp.Command, rp.Zone, rp.Stage, rp.Serial, r.RemoteAddr)

		resp := ReviewResponse{
			AppName: conf.AppName,
			Time:    time.Now(),
			Zone:    rp.Zone,
		}

		defer func() {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		}()

		zd, ok := FindZone(rp.Zone)
		if !ok {
			resp.Error = true
			resp.ErrorMsg = fmt.Sprintf("Zone %s is unknown", rp.Zone)
			return
		}

		switch rp.Command {
		case "approve", "reject":
			msg, err := zd.HandleReviewDecision(ReviewStage(rp.Stage), rp.Serial, rp.Command == "approve")
			if err != nil {
				resp.Error = true
				resp.ErrorMsg = err.Error()
				return
			}
			resp.Msg = msg

		case "list":
			resp.Pending = zd.PendingReviews()
			resp.Msg = fmt.Sprintf("Zone %s: %d versions awaiting review", rp.Zone, len(resp.Pending))

		default:
			resp.Error = true
			resp.ErrorMsg = fmt.Sprintf("Unknown review command: %s", rp.Command)
		}
	}
}

// APIroll forwards roll step triggers to the key manager engine, which
// serializes all rollover mutations.
func APIroll(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		decoder := json.NewDecoder(r.Body)
		var rp RollPost
		err := decoder.Decode(&rp)
		if err != nil {
			log.Println("APIroll: error decoding roll post:", err)
		}

		log.Printf("API: received /roll request (cmd: %s zone: %s type: %s) from %s.\n",
			rp.Command, rp.Zone, rp.RollType, r.RemoteAddr)

		respch := make(chan RollResponse, 1)
		conf.Internal.RollQ <- RollRequest{
			Cmd:      rp.Command,
			ZoneName: rp.Zone,
			RollType: RollType(rp.RollType),
			TTL:      rp.TTL,
			Keyid:    rp.Keyid,
			Force:    rp.Force,
			Continue: rp.Continue,
			Response: respch,
		}

		var resp RollResponse
		select {
		case resp = <-respch:
		case <-time.After(10 * time.Second):
			resp = RollResponse{
				Time:     time.Now(),
				Error:    true,
				ErrorMsg: "timeout waiting for key manager engine",
			}
		}
		resp.AppName = conf.AppName
		resp.Zone = rp.Zone

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func (kdb *StateDB) APIkeystore() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		decoder := json.NewDecoder(r.Body)
		var kp KeystorePost
		err := decoder.Decode(&kp)
		if err != nil {
			log.Println("APIkeystore: error decoding keystore post:", err)
		}

		log.Printf("API: received /keystore request (cmd: %s subcommand: %s) from %s.\n",
			kp.Command, kp.SubCommand, r.RemoteAddr)

		var resp *KeystoreResponse

		defer func() {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		}()

		switch kp.Command {
		case "dnssec-mgmt":
			resp, err = kdb.DnssecKeyMgmt(kp)
			if err != nil {
				log.Printf("Error from DnssecKeyMgmt(): %v", err)
				resp = &KeystoreResponse{
					Time:     time.Now(),
					Error:    true,
					ErrorMsg: err.Error(),
				}
			}

		default:
			log.Printf("Unknown command: %s", kp.Command)
			resp = &KeystoreResponse{
				Time:     time.Now(),
				Error:    true,
				ErrorMsg: fmt.Sprintf("Unknown command: %s", kp.Command),
			}
		}
	}
}
