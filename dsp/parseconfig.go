/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package dsp

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/viper"
)

func ParseConfig(conf *Config, reload bool) error {
	cfgfile := viper.GetString("config")
	if cfgfile == "" {
		cfgfile = DefaultCfgFile
	}
	viper.SetConfigFile(cfgfile)

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("could not load config %s: %v", cfgfile, err)
	}
	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("ParseConfig: unmarshal error: %v", err)
	}

	ValidateConfig(nil, cfgfile) // will terminate on error

	if conf.Service.Verbose != nil {
		Globals.Verbose = *conf.Service.Verbose
	}
	if conf.Service.Debug != nil {
		Globals.Debug = *conf.Service.Debug
	}
	conf.AppName = conf.Service.Name

	policies, err := ParsePolicies(conf)
	if err != nil {
		return err
	}
	conf.Internal.DnssecPolicies = policies

	if conf.Internal.Oracle == nil {
		conf.Internal.Oracle = NewDnsOracle(conf.Oracle.Imr,
			time.Duration(conf.Oracle.Timeout)*time.Second)
	}

	if !reload {
		kdb, err := NewStateDB(conf.Db.File, false)
		if err != nil {
			return fmt.Errorf("error from NewStateDB(%s): %v", conf.Db.File, err)
		}
		conf.Internal.KeyDB = kdb
		conf.Internal.RollQ = kdb.RollQ
	}

	return nil
}

// parseLifetime parses a duration, additionally accepting a "d" (days)
// suffix, which is the natural unit for key validities.
func parseLifetime(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %v", s, err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func parsePolicy(name string, pc DnssecPolicyConf) (*DnssecPolicy, error) {
	alg, exist := dns.StringToAlgorithm[strings.ToUpper(pc.Algorithm)]
	if !exist {
		return nil, fmt.Errorf("policy %s: unknown DNSSEC algorithm: %s", name, pc.Algorithm)
	}

	p := DnssecPolicy{
		Name:          name,
		UseCSK:        pc.UseCSK,
		Algorithm:     alg,
		RsaBits:       pc.RsaBits,
		AutoKsk:       pc.AutoKsk,
		AutoZsk:       pc.AutoZsk,
		AutoCsk:       pc.AutoCsk,
		AutoAlgorithm: pc.AutoAlgorithm,
		DsAlgorithm:   pc.DsAlgorithm,
		DefaultTTL:    pc.DefaultTTL,
		AutoRemove:    pc.AutoRemove,
		Serial:        SerialPolicy(pc.Serial),
		Denial:        pc.Denial,
		LoadedReview:  pc.LoadedReview,
		SignedReview:  pc.SignedReview,
	}

	if p.DefaultTTL == 0 {
		p.DefaultTTL = 3600
	}
	if p.Serial == "" {
		p.Serial = SerialKeep
	}
	switch p.Serial {
	case SerialKeep, SerialCounter, SerialUnixTime, SerialDateCounter:
		// ok
	default:
		return nil, fmt.Errorf("policy %s: unknown serial policy: %s", name, p.Serial)
	}
	switch p.Denial.Mode {
	case "", "nsec":
		p.Denial.Mode = "nsec"
	case "nsec3":
		// ok
	default:
		return nil, fmt.Errorf("policy %s: unknown denial mode: %s", name, p.Denial.Mode)
	}

	var err error
	for _, d := range []struct {
		dst *time.Duration
		src string
	}{
		{&p.KskValidity, pc.KskValidity},
		{&p.ZskValidity, pc.ZskValidity},
		{&p.CskValidity, pc.CskValidity},
		{&p.DnskeyInceptionOffset, pc.DnskeyInceptionOffset},
		{&p.DnskeySignatureLifetime, pc.DnskeySignatureLifetime},
		{&p.DnskeyRemainTime, pc.DnskeyRemainTime},
		{&p.CdsInceptionOffset, pc.CdsInceptionOffset},
		{&p.CdsSignatureLifetime, pc.CdsSignatureLifetime},
		{&p.CdsRemainTime, pc.CdsRemainTime},
	} {
		if *d.dst, err = parseLifetime(d.src); err != nil {
			return nil, fmt.Errorf("policy %s: %v", name, err)
		}
	}

	return &p, nil
}

func ParsePolicies(conf *Config) (map[string]*DnssecPolicy, error) {
	policies := map[string]*DnssecPolicy{}
	for name, pc := range conf.DnssecPolicies {
		p, err := parsePolicy(name, pc)
		if err != nil {
			return nil, err
		}
		policies[name] = p
		if Globals.Verbose {
			log.Printf("ParsePolicies: parsed policy %s (algorithm %s, csk: %t)",
				name, dns.AlgorithmToString[p.Algorithm], p.UseCSK)
		}
	}
	return policies, nil
}

// ParseZones sets up (or refreshes) the ZoneData for every configured
// zone. A zone seen for the first time gets its persisted state
// restored; a genuinely new zone gets its key set bootstrapped via an
// algorithm roll.
func ParseZones(conf *Config, reload bool) ([]string, error) {
	var zonelist []string

	for zname, zconf := range conf.Zones {
		if zconf.Name == "" {
			zconf.Name = zname
		}
		zname = dns.Fqdn(zconf.Name)
		zonelist = append(zonelist, zname)

		policy, exist := conf.Internal.DnssecPolicies[zconf.DnssecPolicy]
		if !exist {
			return zonelist, fmt.Errorf("zone %s: unknown dnssec policy: %s", zname, zconf.DnssecPolicy)
		}

		zd, known := Zones.Get(zname)
		if known {
			zd.Policy = policy
			zd.PolicyName = zconf.DnssecPolicy
			zd.Zonefile = zconf.Zonefile
			if reload && zconf.Zonefile != "" {
				if _, err := zd.Reload(zconf.Zonefile); err != nil {
					log.Printf("ParseZones: zone %s: error reloading: %v", zname, err)
				}
			}
			continue
		}

		zd = &ZoneData{
			ZoneName:      zname,
			PolicyName:    zconf.DnssecPolicy,
			Policy:        policy,
			KeySet:        NewKeySet(zname),
			KeyDB:         conf.Internal.KeyDB,
			Zonefile:      zconf.Zonefile,
			ReviewAddr:    conf.ReviewServer.Address,
			ReviewTimeout: time.Duration(conf.ReviewServer.Timeout) * time.Second,
		}

		if err := zd.RestoreState(); err != nil {
			// RestoreState has already hard-halted the zone; keep it
			// registered so the operator sees it.
			Zones.Set(zname, zd)
			continue
		}

		if len(zd.KeySet.Keys) == 0 {
			if err := zd.BootstrapKeySet(); err != nil {
				log.Printf("ParseZones: zone %s: error bootstrapping key set: %v", zname, err)
			}
		}

		Zones.Set(zname, zd)

		if zconf.Zonefile != "" {
			if _, err := zd.Reload(zconf.Zonefile); err != nil {
				log.Printf("ParseZones: zone %s: error loading zone file: %v", zname, err)
			}
		}
		log.Printf("ParseZones: zone %s set up (policy %s)", zname, zconf.DnssecPolicy)
	}

	return zonelist, nil
}
