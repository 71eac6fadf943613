/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package dsp

import (
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	AppName          string
	AppVersion       string
	AppMode          string
	ServerBootTime   time.Time
	ServerConfigTime time.Time
	Service          ServiceConf
	ApiServer        ApiServerConf
	ReviewServer     ReviewServerConf
	Oracle           OracleConf
	KeyManager       KeyManagerConf
	DnssecPolicies   map[string]DnssecPolicyConf
	Zones            map[string]ZoneConf
	Db               DbConf
	Log              struct {
		File string `validate:"required"`
	}
	Internal InternalConf
}

type ServiceConf struct {
	Name    string `validate:"required"`
	Debug   *bool
	Verbose *bool
}

type ApiServerConf struct {
	Addresses []string `validate:"required"`
	ApiKey    string   `validate:"required"`
	CertFile  string
	KeyFile   string
}

// ReviewServerConf describes where pending versions are served for
// inspection by review hooks.
type ReviewServerConf struct {
	Address string `validate:"required"`
	Timeout int    // seconds allowed for a review hook
}

type OracleConf struct {
	Imr     string `validate:"required"` // address:port of recursive resolver
	Timeout int    // seconds per query
}

type KeyManagerConf struct {
	Interval int // seconds between automation ticks
}

type DbConf struct {
	File string `validate:"required"`
}

type InternalConf struct {
	KeyDB          *StateDB
	DnssecPolicies map[string]*DnssecPolicy
	Oracle         PropagationOracle
	RollQ          chan RollRequest
	APIStopCh      chan struct{}
	stopOnce       sync.Once
}

// Stop shuts the daemon down by closing APIStopCh, so every listener
// (the mainloop, the API dispatcher, the background engines) observes
// it. Safe to call more than once.
func (ic *InternalConf) Stop() {
	ic.stopOnce.Do(func() { close(ic.APIStopCh) })
}

func ValidateConfig(v *viper.Viper, cfgfile string) error {
	var config Config

	if v == nil {
		if err := viper.Unmarshal(&config); err != nil {
			log.Fatalf("ValidateConfig: Unmarshal error: %v", err)
		}
	} else {
		if err := v.Unmarshal(&config); err != nil {
			log.Fatalf("ValidateConfig: Unmarshal error: %v", err)
		}
	}

	var configsections = make(map[string]interface{}, 5)

	configsections["log"] = config.Log
	configsections["service"] = config.Service
	configsections["db"] = config.Db
	configsections["apiserver"] = config.ApiServer
	configsections["reviewserver"] = config.ReviewServer
	configsections["oracle"] = config.Oracle

	if err := ValidateBySection(&config, configsections, cfgfile); err != nil {
		log.Fatalf("Config \"%s\" is missing required attributes:\n%v\n", cfgfile, err)
	}
	return nil
}

func ValidateZones(c *Config, cfgfile string) error {
	config := c

	var zones = make(map[string]interface{}, 5)

	// Cannot validate a map[string]foobar, must validate the individual foobars:
	for zname, val := range config.Zones {
		zones["zone:"+zname] = val
	}

	if err := ValidateBySection(config, zones, cfgfile); err != nil {
		log.Fatalf("Config \"%s\" is missing required attributes:\n%v\n", cfgfile, err)
	}
	return nil
}

func ValidateBySection(config *Config, configsections map[string]interface{}, cfgfile string) error {
	validate := validator.New()

	for k, data := range configsections {
		log.Printf("%s: Validating config for %s section\n", strings.ToUpper(config.AppName), k)
		if err := validate.Struct(data); err != nil {
			log.Fatalf("%s: Config %s, section %s: missing required attributes:\n%v\n",
				strings.ToUpper(config.AppName), cfgfile, k, err)
		}
	}
	return nil
}

func (conf *Config) ReloadConfig() (string, error) {
	err := ParseConfig(conf, true) // true: reload, not initial parsing
	if err != nil {
		log.Printf("Error parsing config: %v", err)
	}
	conf.ServerConfigTime = time.Now()
	return "Config reloaded.", err
}

func (conf *Config) ReloadZoneConfig() (string, error) {
	prezones := Zones.Keys()
	log.Printf("ReloadZoneConfig: zones prior to reloading: %v", prezones)
	zonelist, err := ParseZones(conf, true) // true: reload, not initial parsing
	if err != nil {
		log.Printf("ReloadZoneConfig: Error parsing zones: %v", err)
	}

	for _, zname := range prezones {
		if !slices.Contains(zonelist, zname) {
			log.Printf("ReloadZoneConfig: Zone %s no longer in config. Removing from zone list.", zname)
			Zones.Remove(zname)
		}
	}

	log.Printf("ReloadZoneConfig: zones after reloading: %v", zonelist)
	conf.ServerConfigTime = time.Now()
	return fmt.Sprintf("Zones reloaded. Before: %v, After: %v", prezones, zonelist), err
}
