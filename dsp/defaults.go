/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package dsp

const (
	DefaultCfgFile    = "/etc/dsp/dspd.yaml"
	DefaultZonesFile  = "/etc/dsp/dsp-zones.yaml"
	DefaultCliCfgFile = "/etc/dsp/dsp-cli.yaml"
)
