/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package cmd

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/miekg/dns"

	"github.com/johanix/dsp/dsp"
)

// PrepArgs validates and normalizes CLI parameters read from the
// persistent flags before a command runs.
func PrepArgs(required ...string) {

	DefinedKeyStates := []string{"generated", "published", "active", "retired", "removed"}
	DefinedKeyRoles := []string{"KSK", "ZSK", "CSK"}
	DefinedRollTypes := []string{"ksk", "zsk", "csk", "algorithm"}

	for _, arg := range required {
		if dsp.Globals.Debug {
			fmt.Printf("Required: %s\n", arg)
		}
		switch arg {
		case "zonename":
			if dsp.Globals.Zonename == "" {
				fmt.Printf("Error: zone name not specified using --zone flag\n")
				os.Exit(1)
			}
			dsp.Globals.Zonename = dns.Fqdn(dsp.Globals.Zonename)

		case "keyid":
			if keyid == 0 {
				fmt.Printf("Error: key id not specified using --keyid flag\n")
				os.Exit(1)
			}

		case "state":
			if NewState == "" {
				fmt.Printf("Error: key state not specified using --state flag\n")
				os.Exit(1)
			}
			NewState = strings.ToLower(NewState)
			if !slices.Contains(DefinedKeyStates, NewState) {
				fmt.Printf("Error: unknown key state: %q. Known states: %s\n",
					NewState, strings.Join(DefinedKeyStates, ", "))
				os.Exit(1)
			}

		case "role":
			if keyrole == "" {
				fmt.Printf("Error: key role not specified using --role flag\n")
				os.Exit(1)
			}
			keyrole = strings.ToUpper(keyrole)
			if !slices.Contains(DefinedKeyRoles, keyrole) {
				fmt.Printf("Error: unknown key role: %q. Known roles: %s\n",
					keyrole, strings.Join(DefinedKeyRoles, ", "))
				os.Exit(1)
			}

		case "rolltype":
			if rolltype == "" {
				fmt.Printf("Error: roll type not specified using --type flag\n")
				os.Exit(1)
			}
			rolltype = strings.ToLower(rolltype)
			if !slices.Contains(DefinedRollTypes, rolltype) {
				fmt.Printf("Error: unknown roll type: %q. Known types: %s\n",
					rolltype, strings.Join(DefinedRollTypes, ", "))
				os.Exit(1)
			}

		case "filename":
			if filename == "" {
				fmt.Printf("Error: key file not specified using --file flag\n")
				os.Exit(1)
			}
			if _, err := os.Stat(filename); err != nil {
				fmt.Printf("Error: key file %q: %v\n", filename, err)
				os.Exit(1)
			}

		case "serial":
			if serial == 0 {
				fmt.Printf("Error: zone serial not specified using --serial flag\n")
				os.Exit(1)
			}

		default:
			fmt.Printf("Error: unknown required argument: %q\n", arg)
			os.Exit(1)
		}
	}
}
