/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/gookit/goutil/dump"
	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"

	"github.com/johanix/dsp/dsp"
)

var zonefile, haltReason string
var serial uint32

var ZoneCmd = &cobra.Command{
	Use:   "zone",
	Short: "Prefix command to manage zones in the signing pipeline, only usable via sub-commands",
}

var zoneListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all zones under management",
	Run: func(cmd *cobra.Command, args []string) {
		zr, err := SendZoneCommand(dsp.Globals.Api, dsp.ZonePost{Command: "list"})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		sort.Strings(zr.Names)
		for _, name := range zr.Names {
			fmt.Printf("%s\n", name)
		}
		if dsp.Globals.Verbose {
			fmt.Printf("%s\n", zr.Msg)
		}
	},
}

var zoneStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the pipeline status of a zone: versions, keys and rolls in progress",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename")
		zr, err := SendZoneCommand(dsp.Globals.Api, dsp.ZonePost{
			Command: "status",
			Zone:    dsp.Globals.Zonename,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if zr.Status == nil {
			fmt.Printf("No status for zone %s\n", dsp.Globals.Zonename)
			os.Exit(1)
		}
		if dsp.Globals.Debug {
			dump.P(zr.Status)
		}
		PrintZoneStatus(zr.Status)
	},
}

var zoneReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the zone file and submit the new version to the pipeline",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename")
		zr, err := SendZoneCommand(dsp.Globals.Api, dsp.ZonePost{
			Command:  "reload",
			Zone:     dsp.Globals.Zonename,
			Zonefile: zonefile,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s\n", zr.Msg)
	},
}

var zoneHaltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Hard halt a zone: stop signing and publication until resumed",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename")
		zr, err := SendZoneCommand(dsp.Globals.Api, dsp.ZonePost{
			Command: "halt",
			Zone:    dsp.Globals.Zonename,
			Reason:  haltReason,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s\n", zr.Msg)
	},
}

var zoneResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a hard halted zone",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename")
		zr, err := SendZoneCommand(dsp.Globals.Api, dsp.ZonePost{
			Command: "resume",
			Zone:    dsp.Globals.Zonename,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s\n", zr.Msg)
	},
}

func init() {
	ZoneCmd.AddCommand(zoneListCmd, zoneStatusCmd, zoneReloadCmd, zoneHaltCmd, zoneResumeCmd)

	zoneReloadCmd.Flags().StringVarP(&zonefile, "file", "f", "", "Zone file to load (default: the configured zone file)")
	zoneHaltCmd.Flags().StringVarP(&haltReason, "reason", "r", "", "Reason for halting the zone")
}

func PrintZoneStatus(zs *dsp.ZoneStatus) {
	fmt.Printf("Zone:      %s (policy %s)\n", zs.Zone, zs.Policy)
	if zs.Halted {
		fmt.Printf("HALTED:    %s\n", zs.HaltReason)
	}
	fmt.Printf("Published: serial %d\n", zs.Published)

	if len(zs.Versions) > 0 {
		var out []string
		if dsp.Globals.ShowHeaders {
			out = append(out, "Serial|OutSerial|Stage|Loaded|Superseded|FailReason")
		}
		for _, v := range zs.Versions {
			out = append(out, fmt.Sprintf("%d|%d|%s|%s|%v|%s",
				v.Serial, v.OutSerial, v.Stage, v.Loaded.Format(timelayout),
				v.Superseded, v.FailReason))
		}
		fmt.Printf("\nVersions:\n%s\n", columnize.SimpleFormat(out))
	}

	if len(zs.Keys) > 0 {
		var out []string
		if dsp.Globals.ShowHeaders {
			out = append(out, "KeyID|Role|State|Algorithm|Flags|Ownership|AtParent|Backing")
		}
		for _, k := range zs.Keys {
			out = append(out, fmt.Sprintf("%d|%s|%s|%s|%d|%s|%v|%s",
				k.KeyTag, k.Role, k.State, k.Algorithm, k.Flags,
				k.Ownership, k.AtParent, k.Backing))
		}
		fmt.Printf("\nKeys:\n%s\n", columnize.SimpleFormat(out))
	}

	if len(zs.Rolls) > 0 {
		var out []string
		if dsp.Globals.ShowHeaders {
			out = append(out, "RollType|Step|TTL|StepTime|OldKeys|NewKeys")
		}
		for _, r := range zs.Rolls {
			out = append(out, fmt.Sprintf("%s|%s|%d|%s|%v|%v",
				r.RollType, r.Step, r.TTL, r.StepTime.Format(timelayout),
				r.OldKeys, r.NewKeys))
		}
		fmt.Printf("\nKey rolls:\n%s\n", columnize.SimpleFormat(out))
	}
}
