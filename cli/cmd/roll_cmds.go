/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"

	"github.com/johanix/dsp/dsp"
)

var rolltype string
var rollContinue bool

var RollCmd = &cobra.Command{
	Use:   "roll",
	Short: "Prefix command to manage DNSSEC key rollovers, only usable via sub-commands",
	Long: `Key rollovers move through six steps: start-roll, propagation1-complete,
cache-expired1, propagation2-complete, cache-expired2 and roll-done. Each step
can be reported manually with the commands below, or left to dspd automation.`,
}

var rollStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the rollover state of all roll types for a zone",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename")
		rr, err := SendRollCommand(dsp.Globals.Api, dsp.RollPost{
			Command: "status",
			Zone:    dsp.Globals.Zonename,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if len(rr.Rolls) == 0 {
			fmt.Printf("Zone %s: no key rolls\n", dsp.Globals.Zonename)
			return
		}
		var out []string
		if dsp.Globals.ShowHeaders {
			out = append(out, "RollType|Step|TTL|StepTime|OldKeys|NewKeys")
		}
		for _, r := range rr.Rolls {
			out = append(out, fmt.Sprintf("%s|%s|%d|%s|%v|%v",
				r.RollType, r.Step, r.TTL, r.StepTime.Format(timelayout),
				r.OldKeys, r.NewKeys))
		}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var rollStartCmd = &cobra.Command{
	Use:   "start-roll",
	Short: "Start a new key rollover for a zone",
	Run: func(cmd *cobra.Command, args []string) {
		sendRollStep("start-roll", 0)
	},
}

var rollProp1Cmd = &cobra.Command{
	Use:   "propagation1-complete <max observed TTL>",
	Short: "Report that the new key has propagated to all publication servers",
	Run: func(cmd *cobra.Command, args []string) {
		sendRollStep("propagation1-complete", parseTTLArg(args))
	},
}

var rollCache1Cmd = &cobra.Command{
	Use:   "cache-expired1",
	Short: "Report that the first propagation TTL has expired from caches",
	Run: func(cmd *cobra.Command, args []string) {
		sendRollStep("cache-expired1", 0)
	},
}

var rollProp2Cmd = &cobra.Command{
	Use:   "propagation2-complete <max observed TTL>",
	Short: "Report that the second phase change has propagated everywhere",
	Run: func(cmd *cobra.Command, args []string) {
		sendRollStep("propagation2-complete", parseTTLArg(args))
	},
}

var rollCache2Cmd = &cobra.Command{
	Use:   "cache-expired2",
	Short: "Report that the second propagation TTL has expired from caches",
	Run: func(cmd *cobra.Command, args []string) {
		sendRollStep("cache-expired2", 0)
	},
}

var rollDoneCmd = &cobra.Command{
	Use:   "roll-done",
	Short: "Report the rollover as complete and retire the old keys",
	Run: func(cmd *cobra.Command, args []string) {
		sendRollStep("roll-done", 0)
	},
}

var rollRemoveKeyCmd = &cobra.Command{
	Use:   "remove-key",
	Short: "Remove a key from the zone's key set",
	Long: `Remove a key from the zone's key set. Keys still published or active
are refused unless --force is given. A key involved in an in-progress roll
is refused unless --continue is given, which aborts the roll.`,
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename", "keyid")
		rr, err := SendRollCommand(dsp.Globals.Api, dsp.RollPost{
			Command:  "remove-key",
			Zone:     dsp.Globals.Zonename,
			Keyid:    uint16(keyid),
			Force:    force,
			Continue: rollContinue,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s\n", rr.Msg)
	},
}

func init() {
	RollCmd.AddCommand(rollStatusCmd, rollStartCmd, rollProp1Cmd, rollCache1Cmd)
	RollCmd.AddCommand(rollProp2Cmd, rollCache2Cmd, rollDoneCmd, rollRemoveKeyCmd)

	for _, c := range []*cobra.Command{rollStartCmd, rollProp1Cmd, rollCache1Cmd,
		rollProp2Cmd, rollCache2Cmd, rollDoneCmd} {
		c.Flags().StringVarP(&rolltype, "type", "t", "", "Roll type (ksk|zsk|csk|algorithm)")
		c.MarkFlagRequired("type")
	}

	rollRemoveKeyCmd.Flags().IntVarP(&keyid, "keyid", "", 0, "Key ID of key to remove")
	rollRemoveKeyCmd.Flags().BoolVarP(&force, "force", "F", false, "Remove the key even if it is still in use")
	rollRemoveKeyCmd.Flags().BoolVarP(&rollContinue, "continue", "C", false, "Abort an in-progress roll that involves the key")
}

func parseTTLArg(args []string) uint32 {
	if len(args) != 1 {
		fmt.Printf("Error: exactly one argument expected: the max observed TTL in seconds\n")
		os.Exit(1)
	}
	ttl, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Printf("Error: TTL %q is not a number: %v\n", args[0], err)
		os.Exit(1)
	}
	return uint32(ttl)
}

func sendRollStep(step string, ttl uint32) {
	PrepArgs("zonename", "rolltype")

	rr, err := SendRollCommand(dsp.Globals.Api, dsp.RollPost{
		Command:  step,
		Zone:     dsp.Globals.Zonename,
		RollType: rolltype,
		TTL:      ttl,
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s\n", rr.Msg)
}
