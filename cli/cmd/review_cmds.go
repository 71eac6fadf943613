/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package cmd

import (
	"fmt"
	"os"

	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"

	"github.com/johanix/dsp/dsp"
)

var reviewStage string

var ReviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Prefix command to manage pending zone version reviews, only usable via sub-commands",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List zone versions awaiting review",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename")
		rr, err := SendReviewCommand(dsp.Globals.Api, dsp.ReviewPost{
			Command: "list",
			Zone:    dsp.Globals.Zonename,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if len(rr.Pending) == 0 {
			fmt.Printf("Zone %s: no versions awaiting review\n", dsp.Globals.Zonename)
			return
		}
		var out []string
		if dsp.Globals.ShowHeaders {
			out = append(out, "Serial|OutSerial|Stage|Loaded")
		}
		for _, v := range rr.Pending {
			out = append(out, fmt.Sprintf("%d|%d|%s|%s",
				v.Serial, v.OutSerial, v.Stage, v.Loaded.Format(timelayout)))
		}
		fmt.Printf("%s\n", columnize.SimpleFormat(out))
	},
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve a zone version awaiting review",
	Run: func(cmd *cobra.Command, args []string) {
		reviewDecision("approve")
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject",
	Short: "Reject a zone version awaiting review",
	Run: func(cmd *cobra.Command, args []string) {
		reviewDecision("reject")
	},
}

func init() {
	ReviewCmd.AddCommand(reviewListCmd, reviewApproveCmd, reviewRejectCmd)

	for _, c := range []*cobra.Command{reviewApproveCmd, reviewRejectCmd} {
		c.Flags().StringVarP(&reviewStage, "stage", "s", "", "Review stage (unsigned|signed)")
		c.Flags().Uint32VarP(&serial, "serial", "", 0, "Serial of the version under review")
		c.MarkFlagRequired("stage")
		c.MarkFlagRequired("serial")
	}
}

func reviewDecision(verdict string) {
	PrepArgs("zonename", "serial")

	if reviewStage != "unsigned" && reviewStage != "signed" {
		fmt.Printf("Error: unknown review stage: %q (must be unsigned or signed)\n", reviewStage)
		os.Exit(1)
	}

	rr, err := SendReviewCommand(dsp.Globals.Api, dsp.ReviewPost{
		Command: verdict,
		Zone:    dsp.Globals.Zonename,
		Stage:   reviewStage,
		Serial:  serial,
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s\n", rr.Msg)
}
