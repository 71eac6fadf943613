/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/johanix/dsp/dsp"
)

const timelayout = "2006-01-02 15:04:05"

var PingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Send an API ping request and present the response",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 0 {
			log.Fatal("ping must have no arguments")
		}

		pr, err := SendPing(dsp.Globals.Api, dsp.Globals.PingCount)
		if err != nil {
			if strings.Contains(err.Error(), "connection refused") {
				fmt.Printf("Error: connection refused. Most likely dspd is not running\n")
				os.Exit(1)
			} else {
				log.Fatalf("Error from SendPing: %v", err)
			}
		}

		uptime := time.Since(pr.BootTime).Truncate(time.Second)
		if dsp.Globals.Verbose {
			fmt.Printf("%s (version %s): pings: %d, pongs: %d, uptime: %v, time: %s, client: %s\n",
				pr.Msg, pr.Version, pr.Pings, pr.Pongs, uptime, pr.Time.Format(timelayout), pr.Client)
		} else {
			fmt.Printf("%s: pings: %d, pongs: %d, uptime: %v, time: %s\n",
				pr.Msg, pr.Pings, pr.Pongs, uptime, pr.Time.Format(timelayout))
		}
	},
}

func init() {
	PingCmd.Flags().IntVarP(&dsp.Globals.PingCount, "count", "c", 1, "ping counter to send to server")
}

func SendPing(api *dsp.ApiClient, pingcount int) (dsp.PingResponse, error) {
	var pr dsp.PingResponse

	data := dsp.PingPost{
		Msg:   "One ping to rule them all and in the darkness bing them.",
		Pings: pingcount,
	}

	bytebuf := new(bytes.Buffer)
	json.NewEncoder(bytebuf).Encode(data)

	_, buf, err := api.Post("/ping", bytebuf.Bytes())
	if err != nil {
		return pr, fmt.Errorf("error from api post: %v", err)
	}

	err = json.Unmarshal(buf, &pr)
	if err != nil {
		return pr, fmt.Errorf("error from unmarshal: %v", err)
	}

	return pr, nil
}
