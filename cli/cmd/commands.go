/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/johanix/dsp/dsp"
)

var force bool

var StopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Send stop command to dspd",
	Run: func(cmd *cobra.Command, args []string) {
		cr, err := SendCommand(dsp.Globals.Api, dsp.CommandPost{Command: "stop"})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("%s\n", cr.Msg)
	},
}

var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Interact with the dspd process itself",
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dspd status (zones, halt state)",
	Run: func(cmd *cobra.Command, args []string) {
		cr, err := SendCommand(dsp.Globals.Api, dsp.CommandPost{Command: "status"})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("%s\n", cr.Msg)
	},
}

var daemonReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Tell dspd to reload its config and zone list",
	Run: func(cmd *cobra.Command, args []string) {
		cr, err := SendCommand(dsp.Globals.Api, dsp.CommandPost{Command: "reload-config"})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		fmt.Printf("%s\n", cr.Msg)
	},
}

func init() {
	DaemonCmd.AddCommand(daemonStatusCmd, daemonReloadCmd, StopCmd)
	rootCmd.AddCommand(DaemonCmd, PingCmd)
	rootCmd.AddCommand(ZoneCmd, ReviewCmd, KeystoreCmd, RollCmd)
}

func SendCommand(api *dsp.ApiClient, data dsp.CommandPost) (dsp.CommandResponse, error) {
	var cr dsp.CommandResponse
	bytebuf := new(bytes.Buffer)
	json.NewEncoder(bytebuf).Encode(data)

	status, buf, err := api.Post("/command", bytebuf.Bytes())
	if err != nil {
		log.Println("Error from Api Post:", err)
		return cr, fmt.Errorf("error from api post: %v", err)
	}
	if dsp.Globals.Verbose {
		fmt.Printf("Status: %d\n", status)
	}

	err = json.Unmarshal(buf, &cr)
	if err != nil {
		return cr, fmt.Errorf("error from unmarshal: %v", err)
	}

	if cr.Error {
		return cr, fmt.Errorf("error from dspd: %s", cr.ErrorMsg)
	}

	return cr, nil
}

func SendZoneCommand(api *dsp.ApiClient, data dsp.ZonePost) (dsp.ZoneResponse, error) {
	var zr dsp.ZoneResponse
	bytebuf := new(bytes.Buffer)
	json.NewEncoder(bytebuf).Encode(data)

	status, buf, err := api.Post("/zone", bytebuf.Bytes())
	if err != nil {
		log.Println("Error from Api Post:", err)
		return zr, fmt.Errorf("error from api post: %v", err)
	}
	if dsp.Globals.Verbose {
		fmt.Printf("Status: %d\n", status)
	}

	err = json.Unmarshal(buf, &zr)
	if err != nil {
		return zr, fmt.Errorf("error from unmarshal: %v", err)
	}

	if zr.Error {
		return zr, fmt.Errorf("error from dspd: %s", zr.ErrorMsg)
	}

	return zr, nil
}

func SendReviewCommand(api *dsp.ApiClient, data dsp.ReviewPost) (dsp.ReviewResponse, error) {
	var rr dsp.ReviewResponse
	bytebuf := new(bytes.Buffer)
	json.NewEncoder(bytebuf).Encode(data)

	status, buf, err := api.Post("/review", bytebuf.Bytes())
	if err != nil {
		log.Println("Error from Api Post:", err)
		return rr, fmt.Errorf("error from api post: %v", err)
	}
	if dsp.Globals.Verbose {
		fmt.Printf("Status: %d\n", status)
	}

	err = json.Unmarshal(buf, &rr)
	if err != nil {
		return rr, fmt.Errorf("error from unmarshal: %v", err)
	}

	if rr.Error {
		return rr, fmt.Errorf("error from dspd: %s", rr.ErrorMsg)
	}

	return rr, nil
}

func SendKeystoreCommand(api *dsp.ApiClient, data dsp.KeystorePost) (dsp.KeystoreResponse, error) {
	var kr dsp.KeystoreResponse
	bytebuf := new(bytes.Buffer)
	json.NewEncoder(bytebuf).Encode(data)

	status, buf, err := api.Post("/keystore", bytebuf.Bytes())
	if err != nil {
		log.Println("Error from Api Post:", err)
		return kr, fmt.Errorf("error from api post: %v", err)
	}
	if dsp.Globals.Verbose {
		fmt.Printf("Status: %d\n", status)
	}

	err = json.Unmarshal(buf, &kr)
	if err != nil {
		return kr, fmt.Errorf("error from unmarshal: %v", err)
	}

	if kr.Error {
		return kr, fmt.Errorf("error from dspd: %s", kr.ErrorMsg)
	}

	return kr, nil
}

func SendRollCommand(api *dsp.ApiClient, data dsp.RollPost) (dsp.RollResponse, error) {
	var rr dsp.RollResponse
	bytebuf := new(bytes.Buffer)
	json.NewEncoder(bytebuf).Encode(data)

	status, buf, err := api.Post("/roll", bytebuf.Bytes())
	if err != nil {
		log.Println("Error from Api Post:", err)
		return rr, fmt.Errorf("error from api post: %v", err)
	}
	if dsp.Globals.Verbose {
		fmt.Printf("Status: %d\n", status)
	}

	err = json.Unmarshal(buf, &rr)
	if err != nil {
		return rr, fmt.Errorf("error from unmarshal: %v", err)
	}

	if rr.Error {
		return rr, fmt.Errorf("error from dspd: %s", rr.ErrorMsg)
	}

	return rr, nil
}
