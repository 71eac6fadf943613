/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/johanix/dsp/dsp"
)

var appVersion = "v0.1.0"

func mainloop(conf *dsp.Config) {
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	hupper := make(chan os.Signal, 1)
	signal.Notify(hupper, syscall.SIGHUP)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		for {
			select {
			case <-exit:
				log.Println("mainloop: Exit signal received. Cleaning up.")
				conf.Internal.Stop()
				wg.Done()
				return
			case <-hupper:
				log.Println("mainloop: SIGHUP received. Forcing reload of all configured zones.")
				if _, err := conf.ReloadZoneConfig(); err != nil {
					log.Printf("mainloop: Error reloading zones: %v", err)
				}
			case <-conf.Internal.APIStopCh:
				log.Println("mainloop: Stop command received. Cleaning up.")
				wg.Done()
				return
			}
		}
	}()
	wg.Wait()

	fmt.Println("mainloop: leaving signal dispatcher")
}

func main() {
	var conf dsp.Config

	conf.ServerBootTime = time.Now()
	conf.AppVersion = appVersion

	var cfgFile string
	flag.StringVar(&cfgFile, "config", dsp.DefaultCfgFile, "config file")
	flag.BoolVarP(&dsp.Globals.Debug, "debug", "d", false, "Debug mode")
	flag.BoolVarP(&dsp.Globals.Verbose, "verbose", "v", false, "Verbose mode")
	flag.Parse()

	viper.Set("config", cfgFile)

	err := dsp.ParseConfig(&conf, false)
	if err != nil {
		log.Fatalf("Error parsing config: %v", err)
	}
	kdb := conf.Internal.KeyDB

	logfile := viper.GetString("log.file")
	dsp.SetupLogging(logfile)
	fmt.Printf("Logging to file: %s\n", logfile)

	fmt.Printf("DSPD version %s starting.\n", appVersion)

	// One stop channel for everything: closed via conf.Internal.Stop()
	// on the API stop command or an exit signal.
	apistopper := make(chan struct{})
	conf.Internal.APIStopCh = apistopper

	conf.Internal.RollQ = kdb.RollQ
	go dsp.KeyManagerEngine(&conf, apistopper)

	_, err = dsp.ParseZones(&conf, false)
	if err != nil {
		log.Fatalf("Error parsing zones: %v", err)
	}

	go dsp.ReviewServerEngine(&conf, apistopper)

	router, err := dsp.SetupAPIRouter(&conf)
	if err != nil {
		log.Fatalf("Error setting up API router: %v", err)
	}
	if err := dsp.APIdispatcher(&conf, router, apistopper); err != nil {
		log.Fatalf("Error starting API dispatcher: %v", err)
	}

	mainloop(&conf)
}
