/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/johanix/dsp/dsp"
)

var cfgFile, cfgFileUsed string

var rootCmd = &cobra.Command{
	Use:   "dsp-cli",
	Short: "dsp-cli is a tool used to interact with the dspd signing pipeline daemon via API",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	cobra.OnInitialize(initConfig, initApi)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default is %s)", dsp.DefaultCliCfgFile))
	rootCmd.PersistentFlags().StringVarP(&dsp.Globals.Zonename, "zone", "z", "", "zone name")

	rootCmd.PersistentFlags().BoolVarP(&dsp.Globals.Debug, "debug", "d",
		false, "debug output")
	rootCmd.PersistentFlags().BoolVarP(&dsp.Globals.Verbose, "verbose", "v",
		false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dsp.Globals.ShowHeaders, "headers", "H",
		false, "show headers")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigFile(dsp.DefaultCliCfgFile)
	}

	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		if dsp.Globals.Verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
		cfgFileUsed = viper.ConfigFileUsed()
	} else {
		log.Fatalf("Could not load config %s: Error: %v", viper.ConfigFileUsed(), err)
	}

	err := viper.Unmarshal(&cconf)
	if err != nil {
		log.Printf("Error from viper.Unmarshal(cfg): %v", err)
	}

	dsp.SetupCliLogging()
}

var cconf CliConf

type CliConf struct {
	ApiServer ApiDetails
}

type ApiDetails struct {
	BaseURL    string `validate:"required" yaml:"baseurl"`
	ApiKey     string `validate:"required" yaml:"apikey"`
	AuthMethod string `validate:"required" yaml:"authmethod"`
}

func initApi() {
	api := dsp.NewClient("dsp-cli", cconf.ApiServer.BaseURL, cconf.ApiServer.ApiKey,
		cconf.ApiServer.AuthMethod, "insecure")
	if api == nil {
		log.Fatalf("initApi: Failed to setup API client. Exiting.")
	}
	dsp.Globals.Api = api
	if dsp.Globals.Debug {
		fmt.Printf("API client set up (baseurl: %q).\n", api.BaseUrl)
	}
}
