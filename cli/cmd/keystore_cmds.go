/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/miekg/dns"
	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"

	"github.com/johanix/dsp/dsp"
)

var keyid, rsabits int
var NewState, filename, keyrole, algstr, ownership string
var kmipServer, kmipPubId, kmipPrivId string

var KeystoreCmd = &cobra.Command{
	Use:   "keystore",
	Short: "Prefix command, only usable via sub-commands",
	Long: `The dspd keystore is where DNSSEC key pairs for zones are kept.
The CLI contains functions for listing key pairs, generating, importing,
changing the state of and deleting keys.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("keystore called. This is likely a mistake, sub command needed")
	},
}

var keystoreListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all DNSSEC key pairs in the keystore",
	Run: func(cmd *cobra.Command, args []string) {
		err := KeystoreMgmt("list")
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	},
}

var keystoreGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new DNSSEC key pair and add it to the keystore",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename", "role")
		err := KeystoreMgmt("generate")
		if err != nil {
			fmt.Printf("Error from KeystoreMgmt(): %v\n", err)
		}
	},
}

var keystoreImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import an existing DNSSEC key pair into the keystore",
	Long: `Import an existing DNSSEC key into the keystore. The key is referenced
either by a BIND format key file (a .private file imports the pair, a .key file
imports the public key only, as decoupled) or by a KMIP reference (server plus
public and private key ids).`,
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename")
		if filename == "" && kmipServer == "" {
			fmt.Printf("Error: either --file or the --kmip-* flags must be given\n")
			os.Exit(1)
		}
		err := KeystoreMgmt("import")
		if err != nil {
			fmt.Printf("Error from KeystoreMgmt(): %v\n", err)
		}
	},
}

var keystoreSetStateCmd = &cobra.Command{
	Use:   "setstate",
	Short: "Set the state of an existing DNSSEC key pair in the keystore",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("keyid", "zonename", "state")
		err := KeystoreMgmt("setstate")
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	},
}

var keystoreDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a DNSSEC key pair from the keystore",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("keyid", "zonename")
		err := KeystoreMgmt("delete")
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	},
}

func init() {
	KeystoreCmd.AddCommand(keystoreListCmd, keystoreGenerateCmd, keystoreImportCmd)
	KeystoreCmd.AddCommand(keystoreSetStateCmd, keystoreDeleteCmd)

	keystoreImportCmd.Flags().StringVarP(&filename, "file", "f", "", "Name of BIND format key file (.key or .private)")
	keystoreImportCmd.Flags().StringVarP(&kmipServer, "kmip-server", "", "", "KMIP server holding the key")
	keystoreImportCmd.Flags().StringVarP(&kmipPubId, "kmip-pubid", "", "", "KMIP id of the public key")
	keystoreImportCmd.Flags().StringVarP(&kmipPrivId, "kmip-privid", "", "", "KMIP id of the private key")
	keystoreImportCmd.Flags().StringVarP(&ownership, "ownership", "", "", "Key ownership (owned|decoupled)")
	keystoreImportCmd.Flags().StringVarP(&keyrole, "role", "", "", "Key role (KSK|ZSK|CSK)")

	keystoreDeleteCmd.Flags().IntVarP(&keyid, "keyid", "", 0, "Key ID of key to delete")
	keystoreSetStateCmd.Flags().IntVarP(&keyid, "keyid", "", 0, "Key ID of key to modify")
	keystoreSetStateCmd.Flags().StringVarP(&NewState, "state", "", "", "New state of key (generated|published|active|retired|removed)")
	keystoreGenerateCmd.Flags().StringVarP(&keyrole, "role", "", "", "Key role to generate (KSK|ZSK|CSK)")
	keystoreGenerateCmd.Flags().StringVarP(&algstr, "algorithm", "a", "ED25519", "Algorithm to use for key generation")
	keystoreGenerateCmd.Flags().IntVarP(&rsabits, "rsabits", "", 0, "Key size for RSA algorithms (default per policy)")
	keystoreGenerateCmd.MarkFlagRequired("role")
}

func KeystoreMgmt(cmd string) error {
	data := dsp.KeystorePost{
		Command:    "dnssec-mgmt",
		SubCommand: cmd,
		Zone:       dsp.Globals.Zonename,
	}

	switch cmd {
	case "list":
		// no action

	case "generate":
		alg, ok := dns.StringToAlgorithm[strings.ToUpper(algstr)]
		if !ok {
			fmt.Printf("Error: unknown DNSSEC algorithm: %q\n", algstr)
			os.Exit(1)
		}
		data.Algorithm = alg
		data.RsaBits = rsabits
		data.Role = keyrole
		switch keyrole {
		case "KSK", "CSK":
			data.Flags = 257
		case "ZSK":
			data.Flags = 256
		}

	case "import":
		data.Filename = filename
		data.KmipServer = kmipServer
		data.KmipPubId = kmipPubId
		data.KmipPrivId = kmipPrivId
		data.Ownership = ownership
		data.Role = keyrole

	case "delete", "setstate":
		data.Keyid = uint16(keyid)

	default:
		fmt.Printf("Unknown keystore command: \"%s\"\n", cmd)
		os.Exit(1)
	}

	if cmd == "setstate" {
		data.State = NewState
	}

	kr, err := SendKeystoreCommand(dsp.Globals.Api, data)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "list":
		var out, tmplist []string
		if dsp.Globals.ShowHeaders {
			out = append(out, "Zone|State|KeyID|Role|Algorithm|Ownership|PrivKey|DNSKEY Record")
		}
		if len(kr.Dnskeys) > 0 {
			for k, v := range kr.Dnskeys {
				tmp := strings.Split(k, "::")
				tmplist = append(tmplist, fmt.Sprintf("%s|%s|%s|%s|%s|%s|%v|%.50s...\n",
					tmp[0], v.State, tmp[1], v.Role, v.Algorithm, v.Ownership,
					v.PrivateKey, v.Keystr))
			}
			sort.Strings(tmplist)
			out = append(out, tmplist...)
			fmt.Printf("%s\n", columnize.SimpleFormat(out))
		} else {
			fmt.Printf("No DNSSEC key pairs found\n")
		}

	case "generate", "import", "delete", "setstate":
		if kr.Msg != "" {
			fmt.Printf("%s\n", kr.Msg)
		}
	}

	return nil
}
