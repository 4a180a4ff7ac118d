// Package cmd implements vtsd's subcommands using cobra, the way
// firestige-Otus's cmd package wires its daemon/control commands.
package cmd

import (
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "vtsd",
	Short: "vtsd is a VTS/TLS secure transport daemon",
	Long: `vtsd terminates inbound connections behind a pluggable secure
transport (the VTS draft protocol, standard TLS, or, if explicitly
enabled, insecure plaintext) and hands the resulting plaintext
byte-stream to an application handler.

It also bundles the key/certificate tooling (genkey, selfsign, csr,
sign-csr) needed to provision a vtsd instance's identity.`,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (YAML); see internal/config for defaults and VTSD_* env overrides")
}
