package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/halvorsen/vtsd/internal/vcrypto"
	"github.com/halvorsen/vtsd/internal/x509obj"
)

var (
	genkeyBits int
	genkeyOut  string
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate an RSA key pair, PKCS#1-PEM encoded",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := vcrypto.GenerateKey(genkeyBits)
		if err != nil {
			return fmt.Errorf("genkey: %w", err)
		}
		pemBytes, err := x509obj.ExportPrivateKeyPEM(key)
		if err != nil {
			return fmt.Errorf("genkey: encode private key: %w", err)
		}
		if err := os.WriteFile(genkeyOut, pemBytes, 0o600); err != nil {
			return fmt.Errorf("genkey: write %s: %w", genkeyOut, err)
		}
		fmt.Printf("wrote %d-bit RSA key to %s\n", genkeyBits, genkeyOut)
		return nil
	},
}

func init() {
	genkeyCmd.Flags().IntVar(&genkeyBits, "bits", 2048, "RSA modulus size in bits")
	genkeyCmd.Flags().StringVar(&genkeyOut, "out", "key.pem", "output path for the PEM-encoded private key")
	rootCmd.AddCommand(genkeyCmd)
}
