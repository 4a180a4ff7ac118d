package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/halvorsen/vtsd/internal/x509obj"
)

var (
	csrKeyPath string
	csrSubject string
	csrOut     string
)

var csrCmd = &cobra.Command{
	Use:   "csr",
	Short: "Build and sign a PKCS#10 certificate signing request",
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPEM, err := os.ReadFile(csrKeyPath)
		if err != nil {
			return fmt.Errorf("csr: read key: %w", err)
		}
		key, err := x509obj.ImportPrivateKeyPEM(keyPEM)
		if err != nil {
			return fmt.Errorf("csr: decode key: %w", err)
		}
		subject, err := parseSubject(csrSubject)
		if err != nil {
			return fmt.Errorf("csr: %w", err)
		}
		req, err := x509obj.CreateCSR(subject, key)
		if err != nil {
			return fmt.Errorf("csr: build request: %w", err)
		}
		reqPEM, err := req.ExportPEM()
		if err != nil {
			return fmt.Errorf("csr: encode request: %w", err)
		}
		if err := os.WriteFile(csrOut, reqPEM, 0o644); err != nil {
			return fmt.Errorf("csr: write %s: %w", csrOut, err)
		}
		fmt.Printf("wrote certificate request to %s\n", csrOut)
		return nil
	},
}

func init() {
	csrCmd.Flags().StringVar(&csrKeyPath, "key", "key.pem", "path to the PEM-encoded private key")
	csrCmd.Flags().StringVar(&csrSubject, "subject", "", `subject, e.g. "CN=client,O=Example"`)
	csrCmd.Flags().StringVar(&csrOut, "out", "req.pem", "output path for the PEM-encoded request")
	csrCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(csrCmd)
}
