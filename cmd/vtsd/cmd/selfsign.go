package cmd

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/halvorsen/vtsd/internal/x509obj"
)

var (
	selfsignKeyPath string
	selfsignSubject string
	selfsignOut     string
	selfsignDays    int
	selfsignCA      bool
)

var selfsignCmd = &cobra.Command{
	Use:   "selfsign",
	Short: "Build and self-sign a certificate for an existing key",
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPEM, err := os.ReadFile(selfsignKeyPath)
		if err != nil {
			return fmt.Errorf("selfsign: read key: %w", err)
		}
		key, err := x509obj.ImportPrivateKeyPEM(keyPEM)
		if err != nil {
			return fmt.Errorf("selfsign: decode key: %w", err)
		}
		subject, err := parseSubject(selfsignSubject)
		if err != nil {
			return fmt.Errorf("selfsign: %w", err)
		}
		req, err := x509obj.CreateCSR(subject, key)
		if err != nil {
			return fmt.Errorf("selfsign: build request: %w", err)
		}
		notAfter := time.Now().UTC().Add(time.Duration(selfsignDays) * 24 * time.Hour)
		var cert *x509obj.Certificate
		if selfsignCA {
			cert, err = req.SelfSignCA(big.NewInt(1), notAfter, key, nil, time.Time{}, nil, 0)
		} else {
			cert, err = req.SelfSign(big.NewInt(1), notAfter, key, nil, time.Time{})
		}
		if err != nil {
			return fmt.Errorf("selfsign: sign: %w", err)
		}
		certPEM, err := cert.ExportPEM()
		if err != nil {
			return fmt.Errorf("selfsign: encode certificate: %w", err)
		}
		if err := os.WriteFile(selfsignOut, certPEM, 0o644); err != nil {
			return fmt.Errorf("selfsign: write %s: %w", selfsignOut, err)
		}
		fmt.Printf("wrote self-signed certificate to %s\n", selfsignOut)
		return nil
	},
}

func init() {
	selfsignCmd.Flags().StringVar(&selfsignKeyPath, "key", "key.pem", "path to the PEM-encoded private key")
	selfsignCmd.Flags().StringVar(&selfsignSubject, "subject", "", `subject, e.g. "CN=test,O=Example"`)
	selfsignCmd.Flags().StringVar(&selfsignOut, "out", "cert.pem", "output path for the PEM-encoded certificate")
	selfsignCmd.Flags().IntVar(&selfsignDays, "days", 365, "validity period in days from now")
	selfsignCmd.Flags().BoolVar(&selfsignCA, "ca", false, "attach the CA extension set (basicConstraints CA:TRUE, keyCertSign)")
	selfsignCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(selfsignCmd)
}
