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
	signcsrCAKeyPath  string
	signcsrCACertPath string
	signcsrIn         string
	signcsrOut        string
	signcsrSerial     int64
	signcsrDays       int
	signcsrStrict     bool
)

var signcsrCmd = &cobra.Command{
	Use:   "sign-csr",
	Short: "Sign a certificate request into an end-entity certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		caKeyPEM, err := os.ReadFile(signcsrCAKeyPath)
		if err != nil {
			return fmt.Errorf("sign-csr: read ca key: %w", err)
		}
		caKey, err := x509obj.ImportPrivateKeyPEM(caKeyPEM)
		if err != nil {
			return fmt.Errorf("sign-csr: decode ca key: %w", err)
		}
		caCertPEM, err := os.ReadFile(signcsrCACertPath)
		if err != nil {
			return fmt.Errorf("sign-csr: read ca cert: %w", err)
		}
		caCert, err := x509obj.ImportCertificatePEM(caCertPEM)
		if err != nil {
			return fmt.Errorf("sign-csr: decode ca cert: %w", err)
		}
		reqPEM, err := os.ReadFile(signcsrIn)
		if err != nil {
			return fmt.Errorf("sign-csr: read request: %w", err)
		}
		req, err := x509obj.ImportCSRPEM(reqPEM)
		if err != nil {
			return fmt.Errorf("sign-csr: decode request: %w", err)
		}
		if ok, err := req.Verify(); err != nil || !ok {
			return fmt.Errorf("sign-csr: request signature does not verify")
		}

		notAfter := time.Now().UTC().Add(time.Duration(signcsrDays) * 24 * time.Hour)
		cert, err := caCert.SignCSR(req, big.NewInt(signcsrSerial), notAfter, caKey, nil, time.Time{}, signcsrStrict)
		if err != nil {
			return fmt.Errorf("sign-csr: sign: %w", err)
		}
		certPEM, err := cert.ExportPEM()
		if err != nil {
			return fmt.Errorf("sign-csr: encode certificate: %w", err)
		}
		if err := os.WriteFile(signcsrOut, certPEM, 0o644); err != nil {
			return fmt.Errorf("sign-csr: write %s: %w", signcsrOut, err)
		}
		fmt.Printf("wrote certificate to %s\n", signcsrOut)
		return nil
	},
}

func init() {
	signcsrCmd.Flags().StringVar(&signcsrCAKeyPath, "ca-key", "ca.pem", "path to the CA's PEM-encoded private key")
	signcsrCmd.Flags().StringVar(&signcsrCACertPath, "ca-cert", "ca.crt", "path to the CA's PEM-encoded certificate")
	signcsrCmd.Flags().StringVar(&signcsrIn, "in", "req.pem", "path to the PEM-encoded certificate request")
	signcsrCmd.Flags().StringVar(&signcsrOut, "out", "cert.pem", "output path for the PEM-encoded certificate")
	signcsrCmd.Flags().Int64Var(&signcsrSerial, "serial", 1, "serial number for the issued certificate")
	signcsrCmd.Flags().IntVar(&signcsrDays, "days", 365, "validity period in days from now")
	signcsrCmd.Flags().BoolVar(&signcsrStrict, "strict", false, "require the issuer to carry CA extensions (basicConstraints/SKI/keyCertSign)")
	rootCmd.AddCommand(signcsrCmd)
}
