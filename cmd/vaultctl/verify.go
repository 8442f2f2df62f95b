package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"carevault/internal/audit"
	"carevault/internal/crypto/signature"
)

func newVerifyExportCmd() *cobra.Command {
	var publicKey string
	cmd := &cobra.Command{
		Use:   "verify-export <export.json>",
		Short: "Verify every entry signature in a JSON audit export",
		Long:  "Checks each entry against the audit public key served at GET /audit/public-key. Exits non-zero on the first bad entry.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := signature.DecodeKey(publicKey)
			if err != nil {
				return fmt.Errorf("--public-key: %w", err)
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read export: %w", err)
			}
			n, err := audit.VerifyExport(data, pub, signature.Ed25519Verifier{})
			if err != nil {
				return fmt.Errorf("export invalid after %d verified entries: %w", n, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "verified %d entries\n", n)
			return err
		},
	}
	cmd.Flags().StringVar(&publicKey, "public-key", "", "base64 audit public key")
	_ = cmd.MarkFlagRequired("public-key")
	return cmd
}
