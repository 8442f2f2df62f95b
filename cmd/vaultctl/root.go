package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"carevault/internal/crypto/signature"
)

const keyEnv = "VAULTCTL_KEY"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vaultctl",
		Short:         "carevault client tooling",
		Long:          "Signs nonce challenges, consent grants, revocations, uploads and export requests, and verifies audit exports.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newKeygenCmd(), newSignCmd(), newVerifyExportCmd())
	return root
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 signing key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"privateKey": signature.EncodeKey(priv.Seed()),
				"publicKey":  signature.EncodeKey(pub),
			})
		},
	}
}

// loadKey reads a base64 Ed25519 seed or full private key from path, or from
// VAULTCTL_KEY when path is empty.
func loadKey(path string) (ed25519.PrivateKey, error) {
	raw := os.Getenv(keyEnv)
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		raw = string(b)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("no signing key: pass --key or set %s", keyEnv)
	}
	b, err := signature.DecodeKey(raw)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	default:
		return nil, fmt.Errorf("key must be a %d byte seed or %d byte private key", ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
