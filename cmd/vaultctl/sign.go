package main

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"carevault/internal/audit"
	consentmodels "carevault/internal/consent/models"
	"carevault/internal/crypto/signature"
	recordmodels "carevault/internal/records/models"
	"carevault/pkg/domain"
)

// signOutput is printed by every sign subcommand. Payload is the exact byte
// string that was signed, for debugging mismatches against the server.
type signOutput struct {
	Signature string `json:"signature"`
	Payload   string `json:"payload"`
	ContentID string `json:"contentId,omitempty"`
	Blob      string `json:"blob,omitempty"`
}

func newSignCmd() *cobra.Command {
	var keyPath string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a request payload with an Ed25519 key",
	}
	cmd.PersistentFlags().StringVar(&keyPath, "key", "", "file holding the base64 private key (defaults to $"+keyEnv+")")

	sign := func(cmd *cobra.Command, payload []byte, out signOutput) error {
		key, err := loadKey(keyPath)
		if err != nil {
			return err
		}
		out.Signature = signature.EncodeKey(ed25519.Sign(key, payload))
		out.Payload = string(payload)
		return writeJSON(cmd.OutOrStdout(), out)
	}

	cmd.AddCommand(
		newSignNonceCmd(sign),
		newSignGrantCmd(sign),
		newSignRevokeCmd(sign),
		newSignUploadCmd(sign),
		newSignExportCmd(sign),
	)
	return cmd
}

type signFunc func(cmd *cobra.Command, payload []byte, out signOutput) error

func newSignNonceCmd(sign signFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "nonce <nonce>",
		Short: "Sign an authentication challenge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sign(cmd, []byte(args[0]), signOutput{})
		},
	}
}

func newSignGrantCmd(sign signFunc) *cobra.Command {
	var (
		patient, provider, expires string
		perms                      []string
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Sign a consent grant as the patient",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			permissions, err := parsePermissions(perms)
			if err != nil {
				return err
			}
			var exp *time.Time
			if expires != "" {
				t, err := time.Parse(time.RFC3339Nano, expires)
				if err != nil {
					return fmt.Errorf("--expires: %w", err)
				}
				exp = &t
			}
			payload, err := consentmodels.GrantSigningPayload(domain.UserID(strings.TrimSpace(patient)), domain.UserID(strings.TrimSpace(provider)), permissions, exp)
			if err != nil {
				return err
			}
			return sign(cmd, payload, signOutput{})
		},
	}
	cmd.Flags().StringVar(&patient, "patient", "", "patient user id")
	cmd.Flags().StringVar(&provider, "provider", "", "provider user id")
	cmd.Flags().StringArrayVar(&perms, "permission", nil, "resourceType:accessLevel, repeatable")
	cmd.Flags().StringVar(&expires, "expires", "", "RFC 3339 expiration time")
	_ = cmd.MarkFlagRequired("patient")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("permission")
	return cmd
}

// parsePermissions normalizes the same way the API does before verifying.
func parsePermissions(raw []string) ([]consentmodels.Permission, error) {
	out := make([]consentmodels.Permission, 0, len(raw))
	for _, p := range raw {
		rt, level, ok := strings.Cut(p, ":")
		if !ok {
			return nil, fmt.Errorf("permission %q: want resourceType:accessLevel", p)
		}
		resource, err := domain.ParseResourceType(rt)
		if err != nil {
			return nil, fmt.Errorf("permission %q: %w", p, err)
		}
		access, err := domain.ParseAccessLevel(strings.ToLower(strings.TrimSpace(level)))
		if err != nil {
			return nil, fmt.Errorf("permission %q: %w", p, err)
		}
		out = append(out, consentmodels.Permission{ResourceType: resource, AccessLevel: access})
	}
	return out, nil
}

func newSignRevokeCmd(sign signFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <consentTokenId>",
		Short: "Sign a consent revocation as the patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseConsentTokenID(args[0])
			if err != nil {
				return err
			}
			payload, err := consentmodels.RevokeSigningPayload(id)
			if err != nil {
				return err
			}
			return sign(cmd, payload, signOutput{})
		},
	}
}

func newSignUploadCmd(sign signFunc) *cobra.Command {
	var patient, provider, resourceType, contentType, file string
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Sign a record upload as the provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			blob, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read blob: %w", err)
			}
			rt, err := domain.ParseResourceType(resourceType)
			if err != nil {
				return err
			}
			contentID := recordmodels.ContentIDFor(blob)
			meta := recordmodels.Metadata{ResourceType: rt, ContentType: strings.TrimSpace(contentType)}
			payload, err := recordmodels.UploadSigningPayload(domain.UserID(strings.TrimSpace(patient)), domain.UserID(strings.TrimSpace(provider)), meta, contentID)
			if err != nil {
				return err
			}
			return sign(cmd, payload, signOutput{ContentID: contentID.String(), Blob: signature.EncodeKey(blob)})
		},
	}
	cmd.Flags().StringVar(&patient, "patient", "", "patient user id")
	cmd.Flags().StringVar(&provider, "provider", "", "uploading provider user id")
	cmd.Flags().StringVar(&resourceType, "resource-type", "", "resource type")
	cmd.Flags().StringVar(&contentType, "content-type", "application/octet-stream", "blob media type")
	cmd.Flags().StringVar(&file, "file", "", "blob to upload")
	for _, f := range []string{"patient", "provider", "resource-type", "file"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newSignExportCmd(sign signFunc) *cobra.Command {
	var requester, format, eventType, user, resource, from, to string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Sign an audit export request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := audit.ParseExportFormat(format)
			if err != nil {
				return err
			}
			filter := audit.Filter{
				EventType:  audit.EventType(strings.ToUpper(strings.TrimSpace(eventType))),
				UserID:     domain.UserID(strings.TrimSpace(user)),
				ResourceID: strings.TrimSpace(resource),
			}
			if filter.From, err = parseOptionalTime("--from", from); err != nil {
				return err
			}
			if filter.To, err = parseOptionalTime("--to", to); err != nil {
				return err
			}
			payload, err := audit.ExportSigningPayload(domain.UserID(strings.TrimSpace(requester)), f, filter)
			if err != nil {
				return err
			}
			return sign(cmd, payload, signOutput{})
		},
	}
	cmd.Flags().StringVar(&requester, "requester", "", "requesting auditor or admin user id")
	cmd.Flags().StringVar(&format, "format", "JSON", "JSON or CSV")
	cmd.Flags().StringVar(&eventType, "event-type", "", "filter: event type")
	cmd.Flags().StringVar(&user, "user", "", "filter: user id")
	cmd.Flags().StringVar(&resource, "resource", "", "filter: resource id")
	cmd.Flags().StringVar(&from, "from", "", "filter: RFC 3339 lower bound")
	cmd.Flags().StringVar(&to, "to", "", "filter: RFC 3339 upper bound")
	_ = cmd.MarkFlagRequired("requester")
	return cmd
}

func parseOptionalTime(flag, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", flag, err)
	}
	return &t, nil
}
