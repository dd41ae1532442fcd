package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"desklicense/internal/keystore"
	"desklicense/internal/services"
)

func (c *cli) newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing keys",
	}
	cmd.AddCommand(
		c.newKeysGenerateCmd(),
		c.newKeysRotateCmd(),
		c.newKeysRevokeCmd(),
		c.newKeysImportCmd(),
		c.newKeysListCmd(),
		c.newKeysShowCmd(),
		c.newKeysNotesCmd(),
		c.newKeysAnchorsCmd(),
	)
	return cmd
}

// generate prints a standalone keypair without touching the keyring, for
// keys prepared on an offline machine and imported later.
func (c *cli) newKeysGenerateCmd() *cobra.Command {
	var kid string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Print a new Ed25519 keypair without storing it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := keystore.ValidateKid(kid); err != nil {
				return err
			}
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate ed25519 key: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "kid: %s\n", kid)
			fmt.Fprintf(out, "public_key: %s\n", keystore.PublicKey(pub))
			fmt.Fprintf(out, "private_key: %s\n", base64.StdEncoding.EncodeToString(priv.Seed()))
			return nil
		},
	}
	cmd.Flags().StringVar(&kid, "kid", "", "key identifier")
	cmd.MarkFlagRequired("kid")
	return cmd
}

func (c *cli) newKeysRotateCmd() *cobra.Command {
	var kid string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Generate a key and make it the active signing key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.authority(cmd)
			if err != nil {
				return err
			}
			defer closeAuthority(a)

			rot, err := a.Licenses.RotateKey(cmd.Context(), kid)
			if err != nil {
				return err
			}
			if rot.Previous != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "active key %s (retired %s)\n", rot.Active.Kid, rot.Previous)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "active key %s\n", rot.Active.Kid)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kid, "kid", "", "identifier of the new key (default key-<timestamp>)")
	return cmd
}

func (c *cli) newKeysRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke KID",
		Short: "Remove a retired key from the trust set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.authority(cmd)
			if err != nil {
				return err
			}
			defer closeAuthority(a)

			rev, err := a.Licenses.RevokeKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s, %d license(s) affected\n", rev.Key.Kid, rev.LicensesRevoked)
			return nil
		},
	}
}

func (c *cli) newKeysImportCmd() *cobra.Command {
	var req services.ImportKeyRequest
	var privateFile string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Add an existing key as retired",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if privateFile != "" {
				data, err := os.ReadFile(privateFile)
				if err != nil {
					return fmt.Errorf("read private key: %w", err)
				}
				req.PrivateKey = strings.TrimSpace(string(data))
			}

			a, err := c.authority(cmd)
			if err != nil {
				return err
			}
			defer closeAuthority(a)

			info, err := a.Licenses.ImportKey(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s (can sign: %t)\n", info.Kid, info.CanSign)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Kid, "kid", "", "key identifier")
	cmd.Flags().StringVar(&req.PublicKey, "public-key", "", "base64 Ed25519 public key")
	cmd.Flags().StringVar(&privateFile, "private-key-file", "", "file holding the base64 seed or secret key")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "operator notes stored with the key")
	cmd.MarkFlagRequired("kid")
	return cmd
}

func (c *cli) newKeysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every key and its status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.authority(cmd)
			if err != nil {
				return err
			}
			defer closeAuthority(a)

			printKeys(cmd.OutOrStdout(), a.Licenses.ListKeys(cmd.Context()))
			return nil
		},
	}
}

func (c *cli) newKeysShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show KID",
		Short: "Show one key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.authority(cmd)
			if err != nil {
				return err
			}
			defer closeAuthority(a)

			info, err := a.Licenses.GetKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printKey(cmd.OutOrStdout(), *info)
			return nil
		},
	}
}

func (c *cli) newKeysNotesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notes KID TEXT",
		Short: "Replace the operator notes of a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.authority(cmd)
			if err != nil {
				return err
			}
			defer closeAuthority(a)

			info, err := a.Licenses.UpdateKey(cmd.Context(), args[0], services.UpdateKeyRequest{Notes: args[1]})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", info.Kid)
			return nil
		},
	}
}

func printKey(out io.Writer, k keystore.KeyInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "kid:\t%s\n", k.Kid)
	fmt.Fprintf(w, "status:\t%s\n", k.Status)
	fmt.Fprintf(w, "can sign:\t%t\n", k.CanSign)
	fmt.Fprintf(w, "public key:\t%s\n", k.PublicKey)
	fmt.Fprintf(w, "created:\t%s\n", k.CreatedAt.UTC().Format(time.RFC3339))
	if k.RetiredAt != nil {
		fmt.Fprintf(w, "retired:\t%s\n", k.RetiredAt.UTC().Format(time.RFC3339))
	}
	if k.RevokedAt != nil {
		fmt.Fprintf(w, "revoked:\t%s\n", k.RevokedAt.UTC().Format(time.RFC3339))
	}
	if k.Notes != "" {
		fmt.Fprintf(w, "notes:\t%s\n", k.Notes)
	}
}

func printKeys(out io.Writer, keys []keystore.KeyInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "KID\tSTATUS\tCAN SIGN\tCREATED\tPUBLIC KEY")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
			k.Kid, k.Status, k.CanSign, k.CreatedAt.UTC().Format(time.RFC3339), k.PublicKey)
	}
}

// anchors writes the trust file shipped inside the desktop client.
func (c *cli) newKeysAnchorsCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "anchors",
		Short: "Print or write the client trust anchors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.authority(cmd)
			if err != nil {
				return err
			}
			defer closeAuthority(a)

			trust := a.Keys.TrustedPublicKeys()
			if out != "" {
				if err := keystore.SaveTrustAnchors(out, trust); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d trust anchor(s) to %s\n", trust.Len(), out)
				return nil
			}
			data, err := trust.MarshalAnchors()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the anchors to this file")
	return cmd
}
