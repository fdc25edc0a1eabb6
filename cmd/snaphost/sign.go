package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flemzord/snaphost/internal/cert"
)

func snapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snap",
		Short: "Snap bundle signing",
	}

	keygen := &cobra.Command{
		Use:   "keygen <key-file>",
		Short: "Generate a signing key and print its public half",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, seed, err := cert.GenerateKey()
			if err != nil {
				return err
			}
			f, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(f, seed); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pub)
			return nil
		},
	}

	sign := &cobra.Command{
		Use:   "sign <bundle>",
		Short: "Print the signature of a snap bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyPath, _ := cmd.Flags().GetString("key")
			key, err := cert.LoadPrivateKey(keyPath)
			if err != nil {
				return err
			}
			source, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(cert.Sign(key, source)))
			return nil
		},
	}
	sign.Flags().StringP("key", "k", "", "Private key file written by keygen")
	_ = sign.MarkFlagRequired("key")

	cmd.AddCommand(keygen, sign)
	return cmd
}
