package main

import (
	"github.com/Zereker/netframe"
	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	var (
		dir  string
		bits int
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the RSA key pair for the token handshake",
		Long: `Generate an RSA key pair and write it as PEM files.

The server loads the private key with --key, clients load the
public key with --pub. Both sides share the secret given with --secret.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := netframe.GenerateKey(bits)
			if err != nil {
				return err
			}

			privPath, pubPath, err := netframe.WriteKeyFiles(dir, key)
			if err != nil {
				return err
			}

			success("Generated %d-bit key pair", key.N.BitLen())
			info("private: %s", privPath)
			info("public:  %s", pubPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "Directory for the key files")
	cmd.Flags().IntVar(&bits, "bits", netframe.DefaultKeyBits, "Key size in bits")

	return cmd
}
