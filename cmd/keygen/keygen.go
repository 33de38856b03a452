package keygen

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stephnangue/keygate/barrier"
	"github.com/stephnangue/keygate/transit"
)

var (
	flagTransportKeyFile string
	flagTransportBits    int

	KeygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate the at-rest key and transport keypair for a new deployment",
		Long: `
Usage: keygate keygen [options]

  Generates a fresh base64 at-rest key on stdout and, when --transport-key-file
  is given, writes a new RSA transport private key in PKCS#8 PEM form.

      $ keygate keygen --transport-key-file=/etc/keygate/transport.pem
  `,
		RunE: run,
	}
)

func init() {
	KeygenCmd.Flags().StringVar(&flagTransportKeyFile, "transport-key-file", "", "Write a new transport private key to this path")
	KeygenCmd.Flags().IntVar(&flagTransportBits, "transport-key-bits", transit.DefaultKeyBits, "RSA modulus size for the transport keypair")
}

func run(cmd *cobra.Command, args []string) error {
	atRestKey, err := barrier.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate at-rest key: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "At-rest key (base64): %s\n", atRestKey)

	if flagTransportKeyFile == "" {
		return nil
	}

	keypair, err := transit.Generate(flagTransportBits)
	if err != nil {
		return err
	}
	pemBytes, err := keypair.EncodePrivatePEM()
	if err != nil {
		return fmt.Errorf("failed to encode transport key: %w", err)
	}
	if err := os.WriteFile(flagTransportKeyFile, pemBytes, 0o600); err != nil {
		return fmt.Errorf("failed to write transport key: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Transport private key written to %s\n", flagTransportKeyFile)
	return nil
}
