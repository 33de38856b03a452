package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stephnangue/keygate/cmd/keygen"
	"github.com/stephnangue/keygate/cmd/server"
)

var keygateCmd = &cobra.Command{
	Use:   "keygate",
	Short: "Keygate is a control plane for third-party service credentials",
	Long: `Keygate stores credentials for vector databases and model providers,
keeps them encrypted end to end, and verifies on demand that each one still
works against its endpoint. Secrets arrive sealed against the server's
transport key and never leave the process in plaintext.`,
}

func Execute() {
	if err := keygateCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	keygateCmd.AddCommand(server.ServerCmd)
	keygateCmd.AddCommand(keygen.KeygenCmd)
}
