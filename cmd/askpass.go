package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gsh-mux/gsh/internal/keyring"
)

// NewAskpassCommand is the hidden SSH_ASKPASS helper gsh points transports
// at when a host is configured with hide_password.
func NewAskpassCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "askpass",
		Short:  "Internal SSH askpass helper (do not call directly)",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if err := keyring.Askpass(); err != nil {
				os.Exit(1)
			}
		},
	}
}
