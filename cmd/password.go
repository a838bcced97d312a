package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/gsh-mux/gsh/internal/config"
	"github.com/gsh-mux/gsh/internal/keyring"
)

// NewPasswordCommand manages host-keyed credentials in the system
// keyring; host discovery comes from the configured groups instead of
// scanning ~/.ssh/config, since gsh has no SSH-config awareness of its
// own.
func NewPasswordCommand() *cobra.Command {
	passwordCmd := &cobra.Command{
		Use:     "password",
		Aliases: []string{"passwd", "pass"},
		Short:   "Manage stored passwords for configured hosts",
		Long:    `Store, delete, and list passwords for hosts. Passwords are stored securely in the system keyring.`,
	}

	setCmd := &cobra.Command{
		Use:   "set <host>",
		Short: "Store a password for a host",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			host := args[0]

			password, err := keyring.PromptAndConfirmPassword(host)
			if err != nil {
				slog.Error(fmt.Sprintf("failed to read password: %v", err))
				os.Exit(1)
			}
			if err := keyring.SetPassword(host, password); err != nil {
				slog.Error(fmt.Sprintf("failed to store password: %v", err))
				os.Exit(1)
			}
			slog.Info(fmt.Sprintf("password stored for %q", host))
		},
	}

	deleteCmd := &cobra.Command{
		Use:     "delete <host>",
		Aliases: []string{"del", "remove", "rm"},
		Short:   "Delete a stored password for a host",
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			host := args[0]
			if err := keyring.DeletePassword(host); err != nil {
				slog.Error(fmt.Sprintf("failed to delete password: %v", err))
				os.Exit(1)
			}
			slog.Info(fmt.Sprintf("password deleted for %q", host))
		},
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured hosts with stored passwords",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			hosts := configuredHosts()
			var withPasswords []string
			for _, host := range hosts {
				if keyring.HasPassword(host) {
					withPasswords = append(withPasswords, host)
				}
			}

			if len(withPasswords) == 0 {
				slog.Info("no stored passwords found")
				return
			}
			fmt.Println("Hosts with stored passwords:")
			for _, host := range withPasswords {
				fmt.Printf("  - %s\n", host)
			}
		},
	}

	passwordCmd.AddCommand(setCmd, deleteCmd, listCmd)
	return passwordCmd
}

// configuredHosts returns the deduplicated union of every configured
// group's hosts, sorted for stable output.
func configuredHosts() []string {
	seen := make(map[string]bool)
	var hosts []string
	if config.Config != nil {
		for _, g := range config.Config.Groups {
			for _, h := range g.Hosts {
				if !seen[h] {
					seen[h] = true
					hosts = append(hosts, h)
				}
			}
		}
	}
	sort.Strings(hosts)
	return hosts
}
