package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/gsh-mux/gsh/internal/config"
)

// NewRootCommand builds the "gsh" command tree.
func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:   "gsh",
		Short: "gsh - interactive group shell multiplexer",
		Long:  `gsh drives many remote shells from one controlling terminal, fanning typed commands out and aggregating their output into one prefixed stream.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Initialize(configPath); err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			level := slog.LevelWarn
			switch {
			case verbose >= 2:
				level = slog.LevelDebug
			case verbose == 1:
				level = slog.LevelInfo
			}
			slog.SetDefault(slog.New(
				tint.NewHandler(os.Stderr, &tint.Options{
					Level:      level,
					TimeFormat: time.DateTime,
				}),
			))

			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", fmt.Sprintf("%s/%s", homeDir, config.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewRunCommand(),
		NewHostsCommand(),
		NewVersionCommand(),
		NewPasswordCommand(),
		NewAskpassCommand(),
	)

	return rootCmd
}
