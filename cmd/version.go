package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gsh-mux/gsh/internal/buildinfo"
)

// NewVersionCommand reports the build-derived version string.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show gsh's build version.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(buildinfo.Format(buildinfo.Version))
		},
	}
}
