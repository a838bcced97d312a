package cmd

import (
	"fmt"
	"sort"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/spf13/cobra"

	"github.com/gsh-mux/gsh/internal/config"
)

// NewHostsCommand lists configured host groups, presentational and
// read-only, opening with a one-line local-machine summary.
func NewHostsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List configured host groups",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if info, err := host.Info(); err == nil {
				fmt.Printf("local: %s (%s %s)\n\n", info.Hostname, info.Platform, info.PlatformVersion)
			}

			if config.Config == nil || len(config.Config.Groups) == 0 {
				fmt.Println("no host groups configured")
				return
			}

			names := make([]string, 0, len(config.Config.Groups))
			for name := range config.Config.Groups {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				g := config.Config.Groups[name]
				fmt.Printf("%s (%d hosts)\n", name, len(g.Hosts))
				for _, h := range g.Hosts {
					fmt.Printf("  - %s\n", h)
				}
			}
		},
	}
}
