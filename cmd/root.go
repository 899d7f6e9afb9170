package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kestrelmedia/crossbar/cmd/gen"
	"github.com/kestrelmedia/crossbar/internal/meta"
)

var rootCmd = &cobra.Command{
	Use:   "crossbar",
	Short: "Broadcast video-router protocol simulator and controller",
	Long: `Crossbar simulates broadcast video routers over their native control
protocols (Blackmagic VideoHub, SW-P-08, Grass Valley Native) and can
act as the controller side of each.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := meta.GetInfo()
		fmt.Printf("crossbar %s (%s, %s, %s)\n",
			info.Version, info.Build, info.Platform, info.GoVersion)
	},
}

func init() {
	rootCmd.AddCommand(StartCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
