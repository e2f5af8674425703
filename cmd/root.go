package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atomscat/softswitch-gateway/internal/meta"
)

var rootCmd = &cobra.Command{
	Use:   "softswitch-gateway",
	Short: "FreeSWITCH Event Socket gateway",
	Long: `softswitch-gateway speaks the FreeSWITCH Event Socket protocol in both
directions: it dials ESL servers to observe events (inbound mode) and
accepts per-call-leg sessions from FreeSWITCH (outbound mode).`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := meta.GetInfo()
		fmt.Printf("softswitch-gateway %s (%s, %s, built %s, %s)\n",
			info.Version, info.Build, info.Branch, info.BuildTime, info.GoVersion)
	},
}

func init() {
	rootCmd.AddCommand(StartCmd)
	rootCmd.AddCommand(versionCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
