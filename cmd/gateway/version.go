package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/AliZeynalov/heyhi-proxy/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "heyhi-proxy %s\n", info.Version)
		fmt.Fprintf(out, "Git Commit: %s\n", info.Commit)
		if info.Date != "" {
			fmt.Fprintf(out, "Build Date: %s\n", info.Date)
		}
		fmt.Fprintf(out, "Go Version: %s\n", info.GoVersion)
		fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
