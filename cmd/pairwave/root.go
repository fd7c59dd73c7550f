package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

var rootCmd = &cobra.Command{
	Use:   "pairwave",
	Short: "Anonymous 1:1 video call session tooling",
	Long: `pairwave is the session kit behind anonymous 1:1 video calls:
a token issuance service and a headless call client that negotiates a
WebRTC session through a matchmaking signaling server.`,
}

// Execute runs the root command. Called once from main.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveBuildInfo prefers ldflags values and falls back to the info the Go
// toolchain embeds in the binary.
func resolveBuildInfo(commit, built string) (string, string) {
	if commit != "" && built != "" {
		return commit, built
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return commit, built
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if commit == "" {
				commit = setting.Value
			}
		case "vcs.time":
			if built == "" {
				built = setting.Value
			}
		}
	}
	return commit, built
}
