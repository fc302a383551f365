package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sync0",
	Short: "Offline-capable caching and sync proxy",
	Long: "sync0 sits between an application and its origin server, caches " +
		"resources per class, serves degraded answers while offline and " +
		"replays queued writes when connectivity returns.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
