package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/nanoclaw/nanoclaw/cmd/nanoclaw/cmd.version=1.2.3"
	version = "0.4.1"
	logo    = "\n" +
		"  _   _                    ____ _\n" +
		" | \\ | | __ _ _ __   ___  / ___| | __ ___      __\n" +
		" |  \\| |/ _` | '_ \\ / _ \\| |   | |/ _` \\ \\ /\\ / /\n" +
		" | |\\  | (_| | | | | (_) | |___| | (_| |\\ V  V /\n" +
		" |_| \\_|\\__,_|_| |_|\\___/ \\____|_|\\__,_| \\_/\\_/\n"
)

var rootCmd = &cobra.Command{
	Use:   "nanoclaw",
	Short: "NanoClaw - multi-channel assistant host",
	Long:  color.CyanString(logo) + "\nA single-tenant assistant host: chat router, task scheduler, governed work pipeline, worker fleet.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(taskCmd)
}
