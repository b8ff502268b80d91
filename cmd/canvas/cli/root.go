package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	jsonOutput bool
	mockMode   bool
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "canvas",
	Short: "Conversational image assistant",
	Long: `Canvas routes each message to a chat reply, a new image or an edit of an
image already in the conversation, and waits on the image service for you.`,
	SilenceUsage: true,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default $HOME/.canvas/config.yaml)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "JSON logs and output")
	RootCmd.PersistentFlags().BoolVar(&mockMode, "mock", false, "Use the mock image backend")

	RootCmd.AddCommand(chatCmd)
	RootCmd.AddCommand(sendCmd)
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(configCmd)
	RootCmd.AddCommand(jobsCmd)
}
