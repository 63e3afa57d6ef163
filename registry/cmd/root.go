package main

import "github.com/spf13/cobra"

// rootCmd is the root of the command-line application.
var rootCmd = &cobra.Command{
	Use:   "model-registry",
	Short: "model-registry",
}

var (
	configPath string
	logLevel   int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the config file")
	rootCmd.PersistentFlags().IntVar(&logLevel, "v", 0, "Log level")
	_ = rootCmd.MarkPersistentFlagRequired("config")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(convertCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.SilenceUsage = true
}
