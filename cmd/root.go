/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "flowgate",
	Short: "Ingress and dispatch for the conversation engine",
	Long: `Flowgate accepts conversation traffic over HTTP, SNS, a queue or a serverless
invocation, and hands it to the conversation engine. Failures are sent to the
crash reporter with release and request context.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
