// Package cmd provides the command-line interface for addrspace.
package cmd

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "addrspace",
	Short: "Addrspace CLI tool can replay and inspect region allocator operation logs.",
	Long: `Addrspace CLI tool can replay and inspect region allocator operation logs. ` +
		`It currently provides script replaying (replay) and recorded-trace ` +
		`printing (trace).`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	// Flag defaults can come from a .env file.
	_ = godotenv.Load()

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
