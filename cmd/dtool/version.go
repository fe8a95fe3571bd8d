package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dtool-go/dtool/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		version.FprintVersion(os.Stdout)
	},
}
