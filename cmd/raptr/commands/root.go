package commands

import (
	"fmt"
	"os"

	"github.com/raptrnet/raptr/src/config"
	"github.com/spf13/cobra"
)

var _config = config.NewDefaultConfig()

// RootCmd is the root command for raptr
var RootCmd = &cobra.Command{
	Use:              "raptr",
	Short:            "raptr consensus",
	TraverseChildren: true,
}

func init() {
	RootCmd.AddCommand(
		NewRunCmd(),
		NewKeygenCmd(),
		NewVersionCmd(),
	)

	// do not print usage when a command returns an error
	RootCmd.SilenceUsage = true
}

// Execute runs the root command and exits on error.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
