package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the cli version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("otatools %v (%v %v/%v)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
