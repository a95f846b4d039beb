package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/javanstorm/nodelab/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the version, commit hash, and build date of nodelab.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("nodelab %s\n", version.Version)
		fmt.Printf("  Commit:     %s\n", version.Commit)
		fmt.Printf("  Build Date: %s\n", version.BuildDate)
		fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}
