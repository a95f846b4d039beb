package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var showTiming bool

var runCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Start an instance",
	Long: `Start an instance: allocate its console ports, ensure its TAP interfaces,
launch QEMU and publish its console to the gateway.

A failed gateway sync leaves the instance running and is reported as a
warning.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			res, err := a.lab.Run(context.Background(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Started %s\n", res.Name)
			fmt.Printf("  VNC:     %d\n", res.Ports.VNC)
			if res.Ports.Telnet != 0 {
				fmt.Printf("  Telnet:  %d\n", res.Ports.Telnet)
			}
			if res.Ports.SSH != 0 {
				fmt.Printf("  SSH:     %d\n", res.Ports.SSH)
			}
			if res.ConsoleURL != "" {
				fmt.Printf("  Console: %s\n", res.ConsoleURL)
			}
			if res.Warning != "" {
				fmt.Fprintf(os.Stderr, "Warning: %s\n", res.Warning)
			}
			if showTiming && res.Timer != nil {
				fmt.Println()
				res.Timer.Report(os.Stdout)
			}
			return nil
		})
	},
}

func init() {
	runCmd.Flags().BoolVar(&showTiming, "timing", false, "print how long each start phase took")
}
