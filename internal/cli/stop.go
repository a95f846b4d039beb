package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop an instance",
	Long:  "Terminate the QEMU process of an instance. Its overlay and console record are kept.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			res, err := a.lab.Stop(context.Background(), args[0])
			if err != nil {
				return err
			}
			if res.WasRunning {
				fmt.Printf("Stopped %s\n", res.Name)
			} else {
				fmt.Printf("%s was not running\n", res.Name)
			}
			return nil
		})
	},
}
