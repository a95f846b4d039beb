package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanstorm/nodelab/internal/vm"
)

var createRouter bool

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new node or the router",
	Long: `Register a new instance and create its overlay disk.

Nodes are numbered node_1, node_2, ... and a number is never reused, even
after the node is wiped. Only one router can exist.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			var (
				inst *vm.Instance
				err  error
			)
			if createRouter {
				inst, err = a.lab.CreateRouter(context.Background())
			} else {
				inst, err = a.lab.CreateNode(context.Background())
			}
			if err != nil {
				return err
			}
			fmt.Printf("Created %s (%s)\n", inst.Name, inst.Address)
			fmt.Printf("  Overlay: %s\n", inst.OverlayPath)
			return nil
		})
	},
}

func init() {
	createCmd.Flags().BoolVar(&createRouter, "router", false, "create the router instead of a node")
}
