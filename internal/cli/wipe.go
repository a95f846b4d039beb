package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/javanstorm/nodelab/internal/lab"
)

var wipeCmd = &cobra.Command{
	Use:   "wipe <name>",
	Short: "Stop an instance and reset its disk",
	Long: `Stop an instance, recreate its overlay from the base image and remove
its console record from the gateway. The instance stays registered.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			res, err := a.lab.Wipe(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Wiped %s\n", res.Name)
			if res.Warning != "" {
				fmt.Fprintf(os.Stderr, "Warning: %s\n", res.Warning)
			}
			return nil
		})
	},
}

var wipeAllCmd = &cobra.Command{
	Use:   "wipe-all",
	Short: "Wipe every instance",
	Long: `Wipe every registered instance in order. A failing instance is reported
and the rest are still wiped, unless halt_on_failure is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			res, err := a.lab.WipeAll(context.Background())
			if res != nil {
				printOutcomes(os.Stdout, res)
			}
			if err != nil {
				return err
			}
			fmt.Println("All nodes stopped and wiped")
			return nil
		})
	},
}

func printOutcomes(w io.Writer, res *lab.WipeAllResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tOUTCOME\tDETAIL")
	for _, o := range res.Outcomes {
		detail := o.Error
		if detail == "" {
			detail = o.Warning
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", o.Name, o.Outcome, detail)
	}
	tw.Flush()
}
