package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/javanstorm/nodelab/internal/lab"
)

var listOutput string

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls", "status"},
	Short:   "List instances and their status",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			views, err := a.lab.List(context.Background())
			if err != nil {
				return err
			}
			return writeList(os.Stdout, views, listOutput)
		})
	},
}

func init() {
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "output format (table, json, yaml)")
}

func writeList(w io.Writer, views []lab.InstanceView, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(views); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	if len(views) == 0 {
		fmt.Fprintln(w, "No instances. Create one with 'nodelab create'.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tADDRESS\tSTATUS\tVNC\tTELNET\tSSH\tCONSOLE")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.Name, v.Kind, v.Address, v.Status,
			port(v.Ports.VNC), port(v.Ports.Telnet), port(v.Ports.SSH),
			dash(v.ConsoleURL))
	}
	return tw.Flush()
}

func port(p int) string {
	if p == 0 {
		return "-"
	}
	return fmt.Sprint(p)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
