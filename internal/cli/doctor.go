package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/javanstorm/nodelab/internal/config"
	"github.com/javanstorm/nodelab/internal/vm"
	"github.com/javanstorm/nodelab/pkg/hypervisor"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check host tools and configuration",
	Long: `Check that the QEMU launcher and qemu-img are installed, that the base
images exist and that the configuration is usable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Global
		dm := vm.NewDependencyManager()
		statuses := dm.Check(vm.QEMUDependencies(cfg.QEMUBinary, cfg.QEMUImgBinary))

		fmt.Printf("Host: %s\n", dm.HostOS())
		supported := hypervisor.SupportedPlatform()
		info := hypervisor.Info{Name: "qemu", Binary: cfg.QEMUBinary, Arch: runtime.GOARCH}
		q, err := hypervisor.NewQEMU(hypervisor.QEMUOptions{Binary: cfg.QEMUBinary, RunDir: cfg.RunDir()})
		switch {
		case err == nil:
			info = q.Info()
		case supported:
			return err
		}
		printPlatform(os.Stdout, info, supported)
		fmt.Println()
		printDependencies(os.Stdout, statuses)

		problems := config.Validate(cfg)
		if len(problems) > 0 {
			fmt.Println()
			fmt.Print(config.FormatValidationErrors(problems))
		}

		if !supported {
			return fmt.Errorf("%s/%s cannot supervise QEMU processes", runtime.GOOS, runtime.GOARCH)
		}
		if err := vm.Missing(statuses); err != nil {
			return err
		}
		if config.HasFatal(problems) {
			return fmt.Errorf("configuration has errors")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func printPlatform(w io.Writer, info hypervisor.Info, supported bool) {
	state := "supported"
	if !supported {
		state = "unsupported"
	}
	fmt.Fprintf(w, "Platform: %s/%s (%s)\n", runtime.GOOS, info.Arch, state)
	fmt.Fprintf(w, "Hypervisor: %s (%s)\n", info.Name, info.Binary)
}

func printDependencies(w io.Writer, statuses []vm.DependencyStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tSTATUS\tDETAIL")
	for _, st := range statuses {
		switch {
		case st.Found():
			fmt.Fprintf(tw, "%s\tok\t%s\n", st.Command, st.Path)
		case st.Install != "":
			fmt.Fprintf(tw, "%s\tmissing\t%s\n", st.Command, st.Install)
		default:
			fmt.Fprintf(tw, "%s\tmissing\t%s\n", st.Command, st.Description)
		}
	}
	tw.Flush()
}
