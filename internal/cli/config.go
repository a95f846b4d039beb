package cli

import (
	"fmt"
	"os"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/javanstorm/nodelab/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file and
NODELAB_* environment variables, followed by any validation problems.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Global
		if used := config.ConfigFileUsed(); used != "" {
			fmt.Printf("# config file: %s\n", used)
		} else {
			fmt.Println("# config file: (none, using defaults)")
		}

		out, err := marshalConfig(cfg)
		if err != nil {
			return err
		}
		os.Stdout.Write(out)

		if problems := config.Validate(cfg); len(problems) > 0 {
			fmt.Fprintln(os.Stderr)
			fmt.Fprint(os.Stderr, config.FormatValidationErrors(problems))
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}

// marshalConfig renders cfg with the same keys the config file uses.
func marshalConfig(cfg *config.Config) ([]byte, error) {
	return yaml.Marshal(map[string]interface{}{
		"data_dir":            cfg.DataDir,
		"image_dir":           cfg.ImageDir,
		"overlay_dir":         cfg.OverlayDir,
		"node_image":          cfg.NodeImage,
		"router_image":        cfg.RouterImage,
		"qemu_binary":         cfg.QEMUBinary,
		"qemu_img_binary":     cfg.QEMUImgBinary,
		"memory_mb":           cfg.MemoryMB,
		"enable_kvm":          cfg.EnableKVM,
		"vnc_port_base":       cfg.VNCPortBase,
		"port_range":          cfg.PortRange,
		"ssh_port_base":       cfg.SSHPortBase,
		"router_telnet_port":  cfg.RouterTelnetPort,
		"subnet_prefix":       cfg.SubnetPrefix,
		"node_address_offset": cfg.NodeAddressOffset,
		"router_address":      cfg.RouterAddress,
		"console_host":        cfg.ConsoleHost,
		"console_base_url":    cfg.ConsoleBaseURL,
		"gateway_driver":      cfg.GatewayDriver,
		"gateway_dsn":         redactDSN(cfg.GatewayDSN),
		"gateway_admin":       cfg.GatewayAdmin,
		"gateway_timeout":     cfg.GatewayTimeout.String(),
		"launch_timeout":      cfg.LaunchTimeout.String(),
		"stop_timeout":        cfg.StopTimeout.String(),
		"halt_on_failure":     cfg.HaltOnFailure,
		"cleanup_on_start":    cfg.CleanupOnStart,
		"listen_addr":         cfg.ListenAddr,
		"cors_origin":         cfg.CORSOrigin,
		"log_level":           cfg.LogLevel,
	})
}

// redactDSN hides the password of a MySQL DSN.
func redactDSN(dsn string) string {
	c, err := mysql.ParseDSN(dsn)
	if err != nil || c.Passwd == "" {
		return dsn
	}
	c.Passwd = "****"
	return c.FormatDSN()
}
