package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all nodelab configuration.
type Config struct {
	// DataDir holds the registry, PID files and SSH keys.
	DataDir string `mapstructure:"data_dir"`

	// ImageDir holds the shared read-only base images.
	ImageDir string `mapstructure:"image_dir"`

	// OverlayDir holds one copy-on-write overlay per instance.
	OverlayDir string `mapstructure:"overlay_dir"`

	// NodeImage is the base image nodes are derived from.
	NodeImage string `mapstructure:"node_image"`

	// RouterImage is the base image the router is derived from.
	RouterImage string `mapstructure:"router_image"`

	QEMUBinary    string `mapstructure:"qemu_binary"`
	QEMUImgBinary string `mapstructure:"qemu_img_binary"`
	MemoryMB      int    `mapstructure:"memory_mb"`
	EnableKVM     bool   `mapstructure:"enable_kvm"`

	// VNCPortBase is the first VNC port (display :0). Candidates start one above it.
	VNCPortBase int `mapstructure:"vnc_port_base"`

	// PortRange bounds how many candidates above a base are probed.
	PortRange int `mapstructure:"port_range"`

	// SSHPortBase is the base for host-side SSH forwards to nodes.
	SSHPortBase int `mapstructure:"ssh_port_base"`

	// RouterTelnetPort is the fixed serial console port of the router.
	RouterTelnetPort int `mapstructure:"router_telnet_port"`

	SubnetPrefix      string `mapstructure:"subnet_prefix"`
	NodeAddressOffset int    `mapstructure:"node_address_offset"`
	RouterAddress     string `mapstructure:"router_address"`

	// ConsoleHost is the host address the console gateway uses to reach consoles.
	ConsoleHost string `mapstructure:"console_host"`

	// ConsoleBaseURL is prefixed to a connection reference to build a console URL.
	ConsoleBaseURL string `mapstructure:"console_base_url"`

	GatewayDriver  string        `mapstructure:"gateway_driver"`
	GatewayDSN     string        `mapstructure:"gateway_dsn"`
	GatewayAdmin   string        `mapstructure:"gateway_admin"`
	GatewayTimeout time.Duration `mapstructure:"gateway_timeout"`

	LaunchTimeout time.Duration `mapstructure:"launch_timeout"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`

	// HaltOnFailure stops wipe-all at the first failing instance.
	HaltOnFailure bool `mapstructure:"halt_on_failure"`

	// CleanupOnStart terminates leftover hypervisor processes when serving starts.
	CleanupOnStart bool `mapstructure:"cleanup_on_start"`

	ListenAddr string `mapstructure:"listen_addr"`
	CORSOrigin string `mapstructure:"cors_origin"`
	LogLevel   string `mapstructure:"log_level"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	paths, err := GetPaths()
	if err != nil {
		paths = &Paths{
			DataDir: "/tmp/nodelab",
		}
	}
	imageDir := filepath.Join(paths.DataDir, "images")

	return &Config{
		DataDir:           paths.DataDir,
		ImageDir:          imageDir,
		OverlayDir:        filepath.Join(paths.DataDir, "overlays"),
		NodeImage:         filepath.Join(imageDir, "base2.qcow2"),
		RouterImage:       filepath.Join(imageDir, "router.qcow2"),
		QEMUBinary:        "qemu-system-x86_64",
		QEMUImgBinary:     "qemu-img",
		MemoryMB:          1024,
		EnableKVM:         true,
		VNCPortBase:       5900,
		PortRange:         100,
		SSHPortBase:       2222,
		RouterTelnetPort:  5950,
		SubnetPrefix:      "192.168.56",
		NodeAddressOffset: 10,
		RouterAddress:     "192.168.56.1",
		ConsoleHost:       "172.19.0.1",
		ConsoleBaseURL:    "http://localhost:8080/guacamole/#/client/",
		GatewayDriver:     "mysql",
		GatewayDSN:        "guacamole_user:guacamole@tcp(localhost:3306)/guacamole_db",
		GatewayAdmin:      "guacadmin",
		GatewayTimeout:    10 * time.Second,
		LaunchTimeout:     60 * time.Second,
		StopTimeout:       10 * time.Second,
		HaltOnFailure:     false,
		CleanupOnStart:    false,
		ListenAddr:        ":5000",
		CORSOrigin:        "http://localhost:3000",
		LogLevel:          "info",
	}
}

// Global holds the loaded configuration.
var Global *Config

// Load reads configuration from file, environment, and defaults.
// An explicit configFile takes precedence over the search paths.
func Load(configFile string) error {
	cfg, err := load(viper.GetViper(), configFile)
	if err != nil {
		return err
	}
	Global = cfg
	return nil
}

func load(v *viper.Viper, configFile string) (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to determine paths: %w", err)
	}

	setDefaults(v, DefaultConfig())

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(paths.DataDir)
		v.AddConfigPath(paths.ConfigDir)
	}

	// Environment variable support: NODELAB_DATA_DIR, NODELAB_GATEWAY_DSN, etc.
	v.SetEnvPrefix("NODELAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.deriveDirs()

	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("image_dir", "")
	v.SetDefault("overlay_dir", "")
	v.SetDefault("node_image", "")
	v.SetDefault("router_image", "")
	v.SetDefault("qemu_binary", d.QEMUBinary)
	v.SetDefault("qemu_img_binary", d.QEMUImgBinary)
	v.SetDefault("memory_mb", d.MemoryMB)
	v.SetDefault("enable_kvm", d.EnableKVM)
	v.SetDefault("vnc_port_base", d.VNCPortBase)
	v.SetDefault("port_range", d.PortRange)
	v.SetDefault("ssh_port_base", d.SSHPortBase)
	v.SetDefault("router_telnet_port", d.RouterTelnetPort)
	v.SetDefault("subnet_prefix", d.SubnetPrefix)
	v.SetDefault("node_address_offset", d.NodeAddressOffset)
	v.SetDefault("router_address", d.RouterAddress)
	v.SetDefault("console_host", d.ConsoleHost)
	v.SetDefault("console_base_url", d.ConsoleBaseURL)
	v.SetDefault("gateway_driver", d.GatewayDriver)
	v.SetDefault("gateway_dsn", d.GatewayDSN)
	v.SetDefault("gateway_admin", d.GatewayAdmin)
	v.SetDefault("gateway_timeout", d.GatewayTimeout)
	v.SetDefault("launch_timeout", d.LaunchTimeout)
	v.SetDefault("stop_timeout", d.StopTimeout)
	v.SetDefault("halt_on_failure", d.HaltOnFailure)
	v.SetDefault("cleanup_on_start", d.CleanupOnStart)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("cors_origin", d.CORSOrigin)
	v.SetDefault("log_level", d.LogLevel)
}

// deriveDirs fills directory and image paths left empty so they follow data_dir.
func (c *Config) deriveDirs() {
	if c.ImageDir == "" {
		c.ImageDir = filepath.Join(c.DataDir, "images")
	}
	if c.OverlayDir == "" {
		c.OverlayDir = filepath.Join(c.DataDir, "overlays")
	}
	if c.NodeImage == "" {
		c.NodeImage = filepath.Join(c.ImageDir, "base2.qcow2")
	}
	if c.RouterImage == "" {
		c.RouterImage = filepath.Join(c.ImageDir, "router.qcow2")
	}
}

// RegistryPath returns the inventory file path.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "inventory.json")
}

// RunDir returns the directory holding hypervisor PID files.
func (c *Config) RunDir() string {
	return filepath.Join(c.DataDir, "run")
}

// ConfigFileUsed returns the path of the config file being used, if any.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
