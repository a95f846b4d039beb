package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/javanstorm/nodelab/internal/config"
	"github.com/javanstorm/nodelab/internal/terminal"
	"github.com/javanstorm/nodelab/internal/vm"
)

var sshCmd = &cobra.Command{
	Use:   "ssh",
	Short: "Manage SSH access to nodes",
	Long: `Manage the lab SSH key pair and log into running nodes through their
forwarded SSH port.

Examples:
  nodelab ssh keygen          # Generate the lab key pair
  nodelab ssh pubkey          # Print public key for authorized_keys
  nodelab ssh connect node_1  # Open a shell on node_1`,
}

var sshKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate SSH key pair for node access",
	Long:  `Generate an ed25519 SSH key pair for node access. Keys are stored under the data directory.`,
	Args:  cobra.NoArgs,
	RunE:  runSSHKeygen,
}

var sshPubkeyCmd = &cobra.Command{
	Use:   "pubkey",
	Short: "Print public key for authorized_keys",
	Args:  cobra.NoArgs,
	RunE:  runSSHPubkey,
}

var sshConnectCmd = &cobra.Command{
	Use:   "connect <name>",
	Short: "Open an interactive shell on a running node",
	Long: `Open an interactive shell on a running node through its forwarded SSH
port. Press Ctrl+] twice to detach.`,
	Args: cobra.ExactArgs(1),
	RunE: runSSHConnect,
}

var sshUser string

func init() {
	sshConnectCmd.Flags().StringVarP(&sshUser, "user", "u", "root", "login user")

	sshCmd.AddCommand(sshKeygenCmd)
	sshCmd.AddCommand(sshPubkeyCmd)
	sshCmd.AddCommand(sshConnectCmd)
}

func runSSHKeygen(cmd *cobra.Command, args []string) error {
	manager := vm.NewSSHKeyManager(config.Global.DataDir)

	if manager.KeyPairExists() {
		privPath, pubPath, _ := manager.EnsureKeyPair()
		fmt.Println("SSH key pair already exists:")
		fmt.Printf("  Private key: %s\n", privPath)
		fmt.Printf("  Public key:  %s\n", pubPath)
		return nil
	}

	privPath, pubPath, err := manager.EnsureKeyPair()
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}

	fmt.Println("SSH key pair generated:")
	fmt.Printf("  Private key: %s\n", privPath)
	fmt.Printf("  Public key:  %s\n", pubPath)
	fmt.Println()
	fmt.Println("Add the key to the base image with 'nodelab ssh pubkey >> /root/.ssh/authorized_keys'.")
	return nil
}

func runSSHPubkey(cmd *cobra.Command, args []string) error {
	content, err := vm.NewSSHKeyManager(config.Global.DataDir).PublicKeyContent()
	if err != nil {
		return err
	}
	fmt.Print(content)
	return nil
}

func runSSHConnect(cmd *cobra.Command, args []string) error {
	if !terminal.IsTTY() {
		return fmt.Errorf("ssh connect requires a terminal")
	}

	return withApp(func(a *app) error {
		view, err := a.lab.RequireRunning(context.Background(), args[0])
		if err != nil {
			return err
		}
		if view.Ports.SSH == 0 {
			return fmt.Errorf("%s has no SSH forward; use its console instead", view.Name)
		}

		signer, err := vm.NewSSHKeyManager(a.cfg.DataDir).Signer()
		if err != nil {
			return err
		}
		client, err := dialNode(view.Ports.SSH, sshUser, signer)
		if err != nil {
			return err
		}
		defer client.Close()

		err = shell(client)
		if errors.Is(err, terminal.ErrEscapeSequence) {
			return nil
		}
		return err
	})
}

// dialNode connects to the SSH forward of a node on the local host. Lab
// guests are recreated from a base image, so their host keys are not pinned.
func dialNode(port int, user string, signer ssh.Signer) (*ssh.Client, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return client, nil
}

func shell(client *ssh.Client) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	console := terminal.Current()
	width, height, err := console.Size()
	if err != nil {
		width, height = 80, 24
	}
	termType := os.Getenv("TERM")
	if termType == "" {
		termType = "xterm-256color"
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(termType, height, width, modes); err != nil {
		return fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}
	session.Stderr = os.Stderr

	if err := session.Shell(); err != nil {
		return fmt.Errorf("start shell: %w", err)
	}

	return console.Attach(context.Background(), stdin, stdout, func(w, h int) error {
		return session.WindowChange(h, w)
	})
}
