package vm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// SSHKeyManager handles the key pair used to log into nodes through their
// forwarded SSH port.
type SSHKeyManager struct {
	dataDir string
}

// NewSSHKeyManager creates a new SSH key manager.
// Keys are stored in {dataDir}/ssh/ directory.
func NewSSHKeyManager(dataDir string) *SSHKeyManager {
	return &SSHKeyManager{dataDir: dataDir}
}

func (m *SSHKeyManager) sshDir() string {
	return filepath.Join(m.dataDir, "ssh")
}

func (m *SSHKeyManager) privateKeyPath() string {
	return filepath.Join(m.sshDir(), "nodelab")
}

func (m *SSHKeyManager) publicKeyPath() string {
	return filepath.Join(m.sshDir(), "nodelab.pub")
}

// EnsureKeyPair generates an ed25519 key pair if it doesn't exist.
// Returns paths to the private and public key files.
func (m *SSHKeyManager) EnsureKeyPair() (privateKeyPath, publicKeyPath string, err error) {
	privPath := m.privateKeyPath()
	pubPath := m.publicKeyPath()

	if m.KeyPairExists() {
		return privPath, pubPath, nil
	}

	if err := os.MkdirAll(m.sshDir(), 0700); err != nil {
		return "", "", fmt.Errorf("create ssh directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ed25519 key: %w", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privKey, "nodelab key")
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		return "", "", fmt.Errorf("write private key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		os.Remove(privPath)
		return "", "", fmt.Errorf("convert public key: %w", err)
	}
	authorizedKey := ssh.MarshalAuthorizedKey(sshPubKey)
	keyLine := fmt.Sprintf("%s nodelab@nodelab\n", authorizedKey[:len(authorizedKey)-1])
	if err := os.WriteFile(pubPath, []byte(keyLine), 0644); err != nil {
		os.Remove(privPath)
		return "", "", fmt.Errorf("write public key: %w", err)
	}

	return privPath, pubPath, nil
}

// KeyPairExists returns true if both private and public keys exist.
func (m *SSHKeyManager) KeyPairExists() bool {
	_, privErr := os.Stat(m.privateKeyPath())
	_, pubErr := os.Stat(m.publicKeyPath())
	return privErr == nil && pubErr == nil
}

// PublicKeyContent returns the public key content suitable for authorized_keys.
func (m *SSHKeyManager) PublicKeyContent() (string, error) {
	content, err := os.ReadFile(m.publicKeyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("SSH key not generated; run 'nodelab ssh keygen' first")
		}
		return "", err
	}
	return string(content), nil
}

// Signer loads the private key for client authentication.
func (m *SSHKeyManager) Signer() (ssh.Signer, error) {
	data, err := os.ReadFile(m.privateKeyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("SSH key not generated; run 'nodelab ssh keygen' first")
		}
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
