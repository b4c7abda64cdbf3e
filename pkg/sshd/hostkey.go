package sshd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"golang.org/x/crypto/ssh"
	"os"
	"path/filepath"
)

// GenerateHostKey writes a fresh ed25519 host key in OpenSSH format to
// <dir>/sdnnet_host_ed25519_key and returns its path and SHA256
// fingerprint.
func GenerateHostKey(dir string) (string, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	block, err := ssh.MarshalPrivateKey(priv, "sdnnet host key")
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal host key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", "", err
	}

	path := filepath.Join(dir, "sdnnet_host_ed25519_key")
	// sshd refuses keys readable by others
	_ = os.Remove(path)
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return "", "", fmt.Errorf("failed to write host key: %w", err)
	}
	if err := os.WriteFile(path+".pub", ssh.MarshalAuthorizedKey(sshPub), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write host public key: %w", err)
	}
	return path, ssh.FingerprintSHA256(sshPub), nil
}
