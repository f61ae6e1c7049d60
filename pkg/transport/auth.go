package transport

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/larrydiffey/sftpipe/pkg/core"
)

// AuthMethods resolves an auth descriptor into SSH auth methods. Password,
// key file, and agent are tried in the order the descriptor specifies; an
// empty descriptor falls back to the agent and default key locations.
func AuthMethods(auth core.AuthDescriptor) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if auth.Password != "" {
		methods = append(methods, ssh.Password(auth.Password))
	}

	if auth.KeyPath != "" {
		m, err := keyAuth(auth.KeyPath, auth.Passphrase)
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}

	if auth.UseAgent {
		m, err := agentAuth()
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}

	if len(methods) > 0 {
		return methods, nil
	}

	// Nothing configured: try the agent, then default key locations.
	if m, err := agentAuth(); err == nil {
		methods = append(methods, m)
	}
	if home, err := os.UserHomeDir(); err == nil {
		for _, keyPath := range []string{
			home + "/.ssh/id_ed25519",
			home + "/.ssh/id_rsa",
			home + "/.ssh/id_ecdsa",
		} {
			if _, err := os.Stat(keyPath); err != nil {
				continue
			}
			if m, err := keyAuth(keyPath, ""); err == nil {
				methods = append(methods, m)
			}
		}
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication method available")
	}
	return methods, nil
}

func keyAuth(keyPath, passphrase string) (ssh.AuthMethod, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", keyPath, err)
	}
	return ssh.PublicKeys(signer), nil
}

func agentAuth() (ssh.AuthMethod, error) {
	socketPath := os.Getenv("SSH_AUTH_SOCK")
	if socketPath == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK not set")
	}
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to SSH agent: %w", err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}
