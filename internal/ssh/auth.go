package ssh

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/acolita/hiburn/internal/adapters/realfs"
	"github.com/acolita/hiburn/internal/ports"
)

// AuthConfig selects how to authenticate to the console server.
type AuthConfig struct {
	KeyPath       string
	KeyPassphrase string
	UseAgent      bool
	Password      string
	Host          string // used for the ~/.ssh/config IdentityFile lookup
	FS            ports.FileSystem
}

var defaultKeys = []string{
	"~/.ssh/id_ed25519",
	"~/.ssh/id_rsa",
	"~/.ssh/id_ecdsa",
}

// BuildAuthMethods returns the auth methods for cfg, in the order agent,
// explicit key, ssh config key, default key, password.
func BuildAuthMethods(cfg AuthConfig) ([]ssh.AuthMethod, error) {
	fsys := cfg.FS
	if fsys == nil {
		fsys = realfs.New()
	}
	var methods []ssh.AuthMethod

	if cfg.UseAgent {
		if m, err := agentAuth(fsys); err == nil {
			methods = append(methods, m)
		}
	}

	switch {
	case cfg.KeyPath != "":
		m, err := keyAuth(fsys, cfg.KeyPath, cfg.KeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("private key auth: %w", err)
		}
		methods = append(methods, m)
	case cfg.Host != "":
		if key := identityFile(fsys, cfg.Host); key != "" {
			if m, err := keyAuth(fsys, key, cfg.KeyPassphrase); err == nil {
				methods = append(methods, m)
			}
		}
	}

	if cfg.KeyPath == "" && cfg.Password == "" && len(methods) == 0 {
		for _, key := range defaultKeys {
			if m, err := keyAuth(fsys, key, cfg.KeyPassphrase); err == nil {
				methods = append(methods, m)
				break
			}
		}
	}

	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password), keyboardInteractive(cfg.Password))
	}

	if len(methods) == 0 {
		return nil, errors.New("no authentication methods available")
	}
	return methods, nil
}

func agentAuth(fsys ports.FileSystem) (ssh.AuthMethod, error) {
	socket := fsys.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("SSH_AUTH_SOCK not set")
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

func keyAuth(fsys ports.FileSystem, path, passphrase string) (ssh.AuthMethod, error) {
	data, err := fsys.ReadFile(expandPath(fsys, path))
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

func keyboardInteractive(password string) ssh.AuthMethod {
	return ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = password
		}
		return answers, nil
	})
}

// HostKeyCallback verifies host keys against a known_hosts file. The default
// file is ~/.ssh/known_hosts; when it does not exist any key is accepted and
// a warning is logged.
func HostKeyCallback(fsys ports.FileSystem, path string, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if fsys == nil {
		fsys = realfs.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = "~/.ssh/known_hosts"
	}
	expanded := expandPath(fsys, path)
	if _, err := fsys.Stat(expanded); err != nil {
		return func(hostname string, _ net.Addr, _ ssh.PublicKey) error {
			logger.Warn("host key not verified", slog.String("host", hostname), slog.String("known_hosts", expanded))
			return nil
		}, nil
	}
	cb, err := knownhosts.New(expanded)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return cb, nil
}

func expandPath(fsys ports.FileSystem, path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := fsys.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// identityFile returns the first IdentityFile that ~/.ssh/config assigns to host.
func identityFile(fsys ports.FileSystem, host string) string {
	data, err := fsys.ReadFile(expandPath(fsys, "~/.ssh/config"))
	if err != nil {
		return ""
	}
	matches := false
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value := strings.Join(fields[1:], " ")
		switch strings.ToLower(fields[0]) {
		case "host":
			matches = matchHost(host, value)
		case "identityfile":
			if matches {
				return expandPath(fsys, value)
			}
		}
	}
	return ""
}

// matchHost reports whether host matches any of the space separated
// patterns, where * matches a run of characters and ? a single one.
func matchHost(host, patterns string) bool {
	for _, p := range strings.Fields(patterns) {
		if ok, _ := filepath.Match(p, host); ok {
			return true
		}
	}
	return false
}
