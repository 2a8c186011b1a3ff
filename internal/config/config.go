// Package config handles configuration parsing for hiburn.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/acolita/hiburn/internal/adapters/realfs"
	"github.com/acolita/hiburn/internal/errs"
	"github.com/acolita/hiburn/internal/memory"
	"github.com/acolita/hiburn/internal/ports"
	"github.com/acolita/hiburn/internal/prompt"
	"github.com/acolita/hiburn/internal/size"
	"github.com/acolita/hiburn/internal/transport"
)

// DefaultSerialPort is used when no transport is configured.
const DefaultSerialPort = "/dev/ttyUSB0"

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/hiburn/config.yaml or ~/.config/hiburn/config.yaml
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "hiburn", "config.yaml")
}

// Config represents the top-level configuration.
type Config struct {
	Transport    TransportConfig `yaml:"transport"`
	Prompts      []string        `yaml:"prompts"`
	Net          NetConfig       `yaml:"net"`
	Mem          MemConfig       `yaml:"mem"`
	LinuxConsole string          `yaml:"linux_console"`
	YModem       YModemConfig    `yaml:"ymodem"`
	Logging      LoggingConfig   `yaml:"logging"`
}

// TransportConfig selects how the console is reached. At most one of
// Serial, Telnet, SSH and Exec may be set; none means the default serial port.
type TransportConfig struct {
	Serial      string        `yaml:"serial,omitempty"` // port[:baud[:8N1]]
	Telnet      string        `yaml:"telnet,omitempty"` // [host:]port
	SSH         *SSHConfig    `yaml:"ssh,omitempty"`
	Exec        *ExecConfig   `yaml:"exec,omitempty"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	Record      string        `yaml:"record,omitempty"` // directory for asciicast recordings
}

// SSHConfig reaches a console attached to a remote host, for example a
// board farm controller running picocom.
type SSHConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	KeyPath     string `yaml:"key_path"`
	PasswordEnv string `yaml:"password_env"` // env var containing SSH password
	UseKeyring  bool   `yaml:"use_keyring"`  // look the password up in the OS keyring
	KnownHosts  string `yaml:"known_hosts"`
	Command     string `yaml:"command"` // run instead of a login shell
}

// ExecConfig runs a local program, such as an emulator, whose terminal is the console.
type ExecConfig struct {
	Command []string `yaml:"command"`
}

// NetConfig describes the link between host and device.
type NetConfig struct {
	Host     string `yaml:"host"`   // host interface in CIDR form
	Target   string `yaml:"target"` // device address
	TFTPPort int    `yaml:"tftp_port"`
}

// MemConfig describes device RAM.
type MemConfig struct {
	StartAddr size.Value `yaml:"start_addr"`
	Alignment size.Value `yaml:"alignment"`
	LinuxSize size.Value `yaml:"linux_size"`
	UbootSize size.Value `yaml:"uboot_size"`
}

// YModemConfig tunes serial transfers.
type YModemConfig struct {
	CRC              bool          `yaml:"crc"`
	LongFrames       bool          `yaml:"long_frames"`
	MaxRetries       int           `yaml:"max_retries"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // "debug", "info", "warn", "error"
	Format   string `yaml:"format"`   // "json" or "text"
	Sanitize bool   `yaml:"sanitize"` // sanitize sensitive data from logs
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{ReadTimeout: 500 * time.Millisecond},
		Prompts:   append([]string(nil), prompt.DefaultPrompts...),
		Net: NetConfig{
			Host:     "192.168.10.2/24",
			Target:   "192.168.10.101",
			TFTPPort: 69,
		},
		Mem: MemConfig{
			StartAddr: 0x80000000,
			Alignment: 64 << 10,
			LinuxSize: 256 << 20,
			UbootSize: 512 << 10,
		},
		LinuxConsole: "ttyAMA0,115200",
		YModem: YModemConfig{
			CRC:        true,
			MaxRetries: 50,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Sanitize: true,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. An optional FileSystem can be passed for testing; if omitted,
// the real OS is used.
func Load(path string, fsys ...ports.FileSystem) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	var fileSys ports.FileSystem = realfs.New()
	if len(fsys) > 0 && fsys[0] != nil {
		fileSys = fsys[0]
	}
	data, err := fileSys.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults. Empty input yields the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.Wrap(errs.InvalidConfig, "parse config file", err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func Save(cfg *Config, path string, fsys ...ports.FileSystem) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if len(fsys) > 0 && fsys[0] != nil {
		return fsys[0].WriteFile(path, data, 0644)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the configuration. Failures are errs.InvalidConfig.
func (c *Config) Validate() error {
	const op = "validate config"

	if _, err := c.Transport.Kind(); err != nil {
		return err
	}
	if c.Transport.Serial != "" {
		if _, err := transport.ParseSerialSpec(c.Transport.Serial); err != nil {
			return errs.Wrap(errs.InvalidConfig, op, err)
		}
	}
	if c.Transport.Telnet != "" {
		if _, err := transport.ParseEndpoint(c.Transport.Telnet); err != nil {
			return errs.Wrap(errs.InvalidConfig, op, err)
		}
	}
	if s := c.Transport.SSH; s != nil && s.Host == "" {
		return errs.New(errs.InvalidConfig, op, "transport.ssh.host is required")
	}
	if e := c.Transport.Exec; e != nil && len(e.Command) == 0 {
		return errs.New(errs.InvalidConfig, op, "transport.exec.command is required")
	}
	if c.Transport.ReadTimeout <= 0 {
		return errs.New(errs.InvalidConfig, op, "transport.read_timeout must be positive")
	}

	if _, err := prompt.NewSet(c.Prompts...); err != nil {
		return err
	}

	if _, _, err := c.Net.HostInterface(); err != nil {
		return err
	}
	if net.ParseIP(c.Net.Target) == nil {
		return errs.New(errs.InvalidConfig, op, "net.target %q is not an IP address", c.Net.Target)
	}
	if c.Net.TFTPPort < 0 || c.Net.TFTPPort > 65535 {
		return errs.New(errs.InvalidConfig, op, "net.tftp_port %d out of range", c.Net.TFTPPort)
	}

	if _, err := c.Mem.Window(); err != nil {
		return err
	}
	if c.YModem.MaxRetries <= 0 {
		return errs.New(errs.InvalidConfig, op, "ymodem.max_retries must be positive")
	}
	return nil
}

// Kind returns "serial", "telnet", "ssh" or "exec".
func (t TransportConfig) Kind() (string, error) {
	var kinds []string
	if t.Serial != "" {
		kinds = append(kinds, "serial")
	}
	if t.Telnet != "" {
		kinds = append(kinds, "telnet")
	}
	if t.SSH != nil {
		kinds = append(kinds, "ssh")
	}
	if t.Exec != nil {
		kinds = append(kinds, "exec")
	}
	switch len(kinds) {
	case 0:
		return "serial", nil
	case 1:
		return kinds[0], nil
	default:
		return "", errs.New(errs.InvalidConfig, "validate config", "only one transport may be set, got %s", strings.Join(kinds, " and "))
	}
}

// SerialSpec returns the configured serial port or the default one.
func (t TransportConfig) SerialSpec() string {
	if t.Serial == "" {
		return DefaultSerialPort
	}
	return t.Serial
}

// HostInterface returns the host IP and its netmask in dotted form.
func (n NetConfig) HostInterface() (ip, netmask string, err error) {
	addr, ipnet, err := net.ParseCIDR(n.Host)
	if err != nil {
		return "", "", errs.New(errs.InvalidConfig, "validate config", "net.host %q is not an IP interface (e.g. 192.168.1.2/24)", n.Host)
	}
	return addr.String(), net.IP(ipnet.Mask).String(), nil
}

// Window returns the RAM images may be placed in: the Linux region minus
// the space U-Boot keeps at its top.
func (m MemConfig) Window() (memory.Window, error) {
	if m.UbootSize >= m.LinuxSize {
		return memory.Window{}, errs.New(errs.InvalidConfig, "validate config",
			"mem.uboot_size %s must be smaller than mem.linux_size %s", size.Format(uint64(m.UbootSize)), size.Format(uint64(m.LinuxSize)))
	}
	return memory.NewWindow(uint64(m.StartAddr), uint64(m.LinuxSize-m.UbootSize), uint64(m.Alignment))
}

// Set assigns a value by dotted path, e.g. Set("net.target", "10.0.0.5").
// The value is parsed as YAML, so sizes, lists and booleans work as in
// the file.
func (c *Config) Set(path, value string) error {
	var tree map[string]any
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		return errs.Wrap(errs.InvalidConfig, "set "+path, err)
	}

	keys := strings.Split(path, ".")
	node := tree
	for _, k := range keys[:len(keys)-1] {
		next, ok := node[k].(map[string]any)
		if !ok {
			if _, exists := node[k]; exists {
				return errs.New(errs.InvalidConfig, "set "+path, "%q is not a section", k)
			}
			next = map[string]any{}
			node[k] = next
		}
		node = next
	}
	node[keys[len(keys)-1]] = parsed

	data, err = yaml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	var out Config
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil {
		return errs.Wrap(errs.InvalidConfig, "set "+path, err)
	}
	*c = out
	return nil
}
