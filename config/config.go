// Package config loads daemon settings from defaults, an optional config file
// and the environment, in that order of precedence (last wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/singnet/snetd/evm"
)

// DefaultConfigPath is read when no path is given and CONFIG_PATH is unset.
// A missing file at the default path is not an error.
const DefaultConfigPath = "snetd.config"

// Config holds every daemon setting. Keys are the same in the config file
// (JSON or YAML) and the environment.
type Config struct {
	ListenPort         int        `yaml:"DAEMON_LISTENING_PORT"`
	EthereumEndpoint   string     `yaml:"ETHEREUM_JSON_RPC_ENDPOINT"`
	AgentContract      string     `yaml:"AGENT_CONTRACT_ADDRESS"`
	PassthroughURL     string     `yaml:"PASSTHROUGH_ENDPOINT"`
	PassthroughEnabled bool       `yaml:"PASSTHROUGH_ENABLED"`
	BlockchainEnabled  bool       `yaml:"BLOCKCHAIN_ENABLED"`
	DBPath             string     `yaml:"DB_PATH"`
	LogLevel           string     `yaml:"LOG_LEVEL"`
	PrivateKey         string     `yaml:"PRIVATE_KEY"`
	KeystorePath       string     `yaml:"KEYSTORE_PATH"`
	KeystorePassphrase string     `yaml:"KEYSTORE_PASSPHRASE"`
	PollSleepSecs      int        `yaml:"POLL_SLEEP_SECS"`
	MaxBlocksPerPoll   uint64     `yaml:"MAX_BLOCKS_PER_POLL"`
	GasLimit           uint64     `yaml:"GAS_LIMIT"`
	ServiceMethods     StringList `yaml:"SERVICE_METHODS"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		ListenPort:        5000,
		BlockchainEnabled: true,
		DBPath:            "snetd",
		LogLevel:          "debug",
		PollSleepSecs:     int(evm.DefaultPollInterval / time.Second),
		MaxBlocksPerPoll:  1000,
		GasLimit:          evm.DefaultGasLimit,
	}
}

// Load reads the config file at path (or CONFIG_PATH, or DefaultConfigPath)
// over the defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		if p, ok := lookup("CONFIG_PATH"); ok && p != "" {
			path, explicit = p, true
		} else {
			path = DefaultConfigPath
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"ETHEREUM_JSON_RPC_ENDPOINT": &c.EthereumEndpoint,
		"AGENT_CONTRACT_ADDRESS":     &c.AgentContract,
		"PASSTHROUGH_ENDPOINT":       &c.PassthroughURL,
		"DB_PATH":                    &c.DBPath,
		"LOG_LEVEL":                  &c.LogLevel,
		"PRIVATE_KEY":                &c.PrivateKey,
		"KEYSTORE_PATH":              &c.KeystorePath,
		"KEYSTORE_PASSPHRASE":        &c.KeystorePassphrase,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"PASSTHROUGH_ENABLED": &c.PassthroughEnabled,
		"BLOCKCHAIN_ENABLED":  &c.BlockchainEnabled,
	}
	for key, dst := range bools {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = b
		}
	}

	ints := map[string]*int{
		"DAEMON_LISTENING_PORT": &c.ListenPort,
		"POLL_SLEEP_SECS":       &c.PollSleepSecs,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = n
		}
	}

	uints := map[string]*uint64{
		"MAX_BLOCKS_PER_POLL": &c.MaxBlocksPerPoll,
		"GAS_LIMIT":           &c.GasLimit,
	}
	for key, dst := range uints {
		if v, ok := lookup(key); ok {
			n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = n
		}
	}

	if v, ok := lookup("SERVICE_METHODS"); ok {
		c.ServiceMethods = splitList(v)
	}
	return nil
}

// Validate reports settings that make the daemon unable to start.
func (c *Config) Validate() error {
	var errs []error

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("DAEMON_LISTENING_PORT %d out of range", c.ListenPort))
	}
	if c.PollSleepSecs <= 0 {
		errs = append(errs, fmt.Errorf("POLL_SLEEP_SECS must be positive"))
	}
	if len(c.ServiceMethods) == 0 {
		errs = append(errs, fmt.Errorf("SERVICE_METHODS must list at least one method"))
	}
	if c.PassthroughEnabled && c.PassthroughURL == "" {
		errs = append(errs, fmt.Errorf("PASSTHROUGH_ENDPOINT is required when PASSTHROUGH_ENABLED is set"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	if c.BlockchainEnabled {
		if c.EthereumEndpoint == "" {
			errs = append(errs, fmt.Errorf("ETHEREUM_JSON_RPC_ENDPOINT is required"))
		}
		if !evm.IsValidAddress(c.AgentContract) {
			errs = append(errs, fmt.Errorf("AGENT_CONTRACT_ADDRESS %q is not a valid address", c.AgentContract))
		}
		if c.PrivateKey == "" && c.KeystorePath == "" {
			errs = append(errs, fmt.Errorf("PRIVATE_KEY or KEYSTORE_PATH is required"))
		}
		if c.DBPath == "" {
			errs = append(errs, fmt.Errorf("DB_PATH is required"))
		}
		if c.GasLimit == 0 {
			errs = append(errs, fmt.Errorf("GAS_LIMIT must be positive"))
		}
	}

	return errors.Join(errs...)
}

// SlogLevel parses LOG_LEVEL. Names (debug, info, warn/warning, error) and the
// numeric levels 10, 20, 30 and 40 are accepted.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "10":
		return slog.LevelDebug, nil
	case "", "info", "20":
		return slog.LevelInfo, nil
	case "warn", "warning", "30":
		return slog.LevelWarn, nil
	case "error", "critical", "40", "50":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel)
}

// PollInterval is the chain polling period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollSleepSecs) * time.Second
}

// ListenAddr is the HTTP listen address.
func (c *Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.ListenPort)
}

// StringList decodes from either a YAML sequence or a comma-separated string.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = splitList(node.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = splitList(strings.Join(items, ","))
		return nil
	}
	return fmt.Errorf("line %d: expected a list or a comma-separated string", node.Line)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
