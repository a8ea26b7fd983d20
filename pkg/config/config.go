// Package config loads operator and agent configuration.
//
// Operator settings come from a YAML file (default ~/.deckhand/config.yaml),
// then a .env file, then DECKHAND_* environment variables, each layer
// overriding the one before.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"deckhand/pkg/dispatch"
	"deckhand/pkg/store"
	"deckhand/pkg/transport"
)

// Config is the operator configuration.
type Config struct {
	Ledger   LedgerConfig   `yaml:"ledger"`
	SSH      SSHConfig      `yaml:"ssh"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Auth     AuthConfig     `yaml:"auth"`
	LogLevel string         `yaml:"log_level"`
}

// LedgerConfig selects the ledger backend.
type LedgerConfig struct {
	// Driver is sqlite, mysql or memory.
	Driver string `yaml:"driver"`
	// DSN is the sqlite file path or a mysql DSN. An empty mysql DSN is
	// assembled from the MYSQL_* variables.
	DSN string `yaml:"dsn"`
}

// SSHConfig holds the transport defaults; nodes may override user, key
// and port.
type SSHConfig struct {
	User                  string `yaml:"user"`
	Key                   string `yaml:"key"`
	Port                  int    `yaml:"port"`
	KnownHosts            string `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
	AgentCommand          string `yaml:"agent_command"`
	// InstallCommand runs on a node before its registration probe.
	InstallCommand string `yaml:"install_command"`
}

type DispatchConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	PerNode        int           `yaml:"per_node"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ExecuteTimeout time.Duration `yaml:"execute_timeout"`
}

type AuthConfig struct {
	// CommandSecret signs agent commands; empty sends them unsigned.
	CommandSecret string `yaml:"command_secret"`
}

// Home is the operator state directory.
func Home() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".deckhand"
	}
	return filepath.Join(home, ".deckhand")
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string { return filepath.Join(Home(), "config.yaml") }

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Ledger: LedgerConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(Home(), "ledger.db"),
		},
		SSH: SSHConfig{
			User:         "root",
			Key:          filepath.Join(home, ".ssh", "id_rsa"),
			Port:         22,
			KnownHosts:   filepath.Join(home, ".ssh", "known_hosts"),
			AgentCommand: "sudo deckhand-agent",
		},
		Dispatch: DispatchConfig{
			Concurrency:    dispatch.DefaultConcurrency,
			PerNode:        dispatch.DefaultPerNode,
			ConnectTimeout: dispatch.DefaultConnectTimeout,
			ExecuteTimeout: dispatch.DefaultExecuteTimeout,
		},
		LogLevel: "warn",
	}
}

// Load reads path (or DefaultPath when empty) over the defaults and
// applies environment overrides. A missing default file is not an error;
// a missing explicit file is.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := loadEnvFiles(".env", filepath.Join(Home(), ".env")); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFiles loads each existing file; variables already set win.
func loadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	var merr *multierror.Error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("DECKHAND_LEDGER_DRIVER", &c.Ledger.Driver)
	str("DECKHAND_LEDGER_DSN", &c.Ledger.DSN)
	str("DECKHAND_SSH_USER", &c.SSH.User)
	str("DECKHAND_SSH_KEY", &c.SSH.Key)
	num("DECKHAND_SSH_PORT", &c.SSH.Port)
	str("DECKHAND_SSH_KNOWN_HOSTS", &c.SSH.KnownHosts)
	flag("DECKHAND_SSH_INSECURE", &c.SSH.InsecureIgnoreHostKey)
	str("DECKHAND_AGENT_COMMAND", &c.SSH.AgentCommand)
	str("DECKHAND_INSTALL_COMMAND", &c.SSH.InstallCommand)
	num("DECKHAND_CONCURRENCY", &c.Dispatch.Concurrency)
	num("DECKHAND_PER_NODE", &c.Dispatch.PerNode)
	dur("DECKHAND_CONNECT_TIMEOUT", &c.Dispatch.ConnectTimeout)
	dur("DECKHAND_EXECUTE_TIMEOUT", &c.Dispatch.ExecuteTimeout)
	str("DECKHAND_COMMAND_SECRET", &c.Auth.CommandSecret)
	str("DECKHAND_LOG_LEVEL", &c.LogLevel)

	if merr != nil {
		merr.ErrorFormat = listFormat
	}
	return merr.ErrorOrNil()
}

func (c *Config) expandPaths() {
	if c.Ledger.Driver == "sqlite" {
		c.Ledger.DSN = expandHome(c.Ledger.DSN)
	}
	c.SSH.Key = expandHome(c.SSH.Key)
	c.SSH.KnownHosts = expandHome(c.SSH.KnownHosts)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var merr *multierror.Error
	switch c.Ledger.Driver {
	case "sqlite":
		if c.Ledger.DSN == "" {
			merr = multierror.Append(merr, fmt.Errorf("ledger.dsn is required for sqlite"))
		}
	case "mysql", "memory":
	default:
		merr = multierror.Append(merr, fmt.Errorf("ledger.driver %q is not one of sqlite, mysql, memory", c.Ledger.Driver))
	}
	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		merr = multierror.Append(merr, fmt.Errorf("ssh.port %d is out of range", c.SSH.Port))
	}
	if strings.TrimSpace(c.SSH.AgentCommand) == "" {
		merr = multierror.Append(merr, fmt.Errorf("ssh.agent_command is required"))
	}
	if c.Dispatch.Concurrency < 1 {
		merr = multierror.Append(merr, fmt.Errorf("dispatch.concurrency must be at least 1"))
	}
	if c.Dispatch.PerNode < 1 {
		merr = multierror.Append(merr, fmt.Errorf("dispatch.per_node must be at least 1"))
	}
	if c.Dispatch.ConnectTimeout <= 0 || c.Dispatch.ExecuteTimeout <= 0 {
		merr = multierror.Append(merr, fmt.Errorf("dispatch timeouts must be positive"))
	}
	if merr != nil {
		merr.ErrorFormat = listFormat
	}
	return merr.ErrorOrNil()
}

// OpenLedger opens the configured ledger backend.
func (c *Config) OpenLedger() (store.Ledger, error) {
	if c.Ledger.Driver == "memory" {
		return store.NewMemory(), nil
	}
	return store.OpenGorm(c.Ledger.Driver, c.Ledger.DSN)
}

// Transport returns the SSH transport settings.
func (c *Config) Transport() transport.SSHConfig {
	return transport.SSHConfig{
		User:                  c.SSH.User,
		KeyPath:               c.SSH.Key,
		Port:                  c.SSH.Port,
		KnownHostsPath:        c.SSH.KnownHosts,
		InsecureIgnoreHostKey: c.SSH.InsecureIgnoreHostKey,
		AgentCommand:          c.SSH.AgentCommand,
	}
}

func listFormat(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
