package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/groundwork/pkg/engine"
)

// RunConfig describes one groundwork run: the spec to lift, where the targets
// come from, and how to reach them.
type RunConfig struct {
	// Name identifies the run in history and logs.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Spec is the path to the Starlark spec, relative to the config file.
	Spec string `json:"spec" yaml:"spec" validate:"required"`

	// Phases are the phase IDs lifted, in order, by `groundwork lift`.
	Phases []string `json:"phases,omitempty" yaml:"phases,omitempty" validate:"dive,required"`

	// Targets lists targets inline.
	Targets []engine.Target `json:"targets,omitempty" yaml:"targets,omitempty"`

	// Inventory selects targets from a static inventory file.
	Inventory *InventoryConfig `json:"inventory,omitempty" yaml:"inventory,omitempty"`

	// User holds the credentials used to reach targets.
	User UserConfig `json:"user" yaml:"user"`

	// SSH configures the transport.
	SSH SSHConfig `json:"ssh" yaml:"ssh"`

	// Compute configures the backend used by `groundwork create`.
	Compute ComputeConfig `json:"compute" yaml:"compute"`

	// Store configures run history.
	Store StoreConfig `json:"store" yaml:"store"`

	// Logging overrides the log level and format.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// DryRun records actions without running them.
	DryRun bool `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`

	// Path is the file the configuration was loaded from.
	Path string `json:"-" yaml:"-"`
}

// InventoryConfig points at a static inventory group.
type InventoryConfig struct {
	Path  string `json:"path" yaml:"path" validate:"required"`
	Group string `json:"group" yaml:"group" validate:"required"`
}

// UserConfig holds login credentials.
type UserConfig struct {
	Username       string `json:"username" yaml:"username"`
	PrivateKeyPath string `json:"private_key_path,omitempty" yaml:"private_key_path,omitempty"`
	PublicKeyPath  string `json:"public_key_path,omitempty" yaml:"public_key_path,omitempty"`
	Password       string `json:"password,omitempty" yaml:"password,omitempty"`
	SudoPassword   string `json:"sudo_password,omitempty" yaml:"sudo_password,omitempty"`
	NoSudo         bool   `json:"no_sudo,omitempty" yaml:"no_sudo,omitempty"`
}

// EngineUser converts the credentials for the engine.
func (u UserConfig) EngineUser() engine.User {
	return engine.User{
		Username:       u.Username,
		PrivateKeyPath: u.PrivateKeyPath,
		PublicKeyPath:  u.PublicKeyPath,
		Password:       u.Password,
		SudoPassword:   u.SudoPassword,
		NoSudo:         u.NoSudo,
	}
}

// SSHConfig configures SSH connections to targets.
type SSHConfig struct {
	Port                  int          `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	KnownHostsPath        string       `json:"known_hosts_path,omitempty" yaml:"known_hosts_path,omitempty"`
	StrictHostKeyChecking *bool        `json:"strict_host_key_checking,omitempty" yaml:"strict_host_key_checking,omitempty"`
	ConnectionTimeout     Duration     `json:"connection_timeout,omitempty" yaml:"connection_timeout,omitempty"`
	CommandTimeout        Duration     `json:"command_timeout,omitempty" yaml:"command_timeout,omitempty"`
	KeepAliveInterval     Duration     `json:"keep_alive_interval,omitempty" yaml:"keep_alive_interval,omitempty"`
	Proxy                 *ProxyConfig `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

// ProxyConfig configures a jump host.
type ProxyConfig struct {
	Host           string `json:"host" yaml:"host" validate:"required"`
	Port           int    `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User           string `json:"user" yaml:"user" validate:"required"`
	PrivateKeyPath string `json:"private_key_path,omitempty" yaml:"private_key_path,omitempty"`
}

// ComputeConfig selects and configures a compute backend.
type ComputeConfig struct {
	// Provider is "static" or "digitalocean".
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty" validate:"omitempty,oneof=static digitalocean"`

	// Node describes the machines to create.
	Node engine.NodeSpec `json:"node" yaml:"node"`

	// DigitalOcean configures the DigitalOcean backend.
	DigitalOcean DigitalOceanConfig `json:"digitalocean" yaml:"digitalocean"`
}

// DigitalOceanConfig configures the DigitalOcean backend.
type DigitalOceanConfig struct {
	Token              string   `json:"token,omitempty" yaml:"token,omitempty"`
	SSHKeyFingerprints []string `json:"ssh_key_fingerprints,omitempty" yaml:"ssh_key_fingerprints,omitempty"`
	VPCUUID            string   `json:"vpc_uuid,omitempty" yaml:"vpc_uuid,omitempty"`
	PollInterval       Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	Timeout            Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	KeepOnFailure      bool     `json:"keep_on_failure,omitempty" yaml:"keep_on_failure,omitempty"`
}

// StoreConfig configures run history.
type StoreConfig struct {
	// Path is the SQLite database file; empty disables history.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// LoggingConfig overrides logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `json:"format,omitempty" yaml:"format,omitempty" validate:"omitempty,oneof=console json"`
}

// Duration is a time.Duration written as a string such as "30s" or "5m".
type Duration time.Duration

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(n)
	return nil
}

// ValidationError is a configuration problem with its source location, when known.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// LoadError collects every problem found while loading a configuration.
type LoadError struct {
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid configuration: " + e.Errors[0].String()
	}
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return fmt.Sprintf("invalid configuration (%d errors): %s", len(e.Errors), strings.Join(msgs, "; "))
}
