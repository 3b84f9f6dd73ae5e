package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Defaults applied to fields a configuration leaves unset.
const (
	DefaultSSHPort           = 22
	DefaultConnectionTimeout = 30 * time.Second
	DefaultCommandTimeout    = 5 * time.Minute
	DefaultComputeProvider   = "static"
)

// Loader loads run configurations from CUE or YAML. Both formats are unified
// with the #RunConfig schema and then checked with struct validation.
type Loader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a loader with the built-in schemas.
func NewLoader() *Loader {
	return &Loader{
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// Load reads the configuration at path with a new Loader.
func Load(path string) (*RunConfig, error) {
	return NewLoader().Load(path)
}

// Load reads a .cue, .yaml, .yml or .json configuration. Relative paths in the
// configuration are resolved against the directory of the file.
func (l *Loader) Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg *RunConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".cue":
		cfg, err = l.ParseCUE(data, path)
	case ".yaml", ".yml", ".json":
		cfg, err = l.ParseYAML(data, path)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, err
	}

	cfg.Path = path
	cfg.resolvePaths(filepath.Dir(path))

	log.Debug().
		Str("path", path).
		Str("name", cfg.Name).
		Str("spec", cfg.Spec).
		Int("targets", len(cfg.Targets)).
		Msg("configuration loaded")

	return cfg, nil
}

// ParseCUE parses CUE source. filename is only used in error positions.
func (l *Loader) ParseCUE(data []byte, filename string) (*RunConfig, error) {
	val := l.schemas.Context().CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err, filename)}
	}
	return l.decode(val, filename)
}

// ParseYAML parses YAML (or JSON) source. filename is only used in error messages.
func (l *Loader) ParseYAML(data []byte, filename string) (*RunConfig, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &LoadError{Errors: []ValidationError{{File: filename, Message: err.Error()}}}
	}
	if doc == nil {
		doc = make(map[string]interface{})
	}

	val := l.schemas.Context().Encode(doc)
	if err := val.Err(); err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err, filename)}
	}
	return l.decode(val, filename)
}

func (l *Loader) decode(val cue.Value, filename string) (*RunConfig, error) {
	unified, err := l.schemas.Unify("#RunConfig", val)
	if err != nil {
		return nil, &LoadError{Errors: convertCUEErrors(err, filename)}
	}

	var cfg RunConfig
	if err := unified.Decode(&cfg); err != nil {
		return nil, &LoadError{Errors: []ValidationError{{File: filename, Message: fmt.Sprintf("failed to decode: %v", err)}}}
	}

	cfg.applyDefaults()
	if err := l.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (l *Loader) Validate(cfg *RunConfig) error {
	var problems []ValidationError

	if err := l.validator.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			problems = append(problems, ValidationError{
				Path:    fe.Namespace(),
				Message: fmt.Sprintf("failed on the %q rule", fe.Tag()),
			})
		}
	}

	seen := make(map[string]bool, len(cfg.Targets))
	for i, t := range cfg.Targets {
		path := fmt.Sprintf("targets[%d]", i)
		switch {
		case t.ID == "":
			problems = append(problems, ValidationError{Path: path, Message: "id is required"})
		case seen[t.ID]:
			problems = append(problems, ValidationError{Path: path, Message: fmt.Sprintf("duplicate target id %s", t.ID)})
		}
		if t.Address == "" {
			problems = append(problems, ValidationError{Path: path, Message: "address is required"})
		}
		seen[t.ID] = true
	}

	if cfg.Compute.Provider == "digitalocean" {
		node := cfg.Compute.Node
		if node.Image == "" || node.Size == "" || node.Region == "" {
			problems = append(problems, ValidationError{
				Path:    "compute.node",
				Message: "image, size and region are required for digitalocean",
			})
		}
	}

	if len(problems) > 0 {
		for i := range problems {
			if problems[i].File == "" {
				problems[i].File = cfg.Path
			}
		}
		return &LoadError{Errors: problems}
	}
	return nil
}

// DefaultRunConfig returns a configuration with every default applied.
func DefaultRunConfig() *RunConfig {
	cfg := &RunConfig{}
	cfg.applyDefaults()
	return cfg
}

func (c *RunConfig) applyDefaults() {
	if c.SSH.Port == 0 {
		c.SSH.Port = DefaultSSHPort
	}
	if c.SSH.StrictHostKeyChecking == nil {
		strict := true
		c.SSH.StrictHostKeyChecking = &strict
	}
	if c.SSH.ConnectionTimeout == 0 {
		c.SSH.ConnectionTimeout = Duration(DefaultConnectionTimeout)
	}
	if c.SSH.CommandTimeout == 0 {
		c.SSH.CommandTimeout = Duration(DefaultCommandTimeout)
	}
	if c.SSH.Proxy != nil && c.SSH.Proxy.Port == 0 {
		c.SSH.Proxy.Port = DefaultSSHPort
	}
	if c.Compute.Provider == "" {
		c.Compute.Provider = DefaultComputeProvider
	}
}

func (c *RunConfig) resolvePaths(dir string) {
	c.Spec = resolvePath(dir, c.Spec)
	if c.Inventory != nil {
		c.Inventory.Path = resolvePath(dir, c.Inventory.Path)
	}
	if c.Store.Path != "" && c.Store.Path != ":memory:" && !strings.HasPrefix(c.Store.Path, "file:") {
		c.Store.Path = resolvePath(dir, c.Store.Path)
	}
	c.User.PrivateKeyPath = resolvePath(dir, c.User.PrivateKeyPath)
	c.User.PublicKeyPath = resolvePath(dir, c.User.PublicKeyPath)
	c.SSH.KnownHostsPath = resolvePath(dir, c.SSH.KnownHostsPath)
	if c.SSH.Proxy != nil {
		c.SSH.Proxy.PrivateKeyPath = resolvePath(dir, c.SSH.Proxy.PrivateKeyPath)
	}
}

// StrictHostKeys reports whether unknown host keys are rejected.
func (s SSHConfig) StrictHostKeys() bool {
	return s.StrictHostKeyChecking == nil || *s.StrictHostKeyChecking
}

func resolvePath(dir, p string) string {
	if p == "" {
		return p
	}
	p = expandHome(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// convertCUEErrors flattens a CUE error into positioned validation errors.
func convertCUEErrors(err error, filename string) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			File:    filename,
			Message: cueerrors.Details(e, nil),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() != "" {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{File: filename, Message: err.Error()})
	}
	return out
}
