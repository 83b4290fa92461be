// Package config loads the dualstore YAML configuration.
//
// A file is checked against an embedded CUE schema, decoded strictly (unknown
// fields are rejected), and completed with defaults. ${VAR} references are
// expanded from the environment before parsing, so credentials can stay out
// of the file.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/dualstore/internal/dual"
	"github.com/roach88/dualstore/internal/reconcile"
	"github.com/roach88/dualstore/internal/settings"
	"github.com/roach88/dualstore/internal/store"
)

//go:embed schema.cue
var schemaSource string

// Config is the whole configuration file.
type Config struct {
	Primary   store.Config    `yaml:"primary"`
	Secondary store.Config    `yaml:"secondary"`
	Settings  SettingsConfig  `yaml:"settings"`
	Writes    WritesConfig    `yaml:"writes"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Log       LogConfig       `yaml:"log"`
}

// SettingsConfig configures the settings cache.
type SettingsConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// WritesConfig configures dual writes.
type WritesConfig struct {
	// SecondaryGrace bounds how long a write waits for the mirrored
	// secondary outcome after the primary answered.
	SecondaryGrace *time.Duration `yaml:"secondary_grace"`
}

// Grace returns the configured grace period or the default.
func (w WritesConfig) Grace() time.Duration {
	if w.SecondaryGrace == nil {
		return dual.DefaultSecondaryGrace
	}
	return *w.SecondaryGrace
}

// ReconcileConfig lists the collections reconciliation operates on.
type ReconcileConfig struct {
	Collections []reconcile.Collection `yaml:"collections"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates and decodes a configuration document.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	if err := checkSchema(data); err != nil {
		return nil, err
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// checkSchema unifies the document with #Config and requires a concrete result.
func checkSchema(data []byte) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}

	file, err := cueyaml.Extract("config.yaml", data)
	if err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Details: cueerrors.Details(err, nil), Err: err}
	}
	return nil
}

// SchemaError reports a document that does not satisfy the schema.
type SchemaError struct {
	Details string
	Err     error
}

func (e *SchemaError) Error() string {
	return "config does not match schema: " + e.Details
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

func (c *Config) applyDefaults() {
	if c.Settings.TTL <= 0 {
		c.Settings.TTL = settings.DefaultTTL
	}
	if len(c.Reconcile.Collections) == 0 {
		c.Reconcile.Collections = append([]reconcile.Collection(nil), reconcile.DefaultCollections...)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// validate checks what the schema cannot express.
func (c *Config) validate() error {
	var errs []error
	for _, side := range []struct {
		name string
		cfg  store.Config
	}{{"primary", c.Primary}, {"secondary", c.Secondary}} {
		switch side.cfg.Driver {
		case store.DriverSQLite:
			if side.cfg.DSN == "" {
				errs = append(errs, fmt.Errorf("%s: sqlite3 requires dsn", side.name))
			}
		case store.DriverPostgres, store.DriverPgx:
			if side.cfg.DSN == "" && (side.cfg.Host == "" || side.cfg.Database == "") {
				errs = append(errs, fmt.Errorf("%s: %s requires dsn or host and database", side.name, side.cfg.Driver))
			}
		}
	}
	if c.Writes.SecondaryGrace != nil && *c.Writes.SecondaryGrace < 0 {
		errs = append(errs, errors.New("writes.secondary_grace must not be negative"))
	}

	seen := map[string]bool{}
	for _, col := range c.Reconcile.Collections {
		if seen[col.Name] {
			errs = append(errs, fmt.Errorf("reconcile: collection %q listed twice", col.Name))
		}
		seen[col.Name] = true
	}
	return errors.Join(errs...)
}
