// Package manifest handles fable.toml project and runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a fable.toml configuration: the project identity,
// where compiled images live, runtime limits, and the endpoints the
// driver uses to resolve model and network futures.
type Manifest struct {
	Project Project           `toml:"project"`
	Image   ImageConfig       `toml:"image"`
	Runtime RuntimeConfig     `toml:"runtime"`
	Server  ServerConfig      `toml:"server"`
	Models  map[string]Model  `toml:"models"`
	Env     map[string]string `toml:"env"`

	// Dir is the directory containing the fable.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// ImageConfig locates the compiled program image.
type ImageConfig struct {
	Path string `toml:"path"`
}

// RuntimeConfig bounds one top-level call.
type RuntimeConfig struct {
	// MaxConcurrentCalls caps how many VM workers the server runs at
	// once. Zero means the default.
	MaxConcurrentCalls int `toml:"max-concurrent-calls"`

	// CallTimeoutSeconds aborts a top-level call that runs longer.
	// Zero disables the timeout.
	CallTimeoutSeconds int `toml:"call-timeout-seconds"`
}

// ServerConfig configures the serving endpoint and run store.
type ServerConfig struct {
	Listen    string `toml:"listen"`
	StorePath string `toml:"store-path"`
}

// Model is one model endpoint the driver can dispatch calls to.
type Model struct {
	Provider  string `toml:"provider"`
	Endpoint  string `toml:"endpoint"`
	APIKeyEnv string `toml:"api-key-env"`
}

// Load parses a fable.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "fable.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	applyDefaults(&m)

	if err := validate(&m); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a fable.toml file, then
// loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "fable.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

func applyDefaults(m *Manifest) {
	if m.Image.Path == "" {
		m.Image.Path = filepath.Join("build", "program.fimg")
	}
	if m.Runtime.MaxConcurrentCalls == 0 {
		m.Runtime.MaxConcurrentCalls = 16
	}
	if m.Server.Listen == "" {
		m.Server.Listen = "localhost:8455"
	}
	if m.Server.StorePath == "" {
		m.Server.StorePath = filepath.Join(".fable", "runs.db")
	}
}

func validate(m *Manifest) error {
	if m.Project.Name == "" {
		return fmt.Errorf("project.name is required")
	}
	if m.Runtime.MaxConcurrentCalls < 0 {
		return fmt.Errorf("runtime.max-concurrent-calls must not be negative")
	}
	if m.Runtime.CallTimeoutSeconds < 0 {
		return fmt.Errorf("runtime.call-timeout-seconds must not be negative")
	}
	for name, model := range m.Models {
		if model.Endpoint == "" {
			return fmt.Errorf("models.%s.endpoint is required", name)
		}
	}
	return nil
}

// ImagePath returns the absolute path of the compiled program image.
func (m *Manifest) ImagePath() string {
	if filepath.IsAbs(m.Image.Path) {
		return m.Image.Path
	}
	return filepath.Join(m.Dir, m.Image.Path)
}

// StorePath returns the absolute path of the run store database.
func (m *Manifest) StorePath() string {
	if filepath.IsAbs(m.Server.StorePath) {
		return m.Server.StorePath
	}
	return filepath.Join(m.Dir, m.Server.StorePath)
}
