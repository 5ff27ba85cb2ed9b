// Package manifest defines the container descriptor read from each
// container's config.yml and shared between the registry and the agent.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the descriptor file expected inside every container directory.
const FileName = "config.yml"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid manifest")

// Runtime carries build/runtime metadata. It is informational only.
type Runtime struct {
	Build string `yaml:"build,omitempty" json:"build,omitempty"`
}

// Paths optionally overrides the four virtualized roots. Values are
// relative to the container root; empty means "use the default".
type Paths struct {
	ProgramFiles string `yaml:"program_files,omitempty" json:"program_files,omitempty"`
	AppData      string `yaml:"appdata,omitempty" json:"appdata,omitempty"`
	LocalAppData string `yaml:"local_appdata,omitempty" json:"local_appdata,omitempty"`
	Temp         string `yaml:"temp,omitempty" json:"temp,omitempty"`
}

// Redirect declares an explicit path rewrite. Original must be absolute;
// Redirected may be relative to the container root.
type Redirect struct {
	Original   string `yaml:"original" json:"original"`
	Redirected string `yaml:"redirected" json:"redirected"`
}

// MountConfig controls the virtual mount session for the container.
type MountConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Drive   string `yaml:"drive,omitempty" json:"drive,omitempty"` // single letter, e.g. "X"
}

// Manifest is the descriptor of one container.
type Manifest struct {
	ID         string      `yaml:"id" json:"id"`
	Name       string      `yaml:"name" json:"name"`
	Version    string      `yaml:"version,omitempty" json:"version,omitempty"`
	Runtime    Runtime     `yaml:"runtime,omitempty" json:"runtime,omitempty"`
	Paths      Paths       `yaml:"paths,omitempty" json:"paths,omitempty"`
	Entrypoint string      `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	Args       []string    `yaml:"args,omitempty" json:"args,omitempty"`
	WorkingDir string      `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	Redirects  []Redirect  `yaml:"redirects,omitempty" json:"redirects,omitempty"`
	Mount      MountConfig `yaml:"mount,omitempty" json:"mount,omitempty"`
}

// DisplayVersion returns the version or "latest" when none is declared.
func (m *Manifest) DisplayVersion() string {
	if m.Version == "" {
		return "latest"
	}
	return m.Version
}

// MountEnabled reports whether a mount session should be stood up.
// Mounting is on unless the manifest explicitly disables it.
func (m *Manifest) MountEnabled() bool {
	return m.Mount.Enabled == nil || *m.Mount.Enabled
}

// Parse decodes and validates a manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parse yaml: %v", ErrInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// Validate checks the fields the agent relies on.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalid)
	}
	if strings.ContainsAny(m.ID, `/\`) || strings.Contains(m.ID, "..") || strings.Contains(m.ID, "\x00") {
		return fmt.Errorf("%w: id %q must not contain path separators, .. or null bytes", ErrInvalid, m.ID)
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("%w: name cannot be empty (id %s)", ErrInvalid, m.ID)
	}

	for i, r := range m.Redirects {
		if !IsAbs(r.Original) {
			return fmt.Errorf("%w: redirect %d: original %q is not absolute", ErrInvalid, i, r.Original)
		}
		if strings.TrimSpace(r.Redirected) == "" {
			return fmt.Errorf("%w: redirect %d: redirected base cannot be empty", ErrInvalid, i)
		}
	}

	if d := m.Mount.Drive; d != "" {
		if len(d) != 1 || !isLetter(d[0]) {
			return fmt.Errorf("%w: mount drive %q must be a single letter", ErrInvalid, d)
		}
	}
	return nil
}

// IsAbs reports whether p is absolute in either Win32 or POSIX form:
// "C:\...", "C:/...", UNC "\\server\share", or "/...".
func IsAbs(p string) bool {
	switch {
	case len(p) >= 3 && isLetter(p[0]) && p[1] == ':' && (p[2] == '\\' || p[2] == '/'):
		return true
	case strings.HasPrefix(p, `\\`):
		return true
	case strings.HasPrefix(p, "/"):
		return true
	}
	return false
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
