package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"wincell/pkg/manifest"
)

// Config configures an Engine.
type Config struct {
	// HostEnv is a snapshot of the agent's environment. The host's values
	// of APPDATA, LOCALAPPDATA, PROGRAMFILES and TEMP become the originals
	// of the synthesized redirects. Nil means no redirects are synthesized.
	HostEnv map[string]string

	Logger *logrus.Entry
}

// Engine computes HookPlans. It is stateless apart from its Config and
// safe for concurrent use.
type Engine struct {
	hostEnv map[string]string
	logger  *logrus.Entry
}

// NewEngine creates a policy engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("source", "policy")
	}
	return &Engine{hostEnv: cfg.HostEnv, logger: cfg.Logger}
}

// HostEnvironment snapshots os.Environ into a map.
func HostEnvironment() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}

// ResolveLayout computes the four virtualized roots for m under root.
// Overrides are joined to root; absolute overrides replace it.
func ResolveLayout(m *manifest.Manifest, root string) PathLayout {
	return PathLayout{
		ProgramFiles: resolvePath(root, m.Paths.ProgramFiles, DefaultProgramFiles),
		AppData:      resolvePath(root, m.Paths.AppData, DefaultAppData),
		LocalAppData: resolvePath(root, m.Paths.LocalAppData, DefaultLocalAppData),
		Temp:         resolvePath(root, m.Paths.Temp, DefaultTemp),
	}
}

func resolvePath(root, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if filepath.IsAbs(value) {
		return filepath.Clean(value)
	}
	if manifest.IsAbs(value) {
		// Win32-absolute on a non-Windows host; keep verbatim.
		return value
	}
	return filepath.Join(root, filepath.FromSlash(value))
}

// EnsureDirectories creates every root of the layout. It stops at the
// first failure so a partially prepared plan is never returned.
func (l PathLayout) EnsureDirectories() error {
	for _, dir := range l.Dirs() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Prepare resolves the layout for m under root, materializes its
// directories and returns the container's HookPlan.
func (e *Engine) Prepare(ctx context.Context, m *manifest.Manifest, root string) (HookPlan, error) {
	if err := ctx.Err(); err != nil {
		return HookPlan{}, err
	}
	if m == nil {
		return HookPlan{}, fmt.Errorf("%w: nil manifest", manifest.ErrInvalid)
	}
	if root == "" {
		return HookPlan{}, fmt.Errorf("%w: container %s has no root", manifest.ErrInvalid, m.ID)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return HookPlan{}, fmt.Errorf("resolve container root: %w", err)
	}

	layout := ResolveLayout(m, absRoot)
	if err := layout.EnsureDirectories(); err != nil {
		return HookPlan{}, fmt.Errorf("prepare container %s: %w", m.ID, err)
	}

	plan := HookPlan{
		ContainerID: m.ID,
		Root:        absRoot,
		Layout:      layout,
		Env: map[string]string{
			EnvContainerRoot: absRoot,
			EnvAppData:       layout.AppData,
			EnvLocalAppData:  layout.LocalAppData,
			EnvProgramFiles:  layout.ProgramFiles,
			EnvTemp:          layout.Temp,
			EnvTmp:           layout.Temp,
		},
		Mounts: []MountPlan{
			{Alias: "%APPDATA%", HostPath: layout.AppData},
			{Alias: "%LOCALAPPDATA%", HostPath: layout.LocalAppData},
			{Alias: "%PROGRAMFILES%", HostPath: layout.ProgramFiles},
			{Alias: "%TEMP%", HostPath: layout.Temp},
		},
		Redirects: e.redirects(m, absRoot, layout),
	}

	e.logger.WithFields(logrus.Fields{
		"container_id": m.ID,
		"mounts":       plan.Mounts,
		"env_keys":     plan.EnvKeys(),
		"redirects":    len(plan.Redirects),
	}).Info("hook plan prepared")

	return plan, nil
}

// redirects returns the manifest's declared redirects in declaration
// order followed by one synthesized redirect per virtualized root.
// Synthesized rules are ordered deepest original first, so a host TEMP
// nested under LOCALAPPDATA still reaches the temp root under
// first-match resolution.
func (e *Engine) redirects(m *manifest.Manifest, root string, layout PathLayout) []PathRedirect {
	out := make([]PathRedirect, 0, len(m.Redirects)+4)
	for _, r := range m.Redirects {
		out = append(out, PathRedirect{
			Original:   r.Original,
			Redirected: resolvePath(root, r.Redirected, ""),
		})
	}

	roots := []struct {
		env  string
		path string
	}{
		{EnvProgramFiles, layout.ProgramFiles},
		{EnvAppData, layout.AppData},
		{EnvLocalAppData, layout.LocalAppData},
		{EnvTemp, layout.Temp},
	}

	var synthesized []PathRedirect
	for _, r := range roots {
		original := e.hostEnv[r.env]
		if original == "" || !manifest.IsAbs(original) {
			continue
		}
		if HasPathPrefix(r.path, original) {
			// The container root lives under the host root being
			// virtualized; redirecting would also rewrite the container's
			// own files.
			e.logger.WithFields(logrus.Fields{
				"container_id": m.ID,
				"variable":     r.env,
				"original":     original,
			}).Warn("skipping redirect whose target lies under its original")
			continue
		}
		synthesized = append(synthesized, PathRedirect{Original: original, Redirected: r.path})
	}

	sort.SliceStable(synthesized, func(i, j int) bool {
		return depth(synthesized[i].Original) > depth(synthesized[j].Original)
	})

	return append(out, synthesized...)
}
