// Package hooks intercepts the process's native file-open entry point and
// rewrites paths through the active container's redirects.
//
// Two Pipeline variants exist. The native variant (Windows, built with the
// "nativehooks" tag) patches CreateFileW in every loaded module's import
// table. The no-op variant accepts every plan, records it in the Register
// and rewrites nothing; it warns when constructed since callers otherwise
// assume redirection is enforced.
//
// Only one policy is active per process. Applying a plan replaces the
// previous one; it never merges.
package hooks

import (
	"errors"

	"github.com/sirupsen/logrus"

	"wincell/internal/policy"
)

// ErrUnavailable is returned when the native hook could not be installed.
var ErrUnavailable = errors.New("native interception unavailable")

// Pipeline arms interception for a HookPlan.
type Pipeline interface {
	// Apply makes plan the active policy. The first call on the native
	// variant also installs the hook; later calls only swap the policy.
	// On error the previously active policy is kept.
	Apply(plan policy.HookPlan) error

	// Native reports whether calls are actually being intercepted.
	Native() bool

	// Register exposes the shared policy state.
	Register() *Register
}

// Config configures a Pipeline.
type Config struct {
	// Register defaults to the process-wide Shared register.
	Register *Register
	Logger   *logrus.Entry
}

// New returns the pipeline variant compiled into this binary.
func New(cfg Config) Pipeline {
	if cfg.Register == nil {
		cfg.Register = Shared()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("source", "hooks")
	}
	return newPlatformPipeline(cfg)
}

// noopPipeline is the fallback when native interception is not built in.
type noopPipeline struct {
	reg    *Register
	logger *logrus.Entry
}

// NewNoop returns the logging no-op pipeline regardless of platform.
func NewNoop(cfg Config) Pipeline {
	if cfg.Register == nil {
		cfg.Register = Shared()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("source", "hooks")
	}
	cfg.Logger.Warn("native hooks not available in this build; file-open calls will not be redirected")
	return &noopPipeline{reg: cfg.Register, logger: cfg.Logger}
}

func (p *noopPipeline) Apply(plan policy.HookPlan) error {
	version := p.reg.Swap(plan.ContainerID, plan.Redirects)
	p.logger.WithFields(logrus.Fields{
		"container_id": plan.ContainerID,
		"redirects":    len(plan.Redirects),
		"version":      version,
	}).Warn("native hooks disabled; plan recorded but not enforced")
	return nil
}

func (p *noopPipeline) Native() bool { return false }

func (p *noopPipeline) Register() *Register { return p.reg }
