// Package agent brings registered containers up and holds them until
// shutdown.
//
// For each container, in id order, the agent prepares a HookPlan, makes it
// the active interception policy, mounts the container volume and runs the
// entry point to completion. One container failing is logged and recorded
// in its status; the loop moves on to the next. Bring-up is serialized
// because only one interception policy can be active at a time.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"wincell/internal/hooks"
	"wincell/internal/launcher"
	"wincell/internal/mount"
	"wincell/internal/policy"
	"wincell/internal/registry"
	"wincell/pkg/manifest"
)

// Config holds the configuration for the Agent.
type Config struct {
	ContainersDir string
	StatePath     string // empty keeps status in memory
	AuditPath     string // empty disables the launch audit log
	APIAddr       string // empty disables the status API
	Watch         bool

	// Drive is the preferred mount drive for manifests that name none.
	Drive string

	SkipPrivilegeCheck bool

	// HostEnv defaults to the agent's own environment.
	HostEnv map[string]string

	Logger *logrus.Entry

	// Components default to their production implementations.
	Pipeline hooks.Pipeline
	Mounter  *mount.Mounter
	Launcher *launcher.Launcher
}

// Agent orchestrates the policy engine, interception pipeline, mount
// sessions and launcher.
type Agent struct {
	cfg      Config
	logger   *logrus.Entry
	engine   *policy.Engine
	pipeline hooks.Pipeline
	mounter  *mount.Mounter
	launcher *launcher.Launcher
	audit    *launcher.AuditLogger
	status   *StatusStore
	metrics  *prometheus.Registry
	bringups *prometheus.CounterVec
	api      *APIServer

	// mu serializes bring-up. sessMu guards sessions separately so that
	// shutdown is not held up by an entry point that is still running.
	mu    sync.Mutex
	known map[string]registry.Container

	sessMu   sync.Mutex
	sessions map[string]*mount.Session
	closed   bool

	started   time.Time
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("source", "agent")
	}
	if cfg.ContainersDir == "" {
		cfg.ContainersDir = "containers"
	}
	if cfg.HostEnv == nil {
		cfg.HostEnv = policy.HostEnvironment()
	}

	a := &Agent{
		cfg:      cfg,
		logger:   cfg.Logger,
		engine:   policy.NewEngine(policy.Config{HostEnv: cfg.HostEnv, Logger: cfg.Logger.WithField("component", "policy")}),
		pipeline: cfg.Pipeline,
		mounter:  cfg.Mounter,
		launcher: cfg.Launcher,
		status:   NewStatusStore(cfg.StatePath, cfg.Logger),
		sessions: make(map[string]*mount.Session),
		known:    make(map[string]registry.Container),
		started:  time.Now(),
	}

	if a.pipeline == nil {
		a.pipeline = hooks.New(hooks.Config{Logger: cfg.Logger.WithField("component", "hooks")})
	}
	if a.mounter == nil {
		a.mounter = mount.NewMounter(mount.Config{Logger: cfg.Logger.WithField("component", "mount")})
	}

	audit, err := launcher.NewAuditLogger(cfg.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("create audit logger: %w", err)
	}
	a.audit = audit
	if a.launcher == nil {
		a.launcher = launcher.New(launcher.Config{Audit: audit, Logger: cfg.Logger.WithField("component", "launcher")})
	}

	if err := a.status.Load(); err != nil {
		a.logger.WithError(err).Warn("could not load previous state; starting fresh")
	}

	a.bringups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wincell",
		Subsystem: "agent",
		Name:      "bringups_total",
		Help:      "Container bring-up attempts by result.",
	}, []string{"result"})

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		a.bringups,
	)
	a.metrics.MustRegister(hooks.Collectors()...)

	if cfg.APIAddr != "" {
		a.api = NewAPIServer(a, cfg.APIAddr, cfg.Logger.WithField("component", "api"))
	}

	return a, nil
}

// Run loads the registry, brings every container up and then blocks until
// ctx is cancelled, at which point mount sessions are closed. Launched
// processes are not stopped. The agent is closed when Run returns, on
// every path.
func (a *Agent) Run(ctx context.Context) error {
	if !a.cfg.SkipPrivilegeCheck {
		if err := checkPrivileges(); err != nil {
			return errors.Join(err, a.Close())
		}
	}

	a.logger.WithFields(logrus.Fields{
		"containers_dir": a.cfg.ContainersDir,
		"native_hooks":   a.pipeline.Native(),
		"privileges":     describePrivileges(),
	}).Info("agent started; loading containers")

	reg, err := registry.Load(a.cfg.ContainersDir)
	if reg == nil {
		return errors.Join(fmt.Errorf("load registry: %w", err), a.Close())
	}
	if err != nil {
		a.logger.WithError(err).Warn("some containers were rejected")
	}
	if reg.Len() == 0 {
		a.logger.WithField("dir", reg.Dir()).Warn("no containers registered")
	}

	if a.api != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.WithError(err).Error("status API server error")
			}
		}()
	}

	var watcher *registry.Watcher
	if a.cfg.Watch {
		watcher = a.startWatcher(ctx, reg)
	}

	// Entry points run to completion inside ProcessRegistry; shutdown
	// must not wait for them.
	go func() {
		if err := a.ProcessRegistry(ctx, reg); err != nil {
			a.logger.WithError(err).Warn("some containers failed to come up")
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown requested; cleaning up")

	if watcher != nil {
		watcher.Stop()
	}
	return a.Close()
}

func (a *Agent) startWatcher(ctx context.Context, reg *registry.Registry) *registry.Watcher {
	watcher, err := registry.NewWatcher(reg.Dir(), reg, a.logger.WithField("component", "registry"))
	if err != nil {
		a.logger.WithError(err).Warn("could not create registry watcher; hot reload disabled")
		return nil
	}

	watcher.OnReload(func(updated *registry.Registry) {
		if err := a.ProcessRegistry(ctx, updated); err != nil {
			a.logger.WithError(err).Warn("some containers failed to come up after reload")
		}
	})

	if err := watcher.Start(ctx); err != nil {
		a.logger.WithError(err).Warn("could not start registry watcher; hot reload disabled")
		watcher.Stop()
		return nil
	}
	return watcher
}

// ProcessRegistry retires containers that are no longer registered,
// including any restored from a previous run, then brings up every
// container in reg that is new or whose manifest changed since it was last
// processed. The returned error joins the failures of
// individual containers.
func (a *Agent) ProcessRegistry(ctx context.Context, reg *registry.Registry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	containers := reg.List()
	seen := make(map[string]bool, len(containers))
	for _, c := range containers {
		seen[c.Manifest.ID] = true
	}

	for id := range a.known {
		if !seen[id] {
			a.retire(id)
		}
	}

	// Statuses restored from a previous run are not in a.known.
	stale, err := a.status.Reconcile(seen)
	if err != nil {
		a.logger.WithError(err).Warn("could not persist state")
	}
	if len(stale) > 0 {
		a.logger.WithField("containers", stale).Info("marked unregistered containers as removed")
	}

	var errs []error
	for _, c := range containers {
		id := c.Manifest.ID
		if prev, ok := a.known[id]; ok && prev.Root == c.Root && reflect.DeepEqual(prev.Manifest, c.Manifest) {
			continue
		}
		a.known[id] = *c

		if err := a.bringUp(ctx, c); err != nil {
			a.bringups.WithLabelValues("failed").Inc()
			a.logger.WithError(err).WithField("container_id", id).Error("container bring-up failed")
			errs = append(errs, err)
			continue
		}
		a.bringups.WithLabelValues("ok").Inc()
	}

	return errors.Join(errs...)
}

// bringUp runs the prepare, apply, mount and launch sequence for c.
// Caller must hold a.mu.
func (a *Agent) bringUp(ctx context.Context, c *registry.Container) error {
	m := c.Manifest
	id := m.ID
	logger := a.logger.WithFields(logrus.Fields{
		"container_id": id,
		"name":         m.Name,
		"version":      m.DisplayVersion(),
	})
	logger.Info("container registered")

	a.update(id, func(s *ContainerStatus) {
		s.Name = m.Name
		s.Version = m.DisplayVersion()
		s.Root = c.Root
		s.Phase = PhasePending
		s.Error = ""
		s.MountProvider = ""
		s.MountPoint = ""
	})

	plan, err := a.engine.Prepare(ctx, m, c.Root)
	if err != nil {
		return a.fail(id, fmt.Errorf("prepare %s: %w", id, err))
	}

	if err := a.pipeline.Apply(plan); err != nil {
		return a.fail(id, fmt.Errorf("apply policy for %s: %w", id, err))
	}
	policyVersion := a.pipeline.Register().Snapshot().Version
	a.update(id, func(s *ContainerStatus) {
		s.Phase = PhaseArmed
		s.PolicyVersion = policyVersion
		s.Redirects = len(plan.Redirects)
	})
	logger.WithFields(logrus.Fields{
		"mounts":    len(plan.Mounts),
		"redirects": len(plan.Redirects),
		"native":    a.pipeline.Native(),
	}).Info("hooks applied")

	if m.MountEnabled() {
		a.mountVolume(ctx, logger, c)
	}

	if m.Entrypoint == "" {
		a.update(id, func(s *ContainerStatus) { s.Phase = PhaseIdle })
		logger.Info("no entrypoint declared; container armed only")
		return nil
	}

	req := launcher.Request{
		ContainerID: id,
		Executable:  resolveEntrypoint(c),
		Args:        m.Args,
		WorkingDir:  workingDir(c),
		Plan:        plan.Clone(),
	}

	a.update(id, func(s *ContainerStatus) {
		s.Phase = PhaseRunning
		s.Launches++
	})
	if err := a.launcher.Launch(ctx, req); err != nil {
		return a.fail(id, fmt.Errorf("launch %s: %w", id, err))
	}
	a.update(id, func(s *ContainerStatus) { s.Phase = PhaseExited })
	return nil
}

// mountVolume replaces any previous session of c. A failed mount leaves
// the container running without a volume.
func (a *Agent) mountVolume(ctx context.Context, logger *logrus.Entry, c *registry.Container) {
	id := c.Manifest.ID
	drive := c.Manifest.Mount.Drive
	if drive == "" {
		drive = a.cfg.Drive
	}

	a.closeSession(id)

	session, err := a.mounter.Mount(ctx, c.Root, drive)
	if err != nil {
		logger.WithError(err).Warn("mount failed; continuing without a volume")
		a.update(id, func(s *ContainerStatus) { s.Error = "mount: " + err.Error() })
		return
	}

	a.sessMu.Lock()
	if a.closed {
		a.sessMu.Unlock()
		session.Close()
		return
	}
	a.sessions[id] = session
	a.sessMu.Unlock()

	a.update(id, func(s *ContainerStatus) {
		if session.Mounted() {
			s.Phase = PhaseMounted
		}
		s.MountProvider = string(session.Provider())
		s.MountPoint = session.MountPoint()
	})
}

func (a *Agent) retire(id string) {
	a.closeSession(id)
	delete(a.known, id)
	a.update(id, func(s *ContainerStatus) { s.Phase = PhaseRemoved })
	a.logger.WithField("container_id", id).Info("container unregistered")
}

func (a *Agent) closeSession(id string) {
	a.sessMu.Lock()
	session, ok := a.sessions[id]
	delete(a.sessions, id)
	a.sessMu.Unlock()

	if !ok {
		return
	}
	if err := session.Close(); err != nil {
		a.logger.WithError(err).WithField("container_id", id).Warn("could not close mount session")
	}
}

func (a *Agent) fail(id string, err error) error {
	a.update(id, func(s *ContainerStatus) {
		s.Phase = PhaseFailed
		s.Error = err.Error()
	})
	return err
}

func (a *Agent) update(id string, fn func(*ContainerStatus)) {
	if err := a.status.Update(id, fn); err != nil {
		a.logger.WithError(err).Warn("could not persist state")
	}
}

// Close releases mount sessions, the status API and the audit log. It is
// safe to call more than once.
func (a *Agent) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.api != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.api.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown status API: %w", err))
			}
			cancel()
		}

		a.sessMu.Lock()
		a.closed = true
		a.sessMu.Unlock()
		for _, id := range a.Sessions() {
			a.closeSession(id)
		}

		a.wg.Wait()
		if err := a.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit log: %w", err))
		}
		a.logger.Info("agent stopped")
	})
	return errors.Join(errs...)
}

// Status returns the recorded status of every container.
func (a *Agent) Status() []ContainerStatus {
	return a.status.List()
}

// Sessions returns the containers that currently hold a mount session.
func (a *Agent) Sessions() []string {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()

	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// resolveEntrypoint returns a relative entry point found under the
// container root as that path; anything else is left for PATH lookup.
func resolveEntrypoint(c *registry.Container) string {
	ep := c.Manifest.Entrypoint
	if filepath.IsAbs(ep) || manifest.IsAbs(ep) {
		return ep
	}
	candidate := filepath.Join(c.Root, filepath.FromSlash(ep))
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate
	}
	return ep
}

func workingDir(c *registry.Container) string {
	dir := c.Manifest.WorkingDir
	switch {
	case dir == "":
		return c.Root
	case filepath.IsAbs(dir) || manifest.IsAbs(dir):
		return dir
	default:
		return filepath.Join(c.Root, filepath.FromSlash(dir))
	}
}
