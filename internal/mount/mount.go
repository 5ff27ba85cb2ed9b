// Package mount stands up a virtual volume backing a container root using
// an external file system provider.
//
// Providers are tried in a fixed order: the WinFSP launcher, which runs as
// a foreground helper owned by the Session, then Dokany's dokanctl, which
// mounts and detaches. When neither is installed the Session is still
// returned, unmounted, so the rest of the pipeline can proceed.
package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Provider identifies the mechanism that backs a Session.
type Provider string

const (
	ProviderNone   Provider = "none"
	ProviderWinFSP Provider = "winfsp"
	ProviderDokany Provider = "dokany"
)

const (
	// DeviceMountPoint is used when no drive letter is requested.
	DeviceMountPoint = `\\?\GLOBALROOT\device\ContainerFS`

	// FileSystemName is the volume tag passed to WinFSP.
	FileSystemName = "ContainerFS"

	// DefaultSettleDelay is how long WinFSP is given to create the volume.
	DefaultSettleDelay = 500 * time.Millisecond
)

// Provider binaries and their environment overrides.
const (
	winfspBinary = "winfsp-launcher.exe"
	winfspEnv    = "WINFSP_LAUNCHER"
	dokanyBinary = "dokanctl.exe"
	dokanyEnv    = "DOKANCTL"
)

// ErrInvalidDrive is returned for a preferred drive that is not a letter.
var ErrInvalidDrive = errors.New("invalid drive letter")

// Config configures a Mounter. Zero values select the real environment.
type Config struct {
	LookupEnv   func(string) (string, bool)
	LookPath    func(string) (string, error)
	SettleDelay time.Duration
	Logger      *logrus.Entry
}

// Mounter creates Sessions.
type Mounter struct {
	lookupEnv   func(string) (string, bool)
	lookPath    func(string) (string, error)
	settleDelay time.Duration
	logger      *logrus.Entry
}

// NewMounter creates a Mounter.
func NewMounter(cfg Config) *Mounter {
	if cfg.LookupEnv == nil {
		cfg.LookupEnv = os.LookupEnv
	}
	if cfg.LookPath == nil {
		cfg.LookPath = exec.LookPath
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("source", "mount")
	}
	return &Mounter{
		lookupEnv:   cfg.LookupEnv,
		lookPath:    cfg.LookPath,
		settleDelay: cfg.SettleDelay,
		logger:      cfg.Logger,
	}
}

// DetermineMountPoint returns "X:" for a preferred drive letter and the
// device path when drive is empty. "x", "X" and "X:" are all accepted.
func DetermineMountPoint(drive string) (string, error) {
	if drive == "" {
		return DeviceMountPoint, nil
	}
	letter := strings.TrimSuffix(drive, ":")
	if len(letter) != 1 || !isLetter(letter[0]) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDrive, drive)
	}
	return strings.ToUpper(letter) + ":", nil
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Mount exposes root at the mount point derived from drive. Only a failure
// to start the WinFSP helper, an invalid drive or cancellation during the
// settle delay is an error; a missing provider yields an unmounted Session.
func (m *Mounter) Mount(ctx context.Context, root, drive string) (*Session, error) {
	mountPoint, err := DetermineMountPoint(drive)
	if err != nil {
		return nil, err
	}

	logger := m.logger.WithFields(logrus.Fields{
		"root":        root,
		"mount_point": mountPoint,
	})

	if bin, ok := m.find(winfspEnv, winfspBinary); ok {
		return m.mountWinFSP(ctx, logger, bin, root, mountPoint)
	}

	if bin, ok := m.find(dokanyEnv, dokanyBinary); ok {
		return m.mountDokany(ctx, logger, bin, root, mountPoint)
	}

	logger.Warn("neither WinFSP nor Dokany found; continuing without a mounted volume")
	return &Session{provider: ProviderNone, root: root, mountPoint: mountPoint, logger: logger}, nil
}

// find resolves a provider binary from its environment override, then the
// search path.
func (m *Mounter) find(env, binary string) (string, bool) {
	if path, ok := m.lookupEnv(env); ok && path != "" {
		return path, true
	}
	if path, err := m.lookPath(binary); err == nil {
		return path, true
	}
	return "", false
}

func (m *Mounter) mountWinFSP(ctx context.Context, logger *logrus.Entry, bin, root, mountPoint string) (*Session, error) {
	logger = logger.WithField("provider", ProviderWinFSP)
	logger.Info("mounting rootfs via WinFSP")

	cmd := exec.Command(bin,
		"--foreground",
		"--FileSystemName", FileSystemName,
		"--MountPoint", mountPoint,
		root,
	)
	// Standard streams stay nil and so read from and write to the null device.
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start winfsp launcher: %w", err)
	}

	s := &Session{
		provider:   ProviderWinFSP,
		root:       root,
		mountPoint: mountPoint,
		cmd:        cmd,
		exited:     make(chan struct{}),
		logger:     logger,
	}
	go s.reap()

	timer := time.NewTimer(m.settleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		s.Close()
		return nil, fmt.Errorf("wait for winfsp volume: %w", ctx.Err())
	}

	logger.WithField("pid", cmd.Process.Pid).Info("WinFSP helper running")
	return s, nil
}

func (m *Mounter) mountDokany(ctx context.Context, logger *logrus.Entry, bin, root, mountPoint string) (*Session, error) {
	logger = logger.WithField("provider", ProviderDokany)
	logger.Info("mounting rootfs via Dokany")

	cmd := exec.CommandContext(ctx, bin, "/m", "/r", root, "/l", mountPoint)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run dokanctl: %w", err)
		}
		logger.WithField("exit_code", exitErr.ExitCode()).Warn("dokanctl reported a failure")
	}

	// dokanctl detaches; the driver unmounts when this process exits.
	return &Session{provider: ProviderDokany, root: root, mountPoint: mountPoint, logger: logger}, nil
}

// Session is a mounted (or deliberately unmounted) container volume.
type Session struct {
	provider   Provider
	root       string
	mountPoint string
	logger     *logrus.Entry

	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

func (s *Session) reap() {
	s.waitErr = s.cmd.Wait()
	close(s.exited)
}

// Provider reports which provider backs the session.
func (s *Session) Provider() Provider { return s.provider }

// MountPoint returns the drive or device path the volume is exposed at.
func (s *Session) MountPoint() string { return s.mountPoint }

// Root returns the host directory backing the volume.
func (s *Session) Root() string { return s.root }

// Mounted reports whether a provider accepted the mount.
func (s *Session) Mounted() bool { return s.provider != ProviderNone }

// Close terminates the WinFSP helper, if one was started, and waits for it
// to exit. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cmd == nil {
			return
		}

		select {
		case <-s.exited:
			s.logger.WithError(s.waitErr).Warn("mount helper had already exited")
			return
		default:
		}

		if killErr := s.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = fmt.Errorf("kill mount helper: %w", killErr)
			return
		}
		<-s.exited
		s.logger.Info("mount helper stopped")
	})
	return err
}
