// Command agent brings up the containers registered under a directory:
// it arms file-path interception, mounts each container's volume and runs
// its entry point, then waits for SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"wincell/internal/agent"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfg       agent.Config
		logLevel  string
		logFormat string
	)

	flagSet := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.ContainersDir, "containers", "containers", "directory holding one sub-directory per container")
	flagSet.StringVar(&cfg.StatePath, "state", "", "persist container status to this JSON file")
	flagSet.StringVar(&cfg.AuditPath, "audit", "", "append launch records to this JSON-lines file")
	flagSet.StringVar(&cfg.APIAddr, "api", "", "serve the read-only status API on this address (e.g. 127.0.0.1:7420)")
	flagSet.BoolVar(&cfg.Watch, "watch", false, "re-process containers when their manifests change")
	flagSet.StringVar(&cfg.Drive, "drive", "", "preferred drive letter for mounts when a manifest names none")
	flagSet.BoolVar(&cfg.SkipPrivilegeCheck, "skip-privilege-check", false, "do not require an elevated token")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (default: $AGENT_LOG or info)")
	flagSet.StringVar(&logFormat, "log-format", "text", "log format: text or json")
	showVersion := flagSet.Bool("version", false, "print the version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println(version)
		return nil
	}

	if logLevel == "" {
		logLevel = os.Getenv("AGENT_LOG")
	}
	if err := configureLogging(logLevel, logFormat); err != nil {
		return err
	}

	logger := logrus.WithField("source", "agent")
	logger.WithField("version", version).Info("agent initializing")
	cfg.Logger = logger

	a, err := agent.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.WithField("signal", sig.String()).Warn("received signal, shutting down")
		cancel()
	}()

	return a.Run(ctx)
}

func configureLogging(level, format string) error {
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(parsed)

	switch format {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q (want text or json)", format)
	}
	logrus.SetOutput(os.Stderr)
	return nil
}
