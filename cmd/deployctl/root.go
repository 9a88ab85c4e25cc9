package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/config"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/deploy"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/docker"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/logging"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/notify"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/state"
)

// app carries global flags and the resolved configuration between the
// root command's hooks and the subcommands.
type app struct {
	cfgFile  string
	file     string
	envFile  string
	logLevel string
	project  string

	cfg      *config.Config
	cleanup  func()
	notifier *notify.MultiNotifier
	cli      docker.Client

	// newClient is replaceable in tests.
	newClient func(cfg *config.Config) (docker.Client, error)
}

// newRootCmd builds the command tree. The returned teardown flushes pending
// notifications and releases the engine client and log file; it runs
// whether or not the command failed.
func newRootCmd() (*cobra.Command, func()) {
	a := &app{newClient: func(cfg *config.Config) (docker.Client, error) {
		return docker.NewClient(cfg.DockerHost, cfg.RegistryUser, cfg.RegistryPass)
	}}
	cmd := &cobra.Command{
		Use:           "deployctl",
		Short:         "Deploy and supervise the clustering_outliers profile service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringVarP(&a.file, "file", "f", "", "Path to the compose descriptor (default docker-compose.yml)")
	pf.StringVar(&a.envFile, "env-file", "", "Path to the env file (default .env next to the descriptor)")
	pf.StringVar(&a.cfgFile, "config", "", "Path to a deployctl config file")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVarP(&a.project, "project-name", "p", "", "Project name (default: descriptor directory name)")

	cmd.AddCommand(
		validateCmd(a),
		configCmd(a),
		preflightCmd(a),
		upCmd(a),
		downCmd(a),
		statusCmd(a),
		watchCmd(a),
		versionCmd(),
	)
	return cmd, a.teardown
}

// setup resolves configuration with precedence defaults < file < env <
// flags and initialises logging and the state directory.
func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.DefaultConfig()
	if a.cfgFile != "" {
		c, err := config.LoadConfigFromFile(a.cfgFile)
		if err != nil {
			return fmt.Errorf("failed loading config: %w", err)
		}
		cfg = c
	}
	if err := config.ApplyEnvOverrides(cfg); err != nil {
		return fmt.Errorf("invalid environment configuration: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("file") {
		cfg.File = a.file
	}
	if flags.Changed("env-file") {
		cfg.EnvFile = a.envFile
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if flags.Changed("project-name") {
		cfg.ProjectName = a.project
	}
	if err := cfg.Check(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cleanup, err := logging.Init(cfg.LogFile, cfg.LogLevel, isatty.IsTerminal(os.Stderr.Fd()))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.cleanup = cleanup
	if cfg.StateDir != "" {
		state.SetDir(cfg.StateDir)
	}
	a.cfg = cfg
	a.notifier = notify.FromConfig(cfg)
	return nil
}

func (a *app) teardown() {
	if a.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), notifyWait)
		defer cancel()
		if err := a.notifier.Wait(ctx); err != nil {
			logging.Get().Warn().Err(err).Msg("timed out waiting for notifiers to finish")
		}
	}
	if a.cli != nil {
		_ = a.cli.Close()
	}
	if a.cleanup != nil {
		a.cleanup()
	}
}

// deployer builds a Deployer. Commands that only read the descriptor pass
// withDocker false and never touch the engine.
func (a *app) deployer(withDocker bool) (*deploy.Deployer, error) {
	if withDocker && a.cli == nil {
		if a.cfg.DockerHost == "" && os.Getenv("DOCKER_HOST") == "" {
			ensureDockerSocketAccessible(defaultDockerSocket)
		}
		cli, err := a.newClient(a.cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		a.cli = cli
	}
	return deploy.New(a.cfg, a.cli, a.notifier), nil
}
