package main

import (
	"fmt"
	"path/filepath"

	"github.com/nicosuave/memex/internal/cli"
	"github.com/nicosuave/memex/internal/config"
	"github.com/nicosuave/memex/pkg/utils"
	"github.com/spf13/cobra"
)

// serviceStatus is what `index-service status` prints.
type serviceStatus struct {
	Enabled      bool   `json:"enabled"`
	Mode         string `json:"mode"`
	Interval     int    `json:"interval"`
	PollInterval int    `json:"poll_interval"`
	Label        string `json:"label"`
	LogPath      string `json:"log_path"`
	ConfigPath   string `json:"config_path"`
}

func newIndexServiceCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index-service",
		Short: "Manage the background index service",
		Long: `Manage the background index service.

enable and disable record the setting in the config file. run is the
long-running loop an OS service descriptor invokes; it logs to
index_service_log_path.`,
	}
	cmd.AddCommand(newServiceToggleCmd(g, true))
	cmd.AddCommand(newServiceToggleCmd(g, false))
	cmd.AddCommand(newServiceRunCmd(g))
	cmd.AddCommand(newServiceStatusCmd(g))
	return cmd
}

func newServiceToggleCmd(g *globalOptions, enable bool) *cobra.Command {
	use, short := "enable", "Turn the index service on"
	if !enable {
		use, short = "disable", "Turn the index service off"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, path, err := g.fileConfig()
			if err != nil {
				return err
			}
			cfg.IndexServiceEnabled = enable
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			return cli.WriteJSON(g.stdout, statusOf(cfg, path))
		},
	}
}

func newServiceRunCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the index service loop in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			logger, err := utils.NewFileLogger(a.cfg.IndexServiceLogPath, a.cfg.Debug)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer logger.Sync()

			period := a.cfg.ServiceInterval()
			if a.cfg.IndexServiceMode == config.ServiceModeContinuous {
				period = a.cfg.ServicePollInterval()
			}
			return runScheduler(cmd.Context(), a, a.cfg.IndexServiceMode, period, logger)
		},
	}
}

func newServiceStatusCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the index service settings",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, path, err := g.loadConfig()
			if err != nil {
				return err
			}
			return cli.WriteJSON(g.stdout, statusOf(cfg, path))
		},
	}
}

// fileConfig loads the config as stored on disk, without environment or flag
// overrides, so saving it back does not persist them.
func (g *globalOptions) fileConfig() (*config.Config, string, error) {
	root := g.root
	if root == "" {
		root = g.getenv(config.EnvRoot)
	}
	cfg, path, err := config.Discover(root, g.configPath)
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		path = filepath.Join(cfg.Root, "config.toml")
	}
	return cfg, path, nil
}

func statusOf(cfg *config.Config, path string) serviceStatus {
	return serviceStatus{
		Enabled:      cfg.IndexServiceEnabled,
		Mode:         cfg.IndexServiceMode,
		Interval:     cfg.IndexServiceInterval,
		PollInterval: cfg.IndexServicePollInterval,
		Label:        cfg.IndexServiceLabel,
		LogPath:      cfg.IndexServiceLogPath,
		ConfigPath:   path,
	}
}
