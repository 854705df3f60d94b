package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/nicosuave/memex/internal/config"
	"github.com/nicosuave/memex/pkg/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	root       string
	debug      bool

	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
}

func newRootCmd(stdout, stderr io.Writer, getenv func(string) string) *cobra.Command {
	g := &globalOptions{stdout: stdout, stderr: stderr, getenv: getenv}

	cmd := &cobra.Command{
		Use:   "memex",
		Short: "Local hybrid search over AI assistant session transcripts",
		Long: `memex indexes Claude and Codex session transcripts on this machine and
answers lexical (BM25), semantic and hybrid queries over them.

Examples:
  memex search "flaky test" --project memex --limit 5
  memex search "retry policy" --hybrid --unique-session
  memex index --watch
  memex show doc_0123456789abcdef0123456789abcdef`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetVersionTemplate("memex version {{.Version}}\n")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default <root>/config.toml or <root>/config.yaml)")
	cmd.PersistentFlags().StringVar(&g.root, "root", "", "index root directory (default $MEMEX_ROOT or ~/.memex)")
	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newSearchCmd(g, false))
	cmd.AddCommand(newSearchCmd(g, true))
	cmd.AddCommand(newIndexCmd(g))
	cmd.AddCommand(newReindexCmd(g))
	cmd.AddCommand(newEmbedCmd(g))
	cmd.AddCommand(newShowCmd(g))
	cmd.AddCommand(newSessionCmd(g))
	cmd.AddCommand(newProjectsCmd(g))
	cmd.AddCommand(newStatusCmd(g))
	cmd.AddCommand(newServeCmd(g))
	cmd.AddCommand(newIndexServiceCmd(g))
	return cmd
}

// loadConfig resolves configuration with precedence file < environment < flags.
// It returns the config and the file it should be saved to.
func (g *globalOptions) loadConfig() (*config.Config, string, error) {
	root := g.root
	if root == "" {
		root = g.getenv(config.EnvRoot)
	}
	cfg, path, err := config.Discover(root, g.configPath)
	if err != nil {
		return nil, "", err
	}
	config.ApplyEnv(cfg, g.getenv)
	if g.debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	if path == "" {
		path = filepath.Join(cfg.Root, "config.toml")
	}
	return cfg, path, nil
}

// logger builds the stderr logger. Without --debug only warnings and errors are shown.
func (g *globalOptions) logger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Debug {
		return utils.NewLogger(true)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	zcfg.Encoding = "console"
	zcfg.DisableStacktrace = true
	return zcfg.Build()
}

// open loads config and opens the index.
func (g *globalOptions) open() (*app, error) {
	cfg, path, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := g.logger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.configPath = path
	return a, nil
}
