// Package main is the CLI entry point for pullrun.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/src-d/go-git.v4/plumbing/transport"
	githttp "gopkg.in/src-d/go-git.v4/plumbing/transport/http"

	"github.com/calvera-dev/pullrun/internal/config"
	"github.com/calvera-dev/pullrun/internal/domain"
	"github.com/calvera-dev/pullrun/internal/infra"
	"github.com/calvera-dev/pullrun/internal/watch"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var cmdErr *domain.CommandFailedError
		if errors.As(err, &cmdErr) && cmdErr.Status.Code > 0 && !cmdErr.Status.Signaled {
			os.Exit(cmdErr.Status.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pullrun [flags] -- <command> [args...]",
	Short: "Re-run a command whenever the tracked remote branch advances",
	Long: `pullrun watches the upstream of the current branch and re-runs the given
command whenever new commits land. On each change it fast-forwards the
local checkout, stops the previous run, and starts a fresh one.

The checkout is treated as a disposable mirror: diverged history or
uncommitted local changes stop pullrun instead of being reconciled.`,
	Version:      Version,
	Args:         cobra.MinimumNArgs(1),
	RunE:         runWatch,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	flagInterval      time.Duration
	flagGrace         time.Duration
	flagBranch        string
	flagRemote        string
	flagConfig        string
	flagGitHub        bool
	flagStopOnFailure bool
	flagRestartOnExit bool
	flagVerbose       bool
	jsonOutput        bool
)

func init() {
	rootCmd.Flags().DurationVarP(&flagInterval, "interval", "i", 5*time.Second, "Polling period for upstream changes")
	rootCmd.Flags().DurationVar(&flagGrace, "grace", 10*time.Second, "Time the command gets to exit before it is killed")
	rootCmd.Flags().StringVarP(&flagBranch, "branch", "b", "", "Branch to track (default: current branch)")
	rootCmd.Flags().StringVarP(&flagRemote, "remote", "r", "", "Remote to poll (default: the branch's upstream)")
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "Config file (default: .pullrun.yaml in the checkout root)")
	rootCmd.Flags().BoolVar(&flagGitHub, "github", false, "Poll the GitHub commits API instead of the git transport (needs GH_TOKEN)")
	rootCmd.Flags().BoolVar(&flagStopOnFailure, "stop-on-failure", false, "Stop watching when the command exits non-zero")
	rootCmd.Flags().BoolVar(&flagRestartOnExit, "restart-on-exit", false, "Restart the command when it exits without a new commit")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(versionCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger := createLogger(flagVerbose)
	defer func() { _ = logger.Sync() }()

	spec, err := commandSpec(cmd, args)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}
	repo, err := infra.OpenRepo(cwd)
	if err != nil {
		return err
	}
	spec.Dir = repo.Root()

	// Uncommitted changes would be overwritten by the first sync; refuse
	// before the loop starts instead of failing mid-cycle.
	dirty, err := repo.IsDirty()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("%w: run `git commit` or `git stash` and try again",
			domain.ErrDirtyWorkingTree)
	}

	cfg, err := loadConfig(cmd, repo)
	if err != nil {
		return err
	}

	branch := cfg.Branch
	if branch == "" {
		if branch, err = repo.HeadBranch(); err != nil {
			return err
		}
	}
	remote := cfg.Remote
	if remote == "" {
		remote = repo.UpstreamRemote(branch)
	}
	remoteURL, err := repo.RemoteURL(remote)
	if err != nil {
		return err
	}

	resolver, auth, err := buildResolver(repo, cfg, remote, remoteURL)
	if err != nil {
		return err
	}

	loopCfg := watch.Config{
		PollInterval:   time.Duration(cfg.Interval),
		GraceTimeout:   time.Duration(cfg.Grace),
		InitialBackoff: watch.DefaultConfig().InitialBackoff,
		MaxBackoff:     time.Duration(cfg.MaxBackoff),
		StopOnFailure:  cfg.StopOnFailure,
		RestartOnExit:  cfg.RestartOnExit,
	}

	loop := watch.New(
		loopCfg,
		spec,
		branch,
		resolver,
		infra.NewPullSyncer(repo, remote, branch, auth),
		infra.NewExecSupervisor(logger),
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("watching",
		zap.String("remote", remote),
		zap.String("branch", branch),
		zap.String("command", spec.String()),
		zap.Duration("interval", loopCfg.PollInterval))

	if err := loop.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			// Signal-initiated shutdown is a clean exit.
			logger.Info("shutting down")
			return nil
		}
		return err
	}
	return nil
}

// commandSpec builds the user command from the trailing arguments.
func commandSpec(cmd *cobra.Command, args []string) (domain.CommandSpec, error) {
	if dash := cmd.ArgsLenAtDash(); dash > 0 {
		args = args[dash:]
	}
	if len(args) == 0 {
		return domain.CommandSpec{}, fmt.Errorf("no command given, usage: pullrun [flags] -- <command> [args...]")
	}
	return domain.CommandSpec{Program: args[0], Args: args[1:]}, nil
}

// loadConfig layers the config file over defaults and explicit flags over
// the file.
func loadConfig(cmd *cobra.Command, repo *infra.LocalRepo) (config.Config, error) {
	path := flagConfig
	optional := path == ""
	if optional {
		path = filepath.Join(repo.Root(), config.DefaultFile)
	}

	cfg, err := config.Load(path, optional)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("interval") {
		cfg.Interval = config.Duration(flagInterval)
	}
	if flags.Changed("grace") {
		cfg.Grace = config.Duration(flagGrace)
	}
	if flags.Changed("branch") {
		cfg.Branch = flagBranch
	}
	if flags.Changed("remote") {
		cfg.Remote = flagRemote
	}
	if flags.Changed("github") {
		cfg.GitHub = flagGitHub
	}
	if flags.Changed("stop-on-failure") {
		cfg.StopOnFailure = flagStopOnFailure
	}
	if flags.Changed("restart-on-exit") {
		cfg.RestartOnExit = flagRestartOnExit
	}
	return cfg, nil
}

// buildResolver picks the tip resolver and the transport auth to use for
// pulling. A token on an HTTPS remote doubles as basic auth credentials.
func buildResolver(repo *infra.LocalRepo, cfg config.Config, remote, remoteURL string) (domain.RefResolver, transport.AuthMethod, error) {
	token := githubToken()

	var auth transport.AuthMethod
	if token != "" && strings.HasPrefix(remoteURL, "http") {
		auth = &githttp.BasicAuth{Username: "git", Password: token}
	}

	if !cfg.GitHub {
		return infra.NewListResolver(repo, remote, auth), auth, nil
	}

	if token == "" {
		return nil, nil, fmt.Errorf("--github needs the GH_TOKEN or GITHUB_TOKEN environment variable")
	}
	owner, name, err := infra.ParseOwnerRepo(remoteURL)
	if err != nil {
		return nil, nil, err
	}
	return infra.NewGitHubResolver(owner, name, token), auth, nil
}

func githubToken() string {
	if token := os.Getenv("GH_TOKEN"); token != "" {
		return token
	}
	return os.Getenv("GITHUB_TOKEN")
}

func createLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	// Diagnostics go to stderr so the child's stdout stays untouched.
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("pullrun %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
