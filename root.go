package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tonimelisma/inbox-sync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// logMaxSizeMB is the size at which the log file is rotated.
const logMaxSizeMB = 100

// CLIFlags holds the persistent flags shared by every command.
type CLIFlags struct {
	ConfigPath string
	DBPath     string
	LogLevel   string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries resolved configuration and the logger to subcommands.
// Built once by the root PersistentPreRunE.
type CLIContext struct {
	Flags   CLIFlags
	Cfg     *config.Config
	CfgPath string
	Logger  *slog.Logger

	logCloser io.Closer
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run.
// Panics if called outside a command run, which is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("BUG: CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	var flags CLIFlags

	cmd := &cobra.Command{
		Use:     "inbox-sync",
		Short:   "Incremental checkpointed sync for mail and calendar accounts",
		Long:    "Runs bounded reconciliation passes that pull remote changes into a local store and report liveness.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(cmd, flags)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			if cc.logCloser != nil {
				return cc.logCloser.Close()
			}

			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.DBPath, "db", "", "state database path")
	pf.StringVar(&flags.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newAccountCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadCLIContext resolves the effective configuration from the four-layer
// override chain and builds the logger.
func loadCLIContext(cmd *cobra.Command, flags CLIFlags) (*CLIContext, error) {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	// Only pass flags the user explicitly set.
	if cmd.Flags().Changed("db") {
		cli.DBPath = &flags.DBPath
	}

	if cmd.Flags().Changed("log-level") {
		cli.LogLevel = &flags.LogLevel
	}

	cfg, cfgPath, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, closer := buildLogger(&cfg.LoggingConfig, flags, os.Stderr)

	logger.Debug("config resolved", slog.String("path", cfgPath), slog.String("db", cfg.Store.DBPath))

	return &CLIContext{
		Flags:     flags,
		Cfg:       cfg,
		CfgPath:   cfgPath,
		Logger:    logger,
		logCloser: closer,
	}, nil
}

// buildLogger creates an slog.Logger from the logging config and CLI flags.
// The config level is the baseline; --verbose and --quiet override it. When
// log_file is set, output goes to a rotated file instead of stderr. The
// returned closer is nil when no file is open.
func buildLogger(l *config.LoggingConfig, flags CLIFlags, stderr *os.File) (*slog.Logger, io.Closer) {
	level := parseLevel(l.LogLevel)

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	var (
		w        io.Writer = stderr
		closer   io.Closer
		terminal = isatty.IsTerminal(stderr.Fd()) || isatty.IsCygwinTerminal(stderr.Fd())
	)

	if l.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename: l.LogFile,
			MaxSize:  logMaxSizeMB,
			MaxAge:   l.LogRetentionDays,
			Compress: true,
		}
		w, closer, terminal = lj, lj, false
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler

	switch {
	case l.LogFormat == "json", l.LogFormat != "text" && !terminal:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler), closer
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
