package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

const (
	logFilePerms  = 0o600
	logDirPerms   = 0o700
	dialKeepAlive = 30 * time.Second
)

// CLIFlags holds the persistent flag values shared by every command.
type CLIFlags struct {
	ConfigPath string
	APIURL     string
	Parallel   int
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is what PersistentPreRunE hands to each command: parsed flags,
// the resolved config and the logger built from both.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger

	closeLog func() error
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run. Every
// command runs after it, so a missing context is a programming error.
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
		Use:     "b2-go",
		Short:   "Backblaze B2 command-line client",
		Long:    "Authorize, list and upload to Backblaze B2 buckets.",
		Version: version,
		// We print errors ourselves in main.
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
			cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext)
			if !ok || cc.closeLog == nil {
				return nil
			}

			return cc.closeLog()
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.APIURL, "api-url", "", "B2 authorize endpoint (overrides config)")
	pf.IntVar(&flags.Parallel, "parallel", 0, "concurrent uploads (overrides config)")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newBucketsCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadCLIContext resolves the effective configuration from the four-layer
// override chain and builds the logger. Only flags the user actually set
// reach the resolver.
func loadCLIContext(cmd *cobra.Command, flags CLIFlags) (*CLIContext, error) {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	if cmd.Flags().Changed("api-url") {
		cli.APIURL = &flags.APIURL
	}

	if cmd.Flags().Changed("parallel") {
		cli.ParallelUploads = &flags.Parallel
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, closeLog, err := buildLogger(resolved, flags, os.Stderr)
	if err != nil {
		return nil, err
	}

	logger.Debug("config resolved",
		slog.String("config_path", resolved.ConfigPath),
		slog.String("api_url", resolved.APIURL),
		slog.Int("parallel_uploads", resolved.ParallelUploads),
	)

	return &CLIContext{Flags: flags, Cfg: resolved, Logger: logger, closeLog: closeLog}, nil
}

// logLevel picks the level from config, then lets --verbose and --quiet
// override it because CLI flags always win.
func logLevel(cfg *config.Resolved, flags CLIFlags) slog.Level {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	return level
}

// buildLogger creates the logger described by [logging]. Output goes to
// log_file when set, otherwise to stderr. The returned func closes the log
// file, if any.
func buildLogger(cfg *config.Resolved, flags CLIFlags, stderr io.Writer) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{Level: logLevel(cfg, flags)}

	var (
		out      = stderr
		format   = "auto"
		closeLog func() error
	)

	if cfg != nil {
		if cfg.Logging.LogFormat != "" {
			format = cfg.Logging.LogFormat
		}

		if cfg.Logging.LogFile != "" {
			f, err := openLogFile(cfg.Logging.LogFile)
			if err != nil {
				return nil, nil, err
			}

			out, closeLog = f, f.Close
		}
	}

	if useTextLogs(out, format) {
		return slog.New(slog.NewTextHandler(out, opts)), closeLog, nil
	}

	return slog.New(slog.NewJSONHandler(out, opts)), closeLog, nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), logDirPerms); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerms)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	return f, nil
}

// useTextLogs resolves log_format. "auto" means text for a terminal and
// JSON for pipes and files.
func useTextLogs(w io.Writer, format string) bool {
	switch format {
	case "text":
		return true
	case "json":
		return false
	}

	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// newHTTPClient returns a client whose connect and response-header waits
// follow [network]. There is no overall timeout: a large upload may take
// far longer than data_timeout.
func newHTTPClient(cfg *config.Resolved) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: dialKeepAlive}
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = cfg.ConnectTimeout
	transport.ResponseHeaderTimeout = cfg.DataTimeout

	return &http.Client{Transport: transport}
}

// userAgent is the configured user agent, or b2-go/<version>.
func userAgent(cfg *config.Resolved) string {
	if cfg.UserAgent != "" {
		return cfg.UserAgent
	}

	return "b2-go/" + version
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
