package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/kcmdline/internal/bootloader"
	"github.com/schaermu/kcmdline/internal/cmdline"
	"github.com/schaermu/kcmdline/internal/config"
	"github.com/schaermu/kcmdline/internal/engine"
	"github.com/schaermu/kcmdline/internal/watch"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	rootDir   string
	logLevel  string
	logFormat string

	// Command flags
	dryRun     bool
	force      bool
	noRemovals bool
	removalDir string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kcmdline",
	Short: "Resolve the kernel command line from layered fragment directories",
	Long: `kcmdline assembles the kernel boot command line from fragment files shipped
by the OS vendor (/usr/share/kernel/cmdline.d) and overrides provided by the
local administrator (/etc/kernel/cmdline.d), then strips the parameters listed
in /etc/kernel/cmdline-removal.d before handing the result to the bootloader.

An admin fragment with the same name as a vendor fragment replaces it; a
symlink to /dev/null masks it entirely.`,
	SilenceUsage: true,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Print the resolved kernel command line",
	Args:  cobra.NoArgs,
	RunE:  runResolve,
}

var fragmentsCmd = &cobra.Command{
	Use:   "fragments",
	Short: "List the resolved fragments in merge order",
	Args:  cobra.NoArgs,
	RunE:  runFragments,
}

var removeCmd = &cobra.Command{
	Use:   "remove [cmdline...]",
	Short: "Apply the removal specs to a command line given as arguments or on stdin",
	RunE:  runRemove,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Resolve the command line and hand it to the bootloader",
	Long: `Update resolves the command line, compares it with the last recorded run and,
if it changed, writes it to the configured output file and runs the
configured hook (for example a bootloader config generator).`,
	Args: cobra.NoArgs,
	RunE: runUpdate,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run update whenever a fragment, removal spec or legacy file changes",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify that every fragment and removal spec is readable",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kcmdline %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "root prefix the layer directories are resolved against")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	resolveCmd.Flags().BoolVar(&noRemovals, "no-removals", false, "do not apply the removal specs")
	removeCmd.Flags().StringVar(&removalDir, "dir", "", "removal spec directory (default from config)")
	updateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	updateCmd.Flags().BoolVar(&force, "force", false, "write even if the command line is unchanged")

	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(fragmentsCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	res, err := engine.Resolve(cfg, !noRemovals)
	if err != nil {
		logger.Error("resolve failed", "error", err)
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), res.Cmdline)
	return err
}

func runFragments(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	set, err := cmdline.Resolve(cfg.VendorDir(), cfg.AdminDir(), cfg.ScanOptions())
	if err != nil {
		logger.Error("resolve failed", "error", err)
		return err
	}

	out := cmd.OutOrStdout()
	for _, f := range set {
		text := f.Text()
		if f.Masked {
			text = "(masked)"
		}
		if _, err := fmt.Fprintf(out, "%-7s %s\t%s\n", f.Layer, f.RelPath, text); err != nil {
			return err
		}
	}
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	dir := removalDir
	if dir == "" {
		cfg, err := loadConfig(logger)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		dir = cfg.RemovalDir()
	}

	var target string
	if len(args) > 0 {
		target = strings.Join(args, " ")
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read command line from stdin: %w", err)
		}
		target = string(data)
	}

	result, err := cmdline.ApplyRemovals(dir, target)
	if err != nil {
		logger.Error("removal failed", "error", err)
		return err
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(result, "\n"))
	return err
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if _, err := newEngine(cfg, logger, engine.Options{DryRun: dryRun, Force: force}).Run(ctx); err != nil {
		logger.Error("update failed", "error", err)
		return err
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	eng := newEngine(cfg, logger, engine.Options{})
	update := func(ctx context.Context) error {
		_, err := eng.Run(ctx)
		return err
	}

	// Bring the output up to date before waiting for changes
	if err := update(ctx); err != nil {
		logger.Error("initial update failed", "error", err)
	}

	paths := []string{cfg.VendorDir(), cfg.AdminDir(), cfg.RemovalDir()}
	if legacy := cfg.LegacyFile(); legacy != "" {
		paths = append(paths, legacy)
	}

	var opts []watch.Option
	if cfg.Scan.Recursive {
		opts = append(opts, watch.WithRecursive(cfg.VendorDir(), cfg.AdminDir()))
	}

	w, err := watch.New(paths, watch.DefaultDebounce, logger, update, opts...)
	if err != nil {
		return err
	}

	logger.Info("watching for changes", "paths", paths)
	return w.Run(ctx)
}

func runCheck(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cmdline.Check(cfg.Sources(), cfg.ScanOptions()); err != nil {
		return fmt.Errorf("check failed: %w", err)
	}

	logger.Info("all fragments and removal specs are readable")
	return nil
}

func newEngine(cfg *config.Config, logger *slog.Logger, opts engine.Options) *engine.Engine {
	writer := bootloader.NewFileWriter(cfg.Output.File)

	// A nil *bootloader.Hook must not end up in a non-nil interface
	var hook engine.Hook
	if h := bootloader.NewHook(cfg.Output.Hook, logger); h != nil {
		hook = h
	}

	return engine.NewEngine(cfg, writer, hook, logger, opts)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Logs go to stderr, stdout carries the command line
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	explicit := configPath != ""
	if !explicit {
		configPath = config.DefaultPath
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.LoadOrDefault(configPath, explicit)
	if err != nil {
		return nil, err
	}
	if err := cfg.SetRoot(rootDir); err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"root", cfg.Root,
		"vendor_dir", cfg.VendorDir(),
		"admin_dir", cfg.AdminDir(),
		"removal_dir", cfg.RemovalDir(),
		"state_dir", cfg.Paths.StateDir)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
