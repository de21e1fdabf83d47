package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/kcmdline/internal/bootloader"
	"github.com/schaermu/kcmdline/internal/cmdline"
	"github.com/schaermu/kcmdline/internal/config"
)

// ErrEmptyCmdline is returned when the resolved command line is empty and
// the configuration does not allow writing it.
var ErrEmptyCmdline = errors.New("resolved kernel command line is empty")

// Hook runs after a changed command line has been written
type Hook interface {
	Run(ctx context.Context, cmdline string) error
}

// Options tune a single engine
type Options struct {
	DryRun bool
	Force  bool // write even if the command line is unchanged
}

// Engine orchestrates resolution and hand-off of the kernel command line
type Engine struct {
	cfg    *config.Config
	writer bootloader.Writer
	hook   Hook
	logger *slog.Logger
	opts   Options
}

// NewEngine creates a new engine; hook may be nil
func NewEngine(cfg *config.Config, writer bootloader.Writer, hook Hook, logger *slog.Logger, opts Options) *Engine {
	return &Engine{
		cfg:    cfg,
		writer: writer,
		hook:   hook,
		logger: logger,
		opts:   opts,
	}
}

// Resolve computes the final command line without writing anything
func (e *Engine) Resolve() (*Result, error) {
	return Resolve(e.cfg, true)
}

// Resolve merges both layers and the legacy file of cfg and, when
// withRemovals is set, applies the removal specs.
func Resolve(cfg *config.Config, withRemovals bool) (*Result, error) {
	set, err := cmdline.Resolve(cfg.VendorDir(), cfg.AdminDir(), cfg.ScanOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve fragments: %w", err)
	}

	res := &Result{
		Merged:    cmdline.Merge(set),
		Fragments: fragmentStates(set),
	}

	if legacy := cfg.LegacyFile(); legacy != "" {
		res.Legacy, err = cmdline.ReadLegacy(legacy)
		if err != nil {
			return nil, fmt.Errorf("failed to read legacy command line: %w", err)
		}
		res.Merged = cmdline.Join(res.Merged, res.Legacy)
	}

	res.Cmdline = res.Merged
	if withRemovals {
		specs, err := cmdline.ReadRemovalSpecs(cfg.RemovalDir())
		if err != nil {
			return nil, fmt.Errorf("failed to read removal specs: %w", err)
		}
		res.Cmdline, res.Removed = cmdline.Filter(res.Merged, specs)
	}

	res.Hash = dataHash([]byte(res.Cmdline))
	return res, nil
}

// Run executes the complete update: resolve, compare with the recorded
// state, write, record and run the hook.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.logger.Info("resolving kernel command line",
		"vendor_dir", e.cfg.VendorDir(),
		"admin_dir", e.cfg.AdminDir(),
		"removal_dir", e.cfg.RemovalDir(),
		"dry_run", e.opts.DryRun)

	res, err := e.Resolve()
	if err != nil {
		return nil, err
	}

	e.logger.Info("resolved command line",
		"fragments", len(res.Fragments),
		"removed", len(res.Removed),
		"cmdline", res.Cmdline)

	if res.Cmdline == "" && !e.cfg.AllowEmpty() {
		return res, ErrEmptyCmdline
	}

	// Load previous state
	prevState, err := e.loadState()
	if err != nil {
		e.logger.Warn("failed to load previous state (will treat as fresh run)", "error", err)
		prevState = &State{}
	}
	res.Changed = prevState.Hash != res.Hash

	// check for dry-run mode
	if e.opts.DryRun {
		e.logPlanDetails(res)
		e.logger.Info("dry-run complete, no changes applied")
		return res, nil
	}

	if !res.Changed && !e.opts.Force && e.outputExists() {
		e.logger.Info("command line unchanged, nothing to do")
		return res, nil
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	if err := e.writer.WriteCmdline(ctx, res.Cmdline); err != nil {
		return res, fmt.Errorf("failed to write command line: %w", err)
	}
	res.Written = true

	// state is recorded only after the hook succeeded
	if e.hook != nil {
		if err := e.hook.Run(ctx, res.Cmdline); err != nil {
			return res, fmt.Errorf("failed to run hook: %w", err)
		}
	}

	// Ensure state directory exists
	if err := os.MkdirAll(e.cfg.Paths.StateDir, 0755); err != nil {
		return res, fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := e.saveState(buildState(res)); err != nil {
		return res, fmt.Errorf("failed to save state: %w", err)
	}

	e.logger.Info("command line updated successfully", "hash", res.Hash)
	return res, nil
}

// outputExists reports whether the writer already holds a command line.
// Writers that cannot tell are treated as empty.
func (e *Engine) outputExists() bool {
	checker, ok := e.writer.(interface{ Exists() bool })
	return ok && checker.Exists()
}

// logPlanDetails logs detailed resolution information for dry-run
func (e *Engine) logPlanDetails(res *Result) {
	for _, f := range res.Fragments {
		e.logger.Info("[dry-run] fragment",
			"path", f.Path,
			"layer", f.Layer,
			"source", f.Source,
			"masked", f.Masked)
	}
	if res.Legacy != "" {
		e.logger.Info("[dry-run] legacy command line", "text", res.Legacy)
	}
	for _, token := range res.Removed {
		e.logger.Info("[dry-run] would remove", "token", token)
	}
	e.logger.Info("[dry-run] would write", "cmdline", res.Cmdline, "changed", res.Changed)
}

func fragmentStates(set cmdline.ResolvedSet) []FragmentState {
	states := make([]FragmentState, 0, len(set))
	for _, f := range set {
		states = append(states, FragmentState{
			Path:   f.RelPath,
			Layer:  f.Layer.String(),
			Source: f.Source,
			Hash:   dataHash(f.Data),
			Masked: f.Masked,
		})
	}
	return states
}

func buildState(res *Result) *State {
	return &State{
		Hash:      res.Hash,
		Cmdline:   res.Cmdline,
		Fragments: res.Fragments,
		Removed:   res.Removed,
	}
}

// loadState loads the previous state from disk
func (e *Engine) loadState() (*State, error) {
	data, err := os.ReadFile(e.cfg.StateFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}

	return &state, nil
}

// saveState persists the state to disk
func (e *Engine) saveState(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp := e.cfg.StateFilePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Clean(e.cfg.StateFilePath()))
}

// dataHash computes the SHA256 hash of data
func dataHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
