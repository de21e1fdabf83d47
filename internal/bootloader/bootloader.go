package bootloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Writer hands a resolved kernel command line to the bootloader side
type Writer interface {
	// WriteCmdline persists or embeds the command line
	WriteCmdline(ctx context.Context, cmdline string) error
}

// FileWriter writes the command line to a file with an atomic rename,
// or to Stdout when Path is empty.
type FileWriter struct {
	Path   string
	Stdout io.Writer
}

// NewFileWriter creates a writer for path; an empty path writes to stdout
func NewFileWriter(path string) *FileWriter {
	return &FileWriter{Path: path, Stdout: os.Stdout}
}

// WriteCmdline writes cmdline followed by a newline
func (w *FileWriter) WriteCmdline(_ context.Context, cmdline string) error {
	if w.Path == "" {
		out := w.Stdout
		if out == nil {
			out = os.Stdout
		}
		_, err := fmt.Fprintln(out, cmdline)
		return err
	}
	return writeFileAtomic(w.Path, []byte(cmdline+"\n"), 0644)
}

// Exists reports whether the output file is already present.
// Stdout output never exists.
func (w *FileWriter) Exists() bool {
	if w.Path == "" {
		return false
	}
	_, err := os.Stat(w.Path)
	return err == nil
}

// writeFileAtomic writes data next to dst and renames it into place
func writeFileAtomic(dst string, data []byte, perm os.FileMode) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".kcmdline-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// Hook runs an external command after the command line changed, e.g. the
// bootloader config generator. The command line is passed on stdin and in
// the KCMDLINE environment variable.
type Hook struct {
	Args   []string
	logger *slog.Logger
}

// NewHook creates a hook for the given argv; nil when args is empty
func NewHook(args []string, logger *slog.Logger) *Hook {
	if len(args) == 0 {
		return nil
	}
	return &Hook{Args: args, logger: logger}
}

// Run executes the hook command
func (h *Hook) Run(ctx context.Context, cmdline string) error {
	if h == nil || len(h.Args) == 0 {
		return nil
	}

	cmd := exec.CommandContext(ctx, h.Args[0], h.Args[1:]...)
	cmd.Stdin = strings.NewReader(cmdline + "\n")
	cmd.Env = append(os.Environ(), "KCMDLINE="+cmdline)

	if h.logger != nil {
		h.logger.Info("running hook", "command", strings.Join(h.Args, " "))
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("hook %s failed: %w: %s", h.Args[0], err, strings.TrimSpace(string(output)))
	}
	if h.logger != nil && len(output) > 0 {
		h.logger.Debug("hook output", "output", strings.TrimSpace(string(output)))
	}
	return nil
}
