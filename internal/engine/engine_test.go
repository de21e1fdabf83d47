package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/schaermu/kcmdline/internal/cmdline"
	"github.com/schaermu/kcmdline/internal/config"
)

// mockWriter implements bootloader.Writer for testing.
type mockWriter struct {
	written []string
	exists  bool
	err     error
}

func (m *mockWriter) WriteCmdline(_ context.Context, cmdline string) error {
	if m.err != nil {
		return m.err
	}
	m.written = append(m.written, cmdline)
	m.exists = true
	return nil
}

func (m *mockWriter) Exists() bool {
	return m.exists
}

// mockHook implements Hook for testing.
type mockHook struct {
	calls []string
	err   error
}

func (m *mockHook) Run(_ context.Context, cmdline string) error {
	m.calls = append(m.calls, cmdline)
	return m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Root = t.TempDir()
	cfg.Paths.StateDir = filepath.Join(t.TempDir(), "state")
	return cfg
}

func TestResolve(t *testing.T) {
	cfg := testConfig(t)
	writeTree(t, cfg.Root, map[string]string{
		"usr/share/kernel/cmdline.d/10-base.conf":    "quiet splash\n",
		"usr/share/kernel/cmdline.d/20-console.conf": "console=tty0\n",
		"etc/kernel/cmdline.d/20-console.conf":       "console=ttyS0,115200\n",
		"etc/kernel/cmdline":                         "# legacy\nrw\n",
		"etc/kernel/cmdline-removal.d/no-splash":     "splash\n",
	})

	res, err := Resolve(cfg, true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if res.Merged != "quiet splash console=ttyS0,115200 rw" {
		t.Errorf("Merged = %q", res.Merged)
	}
	if res.Cmdline != "quiet console=ttyS0,115200 rw" {
		t.Errorf("Cmdline = %q", res.Cmdline)
	}
	if res.Legacy != "rw" {
		t.Errorf("Legacy = %q, want %q", res.Legacy, "rw")
	}
	if len(res.Removed) != 1 || res.Removed[0] != "splash" {
		t.Errorf("Removed = %v, want [splash]", res.Removed)
	}
	if len(res.Fragments) != 2 || res.Fragments[1].Layer != "admin" {
		t.Errorf("unexpected fragments %+v", res.Fragments)
	}

	noRemovals, err := Resolve(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	if noRemovals.Cmdline != noRemovals.Merged {
		t.Errorf("Resolve without removals changed the command line: %q", noRemovals.Cmdline)
	}
}

func TestResolve_LegacyDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Paths.LegacyFile = "none"
	writeTree(t, cfg.Root, map[string]string{
		"usr/share/kernel/cmdline.d/base": "quiet\n",
		"etc/kernel/cmdline":              "rw\n",
	})

	res, err := Resolve(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Cmdline != "quiet" {
		t.Errorf("Cmdline = %q, want %q", res.Cmdline, "quiet")
	}
}

func TestResolve_IOErrorPropagates(t *testing.T) {
	cfg := testConfig(t)
	writeTree(t, cfg.Root, map[string]string{
		// the admin layer is a file, not a directory
		"etc/kernel/cmdline.d": "oops",
	})

	_, err := Resolve(cfg, true)
	var ioErr *cmdline.IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected *cmdline.IOError, got %v", err)
	}
}

func TestRun_WritesAndRecordsState(t *testing.T) {
	cfg := testConfig(t)
	writeTree(t, cfg.Root, map[string]string{
		"usr/share/kernel/cmdline.d/base": "quiet rw\n",
	})

	writer := &mockWriter{}
	hook := &mockHook{}
	engine := NewEngine(cfg, writer, hook, testLogger(), Options{})

	res, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Written || !res.Changed {
		t.Errorf("expected written and changed, got %+v", res)
	}
	if len(writer.written) != 1 || writer.written[0] != "quiet rw" {
		t.Errorf("writer got %v", writer.written)
	}
	if len(hook.calls) != 1 {
		t.Errorf("expected hook to run once, ran %d times", len(hook.calls))
	}

	data, err := os.ReadFile(cfg.StateFilePath())
	if err != nil {
		t.Fatalf("state file not written: %v", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatal(err)
	}
	if state.Cmdline != "quiet rw" || state.Hash != res.Hash {
		t.Errorf("unexpected state %+v", state)
	}
	if len(state.Fragments) != 1 || state.Fragments[0].Path != "base" {
		t.Errorf("unexpected state fragments %+v", state.Fragments)
	}
}

func TestRun_UnchangedSkipsWrite(t *testing.T) {
	cfg := testConfig(t)
	writeTree(t, cfg.Root, map[string]string{
		"usr/share/kernel/cmdline.d/base": "quiet\n",
	})

	writer := &mockWriter{}
	hook := &mockHook{}

	if _, err := NewEngine(cfg, writer, hook, testLogger(), Options{}).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, err := NewEngine(cfg, writer, hook, testLogger(), Options{}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed || res.Written {
		t.Errorf("second run should be a no-op, got %+v", res)
	}
	if len(writer.written) != 1 || len(hook.calls) != 1 {
		t.Errorf("expected a single write and hook call, got %d and %d", len(writer.written), len(hook.calls))
	}

	// Force rewrites even though nothing changed
	res, err = NewEngine(cfg, writer, hook, testLogger(), Options{Force: true}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Written || len(writer.written) != 2 {
		t.Errorf("forced run should write, got %+v", res)
	}
}

func TestRun_MissingOutputIsRewritten(t *testing.T) {
	cfg := testConfig(t)
	writeTree(t, cfg.Root, map[string]string{
		"usr/share/kernel/cmdline.d/base": "quiet\n",
	})

	writer := &mockWriter{}
	if _, err := NewEngine(cfg, writer, nil, testLogger(), Options{}).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Output vanished while state still records the same hash
	writer.exists = false
	res, err := NewEngine(cfg, writer, nil, testLogger(), Options{}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Written {
		t.Error("expected rewrite when output is missing")
	}
}

func TestRun_DryRun(t *testing.T) {
	cfg := testConfig(t)
	writeTree(t, cfg.Root, map[string]string{
		"usr/share/kernel/cmdline.d/base":   "quiet splash\n",
		"etc/kernel/cmdline-removal.d/drop": "splash\n",
	})

	writer := &mockWriter{}
	hook := &mockHook{}
	res, err := NewEngine(cfg, writer, hook, testLogger(), Options{DryRun: true}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Written || len(writer.written) != 0 || len(hook.calls) != 0 {
		t.Error("dry-run must not write or run hooks")
	}
	if res.Cmdline != "quiet " {
		t.Errorf("Cmdline = %q, want %q", res.Cmdline, "quiet ")
	}
	if _, err := os.Stat(cfg.StateFilePath()); !os.IsNotExist(err) {
		t.Error("dry-run must not write state")
	}
}

func TestRun_EmptyCmdline(t *testing.T) {
	cfg := testConfig(t)

	// allowed by default
	writer := &mockWriter{}
	res, err := NewEngine(cfg, writer, nil, testLogger(), Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("empty command line should be allowed by default: %v", err)
	}
	if !res.Written || writer.written[0] != "" {
		t.Errorf("expected empty command line to be written, got %+v", res)
	}

	deny := false
	cfg.Output.AllowEmpty = &deny
	writer = &mockWriter{}
	_, err = NewEngine(cfg, writer, nil, testLogger(), Options{Force: true}).Run(context.Background())
	if !errors.Is(err, ErrEmptyCmdline) {
		t.Fatalf("expected ErrEmptyCmdline, got %v", err)
	}
	if len(writer.written) != 0 {
		t.Error("empty command line must not be written when disallowed")
	}
}

func TestRun_IOErrorWritesNothing(t *testing.T) {
	cfg := testConfig(t)
	writeTree(t, cfg.Root, map[string]string{
		"usr/share/kernel/cmdline.d/base": "quiet\n",
		"etc/kernel/cmdline-removal.d":    "not a directory",
	})

	writer := &mockWriter{}
	hook := &mockHook{}
	_, err := NewEngine(cfg, writer, hook, testLogger(), Options{}).Run(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if len(writer.written) != 0 || len(hook.calls) != 0 {
		t.Error("nothing may be written after an I/O failure")
	}
	if _, err := os.Stat(cfg.StateFilePath()); !os.IsNotExist(err) {
		t.Error("state must not be written after an I/O failure")
	}
}

func TestRun_WriterError(t *testing.T) {
	cfg := testConfig(t)
	writer := &mockWriter{err: errors.New("disk full")}
	hook := &mockHook{}

	_, err := NewEngine(cfg, writer, hook, testLogger(), Options{}).Run(context.Background())
	if err == nil {
		t.Fatal("expected writer error, got nil")
	}
	if len(hook.calls) != 0 {
		t.Error("hook must not run when the write failed")
	}
}

func TestRun_HookError(t *testing.T) {
	cfg := testConfig(t)
	hook := &mockHook{err: errors.New("boom")}

	res, err := NewEngine(cfg, &mockWriter{}, hook, testLogger(), Options{}).Run(context.Background())
	if err == nil {
		t.Fatal("expected hook error, got nil")
	}
	if res == nil || !res.Written {
		t.Error("command line should have been written before the hook ran")
	}
	if _, err := os.Stat(cfg.StateFilePath()); !os.IsNotExist(err) {
		t.Error("state must not be recorded when the hook failed")
	}

	// The next run retries the hook even though the output is up to date
	hook.err = nil
	writer := &mockWriter{exists: true}
	res, err = NewEngine(cfg, writer, hook, testLogger(), Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if !res.Changed || !res.Written {
		t.Errorf("second run should rewrite after a failed hook, got %+v", res)
	}
	if len(hook.calls) != 2 {
		t.Errorf("hook calls = %d, want 2", len(hook.calls))
	}

	// Once the hook succeeded the run is recorded
	res, err = NewEngine(cfg, writer, hook, testLogger(), Options{}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Written || len(hook.calls) != 2 {
		t.Errorf("third run should be a no-op, written=%v hook calls=%d", res.Written, len(hook.calls))
	}
}

func TestRun_CorruptStateTreatedAsFresh(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.Paths.StateDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.StateFilePath(), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	writer := &mockWriter{exists: true}
	res, err := NewEngine(cfg, writer, nil, testLogger(), Options{}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || !res.Written {
		t.Errorf("corrupt state should force a write, got %+v", res)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	writer := &mockWriter{}
	_, err := NewEngine(cfg, writer, nil, testLogger(), Options{}).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(writer.written) != 0 {
		t.Error("cancelled run must not write")
	}
}

func TestDataHash(t *testing.T) {
	h1 := dataHash([]byte("quiet"))
	h2 := dataHash([]byte("quiet"))
	h3 := dataHash([]byte("quiet "))

	if h1 != h2 {
		t.Errorf("hash mismatch: %s != %s", h1, h2)
	}
	if h1 == h3 {
		t.Error("hash should change when content changes")
	}
}
