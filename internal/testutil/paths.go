package testutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
)

var (
	rootOnce sync.Once
	rootDir  string
	rootErr  error
)

// ProjectRoot returns the module root, the first directory above this
// package that holds both go.mod and testdata.
func ProjectRoot() (string, error) {
	rootOnce.Do(func() {
		_, self, _, ok := runtime.Caller(0)
		if !ok {
			rootErr = errors.New("cannot locate testutil sources")
			return
		}
		rootDir, rootErr = moduleRootAbove(filepath.Dir(self))
	})
	return rootDir, rootErr
}

func moduleRootAbove(dir string) (string, error) {
	for start := dir; ; {
		if isFile(filepath.Join(dir, "go.mod")) && isDir(filepath.Join(dir, "testdata")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no module root with testdata above %s", start)
		}
		dir = parent
	}
}

func isFile(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}

func isDir(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.IsDir()
}

// Fixture returns the path of a fixture below the project's testdata
// directory and fails the test if it does not exist.
func Fixture(t testing.TB, elem ...string) string {
	t.Helper()

	root, err := ProjectRoot()
	if err != nil {
		t.Fatalf("failed to find project root: %v", err)
	}

	path := filepath.Join(append([]string{root, "testdata"}, elem...)...)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("fixture %s: %v", path, err)
	}
	return path
}
