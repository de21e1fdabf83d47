package cmdline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ScanOptions controls how a layer directory is listed
type ScanOptions struct {
	// Recursive descends into subdirectories; otherwise only direct
	// children of the layer directory are fragments.
	Recursive bool
}

// ScanLayer lists the fragments found under dir. A missing dir yields an
// empty result. The result is in walk order; callers sort.
func ScanLayer(dir string, layer Layer, opts ScanOptions) ([]Fragment, error) {
	ok, err := dirExists(dir)
	if err != nil || !ok {
		return nil, err
	}

	// Walk does not descend through a symlinked root
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, ioError("resolve", dir, err)
	}

	var fragments []Fragment

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return ioError("scan", path, err)
		}
		if path == root {
			return nil
		}

		if IgnoredName(info.Name()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.IsDir() {
			if opts.Recursive {
				return nil
			}
			return filepath.SkipDir
		}

		frag, ok, err := readFragment(root, path, info, layer)
		if err != nil {
			return err
		}
		if ok {
			fragments = append(fragments, frag)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return fragments, nil
}

// IgnoredName reports whether a directory entry is never treated as a
// fragment or removal spec: hidden entries and editor backups.
func IgnoredName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~")
}

// readFragment loads one directory entry. Entries that are neither regular
// files nor masks are reported with ok == false.
func readFragment(dir, path string, info os.FileInfo, layer Layer) (Fragment, bool, error) {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return Fragment{}, false, fmt.Errorf("failed to compute relative path: %w", err)
	}

	frag := Fragment{
		RelPath: filepath.ToSlash(rel),
		Layer:   layer,
		Source:  path,
	}

	mode := info.Mode()
	if mode&os.ModeSymlink != 0 {
		target, err := filepath.EvalSymlinks(path)
		if err != nil {
			return Fragment{}, false, ioError("resolve", path, err)
		}
		if target == os.DevNull {
			frag.Masked = true
			return frag, true, nil
		}
		st, err := os.Stat(target)
		if err != nil {
			return Fragment{}, false, ioError("stat", target, err)
		}
		mode = st.Mode()
	}

	if !mode.IsRegular() {
		return Fragment{}, false, nil
	}

	frag.Data, err = os.ReadFile(path)
	if err != nil {
		return Fragment{}, false, ioError("read", path, err)
	}
	return frag, true, nil
}

// dirExists distinguishes an absent layer from one that cannot be inspected
func dirExists(dir string) (bool, error) {
	st, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, ioError("stat", dir, err)
	}
	if !st.IsDir() {
		return false, ioError("scan", dir, fmt.Errorf("not a directory"))
	}
	return true, nil
}
