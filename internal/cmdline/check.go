package cmdline

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
)

// Sources names every input of one resolution pass
type Sources struct {
	VendorDir  string
	AdminDir   string
	RemovalDir string
	LegacyFile string // optional single-file admin command line
}

// Check reads every input named by src without stopping at the first
// failure and returns all failures combined, or nil.
func Check(src Sources, opts ScanOptions) error {
	var err error
	err = multierr.Append(err, checkTree(src.VendorDir, LayerVendor, opts))
	err = multierr.Append(err, checkTree(src.AdminDir, LayerAdmin, opts))
	err = multierr.Append(err, checkRemovals(src.RemovalDir))
	if src.LegacyFile != "" {
		if _, er := ReadLegacy(src.LegacyFile); er != nil {
			err = multierr.Append(err, er)
		}
	}
	return err
}

// ReadLegacy normalizes the single-file command line at path; a missing
// file contributes nothing.
func ReadLegacy(path string) (string, error) {
	text, err := NormalizeFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return text, nil
}

func checkTree(dir string, layer Layer, opts ScanOptions) error {
	ok, err := dirExists(dir)
	if err != nil || !ok {
		return err
	}
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return ioError("resolve", dir, err)
	}

	var errs error
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			errs = multierr.Append(errs, ioError("scan", path, err))
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
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
		if _, _, er := readFragment(root, path, info, layer); er != nil {
			errs = multierr.Append(errs, er)
		}
		return nil
	})
	return errs
}

// checkRemovals reads every removal spec in dir, collecting all failures
func checkRemovals(dir string) error {
	ok, err := dirExists(dir)
	if err != nil || !ok {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ioError("list", dir, err)
	}

	var errs error
	for _, entry := range entries {
		if IgnoredName(entry.Name()) {
			continue
		}
		if _, _, er := readRemovalSpec(filepath.Join(dir, entry.Name())); er != nil {
			errs = multierr.Append(errs, er)
		}
	}
	return errs
}
