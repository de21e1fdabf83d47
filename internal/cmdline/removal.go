package cmdline

import (
	"os"
	"path/filepath"
	"strings"
)

// RemovalSpec lists command line tokens to strip, in file order
type RemovalSpec struct {
	Path   string
	Tokens []string
}

// ReadRemovalSpecs loads every removal spec file directly inside dir,
// ordered by file name. A missing dir yields nil; an existing dir always
// yields a non-nil slice, even when it holds no specs.
func ReadRemovalSpecs(dir string) ([]RemovalSpec, error) {
	ok, err := dirExists(dir)
	if err != nil || !ok {
		return nil, err
	}

	// ReadDir returns entries sorted by file name
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, ioError("list", dir, err)
	}

	specs := []RemovalSpec{}
	for _, entry := range entries {
		if IgnoredName(entry.Name()) {
			continue
		}
		spec, ok, err := readRemovalSpec(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if ok {
			specs = append(specs, spec)
		}
	}

	return specs, nil
}

// readRemovalSpec loads one entry of a removal directory. Entries that are
// not regular files are reported with ok == false.
func readRemovalSpec(path string) (RemovalSpec, bool, error) {
	st, err := os.Stat(path)
	if err != nil {
		return RemovalSpec{}, false, ioError("stat", path, err)
	}
	if !st.Mode().IsRegular() {
		return RemovalSpec{}, false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return RemovalSpec{}, false, ioError("read", path, err)
	}
	return RemovalSpec{
		Path:   path,
		Tokens: strings.Fields(string(data)),
	}, true, nil
}

// ApplyRemovals strips the tokens listed by the removal specs in dir from
// target. A missing dir leaves target untouched.
func ApplyRemovals(dir, target string) (string, error) {
	specs, err := ReadRemovalSpecs(dir)
	if err != nil {
		return "", err
	}
	result, _ := Filter(target, specs)
	return result, nil
}

// Filter applies specs as read by ReadRemovalSpecs. Nil specs mean there
// is no removal directory and target is returned as is.
func Filter(target string, specs []RemovalSpec) (string, []string) {
	if specs == nil {
		return target, nil
	}
	return ApplySpecs(target, specs)
}

// ApplySpecs folds every token of every spec over target, in order, and
// returns the result along with the tokens that were actually removed.
// Trailing line terminators of target are dropped first.
func ApplySpecs(target string, specs []RemovalSpec) (string, []string) {
	result := strings.TrimRight(target, "\r\n")

	var removed []string
	for _, spec := range specs {
		for _, token := range spec.Tokens {
			var ok bool
			if result, ok = RemoveToken(result, token); ok {
				removed = append(removed, token)
			}
		}
	}
	return result, removed
}

// RemoveToken deletes the first whole-token occurrence of token from target.
// The whitespace byte following the token goes with it; a token ending the
// string is removed alone, leaving any preceding separator in place.
func RemoveToken(target, token string) (string, bool) {
	if token == "" {
		return target, false
	}

	for from := 0; from+len(token) <= len(target); {
		i := strings.Index(target[from:], token)
		if i < 0 {
			break
		}
		start := from + i
		end := start + len(token)

		if (start == 0 || isSpaceByte(target[start-1])) &&
			(end == len(target) || isSpaceByte(target[end])) {
			if end < len(target) {
				end++
			}
			return target[:start] + target[end:], true
		}
		from = start + 1
	}

	return target, false
}

func isSpaceByte(b byte) bool {
	return strings.IndexByte(whitespace, b) >= 0
}
