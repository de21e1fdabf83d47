package cmdline

import (
	"bytes"
	"os"
	"strings"
)

// Normalize turns raw fragment bytes into a single line. Lines whose first
// non-whitespace byte is '#' are dropped entirely, every remaining run of
// whitespace becomes one space and the result is trimmed.
func Normalize(data []byte) string {
	var words []string
	for _, line := range bytes.Split(data, []byte("\n")) {
		trimmed := bytes.TrimLeft(line, whitespace)
		if len(trimmed) > 0 && trimmed[0] == '#' {
			continue
		}
		for _, w := range bytes.FieldsFunc(line, isSpace) {
			words = append(words, string(w))
		}
	}
	return strings.Join(words, " ")
}

// NormalizeFile reads and normalizes a single fragment file
func NormalizeFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", ioError("read", path, err)
	}
	return Normalize(data), nil
}

const whitespace = " \t\n\v\f\r"

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
