package helper

import (
	"fmt"
	"path/filepath"
)

// FilePathWithSharding returns the path of fn nested under two directory
// levels: its first character, then its first two characters.
func FilePathWithSharding(fn string) (string, error) {
	if len(fn) < 3 {
		return "", fmt.Errorf("filename %q is less than 3 characters long", fn)
	}

	return filepath.Join(fn[:1], fn[:2], fn), nil
}

// NarInfoFilePath returns the path of the narinfo file given a hash.
func NarInfoFilePath(hash string) string {
	return hash + ".narinfo"
}

// NarFilePath returns the path of the nar file given a hash and an optional compression.
func NarFilePath(hash, compression string) string {
	fn := hash + ".nar"
	if compression != "" {
		fn += "." + compression
	}

	return fn
}
