// Package boxid validates and normalizes caller-supplied box identifiers.
package boxid

import (
	"fmt"
	"regexp"
)

// ID is a caller-supplied box identifier: a small integer or short string
// that is safe to use as a single path component.
type ID string

var safePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Parse validates that s is filesystem-safe (§3 Box) and returns it as an
// ID. It rejects empty strings, path separators, and "." / ".." components
// that could otherwise be used to escape the state root.
func Parse(s string) (ID, error) {
	if s == "" {
		return "", fmt.Errorf("box id must not be empty")
	}
	if s == "." || s == ".." {
		return "", fmt.Errorf("invalid box id: %q", s)
	}
	if !safePattern.MatchString(s) {
		return "", fmt.Errorf("box id %q is not filesystem-safe (allowed: A-Za-z0-9_- max 64 chars)", s)
	}
	return ID(s), nil
}

func (id ID) String() string {
	return string(id)
}
