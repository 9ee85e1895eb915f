package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SecureJoin joins elements onto base and fails if the result escapes base.
//
//	dir, err := SecureJoin("/tmp/fuseCache", "alice.4242")
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}
	cleanBase := filepath.Clean(base)
	full := filepath.Join(append([]string{cleanBase}, elements...)...)
	if full != cleanBase && !strings.HasPrefix(full, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory %s", base)
	}
	return full, nil
}

// ProcessDir names the per-process directory "<user>.<pid>" under base.
func ProcessDir(base, user string, pid int) (string, error) {
	if user == "" || strings.ContainsAny(user, `/\`) {
		return "", fmt.Errorf("invalid user name %q", user)
	}
	return SecureJoin(base, fmt.Sprintf("%s.%d", user, pid))
}
