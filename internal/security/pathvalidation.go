// Package security holds path checks for files served or written on
// behalf of a request.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathTraversal reports a path that escapes its directory.
var ErrPathTraversal = errors.New("path traversal")

// ValidateFileName accepts a plain file name: no separators, no parent
// references and not hidden.
func ValidateFileName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return fmt.Errorf("%w: invalid file name %q", ErrPathTraversal, name)
	case strings.ContainsAny(name, `/\`) || strings.Contains(name, ".."):
		return fmt.Errorf("%w: %q is not a plain file name", ErrPathTraversal, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: hidden file %q", ErrPathTraversal, name)
	}
	return nil
}

// ValidatePathWithinDirectory checks that filePath resolves inside
// safeDir on disk, following symlinks. For a path that does not exist
// yet the nearest existing parent is resolved instead.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	absSafe, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("resolve directory: %w", err)
	}
	canonicalSafe, err := filepath.EvalSymlinks(absSafe)
	if err != nil {
		return fmt.Errorf("resolve directory symlinks: %w", err)
	}

	canonical := absPath
	for p := absPath; ; {
		if resolved, err := filepath.EvalSymlinks(p); err == nil {
			rest, _ := filepath.Rel(p, absPath)
			canonical = filepath.Join(resolved, rest)
			break
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}

	rel, err := filepath.Rel(canonicalSafe, canonical)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPathTraversal, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s escapes %s", ErrPathTraversal, filePath, safeDir)
	}
	return nil
}

// SanitizeFilename makes a file name fragment from an arbitrary label.
// Runs of characters other than ASCII letters, digits, dot, underscore
// and dash become one underscore. The result is at most 64 bytes.
func SanitizeFilename(s string) string {
	const maxLen = 64
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
