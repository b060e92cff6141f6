package security

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFileName(t *testing.T) {
	valid := []string{"SFC_Report_20260301_101500.pdf", "a.json", "report-1.html"}
	for _, name := range valid {
		assert.NoError(t, ValidateFileName(name), name)
	}
	invalid := []string{"", ".", "..", "../x.pdf", "a/b.pdf", `a\b.pdf`, ".env", "x..pdf"}
	for _, name := range invalid {
		err := ValidateFileName(name)
		assert.True(t, errors.Is(err, ErrPathTraversal), "%q: %v", name, err)
	}
}

func TestValidatePathWithinDirectory(t *testing.T) {
	tmp := t.TempDir()
	safe := filepath.Join(tmp, "reports")
	outside := filepath.Join(tmp, "outside")
	require.NoError(t, os.MkdirAll(safe, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(safe, "r.pdf"), []byte("%PDF"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(safe, "link")))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"existing file", filepath.Join(safe, "r.pdf"), false},
		{"new file", filepath.Join(safe, "new.pdf"), false},
		{"new file in new subdir", filepath.Join(safe, "a", "b.pdf"), false},
		{"parent reference", filepath.Join(safe, "..", "outside", "x"), true},
		{"sibling directory", filepath.Join(outside, "x"), true},
		{"through symlink", filepath.Join(safe, "link", "secret"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, safe)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrPathTraversal), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.Error(t, ValidatePathWithinDirectory(filepath.Join(tmp, "x"), filepath.Join(tmp, "missing")))
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"":                   "unknown",
		"sfc.db":             "sfc.db",
		"main campus / gate": "main_campus_gate",
		"__x__":              "x",
		"../../etc/passwd":   "etc_passwd",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFilename(in), in)
	}
	long := SanitizeFilename(strings.Repeat("a", 80))
	assert.Len(t, long, 64)
}
