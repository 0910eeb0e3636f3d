package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildIgnoreFilter(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".syncignore"), []byte("*.swp\n# comment\ncache/\n"), 0o644))

	ignored := BuildIgnoreFilter(dir, ".syncignore", []string{"scratch.R", "*.log"})

	tests := []struct {
		name  string
		isDir bool
		want  bool
	}{
		{LockFileName, false, true},
		{"scratch.R", false, true},
		{"run.log", false, true},
		{".analysis.R.swp", false, true},
		{"cache", true, true},
		{"analysis.R", false, false},
		{"data.csv", false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ignored(tt.name, tt.isDir), tt.name)
	}
}

func TestBuildIgnoreFilterWithoutFile(t *testing.T) {
	t.Parallel()

	ignored := BuildIgnoreFilter(t.TempDir(), ".syncignore", nil)
	assert.False(t, ignored("analysis.R", false))
	assert.True(t, ignored(LockFileName, false))
}
