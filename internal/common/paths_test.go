package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"root", "/", ""},
		{"dot", ".", ""},
		{"simple", "foo.R", "foo.R"},
		{"leading_slash", "/foo.R", "foo.R"},
		{"trailing_slash", "shared/", "shared"},
		{"nested", "shared/data.csv", "shared/data.csv"},
		{"dot_prefix", "./foo.R", "foo.R"},
		{"dotdot_middle", "shared/../foo.R", "foo.R"},
		{"double_slash", "shared//data.csv", "shared/data.csv"},
		{"dotdot", "..", ".."},
		{"dotdot_prefix", "../foo", "../foo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizePath(tt.input), "NormalizePath(%q)", tt.input)
		})
	}
}

func TestRecordPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "foo.R", RecordPath("foo.R", false))
	assert.Equal(t, "shared/data.csv", RecordPath("data.csv", true))
	assert.Equal(t, "shared/data.csv", RecordPath("/data.csv", true))
}

func TestIsDotfile(t *testing.T) {
	t.Parallel()

	assert.True(t, IsDotfile(".RData"))
	assert.True(t, IsDotfile("shared/.hidden"))
	assert.False(t, IsDotfile("foo.R"))
	assert.False(t, IsDotfile(".config/foo.R"))
}

func TestResolveInDir(t *testing.T) {
	t.Parallel()

	p, err := ResolveInDir("/work", "foo.R")
	require.NoError(t, err)
	assert.Equal(t, "/work/foo.R", p)

	p, err = ResolveInDir("/work", "shared/data.csv")
	require.NoError(t, err)
	assert.Equal(t, "/work/shared/data.csv", p)

	for _, bad := range []string{"", "..", "../etc/passwd", "shared/../../x"} {
		_, err := ResolveInDir("/work", bad)
		assert.ErrorIs(t, err, ErrInvalidPath, "ResolveInDir(%q)", bad)
	}
}
