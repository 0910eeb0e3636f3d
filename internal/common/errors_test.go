package common

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDefinitions(t *testing.T) {
	t.Parallel()

	errs := []error{
		ErrNotFound,
		ErrExists,
		ErrInvalidPath,
		ErrInvalidHandle,
		ErrNoValue,
		ErrWatchNotFound,
		ErrClosed,
		ErrIO,
	}

	t.Run("all errors are non-nil", func(t *testing.T) {
		t.Parallel()
		for i, err := range errs {
			require.NotNil(t, err, "error at index %d should not be nil", i)
		}
	})

	t.Run("all error messages are unique", func(t *testing.T) {
		t.Parallel()
		seen := make(map[string]bool)
		for _, err := range errs {
			msg := err.Error()
			assert.False(t, seen[msg], "duplicate error message: %s", msg)
			seen[msg] = true
		}
	})
}

func TestIOError(t *testing.T) {
	t.Parallel()

	err := &IOError{Op: "read", Path: "/tmp/x.R", Err: os.ErrPermission}
	assert.Equal(t, "read /tmp/x.R: permission denied", err.Error())
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, os.ErrPermission)

	wrapped := fmt.Errorf("update: %w", err)
	var ioErr *IOError
	require.True(t, errors.As(wrapped, &ioErr))
	assert.Equal(t, "/tmp/x.R", ioErr.Path)
}

func TestDatabaseErrorMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *DatabaseError
		want string
	}{
		{"with file", &DatabaseError{Op: "update", FileID: 5, Msg: "content rejected"}, "failed to update file 5: content rejected"},
		{"without file", &DatabaseError{Op: "load files", Msg: "no such table: rcfile"}, "failed to load files: no such table: rcfile"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestStatErrorUnwraps(t *testing.T) {
	t.Parallel()

	err := &StatError{Path: "/work/gone.R", Err: os.ErrNotExist}
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "/work/gone.R")
}

func TestDecodeError(t *testing.T) {
	t.Parallel()

	err := &DecodeError{Payload: "x", Reason: "payload too short"}
	assert.Equal(t, `failed to parse db notification "x": payload too short`, err.Error())
}
