package util

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransientDBError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"locked", errors.New("database is locked"), true},
		{"bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{"reset", errors.New("read tcp: connection reset by peer"), true},
		{"constraint", errors.New("UNIQUE constraint failed: rcfile.id"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsTransientDBError(tt.err))
		})
	}
}

func TestRetryWithResultRetriesTransient(t *testing.T) {
	t.Parallel()

	attempts := 0
	got, err := RetryWithResult(context.Background(), func() (int64, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("database is locked")
		}
		return 42, nil
	}, DatabaseRetryOptions(context.Background())...)

	require.NoError(t, err)
	assert.Equal(t, int64(42), got)
	assert.Equal(t, 2, attempts)
}

type permanentErr struct{ msg string }

func (e *permanentErr) Error() string { return e.msg }

func TestRetryWithResultStopsOnPermanent(t *testing.T) {
	t.Parallel()

	attempts := 0
	_, err := RetryWithResult(context.Background(), func() (int64, error) {
		attempts++
		return 0, &permanentErr{msg: "no such table: rcfile"}
	}, DatabaseRetryOptions(context.Background())...)

	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	var perm *permanentErr
	assert.True(t, errors.As(err, &perm), "last error should be returned unwrapped")
}
