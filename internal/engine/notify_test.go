package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wvuRc2/rc2compute/internal/common"
)

func TestParseNotification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		payload string
		want    Notification
	}{
		{"i5/1", Notification{Kind: NotifyInsert, FileID: 5, WorkspaceID: 1}},
		{"i5/1/7", Notification{Kind: NotifyInsert, FileID: 5, WorkspaceID: 1, ProjectID: 7}},
		{"u12/3", Notification{Kind: NotifyUpdate, FileID: 12, WorkspaceID: 3}},
		{"i9/0/7", Notification{Kind: NotifyInsert, FileID: 9, ProjectID: 7}},
		{"d5", Notification{Kind: NotifyDelete, FileID: 5}},
		{"d5/1", Notification{Kind: NotifyDelete, FileID: 5}},
		{"d5/1/7", Notification{Kind: NotifyDelete, FileID: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			t.Parallel()
			got, err := ParseNotification(tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseNotificationRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, payload := range []string{"", "i", "x5/1", "i/1", "iabc/1", "i5", "i5/", "i5/x", "u5/1/2/3", "dx/1", "d-3", "i5/-1"} {
		_, err := ParseNotification(payload)
		var decodeErr *common.DecodeError
		require.True(t, errors.As(err, &decodeErr), "payload %q", payload)
		assert.Equal(t, payload, decodeErr.Payload)
	}
}
