package engine

import (
	"strconv"
	"strings"

	"github.com/wvuRc2/rc2compute/internal/common"
)

// NotifyKind is the leading tag of a change notification payload.
type NotifyKind byte

const (
	NotifyInsert NotifyKind = 'i'
	NotifyUpdate NotifyKind = 'u'
	NotifyDelete NotifyKind = 'd'
)

// Notification is a decoded change notification.
//
// Payload grammar: a one character tag followed by the file id, then for
// inserts and updates "/<workspace id>" and optionally "/<project id>".
// Deletes need only the id. Examples: "i5/1", "u12/3/7", "d5".
type Notification struct {
	Kind        NotifyKind
	FileID      int64
	WorkspaceID int64
	ProjectID   int64
}

// ParseNotification decodes a payload. Any malformed payload yields a *common.DecodeError.
func ParseNotification(payload string) (Notification, error) {
	fail := func(reason string) (Notification, error) {
		return Notification{}, &common.DecodeError{Payload: payload, Reason: reason}
	}
	if len(payload) < 2 {
		return fail("payload too short")
	}

	n := Notification{Kind: NotifyKind(payload[0])}
	fields := strings.Split(payload[1:], "/")

	var err error
	if n.FileID, err = parseID(fields[0]); err != nil {
		return fail("bad file id")
	}

	switch n.Kind {
	case NotifyDelete:
		// anything after the id, such as a workspace, is ignored
	case NotifyInsert, NotifyUpdate:
		if len(fields) < 2 || len(fields) > 3 {
			return fail("expected fileId/workspaceId[/projectId]")
		}
		if n.WorkspaceID, err = parseID(fields[1]); err != nil {
			return fail("bad workspace id")
		}
		if len(fields) == 3 {
			if n.ProjectID, err = parseID(fields[2]); err != nil {
				return fail("bad project id")
			}
		}
	default:
		return fail("unknown tag")
	}
	return n, nil
}

func parseID(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, strconv.ErrRange
	}
	return v, nil
}
