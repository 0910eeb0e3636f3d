//go:build !linux

package watch

import (
	"errors"

	"github.com/wvuRc2/rc2compute/internal/common"
)

func newInotifyBackend() (Backend, error) {
	return nil, &common.WatchError{Err: errors.New("inotify is only available on linux")}
}
