package storage

import (
	"errors"

	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/wvuRc2/rc2compute/internal/common"
)

// dbError wraps err as a *common.DatabaseError carrying the driver message.
func (g *Gateway) dbError(op string, fileID int64, err error) error {
	if err == nil {
		return nil
	}
	var dbErr *common.DatabaseError
	if errors.As(err, &dbErr) {
		return err
	}
	return &common.DatabaseError{Op: op, FileID: fileID, Msg: driverMessage(err), Err: err}
}

// driverMessage prefers the server's primary message over the full error text.
func driverMessage(err error) string {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		if msg := pgErr.Field('M'); msg != "" {
			return msg
		}
	}
	return err.Error()
}
