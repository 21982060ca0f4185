package conn

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"

	mssql "github.com/microsoft/go-mssqldb"
)

// SQL Server error numbers worth a reconnect and retry.
var transientNumbers = map[int32]bool{
	-2:    true, // client timeout
	20:    true, // instance does not support encryption
	64:    true, // connection dropped during login
	233:   true, // no process on the other end of the pipe
	1205:  true, // deadlock victim
	4060:  true, // cannot open database
	4221:  true, // login to read-secondary failed
	10053: true,
	10054: true,
	10060: true,
	10928: true, // resource limit
	10929: true,
	40143: true,
	40197: true, // service error processing request
	40501: true, // service busy
	40613: true, // database unavailable
	49918: true,
	49919: true,
	49920: true,
}

// IsTransient reports whether err is a driver-level failure that a fresh
// connection may not hit again.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		for _, e := range append([]mssql.Error{sqlErr}, sqlErr.All...) {
			if transientNumbers[e.Number] {
				return true
			}
		}
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
