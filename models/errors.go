package models

import (
	"errors"
	"strings"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrInvalidTransition      = errors.New("invalid order status transition")
	ErrOrderNotFound          = errors.New("order not found")
	ErrLogAppendAfterComplete = errors.New("log is already complete")
)

// isDuplicateKeyErr covers gorm's translated error as well as raw driver errors
// for connections opened without TranslateError.
func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isLockConflictErr reports errors a concurrent writer can cause on an
// otherwise valid write. Retrying the transaction resolves them.
func isLockConflictErr(err error) bool {
	if err == nil {
		return false
	}
	if isDuplicateKeyErr(err) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		// 1213 deadlock, 1205 lock wait timeout
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
