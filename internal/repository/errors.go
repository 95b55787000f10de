// Package repository defines error types that are reused across the
// persistence layer. These sentinel values allow higher layers such as
// the activation gate to distinguish between different failure scenarios
// without inspecting driver errors.
package repository

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when no row matches the lookup key.
var ErrNotFound = errors.New("not found")

// ErrCodeDisabled is returned by Consume when the code exists but is
// switched off, including when a concurrent consumer switched it off first.
var ErrCodeDisabled = errors.New("activation code disabled")

// ErrCodeNotYetActive is returned by Consume when the code is on but its
// activate_at lies after the supplied server time.
var ErrCodeNotYetActive = errors.New("activation code not yet active")

// ErrConflict is returned when a write keeps losing a unique-key race.
var ErrConflict = errors.New("conflict")

// isDuplicate reports whether err is a unique-key violation from either
// supported driver.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
