package shared

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsSQLiteConflictError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy message", errors.New("database error: SQLITE_BUSY"), true},
		{"locked message", errors.New("database is locked (5)"), true},
		{"wrapped locked", fmt.Errorf("touch session: %w", errors.New("database is locked")), true},
		{"unrelated", errors.New("no such table: sessions"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSQLiteConflictError(tt.err); got != tt.want {
				t.Errorf("IsSQLiteConflictError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsSQLiteBusyError_NotLocked(t *testing.T) {
	err := errors.New("SQLITE_BUSY")
	if !IsSQLiteBusyError(err) {
		t.Error("IsSQLiteBusyError() = false, want true")
	}
	if IsSQLiteLockedError(err) {
		t.Error("IsSQLiteLockedError() = true, want false")
	}
}
