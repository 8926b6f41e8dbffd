package dbclient

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgconn"
)

func TestLockTimeoutDetection(t *testing.T) {
	var tests = []struct {
		name string
		err  error
		want bool
	}{
		{"lock timeout code", &pgconn.PgError{Code: "55P03"}, true},
		{"wrapped lock timeout", fmt.Errorf("query failed: %w", &pgconn.PgError{Code: "55P03"}), true},
		{"other pg error", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("some failure"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isLockTimeout(tt.err); got != tt.want {
				t.Errorf("isLockTimeout(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestUniqueViolationDetection(t *testing.T) {
	var tests = []struct {
		name string
		err  error
		want bool
	}{
		{"unique violation code", &pgconn.PgError{Code: "23505"}, true},
		{"wrapped unique violation", fmt.Errorf("insert failed: %w", &pgconn.PgError{Code: "23505"}), true},
		{"lock timeout code", &pgconn.PgError{Code: "55P03"}, false},
		{"plain error", errors.New("some failure"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.want {
				t.Errorf("isUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
