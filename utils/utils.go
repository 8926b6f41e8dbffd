package utils // import "github.com/whisthq/whist/backend/placement-service/utils"

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// MakeError is a utility function to return an error with the format string
// and arguments provided. We use it everywhere instead of fmt.Errorf so that
// error-creation call sites stay grep-able.
func MakeError(format string, v ...interface{}) error {
	return fmt.Errorf(format, v...)
}

// Sprintf is a utility function for formatting strings, like fmt.Sprintf.
func Sprintf(format string, v ...interface{}) string {
	return fmt.Sprintf(format, v...)
}

// Min returns the smaller of the two given values.
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of the two given values.
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}
