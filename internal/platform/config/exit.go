package config

import (
	"fmt"
	"io"
	"os"

	apperrors "github.com/louisbranch/eventlog/internal/platform/errors"
)

var (
	stderr io.Writer = os.Stderr
	exit             = os.Exit
)

// Exitf writes a formatted error message to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(stderr, format+"\n", args...)
	exit(1)
}

// ExitOnError terminates the process when err is non-nil, printing the
// structured error code alongside the message. Configuration errors exit
// with code 2 so supervisors can tell them apart from runtime failures.
func ExitOnError(err error) {
	if err == nil {
		return
	}
	code := apperrors.CodeOf(err)
	fmt.Fprintf(stderr, "%s: %v\n", code, err)
	if code == apperrors.CodeConfiguration {
		exit(2)
		return
	}
	exit(1)
}
