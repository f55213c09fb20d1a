package config_test

import (
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/louisbranch/eventlog/internal/platform/config"
)

// Subprocess test: os.Exit cannot be intercepted in-process.
func TestExitf_ExitsWithCode1(t *testing.T) {
	if os.Getenv("EVENTLOG_TEST_EXITF_SUBPROCESS") == "1" {
		config.Exitf("fatal: %s", "journal locked")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestExitf_ExitsWithCode1$")
	cmd.Env = append(os.Environ(), "EVENTLOG_TEST_EXITF_SUBPROCESS=1")

	out, err := cmd.CombinedOutput()

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		t.Fatalf("expected *exec.ExitError, got %T: %v", err, err)
	}
	if exitErr.ExitCode() != 1 {
		t.Fatalf("expected exit code 1, got %d", exitErr.ExitCode())
	}
	if !strings.Contains(string(out), "fatal: journal locked") {
		t.Fatalf("expected stderr to contain %q, got %q", "fatal: journal locked", string(out))
	}
}

func TestExitOnError_ConfigurationUsesCode2(t *testing.T) {
	if os.Getenv("EVENTLOG_TEST_EXIT_ON_ERROR_SUBPROCESS") == "1" {
		config.ExitOnError(config.ParseEnv(&badPortConfig{}))
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestExitOnError_ConfigurationUsesCode2$")
	cmd.Env = append(os.Environ(),
		"EVENTLOG_TEST_EXIT_ON_ERROR_SUBPROCESS=1",
		"EVENTLOG_TEST_BAD_PORT=x",
	)

	out, err := cmd.CombinedOutput()
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		t.Fatalf("expected *exec.ExitError, got %T: %v", err, err)
	}
	if exitErr.ExitCode() != 2 {
		t.Fatalf("expected exit code 2, got %d", exitErr.ExitCode())
	}
	if !strings.Contains(string(out), "CONFIGURATION") {
		t.Fatalf("expected stderr to contain code, got %q", string(out))
	}
}

func TestExitOnError_NilIsNoop(t *testing.T) {
	config.ExitOnError(nil)
}

type badPortConfig struct {
	Port int `env:"EVENTLOG_TEST_BAD_PORT"`
}
