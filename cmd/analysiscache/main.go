// Package main is the command-line entry point for the analysis cache.
//
// It operates directly on the configured store, which makes it useful for
// inspecting entries, fixing ownership by hand and running the expiry sweeper.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/gravemont-technologies/actionos-v1-fork-sub001/internal/analysiscache"
)

// Exit codes
const (
	exitOK        = 0
	exitError     = 1
	exitNotFound  = 3
	exitForbidden = 4
	exitQuota     = 5
	exitInvalid   = 64
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	switch analysiscache.CodeOf(err) {
	case analysiscache.CodeNotFound:
		return exitNotFound
	case analysiscache.CodeForbidden:
		return exitForbidden
	case analysiscache.CodeQuotaExceeded:
		return exitQuota
	case analysiscache.CodeInvalidRequest:
		return exitInvalid
	}
	var usage *usageError
	if errors.As(err, &usage) {
		return exitInvalid
	}
	return exitError
}

// usageError marks malformed command-line input.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}
