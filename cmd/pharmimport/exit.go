package main

import (
	"errors"
	"fmt"
)

// Exit codes.
const (
	exitOK         = 0
	exitError      = 1
	exitAllFailed  = 2
	exitVerifyFail = 3
)

// codedError carries a specific process exit code.
type codedError struct {
	code int
	msg  string
}

func (e *codedError) Error() string { return e.msg }

func withExitCode(code int, format string, args ...any) error {
	return &codedError{code: code, msg: fmt.Sprintf(format, args...)}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return exitError
}
