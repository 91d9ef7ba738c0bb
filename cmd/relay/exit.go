package main

import (
	"errors"
)

// Exit codes let scripts tell the broker's failure modes apart.
const (
	exitFailure     = 1
	exitUnavailable = 3
	exitTimeout     = 4
	exitRemote      = 5
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func unavailable(err error) error { return withExitCode(exitUnavailable, err) }

func exitCode(err error) int {
	var coded *exitError
	if errors.As(err, &coded) {
		return coded.code
	}
	return exitFailure
}
