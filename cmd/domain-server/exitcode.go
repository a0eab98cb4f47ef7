// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package main

// exitCodeError pairs an error with the process exit code spec.md §6
// assigns it (3: missing TLS cert/key, 4: missing OAuth config, 5:
// missing OAuth provider URL). main's error handler checks for this
// interface before falling back to the generic exit code 1.
type exitCodeError struct {
	err  error
	code int
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) ExitCode() int { return e.code }

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return &exitCodeError{err: err, code: code}
}
