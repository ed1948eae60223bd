package main

import "fmt"

// exitError carries a process exit code through cobra's error return so main
// can decide both the status and whether anything gets printed. A silent
// exitError suppresses the usual error line, used when the command already
// wrote its own diagnostics.
type exitError struct {
	code   int
	err    error
	silent bool
}

func (e *exitError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.err != nil:
		return e.err.Error()
	default:
		return fmt.Sprintf("exit status %d", e.code)
	}
}

func (e *exitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}
