package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRunMainSuccess(t *testing.T) {
	var stderr bytes.Buffer
	if code := runMain(func() error { return nil }, &stderr); code != 0 {
		t.Fatalf("code = %d", code)
	}
	if stderr.Len() != 0 {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestExitCodeForErrorPlain(t *testing.T) {
	var stderr bytes.Buffer
	if code := exitCodeForError(errors.New("boom"), &stderr); code != 1 {
		t.Fatalf("code = %d", code)
	}
	if !strings.Contains(stderr.String(), "boom") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestExitCodeForErrorCanceled(t *testing.T) {
	var stderr bytes.Buffer
	err := fmt.Errorf("sync: %w", context.Canceled)
	if code := exitCodeForError(err, &stderr); code != 130 {
		t.Fatalf("code = %d", code)
	}
	if !strings.Contains(stderr.String(), "canceled") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestExitErrorMessage(t *testing.T) {
	if got := (&exitError{code: 3}).Error(); got != "exit status 3" {
		t.Fatalf("message = %q", got)
	}
	wrapped := errors.New("bad flag")
	ee := &exitError{code: 2, err: wrapped}
	if ee.Error() != "bad flag" || !errors.Is(ee, wrapped) {
		t.Fatalf("wrapped message = %q", ee.Error())
	}
}

func TestExitCodeForErrorSilentExitError(t *testing.T) {
	var stderr bytes.Buffer
	err := &exitError{code: 130, err: context.Canceled, silent: true}
	if code := exitCodeForError(err, &stderr); code != 130 {
		t.Fatalf("code = %d", code)
	}
	if stderr.Len() != 0 {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestExitCodeForErrorLoudExitError(t *testing.T) {
	var stderr bytes.Buffer
	err := &exitError{code: 2, err: errors.New("bad flag")}
	if code := exitCodeForError(err, &stderr); code != 2 {
		t.Fatalf("code = %d", code)
	}
	if !strings.Contains(stderr.String(), "bad flag") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}
