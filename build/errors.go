// Package build provides small, dependency-free helpers that the rest of the
// module uses for error composition and critical/severe reporting. It is adapted
// from the contract manager's build package: the same helper shapes, trimmed
// to the subset this module actually calls.
package build

import (
	"errors"
	"strings"
)

// ComposeErrors takes multiple errors and composes them into a single error
// with a longer message. Nil errors are stripped out; if there are zero
// non-nil inputs, nil is returned.
func ComposeErrors(errs ...error) error {
	var errStrings []string
	for _, err := range errs {
		if err != nil {
			errStrings = append(errStrings, err.Error())
		}
	}
	if len(errStrings) == 0 {
		return nil
	}
	return errors.New(strings.Join(errStrings, "; "))
}

// ExtendErr returns a new error that extends the input error with a string.
// If the input error is nil, nil is returned, discarding the string.
func ExtendErr(s string, err error) error {
	if err == nil {
		return nil
	}
	return errors.New(s + ": " + err.Error())
}

// JoinErrors concatenates the non-nil elements of errs, separated by sep. If
// there are no non-nil elements, nil is returned.
func JoinErrors(errs []error, sep string) error {
	var strs []string
	for _, err := range errs {
		if err != nil {
			strs = append(strs, err.Error())
		}
	}
	if len(strs) == 0 {
		return nil
	}
	return errors.New(strings.Join(strs, sep))
}
