// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tasks

import (
	"errors"
	"fmt"
)

var (
	// ErrBadRequest is returned for malformed solution submissions.
	ErrBadRequest = errors.New("bad request")

	// ErrInvalidCaptchaCount is returned when a challenge would contain
	// no solved captchas.
	ErrInvalidCaptchaCount = errors.New("invalid captcha count")

	// ErrNoCaptchas is returned when a dataset has no solved captchas
	// to issue.
	ErrNoCaptchas = errors.New("no captchas available")

	// ErrDatasetNotFound is returned for unknown dataset ids.
	ErrDatasetNotFound = errors.New("dataset not found")

	// ErrDappNotActive is returned when the dapp is not registered as
	// active on the ledger.
	ErrDappNotActive = errors.New("dapp not active")

	// ErrInvalidDatasetID is returned when the user was not assigned to
	// this provider and dataset.
	ErrInvalidDatasetID = errors.New("invalid dataset id")
)

// DependencyError wraps a storage or ledger failure.  Callers may retry
// the whole operation.
type DependencyError struct {
	Op  string
	Err error
}

// Error satisfies the error interface.
func (e *DependencyError) Error() string {
	return fmt.Sprintf("%v: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *DependencyError) Unwrap() error {
	return e.Err
}

func dependency(op string, err error) error {
	return &DependencyError{Op: op, Err: err}
}
