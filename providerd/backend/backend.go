// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"errors"

	"github.com/prosopo/provider/captcha"
	"github.com/prosopo/provider/merkle"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadySettled is returned by SettlePending when the pending
	// record was consumed before the call could settle it.
	ErrAlreadySettled = errors.New("pending request already settled")

	// ErrExists is returned when storing a pending record whose request
	// hash is already known.
	ErrExists = errors.New("record exists")

	// ErrCaptchaInUse is returned by StoreDataset when a captcha of the
	// dataset is already stored as part of another dataset.
	ErrCaptchaInUse = errors.New("captcha belongs to another dataset")
)

// DatasetRecord is the dataset metadata.  Captchas are stored separately and
// indexed by id.
type DatasetRecord struct {
	DatasetID merkle.Hash     `json:"datasetId"`
	Format    captcha.Format  `json:"format"`
	Tree      [][]merkle.Hash `json:"tree"`
}

// PendingRecord binds an issued challenge to its requester.  It is created
// with Pending set and consumed exactly once.
type PendingRecord struct {
	RequestHash merkle.Hash `json:"requestHash"`
	AccountID   string      `json:"accountId"`
	Salt        string      `json:"salt"`
	Pending     bool        `json:"pending"`
	Approved    *bool       `json:"approved,omitempty"`
	Deadline    int64       `json:"deadline"` // Unix seconds, 0 never expires
}

// SolutionRecord is a single user submission.  DatasetID is the commitment
// id the submission was made under.
type SolutionRecord struct {
	CaptchaID merkle.Hash `json:"captchaId"`
	Solution  []uint      `json:"solution"`
	Salt      string      `json:"salt"`
	DatasetID merkle.Hash `json:"datasetId"`
	Created   int64       `json:"created"`
}

type Backend interface {
	// StoreDataset stores an ingested dataset.  Captchas are written
	// before, or atomically with, the dataset metadata so that a
	// dataset is never visible without its captchas.  Storing a dataset
	// again replaces its captchas.  Captchas are keyed by id alone so a
	// captcha belongs to exactly one dataset.  A dataset that shares a
	// captcha with another stored dataset is rejected with
	// ErrCaptchaInUse and nothing is written.
	StoreDataset(context.Context, *captcha.Dataset) error

	// Dataset returns the dataset metadata.
	Dataset(context.Context, merkle.Hash) (*DatasetRecord, error)

	// Datasets returns the ids of all stored datasets.
	Datasets(context.Context) ([]merkle.Hash, error)

	// Captchas returns the captchas of a dataset in the requested
	// state, ordered by index.
	Captchas(context.Context, merkle.Hash, captcha.State) ([]captcha.Captcha, error)

	// RandomCaptchas samples up to n distinct captchas of a dataset that
	// are solved or unsolved.
	RandomCaptchas(ctx context.Context, datasetID merkle.Hash, solved bool, n int) ([]captcha.Captcha, error)

	// CaptchasByID returns the captchas with the provided ids.  Unknown
	// ids are skipped and the result is not ordered.
	CaptchasByID(context.Context, []merkle.Hash) ([]captcha.Captcha, error)

	// Solutions returns all submissions for a captcha in the order they
	// were stored.
	Solutions(context.Context, merkle.Hash) ([]SolutionRecord, error)

	// StoreSolutions appends submissions.
	StoreSolutions(context.Context, []SolutionRecord) error

	// StorePending stores a new pending record.
	StorePending(context.Context, PendingRecord) error

	// Pending returns the pending record for a request hash.
	Pending(context.Context, merkle.Hash) (*PendingRecord, error)

	// SettlePending consumes a pending record and appends the
	// submission it was consumed with.  The update only succeeds while
	// the record is pending, otherwise ErrAlreadySettled is returned and
	// nothing is written.
	SettlePending(ctx context.Context, requestHash merkle.Hash, approved bool, solutions []SolutionRecord) error

	// Close performs cleanup of the backend.
	Close()
}
