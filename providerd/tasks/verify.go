// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tasks

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/prosopo/provider/captcha"
	"github.com/prosopo/provider/merkle"
	"github.com/prosopo/provider/providerd/backend"
	"github.com/prosopo/provider/providerd/ledger"
)

// Status is the outcome of a solution verification.
type Status int

const (
	StatusApproved Status = iota
	StatusDisapproved
	StatusUnknownRequest
	StatusHashMismatch
	StatusAlreadySettled
	StatusExpired
	StatusCommitmentNotPending
	StatusUnknownCaptcha
	StatusUnknownCommitment
)

var statusText = map[Status]string{
	StatusApproved:             "approved",
	StatusDisapproved:          "disapproved",
	StatusUnknownRequest:       "unknown request",
	StatusHashMismatch:         "request hash mismatch",
	StatusAlreadySettled:       "already settled",
	StatusExpired:              "expired",
	StatusCommitmentNotPending: "commitment not pending",
	StatusUnknownCaptcha:       "unknown captcha",
	StatusUnknownCommitment:    "unknown commitment",
}

func (s Status) String() string {
	if text, ok := statusText[s]; ok {
		return text
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Settled returns true if the pending request was consumed.
func (s Status) Settled() bool {
	return s == StatusApproved || s == StatusDisapproved
}

// SolutionProof proves a submitted solution is part of the commitment.
type SolutionProof struct {
	CaptchaID merkle.Hash
	Proof     merkle.Proof
}

// VerificationResult is the outcome of VerifySolution.  Proofs are only
// set when the solutions were approved.
type VerificationResult struct {
	Status       Status
	CommitmentID merkle.Hash
	Proofs       []SolutionProof
}

// checkSolutions rejects empty and duplicated submissions.
func checkSolutions(solutions []captcha.CaptchaSolution) error {
	if len(solutions) == 0 {
		return fmt.Errorf("%w: no solutions", ErrBadRequest)
	}
	seen := make(map[merkle.Hash]struct{}, len(solutions))
	for k := range solutions {
		id := solutions[k].CaptchaID
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: duplicate captcha %v", ErrBadRequest,
				id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// ResponseTree builds the tree over the solution hashes.  Its root is the
// commitment id a user commits to on the ledger.
func ResponseTree(solutions []captcha.CaptchaSolution) (*merkle.Tree, error) {
	leaves := make([]merkle.Hash, 0, len(solutions))
	for k := range solutions {
		h, err := captcha.HashSolution(&solutions[k])
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, h)
	}
	return merkle.Build(leaves)
}

// VerifySolution checks solutions against the pending request requestHash
// and settles it.  Rejections are reported in the result status, errors
// are reserved for malformed input and dependency failures.
func (t *Tasks) VerifySolution(ctx context.Context, requester string, requestHash merkle.Hash, solutions []captcha.CaptchaSolution, commitment ledger.CommitmentStatus) (*VerificationResult, error) {
	if err := checkSolutions(solutions); err != nil {
		return nil, err
	}
	tree, err := ResponseTree(solutions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	result := VerificationResult{CommitmentID: tree.Root()}

	pr, err := t.backend.Pending(ctx, requestHash)
	if errors.Is(err, backend.ErrNotFound) {
		result.Status = StatusUnknownRequest
		return &result, nil
	} else if err != nil {
		return nil, dependency("pending", err)
	}

	ids := make([]merkle.Hash, 0, len(solutions))
	for k := range solutions {
		ids = append(ids, solutions[k].CaptchaID)
	}
	computed := captcha.HashPendingRequest(ids, requester, pr.Salt)
	if subtle.ConstantTimeCompare(computed[:], requestHash[:]) != 1 {
		result.Status = StatusHashMismatch
		return &result, nil
	}

	switch {
	case !pr.Pending:
		result.Status = StatusAlreadySettled
		return &result, nil
	case pr.Deadline != 0 && t.now().Unix() > pr.Deadline:
		result.Status = StatusExpired
		return &result, nil
	case commitment != ledger.CommitmentPending:
		result.Status = StatusCommitmentNotPending
		return &result, nil
	}

	stored, err := t.backend.CaptchasByID(ctx, ids)
	if err != nil {
		return nil, dependency("captchas", err)
	}
	if len(stored) != len(solutions) {
		result.Status = StatusUnknownCaptcha
		return &result, nil
	}

	approved := captcha.CompareSolutionSet(solutions, stored)

	created := t.now().Unix()
	records := make([]backend.SolutionRecord, 0, len(solutions))
	for k := range solutions {
		records = append(records, backend.SolutionRecord{
			CaptchaID: solutions[k].CaptchaID,
			Solution:  solutions[k].Solution,
			Salt:      solutions[k].Salt,
			DatasetID: result.CommitmentID,
			Created:   created,
		})
	}

	err = t.backend.SettlePending(ctx, requestHash, approved, records)
	switch {
	case errors.Is(err, backend.ErrAlreadySettled):
		result.Status = StatusAlreadySettled
		return &result, nil
	case errors.Is(err, backend.ErrNotFound):
		result.Status = StatusUnknownRequest
		return &result, nil
	case err != nil:
		return nil, dependency("settle pending", err)
	}

	if !approved {
		result.Status = StatusDisapproved
		log.Debugf("VerifySolution %v: disapproved", requestHash)
		return &result, nil
	}

	result.Status = StatusApproved
	result.Proofs = make([]SolutionProof, 0, len(solutions))
	for k := range solutions {
		leaf := tree.Leaves()[k]
		proof, err := tree.Proof(leaf)
		if err != nil {
			return nil, err
		}
		result.Proofs = append(result.Proofs, SolutionProof{
			CaptchaID: solutions[k].CaptchaID,
			Proof:     proof,
		})
	}
	log.Debugf("VerifySolution %v: approved", requestHash)

	return &result, nil
}

// SolutionRequest is a dapp user's solution submission.
type SolutionRequest struct {
	UserAccount string
	DappAccount string
	RequestHash merkle.Hash
	BlockHash   string
	TxHash      string
	Captchas    []captcha.CaptchaSolution
}

// DappUserSolution verifies a dapp user's submission against the ledger
// commitment and settles the commitment on the ledger.
func (t *Tasks) DappUserSolution(ctx context.Context, req *SolutionRequest) (*VerificationResult, error) {
	dapp, err := t.ledger.DappDetails(ctx, req.DappAccount)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrDappNotActive
	} else if err != nil {
		return nil, dependency("getDappDetails", err)
	}
	if dapp.Status != ledger.StatusActive {
		return nil, ErrDappNotActive
	}
	if req.BlockHash == "" || req.TxHash == "" {
		return nil, fmt.Errorf("%w: missing block or tx hash",
			ErrBadRequest)
	}
	if err := checkSolutions(req.Captchas); err != nil {
		return nil, err
	}
	tree, err := ResponseTree(req.Captchas)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	commitmentID := tree.Root()

	cm, err := t.ledger.CaptchaSolutionCommitment(ctx, commitmentID)
	if errors.Is(err, ledger.ErrNotFound) {
		return &VerificationResult{
			Status:       StatusUnknownCommitment,
			CommitmentID: commitmentID,
		}, nil
	} else if err != nil {
		return nil, dependency("getCaptchaSolutionCommitment", err)
	}
	if cm.Account != req.UserAccount || cm.Provider != t.ledger.Account() {
		return &VerificationResult{
			Status:       StatusUnknownCommitment,
			CommitmentID: commitmentID,
		}, nil
	}

	result, err := t.VerifySolution(ctx, req.UserAccount, req.RequestHash,
		req.Captchas, cm.Status)
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case StatusApproved:
		_, err = t.ledger.ProviderApprove(ctx, commitmentID)
		if err != nil {
			return nil, dependency("providerApprove", err)
		}
	case StatusDisapproved:
		_, err = t.ledger.ProviderDisapprove(ctx, commitmentID)
		if err != nil {
			return nil, dependency("providerDisapprove", err)
		}
	}

	log.Infof("Solution %v from %v: %v", commitmentID, req.UserAccount,
		result.Status)

	return result, nil
}
