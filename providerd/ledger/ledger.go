// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ledger is the provider's view of the captcha contract.  Only the
// contract calls the provider needs are exposed.
package ledger

import (
	"context"
	"errors"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/prosopo/provider/merkle"
)

var (
	// ErrNotFound is returned when the contract has no entry for the
	// queried key.
	ErrNotFound = errors.New("not found on ledger")

	// ErrContract is wrapped around errors reported by the contract
	// itself, as opposed to transport failures.
	ErrContract = errors.New("contract error")
)

// GovernanceStatus is the registration status of providers and dapps.
type GovernanceStatus string

const (
	StatusActive      GovernanceStatus = "Active"
	StatusInactive    GovernanceStatus = "Inactive"
	StatusDeactivated GovernanceStatus = "Deactivated"
)

// CommitmentStatus is the state of a captcha solution commitment.
type CommitmentStatus string

const (
	CommitmentPending     CommitmentStatus = "Pending"
	CommitmentApproved    CommitmentStatus = "Approved"
	CommitmentDisapproved CommitmentStatus = "Disapproved"
)

// Provider is a registered captcha provider.
type Provider struct {
	Status           GovernanceStatus `json:"status"`
	Balance          uint64           `json:"balance"`
	Fee              uint32           `json:"fee"`
	Payee            string           `json:"payee"`
	ServiceOrigin    string           `json:"serviceOrigin"`
	CaptchaDatasetID merkle.Hash      `json:"captchaDatasetId"`
}

// Dapp is a registered dapp contract.
type Dapp struct {
	Status        GovernanceStatus `json:"status"`
	Balance       uint64           `json:"balance"`
	Owner         string           `json:"owner"`
	MinDifficulty uint16           `json:"minDifficulty"`
	ClientOrigin  string           `json:"clientOrigin"`
}

// Commitment is a dapp user's commitment to a set of captcha solutions.
type Commitment struct {
	Status    CommitmentStatus `json:"status"`
	DatasetID merkle.Hash      `json:"datasetId"`
	Account   string           `json:"account"`
	Provider  string           `json:"provider"`
	Contract  string           `json:"contract"`
}

// RandomProvider is the provider the contract assigned to a user at a
// block.
type RandomProvider struct {
	ProviderID  string   `json:"providerId"`
	Provider    Provider `json:"provider"`
	BlockNumber uint64   `json:"blockNumber"`
}

// Receipt identifies a submitted transaction.
type Receipt struct {
	TxHash    chainhash.Hash
	BlockHash chainhash.Hash
}

// Ledger is the set of contract calls used by the provider.
type Ledger interface {
	// Account returns the account the ledger signs transactions with.
	Account() string

	ProviderDetails(ctx context.Context, account string) (*Provider, error)
	DappDetails(ctx context.Context, account string) (*Dapp, error)
	CaptchaSolutionCommitment(ctx context.Context, id merkle.Hash) (*Commitment, error)
	RandomActiveProvider(ctx context.Context, user string, block uint64) (*RandomProvider, error)

	ProviderAddDataset(ctx context.Context, datasetID merkle.Hash) (*Receipt, error)
	DappUserCommit(ctx context.Context, dapp string, datasetID, commitmentID merkle.Hash, provider string) (*Receipt, error)
	ProviderApprove(ctx context.Context, commitmentID merkle.Hash) (*Receipt, error)
	ProviderDisapprove(ctx context.Context, commitmentID merkle.Hash) (*Receipt, error)
}
