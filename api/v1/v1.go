// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package v1

import (
	"fmt"
	"regexp"
)

const (
	// APIVersion defines the version number for this code.
	APIVersion = 1

	// ResultOK indicates the solutions were approved.
	ResultOK = 0

	// ResultRejected indicates the solutions were not accepted.  The
	// reason is intentionally not disclosed.
	ResultRejected = 1

	// DefaultPort is the default provider port.
	DefaultPort = "49160"
)

var (
	// RoutePrefix is the route url prefix for this version.
	RoutePrefix = fmt.Sprintf("/v%v", APIVersion)

	// StatusRoute defines the API route for retrieving
	// the server status.
	StatusRoute = RoutePrefix + "/status/"

	// CaptchaRoute defines the API route for requesting a set of
	// captchas.
	CaptchaRoute = RoutePrefix + "/captcha/"

	// SolutionRoute defines the API route for submitting solutions.
	SolutionRoute = RoutePrefix + "/solution/"

	// Result defines legible string messages for a solution result code.
	Result = map[int]string{
		ResultOK:       "OK",
		ResultRejected: "Solution rejected",
	}

	// RegexpHash is the valid text representation of a hash.
	RegexpHash = regexp.MustCompile("^0x[A-Fa-f0-9]{64}$")
)

// Status is used to ask the server if everything is running properly.
// ID is user settable and can be used as a unique identifier by the client.
type Status struct {
	ID string `json:"id"`
}

// StatusReply is returned by the server if everything is running properly.
type StatusReply struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// Item is a selectable element of a captcha.
type Item struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
}

// Captcha is a captcha as shown to a user.  It never carries a solution.
type Captcha struct {
	CaptchaID string `json:"captchaId"`
	DatasetID string `json:"datasetId"`
	Index     uint   `json:"index"`
	Target    string `json:"target"`
	Items     []Item `json:"items"`
	Salt      string `json:"salt"`
}

// CaptchaWithProof is a captcha with its proof of inclusion in the
// dataset.  Each proof step is a list of hashes, the last step holds the
// dataset id.
type CaptchaWithProof struct {
	Captcha Captcha    `json:"captcha"`
	Proof   [][]string `json:"proof"`
}

// GetCaptchas asks for a set of captchas from a dataset.  BlockNumber is
// the block at which the contract assigned this provider to the user.
type GetCaptchas struct {
	DatasetID   string `json:"datasetId"`
	UserAccount string `json:"userAccount"`
	DappAccount string `json:"dappAccount"`
	BlockNumber uint64 `json:"blockNumber"`
}

// GetCaptchasReply carries the issued captchas.  RequestHash must be sent
// back with the solutions.
type GetCaptchasReply struct {
	Captchas    []CaptchaWithProof `json:"captchas"`
	RequestHash string             `json:"requestHash"`
}

// CaptchaSolution is a user's answer to a single captcha.
type CaptchaSolution struct {
	CaptchaID string `json:"captchaId"`
	Solution  []uint `json:"solution"`
	Salt      string `json:"salt"`
}

// Solution submits the answers to a previously issued set of captchas.
// BlockHash and TxHash identify the user's commitment transaction.
type Solution struct {
	UserAccount string            `json:"userAccount"`
	DappAccount string            `json:"dappAccount"`
	RequestHash string            `json:"requestHash"`
	BlockHash   string            `json:"blockHash"`
	TxHash      string            `json:"txHash"`
	Captchas    []CaptchaSolution `json:"captchas"`
}

// SolutionProof proves a solution is part of the commitment.
type SolutionProof struct {
	CaptchaID string     `json:"captchaId"`
	Proof     [][]string `json:"proof"`
}

// SolutionReply is the verdict on a Solution.  Captchas is only set when
// Result is ResultOK.
type SolutionReply struct {
	Result       int             `json:"result"`
	Message      string          `json:"message"`
	CommitmentID string          `json:"commitmentId"`
	Captchas     []SolutionProof `json:"captchas"`
}

// ErrorReply is returned for requests that could not be processed.
type ErrorReply struct {
	Error string `json:"error"`
}
