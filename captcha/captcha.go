// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package captcha contains the captcha data model, its content hashes and
// solution comparison.  Everything in this package is pure; storage and
// ledger access live in providerd.
package captcha

import (
	"github.com/prosopo/provider/merkle"
)

// Format identifies the challenge type of a dataset.
type Format string

const (
	// FormatSelectAll asks the user to select every item matching target.
	FormatSelectAll Format = "SelectAll"
)

// Item types.
const (
	ItemText  = "text"
	ItemImage = "image"
)

// Item is a single selectable element of a captcha.  Text items carry their
// content inline, image items carry a path or URL.
type Item struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
}

// Captcha is a single challenge.  CaptchaID only covers Target, Items and
// Salt so that a captcha keeps its identity once a solution is attached.
type Captcha struct {
	CaptchaID merkle.Hash `json:"captchaId"`
	DatasetID merkle.Hash `json:"datasetId"`
	Index     uint        `json:"index"`
	Target    string      `json:"target"`
	Items     []Item      `json:"items"`
	Solution  []uint      `json:"solution,omitempty"`
	Salt      string      `json:"salt"`
}

// Solved returns true if the captcha has a canonical solution.
func (c *Captcha) Solved() bool {
	return len(c.Solution) != 0
}

// Stripped returns a copy of the captcha without its solution.  This is the
// only form of a captcha that may be handed to a user.
func (c Captcha) Stripped() Captcha {
	c.Solution = nil
	items := make([]Item, len(c.Items))
	copy(items, c.Items)
	c.Items = items
	return c
}

// Dataset is a provider's pool of captchas.  DatasetID and Tree are only set
// once the dataset has been ingested.
type Dataset struct {
	DatasetID merkle.Hash     `json:"datasetId"`
	Format    Format          `json:"format"`
	Captchas  []Captcha       `json:"captchas"`
	Tree      [][]merkle.Hash `json:"tree,omitempty"`
}

// CaptchaSolution is the clear text answer a user submits for a captcha.
type CaptchaSolution struct {
	CaptchaID merkle.Hash `json:"captchaId"`
	Solution  []uint      `json:"solution"`
	Salt      string      `json:"salt"`
}

// CaptchaWithProof is a stripped captcha together with its inclusion proof
// in the dataset tree.
type CaptchaWithProof struct {
	Captcha Captcha      `json:"captcha"`
	Proof   merkle.Proof `json:"proof"`
}

// State filters captchas by whether they carry a canonical solution.
type State int

const (
	StateAny State = iota
	StateSolved
	StateUnsolved
)

// Matches returns true if c is in state s.
func (s State) Matches(c *Captcha) bool {
	switch s {
	case StateSolved:
		return c.Solved()
	case StateUnsolved:
		return !c.Solved()
	}
	return true
}
