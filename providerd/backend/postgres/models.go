// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/prosopo/provider/captcha"
	"github.com/prosopo/provider/merkle"
	"github.com/prosopo/provider/providerd/backend"
)

// Dataset is a row of the datasets table.
type Dataset struct {
	DatasetID []byte `db:"dataset_id"`
	Format    string `db:"format"`
	Tree      []byte `db:"tree"` // JSON encoded layers
}

// Captcha is a row of the captchas table.  Solution is NULL for unsolved
// captchas.
type Captcha struct {
	CaptchaID []byte `db:"captcha_id"`
	DatasetID []byte `db:"dataset_id"`
	Index     int64  `db:"idx"`
	Target    string `db:"target"`
	Items     []byte `db:"items"`
	Solution  []byte `db:"solution"`
	Salt      string `db:"salt"`
}

// Solution is a row of the append only solutions table.
type Solution struct {
	CaptchaID []byte `db:"captcha_id"`
	Solution  []byte `db:"solution"`
	Salt      string `db:"salt"`
	DatasetID []byte `db:"dataset_id"`
	Created   int64  `db:"created"`
}

// Pending is a row of the pending table.
type Pending struct {
	RequestHash []byte       `db:"request_hash"`
	AccountID   string       `db:"account_id"`
	Salt        string       `db:"salt"`
	Pending     bool         `db:"pending"`
	Approved    sql.NullBool `db:"approved"`
	Deadline    int64        `db:"deadline"`
}

func toHash(b []byte) (merkle.Hash, error) {
	var h merkle.Hash
	if len(b) != merkle.HashSize {
		return h, fmt.Errorf("%w: length %v", merkle.ErrInvalidHash, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func convertDataset(d Dataset) (*backend.DatasetRecord, error) {
	id, err := toHash(d.DatasetID)
	if err != nil {
		return nil, err
	}
	dr := backend.DatasetRecord{
		DatasetID: id,
		Format:    captcha.Format(d.Format),
	}
	if err := json.Unmarshal(d.Tree, &dr.Tree); err != nil {
		return nil, fmt.Errorf("dataset %v tree: %v", id, err)
	}
	return &dr, nil
}

func convertCaptcha(c Captcha) (*captcha.Captcha, error) {
	id, err := toHash(c.CaptchaID)
	if err != nil {
		return nil, err
	}
	datasetID, err := toHash(c.DatasetID)
	if err != nil {
		return nil, err
	}
	cc := captcha.Captcha{
		CaptchaID: id,
		DatasetID: datasetID,
		Index:     uint(c.Index),
		Target:    c.Target,
		Salt:      c.Salt,
	}
	if err := json.Unmarshal(c.Items, &cc.Items); err != nil {
		return nil, fmt.Errorf("captcha %v items: %v", id, err)
	}
	if c.Solution != nil {
		if err := json.Unmarshal(c.Solution, &cc.Solution); err != nil {
			return nil, fmt.Errorf("captcha %v solution: %v", id, err)
		}
		if len(cc.Solution) == 0 {
			cc.Solution = nil
		}
	}
	return &cc, nil
}

func convertSolution(s Solution) (*backend.SolutionRecord, error) {
	id, err := toHash(s.CaptchaID)
	if err != nil {
		return nil, err
	}
	datasetID, err := toHash(s.DatasetID)
	if err != nil {
		return nil, err
	}
	sr := backend.SolutionRecord{
		CaptchaID: id,
		Salt:      s.Salt,
		DatasetID: datasetID,
		Created:   s.Created,
	}
	if err := json.Unmarshal(s.Solution, &sr.Solution); err != nil {
		return nil, fmt.Errorf("solution %v: %v", id, err)
	}
	return &sr, nil
}

func convertPending(p Pending) (*backend.PendingRecord, error) {
	rh, err := toHash(p.RequestHash)
	if err != nil {
		return nil, err
	}
	pr := backend.PendingRecord{
		RequestHash: rh,
		AccountID:   p.AccountID,
		Salt:        p.Salt,
		Pending:     p.Pending,
		Deadline:    p.Deadline,
	}
	if p.Approved.Valid {
		approved := p.Approved.Bool
		pr.Approved = &approved
	}
	return &pr, nil
}

// solutionArg returns the solution column argument.  lib/pq only sends
// NULL for an untyped nil, a nil []byte would arrive as an empty jsonb
// value.
func (c *Captcha) solutionArg() interface{} {
	if c.Solution == nil {
		return nil
	}
	return c.Solution
}

// captchaRow converts a captcha into its row.  An empty solution is stored
// as NULL.
func captchaRow(c *captcha.Captcha) (*Captcha, error) {
	items, err := json.Marshal(c.Items)
	if err != nil {
		return nil, err
	}
	row := Captcha{
		CaptchaID: c.CaptchaID[:],
		DatasetID: c.DatasetID[:],
		Index:     int64(c.Index),
		Target:    c.Target,
		Items:     items,
		Salt:      c.Salt,
	}
	if c.Solved() {
		row.Solution, err = json.Marshal(c.Solution)
		if err != nil {
			return nil, err
		}
	}
	return &row, nil
}
