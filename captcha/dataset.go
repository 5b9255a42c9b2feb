// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package captcha

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/prosopo/provider/merkle"
)

// ParseError describes why a raw dataset was rejected.
type ParseError struct {
	Captcha int // Offending captcha index, -1 for dataset level errors
	Reason  string
	Err     error
}

// Error satisfies the error interface.
func (e *ParseError) Error() string {
	s := "dataset parse error"
	if e.Captcha >= 0 {
		s += fmt.Sprintf(": captcha %v", e.Captcha)
	}
	s += ": " + e.Reason
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying decoding error, if any.
func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErr(idx int, format string, args ...interface{}) *ParseError {
	return &ParseError{Captcha: idx, Reason: fmt.Sprintf(format, args...)}
}

// ParseDataset decodes a dataset and validates its structure.  Ids and the
// tree are decoded when present but are not trusted; use Ingest to derive
// them.
func ParseDataset(r io.Reader) (*Dataset, error) {
	var ds Dataset
	d := json.NewDecoder(r)
	if err := d.Decode(&ds); err != nil {
		return nil, &ParseError{Captcha: -1, Reason: "decode", Err: err}
	}
	if err := Validate(&ds); err != nil {
		return nil, err
	}
	return &ds, nil
}

// Validate checks the structural rules of a dataset.
func Validate(ds *Dataset) error {
	switch ds.Format {
	case FormatSelectAll:
	case "":
		return parseErr(-1, "missing format")
	default:
		return parseErr(-1, "unknown format %q", ds.Format)
	}
	if len(ds.Captchas) == 0 {
		return parseErr(-1, "no captchas")
	}

	for k := range ds.Captchas {
		c := &ds.Captchas[k]
		if c.Target == "" {
			return parseErr(k, "missing target")
		}
		if len(c.Items) == 0 {
			return parseErr(k, "no items")
		}
		for i, item := range c.Items {
			switch item.Type {
			case ItemText:
				if item.Text == "" {
					return parseErr(k, "item %v: missing text", i)
				}
			case ItemImage:
				if item.Path == "" {
					return parseErr(k, "item %v: missing path", i)
				}
			default:
				return parseErr(k, "item %v: unknown type %q", i,
					item.Type)
			}
		}
		for _, s := range c.Solution {
			if s >= uint(len(c.Items)) {
				return parseErr(k, "solution index %v out of range", s)
			}
		}
	}

	return nil
}

// Ingest returns a copy of ds with every captcha id, index and dataset id
// derived from content and the dataset tree attached.  The input is not
// modified.
func Ingest(ds *Dataset) (*Dataset, error) {
	if ds == nil || len(ds.Captchas) == 0 {
		return nil, merkle.ErrEmptyInput
	}

	out := &Dataset{
		Format:   ds.Format,
		Captchas: make([]Captcha, 0, len(ds.Captchas)),
	}
	ids := make([]merkle.Hash, 0, len(ds.Captchas))
	for k := range ds.Captchas {
		c := ds.Captchas[k]
		c.Items = append([]Item(nil), c.Items...)
		c.Solution = append([]uint(nil), c.Solution...)
		id, err := HashCaptcha(&c)
		if err != nil {
			return nil, fmt.Errorf("hash captcha %v: %w", k, err)
		}
		c.CaptchaID = id
		c.Index = uint(k)
		ids = append(ids, id)
		out.Captchas = append(out.Captchas, c)
	}

	tree, err := merkle.Build(ids)
	if err != nil {
		return nil, err
	}
	out.DatasetID = tree.Root()
	out.Tree = tree.Layers()
	for k := range out.Captchas {
		out.Captchas[k].DatasetID = out.DatasetID
	}

	return out, nil
}

// ErrDuplicateCaptcha is returned by Ingest callers that require unique
// captcha content within a dataset.
var ErrDuplicateCaptcha = errors.New("duplicate captcha")

// Unique returns ErrDuplicateCaptcha if two captchas of an ingested dataset
// share an id.  Proofs are always issued for the first occurrence of an id
// so a duplicate would never be provable.
func Unique(ds *Dataset) error {
	seen := make(map[merkle.Hash]int, len(ds.Captchas))
	for k, c := range ds.Captchas {
		if prev, ok := seen[c.CaptchaID]; ok {
			return fmt.Errorf("%w: %v and %v", ErrDuplicateCaptcha,
				prev, k)
		}
		seen[c.CaptchaID] = k
	}
	return nil
}
