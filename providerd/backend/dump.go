// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/prosopo/provider/captcha"
	"github.com/prosopo/provider/merkle"
)

// Record types.
const (
	RecordTypeDataset  = "dataset"
	RecordTypeCaptcha  = "captcha"
	RecordTypeSolution = "solution"

	RecordTypeVersion = 1
)

// RecordType indicates what the next record is in a restore stream. All
// records are dumped prefixed with a RecordType so that they can be simply
// replayed as a journal.
type RecordType struct {
	Version uint   `json:"version"` // Version of RecordType
	Type    string `json:"type"`    // Type or record
}

func encodeRecord(e *json.Encoder, recordType string, record interface{}) error {
	err := e.Encode(RecordType{
		Version: RecordTypeVersion,
		Type:    recordType,
	})
	if err != nil {
		return err
	}
	return e.Encode(record)
}

func dumpDataset(ctx context.Context, b Backend, w io.Writer, human bool, id merkle.Hash) error {
	dr, err := b.Dataset(ctx, id)
	if err != nil {
		return fmt.Errorf("dataset %v: %w", id, err)
	}
	captchas, err := b.Captchas(ctx, id, captcha.StateAny)
	if err != nil {
		return fmt.Errorf("captchas %v: %w", id, err)
	}

	e := json.NewEncoder(w)
	if human {
		fmt.Fprintf(w, "--- Dataset: %v\n", dr.DatasetID)
		fmt.Fprintf(w, "Format     : %v\n", dr.Format)
		fmt.Fprintf(w, "Layers     : %v\n", len(dr.Tree))
		fmt.Fprintf(w, "Captchas   : %v\n", len(captchas))
	} else {
		if err := encodeRecord(e, RecordTypeDataset, dr); err != nil {
			return err
		}
	}

	for _, c := range captchas {
		if human {
			fmt.Fprintf(w, "  Captcha  : %v %v %q solved %v\n",
				c.Index, c.CaptchaID, c.Target, c.Solved())
		} else {
			err := encodeRecord(e, RecordTypeCaptcha, c)
			if err != nil {
				return err
			}
		}

		solutions, err := b.Solutions(ctx, c.CaptchaID)
		if err != nil {
			return fmt.Errorf("solutions %v: %w", c.CaptchaID, err)
		}
		for _, s := range solutions {
			if human {
				fmt.Fprintf(w, "    Solution: %v %v\n", s.Solution,
					s.DatasetID)
				continue
			}
			err := encodeRecord(e, RecordTypeSolution, s)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// Dump writes all datasets, their captchas and all submitted solutions to w
// in either human readable or JSON format.  Pending records are short lived
// and are not dumped.
func Dump(ctx context.Context, b Backend, w io.Writer, human bool) error {
	ids, err := b.Datasets(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		err := dumpDataset(ctx, b, w, human, id)
		if err != nil {
			return err
		}
	}
	return nil
}

// Restore reads a JSON dump and recreates its records in b.  Every dataset
// is re-ingested and must reproduce its dumped id.
func Restore(ctx context.Context, b Backend, r io.Reader, verbose bool) error {
	var (
		order     []merkle.Hash
		datasets  = make(map[merkle.Hash]*captcha.Dataset)
		solutions []SolutionRecord
	)

	d := json.NewDecoder(r)
	for {
		var t RecordType
		err := d.Decode(&t)
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return err
		}

		// Check version we understand
		if t.Version != RecordTypeVersion {
			return fmt.Errorf("unknown version %v", t.Version)
		}

		switch t.Type {
		case RecordTypeDataset:
			var dr DatasetRecord
			if err := d.Decode(&dr); err != nil {
				return err
			}
			if _, ok := datasets[dr.DatasetID]; ok {
				return fmt.Errorf("duplicate dataset %v", dr.DatasetID)
			}
			datasets[dr.DatasetID] = &captcha.Dataset{
				DatasetID: dr.DatasetID,
				Format:    dr.Format,
				Tree:      dr.Tree,
			}
			order = append(order, dr.DatasetID)
		case RecordTypeCaptcha:
			var c captcha.Captcha
			if err := d.Decode(&c); err != nil {
				return err
			}
			ds, ok := datasets[c.DatasetID]
			if !ok {
				return fmt.Errorf("captcha %v: unknown dataset %v",
					c.CaptchaID, c.DatasetID)
			}
			ds.Captchas = append(ds.Captchas, c)
		case RecordTypeSolution:
			var s SolutionRecord
			if err := d.Decode(&s); err != nil {
				return err
			}
			solutions = append(solutions, s)
		default:
			return fmt.Errorf("invalid record type: %v", t.Type)
		}
	}

	for _, id := range order {
		ds := datasets[id]
		sort.Slice(ds.Captchas, func(i, j int) bool {
			return ds.Captchas[i].Index < ds.Captchas[j].Index
		})
		ingested, err := captcha.Ingest(ds)
		if err != nil {
			return fmt.Errorf("dataset %v: %w", id, err)
		}
		if ingested.DatasetID != id {
			return fmt.Errorf("dataset %v: restored as %v", id,
				ingested.DatasetID)
		}
		if err := b.StoreDataset(ctx, ingested); err != nil {
			return err
		}
		if verbose {
			fmt.Printf("Restored dataset %v: %v captchas\n", id,
				len(ingested.Captchas))
		}
	}

	if len(solutions) == 0 {
		return nil
	}
	if err := b.StoreSolutions(ctx, solutions); err != nil {
		return err
	}
	if verbose {
		fmt.Printf("Restored %v solutions\n", len(solutions))
	}
	return nil
}
