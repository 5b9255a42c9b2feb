// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tasks

import (
	"context"

	"github.com/prosopo/provider/captcha"
	"github.com/prosopo/provider/merkle"
	"github.com/prosopo/provider/providerd/backend"
)

// threshold returns the number of agreeing submissions needed to promote
// a solution, rounded up.
func threshold(required, percentage int) int {
	n := (required*percentage + 99) / 100
	if n < 1 {
		n = 1
	}
	return n
}

// winner returns the solution submitted at least min times and more often
// than any other.  Ties go to the solution seen first.
func winner(solutions []backend.SolutionRecord, min int) []uint {
	type group struct {
		solution []uint
		count    int
	}
	var order []*group
	groups := make(map[string]*group)
	for k := range solutions {
		if len(solutions[k].Solution) == 0 {
			continue
		}
		key := captcha.SolutionKey(solutions[k].Solution)
		g, ok := groups[key]
		if !ok {
			g = &group{solution: solutions[k].Solution}
			groups[key] = g
			order = append(order, g)
		}
		g.count++
	}

	var best *group
	for _, g := range order {
		if g.count < min {
			continue
		}
		if best == nil || g.count > best.count {
			best = g
		}
	}
	if best == nil {
		return nil
	}
	s := make([]uint, len(best.solution))
	copy(s, best.solution)
	return s
}

// PromoteSolutions turns the majority answer of unsolved captchas with
// enough submissions into their canonical solution and stores the updated
// dataset.  It returns the number of promoted captchas.  Running it again
// without new submissions promotes nothing.
func (t *Tasks) PromoteSolutions(ctx context.Context, datasetID merkle.Hash) (int, error) {
	ds, err := t.LoadDataset(ctx, datasetID)
	if err != nil {
		return 0, err
	}

	need := threshold(t.cfg.RequiredSolutions, t.cfg.WinningPercentage)
	promoted := 0
	for k := range ds.Captchas {
		c := &ds.Captchas[k]
		if c.Solved() {
			continue
		}
		solutions, err := t.backend.Solutions(ctx, c.CaptchaID)
		if err != nil {
			return 0, dependency("solutions", err)
		}
		if len(solutions) < t.cfg.RequiredSolutions {
			continue
		}
		if s := winner(solutions, need); s != nil {
			log.Debugf("Promote %v: %v submissions", c.CaptchaID,
				len(solutions))
			c.Solution = s
			promoted++
		}
	}
	if promoted == 0 {
		return 0, nil
	}

	ingested, err := captcha.Ingest(&captcha.Dataset{
		Format:   ds.Format,
		Captchas: ds.Captchas,
	})
	if err != nil {
		return 0, err
	}
	if err := t.backend.StoreDataset(ctx, ingested); err != nil {
		return 0, dependency("store dataset", err)
	}
	if ingested.DatasetID != datasetID {
		r, err := t.ledger.ProviderAddDataset(ctx, ingested.DatasetID)
		if err != nil {
			return 0, dependency("providerAddDataset", err)
		}
		log.Infof("Dataset %v re-anchored as %v, tx %v", datasetID,
			ingested.DatasetID, r.TxHash)
	}

	log.Infof("Promoted %v solutions in dataset %v", promoted,
		ingested.DatasetID)

	return promoted, nil
}
