// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prosopo/provider/captcha"
	"github.com/prosopo/provider/merkle"
	"github.com/prosopo/provider/providerd/backend"
	"github.com/prosopo/provider/util"
)

// loadDatasetFile ingests the configured dataset file unless it is already
// stored, and writes the dataset id and tree back into the file.
func (p *provider) loadDatasetFile(ctx context.Context) error {
	f, err := os.Open(p.cfg.DatasetFile)
	if err != nil {
		return err
	}
	ds, err := captcha.ParseDataset(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%v: %w", p.cfg.DatasetFile, err)
	}

	ingested, err := captcha.Ingest(ds)
	if err != nil {
		return fmt.Errorf("%v: %w", p.cfg.DatasetFile, err)
	}
	if !ds.DatasetID.IsZero() && ds.DatasetID != ingested.DatasetID {
		log.Warnf("Dataset file %v: stale dataset id %v, now %v",
			p.cfg.DatasetFile, ds.DatasetID, ingested.DatasetID)
	}

	_, err = p.backend.Dataset(ctx, ingested.DatasetID)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		ingested, err = p.tasks.ProviderAddDataset(ctx, ds)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		// A previous run may have stored the dataset and failed to
		// anchor it.
		log.Infof("Dataset %v already stored", ingested.DatasetID)
		if _, err := p.tasks.AnchorDataset(ctx, ingested.DatasetID); err != nil {
			return err
		}
	}

	return p.writeDatasetFile(ingested)
}

// writeDatasetFile replaces the dataset file with ds.
func (p *provider) writeDatasetFile(ds *captcha.Dataset) error {
	p.Lock()
	defer p.Unlock()
	return util.WriteJSONFile(p.cfg.DatasetFile, ds)
}

// currentDataset returns the dataset the ledger lists for this provider.
func (p *provider) currentDataset(ctx context.Context) (merkle.Hash, error) {
	pd, err := p.ledger.ProviderDetails(ctx, p.ledger.Account())
	if err != nil {
		return merkle.Hash{}, err
	}
	if pd.CaptchaDatasetID.IsZero() {
		return merkle.Hash{}, errors.New("provider has no dataset")
	}
	return pd.CaptchaDatasetID, nil
}

// aggregate promotes crowd solutions of the current dataset.  It is run by
// the scheduler so failures are only logged.
func (p *provider) aggregate(ctx context.Context) {
	id, err := p.currentDataset(ctx)
	if err != nil {
		log.Errorf("aggregate: %v", err)
		return
	}
	n, err := p.tasks.PromoteSolutions(ctx, id)
	if err != nil {
		log.Errorf("aggregate %v: %v", id, err)
		return
	}
	if n == 0 {
		log.Debugf("aggregate %v: nothing to promote", id)
		return
	}
	if p.cfg.DatasetFile == "" {
		return
	}

	ds, err := p.tasks.LoadDataset(ctx, id)
	if err != nil {
		log.Errorf("aggregate %v: %v", id, err)
		return
	}
	if err := p.writeDatasetFile(ds); err != nil {
		log.Errorf("aggregate %v: write %v: %v", id,
			p.cfg.DatasetFile, err)
	}
}
