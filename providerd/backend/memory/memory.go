// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package memory provides an in memory implementation of the backend
// interface.  It is used by tests and by daemons that do not need their
// state to outlive the process.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/prosopo/provider/captcha"
	"github.com/prosopo/provider/merkle"
	"github.com/prosopo/provider/providerd/backend"
)

var _ backend.Backend = (*Memory)(nil)

// Memory keeps every collection in maps guarded by a single lock.
type Memory struct {
	sync.RWMutex

	datasets  map[merkle.Hash]backend.DatasetRecord
	index     map[merkle.Hash][]merkle.Hash // Dataset captcha ids in index order
	captchas  map[merkle.Hash]captcha.Captcha
	solutions map[merkle.Hash][]backend.SolutionRecord
	pending   map[merkle.Hash]backend.PendingRecord
}

// New returns an empty backend.
func New() *Memory {
	return &Memory{
		datasets:  make(map[merkle.Hash]backend.DatasetRecord),
		index:     make(map[merkle.Hash][]merkle.Hash),
		captchas:  make(map[merkle.Hash]captcha.Captcha),
		solutions: make(map[merkle.Hash][]backend.SolutionRecord),
		pending:   make(map[merkle.Hash]backend.PendingRecord),
	}
}

func copyCaptcha(c captcha.Captcha) captcha.Captcha {
	c.Items = append([]captcha.Item(nil), c.Items...)
	c.Solution = append([]uint(nil), c.Solution...)
	return c
}

func copyLayers(layers [][]merkle.Hash) [][]merkle.Hash {
	l := make([][]merkle.Hash, 0, len(layers))
	for _, layer := range layers {
		l = append(l, append([]merkle.Hash(nil), layer...))
	}
	return l
}

// StoreDataset stores the dataset and its captchas under one lock.
func (m *Memory) StoreDataset(ctx context.Context, ds *captcha.Dataset) error {
	m.Lock()
	defer m.Unlock()

	for k := range ds.Captchas {
		c, ok := m.captchas[ds.Captchas[k].CaptchaID]
		if ok && c.DatasetID != ds.DatasetID {
			return fmt.Errorf("%w: %v in %v", backend.ErrCaptchaInUse,
				c.CaptchaID, c.DatasetID)
		}
	}

	ids := make([]merkle.Hash, 0, len(ds.Captchas))
	for _, c := range ds.Captchas {
		m.captchas[c.CaptchaID] = copyCaptcha(c)
		ids = append(ids, c.CaptchaID)
	}
	m.index[ds.DatasetID] = ids
	m.datasets[ds.DatasetID] = backend.DatasetRecord{
		DatasetID: ds.DatasetID,
		Format:    ds.Format,
		Tree:      copyLayers(ds.Tree),
	}

	return nil
}

// Dataset returns the dataset metadata.
func (m *Memory) Dataset(ctx context.Context, id merkle.Hash) (*backend.DatasetRecord, error) {
	m.RLock()
	defer m.RUnlock()

	dr, ok := m.datasets[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	dr.Tree = copyLayers(dr.Tree)
	return &dr, nil
}

// Datasets returns all dataset ids.
func (m *Memory) Datasets(ctx context.Context) ([]merkle.Hash, error) {
	m.RLock()
	defer m.RUnlock()

	ids := make([]merkle.Hash, 0, len(m.datasets))
	for id := range m.datasets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids, nil
}

// filter must be called with the READ lock held.
func (m *Memory) filter(id merkle.Hash, state captcha.State) []captcha.Captcha {
	cs := make([]captcha.Captcha, 0, len(m.index[id]))
	for _, cid := range m.index[id] {
		c, ok := m.captchas[cid]
		if !ok || c.DatasetID != id || !state.Matches(&c) {
			continue
		}
		cs = append(cs, copyCaptcha(c))
	}
	return cs
}

// Captchas returns the captchas of a dataset in the requested state.
func (m *Memory) Captchas(ctx context.Context, id merkle.Hash, state captcha.State) ([]captcha.Captcha, error) {
	m.RLock()
	defer m.RUnlock()

	if _, ok := m.datasets[id]; !ok {
		return nil, backend.ErrNotFound
	}
	return m.filter(id, state), nil
}

// RandomCaptchas samples without replacement.
func (m *Memory) RandomCaptchas(ctx context.Context, id merkle.Hash, solved bool, n int) ([]captcha.Captcha, error) {
	m.RLock()
	defer m.RUnlock()

	if _, ok := m.datasets[id]; !ok {
		return nil, backend.ErrNotFound
	}
	state := captcha.StateUnsolved
	if solved {
		state = captcha.StateSolved
	}
	cs := m.filter(id, state)
	rand.Shuffle(len(cs), func(i, j int) { cs[i], cs[j] = cs[j], cs[i] })
	if len(cs) > n {
		cs = cs[:n]
	}
	return cs, nil
}

// CaptchasByID returns the known captchas among ids.
func (m *Memory) CaptchasByID(ctx context.Context, ids []merkle.Hash) ([]captcha.Captcha, error) {
	m.RLock()
	defer m.RUnlock()

	cs := make([]captcha.Captcha, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.captchas[id]; ok {
			cs = append(cs, copyCaptcha(c))
		}
	}
	return cs, nil
}

// Solutions returns all submissions for a captcha.
func (m *Memory) Solutions(ctx context.Context, id merkle.Hash) ([]backend.SolutionRecord, error) {
	m.RLock()
	defer m.RUnlock()

	s := m.solutions[id]
	r := make([]backend.SolutionRecord, 0, len(s))
	for _, v := range s {
		v.Solution = append([]uint(nil), v.Solution...)
		r = append(r, v)
	}
	return r, nil
}

// appendSolutions must be called with the WRITE lock held.
func (m *Memory) appendSolutions(solutions []backend.SolutionRecord) {
	for _, s := range solutions {
		s.Solution = append([]uint(nil), s.Solution...)
		m.solutions[s.CaptchaID] = append(m.solutions[s.CaptchaID], s)
	}
}

// StoreSolutions appends submissions.
func (m *Memory) StoreSolutions(ctx context.Context, solutions []backend.SolutionRecord) error {
	m.Lock()
	defer m.Unlock()

	m.appendSolutions(solutions)
	return nil
}

// StorePending stores a new pending record.
func (m *Memory) StorePending(ctx context.Context, pr backend.PendingRecord) error {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.pending[pr.RequestHash]; ok {
		return backend.ErrExists
	}
	m.pending[pr.RequestHash] = pr
	return nil
}

// Pending returns the pending record for a request hash.
func (m *Memory) Pending(ctx context.Context, requestHash merkle.Hash) (*backend.PendingRecord, error) {
	m.RLock()
	defer m.RUnlock()

	pr, ok := m.pending[requestHash]
	if !ok {
		return nil, backend.ErrNotFound
	}
	if pr.Approved != nil {
		approved := *pr.Approved
		pr.Approved = &approved
	}
	return &pr, nil
}

// SettlePending consumes the pending record under the write lock.
func (m *Memory) SettlePending(ctx context.Context, requestHash merkle.Hash, approved bool, solutions []backend.SolutionRecord) error {
	m.Lock()
	defer m.Unlock()

	pr, ok := m.pending[requestHash]
	if !ok {
		return backend.ErrNotFound
	}
	if !pr.Pending {
		return backend.ErrAlreadySettled
	}
	pr.Pending = false
	pr.Approved = &approved
	m.pending[requestHash] = pr
	m.appendSolutions(solutions)

	return nil
}

// Close is a no-op.
func (m *Memory) Close() {}
