// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package tasks implements the provider operations shared by the daemon
// and the tools: dataset ingestion, challenge issuance, solution
// verification and solution aggregation.
package tasks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	mrand "math/rand"
	"sort"
	"time"

	"github.com/prosopo/provider/captcha"
	"github.com/prosopo/provider/merkle"
	"github.com/prosopo/provider/providerd/backend"
	"github.com/prosopo/provider/providerd/ledger"
)

// saltSize is the number of random bytes in a pending request salt.
const saltSize = 32

// Config holds the tunables of the provider operations.
type Config struct {
	// PendingTTL is how long an issued challenge may be answered.  Zero
	// means forever.
	PendingTTL time.Duration

	// RequiredSolutions is the number of user submissions an unsolved
	// captcha needs before it is considered for promotion.
	RequiredSolutions int

	// WinningPercentage is the share of RequiredSolutions that must agree
	// on one answer.
	WinningPercentage int
}

// Tasks runs provider operations against a backend and a ledger.  It is
// safe for concurrent use.
type Tasks struct {
	cfg     Config
	backend backend.Backend
	ledger  ledger.Ledger
	now     func() time.Time
}

// New returns a Tasks context.
func New(b backend.Backend, l ledger.Ledger, cfg *Config) *Tasks {
	return &Tasks{
		cfg:     *cfg,
		backend: b,
		ledger:  l,
		now:     time.Now,
	}
}

// ProviderAddDataset ingests ds, stores it and anchors its root on the
// ledger.  The ingested dataset is returned.
func (t *Tasks) ProviderAddDataset(ctx context.Context, ds *captcha.Dataset) (*captcha.Dataset, error) {
	if err := captcha.Validate(ds); err != nil {
		return nil, err
	}
	ingested, err := captcha.Ingest(ds)
	if err != nil {
		return nil, err
	}
	if err := captcha.Unique(ingested); err != nil {
		return nil, err
	}
	err = t.backend.StoreDataset(ctx, ingested)
	switch {
	case errors.Is(err, backend.ErrCaptchaInUse):
		return nil, err
	case err != nil:
		return nil, dependency("store dataset", err)
	}
	r, err := t.ledger.ProviderAddDataset(ctx, ingested.DatasetID)
	if err != nil {
		return nil, dependency("providerAddDataset", err)
	}

	log.Infof("Dataset %v added: %v captchas, tx %v", ingested.DatasetID,
		len(ingested.Captchas), r.TxHash)

	return ingested, nil
}

// AnchorDataset anchors a stored dataset unless the ledger already lists it
// for this provider.  It returns true if a transaction was sent.
func (t *Tasks) AnchorDataset(ctx context.Context, id merkle.Hash) (bool, error) {
	if _, err := t.backend.Dataset(ctx, id); errors.Is(err, backend.ErrNotFound) {
		return false, ErrDatasetNotFound
	} else if err != nil {
		return false, dependency("dataset", err)
	}

	pd, err := t.ledger.ProviderDetails(ctx, t.ledger.Account())
	switch {
	case errors.Is(err, ledger.ErrNotFound):
	case err != nil:
		return false, dependency("getProviderDetails", err)
	case pd.CaptchaDatasetID == id:
		return false, nil
	}

	r, err := t.ledger.ProviderAddDataset(ctx, id)
	if err != nil {
		return false, dependency("providerAddDataset", err)
	}
	log.Infof("Dataset %v anchored, tx %v", id, r.TxHash)
	return true, nil
}

// LoadDataset reassembles a stored dataset.
func (t *Tasks) LoadDataset(ctx context.Context, id merkle.Hash) (*captcha.Dataset, error) {
	rec, err := t.backend.Dataset(ctx, id)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, ErrDatasetNotFound
	} else if err != nil {
		return nil, dependency("dataset", err)
	}
	cs, err := t.backend.Captchas(ctx, id, captcha.StateAny)
	if err != nil {
		return nil, dependency("captchas", err)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].Index < cs[j].Index })
	return &captcha.Dataset{
		DatasetID: rec.DatasetID,
		Format:    rec.Format,
		Captchas:  cs,
		Tree:      rec.Tree,
	}, nil
}

// Challenge is a set of captchas issued to a user together with the hash
// that binds them to the user.
type Challenge struct {
	Captchas    []captcha.CaptchaWithProof
	RequestHash merkle.Hash
}

func newSalt() (string, error) {
	var b [saltSize]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b[:]), nil
}

// IssueChallenge samples solved and unsolved captchas from a dataset,
// attaches their inclusion proofs and records a salted pending request for
// requester.
func (t *Tasks) IssueChallenge(ctx context.Context, datasetID merkle.Hash, requester string, solved, unsolved int) (*Challenge, error) {
	if solved < 1 || unsolved < 0 {
		return nil, ErrInvalidCaptchaCount
	}

	rec, err := t.backend.Dataset(ctx, datasetID)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, ErrDatasetNotFound
	} else if err != nil {
		return nil, dependency("dataset", err)
	}
	tree, err := merkle.FromLayers(rec.Tree)
	if err != nil {
		return nil, dependency("dataset tree", err)
	}

	cs, err := t.backend.RandomCaptchas(ctx, datasetID, true, solved)
	if err != nil {
		return nil, dependency("solved captchas", err)
	}
	if len(cs) == 0 {
		return nil, ErrNoCaptchas
	}
	if unsolved > 0 {
		u, err := t.backend.RandomCaptchas(ctx, datasetID, false,
			unsolved)
		if err != nil {
			return nil, dependency("unsolved captchas", err)
		}
		cs = append(cs, u...)
	}
	mrand.Shuffle(len(cs), func(i, j int) { cs[i], cs[j] = cs[j], cs[i] })

	ch := Challenge{
		Captchas: make([]captcha.CaptchaWithProof, 0, len(cs)),
	}
	ids := make([]merkle.Hash, 0, len(cs))
	for k := range cs {
		proof, err := tree.Proof(cs[k].CaptchaID)
		if err != nil {
			return nil, dependency("captcha proof", err)
		}
		ch.Captchas = append(ch.Captchas, captcha.CaptchaWithProof{
			Captcha: cs[k].Stripped(),
			Proof:   proof,
		})
		ids = append(ids, cs[k].CaptchaID)
	}

	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	ch.RequestHash = captcha.HashPendingRequest(ids, requester, salt)

	pr := backend.PendingRecord{
		RequestHash: ch.RequestHash,
		AccountID:   requester,
		Salt:        salt,
		Pending:     true,
	}
	if t.cfg.PendingTTL > 0 {
		pr.Deadline = t.now().Add(t.cfg.PendingTTL).Unix()
	}
	if err := t.backend.StorePending(ctx, pr); err != nil {
		return nil, dependency("store pending", err)
	}

	log.Debugf("IssueChallenge %v: %v captchas for %v", ch.RequestHash,
		len(ids), requester)

	return &ch, nil
}

// ValidateProviderWasRandomlyChosen returns ErrInvalidDatasetID unless the
// ledger assigned this provider and datasetID to user at block.
func (t *Tasks) ValidateProviderWasRandomlyChosen(ctx context.Context, user string, datasetID merkle.Hash, block uint64) error {
	rp, err := t.ledger.RandomActiveProvider(ctx, user, block)
	if errors.Is(err, ledger.ErrNotFound) {
		return ErrInvalidDatasetID
	} else if err != nil {
		return dependency("getRandomActiveProvider", err)
	}
	if rp.ProviderID != t.ledger.Account() ||
		rp.Provider.CaptchaDatasetID != datasetID {
		return ErrInvalidDatasetID
	}
	return nil
}
