// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filesystem

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/prosopo/provider/captcha"
	"github.com/prosopo/provider/merkle"
	"github.com/prosopo/provider/providerd/backend"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	dbDir = "provider"

	// Key prefixes, every hash in a key is stored raw.
	prefixDataset  = "dataset/"  // [datasetId] DatasetRecord
	prefixCaptcha  = "captcha/"  // [captchaId] Captcha
	prefixIndex    = "index/"    // [datasetId][index] captchaId
	prefixSolution = "solution/" // [captchaId][seq] SolutionRecord
	prefixPending  = "pending/"  // [requestHash] PendingRecord

	seqKey = "solutionseq"
)

var (
	_ backend.Backend = (*FileSystem)(nil)

	errInvalidDB = errors.New("not a database") // Should not happen
)

// FileSystem stores every collection in a single leveldb under the root
// directory.  All writes that must be atomic go through one leveldb.Batch
// and are serialized by the embedded lock.
type FileSystem struct {
	sync.RWMutex

	root string      // Root directory
	db   *leveldb.DB // Database
	seq  uint64      // Next solution sequence number
}

func key(prefix string, parts ...[]byte) []byte {
	k := []byte(prefix)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

func indexKey(datasetID merkle.Hash, index uint) []byte {
	var i [4]byte
	binary.BigEndian.PutUint32(i[:], uint32(index))
	return key(prefixIndex, datasetID[:], i[:])
}

func solutionKey(captchaID merkle.Hash, seq uint64) []byte {
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	return key(prefixSolution, captchaID[:], s[:])
}

// encode and decode use JSON because it handles nil correctly.
func encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func decode(payload []byte, v interface{}) error {
	return json.Unmarshal(payload, v)
}

// get decodes the value at k into v.  It returns backend.ErrNotFound if k
// does not exist.
func (fs *FileSystem) get(k []byte, v interface{}) error {
	payload, err := fs.db.Get(k, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return backend.ErrNotFound
	} else if err != nil {
		return err
	}
	return decode(payload, v)
}

// StoreDataset writes the captchas, the index and the dataset record in one
// batch.  Index entries of a previous version of the dataset are removed.
// Captchas owned by another dataset are rejected before anything is written.
func (fs *FileSystem) StoreDataset(ctx context.Context, ds *captcha.Dataset) error {
	fs.Lock()
	defer fs.Unlock()

	batch := new(leveldb.Batch)

	iter := fs.db.NewIterator(util.BytesPrefix(key(prefixIndex,
		ds.DatasetID[:])), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	for k := range ds.Captchas {
		c := &ds.Captchas[k]
		var stored captcha.Captcha
		err := fs.get(key(prefixCaptcha, c.CaptchaID[:]), &stored)
		switch {
		case errors.Is(err, backend.ErrNotFound):
		case err != nil:
			return err
		case stored.DatasetID != ds.DatasetID:
			return fmt.Errorf("%w: %v in %v", backend.ErrCaptchaInUse,
				c.CaptchaID, stored.DatasetID)
		}

		payload, err := encode(c)
		if err != nil {
			return err
		}
		batch.Put(key(prefixCaptcha, c.CaptchaID[:]), payload)
		batch.Put(indexKey(ds.DatasetID, c.Index), c.CaptchaID[:])
	}

	payload, err := encode(backend.DatasetRecord{
		DatasetID: ds.DatasetID,
		Format:    ds.Format,
		Tree:      ds.Tree,
	})
	if err != nil {
		return err
	}
	batch.Put(key(prefixDataset, ds.DatasetID[:]), payload)

	if err := fs.db.Write(batch, nil); err != nil {
		return err
	}

	log.Debugf("StoreDataset %v: %v captchas", ds.DatasetID,
		len(ds.Captchas))

	return nil
}

// Dataset returns the dataset metadata.
func (fs *FileSystem) Dataset(ctx context.Context, id merkle.Hash) (*backend.DatasetRecord, error) {
	fs.RLock()
	defer fs.RUnlock()

	var dr backend.DatasetRecord
	if err := fs.get(key(prefixDataset, id[:]), &dr); err != nil {
		return nil, err
	}
	return &dr, nil
}

// Datasets returns all dataset ids in key order.
func (fs *FileSystem) Datasets(ctx context.Context) ([]merkle.Hash, error) {
	fs.RLock()
	defer fs.RUnlock()

	var ids []merkle.Hash
	iter := fs.db.NewIterator(util.BytesPrefix([]byte(prefixDataset)), nil)
	defer iter.Release()
	for iter.Next() {
		var id merkle.Hash
		copy(id[:], iter.Key()[len(prefixDataset):])
		ids = append(ids, id)
	}
	return ids, iter.Error()
}

// captchas returns the captchas of a dataset in index order.
//
// This function must be called with the READ lock held.
func (fs *FileSystem) captchas(id merkle.Hash, state captcha.State) ([]captcha.Captcha, error) {
	found, err := fs.db.Has(key(prefixDataset, id[:]), nil)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, backend.ErrNotFound
	}

	var cs []captcha.Captcha
	iter := fs.db.NewIterator(util.BytesPrefix(key(prefixIndex, id[:])), nil)
	defer iter.Release()
	for iter.Next() {
		var c captcha.Captcha
		err := fs.get(key(prefixCaptcha, iter.Value()), &c)
		if errors.Is(err, backend.ErrNotFound) {
			return nil, fmt.Errorf("%w: dangling index %x", errInvalidDB,
				iter.Key())
		} else if err != nil {
			return nil, err
		}
		if c.DatasetID != id || !state.Matches(&c) {
			continue
		}
		cs = append(cs, c)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return cs, nil
}

// Captchas returns the captchas of a dataset in the requested state.
func (fs *FileSystem) Captchas(ctx context.Context, id merkle.Hash, state captcha.State) ([]captcha.Captcha, error) {
	fs.RLock()
	defer fs.RUnlock()

	return fs.captchas(id, state)
}

// RandomCaptchas samples without replacement.
func (fs *FileSystem) RandomCaptchas(ctx context.Context, id merkle.Hash, solved bool, n int) ([]captcha.Captcha, error) {
	fs.RLock()
	defer fs.RUnlock()

	state := captcha.StateUnsolved
	if solved {
		state = captcha.StateSolved
	}
	cs, err := fs.captchas(id, state)
	if err != nil {
		return nil, err
	}
	rand.Shuffle(len(cs), func(i, j int) { cs[i], cs[j] = cs[j], cs[i] })
	if len(cs) > n {
		cs = cs[:n]
	}
	return cs, nil
}

// CaptchasByID returns the known captchas among ids.
func (fs *FileSystem) CaptchasByID(ctx context.Context, ids []merkle.Hash) ([]captcha.Captcha, error) {
	fs.RLock()
	defer fs.RUnlock()

	cs := make([]captcha.Captcha, 0, len(ids))
	for _, id := range ids {
		var c captcha.Captcha
		err := fs.get(key(prefixCaptcha, id[:]), &c)
		if errors.Is(err, backend.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		cs = append(cs, c)
	}
	return cs, nil
}

// Solutions returns all submissions for a captcha in insertion order.
func (fs *FileSystem) Solutions(ctx context.Context, id merkle.Hash) ([]backend.SolutionRecord, error) {
	fs.RLock()
	defer fs.RUnlock()

	solutions := make([]backend.SolutionRecord, 0)
	iter := fs.db.NewIterator(util.BytesPrefix(key(prefixSolution,
		id[:])), nil)
	defer iter.Release()
	for iter.Next() {
		var s backend.SolutionRecord
		if err := decode(iter.Value(), &s); err != nil {
			return nil, err
		}
		solutions = append(solutions, s)
	}
	return solutions, iter.Error()
}

// batchSolutions adds solutions to batch and advances the sequence number
// in it.  The in memory sequence number is returned and only committed by
// the caller once the batch is written.
//
// This function must be called with the WRITE lock held.
func (fs *FileSystem) batchSolutions(batch *leveldb.Batch, solutions []backend.SolutionRecord) (uint64, error) {
	seq := fs.seq
	for k := range solutions {
		payload, err := encode(solutions[k])
		if err != nil {
			return 0, err
		}
		batch.Put(solutionKey(solutions[k].CaptchaID, seq), payload)
		seq++
	}
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	batch.Put([]byte(seqKey), s[:])
	return seq, nil
}

// StoreSolutions appends submissions.
func (fs *FileSystem) StoreSolutions(ctx context.Context, solutions []backend.SolutionRecord) error {
	fs.Lock()
	defer fs.Unlock()

	batch := new(leveldb.Batch)
	seq, err := fs.batchSolutions(batch, solutions)
	if err != nil {
		return err
	}
	if err := fs.db.Write(batch, nil); err != nil {
		return err
	}
	fs.seq = seq
	return nil
}

// StorePending stores a new pending record.
func (fs *FileSystem) StorePending(ctx context.Context, pr backend.PendingRecord) error {
	fs.Lock()
	defer fs.Unlock()

	k := key(prefixPending, pr.RequestHash[:])
	found, err := fs.db.Has(k, nil)
	if err != nil {
		return err
	}
	if found {
		return backend.ErrExists
	}
	payload, err := encode(pr)
	if err != nil {
		return err
	}
	return fs.db.Put(k, payload, nil)
}

// Pending returns the pending record for a request hash.
func (fs *FileSystem) Pending(ctx context.Context, requestHash merkle.Hash) (*backend.PendingRecord, error) {
	fs.RLock()
	defer fs.RUnlock()

	var pr backend.PendingRecord
	if err := fs.get(key(prefixPending, requestHash[:]), &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// SettlePending consumes the pending record and appends the submission in
// one batch while holding the write lock.
func (fs *FileSystem) SettlePending(ctx context.Context, requestHash merkle.Hash, approved bool, solutions []backend.SolutionRecord) error {
	fs.Lock()
	defer fs.Unlock()

	k := key(prefixPending, requestHash[:])
	var pr backend.PendingRecord
	if err := fs.get(k, &pr); err != nil {
		return err
	}
	if !pr.Pending {
		return backend.ErrAlreadySettled
	}
	pr.Pending = false
	pr.Approved = &approved

	payload, err := encode(pr)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(k, payload)
	seq, err := fs.batchSolutions(batch, solutions)
	if err != nil {
		return err
	}
	if err := fs.db.Write(batch, nil); err != nil {
		return err
	}
	fs.seq = seq

	log.Debugf("SettlePending %v: approved %v", requestHash, approved)

	return nil
}

// Close performs cleanup of the backend.
func (fs *FileSystem) Close() {
	// Block until last command is complete.
	fs.Lock()
	defer fs.Unlock()

	fs.db.Close()
}

// New opens or creates the database under root.
func New(root string) (*FileSystem, error) {
	path := filepath.Join(root, dbDir)
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}

	fs := &FileSystem{
		root: root,
		db:   db,
	}

	payload, err := db.Get([]byte(seqKey), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		db.Close()
		return nil, err
	case len(payload) != 8:
		db.Close()
		return nil, errInvalidDB
	default:
		fs.seq = binary.BigEndian.Uint64(payload)
	}

	log.Infof("Database: %v", path)

	return fs, nil
}

// NewDump opens an existing database.  It fails rather than create one.
func NewDump(root string) (*FileSystem, error) {
	// Stat path first so that we don't create a database.  Leveldb WILL
	// create a directory even if ErrorIfMissing = true.
	path := filepath.Join(root, dbDir)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, os.ErrNotExist
	}
	if !fi.Mode().IsDir() {
		return nil, errInvalidDB
	}
	db, err := leveldb.OpenFile(path, &opt.Options{ErrorIfMissing: true})
	if err != nil {
		return nil, err
	}
	db.Close()
	return New(root)
}
