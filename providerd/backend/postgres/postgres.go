// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/prosopo/provider/captcha"
	"github.com/prosopo/provider/merkle"
	"github.com/prosopo/provider/providerd/backend"
)

var _ backend.Backend = (*Postgres)(nil)

// Postgres is a postgreSQL implementation of a backend.  Atomicity is
// provided by transactions and conditional updates so several daemons may
// share one database.
type Postgres struct {
	db *sqlx.DB
}

func jsonSolution(solution []uint) ([]byte, error) {
	if solution == nil {
		solution = []uint{}
	}
	return json.Marshal(solution)
}

// StoreDataset replaces the captchas of the dataset and upserts its record
// in one transaction.
func (pg *Postgres) StoreDataset(ctx context.Context, ds *captcha.Dataset) error {
	tree, err := json.Marshal(ds.Tree)
	if err != nil {
		return err
	}

	tx, err := pg.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, deleteDatasetCaptchas, ds.DatasetID[:])
	if err != nil {
		return err
	}
	for k := range ds.Captchas {
		row, err := captchaRow(&ds.Captchas[k])
		if err != nil {
			return err
		}
		r, err := tx.ExecContext(ctx, upsertCaptcha, row.CaptchaID,
			row.DatasetID, row.Index, row.Target, row.Items,
			row.solutionArg(), row.Salt)
		if err != nil {
			return err
		}
		// The conflict clause skips captchas of other datasets.
		n, err := r.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %v", backend.ErrCaptchaInUse,
				ds.Captchas[k].CaptchaID)
		}
	}
	_, err = tx.ExecContext(ctx, upsertDataset, ds.DatasetID[:],
		string(ds.Format), tree)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Debugf("StoreDataset %v: %v captchas", ds.DatasetID,
		len(ds.Captchas))

	return nil
}

// Dataset returns the dataset metadata.
func (pg *Postgres) Dataset(ctx context.Context, id merkle.Hash) (*backend.DatasetRecord, error) {
	var d Dataset
	err := pg.db.GetContext(ctx, &d, selectDataset, id[:])
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return convertDataset(d)
}

// Datasets returns all dataset ids.
func (pg *Postgres) Datasets(ctx context.Context) ([]merkle.Hash, error) {
	var rows [][]byte
	if err := pg.db.SelectContext(ctx, &rows, selectDatasetIDs); err != nil {
		return nil, err
	}
	ids := make([]merkle.Hash, 0, len(rows))
	for _, row := range rows {
		id, err := toHash(row)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// notFound converts an empty result into backend.ErrNotFound when the
// dataset does not exist.
func (pg *Postgres) notFound(ctx context.Context, id merkle.Hash, cs []captcha.Captcha) ([]captcha.Captcha, error) {
	if len(cs) != 0 {
		return cs, nil
	}
	found, err := exists(ctx, pg.db, selectDatasetExists, id[:])
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, backend.ErrNotFound
	}
	return cs, nil
}

// Captchas returns the captchas of a dataset in the requested state.
func (pg *Postgres) Captchas(ctx context.Context, id merkle.Hash, state captcha.State) ([]captcha.Captcha, error) {
	q := selectCaptchas
	switch state {
	case captcha.StateSolved:
		q = selectCaptchasSolved
	case captcha.StateUnsolved:
		q = selectCaptchasUnsolved
	}
	cs, err := queryCaptchas(ctx, pg.db, q+` ORDER BY idx`, id[:])
	if err != nil {
		return nil, err
	}
	return pg.notFound(ctx, id, cs)
}

// RandomCaptchas samples in the database.
func (pg *Postgres) RandomCaptchas(ctx context.Context, id merkle.Hash, solved bool, n int) ([]captcha.Captcha, error) {
	cs, err := queryCaptchas(ctx, pg.db, selectRandomCaptchas, id[:],
		solved, n)
	if err != nil {
		return nil, err
	}
	return pg.notFound(ctx, id, cs)
}

// CaptchasByID returns the known captchas among ids.
func (pg *Postgres) CaptchasByID(ctx context.Context, ids []merkle.Hash) ([]captcha.Captcha, error) {
	raw := make([][]byte, 0, len(ids))
	for k := range ids {
		raw = append(raw, ids[k][:])
	}
	return queryCaptchas(ctx, pg.db, selectCaptchasByID, pq.Array(raw))
}

// Solutions returns all submissions for a captcha in insertion order.
func (pg *Postgres) Solutions(ctx context.Context, id merkle.Hash) ([]backend.SolutionRecord, error) {
	var rows []Solution
	err := pg.db.SelectContext(ctx, &rows, selectSolutions, id[:])
	if err != nil {
		return nil, err
	}
	solutions := make([]backend.SolutionRecord, 0, len(rows))
	for _, row := range rows {
		s, err := convertSolution(row)
		if err != nil {
			return nil, err
		}
		solutions = append(solutions, *s)
	}
	return solutions, nil
}

// StoreSolutions appends submissions in one transaction.
func (pg *Postgres) StoreSolutions(ctx context.Context, solutions []backend.SolutionRecord) error {
	tx, err := pg.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertSolutions(ctx, tx, solutions); err != nil {
		return err
	}
	return tx.Commit()
}

// StorePending stores a new pending record.
func (pg *Postgres) StorePending(ctx context.Context, pr backend.PendingRecord) error {
	var approved sql.NullBool
	if pr.Approved != nil {
		approved = sql.NullBool{Bool: *pr.Approved, Valid: true}
	}
	_, err := pg.db.ExecContext(ctx, insertPending, pr.RequestHash[:],
		pr.AccountID, pr.Salt, pr.Pending, approved, pr.Deadline)
	if isUniqueViolation(err) {
		return backend.ErrExists
	}
	return err
}

// Pending returns the pending record for a request hash.
func (pg *Postgres) Pending(ctx context.Context, requestHash merkle.Hash) (*backend.PendingRecord, error) {
	var p Pending
	err := pg.db.GetContext(ctx, &p, selectPending, requestHash[:])
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backend.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return convertPending(p)
}

// SettlePending consumes the pending record with a conditional update and
// appends the submission in the same transaction.
func (pg *Postgres) SettlePending(ctx context.Context, requestHash merkle.Hash, approved bool, solutions []backend.SolutionRecord) error {
	tx, err := pg.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, settlePending, requestHash[:], approved)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		found, err := exists(ctx, tx, selectPendingExists, requestHash[:])
		if err != nil {
			return err
		}
		if !found {
			return backend.ErrNotFound
		}
		return backend.ErrAlreadySettled
	}

	if err := insertSolutions(ctx, tx, solutions); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Debugf("SettlePending %v: approved %v", requestHash, approved)

	return nil
}

// Close performs cleanup of the backend.
func (pg *Postgres) Close() {
	pg.db.Close()
}

func buildQueryString(rootCert, cert, key string) string {
	v := url.Values{}
	if rootCert == "" {
		v.Set("sslmode", "disable")
		return v.Encode()
	}
	v.Set("sslmode", "require")
	v.Set("sslrootcert", filepath.Clean(rootCert))
	v.Set("sslcert", filepath.Clean(cert))
	v.Set("sslkey", filepath.Clean(key))
	return v.Encode()
}

// New connects to the database and creates the tables if they do not
// exist.  The caller should issue a Close once the Postgres backend is no
// longer needed.
func New(ctx context.Context, user, host, dbName, rootCert, cert, key string) (*Postgres, error) {
	log.Tracef("New: %v %v %v %v %v %v", user, host, dbName, rootCert,
		cert, key)

	h := "postgresql://" + user + "@" + host + "/" + dbName
	u, err := url.Parse(h)
	if err != nil {
		return nil, fmt.Errorf("parse url '%v': %v", h, err)
	}
	addr := u.String() + "?" + buildQueryString(rootCert, cert, key)

	db, err := sqlx.Open("postgres", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to database '%v': %v", h, err)
	}
	if _, err := db.ExecContext(ctx, createTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %v", err)
	}

	log.Infof("Database: %v", h)

	return &Postgres{db: db}, nil
}
