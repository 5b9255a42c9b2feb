// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/prosopo/provider/captcha"
	"github.com/prosopo/provider/providerd/backend"
)

const (
	// pqUniqueViolation is the SQLSTATE of a unique constraint violation.
	pqUniqueViolation = "23505"

	createTables = `
CREATE TABLE IF NOT EXISTS datasets (
	dataset_id BYTEA PRIMARY KEY,
	format     TEXT NOT NULL,
	tree       JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS captchas (
	captcha_id BYTEA PRIMARY KEY,
	dataset_id BYTEA NOT NULL,
	idx        INTEGER NOT NULL,
	target     TEXT NOT NULL,
	items      JSONB NOT NULL,
	solution   JSONB,
	salt       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS captchas_dataset_idx ON captchas (dataset_id, idx);
CREATE TABLE IF NOT EXISTS solutions (
	id         BIGSERIAL PRIMARY KEY,
	captcha_id BYTEA NOT NULL,
	solution   JSONB NOT NULL,
	salt       TEXT NOT NULL,
	dataset_id BYTEA NOT NULL,
	created    BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS solutions_captcha_idx ON solutions (captcha_id, id);
CREATE TABLE IF NOT EXISTS pending (
	request_hash BYTEA PRIMARY KEY,
	account_id   TEXT NOT NULL,
	salt         TEXT NOT NULL,
	pending      BOOLEAN NOT NULL,
	approved     BOOLEAN,
	deadline     BIGINT NOT NULL
);`

	captchaColumns = `captcha_id, dataset_id, idx, target, items, solution, salt`

	deleteDatasetCaptchas = `DELETE FROM captchas WHERE dataset_id = $1`

	upsertCaptcha = `INSERT INTO captchas (` + captchaColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (captcha_id) DO UPDATE SET dataset_id = $2, idx = $3,
		target = $4, items = $5, solution = $6, salt = $7
		WHERE captchas.dataset_id = $2`

	upsertDataset = `INSERT INTO datasets (dataset_id, format, tree)
		VALUES ($1, $2, $3)
		ON CONFLICT (dataset_id) DO UPDATE SET format = $2, tree = $3`

	selectDataset = `SELECT dataset_id, format, tree FROM datasets
		WHERE dataset_id = $1`

	selectDatasetIDs = `SELECT dataset_id FROM datasets ORDER BY dataset_id`

	selectDatasetExists = `SELECT EXISTS(SELECT 1 FROM datasets
		WHERE dataset_id = $1)`

	selectCaptchas = `SELECT ` + captchaColumns + ` FROM captchas
		WHERE dataset_id = $1`

	selectCaptchasSolved   = selectCaptchas + ` AND solution IS NOT NULL`
	selectCaptchasUnsolved = selectCaptchas + ` AND solution IS NULL`

	selectRandomCaptchas = `SELECT ` + captchaColumns + ` FROM captchas
		WHERE dataset_id = $1 AND (solution IS NOT NULL) = $2
		ORDER BY random() LIMIT $3`

	selectCaptchasByID = `SELECT ` + captchaColumns + ` FROM captchas
		WHERE captcha_id = ANY($1)`

	selectSolutions = `SELECT captcha_id, solution, salt, dataset_id, created
		FROM solutions WHERE captcha_id = $1 ORDER BY id`

	insertSolution = `INSERT INTO solutions
		(captcha_id, solution, salt, dataset_id, created)
		VALUES ($1, $2, $3, $4, $5)`

	insertPending = `INSERT INTO pending
		(request_hash, account_id, salt, pending, approved, deadline)
		VALUES ($1, $2, $3, $4, $5, $6)`

	selectPending = `SELECT request_hash, account_id, salt, pending,
		approved, deadline FROM pending WHERE request_hash = $1`

	selectPendingExists = `SELECT EXISTS(SELECT 1 FROM pending
		WHERE request_hash = $1)`

	settlePending = `UPDATE pending SET pending = false, approved = $2
		WHERE request_hash = $1 AND pending = true`
)

// isUniqueViolation returns true if err is a postgres unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pqerr *pq.Error
	return errors.As(err, &pqerr) && pqerr.Code == pqUniqueViolation
}

// queryCaptchas runs a captcha query and converts the rows.
func queryCaptchas(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) ([]captcha.Captcha, error) {
	var rows []Captcha
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, err
	}
	cs := make([]captcha.Captcha, 0, len(rows))
	for _, row := range rows {
		c, err := convertCaptcha(row)
		if err != nil {
			return nil, err
		}
		cs = append(cs, *c)
	}
	return cs, nil
}

// insertSolutions appends solutions inside tx.
func insertSolutions(ctx context.Context, tx *sqlx.Tx, solutions []backend.SolutionRecord) error {
	for _, s := range solutions {
		solution, err := jsonSolution(s.Solution)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, insertSolution, s.CaptchaID[:],
			solution, s.Salt, s.DatasetID[:], s.Created)
		if err != nil {
			return err
		}
	}
	return nil
}

// exists runs a SELECT EXISTS query.
func exists(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (bool, error) {
	var found bool
	err := sqlx.GetContext(ctx, q, &found, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return found, err
}
