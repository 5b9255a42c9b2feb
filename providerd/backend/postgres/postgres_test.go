// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package postgres

import (
	"context"
	"errors"
	"reflect"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/davecgh/go-spew/spew"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/prosopo/provider/captcha"
	"github.com/prosopo/provider/merkle"
	"github.com/prosopo/provider/providerd/backend"
)

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("error %s while creating stub db conn", err)
	}
	pg := &Postgres{db: sqlx.NewDb(db, "postgres")}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %s", err)
		}
		pg.Close()
	})
	return pg, mock
}

var captchaRowColumns = []string{"captcha_id", "dataset_id", "idx",
	"target", "items", "solution", "salt"}

func TestSettlePending(t *testing.T) {
	pg, mock := newMock(t)
	ctx := context.Background()

	rh := merkle.Sum([]byte("request"))
	cid := merkle.Sum([]byte("captcha"))
	dsid := merkle.Sum([]byte("dataset"))
	s := backend.SolutionRecord{
		CaptchaID: cid,
		Solution:  []uint{0, 2},
		Salt:      "0x02",
		DatasetID: dsid,
		Created:   1700000000,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(settlePending)).
		WithArgs(rh[:], true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertSolution)).
		WithArgs(cid[:], []byte("[0,2]"), "0x02", dsid[:],
			int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := pg.SettlePending(ctx, rh, true, []backend.SolutionRecord{s})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSettlePendingConsumed(t *testing.T) {
	tests := []struct {
		name   string
		exists bool
		want   error
	}{
		{"settled", true, backend.ErrAlreadySettled},
		{"missing", false, backend.ErrNotFound},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			pg, mock := newMock(t)
			rh := merkle.Sum([]byte(test.name))

			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(settlePending)).
				WithArgs(rh[:], false).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(regexp.QuoteMeta(selectPendingExists)).
				WithArgs(rh[:]).
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).
					AddRow(test.exists))
			mock.ExpectRollback()

			err := pg.SettlePending(context.Background(), rh, false, nil)
			if !errors.Is(err, test.want) {
				t.Fatalf("got %v want %v", err, test.want)
			}
		})
	}
}

func TestStorePendingExists(t *testing.T) {
	pg, mock := newMock(t)
	rh := merkle.Sum([]byte("request"))

	mock.ExpectExec(regexp.QuoteMeta(insertPending)).
		WillReturnError(&pq.Error{Code: pqUniqueViolation})

	err := pg.StorePending(context.Background(), backend.PendingRecord{
		RequestHash: rh,
		AccountID:   "5Gx",
		Pending:     true,
	})
	if !errors.Is(err, backend.ErrExists) {
		t.Fatalf("got %v want %v", err, backend.ErrExists)
	}
}

func TestPendingApproved(t *testing.T) {
	pg, mock := newMock(t)
	rh := merkle.Sum([]byte("request"))

	mock.ExpectQuery(regexp.QuoteMeta(selectPending)).
		WithArgs(rh[:]).
		WillReturnRows(sqlmock.NewRows([]string{"request_hash",
			"account_id", "salt", "pending", "approved", "deadline"}).
			AddRow(rh[:], "5Gx", "0x01", false, true, int64(42)))

	pr, err := pg.Pending(context.Background(), rh)
	if err != nil {
		t.Fatal(err)
	}
	approved := true
	want := &backend.PendingRecord{
		RequestHash: rh,
		AccountID:   "5Gx",
		Salt:        "0x01",
		Approved:    &approved,
		Deadline:    42,
	}
	if !reflect.DeepEqual(pr, want) {
		t.Fatalf("got %v want %v", spew.Sdump(pr), spew.Sdump(want))
	}
}

func TestDatasetNotFound(t *testing.T) {
	pg, mock := newMock(t)
	id := merkle.Sum([]byte("dataset"))

	mock.ExpectQuery(regexp.QuoteMeta(selectDataset)).
		WithArgs(id[:]).
		WillReturnRows(sqlmock.NewRows([]string{"dataset_id", "format",
			"tree"}))

	_, err := pg.Dataset(context.Background(), id)
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("got %v want %v", err, backend.ErrNotFound)
	}
}

func TestCaptchasSolved(t *testing.T) {
	pg, mock := newMock(t)
	dsid := merkle.Sum([]byte("dataset"))
	cid := merkle.Sum([]byte("captcha"))

	mock.ExpectQuery(regexp.QuoteMeta(selectCaptchasSolved+` ORDER BY idx`)).
		WithArgs(dsid[:]).
		WillReturnRows(sqlmock.NewRows(captchaRowColumns).
			AddRow(cid[:], dsid[:], int64(3), "cats",
				[]byte(`[{"type":"text","text":"a"}]`),
				[]byte(`[0]`), "0x03"))

	cs, err := pg.Captchas(context.Background(), dsid,
		captcha.StateSolved)
	if err != nil {
		t.Fatal(err)
	}
	want := []captcha.Captcha{{
		CaptchaID: cid,
		DatasetID: dsid,
		Index:     3,
		Target:    "cats",
		Items:     []captcha.Item{{Type: captcha.ItemText, Text: "a"}},
		Solution:  []uint{0},
		Salt:      "0x03",
	}}
	if !reflect.DeepEqual(cs, want) {
		t.Fatalf("got %v want %v", spew.Sdump(cs), spew.Sdump(want))
	}
}

func TestRandomCaptchasUnknownDataset(t *testing.T) {
	pg, mock := newMock(t)
	dsid := merkle.Sum([]byte("dataset"))

	mock.ExpectQuery(regexp.QuoteMeta(selectRandomCaptchas)).
		WithArgs(dsid[:], true, 2).
		WillReturnRows(sqlmock.NewRows(captchaRowColumns))
	mock.ExpectQuery(regexp.QuoteMeta(selectDatasetExists)).
		WithArgs(dsid[:]).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := pg.RandomCaptchas(context.Background(), dsid, true, 2)
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("got %v want %v", err, backend.ErrNotFound)
	}
}

func TestStoreDataset(t *testing.T) {
	pg, mock := newMock(t)

	ds, err := captcha.Ingest(&captcha.Dataset{
		Format: captcha.FormatSelectAll,
		Captchas: []captcha.Captcha{{
			Target:   "dogs",
			Salt:     "0x01",
			Items:    []captcha.Item{{Type: captcha.ItemText, Text: "x"}},
			Solution: []uint{0},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(deleteDatasetCaptchas)).
		WithArgs(ds.DatasetID[:]).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(upsertCaptcha)).
		WithArgs(ds.Captchas[0].CaptchaID[:], ds.DatasetID[:], int64(0),
			"dogs", sqlmock.AnyArg(), []byte("[0]"), "0x01").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(upsertDataset)).
		WithArgs(ds.DatasetID[:], string(captcha.FormatSelectAll),
			sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := pg.StoreDataset(context.Background(), ds); err != nil {
		t.Fatal(err)
	}
}

func TestStoreDatasetUnsolved(t *testing.T) {
	pg, mock := newMock(t)

	items := []captcha.Item{{Type: captcha.ItemText, Text: "x"}}
	ds, err := captcha.Ingest(&captcha.Dataset{
		Format: captcha.FormatSelectAll,
		Captchas: []captcha.Captcha{{
			Target:   "dogs",
			Salt:     "0x01",
			Items:    items,
			Solution: []uint{0},
		}, {
			Target: "cats",
			Salt:   "0x02",
			Items:  items,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	// The unsolved captcha must be stored as NULL so that the solved
	// and unsolved queries classify it.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(deleteDatasetCaptchas)).
		WithArgs(ds.DatasetID[:]).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(upsertCaptcha)).
		WithArgs(ds.Captchas[0].CaptchaID[:], ds.DatasetID[:], int64(0),
			"dogs", sqlmock.AnyArg(), []byte("[0]"), "0x01").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(upsertCaptcha)).
		WithArgs(ds.Captchas[1].CaptchaID[:], ds.DatasetID[:], int64(1),
			"cats", sqlmock.AnyArg(), nil, "0x02").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(upsertDataset)).
		WithArgs(ds.DatasetID[:], string(captcha.FormatSelectAll),
			sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := pg.StoreDataset(context.Background(), ds); err != nil {
		t.Fatal(err)
	}
}

func TestStoreDatasetCaptchaInUse(t *testing.T) {
	pg, mock := newMock(t)

	ds, err := captcha.Ingest(&captcha.Dataset{
		Format: captcha.FormatSelectAll,
		Captchas: []captcha.Captcha{{
			Target: "dogs",
			Salt:   "0x01",
			Items:  []captcha.Item{{Type: captcha.ItemText, Text: "x"}},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	// The captcha row belongs to another dataset so the conflict clause
	// updates nothing.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(deleteDatasetCaptchas)).
		WithArgs(ds.DatasetID[:]).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(upsertCaptcha)).
		WithArgs(ds.Captchas[0].CaptchaID[:], ds.DatasetID[:], int64(0),
			"dogs", sqlmock.AnyArg(), nil, "0x01").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = pg.StoreDataset(context.Background(), ds)
	if !errors.Is(err, backend.ErrCaptchaInUse) {
		t.Fatalf("got %v want %v", err, backend.ErrCaptchaInUse)
	}
}

func TestBuildQueryString(t *testing.T) {
	got := buildQueryString("", "", "")
	if got != "sslmode=disable" {
		t.Fatalf("got %v", got)
	}
	got = buildQueryString("/a/ca.crt", "/a/client.crt", "/a/client.key")
	want := "sslcert=%2Fa%2Fclient.crt&sslkey=%2Fa%2Fclient.key&" +
		"sslmode=require&sslrootcert=%2Fa%2Fca.crt"
	if got != want {
		t.Fatalf("got %v want %v", got, want)
	}
}
