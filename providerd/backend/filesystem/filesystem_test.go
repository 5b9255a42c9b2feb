// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package filesystem

import (
	"context"
	"os"
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/prosopo/provider/captcha"
	"github.com/prosopo/provider/merkle"
	"github.com/prosopo/provider/providerd/backend"
	"github.com/prosopo/provider/providerd/backend/backendtest"
)

func TestBackend(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		fs, err := New(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		return fs
	})
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	fs, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	ds := backendtest.Dataset(t, 2, 2)
	if err := fs.StoreDataset(ctx, ds); err != nil {
		t.Fatal(err)
	}
	rh := merkle.Sum([]byte("request"))
	err = fs.StorePending(ctx, backend.PendingRecord{
		RequestHash: rh,
		AccountID:   "5Gx",
		Salt:        "0x01",
		Pending:     true,
	})
	if err != nil {
		t.Fatal(err)
	}
	cid := ds.Captchas[3].CaptchaID
	first := backend.SolutionRecord{CaptchaID: cid, Solution: []uint{1},
		DatasetID: rh}
	if err := fs.SettlePending(ctx, rh, true,
		[]backend.SolutionRecord{first}); err != nil {
		t.Fatal(err)
	}
	fs.Close()

	// Everything must survive a restart, including the solution order.
	fs, err = NewDump(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close()

	all, err := fs.Captchas(ctx, ds.DatasetID, captcha.StateAny)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(all, ds.Captchas) {
		t.Fatalf("captchas got %v want %v", spew.Sdump(all),
			spew.Sdump(ds.Captchas))
	}
	pr, err := fs.Pending(ctx, rh)
	if err != nil {
		t.Fatal(err)
	}
	if pr.Pending || pr.Approved == nil || !*pr.Approved {
		t.Fatalf("settlement lost: %v", spew.Sdump(pr))
	}

	second := backend.SolutionRecord{CaptchaID: cid, Solution: []uint{2},
		DatasetID: rh}
	err = fs.StoreSolutions(ctx, []backend.SolutionRecord{second})
	if err != nil {
		t.Fatal(err)
	}
	solutions, err := fs.Solutions(ctx, cid)
	if err != nil {
		t.Fatal(err)
	}
	want := []backend.SolutionRecord{first, second}
	if !reflect.DeepEqual(solutions, want) {
		t.Fatalf("got %v want %v", spew.Sdump(solutions),
			spew.Sdump(want))
	}
}

func TestNewDumpMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := NewDump(dir)
	if !os.IsNotExist(err) {
		t.Fatalf("expected not exist got %v", err)
	}
}
