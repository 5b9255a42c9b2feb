// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package backendtest exercises a backend.Backend implementation.  Every
// backend runs the same tests so that they are interchangeable.
package backendtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/prosopo/provider/captcha"
	"github.com/prosopo/provider/merkle"
	"github.com/prosopo/provider/providerd/backend"
	"golang.org/x/sync/errgroup"
)

// NewFunc returns a fresh, empty backend.  The backend is closed by the
// tests.
type NewFunc func(t *testing.T) backend.Backend

// Dataset returns an ingested dataset with solved solved captchas followed by
// unsolved unsolved captchas.
func Dataset(t *testing.T, solved, unsolved int) *captcha.Dataset {
	t.Helper()

	ds := &captcha.Dataset{Format: captcha.FormatSelectAll}
	for i := 0; i < solved+unsolved; i++ {
		c := captcha.Captcha{
			Target: fmt.Sprintf("target-%v-%v-%v", solved, unsolved, i),
			Salt:   fmt.Sprintf("0x%02x", i),
			Items: []captcha.Item{
				{Type: captcha.ItemText, Text: "a"},
				{Type: captcha.ItemText, Text: "b"},
				{Type: captcha.ItemImage, Path: "c.png"},
			},
		}
		if i < solved {
			c.Solution = []uint{uint(i % 3)}
		}
		ds.Captchas = append(ds.Captchas, c)
	}
	if err := captcha.Validate(ds); err != nil {
		t.Fatal(err)
	}
	ingested, err := captcha.Ingest(ds)
	if err != nil {
		t.Fatal(err)
	}
	return ingested
}

// Run runs every backend test against backends created by newBackend.
func Run(t *testing.T, newBackend NewFunc) {
	tests := []struct {
		name string
		f    func(*testing.T, backend.Backend)
	}{
		{"Dataset", testDataset},
		{"StoreDatasetAgain", testStoreDatasetAgain},
		{"SharedCaptcha", testSharedCaptcha},
		{"RandomCaptchas", testRandomCaptchas},
		{"CaptchasByID", testCaptchasByID},
		{"Pending", testPending},
		{"SettleConcurrent", testSettleConcurrent},
		{"Solutions", testSolutions},
		{"DumpRestore", func(t *testing.T, b backend.Backend) {
			testDumpRestore(t, b, newBackend(t))
		}},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			b := newBackend(t)
			defer b.Close()
			test.f(t, b)
		})
	}
}

func testDataset(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	ds := Dataset(t, 3, 4)

	_, err := b.Dataset(ctx, ds.DatasetID)
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	_, err = b.Captchas(ctx, ds.DatasetID, captcha.StateAny)
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}

	if err := b.StoreDataset(ctx, ds); err != nil {
		t.Fatal(err)
	}

	dr, err := b.Dataset(ctx, ds.DatasetID)
	if err != nil {
		t.Fatal(err)
	}
	if dr.DatasetID != ds.DatasetID || dr.Format != ds.Format {
		t.Fatalf("invalid dataset record %v", spew.Sdump(dr))
	}
	if !reflect.DeepEqual(dr.Tree, ds.Tree) {
		t.Fatalf("tree got %v want %v", spew.Sdump(dr.Tree),
			spew.Sdump(ds.Tree))
	}

	ids, err := b.Datasets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != ds.DatasetID {
		t.Fatalf("invalid datasets %v", ids)
	}

	all, err := b.Captchas(ctx, ds.DatasetID, captcha.StateAny)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(all, ds.Captchas) {
		t.Fatalf("captchas got %v want %v", spew.Sdump(all),
			spew.Sdump(ds.Captchas))
	}

	solved, err := b.Captchas(ctx, ds.DatasetID, captcha.StateSolved)
	if err != nil {
		t.Fatal(err)
	}
	unsolved, err := b.Captchas(ctx, ds.DatasetID, captcha.StateUnsolved)
	if err != nil {
		t.Fatal(err)
	}
	if len(solved) != 3 || len(unsolved) != 4 {
		t.Fatalf("solved %v unsolved %v", len(solved), len(unsolved))
	}
	for _, c := range solved {
		if !c.Solved() {
			t.Fatalf("unsolved captcha %v in solved set", c.CaptchaID)
		}
	}
	for _, c := range unsolved {
		if c.Solved() {
			t.Fatalf("solved captcha %v in unsolved set", c.CaptchaID)
		}
	}
}

func testStoreDatasetAgain(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	ds := Dataset(t, 1, 2)
	if err := b.StoreDataset(ctx, ds); err != nil {
		t.Fatal(err)
	}

	// Promote a solution the way aggregation does.
	promoted := *ds
	promoted.Captchas = append([]captcha.Captcha(nil), ds.Captchas...)
	promoted.Captchas[2].Solution = []uint{1}
	again, err := captcha.Ingest(&promoted)
	if err != nil {
		t.Fatal(err)
	}
	if again.DatasetID != ds.DatasetID {
		t.Fatalf("dataset id changed")
	}
	if err := b.StoreDataset(ctx, again); err != nil {
		t.Fatal(err)
	}

	solved, err := b.Captchas(ctx, ds.DatasetID, captcha.StateSolved)
	if err != nil {
		t.Fatal(err)
	}
	if len(solved) != 2 {
		t.Fatalf("expected 2 solved got %v", len(solved))
	}
	all, err := b.Captchas(ctx, ds.DatasetID, captcha.StateAny)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 captchas got %v", len(all))
	}
	ids, err := b.Datasets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 dataset got %v", len(ids))
	}
}

func testSharedCaptcha(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	ds := Dataset(t, 2, 1)
	if err := b.StoreDataset(ctx, ds); err != nil {
		t.Fatal(err)
	}

	// A second dataset reuses the first captcha.
	shared := ds.Captchas[0]
	other, err := captcha.Ingest(&captcha.Dataset{
		Format: captcha.FormatSelectAll,
		Captchas: []captcha.Captcha{{
			Target:   shared.Target,
			Salt:     shared.Salt,
			Items:    shared.Items,
			Solution: shared.Solution,
		}, {
			Target: "other",
			Salt:   "0x10",
			Items:  shared.Items,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if other.Captchas[0].CaptchaID != shared.CaptchaID {
		t.Fatalf("captcha id changed")
	}
	err = b.StoreDataset(ctx, other)
	if !errors.Is(err, backend.ErrCaptchaInUse) {
		t.Fatalf("expected ErrCaptchaInUse got %v", err)
	}

	_, err = b.Dataset(ctx, other.DatasetID)
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	all, err := b.Captchas(ctx, ds.DatasetID, captcha.StateAny)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 captchas got %v", len(all))
	}
	cs, err := b.CaptchasByID(ctx, []merkle.Hash{shared.CaptchaID,
		other.Captchas[1].CaptchaID})
	if err != nil {
		t.Fatal(err)
	}
	if len(cs) != 1 || cs[0].DatasetID != ds.DatasetID {
		t.Fatalf("captcha moved: %v", spew.Sdump(cs))
	}
}

func testRandomCaptchas(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	ds := Dataset(t, 5, 5)
	if err := b.StoreDataset(ctx, ds); err != nil {
		t.Fatal(err)
	}

	for _, solved := range []bool{true, false} {
		for n := 1; n <= 7; n++ {
			cs, err := b.RandomCaptchas(ctx, ds.DatasetID, solved, n)
			if err != nil {
				t.Fatal(err)
			}
			want := n
			if want > 5 {
				want = 5
			}
			if len(cs) != want {
				t.Fatalf("solved %v n %v: got %v captchas", solved,
					n, len(cs))
			}
			seen := make(map[merkle.Hash]struct{})
			for _, c := range cs {
				if c.Solved() != solved {
					t.Fatalf("captcha %v in wrong pool",
						c.CaptchaID)
				}
				if c.DatasetID != ds.DatasetID {
					t.Fatalf("captcha %v from wrong dataset",
						c.CaptchaID)
				}
				if _, ok := seen[c.CaptchaID]; ok {
					t.Fatalf("sampled %v twice", c.CaptchaID)
				}
				seen[c.CaptchaID] = struct{}{}
			}
		}
	}

	_, err := b.RandomCaptchas(ctx, merkle.Sum(nil), true, 1)
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func testCaptchasByID(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	ds := Dataset(t, 2, 2)
	if err := b.StoreDataset(ctx, ds); err != nil {
		t.Fatal(err)
	}

	ids := []merkle.Hash{
		ds.Captchas[3].CaptchaID,
		merkle.Sum([]byte("unknown")),
		ds.Captchas[0].CaptchaID,
	}
	cs, err := b.CaptchasByID(ctx, ids)
	if err != nil {
		t.Fatal(err)
	}
	if len(cs) != 2 {
		t.Fatalf("expected 2 captchas got %v", len(cs))
	}
	for _, c := range cs {
		want := ds.Captchas[c.Index]
		if !reflect.DeepEqual(c, want) {
			t.Fatalf("got %v want %v", spew.Sdump(c), spew.Sdump(want))
		}
	}
}

func testPending(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	rh := merkle.Sum([]byte("request"))

	_, err := b.Pending(ctx, rh)
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	err = b.SettlePending(ctx, rh, true, nil)
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}

	pr := backend.PendingRecord{
		RequestHash: rh,
		AccountID:   "5Gx",
		Salt:        "0xabcd",
		Pending:     true,
		Deadline:    1700000000,
	}
	if err := b.StorePending(ctx, pr); err != nil {
		t.Fatal(err)
	}
	err = b.StorePending(ctx, pr)
	if !errors.Is(err, backend.ErrExists) {
		t.Fatalf("expected ErrExists got %v", err)
	}

	got, err := b.Pending(ctx, rh)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(*got, pr) {
		t.Fatalf("got %v want %v", spew.Sdump(got), spew.Sdump(pr))
	}

	if err := b.SettlePending(ctx, rh, false, nil); err != nil {
		t.Fatal(err)
	}
	got, err = b.Pending(ctx, rh)
	if err != nil {
		t.Fatal(err)
	}
	if got.Pending || got.Approved == nil || *got.Approved {
		t.Fatalf("invalid settled record %v", spew.Sdump(got))
	}
	if got.Salt != pr.Salt || got.AccountID != pr.AccountID {
		t.Fatalf("settled record modified %v", spew.Sdump(got))
	}

	// Replay.
	err = b.SettlePending(ctx, rh, true, nil)
	if !errors.Is(err, backend.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled got %v", err)
	}
	got, err = b.Pending(ctx, rh)
	if err != nil {
		t.Fatal(err)
	}
	if *got.Approved {
		t.Fatalf("replay changed outcome")
	}
}

func testSettleConcurrent(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	rh := merkle.Sum([]byte("concurrent"))
	cid := merkle.Sum([]byte("captcha"))

	err := b.StorePending(ctx, backend.PendingRecord{
		RequestHash: rh,
		AccountID:   "5Gx",
		Salt:        "0x01",
		Pending:     true,
	})
	if err != nil {
		t.Fatal(err)
	}

	const workers = 16
	results := make([]error, workers)
	var eg errgroup.Group
	for i := 0; i < workers; i++ {
		i := i
		eg.Go(func() error {
			results[i] = b.SettlePending(ctx, rh, true,
				[]backend.SolutionRecord{{
					CaptchaID: cid,
					Solution:  []uint{uint(i)},
					Salt:      "0x02",
					DatasetID: rh,
				}})
			if results[i] != nil &&
				!errors.Is(results[i], backend.ErrAlreadySettled) {
				return results[i]
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}

	settled := 0
	for _, err := range results {
		if err == nil {
			settled++
		}
	}
	if settled != 1 {
		t.Fatalf("expected exactly one settlement got %v", settled)
	}

	solutions, err := b.Solutions(ctx, cid)
	if err != nil {
		t.Fatal(err)
	}
	if len(solutions) != 1 {
		t.Fatalf("expected one stored submission got %v",
			spew.Sdump(solutions))
	}
}

func testSolutions(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	cid := merkle.Sum([]byte("captcha"))
	commitment := merkle.Sum([]byte("commitment"))

	s, err := b.Solutions(ctx, cid)
	if err != nil {
		t.Fatal(err)
	}
	if len(s) != 0 {
		t.Fatalf("expected no solutions got %v", len(s))
	}

	want := []backend.SolutionRecord{
		{CaptchaID: cid, Solution: []uint{1}, Salt: "a", DatasetID: commitment, Created: 1},
		{CaptchaID: cid, Solution: []uint{2, 1}, Salt: "b", DatasetID: commitment, Created: 2},
		{CaptchaID: cid, Solution: []uint{1}, Salt: "c", DatasetID: commitment, Created: 3},
	}
	if err := b.StoreSolutions(ctx, want[:2]); err != nil {
		t.Fatal(err)
	}
	if err := b.StoreSolutions(ctx, want[2:]); err != nil {
		t.Fatal(err)
	}
	other := merkle.Sum([]byte("other"))
	err = b.StoreSolutions(ctx, []backend.SolutionRecord{
		{CaptchaID: other, Solution: []uint{3}, DatasetID: commitment},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := b.Solutions(ctx, cid)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", spew.Sdump(got), spew.Sdump(want))
	}
}

func testDumpRestore(t *testing.T, src, dst backend.Backend) {
	defer dst.Close()
	ctx := context.Background()

	ds1 := Dataset(t, 2, 3)
	ds2 := Dataset(t, 1, 1)
	for _, ds := range []*captcha.Dataset{ds1, ds2} {
		if err := src.StoreDataset(ctx, ds); err != nil {
			t.Fatal(err)
		}
	}
	err := src.StoreSolutions(ctx, []backend.SolutionRecord{{
		CaptchaID: ds1.Captchas[4].CaptchaID,
		Solution:  []uint{2},
		Salt:      "0x99",
		DatasetID: merkle.Sum([]byte("commitment")),
		Created:   1600000000,
	}})
	if err != nil {
		t.Fatal(err)
	}

	var fsck bytes.Buffer
	err = backend.Fsck(ctx, src, &fsck, &backend.FsckOptions{
		Verbose:     true,
		PrintHashes: true,
	})
	if err != nil {
		t.Fatalf("%v\n%v", err, fsck.String())
	}

	var dump bytes.Buffer
	if err := backend.Dump(ctx, src, &dump, false); err != nil {
		t.Fatal(err)
	}
	if err := backend.Restore(ctx, dst, bytes.NewReader(dump.Bytes()),
		false); err != nil {
		t.Fatal(err)
	}

	var again bytes.Buffer
	if err := backend.Dump(ctx, dst, &again, false); err != nil {
		t.Fatal(err)
	}
	if dump.String() != again.String() {
		t.Fatalf("dump mismatch:\n%v\n%v", dump.String(), again.String())
	}

	var human bytes.Buffer
	if err := backend.Dump(ctx, dst, &human, true); err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(human.Bytes(), []byte(ds1.DatasetID.String())) {
		t.Fatalf("human dump missing dataset:\n%v", human.String())
	}

	fsck.Reset()
	err = backend.Fsck(ctx, dst, &fsck, &backend.FsckOptions{
		Anchored: func(ctx context.Context, id merkle.Hash) (bool, error) {
			return id == ds1.DatasetID, nil
		},
	})
	if !errors.Is(err, backend.ErrFsck) {
		t.Fatalf("expected ErrFsck for unanchored dataset got %v\n%v",
			err, fsck.String())
	}
}
