// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prosopo/provider/captcha"
	"github.com/prosopo/provider/merkle"
)

// ErrFsck is returned when fsck found inconsistencies.
var ErrFsck = errors.New("fsck failed")

// FsckOptions provides generic options on how to handle an fsck. Sane defaults
// will be used in lieu of options being provided.
type FsckOptions struct {
	Verbose     bool // Normal verbosity
	PrintHashes bool // Prints every hash

	// Anchored, when set, reports whether a dataset root is anchored on
	// the ledger.
	Anchored func(context.Context, merkle.Hash) (bool, error)
}

type fsck struct {
	w        io.Writer
	opts     *FsckOptions
	failures int
}

func (f *fsck) fail(format string, args ...interface{}) {
	f.failures++
	fmt.Fprintf(f.w, "  FAIL: "+format+"\n", args...)
}

func (f *fsck) dataset(ctx context.Context, b Backend, id merkle.Hash) error {
	if f.opts.Verbose {
		fmt.Fprintf(f.w, "--- Dataset: %v\n", id)
	}

	dr, err := b.Dataset(ctx, id)
	if errors.Is(err, ErrNotFound) {
		f.fail("dataset %v listed but not found", id)
		return nil
	} else if err != nil {
		return err
	}

	tree, err := merkle.FromLayers(dr.Tree)
	if err != nil {
		f.fail("dataset %v: %v", id, err)
		return nil
	}
	if tree.Root() != id {
		f.fail("dataset %v: tree root %v", id, tree.Root())
	}
	leaves := tree.Leaves()

	captchas, err := b.Captchas(ctx, id, captcha.StateAny)
	if err != nil {
		return err
	}
	if len(captchas) != len(leaves) {
		f.fail("dataset %v: %v captchas, tree has %v leaves", id,
			len(captchas), len(leaves))
	}

	for k := range captchas {
		c := &captchas[k]
		if f.opts.PrintHashes {
			fmt.Fprintf(f.w, "  Captcha   : %v\n", c.CaptchaID)
		}
		if c.DatasetID != id {
			f.fail("captcha %v: dataset %v", c.CaptchaID, c.DatasetID)
		}
		if c.Index >= uint(len(leaves)) || leaves[c.Index] != c.CaptchaID {
			f.fail("captcha %v: not a leaf at index %v", c.CaptchaID,
				c.Index)
		}
		h, err := captcha.HashCaptcha(c)
		if err != nil {
			return err
		}
		if h != c.CaptchaID {
			f.fail("captcha %v: content hashes to %v", c.CaptchaID, h)
		}
		for _, s := range c.Solution {
			if s >= uint(len(c.Items)) {
				f.fail("captcha %v: solution index %v out of range",
					c.CaptchaID, s)
			}
		}

		solutions, err := b.Solutions(ctx, c.CaptchaID)
		if err != nil {
			return err
		}
		for _, s := range solutions {
			if s.CaptchaID != c.CaptchaID {
				f.fail("solution for %v filed under %v",
					s.CaptchaID, c.CaptchaID)
			}
		}
		if f.opts.Verbose && len(solutions) != 0 {
			fmt.Fprintf(f.w, "  Solutions : %v %v\n", c.CaptchaID,
				len(solutions))
		}
	}

	if f.opts.Anchored != nil {
		anchored, err := f.opts.Anchored(ctx, id)
		if err != nil {
			return fmt.Errorf("anchor %v: %w", id, err)
		}
		if !anchored {
			f.fail("dataset %v: not anchored", id)
		}
	}

	return nil
}

// Fsck walks all datasets and verifies that every tree recomputes to its
// dataset id, every captcha hashes to its id and sits at its index in the
// tree, and every submission is filed under its captcha.  Findings are
// written to w.
func Fsck(ctx context.Context, b Backend, w io.Writer, opts *FsckOptions) error {
	if opts == nil {
		opts = &FsckOptions{}
	}
	f := &fsck{w: w, opts: opts}

	ids, err := b.Datasets(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := f.dataset(ctx, b, id); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "=== Datasets: %v failures: %v\n", len(ids), f.failures)
	if f.failures != 0 {
		return fmt.Errorf("%w: %v failures", ErrFsck, f.failures)
	}
	return nil
}
