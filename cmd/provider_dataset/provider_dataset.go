// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/prosopo/provider/captcha"
	"github.com/prosopo/provider/merkle"
	"github.com/prosopo/provider/util"
)

var (
	out       = flag.String("o", "", "Write the ingested dataset to this file")
	strict    = flag.Bool("strict", false, "Fail when the file carries a stale dataset id")
	printTree = flag.Bool("printtree", false, "Print every layer of the dataset tree")
	verbose   = flag.Bool("v", false, "Print every captcha")
)

var errStale = errors.New("stale dataset id")

func process(filename string) (*captcha.Dataset, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ds, err := captcha.ParseDataset(f)
	if err != nil {
		return nil, err
	}
	ingested, err := captcha.Ingest(ds)
	if err != nil {
		return nil, err
	}
	if err := captcha.Unique(ingested); err != nil {
		return nil, err
	}

	solved := 0
	for k := range ingested.Captchas {
		c := &ingested.Captchas[k]
		if c.Solved() {
			solved++
		}
		if *verbose {
			fmt.Printf("  %4v %v %q solved %v\n", c.Index, c.CaptchaID,
				c.Target, c.Solved())
		}
	}
	fmt.Printf("%v %v captchas %v solved %v\n", ingested.DatasetID,
		filename, len(ingested.Captchas), solved)

	if *printTree {
		for k, layer := range ingested.Tree {
			fmt.Printf("  Layer %v: %v\n", k, len(layer))
			for _, h := range layer {
				fmt.Printf("    %v\n", h)
			}
		}
	}

	if !ds.DatasetID.IsZero() && ds.DatasetID != ingested.DatasetID {
		fmt.Printf("  stale dataset id %v\n", ds.DatasetID)
		if *strict {
			return nil, errStale
		}
	}
	if len(ds.Tree) != 0 {
		tree, err := merkle.FromLayers(ds.Tree)
		if err != nil || tree.Root() != ingested.DatasetID {
			fmt.Printf("  stale tree\n")
			if *strict {
				return nil, errStale
			}
		}
	}

	return ingested, nil
}

func _main() error {
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 {
		return fmt.Errorf("usage: provider_dataset [flags] <file>...")
	}
	if *out != "" && len(files) != 1 {
		return fmt.Errorf("-o requires exactly one file")
	}

	failed := 0
	for _, filename := range files {
		ds, err := process(filename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v: %v\n", filename, err)
			failed++
			continue
		}
		if *out != "" {
			if err := util.WriteJSONFile(*out, ds); err != nil {
				return err
			}
		}
	}
	if failed != 0 {
		return fmt.Errorf("%v of %v files failed", failed, len(files))
	}
	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
