// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/prosopo/provider/merkle"
	"github.com/prosopo/provider/providerd/backend"
	"github.com/prosopo/provider/providerd/backend/filesystem"
	"github.com/prosopo/provider/providerd/backend/postgres"
	"github.com/prosopo/provider/providerd/ledger"
)

var (
	defaultHomeDir = dcrutil.AppDataDir("providerd", false)

	checkLedger = flag.Bool("ledger", false, "Report datasets that are not the provider's dataset on the ledger")
	printHashes = flag.Bool("printhashes", false, "Print all hashes")
	fsRoot      = flag.String("source", "", "Source directory")
	verbose     = flag.Bool("v", false, "Print more information during run")
)

// anchoredFunc returns a check that reports whether a dataset is the one
// the ledger lists for account.
func anchoredFunc(ctx context.Context, l ledger.Ledger) (func(context.Context, merkle.Hash) (bool, error), error) {
	pd, err := l.ProviderDetails(ctx, l.Account())
	if err != nil {
		return nil, fmt.Errorf("provider %v: %w", l.Account(), err)
	}
	fmt.Printf("=== Ledger dataset: %v\n", pd.CaptchaDatasetID)
	return func(_ context.Context, id merkle.Hash) (bool, error) {
		return id == pd.CaptchaDatasetID, nil
	}, nil
}

func _main() error {
	flag.Parse()

	loadedCfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}

	ctx := context.Background()
	var b backend.Backend
	switch loadedCfg.Backend {
	case "filesystem":
		root := *fsRoot
		if root == "" {
			root = loadedCfg.DataDir
		}
		if root == "" {
			root = filepath.Join(defaultHomeDir, "data")
		}
		fmt.Printf("=== Root: %v\n", root)
		b, err = filesystem.NewDump(root)
	case "postgres":
		b, err = postgres.New(ctx, loadedCfg.PostgresUser,
			loadedCfg.PostgresHost,
			loadedCfg.PostgresDBName,
			loadedCfg.PostgresRootCert,
			loadedCfg.PostgresCert,
			loadedCfg.PostgresKey)
	default:
		err = fmt.Errorf("Unsupported backend type: %v", loadedCfg.Backend)
	}
	if err != nil {
		return err
	}
	defer b.Close()

	opts := &backend.FsckOptions{
		Verbose:     *verbose,
		PrintHashes: *printHashes,
	}
	if *checkLedger {
		if loadedCfg.LedgerHost == "" || loadedCfg.LedgerAccount == "" {
			return fmt.Errorf("-ledger requires ledgerhost and " +
				"ledgeraccount in the config file")
		}
		l, err := ledger.New(loadedCfg.LedgerHost, loadedCfg.LedgerCert,
			loadedCfg.LedgerAccount, loadedCfg.LedgerTimeout)
		if err != nil {
			return err
		}
		defer l.Close()

		opts.Anchored, err = anchoredFunc(ctx, l)
		if err != nil {
			return err
		}
	}

	return backend.Fsck(ctx, b, os.Stdout, opts)
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
