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
	"github.com/prosopo/provider/providerd/backend"
	"github.com/prosopo/provider/providerd/backend/filesystem"
	"github.com/prosopo/provider/providerd/backend/postgres"
)

var (
	defaultHomeDir = dcrutil.AppDataDir("providerd", false)

	destination = flag.String("destination", "", "Restore destination")
	dumpJSON    = flag.Bool("json", false, "Dump JSON")
	restore     = flag.Bool("restore", false, "Restore backend, -destination is required for the filesystem backend")
	fsRoot      = flag.String("source", "", "Source directory")
	verbose     = flag.Bool("v", false, "Print restore progress")
)

func _main() error {
	flag.Parse()

	loadedCfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}

	root := *fsRoot
	if root == "" {
		root = loadedCfg.DataDir
	}
	if root == "" {
		root = filepath.Join(defaultHomeDir, "data")
	}

	ctx := context.Background()
	var b backend.Backend
	switch loadedCfg.Backend {
	case "filesystem":
		if *restore {
			if *destination == "" {
				return fmt.Errorf("-destination must be set")
			}
			b, err = filesystem.New(*destination)
			break
		}
		b, err = filesystem.NewDump(root)
		if !*dumpJSON {
			fmt.Printf("=== Root: %v\n", root)
		}
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

	if *restore {
		return backend.Restore(ctx, b, os.Stdin, *verbose)
	}
	return backend.Dump(ctx, b, os.Stdout, !*dumpJSON)
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
