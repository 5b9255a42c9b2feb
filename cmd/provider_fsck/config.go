// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/jessevdk/go-flags"
)

const defaultConfigFilename = "providerd.conf"

var (
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultBackend    = "filesystem"
)

// config holds the providerd options needed to open its backend and reach
// the ledger.  Unknown options in the providerd config file are ignored.
type config struct {
	DataDir          string `short:"b" long:"datadir" description:"Directory to store data"`
	Backend          string `long:"backend" description:"Storage backend 'filesystem'/'postgres'"`
	PostgresHost     string `long:"postgreshost" description:"Postgres ip:port"`
	PostgresUser     string `long:"postgresuser" description:"Postgres user"`
	PostgresDBName   string `long:"postgresdbname" description:"Postgres database name"`
	PostgresRootCert string `long:"postgresrootcert" description:"File containing the CA certificate for postgres"`
	PostgresCert     string `long:"postgrescert" description:"File containing the providerd client certificate for postgres"`
	PostgresKey      string `long:"postgreskey" description:"File containing the providerd client certificate key for postgres"`

	LedgerHost    string        `long:"ledgerhost" description:"Contract gateway ip:port"`
	LedgerCert    string        `long:"ledgercert" description:"Certificate path for the contract gateway"`
	LedgerAccount string        `long:"ledgeraccount" description:"Provider account"`
	LedgerTimeout time.Duration `long:"ledgertimeout" description:"Timeout for a single contract call"`
}

// loadConfig initializes and parses the config using the providerd config
// file.
func loadConfig() (*config, error) {
	// Default config.
	cfg := config{
		Backend:        defaultBackend,
		PostgresUser:   "providerd",
		PostgresDBName: "providerd",
		LedgerTimeout:  30 * time.Second,
	}

	parser := flags.NewParser(&cfg, flags.IgnoreUnknown)
	err := flags.NewIniParser(parser).ParseFile(defaultConfigFile)
	if err != nil {
		var e *os.PathError
		if !errors.As(err, &e) {
			return nil, err
		}
	}

	return &cfg, nil
}
